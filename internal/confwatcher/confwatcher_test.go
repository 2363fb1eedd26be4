package confwatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/the5gs/arstreamer/internal/test"
)

func writeFile(t *testing.T, fpath string, content string) {
	f, err := os.Create(fpath)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte(content))
	require.NoError(t, err)
}

func waitSignal(t *testing.T, w *ConfWatcher) {
	select {
	case <-w.Watch():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out")
	}
}

func TestNoFile(t *testing.T) {
	w := &ConfWatcher{FilePath: "/nonexistent/arstreamer.yml"}
	err := w.Initialize()
	require.Error(t, err)
}

func TestWrite(t *testing.T) {
	fpath, err := test.CreateTempFile([]byte("logLevel: info\n"))
	require.NoError(t, err)
	defer os.Remove(fpath)

	w := &ConfWatcher{FilePath: fpath}
	err = w.Initialize()
	require.NoError(t, err)
	defer w.Close()

	writeFile(t, fpath, "logLevel: debug\n")

	waitSignal(t, w)
}

func TestWriteMultipleTimes(t *testing.T) {
	fpath, err := test.CreateTempFile([]byte("logLevel: info\n"))
	require.NoError(t, err)
	defer os.Remove(fpath)

	w := &ConfWatcher{FilePath: fpath}
	err = w.Initialize()
	require.NoError(t, err)
	defer w.Close()

	writeFile(t, fpath, "logLevel: debug\n")
	time.Sleep(10 * time.Millisecond)
	writeFile(t, fpath, "logLevel: warn\n")

	waitSignal(t, w)

	// changes within the minimum interval are coalesced.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-w.Watch():
		t.Fatal("unexpected signal")
	}
}

func TestDeleteCreate(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "arstreamer.yml")
	writeFile(t, fpath, "logLevel: info\n")

	w := &ConfWatcher{FilePath: fpath}
	err := w.Initialize()
	require.NoError(t, err)
	defer w.Close()

	err = os.Remove(fpath)
	require.NoError(t, err)

	writeFile(t, fpath, "logLevel: debug\n")

	waitSignal(t, w)
}

func TestSymlinkDeleteCreate(t *testing.T) {
	dir := t.TempDir()

	target1 := filepath.Join(dir, "conf1.yml")
	writeFile(t, target1, "logLevel: info\n")

	target2 := filepath.Join(dir, "conf2.yml")
	writeFile(t, target2, "logLevel: debug\n")

	link := filepath.Join(dir, "arstreamer.yml")
	err := os.Symlink(target1, link)
	require.NoError(t, err)

	w := &ConfWatcher{FilePath: link}
	err = w.Initialize()
	require.NoError(t, err)
	defer w.Close()

	err = os.Remove(link)
	require.NoError(t, err)

	err = os.Symlink(target2, link)
	require.NoError(t, err)

	waitSignal(t, w)
}

func TestUnrelatedFile(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "arstreamer.yml")
	writeFile(t, fpath, "logLevel: info\n")

	w := &ConfWatcher{FilePath: fpath}
	err := w.Initialize()
	require.NoError(t, err)
	defer w.Close()

	writeFile(t, filepath.Join(dir, "other.yml"), "x")

	select {
	case <-time.After(300 * time.Millisecond):
	case <-w.Watch():
		t.Fatal("unexpected signal")
	}
}
