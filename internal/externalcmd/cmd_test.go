//go:build !windows

package externalcmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCmdExitCode(t *testing.T) {
	c := &Cmd{
		CmdStr: "sh -c 'exit 3'",
	}
	err := c.Initialize()
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	require.EqualError(t, c.Err(), "command exited with code 3")
}

func TestCmdEnvironment(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	c := &Cmd{
		CmdStr: "sh -c 'echo $ARS_VALUE > $OUT_PATH'",
		Env: Environment{
			"ARS_VALUE": "hello",
			"OUT_PATH":  out,
		},
	}
	err := c.Initialize()
	require.NoError(t, err)

	<-c.Done()

	byts, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(byts))
}

func TestCmdClose(t *testing.T) {
	c := &Cmd{
		CmdStr: "sleep 30",
	}
	err := c.Initialize()
	require.NoError(t, err)

	c.Close()

	require.ErrorIs(t, c.Err(), ErrTerminated)
}

func TestCmdInvalid(t *testing.T) {
	c := &Cmd{
		CmdStr: "",
	}
	err := c.Initialize()
	require.EqualError(t, err, "command is empty")

	c = &Cmd{
		CmdStr: "sh -c 'unterminated",
	}
	err = c.Initialize()
	require.Error(t, err)
}
