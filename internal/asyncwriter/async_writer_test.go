package asyncwriter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/the5gs/arstreamer/internal/test"
)

func TestAsyncWriterError(t *testing.T) {
	w, err := New(512, nil)
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	w.Push(func() error {
		return fmt.Errorf("testerror")
	})

	err = <-w.Error()
	require.EqualError(t, err, "testerror")
}

func TestAsyncWriterOrderAndFlush(t *testing.T) {
	w, err := New(16, test.NilLogger)
	require.NoError(t, err)

	var mutex sync.Mutex
	var out []int

	for i := 0; i < 10; i++ {
		i := i
		ok := w.Push(func() error {
			mutex.Lock()
			out = append(out, i)
			mutex.Unlock()
			return nil
		})
		require.True(t, ok)
	}

	w.Start()
	w.Stop()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, out)
}

func TestAsyncWriterStopFlushesRunning(t *testing.T) {
	w, err := New(8, test.NilLogger)
	require.NoError(t, err)

	w.Start()

	release := make(chan struct{})
	var executed atomic.Int32

	w.Push(func() error {
		<-release
		executed.Add(1)
		return nil
	})

	for i := 0; i < 7; i++ {
		require.True(t, w.Push(func() error {
			executed.Add(1)
			return nil
		}))
	}

	// the queue is full until the first callback returns.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	w.Stop()
	require.Equal(t, int32(8), executed.Load())
}

func TestAsyncWriterStopAfterError(t *testing.T) {
	w, err := New(4, test.NilLogger)
	require.NoError(t, err)

	w.Start()

	w.Push(func() error {
		return fmt.Errorf("testerror")
	})

	err = <-w.Error()
	require.EqualError(t, err, "testerror")

	for i := 0; i < 4; i++ {
		w.Push(func() error { return nil })
	}

	w.Stop()
}

func TestAsyncWriterCloseDiscards(t *testing.T) {
	w, err := New(8, test.NilLogger)
	require.NoError(t, err)

	w.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	var executed atomic.Int32

	w.Push(func() error {
		close(started)
		<-release
		executed.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		w.Push(func() error {
			executed.Add(1)
			return nil
		})
	}

	<-started

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	<-closed

	require.Equal(t, int32(1), executed.Load())
}

func TestAsyncWriterQueueFull(t *testing.T) {
	w, err := New(4, test.NilLogger)
	require.NoError(t, err)

	rejected := uint64(0)
	for i := 0; i < 8; i++ {
		if !w.Push(func() error { return nil }) {
			rejected++
		}
	}
	require.NotZero(t, rejected)
	require.Equal(t, rejected, w.Dropped())

	w.Start()
	w.Stop()
}

func TestAsyncWriterInvalidSize(t *testing.T) {
	_, err := New(100, nil)
	require.Error(t, err)
}
