// Package asyncwriter contains an asynchronous writer.
package asyncwriter

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/ringbuffer"

	"github.com/the5gs/arstreamer/internal/logger"
)

// ErrTerminated is returned by Error after Stop or Close.
var ErrTerminated = errors.New("terminated")

// interval between attempts to queue the terminal callback into a full queue.
const stopRetryPause = 5 * time.Millisecond

// Writer runs write callbacks in a dedicated routine, in the order they were pushed.
// Producers never block: when the queue is full, callbacks are discarded.
type Writer struct {
	queueFullLogger logger.Writer
	buffer          *ringbuffer.RingBuffer
	dropped         atomic.Uint64

	// out
	err  chan error
	done chan struct{}
}

// New allocates a Writer. queueSize must be a power of two.
func New(
	queueSize int,
	parent logger.Writer,
) (*Writer, error) {
	buffer, err := ringbuffer.New(uint64(queueSize))
	if err != nil {
		return nil, err
	}

	return &Writer{
		queueFullLogger: logger.NewLimitedLogger(parent),
		buffer:          buffer,
		err:             make(chan error, 1),
		done:            make(chan struct{}),
	}, nil
}

// Start starts the writer routine.
func (w *Writer) Start() {
	go w.run()
}

// Stop stops the writer routine.
// Callbacks already in the queue are executed before returning,
// unless one of them fails.
func (w *Writer) Stop() {
	terminate := func() error { return ErrTerminated }

	for !w.buffer.Push(terminate) {
		select {
		case <-w.done:
			w.buffer.Close()
			return
		case <-time.After(stopRetryPause):
		}
	}

	<-w.done
	w.buffer.Close()
}

// Close stops the writer routine and discards queued callbacks.
func (w *Writer) Close() {
	w.buffer.Close()
	<-w.done
}

// Error returns a channel that receives the error that stopped the routine.
func (w *Writer) Error() chan error {
	return w.err
}

func (w *Writer) run() {
	defer close(w.done)
	w.err <- w.runInner()
	close(w.err)
}

func (w *Writer) runInner() error {
	for {
		cb, ok := w.buffer.Pull()
		if !ok {
			return ErrTerminated
		}

		err := cb.(func() error)()
		if err != nil {
			return err
		}
	}
}

// Push appends a callback to the queue. It returns false when the queue is full.
func (w *Writer) Push(cb func() error) bool {
	ok := w.buffer.Push(cb)
	if !ok {
		w.dropped.Add(1)
		w.queueFullLogger.Log(logger.Warn, "write queue is full, message discarded")
	}
	return ok
}

// Dropped returns the number of discarded callbacks.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}
