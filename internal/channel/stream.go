package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/the5gs/arstreamer/internal/asyncwriter"
	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/packet"
)

// Sink receives the inbound side of a stream.
type Sink interface {
	OnMessage(*packet.ServerMessage)
	OnError(error)
	OnCompleted()
}

// StreamStats are statistics of a stream.
type StreamStats struct {
	MessagesSent     uint64
	BytesSent        uint64
	MessagesDropped  uint64
	MessagesReceived uint64
}

// Stream is a bidirectional stream.
// Outbound messages are queued and written by a dedicated routine;
// inbound messages are decoded and passed to the sink.
type Stream struct {
	conn         *websocket.Conn
	sink         Sink
	writeTimeout time.Duration
	pingInterval time.Duration
	parent       logger.Writer
	onDone       func(*Stream)

	writer     *asyncwriter.Writer
	stopWriter sync.Once
	halfClosed atomic.Bool

	causeMutex sync.Mutex
	cause      error

	// terminal outcome, nil when the remote side completed the stream.
	result error

	messagesSent     atomic.Uint64
	bytesSent        atomic.Uint64
	messagesReceived atomic.Uint64

	terminate chan struct{}
	done      chan struct{}
}

func (s *Stream) initialize(queueSize int) error {
	var err error
	s.writer, err = asyncwriter.New(queueSize, s.parent)
	if err != nil {
		return err
	}

	s.terminate = make(chan struct{})
	s.done = make(chan struct{})

	return nil
}

func (s *Stream) start() {
	s.writer.Start()
	go s.runKeepalive()
	go s.runReader()
}

// Send queues a message. It never blocks; when the queue is full the message is discarded.
func (s *Stream) Send(msg *packet.ClientMessage) error {
	if s.halfClosed.Load() {
		return ErrStreamClosed
	}

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	buf, err := msg.Marshal()
	if err != nil {
		return err
	}

	s.writer.Push(func() error {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)) //nolint:errcheck
		err := s.conn.WriteMessage(websocket.BinaryMessage, buf)
		if err != nil {
			return err
		}

		s.messagesSent.Add(1)
		s.bytesSent.Add(uint64(len(buf)))
		return nil
	})

	return nil
}

// CloseSend writes every queued message and then signals the end of the outbound side.
// It then waits up to timeout for the remote side to complete the stream,
// after which the stream is cancelled.
// It returns nil when the remote side completed the stream.
func (s *Stream) CloseSend(timeout time.Duration) error {
	if !s.halfClosed.CompareAndSwap(false, true) {
		<-s.done
		return s.result
	}

	s.stopWriter.Do(s.writer.Stop)

	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.writeTimeout))
	if err != nil {
		s.cancel(fmt.Errorf("unable to half-close stream: %w", err))
		<-s.done
		return s.result
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.done:
	case <-t.C:
		s.parent.Log(logger.Warn, "remote side did not complete the stream within %v", timeout)
		s.cancel(ErrCancelled)
		<-s.done
	}

	return s.result
}

// Cancel terminates the stream immediately.
func (s *Stream) Cancel() {
	s.cancel(ErrCancelled)
	<-s.done
}

// Done returns a channel that is closed when the stream has terminated.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns statistics.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		MessagesSent:     s.messagesSent.Load(),
		BytesSent:        s.bytesSent.Load(),
		MessagesDropped:  s.writer.Dropped(),
		MessagesReceived: s.messagesReceived.Load(),
	}
}

func (s *Stream) cancel(cause error) {
	s.causeMutex.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.causeMutex.Unlock()

	s.conn.Close()
}

func (s *Stream) runKeepalive() {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()

	writerErr := s.writer.Error()

	for {
		select {
		case <-t.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.cancel(fmt.Errorf("unable to send ping: %w", err))
				return
			}

		case err, ok := <-writerErr:
			// writer stopped because of a half-close
			if !ok || errors.Is(err, asyncwriter.ErrTerminated) {
				writerErr = nil
				continue
			}
			s.cancel(err)
			return

		case <-s.terminate:
			return
		}
	}
}

func (s *Stream) runReader() {
	readTimeout := s.pingInterval + pingTimeout

	s.conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
		return nil
	})

	var err error

	for {
		var typ int
		var buf []byte
		typ, buf, err = s.conn.ReadMessage()
		if err != nil {
			break
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck

		if typ != websocket.BinaryMessage {
			continue
		}

		var msg packet.ServerMessage
		err = msg.Unmarshal(buf)
		if err != nil {
			s.cancel(fmt.Errorf("invalid message from server: %w", err))
			continue
		}

		s.messagesReceived.Add(1)
		s.sink.OnMessage(&msg)
	}

	s.finish(err)
}

func (s *Stream) finish(readErr error) {
	close(s.terminate)
	s.conn.Close()
	s.stopWriter.Do(s.writer.Close)

	s.causeMutex.Lock()
	cause := s.cause
	s.causeMutex.Unlock()

	switch {
	case cause != nil:
		s.result = cause

	case websocket.IsCloseError(readErr, websocket.CloseNormalClosure):
		s.result = nil

	default:
		s.result = readErr
	}

	s.onDone(s)

	// callbacks run after done is closed, so that they can interact
	// with whoever is waiting for the stream to terminate.
	close(s.done)

	if s.result != nil {
		s.sink.OnError(s.result)
	} else {
		s.sink.OnCompleted()
	}
}
