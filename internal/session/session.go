// Package session contains the state machine that owns the bidirectional stream.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"

	"github.com/the5gs/arstreamer/internal/channel"
	"github.com/the5gs/arstreamer/internal/counterdumper"
	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/packet"
)

const (
	defaultOpenTimeout     = 10 * time.Second
	defaultCompleteTimeout = 2 * time.Second
)

// StreamOpener opens streams.
type StreamOpener interface {
	OpenStream(ctx context.Context, sessionID string, sink channel.Sink) (*channel.Stream, error)
}

// Status is the public view of a Session.
type Status struct {
	State               State  `json:"state"`
	SessionID           string `json:"sessionID"`
	IntrinsicsSent      bool   `json:"intrinsicsSent"`
	IntrinsicsConfirmed bool   `json:"intrinsicsConfirmed"`
	LastError           string `json:"lastError"`
	PacketsSent         uint64 `json:"packetsSent"`
	BytesSent           uint64 `json:"bytesSent"`
	PacketsDropped      uint64 `json:"packetsDropped"`
	PacketsDiscarded    uint64 `json:"packetsDiscarded"`
}

// Session drives a bidirectional stream through its lifecycle:
// start, intrinsics handshake, steady state, completion or error.
// Errors are reported through OnError and never retried here.
type Session struct {
	Opener          StreamOpener
	OpenTimeout     time.Duration
	CompleteTimeout time.Duration
	Parent          logger.Writer

	// called for every inbound message, acknowledgements included.
	OnResponse func(*packet.ServerMessage)

	// called once per failed stream.
	OnError func(string)

	// called when the server completes the stream.
	OnCompleted func()

	ctrl       sync.Mutex
	snap       atomic.Pointer[snapshot]
	generation atomic.Uint64
	discarded  *counterdumper.CounterDumper
}

// Initialize initializes a Session.
func (s *Session) Initialize() {
	if s.OpenTimeout == 0 {
		s.OpenTimeout = defaultOpenTimeout
	}
	if s.CompleteTimeout == 0 {
		s.CompleteTimeout = defaultCompleteTimeout
	}

	s.snap.Store(&snapshot{})

	s.discarded = &counterdumper.CounterDumper{
		OnReport: func(v uint64) {
			s.Log(logger.Debug, "%d packets discarded because the stream is not active", v)
		},
	}
	s.discarded.Start()
}

// Close completes the stream, if any, and releases resources.
func (s *Session) Close() {
	s.Complete()
	s.discarded.Stop()
}

// Log implements logger.Writer.
func (s *Session) Log(level logger.Level, format string, args ...any) {
	if s.Parent != nil {
		s.Parent.Log(level, "[session] "+format, args...)
	}
}

// Start opens a new stream. If a stream is active, it is completed first.
// Failures are reported through OnError.
func (s *Session) Start() {
	s.ctrl.Lock()

	if s.snap.Load().state == StateActive {
		s.completeLocked()
	}

	gen := s.generation.Add(1)
	id := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), s.OpenTimeout)
	stream, err := s.Opener.OpenStream(ctx, id, &streamSink{s: s, generation: gen})
	cancel()

	if err != nil {
		s.snap.Store(&snapshot{
			state:      StateErrored,
			generation: gen,
			lastError:  err.Error(),
		})
		s.ctrl.Unlock()

		s.Log(logger.Error, "unable to start stream: %v", err)
		if s.OnError != nil {
			s.OnError(err.Error())
		}
		return
	}

	s.snap.Store(&snapshot{
		state:      StateActive,
		generation: gen,
		stream:     stream,
		sessionID:  id,
	})
	s.ctrl.Unlock()

	s.Log(logger.Info, "stream %s started", id)
}

// Complete half-closes the active stream and returns to idle.
// It has no effect when no stream is active.
func (s *Session) Complete() {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.completeLocked()
}

func (s *Session) completeLocked() {
	cur := s.snap.Load()
	if cur.state != StateActive {
		return
	}

	s.snap.Store(cur.with(func(n *snapshot) {
		n.state = StateCompleting
	}))

	err := cur.stream.CloseSend(s.CompleteTimeout)
	st := cur.stream.Stats()

	s.snap.Store(&snapshot{
		state:      StateIdle,
		generation: cur.generation,
	})

	if err != nil {
		s.Log(logger.Warn, "stream %s closed uncleanly: %v", cur.sessionID, err)
	}

	s.Log(logger.Info, "stream %s completed (%d messages, %s sent)",
		cur.sessionID, st.MessagesSent, bytefmt.ByteSize(st.BytesSent))
}

// SendIntrinsics sends the camera intrinsics once per stream.
// It has no effect when intrinsics were already sent or no stream is active.
func (s *Session) SendIntrinsics(msg *packet.ClientMessage) {
	var cur *snapshot

	for {
		cur = s.snap.Load()

		if cur.state != StateActive {
			s.Log(logger.Debug, "intrinsics not sent: stream is %s", cur.state)
			return
		}

		if cur.intrinsicsSent {
			s.Log(logger.Debug, "intrinsics already sent")
			return
		}

		next := cur.with(func(n *snapshot) {
			n.intrinsicsSent = true
		})
		if s.snap.CompareAndSwap(cur, next) {
			break
		}
	}

	err := cur.stream.Send(msg)
	if err != nil {
		s.Log(logger.Warn, "unable to send intrinsics: %v", err)
		return
	}

	s.Log(logger.Info, "intrinsics sent")
}

// SendPacket sends a frame packet. Packets are discarded when no stream is active.
func (s *Session) SendPacket(pkt *packet.ArFramePacket) {
	cur := s.snap.Load()
	if cur.state != StateActive {
		s.discarded.Increase()
		return
	}

	err := cur.stream.Send(packet.WrapForTransport(pkt))
	if err != nil {
		if !errors.Is(err, channel.ErrStreamClosed) {
			s.Log(logger.Warn, "unable to send packet: %v", err)
		}
		s.discarded.Increase()
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.snap.Load().state
}

// IntrinsicsSent returns whether intrinsics were sent on the current stream.
func (s *Session) IntrinsicsSent() bool {
	return s.snap.Load().intrinsicsSent
}

// IntrinsicsConfirmed returns whether the server acknowledged the intrinsics.
func (s *Session) IntrinsicsConfirmed() bool {
	return s.snap.Load().intrinsicsConfirmed
}

// Status returns the current status.
func (s *Session) Status() Status {
	cur := s.snap.Load()

	st := Status{
		State:               cur.state,
		SessionID:           cur.sessionID,
		IntrinsicsSent:      cur.intrinsicsSent,
		IntrinsicsConfirmed: cur.intrinsicsConfirmed,
		LastError:           cur.lastError,
		PacketsDiscarded:    s.discarded.Total(),
	}

	if cur.stream != nil {
		ss := cur.stream.Stats()
		st.PacketsSent = ss.MessagesSent
		st.BytesSent = ss.BytesSent
		st.PacketsDropped = ss.MessagesDropped
	}

	return st
}

func (s *Session) onMessage(gen uint64, msg *packet.ServerMessage) {
	if s.generation.Load() != gen {
		return
	}

	if packet.IsIntrinsicsAck(msg) {
		for {
			cur := s.snap.Load()
			if cur.generation != gen || cur.intrinsicsConfirmed {
				break
			}

			next := cur.with(func(n *snapshot) {
				n.intrinsicsConfirmed = true
			})
			if s.snap.CompareAndSwap(cur, next) {
				s.Log(logger.Info, "intrinsics confirmed by server")
				break
			}
		}
	}

	if s.OnResponse != nil {
		s.OnResponse(msg)
	}
}

func (s *Session) onTerminated(gen uint64, err error) {
	// stream termination happens after the stream is done,
	// hence it can wait for Start and Complete.
	s.ctrl.Lock()

	cur := s.snap.Load()
	if cur.generation != gen || cur.state != StateActive {
		s.ctrl.Unlock()
		return
	}

	if err != nil {
		s.snap.Store(&snapshot{
			state:      StateErrored,
			generation: gen,
			lastError:  err.Error(),
		})
		s.ctrl.Unlock()

		s.Log(logger.Error, "stream %s failed: %v", cur.sessionID, err)
		if s.OnError != nil {
			s.OnError(err.Error())
		}
		return
	}

	s.snap.Store(&snapshot{
		state:      StateIdle,
		generation: gen,
	})
	s.ctrl.Unlock()

	s.Log(logger.Info, "stream %s completed by server", cur.sessionID)
	if s.OnCompleted != nil {
		s.OnCompleted()
	}
}

type streamSink struct {
	s          *Session
	generation uint64
}

func (k *streamSink) OnMessage(msg *packet.ServerMessage) {
	k.s.onMessage(k.generation, msg)
}

func (k *streamSink) OnError(err error) {
	k.s.onTerminated(k.generation, err)
}

func (k *streamSink) OnCompleted() {
	k.s.onTerminated(k.generation, nil)
}
