package channel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/the5gs/arstreamer/internal/packet"
	"github.com/the5gs/arstreamer/internal/test"
)

type testSink struct {
	mutex     sync.Mutex
	messages  []*packet.ServerMessage
	errors    []error
	completed int
	terminal  chan struct{}
}

func newTestSink() *testSink {
	return &testSink{terminal: make(chan struct{}, 10)}
}

func (s *testSink) OnMessage(m *packet.ServerMessage) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.messages = append(s.messages, m)
}

func (s *testSink) OnError(err error) {
	s.mutex.Lock()
	s.errors = append(s.errors, err)
	s.mutex.Unlock()
	s.terminal <- struct{}{}
}

func (s *testSink) OnCompleted() {
	s.mutex.Lock()
	s.completed++
	s.mutex.Unlock()
	s.terminal <- struct{}{}
}

func (s *testSink) waitTerminal(t *testing.T) {
	select {
	case <-s.terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}

func newManager(t *testing.T, address string) *Manager {
	m := &Manager{
		Address:         address,
		ShutdownTimeout: 500 * time.Millisecond,
		Parent:          test.NilLogger,
	}
	err := m.Initialize()
	require.NoError(t, err)
	return m
}

func TestManagerNotInitialized(t *testing.T) {
	m := &Manager{Address: "ws://localhost:1/ardata"}

	_, err := m.OpenStream(context.Background(), "", newTestSink())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestManagerInitializeIdempotent(t *testing.T) {
	m := &Manager{Address: "ws://localhost:1/ardata"}

	require.NoError(t, m.Initialize())
	dialer := m.dialer
	require.NoError(t, m.Initialize())
	require.Same(t, dialer, m.dialer)
}

func TestManagerInvalidAddress(t *testing.T) {
	m := &Manager{Address: "http://localhost/ardata"}
	require.EqualError(t, m.Initialize(), "unsupported scheme 'http'")
}

func TestStreamSendAndComplete(t *testing.T) {
	srv := &test.Server{AckIntrinsics: true}
	srv.Initialize()
	defer srv.Close()

	m := newManager(t, srv.URL())
	defer m.Shutdown()

	sink := newTestSink()
	s, err := m.OpenStream(context.Background(), "session-1", sink)
	require.NoError(t, err)
	require.Equal(t, 1, m.OpenStreams())

	err = s.Send(packet.BuildIntrinsics(1, 2, 3, 4))
	require.NoError(t, err)

	err = s.Send(packet.WrapForTransport(packet.Build(10, packet.PoseSample{Timestamp: 10},
		[]byte{1, 2, 3}, false)))
	require.NoError(t, err)

	received := srv.WaitReceived(2, 2*time.Second)
	require.Len(t, received, 2)
	require.Equal(t, &packet.CameraIntrinsics{FocalX: 1, FocalY: 2, PrincipalX: 3, PrincipalY: 4},
		received[0].Intrinsics)
	require.Equal(t, int64(10), received[1].ArFramePacket.TimestampNS)

	err = s.CloseSend(time.Second)
	require.NoError(t, err)
	sink.waitTerminal(t)

	sink.mutex.Lock()
	require.Equal(t, 1, sink.completed)
	require.Empty(t, sink.errors)
	require.Equal(t, []*packet.ServerMessage{{StatusMessage: packet.IntrinsicsAck}}, sink.messages)
	sink.mutex.Unlock()

	require.Equal(t, uint64(2), s.Stats().MessagesSent)
	require.Equal(t, 0, m.OpenStreams())

	err = s.Send(packet.BuildIntrinsics(1, 2, 3, 4))
	require.ErrorIs(t, err, ErrStreamClosed)

	require.Equal(t, "session-1", srv.Headers()[0].Get("X-Session-ID"))
}

func TestStreamServerCompletion(t *testing.T) {
	srv := &test.Server{}
	srv.Initialize()
	defer srv.Close()

	m := newManager(t, srv.URL())
	defer m.Shutdown()

	sink := newTestSink()
	_, err := m.OpenStream(context.Background(), "", sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 5*time.Millisecond)
	srv.CloseStreams(websocket.CloseNormalClosure)
	sink.waitTerminal(t)

	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	require.Equal(t, 1, sink.completed)
	require.Empty(t, sink.errors)
}

func TestStreamTransportError(t *testing.T) {
	srv := &test.Server{}
	srv.Initialize()
	defer srv.Close()

	m := newManager(t, srv.URL())
	defer m.Shutdown()

	sink := newTestSink()
	_, err := m.OpenStream(context.Background(), "", sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 5*time.Millisecond)
	srv.DropConnections()
	sink.waitTerminal(t)

	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	require.Equal(t, 0, sink.completed)
	require.Len(t, sink.errors, 1)
}

func TestStreamInboundResults(t *testing.T) {
	srv := &test.Server{}
	srv.Initialize()
	defer srv.Close()

	m := newManager(t, srv.URL())
	defer m.Shutdown()

	sink := newTestSink()
	s, err := m.OpenStream(context.Background(), "", sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 5*time.Millisecond)

	translation := "hola"
	srv.Send(&packet.ServerMessage{TranslationResult: &translation})
	srv.Send(&packet.ServerMessage{HandLandmarks: []packet.Landmark{{X: 0.5, Y: 0.25}}})

	require.Eventually(t, func() bool {
		sink.mutex.Lock()
		defer sink.mutex.Unlock()
		return len(sink.messages) == 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "hola", *sink.messages[0].TranslationResult)
	require.Equal(t, []packet.Landmark{{X: 0.5, Y: 0.25}}, sink.messages[1].HandLandmarks)

	s.Cancel()
	sink.waitTerminal(t)
	require.Equal(t, []error{ErrCancelled}, sink.errors)
}

func TestManagerConnectionRefused(t *testing.T) {
	srv := &test.Server{}
	srv.Initialize()
	address := srv.URL()
	srv.Close()

	m := newManager(t, address)
	defer m.Shutdown()

	_, err := m.OpenStream(context.Background(), "", newTestSink())
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "unable to open stream"))
}

func TestManagerShutdownForcesStreams(t *testing.T) {
	srv := &test.Server{}
	srv.Initialize()
	defer srv.Close()

	m := newManager(t, srv.URL())

	sink := newTestSink()
	_, err := m.OpenStream(context.Background(), "", sink)
	require.NoError(t, err)

	start := time.Now()
	m.Shutdown()
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	sink.waitTerminal(t)
	require.Equal(t, []error{ErrShutdown}, sink.errors)
	require.Equal(t, 0, m.OpenStreams())

	// channel is recreated on next use
	sink2 := newTestSink()
	s, err := m.OpenStream(context.Background(), "", sink2)
	require.NoError(t, err)
	s.Cancel()
	m.Shutdown()
}

func TestManagerJWT(t *testing.T) {
	srv := &test.Server{}
	srv.Initialize()
	defer srv.Close()

	m := &Manager{
		Address:   srv.URL(),
		JWTSecret: "secret",
		DeviceID:  "device-1",
		Parent:    test.NilLogger,
	}
	require.NoError(t, m.Initialize())
	defer m.Shutdown()

	s, err := m.OpenStream(context.Background(), "session-2", newTestSink())
	require.NoError(t, err)
	defer s.Cancel()

	h := srv.Headers()[0]
	require.Equal(t, "device-1", h.Get("X-Device-ID"))

	auth := h.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (any, error) {
		return []byte("secret"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "device-1", claims.Subject)
	require.Equal(t, "session-2", claims.ID)
}

func TestStreamCloseSendFlushesQueue(t *testing.T) {
	srv := &test.Server{}
	srv.Initialize()
	defer srv.Close()

	m := newManager(t, srv.URL())
	defer m.Shutdown()

	sink := newTestSink()
	s, err := m.OpenStream(context.Background(), "", sink)
	require.NoError(t, err)

	payload := make([]byte, 200*1024)

	for i := 0; i < 50; i++ {
		err = s.Send(packet.WrapForTransport(packet.Build(int64(i), packet.PoseSample{Timestamp: int64(i)},
			payload, false)))
		require.NoError(t, err)
	}

	err = s.CloseSend(5 * time.Second)
	require.NoError(t, err)

	received := srv.Received()
	require.Len(t, received, 50)
	for i, msg := range received {
		require.Equal(t, int64(i), msg.ArFramePacket.TimestampNS)
	}

	require.Equal(t, uint64(50), s.Stats().MessagesSent)
	require.Zero(t, s.Stats().MessagesDropped)
}

func TestManagerConcurrentChannelCreation(t *testing.T) {
	m := newManager(t, "ws://localhost:1/ardata")

	chans := make([]*channel, 32)
	errs := make([]error, 32)

	var wg sync.WaitGroup
	for i := range chans {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			chans[i], errs[i] = m.getOrCreateChannel()
		}()
	}
	wg.Wait()

	for i, ch := range chans {
		require.NoError(t, errs[i])
		require.Same(t, chans[0], ch)
	}

	ch, err := m.getOrCreateChannel()
	require.NoError(t, err)
	require.Same(t, chans[0], ch)

	m.Shutdown()

	ch, err = m.getOrCreateChannel()
	require.NoError(t, err)
	require.NotSame(t, chans[0], ch)

	m.Shutdown()
}
