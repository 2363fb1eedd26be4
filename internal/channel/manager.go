// Package channel contains the owner of the transport channel towards the remote endpoint.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/the5gs/arstreamer/internal/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 2 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultShutdownTimeout  = 5 * time.Second
	defaultWriteQueueSize   = 512
	pingTimeout             = 5 * time.Second
	tokenLifetime           = 1 * time.Hour
)

// errors.
var (
	ErrNotInitialized = errors.New("channel manager is not initialized")
	ErrShutdown       = errors.New("channel has been shut down")
	ErrCancelled      = errors.New("stream has been cancelled")
	ErrStreamClosed   = errors.New("stream is closed")
)

// Manager owns a single reusable channel towards a fixed endpoint.
// The channel is created on first use and recreated after a shutdown.
type Manager struct {
	Address          string
	JWTSecret        string
	DeviceID         string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ShutdownTimeout  time.Duration
	WriteQueueSize   int
	Parent           logger.Writer

	mutex  sync.Mutex
	url    *url.URL
	dialer *websocket.Dialer
	ch     *channel
}

// Initialize sets up the transport engine. Calling it more than once has no effect.
func (m *Manager) Initialize() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.dialer != nil {
		return nil
	}

	u, err := url.Parse(m.Address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme '%s'", u.Scheme)
	}

	if m.HandshakeTimeout == 0 {
		m.HandshakeTimeout = defaultHandshakeTimeout
	}
	if m.WriteTimeout == 0 {
		m.WriteTimeout = defaultWriteTimeout
	}
	if m.PingInterval == 0 {
		m.PingInterval = defaultPingInterval
	}
	if m.ShutdownTimeout == 0 {
		m.ShutdownTimeout = defaultShutdownTimeout
	}
	if m.WriteQueueSize == 0 {
		m.WriteQueueSize = defaultWriteQueueSize
	}

	m.url = u
	m.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.HandshakeTimeout,
	}

	m.Log(logger.Debug, "engine initialized, endpoint is %s", u.Redacted())

	return nil
}

// Log implements logger.Writer.
func (m *Manager) Log(level logger.Level, format string, args ...any) {
	if m.Parent != nil {
		m.Parent.Log(level, "[channel] "+format, args...)
	}
}

func (m *Manager) getOrCreateChannel() (*channel, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.dialer == nil {
		return nil, ErrNotInitialized
	}

	if m.ch == nil || m.ch.isShutdown() {
		m.ch = &channel{
			manager: m,
			streams: make(map[*Stream]struct{}),
		}
		m.Log(logger.Info, "channel to %s created", m.url.Host)
	}

	return m.ch, nil
}

func (m *Manager) requestHeader(sessionID string) (http.Header, error) {
	h := http.Header{}

	if sessionID != "" {
		h.Set("X-Session-ID", sessionID)
	}

	if m.DeviceID != "" {
		h.Set("X-Device-ID", m.DeviceID)
	}

	if m.JWTSecret != "" {
		now := time.Now()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   m.DeviceID,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		})

		signed, err := token.SignedString([]byte(m.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("unable to sign token: %w", err)
		}

		h.Set("Authorization", "Bearer "+signed)
	}

	return h, nil
}

// OpenStream opens a bidirectional stream bound to sink.
// The sink receives every inbound message and exactly one terminal event.
func (m *Manager) OpenStream(ctx context.Context, sessionID string, sink Sink) (*Stream, error) {
	ch, err := m.getOrCreateChannel()
	if err != nil {
		return nil, err
	}

	header, err := m.requestHeader(sessionID)
	if err != nil {
		return nil, err
	}

	return ch.openStream(ctx, header, sink)
}

// Shutdown shuts down the channel.
// Open streams are given ShutdownTimeout to terminate, then they are cancelled.
func (m *Manager) Shutdown() {
	m.mutex.Lock()
	ch := m.ch
	m.ch = nil
	m.mutex.Unlock()

	if ch != nil {
		ch.shutdown(m.ShutdownTimeout)
	}
}

// OpenStreams returns the number of open streams.
func (m *Manager) OpenStreams() int {
	m.mutex.Lock()
	ch := m.ch
	m.mutex.Unlock()

	if ch == nil {
		return 0
	}
	return ch.streamCount()
}
