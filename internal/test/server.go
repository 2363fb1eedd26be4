package test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/the5gs/arstreamer/internal/packet"
)

// Server is a websocket peer that speaks the streaming protocol.
// It acknowledges intrinsics and records every received message.
type Server struct {
	// reply with the acknowledgement text to every intrinsics message.
	AckIntrinsics bool

	// called for every received message, in the connection goroutine.
	OnMessage func(*packet.ClientMessage)

	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mutex    sync.Mutex
	conns    map[*websocket.Conn]*sync.Mutex
	headers  []http.Header
	received []*packet.ClientMessage
	notify   chan struct{}
}

// Initialize starts the server.
func (s *Server) Initialize() {
	s.conns = make(map[*websocket.Conn]*sync.Mutex)
	s.notify = make(chan struct{}, 1)
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
}

// Close stops the server.
func (s *Server) Close() {
	s.mutex.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mutex.Unlock()

	s.httpServer.Close()
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ardata"
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	writeMutex := &sync.Mutex{}

	s.mutex.Lock()
	s.conns[c] = writeMutex
	s.headers = append(s.headers, r.Header.Clone())
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		delete(s.conns, c)
		s.mutex.Unlock()
	}()

	for {
		typ, buf, err := c.ReadMessage()
		if err != nil {
			// answer the half-close of the client
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				writeMutex.Lock()
				c.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				writeMutex.Unlock()
			}
			return
		}

		if typ != websocket.BinaryMessage {
			continue
		}

		var msg packet.ClientMessage
		err = msg.Unmarshal(buf)
		if err != nil {
			return
		}

		s.mutex.Lock()
		s.received = append(s.received, &msg)
		s.mutex.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}

		if s.OnMessage != nil {
			s.OnMessage(&msg)
		}

		if msg.Intrinsics != nil && s.AckIntrinsics {
			ack := packet.ServerMessage{StatusMessage: packet.IntrinsicsAck}
			writeMutex.Lock()
			err = c.WriteMessage(websocket.BinaryMessage, ack.Marshal())
			writeMutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send sends a message to every connected client.
func (s *Server) Send(msg *packet.ServerMessage) {
	buf := msg.Marshal()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for c, writeMutex := range s.conns {
		writeMutex.Lock()
		c.WriteMessage(websocket.BinaryMessage, buf) //nolint:errcheck
		writeMutex.Unlock()
	}
}

// CloseStreams closes every connection with the given close code.
// Use websocket.CloseNormalClosure to simulate a server-side completion.
func (s *Server) CloseStreams(code int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for c, writeMutex := range s.conns {
		writeMutex.Lock()
		c.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		writeMutex.Unlock()
	}
}

// DropConnections closes every connection without a close handshake.
func (s *Server) DropConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for c := range s.conns {
		c.UnderlyingConn().Close()
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.conns)
}

// Headers returns the request headers of every accepted connection.
func (s *Server) Headers() []http.Header {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Received returns every message received so far.
func (s *Server) Received() []*packet.ClientMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*packet.ClientMessage(nil), s.received...)
}

// WaitReceived waits until at least n messages have been received.
func (s *Server) WaitReceived(n int, timeout time.Duration) []*packet.ClientMessage {
	deadline := time.After(timeout)

	for {
		received := s.Received()
		if len(received) >= n {
			return received
		}

		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return received
		}
	}
}
