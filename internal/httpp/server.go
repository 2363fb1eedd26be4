// Package httpp contains the HTTP server shared by the API, metrics and pprof listeners.
package httpp

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/the5gs/arstreamer/internal/logger"
)

const (
	idleTimeout     = 30 * time.Second
	shutdownTimeout = 2 * time.Second
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// Server serves a handler on a TCP listener.
// Requests pass through the filter, server header, logging, panic and write timeout handlers.
type Server struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Handler      http.Handler
	Parent       logger.Writer

	listener net.Listener
	server   *http.Server
}

// Initialize initializes a Server.
func (s *Server) Initialize() error {
	if s.ReadTimeout <= 0 {
		return fmt.Errorf("invalid ReadTimeout")
	}
	if s.WriteTimeout <= 0 {
		return fmt.Errorf("invalid WriteTimeout")
	}

	ln, err := net.Listen("tcp", s.Address)
	if err != nil {
		return err
	}
	s.listener = ln

	var h http.Handler = &handlerFilterRequests{s.Handler}
	h = &handlerServerHeader{h}
	h = &handlerLogger{h, s.Parent}
	h = &handlerExitOnPanic{h}
	h = &handlerWriteTimeout{h, s.WriteTimeout}

	s.server = &http.Server{
		Handler:     h,
		ReadTimeout: s.ReadTimeout,
		IdleTimeout: idleTimeout,
		ErrorLog:    log.New(discardWriter{}, "", 0),
	}

	go s.server.Serve(s.listener) //nolint:errcheck

	return nil
}

// Close stops the server, giving in-flight requests a short time to complete.
func (s *Server) Close() {
	ctx, ctxCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer ctxCancel()

	s.server.Shutdown(ctx) //nolint:errcheck
	s.listener.Close()     // Shutdown() may run before Serve()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
