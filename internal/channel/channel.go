package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/the5gs/arstreamer/internal/logger"
)

type channel struct {
	manager *Manager

	mutex   sync.Mutex
	closed  bool
	streams map[*Stream]struct{}
}

func (c *channel) isShutdown() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

func (c *channel) streamCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.streams)
}

func (c *channel) openStream(ctx context.Context, header http.Header, sink Sink) (*Stream, error) {
	if c.isShutdown() {
		return nil, ErrShutdown
	}

	m := c.manager

	conn, res, err := m.dialer.DialContext(ctx, m.url.String(), header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("unable to open stream: %w (status %d)", err, res.StatusCode)
		}
		return nil, fmt.Errorf("unable to open stream: %w", err)
	}

	s := &Stream{
		conn:         conn,
		sink:         sink,
		writeTimeout: m.WriteTimeout,
		pingInterval: m.PingInterval,
		parent:       m,
		onDone:       c.removeStream,
	}

	err = s.initialize(m.WriteQueueSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		conn.Close()
		return nil, ErrShutdown
	}
	c.streams[s] = struct{}{}
	c.mutex.Unlock()

	s.start()

	m.Log(logger.Debug, "stream opened (%s)", conn.LocalAddr())

	return s, nil
}

func (c *channel) removeStream(s *Stream) {
	c.mutex.Lock()
	delete(c.streams, s)
	c.mutex.Unlock()
}

func (c *channel) shutdown(timeout time.Duration) {
	c.mutex.Lock()
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mutex.Unlock()

	if len(streams) == 0 {
		c.manager.Log(logger.Info, "channel shut down")
		return
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	forced := false

	for _, s := range streams {
		if forced {
			break
		}

		select {
		case <-s.done:
		case <-deadline.C:
			forced = true
		}
	}

	if forced {
		c.manager.Log(logger.Warn, "streams did not terminate within %v, cancelling them", timeout)

		for _, s := range streams {
			s.cancel(ErrShutdown)
		}
		for _, s := range streams {
			<-s.done
		}
	}

	c.manager.Log(logger.Info, "channel shut down")
}
