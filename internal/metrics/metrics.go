// Package metrics contains the metrics provider.
package metrics

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/the5gs/arstreamer/internal/conf"
	"github.com/the5gs/arstreamer/internal/httpp"
	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/session"
	"github.com/the5gs/arstreamer/internal/synchronizer"
)

func metric(key string, tags string, value uint64) string {
	return key + tags + " " + strconv.FormatUint(value, 10) + "\n"
}

func boolToUint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

type metricsSession interface {
	Status() session.Status
}

type metricsSynchronizer interface {
	Stats() synchronizer.Stats
}

type metricsGate interface {
	Stats() (uint64, uint64)
}

// Metrics is a metrics provider.
type Metrics struct {
	Address      string
	ReadTimeout  conf.Duration
	WriteTimeout conf.Duration
	Session      metricsSession
	Synchronizer metricsSynchronizer
	Gate         metricsGate
	Parent       logger.Writer

	httpServer *httpp.Server
}

// Initialize initializes metrics.
func (m *Metrics) Initialize() error {
	router := gin.New()
	router.SetTrustedProxies(nil) //nolint:errcheck

	router.GET("/metrics", m.onMetrics)

	m.httpServer = &httpp.Server{
		Address:      m.Address,
		ReadTimeout:  time.Duration(m.ReadTimeout),
		WriteTimeout: time.Duration(m.WriteTimeout),
		Handler:      router,
		Parent:       m,
	}
	err := m.httpServer.Initialize()
	if err != nil {
		return err
	}

	m.Log(logger.Info, "listener opened on "+m.Address)

	return nil
}

// Close closes Metrics.
func (m *Metrics) Close() {
	m.Log(logger.Info, "listener is closing")
	m.httpServer.Close()
}

// Log implements logger.Writer.
func (m *Metrics) Log(level logger.Level, format string, args ...any) {
	m.Parent.Log(level, "[metrics] "+format, args...)
}

func (m *Metrics) onMetrics(ctx *gin.Context) {
	out := ""

	st := m.Session.Status()
	for _, state := range []session.State{
		session.StateIdle,
		session.StateActive,
		session.StateCompleting,
		session.StateErrored,
	} {
		out += metric("session_state", "{state=\""+state.String()+"\"}", boolToUint(st.State == state))
	}
	out += metric("session_intrinsics_confirmed", "", boolToUint(st.IntrinsicsConfirmed))
	out += metric("session_packets_sent", "", st.PacketsSent)
	out += metric("session_bytes_sent", "", st.BytesSent)
	out += metric("session_packets_dropped", "", st.PacketsDropped)
	out += metric("session_packets_discarded", "", st.PacketsDiscarded)

	ss := m.Synchronizer.Stats()
	out += metric("sync_pending", "{kind=\"pose\"}", uint64(ss.PendingPoses))
	out += metric("sync_pending", "{kind=\"video\"}", uint64(ss.PendingVideos))
	out += metric("sync_emitted", "", ss.Emitted)
	out += metric("sync_evicted", "{kind=\"pose\"}", ss.EvictedPoses)
	out += metric("sync_evicted", "{kind=\"video\"}", ss.EvictedVideos)
	out += metric("sync_reordered", "", ss.Reordered)
	out += metric("sync_late", "", ss.Late)

	admitted, rejected := m.Gate.Stats()
	out += metric("pacing_admitted", "", admitted)
	out += metric("pacing_rejected", "", rejected)

	ctx.Writer.Header().Set("Content-Type", "text/plain; version=0.0.4")
	ctx.Writer.WriteHeader(http.StatusOK)
	io.WriteString(ctx.Writer, out) //nolint:errcheck
}
