// Package core contains the main struct of the software.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"

	"github.com/the5gs/arstreamer/internal/api"
	"github.com/the5gs/arstreamer/internal/capture"
	"github.com/the5gs/arstreamer/internal/channel"
	"github.com/the5gs/arstreamer/internal/conf"
	"github.com/the5gs/arstreamer/internal/confwatcher"
	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/metrics"
	"github.com/the5gs/arstreamer/internal/pacing"
	"github.com/the5gs/arstreamer/internal/packet"
	"github.com/the5gs/arstreamer/internal/pprof"
	"github.com/the5gs/arstreamer/internal/results"
	"github.com/the5gs/arstreamer/internal/session"
	"github.com/the5gs/arstreamer/internal/synchronizer"
)

var version = "v0.0.0"

var defaultConfPaths = []string{
	"arstreamer.yml",
	"/usr/local/etc/arstreamer.yml",
	"/usr/etc/arstreamer.yml",
	"/etc/arstreamer/arstreamer.yml",
}

var cli struct {
	Version  bool   `help:"print version"`
	Confpath string `arg:"" default:""`
}

var errTerminated = errors.New("terminated")

type apiSessionStartReq struct {
	res chan error
}

// Core is an instance of arstreamer.
type Core struct {
	ctx            context.Context
	ctxCancel      func()
	confPath       string
	conf           *conf.Conf
	logger         *logger.Logger
	results        *results.Tracker
	channelManager *channel.Manager
	session        *session.Session
	gate           *pacing.Gate
	synchronizer   *synchronizer.Synchronizer
	source         *capture.Source
	api            *api.API
	metrics        *metrics.Metrics
	pprof          *pprof.PPROF
	confWatcher    *confwatcher.ConfWatcher

	intrinsicsMutex sync.Mutex
	intrinsics      *packet.CameraIntrinsics

	// session retries are disabled after a manual completion.
	userStopped bool

	// in
	chSessionEnded       chan struct{}
	chAPISessionStart    chan apiSessionStartReq
	chAPISessionComplete chan chan struct{}

	// out
	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("arstreamer "+version),
		kong.UsageOnError(),
		kong.ValueFormatter(func(value *kong.Value) string {
			switch value.Name {
			case "confpath":
				return "path to a config file. The default is arstreamer.yml."

			default:
				return kong.DefaultHelpValueFormatter(value)
			}
		}))
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &Core{
		ctx:                  ctx,
		ctxCancel:            ctxCancel,
		confPath:             cli.Confpath,
		results:              &results.Tracker{},
		chSessionEnded:       make(chan struct{}, 1),
		chAPISessionStart:    make(chan apiSessionStartReq),
		chAPISessionComplete: make(chan chan struct{}),
		done:                 make(chan struct{}),
	}

	p.conf, p.confPath, err = conf.Load(p.confPath, defaultConfPaths)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	err = p.createResources(true)
	if err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Printf("ERR: %s\n", err)
		}
		p.closeResources(nil)
		return nil, false
	}

	go p.run()

	return p, true
}

// Close closes Core and waits for all goroutines to return.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait waits for the Core to exit.
func (p *Core) Wait() {
	<-p.done
}

// Log implements logger.Writer.
func (p *Core) Log(level logger.Level, format string, args ...any) {
	p.logger.Log(level, format, args...)
}

func (p *Core) run() {
	defer close(p.done)

	confChanged := func() chan struct{} {
		if p.confWatcher != nil {
			return p.confWatcher.Watch()
		}
		return make(chan struct{})
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var sessionRetry <-chan time.Time
	var captureRetry <-chan time.Time

	// the stream is started before the producers, so that the first frames are not discarded.
	if p.conf.AutoStart {
		p.startSession() //nolint:errcheck
	}

	captureRetry = p.ensureSource()

outer:
	for {
		select {
		case <-confChanged:
			p.Log(logger.Info, "reloading configuration (file changed)")

			newConf, _, err := conf.Load(p.confPath, nil)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

			err = p.reloadConf(newConf)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

			if p.conf.AutoStart && !p.userStopped && p.session.State() != session.StateActive {
				sessionRetry = nil
				p.startSession() //nolint:errcheck
			}

			captureRetry = p.ensureSource()

		case <-p.chSessionEnded:
			if p.conf.AutoStart && !p.userStopped && sessionRetry == nil &&
				p.session.State() != session.StateActive {
				p.Log(logger.Info, "restarting stream in %v", p.conf.RetryPause)
				sessionRetry = time.After(time.Duration(p.conf.RetryPause))
			}

		case <-sessionRetry:
			sessionRetry = nil
			if !p.userStopped && p.session.State() != session.StateActive {
				p.startSession() //nolint:errcheck
			}

		case <-p.sourceDone():
			p.Log(logger.Error, "capture source stopped: %v", p.source.Err())
			p.source = nil
			p.Log(logger.Info, "restarting capture in %v", p.conf.RetryPause)
			captureRetry = time.After(time.Duration(p.conf.RetryPause))

		case <-captureRetry:
			captureRetry = p.ensureSource()

		case req := <-p.chAPISessionStart:
			p.userStopped = false
			sessionRetry = nil
			req.res <- p.startSession()

		case res := <-p.chAPISessionComplete:
			p.userStopped = true
			sessionRetry = nil
			p.session.Complete()
			close(res)

		case <-interrupt:
			p.Log(logger.Info, "shutting down gracefully")
			break outer

		case <-p.ctx.Done():
			break outer
		}
	}

	p.ctxCancel()

	p.closeResources(nil)
}

func (p *Core) sourceDone() <-chan struct{} {
	if p.source != nil {
		return p.source.Done()
	}
	return nil
}

func (p *Core) startSession() error {
	p.session.Start()

	st := p.session.Status()
	if st.State != session.StateActive {
		return errors.New(st.LastError)
	}

	p.sendIntrinsics()
	return nil
}

func (p *Core) sendIntrinsics() {
	p.intrinsicsMutex.Lock()
	intrinsics := p.intrinsics
	p.intrinsicsMutex.Unlock()

	if intrinsics != nil {
		p.session.SendIntrinsics(packet.BuildIntrinsics(
			intrinsics.FocalX, intrinsics.FocalY, intrinsics.PrincipalX, intrinsics.PrincipalY))
	}
}

func (p *Core) onSessionEnded() {
	select {
	case p.chSessionEnded <- struct{}{}:
	default:
	}
}

// ensureSource starts the capture source when it is configured and not running.
// It returns a retry timer when the source cannot be started.
func (p *Core) ensureSource() <-chan time.Time {
	if p.conf.CaptureCommand == "" || p.source != nil {
		return nil
	}

	err := p.createSource()
	if err != nil {
		p.Log(logger.Error, "unable to start capture: %v", err)
		p.Log(logger.Info, "restarting capture in %v", p.conf.RetryPause)
		return time.After(time.Duration(p.conf.RetryPause))
	}

	return nil
}

func (p *Core) createSource() error {
	sess := p.session

	p.source = &capture.Source{
		Command:      p.conf.CaptureCommand,
		ReadyTimeout: time.Duration(p.conf.CaptureReadyTimeout),
		Gate:         p.gate,
		Target:       p.synchronizer,
		OnIntrinsics: func(i packet.CameraIntrinsics) {
			p.intrinsicsMutex.Lock()
			p.intrinsics = &i
			p.intrinsicsMutex.Unlock()

			sess.SendIntrinsics(packet.BuildIntrinsics(i.FocalX, i.FocalY, i.PrincipalX, i.PrincipalY))
		},
		Parent: p,
	}
	err := p.source.Initialize()
	if err != nil {
		p.source = nil
		return err
	}

	return nil
}

func (p *Core) createResources(initial bool) error {
	var err error

	if p.logger == nil {
		p.logger = &logger.Logger{
			Level:        logger.Level(p.conf.LogLevel),
			Destinations: p.conf.LogDestinations,
			Structured:   p.conf.LogStructured,
			File:         p.conf.LogFile,
		}
		err = p.logger.Initialize()
		if err != nil {
			p.logger = nil
			return err
		}
	}

	if initial {
		p.Log(logger.Info, "arstreamer %s", version)

		if p.confPath != "" {
			p.Log(logger.Info, "configuration loaded from %s", p.confPath)
		} else {
			p.Log(logger.Warn, "configuration file not found, using an empty configuration")
		}

		gin.SetMode(gin.ReleaseMode)
	}

	if p.channelManager == nil {
		p.channelManager = &channel.Manager{
			Address:          p.conf.ServerAddress,
			JWTSecret:        p.conf.ServerJWTSecret,
			DeviceID:         p.conf.DeviceID,
			HandshakeTimeout: time.Duration(p.conf.HandshakeTimeout),
			WriteTimeout:     time.Duration(p.conf.WriteTimeout),
			PingInterval:     time.Duration(p.conf.PingInterval),
			ShutdownTimeout:  time.Duration(p.conf.ShutdownTimeout),
			WriteQueueSize:   p.conf.WriteQueueSize,
			Parent:           p,
		}
		err = p.channelManager.Initialize()
		if err != nil {
			p.channelManager = nil
			return err
		}
	}

	if p.session == nil {
		p.session = &session.Session{
			Opener:          p.channelManager,
			OpenTimeout:     time.Duration(p.conf.HandshakeTimeout),
			CompleteTimeout: time.Duration(p.conf.CompleteTimeout),
			Parent:          p,
			OnResponse:      p.onResponse,
			OnError: func(string) {
				p.onSessionEnded()
			},
			OnCompleted: p.onSessionEnded,
		}
		p.session.Initialize()
	}

	if p.gate == nil {
		p.gate = &pacing.Gate{
			Warmup: time.Duration(p.conf.EncoderWarmup),
		}
	}

	if p.synchronizer == nil {
		p.synchronizer = &synchronizer.Synchronizer{
			MaxPending:    p.conf.MaxPending,
			ReorderWindow: p.conf.ReorderWindow,
			OnPacket:      p.session.SendPacket,
			Parent:        p,
		}
		p.synchronizer.Initialize()
	}

	if p.conf.API && p.api == nil {
		p.api = &api.API{
			Version:      version,
			Started:      time.Now(),
			Address:      p.conf.APIAddress,
			ReadTimeout:  p.conf.ReadTimeout,
			WriteTimeout: p.conf.WriteTimeout,
			Session:      p.session,
			Synchronizer: p.synchronizer,
			Results:      p.results,
			Parent:       p,
		}
		err = p.api.Initialize()
		if err != nil {
			p.api = nil
			return err
		}
	}

	if p.conf.Metrics && p.metrics == nil {
		p.metrics = &metrics.Metrics{
			Address:      p.conf.MetricsAddress,
			ReadTimeout:  p.conf.ReadTimeout,
			WriteTimeout: p.conf.WriteTimeout,
			Session:      p.session,
			Synchronizer: p.synchronizer,
			Gate:         p.gate,
			Parent:       p,
		}
		err = p.metrics.Initialize()
		if err != nil {
			p.metrics = nil
			return err
		}
	}

	if p.conf.PPROF && p.pprof == nil {
		p.pprof = &pprof.PPROF{
			Address:      p.conf.PPROFAddress,
			ReadTimeout:  p.conf.ReadTimeout,
			WriteTimeout: p.conf.WriteTimeout,
			Parent:       p,
		}
		err = p.pprof.Initialize()
		if err != nil {
			p.pprof = nil
			return err
		}
	}

	if initial && p.confPath != "" {
		p.confWatcher = &confwatcher.ConfWatcher{FilePath: p.confPath}
		err = p.confWatcher.Initialize()
		if err != nil {
			p.confWatcher = nil
			return err
		}
	}

	return nil
}

func (p *Core) closeResources(newConf *conf.Conf) {
	closeLogger := newConf == nil ||
		newConf.LogLevel != p.conf.LogLevel ||
		!reflect.DeepEqual(newConf.LogDestinations, p.conf.LogDestinations) ||
		newConf.LogStructured != p.conf.LogStructured ||
		newConf.LogFile != p.conf.LogFile

	closeChannelManager := newConf == nil ||
		newConf.ServerAddress != p.conf.ServerAddress ||
		newConf.ServerJWTSecret != p.conf.ServerJWTSecret ||
		newConf.DeviceID != p.conf.DeviceID ||
		newConf.HandshakeTimeout != p.conf.HandshakeTimeout ||
		newConf.WriteTimeout != p.conf.WriteTimeout ||
		newConf.PingInterval != p.conf.PingInterval ||
		newConf.ShutdownTimeout != p.conf.ShutdownTimeout ||
		newConf.WriteQueueSize != p.conf.WriteQueueSize ||
		closeLogger

	closeSession := newConf == nil ||
		newConf.CompleteTimeout != p.conf.CompleteTimeout ||
		closeChannelManager

	closeGate := newConf == nil ||
		newConf.EncoderWarmup != p.conf.EncoderWarmup

	closeSynchronizer := newConf == nil ||
		newConf.MaxPending != p.conf.MaxPending ||
		newConf.ReorderWindow != p.conf.ReorderWindow ||
		closeSession

	closeSource := newConf == nil ||
		newConf.CaptureCommand != p.conf.CaptureCommand ||
		newConf.CaptureReadyTimeout != p.conf.CaptureReadyTimeout ||
		closeGate ||
		closeSynchronizer

	closeAPI := newConf == nil ||
		newConf.API != p.conf.API ||
		newConf.APIAddress != p.conf.APIAddress ||
		newConf.ReadTimeout != p.conf.ReadTimeout ||
		newConf.WriteTimeout != p.conf.WriteTimeout ||
		closeSynchronizer ||
		closeLogger

	closeMetrics := newConf == nil ||
		newConf.Metrics != p.conf.Metrics ||
		newConf.MetricsAddress != p.conf.MetricsAddress ||
		newConf.ReadTimeout != p.conf.ReadTimeout ||
		newConf.WriteTimeout != p.conf.WriteTimeout ||
		closeGate ||
		closeSynchronizer ||
		closeLogger

	closePPROF := newConf == nil ||
		newConf.PPROF != p.conf.PPROF ||
		newConf.PPROFAddress != p.conf.PPROFAddress ||
		newConf.ReadTimeout != p.conf.ReadTimeout ||
		newConf.WriteTimeout != p.conf.WriteTimeout ||
		closeLogger

	if newConf == nil && p.confWatcher != nil {
		p.confWatcher.Close()
		p.confWatcher = nil
	}

	if closePPROF && p.pprof != nil {
		p.pprof.Close()
		p.pprof = nil
	}

	if closeMetrics && p.metrics != nil {
		p.metrics.Close()
		p.metrics = nil
	}

	if closeAPI && p.api != nil {
		p.api.Close()
		p.api = nil
	}

	// complete the stream before the producers stop.
	if closeSession && p.session != nil {
		p.session.Complete()
	}

	if closeSynchronizer && p.synchronizer != nil {
		p.synchronizer.Clear()
	}

	if closeSource && p.source != nil {
		p.source.Close()
		p.source = nil
	}

	if closeGate && p.gate != nil {
		p.gate.Reset()
		p.gate = nil
	}

	if closeSynchronizer {
		p.synchronizer = nil
	}

	if closeSession && p.session != nil {
		p.session.Close()
		p.session = nil
	}

	if closeChannelManager && p.channelManager != nil {
		p.channelManager.Shutdown()
		p.channelManager = nil
	}

	if closeLogger && p.logger != nil {
		p.logger.Close()
		p.logger = nil
	}
}

func (p *Core) reloadConf(newConf *conf.Conf) error {
	p.closeResources(newConf)
	p.conf = newConf
	return p.createResources(false)
}

func (p *Core) onResponse(msg *packet.ServerMessage) {
	p.results.Update(msg)

	if msg.TranslationResult != nil {
		p.Log(logger.Debug, "translation result: '%s'", *msg.TranslationResult)
	}
}

// APISessionStart is called by api.
func (p *Core) APISessionStart() error {
	req := apiSessionStartReq{res: make(chan error)}

	select {
	case p.chAPISessionStart <- req:
		return <-req.res

	case <-p.ctx.Done():
		return errTerminated
	}
}

// APISessionComplete is called by api.
func (p *Core) APISessionComplete() {
	res := make(chan struct{})

	select {
	case p.chAPISessionComplete <- res:
		<-res

	case <-p.ctx.Done():
	}
}
