// Package conf contains the struct that holds the configuration of the software.
package conf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/the5gs/arstreamer/internal/conf/env"
	"github.com/the5gs/arstreamer/internal/conf/yamlwrapper"
	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/pacing"
	"github.com/the5gs/arstreamer/internal/synchronizer"
)

// EnvPrefix is the prefix of environment variables that override the configuration.
const EnvPrefix = "ARS"

func firstThatExists(paths []string) string {
	for _, pa := range paths {
		_, err := os.Stat(pa)
		if err == nil {
			return pa
		}
	}
	return ""
}

func isPowerOfTwo(v int) bool {
	return v > 0 && (v&(v-1)) == 0
}

// Conf is a configuration.
type Conf struct {
	// General
	LogLevel        LogLevel        `json:"logLevel"`
	LogDestinations LogDestinations `json:"logDestinations"`
	LogStructured   bool            `json:"logStructured"`
	LogFile         string          `json:"logFile"`
	ReadTimeout     Duration        `json:"readTimeout"`

	// Stream
	ServerAddress    string   `json:"serverAddress"`
	ServerJWTSecret  string   `json:"serverJWTSecret"`
	DeviceID         string   `json:"deviceID"`
	HandshakeTimeout Duration `json:"handshakeTimeout"`
	WriteTimeout     Duration `json:"writeTimeout"`
	CompleteTimeout  Duration `json:"completeTimeout"`
	ShutdownTimeout  Duration `json:"shutdownTimeout"`
	PingInterval     Duration `json:"pingInterval"`
	WriteQueueSize   int      `json:"writeQueueSize"`
	RetryPause       Duration `json:"retryPause"`
	AutoStart        bool     `json:"autoStart"`

	// Synchronization
	EncoderWarmup Duration `json:"encoderWarmup"`
	MaxPending    int      `json:"maxPending"`
	ReorderWindow int      `json:"reorderWindow"`

	// Capture
	CaptureCommand      string   `json:"captureCommand"`
	CaptureReadyTimeout Duration `json:"captureReadyTimeout"`

	// Control API
	API        bool   `json:"api"`
	APIAddress string `json:"apiAddress"`

	// Metrics
	Metrics        bool   `json:"metrics"`
	MetricsAddress string `json:"metricsAddress"`

	// PPROF
	PPROF        bool   `json:"pprof"`
	PPROFAddress string `json:"pprofAddress"`
}

func (conf *Conf) setDefaults() {
	// General
	conf.LogLevel = LogLevel(logger.Info)
	conf.LogDestinations = LogDestinations{logger.DestinationStdout}
	conf.LogFile = "arstreamer.log"
	conf.ReadTimeout = Duration(10 * time.Second)

	// Stream
	conf.ServerAddress = "ws://192.168.1.6:50051/ardata"
	conf.HandshakeTimeout = Duration(10 * time.Second)
	conf.WriteTimeout = Duration(2 * time.Second)
	conf.CompleteTimeout = Duration(2 * time.Second)
	conf.ShutdownTimeout = Duration(5 * time.Second)
	conf.PingInterval = Duration(30 * time.Second)
	conf.WriteQueueSize = 512
	conf.RetryPause = Duration(5 * time.Second)
	conf.AutoStart = true

	// Synchronization
	conf.EncoderWarmup = Duration(pacing.DefaultWarmup)
	conf.MaxPending = synchronizer.DefaultMaxPending

	// Capture
	conf.CaptureReadyTimeout = Duration(10 * time.Second)

	// Control API
	conf.APIAddress = ":9997"

	// Metrics
	conf.MetricsAddress = ":9998"

	// PPROF
	conf.PPROFAddress = ":9999"
}

// Load loads a Conf.
// When fpath is empty, the first existing path in defaultConfPaths is used;
// if none exists, the defaults are used.
func Load(fpath string, defaultConfPaths []string) (*Conf, string, error) {
	conf := &Conf{}

	fpath, err := conf.loadFromFile(fpath, defaultConfPaths)
	if err != nil {
		return nil, "", err
	}

	err = env.Load(EnvPrefix, conf)
	if err != nil {
		return nil, "", err
	}

	err = conf.Validate()
	if err != nil {
		return nil, "", err
	}

	return conf, fpath, nil
}

func (conf *Conf) loadFromFile(fpath string, defaultConfPaths []string) (string, error) {
	if fpath == "" {
		fpath = firstThatExists(defaultConfPaths)

		if fpath == "" {
			conf.setDefaults()
			return "", nil
		}
	}

	byts, err := os.ReadFile(fpath)
	if err != nil {
		return "", err
	}

	err = yamlwrapper.Unmarshal(byts, conf)
	if err != nil {
		return "", err
	}

	return fpath, nil
}

// Clone clones the configuration.
func (conf Conf) Clone() *Conf {
	enc, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}

	var dest Conf
	err = json.Unmarshal(enc, &dest)
	if err != nil {
		panic(err)
	}

	return &dest
}

// Validate checks the configuration for errors.
func (conf *Conf) Validate() error {
	u, err := url.Parse(conf.ServerAddress)
	if err != nil {
		return fmt.Errorf("invalid 'serverAddress': %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("'serverAddress' must use the ws or wss scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("'serverAddress' must contain a host")
	}

	if !isPowerOfTwo(conf.WriteQueueSize) {
		return fmt.Errorf("'writeQueueSize' must be a power of two")
	}

	if conf.MaxPending <= 0 {
		return fmt.Errorf("'maxPending' must be greater than zero")
	}

	if conf.ReorderWindow < 0 {
		return fmt.Errorf("'reorderWindow' must not be negative")
	}

	for name, d := range map[string]Duration{
		"readTimeout":         conf.ReadTimeout,
		"handshakeTimeout":    conf.HandshakeTimeout,
		"writeTimeout":        conf.WriteTimeout,
		"completeTimeout":     conf.CompleteTimeout,
		"shutdownTimeout":     conf.ShutdownTimeout,
		"pingInterval":        conf.PingInterval,
		"retryPause":          conf.RetryPause,
		"encoderWarmup":       conf.EncoderWarmup,
		"captureReadyTimeout": conf.CaptureReadyTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("'%s' must not be negative", name)
		}
	}

	if conf.PingInterval == 0 {
		return fmt.Errorf("'pingInterval' must be greater than zero")
	}

	if len(conf.LogDestinations) == 0 {
		return fmt.Errorf("at least one log destination must be set")
	}

	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (conf *Conf) UnmarshalJSON(b []byte) error {
	conf.setDefaults()

	type alias Conf
	d := json.NewDecoder(bytes.NewReader(b))
	d.DisallowUnknownFields()
	return d.Decode((*alias)(conf))
}
