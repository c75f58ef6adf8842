// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package stcp

import (
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"storj.io/stcp-go/libstcp"
)

const (
	defaultEphemeralPortMin = 49152
	defaultEphemeralPortMax = 65535
	defaultAcceptBacklog    = 128
	defaultDrainTimeout     = 5 * time.Second
)

// Config configures a Multiplexer and the connections it carries. Zero
// fields take their defaults.
type Config struct {
	// Protocol holds the per-connection protocol knobs.
	Protocol libstcp.Config `yaml:"protocol"`

	// EphemeralPortMin and EphemeralPortMax bound the local ports handed to
	// outgoing connections.
	EphemeralPortMin uint16 `yaml:"ephemeral-port-min"`
	EphemeralPortMax uint16 `yaml:"ephemeral-port-max"`

	// AcceptBacklog is how many SYNs may wait per listening port while no
	// Accept call is pending.
	AcceptBacklog int `yaml:"accept-backlog"`

	// DrainTimeout bounds how long Conn.Close waits for written data to be
	// sent before the FIN.
	DrainTimeout time.Duration `yaml:"drain-timeout"`

	// SocketReadBuffer and SocketWriteBuffer set the kernel buffer sizes of
	// the UDP socket when positive.
	SocketReadBuffer  int `yaml:"socket-read-buffer"`
	SocketWriteBuffer int `yaml:"socket-write-buffer"`

	// TracePackets logs a decoded rendering of every datagram at V(2).
	TracePackets bool `yaml:"trace-packets"`
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	c.Protocol = c.Protocol.WithDefaults()
	if c.EphemeralPortMin == 0 {
		c.EphemeralPortMin = defaultEphemeralPortMin
	}
	if c.EphemeralPortMax == 0 {
		c.EphemeralPortMax = defaultEphemeralPortMax
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = defaultAcceptBacklog
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	return c
}

// Validate reports settings that can not work together.
func (c Config) Validate() error {
	if c.EphemeralPortMin > c.EphemeralPortMax {
		return errors.Errorf("ephemeral port range %d-%d is empty", c.EphemeralPortMin, c.EphemeralPortMax)
	}
	if c.Protocol.SegmentSize > 65535-libstcp.HeaderSize {
		return errors.Errorf("segment size %d does not fit in a datagram", c.Protocol.SegmentSize)
	}
	return nil
}

// LoadConfig reads a YAML config file. Fields missing from the file take
// their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %q", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %q", path)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

type connectOptions struct {
	logger logr.Logger
	cfg    Config
	timers libstcp.TimerService
}

func newConnectOptions(options []ConnectOption) connectOptions {
	opts := connectOptions{
		logger: logr.Discard(),
		timers: libstcp.RealTimers{},
	}
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.cfg = opts.cfg.withDefaults()
	return opts
}

// ConnectOption is the interface which all optional parameters to
// NewMultiplexer, Dial and Listen satisfy.
type ConnectOption interface {
	apply(*connectOptions)
}

type optionLogger struct {
	logger logr.Logger
}

func (o *optionLogger) apply(opts *connectOptions) {
	opts.logger = o.logger
}

// WithLogger creates a connect option which specifies a logger to be
// attached to the multiplexer and its connections.
func WithLogger(logger logr.Logger) ConnectOption {
	return &optionLogger{logger: logger}
}

type optionConfig struct {
	cfg Config
}

func (o *optionConfig) apply(opts *connectOptions) {
	opts.cfg = o.cfg
}

// WithConfig creates a connect option which replaces the default Config.
func WithConfig(cfg Config) ConnectOption {
	return &optionConfig{cfg: cfg}
}

type optionTimers struct {
	timers libstcp.TimerService
}

func (o *optionTimers) apply(opts *connectOptions) {
	opts.timers = o.timers
}

// WithTimers creates a connect option which replaces the timer facility used
// by connections.
func WithTimers(timers libstcp.TimerService) ConnectOption {
	return &optionTimers{timers: timers}
}
