// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

import (
	"errors"
	"net"
	"time"

	"github.com/go-logr/logr"
)

const (
	// DefaultConnectTimeout bounds Connect and AcceptConnection.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultTimeWait is how long an Endpoint lingers in TimeWait.
	DefaultTimeWait = 30 * time.Second
	// DefaultSegmentSize is the largest payload the relay puts in one
	// packet.
	DefaultSegmentSize = 512
	// DefaultBufferSize is the capacity of each application buffer.
	DefaultBufferSize = 64 * 1024
)

// Config holds the protocol knobs of an Endpoint. Zero fields take their
// defaults.
type Config struct {
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
	TimeWait       time.Duration `yaml:"time-wait"`
	SegmentSize    int           `yaml:"segment-size"`
	BufferSize     int           `yaml:"buffer-size"`
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TimeWait <= 0 {
		c.TimeWait = DefaultTimeWait
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// EndpointOption customizes a new Endpoint.
type EndpointOption func(*Endpoint)

// WithLogger sets the logger used by the Endpoint.
func WithLogger(logger logr.Logger) EndpointOption {
	return func(e *Endpoint) { e.logger = logger }
}

// WithTimers sets the TimerService used by the Endpoint. The default is
// RealTimers.
func WithTimers(ts TimerService) EndpointOption {
	return func(e *Endpoint) { e.timerSvc = ts }
}

// WithConfig sets the protocol configuration of the Endpoint.
func WithConfig(cfg Config) EndpointOption {
	return func(e *Endpoint) { e.cfg = cfg.WithDefaults() }
}

// WithInitialSeq sets the function used to choose initial sequence numbers.
// The default picks a random one.
func WithInitialSeq(isn func() Seq) EndpointOption {
	return func(e *Endpoint) { e.isn = isn }
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current state of the Endpoint.
	ErrInvalidState = errors.New("libstcp: operation not allowed in current state")
	// ErrNotBound is returned by AcceptConnection when no local port has
	// been bound.
	ErrNotBound = errors.New("libstcp: local port not bound")

	// ErrConnectionTimeout is returned when Connect or AcceptConnection does
	// not reach its target state before the deadline. It satisfies
	// net.Error with Timeout() == true.
	ErrConnectionTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "libstcp: connection timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// ProtocolViolation describes a packet whose flags have no transition in the
// state it arrived in. It is logged, never returned to the application.
type ProtocolViolation struct {
	State State
	Flags Flags
	Len   int
}

func (pv ProtocolViolation) Error() string {
	return "libstcp: unexpected " + pv.Flags.String() + " segment in state " + pv.State.String()
}
