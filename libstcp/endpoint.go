// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"storj.io/stcp-go/buffers"
)

type registration int

const (
	regNone registration = iota
	regListener
	regConnection
)

// Endpoint is one end of a connection. It owns the connection state, the
// sequence and acknowledgement counters, and the application buffers, and
// it implements every state transition.
//
// An Endpoint is a monitor: stateLock guards all of its state and is held
// for the whole of Connect, AcceptConnection, ReceivePacket, Close and
// HandleTimer (released only while blocked in a wait). Application data
// moves through the buffers without taking stateLock, except for the relay,
// which holds it only while stamping and sending one segment. Nothing holds
// stateLock while waiting on the application: a segment that does not fit
// in the inbound buffer is dropped.
//
// Endpoints are single-use: once an Endpoint reaches StateClosed after
// having been used, it is retired and can not connect or accept again.
type Endpoint struct {
	demux    Demultiplexer
	sender   Sender
	timerSvc TimerService
	logger   logr.Logger
	cfg      Config
	isn      func() Seq

	// inbound carries bytes from the network to the application; outbound
	// carries bytes from the application to the relay. Both have their own
	// locks and may be closed without holding stateLock.
	inbound  *buffers.SyncBuffer
	outbound *buffers.SyncBuffer

	relays       *errgroup.Group
	relayCtx     context.Context
	stopRelay    context.CancelFunc
	relayStarted bool

	stateLock sync.Mutex
	// stateCond is broadcast on every state change and on every inbound
	// packet. Waiters must loop on their own predicate.
	stateCond sync.Cond

	state     State
	retired   bool
	id        ConnectionID
	localPort uint16
	bound     bool
	reg       registration

	// seq is the sequence number of the next byte to send; ack is the next
	// sequence number expected from the peer.
	seq Seq
	ack Seq

	timers           map[timerPurpose]armedTimer
	timerGen         uint64
	handshakeExpired bool

	stats Stats
}

// NewEndpoint creates an Endpoint in StateClosed.
func NewEndpoint(demux Demultiplexer, sender Sender, options ...EndpointOption) *Endpoint {
	e := &Endpoint{
		demux:    demux,
		sender:   sender,
		timerSvc: RealTimers{},
		logger:   logr.Discard(),
		cfg:      Config{}.WithDefaults(),
		isn:      randomSeq,
		timers:   make(map[timerPurpose]armedTimer),
	}
	for _, opt := range options {
		opt(e)
	}
	e.stateCond.L = &e.stateLock
	e.inbound = buffers.NewSyncBuffer(e.cfg.BufferSize)
	e.outbound = buffers.NewSyncBuffer(e.cfg.BufferSize)

	ctx, cancel := context.WithCancel(context.Background())
	e.relays, e.relayCtx = errgroup.WithContext(ctx)
	e.stopRelay = cancel
	return e
}

// Bind sets the local port. It must be called before AcceptConnection.
func (e *Endpoint) Bind(port uint16) error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if e.retired || e.state != StateClosed {
		return fmt.Errorf("bind in state %s: %w", e.state, ErrInvalidState)
	}
	e.localPort = port
	e.bound = true
	return nil
}

// Connect performs an active open to remotePort on the host at remoteAddr.
// It blocks until the handshake completes, the configured ConnectTimeout
// passes (ErrConnectionTimeout), or ctx is done. On failure the Endpoint is
// closed and deregistered.
//
// Once connected, a relay goroutine sends whatever the application writes,
// best-effort: segments are never retransmitted.
func (e *Endpoint) Connect(ctx context.Context, remoteAddr netip.AddrPort, remotePort uint16) error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if e.retired {
		return net.ErrClosed
	}
	if e.state != StateClosed {
		return fmt.Errorf("connect in state %s: %w", e.state, ErrInvalidState)
	}

	localPort, err := e.demux.NextAvailablePort()
	if err != nil {
		return fmt.Errorf("allocating local port: %w", err)
	}
	e.localPort = localPort
	e.bound = true
	e.id = ConnectionID{
		LocalAddr:  e.demux.LocalAddr(),
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
	}
	if err := e.demux.RegisterConnection(e.id, e); err != nil {
		_ = e.demux.UnregisterConnection(e.id, e)
		return fmt.Errorf("registering %s: %w", e.id, err)
	}
	e.reg = regConnection

	e.seq = e.isn()
	e.sendLocked(FlagSYN, e.seq, nil)
	e.changeState(StateSynSent)

	return e.waitForLocked(ctx, func() bool { return e.state != StateSynSent })
}

// AcceptConnection performs a passive open on the bound local port. It
// blocks until a SYN has been received and answered (or the handshake has
// completed), the configured ConnectTimeout passes (ErrConnectionTimeout),
// or ctx is done. On failure the Endpoint is closed and deregistered.
func (e *Endpoint) AcceptConnection(ctx context.Context) error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if e.retired {
		return net.ErrClosed
	}
	if !e.bound {
		return ErrNotBound
	}
	if e.state != StateClosed {
		return fmt.Errorf("accept in state %s: %w", e.state, ErrInvalidState)
	}
	if err := e.demux.RegisterListeningSocket(e.localPort, e); err != nil {
		return fmt.Errorf("registering listener on port %d: %w", e.localPort, err)
	}
	e.reg = regListener
	e.changeState(StateListen)

	return e.waitForLocked(ctx, func() bool { return e.state != StateListen })
}

// waitForLocked blocks on stateCond until done returns true. The wait is
// bounded by the handshake timer and by ctx; on either, the Endpoint is
// driven to StateClosed.
func (e *Endpoint) waitForLocked(ctx context.Context, done func() bool) error {
	e.handshakeExpired = false
	e.armTimerLocked(timerHandshake, e.cfg.ConnectTimeout)
	stop := context.AfterFunc(ctx, func() {
		e.stateLock.Lock()
		defer e.stateLock.Unlock()
		e.stateCond.Broadcast()
	})
	defer stop()

	for {
		if e.retired {
			return net.ErrClosed
		}
		if done() {
			e.cancelTimerLocked(timerHandshake)
			return nil
		}
		if err := ctx.Err(); err != nil {
			e.logger.V(1).Info("handshake canceled", "id", e.id, "state", e.state, "err", err)
			e.changeState(StateClosed)
			return err
		}
		if e.handshakeExpired {
			e.logger.V(1).Info("handshake timed out", "id", e.id, "state", e.state, "timeout", e.cfg.ConnectTimeout)
			e.changeState(StateClosed)
			return ErrConnectionTimeout
		}
		e.stateCond.Wait()
	}
}

// Close closes both application buffers and starts teardown:
//
//   - Established: send FIN, move to FinWait1.
//   - CloseWait: send FIN, move to LastAck.
//   - Listen, SynSent, SynRcvd: abort the handshake; move to Closed and
//     deregister. No FIN is sent.
//   - anything else: nothing to do.
//
// Bytes still waiting in the outbound buffer are discarded.
func (e *Endpoint) Close() error {
	// blocked Read and Write calls fail from here on
	e.inbound.Close()
	e.outbound.Close()

	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	switch e.state {
	case StateEstablished, StateCloseWait:
		e.stopRelay()
		e.sendLocked(FlagFIN|FlagACK, e.seq, nil)
		e.seq = e.seq.Add(controlSegmentLength)
		if e.state == StateEstablished {
			e.changeState(StateFinWait1)
		} else {
			e.changeState(StateLastAck)
		}
	case StateListen, StateSynSent, StateSynRcvd:
		e.changeState(StateClosed)
	case StateClosed:
		e.retired = true
		e.stateCond.Broadcast()
	default:
		e.logger.V(1).Info("close while already closing", "id", e.id, "state", e.state)
		e.stateCond.Broadcast()
	}
	return nil
}

// Wait blocks until the relay goroutine, if one was started, has exited.
// It is meant to be called after Close.
func (e *Endpoint) Wait() error {
	return e.relays.Wait()
}

// changeState is the only place e.state is assigned. Along with the
// assignment it cancels timers that are meaningless in the new state,
// starts the relay on entering Established, arms the expiry timers of
// SynRcvd, Closing and TimeWait, and retires the Endpoint on entering
// Closed. It always wakes every waiter.
func (e *Endpoint) changeState(next State) {
	prev := e.state
	e.state = next
	e.logger.V(1).Info("state change", "from", prev, "to", next, "id", e.id)

	for purpose, armed := range e.timers {
		if !purpose.validIn(next) {
			armed.handle.Stop()
			delete(e.timers, purpose)
		}
	}

	switch next {
	case StateEstablished:
		e.startRelayLocked()
	case StateSynRcvd:
		e.armTimerLocked(timerSynRcvd, e.cfg.ConnectTimeout)
	case StateTimeWait, StateClosing:
		e.armTimerLocked(timerTimeWait, e.cfg.TimeWait)
	case StateClosed:
		e.retireLocked()
	}

	e.checkInvariants()
	e.stateCond.Broadcast()
}

// retireLocked releases everything the Endpoint holds: timers, the relay,
// the demultiplexer registration and the application buffers.
func (e *Endpoint) retireLocked() {
	e.retired = true
	for purpose, armed := range e.timers {
		armed.handle.Stop()
		delete(e.timers, purpose)
	}
	e.stopRelay()

	var err error
	switch e.reg {
	case regListener:
		err = e.demux.UnregisterListeningSocket(e.localPort, e)
	case regConnection:
		err = e.demux.UnregisterConnection(e.id, e)
	}
	if err != nil {
		e.logger.Error(err, "could not deregister endpoint", "id", e.id)
	}
	e.reg = regNone

	e.inbound.Close()
	e.outbound.Close()
}

// sendLocked builds a packet from the current connection state and hands it
// to the Sender. Failures are counted and logged, never retried.
func (e *Endpoint) sendLocked(flags Flags, seq Seq, payload []byte) {
	p := &Packet{
		SourcePort: e.id.LocalPort,
		DestPort:   e.id.RemotePort,
		Seq:        seq,
		Ack:        e.ack,
		Flags:      flags,
		Window:     e.windowLocked(),
		Payload:    payload,
	}
	e.stats.NXmit++
	e.stats.NBytesXmit += uint64(len(payload))
	if err := e.sender.Send(p, e.id.RemoteAddr); err != nil {
		e.stats.NSendErr++
		e.logger.Error(err, "send failed", "id", e.id, "packet", p)
		return
	}
	e.logger.V(2).Info("packet sent", "id", e.id, "packet", p)
}

// windowLocked is the advertised receive window: the free space in the
// inbound buffer. It is informational only; nothing enforces it.
func (e *Endpoint) windowLocked() uint16 {
	free := e.inbound.SpaceAvailable()
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

// State returns the current connection state.
func (e *Endpoint) State() State {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.state
}

// Seq returns the sequence number of the next byte to be sent.
func (e *Endpoint) Seq() Seq {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.seq
}

// Ack returns the next sequence number expected from the peer.
func (e *Endpoint) Ack() Seq {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.ack
}

// ID returns the connection tuple. It is only complete once the Endpoint
// has registered as a connection.
func (e *Endpoint) ID() ConnectionID {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.id
}

// LocalPort returns the bound or allocated local port.
func (e *Endpoint) LocalPort() uint16 {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.localPort
}

// Stats returns a snapshot of the Endpoint's counters.
func (e *Endpoint) Stats() Stats {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.stats
}
