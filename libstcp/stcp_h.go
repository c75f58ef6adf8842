// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

import (
	"fmt"
	"net/netip"
	"time"
)

// State is a point in the connection state diagram of an Endpoint. Every
// Endpoint holds exactly one State at any time, and the State only changes
// by way of (*Endpoint).changeState.
type State int

const (
	// StateClosed is the state of a new Endpoint, and of an Endpoint that
	// has been retired.
	StateClosed State = iota
	// StateSynSent means a SYN has been sent by an active opener, which now
	// waits for the SYN+ACK.
	StateSynSent
	// StateListen means the Endpoint is registered as a listening socket and
	// waits for a SYN.
	StateListen
	// StateSynRcvd means a SYN was received and answered with SYN+ACK; the
	// final ACK of the handshake is outstanding.
	StateSynRcvd
	// StateEstablished means the handshake is complete and data flows in
	// both directions.
	StateEstablished
	// StateCloseWait means the peer has closed its side; the local
	// application has not called Close yet.
	StateCloseWait
	// StateLastAck means both sides have sent FIN and the local FIN awaits
	// acknowledgement.
	StateLastAck
	// StateFinWait1 means the local side has sent FIN and nothing has come
	// back yet.
	StateFinWait1
	// StateFinWait2 means the local FIN was acknowledged; the peer's FIN is
	// outstanding.
	StateFinWait2
	// StateClosing means both sides sent FIN at roughly the same time and
	// the local FIN awaits acknowledgement.
	StateClosing
	// StateTimeWait means teardown is complete; the Endpoint lingers until
	// the TimeWait timer expires.
	StateTimeWait

	numStates
)

var stateNames = [numStates]string{
	StateClosed:      "CLOSED",
	StateSynSent:     "SYN_SENT",
	StateListen:      "LISTEN",
	StateSynRcvd:     "SYN_RCVD",
	StateEstablished: "ESTABLISHED",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || s >= numStates {
		return fmt.Sprintf("UNKNOWN STATE %d", int(s))
	}
	return stateNames[s]
}

// ConnectionID is the routing key for inbound packets. Addresses are the
// datagram-level addresses of the two hosts; ports are the protocol ports
// carried in the packet header. It is fixed once an Endpoint registers
// itself as a full connection.
type ConnectionID struct {
	LocalAddr  netip.AddrPort
	LocalPort  uint16
	RemoteAddr netip.AddrPort
	RemotePort uint16
}

func (id ConnectionID) String() string {
	return fmt.Sprintf("%s/%d->%s/%d", id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort)
}

// Demultiplexer owns port allocation and routes inbound packets to the
// matching Endpoint by calling (*Endpoint).ReceivePacket.
//
// Endpoints call into the Demultiplexer while holding their own lock, so an
// implementation must never hold its own lock while calling ReceivePacket.
type Demultiplexer interface {
	// LocalAddr is the datagram address on which this host receives packets.
	LocalAddr() netip.AddrPort
	// NextAvailablePort allocates an ephemeral local port.
	NextAvailablePort() (uint16, error)
	// RegisterConnection routes packets matching id to ep.
	RegisterConnection(id ConnectionID, ep *Endpoint) error
	// UnregisterConnection removes a registration made with
	// RegisterConnection, and releases the local port if it was allocated
	// by NextAvailablePort.
	UnregisterConnection(id ConnectionID, ep *Endpoint) error
	// RegisterListeningSocket routes packets for localPort that match no
	// connection to ep.
	RegisterListeningSocket(localPort uint16, ep *Endpoint) error
	// UnregisterListeningSocket removes a registration made with
	// RegisterListeningSocket.
	UnregisterListeningSocket(localPort uint16, ep *Endpoint) error
}

// Sender transmits one packet to dst. There is no guarantee of delivery or
// of ordering; an error only reports a local failure to hand the packet to
// the network.
type Sender interface {
	Send(p *Packet, dst netip.AddrPort) error
}

// Timer is a scheduled one-shot callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback has
	// already fired or been stopped.
	Stop() bool
}

// TimerService schedules one-shot delayed callbacks. The fire callback runs
// on a goroutine owned by the TimerService, exactly once unless the returned
// Timer is stopped first.
type TimerService interface {
	Schedule(delay time.Duration, fire func()) Timer
}

// RealTimers is a TimerService backed by the runtime timer heap.
type RealTimers struct{}

// Schedule implements TimerService.
func (RealTimers) Schedule(delay time.Duration, fire func()) Timer {
	return time.AfterFunc(delay, fire)
}

// Stats collects counters for a particular Endpoint. A snapshot is available
// from (*Endpoint).Stats().
type Stats struct {
	NBytesRecv uint64 // payload bytes received
	NBytesXmit uint64 // payload bytes transmitted
	NXmit      uint32 // packets transmitted
	NRecv      uint32 // packets received
	NDropped   uint32 // packets dropped as protocol violations
	NSendErr   uint32 // packets the Sender failed to hand to the network
}
