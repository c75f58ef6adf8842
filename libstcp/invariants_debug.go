// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build stcpdebug
// +build stcpdebug

package libstcp

import "fmt"

// checkInvariants panics if the Endpoint's bookkeeping disagrees with its
// state. It is compiled in only with the stcpdebug build tag.
func (e *Endpoint) checkInvariants() {
	if e.state < 0 || e.state >= numStates {
		panic(fmt.Sprintf("endpoint in unknown state %d", int(e.state)))
	}
	if uint32(e.seq) >= SeqModulus || uint32(e.ack) >= SeqModulus {
		panic(fmt.Sprintf("sequence numbers out of range: seq=%d ack=%d", e.seq, e.ack))
	}
	for purpose := range e.timers {
		if !purpose.validIn(e.state) {
			panic(fmt.Sprintf("%s timer armed in state %s", purpose, e.state))
		}
	}
	switch e.state {
	case StateListen:
		if e.reg != regListener {
			panic("listening endpoint is not registered as a listener")
		}
	case StateClosed:
		if e.reg != regNone {
			panic("closed endpoint is still registered")
		}
	case StateSynSent, StateSynRcvd, StateEstablished:
		if e.reg != regConnection {
			panic(fmt.Sprintf("endpoint in %s is not registered as a connection", e.state))
		}
	}
	e.logger.V(10).Info("invariants hold", "id", e.id, "state", e.state, "seq", e.seq, "ack", e.ack,
		"inbound", e.inbound.SpaceUsed(), "outbound", e.outbound.SpaceUsed())
}
