// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

import "time"

type timerPurpose int

const (
	// timerHandshake bounds Connect and AcceptConnection.
	timerHandshake timerPurpose = iota
	// timerTimeWait ends the TimeWait linger. It also bounds Closing, which
	// otherwise waits forever if the ACK of our FIN is lost.
	timerTimeWait
	// timerSynRcvd aborts a passive open whose final ACK never arrives.
	timerSynRcvd
)

func (tp timerPurpose) String() string {
	switch tp {
	case timerHandshake:
		return "handshake"
	case timerTimeWait:
		return "time-wait"
	case timerSynRcvd:
		return "syn-rcvd"
	}
	return "unknown"
}

// validIn reports whether a timer of this purpose still means anything once
// the Endpoint is in state s.
func (tp timerPurpose) validIn(s State) bool {
	switch tp {
	case timerHandshake:
		return s == StateListen || s == StateSynSent
	case timerTimeWait:
		return s == StateTimeWait || s == StateClosing
	case timerSynRcvd:
		return s == StateSynRcvd
	}
	return false
}

// TimerToken identifies one arming of one Endpoint timer. A token whose
// timer has since been canceled or re-armed is stale and has no effect.
type TimerToken struct {
	purpose timerPurpose
	gen     uint64
}

type armedTimer struct {
	gen    uint64
	handle Timer
}

func (e *Endpoint) armTimerLocked(purpose timerPurpose, delay time.Duration) {
	if old, ok := e.timers[purpose]; ok {
		old.handle.Stop()
	}
	e.timerGen++
	token := TimerToken{purpose: purpose, gen: e.timerGen}
	handle := e.timerSvc.Schedule(delay, func() { e.HandleTimer(token) })
	e.timers[purpose] = armedTimer{gen: token.gen, handle: handle}
}

func (e *Endpoint) cancelTimerLocked(purpose timerPurpose) {
	if armed, ok := e.timers[purpose]; ok {
		armed.handle.Stop()
		delete(e.timers, purpose)
	}
}

// HandleTimer is invoked by the TimerService when a timer fires. Stale
// tokens are ignored.
func (e *Endpoint) HandleTimer(token TimerToken) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	defer e.stateCond.Broadcast()

	armed, ok := e.timers[token.purpose]
	if !ok || armed.gen != token.gen {
		e.logger.V(2).Info("ignoring stale timer", "id", e.id, "timer", token.purpose)
		return
	}
	delete(e.timers, token.purpose)
	e.logger.V(1).Info("timer fired", "id", e.id, "timer", token.purpose, "state", e.state)

	switch token.purpose {
	case timerHandshake:
		e.handshakeExpired = true
	case timerTimeWait:
		if e.state == StateTimeWait || e.state == StateClosing {
			e.changeState(StateClosed)
		}
	case timerSynRcvd:
		if e.state == StateSynRcvd {
			e.logger.V(1).Info("handshake never completed", "id", e.id)
			e.changeState(StateClosed)
		}
	}
}
