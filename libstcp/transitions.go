// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

// trigger classifies an inbound packet for the transition table.
type trigger int

const (
	trigSynAck trigger = iota
	trigSyn
	trigFin
	trigData
	trigAck
)

// triggerOrder is the priority in which a packet's triggers are tried. The
// first trigger with a row for the current state wins.
var triggerOrder = [...]trigger{trigSynAck, trigSyn, trigFin, trigData, trigAck}

func (t trigger) matches(p *Packet) bool {
	switch t {
	case trigSynAck:
		return p.Flags.Has(FlagSYN | FlagACK)
	case trigSyn:
		return p.Flags.Has(FlagSYN)
	case trigFin:
		return p.Flags.Has(FlagFIN)
	case trigData:
		return len(p.Payload) > 0
	case trigAck:
		return p.Flags.Has(FlagACK)
	}
	return false
}

// rule is one row of the transition table. If action returns false, the
// packet is dropped and the state does not change.
type rule struct {
	on     trigger
	next   State
	action func(*Endpoint, *Packet) bool
}

// transitions lists, per state, every packet that state reacts to. States
// with no rows ignore all packets.
var transitions = [numStates][]rule{
	StateListen: {
		{on: trigSyn, next: StateSynRcvd, action: (*Endpoint).acceptSyn},
	},
	StateSynSent: {
		{on: trigSynAck, next: StateEstablished, action: (*Endpoint).completeActiveOpen},
	},
	StateSynRcvd: {
		{on: trigAck, next: StateEstablished, action: (*Endpoint).completePassiveOpen},
	},
	StateEstablished: {
		{on: trigFin, next: StateCloseWait, action: (*Endpoint).ackFin},
		{on: trigData, next: StateEstablished, action: (*Endpoint).deliver},
		// acknowledgement of our data; nothing is queued for retransmission
		{on: trigAck, next: StateEstablished},
	},
	StateCloseWait: {
		{on: trigAck, next: StateCloseWait},
	},
	StateLastAck: {
		{on: trigAck, next: StateTimeWait},
	},
	StateFinWait1: {
		{on: trigFin, next: StateClosing, action: (*Endpoint).ackFin},
		{on: trigAck, next: StateFinWait2},
	},
	StateFinWait2: {
		{on: trigFin, next: StateTimeWait, action: (*Endpoint).ackFin},
		{on: trigAck, next: StateFinWait2},
	},
	StateClosing: {
		{on: trigAck, next: StateTimeWait},
	},
}

func (e *Endpoint) lookupRule(p *Packet) *rule {
	if e.state < 0 || e.state >= numStates {
		return nil
	}
	rules := transitions[e.state]
	for _, t := range triggerOrder {
		if !t.matches(p) {
			continue
		}
		for i := range rules {
			r := &rules[i]
			if r.on != t {
				continue
			}
			return r
		}
	}
	return nil
}

// ReceivePacket is called by the Demultiplexer for every packet addressed
// to this Endpoint. Packets with no transition in the current state are
// counted, logged, and dropped.
func (e *Endpoint) ReceivePacket(p *Packet) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	defer e.stateCond.Broadcast()

	e.stats.NRecv++
	e.stats.NBytesRecv += uint64(len(p.Payload))
	e.logger.V(2).Info("packet received", "id", e.id, "state", e.state, "packet", p)

	r := e.lookupRule(p)
	if r == nil {
		e.stats.NDropped++
		e.logger.V(1).Info("dropping packet", "id", e.id,
			"err", ProtocolViolation{State: e.state, Flags: p.Flags, Len: len(p.Payload)})
		return
	}
	if r.action != nil && !r.action(e, p) {
		e.stats.NDropped++
		return
	}
	if r.next != e.state {
		e.changeState(r.next)
	}
}

// acceptSyn moves a listening Endpoint onto the connection the SYN opens and
// answers with SYN+ACK.
func (e *Endpoint) acceptSyn(p *Packet) bool {
	id := ConnectionID{
		LocalAddr:  e.demux.LocalAddr(),
		LocalPort:  e.localPort,
		RemoteAddr: p.SourceAddr,
		RemotePort: p.SourcePort,
	}
	if err := e.demux.UnregisterListeningSocket(e.localPort, e); err != nil {
		e.logger.Error(err, "could not deregister listener", "port", e.localPort)
	}
	e.reg = regNone
	if err := e.demux.RegisterConnection(id, e); err != nil {
		e.logger.Error(err, "could not register connection", "id", id)
		if err := e.demux.RegisterListeningSocket(e.localPort, e); err == nil {
			e.reg = regListener
		}
		return false
	}
	e.reg = regConnection
	e.id = id

	e.ack = p.Seq.Add(SegmentLength(p))
	isn := e.isn()
	e.sendLocked(FlagSYN|FlagACK, isn, nil)
	e.seq = isn.Add(controlSegmentLength)
	return true
}

// completeActiveOpen adopts the peer's acknowledgement as our next sequence
// number and acknowledges its SYN.
func (e *Endpoint) completeActiveOpen(p *Packet) bool {
	e.seq = p.Ack
	e.ack = p.Seq.Add(SegmentLength(p))
	e.sendLocked(FlagACK, e.seq, nil)
	return true
}

// completePassiveOpen finishes the handshake. Data riding on the final ACK
// is taken like any other segment; if it can not be, the handshake still
// completes and the segment is counted as dropped.
func (e *Endpoint) completePassiveOpen(p *Packet) bool {
	if len(p.Payload) > 0 && !e.deliver(p) {
		e.stats.NDropped++
	}
	return true
}

// deliver hands a data payload to the application and acknowledges it.
// Segments that can not be taken whole are dropped unacknowledged.
func (e *Endpoint) deliver(p *Packet) bool {
	if !e.bufferPayloadLocked(p) {
		return false
	}
	e.ack = p.Seq.Add(len(p.Payload))
	e.sendLocked(FlagACK, e.seq, nil)
	return true
}

// bufferPayloadLocked appends p's payload to the inbound buffer if p is the
// next segment expected and the buffer has room for all of it. It never
// waits for the application to read.
func (e *Endpoint) bufferPayloadLocked(p *Packet) bool {
	if p.Seq != e.ack {
		e.logger.V(1).Info("dropping out-of-order segment", "id", e.id, "seq", p.Seq, "expected", e.ack, "len", len(p.Payload))
		return false
	}
	if free := e.inbound.SpaceAvailable(); free < len(p.Payload) {
		e.logger.V(1).Info("inbound buffer full; dropping segment", "id", e.id, "len", len(p.Payload), "free", free)
		return false
	}
	// only this Endpoint appends to inbound, under stateLock, so the space
	// checked above can not shrink
	if _, err := e.inbound.TryAppend(p.Payload); err != nil {
		e.logger.V(1).Info("could not buffer payload", "id", e.id, "len", len(p.Payload), "err", err)
		return false
	}
	return true
}

// ackFin acknowledges the peer's FIN and marks the end of the inbound
// stream. Data riding on the FIN is taken while we can still read.
func (e *Endpoint) ackFin(p *Packet) bool {
	if len(p.Payload) > 0 && e.state == StateEstablished && !e.bufferPayloadLocked(p) {
		e.stats.NDropped++
	}
	e.ack = p.Seq.Add(SegmentLength(p))
	e.sendLocked(FlagACK, e.seq, nil)
	e.inbound.CloseWrite()
	return true
}
