// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
)

// HeaderSize is the encoded size of a packet header. No options are ever
// written.
const HeaderSize = header.TCPMinimumSize

// Flags holds the control bits of a packet.
type Flags uint8

// Control flags. The bit values match the TCP header.
const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagACK Flags = 1 << 4
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	var names []string
	if f.Has(FlagSYN) {
		names = append(names, "SYN")
	}
	if f.Has(FlagFIN) {
		names = append(names, "FIN")
	}
	if f.Has(FlagACK) {
		names = append(names, "ACK")
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "+")
}

// Packet is one protocol segment. Outbound packets are built by an Endpoint
// and consumed by a Sender; inbound packets are decoded by the
// Demultiplexer, which also fills in SourceAddr.
type Packet struct {
	// SourceAddr is the datagram address the packet arrived from. It is not
	// part of the wire format.
	SourceAddr netip.AddrPort

	SourcePort uint16
	DestPort   uint16
	Seq        Seq
	Ack        Seq
	Flags      Flags
	Window     uint16
	Payload    []byte
}

func (p *Packet) String() string {
	return fmt.Sprintf("%d->%d %s seq=%d ack=%d win=%d len=%d",
		p.SourcePort, p.DestPort, p.Flags, p.Seq, p.Ack, p.Window, len(p.Payload))
}

// ErrShortPacket is returned by Unmarshal when the datagram cannot hold a
// header.
var ErrShortPacket = errors.New("libstcp: datagram too short for header")

// Marshal encodes p into a new byte slice. The checksum field is always
// zero; packet integrity is not checked by this protocol.
func (p *Packet) Marshal() []byte {
	b := make([]byte, HeaderSize+len(p.Payload))
	header.TCP(b).Encode(&header.TCPFields{
		SrcPort:    p.SourcePort,
		DstPort:    p.DestPort,
		SeqNum:     uint32(p.Seq),
		AckNum:     uint32(p.Ack),
		DataOffset: HeaderSize,
		Flags:      uint8(p.Flags & (FlagFIN | FlagSYN | FlagACK)),
		WindowSize: p.Window,
	})
	copy(b[HeaderSize:], p.Payload)
	return b
}

// Unmarshal decodes a datagram into p. The payload is copied, so b may be
// reused by the caller afterwards. Flags other than SYN, ACK and FIN are
// discarded.
func (p *Packet) Unmarshal(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: got %d bytes", ErrShortPacket, len(b))
	}
	h := header.TCP(b)
	offset := int(h.DataOffset())
	if offset < HeaderSize || offset > len(b) {
		return fmt.Errorf("libstcp: bad data offset %d in %d byte datagram", offset, len(b))
	}
	p.SourcePort = h.SourcePort()
	p.DestPort = h.DestinationPort()
	p.Seq = NewSeq(h.SequenceNumber())
	p.Ack = NewSeq(h.AckNumber())
	p.Flags = Flags(h.Flags()) & (FlagFIN | FlagSYN | FlagACK)
	p.Window = h.WindowSize()
	p.Payload = nil
	if offset < len(b) {
		p.Payload = append([]byte(nil), b[offset:]...)
	}
	return nil
}
