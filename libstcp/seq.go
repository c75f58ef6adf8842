// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

// SeqModulus is the size of the sequence number space. All sequence and
// acknowledgement arithmetic is done modulo SeqModulus.
const SeqModulus = 1 << 16

// controlSegmentLength is the amount of sequence space consumed by a segment
// that carries no payload (SYN, FIN).
const controlSegmentLength = 1

// Seq is a sequence or acknowledgement number, always in [0, SeqModulus).
type Seq uint32

// NewSeq reduces v into the sequence space.
func NewSeq(v uint32) Seq {
	return Seq(v % SeqModulus)
}

// Add returns the sequence number n bytes after s.
func (s Seq) Add(n int) Seq {
	n %= SeqModulus
	if n < 0 {
		n += SeqModulus
	}
	return Seq((uint32(s) + uint32(n)) % SeqModulus)
}

// SegmentLength is the amount of sequence space p consumes: the length of
// its payload, or controlSegmentLength when it has none.
func SegmentLength(p *Packet) int {
	if len(p.Payload) > 0 {
		return len(p.Payload)
	}
	return controlSegmentLength
}
