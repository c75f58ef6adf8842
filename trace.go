// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package stcp

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// tracePacket logs a field-by-field rendering of a datagram at V(2). The
// header layout is TCP's, so gopacket's TCP layer decodes it as-is.
func (m *Multiplexer) tracePacket(direction string, datagram []byte, peer netip.AddrPort) {
	logger := m.logger.V(2)
	if !logger.Enabled() {
		return
	}
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
		logger.Info("undecodable datagram", "dir", direction, "peer", peer, "len", len(datagram), "err", err)
		return
	}
	logger.Info("packet trace", "dir", direction, "peer", peer, "payload", len(tcp.Payload),
		"tcp", gopacket.LayerString(&tcp))
}
