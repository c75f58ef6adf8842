// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux
// +build !linux

package stcp

func systemSetupUDPSocket(m *Multiplexer) error {
	if m.cfg.SocketReadBuffer > 0 {
		if err := m.udpSocket.SetReadBuffer(m.cfg.SocketReadBuffer); err != nil {
			m.logger.Error(err, "could not set read buffer size on UDP socket")
		}
	}
	if m.cfg.SocketWriteBuffer > 0 {
		if err := m.udpSocket.SetWriteBuffer(m.cfg.SocketWriteBuffer); err != nil {
			m.logger.Error(err, "could not set write buffer size on UDP socket")
		}
	}
	return nil
}
