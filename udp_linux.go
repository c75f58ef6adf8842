// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package stcp

import (
	"golang.org/x/sys/unix"
)

func systemSetupUDPSocket(m *Multiplexer) error {
	sc, err := m.udpSocket.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		if m.cfg.SocketReadBuffer > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, m.cfg.SocketReadBuffer); err != nil {
				m.logger.Error(err, "could not set SO_RCVBUF on UDP socket", "size", m.cfg.SocketReadBuffer)
			}
		}
		if m.cfg.SocketWriteBuffer > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, m.cfg.SocketWriteBuffer); err != nil {
				m.logger.Error(err, "could not set SO_SNDBUF on UDP socket", "size", m.cfg.SocketWriteBuffer)
			}
		}

		// enable path mtu discovery, which (at least for non-SOCK_STREAM
		// sockets) forces the don't-fragment flag on for all outgoing
		// packets. Segments are small enough to never need fragmenting.
		if m.localAddr.Addr().Is4() {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
				// we can carry on without it
				m.logger.V(1).Info("could not set IP_MTU_DISCOVER option on UDP socket", "err", err)
			}
		}
	})
	return callErr
}
