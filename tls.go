// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package stcp

import (
	"context"
	"crypto/tls"
	"net"
)

// DialTLS connects to the given address (host:udpport/port) and then
// initiates a TLS handshake, returning the resulting TLS connection. DialTLS
// interprets a nil configuration as equivalent to the zero configuration;
// see the documentation of tls.Config for the details.
func DialTLS(network, addr string, config *tls.Config, options ...ConnectOption) (*tls.Conn, error) {
	return DialTLSContext(context.Background(), network, addr, config, options...)
}

// DialTLSContext is DialTLS with a context bounding the stcp handshake.
func DialTLSContext(ctx context.Context, network, addr string, config *tls.Config, options ...ConnectOption) (*tls.Conn, error) {
	conn, err := DialContext(ctx, network, addr, options...)
	if err != nil {
		return nil, err
	}
	return tls.Client(conn, config), nil
}

// ListenTLS creates a TLS listener accepting connections on the given
// address (host:udpport/port). The configuration config must be non-nil and
// must include at least one certificate or else set GetCertificate.
func ListenTLS(network, laddr string, config *tls.Config, options ...ConnectOption) (net.Listener, error) {
	listener, err := Listen(network, laddr, options...)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(listener, config), nil
}
