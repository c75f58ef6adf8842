// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package stcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"storj.io/stcp-go/buffers"
	"storj.io/stcp-go/libstcp"
)

const networkName = "stcp"

// ErrDeadlinesNotSupported is returned by the deadline setters of Conn. Use
// ReadContext and WriteContext instead.
var ErrDeadlinesNotSupported = errors.New("stcp: deadlines not supported; use ReadContext/WriteContext")

// Addr is the address of a connection end: the UDP address of the host's
// multiplexer plus the protocol port.
type Addr struct {
	UDP  netip.AddrPort
	Port uint16
}

// Network returns "stcp".
func (a *Addr) Network() string { return networkName }

// String returns the address in the form host:udpport/port.
func (a *Addr) String() string {
	return a.UDP.String() + "/" + strconv.Itoa(int(a.Port))
}

// ResolveAddr parses an address of the form host:udpport/port, resolving
// the host name if necessary. network is "stcp", "stcp4" or "stcp6".
func ResolveAddr(network, address string) (*Addr, error) {
	udpNetwork, err := udpNetworkFor(network)
	if err != nil {
		return nil, err
	}
	slash := strings.LastIndexByte(address, '/')
	if slash < 0 {
		return nil, &net.AddrError{Err: "missing protocol port", Addr: address}
	}
	port, err := strconv.ParseUint(address[slash+1:], 10, 16)
	if err != nil {
		return nil, &net.AddrError{Err: "invalid protocol port", Addr: address}
	}
	udpAddr, err := net.ResolveUDPAddr(udpNetwork, address[:slash])
	if err != nil {
		return nil, err
	}
	ap := udpAddr.AddrPort()
	return &Addr{UDP: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), Port: uint16(port)}, nil
}

func udpNetworkFor(network string) (string, error) {
	switch network {
	case "stcp", "stcp4", "stcp6":
		return "udp" + network[4:], nil
	}
	return "", net.UnknownNetworkError(network)
}

// Dial connects to address (host:udpport/port) over a new Multiplexer bound
// to a random local UDP port. The Multiplexer goes away with the connection.
func Dial(network, address string, options ...ConnectOption) (*Conn, error) {
	return DialContext(context.Background(), network, address, options...)
}

// DialContext is Dial with a context bounding the handshake.
func DialContext(ctx context.Context, network, address string, options ...ConnectOption) (*Conn, error) {
	raddr, err := ResolveAddr(network, address)
	if err != nil {
		return nil, err
	}
	udpNetwork, _ := udpNetworkFor(network)
	mux, err := NewMultiplexer(udpNetwork, "", options...)
	if err != nil {
		return nil, err
	}
	// from here on the connection's registration keeps the socket open
	defer func() { _ = mux.Close() }()
	return mux.Dial(ctx, raddr.UDP, raddr.Port)
}

// Listen listens on address (host:udpport/port) over a new Multiplexer. The
// Multiplexer goes away once the Listener and all accepted connections are
// closed.
func Listen(network, address string, options ...ConnectOption) (*Listener, error) {
	laddr, err := ResolveAddr(network, address)
	if err != nil {
		return nil, err
	}
	udpNetwork, _ := udpNetworkFor(network)
	mux, err := NewMultiplexer(udpNetwork, laddr.UDP.String(), options...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mux.Close() }()
	return mux.Listen(laddr.Port)
}

// Conn is a connection carried by a Multiplexer. It implements net.Conn.
type Conn struct {
	ep           *libstcp.Endpoint
	logger       logr.Logger
	drainTimeout time.Duration
	localAddr    *Addr
	remoteAddr   *Addr

	closeOnce sync.Once
	closeErr  error
}

func newConn(ep *libstcp.Endpoint, m *Multiplexer) *Conn {
	id := ep.ID()
	return &Conn{
		ep:           ep,
		logger:       m.logger.WithValues("id", id),
		drainTimeout: m.cfg.DrainTimeout,
		localAddr:    &Addr{UDP: m.localAddr, Port: id.LocalPort},
		remoteAddr:   &Addr{UDP: id.RemoteAddr, Port: id.RemotePort},
	}
}

// Read implements net.Conn. It returns io.EOF once the peer has closed and
// all data it sent has been read.
func (c *Conn) Read(buf []byte) (n int, err error) {
	return c.ReadContext(context.Background(), buf)
}

// ReadContext is Read, bounded by ctx.
func (c *Conn) ReadContext(ctx context.Context, buf []byte) (n int, err error) {
	n, err = c.ep.ReadContext(ctx, buf)
	return n, c.opError("read", err)
}

// Write implements net.Conn.
func (c *Conn) Write(buf []byte) (n int, err error) {
	return c.WriteContext(context.Background(), buf)
}

// WriteContext is Write, bounded by ctx.
func (c *Conn) WriteContext(ctx context.Context, buf []byte) (n int, err error) {
	n, err = c.ep.WriteContext(ctx, buf)
	return n, c.opError("write", err)
}

func (c *Conn) opError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, buffers.ErrClosed), errors.Is(err, buffers.ErrWriteAfterEOF):
		err = net.ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		// io.EOF must reach the caller unwrapped
		return err
	}
	return &net.OpError{Op: op, Net: networkName, Source: c.localAddr, Addr: c.remoteAddr, Err: err}
}

// Close discards unread data, sends whatever has been written (waiting up
// to the configured DrainTimeout), then closes the connection. Data that
// arrives afterwards is dropped.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.ep.CloseRead()
		ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
		defer cancel()
		if err := c.ep.Drain(ctx); err != nil {
			c.logger.V(1).Info("unsent data discarded on close", "err", err)
		}
		if err := c.ep.Close(); err != nil {
			c.closeErr = err
			return
		}
		c.closeErr = c.ep.Wait()
	})
	return c.closeErr
}

// State returns the protocol state of the connection.
func (c *Conn) State() libstcp.State {
	return c.ep.State()
}

// Stats returns the packet counters of the connection.
func (c *Conn) Stats() libstcp.Stats {
	return c.ep.Stats()
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SetDeadline implements net.Conn.
func (c *Conn) SetDeadline(t time.Time) error {
	return ErrDeadlinesNotSupported
}

// SetReadDeadline implements net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return ErrDeadlinesNotSupported
}

// SetWriteDeadline implements net.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return ErrDeadlinesNotSupported
}

var _ net.Conn = &Conn{}

// Listener accepts connections on one port of a Multiplexer. It implements
// net.Listener.
type Listener struct {
	mux  *Multiplexer
	port uint16
	addr *Addr

	// ctx is canceled by Close to abort pending Accepts.
	ctx    context.Context
	cancel context.CancelFunc

	// only one endpoint can be listening on the port at a time
	acceptLock sync.Mutex
	closeOnce  sync.Once
}

func newListener(m *Multiplexer, port uint16) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		mux:    m,
		port:   port,
		addr:   &Addr{UDP: m.localAddr, Port: port},
		ctx:    ctx,
		cancel: cancel,
	}
}

// AcceptSTCP waits for the next incoming connection. The connection is
// returned as soon as the SYN has been answered; data written to it is sent
// once the handshake completes.
func (l *Listener) AcceptSTCP() (*Conn, error) {
	return l.AcceptSTCPContext(context.Background())
}

// AcceptSTCPContext is AcceptSTCP, bounded by ctx.
func (l *Listener) AcceptSTCPContext(ctx context.Context) (*Conn, error) {
	l.acceptLock.Lock()
	defer l.acceptLock.Unlock()

	for {
		if l.ctx.Err() != nil {
			return nil, l.opError(net.ErrClosed)
		}
		ep := l.mux.newEndpoint()
		if err := ep.Bind(l.port); err != nil {
			return nil, l.opError(err)
		}

		acceptCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(l.ctx, cancel)
		err := ep.AcceptConnection(acceptCtx)
		stop()
		cancel()

		switch {
		case err == nil:
			conn := newConn(ep, l.mux)
			conn.logger.V(1).Info("accepted connection")
			return conn, nil
		case l.ctx.Err() != nil:
			return nil, l.opError(net.ErrClosed)
		case ctx.Err() != nil:
			return nil, l.opError(ctx.Err())
		case errors.Is(err, libstcp.ErrConnectionTimeout):
			// nobody connected in time; keep listening with a fresh endpoint
			continue
		default:
			return nil, l.opError(err)
		}
	}
}

func (l *Listener) opError(err error) error {
	return &net.OpError{Op: "accept", Net: networkName, Addr: l.addr, Err: err}
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptSTCP()
}

// Close stops accepting. Connections already accepted are not affected.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.mux.unreserve(l)
	})
	return nil
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Port returns the protocol port the Listener accepts on.
func (l *Listener) Port() uint16 {
	return l.port
}

func (l *Listener) String() string {
	return fmt.Sprintf("stcp listener on %s", l.addr)
}

var _ net.Listener = &Listener{}
