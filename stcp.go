// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stcp carries simplified TCP connections over a UDP socket. A
// Multiplexer owns one socket and routes every datagram to the connection
// or listener it belongs to; Conn and Listener wrap the protocol endpoints
// in net.Conn and net.Listener.
package stcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"storj.io/stcp-go/libstcp"
)

// maxDatagramSize is the largest UDP payload we will ever read.
const maxDatagramSize = 65535

var (
	// ErrPortInUse is returned when a port is already listened on, or is
	// in use by an outgoing connection.
	ErrPortInUse = errors.New("stcp: port in use")
	// ErrConnectionExists is returned when registering a connection tuple
	// that is already registered.
	ErrConnectionExists = errors.New("stcp: connection already registered")
)

type connKey struct {
	remote     netip.AddrPort
	localPort  uint16
	remotePort uint16
}

// Multiplexer owns one UDP socket. It sends packets for all of its
// endpoints, allocates their ephemeral ports, and delivers each inbound
// packet to the endpoint it is addressed to.
//
// A Multiplexer is reference-counted. The creator holds one reference
// (released by Close), every open Listener holds one, and every registered
// connection holds one until it is retired. The socket is closed when the
// last reference goes away, so a closed connection can still finish its
// teardown.
type Multiplexer struct {
	logger    logr.Logger
	cfg       Config
	timers    libstcp.TimerService
	network   string
	udpSocket *net.UDPConn
	localAddr netip.AddrPort
	ports     *PortPool

	group  *errgroup.Group
	cancel context.CancelFunc

	// incoming carries decoded packets from the socket reader to the
	// dispatcher.
	incoming chan *libstcp.Packet
	// wakeup is signaled when packets are queued on ready.
	wakeup chan struct{}

	closeOnce sync.Once

	// mu guards everything below. It is never held while calling into an
	// Endpoint.
	mu        sync.Mutex
	refCount  int
	shutdown  bool
	conns     map[connKey]*libstcp.Endpoint
	listeners map[uint16]*libstcp.Endpoint
	reserved  map[uint16]*Listener
	// backlog holds SYNs for reserved ports that arrived while no endpoint
	// was listening there.
	backlog map[uint16][]*libstcp.Packet
	// ready holds backlogged SYNs due for redelivery.
	ready []*libstcp.Packet
}

// NewMultiplexer opens a UDP socket on laddr ("" for any address and a
// random port) and starts routing packets. network is one of "udp", "udp4"
// or "udp6".
func NewMultiplexer(network, laddr string, options ...ConnectOption) (*Multiplexer, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, &net.OpError{Op: "listen", Net: network, Err: net.UnknownNetworkError(network)}
	}
	opts := newConnectOptions(options)
	if err := opts.cfg.Validate(); err != nil {
		return nil, err
	}

	var udpAddr *net.UDPAddr
	if laddr != "" {
		var err error
		udpAddr, err = net.ResolveUDPAddr(network, laddr)
		if err != nil {
			return nil, err
		}
	}
	udpSocket, err := net.ListenUDP(network, udpAddr)
	if err != nil {
		return nil, err
	}
	localAddr := udpSocket.LocalAddr().(*net.UDPAddr).AddrPort()

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	m := &Multiplexer{
		logger:    opts.logger.WithName("mux").WithValues("laddr", localAddr),
		cfg:       opts.cfg,
		timers:    opts.timers,
		network:   network,
		udpSocket: udpSocket,
		localAddr: netip.AddrPortFrom(localAddr.Addr().Unmap(), localAddr.Port()),
		ports:     NewPortPool(opts.cfg.EphemeralPortMin, opts.cfg.EphemeralPortMax),
		group:     group,
		cancel:    cancel,
		incoming:  make(chan *libstcp.Packet, 64),
		wakeup:    make(chan struct{}, 1),
		refCount:  1,
		conns:     make(map[connKey]*libstcp.Endpoint),
		listeners: make(map[uint16]*libstcp.Endpoint),
		reserved:  make(map[uint16]*Listener),
		backlog:   make(map[uint16][]*libstcp.Packet),
	}
	if err := systemSetupUDPSocket(m); err != nil {
		cancel()
		_ = udpSocket.Close()
		return nil, err
	}

	group.Go(func() error { return m.receiveDatagrams(ctx) })
	group.Go(func() error { return m.dispatchPackets(ctx) })
	m.logger.V(1).Info("multiplexer started")
	return m, nil
}

// LocalAddr returns the address of the UDP socket.
func (m *Multiplexer) LocalAddr() netip.AddrPort {
	return m.localAddr
}

// Close releases the creator's reference. The socket stays open until all
// listeners are closed and all connections have finished closing.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(m.release)
	return nil
}

// Wait blocks until the socket has been closed and the routing goroutines
// have exited.
func (m *Multiplexer) Wait() error {
	return m.group.Wait()
}

func (m *Multiplexer) acquireLocked() {
	m.refCount++
}

func (m *Multiplexer) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Multiplexer) releaseLocked() {
	m.refCount--
	switch {
	case m.refCount == 0:
		m.shutdownLocked()
	case m.refCount < 0:
		m.logger.Error(nil, "multiplexer released too many times", "refs", m.refCount)
	}
}

func (m *Multiplexer) shutdownLocked() {
	if m.shutdown {
		return
	}
	m.shutdown = true
	m.cancel()
	if err := m.udpSocket.Close(); err != nil {
		m.logger.Error(err, "could not close udp socket")
	}
	m.logger.V(1).Info("multiplexer shut down")
}

func (m *Multiplexer) newEndpoint() *libstcp.Endpoint {
	return libstcp.NewEndpoint(m, m,
		libstcp.WithLogger(m.logger.WithName("endpoint")),
		libstcp.WithConfig(m.cfg.Protocol),
		libstcp.WithTimers(m.timers),
	)
}

// Dial opens a connection to port on the host whose multiplexer listens at
// remote. It blocks until the handshake completes or fails.
func (m *Multiplexer) Dial(ctx context.Context, remote netip.AddrPort, port uint16) (*Conn, error) {
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	ep := m.newEndpoint()
	if err := ep.Connect(ctx, remote, port); err != nil {
		return nil, &net.OpError{
			Op:   "dial",
			Net:  networkName,
			Addr: &Addr{UDP: remote, Port: port},
			Err:  err,
		}
	}
	return newConn(ep, m), nil
}

// Listen reserves port for incoming connections. Port 0 picks an ephemeral
// port.
func (m *Multiplexer) Listen(port uint16) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, net.ErrClosed
	}
	if port == 0 {
		var err error
		port, err = m.nextPortLocked()
		if err != nil {
			return nil, err
		}
	} else if _, ok := m.reserved[port]; ok || m.ports.IsAllocated(port) {
		return nil, fmt.Errorf("listen on %d: %w", port, ErrPortInUse)
	}
	l := newListener(m, port)
	m.reserved[port] = l
	m.acquireLocked()
	m.logger.V(1).Info("listening", "port", port)
	return l, nil
}

func (m *Multiplexer) unreserve(l *Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserved[l.port] != l {
		return
	}
	delete(m.reserved, l.port)
	delete(m.backlog, l.port)
	if m.ephemeralUnusedLocked(l.port) {
		_ = m.ports.Release(l.port)
	}
	m.releaseLocked()
}

// NextAvailablePort implements libstcp.Demultiplexer.
func (m *Multiplexer) NextAvailablePort() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return 0, net.ErrClosed
	}
	return m.nextPortLocked()
}

func (m *Multiplexer) nextPortLocked() (uint16, error) {
	var skipped []uint16
	defer func() {
		for _, p := range skipped {
			_ = m.ports.Release(p)
		}
	}()
	for i := 0; i < m.ports.Capacity(); i++ {
		port, err := m.ports.Allocate()
		if err != nil {
			return 0, err
		}
		if _, ok := m.reserved[port]; ok {
			skipped = append(skipped, port)
			continue
		}
		return port, nil
	}
	return 0, ErrPortPoolExhausted
}

// RegisterConnection implements libstcp.Demultiplexer.
func (m *Multiplexer) RegisterConnection(id libstcp.ConnectionID, ep *libstcp.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return net.ErrClosed
	}
	key := connKey{remote: id.RemoteAddr, localPort: id.LocalPort, remotePort: id.RemotePort}
	if _, ok := m.conns[key]; ok {
		return fmt.Errorf("%s: %w", id, ErrConnectionExists)
	}
	m.conns[key] = ep
	m.acquireLocked()
	m.logger.V(1).Info("connection registered", "id", id)
	return nil
}

// UnregisterConnection implements libstcp.Demultiplexer.
func (m *Multiplexer) UnregisterConnection(id libstcp.ConnectionID, ep *libstcp.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := connKey{remote: id.RemoteAddr, localPort: id.LocalPort, remotePort: id.RemotePort}
	registered := m.conns[key] == ep
	if registered {
		delete(m.conns, key)
	}
	if m.ephemeralUnusedLocked(id.LocalPort) {
		if err := m.ports.Release(id.LocalPort); err != nil {
			return err
		}
	}
	if registered {
		m.logger.V(1).Info("connection unregistered", "id", id)
		m.releaseLocked()
	}
	return nil
}

// ephemeralUnusedLocked reports whether port came from the pool and nothing
// is using it any more.
func (m *Multiplexer) ephemeralUnusedLocked(port uint16) bool {
	if !m.ports.IsAllocated(port) {
		return false
	}
	if _, ok := m.reserved[port]; ok {
		return false
	}
	for key := range m.conns {
		if key.localPort == port {
			return false
		}
	}
	return true
}

// RegisterListeningSocket implements libstcp.Demultiplexer. If SYNs are
// waiting in the backlog for localPort, the oldest one is redelivered.
func (m *Multiplexer) RegisterListeningSocket(localPort uint16, ep *libstcp.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return net.ErrClosed
	}
	if _, ok := m.listeners[localPort]; ok {
		return fmt.Errorf("port %d: %w", localPort, ErrPortInUse)
	}
	m.listeners[localPort] = ep
	if waiting := m.backlog[localPort]; len(waiting) > 0 {
		m.ready = append(m.ready, waiting[0])
		m.backlog[localPort] = waiting[1:]
		select {
		case m.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// UnregisterListeningSocket implements libstcp.Demultiplexer.
func (m *Multiplexer) UnregisterListeningSocket(localPort uint16, ep *libstcp.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listeners[localPort] == ep {
		delete(m.listeners, localPort)
	}
	return nil
}

// Send implements libstcp.Sender.
func (m *Multiplexer) Send(p *libstcp.Packet, dst netip.AddrPort) error {
	datagram := p.Marshal()
	if m.cfg.TracePackets {
		m.tracePacket("send", datagram, dst)
	}
	_, err := m.udpSocket.WriteToUDPAddrPort(datagram, dst)
	return err
}

func (m *Multiplexer) receiveDatagrams(ctx context.Context) error {
	defer close(m.incoming)

	b := make([]byte, maxDatagramSize)
	for {
		n, from, err := m.udpSocket.ReadFromUDPAddrPort(b)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			m.logger.Error(err, "udp read failed")
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if m.cfg.TracePackets {
			m.tracePacket("recv", b[:n], from)
		}
		p := &libstcp.Packet{}
		if err := p.Unmarshal(b[:n]); err != nil {
			m.logger.V(1).Info("dropping malformed datagram", "from", from, "len", n, "err", err)
			continue
		}
		p.SourceAddr = from
		select {
		case m.incoming <- p:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Multiplexer) dispatchPackets(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-m.incoming:
			if !ok {
				return nil
			}
			m.dispatch(p)
		case <-m.wakeup:
			for _, p := range m.takeReady() {
				m.dispatch(p)
			}
		}
	}
}

func (m *Multiplexer) takeReady() []*libstcp.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	ready := m.ready
	m.ready = nil
	return ready
}

func (m *Multiplexer) dispatch(p *libstcp.Packet) {
	ep := m.route(p)
	if ep == nil {
		return
	}
	ep.ReceivePacket(p)
}

// route finds the endpoint p is addressed to. SYNs for a reserved port with
// no listening endpoint are kept in the backlog.
func (m *Multiplexer) route(p *libstcp.Packet) *libstcp.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := connKey{remote: p.SourceAddr, localPort: p.DestPort, remotePort: p.SourcePort}
	if ep, ok := m.conns[key]; ok {
		return ep
	}
	if ep, ok := m.listeners[p.DestPort]; ok {
		return ep
	}
	if _, ok := m.reserved[p.DestPort]; ok && p.Flags == libstcp.FlagSYN {
		if len(m.backlog[p.DestPort]) < m.cfg.AcceptBacklog {
			m.backlog[p.DestPort] = append(m.backlog[p.DestPort], p)
			return nil
		}
		m.logger.V(1).Info("accept backlog full", "port", p.DestPort, "from", p.SourceAddr)
		return nil
	}
	m.logger.V(1).Info("no endpoint for packet", "from", p.SourceAddr, "packet", p)
	return nil
}
