// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"storj.io/stcp-go/libstcp"
)

// use -10 for the most detail
const logLevel = 0

const waitTimeout = 5 * time.Second

var (
	localAddr  = netip.MustParseAddrPort("127.0.0.1:7000")
	remoteAddr = netip.MustParseAddrPort("127.0.0.1:7001")
)

const remotePort = 80

type fakeDemux struct {
	mu        sync.Mutex
	nextPort  uint16
	conns     map[libstcp.ConnectionID]*libstcp.Endpoint
	listeners map[uint16]*libstcp.Endpoint
}

func newFakeDemux() *fakeDemux {
	return &fakeDemux{
		nextPort:  49152,
		conns:     make(map[libstcp.ConnectionID]*libstcp.Endpoint),
		listeners: make(map[uint16]*libstcp.Endpoint),
	}
}

func (d *fakeDemux) LocalAddr() netip.AddrPort { return localAddr }

func (d *fakeDemux) NextAvailablePort() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.nextPort
	d.nextPort++
	return p, nil
}

func (d *fakeDemux) RegisterConnection(id libstcp.ConnectionID, ep *libstcp.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[id]; ok {
		return fmt.Errorf("connection %s already registered", id)
	}
	d.conns[id] = ep
	return nil
}

func (d *fakeDemux) UnregisterConnection(id libstcp.ConnectionID, ep *libstcp.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns[id] == ep {
		delete(d.conns, id)
	}
	return nil
}

func (d *fakeDemux) RegisterListeningSocket(port uint16, ep *libstcp.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[port]; ok {
		return fmt.Errorf("port %d already has a listener", port)
	}
	d.listeners[port] = ep
	return nil
}

func (d *fakeDemux) UnregisterListeningSocket(port uint16, ep *libstcp.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listeners[port] == ep {
		delete(d.listeners, port)
	}
	return nil
}

func (d *fakeDemux) counts() (conns, listeners int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns), len(d.listeners)
}

type sentPacket struct {
	p   libstcp.Packet
	dst netip.AddrPort
}

type fakeSender struct {
	sent chan sentPacket
}

func (s *fakeSender) Send(p *libstcp.Packet, dst netip.AddrPort) error {
	s.sent <- sentPacket{p: *p, dst: dst}
	return nil
}

func (s *fakeSender) next(t *testing.T) libstcp.Packet {
	t.Helper()
	select {
	case sp := <-s.sent:
		return sp.p
	case <-time.After(waitTimeout):
		require.FailNow(t, "no packet was sent")
		return libstcp.Packet{}
	}
}

func (s *fakeSender) requireNone(t *testing.T) {
	t.Helper()
	select {
	case sp := <-s.sent:
		require.FailNow(t, "unexpected packet", "%s", &sp.p)
	default:
	}
}

type fakeTimer struct {
	delay time.Duration
	fire  func()

	mu      sync.Mutex
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	was := !ft.stopped
	ft.stopped = true
	return was
}

func (ft *fakeTimer) isStopped() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.stopped
}

// Fire runs the callback even if the timer was stopped, the way a timer
// that fires concurrently with Stop would.
func (ft *fakeTimer) Fire() { ft.fire() }

type fakeTimers struct {
	scheduled chan *fakeTimer
}

func (ts *fakeTimers) Schedule(delay time.Duration, fire func()) libstcp.Timer {
	ft := &fakeTimer{delay: delay, fire: fire}
	ts.scheduled <- ft
	return ft
}

func (ts *fakeTimers) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case ft := <-ts.scheduled:
		return ft
	case <-time.After(waitTimeout):
		require.FailNow(t, "no timer was scheduled")
		return nil
	}
}

type harness struct {
	ep     *libstcp.Endpoint
	demux  *fakeDemux
	sender *fakeSender
	timers *fakeTimers
}

func newHarness(t *testing.T, isn libstcp.Seq) *harness {
	logger := zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.Level(logLevel))))
	h := &harness{
		demux:  newFakeDemux(),
		sender: &fakeSender{sent: make(chan sentPacket, 64)},
		timers: &fakeTimers{scheduled: make(chan *fakeTimer, 16)},
	}
	h.ep = libstcp.NewEndpoint(h.demux, h.sender,
		libstcp.WithLogger(logger),
		libstcp.WithTimers(h.timers),
		libstcp.WithInitialSeq(func() libstcp.Seq { return isn }),
		libstcp.WithConfig(libstcp.Config{SegmentSize: 4, BufferSize: 64}),
	)
	t.Cleanup(func() {
		_ = h.ep.Close()
		assert.NoError(t, h.ep.Wait())
	})
	return h
}

// receive delivers a packet from the remote peer.
func (h *harness) receive(flags libstcp.Flags, seq, ack libstcp.Seq, payload string) {
	p := &libstcp.Packet{
		SourceAddr: remoteAddr,
		SourcePort: remotePort,
		DestPort:   h.ep.LocalPort(),
		Seq:        seq,
		Ack:        ack,
		Flags:      flags,
	}
	if payload != "" {
		p.Payload = []byte(payload)
	}
	h.ep.ReceivePacket(p)
}

// connect drives an active open with ISN 10 against a peer with ISN 500.
func connect(t *testing.T) *harness {
	h := newHarness(t, 10)
	var group errgroup.Group
	group.Go(func() error {
		return h.ep.Connect(context.Background(), remoteAddr, remotePort)
	})

	syn := h.sender.next(t)
	require.Equal(t, libstcp.FlagSYN, syn.Flags)
	require.EqualValues(t, 10, syn.Seq)
	require.EqualValues(t, remotePort, syn.DestPort)
	handshake := h.timers.next(t)
	require.Equal(t, libstcp.DefaultConnectTimeout, handshake.delay)

	h.receive(libstcp.FlagSYN|libstcp.FlagACK, 500, 11, "")
	require.NoError(t, group.Wait())
	require.True(t, handshake.isStopped())

	ack := h.sender.next(t)
	require.Equal(t, libstcp.FlagACK, ack.Flags)
	require.EqualValues(t, 11, ack.Seq)
	require.EqualValues(t, 501, ack.Ack)
	return h
}

func TestActiveOpen(t *testing.T) {
	h := connect(t)
	require.Equal(t, libstcp.StateEstablished, h.ep.State())
	require.EqualValues(t, 11, h.ep.Seq())
	require.EqualValues(t, 501, h.ep.Ack())

	id := h.ep.ID()
	require.Equal(t, localAddr, id.LocalAddr)
	require.Equal(t, remoteAddr, id.RemoteAddr)
	require.EqualValues(t, remotePort, id.RemotePort)
	conns, listeners := h.demux.counts()
	require.Equal(t, 1, conns)
	require.Equal(t, 0, listeners)
}

func TestActiveOpenSequenceWraps(t *testing.T) {
	h := newHarness(t, libstcp.SeqModulus-1)
	var group errgroup.Group
	group.Go(func() error {
		return h.ep.Connect(context.Background(), remoteAddr, remotePort)
	})
	syn := h.sender.next(t)
	require.EqualValues(t, libstcp.SeqModulus-1, syn.Seq)

	h.receive(libstcp.FlagSYN|libstcp.FlagACK, libstcp.SeqModulus-1, 0, "")
	require.NoError(t, group.Wait())
	require.EqualValues(t, 0, h.ep.Seq())
	require.EqualValues(t, 0, h.ep.Ack())
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, 10)
	var group errgroup.Group
	group.Go(func() error {
		return h.ep.Connect(context.Background(), remoteAddr, remotePort)
	})
	h.sender.next(t)
	h.timers.next(t).Fire()

	err := group.Wait()
	require.ErrorIs(t, err, libstcp.ErrConnectionTimeout)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())

	require.Equal(t, libstcp.StateClosed, h.ep.State())
	conns, _ := h.demux.counts()
	require.Equal(t, 0, conns)

	// retired endpoints can not be reused
	err = h.ep.Connect(context.Background(), remoteAddr, remotePort)
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestConnectCanceled(t *testing.T) {
	h := newHarness(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	var group errgroup.Group
	group.Go(func() error {
		return h.ep.Connect(ctx, remoteAddr, remotePort)
	})
	h.sender.next(t)
	handshake := h.timers.next(t)
	cancel()

	require.ErrorIs(t, group.Wait(), context.Canceled)
	require.Equal(t, libstcp.StateClosed, h.ep.State())
	require.True(t, handshake.isStopped())
}

func TestStaleHandshakeTimerIgnored(t *testing.T) {
	h := newHarness(t, 10)
	var group errgroup.Group
	group.Go(func() error {
		return h.ep.Connect(context.Background(), remoteAddr, remotePort)
	})
	h.sender.next(t)
	handshake := h.timers.next(t)
	h.receive(libstcp.FlagSYN|libstcp.FlagACK, 500, 11, "")
	require.NoError(t, group.Wait())

	handshake.Fire()
	require.Equal(t, libstcp.StateEstablished, h.ep.State())
}

func TestPassiveOpenAndPassiveClose(t *testing.T) {
	h := newHarness(t, 300)
	require.NoError(t, h.ep.Bind(8080))

	var group errgroup.Group
	group.Go(func() error {
		return h.ep.AcceptConnection(context.Background())
	})
	handshake := h.timers.next(t)
	_, listeners := h.demux.counts()
	require.Equal(t, 1, listeners)

	h.receive(libstcp.FlagSYN, 1000, 0, "")
	require.NoError(t, group.Wait())
	require.True(t, handshake.isStopped())
	synRcvd := h.timers.next(t)
	require.Equal(t, libstcp.DefaultConnectTimeout, synRcvd.delay)

	synAck := h.sender.next(t)
	require.Equal(t, libstcp.FlagSYN|libstcp.FlagACK, synAck.Flags)
	require.EqualValues(t, 300, synAck.Seq)
	require.EqualValues(t, 1001, synAck.Ack)
	require.EqualValues(t, 8080, synAck.SourcePort)
	require.Equal(t, libstcp.StateSynRcvd, h.ep.State())
	require.EqualValues(t, 301, h.ep.Seq())

	conns, listeners := h.demux.counts()
	require.Equal(t, 1, conns)
	require.Equal(t, 0, listeners)

	h.receive(libstcp.FlagACK, 1001, 301, "")
	require.Equal(t, libstcp.StateEstablished, h.ep.State())
	require.True(t, synRcvd.isStopped())

	h.receive(libstcp.FlagACK, 1001, 301, "hello")
	dataAck := h.sender.next(t)
	require.EqualValues(t, 1006, dataAck.Ack)
	require.EqualValues(t, 301, dataAck.Seq)

	buf := make([]byte, 16)
	n, err := h.ep.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	h.receive(libstcp.FlagFIN|libstcp.FlagACK, 1006, 301, "")
	require.Equal(t, libstcp.StateCloseWait, h.ep.State())
	finAck := h.sender.next(t)
	require.Equal(t, libstcp.FlagACK, finAck.Flags)
	require.EqualValues(t, 1007, finAck.Ack)

	_, err = h.ep.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, h.ep.Close())
	fin := h.sender.next(t)
	require.Equal(t, libstcp.FlagFIN|libstcp.FlagACK, fin.Flags)
	require.EqualValues(t, 301, fin.Seq)
	require.Equal(t, libstcp.StateLastAck, h.ep.State())
	require.EqualValues(t, 302, h.ep.Seq())

	h.receive(libstcp.FlagACK, 1007, 302, "")
	require.Equal(t, libstcp.StateTimeWait, h.ep.State())
	timeWait := h.timers.next(t)
	require.Equal(t, libstcp.DefaultTimeWait, timeWait.delay)

	timeWait.Fire()
	require.Equal(t, libstcp.StateClosed, h.ep.State())
	conns, _ = h.demux.counts()
	require.Equal(t, 0, conns)
}

func TestAcceptTimeout(t *testing.T) {
	h := newHarness(t, 300)
	require.NoError(t, h.ep.Bind(8080))

	var group errgroup.Group
	group.Go(func() error {
		return h.ep.AcceptConnection(context.Background())
	})
	h.timers.next(t).Fire()

	require.ErrorIs(t, group.Wait(), libstcp.ErrConnectionTimeout)
	require.Equal(t, libstcp.StateClosed, h.ep.State())
	_, listeners := h.demux.counts()
	require.Equal(t, 0, listeners)
	h.sender.requireNone(t)
}

func TestAcceptRequiresBind(t *testing.T) {
	h := newHarness(t, 300)
	require.ErrorIs(t, h.ep.AcceptConnection(context.Background()), libstcp.ErrNotBound)
}

func TestCloseWhileListening(t *testing.T) {
	h := newHarness(t, 300)
	require.NoError(t, h.ep.Bind(8080))

	var group errgroup.Group
	group.Go(func() error {
		return h.ep.AcceptConnection(context.Background())
	})
	handshake := h.timers.next(t)

	require.NoError(t, h.ep.Close())
	require.ErrorIs(t, group.Wait(), net.ErrClosed)
	require.Equal(t, libstcp.StateClosed, h.ep.State())
	require.True(t, handshake.isStopped())
	_, listeners := h.demux.counts()
	require.Equal(t, 0, listeners)
	h.sender.requireNone(t)
}

func TestActiveClose(t *testing.T) {
	h := connect(t)

	require.NoError(t, h.ep.Close())
	fin := h.sender.next(t)
	require.Equal(t, libstcp.FlagFIN|libstcp.FlagACK, fin.Flags)
	require.EqualValues(t, 11, fin.Seq)
	require.Equal(t, libstcp.StateFinWait1, h.ep.State())

	h.receive(libstcp.FlagACK, 501, 12, "")
	require.Equal(t, libstcp.StateFinWait2, h.ep.State())

	// late acknowledgements are absorbed
	h.receive(libstcp.FlagACK, 501, 12, "")
	require.Equal(t, libstcp.StateFinWait2, h.ep.State())
	require.Zero(t, h.ep.Stats().NDropped)

	h.receive(libstcp.FlagFIN|libstcp.FlagACK, 501, 12, "")
	require.Equal(t, libstcp.StateTimeWait, h.ep.State())
	ack := h.sender.next(t)
	require.Equal(t, libstcp.FlagACK, ack.Flags)
	require.EqualValues(t, 502, ack.Ack)

	// a second Close is a no-op
	require.NoError(t, h.ep.Close())
	require.Equal(t, libstcp.StateTimeWait, h.ep.State())
}

func TestFinInFinWait1GoesToClosing(t *testing.T) {
	h := connect(t)
	require.NoError(t, h.ep.Close())
	h.sender.next(t)

	// the FIN also acknowledges ours, but only the flags pick the row
	h.receive(libstcp.FlagFIN|libstcp.FlagACK, 501, 12, "")
	require.Equal(t, libstcp.StateClosing, h.ep.State())
	ack := h.sender.next(t)
	require.EqualValues(t, 502, ack.Ack)

	// the ACK of our FIN never comes
	closing := h.timers.next(t)
	require.Equal(t, libstcp.DefaultTimeWait, closing.delay)
	closing.Fire()
	require.Equal(t, libstcp.StateClosed, h.ep.State())
	conns, _ := h.demux.counts()
	require.Equal(t, 0, conns)
}

func TestSimultaneousClose(t *testing.T) {
	h := connect(t)
	require.NoError(t, h.ep.Close())
	h.sender.next(t)

	// the peer's FIN crossed ours and does not acknowledge it
	h.receive(libstcp.FlagFIN|libstcp.FlagACK, 501, 11, "")
	require.Equal(t, libstcp.StateClosing, h.ep.State())
	closing := h.timers.next(t)

	h.receive(libstcp.FlagACK, 502, 12, "")
	require.Equal(t, libstcp.StateTimeWait, h.ep.State())
	require.True(t, closing.isStopped())
	timeWait := h.timers.next(t)

	// the superseded Closing timer must not cut TimeWait short
	closing.Fire()
	require.Equal(t, libstcp.StateTimeWait, h.ep.State())
	timeWait.Fire()
	require.Equal(t, libstcp.StateClosed, h.ep.State())
}

func TestRelaySendsWrites(t *testing.T) {
	h := connect(t)

	n, err := h.ep.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	// SegmentSize is 4
	var got []byte
	seq := libstcp.Seq(11)
	for len(got) < 6 {
		p := h.sender.next(t)
		require.Equal(t, libstcp.FlagACK, p.Flags)
		require.Equal(t, seq, p.Seq)
		require.LessOrEqual(t, len(p.Payload), 4)
		got = append(got, p.Payload...)
		seq = seq.Add(len(p.Payload))
	}
	require.Equal(t, "abcdef", string(got))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.ep.Drain(ctx))
	require.EqualValues(t, 17, h.ep.Seq())
	require.EqualValues(t, 6, h.ep.Stats().NBytesXmit)
}

func TestWriteBeforeEstablishedIsRelayedAfter(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.ep.Write([]byte("early"))
	require.NoError(t, err)

	var group errgroup.Group
	group.Go(func() error {
		return h.ep.Connect(context.Background(), remoteAddr, remotePort)
	})
	h.sender.next(t)
	h.receive(libstcp.FlagSYN|libstcp.FlagACK, 500, 11, "")
	require.NoError(t, group.Wait())
	h.sender.next(t) // handshake ACK

	var got []byte
	for len(got) < 5 {
		got = append(got, h.sender.next(t).Payload...)
	}
	require.Equal(t, "early", string(got))
}

func TestDrainReturnsWhenClosed(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.ep.Write([]byte("never sent"))
	require.NoError(t, err)
	require.NoError(t, h.ep.Drain(context.Background()))
}

func TestWriteAfterCloseFails(t *testing.T) {
	h := connect(t)
	require.NoError(t, h.ep.Close())
	_, err := h.ep.Write([]byte("x"))
	require.Error(t, err)
}

func TestUnexpectedPacketsDropped(t *testing.T) {
	h := connect(t)

	h.receive(libstcp.FlagSYN, 900, 0, "")
	require.Equal(t, libstcp.StateEstablished, h.ep.State())
	require.EqualValues(t, 1, h.ep.Stats().NDropped)

	// duplicate ACK of the handshake
	h.receive(libstcp.FlagACK, 501, 11, "")
	require.Equal(t, libstcp.StateEstablished, h.ep.State())
	require.EqualValues(t, 1, h.ep.Stats().NDropped)
	h.sender.requireNone(t)
}

func TestPacketsIgnoredWhenClosed(t *testing.T) {
	h := newHarness(t, 10)
	h.receive(libstcp.FlagSYN, 1, 0, "")
	h.receive(libstcp.FlagACK, 1, 0, "data")
	require.Equal(t, libstcp.StateClosed, h.ep.State())
	require.EqualValues(t, 2, h.ep.Stats().NDropped)
	h.sender.requireNone(t)
}

func TestFullInboundBufferDropsSegment(t *testing.T) {
	h := connect(t)

	// BufferSize is 64
	h.receive(libstcp.FlagACK, 501, 11, strings.Repeat("a", 60))
	require.EqualValues(t, 561, h.sender.next(t).Ack)

	h.receive(libstcp.FlagACK, 561, 11, "0123456789")
	require.Equal(t, libstcp.StateEstablished, h.ep.State())
	require.EqualValues(t, 561, h.ep.Ack())
	require.EqualValues(t, 1, h.ep.Stats().NDropped)
	h.sender.requireNone(t)

	// once the application reads, the resent segment fits
	buf := make([]byte, 64)
	n, err := h.ep.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 60, n)
	h.receive(libstcp.FlagACK, 561, 11, "0123456789")
	require.EqualValues(t, 571, h.sender.next(t).Ack)
}

func TestOutOfOrderSegmentDropped(t *testing.T) {
	h := connect(t)

	h.receive(libstcp.FlagACK, 505, 11, "late")
	require.EqualValues(t, 501, h.ep.Ack())
	require.EqualValues(t, 1, h.ep.Stats().NDropped)
	h.sender.requireNone(t)
}

func TestCloseWithUnreadDataDoesNotBlock(t *testing.T) {
	h := connect(t)
	h.receive(libstcp.FlagACK, 501, 11, strings.Repeat("a", 64))
	h.sender.next(t)

	// nobody reads; more data keeps arriving
	for i := 0; i < 4; i++ {
		h.receive(libstcp.FlagACK, 565, 11, "more")
	}
	require.EqualValues(t, 4, h.ep.Stats().NDropped)

	h.ep.CloseRead()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.ep.Drain(ctx))
	require.NoError(t, h.ep.Close())
	require.Equal(t, libstcp.StateFinWait1, h.ep.State())
	require.Equal(t, libstcp.FlagFIN|libstcp.FlagACK, h.sender.next(t).Flags)

	_, err := h.ep.Read(make([]byte, 4))
	require.Error(t, err)
}

func TestDataOnHandshakeAckIsDelivered(t *testing.T) {
	h := newHarness(t, 300)
	require.NoError(t, h.ep.Bind(8080))
	var group errgroup.Group
	group.Go(func() error {
		return h.ep.AcceptConnection(context.Background())
	})
	h.timers.next(t)
	h.receive(libstcp.FlagSYN, 1000, 0, "")
	require.NoError(t, group.Wait())
	h.sender.next(t)

	h.receive(libstcp.FlagACK, 1001, 301, "hi")
	require.Equal(t, libstcp.StateEstablished, h.ep.State())
	require.EqualValues(t, 1003, h.sender.next(t).Ack)

	buf := make([]byte, 4)
	n, err := h.ep.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
	require.Zero(t, h.ep.Stats().NDropped)
}

func TestSynRcvdExpires(t *testing.T) {
	h := newHarness(t, 300)
	require.NoError(t, h.ep.Bind(8080))
	var group errgroup.Group
	group.Go(func() error {
		return h.ep.AcceptConnection(context.Background())
	})
	h.timers.next(t)
	h.receive(libstcp.FlagSYN, 1000, 0, "")
	require.NoError(t, group.Wait())
	h.sender.next(t)

	// the final ACK of the handshake is lost
	h.timers.next(t).Fire()
	require.Equal(t, libstcp.StateClosed, h.ep.State())
	conns, listeners := h.demux.counts()
	require.Equal(t, 0, conns)
	require.Equal(t, 0, listeners)
	_, err := h.ep.Read(make([]byte, 4))
	require.Error(t, err)
	h.sender.requireNone(t)
}

// listening returns a harness whose Endpoint is blocked in AcceptConnection.
func listening(t *testing.T) *harness {
	h := newHarness(t, 300)
	require.NoError(t, h.ep.Bind(8080))
	go func() { _ = h.ep.AcceptConnection(context.Background()) }()
	h.timers.next(t)
	return h
}

func TestUnmatchedPacketsLeaveStateUnchanged(t *testing.T) {
	finWait1 := func(t *testing.T) *harness {
		h := connect(t)
		require.NoError(t, h.ep.Close())
		h.sender.next(t)
		return h
	}
	closeWait := func(t *testing.T) *harness {
		h := connect(t)
		h.receive(libstcp.FlagFIN|libstcp.FlagACK, 501, 11, "")
		h.sender.next(t)
		return h
	}
	finWait2 := func(t *testing.T) *harness {
		h := finWait1(t)
		h.receive(libstcp.FlagACK, 501, 12, "")
		return h
	}

	for _, tc := range []struct {
		state libstcp.State
		setup func(t *testing.T) *harness
		flags libstcp.Flags
	}{
		{libstcp.StateClosed, func(t *testing.T) *harness { return newHarness(t, 10) }, libstcp.FlagACK},
		{libstcp.StateListen, listening, libstcp.FlagACK},
		{libstcp.StateSynSent, func(t *testing.T) *harness {
			h := newHarness(t, 10)
			go func() { _ = h.ep.Connect(context.Background(), remoteAddr, remotePort) }()
			h.sender.next(t)
			h.timers.next(t)
			return h
		}, libstcp.FlagSYN},
		{libstcp.StateSynRcvd, func(t *testing.T) *harness {
			h := listening(t)
			h.receive(libstcp.FlagSYN, 1000, 0, "")
			h.sender.next(t)
			return h
		}, libstcp.FlagFIN},
		{libstcp.StateEstablished, connect, libstcp.FlagSYN},
		{libstcp.StateCloseWait, closeWait, libstcp.FlagFIN},
		{libstcp.StateLastAck, func(t *testing.T) *harness {
			h := closeWait(t)
			require.NoError(t, h.ep.Close())
			h.sender.next(t)
			return h
		}, libstcp.FlagFIN},
		{libstcp.StateFinWait1, finWait1, libstcp.FlagSYN},
		{libstcp.StateFinWait2, finWait2, libstcp.FlagSYN},
		{libstcp.StateClosing, func(t *testing.T) *harness {
			h := finWait1(t)
			h.receive(libstcp.FlagFIN|libstcp.FlagACK, 501, 11, "")
			h.sender.next(t)
			return h
		}, libstcp.FlagFIN},
		{libstcp.StateTimeWait, func(t *testing.T) *harness {
			h := finWait2(t)
			h.receive(libstcp.FlagFIN|libstcp.FlagACK, 501, 12, "")
			h.sender.next(t)
			return h
		}, libstcp.FlagACK},
	} {
		t.Run(tc.state.String(), func(t *testing.T) {
			h := tc.setup(t)
			require.Equal(t, tc.state, h.ep.State())
			dropped := h.ep.Stats().NDropped

			h.receive(tc.flags, 2000, 2000, "")
			require.Equal(t, tc.state, h.ep.State())
			require.Equal(t, dropped+1, h.ep.Stats().NDropped)
			h.sender.requireNone(t)
		})
	}
}
