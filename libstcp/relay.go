// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

import (
	"context"
	"errors"
	"io"

	"storj.io/stcp-go/buffers"
)

func (e *Endpoint) startRelayLocked() {
	if e.relayStarted {
		return
	}
	e.relayStarted = true
	ctx := e.relayCtx
	e.relays.Go(func() error {
		return e.relay(ctx)
	})
}

// relay moves application bytes from the outbound buffer onto the network,
// at most one SegmentSize at a time, until the Endpoint closes.
func (e *Endpoint) relay(ctx context.Context) error {
	e.logger.V(1).Info("relay started", "id", e.ID())
	defer e.logger.V(1).Info("relay stopped", "id", e.ID())

	buf := make([]byte, e.cfg.SegmentSize)
	for {
		ready, cancelWait, err := e.outbound.WaitForBytesChan(1)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return nil
		case _, ok := <-ready:
			if !ok {
				return nil
			}
		}
		if !e.sendPending(ctx, buf) {
			return nil
		}
	}
}

// sendPending takes one segment's worth of bytes from the outbound buffer,
// stamps it with the current sequence number, sends it, and advances the
// sequence number. Bytes leave the buffer and go out under the same lock
// hold, so Drain never sees data that is neither buffered nor sent. It
// reports false once the relay should stop.
func (e *Endpoint) sendPending(ctx context.Context, buf []byte) bool {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if ctx.Err() != nil {
		return false
	}
	n, err := e.outbound.TryConsume(buf)
	switch {
	case errors.Is(err, buffers.ErrEmpty):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, buffers.ErrClosed):
		return false
	case err != nil:
		e.logger.Error(err, "could not read outbound buffer", "id", e.id)
		return false
	}
	e.sendLocked(FlagACK, e.seq, append([]byte(nil), buf[:n]...))
	e.seq = e.seq.Add(n)
	e.stateCond.Broadcast()
	return true
}

// Drain blocks until everything written so far has been handed to the
// Sender, the Endpoint leaves the states in which the relay runs, or ctx is
// done. It does not wait for acknowledgements.
func (e *Endpoint) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.stateLock.Lock()
		defer e.stateLock.Unlock()
		e.stateCond.Broadcast()
	})
	defer stop()

	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	for e.outbound.SpaceUsed() > 0 {
		switch e.state {
		case StateSynSent, StateSynRcvd, StateEstablished, StateCloseWait:
		default:
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.stateCond.Wait()
	}
	return nil
}

// Read reads data that has arrived from the peer. It returns io.EOF after
// the peer's FIN once all earlier data has been read.
func (e *Endpoint) Read(p []byte) (int, error) {
	return e.ReadContext(context.Background(), p)
}

// ReadContext is Read, bounded by ctx.
func (e *Endpoint) ReadContext(ctx context.Context, p []byte) (int, error) {
	return e.inbound.Consume(ctx, p)
}

// CloseRead discards unread inbound data. Later segments from the peer are
// dropped unacknowledged and reads fail.
func (e *Endpoint) CloseRead() {
	e.inbound.Close()
}

// Write queues p for sending. It blocks while the outbound buffer is full.
// Data written before the handshake completes is sent once it does.
func (e *Endpoint) Write(p []byte) (int, error) {
	return e.WriteContext(context.Background(), p)
}

// WriteContext is Write, bounded by ctx.
func (e *Endpoint) WriteContext(ctx context.Context, p []byte) (int, error) {
	if err := e.outbound.Append(ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
