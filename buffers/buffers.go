// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package buffers provides SyncBuffer, a bounded byte pipe connecting an
// application's Read/Write calls to a connection's network-facing data path.
package buffers

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/smallnest/ringbuffer"
)

var (
	// ErrClosed is returned by all operations on a buffer after Close.
	ErrClosed = errors.New("sync buffer is closed")
	// ErrEmpty is returned by TryConsume when there is nothing to read.
	ErrEmpty = errors.New("sync buffer is empty")
	// ErrWriteAfterEOF is returned when appending after CloseWrite.
	ErrWriteAfterEOF = errors.New("sync buffer is closed for writing")
	// ReaderAlreadyWaitingErr is returned when a second reader tries to
	// block on the buffer.
	ReaderAlreadyWaitingErr = errors.New("a reader is already waiting")
	// WriterAlreadyWaitingErr is returned when a second writer tries to
	// block on the buffer.
	WriterAlreadyWaitingErr = errors.New("a writer is already waiting")
)

// SyncBuffer is a bounded FIFO of bytes, safe for one reader and one writer
// at a time. Appending blocks while the buffer is full; consuming blocks
// until data is available, the writer signals end-of-stream with CloseWrite,
// or the buffer is closed.
type SyncBuffer struct {
	lock sync.Mutex
	ring *ringbuffer.RingBuffer
	size int

	readWaiter       chan struct{}
	readSizeTrigger  int
	writeWaiter      chan struct{}
	writeSizeTrigger int

	eof    bool
	closed bool
}

// NewSyncBuffer creates a SyncBuffer holding at most size bytes.
func NewSyncBuffer(size int) *SyncBuffer {
	return &SyncBuffer{
		ring: ringbuffer.New(size),
		size: size,
	}
}

// WaitForBytesChan returns a channel that receives a value once at least n
// bytes are buffered or end-of-stream has been signaled. The channel is
// closed without a value if the buffer is closed first.
func (sb *SyncBuffer) WaitForBytesChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.readWaiter != nil {
		return nil, nil, ReaderAlreadyWaitingErr
	}
	rw := make(chan struct{}, 1)
	if sb.closed {
		close(rw)
		return rw, func() {}, nil
	}
	if sb.spaceUsed() >= n || sb.eof {
		rw <- struct{}{}
		close(rw)
		return rw, func() {}, nil
	}
	sb.readWaiter = rw
	sb.readSizeTrigger = n
	return sb.readWaiter, func() { sb.cancelReadWait(rw) }, nil
}

// WaitForSpaceChan returns a channel that receives a value once at least n
// bytes of space are free. The channel is closed without a value if the
// buffer is closed or end-of-stream is signaled first.
func (sb *SyncBuffer) WaitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.writeWaiter != nil {
		return nil, nil, WriterAlreadyWaitingErr
	}
	ww := make(chan struct{}, 1)
	if sb.closed || sb.eof {
		close(ww)
		return ww, func() {}, nil
	}
	if sb.spaceAvailable() >= n {
		ww <- struct{}{}
		close(ww)
		return ww, func() {}, nil
	}
	sb.writeWaiter = ww
	sb.writeSizeTrigger = n
	return sb.writeWaiter, func() { sb.cancelWriteWait(ww) }, nil
}

func (sb *SyncBuffer) cancelWriteWait(waitChan <-chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.writeWaiter != nil && sb.writeWaiter == waitChan {
		sb.writeWaiter = nil
	}
}

func (sb *SyncBuffer) cancelReadWait(waitChan <-chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.readWaiter != nil && sb.readWaiter == waitChan {
		sb.readWaiter = nil
	}
}

// Append adds all of data to the buffer, blocking while it is full. Data
// larger than the buffer is added piecewise as the reader makes room.
func (sb *SyncBuffer) Append(ctx context.Context, data []byte) error {
	for {
		n, err := sb.TryAppend(data)
		if err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
		waitForSpace, cancelWait, err := sb.WaitForSpaceChan(1)
		if err != nil {
			// something is already waiting to append to this buffer
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return ctx.Err()
		case <-waitForSpace:
			// a closed channel means the buffer was closed; TryAppend
			// reports which way
		}
	}
}

// Consume reads up to len(data) bytes, blocking until at least one byte is
// available. It returns io.EOF once end-of-stream has been signaled and all
// buffered bytes have been consumed.
func (sb *SyncBuffer) Consume(ctx context.Context, data []byte) (n int, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	for {
		n, err := sb.TryConsume(data)
		if !errors.Is(err, ErrEmpty) {
			return n, err
		}
		waitChan, cancelWait, err := sb.WaitForBytesChan(1)
		if err != nil {
			// something is already waiting to read from this buffer
			return 0, err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return 0, ctx.Err()
		case <-waitChan:
		}
	}
}

// TryAppend adds as much of data as fits without blocking and returns the
// number of bytes added.
func (sb *SyncBuffer) TryAppend(data []byte) (n int, err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	switch {
	case sb.closed:
		return 0, ErrClosed
	case sb.eof:
		return 0, ErrWriteAfterEOF
	}
	n = len(data)
	if avail := sb.spaceAvailable(); n > avail {
		n = avail
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := sb.ring.Write(data[:n]); err != nil {
		return 0, err
	}
	if sb.readWaiter != nil && sb.spaceUsed() >= sb.readSizeTrigger {
		sb.wakeReader()
	}
	return n, nil
}

// TryConsume reads up to len(data) buffered bytes without blocking. It
// returns ErrEmpty if nothing is buffered and the stream has not ended.
func (sb *SyncBuffer) TryConsume(data []byte) (n int, err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.closed {
		return 0, ErrClosed
	}
	haveBytes := sb.spaceUsed()
	if haveBytes == 0 {
		if sb.eof {
			return 0, io.EOF
		}
		return 0, ErrEmpty
	}
	if len(data) > haveBytes {
		// do a short read
		data = data[:haveBytes]
	}
	n, err = sb.ring.Read(data)
	if err != nil {
		return 0, err
	}
	if sb.writeWaiter != nil && sb.spaceAvailable() >= sb.writeSizeTrigger {
		ww := sb.writeWaiter
		sb.writeWaiter = nil
		ww <- struct{}{}
		close(ww)
	}
	return n, nil
}

func (sb *SyncBuffer) wakeReader() {
	rw := sb.readWaiter
	sb.readWaiter = nil
	rw <- struct{}{}
	close(rw)
}

// CloseWrite signals end-of-stream. Bytes already buffered can still be
// consumed; after that, Consume returns io.EOF.
func (sb *SyncBuffer) CloseWrite() {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.eof || sb.closed {
		return
	}
	sb.eof = true
	if sb.readWaiter != nil {
		sb.wakeReader()
	}
	if sb.writeWaiter != nil {
		close(sb.writeWaiter)
		sb.writeWaiter = nil
	}
}

// Close discards the buffer. Blocked and future operations fail with
// ErrClosed.
func (sb *SyncBuffer) Close() {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	sb.closed = true
	if sb.readWaiter != nil {
		close(sb.readWaiter)
		sb.readWaiter = nil
	}
	if sb.writeWaiter != nil {
		close(sb.writeWaiter)
		sb.writeWaiter = nil
	}
}

// Read implements io.Reader.
func (sb *SyncBuffer) Read(p []byte) (int, error) {
	return sb.Consume(context.Background(), p)
}

// Write implements io.Writer.
func (sb *SyncBuffer) Write(p []byte) (int, error) {
	if err := sb.Append(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SpaceAvailable returns the number of bytes that can be appended without
// blocking.
func (sb *SyncBuffer) SpaceAvailable() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.spaceAvailable()
}

func (sb *SyncBuffer) spaceAvailable() int {
	return sb.size - sb.ring.Length()
}

// SpaceUsed returns the number of buffered bytes.
func (sb *SyncBuffer) SpaceUsed() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.spaceUsed()
}

func (sb *SyncBuffer) spaceUsed() int {
	return sb.ring.Length()
}

var (
	_ io.Reader = (*SyncBuffer)(nil)
	_ io.Writer = (*SyncBuffer)(nil)
)
