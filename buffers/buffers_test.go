// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"storj.io/stcp-go/buffers"
)

func TestAppendConsume(t *testing.T) {
	sb := buffers.NewSyncBuffer(8)
	ctx := context.Background()

	require.NoError(t, sb.Append(ctx, []byte("hello")))
	require.Equal(t, 5, sb.SpaceUsed())
	require.Equal(t, 3, sb.SpaceAvailable())

	buf := make([]byte, 3)
	n, err := sb.Consume(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "hel", string(buf[:n]))

	n, err = sb.Consume(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "lo", string(buf[:n]))

	_, err = sb.TryConsume(buf)
	require.ErrorIs(t, err, buffers.ErrEmpty)
}

func TestAppendLargerThanBuffer(t *testing.T) {
	sb := buffers.NewSyncBuffer(4)
	data := bytes.Repeat([]byte("0123456789"), 10)

	var group errgroup.Group
	group.Go(func() error {
		return sb.Append(context.Background(), data)
	})

	var got bytes.Buffer
	buf := make([]byte, 3)
	for got.Len() < len(data) {
		n, err := sb.Consume(context.Background(), buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	require.NoError(t, group.Wait())
	require.Equal(t, data, got.Bytes())
}

func TestCloseWriteDrainsThenEOF(t *testing.T) {
	sb := buffers.NewSyncBuffer(16)
	_, err := sb.Write([]byte("tail"))
	require.NoError(t, err)
	sb.CloseWrite()

	got, err := io.ReadAll(sb)
	require.NoError(t, err)
	require.Equal(t, "tail", string(got))

	_, err = sb.TryAppend([]byte("x"))
	require.ErrorIs(t, err, buffers.ErrWriteAfterEOF)
}

func TestCloseWakesBlockedReader(t *testing.T) {
	sb := buffers.NewSyncBuffer(16)

	var group errgroup.Group
	group.Go(func() error {
		_, err := sb.Consume(context.Background(), make([]byte, 4))
		return err
	})
	time.Sleep(10 * time.Millisecond)
	sb.Close()
	require.ErrorIs(t, group.Wait(), buffers.ErrClosed)

	_, err := sb.TryAppend([]byte("x"))
	require.ErrorIs(t, err, buffers.ErrClosed)
}

func TestCloseWakesBlockedWriter(t *testing.T) {
	sb := buffers.NewSyncBuffer(2)

	var group errgroup.Group
	group.Go(func() error {
		return sb.Append(context.Background(), []byte("abcd"))
	})
	require.Eventually(t, func() bool { return sb.SpaceAvailable() == 0 }, time.Second, time.Millisecond)
	sb.Close()
	require.ErrorIs(t, group.Wait(), buffers.ErrClosed)
}

func TestCloseWriteFailsBlockedWriter(t *testing.T) {
	sb := buffers.NewSyncBuffer(2)

	var group errgroup.Group
	group.Go(func() error {
		return sb.Append(context.Background(), []byte("abcd"))
	})
	require.Eventually(t, func() bool { return sb.SpaceAvailable() == 0 }, time.Second, time.Millisecond)
	sb.CloseWrite()
	require.ErrorIs(t, group.Wait(), buffers.ErrWriteAfterEOF)
}

func TestConsumeContextCanceled(t *testing.T) {
	sb := buffers.NewSyncBuffer(16)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sb.Consume(ctx, make([]byte, 4))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the canceled wait must not block the next reader
	require.NoError(t, sb.Append(context.Background(), []byte("ok")))
	buf := make([]byte, 4)
	n, err := sb.Consume(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf[:n]))
}

func TestSingleWaiter(t *testing.T) {
	sb := buffers.NewSyncBuffer(16)
	_, cancelWait, err := sb.WaitForBytesChan(1)
	require.NoError(t, err)
	defer cancelWait()

	_, _, err = sb.WaitForBytesChan(1)
	require.ErrorIs(t, err, buffers.ReaderAlreadyWaitingErr)
}
