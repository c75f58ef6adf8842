// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package stcp_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/stcp-go"
)

func TestPortPoolNoDuplicates(t *testing.T) {
	pool := stcp.NewPortPool(50000, 50099)
	require.Equal(t, 100, pool.Capacity())

	seen := make(map[uint16]bool)
	for i := 0; i < pool.Capacity(); i++ {
		port, err := pool.Allocate()
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, uint16(50000))
		require.LessOrEqual(t, port, uint16(50099))
		require.False(t, seen[port], "port %d handed out twice", port)
		require.True(t, pool.IsAllocated(port))
		seen[port] = true
	}
	_, err := pool.Allocate()
	require.ErrorIs(t, err, stcp.ErrPortPoolExhausted)
	require.Zero(t, pool.Available())

	require.NoError(t, pool.Release(50042))
	require.False(t, pool.IsAllocated(50042))
	port, err := pool.Allocate()
	require.NoError(t, err)
	require.EqualValues(t, 50042, port)
}

func TestPortPoolRelease(t *testing.T) {
	pool := stcp.NewPortPool(1000, 1001)
	require.Error(t, pool.Release(2000))
	require.Error(t, pool.Release(1000), "releasing a port that was never allocated")

	port, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, pool.Release(port))
	require.Error(t, pool.Release(port))
	require.Equal(t, 2, pool.Available())
}
