// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package libstcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	for s := StateClosed; s < numStates; s++ {
		require.NotContains(t, s.String(), "UNKNOWN")
		for _, r := range transitions[s] {
			require.True(t, r.next >= StateClosed && r.next < numStates, "%s has a rule to %d", s, r.next)
		}
	}
	// terminal states react to nothing
	require.Empty(t, transitions[StateClosed])
	require.Empty(t, transitions[StateTimeWait])
}

func TestTriggerPriority(t *testing.T) {
	e := &Endpoint{state: StateSynSent}
	r := e.lookupRule(&Packet{Flags: FlagSYN | FlagACK})
	require.NotNil(t, r)
	require.Equal(t, trigSynAck, r.on)

	e.state = StateEstablished
	r = e.lookupRule(&Packet{Flags: FlagFIN | FlagACK, Payload: []byte("x")})
	require.NotNil(t, r)
	require.Equal(t, StateCloseWait, r.next)

	r = e.lookupRule(&Packet{Flags: FlagACK, Payload: []byte("x")})
	require.NotNil(t, r)
	require.Equal(t, trigData, r.on)

	require.Nil(t, e.lookupRule(&Packet{Flags: FlagSYN}))

	e.state = State(-1)
	require.Nil(t, e.lookupRule(&Packet{Flags: FlagACK}))
}

func TestTimerValidity(t *testing.T) {
	require.True(t, timerHandshake.validIn(StateListen))
	require.True(t, timerHandshake.validIn(StateSynSent))
	require.False(t, timerHandshake.validIn(StateSynRcvd))
	require.False(t, timerHandshake.validIn(StateEstablished))
	require.True(t, timerTimeWait.validIn(StateTimeWait))
	require.True(t, timerTimeWait.validIn(StateClosing))
	require.False(t, timerTimeWait.validIn(StateClosed))
	require.True(t, timerSynRcvd.validIn(StateSynRcvd))
	require.False(t, timerSynRcvd.validIn(StateEstablished))
}

func TestDispatchIgnoresAckNumber(t *testing.T) {
	e := &Endpoint{state: StateFinWait1, seq: 12}
	for _, ack := range []Seq{11, 12} {
		r := e.lookupRule(&Packet{Flags: FlagFIN | FlagACK, Ack: ack})
		require.NotNil(t, r)
		require.Equal(t, StateClosing, r.next)
	}
}
