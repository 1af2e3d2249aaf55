package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "error", StateError.String())
}

func TestTransitionClearsErrorOnConnect(t *testing.T) {
	sm := NewStateManager(TransportStdio)
	sm.TransitionError(errors.New("dial failed"))
	assert.Equal(t, StateError, sm.State())
	assert.Equal(t, "dial failed", sm.Info().LastError)

	sm.Transition(StateConnecting)
	assert.Empty(t, sm.Info().LastError)

	sm.Transition(StateConnected)
	info := sm.Info()
	assert.Equal(t, StateConnected, info.State)
	assert.False(t, info.ConnectedAt.IsZero())
}

func TestConnectClearsAuthPending(t *testing.T) {
	sm := NewStateManager(TransportHTTP)
	sm.SetAuthPending(true, 7)

	pending, version := sm.AuthPending()
	require.True(t, pending)
	assert.Equal(t, uint64(7), version)

	sm.Transition(StateConnected)
	pending, _ = sm.AuthPending()
	assert.False(t, pending)
}

func TestStateChangeCallbackFiresOnRealTransitions(t *testing.T) {
	sm := NewStateManager(TransportStdio)

	var transitions []ConnectionState
	sm.SetStateChangeCallback(func(_, newState ConnectionState) {
		transitions = append(transitions, newState)
	})

	sm.Transition(StateConnecting)
	sm.Transition(StateConnecting) // same state, no callback
	sm.Transition(StateConnected)
	sm.TransitionError(errors.New("lost"))

	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateError}, transitions)
}
