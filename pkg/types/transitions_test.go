package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionPending, SessionScheduled, true},
		{SessionPending, SessionCancelled, true},
		{SessionScheduled, SessionPreparing, true},
		{SessionPreparing, SessionPulling, true},
		{SessionPulling, SessionPrepared, true},
		{SessionPrepared, SessionCreating, true},
		{SessionPreparing, SessionCreating, true},
		{SessionCreating, SessionRunning, true},
		{SessionRunning, SessionRestarting, true},
		{SessionRestarting, SessionRunning, true},
		{SessionRunning, SessionRunningDegraded, true},
		{SessionRunning, SessionTerminating, true},
		{SessionTerminating, SessionTerminated, true},
		{SessionError, SessionPending, true}, // re-enqueue after retriable failure

		// Forced destroy and fatal error from any non-terminal state.
		{SessionPulling, SessionTerminating, true},
		{SessionScheduled, SessionError, true},

		{SessionPending, SessionRunning, false},
		{SessionTerminated, SessionRunning, false},
		{SessionCancelled, SessionPending, false},
		{SessionRunning, SessionScheduled, false},
		{SessionTerminated, SessionTerminating, false},
		{SessionCancelled, SessionError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatus(t *testing.T) {
	assert.True(t, TerminalStatus(SessionTerminated))
	assert.True(t, TerminalStatus(SessionCancelled))
	assert.False(t, TerminalStatus(SessionError))
	assert.False(t, TerminalStatus(SessionRunning))
}

func TestActiveStatus(t *testing.T) {
	assert.False(t, ActiveStatus(SessionPending))
	assert.True(t, ActiveStatus(SessionScheduled))
	assert.True(t, ActiveStatus(SessionRunning))
	assert.False(t, ActiveStatus(SessionTerminated))
	assert.False(t, ActiveStatus(SessionError))
}

func TestOwnerScopes(t *testing.T) {
	o := Owner{AccessKey: "AK1", UserID: "u1", GroupID: "g1", Domain: "default"}
	scopes := o.Scopes()
	assert.Len(t, scopes, 4)
	assert.Equal(t, "keypair:AK1", scopes[0].Key())
	assert.Equal(t, "domain:default", scopes[3].Key())
}
