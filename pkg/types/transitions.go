package types

// sessionEdges declares every legal status transition. Anything not
// listed here is rejected by the state machine with ErrInvalidTransition.
//
// ERROR -> PENDING is the single re-enqueue edge used after a retriable
// dispatch failure; the dispatcher allows it at most once per session.
var sessionEdges = map[SessionStatus][]SessionStatus{
	SessionPending:         {SessionScheduled, SessionCancelled},
	SessionScheduled:       {SessionPreparing, SessionCancelled},
	SessionPreparing:       {SessionPulling, SessionCreating, SessionError, SessionTerminating},
	SessionPulling:         {SessionPrepared, SessionError, SessionTerminating},
	SessionPrepared:        {SessionCreating, SessionError, SessionTerminating},
	SessionCreating:        {SessionRunning, SessionError, SessionTerminating},
	SessionRunning:         {SessionRestarting, SessionRunningDegraded, SessionTerminating, SessionError},
	SessionRestarting:      {SessionRunning, SessionError, SessionTerminating},
	SessionRunningDegraded: {SessionRunning, SessionTerminating, SessionError},
	SessionTerminating:     {SessionTerminated, SessionError},
	SessionError:           {SessionPending, SessionTerminating, SessionTerminated},
	SessionTerminated:      {},
	SessionCancelled:       {},
}

// ValidTransition reports whether from -> to is a declared edge.
func ValidTransition(from, to SessionStatus) bool {
	// Forced destroy is legal from any non-terminal state.
	if to == SessionTerminating && !TerminalStatus(from) && from != SessionTerminating {
		return true
	}
	// Fatal failures may land anywhere non-terminal in ERROR.
	if to == SessionError && !TerminalStatus(from) && from != SessionError {
		return true
	}
	for _, next := range sessionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether a session can never transition again.
func TerminalStatus(s SessionStatus) bool {
	return s == SessionTerminated || s == SessionCancelled
}

// ActiveStatus reports whether the session currently holds (or is about
// to hold) agent resources, for accounting purposes.
func ActiveStatus(s SessionStatus) bool {
	switch s {
	case SessionScheduled, SessionPreparing, SessionPulling, SessionPrepared,
		SessionCreating, SessionRunning, SessionRestarting,
		SessionRunningDegraded, SessionTerminating:
		return true
	}
	return false
}
