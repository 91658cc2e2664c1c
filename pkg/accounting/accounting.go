package accounting

import (
	"fmt"
	"time"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

// AgentFree returns the slots still allocatable on an agent. Slot names
// present in Occupied but absent from Total count as zero capacity.
func AgentFree(agent *types.Agent) slots.Slots {
	free := agent.Total.Clone()
	for name, used := range agent.Occupied {
		if used >= free[name] {
			free[name] = 0
		} else {
			free[name] -= used
		}
	}
	return free
}

// ScopeRemaining returns how much of a scope's limit is left given its
// current occupancy. Unlimited slot entries stay unlimited.
func ScopeRemaining(limit, occupied slots.Slots) slots.Slots {
	remaining := limit.Clone()
	for name, used := range occupied {
		cap, ok := remaining[name]
		if !ok || cap == slots.Unlimited {
			continue
		}
		if used >= cap {
			remaining[name] = 0
		} else {
			remaining[name] = cap - used
		}
	}
	return remaining
}

// ReserveEntries builds the ledger entries recording a kernel's
// resource reservation against the agent and every owner scope.
func ReserveEntries(session *types.Session, kernel *types.Kernel) []*types.LedgerEntry {
	return []*types.LedgerEntry{{
		SessionID: session.ID,
		KernelID:  kernel.ID,
		AgentID:   kernel.AgentID,
		Scopes:    session.Owner.Scopes(),
		Delta:     kernel.Allocated.Clone(),
		Direction: types.LedgerReserve,
		At:        time.Now(),
	}}
}

// ConfirmEntries marks a reservation as backed by a started container.
// Confirmation does not change occupancy totals; it exists so replay
// can distinguish live usage from reservations that never materialized.
func ConfirmEntries(session *types.Session, kernel *types.Kernel) []*types.LedgerEntry {
	return []*types.LedgerEntry{{
		SessionID: session.ID,
		KernelID:  kernel.ID,
		AgentID:   kernel.AgentID,
		Scopes:    session.Owner.Scopes(),
		Delta:     kernel.Allocated.Clone(),
		Direction: types.LedgerConfirm,
		At:        time.Now(),
	}}
}

// ReleaseEntries returns a kernel's reservation to the pool.
func ReleaseEntries(session *types.Session, kernel *types.Kernel) []*types.LedgerEntry {
	return []*types.LedgerEntry{{
		SessionID: session.ID,
		KernelID:  kernel.ID,
		AgentID:   kernel.AgentID,
		Scopes:    session.Owner.Scopes(),
		Delta:     kernel.Allocated.Clone(),
		Direction: types.LedgerRelease,
		At:        time.Now(),
	}}
}

// Replay is the occupancy state reconstructed from the ledger alone.
type Replay struct {
	AgentOccupied map[string]slots.Slots // agent id -> occupied
	ScopeOccupied map[string]slots.Slots // scope key -> occupied
	// Unreleased holds per-kernel outstanding reservations. A kernel
	// with a release entry drops out; one without is still occupying.
	Unreleased map[string]slots.Slots
	// Unconfirmed marks kernels reserved but never confirmed, i.e.
	// scheduled placements whose container never reported started.
	Unconfirmed map[string]bool
}

// ReplayLedger folds the ledger into occupancy totals. Entries must be
// in append order; the store returns them that way.
func ReplayLedger(entries []*types.LedgerEntry) (*Replay, error) {
	r := &Replay{
		AgentOccupied: make(map[string]slots.Slots),
		ScopeOccupied: make(map[string]slots.Slots),
		Unreleased:    make(map[string]slots.Slots),
		Unconfirmed:   make(map[string]bool),
	}

	for _, e := range entries {
		switch e.Direction {
		case types.LedgerReserve:
			addInto(r.AgentOccupied, e.AgentID, e.Delta)
			for _, scope := range e.Scopes {
				addInto(r.ScopeOccupied, scope.Key(), e.Delta)
			}
			addInto(r.Unreleased, e.KernelID, e.Delta)
			r.Unconfirmed[e.KernelID] = true

		case types.LedgerConfirm:
			delete(r.Unconfirmed, e.KernelID)

		case types.LedgerRelease:
			if err := subFrom(r.AgentOccupied, e.AgentID, e.Delta); err != nil {
				return nil, fmt.Errorf("ledger seq %d: release exceeds reservation on agent %s: %w", e.Seq, e.AgentID, err)
			}
			for _, scope := range e.Scopes {
				if err := subFrom(r.ScopeOccupied, scope.Key(), e.Delta); err != nil {
					return nil, fmt.Errorf("ledger seq %d: release exceeds reservation in scope %s: %w", e.Seq, scope.Key(), err)
				}
			}
			delete(r.Unreleased, e.KernelID)
			delete(r.Unconfirmed, e.KernelID)

		default:
			return nil, fmt.Errorf("ledger seq %d: unknown direction %q", e.Seq, e.Direction)
		}
	}
	return r, nil
}

func addInto(m map[string]slots.Slots, key string, delta slots.Slots) {
	m[key] = m[key].Add(delta)
}

func subFrom(m map[string]slots.Slots, key string, delta slots.Slots) error {
	next, err := m[key].Sub(delta)
	if err != nil {
		return err
	}
	m[key] = next
	return nil
}
