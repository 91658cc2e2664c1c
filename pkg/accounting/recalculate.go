package accounting

import (
	"fmt"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// Drift records one disagreement between the live occupancy counters
// and what the ledger replay says they should be.
type Drift struct {
	AgentID  string
	Slot     string
	Live     int64
	Replayed int64
}

func (d Drift) String() string {
	return fmt.Sprintf("agent %s slot %s: live=%d replayed=%d", d.AgentID, d.Slot, d.Live, d.Replayed)
}

// Report is the outcome of a full ledger recalculation.
type Report struct {
	Replay *Replay
	Drifts []Drift
}

// Recalculate replays the whole ledger and compares the result against
// the agents' live Occupied counters. It never mutates the store; the
// caller decides whether to apply the replayed values.
func Recalculate(store storage.Store) (*Report, error) {
	entries, err := store.ListLedger()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	replay, err := ReplayLedger(entries)
	if err != nil {
		return nil, err
	}

	agents, err := store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	report := &Report{Replay: replay}
	for _, agent := range agents {
		report.Drifts = append(report.Drifts, diffAgent(agent, replay.AgentOccupied[agent.ID])...)
	}
	// Replayed occupancy on agents the store no longer knows is drift too.
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.ID] = true
	}
	for id, occupied := range replay.AgentOccupied {
		if known[id] || !occupied.Any() {
			continue
		}
		for _, name := range occupied.Names() {
			report.Drifts = append(report.Drifts, Drift{AgentID: id, Slot: name, Replayed: occupied[name]})
		}
	}
	return report, nil
}

func diffAgent(agent *types.Agent, replayed slots.Slots) []Drift {
	var drifts []Drift
	seen := make(map[string]bool)
	for _, name := range agent.Occupied.Names() {
		seen[name] = true
		if agent.Occupied[name] != replayed[name] {
			drifts = append(drifts, Drift{AgentID: agent.ID, Slot: name, Live: agent.Occupied[name], Replayed: replayed[name]})
		}
	}
	for _, name := range replayed.Names() {
		if !seen[name] && replayed[name] != 0 {
			drifts = append(drifts, Drift{AgentID: agent.ID, Slot: name, Replayed: replayed[name]})
		}
	}
	return drifts
}
