package scheduler

import (
	"fmt"

	"github.com/hivecompute/hive/pkg/accounting"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

// AgentSnapshot is an immutable view of one agent taken at cycle start.
// Policies never see live records; the cycle deducts from Free as it
// places and rolls the deduction back if a joint placement fails.
type AgentSnapshot struct {
	ID          string
	Arch        string
	Free        slots.Slots
	Occupied    slots.Slots
	KernelCount int
}

func snapshotAgents(agents []*types.Agent) []*AgentSnapshot {
	snapshots := make([]*AgentSnapshot, 0, len(agents))
	for _, agent := range agents {
		if agent.Status != types.AgentAlive {
			continue // lost, draining and terminated agents take no new kernels
		}
		snapshots = append(snapshots, &AgentSnapshot{
			ID:          agent.ID,
			Arch:        agent.Arch,
			Free:        accounting.AgentFree(agent),
			Occupied:    agent.Occupied.Clone(),
			KernelCount: len(agent.RunningKernels),
		})
	}
	return snapshots
}

// AgentPolicy picks one agent for a kernel-sized request out of the
// candidates that fit. Returning nil means nothing fits.
type AgentPolicy interface {
	Name() string
	Select(req slots.Slots, arch string, agents []*AgentSnapshot) *AgentSnapshot
}

// CustomSelect lets deployments plug their own ranking. It receives
// only candidates that already fit the request.
type CustomSelect func(req slots.Slots, candidates []*AgentSnapshot) *AgentSnapshot

// NewAgentPolicy resolves a configured policy name. custom may be nil
// unless name is "custom".
func NewAgentPolicy(name string, custom CustomSelect) (AgentPolicy, error) {
	switch name {
	case "concentrated":
		return concentratedPolicy{}, nil
	case "dispersed":
		return dispersedPolicy{}, nil
	case "custom":
		if custom == nil {
			return nil, fmt.Errorf("custom agent policy requires a selector hook")
		}
		return customPolicy{hook: custom}, nil
	default:
		return nil, fmt.Errorf("unknown agent policy %q", name)
	}
}

func fitting(req slots.Slots, arch string, agents []*AgentSnapshot) []*AgentSnapshot {
	var out []*AgentSnapshot
	for _, a := range agents {
		if arch != "" && a.Arch != "" && a.Arch != arch {
			continue
		}
		if req.Fits(a.Free) {
			out = append(out, a)
		}
	}
	return out
}

// remainderAfter scores how much free capacity would be left, summed
// over the request's slot names. Lower means tighter packing.
func remainderAfter(req slots.Slots, agent *AgentSnapshot) int64 {
	var remainder int64
	for name := range req {
		remainder += agent.Free[name] - req[name]
	}
	return remainder
}

// concentratedPolicy bin-packs: it picks the fitting agent that would
// be left with the least slack, so large requests keep whole agents
// available.
type concentratedPolicy struct{}

func (concentratedPolicy) Name() string { return "concentrated" }

func (concentratedPolicy) Select(req slots.Slots, arch string, agents []*AgentSnapshot) *AgentSnapshot {
	var best *AgentSnapshot
	var bestRemainder int64
	for _, a := range fitting(req, arch, agents) {
		r := remainderAfter(req, a)
		if best == nil || r < bestRemainder || (r == bestRemainder && a.ID < best.ID) {
			best, bestRemainder = a, r
		}
	}
	return best
}

// dispersedPolicy spreads load: it picks the fitting agent with the
// most slack.
type dispersedPolicy struct{}

func (dispersedPolicy) Name() string { return "dispersed" }

func (dispersedPolicy) Select(req slots.Slots, arch string, agents []*AgentSnapshot) *AgentSnapshot {
	var best *AgentSnapshot
	var bestRemainder int64
	for _, a := range fitting(req, arch, agents) {
		r := remainderAfter(req, a)
		if best == nil || r > bestRemainder || (r == bestRemainder && a.ID < best.ID) {
			best, bestRemainder = a, r
		}
	}
	return best
}

type customPolicy struct {
	hook CustomSelect
}

func (customPolicy) Name() string { return "custom" }

func (p customPolicy) Select(req slots.Slots, arch string, agents []*AgentSnapshot) *AgentSnapshot {
	candidates := fitting(req, arch, agents)
	if len(candidates) == 0 {
		return nil
	}
	return p.hook(req, candidates)
}

// placement is one kernel-to-agent assignment within a cycle.
type placement struct {
	agentID   string
	allocated slots.Slots
}

// placeSession assigns every kernel of the session, deducting from the
// snapshots as it goes. On failure all deductions are rolled back and
// nil is returned.
//
// Single-node sessions need one agent fitting cluster_size * requested;
// multi-node sessions place each kernel independently.
func placeSession(session *types.Session, policy AgentPolicy, agents []*AgentSnapshot) []placement {
	size := session.ClusterSize
	if size < 1 {
		size = 1
	}

	if session.ClusterMode == types.ClusterSingleNode {
		combined := session.Requested.Scale(int64(size))
		agent := policy.Select(combined, session.Arch, agents)
		if agent == nil {
			return nil
		}
		deduct(agent, combined)
		placements := make([]placement, size)
		for i := range placements {
			placements[i] = placement{agentID: agent.ID, allocated: session.Requested.Clone()}
		}
		return placements
	}

	placements := make([]placement, 0, size)
	var charged []*AgentSnapshot
	for i := 0; i < size; i++ {
		agent := policy.Select(session.Requested, session.Arch, agents)
		if agent == nil {
			// Joint placement is all-or-nothing: undo what this session
			// already took from the snapshots.
			for j, a := range charged {
				a.Free = a.Free.Add(placements[j].allocated)
				a.KernelCount--
			}
			return nil
		}
		deduct(agent, session.Requested)
		charged = append(charged, agent)
		placements = append(placements, placement{agentID: agent.ID, allocated: session.Requested.Clone()})
	}
	return placements
}

func deduct(agent *AgentSnapshot, req slots.Slots) {
	free, err := agent.Free.Sub(req)
	if err != nil {
		// Select guaranteed fit; a failure here is a snapshot bug.
		panic(fmt.Sprintf("placement underflow on agent %s: %v", agent.ID, err))
	}
	agent.Free = free
	agent.KernelCount++
}
