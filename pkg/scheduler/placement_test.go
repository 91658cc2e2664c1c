package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

func snap(id string, freeCPU int64) *AgentSnapshot {
	return &AgentSnapshot{ID: id, Free: slots.Slots{"cpu": freeCPU, "mem": 64 << 30}}
}

func TestConcentratedPacksTightest(t *testing.T) {
	policy, err := NewAgentPolicy("concentrated", nil)
	require.NoError(t, err)

	agents := []*AgentSnapshot{snap("roomy", 8000), snap("tight", 3000), snap("full", 1000)}
	picked := policy.Select(slots.Slots{"cpu": 2000}, "", agents)
	require.NotNil(t, picked)
	assert.Equal(t, "tight", picked.ID)
}

func TestDispersedSpreads(t *testing.T) {
	policy, err := NewAgentPolicy("dispersed", nil)
	require.NoError(t, err)

	agents := []*AgentSnapshot{snap("roomy", 8000), snap("tight", 3000)}
	picked := policy.Select(slots.Slots{"cpu": 2000}, "", agents)
	require.NotNil(t, picked)
	assert.Equal(t, "roomy", picked.ID)
}

func TestSelectRespectsArch(t *testing.T) {
	policy, err := NewAgentPolicy("concentrated", nil)
	require.NoError(t, err)

	agents := []*AgentSnapshot{
		{ID: "x86", Arch: "x86_64", Free: slots.Slots{"cpu": 8000}},
		{ID: "arm", Arch: "aarch64", Free: slots.Slots{"cpu": 8000}},
	}
	picked := policy.Select(slots.Slots{"cpu": 1000}, "aarch64", agents)
	require.NotNil(t, picked)
	assert.Equal(t, "arm", picked.ID)

	assert.Nil(t, policy.Select(slots.Slots{"cpu": 1000}, "riscv", agents))
}

func TestCustomPolicySeesOnlyFittingCandidates(t *testing.T) {
	var seen []string
	policy, err := NewAgentPolicy("custom", func(req slots.Slots, candidates []*AgentSnapshot) *AgentSnapshot {
		for _, c := range candidates {
			seen = append(seen, c.ID)
		}
		return candidates[len(candidates)-1]
	})
	require.NoError(t, err)

	agents := []*AgentSnapshot{snap("a1", 8000), snap("a2", 500), snap("a3", 4000)}
	picked := policy.Select(slots.Slots{"cpu": 1000}, "", agents)
	require.NotNil(t, picked)
	assert.Equal(t, []string{"a1", "a3"}, seen)
	assert.Equal(t, "a3", picked.ID)
}

func TestPlaceSingleNodeNeedsCombinedFit(t *testing.T) {
	policy, err := NewAgentPolicy("concentrated", nil)
	require.NoError(t, err)

	session := &types.Session{
		ID:          "s1",
		ClusterMode: types.ClusterSingleNode,
		ClusterSize: 3,
		Requested:   slots.Slots{"cpu": 2000},
	}

	// 3 * 2000 does not fit either 4000-cpu agent.
	agents := []*AgentSnapshot{snap("a1", 4000), snap("a2", 4000)}
	assert.Nil(t, placeSession(session, policy, agents))

	// One agent with 6000 takes all three kernels.
	agents = append(agents, snap("a3", 6000))
	placements := placeSession(session, policy, agents)
	require.Len(t, placements, 3)
	for _, p := range placements {
		assert.Equal(t, "a3", p.agentID)
		assert.Equal(t, int64(2000), p.allocated["cpu"])
	}
	assert.Equal(t, int64(0), agents[2].Free["cpu"])
}

func TestPlaceMultiNodeRollsBackOnPartialFailure(t *testing.T) {
	policy, err := NewAgentPolicy("dispersed", nil)
	require.NoError(t, err)

	session := &types.Session{
		ID:          "s1",
		ClusterMode: types.ClusterMultiNode,
		ClusterSize: 3,
		Requested:   slots.Slots{"cpu": 3000},
	}

	// Two agents fit one kernel each; the third kernel has nowhere to
	// go, so the whole placement must unwind.
	agents := []*AgentSnapshot{snap("a1", 3000), snap("a2", 3000)}
	assert.Nil(t, placeSession(session, policy, agents))

	// Snapshot capacity is fully restored for the rest of the cycle.
	assert.Equal(t, int64(3000), agents[0].Free["cpu"])
	assert.Equal(t, int64(3000), agents[1].Free["cpu"])
	assert.Equal(t, 0, agents[0].KernelCount)
	assert.Equal(t, 0, agents[1].KernelCount)
}

func TestPlaceMultiNodeSpansAgents(t *testing.T) {
	policy, err := NewAgentPolicy("dispersed", nil)
	require.NoError(t, err)

	session := &types.Session{
		ID:          "s1",
		ClusterMode: types.ClusterMultiNode,
		ClusterSize: 2,
		Requested:   slots.Slots{"cpu": 3000},
	}
	agents := []*AgentSnapshot{snap("a1", 4000), snap("a2", 4000)}

	placements := placeSession(session, policy, agents)
	require.Len(t, placements, 2)
	assert.NotEqual(t, placements[0].agentID, placements[1].agentID)
}

func TestSnapshotAgentsExcludesUnusable(t *testing.T) {
	agents := []*types.Agent{
		{ID: "alive", Status: types.AgentAlive, Total: slots.Slots{"cpu": 8000}, Occupied: slots.Slots{"cpu": 2000}},
		{ID: "draining", Status: types.AgentDraining, Total: slots.Slots{"cpu": 8000}},
		{ID: "lost", Status: types.AgentLost, Total: slots.Slots{"cpu": 8000}},
	}
	snapshots := snapshotAgents(agents)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "alive", snapshots[0].ID)
	assert.Equal(t, int64(6000), snapshots[0].Free["cpu"])
}
