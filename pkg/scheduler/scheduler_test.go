package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			TickInterval:      time.Second,
			SessionPolicy:     "fifo",
			AgentPolicy:       "concentrated",
			HOLBlockThreshold: 2,
		},
		Lock: config.LockConfig{TTL: 30 * time.Second},
	}
}

func newTestScheduler(t *testing.T, cfg *config.Config) (*Scheduler, *manager.Manager) {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{NodeID: "m1", RaftAddr: ":0", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown() })

	s, err := New("default", mgr, nil, cfg, nil)
	require.NoError(t, err)
	return s, mgr
}

func addAgent(t *testing.T, mgr *manager.Manager, id string, cpu int64) {
	t.Helper()
	require.NoError(t, mgr.UpsertAgent(&types.Agent{
		ID:            id,
		ResourceGroup: "default",
		Status:        types.AgentAlive,
		Total:         slots.Slots{"cpu": cpu, "mem": 64 << 30},
		Occupied:      slots.Slots{},
	}))
}

func enqueue(t *testing.T, mgr *manager.Manager, session *types.Session) {
	t.Helper()
	session.Status = types.SessionPending
	if session.ResourceGroup == "" {
		session.ResourceGroup = "default"
	}
	if session.Owner.AccessKey == "" {
		session.Owner = types.Owner{AccessKey: "AK1", UserID: "u1", GroupID: "g1", Domain: "default"}
	}
	if session.ClusterMode == "" {
		session.ClusterMode = types.ClusterSingleNode
		session.ClusterSize = 1
	}
	require.NoError(t, mgr.EnqueueSession(session))
}

func TestCyclePlacesAndCommits(t *testing.T) {
	s, mgr := newTestScheduler(t, testConfig())
	addAgent(t, mgr, "a1", 8000)
	enqueue(t, mgr, &types.Session{ID: "s1", Requested: slots.Slots{"cpu": 2000}})

	result, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Placed)

	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, session.Status)
	assert.Equal(t, uint64(2), session.StatusVersion)

	kernels, err := mgr.ListKernelsBySession("s1")
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, "a1", kernels[0].AgentID)
	assert.Equal(t, types.RoleMain, kernels[0].Role)
	assert.Equal(t, types.KernelScheduled, kernels[0].Status)

	agent, err := mgr.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), agent.Occupied["cpu"])

	ledger, err := mgr.ListLedger()
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, types.LedgerReserve, ledger[0].Direction)

	state, err := mgr.GetSchedulerState("default")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.FencedToken)
}

func TestCycleNoHeadOfLineBlocking(t *testing.T) {
	s, mgr := newTestScheduler(t, testConfig())
	addAgent(t, mgr, "a1", 4000)

	// The oversized session arrived first but must not block the small
	// one behind it.
	enqueue(t, mgr, &types.Session{ID: "big", Requested: slots.Slots{"cpu": 8000},
		EnqueuedAt: time.Now().Add(-time.Hour)})
	enqueue(t, mgr, &types.Session{ID: "small", Requested: slots.Slots{"cpu": 1000}})

	result, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Placed)

	small, err := mgr.GetSession("small")
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, small.Status)

	big, err := mgr.GetSession("big")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, big.Status)

	// Failed placements accrue retries for the HoL demotion.
	state, err := mgr.GetSchedulerState("default")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Retries["big"])

	_, err = s.RunCycle(context.Background(), 2)
	require.NoError(t, err)
	state, err = mgr.GetSchedulerState("default")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Retries["big"])
}

func TestCycleMultiNodeAllOrNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.AgentPolicy = "dispersed"
	s, mgr := newTestScheduler(t, cfg)
	addAgent(t, mgr, "a1", 3000)
	addAgent(t, mgr, "a2", 3000)

	enqueue(t, mgr, &types.Session{
		ID:          "cluster",
		ClusterMode: types.ClusterMultiNode,
		ClusterSize: 3,
		Requested:   slots.Slots{"cpu": 3000},
		EnqueuedAt:  time.Now().Add(-time.Minute),
	})
	enqueue(t, mgr, &types.Session{ID: "single", Requested: slots.Slots{"cpu": 3000}})

	result, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Placed)

	// The partial cluster placement rolled back, leaving room for the
	// single-node session; no cluster kernels leaked.
	kernels, err := mgr.ListKernelsBySession("cluster")
	require.NoError(t, err)
	assert.Empty(t, kernels)

	single, err := mgr.GetSession("single")
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, single.Status)
}

func TestCycleKernelRolesIndexedPerRole(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.AgentPolicy = "dispersed"
	s, mgr := newTestScheduler(t, cfg)
	addAgent(t, mgr, "a1", 3000)
	addAgent(t, mgr, "a2", 3000)
	addAgent(t, mgr, "a3", 3000)

	enqueue(t, mgr, &types.Session{
		ID:          "cluster",
		ClusterMode: types.ClusterMultiNode,
		ClusterSize: 3,
		Requested:   slots.Slots{"cpu": 2000},
	})

	result, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Placed)

	kernels, err := mgr.ListKernelsBySession("cluster")
	require.NoError(t, err)
	require.Len(t, kernels, 3)

	subIndices := make([]int, 0, 2)
	for _, k := range kernels {
		switch k.Role {
		case types.RoleMain:
			assert.Equal(t, 1, k.Index, "main kernel is main1")
		case types.RoleSub:
			subIndices = append(subIndices, k.Index)
		}
	}
	assert.ElementsMatch(t, []int{1, 2}, subIndices)
}

func TestCycleBatchDependencyGate(t *testing.T) {
	s, mgr := newTestScheduler(t, testConfig())
	addAgent(t, mgr, "a1", 8000)

	enqueue(t, mgr, &types.Session{ID: "upstream", Requested: slots.Slots{"cpu": 1000}})
	enqueue(t, mgr, &types.Session{
		ID:        "downstream",
		Type:      types.SessionBatch,
		DependsOn: []string{"upstream"},
		Requested: slots.Slots{"cpu": 1000},
	})

	result, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Placed)

	down, err := mgr.GetSession("downstream")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, down.Status)

	// Dependency waits are predicates: no retry counter.
	state, err := mgr.GetSchedulerState("default")
	require.NoError(t, err)
	assert.Zero(t, state.Retries["downstream"])

	// Drive the upstream session to a successful end; the gate opens.
	for _, next := range []types.SessionStatus{
		types.SessionPreparing, types.SessionCreating, types.SessionRunning, types.SessionTerminating,
	} {
		require.NoError(t, mgr.TransitSession(&manager.TransitRequest{SessionID: "upstream", Next: next}))
	}
	require.NoError(t, mgr.TransitSession(&manager.TransitRequest{
		SessionID: "upstream", Next: types.SessionTerminated, Result: types.ResultSuccess,
	}))

	result, err = s.RunCycle(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Placed)
}

func TestCycleQuotaPredicate(t *testing.T) {
	s, mgr := newTestScheduler(t, testConfig())
	addAgent(t, mgr, "a1", 16000)

	require.NoError(t, mgr.SavePolicy("keypair:AK1", &types.ResourcePolicy{
		TotalSlots: slots.Slots{"cpu": 2000},
	}))
	enqueue(t, mgr, &types.Session{ID: "greedy", Requested: slots.Slots{"cpu": 4000}})

	result, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, result.Placed)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, OutcomeSkipped, result.Decisions[0].Outcome)
	assert.Contains(t, result.Decisions[0].Reason, "quota")
}

func TestCycleStartsAtPredicate(t *testing.T) {
	s, mgr := newTestScheduler(t, testConfig())
	addAgent(t, mgr, "a1", 8000)

	future := time.Now().Add(time.Hour)
	enqueue(t, mgr, &types.Session{ID: "later", Requested: slots.Slots{"cpu": 1000}, StartsAt: &future})

	result, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, OutcomeSkipped, result.Decisions[0].Outcome)

	// A start time already in the past schedules immediately.
	past := time.Now().Add(-time.Hour)
	enqueue(t, mgr, &types.Session{ID: "now", Requested: slots.Slots{"cpu": 1000}, StartsAt: &past})
	result, err = s.RunCycle(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Placed)
}

func TestCycleStaleTokenRejected(t *testing.T) {
	s, mgr := newTestScheduler(t, testConfig())
	addAgent(t, mgr, "a1", 8000)
	enqueue(t, mgr, &types.Session{ID: "s1", Requested: slots.Slots{"cpu": 1000}})

	_, err := s.RunCycle(context.Background(), 5)
	require.NoError(t, err)

	// A deposed leader committing with an older lease token is fenced.
	enqueue(t, mgr, &types.Session{ID: "s2", Requested: slots.Slots{"cpu": 1000}})
	_, err = s.RunCycle(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStaleToken)

	s2, err := mgr.GetSession("s2")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, s2.Status)
}
