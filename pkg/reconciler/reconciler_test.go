package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

type fakeTeardown struct {
	mu        sync.Mutex
	destroyed []string
	orphans   []string

	mgr *manager.Manager
}

func (f *fakeTeardown) DestroySession(_ context.Context, sessionID, reason string) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, sessionID)
	f.mu.Unlock()
	if f.mgr == nil {
		return nil
	}
	session, err := f.mgr.GetSession(sessionID)
	if err != nil {
		return err
	}
	if types.TerminalStatus(session.Status) {
		return nil
	}
	if session.Status != types.SessionTerminating {
		if err := f.mgr.TransitSession(&manager.TransitRequest{
			SessionID: sessionID, Next: types.SessionTerminating, Reason: reason,
		}); err != nil {
			return err
		}
	}
	return f.mgr.TransitSession(&manager.TransitRequest{
		SessionID: sessionID, Next: types.SessionTerminated, Reason: reason, Result: types.ResultSuccess,
	})
}

func (f *fakeTeardown) DestroyOrphanKernel(_ context.Context, _, kernelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphans = append(f.orphans, kernelID)
	return nil
}

func testReconcileConfig() *config.Config {
	return &config.Config{
		Reconcile: config.ReconcileConfig{
			Interval:       time.Second,
			AgentLostAfter: time.Minute,
			StateDeadlines: map[string]time.Duration{
				"PREPARING":   10 * time.Minute,
				"TERMINATING": 5 * time.Minute,
			},
			SweepAfter: 24 * time.Hour,
		},
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *manager.Manager, *fakeTeardown) {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{NodeID: "m1", RaftAddr: ":0", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown() })

	teardown := &fakeTeardown{mgr: mgr}
	r := New(mgr, teardown, testReconcileConfig())
	return r, mgr, teardown
}

func addSession(t *testing.T, mgr *manager.Manager, id string, path ...types.SessionStatus) *types.Session {
	t.Helper()
	session := &types.Session{
		ID:            id,
		Owner:         types.Owner{AccessKey: "AK1", UserID: "u1", GroupID: "g1", Domain: "default"},
		ResourceGroup: "default",
		ClusterMode:   types.ClusterSingleNode,
		ClusterSize:   1,
		Requested:     slots.Slots{"cpu": 1000},
		Status:        types.SessionPending,
	}
	require.NoError(t, mgr.EnqueueSession(session))
	for _, status := range path {
		require.NoError(t, mgr.TransitSession(&manager.TransitRequest{SessionID: id, Next: status}))
	}
	got, err := mgr.GetSession(id)
	require.NoError(t, err)
	return got
}

func TestLostAgentDegradesSessions(t *testing.T) {
	r, mgr, _ := newTestReconciler(t)

	require.NoError(t, mgr.UpsertAgent(&types.Agent{
		ID: "a1", ResourceGroup: "default", Status: types.AgentAlive,
		Total: slots.Slots{"cpu": 8000}, Occupied: slots.Slots{"cpu": 2000},
		LastHeartbeat: time.Now().Add(-5 * time.Minute),
	}))
	addSession(t, mgr, "s1",
		types.SessionScheduled, types.SessionPreparing, types.SessionCreating, types.SessionRunning)
	require.NoError(t, mgr.UpsertKernel(&types.Kernel{
		ID: "k1", SessionID: "s1", Role: types.RoleMain, AgentID: "a1",
		Allocated: slots.Slots{"cpu": 2000}, Status: types.KernelRunning,
	}))

	require.NoError(t, r.Reconcile(context.Background()))

	agent, err := mgr.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentLost, agent.Status)

	kernel, err := mgr.GetKernel("k1")
	require.NoError(t, err)
	assert.Equal(t, types.KernelLost, kernel.Status)

	// The only (main) kernel is gone, so the session fails.
	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, session.Status)
}

func TestLostSubKernelDegradesNotFails(t *testing.T) {
	r, mgr, _ := newTestReconciler(t)

	require.NoError(t, mgr.UpsertAgent(&types.Agent{
		ID: "a1", ResourceGroup: "default", Status: types.AgentAlive,
		Total: slots.Slots{"cpu": 8000}, Occupied: slots.Slots{},
		LastHeartbeat: time.Now().Add(-5 * time.Minute),
	}))
	require.NoError(t, mgr.UpsertAgent(&types.Agent{
		ID: "a2", ResourceGroup: "default", Status: types.AgentAlive,
		Total: slots.Slots{"cpu": 8000}, Occupied: slots.Slots{},
		LastHeartbeat: time.Now(),
	}))
	addSession(t, mgr, "s1",
		types.SessionScheduled, types.SessionPreparing, types.SessionCreating, types.SessionRunning)
	require.NoError(t, mgr.UpsertKernel(&types.Kernel{
		ID: "k-main", SessionID: "s1", Role: types.RoleMain, AgentID: "a2",
		Status: types.KernelRunning,
	}))
	require.NoError(t, mgr.UpsertKernel(&types.Kernel{
		ID: "k-sub", SessionID: "s1", Role: types.RoleSub, AgentID: "a1",
		Status: types.KernelRunning,
	}))

	require.NoError(t, r.Reconcile(context.Background()))

	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunningDegraded, session.Status)
}

func TestStuckSessionFailsPastDeadline(t *testing.T) {
	r, mgr, teardown := newTestReconciler(t)
	r.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	addSession(t, mgr, "stuck", types.SessionScheduled, types.SessionPreparing)

	require.NoError(t, r.Reconcile(context.Background()))

	session, err := mgr.GetSession("stuck")
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, session.Status)
	assert.Contains(t, teardown.destroyed, "stuck")
}

func TestStuckTerminatingForcesTeardown(t *testing.T) {
	r, mgr, teardown := newTestReconciler(t)
	r.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	addSession(t, mgr, "s1",
		types.SessionScheduled, types.SessionPreparing, types.SessionCreating,
		types.SessionRunning, types.SessionTerminating)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.Contains(t, teardown.destroyed, "s1")
	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, session.Status)
}

func TestIdleTimeoutExpiresSession(t *testing.T) {
	r, mgr, teardown := newTestReconciler(t)

	session := &types.Session{
		ID:            "s1",
		Owner:         types.Owner{AccessKey: "AK1", UserID: "u1", GroupID: "g1", Domain: "default"},
		ResourceGroup: "default",
		ClusterMode:   types.ClusterSingleNode,
		ClusterSize:   1,
		Requested:     slots.Slots{"cpu": 1000},
		Status:        types.SessionPending,
		IdleTimeout:   time.Minute,
	}
	require.NoError(t, mgr.EnqueueSession(session))
	for _, status := range []types.SessionStatus{
		types.SessionScheduled, types.SessionPreparing, types.SessionCreating, types.SessionRunning,
	} {
		require.NoError(t, mgr.TransitSession(&manager.TransitRequest{SessionID: "s1", Next: status}))
	}
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Contains(t, teardown.destroyed, "s1")
}

func TestOrphanContainerDestroyed(t *testing.T) {
	r, mgr, teardown := newTestReconciler(t)

	require.NoError(t, mgr.UpsertAgent(&types.Agent{
		ID: "a1", ResourceGroup: "default", Status: types.AgentAlive,
		Total: slots.Slots{"cpu": 8000}, Occupied: slots.Slots{},
		LastHeartbeat:  time.Now(),
		RunningKernels: []string{"ghost"},
	}))

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, []string{"ghost"}, teardown.orphans)
}

func TestVanishedKernelMarkedLost(t *testing.T) {
	r, mgr, _ := newTestReconciler(t)

	require.NoError(t, mgr.UpsertAgent(&types.Agent{
		ID: "a1", ResourceGroup: "default", Status: types.AgentAlive,
		Total: slots.Slots{"cpu": 8000}, Occupied: slots.Slots{},
		LastHeartbeat:  time.Now(),
		RunningKernels: nil, // kernel no longer reported
	}))
	addSession(t, mgr, "s1",
		types.SessionScheduled, types.SessionPreparing, types.SessionCreating, types.SessionRunning)
	require.NoError(t, mgr.UpsertKernel(&types.Kernel{
		ID: "k1", SessionID: "s1", Role: types.RoleMain, AgentID: "a1",
		Status:    types.KernelRunning,
		StartedAt: time.Now().Add(-10 * time.Minute),
	}))

	require.NoError(t, r.Reconcile(context.Background()))

	kernel, err := mgr.GetKernel("k1")
	require.NoError(t, err)
	assert.Equal(t, types.KernelLost, kernel.Status)
}

func TestTerminalSessionsSwept(t *testing.T) {
	r, mgr, _ := newTestReconciler(t)

	addSession(t, mgr, "old",
		types.SessionScheduled, types.SessionPreparing, types.SessionCreating,
		types.SessionRunning, types.SessionTerminating, types.SessionTerminated)
	require.NoError(t, mgr.UpsertKernel(&types.Kernel{
		ID: "k1", SessionID: "old", Role: types.RoleMain, Status: types.KernelTerminated,
	}))

	r.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	require.NoError(t, r.Reconcile(context.Background()))

	_, err := mgr.GetSession("old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mgr.GetKernel("k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecentTerminalSessionKept(t *testing.T) {
	r, mgr, _ := newTestReconciler(t)

	addSession(t, mgr, "recent",
		types.SessionScheduled, types.SessionPreparing, types.SessionCreating,
		types.SessionRunning, types.SessionTerminating, types.SessionTerminated)

	require.NoError(t, r.Reconcile(context.Background()))

	_, err := mgr.GetSession("recent")
	assert.NoError(t, err)
}
