package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecompute/hive/pkg/accounting"
	"github.com/hivecompute/hive/pkg/agentrpc"
	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// fakeConn records calls and lets tests inject per-kernel failures.
type fakeConn struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	attempts  map[string][]uint64 // kernel id -> attempt seqs seen

	failCreate  map[string]error         // kernel id -> error to return
	delayCreate map[string]time.Duration // kernel id -> create latency
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		attempts:    make(map[string][]uint64),
		failCreate:  make(map[string]error),
		delayCreate: make(map[string]time.Duration),
	}
}

func (f *fakeConn) CreateKernel(_ context.Context, req *agentrpc.CreateKernelRequest) (*agentrpc.CreateKernelResponse, error) {
	if delay := f.delayCreate[req.Kernel.ID]; delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[req.Kernel.ID] = append(f.attempts[req.Kernel.ID], req.Meta.AttemptSeq)
	if err := f.failCreate[req.Kernel.ID]; err != nil {
		return nil, err
	}
	f.created = append(f.created, req.Kernel.ID)
	return &agentrpc.CreateKernelResponse{ContainerID: "ctr-" + req.Kernel.ID}, nil
}

func (f *fakeConn) DestroyKernel(_ context.Context, req *agentrpc.DestroyKernelRequest) (*agentrpc.DestroyKernelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, req.KernelID)
	return &agentrpc.DestroyKernelResponse{ExitCode: 0}, nil
}

func (f *fakeConn) Interrupt(_ context.Context, req *agentrpc.InterruptRequest) (*agentrpc.InterruptResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[req.KernelID] = append(f.attempts[req.KernelID], req.Meta.AttemptSeq)
	return &agentrpc.InterruptResponse{}, nil
}

func (f *fakeConn) Restart(_ context.Context, req *agentrpc.RestartRequest) (*agentrpc.RestartResponse, error) {
	return &agentrpc.RestartResponse{ContainerID: "ctr2-" + req.KernelID}, nil
}

func (f *fakeConn) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func testDispatchConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{TickInterval: time.Second},
		Dispatch: config.DispatchConfig{
			CreateTimeout:      5 * time.Second,
			DestroyTimeout:     5 * time.Second,
			InterruptTimeout:   time.Second,
			ConcurrencyBudget:  4,
			RetryCooldown:      10 * time.Millisecond,
			MaxDispatchRetries: 1,
		},
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *manager.Manager, *fakeConn) {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{NodeID: "m1", RaftAddr: ":0", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown() })

	conn := newFakeConn()
	d := New(mgr, testDispatchConfig(), func(string) (AgentConn, error) { return conn, nil }, nil)
	return d, mgr, conn
}

// stageScheduled puts a session into SCHEDULED with its kernels placed,
// the agent charged and the reservations on the ledger, the way a
// scheduling cycle leaves them.
func stageScheduled(t *testing.T, mgr *manager.Manager, sessionID string, kernelCount int) (*types.Session, []*types.Kernel) {
	t.Helper()
	session := &types.Session{
		ID:            sessionID,
		Owner:         types.Owner{AccessKey: "AK1", UserID: "u1", GroupID: "g1", Domain: "default"},
		ResourceGroup: "default",
		ClusterMode:   types.ClusterSingleNode,
		ClusterSize:   kernelCount,
		Requested:     slots.Slots{"cpu": 1000},
		Status:        types.SessionPending,
	}
	if kernelCount > 1 {
		session.ClusterMode = types.ClusterMultiNode
	}
	require.NoError(t, mgr.EnqueueSession(session))
	require.NoError(t, mgr.TransitSession(&manager.TransitRequest{
		SessionID: sessionID, Next: types.SessionScheduled,
	}))

	agent := &types.Agent{
		ID:            "a1",
		Addr:          "127.0.0.1:7200",
		ResourceGroup: "default",
		Status:        types.AgentAlive,
		Total:         slots.Slots{"cpu": 8000},
		Occupied:      slots.Slots{"cpu": int64(kernelCount) * 1000},
	}
	require.NoError(t, mgr.UpsertAgent(agent))

	var kernels []*types.Kernel
	var reserves []*types.LedgerEntry
	for i := 0; i < kernelCount; i++ {
		role, index := types.RoleSub, i
		if i == 0 {
			role, index = types.RoleMain, 1
		}
		kernel := &types.Kernel{
			ID:        sessionID + "-k" + string(rune('0'+i)),
			SessionID: sessionID,
			Role:      role,
			Index:     index,
			Allocated: slots.Slots{"cpu": 1000},
			AgentID:   "a1",
			Status:    types.KernelScheduled,
		}
		require.NoError(t, mgr.UpsertKernel(kernel))
		kernels = append(kernels, kernel)
		reserves = append(reserves, accounting.ReserveEntries(session, kernel)...)
	}
	require.NoError(t, mgr.AppendLedger(reserves))

	session, err := mgr.GetSession(sessionID)
	require.NoError(t, err)
	return session, kernels
}

func TestDispatchHappyPath(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	stageScheduled(t, mgr, "s1", 1)

	require.NoError(t, d.DispatchSession(context.Background(), "s1"))

	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, session.Status)

	kernels, err := mgr.ListKernelsBySession("s1")
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, types.KernelRunning, kernels[0].Status)
	assert.Equal(t, "ctr-"+kernels[0].ID, kernels[0].ContainerID)
	assert.Equal(t, uint64(1), kernels[0].AttemptSeq)

	// The reservation is confirmed, not re-counted.
	entries, err := mgr.ListLedger()
	require.NoError(t, err)
	replay, err := accounting.ReplayLedger(entries)
	require.NoError(t, err)
	assert.False(t, replay.Unconfirmed[kernels[0].ID])
	assert.Equal(t, int64(1000), replay.AgentOccupied["a1"]["cpu"])

	assert.Len(t, conn.created, 1)
}

func TestDispatchSameAgentCreatesInOrder(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	_, kernels := stageScheduled(t, mgr, "s1", 3)

	// Slow the main create down; the subs on the same agent must still
	// wait behind it rather than land first.
	conn.delayCreate[kernels[0].ID] = 50 * time.Millisecond

	require.NoError(t, d.DispatchSession(context.Background(), "s1"))

	require.Len(t, conn.created, 3)
	assert.Equal(t, kernels[0].ID, conn.created[0], "main kernel creates first")
	assert.Equal(t, []string{kernels[1].ID, kernels[2].ID}, conn.created[1:])
}

func TestDispatchRollbackLeavesNoKernels(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	_, kernels := stageScheduled(t, mgr, "s1", 3)

	// One member of the cluster fails permanently; the two that came up
	// must be torn down again.
	conn.failCreate[kernels[1].ID] = types.NewError(types.KindPermanent, "image rejected", nil)

	err := d.DispatchSession(context.Background(), "s1")
	require.Error(t, err)

	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, session.Status)

	for _, id := range conn.created {
		assert.Contains(t, conn.destroyedIDs(), id)
	}

	// Every reservation is released and the agent is whole again.
	entries, err := mgr.ListLedger()
	require.NoError(t, err)
	replay, err := accounting.ReplayLedger(entries)
	require.NoError(t, err)
	assert.Empty(t, replay.Unreleased)

	agent, err := mgr.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agent.Occupied["cpu"])

	// Permanent failures do not earn a re-enqueue.
	time.Sleep(50 * time.Millisecond)
	session, err = mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, session.Status)
}

func TestDispatchTransientFailureReenqueuesOnce(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	_, kernels := stageScheduled(t, mgr, "s1", 1)

	conn.failCreate[kernels[0].ID] = types.NewError(types.KindTransient, "agent busy", nil)

	err := d.DispatchSession(context.Background(), "s1")
	require.Error(t, err)

	// After the cooldown the session is back in the queue.
	require.Eventually(t, func() bool {
		session, err := mgr.GetSession("s1")
		return err == nil && session.Status == types.SessionPending
	}, time.Second, 5*time.Millisecond)

	// A second transient failure stays in ERROR: one re-enqueue only.
	require.NoError(t, mgr.TransitSession(&manager.TransitRequest{
		SessionID: "s1", Next: types.SessionScheduled,
	}))
	err = d.DispatchSession(context.Background(), "s1")
	require.Error(t, err)

	time.Sleep(100 * time.Millisecond)
	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, session.Status)
}

func TestDispatchRetransmitsSameAttempt(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	_, kernels := stageScheduled(t, mgr, "s1", 1)

	// Fail transiently a couple of times, then succeed. Retransmissions
	// within one dispatch reuse the attempt sequence.
	remaining := 2
	calls := 0
	flaky := &flakyConn{fakeConn: conn, failures: &remaining, calls: &calls}
	d.factory = func(string) (AgentConn, error) { return flaky, nil }

	require.NoError(t, d.DispatchSession(context.Background(), "s1"))

	seqs := conn.attempts[kernels[0].ID]
	require.NotEmpty(t, seqs)
	for _, seq := range seqs {
		assert.Equal(t, seqs[0], seq)
	}

	kernel, err := mgr.GetKernel(kernels[0].ID)
	require.NoError(t, err)
	assert.Equal(t, seqs[0], kernel.AttemptSeq)
}

// flakyConn fails the first N creates transiently, then delegates.
type flakyConn struct {
	*fakeConn
	failures *int
	calls    *int
}

func (f *flakyConn) CreateKernel(ctx context.Context, req *agentrpc.CreateKernelRequest) (*agentrpc.CreateKernelResponse, error) {
	f.mu.Lock()
	*f.calls++
	if *f.failures > 0 {
		*f.failures--
		f.attempts[req.Kernel.ID] = append(f.attempts[req.Kernel.ID], req.Meta.AttemptSeq)
		f.mu.Unlock()
		return nil, types.NewError(types.KindTransient, "agent busy", nil)
	}
	f.mu.Unlock()
	return f.fakeConn.CreateKernel(ctx, req)
}

func TestReenqueueCooldownStopsOnShutdown(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	d.cfg.Dispatch.RetryCooldown = 200 * time.Millisecond
	_, kernels := stageScheduled(t, mgr, "s1", 1)
	conn.failCreate[kernels[0].ID] = types.NewError(types.KindTransient, "agent busy", nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := d.DispatchSession(ctx, "s1")
	require.Error(t, err)
	cancel() // shutdown before the cooldown elapses

	time.Sleep(300 * time.Millisecond)
	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, session.Status, "no re-enqueue after shutdown")
}

func TestInterruptBumpsAttemptSeq(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	_, kernels := stageScheduled(t, mgr, "s1", 1)
	require.NoError(t, d.DispatchSession(context.Background(), "s1"))

	require.NoError(t, d.Interrupt(context.Background(), "s1"))
	require.NoError(t, d.Interrupt(context.Background(), "s1"))

	// Create took attempt 1; each interrupt is its own attempt.
	seqs := conn.attempts[kernels[0].ID]
	require.Len(t, seqs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	kernel, err := mgr.GetKernel(kernels[0].ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), kernel.AttemptSeq)
}

func TestDestroySessionReleasesAndTerminates(t *testing.T) {
	d, mgr, _ := newTestDispatcher(t)
	stageScheduled(t, mgr, "s1", 2)
	require.NoError(t, d.DispatchSession(context.Background(), "s1"))

	require.NoError(t, d.DestroySession(context.Background(), "s1", "user requested"))

	session, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, session.Status)
	assert.Equal(t, types.ResultSuccess, session.Result)

	kernels, err := mgr.ListKernelsBySession("s1")
	require.NoError(t, err)
	for _, kernel := range kernels {
		assert.Equal(t, types.KernelTerminated, kernel.Status)
	}

	entries, err := mgr.ListLedger()
	require.NoError(t, err)
	replay, err := accounting.ReplayLedger(entries)
	require.NoError(t, err)
	assert.Empty(t, replay.Unreleased)

	agent, err := mgr.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agent.Occupied["cpu"])

	// Destroying again is a no-op.
	require.NoError(t, d.DestroySession(context.Background(), "s1", "again"))
}

func TestDispatchSkipsNonScheduled(t *testing.T) {
	d, mgr, conn := newTestDispatcher(t)
	session := &types.Session{
		ID:            "s1",
		Owner:         types.Owner{AccessKey: "AK1", UserID: "u1", GroupID: "g1", Domain: "default"},
		ResourceGroup: "default",
		ClusterMode:   types.ClusterSingleNode,
		ClusterSize:   1,
		Requested:     slots.Slots{"cpu": 1000},
		Status:        types.SessionPending,
	}
	require.NoError(t, mgr.EnqueueSession(session))

	require.NoError(t, d.DispatchSession(context.Background(), "s1"))
	assert.Empty(t, conn.created)

	got, err := mgr.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, got.Status)
}

func TestDispatchMissingSession(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	err := d.DispatchSession(context.Background(), "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
