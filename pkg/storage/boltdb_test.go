package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionCRUD(t *testing.T) {
	store := newTestStore(t)

	session := &types.Session{
		ID:            "s1",
		Name:          "train-1",
		Owner:         types.Owner{AccessKey: "AK1", Domain: "default"},
		ResourceGroup: "default",
		Status:        types.SessionPending,
		Requested:     slots.Slots{"cpu": 2000, "mem": 1 << 30},
		EnqueuedAt:    time.Now(),
	}
	require.NoError(t, store.CreateSession(session))

	got, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "train-1", got.Name)
	assert.Equal(t, int64(2000), got.Requested["cpu"])

	got.Status = types.SessionScheduled
	require.NoError(t, store.UpdateSession(got))

	byStatus, err := store.ListSessionsByStatus(types.SessionScheduled)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	byName, err := store.GetSessionByName(session.Owner, "train-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", byName.ID)

	require.NoError(t, store.DeleteSession("s1"))
	_, err = store.GetSession("s1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestKernelIndexes(t *testing.T) {
	store := newTestStore(t)

	for _, k := range []*types.Kernel{
		{ID: "k1", SessionID: "s1", AgentID: "a1", Role: types.RoleMain, Index: 1},
		{ID: "k2", SessionID: "s1", AgentID: "a2", Role: types.RoleSub, Index: 1},
		{ID: "k3", SessionID: "s2", AgentID: "a1", Role: types.RoleMain, Index: 1},
	} {
		require.NoError(t, store.CreateKernel(k))
	}

	bySession, err := store.ListKernelsBySession("s1")
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	byAgent, err := store.ListKernelsByAgent("a1")
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)
}

func TestStatusLogOrdering(t *testing.T) {
	store := newTestStore(t)

	statuses := []types.SessionStatus{
		types.SessionPending, types.SessionScheduled, types.SessionPreparing,
		types.SessionCreating, types.SessionRunning,
	}
	for i, st := range statuses {
		require.NoError(t, store.AppendStatusLog(&types.StatusLogEntry{
			SessionID: "s1",
			Seq:       uint64(i + 1),
			Status:    st,
			At:        time.Now(),
		}))
	}
	// Unrelated session must not leak into the prefix scan.
	require.NoError(t, store.AppendStatusLog(&types.StatusLogEntry{
		SessionID: "s1x", Seq: 1, Status: types.SessionPending,
	}))

	entries, err := store.ListStatusLog("s1")
	require.NoError(t, err)
	require.Len(t, entries, len(statuses))
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, statuses[i], e.Status)
	}
}

func TestLedgerAssignsSeq(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendLedger(&types.LedgerEntry{
			SessionID: "s1",
			KernelID:  "k1",
			AgentID:   "a1",
			Delta:     slots.Slots{"cpu": 1000},
			Direction: types.LedgerReserve,
		}))
	}

	entries, err := store.ListLedger()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[2].Seq)
}

func TestApplyBatchAtomic(t *testing.T) {
	store := newTestStore(t)

	batch := &Batch{
		Sessions: []*types.Session{{ID: "s1", Status: types.SessionScheduled, StatusVersion: 1}},
		Kernels:  []*types.Kernel{{ID: "k1", SessionID: "s1", AgentID: "a1"}},
		Agents:   []*types.Agent{{ID: "a1", ResourceGroup: "default", Occupied: slots.Slots{"cpu": 1000}}},
		StatusLog: []*types.StatusLogEntry{
			{SessionID: "s1", Seq: 1, Status: types.SessionScheduled},
		},
		Ledger: []*types.LedgerEntry{
			{SessionID: "s1", KernelID: "k1", AgentID: "a1", Delta: slots.Slots{"cpu": 1000}, Direction: types.LedgerReserve},
		},
		State: &types.SchedulerState{Group: "default", FencedToken: 7},
	}
	require.NoError(t, store.ApplyBatch(batch))

	session, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, session.Status)

	agent, err := store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), agent.Occupied["cpu"])

	state, err := store.GetSchedulerState("default")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), state.FencedToken)

	entries, err := store.ListLedger()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSchedulerStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSchedulerState("default")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.SaveSchedulerState(&types.SchedulerState{
		Group:   "default",
		Retries: map[string]int{"s1": 2},
	}))

	state, err := store.GetSchedulerState("default")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Retries["s1"])
}
