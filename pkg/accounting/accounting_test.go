package accounting

import (
	"testing"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOwner = types.Owner{AccessKey: "AK1", UserID: "u1", GroupID: "g1", Domain: "default"}

func entry(kernel, agent string, dir types.LedgerDirection, cpu int64) *types.LedgerEntry {
	return &types.LedgerEntry{
		SessionID: "s1",
		KernelID:  kernel,
		AgentID:   agent,
		Scopes:    testOwner.Scopes(),
		Delta:     slots.Slots{"cpu": cpu},
		Direction: dir,
	}
}

func TestAgentFree(t *testing.T) {
	agent := &types.Agent{
		Total:    slots.Slots{"cpu": 8000, "mem": 16 << 30},
		Occupied: slots.Slots{"cpu": 3000, "cuda.device": 1000},
	}
	free := AgentFree(agent)
	assert.Equal(t, int64(5000), free["cpu"])
	assert.Equal(t, int64(16<<30), free["mem"])
	// Occupied slots without declared capacity clamp to zero.
	assert.Equal(t, int64(0), free["cuda.device"])
}

func TestScopeRemaining(t *testing.T) {
	limit := slots.Slots{"cpu": 10000, "mem": slots.Unlimited}
	occupied := slots.Slots{"cpu": 4000, "mem": 1 << 30}

	remaining := ScopeRemaining(limit, occupied)
	assert.Equal(t, int64(6000), remaining["cpu"])
	assert.Equal(t, slots.Unlimited, remaining["mem"])

	// Over-occupancy clamps to zero rather than going negative.
	over := ScopeRemaining(slots.Slots{"cpu": 1000}, slots.Slots{"cpu": 5000})
	assert.Equal(t, int64(0), over["cpu"])
}

func TestReplayLedgerLifecycle(t *testing.T) {
	entries := []*types.LedgerEntry{
		entry("k1", "a1", types.LedgerReserve, 2000),
		entry("k2", "a1", types.LedgerReserve, 1000),
		entry("k1", "a1", types.LedgerConfirm, 2000),
		entry("k2", "a1", types.LedgerRelease, 1000),
	}

	replay, err := ReplayLedger(entries)
	require.NoError(t, err)

	assert.Equal(t, int64(2000), replay.AgentOccupied["a1"]["cpu"])
	assert.Equal(t, int64(2000), replay.ScopeOccupied["keypair:AK1"]["cpu"])
	assert.Equal(t, int64(2000), replay.ScopeOccupied["user:u1"]["cpu"])

	// k1 is confirmed and still held; k2 is fully released.
	assert.Contains(t, replay.Unreleased, "k1")
	assert.NotContains(t, replay.Unreleased, "k2")
	assert.False(t, replay.Unconfirmed["k1"])
	assert.False(t, replay.Unconfirmed["k2"])
}

func TestReplayLedgerFlagsUnconfirmed(t *testing.T) {
	replay, err := ReplayLedger([]*types.LedgerEntry{
		entry("k1", "a1", types.LedgerReserve, 2000),
	})
	require.NoError(t, err)
	assert.True(t, replay.Unconfirmed["k1"])
}

func TestReplayLedgerRejectsOverRelease(t *testing.T) {
	_, err := ReplayLedger([]*types.LedgerEntry{
		entry("k1", "a1", types.LedgerReserve, 1000),
		entry("k1", "a1", types.LedgerRelease, 2000),
	})
	assert.Error(t, err)
}

func TestRecalculateDetectsDrift(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:       "a1",
		Total:    slots.Slots{"cpu": 8000},
		Occupied: slots.Slots{"cpu": 3000}, // ledger says 2000
	}))
	require.NoError(t, store.AppendLedger(entry("k1", "a1", types.LedgerReserve, 2000)))

	report, err := Recalculate(store)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, "a1", report.Drifts[0].AgentID)
	assert.Equal(t, int64(3000), report.Drifts[0].Live)
	assert.Equal(t, int64(2000), report.Drifts[0].Replayed)
}

func TestRecalculateCleanLedger(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertAgent(&types.Agent{
		ID:       "a1",
		Total:    slots.Slots{"cpu": 8000},
		Occupied: slots.Slots{"cpu": 2000},
	}))
	require.NoError(t, store.AppendLedger(entry("k1", "a1", types.LedgerReserve, 2000)))

	report, err := Recalculate(store)
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}
