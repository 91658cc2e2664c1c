package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

func queued(id, accessKey string, priority int, age time.Duration) *types.Session {
	return &types.Session{
		ID:         id,
		Owner:      types.Owner{AccessKey: accessKey},
		Priority:   priority,
		EnqueuedAt: time.Now().Add(-age),
	}
}

func ids(sessions []*types.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

func TestFIFOOrdersByArrival(t *testing.T) {
	policy, err := NewSessionPolicy("fifo")
	require.NoError(t, err)

	pending := []*types.Session{
		queued("s2", "AK1", 0, 2*time.Minute),
		queued("s3", "AK1", 0, time.Minute),
		queued("s1", "AK1", 0, 3*time.Minute),
	}
	ranked := policy.Rank(pending, &RankContext{})
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids(ranked))
}

func TestFIFODemotesBlockedSessions(t *testing.T) {
	policy, err := NewSessionPolicy("fifo")
	require.NoError(t, err)

	pending := []*types.Session{
		queued("blocked", "AK1", 0, 3*time.Minute),
		queued("s2", "AK1", 0, 2*time.Minute),
		queued("s3", "AK1", 0, time.Minute),
	}
	ctx := &RankContext{
		Retries:      map[string]int{"blocked": 5},
		HOLThreshold: 5,
	}
	ranked := policy.Rank(pending, ctx)
	assert.Equal(t, []string{"s2", "s3", "blocked"}, ids(ranked))

	// Below the threshold nothing is demoted.
	ctx.Retries["blocked"] = 4
	ranked = policy.Rank(pending, ctx)
	assert.Equal(t, []string{"blocked", "s2", "s3"}, ids(ranked))
}

func TestPriorityRanksHighFirst(t *testing.T) {
	policy, err := NewSessionPolicy("priority")
	require.NoError(t, err)

	pending := []*types.Session{
		queued("low-old", "AK1", 0, 3*time.Minute),
		queued("high", "AK1", 10, time.Minute),
		queued("low-new", "AK1", 0, time.Minute),
	}
	ranked := policy.Rank(pending, &RankContext{})
	assert.Equal(t, []string{"high", "low-old", "low-new"}, ids(ranked))
}

func TestDRFPrefersSmallestDominantShare(t *testing.T) {
	policy, err := NewSessionPolicy("drf")
	require.NoError(t, err)

	// AK1 dominates cpu (50%), AK2 dominates mem (25%): AK2 goes first
	// even though its session arrived later.
	total := slots.Slots{"cpu": 16000, "mem": 64 << 30}
	ctx := &RankContext{
		TotalCapacity: total,
		ScopeOccupied: map[string]slots.Slots{
			"keypair:AK1": {"cpu": 8000, "mem": 4 << 30},
			"keypair:AK2": {"cpu": 2000, "mem": 16 << 30},
		},
	}
	pending := []*types.Session{
		queued("a", "AK1", 0, 2*time.Minute),
		queued("b", "AK2", 0, time.Minute),
	}
	ranked := policy.Rank(pending, ctx)
	assert.Equal(t, []string{"b", "a"}, ids(ranked))
}

func TestDominantShare(t *testing.T) {
	total := slots.Slots{"cpu": 10000, "mem": 100}
	tests := []struct {
		used slots.Slots
		want float64
	}{
		{slots.Slots{}, 0},
		{slots.Slots{"cpu": 5000}, 0.5},
		{slots.Slots{"cpu": 1000, "mem": 80}, 0.8},
		{slots.Slots{"cuda.device": 5}, 0}, // not in capacity: ignored
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("case%d", i), func(t *testing.T) {
			assert.InDelta(t, tt.want, dominantShare(tt.used, total), 1e-9)
		})
	}
}

func TestUnknownPolicies(t *testing.T) {
	_, err := NewSessionPolicy("shortest-job-first")
	assert.Error(t, err)
	_, err = NewAgentPolicy("round-robin", nil)
	assert.Error(t, err)
	_, err = NewAgentPolicy("custom", nil)
	assert.Error(t, err)
}
