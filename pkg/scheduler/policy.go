package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

// RankContext carries the immutable cycle inputs a session policy may
// consult.
type RankContext struct {
	// Retries holds each pending session's consecutive failed placement
	// attempts, for head-of-line blocking avoidance.
	Retries map[string]int
	// HOLThreshold is how many failed attempts demote a session to the
	// back of the queue. Zero disables demotion.
	HOLThreshold int
	// TotalCapacity is the summed capacity of the group's usable agents.
	TotalCapacity slots.Slots
	// ScopeOccupied maps scope keys to their current reservations.
	ScopeOccupied map[string]slots.Slots
	Now           time.Time
}

// SessionPolicy orders the pending queue for one scheduling cycle.
type SessionPolicy interface {
	Name() string
	Rank(pending []*types.Session, ctx *RankContext) []*types.Session
}

// NewSessionPolicy resolves a configured policy name.
func NewSessionPolicy(name string) (SessionPolicy, error) {
	switch name {
	case "fifo":
		return fifoPolicy{}, nil
	case "drf":
		return drfPolicy{}, nil
	case "priority":
		return priorityPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown session policy %q", name)
	}
}

func byEnqueueTime(sessions []*types.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].EnqueuedAt.Equal(sessions[j].EnqueuedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].EnqueuedAt.Before(sessions[j].EnqueuedAt)
	})
}

// demoteBlocked moves sessions at or past the HoL threshold behind the
// rest, preserving relative order within both halves.
func demoteBlocked(ranked []*types.Session, ctx *RankContext) []*types.Session {
	if ctx.HOLThreshold <= 0 {
		return ranked
	}
	var head, tail []*types.Session
	for _, s := range ranked {
		if ctx.Retries[s.ID] >= ctx.HOLThreshold {
			tail = append(tail, s)
		} else {
			head = append(head, s)
		}
	}
	return append(head, tail...)
}

// fifoPolicy schedules in arrival order, demoting sessions that keep
// failing placement so they cannot starve the queue behind them.
type fifoPolicy struct{}

func (fifoPolicy) Name() string { return "fifo" }

func (fifoPolicy) Rank(pending []*types.Session, ctx *RankContext) []*types.Session {
	ranked := append([]*types.Session(nil), pending...)
	byEnqueueTime(ranked)
	return demoteBlocked(ranked, ctx)
}

// priorityPolicy schedules by descending priority, arrival order within
// a priority band.
type priorityPolicy struct{}

func (priorityPolicy) Name() string { return "priority" }

func (priorityPolicy) Rank(pending []*types.Session, ctx *RankContext) []*types.Session {
	ranked := append([]*types.Session(nil), pending...)
	byEnqueueTime(ranked)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority > ranked[j].Priority
	})
	return demoteBlocked(ranked, ctx)
}

// drfPolicy implements dominant resource fairness over keypair scopes:
// the keypair whose dominant share of the group capacity is smallest
// schedules first.
type drfPolicy struct{}

func (drfPolicy) Name() string { return "drf" }

func (drfPolicy) Rank(pending []*types.Session, ctx *RankContext) []*types.Session {
	shares := make(map[string]float64)
	for _, s := range pending {
		key := types.ScopeRef{Kind: types.ScopeKeypair, ID: s.Owner.AccessKey}.Key()
		if _, done := shares[key]; !done {
			shares[key] = dominantShare(ctx.ScopeOccupied[key], ctx.TotalCapacity)
		}
	}

	ranked := append([]*types.Session(nil), pending...)
	byEnqueueTime(ranked)
	sort.SliceStable(ranked, func(i, j int) bool {
		ki := types.ScopeRef{Kind: types.ScopeKeypair, ID: ranked[i].Owner.AccessKey}.Key()
		kj := types.ScopeRef{Kind: types.ScopeKeypair, ID: ranked[j].Owner.AccessKey}.Key()
		return shares[ki] < shares[kj]
	})
	return demoteBlocked(ranked, ctx)
}

// dominantShare is the largest used/total fraction across slot names.
func dominantShare(used, total slots.Slots) float64 {
	var dominant float64
	for name, u := range used {
		t := total[name]
		if t <= 0 || u <= 0 {
			continue
		}
		if share := float64(u) / float64(t); share > dominant {
			dominant = share
		}
	}
	return dominant
}
