package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivecompute/hive/pkg/accounting"
	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/events"
	"github.com/hivecompute/hive/pkg/lock"
	"github.com/hivecompute/hive/pkg/log"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/metrics"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// Outcome classifies what one cycle decided for one pending session.
type Outcome string

const (
	// OutcomePlaced: kernels assigned, session moves to SCHEDULED.
	OutcomePlaced Outcome = "placed"
	// OutcomeSkipped: a predicate failed (start time, dependencies,
	// quota). No retry counter increment; the session waits.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeRetry: capacity was short. The retry counter increments so
	// head-of-line avoidance can demote the session.
	OutcomeRetry Outcome = "retry"
)

// Decision is the per-session record of a cycle.
type Decision struct {
	SessionID string
	Outcome   Outcome
	Reason    string

	placements []placement
}

// CycleResult summarizes one scheduling cycle.
type CycleResult struct {
	Placed    int
	Decisions []Decision
}

// Scheduler runs the scheduling loop for one resource group. Only the
// lease holder for the group commits cycles; the fenced token of the
// lease rides along on every commit so a stale leader's writes are
// rejected by the state machine.
type Scheduler struct {
	group      string
	mgr        *manager.Manager
	locker     lock.Locker
	cfg        *config.Config
	sessionPol SessionPolicy
	agentPol   AgentPolicy
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds a scheduler for one resource group, resolving the group's
// configured policies. custom is only consulted for the "custom" agent
// policy.
func New(group string, mgr *manager.Manager, locker lock.Locker, cfg *config.Config, custom CustomSelect) (*Scheduler, error) {
	sessionPol, err := NewSessionPolicy(cfg.GroupSessionPolicy(group))
	if err != nil {
		return nil, err
	}
	agentPol, err := NewAgentPolicy(cfg.GroupAgentPolicy(group), custom)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		group:      group,
		mgr:        mgr,
		locker:     locker,
		cfg:        cfg,
		sessionPol: sessionPol,
		agentPol:   agentPol,
		logger:     log.WithGroup(group).With().Str("component", "scheduler").Logger(),
		now:        time.Now,
	}, nil
}

// Run ticks until ctx is cancelled. Each tick tries to take the group
// lease; losing the race just means another replica schedules.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	lease, err := s.locker.Acquire(ctx, s.group, s.cfg.Lock.TTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to acquire scheduler lease")
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil && !errors.Is(err, lock.ErrLeaseLost) {
			s.logger.Warn().Err(err).Msg("failed to release scheduler lease")
		}
	}()

	result, err := s.RunCycle(ctx, lease.Token())
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduling cycle failed")
		return
	}
	if result.Placed > 0 {
		s.logger.Info().Int("placed", result.Placed).
			Int("pending", len(result.Decisions)).Msg("scheduling cycle committed")
	}
}

// RunCycle runs one scheduling cycle under the given fenced token and
// commits its decisions atomically.
func (s *Scheduler) RunCycle(ctx context.Context, token uint64) (*CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timer := metrics.NewTimer(metrics.SchedulerCycleSeconds.WithLabelValues(s.group))
	defer timer.ObserveDuration()

	now := s.now()

	state, err := s.loadState()
	if err != nil {
		return nil, err
	}

	sessions, err := s.mgr.ListSessionsByGroup(s.group)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var pending []*types.Session
	for _, session := range sessions {
		if session.Status == types.SessionPending {
			pending = append(pending, session)
		}
	}
	metrics.PendingSessions.WithLabelValues(s.group).Set(float64(len(pending)))

	agents, err := s.mgr.ListAgentsByGroup(s.group)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	snapshots := snapshotAgents(agents)

	entries, err := s.mgr.ListLedger()
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	replay, err := accounting.ReplayLedger(entries)
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}

	rankCtx := &RankContext{
		Retries:       state.Retries,
		HOLThreshold:  s.cfg.GroupHOLThreshold(s.group),
		TotalCapacity: groupCapacity(agents),
		ScopeOccupied: replay.ScopeOccupied,
		Now:           now,
	}
	ranked := s.sessionPol.Rank(pending, rankCtx)

	result := &CycleResult{}
	batch := &storage.Batch{}
	liveAgents := make(map[string]*types.Agent, len(agents))
	for _, agent := range agents {
		liveAgents[agent.ID] = agent
	}
	touchedAgents := make(map[string]bool)

	for _, session := range ranked {
		decision := s.decide(session, snapshots, replay.ScopeOccupied, now)
		result.Decisions = append(result.Decisions, decision)

		switch decision.Outcome {
		case OutcomeRetry:
			state.Retries[session.ID]++
		case OutcomeSkipped:
			// Predicates don't burn a retry.
		case OutcomePlaced:
			delete(state.Retries, session.ID)
			state.LastScheduled[session.ID] = now
			result.Placed++
			s.stage(batch, session, decision.placements, liveAgents, touchedAgents, replay.ScopeOccupied, now)
		}
	}

	state.FencedToken = token
	state.LastCycleAt = now
	batch.State = state

	if err := s.mgr.CommitSchedule(&manager.CommitScheduleRequest{
		Group:       s.group,
		FencedToken: token,
		Batch:       batch,
	}); err != nil {
		return nil, err
	}

	s.publishTick(result, now)
	return result, nil
}

// decide applies the admission predicates and, if they pass, attempts
// placement against the cycle's agent snapshots.
func (s *Scheduler) decide(session *types.Session, snapshots []*AgentSnapshot, scopeOccupied map[string]slots.Slots, now time.Time) Decision {
	if session.StartsAt != nil && session.StartsAt.After(now) {
		return Decision{SessionID: session.ID, Outcome: OutcomeSkipped, Reason: "start time not reached"}
	}

	if session.Type == types.SessionBatch {
		if reason := s.dependenciesUnmet(session); reason != "" {
			return Decision{SessionID: session.ID, Outcome: OutcomeSkipped, Reason: reason}
		}
	}

	size := int64(session.ClusterSize)
	if size < 1 {
		size = 1
	}
	total := session.Requested.Scale(size)
	if reason := s.quotaExceeded(session, total, scopeOccupied); reason != "" {
		return Decision{SessionID: session.ID, Outcome: OutcomeSkipped, Reason: reason}
	}

	placements := placeSession(session, s.agentPol, snapshots)
	if placements == nil {
		return Decision{SessionID: session.ID, Outcome: OutcomeRetry, Reason: "no agent fits the requested slots"}
	}
	return Decision{SessionID: session.ID, Outcome: OutcomePlaced, placements: placements}
}

// dependenciesUnmet gates batch sessions on every upstream session
// having terminated successfully.
func (s *Scheduler) dependenciesUnmet(session *types.Session) string {
	for _, depID := range session.DependsOn {
		dep, err := s.mgr.GetSession(depID)
		if err != nil {
			return fmt.Sprintf("dependency %s not found", depID)
		}
		if dep.Status != types.SessionTerminated {
			return fmt.Sprintf("dependency %s not finished (%s)", depID, dep.Status)
		}
		if dep.Result != types.ResultSuccess {
			return fmt.Sprintf("dependency %s did not succeed (%s)", depID, dep.Result)
		}
	}
	return ""
}

// quotaExceeded checks the session's total request against every owner
// scope's policy. Scopes without a policy, and slot names a policy does
// not cap, are unlimited.
func (s *Scheduler) quotaExceeded(session *types.Session, total slots.Slots, scopeOccupied map[string]slots.Slots) string {
	for _, scope := range session.Owner.Scopes() {
		if scope.ID == "" {
			continue
		}
		policy, err := s.mgr.GetPolicy(scope.Key())
		if err != nil {
			continue // no policy: unlimited
		}
		occupied := scopeOccupied[scope.Key()]
		for name, want := range total {
			limit, capped := policy.TotalSlots[name]
			if !capped || limit == slots.Unlimited {
				continue
			}
			if occupied[name]+want > limit {
				return fmt.Sprintf("%s quota exceeded for %s", scope.Key(), name)
			}
		}
	}
	return ""
}

// stage adds one placed session's writes to the cycle batch: the
// SCHEDULED transition, its kernels, agent occupancy, reservation
// ledger entries and the status history row.
func (s *Scheduler) stage(batch *storage.Batch, session *types.Session, placements []placement,
	liveAgents map[string]*types.Agent, touched map[string]bool, scopeOccupied map[string]slots.Slots, now time.Time) {

	session.Status = types.SessionScheduled
	session.StatusVersion++
	session.StatusReason = ""
	session.ScheduledAt = now
	batch.Sessions = append(batch.Sessions, session)
	batch.StatusLog = append(batch.StatusLog, &types.StatusLogEntry{
		SessionID: session.ID,
		Seq:       session.StatusVersion,
		Status:    types.SessionScheduled,
		At:        now,
	})

	for i, p := range placements {
		// Indices are 1-based per role: the main kernel is main1, the
		// first sub is sub1.
		role, index := types.RoleSub, i
		if i == 0 {
			role, index = types.RoleMain, 1
		}
		image := session.Images[role]
		if image == "" {
			image = session.Images[types.RoleMain]
		}
		kernel := &types.Kernel{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Role:      role,
			Index:     index,
			Image:     image,
			Arch:      session.Arch,
			Allocated: p.allocated,
			AgentID:   p.agentID,
			Status:    types.KernelScheduled,
			CreatedAt: now,
		}
		batch.Kernels = append(batch.Kernels, kernel)

		agent := liveAgents[p.agentID]
		agent.Occupied = agent.Occupied.Add(p.allocated)
		if !touched[agent.ID] {
			touched[agent.ID] = true
			batch.Agents = append(batch.Agents, agent)
		}

		batch.Ledger = append(batch.Ledger, accounting.ReserveEntries(session, kernel)...)
		for _, scope := range session.Owner.Scopes() {
			scopeOccupied[scope.Key()] = scopeOccupied[scope.Key()].Add(p.allocated)
		}
	}
}

func (s *Scheduler) loadState() (*types.SchedulerState, error) {
	state, err := s.mgr.GetSchedulerState(s.group)
	if errors.Is(err, storage.ErrNotFound) {
		state = &types.SchedulerState{Group: s.group}
	} else if err != nil {
		return nil, fmt.Errorf("load scheduler state: %w", err)
	}
	if state.Retries == nil {
		state.Retries = make(map[string]int)
	}
	if state.LastScheduled == nil {
		state.LastScheduled = make(map[string]time.Time)
	}
	return state, nil
}

func (s *Scheduler) publishTick(result *CycleResult, now time.Time) {
	payload, _ := json.Marshal(map[string]int{
		"placed":  result.Placed,
		"pending": len(result.Decisions),
	})
	s.mgr.EventBroker().Publish(&events.Message{
		Topic:   events.TopicSchedulerTick,
		Key:     s.group,
		Payload: payload,
		At:      now,
	})
}

func groupCapacity(agents []*types.Agent) slots.Slots {
	total := slots.Slots{}
	for _, agent := range agents {
		if agent.Status != types.AgentAlive {
			continue
		}
		total = total.Add(agent.Total)
	}
	return total
}
