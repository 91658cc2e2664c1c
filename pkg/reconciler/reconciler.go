package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/log"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/metrics"
	"github.com/hivecompute/hive/pkg/types"
)

// Teardown is what the reconciler needs from the dispatcher to clean
// up: full session teardown and removal of containers nobody tracks.
type Teardown interface {
	DestroySession(ctx context.Context, sessionID, reason string) error
	DestroyOrphanKernel(ctx context.Context, agentID, kernelID string) error
}

// Reconciler converges stored state with reality: it detects lost
// agents, times out sessions stuck in transitional states, enforces
// idle and lifetime limits, sweeps orphaned containers and expires
// terminal sessions.
type Reconciler struct {
	mgr      *manager.Manager
	teardown Teardown
	cfg      *config.Config

	now    func() time.Time
	logger zerolog.Logger
}

func New(mgr *manager.Manager, teardown Teardown, cfg *config.Config) *Reconciler {
	return &Reconciler{
		mgr:      mgr,
		teardown: teardown,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.WithComponent("reconciler"),
	}
}

// Run loops until ctx is cancelled. Only the leader reconciles; on
// followers every pass is a no-op.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Reconcile.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !r.mgr.IsLeader() {
				continue
			}
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconcile pass failed")
			}
		}
	}
}

// Reconcile performs one full pass. Each sweep is independent; a
// failure in one does not stop the others.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if err := r.sweepLostAgents(ctx); err != nil {
		r.logger.Error().Err(err).Msg("lost-agent sweep failed")
	}
	if err := r.sweepStuckSessions(ctx); err != nil {
		r.logger.Error().Err(err).Msg("stuck-session sweep failed")
	}
	if err := r.sweepExpiredSessions(ctx); err != nil {
		r.logger.Error().Err(err).Msg("expiry sweep failed")
	}
	if err := r.sweepOrphanKernels(ctx); err != nil {
		r.logger.Error().Err(err).Msg("orphan sweep failed")
	}
	if err := r.sweepTerminalSessions(); err != nil {
		r.logger.Error().Err(err).Msg("terminal sweep failed")
	}
	return nil
}

// sweepLostAgents marks agents silent past the deadline as lost, their
// kernels as lost, and degrades or fails the affected sessions.
func (r *Reconciler) sweepLostAgents(ctx context.Context) error {
	agents, err := r.mgr.ListAgents()
	if err != nil {
		return err
	}
	now := r.now()
	for _, agent := range agents {
		if agent.Status != types.AgentAlive {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= r.cfg.Reconcile.AgentLostAfter {
			continue
		}

		r.logger.Warn().
			Str("agent_id", agent.ID).
			Dur("silent_for", now.Sub(agent.LastHeartbeat)).
			Msg("agent lost")
		agent.Status = types.AgentLost
		if err := r.mgr.UpsertAgent(agent); err != nil {
			return err
		}
		metrics.ReconcileActions.WithLabelValues("agent_lost").Inc()

		kernels, err := r.mgr.ListKernelsByAgent(agent.ID)
		if err != nil {
			return err
		}
		for _, kernel := range kernels {
			if kernel.Status == types.KernelTerminated || kernel.Status == types.KernelLost {
				continue
			}
			kernel.Status = types.KernelLost
			if err := r.mgr.UpsertKernel(kernel); err != nil {
				return err
			}
			if err := r.degradeSession(kernel.SessionID); err != nil {
				r.logger.Error().Err(err).Str("session_id", kernel.SessionID).Msg("failed to degrade session")
			}
		}
	}
	return nil
}

// degradeSession reacts to a lost kernel: a running session whose main
// kernel survives degrades, otherwise it fails.
func (r *Reconciler) degradeSession(sessionID string) error {
	session, err := r.mgr.GetSession(sessionID)
	if err != nil {
		return err
	}
	if types.TerminalStatus(session.Status) || session.Status == types.SessionError {
		return nil
	}

	kernels, err := r.mgr.ListKernelsBySession(sessionID)
	if err != nil {
		return err
	}
	mainAlive := false
	anyAlive := false
	for _, kernel := range kernels {
		if kernel.Status == types.KernelRunning {
			anyAlive = true
			if kernel.Role == types.RoleMain {
				mainAlive = true
			}
		}
	}

	next := types.SessionError
	reason := "all kernels lost"
	if session.Status == types.SessionRunning && mainAlive && anyAlive {
		next = types.SessionRunningDegraded
		reason = "secondary kernel lost"
	}
	if session.Status == next {
		return nil
	}
	metrics.ReconcileActions.WithLabelValues("session_degraded").Inc()
	return r.mgr.TransitSession(&manager.TransitRequest{
		SessionID: sessionID,
		Next:      next,
		Reason:    reason,
	})
}

// transitionalDeadlines lists the states a session must not sit in
// forever. TERMINATING gets force-completed instead of failed.
var transitionalStates = []types.SessionStatus{
	types.SessionPreparing,
	types.SessionPulling,
	types.SessionPrepared,
	types.SessionCreating,
	types.SessionRestarting,
	types.SessionTerminating,
}

// sweepStuckSessions fails sessions that exceeded the per-state
// deadline, measured from the moment they entered the state.
func (r *Reconciler) sweepStuckSessions(ctx context.Context) error {
	now := r.now()
	for _, status := range transitionalStates {
		deadlineFor := func(group string) time.Duration {
			return r.cfg.StateDeadline(group, string(status))
		}
		sessions, err := r.mgr.ListSessionsByStatus(status)
		if err != nil {
			return err
		}
		for _, session := range sessions {
			deadline := deadlineFor(session.ResourceGroup)
			if deadline <= 0 {
				continue
			}
			enteredAt, err := r.enteredStateAt(session)
			if err != nil {
				return err
			}
			if now.Sub(enteredAt) <= deadline {
				continue
			}

			r.logger.Warn().
				Str("session_id", session.ID).
				Str("status", string(session.Status)).
				Dur("stuck_for", now.Sub(enteredAt)).
				Msg("session exceeded state deadline")
			metrics.ReconcileActions.WithLabelValues("state_deadline").Inc()

			if status == types.SessionTerminating {
				// Teardown is already in flight; force it through.
				if err := r.teardown.DestroySession(ctx, session.ID, "termination deadline exceeded"); err != nil {
					r.logger.Error().Err(err).Str("session_id", session.ID).Msg("forced teardown failed")
				}
				continue
			}
			err = r.mgr.TransitSession(&manager.TransitRequest{
				SessionID: session.ID,
				Next:      types.SessionError,
				Reason:    "stuck in " + string(status) + " past deadline",
			})
			if err != nil {
				r.logger.Error().Err(err).Str("session_id", session.ID).Msg("deadline transition failed")
				continue
			}
			if err := r.teardown.DestroySession(ctx, session.ID, "cleanup after state deadline"); err != nil {
				r.logger.Error().Err(err).Str("session_id", session.ID).Msg("deadline cleanup failed")
			}
		}
	}
	return nil
}

// enteredStateAt reads when the session last changed status from its
// history; the newest row carries the current status.
func (r *Reconciler) enteredStateAt(session *types.Session) (time.Time, error) {
	history, err := r.mgr.ListStatusLog(session.ID)
	if err != nil {
		return time.Time{}, err
	}
	if len(history) == 0 {
		return session.EnqueuedAt, nil
	}
	return history[len(history)-1].At, nil
}

// sweepExpiredSessions terminates running sessions past their idle
// timeout or maximum lifetime.
func (r *Reconciler) sweepExpiredSessions(ctx context.Context) error {
	now := r.now()
	for _, status := range []types.SessionStatus{types.SessionRunning, types.SessionRunningDegraded} {
		sessions, err := r.mgr.ListSessionsByStatus(status)
		if err != nil {
			return err
		}
		for _, session := range sessions {
			var reason string
			switch {
			case session.MaxLifetime > 0 && !session.StartedAt.IsZero() &&
				now.Sub(session.StartedAt) > session.MaxLifetime:
				reason = "maximum lifetime exceeded"
			case session.IdleTimeout > 0 && !session.LastActivity.IsZero() &&
				now.Sub(session.LastActivity) > session.IdleTimeout:
				reason = "idle timeout exceeded"
			default:
				continue
			}

			r.logger.Info().Str("session_id", session.ID).Str("reason", reason).Msg("expiring session")
			metrics.ReconcileActions.WithLabelValues("session_expired").Inc()
			if err := r.teardown.DestroySession(ctx, session.ID, reason); err != nil {
				r.logger.Error().Err(err).Str("session_id", session.ID).Msg("expiry teardown failed")
			}
		}
	}
	return nil
}

// sweepOrphanKernels reconciles each live agent's reported kernels with
// the store: containers the store does not know get destroyed, kernels
// the agent no longer reports are marked lost.
func (r *Reconciler) sweepOrphanKernels(ctx context.Context) error {
	agents, err := r.mgr.ListAgents()
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.Status != types.AgentAlive {
			continue
		}
		stored, err := r.mgr.ListKernelsByAgent(agent.ID)
		if err != nil {
			return err
		}
		reported := make(map[string]bool, len(agent.RunningKernels))
		for _, id := range agent.RunningKernels {
			reported[id] = true
		}
		known := make(map[string]bool, len(stored))

		for _, kernel := range stored {
			known[kernel.ID] = true
			if kernel.Status != types.KernelRunning || reported[kernel.ID] {
				continue
			}
			// Grace period: skip kernels newer than one heartbeat so a
			// create racing the report is not misread as a loss.
			if r.now().Sub(kernel.StartedAt) < r.cfg.Reconcile.AgentLostAfter {
				continue
			}
			r.logger.Warn().Str("kernel_id", kernel.ID).Str("agent_id", agent.ID).Msg("kernel vanished from agent")
			metrics.ReconcileActions.WithLabelValues("kernel_lost").Inc()
			kernel.Status = types.KernelLost
			if err := r.mgr.UpsertKernel(kernel); err != nil {
				return err
			}
			if err := r.degradeSession(kernel.SessionID); err != nil {
				r.logger.Error().Err(err).Str("session_id", kernel.SessionID).Msg("failed to degrade session")
			}
		}

		for id := range reported {
			if known[id] {
				continue
			}
			r.logger.Warn().Str("kernel_id", id).Str("agent_id", agent.ID).Msg("destroying untracked container")
			metrics.ReconcileActions.WithLabelValues("orphan_destroyed").Inc()
			if err := r.teardown.DestroyOrphanKernel(ctx, agent.ID, id); err != nil {
				r.logger.Error().Err(err).Str("kernel_id", id).Msg("orphan destroy failed")
			}
		}
	}
	return nil
}

// sweepTerminalSessions deletes terminal sessions and their kernels
// once the retention window passes. Zero retention disables the sweep.
func (r *Reconciler) sweepTerminalSessions() error {
	if r.cfg.Reconcile.SweepAfter <= 0 {
		return nil
	}
	sessions, err := r.mgr.ListSessions()
	if err != nil {
		return err
	}
	now := r.now()
	for _, session := range sessions {
		if !types.TerminalStatus(session.Status) {
			continue
		}
		if session.TerminatedAt.IsZero() || now.Sub(session.TerminatedAt) <= r.cfg.Reconcile.SweepAfter {
			continue
		}

		kernels, err := r.mgr.ListKernelsBySession(session.ID)
		if err != nil {
			return err
		}
		for _, kernel := range kernels {
			if err := r.mgr.DeleteKernel(kernel.ID); err != nil {
				return err
			}
		}
		if err := r.mgr.DeleteSession(session.ID); err != nil {
			return err
		}
		metrics.ReconcileActions.WithLabelValues("session_swept").Inc()
		r.logger.Info().Str("session_id", session.ID).Msg("terminal session swept")
	}
	return nil
}
