package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivecompute/hive/pkg/accounting"
	"github.com/hivecompute/hive/pkg/agentrpc"
	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/log"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/metrics"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// AgentConn is the subset of the agent RPC client the dispatcher uses.
// Production connections come from agentrpc.Dial; tests inject fakes.
type AgentConn interface {
	CreateKernel(ctx context.Context, req *agentrpc.CreateKernelRequest) (*agentrpc.CreateKernelResponse, error)
	DestroyKernel(ctx context.Context, req *agentrpc.DestroyKernelRequest) (*agentrpc.DestroyKernelResponse, error)
	Interrupt(ctx context.Context, req *agentrpc.InterruptRequest) (*agentrpc.InterruptResponse, error)
	Restart(ctx context.Context, req *agentrpc.RestartRequest) (*agentrpc.RestartResponse, error)
}

// ConnFactory opens a connection to an agent address.
type ConnFactory func(addr string) (AgentConn, error)

// DefaultConnFactory dials over grpc.
func DefaultConnFactory(addr string) (AgentConn, error) {
	return agentrpc.Dial(addr)
}

// agentHandle serializes access to one agent: conn plus a semaphore
// bounding in-flight RPCs to the agent's concurrency budget.
type agentHandle struct {
	conn AgentConn
	sem  chan struct{}
}

// Dispatcher turns committed placements into agent RPCs and drives the
// affected sessions' status transitions from the acks. Every RPC
// carries (kernel_id, attempt_seq) so a retransmitted call cannot run
// twice on the agent.
type Dispatcher struct {
	mgr     *manager.Manager
	cfg     *config.Config
	factory ConnFactory
	token   func() uint64 // current fenced token, for southbound metadata

	mu      sync.Mutex
	handles map[string]*agentHandle

	logger zerolog.Logger
}

// New builds a dispatcher. token supplies the current fenced token for
// outgoing calls; nil means zero (standalone).
func New(mgr *manager.Manager, cfg *config.Config, factory ConnFactory, token func() uint64) *Dispatcher {
	if factory == nil {
		factory = DefaultConnFactory
	}
	if token == nil {
		token = func() uint64 { return 0 }
	}
	return &Dispatcher{
		mgr:     mgr,
		cfg:     cfg,
		factory: factory,
		token:   token,
		handles: make(map[string]*agentHandle),
		logger:  log.WithComponent("dispatch"),
	}
}

// Run scans for SCHEDULED sessions until ctx is cancelled. The scan
// interval reuses the scheduler tick so dispatch latency tracks it.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sessions, err := d.mgr.ListSessionsByStatus(types.SessionScheduled)
			if err != nil {
				d.logger.Error().Err(err).Msg("failed to list scheduled sessions")
				continue
			}
			for _, session := range sessions {
				if err := d.DispatchSession(ctx, session.ID); err != nil {
					d.logger.Error().Err(err).Str("session_id", session.ID).Msg("dispatch failed")
				}
			}
		}
	}
}

func (d *Dispatcher) handle(agent *types.Agent) (*agentHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.handles[agent.ID]; ok {
		return h, nil
	}
	conn, err := d.factory(agent.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect agent %s: %w", agent.ID, err)
	}
	budget := agent.ConcurrencyBudget
	if budget < 1 {
		budget = d.cfg.Dispatch.ConcurrencyBudget
	}
	h := &agentHandle{conn: conn, sem: make(chan struct{}, budget)}
	d.handles[agent.ID] = h
	return h, nil
}

// acquire blocks until the agent has in-flight budget. Backpressure,
// not rejection: dispatches queue up per agent.
func (h *agentHandle) acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *agentHandle) release() { <-h.sem }

// DispatchSession creates all kernels of one SCHEDULED session as an
// atomic unit: either every kernel comes up and the session reaches
// RUNNING, or everything created so far is destroyed and the session
// fails into ERROR (re-enqueued once if the failure was transient).
func (d *Dispatcher) DispatchSession(ctx context.Context, sessionID string) error {
	session, err := d.mgr.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionScheduled {
		return nil // already picked up by another replica or cancelled
	}

	if err := d.transit(session, types.SessionPreparing, ""); err != nil {
		if errors.Is(err, types.ErrStaleTransition) || errors.Is(err, types.ErrInvalidTransition) {
			return nil // lost the claim race
		}
		return err
	}

	kernels, err := d.mgr.ListKernelsBySession(sessionID)
	if err != nil {
		return err
	}

	if err := d.transit(session, types.SessionCreating, ""); err != nil {
		return err
	}

	created, err := d.createKernels(ctx, session, kernels)
	if err != nil {
		d.rollback(ctx, session, kernels, created, err)
		return err
	}

	// Confirm the reservations now that containers exist.
	var confirms []*types.LedgerEntry
	for _, kernel := range kernels {
		confirms = append(confirms, accounting.ConfirmEntries(session, kernel)...)
	}
	if err := d.mgr.AppendLedger(confirms); err != nil {
		return err
	}
	return d.transit(session, types.SessionRunning, "")
}

// createKernels fans kernel creates out across agents but keeps each
// agent's creates sequential, main kernel first, so an agent observes
// create(main1) before create(sub1). It returns the kernels whose
// containers exist.
func (d *Dispatcher) createKernels(ctx context.Context, session *types.Session, kernels []*types.Kernel) ([]*types.Kernel, error) {
	byAgent := make(map[string][]*types.Kernel)
	for _, kernel := range kernels {
		byAgent[kernel.AgentID] = append(byAgent[kernel.AgentID], kernel)
	}
	for _, queue := range byAgent {
		sort.SliceStable(queue, func(i, j int) bool {
			if queue[i].Role != queue[j].Role {
				return queue[i].Role == types.RoleMain
			}
			return queue[i].Index < queue[j].Index
		})
	}

	var (
		mu      sync.Mutex
		created []*types.Kernel
		wg      sync.WaitGroup
		firstMu sync.Mutex
		first   error
	)

	for _, queue := range byAgent {
		wg.Add(1)
		go func(queue []*types.Kernel) {
			defer wg.Done()
			for _, kernel := range queue {
				if err := d.createKernel(ctx, session, kernel); err != nil {
					firstMu.Lock()
					if first == nil {
						first = err
					}
					firstMu.Unlock()
					return // stop this agent's queue on first failure
				}
				mu.Lock()
				created = append(created, kernel)
				mu.Unlock()
			}
		}(queue)
	}
	wg.Wait()

	if first != nil {
		return created, first
	}
	return created, nil
}

func (d *Dispatcher) createKernel(ctx context.Context, session *types.Session, kernel *types.Kernel) error {
	agent, err := d.mgr.GetAgent(kernel.AgentID)
	if err != nil {
		return err
	}
	h, err := d.handle(agent)
	if err != nil {
		return types.NewError(types.KindTransient, "agent unreachable", err)
	}
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	// A new attempt sequence per dispatch; the agent dedupes on it.
	kernel.AttemptSeq++
	kernel.Status = types.KernelCreating
	if err := d.mgr.UpsertKernel(kernel); err != nil {
		return err
	}

	req := &agentrpc.CreateKernelRequest{
		Meta: agentrpc.Meta{
			RequestID:   uuid.New().String(),
			AttemptSeq:  kernel.AttemptSeq,
			FencedToken: d.token(),
		},
		Kernel:    kernel,
		SessionID: session.ID,
		Env:       session.Env,
		Mounts:    session.Mounts,
		Bootstrap: session.Bootstrap,
	}

	timer := metrics.NewTimer(metrics.DispatchRPCSeconds.WithLabelValues("create"))
	resp, err := d.callCreate(ctx, h, req)
	timer.ObserveDuration()
	if err != nil {
		metrics.DispatchRPCs.WithLabelValues("create", "error").Inc()
		kernel.Status = types.KernelError
		kernel.Error = err.Error()
		if uerr := d.mgr.UpsertKernel(kernel); uerr != nil {
			return uerr
		}
		return err
	}
	metrics.DispatchRPCs.WithLabelValues("create", "ok").Inc()

	kernel.ContainerID = resp.ContainerID
	kernel.ServicePorts = resp.ServicePorts
	kernel.Status = types.KernelRunning
	kernel.StartedAt = time.Now()
	return d.mgr.UpsertKernel(kernel)
}

// maxCreateAttempts bounds retransmissions of one create attempt.
const maxCreateAttempts = 3

// callCreate retries transient failures with exponential backoff inside
// the per-kind deadline. The attempt sequence stays fixed across these
// retries: they are retransmissions of the same attempt, which the
// agent's idempotency cache collapses.
func (d *Dispatcher) callCreate(ctx context.Context, h *agentHandle, req *agentrpc.CreateKernelRequest) (*agentrpc.CreateKernelResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Dispatch.CreateTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() (*agentrpc.CreateKernelResponse, error) {
		resp, err := h.conn.CreateKernel(ctx, req)
		if err != nil && !types.Retriable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxCreateAttempts))
}

// rollback destroys whatever came up, releases the reservations and
// fails the session. Transient root causes earn a single re-enqueue
// after the cooldown.
func (d *Dispatcher) rollback(ctx context.Context, session *types.Session, all, created []*types.Kernel, cause error) {
	for _, kernel := range created {
		if err := d.destroyKernel(ctx, kernel, "rollback after failed cluster create"); err != nil {
			d.logger.Error().Err(err).Str("kernel_id", kernel.ID).Msg("rollback destroy failed")
		}
	}

	if err := d.releaseSession(session, all); err != nil {
		d.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to release reservations")
	}

	if err := d.transit(session, types.SessionError, cause.Error()); err != nil {
		d.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to fail session")
		return
	}

	if types.Retriable(cause) && d.reenqueueAllowed(session.ID) {
		go d.reenqueueAfterCooldown(ctx, session.ID)
	}
}

// reenqueueAllowed permits exactly one ERROR -> PENDING excursion per
// session, judged from the durable status history.
func (d *Dispatcher) reenqueueAllowed(sessionID string) bool {
	if d.cfg.Dispatch.MaxDispatchRetries < 1 {
		return false
	}
	history, err := d.mgr.ListStatusLog(sessionID)
	if err != nil {
		return false
	}
	pendings := 0
	for _, entry := range history {
		if entry.Status == types.SessionPending {
			pendings++
		}
	}
	// First enqueue plus allowed re-enqueues.
	return pendings < 1+d.cfg.Dispatch.MaxDispatchRetries
}

func (d *Dispatcher) reenqueueAfterCooldown(ctx context.Context, sessionID string) {
	select {
	case <-time.After(d.cfg.Dispatch.RetryCooldown):
	case <-ctx.Done():
		return // dispatcher shutting down; the session stays in ERROR
	}
	err := d.mgr.TransitSession(&manager.TransitRequest{
		SessionID: sessionID,
		Next:      types.SessionPending,
		Reason:    "re-enqueued after transient dispatch failure",
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("re-enqueue failed")
	}
}

// DestroySession tears a session down: TERMINATING, destroy RPCs for
// every kernel with a container, release reservations, TERMINATED.
// Safe to call repeatedly; kernels already destroyed are skipped.
func (d *Dispatcher) DestroySession(ctx context.Context, sessionID, reason string) error {
	session, err := d.mgr.GetSession(sessionID)
	if err != nil {
		return err
	}
	if types.TerminalStatus(session.Status) {
		return nil
	}
	if session.Status != types.SessionTerminating {
		if err := d.transit(session, types.SessionTerminating, reason); err != nil {
			return err
		}
	}

	kernels, err := d.mgr.ListKernelsBySession(sessionID)
	if err != nil {
		return err
	}
	for _, kernel := range kernels {
		if kernel.Status == types.KernelTerminated {
			continue
		}
		if err := d.destroyKernel(ctx, kernel, reason); err != nil {
			return err
		}
	}

	if err := d.releaseSession(session, kernels); err != nil {
		return err
	}

	result := session.Result
	if result == "" || result == types.ResultUnknown {
		result = types.ResultSuccess
	}
	return d.transitWith(session, types.SessionTerminated, reason, result)
}

func (d *Dispatcher) destroyKernel(ctx context.Context, kernel *types.Kernel, reason string) error {
	if kernel.ContainerID == "" {
		kernel.Status = types.KernelTerminated
		kernel.TerminatedAt = time.Now()
		return d.mgr.UpsertKernel(kernel)
	}

	agent, err := d.mgr.GetAgent(kernel.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Agent deregistered; nothing left to destroy.
			kernel.Status = types.KernelLost
			kernel.TerminatedAt = time.Now()
			return d.mgr.UpsertKernel(kernel)
		}
		return err
	}
	h, err := d.handle(agent)
	if err != nil {
		return err
	}
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	kernel.AttemptSeq++
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Dispatch.DestroyTimeout)
	defer cancel()

	resp, err := h.conn.DestroyKernel(ctx, &agentrpc.DestroyKernelRequest{
		Meta: agentrpc.Meta{
			RequestID:   uuid.New().String(),
			AttemptSeq:  kernel.AttemptSeq,
			FencedToken: d.token(),
		},
		KernelID: kernel.ID,
		Reason:   reason,
	})
	if err != nil {
		metrics.DispatchRPCs.WithLabelValues("destroy", "error").Inc()
		return err
	}
	metrics.DispatchRPCs.WithLabelValues("destroy", "ok").Inc()

	kernel.Status = types.KernelTerminated
	kernel.ExitCode = resp.ExitCode
	kernel.TerminatedAt = time.Now()
	return d.mgr.UpsertKernel(kernel)
}

// releaseSession writes release ledger entries for every kernel with an
// outstanding reservation and returns the slots to the agents.
func (d *Dispatcher) releaseSession(session *types.Session, kernels []*types.Kernel) error {
	entries, err := d.mgr.ListLedger()
	if err != nil {
		return err
	}
	replay, err := accounting.ReplayLedger(entries)
	if err != nil {
		return err
	}

	var releases []*types.LedgerEntry
	for _, kernel := range kernels {
		if _, outstanding := replay.Unreleased[kernel.ID]; !outstanding {
			continue
		}
		releases = append(releases, accounting.ReleaseEntries(session, kernel)...)

		agent, err := d.mgr.GetAgent(kernel.AgentID)
		if err != nil {
			continue // agent gone; replay-based recalculation will settle it
		}
		occupied, err := agent.Occupied.Sub(kernel.Allocated)
		if err != nil {
			return types.NewError(types.KindInvariant, "agent occupancy underflow on release", err)
		}
		agent.Occupied = occupied
		if err := d.mgr.UpsertAgent(agent); err != nil {
			return err
		}
	}
	if len(releases) == 0 {
		return nil
	}
	return d.mgr.AppendLedger(releases)
}

// CancelSession retracts a session that has not been dispatched yet.
// A SCHEDULED session already holds reservations, so cancelling one
// also returns the staged slots.
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID, reason string) error {
	session, err := d.mgr.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionPending && session.Status != types.SessionScheduled {
		return fmt.Errorf("session %s is %s: %w", sessionID, session.Status, types.ErrInvalidTransition)
	}
	staged := session.Status == types.SessionScheduled

	if err := d.transit(session, types.SessionCancelled, reason); err != nil {
		return err
	}
	if !staged {
		return nil
	}

	kernels, err := d.mgr.ListKernelsBySession(sessionID)
	if err != nil {
		return err
	}
	for _, kernel := range kernels {
		kernel.Status = types.KernelTerminated
		kernel.TerminatedAt = time.Now()
		if err := d.mgr.UpsertKernel(kernel); err != nil {
			return err
		}
	}
	return d.releaseSession(session, kernels)
}

// DestroyOrphanKernel removes a container an agent reported that the
// store has no record of.
func (d *Dispatcher) DestroyOrphanKernel(ctx context.Context, agentID, kernelID string) error {
	agent, err := d.mgr.GetAgent(agentID)
	if err != nil {
		return err
	}
	h, err := d.handle(agent)
	if err != nil {
		return err
	}
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Dispatch.DestroyTimeout)
	defer cancel()
	_, err = h.conn.DestroyKernel(ctx, &agentrpc.DestroyKernelRequest{
		Meta:     agentrpc.Meta{RequestID: uuid.New().String(), AttemptSeq: 1, FencedToken: d.token()},
		KernelID: kernelID,
		Reason:   "not tracked by the manager",
	})
	return err
}

// Interrupt sends an interrupt to the session's main kernel.
func (d *Dispatcher) Interrupt(ctx context.Context, sessionID string) error {
	kernel, h, err := d.mainKernelHandle(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.release()

	// Interrupts are attempts like any other southbound call: bump and
	// persist the sequence so a retransmission cannot fire twice.
	kernel.AttemptSeq++
	if err := d.mgr.UpsertKernel(kernel); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Dispatch.InterruptTimeout)
	defer cancel()
	_, err = h.conn.Interrupt(ctx, &agentrpc.InterruptRequest{
		Meta: agentrpc.Meta{
			RequestID:   uuid.New().String(),
			AttemptSeq:  kernel.AttemptSeq,
			FencedToken: d.token(),
		},
		KernelID: kernel.ID,
	})
	return err
}

// RestartSession restarts every kernel in place: RESTARTING, restart
// RPCs, RUNNING again.
func (d *Dispatcher) RestartSession(ctx context.Context, sessionID string) error {
	session, err := d.mgr.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := d.transit(session, types.SessionRestarting, ""); err != nil {
		return err
	}

	kernels, err := d.mgr.ListKernelsBySession(sessionID)
	if err != nil {
		return err
	}
	for _, kernel := range kernels {
		agent, err := d.mgr.GetAgent(kernel.AgentID)
		if err != nil {
			return err
		}
		h, err := d.handle(agent)
		if err != nil {
			return err
		}
		if err := h.acquire(ctx); err != nil {
			return err
		}
		kernel.AttemptSeq++
		resp, err := h.conn.Restart(ctx, &agentrpc.RestartRequest{
			Meta: agentrpc.Meta{
				RequestID:   uuid.New().String(),
				AttemptSeq:  kernel.AttemptSeq,
				FencedToken: d.token(),
			},
			KernelID: kernel.ID,
		})
		h.release()
		if err != nil {
			if terr := d.transit(session, types.SessionError, err.Error()); terr != nil {
				d.logger.Error().Err(terr).Str("session_id", session.ID).Msg("failed to fail session")
			}
			return err
		}
		kernel.ContainerID = resp.ContainerID
		if err := d.mgr.UpsertKernel(kernel); err != nil {
			return err
		}
	}
	return d.transit(session, types.SessionRunning, "")
}

func (d *Dispatcher) mainKernelHandle(ctx context.Context, sessionID string) (*types.Kernel, *agentHandle, error) {
	kernels, err := d.mgr.ListKernelsBySession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	for _, kernel := range kernels {
		if kernel.Role != types.RoleMain {
			continue
		}
		agent, err := d.mgr.GetAgent(kernel.AgentID)
		if err != nil {
			return nil, nil, err
		}
		h, err := d.handle(agent)
		if err != nil {
			return nil, nil, err
		}
		if err := h.acquire(ctx); err != nil {
			return nil, nil, err
		}
		return kernel, h, nil
	}
	return nil, nil, fmt.Errorf("session %s has no main kernel", sessionID)
}

func (d *Dispatcher) transit(session *types.Session, next types.SessionStatus, reason string) error {
	return d.transitWith(session, next, reason, "")
}

func (d *Dispatcher) transitWith(session *types.Session, next types.SessionStatus, reason string, result types.SessionResult) error {
	err := d.mgr.TransitSession(&manager.TransitRequest{
		SessionID:     session.ID,
		Next:          next,
		Reason:        reason,
		Result:        result,
		ExpectVersion: session.StatusVersion,
	})
	if err != nil {
		return err
	}
	session.Status = next
	session.StatusVersion++
	return nil
}
