package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/hivecompute/hive/pkg/events"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// HiveFSM implements the raft finite state machine. Every cluster-state
// mutation goes through Apply, so all replicas hold identical metadata
// and reject the same stale or invalid writes.
type HiveFSM struct {
	mu     sync.RWMutex
	store  storage.Store
	broker *events.Broker
}

// NewHiveFSM creates a new FSM instance over the local store.
func NewHiveFSM(store storage.Store, broker *events.Broker) *HiveFSM {
	return &HiveFSM{store: store, broker: broker}
}

// Command represents a state change operation in the raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// TransitRequest moves one session along a declared edge.
type TransitRequest struct {
	SessionID string              `json:"session_id"`
	Next      types.SessionStatus `json:"next"`
	Reason    string              `json:"reason,omitempty"`
	Result    types.SessionResult `json:"result,omitempty"`
	// ExpectVersion is the CAS guard. Zero skips the version check; the
	// edge check and the same-status idempotency check still apply.
	ExpectVersion uint64    `json:"expect_version,omitempty"`
	At            time.Time `json:"at"`
}

// CommitScheduleRequest applies one scheduling cycle atomically. The
// fenced token must be at least as new as the newest lease token this
// group has committed with, otherwise the whole batch is rejected.
type CommitScheduleRequest struct {
	Group       string         `json:"group"`
	FencedToken uint64         `json:"fenced_token"`
	Batch       *storage.Batch `json:"batch"`
}

type policyUpdate struct {
	Scope  string                `json:"scope"`
	Policy *types.ResourcePolicy `json:"policy"`
}

type priorityUpdate struct {
	SessionID string `json:"session_id"`
	Priority  int    `json:"priority"`
}

// Apply applies a committed raft log entry to the FSM.
func (f *HiveFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}
	return f.applyCommand(cmd)
}

// applyCommand is shared between the raft path and standalone mode so
// both apply identical semantics.
func (f *HiveFSM) applyCommand(cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "enqueue_session":
		var session types.Session
		if err := json.Unmarshal(cmd.Data, &session); err != nil {
			return err
		}
		return f.applyEnqueue(&session)

	case "transit_session":
		var req TransitRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		return f.applyTransit(&req)

	case "commit_schedule":
		var req CommitScheduleRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		return f.applyCommitSchedule(&req)

	case "upsert_kernel":
		var kernel types.Kernel
		if err := json.Unmarshal(cmd.Data, &kernel); err != nil {
			return err
		}
		return f.store.UpdateKernel(&kernel)

	case "delete_kernel":
		var kernelID string
		if err := json.Unmarshal(cmd.Data, &kernelID); err != nil {
			return err
		}
		return f.store.DeleteKernel(kernelID)

	case "upsert_agent":
		var agent types.Agent
		if err := json.Unmarshal(cmd.Data, &agent); err != nil {
			return err
		}
		return f.store.UpsertAgent(&agent)

	case "delete_agent":
		var agentID string
		if err := json.Unmarshal(cmd.Data, &agentID); err != nil {
			return err
		}
		return f.store.DeleteAgent(agentID)

	case "delete_session":
		var sessionID string
		if err := json.Unmarshal(cmd.Data, &sessionID); err != nil {
			return err
		}
		return f.store.DeleteSession(sessionID)

	case "append_ledger":
		var entries []*types.LedgerEntry
		if err := json.Unmarshal(cmd.Data, &entries); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := f.store.AppendLedger(entry); err != nil {
				return err
			}
		}
		return nil

	case "save_policy":
		var update policyUpdate
		if err := json.Unmarshal(cmd.Data, &update); err != nil {
			return err
		}
		return f.store.SavePolicy(update.Scope, update.Policy)

	case "set_priority":
		var update priorityUpdate
		if err := json.Unmarshal(cmd.Data, &update); err != nil {
			return err
		}
		return f.applySetPriority(&update)

	case "save_scheduler_state":
		var state types.SchedulerState
		if err := json.Unmarshal(cmd.Data, &state); err != nil {
			return err
		}
		return f.store.SaveSchedulerState(&state)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *HiveFSM) applyEnqueue(session *types.Session) error {
	if session.Status != types.SessionPending {
		return types.NewError(types.KindValidation,
			fmt.Sprintf("session %s must enqueue as PENDING, got %s", session.ID, session.Status), nil)
	}
	if _, err := f.store.GetSession(session.ID); err == nil {
		return nil // duplicate enqueue is a no-op
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	session.StatusVersion = 1
	if session.EnqueuedAt.IsZero() {
		session.EnqueuedAt = time.Now()
	}
	if err := f.store.CreateSession(session); err != nil {
		return err
	}
	entry := &types.StatusLogEntry{
		SessionID: session.ID,
		Seq:       session.StatusVersion,
		Status:    types.SessionPending,
		At:        session.EnqueuedAt,
	}
	if err := f.store.AppendStatusLog(entry); err != nil {
		return err
	}
	f.emitSessionStatus(session, "")
	return nil
}

// applySetPriority bumps the queue priority of a session that has not
// been scheduled yet. Anything past PENDING already left the queue.
func (f *HiveFSM) applySetPriority(update *priorityUpdate) error {
	session, err := f.store.GetSession(update.SessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionPending {
		return fmt.Errorf("session %s is %s: %w",
			session.ID, session.Status, types.ErrInvalidTransition)
	}
	session.Priority = update.Priority
	return f.store.UpdateSession(session)
}

func (f *HiveFSM) applyTransit(req *TransitRequest) error {
	session, err := f.store.GetSession(req.SessionID)
	if err != nil {
		return err
	}

	// CAS first: a writer holding a stale version must lose even when the
	// session already sits at its target status, or two replicas racing
	// the same edge would both see success.
	if req.ExpectVersion != 0 && session.StatusVersion != req.ExpectVersion {
		return fmt.Errorf("session %s at version %d, expected %d: %w",
			session.ID, session.StatusVersion, req.ExpectVersion, types.ErrStaleTransition)
	}
	// Idempotency: version-less retransmissions to the current status
	// succeed without a new version or history row.
	if session.Status == req.Next {
		return nil
	}
	if !types.ValidTransition(session.Status, req.Next) {
		return fmt.Errorf("session %s: %s -> %s: %w",
			session.ID, session.Status, req.Next, types.ErrInvalidTransition)
	}

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	session.Status = req.Next
	session.StatusVersion++
	session.StatusReason = req.Reason
	if req.Result != "" {
		session.Result = req.Result
	}
	switch req.Next {
	case types.SessionScheduled:
		session.ScheduledAt = at
	case types.SessionRunning:
		if session.StartedAt.IsZero() {
			session.StartedAt = at
		}
		session.LastActivity = at
	case types.SessionTerminated, types.SessionCancelled:
		session.TerminatedAt = at
	case types.SessionPending:
		// Re-enqueue after a retriable dispatch failure: placement and
		// schedule timestamps reset, history is preserved.
		session.ScheduledAt = time.Time{}
	}

	if err := f.store.UpdateSession(session); err != nil {
		return err
	}
	entry := &types.StatusLogEntry{
		SessionID: session.ID,
		Seq:       session.StatusVersion,
		Status:    session.Status,
		Reason:    req.Reason,
		At:        at,
	}
	if err := f.store.AppendStatusLog(entry); err != nil {
		return err
	}
	f.emitSessionStatus(session, req.Reason)
	return nil
}

func (f *HiveFSM) applyCommitSchedule(req *CommitScheduleRequest) error {
	state, err := f.store.GetSchedulerState(req.Group)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if state != nil && req.FencedToken < state.FencedToken {
		return fmt.Errorf("group %s: token %d < %d: %w",
			req.Group, req.FencedToken, state.FencedToken, types.ErrStaleToken)
	}

	if err := f.store.ApplyBatch(req.Batch); err != nil {
		return err
	}
	for i, session := range req.Batch.Sessions {
		reason := ""
		if i < len(req.Batch.StatusLog) {
			reason = req.Batch.StatusLog[i].Reason
		}
		f.emitSessionStatus(session, reason)
	}
	return nil
}

// emitSessionStatus publishes a session.status event with the status
// version as its sequence number. Versions are assigned inside Apply,
// so every replica emits the same (key, seq) pair and consumers can
// deduplicate across replicas.
func (f *HiveFSM) emitSessionStatus(session *types.Session, reason string) {
	if f.broker == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"status": string(session.Status),
		"reason": reason,
	})
	f.broker.Deliver(&events.Message{
		Topic:   events.TopicSessionStatus,
		Key:     session.ID,
		Seq:     session.StatusVersion,
		Payload: payload,
		At:      time.Now(),
	})
}

// Snapshot creates a point-in-time snapshot of the FSM for log
// compaction.
func (f *HiveFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sessions, err := f.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	kernels, err := f.store.ListKernels()
	if err != nil {
		return nil, fmt.Errorf("list kernels: %w", err)
	}
	agents, err := f.store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	policies, err := f.store.ListPolicies()
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	statusLog, err := f.store.ListAllStatusLog()
	if err != nil {
		return nil, fmt.Errorf("list status log: %w", err)
	}
	ledger, err := f.store.ListLedger()
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	states, err := f.store.ListSchedulerStates()
	if err != nil {
		return nil, fmt.Errorf("list scheduler states: %w", err)
	}

	return &hiveSnapshot{
		Sessions:  sessions,
		Kernels:   kernels,
		Agents:    agents,
		Policies:  policies,
		StatusLog: statusLog,
		Ledger:    ledger,
		States:    states,
	}, nil
}

// Restore rebuilds the FSM from a snapshot after a restart or join.
func (f *HiveFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot hiveSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, session := range snapshot.Sessions {
		if err := f.store.CreateSession(session); err != nil {
			return fmt.Errorf("restore session %s: %w", session.ID, err)
		}
	}
	for _, kernel := range snapshot.Kernels {
		if err := f.store.CreateKernel(kernel); err != nil {
			return fmt.Errorf("restore kernel %s: %w", kernel.ID, err)
		}
	}
	for _, agent := range snapshot.Agents {
		if err := f.store.UpsertAgent(agent); err != nil {
			return fmt.Errorf("restore agent %s: %w", agent.ID, err)
		}
	}
	for scope, policy := range snapshot.Policies {
		if err := f.store.SavePolicy(scope, policy); err != nil {
			return fmt.Errorf("restore policy %s: %w", scope, err)
		}
	}
	for _, entry := range snapshot.StatusLog {
		if err := f.store.AppendStatusLog(entry); err != nil {
			return fmt.Errorf("restore status log: %w", err)
		}
	}
	for _, entry := range snapshot.Ledger {
		if err := f.store.AppendLedger(entry); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
	}
	for _, state := range snapshot.States {
		if err := f.store.SaveSchedulerState(state); err != nil {
			return fmt.Errorf("restore scheduler state %s: %w", state.Group, err)
		}
	}
	return nil
}

// hiveSnapshot is a full copy of the metadata store.
type hiveSnapshot struct {
	Sessions  []*types.Session
	Kernels   []*types.Kernel
	Agents    []*types.Agent
	Policies  map[string]*types.ResourcePolicy
	StatusLog []*types.StatusLogEntry
	Ledger    []*types.LedgerEntry
	States    []*types.SchedulerState
}

// Persist writes the snapshot to the given sink.
func (s *hiveSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources.
func (s *hiveSnapshot) Release() {}
