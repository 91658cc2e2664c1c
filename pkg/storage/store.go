package storage

import (
	"errors"

	"github.com/hivecompute/hive/pkg/types"
)

// ErrNotFound is wrapped by every lookup miss so callers can use
// errors.Is regardless of record kind.
var ErrNotFound = errors.New("not found")

// Batch is a set of writes applied in one storage transaction. Used by
// the scheduler commit so a reader can never observe a partially
// applied cycle.
type Batch struct {
	Sessions  []*types.Session
	Kernels   []*types.Kernel
	Agents    []*types.Agent
	StatusLog []*types.StatusLogEntry
	Ledger    []*types.LedgerEntry
	State     *types.SchedulerState
}

// Store defines the interface for durable scheduler state.
type Store interface {
	// Sessions
	CreateSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	GetSessionByName(owner types.Owner, name string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	ListSessionsByGroup(group string) ([]*types.Session, error)
	ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error)
	UpdateSession(session *types.Session) error
	DeleteSession(id string) error

	// Kernels
	CreateKernel(kernel *types.Kernel) error
	GetKernel(id string) (*types.Kernel, error)
	ListKernels() ([]*types.Kernel, error)
	ListKernelsBySession(sessionID string) ([]*types.Kernel, error)
	ListKernelsByAgent(agentID string) ([]*types.Kernel, error)
	UpdateKernel(kernel *types.Kernel) error
	DeleteKernel(id string) error

	// Agents
	UpsertAgent(agent *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	ListAgentsByGroup(group string) ([]*types.Agent, error)
	DeleteAgent(id string) error

	// Resource policies keyed by scope key ("keypair:AK1")
	SavePolicy(scope string, policy *types.ResourcePolicy) error
	GetPolicy(scope string) (*types.ResourcePolicy, error)
	ListPolicies() (map[string]*types.ResourcePolicy, error)

	// Status history (append-only, ordered by per-session seq)
	AppendStatusLog(entry *types.StatusLogEntry) error
	ListStatusLog(sessionID string) ([]*types.StatusLogEntry, error)
	ListAllStatusLog() ([]*types.StatusLogEntry, error)

	// Accounting ledger (append-only, globally ordered)
	AppendLedger(entry *types.LedgerEntry) error
	ListLedger() ([]*types.LedgerEntry, error)

	// Scheduler state per resource group
	SaveSchedulerState(state *types.SchedulerState) error
	GetSchedulerState(group string) (*types.SchedulerState, error)
	ListSchedulerStates() ([]*types.SchedulerState, error)

	// ApplyBatch applies all writes in a single transaction.
	ApplyBatch(batch *Batch) error

	// Utility
	Close() error
}
