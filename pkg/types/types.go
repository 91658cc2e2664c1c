package types

import (
	"time"

	"github.com/hivecompute/hive/pkg/slots"
)

// Session is the user-visible unit of compute: one or more kernels
// scheduled and torn down together.
type Session struct {
	ID            string
	Name          string
	Owner         Owner
	ResourceGroup string

	Type        SessionType
	ClusterMode ClusterMode
	ClusterSize int
	Priority    int

	Requested slots.Slots
	Images    map[KernelRole]string // image reference per kernel role
	Arch      string

	Mounts    []string // opaque virtual-folder references
	Env       map[string]string
	Bootstrap string

	StartsAt    *time.Time
	IdleTimeout time.Duration
	MaxLifetime time.Duration
	DependsOn   []string // batch mode only

	Status        SessionStatus
	StatusVersion uint64
	StatusReason  string
	Result        SessionResult

	EnqueuedAt   time.Time
	ScheduledAt  time.Time
	StartedAt    time.Time
	TerminatedAt time.Time
	LastActivity time.Time
}

// Owner identifies the requesting keypair and the user/group/domain it
// belongs to. All four levels carry independent resource policies.
type Owner struct {
	AccessKey string
	UserID    string
	GroupID   string
	Domain    string
}

// ScopeKind selects one level of the ownership hierarchy.
type ScopeKind string

const (
	ScopeKeypair ScopeKind = "keypair"
	ScopeUser    ScopeKind = "user"
	ScopeGroup   ScopeKind = "group"
	ScopeDomain  ScopeKind = "domain"
)

// ScopeRef names a single accounting scope, e.g. {keypair, "AKIA..."}.
type ScopeRef struct {
	Kind ScopeKind
	ID   string
}

// Key returns the canonical string form used as a storage key.
func (s ScopeRef) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// Scopes returns every accounting scope the owner belongs to.
func (o Owner) Scopes() []ScopeRef {
	return []ScopeRef{
		{ScopeKeypair, o.AccessKey},
		{ScopeUser, o.UserID},
		{ScopeGroup, o.GroupID},
		{ScopeDomain, o.Domain},
	}
}

// SessionType distinguishes scheduling behavior, not resources.
type SessionType string

const (
	SessionInteractive SessionType = "interactive"
	SessionBatch       SessionType = "batch"
	SessionInference   SessionType = "inference"
	SessionSystem      SessionType = "system"
)

// ClusterMode selects single-node or multi-node kernel placement.
type ClusterMode string

const (
	ClusterSingleNode ClusterMode = "single-node"
	ClusterMultiNode  ClusterMode = "multi-node"
)

// SessionResult records how a terminated session ended. Batch dependency
// gates require SessionSuccess on every upstream session.
type SessionResult string

const (
	ResultUnknown SessionResult = "unknown"
	ResultSuccess SessionResult = "success"
	ResultFailure SessionResult = "failure"
)

// SessionStatus is the session lifecycle state. Only the transitions
// enumerated in transitions.go are legal.
type SessionStatus string

const (
	SessionPending         SessionStatus = "PENDING"
	SessionScheduled       SessionStatus = "SCHEDULED"
	SessionPreparing       SessionStatus = "PREPARING"
	SessionPulling         SessionStatus = "PULLING"
	SessionPrepared        SessionStatus = "PREPARED"
	SessionCreating        SessionStatus = "CREATING"
	SessionRunning         SessionStatus = "RUNNING"
	SessionRestarting      SessionStatus = "RESTARTING"
	SessionRunningDegraded SessionStatus = "RUNNING_DEGRADED"
	SessionTerminating     SessionStatus = "TERMINATING"
	SessionTerminated      SessionStatus = "TERMINATED"
	SessionCancelled       SessionStatus = "CANCELLED"
	SessionError           SessionStatus = "ERROR"
)

// Kernel is one container of a session.
type Kernel struct {
	ID        string
	SessionID string

	Role  KernelRole
	Index int

	Image string
	Arch  string

	Allocated slots.Slots

	AgentID     string // empty until scheduled
	ContainerID string // empty until created

	ServicePorts []PortBinding

	Status     KernelStatus
	AttemptSeq uint64 // last dispatch attempt sent for this kernel
	ExitCode   int
	Error      string

	CreatedAt    time.Time
	StartedAt    time.Time
	TerminatedAt time.Time
}

// KernelRole marks the main kernel vs. secondary cluster members.
type KernelRole string

const (
	RoleMain KernelRole = "main"
	RoleSub  KernelRole = "sub"
)

// KernelStatus mirrors the subset of the session machine a single
// container moves through.
type KernelStatus string

const (
	KernelPending    KernelStatus = "pending"
	KernelScheduled  KernelStatus = "scheduled"
	KernelCreating   KernelStatus = "creating"
	KernelRunning    KernelStatus = "running"
	KernelTerminated KernelStatus = "terminated"
	KernelLost       KernelStatus = "lost"
	KernelError      KernelStatus = "error"
)

// PortBinding exposes a service port of a kernel.
type PortBinding struct {
	Name          string
	ContainerPort int
	HostPort      int
	Protocol      string
}

// Agent is a worker node addressed by RPC.
type Agent struct {
	ID            string
	Addr          string
	ResourceGroup string
	Arch          string

	Total    slots.Slots
	Occupied slots.Slots

	// ConcurrencyBudget caps in-flight create RPCs to this agent.
	ConcurrencyBudget int

	RunningKernels []string // kernel ids reported by the last heartbeat

	Status        AgentStatus
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// AgentStatus is the liveness state of a worker node.
type AgentStatus string

const (
	AgentAlive      AgentStatus = "alive"
	AgentLost       AgentStatus = "lost"
	AgentDraining   AgentStatus = "draining"
	AgentTerminated AgentStatus = "terminated"
)

// ResourcePolicy caps what a single scope may hold. Zero-valued caps mean
// unlimited; slot caps use slots.Unlimited as the absorbing sentinel.
type ResourcePolicy struct {
	TotalSlots         slots.Slots
	MaxConcurrent      int
	MaxPending         int
	MaxPendingSlots    slots.Slots
	AllowedMountHosts  []string
	AllowedRegistries  []string
	IdleTimeout        time.Duration
	MaxSessionLifetime time.Duration
}

// SchedulerState is the durable per-resource-group scheduling cursor.
type SchedulerState struct {
	Group         string
	FencedToken   uint64 // highest lease token seen for this group
	Retries       map[string]int // session id -> consecutive failed placements
	LastScheduled map[string]time.Time
	LastCycleAt   time.Time
}

// StatusLogEntry is one append-only row of a session's status history.
// Seq is monotonically increasing per session.
type StatusLogEntry struct {
	SessionID string
	Seq       uint64
	Status    SessionStatus
	Reason    string
	At        time.Time
}

// LedgerDirection tags a double-entry accounting delta.
type LedgerDirection string

const (
	LedgerReserve LedgerDirection = "reserve"
	LedgerConfirm LedgerDirection = "confirm"
	LedgerRelease LedgerDirection = "release"
)

// LedgerEntry is one accounting delta. Every reserve/release is written
// with both its agent side and its scope sides so the running totals can
// be recomputed from scratch.
type LedgerEntry struct {
	Seq       uint64
	SessionID string
	KernelID  string
	AgentID   string
	Scopes    []ScopeRef
	Delta     slots.Slots
	Direction LedgerDirection
	At        time.Time
}
