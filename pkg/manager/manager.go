package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/hivecompute/hive/pkg/events"
	"github.com/hivecompute/hive/pkg/log"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// Manager is one hive manager replica. All metadata writes are raft
// commands applied through the FSM; reads are served from the local
// store. With a nil raft (standalone mode) commands apply directly,
// which single-node deployments and tests use.
type Manager struct {
	nodeID   string
	raftAddr string
	dataDir  string

	raft    *raft.Raft
	fsm     *HiveFSM
	store   storage.Store
	tokens  *TokenManager
	broker  *events.Broker
	logger  zerolog.Logger
	applyTO time.Duration
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID   string
	RaftAddr string
	DataDir  string
}

// NewManager creates a Manager in standalone mode. Call Bootstrap or
// Join afterwards to start raft replication.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	m := &Manager{
		nodeID:   cfg.NodeID,
		raftAddr: cfg.RaftAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewHiveFSM(store, broker),
		store:    store,
		tokens:   NewTokenManager(),
		broker:   broker,
		logger:   log.WithComponent("manager").With().Str("node_id", cfg.NodeID).Logger(),
		applyTO:  5 * time.Second,
	}
	return m, nil
}

// raftConfig tunes election timing for LAN failover well under the
// scheduler lock TTL, so a new leader is in place before leases lapse.
func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (m *Manager) setupRaft() error {
	addr, err := net.ResolveTCPAddr("tcp", m.raftAddr)
	if err != nil {
		return fmt.Errorf("resolve raft address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.raftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(m.raftConfig(), m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	return nil
}

// Bootstrap initializes a new single-node raft cluster.
func (m *Manager) Bootstrap() error {
	if err := m.setupRaft(); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: raft.ServerAddress(m.raftAddr)},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	m.logger.Info().Str("raft_addr", m.raftAddr).Msg("bootstrapped raft cluster")
	return nil
}

// JoinFunc asks an existing leader to add this replica as a voter. The
// northbound client implements it; injected here to keep the transport
// out of the manager package.
type JoinFunc func(nodeID, raftAddr, token string) error

// Join starts raft and registers this replica with the current leader.
func (m *Manager) Join(join JoinFunc, token string) error {
	if err := m.setupRaft(); err != nil {
		return err
	}
	if err := join(m.nodeID, m.raftAddr, token); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	m.logger.Info().Str("raft_addr", m.raftAddr).Msg("joined raft cluster")
	return nil
}

// AddVoter adds a new manager replica to the raft cluster.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a replica from the raft cluster.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// IsLeader reports whether this replica is the raft leader. Standalone
// managers are always leaders.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return true
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return m.raftAddr
	}
	return string(m.raft.Leader())
}

// RaftStats returns raft replication statistics.
func (m *Manager) RaftStats() map[string]interface{} {
	if m.raft == nil {
		return map[string]interface{}{"state": "standalone"}
	}
	return map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}
}

// EventBroker returns the local event broker.
func (m *Manager) EventBroker() *events.Broker {
	return m.broker
}

// Store exposes the local store for read-only consumers.
func (m *Manager) Store() storage.Store {
	return m.store
}

// apply submits a command to the raft cluster, or applies it directly
// in standalone mode.
func (m *Manager) apply(cmd Command) error {
	if m.raft == nil {
		return m.fsm.applyCommand(cmd)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	future := m.raft.Apply(data, m.applyTO)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyWith(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.apply(Command{Op: op, Data: data})
}

// EnqueueSession admits a new PENDING session.
func (m *Manager) EnqueueSession(session *types.Session) error {
	return m.applyWith("enqueue_session", session)
}

// TransitSession moves a session along a declared edge, compare-and-set
// on the status version when req.ExpectVersion is non-zero.
func (m *Manager) TransitSession(req *TransitRequest) error {
	return m.applyWith("transit_session", req)
}

// CommitSchedule applies one scheduling cycle's writes atomically under
// the scheduler's fenced token.
func (m *Manager) CommitSchedule(req *CommitScheduleRequest) error {
	return m.applyWith("commit_schedule", req)
}

// UpsertKernel writes a kernel record.
func (m *Manager) UpsertKernel(kernel *types.Kernel) error {
	return m.applyWith("upsert_kernel", kernel)
}

// DeleteKernel removes a kernel record.
func (m *Manager) DeleteKernel(id string) error {
	return m.applyWith("delete_kernel", id)
}

// UpsertAgent writes an agent record (registration and heartbeats).
func (m *Manager) UpsertAgent(agent *types.Agent) error {
	return m.applyWith("upsert_agent", agent)
}

// DeleteAgent removes an agent record.
func (m *Manager) DeleteAgent(id string) error {
	return m.applyWith("delete_agent", id)
}

// DeleteSession removes a terminal session record (sweeper).
func (m *Manager) DeleteSession(id string) error {
	return m.applyWith("delete_session", id)
}

// AppendLedger appends accounting entries.
func (m *Manager) AppendLedger(entries []*types.LedgerEntry) error {
	return m.applyWith("append_ledger", entries)
}

// SavePolicy writes the resource policy for one scope.
func (m *Manager) SavePolicy(scope string, policy *types.ResourcePolicy) error {
	return m.applyWith("save_policy", &policyUpdate{Scope: scope, Policy: policy})
}

// SaveSchedulerState persists the per-group scheduling cursor.
func (m *Manager) SaveSchedulerState(state *types.SchedulerState) error {
	return m.applyWith("save_scheduler_state", state)
}

// SetSessionPriority changes the queue priority of a pending session.
func (m *Manager) SetSessionPriority(id string, priority int) error {
	return m.applyWith("set_priority", &priorityUpdate{SessionID: id, Priority: priority})
}

// DrainAgent marks an agent as draining (or alive again), excluding it
// from new placements while running kernels continue.
func (m *Manager) DrainAgent(id string, drain bool) error {
	agent, err := m.store.GetAgent(id)
	if err != nil {
		return err
	}
	if drain {
		agent.Status = types.AgentDraining
	} else {
		agent.Status = types.AgentAlive
	}
	return m.UpsertAgent(agent)
}

// Read accessors, served from the local store.

func (m *Manager) GetSession(id string) (*types.Session, error) {
	return m.store.GetSession(id)
}

func (m *Manager) GetSessionByName(owner types.Owner, name string) (*types.Session, error) {
	return m.store.GetSessionByName(owner, name)
}

func (m *Manager) ListSessions() ([]*types.Session, error) {
	return m.store.ListSessions()
}

func (m *Manager) ListSessionsByGroup(group string) ([]*types.Session, error) {
	return m.store.ListSessionsByGroup(group)
}

func (m *Manager) ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error) {
	return m.store.ListSessionsByStatus(status)
}

func (m *Manager) GetKernel(id string) (*types.Kernel, error) {
	return m.store.GetKernel(id)
}

func (m *Manager) ListKernelsBySession(sessionID string) ([]*types.Kernel, error) {
	return m.store.ListKernelsBySession(sessionID)
}

func (m *Manager) ListKernelsByAgent(agentID string) ([]*types.Kernel, error) {
	return m.store.ListKernelsByAgent(agentID)
}

func (m *Manager) GetAgent(id string) (*types.Agent, error) {
	return m.store.GetAgent(id)
}

func (m *Manager) ListAgents() ([]*types.Agent, error) {
	return m.store.ListAgents()
}

func (m *Manager) ListAgentsByGroup(group string) ([]*types.Agent, error) {
	return m.store.ListAgentsByGroup(group)
}

func (m *Manager) GetPolicy(scope string) (*types.ResourcePolicy, error) {
	return m.store.GetPolicy(scope)
}

func (m *Manager) ListStatusLog(sessionID string) ([]*types.StatusLogEntry, error) {
	return m.store.ListStatusLog(sessionID)
}

func (m *Manager) ListLedger() ([]*types.LedgerEntry, error) {
	return m.store.ListLedger()
}

func (m *Manager) GetSchedulerState(group string) (*types.SchedulerState, error) {
	return m.store.GetSchedulerState(group)
}

// GenerateJoinToken generates a join token for adding replicas.
func (m *Manager) GenerateJoinToken(role string) (*JoinToken, error) {
	if !m.IsLeader() {
		return nil, fmt.Errorf("not the leader, tokens can only be generated by the leader")
	}
	return m.tokens.GenerateToken(role, 24*time.Hour)
}

// ValidateJoinToken validates a join token and returns its role.
func (m *Manager) ValidateJoinToken(token string) (string, error) {
	return m.tokens.ValidateToken(token)
}

// Shutdown gracefully shuts down the manager.
func (m *Manager) Shutdown() error {
	if m.broker != nil {
		m.broker.Stop()
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}
