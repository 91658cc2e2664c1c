package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/hivecompute/hive/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSessions       = []byte("sessions")
	bucketKernels        = []byte("kernels")
	bucketAgents         = []byte("agents")
	bucketPolicies       = []byte("policies")
	bucketStatusLog      = []byte("status_log")
	bucketLedger         = []byte("ledger")
	bucketSchedulerState = []byte("scheduler_state")
)

// BoltStore implements Store using BoltDB. Records are JSON values
// keyed by id; secondary lookups scan and filter like the rest of the
// store's small working sets.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hive.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSessions,
			bucketKernels,
			bucketAgents,
			bucketPolicies,
			bucketStatusLog,
			bucketLedger,
			bucketSchedulerState,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Session operations

func (s *BoltStore) CreateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketSessions, session.ID, session)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketSessions, id, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) GetSessionByName(owner types.Owner, name string) (*types.Session, error) {
	var found *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.Name == name && session.Owner.AccessKey == owner.AccessKey &&
				!types.TerminalStatus(session.Status) {
				found = &session
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("session %q: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListSessionsByGroup(group string) ([]*types.Session, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Session
	for _, session := range sessions {
		if session.ResourceGroup == group {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Session
	for _, session := range sessions {
		if session.Status == status {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateSession(session *types.Session) error {
	return s.CreateSession(session) // upsert
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// Kernel operations

func (s *BoltStore) CreateKernel(kernel *types.Kernel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketKernels, kernel.ID, kernel)
	})
}

func (s *BoltStore) GetKernel(id string) (*types.Kernel, error) {
	var kernel types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketKernels, id, &kernel)
	})
	if err != nil {
		return nil, err
	}
	return &kernel, nil
}

func (s *BoltStore) ListKernels() ([]*types.Kernel, error) {
	var kernels []*types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
			var kernel types.Kernel
			if err := json.Unmarshal(v, &kernel); err != nil {
				return err
			}
			kernels = append(kernels, &kernel)
			return nil
		})
	})
	return kernels, err
}

func (s *BoltStore) ListKernelsBySession(sessionID string) ([]*types.Kernel, error) {
	kernels, err := s.ListKernels()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Kernel
	for _, kernel := range kernels {
		if kernel.SessionID == sessionID {
			filtered = append(filtered, kernel)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListKernelsByAgent(agentID string) ([]*types.Kernel, error) {
	kernels, err := s.ListKernels()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Kernel
	for _, kernel := range kernels {
		if kernel.AgentID == agentID {
			filtered = append(filtered, kernel)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateKernel(kernel *types.Kernel) error {
	return s.CreateKernel(kernel)
}

func (s *BoltStore) DeleteKernel(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).Delete([]byte(id))
	})
}

// Agent operations

func (s *BoltStore) UpsertAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAgents, agent.ID, agent)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAgents, id, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) ListAgentsByGroup(group string) ([]*types.Agent, error) {
	agents, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Agent
	for _, agent := range agents {
		if agent.ResourceGroup == group {
			filtered = append(filtered, agent)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// Resource policies

func (s *BoltStore) SavePolicy(scope string, policy *types.ResourcePolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketPolicies, scope, policy)
	})
}

func (s *BoltStore) GetPolicy(scope string) (*types.ResourcePolicy, error) {
	var policy types.ResourcePolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPolicies, scope, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) ListPolicies() (map[string]*types.ResourcePolicy, error) {
	policies := make(map[string]*types.ResourcePolicy)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var policy types.ResourcePolicy
			if err := json.Unmarshal(v, &policy); err != nil {
				return err
			}
			policies[string(k)] = &policy
			return nil
		})
	})
	return policies, err
}

// Status history

func (s *BoltStore) AppendStatusLog(entry *types.StatusLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendStatusLog(tx, entry)
	})
}

func (s *BoltStore) ListStatusLog(sessionID string) ([]*types.StatusLogEntry, error) {
	var entries []*types.StatusLogEntry
	prefix := []byte(sessionID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStatusLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.StatusLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) ListAllStatusLog() ([]*types.StatusLogEntry, error) {
	var entries []*types.StatusLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStatusLog).ForEach(func(k, v []byte) error {
			var entry types.StatusLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// Accounting ledger

func (s *BoltStore) AppendLedger(entry *types.LedgerEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendLedger(tx, entry)
	})
}

func (s *BoltStore) ListLedger() ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLedger).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// Scheduler state

func (s *BoltStore) SaveSchedulerState(state *types.SchedulerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketSchedulerState, state.Group, state)
	})
}

func (s *BoltStore) GetSchedulerState(group string) (*types.SchedulerState, error) {
	var state types.SchedulerState
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketSchedulerState, group, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListSchedulerStates() ([]*types.SchedulerState, error) {
	var states []*types.SchedulerState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedulerState).ForEach(func(k, v []byte) error {
			var state types.SchedulerState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

// ApplyBatch applies all writes of a scheduling or cleanup cycle in one
// transaction.
func (s *BoltStore) ApplyBatch(batch *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, session := range batch.Sessions {
			if err := putJSON(tx, bucketSessions, session.ID, session); err != nil {
				return err
			}
		}
		for _, kernel := range batch.Kernels {
			if err := putJSON(tx, bucketKernels, kernel.ID, kernel); err != nil {
				return err
			}
		}
		for _, agent := range batch.Agents {
			if err := putJSON(tx, bucketAgents, agent.ID, agent); err != nil {
				return err
			}
		}
		for _, entry := range batch.StatusLog {
			if err := appendStatusLog(tx, entry); err != nil {
				return err
			}
		}
		for _, entry := range batch.Ledger {
			if err := appendLedger(tx, entry); err != nil {
				return err
			}
		}
		if batch.State != nil {
			if err := putJSON(tx, bucketSchedulerState, batch.State.Group, batch.State); err != nil {
				return err
			}
		}
		return nil
	})
}

// Helpers

func putJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func appendStatusLog(tx *bolt.Tx, entry *types.StatusLogEntry) error {
	key := statusLogKey(entry.SessionID, entry.Seq)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStatusLog).Put(key, data)
}

func appendLedger(tx *bolt.Tx, entry *types.LedgerEntry) error {
	b := tx.Bucket(bucketLedger)
	if entry.Seq == 0 {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, entry.Seq)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// statusLogKey orders entries by session then seq so a prefix cursor
// scan yields emission order.
func statusLogKey(sessionID string, seq uint64) []byte {
	key := make([]byte, 0, len(sessionID)+9)
	key = append(key, sessionID...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}
