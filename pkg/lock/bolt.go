package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var locksBucket = []byte("locks")

// lockRecord is the persisted state of one scope's advisory lock.
type lockRecord struct {
	Holder    string    `json:"holder"`
	Token     uint64    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltLocker implements Locker as advisory records in a bolt database,
// for single-node deployments where manager replicas share a data
// directory. Tokens are monotonic per scope: every acquisition writes
// the previous record's token plus one, whether the previous holder
// released or merely expired.
type BoltLocker struct {
	db     *bolt.DB
	holder string
	now    func() time.Time
}

func NewBoltLocker(dataDir string) (*BoltLocker, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "locks.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open lock database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(locksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltLocker{db: db, holder: uuid.New().String(), now: time.Now}, nil
}

func (l *BoltLocker) Close() error { return l.db.Close() }

func (l *BoltLocker) Acquire(ctx context.Context, scope string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var token uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(locksBucket)

		var prev lockRecord
		if data := bucket.Get([]byte(scope)); data != nil {
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			if l.now().Before(prev.ExpiresAt) && prev.Holder != l.holder {
				return ErrNotAcquired
			}
		}

		token = prev.Token + 1
		record := lockRecord{Holder: l.holder, Token: token, ExpiresAt: l.now().Add(ttl)}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(scope), data)
	})
	if err != nil {
		return nil, err
	}

	return &boltLease{locker: l, scope: scope, token: token, ttl: ttl}, nil
}

type boltLease struct {
	locker *BoltLocker
	scope  string
	token  uint64
	ttl    time.Duration
}

func (l *boltLease) Scope() string { return l.scope }
func (l *boltLease) Token() uint64 { return l.token }

func (l *boltLease) Renew(ctx context.Context) error {
	return l.update(ctx, func(record *lockRecord) {
		record.ExpiresAt = l.locker.now().Add(l.ttl)
	})
}

func (l *boltLease) Release(ctx context.Context) error {
	// Keep the record so the token counter survives release.
	return l.update(ctx, func(record *lockRecord) {
		record.ExpiresAt = l.locker.now()
	})
}

func (l *boltLease) update(ctx context.Context, mutate func(*lockRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.locker.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(locksBucket)
		data := bucket.Get([]byte(l.scope))
		if data == nil {
			return ErrLeaseLost
		}

		var record lockRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if record.Holder != l.locker.holder || record.Token != l.token {
			return ErrLeaseLost
		}

		mutate(&record)
		updated, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(l.scope), updated)
	})
}
