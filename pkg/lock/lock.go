package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when another holder currently owns the
// lease for the requested scope.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLeaseLost is returned by Renew/Release when the lease has expired
// or been taken over by a newer holder.
var ErrLeaseLost = errors.New("lease lost")

// Lease is a held scheduler-leader lock for one scope (resource group).
// Token is a fencing token: strictly increasing per scope across every
// successful acquisition, so writes tagged with an old token can be
// rejected after a takeover.
type Lease interface {
	Scope() string
	Token() uint64
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker grants per-scope leases with a TTL. Exactly one holder per
// scope at a time; expiry makes the scope acquirable again.
type Locker interface {
	Acquire(ctx context.Context, scope string, ttl time.Duration) (Lease, error)
}

// Backend names the configured lock implementation.
type Backend string

const (
	BackendRedis Backend = "redis"
	BackendBolt  Backend = "bolt"
	BackendFile  Backend = "file"
)
