package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerContention(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	locker := NewRedisLocker(rdb)

	lease, err := locker.Acquire(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "default", lease.Scope())

	_, err = locker.Acquire(ctx, "default", time.Minute)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	// Other scopes are independent.
	other, err := locker.Acquire(ctx, "gpu", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.True(t, errors.Is(lease.Renew(ctx), ErrLeaseLost))
}

func TestRedisLockerTokensIncreaseAcrossExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	locker := NewRedisLocker(rdb)

	first, err := locker.Acquire(ctx, "default", time.Minute)
	require.NoError(t, err)

	// Holder crashes; the TTL elapses without a release.
	mr.FastForward(2 * time.Minute)

	second, err := locker.Acquire(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, second.Token(), first.Token())

	// The stale lease can no longer renew or release.
	assert.True(t, errors.Is(first.Renew(ctx), ErrLeaseLost))
}

func TestBoltLocker(t *testing.T) {
	locker, err := NewBoltLocker(t.TempDir())
	require.NoError(t, err)
	defer locker.Close()

	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lease.Token())

	// Simulate a takeover after expiry by pointing the clock forward.
	locker.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	takeover, err := locker.Acquire(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), takeover.Token())

	// The expired lease lost its claim.
	assert.True(t, errors.Is(lease.Renew(ctx), ErrLeaseLost))
	assert.True(t, errors.Is(lease.Release(ctx), ErrLeaseLost))

	require.NoError(t, takeover.Renew(ctx))
	require.NoError(t, takeover.Release(ctx))

	// Token counter survives release.
	again, err := locker.Acquire(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), again.Token())
}

func TestFileLocker(t *testing.T) {
	dir := t.TempDir()

	locker, err := NewFileLocker(dir)
	require.NoError(t, err)

	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lease.Token())

	// A second locker instance over the same directory contends on the
	// same OS lock.
	other, err := NewFileLocker(dir)
	require.NoError(t, err)
	_, err = other.Acquire(ctx, "default", 0)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Release(ctx))

	next, err := other.Acquire(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Token())
	require.NoError(t, next.Release(ctx))
}
