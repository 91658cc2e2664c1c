package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fenceKeyPrefix = "hive:fence:"
	lockKeyPrefix  = "hive:lock:"
)

// releaseScript deletes the lock only if we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only if we still hold the lock.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker on a shared redis instance. The fence
// counter is a plain INCR key, so tokens are strictly increasing per
// scope even across holder crashes.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, scope string, ttl time.Duration) (Lease, error) {
	token, err := l.rdb.Incr(ctx, fenceKeyPrefix+scope).Uint64()
	if err != nil {
		return nil, fmt.Errorf("advance fence counter: %w", err)
	}

	ok, err := l.rdb.SetNX(ctx, lockKeyPrefix+scope, strconv.FormatUint(token, 10), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", scope, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return &redisLease{rdb: l.rdb, scope: scope, token: token, ttl: ttl}, nil
}

type redisLease struct {
	rdb   *redis.Client
	scope string
	token uint64
	ttl   time.Duration
}

func (l *redisLease) Scope() string { return l.scope }
func (l *redisLease) Token() uint64 { return l.token }

func (l *redisLease) Renew(ctx context.Context) error {
	val := strconv.FormatUint(l.token, 10)
	n, err := renewScript.Run(ctx, l.rdb, []string{lockKeyPrefix + l.scope}, val, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.scope, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	val := strconv.FormatUint(l.token, 10)
	n, err := releaseScript.Run(ctx, l.rdb, []string{lockKeyPrefix + l.scope}, val).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.scope, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
