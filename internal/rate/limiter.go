// Package rate provides the atomic Redis primitives every SIWO rate-limit
// scope is built from. Each operation is a single server-side script, so
// concurrent callers can never interleave a read-modify-write.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bumpSlidingLua appends a member to a sliding window, prunes entries older
// than the window and reports whether the post-prune count exceeds the max.
// Members are set-deduplicated, which is exactly what the distinct-emails
// scope wants; time-keyed scopes pass a unique member per bump.
//
// KEYS[1] = window zset
// ARGV[1] = now (unix ms), ARGV[2] = window (ms), ARGV[3] = max, ARGV[4] = member
var bumpSlidingLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
redis.call('PEXPIRE', KEYS[1], window)

local count = redis.call('ZCARD', KEYS[1])
if count > max then
  return {1, count}
end
return {0, count}
`)

// peekSlidingLua prunes and counts without recording a bump.
var peekSlidingLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
return redis.call('ZCARD', KEYS[1])
`)

// bumpFixedLua increments a counter, arming the TTL on the first hit only, or
// refreshing it on every hit when ARGV[2] is "1" (cooldown measured from the
// most recent attempt). Returns {count, pttl}.
var bumpFixedLua = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or ARGV[2] == '1' then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// acquireLockLua is a set-if-absent mutex with a bounded TTL. When the lock
// is held it returns the remaining TTL as a retry-after hint.
var acquireLockLua = redis.NewScript(`
local ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
if ok then
  return {1, 0}
end
return {0, redis.call('PTTL', KEYS[1])}
`)

// releaseLockLua deletes the lock only if this caller still owns it.
var releaseLockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Limiter executes the scope-qualified primitives against Redis.
// The scripts are package-level: go-redis registers them lazily per process
// and transparently re-sends the body on a NOSCRIPT reply.
type Limiter struct {
	redis redis.UniversalClient
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Limiter {
	return &Limiter{redis: redisClient}
}

// BumpSlidingCounter records member in the scope's sliding window and reports
// whether the window now holds more than max entries.
func (l *Limiter) BumpSlidingCounter(ctx context.Context, scopeKey string, now time.Time, window time.Duration, max int, member string) (bool, int, error) {
	result, err := bumpSlidingLua.Run(ctx, l.redis,
		[]string{scopeKey},
		now.UnixMilli(), window.Milliseconds(), max, member,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	return result[0] == 1, int(result[1]), nil
}

// PeekSlidingCounter returns the current post-prune size of the window
// without recording an entry.
func (l *Limiter) PeekSlidingCounter(ctx context.Context, scopeKey string, now time.Time, window time.Duration) (int, error) {
	count, err := peekSlidingLua.Run(ctx, l.redis,
		[]string{scopeKey},
		now.UnixMilli(), window.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count, nil
}

// BumpFixedCounter increments the scope's fixed counter. With refreshTTL the
// window restarts on every bump. It reports whether the new value reaches or
// exceeds max, the value itself, and how long until the counter resets.
func (l *Limiter) BumpFixedCounter(ctx context.Context, scopeKey string, ttl time.Duration, max int, refreshTTL bool) (bool, int64, time.Duration, error) {
	refresh := "0"
	if refreshTTL {
		refresh = "1"
	}
	result, err := bumpFixedLua.Run(ctx, l.redis,
		[]string{scopeKey},
		ttl.Milliseconds(), refresh,
	).Int64Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(result) != 2 {
		return false, 0, 0, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	remaining := time.Duration(result[1]) * time.Millisecond
	return result[0] >= int64(max), result[0], remaining, nil
}

// GetFixedCounter reads a fixed counter and its remaining TTL without
// incrementing. Missing keys read as zero.
func (l *Limiter) GetFixedCounter(ctx context.Context, scopeKey string) (int64, time.Duration, error) {
	pipe := l.redis.Pipeline()
	getCmd := pipe.Get(ctx, scopeKey)
	ttlCmd := pipe.PTTL(ctx, scopeKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count, err := getCmd.Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count, ttlCmd.Val(), nil
}

// AcquireConcurrencyLock attempts a set-if-absent lock. When not acquired the
// returned duration is the remaining TTL of the current holder.
func (l *Limiter) AcquireConcurrencyLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, time.Duration, error) {
	result, err := acquireLockLua.Run(ctx, l.redis,
		[]string{key},
		owner, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	return result[0] == 1, time.Duration(result[1]) * time.Millisecond, nil
}

// ReleaseConcurrencyLock releases the lock if owner still holds it. Releasing
// an expired or stolen lock is a no-op.
func (l *Limiter) ReleaseConcurrencyLock(ctx context.Context, key, owner string) error {
	if err := releaseLockLua.Run(ctx, l.redis, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
