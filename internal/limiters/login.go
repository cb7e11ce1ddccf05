package limiters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oseh/siwo/internal/rate"
)

// LoginConfig tunes the per-token password-check budget.
type LoginConfig struct {
	// MaxAttempts failed guesses before the cooldown engages.
	MaxAttempts int
	// Cooldown is measured from the most recent failed attempt.
	Cooldown time.Duration
	// LockTTL bounds the per-jti concurrency lock so a crashed request cannot
	// permanently wedge the token.
	LockTTL time.Duration
	// DedupeTTL is how long an identical guess stays deduplicated.
	DedupeTTL time.Duration
}

// LoginLimiter serializes and budgets password checks against one Login token.
type LoginLimiter struct {
	redis  redis.UniversalClient
	rate   *rate.Limiter
	config LoginConfig
	prefix string
}

// NewLoginLimiter creates a login limiter under the given key prefix.
func NewLoginLimiter(redisClient redis.UniversalClient, rl *rate.Limiter, cfg LoginConfig, prefix string) *LoginLimiter {
	if prefix == "" {
		prefix = "siwo:lg"
	}
	return &LoginLimiter{redis: redisClient, rate: rl, config: cfg, prefix: prefix}
}

func (l *LoginLimiter) attemptsKey(jti string) string { return l.prefix + ":a:" + jti }
func (l *LoginLimiter) lockKey(jti string) string     { return l.prefix + ":k:" + jti }
func (l *LoginLimiter) dedupeKey(jti, digest string) string {
	return l.prefix + ":d:" + jti + ":" + digest
}

// AcquireLock takes the per-jti mutual exclusion marker. When the lock is
// already held, the returned duration is a retry-after hint.
func (l *LoginLimiter) AcquireLock(ctx context.Context, jti, owner string) (bool, time.Duration, error) {
	acquired, remaining, err := l.rate.AcquireConcurrencyLock(ctx, l.lockKey(jti), owner, l.config.LockTTL)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return acquired, remaining, nil
}

// ReleaseLock releases the marker if owner still holds it.
func (l *LoginLimiter) ReleaseLock(ctx context.Context, jti, owner string) error {
	if err := l.rate.ReleaseConcurrencyLock(ctx, l.lockKey(jti), owner); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// InCooldown reports whether the token has exhausted its attempt budget and,
// if so, how long until the cooldown lapses.
func (l *LoginLimiter) InCooldown(ctx context.Context, jti string) (bool, time.Duration, error) {
	count, remaining, err := l.rate.GetFixedCounter(ctx, l.attemptsKey(jti))
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(l.config.MaxAttempts) && remaining > 0 {
		return true, remaining, nil
	}
	return false, 0, nil
}

// RecordFailure charges one failed guess against the token. Repeated
// identical guesses are deduplicated: only a distinct password consumes an
// attempt slot. The cooldown window restarts from this attempt.
func (l *LoginLimiter) RecordFailure(ctx context.Context, jti, password string) error {
	digest := guessDigest(password)
	fresh, err := l.redis.SetNX(ctx, l.dedupeKey(jti, digest), "1", l.config.DedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !fresh {
		return nil
	}

	if _, _, _, err := l.rate.BumpFixedCounter(ctx, l.attemptsKey(jti), l.config.Cooldown, l.config.MaxAttempts, true); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func guessDigest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
