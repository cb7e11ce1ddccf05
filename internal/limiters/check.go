// Package limiters implements the scope-qualified abuse controls of the SIWO
// pipeline on top of the atomic primitives in internal/rate. Scopes are
// independent: each bump is atomic but the pipeline as a whole is not one
// transaction, so a request may increment scope A and still be rejected by
// scope B. That slightly conservative behavior is intended.
package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oseh/siwo/internal/rate"
)

// ErrRedisUnavailable wraps transport failures in any limiter scope.
var ErrRedisUnavailable = errors.New("limiter redis unavailable")

// CheckConfig tunes the check-attempt scopes. The defaults are empirically
// chosen and deliberately configuration, not constants.
type CheckConfig struct {
	GlobalWindow     time.Duration
	GlobalMax        int
	EmailWindow      time.Duration
	EmailMax         int
	VisitorWindow    time.Duration
	VisitorMaxEmails int
	// EmailFlagTTL is how long an email stays individually flagged as
	// requiring a challenge after any scope trips.
	EmailFlagTTL  time.Duration
	GlobalFlagTTL time.Duration
	// AccountsWindow bounds the known-malicious-visitor detector (accounts
	// created by one visitor).
	AccountsWindow time.Duration
	AssociationTTL time.Duration
	// RecentUpdateTTL is the lifetime of the "recently updated password"
	// marker consulted by the known-visitor override.
	RecentUpdateTTL time.Duration
}

// CheckLimiter owns the rate windows, challenge flags and visitor state the
// check pipeline consults.
type CheckLimiter struct {
	redis  redis.UniversalClient
	rate   *rate.Limiter
	config CheckConfig
	prefix string
}

// NewCheckLimiter creates a check limiter under the given key prefix.
func NewCheckLimiter(redisClient redis.UniversalClient, rl *rate.Limiter, cfg CheckConfig, prefix string) *CheckLimiter {
	if prefix == "" {
		prefix = "siwo:ck"
	}
	return &CheckLimiter{redis: redisClient, rate: rl, config: cfg, prefix: prefix}
}

func (l *CheckLimiter) globalKey() string            { return l.prefix + ":g" }
func (l *CheckLimiter) emailKey(email string) string { return l.prefix + ":e:" + email }
func (l *CheckLimiter) visitorKey(visitor string) string {
	return l.prefix + ":v:" + visitor
}
func (l *CheckLimiter) globalFlagKey() string            { return l.prefix + ":fg" }
func (l *CheckLimiter) emailFlagKey(email string) string { return l.prefix + ":fe:" + email }
func (l *CheckLimiter) accountsKey(visitor string) string {
	return l.prefix + ":ac:" + visitor
}
func (l *CheckLimiter) assocKey(visitor string) string { return l.prefix + ":as:" + visitor }
func (l *CheckLimiter) updatedKey(identityID string) string {
	return l.prefix + ":pu:" + identityID
}

// GlobalChallengeActive reports whether every check currently demands a
// challenge.
func (l *CheckLimiter) GlobalChallengeActive(ctx context.Context) (bool, error) {
	return l.exists(ctx, l.globalFlagKey())
}

// EmailChallengeActive reports whether this email is individually flagged.
func (l *CheckLimiter) EmailChallengeActive(ctx context.Context, email string) (bool, error) {
	return l.exists(ctx, l.emailFlagKey(email))
}

// FlagGlobal raises the global challenge flag.
func (l *CheckLimiter) FlagGlobal(ctx context.Context) error {
	return l.set(ctx, l.globalFlagKey(), l.config.GlobalFlagTTL)
}

// FlagEmail flags the email as requiring a challenge for the configured TTL.
func (l *CheckLimiter) FlagEmail(ctx context.Context, email string) error {
	return l.set(ctx, l.emailFlagKey(email), l.config.EmailFlagTTL)
}

// BumpGlobal records one check attempt in the global window.
func (l *CheckLimiter) BumpGlobal(ctx context.Context, now time.Time, member string) (bool, error) {
	limited, _, err := l.rate.BumpSlidingCounter(ctx, l.globalKey(), now, l.config.GlobalWindow, l.config.GlobalMax, member)
	return limited, err
}

// BumpEmail records one check attempt against the email's window.
func (l *CheckLimiter) BumpEmail(ctx context.Context, email string, now time.Time, member string) (bool, error) {
	limited, _, err := l.rate.BumpSlidingCounter(ctx, l.emailKey(email), now, l.config.EmailWindow, l.config.EmailMax, member)
	return limited, err
}

// BumpVisitorEmails records the email in the visitor's distinct-email window.
// The window zset deduplicates members, so re-checking the same email does
// not widen the visitor's footprint.
func (l *CheckLimiter) BumpVisitorEmails(ctx context.Context, visitor, email string, now time.Time) (bool, error) {
	limited, _, err := l.rate.BumpSlidingCounter(ctx, l.visitorKey(visitor), now, l.config.VisitorWindow, l.config.VisitorMaxEmails, email)
	return limited, err
}

// RecordAccountCreated feeds the malicious-visitor detector.
func (l *CheckLimiter) RecordAccountCreated(ctx context.Context, visitor, identityID string, now time.Time) error {
	_, _, err := l.rate.BumpSlidingCounter(ctx, l.accountsKey(visitor), now, l.config.AccountsWindow, int(^uint(0)>>1), identityID)
	return err
}

// AccountsCreated returns how many identities this visitor created within the
// detector window, without recording anything.
func (l *CheckLimiter) AccountsCreated(ctx context.Context, visitor string, now time.Time) (int, error) {
	return l.rate.PeekSlidingCounter(ctx, l.accountsKey(visitor), now, l.config.AccountsWindow)
}

// Associate remembers that the visitor legitimately belongs to the identity,
// which later suppresses elevation for that exact pair.
func (l *CheckLimiter) Associate(ctx context.Context, visitor, identityID string) error {
	key := l.assocKey(visitor)
	pipe := l.redis.Pipeline()
	pipe.SAdd(ctx, key, identityID)
	pipe.Expire(ctx, key, l.config.AssociationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Associated reports whether the visitor was previously tied to the identity.
func (l *CheckLimiter) Associated(ctx context.Context, visitor, identityID string) (bool, error) {
	ok, err := l.redis.SIsMember(ctx, l.assocKey(visitor), identityID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ok, nil
}

// MarkPasswordUpdated stores the "recently updated password" hint.
func (l *CheckLimiter) MarkPasswordUpdated(ctx context.Context, identityID string) error {
	return l.set(ctx, l.updatedKey(identityID), l.config.RecentUpdateTTL)
}

// RecentlyUpdatedPassword reports whether the hint is still live.
func (l *CheckLimiter) RecentlyUpdatedPassword(ctx context.Context, identityID string) (bool, error) {
	return l.exists(ctx, l.updatedKey(identityID))
}

func (l *CheckLimiter) exists(ctx context.Context, key string) (bool, error) {
	n, err := l.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

func (l *CheckLimiter) set(ctx context.Context, key string, ttl time.Duration) error {
	if err := l.redis.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
