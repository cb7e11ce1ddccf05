package limiters

import (
	"context"
	"fmt"
	"time"

	"github.com/oseh/siwo/internal/rate"
)

// Suppression reasons reported when a reset request is silently accepted but
// internally short-circuited.
const (
	SuppressIdentityDay  = "identity_in_last_day"
	SuppressIdentityHour = "identity_in_last_hour"
	SuppressIdentityMin  = "identity_in_last_minute"
	SuppressGlobalHour   = "global_in_last_hour"
	SuppressGlobalMin    = "global_in_last_minute"
)

// ResetConfig tunes the password-reset request tiers and the update-password
// gate. Tier values are the number of accepted requests per window.
type ResetConfig struct {
	IdentityPerDay    int
	IdentityPerHour   int
	IdentityPerMinute int
	GlobalPerHour     int
	GlobalPerMinute   int
	UpdatePerMinute   int
}

// ResetLimiter enforces the day/hour/minute reset tiers and the global
// update-password budget.
type ResetLimiter struct {
	rate   *rate.Limiter
	config ResetConfig
	prefix string
}

// NewResetLimiter creates a reset limiter under the given key prefix.
func NewResetLimiter(rl *rate.Limiter, cfg ResetConfig, prefix string) *ResetLimiter {
	if prefix == "" {
		prefix = "siwo:rs"
	}
	return &ResetLimiter{rate: rl, config: cfg, prefix: prefix}
}

func (l *ResetLimiter) identityKey(id, tier string) string {
	return l.prefix + ":i:" + tier + ":" + id
}
func (l *ResetLimiter) globalKey(tier string) string { return l.prefix + ":g:" + tier }
func (l *ResetLimiter) updateKey() string            { return l.prefix + ":u" }

// BumpRequest charges a reset request against every tier and returns the
// first exhausted one, day before hour before minute, identity before global.
// An empty reason means the request may proceed. Each bump is individually
// atomic; over-quota requests still count, which keeps the limiter
// conservative under probing.
func (l *ResetLimiter) BumpRequest(ctx context.Context, identityID string) (string, error) {
	tiers := []struct {
		key    string
		window time.Duration
		max    int
		reason string
	}{
		{l.identityKey(identityID, "d"), 24 * time.Hour, l.config.IdentityPerDay, SuppressIdentityDay},
		{l.identityKey(identityID, "h"), time.Hour, l.config.IdentityPerHour, SuppressIdentityHour},
		{l.identityKey(identityID, "m"), time.Minute, l.config.IdentityPerMinute, SuppressIdentityMin},
		{l.globalKey("h"), time.Hour, l.config.GlobalPerHour, SuppressGlobalHour},
		{l.globalKey("m"), time.Minute, l.config.GlobalPerMinute, SuppressGlobalMin},
	}

	suppressed := ""
	for _, tier := range tiers {
		if tier.max <= 0 {
			continue
		}
		_, count, _, err := l.rate.BumpFixedCounter(ctx, tier.key, tier.window, tier.max, false)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if suppressed == "" && count > int64(tier.max) {
			suppressed = tier.reason
		}
	}
	return suppressed, nil
}

// BumpUpdate charges one update-password attempt against the short global
// window and reports whether the budget is exhausted.
func (l *ResetLimiter) BumpUpdate(ctx context.Context) (bool, time.Duration, error) {
	_, count, remaining, err := l.rate.BumpFixedCounter(ctx, l.updateKey(), time.Minute, l.config.UpdatePerMinute, false)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count > int64(l.config.UpdatePerMinute), remaining, nil
}
