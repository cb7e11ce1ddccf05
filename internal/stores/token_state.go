// Package stores holds the Redis-backed records the SIWO pipeline keeps out
// of band: hidden token state, security-code families and reset codes. Every
// consume path is a single atomic server-side operation so that N concurrent
// callers presented with the same token or code yield exactly one success.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStateRevoked means another caller already consumed this jti.
	ErrStateRevoked = errors.New("token state revoked")
	// ErrStateLost means the token is valid but its hidden state is gone.
	// Treated as fail-closed everywhere, never as "no state needed".
	ErrStateLost = errors.New("token state lost")
	// ErrStateRedisUnavailable wraps transport failures.
	ErrStateRedisUnavailable = errors.New("token state redis unavailable")
)

// HiddenState is the server-held record keyed by jti that is deliberately
// excluded from the token payload.
type HiddenState struct {
	// Reason is the trigger that demanded a challenge (Elevation tokens) or
	// the reason carried forward after the code was used (Login tokens).
	Reason string `json:"reason,omitempty"`
	// UsedCode records whether a security code was consumed to obtain this
	// Login token.
	UsedCode bool `json:"used_code"`
}

// consumeStateLua is the single-use gate: it marks the jti revoked, and only
// the caller that newly created the revocation marker may read and delete the
// hidden state. Everyone else gets "revoked".
//
// KEYS[1] = hidden state key, KEYS[2] = revocation marker key
// ARGV[1] = marker TTL ms (remaining token lifetime + grace)
var consumeStateLua = redis.NewScript(`
local created = redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1])
if not created then
  return {err='revoked'}
end

local state = redis.call('GET', KEYS[1])
if not state then
  return {err='lost'}
end

redis.call('DEL', KEYS[1])
return state
`)

// peekStateLua reads without mutation, distinguishing revoked from lost.
var peekStateLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {err='revoked'}
end

local state = redis.call('GET', KEYS[1])
if not state then
  return {err='lost'}
end
return state
`)

// TokenStateStore persists hidden token state and revocation markers.
type TokenStateStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewTokenStateStore creates a store under the given key prefix.
func NewTokenStateStore(redisClient redis.UniversalClient, prefix string) *TokenStateStore {
	if prefix == "" {
		prefix = "siwo:ts"
	}
	return &TokenStateStore{redis: redisClient, prefix: prefix}
}

func (s *TokenStateStore) stateKey(jti string) string  { return s.prefix + ":h:" + jti }
func (s *TokenStateStore) revokeKey(jti string) string { return s.prefix + ":r:" + jti }

// Save persists the hidden state for jti with the given TTL (token lifetime
// plus grace). Token issuance must not be observable before this succeeds.
func (s *TokenStateStore) Save(ctx context.Context, jti string, state HiddenState, ttl time.Duration) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.stateKey(jti), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStateRedisUnavailable, err)
	}
	return nil
}

// Consume atomically revokes jti and returns its hidden state. Exactly one
// concurrent caller succeeds; the rest see [ErrStateRevoked]. markerTTL should
// be the remaining token lifetime plus grace so the marker outlives the token.
func (s *TokenStateStore) Consume(ctx context.Context, jti string, markerTTL time.Duration) (*HiddenState, error) {
	if markerTTL <= 0 {
		markerTTL = time.Second
	}
	result, err := consumeStateLua.Run(ctx, s.redis,
		[]string{s.stateKey(jti), s.revokeKey(jti)},
		markerTTL.Milliseconds(),
	).Result()
	if err != nil {
		return nil, mapStateScriptErr(err)
	}
	return decodeHiddenState(result)
}

// Peek reads revocation and hidden state without mutating either.
func (s *TokenStateStore) Peek(ctx context.Context, jti string) (*HiddenState, error) {
	result, err := peekStateLua.Run(ctx, s.redis,
		[]string{s.stateKey(jti), s.revokeKey(jti)},
	).Result()
	if err != nil {
		return nil, mapStateScriptErr(err)
	}
	return decodeHiddenState(result)
}

func mapStateScriptErr(err error) error {
	switch err.Error() {
	case "revoked":
		return ErrStateRevoked
	case "lost":
		return ErrStateLost
	default:
		return fmt.Errorf("%w: %v", ErrStateRedisUnavailable, err)
	}
}

func decodeHiddenState(result interface{}) (*HiddenState, error) {
	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrStateRedisUnavailable)
	}
	var state HiddenState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateRedisUnavailable, err)
	}
	return &state, nil
}
