package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCodeUnknown means no code (real or decoy) matches the submission.
	ErrCodeUnknown = errors.New("security code unknown")
	// ErrCodeBogus means the submission matches a decoy that was delivered but
	// can never validate.
	ErrCodeBogus = errors.New("security code bogus")
	// ErrCodeAlreadyUsed means the code was consumed earlier.
	ErrCodeAlreadyUsed = errors.New("security code already used")
	// ErrCodeExpired means the code is past its expiry.
	ErrCodeExpired = errors.New("security code expired")
	// ErrCodeRevoked means a newer code for the same email superseded it.
	ErrCodeRevoked = errors.New("security code revoked")
	// ErrCodeNotSentYet means the code's scheduled send time is still in the
	// future; only a scraper could know it already.
	ErrCodeNotSentYet = errors.New("security code not sent yet")
	// ErrSendGuarded means a code was already issued for this email within the
	// duplicate-send window.
	ErrSendGuarded = errors.New("security code send guarded")
	// ErrSendQueueFull means the delayed-send queue is at capacity.
	ErrSendQueueFull = errors.New("security code send queue full")
	// ErrCodeRedisUnavailable wraps transport failures.
	ErrCodeRedisUnavailable = errors.New("security code redis unavailable")
)

// SecurityCodeRecord is the stored metadata for one real code. Only the most
// recently saved code for an email remains valid.
type SecurityCodeRecord struct {
	Reason    string
	AckedAt   time.Time
	SendAt    time.Time
	ExpiresAt time.Time
}

// DelayedSend is one entry popped from the delayed-send queue by the
// delivery worker.
type DelayedSend struct {
	Email string `json:"email"`
	Code  string `json:"code"`
	// ScheduledAt is the logical send time in unix milliseconds.
	ScheduledAt int64 `json:"scheduled_at"`
}

// saveCodeLua stores the record hash, repoints the latest marker (implicitly
// revoking every older code for the email) and, when a decoy is in play,
// marks the decoy hash so its submission is distinguishable from an unknown
// code.
//
// KEYS[1] = record, KEYS[2] = latest pointer, KEYS[3] = decoy marker
// ARGV = reason, acked_at, send_at, expires_at (unix s), ttl ms, code hash, has_decoy
var saveCodeLua = redis.NewScript(`
redis.call('HSET', KEYS[1],
  'reason', ARGV[1],
  'acked_at', ARGV[2],
  'send_at', ARGV[3],
  'expires_at', ARGV[4],
  'used', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[5])

redis.call('SET', KEYS[2], ARGV[6], 'PX', ARGV[5])

if ARGV[7] == '1' then
  redis.call('SET', KEYS[3], '1', 'PX', ARGV[5])
end
return 1
`)

// consumeCodeLua validates and single-use-consumes a submitted code. The
// failure order mirrors the verification contract: unknown, bogus,
// already_used, expired, revoked, not_sent_yet.
//
// KEYS[1] = record (by submitted hash), KEYS[2] = latest pointer,
// KEYS[3] = decoy marker (by submitted hash)
// ARGV[1] = now unix s, ARGV[2] = submitted hash
var consumeCodeLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  if redis.call('EXISTS', KEYS[3]) == 1 then
    return {err='bogus'}
  end
  return {err='unknown'}
end

if redis.call('HGET', KEYS[1], 'used') == '1' then
  return {err='already_used'}
end

local now = tonumber(ARGV[1])
if now > tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then
  return {err='expired'}
end

local latest = redis.call('GET', KEYS[2])
if latest and latest ~= ARGV[2] then
  return {err='revoked'}
end

if now < tonumber(redis.call('HGET', KEYS[1], 'send_at')) then
  return {err='not_sent_yet'}
end

redis.call('HSET', KEYS[1], 'used', '1')
return {redis.call('HGET', KEYS[1], 'reason'), redis.call('HGET', KEYS[1], 'acked_at')}
`)

// scheduleSendLua enqueues a delayed send, enforcing the queue capacity and a
// global minimum spacing between scheduled sends to smooth bursts.
//
// KEYS[1] = queue zset, KEYS[2] = last-scheduled marker
// ARGV = now ms, delay ms, spacing ms, capacity, payload
var scheduleSendLua = redis.NewScript(`
local cap = tonumber(ARGV[4])
if cap > 0 and redis.call('ZCARD', KEYS[1]) >= cap then
  return {err='backpressure'}
end

local at = tonumber(ARGV[1]) + tonumber(ARGV[2])
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
if at < last + tonumber(ARGV[3]) then
  at = last + tonumber(ARGV[3])
end

redis.call('ZADD', KEYS[1], at, ARGV[5])
redis.call('SET', KEYS[2], at)
return at
`)

// popDueLua removes and returns queue entries whose scheduled time has
// arrived, bounded per call.
var popDueLua = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
end
return due
`)

// SecurityCodeStore owns the per-email code families, the duplicate-send
// guard and the delayed-send queue.
type SecurityCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewSecurityCodeStore creates a store under the given key prefix.
func NewSecurityCodeStore(redisClient redis.UniversalClient, prefix string) *SecurityCodeStore {
	if prefix == "" {
		prefix = "siwo:sc"
	}
	return &SecurityCodeStore{redis: redisClient, prefix: prefix}
}

// HashCode is the canonical digest under which codes are stored; raw code
// values never touch Redis keys.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (s *SecurityCodeStore) recordKey(email, codeHash string) string {
	return s.prefix + ":c:" + email + ":" + codeHash
}

func (s *SecurityCodeStore) latestKey(email string) string {
	return s.prefix + ":l:" + email
}

func (s *SecurityCodeStore) decoyKey(email, codeHash string) string {
	return s.prefix + ":b:" + email + ":" + codeHash
}

func (s *SecurityCodeStore) guardKey(email string) string {
	return s.prefix + ":g:" + email
}

func (s *SecurityCodeStore) queueKey() string     { return s.prefix + ":q" }
func (s *SecurityCodeStore) queueLastKey() string { return s.prefix + ":q:last" }

// TrySendGuard arms the per-email duplicate-send guard. It returns
// [ErrSendGuarded] if a code was already issued within the window.
func (s *SecurityCodeStore) TrySendGuard(ctx context.Context, email string, window time.Duration) error {
	ok, err := s.redis.SetNX(ctx, s.guardKey(email), "1", window).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}
	if !ok {
		return ErrSendGuarded
	}
	return nil
}

// ReleaseSendGuard disarms the guard after an acknowledge that armed it but
// ended up issuing no code, so the caller may retry immediately.
func (s *SecurityCodeStore) ReleaseSendGuard(ctx context.Context, email string) error {
	if err := s.redis.Del(ctx, s.guardKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}
	return nil
}

// Save persists the real code's record, supersedes older codes for the email
// and marks the decoy hash when one was generated. TTL bounds every key.
func (s *SecurityCodeStore) Save(ctx context.Context, email, code, decoyCode string, record SecurityCodeRecord, ttl time.Duration) error {
	codeHash := HashCode(code)
	decoyMarker := s.decoyKey(email, codeHash)
	hasDecoy := "0"
	if decoyCode != "" {
		decoyMarker = s.decoyKey(email, HashCode(decoyCode))
		hasDecoy = "1"
	}

	err := saveCodeLua.Run(ctx, s.redis,
		[]string{s.recordKey(email, codeHash), s.latestKey(email), decoyMarker},
		record.Reason,
		record.AckedAt.Unix(),
		record.SendAt.Unix(),
		record.ExpiresAt.Unix(),
		ttl.Milliseconds(),
		codeHash,
		hasDecoy,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}
	return nil
}

// Consume validates the submitted code and atomically marks it used. On
// success it returns the original trigger reason and acknowledge timestamp
// for downstream token issuance.
func (s *SecurityCodeStore) Consume(ctx context.Context, email, submitted string, now time.Time) (reason string, ackedAt time.Time, err error) {
	submittedHash := HashCode(submitted)
	result, err := consumeCodeLua.Run(ctx, s.redis,
		[]string{
			s.recordKey(email, submittedHash),
			s.latestKey(email),
			s.decoyKey(email, submittedHash),
		},
		now.Unix(),
		submittedHash,
	).Result()
	if err != nil {
		return "", time.Time{}, mapCodeScriptErr(err)
	}

	fields, ok := result.([]interface{})
	if !ok || len(fields) != 2 {
		return "", time.Time{}, fmt.Errorf("%w: unexpected lua result", ErrCodeRedisUnavailable)
	}
	reasonStr, _ := fields[0].(string)
	ackedStr, _ := fields[1].(string)
	acked, parseErr := parseUnixString(ackedStr)
	if parseErr != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, parseErr)
	}
	return reasonStr, acked, nil
}

// ScheduleDelayedSend places the code on the delayed queue at now+delay,
// pushed later if needed to keep the global spacing, and returns the
// scheduled send time.
func (s *SecurityCodeStore) ScheduleDelayedSend(ctx context.Context, email, code string, now time.Time, delay, spacing time.Duration, capacity int) (time.Time, error) {
	payload, err := json.Marshal(DelayedSend{Email: email, Code: code, ScheduledAt: now.Add(delay).UnixMilli()})
	if err != nil {
		return time.Time{}, err
	}

	at, err := scheduleSendLua.Run(ctx, s.redis,
		[]string{s.queueKey(), s.queueLastKey()},
		now.UnixMilli(),
		delay.Milliseconds(),
		spacing.Milliseconds(),
		capacity,
		string(payload),
	).Int64()
	if err != nil {
		if err.Error() == "backpressure" {
			return time.Time{}, ErrSendQueueFull
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}
	return time.UnixMilli(at), nil
}

// QueueDepth reports the number of pending delayed sends.
func (s *SecurityCodeStore) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := s.redis.ZCard(ctx, s.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}
	return depth, nil
}

// PopDue removes and returns up to limit entries whose send time has arrived.
// Called by the delivery worker, not by request handlers.
func (s *SecurityCodeStore) PopDue(ctx context.Context, now time.Time, limit int) ([]DelayedSend, error) {
	if limit <= 0 {
		limit = 10
	}
	raw, err := popDueLua.Run(ctx, s.redis,
		[]string{s.queueKey()},
		now.UnixMilli(), limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}

	sends := make([]DelayedSend, 0, len(raw))
	for _, entry := range raw {
		var send DelayedSend
		if err := json.Unmarshal([]byte(entry), &send); err != nil {
			continue
		}
		sends = append(sends, send)
	}
	return sends, nil
}

func mapCodeScriptErr(err error) error {
	switch err.Error() {
	case "unknown":
		return ErrCodeUnknown
	case "bogus":
		return ErrCodeBogus
	case "already_used":
		return ErrCodeAlreadyUsed
	case "expired":
		return ErrCodeExpired
	case "revoked":
		return ErrCodeRevoked
	case "not_sent_yet":
		return ErrCodeNotSentYet
	default:
		return fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}
}

func parseUnixString(value string) (time.Time, error) {
	var unix int64
	if _, err := fmt.Sscanf(value, "%d", &unix); err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}
