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
	// ErrResetCodeNotFound covers unknown, expired and already-consumed reset
	// codes; a consumed code is indistinguishable from one that never existed.
	ErrResetCodeNotFound = errors.New("reset code not found")
	// ErrResetRedisUnavailable wraps transport failures.
	ErrResetRedisUnavailable = errors.New("reset code redis unavailable")
)

// ResetCodeRecord binds a long reset code to the identity it may re-credential
// and to the audit row written when the reset was requested.
type ResetCodeRecord struct {
	IdentityID string `json:"identity_id"`
	Email      string `json:"email"`
	AuditID    string `json:"audit_id"`
	ExpiresAt  int64  `json:"expires_at"`
}

// ResetCodeStore persists reset codes keyed by their digest.
type ResetCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewResetCodeStore creates a store under the given key prefix.
func NewResetCodeStore(redisClient redis.UniversalClient, prefix string) *ResetCodeStore {
	if prefix == "" {
		prefix = "siwo:rc"
	}
	return &ResetCodeStore{redis: redisClient, prefix: prefix}
}

func (s *ResetCodeStore) key(codeHash string) string {
	return s.prefix + ":" + codeHash
}

// Save persists the record under the code's digest.
func (s *ResetCodeStore) Save(ctx context.Context, code string, record ResetCodeRecord, ttl time.Duration) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(HashCode(code)), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}
	return nil
}

// Delete removes a pending reset code, used to roll back when the outbound
// email cannot be enqueued.
func (s *ResetCodeStore) Delete(ctx context.Context, code string) error {
	if err := s.redis.Del(ctx, s.key(HashCode(code))).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}
	return nil
}

// Consume reads and deletes the record in one optimistic transaction so a
// reset code spends exactly once under concurrency.
func (s *ResetCodeStore) Consume(ctx context.Context, code string, now time.Time) (*ResetCodeRecord, error) {
	const maxRetries = 4
	key := s.key(HashCode(code))

	for i := 0; i < maxRetries; i++ {
		var matched *ResetCodeRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var record ResetCodeRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			if now.Unix() > record.ExpiresAt {
				return ErrResetCodeNotFound
			}

			matched = &record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, ErrResetCodeNotFound):
				return nil, ErrResetCodeNotFound
			default:
				return nil, fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, ErrResetCodeNotFound
}
