// Package postgres implements siwo.IdentityStore over a pgx connection pool.
// Emails are stored with their original casing and looked up
// case-insensitively; the identities table is expected to carry a unique
// index on lower(email).
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oseh/siwo"
)

const uniqueViolation = "23505"

// IdentityStore is the pgx-backed implementation of [siwo.IdentityStore].
type IdentityStore struct {
	pool *pgxpool.Pool
}

var _ siwo.IdentityStore = (*IdentityStore)(nil)

// NewIdentityStore wraps an existing pool; the caller owns its lifecycle.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

const identityColumns = `id, email, COALESCE(name, ''), password_hash, created_at, email_verified_at`

func scanIdentity(row pgx.Row) (*siwo.Identity, error) {
	var identity siwo.Identity
	err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.Name,
		&identity.PasswordHash,
		&identity.CreatedAt,
		&identity.EmailVerifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, siwo.ErrIdentityNotFound
		}
		return nil, err
	}
	return &identity, nil
}

func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (*siwo.Identity, error) {
	return scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE lower(email) = lower($1)`,
		email,
	))
}

func (s *IdentityStore) GetByID(ctx context.Context, id string) (*siwo.Identity, error) {
	return scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`,
		id,
	))
}

func (s *IdentityStore) Create(ctx context.Context, params siwo.CreateIdentityParams) (*siwo.Identity, error) {
	identity := &siwo.Identity{
		ID:              uuid.NewString(),
		Email:           params.Email,
		PasswordHash:    params.PasswordHash,
		EmailVerifiedAt: params.EmailVerifiedAt,
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO identities (id, email, password_hash, created_at, email_verified_at)
		 VALUES ($1, $2, $3, now(), $4)`,
		identity.ID, identity.Email, identity.PasswordHash, identity.EmailVerifiedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, siwo.ErrIdentityExists
		}
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// An insert that neither conflicted nor wrote a row.
		return nil, siwo.ErrIntegrity
	}

	identity.CreatedAt = time.Now()
	return identity, nil
}

func (s *IdentityStore) UpdatePasswordHash(ctx context.Context, identityID, newHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET password_hash = $2 WHERE id = $1`,
		identityID, newHash,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return siwo.ErrIdentityNotFound
	}
	return nil
}

func (s *IdentityStore) MarkEmailVerified(ctx context.Context, identityID string, at time.Time) error {
	// Already-verified rows are left untouched; the first verification wins.
	_, err := s.pool.Exec(ctx,
		`UPDATE identities SET email_verified_at = $2 WHERE id = $1 AND email_verified_at IS NULL`,
		identityID, at,
	)
	return err
}

func (s *IdentityStore) RecordResetRequest(ctx context.Context, entry siwo.ResetAuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identity_reset_requests (id, identity_id, email, requested_at)
		 VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.IdentityID, entry.Email, entry.RequestedAt,
	)
	return err
}

func (s *IdentityStore) DeleteResetRequest(ctx context.Context, auditID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM identity_reset_requests WHERE id = $1`,
		auditID,
	)
	return err
}
