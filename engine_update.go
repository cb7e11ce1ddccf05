package siwo

import (
	"context"
	"errors"

	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/token"
)

// UpdatePassword spends a reset code, replaces the identity's password hash
// and hands back a fresh Login token so the client can continue straight to
// login. Possession of the reset code proves mailbox control, so the email is
// marked verified as a side effect.
func (e *Engine) UpdatePassword(ctx context.Context, params UpdateParams) (*UpdateResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if params.Code == "" || params.Password == "" {
		return nil, ErrInvalidInput
	}

	limited, remaining, err := e.resets.BumpUpdate(ctx)
	if err != nil {
		return nil, err
	}
	if limited {
		e.metrics.Inc(MetricUpdateRateLimited)
		return nil, &RateLimitedError{Scope: "update_password", RetryAfter: remaining}
	}

	now := e.now()
	record, err := e.resetCodes.Consume(ctx, params.Code, now)
	if err != nil {
		if errors.Is(err, stores.ErrResetCodeNotFound) {
			e.metrics.Inc(MetricUpdateBadCode)
			e.audit.Emit(ctx, AuditEvent{
				Timestamp: now,
				EventType: EventUpdatePassword,
				Visitor:   params.Visitor,
				Error:     "bad reset code",
			})
			return nil, ErrBadResetCode
		}
		return nil, err
	}

	hash, err := e.hasher.Hash(params.Password)
	if err != nil {
		return nil, ErrInvalidInput
	}

	if err := e.identities.UpdatePasswordHash(ctx, record.IdentityID, hash); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, e.integrity(ctx, MetricUpdateIntegrity, AuditEvent{
				Email:      record.Email,
				IdentityID: record.IdentityID,
				Visitor:    params.Visitor,
				Error:      "reset code names a missing identity",
			})
		}
		return nil, err
	}

	// Best effort side effects; the password change itself already landed.
	_ = e.identities.MarkEmailVerified(ctx, record.IdentityID, now)
	_ = e.checks.MarkPasswordUpdated(ctx, record.IdentityID)
	if params.Visitor != "" {
		_ = e.checks.Associate(ctx, params.Visitor, record.IdentityID)
	}

	email := canonicalEmail(record.Email)
	existsClaim := true
	loginToken, err := e.issueToken(ctx, token.KindLogin, token.SignParams{
		Subject: email,
		TTL:     e.config.Tokens.LoginTTL,
		Exists:  &existsClaim,
	}, stores.HiddenState{UsedCode: true})
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricUpdateSuccess)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp:  now,
		EventType:  EventUpdatePassword,
		Email:      record.Email,
		IdentityID: record.IdentityID,
		Visitor:    params.Visitor,
		Success:    true,
		Metadata:   map[string]string{"audit_id": record.AuditID},
	})

	return &UpdateResult{Email: record.Email, LoginToken: loginToken}, nil
}
