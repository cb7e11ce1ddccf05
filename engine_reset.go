package siwo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/oseh/siwo/internal"
	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/token"
)

// ResetPassword spends a Login token for an existing identity and mails a
// long single-use reset code. Over-quota requests are accepted towards the
// client and short-circuited internally; only queue backpressure surfaces as
// an error, because a reset email silently dropped is worse than a 503.
func (e *Engine) ResetPassword(ctx context.Context, params ResetParams) (*ResetResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.parseToken(ctx, token.KindLogin, params.LoginToken)
	if err != nil {
		return nil, err
	}
	if claims.Exists == nil || !*claims.Exists {
		return nil, e.integrity(ctx, MetricResetSuppressed, AuditEvent{
			Email: claims.Subject,
			JTI:   claims.JTI(),
			Error: "reset with exists=false token",
		})
	}

	if _, err := e.consumeState(ctx, claims); err != nil {
		return nil, err
	}

	identity, err := e.identities.GetByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, e.integrity(ctx, MetricResetSuppressed, AuditEvent{
				Email: claims.Subject,
				JTI:   claims.JTI(),
				Error: "token asserts existence but no row matches",
			})
		}
		return nil, err
	}

	now := e.now()

	suppressed, err := e.resets.BumpRequest(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if suppressed != "" {
		e.metrics.Inc(MetricResetSuppressed)
		e.audit.Emit(ctx, AuditEvent{
			Timestamp:  now,
			EventType:  EventResetPassword,
			Email:      identity.Email,
			IdentityID: identity.ID,
			JTI:        claims.JTI(),
			Success:    true,
			Metadata:   map[string]string{"suppressed": suppressed},
		})
		return &ResetResult{Suppressed: suppressed}, nil
	}

	code, err := internal.NewResetCode()
	if err != nil {
		return nil, err
	}
	auditID := uuid.NewString()

	// The audit row is written optimistically and rolled back if the email
	// cannot be enqueued, so accepted resets and sent emails stay in step.
	if err := e.identities.RecordResetRequest(ctx, ResetAuditEntry{
		ID:          auditID,
		IdentityID:  identity.ID,
		Email:       identity.Email,
		RequestedAt: now,
	}); err != nil {
		return nil, err
	}

	record := stores.ResetCodeRecord{
		IdentityID: identity.ID,
		Email:      identity.Email,
		AuditID:    auditID,
		ExpiresAt:  now.Add(e.config.Reset.CodeTTL).Unix(),
	}
	if err := e.resetCodes.Save(ctx, code, record, e.config.Reset.CodeTTL); err != nil {
		_ = e.identities.DeleteResetRequest(ctx, auditID)
		return nil, err
	}

	err = e.emails.Enqueue(ctx, Email{
		To:       identity.Email,
		Template: e.config.Reset.EmailTemplate,
		Params:   map[string]string{"code": code},
	})
	if err != nil {
		_ = e.resetCodes.Delete(ctx, code)
		_ = e.identities.DeleteResetRequest(ctx, auditID)
		if errors.Is(err, ErrQueueFull) {
			e.metrics.Inc(MetricResetBackpressure)
			return nil, ErrEmailBackpressure
		}
		return nil, err
	}

	e.metrics.Inc(MetricResetAccepted)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp:  now,
		EventType:  EventResetPassword,
		Email:      identity.Email,
		IdentityID: identity.ID,
		JTI:        claims.JTI(),
		Success:    true,
		Metadata:   map[string]string{"audit_id": auditID},
	})

	return &ResetResult{}, nil
}
