package siwo

import (
	"context"
	"errors"

	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/token"
)

// CreateIdentity spends a Login token that asserted no identity exists for
// its email and inserts the row. The email counts as verified only when a
// security code was consumed on the way to the token.
func (e *Engine) CreateIdentity(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if params.Password == "" {
		return nil, ErrInvalidInput
	}

	claims, err := e.parseToken(ctx, token.KindLogin, params.LoginToken)
	if err != nil {
		return nil, err
	}
	if claims.Exists == nil || *claims.Exists {
		return nil, e.integrity(ctx, MetricCreateIntegrity, AuditEvent{
			Email: claims.Subject,
			JTI:   claims.JTI(),
			Error: "create with exists=true token",
		})
	}

	// Hash before spending the token so a weak password leaves it usable.
	hash, err := e.hasher.Hash(params.Password)
	if err != nil {
		return nil, ErrInvalidInput
	}

	state, err := e.consumeState(ctx, claims)
	if err != nil {
		return nil, err
	}

	now := e.now()
	createParams := CreateIdentityParams{
		Email:        claims.Subject,
		PasswordHash: hash,
	}
	if state.UsedCode {
		createParams.EmailVerifiedAt = &now
	}

	identity, err := e.identities.Create(ctx, createParams)
	if err != nil {
		if errors.Is(err, ErrIdentityExists) {
			// The uniqueness race lost: someone created the row between check
			// and create. Same contract as any other token/store disagreement.
			return nil, e.integrity(ctx, MetricCreateIntegrity, AuditEvent{
				Email:   claims.Subject,
				Visitor: params.Visitor,
				JTI:     claims.JTI(),
				Error:   "identity appeared between check and create",
			})
		}
		return nil, err
	}

	if params.Visitor != "" {
		if err := e.checks.RecordAccountCreated(ctx, params.Visitor, identity.ID, now); err != nil {
			return nil, err
		}
		if err := e.checks.Associate(ctx, params.Visitor, identity.ID); err != nil {
			return nil, err
		}
	}

	coreToken, err := e.issueToken(ctx, token.KindCore, token.SignParams{
		Subject:     identity.ID,
		TTL:         e.config.Tokens.CoreTTL,
		RedirectURL: claims.RedirectURL,
		ClientID:    claims.ClientID,
	}, stores.HiddenState{Reason: state.Reason, UsedCode: state.UsedCode})
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricCreateSuccess)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp:  now,
		EventType:  EventCreateIdentity,
		Email:      claims.Subject,
		IdentityID: identity.ID,
		Visitor:    params.Visitor,
		JTI:        claims.JTI(),
		Success:    true,
	})

	return &CreateResult{CoreToken: coreToken, EmailVerified: state.UsedCode}, nil
}
