package siwo

import (
	"context"
	"errors"

	"github.com/oseh/siwo/internal"
	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/token"
)

// Login verifies the password for the email asserted by a Login token and, on
// success, spends the token and issues a Core session token. The token is not
// consumed by failed attempts; its fixed attempt budget and cooldown are.
func (e *Engine) Login(ctx context.Context, params LoginParams) (*LoginResult, error) {
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
	if claims.Exists == nil || !*claims.Exists {
		return nil, e.integrity(ctx, MetricLoginFailure, AuditEvent{
			Email: claims.Subject,
			JTI:   claims.JTI(),
			Error: "login with exists=false token",
		})
	}

	// Peek first: a wrong password must leave the token alive for another try.
	state, err := e.peekState(ctx, claims)
	if err != nil {
		return nil, err
	}

	owner, err := internal.NewLockOwner()
	if err != nil {
		return nil, err
	}
	acquired, retryAfter, err := e.logins.AcquireLock(ctx, claims.JTI(), owner)
	if err != nil {
		return nil, err
	}
	if !acquired {
		e.metrics.Inc(MetricLoginRateLimited)
		return nil, &RateLimitedError{Scope: "login_lock", RetryAfter: retryAfter}
	}
	defer func() {
		_ = e.logins.ReleaseLock(context.WithoutCancel(ctx), claims.JTI(), owner)
	}()

	cooling, remaining, err := e.logins.InCooldown(ctx, claims.JTI())
	if err != nil {
		return nil, err
	}
	if cooling {
		e.metrics.Inc(MetricLoginRateLimited)
		return nil, &RateLimitedError{Scope: "login_attempts", RetryAfter: remaining}
	}

	identity, err := e.identities.GetByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, e.integrity(ctx, MetricLoginFailure, AuditEvent{
				Email: claims.Subject,
				JTI:   claims.JTI(),
				Error: "token asserts existence but no row matches",
			})
		}
		return nil, err
	}

	ok, err := e.hasher.Verify(params.Password, identity.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := e.logins.RecordFailure(ctx, claims.JTI(), params.Password); err != nil {
			return nil, err
		}
		e.metrics.Inc(MetricLoginFailure)
		e.audit.Emit(ctx, AuditEvent{
			Timestamp:  e.now(),
			EventType:  EventLogin,
			Email:      claims.Subject,
			IdentityID: identity.ID,
			Visitor:    params.Visitor,
			JTI:        claims.JTI(),
			Error:      "invalid credentials",
		})
		return nil, ErrInvalidCredentials
	}

	if e.config.Login.UpgradeOnLogin {
		if stale, err := e.hasher.NeedsUpgrade(identity.PasswordHash); err == nil && stale {
			if upgraded, err := e.hasher.Hash(params.Password); err == nil {
				if err := e.identities.UpdatePasswordHash(ctx, identity.ID, upgraded); err == nil {
					e.metrics.Inc(MetricLoginHashUpgraded)
				}
			}
		}
	}

	// Spend the token only after the password checked out.
	if state, err = e.consumeState(ctx, claims); err != nil {
		return nil, err
	}

	now := e.now()
	verified := identity.EmailVerifiedAt != nil
	if state.UsedCode && !verified {
		if err := e.identities.MarkEmailVerified(ctx, identity.ID, now); err == nil {
			verified = true
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

	if params.Visitor != "" {
		if err := e.checks.Associate(ctx, params.Visitor, identity.ID); err != nil {
			return nil, err
		}
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp:  now,
		EventType:  EventLogin,
		Email:      claims.Subject,
		IdentityID: identity.ID,
		Visitor:    params.Visitor,
		JTI:        claims.JTI(),
		Success:    true,
	})

	return &LoginResult{CoreToken: coreToken, EmailVerified: verified}, nil
}
