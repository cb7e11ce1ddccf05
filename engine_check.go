package siwo

import (
	"context"
	"errors"
	"time"

	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/token"
)

// CheckAccount is the entry point of the flow. Without a code it runs the
// abuse pipeline and returns either a Login token or an Elevation token that
// demands a security-code challenge. With a code it verifies the challenge
// and, on success, returns the Login token directly.
func (e *Engine) CheckAccount(ctx context.Context, params CheckParams) (*CheckResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	email := canonicalEmail(params.Email)
	if email == "" {
		return nil, ErrInvalidInput
	}
	if (params.RedirectURL == "") != (params.ClientID == "") {
		return nil, ErrInvalidInput
	}

	if params.Code != "" {
		return e.checkWithCode(ctx, email, params)
	}
	return e.checkWithPipeline(ctx, email, params)
}

// checkWithCode spends the submitted security code. The code proves mailbox
// control, so the resulting Login token carries used_code and skips every
// abuse scope.
func (e *Engine) checkWithCode(ctx context.Context, email string, params CheckParams) (*CheckResult, error) {
	reason, _, err := e.codes.Consume(ctx, email, params.Code, e.now())
	if err != nil {
		mapped := e.mapCodeErr(err)
		e.audit.Emit(ctx, AuditEvent{
			Timestamp: e.now(),
			EventType: EventCheck,
			Email:     email,
			Visitor:   params.Visitor,
			Error:     mapped.Error(),
		})
		return nil, mapped
	}
	e.metrics.Inc(MetricCheckCodeAccepted)

	identity, exists, err := e.lookup(ctx, params.Email)
	if err != nil {
		return nil, err
	}

	loginToken, err := e.issueLoginToken(ctx, email, params, exists, stores.HiddenState{
		Reason:   reason,
		UsedCode: true,
	})
	if err != nil {
		return nil, err
	}

	e.audit.Emit(ctx, AuditEvent{
		Timestamp: e.now(),
		EventType: EventCheck,
		Email:     email,
		Visitor:   params.Visitor,
		Success:   true,
		Metadata:  map[string]string{"used_code": "true"},
	})

	result := &CheckResult{Exists: exists, LoginToken: loginToken}
	if identity != nil {
		result.Name = identity.Name
	}
	return result, nil
}

// checkWithPipeline runs the abuse scopes in fixed order. Every scope bumps
// even when an earlier scope already decided to elevate, so probing cannot
// drain one scope without charging the others.
func (e *Engine) checkWithPipeline(ctx context.Context, email string, params CheckParams) (*CheckResult, error) {
	now := e.now()
	reason, err := e.elevationReason(ctx, email, params.Visitor, now)
	if err != nil {
		return nil, err
	}

	identity, exists, err := e.lookup(ctx, params.Email)
	if err != nil {
		return nil, err
	}

	if reason != "" {
		suppressed, why, err := e.suppressElevation(ctx, email, params.Visitor, identity)
		if err != nil {
			return nil, err
		}
		if suppressed {
			e.metrics.Inc(MetricCheckSuppressed)
			e.audit.Emit(ctx, AuditEvent{
				Timestamp: now,
				EventType: EventElevationSuppressed,
				Email:     email,
				Visitor:   params.Visitor,
				Success:   true,
				Metadata:  map[string]string{"reason": string(reason), "override": why},
			})
			reason = ""
		}
	}

	if reason != "" {
		elevationToken, err := e.issueToken(ctx, token.KindElevation, token.SignParams{
			Subject:     email,
			TTL:         e.config.Tokens.ElevationTTL,
			RedirectURL: params.RedirectURL,
			ClientID:    params.ClientID,
		}, stores.HiddenState{Reason: string(reason)})
		if err != nil {
			return nil, err
		}

		e.metrics.Inc(MetricCheckElevated)
		e.metrics.Inc(elevateMetric(reason))
		e.audit.Emit(ctx, AuditEvent{
			Timestamp: now,
			EventType: EventCheck,
			Email:     email,
			Visitor:   params.Visitor,
			Success:   true,
			Metadata:  map[string]string{"elevated": string(reason)},
		})

		return &CheckResult{
			ChallengeRequired: true,
			Reason:            reason,
			ElevationToken:    elevationToken,
		}, nil
	}

	loginToken, err := e.issueLoginToken(ctx, email, params, exists, stores.HiddenState{UsedCode: false})
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricCheckPassed)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp: now,
		EventType: EventCheck,
		Email:     email,
		Visitor:   params.Visitor,
		Success:   true,
	})

	result := &CheckResult{Exists: exists, LoginToken: loginToken}
	if identity != nil {
		result.Name = identity.Name
	}
	return result, nil
}

// elevationReason walks the scopes: standing flags, then rate windows, then
// content and visitor heuristics. The first tripped scope wins; window trips
// also flag the email so a follow-up check cannot sidestep the challenge.
func (e *Engine) elevationReason(ctx context.Context, email, visitor string, now time.Time) (ElevateReason, error) {
	globalFlag, err := e.checks.GlobalChallengeActive(ctx)
	if err != nil {
		return "", err
	}
	emailFlag, err := e.checks.EmailChallengeActive(ctx, email)
	if err != nil {
		return "", err
	}

	member := e.newJTI()
	globalTripped, err := e.checks.BumpGlobal(ctx, now, member)
	if err != nil {
		return "", err
	}
	emailTripped, err := e.checks.BumpEmail(ctx, email, now, member)
	if err != nil {
		return "", err
	}
	visitorTripped := false
	if visitor != "" {
		visitorTripped, err = e.checks.BumpVisitorEmails(ctx, visitor, email, now)
		if err != nil {
			return "", err
		}
	}

	switch {
	case globalFlag:
		return ElevateGlobal, nil
	case emailFlag:
		return ElevateEmail, nil
	case globalTripped:
		return ElevateRateLimit, e.checks.FlagEmail(ctx, email)
	case emailTripped:
		return ElevateEmailRateLimit, e.checks.FlagEmail(ctx, email)
	case visitorTripped:
		return ElevateVisitorRateLimit, e.checks.FlagEmail(ctx, email)
	}

	if visitor != "" {
		created, err := e.checks.AccountsCreated(ctx, visitor, now)
		if err != nil {
			return "", err
		}
		if created >= e.config.Check.MaliciousVisitorAccounts {
			// A visitor churning out accounts taints everything it touches.
			if err := e.checks.FlagGlobal(ctx); err != nil {
				return "", err
			}
			return ElevateVisitor, e.checks.FlagEmail(ctx, email)
		}
	}

	if e.detector.Disposable(email) {
		return ElevateDisposable, nil
	}
	if e.detector.Strange(email) {
		return ElevateStrange, nil
	}
	return "", nil
}

// suppressElevation applies the overrides that let a known-good caller through
// a tripped pipeline: the email is a registered test account, or the visitor
// already proved it owns this identity (prior login or a recent password
// update). Overrides are audited, never silent.
func (e *Engine) suppressElevation(ctx context.Context, email, visitor string, identity *Identity) (bool, string, error) {
	if _, ok := e.testAccounts[email]; ok {
		return true, "test_account", nil
	}
	if identity == nil || visitor == "" {
		return false, "", nil
	}

	associated, err := e.checks.Associated(ctx, visitor, identity.ID)
	if err != nil {
		return false, "", err
	}
	if associated {
		return true, "visitor_association", nil
	}

	updated, err := e.checks.RecentlyUpdatedPassword(ctx, identity.ID)
	if err != nil {
		return false, "", err
	}
	if updated {
		return true, "recent_password_update", nil
	}
	return false, "", nil
}

func (e *Engine) issueLoginToken(ctx context.Context, email string, params CheckParams, exists bool, state stores.HiddenState) (string, error) {
	existsClaim := exists
	return e.issueToken(ctx, token.KindLogin, token.SignParams{
		Subject:     email,
		TTL:         e.config.Tokens.LoginTTL,
		Exists:      &existsClaim,
		RedirectURL: params.RedirectURL,
		ClientID:    params.ClientID,
	}, state)
}

// lookup resolves the identity row, mapping "not found" to a nil row.
func (e *Engine) lookup(ctx context.Context, email string) (*Identity, bool, error) {
	identity, err := e.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return identity, true, nil
}

func elevateMetric(reason ElevateReason) MetricID {
	switch reason {
	case ElevateGlobal:
		return MetricElevateGlobal
	case ElevateEmail:
		return MetricElevateEmail
	case ElevateRateLimit:
		return MetricElevateRateLimit
	case ElevateEmailRateLimit:
		return MetricElevateEmailRateLimit
	case ElevateVisitorRateLimit:
		return MetricElevateVisitorRateLimit
	case ElevateVisitor:
		return MetricElevateVisitor
	case ElevateDisposable:
		return MetricElevateDisposable
	default:
		return MetricElevateStrange
	}
}
