package siwo

import (
	"context"
	"errors"
	"time"

	"github.com/oseh/siwo/internal"
	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/token"
)

// AcknowledgeElevation spends an Elevation token and issues a security code
// for its email. The deterrence level derived from the elevation reason may
// delay the send or swap the delivered code for a decoy that never validates.
func (e *Engine) AcknowledgeElevation(ctx context.Context, params AcknowledgeParams) (*AcknowledgeResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.parseToken(ctx, token.KindElevation, params.ElevationToken)
	if err != nil {
		return nil, err
	}
	state, err := e.consumeState(ctx, claims)
	if err != nil {
		return nil, err
	}

	email := claims.Subject
	now := e.now()

	if err := e.codes.TrySendGuard(ctx, email, e.config.SecurityCode.DuplicateSendWindow); err != nil {
		if errors.Is(err, stores.ErrSendGuarded) {
			e.metrics.Inc(MetricAckUnsent)
			e.audit.Emit(ctx, AuditEvent{
				Timestamp: now,
				EventType: EventAcknowledge,
				Email:     email,
				JTI:       claims.JTI(),
				Success:   true,
				Metadata:  map[string]string{"action": string(ActionUnsent)},
			})
			return &AcknowledgeResult{Action: ActionUnsent, Reason: "ratelimited"}, nil
		}
		return nil, err
	}

	// The guard armed above asserts "a code was issued"; every failure below
	// issues none, so it is disarmed on the way out.
	fail := func(err error) error {
		_ = e.codes.ReleaseSendGuard(ctx, email)
		return err
	}

	delay, decoy := e.deterrence.Draw(state.Reason)

	code, err := internal.NewSecurityCode(e.config.SecurityCode.Digits)
	if err != nil {
		return nil, fail(err)
	}
	decoyCode := ""
	if decoy {
		decoyCode, err = internal.NewSecurityCode(e.config.SecurityCode.Digits)
		if err != nil {
			return nil, fail(err)
		}
	}

	// The mailbox receives the decoy when one is in play; the real code stays
	// server-side and expires unused.
	sendCode := code
	if decoy {
		sendCode = decoyCode
	}

	// Commit the send before persisting the record: a backpressure rejection
	// must leave the email's previously issued code valid, so the family is
	// only superseded once the code is actually on its way out.
	sendAt := now
	if delay > 0 {
		sendAt, err = e.codes.ScheduleDelayedSend(ctx, email, sendCode, now,
			delay,
			e.config.SecurityCode.SendSpacing,
			e.config.SecurityCode.DelayedQueueCapacity,
		)
		if err != nil {
			if errors.Is(err, stores.ErrSendQueueFull) {
				e.metrics.Inc(MetricAckBackpressure)
				return nil, fail(ErrEmailBackpressure)
			}
			return nil, fail(err)
		}
	} else {
		if err := e.sendCodeEmail(ctx, email, sendCode); err != nil {
			return nil, fail(err)
		}
	}

	record := stores.SecurityCodeRecord{
		Reason:    state.Reason,
		AckedAt:   now,
		SendAt:    sendAt,
		ExpiresAt: now.Add(e.config.SecurityCode.CodeTTL),
	}
	if err := e.codes.Save(ctx, email, code, decoyCode, record, e.config.SecurityCode.CodeTTL); err != nil {
		return nil, fail(err)
	}

	if delay > 0 {
		e.metrics.Inc(MetricAckDelayed)
		e.audit.Emit(ctx, AuditEvent{
			Timestamp: now,
			EventType: EventAcknowledge,
			Email:     email,
			JTI:       claims.JTI(),
			Success:   true,
			Metadata:  map[string]string{"action": string(ActionDelayed), "reason": state.Reason},
		})
		return &AcknowledgeResult{Action: ActionDelayed, SendAt: sendAt}, nil
	}

	e.metrics.Inc(MetricAckSent)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp: now,
		EventType: EventAcknowledge,
		Email:     email,
		JTI:       claims.JTI(),
		Success:   true,
		Metadata:  map[string]string{"action": string(ActionSent), "reason": state.Reason},
	})
	return &AcknowledgeResult{Action: ActionSent}, nil
}

func (e *Engine) sendCodeEmail(ctx context.Context, email, code string) error {
	err := e.emails.Enqueue(ctx, Email{
		To:       email,
		Template: e.config.SecurityCode.EmailTemplate,
		Params:   map[string]string{"code": code},
	})
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			e.metrics.Inc(MetricAckBackpressure)
			return ErrEmailBackpressure
		}
		return err
	}
	return nil
}

// RunDelayedSender drains the delayed-send queue until ctx is cancelled,
// polling at the given interval. Deployments run exactly one instance; the
// queue pop is atomic so an accidental second instance only splits the work.
func (e *Engine) RunDelayedSender(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.deliverDue(ctx, batch); err != nil {
				e.audit.Emit(ctx, AuditEvent{
					Timestamp: e.now(),
					EventType: EventAcknowledge,
					Error:     err.Error(),
					Metadata:  map[string]string{"action": "delayed_send"},
				})
			}
		}
	}
}

func (e *Engine) deliverDue(ctx context.Context, batch int) error {
	due, err := e.codes.PopDue(ctx, e.now(), batch)
	if err != nil {
		return err
	}
	for _, send := range due {
		if err := e.sendCodeEmail(ctx, send.Email, send.Code); err != nil {
			return err
		}
		e.metrics.Inc(MetricAckSent)
	}
	return nil
}
