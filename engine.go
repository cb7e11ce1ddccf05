package siwo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oseh/siwo/internal/deterrence"
	"github.com/oseh/siwo/internal/heuristics"
	"github.com/oseh/siwo/internal/limiters"
	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/password"
	"github.com/oseh/siwo/token"
)

// Engine is the Sign-in-with-Oseh pipeline: account checks with abuse
// elevation, security-code challenges, password login, identity creation and
// password reset/update. Safe for concurrent use.
type Engine struct {
	config     Config
	identities IdentityStore
	emails     EmailQueue
	tokens     *token.Manager
	states     *stores.TokenStateStore
	codes      *stores.SecurityCodeStore
	resetCodes *stores.ResetCodeStore
	checks     *limiters.CheckLimiter
	logins     *limiters.LoginLimiter
	resets     *limiters.ResetLimiter
	deterrence *deterrence.Strategy
	detector   *heuristics.Detector
	hasher     *password.Hasher
	metrics    *Metrics
	audit      *auditDispatcher

	testAccounts map[string]struct{}

	now    func() time.Time
	newJTI func() string
}

// Close flushes and stops the audit dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Config returns a copy of the engine's effective configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// MetricsSnapshot copies the engine's counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Metric reads a single counter.
func (e *Engine) Metric(id MetricID) uint64 {
	return e.metrics.Get(id)
}

// AuditDropped reports how many audit events were shed under DropIfFull.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// canonicalEmail is the form used for limiter scopes, code families and test
// account matching. Stored rows keep the original casing.
func canonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// issueToken signs a token and persists its hidden state. The state write
// happens before the token becomes observable so a signed token without state
// cannot exist, only the reverse.
func (e *Engine) issueToken(ctx context.Context, kind token.Kind, params token.SignParams, state stores.HiddenState) (string, error) {
	params.JTI = e.newJTI()
	params.IssuedAt = e.now()

	signed, err := e.tokens.Sign(kind, params)
	if err != nil {
		return "", err
	}
	if err := e.states.Save(ctx, params.JTI, state, params.TTL+e.config.Tokens.StateGrace); err != nil {
		return "", err
	}
	return signed, nil
}

// parseToken validates a raw token, feeding the rejection breakdown counters
// and escalating suspicious failures to the audit stream.
func (e *Engine) parseToken(ctx context.Context, kind token.Kind, raw string) (*token.Claims, error) {
	claims, err := e.tokens.Parse(kind, raw)
	if err != nil {
		var tokenErr *token.Error
		if errors.As(err, &tokenErr) {
			e.metrics.Inc(tokenMetric(tokenErr.Reason))
			if tokenErr.Suspicious() {
				e.audit.Emit(ctx, AuditEvent{
					Timestamp: e.now(),
					EventType: EventTokenSuspicious,
					Error:     string(tokenErr.Reason),
					Metadata:  map[string]string{"kind": kind.String()},
				})
			}
		}
		return nil, err
	}
	return claims, nil
}

// consumeState atomically revokes the token and returns its hidden state.
// Lost state fails closed and is escalated: a valid signature without a
// server-side record means either Redis lost data or the key leaked.
func (e *Engine) consumeState(ctx context.Context, claims *token.Claims) (*stores.HiddenState, error) {
	state, err := e.states.Consume(ctx, claims.JTI(), e.markerTTL(claims))
	if err != nil {
		return nil, e.mapStateErr(ctx, claims, err)
	}
	return state, nil
}

// peekState reads revocation and hidden state without spending the token.
func (e *Engine) peekState(ctx context.Context, claims *token.Claims) (*stores.HiddenState, error) {
	state, err := e.states.Peek(ctx, claims.JTI())
	if err != nil {
		return nil, e.mapStateErr(ctx, claims, err)
	}
	return state, nil
}

func (e *Engine) markerTTL(claims *token.Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return e.config.Tokens.StateGrace
	}
	return claims.ExpiresAt.Time.Sub(e.now()) + e.config.Tokens.StateGrace
}

func (e *Engine) mapStateErr(ctx context.Context, claims *token.Claims, err error) error {
	switch {
	case errors.Is(err, stores.ErrStateRevoked):
		e.metrics.Inc(MetricTokenRevoked)
		return token.NewError(token.ReasonRevoked)
	case errors.Is(err, stores.ErrStateLost):
		e.metrics.Inc(MetricTokenLost)
		e.audit.Emit(ctx, AuditEvent{
			Timestamp: e.now(),
			EventType: EventHiddenStateLost,
			JTI:       claims.JTI(),
			Error:     string(token.ReasonLost),
		})
		return token.NewError(token.ReasonLost)
	default:
		return err
	}
}

// integrity records a token/store disagreement and returns [ErrIntegrity].
func (e *Engine) integrity(ctx context.Context, metric MetricID, event AuditEvent) error {
	e.metrics.Inc(metric)
	event.Timestamp = e.now()
	event.EventType = EventIntegrityViolation
	e.audit.Emit(ctx, event)
	return ErrIntegrity
}

func tokenMetric(reason token.ErrorReason) MetricID {
	switch reason {
	case token.ReasonMissing:
		return MetricTokenMissing
	case token.ReasonIncomplete:
		return MetricTokenIncomplete
	case token.ReasonSignature:
		return MetricTokenSignature
	case token.ReasonBadIssuer:
		return MetricTokenBadIssuer
	case token.ReasonBadAud:
		return MetricTokenBadAudience
	case token.ReasonExpired:
		return MetricTokenExpired
	case token.ReasonRevoked:
		return MetricTokenRevoked
	case token.ReasonLost:
		return MetricTokenLost
	default:
		return MetricTokenMalformed
	}
}

// mapCodeErr translates a store-level code rejection into the public typed
// error, charging the matching breakdown counter.
func (e *Engine) mapCodeErr(err error) error {
	var reason CodeErrorReason
	var metric MetricID
	switch {
	case errors.Is(err, stores.ErrCodeBogus):
		reason, metric = CodeBogus, MetricCodeBogus
	case errors.Is(err, stores.ErrCodeAlreadyUsed):
		reason, metric = CodeAlreadyUsed, MetricCodeAlreadyUsed
	case errors.Is(err, stores.ErrCodeExpired):
		reason, metric = CodeExpired, MetricCodeExpired
	case errors.Is(err, stores.ErrCodeRevoked):
		reason, metric = CodeRevoked, MetricCodeRevoked
	case errors.Is(err, stores.ErrCodeNotSentYet):
		reason, metric = CodeNotSentYet, MetricCodeNotSentYet
	case errors.Is(err, stores.ErrCodeUnknown):
		reason, metric = CodeUnknown, MetricCodeUnknown
	default:
		return err
	}
	e.metrics.Inc(metric)
	e.metrics.Inc(MetricCheckCodeRejected)
	return &CodeError{Reason: reason}
}
