package siwo

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineNotReady is returned when a flow is invoked before Build wired
	// its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidInput marks malformed request parameters.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is returned on a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited is the base error matched by [RateLimitedError].
	ErrRateLimited = errors.New("rate limited")
	// ErrIntegrity means a token and the identity store disagree about
	// existence, or a write affected zero rows. Usually a bug or a race with
	// deletion; always logged as a warning.
	ErrIntegrity = errors.New("integrity violation")
	// ErrEmailBackpressure means the outbound email queue is at capacity. The
	// request fails closed; a security-relevant email is never dropped
	// silently.
	ErrEmailBackpressure = errors.New("email queue backpressure")
	// ErrBadSecurityCode is the base error matched by [CodeError].
	ErrBadSecurityCode = errors.New("bad security code")
	// ErrBadResetCode is returned by UpdatePassword for unknown, expired or
	// already-consumed reset codes.
	ErrBadResetCode = errors.New("bad reset code")

	// ErrIdentityNotFound is the sentinel [IdentityStore] implementations
	// return when no row matches.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrIdentityExists is the sentinel for a uniqueness-constraint conflict
	// on insert.
	ErrIdentityExists = errors.New("identity already exists")
	// ErrQueueFull is the sentinel [EmailQueue] implementations return at
	// capacity.
	ErrQueueFull = errors.New("email queue full")
)

// RateLimitedError carries the scope that tripped and a retry hint where one
// is computable. It matches [ErrRateLimited] under errors.Is.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (%s): retry in %s", e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (%s)", e.Scope)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// SecondsRemaining rounds the retry hint up to whole seconds for clients.
func (e *RateLimitedError) SecondsRemaining() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CodeErrorReason is the closed set of security-code rejection categories.
type CodeErrorReason string

const (
	CodeUnknown     CodeErrorReason = "unknown"
	CodeBogus       CodeErrorReason = "bogus"
	CodeAlreadyUsed CodeErrorReason = "already_used"
	CodeExpired     CodeErrorReason = "expired"
	CodeRevoked     CodeErrorReason = "revoked"
	CodeNotSentYet  CodeErrorReason = "not_sent_yet"
)

// CodeError is the typed rejection for a submitted security code. It matches
// [ErrBadSecurityCode] under errors.Is; the exact reason is for internal
// stats, clients only see the coarse category.
type CodeError struct {
	Reason CodeErrorReason
}

func (e *CodeError) Error() string { return "security code " + string(e.Reason) }

func (e *CodeError) Is(target error) bool { return target == ErrBadSecurityCode }
