package siwo

import (
	"context"
	"time"
)

// ElevateReason is the closed set of triggers that demand a security-code
// challenge. The reason is held in hidden token state, never in the token
// payload, and steers the deterrence level at acknowledge time.
type ElevateReason string

const (
	// ElevateGlobal: the global challenge flag is raised.
	ElevateGlobal ElevateReason = "global"
	// ElevateEmail: the email is individually flagged.
	ElevateEmail ElevateReason = "email"
	// ElevateRateLimit: the global check-attempt window tripped.
	ElevateRateLimit ElevateReason = "ratelimit"
	// ElevateEmailRateLimit: the per-email check window tripped.
	ElevateEmailRateLimit ElevateReason = "email_ratelimit"
	// ElevateVisitorRateLimit: the per-visitor distinct-emails window tripped.
	ElevateVisitorRateLimit ElevateReason = "visitor_ratelimit"
	// ElevateVisitor: the known-malicious-visitor detector fired.
	ElevateVisitor ElevateReason = "visitor"
	// ElevateDisposable: the email's domain is a disposable provider.
	ElevateDisposable ElevateReason = "disposable"
	// ElevateStrange: the address shape looks machine-generated.
	ElevateStrange ElevateReason = "strange"
)

// Identity is the stored account row. Email is stored case-sensitively and
// looked up case-insensitively; this subsystem never deletes identities.
type Identity struct {
	ID              string
	Email           string
	Name            string
	PasswordHash    string
	CreatedAt       time.Time
	EmailVerifiedAt *time.Time
}

// CreateIdentityParams is the insert contract for [IdentityStore.Create].
type CreateIdentityParams struct {
	Email           string
	PasswordHash    string
	EmailVerifiedAt *time.Time
}

// ResetAuditEntry is the optimistic audit row written when a password reset
// is accepted, rolled back if the reset email cannot be enqueued.
type ResetAuditEntry struct {
	ID          string
	IdentityID  string
	Email       string
	RequestedAt time.Time
}

// IdentityStore is the narrow contract to the relational store holding
// identity rows. Implementations return [ErrIdentityNotFound],
// [ErrIdentityExists] and [ErrIntegrity] as documented per method.
type IdentityStore interface {
	// GetByEmail looks up case-insensitively. Returns ErrIdentityNotFound
	// when no row matches.
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	// GetByID returns ErrIdentityNotFound when no row matches.
	GetByID(ctx context.Context, id string) (*Identity, error)
	// Create inserts behind the store's uniqueness constraint. A conflict is
	// ErrIdentityExists; a zero-row insert without a conflict is ErrIntegrity.
	Create(ctx context.Context, params CreateIdentityParams) (*Identity, error)
	// UpdatePasswordHash replaces the stored derivation. Zero rows affected
	// is ErrIdentityNotFound.
	UpdatePasswordHash(ctx context.Context, identityID, newHash string) error
	// MarkEmailVerified stamps the verification time if not already set.
	MarkEmailVerified(ctx context.Context, identityID string, at time.Time) error
	// RecordResetRequest persists the audit row.
	RecordResetRequest(ctx context.Context, entry ResetAuditEntry) error
	// DeleteResetRequest rolls an audit row back after queue backpressure.
	DeleteResetRequest(ctx context.Context, auditID string) error
}

// Email is one outbound message handed to the delivery queue.
type Email struct {
	To       string
	Template string
	// Params carries template values; security and reset codes travel here.
	Params map[string]string
}

// EmailQueue is the enqueue contract to the outbound delivery collaborator.
// Implementations return [ErrQueueFull] at capacity; SIWO always fails closed
// on that signal.
type EmailQueue interface {
	Enqueue(ctx context.Context, email Email) error
}

// CheckParams is the input to [Engine.CheckAccount].
type CheckParams struct {
	Email string
	// Code, when set, is a previously delivered security code; the check then
	// verifies it instead of running the abuse pipeline.
	Code string
	// Visitor is the opaque device identifier, empty when unknown.
	Visitor     string
	RedirectURL string
	ClientID    string
}

// CheckResult is the outcome of a check. Exactly one of ElevationToken or
// LoginToken is set.
type CheckResult struct {
	// ChallengeRequired reports that the caller must acknowledge the
	// elevation and complete the emailed code before re-checking.
	ChallengeRequired bool
	Reason            ElevateReason
	ElevationToken    string
	Exists            bool
	Name              string
	LoginToken        string
}

// AcknowledgeAction is what happened to the code email.
type AcknowledgeAction string

const (
	// ActionSent: the code email was enqueued immediately.
	ActionSent AcknowledgeAction = "sent"
	// ActionDelayed: the send was scheduled for a future time.
	ActionDelayed AcknowledgeAction = "delayed"
	// ActionUnsent: no code was issued; Reason says why.
	ActionUnsent AcknowledgeAction = "unsent"
)

// AcknowledgeParams is the input to [Engine.AcknowledgeElevation].
type AcknowledgeParams struct {
	ElevationToken string
}

// AcknowledgeResult is the outcome of an acknowledge.
type AcknowledgeResult struct {
	Action AcknowledgeAction
	// Reason is set for ActionUnsent, currently only "ratelimited".
	Reason string
	// SendAt is the scheduled delivery time for ActionDelayed.
	SendAt time.Time
}

// LoginParams is the input to [Engine.Login].
type LoginParams struct {
	LoginToken string
	Password   string
	Visitor    string
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	CoreToken     string
	EmailVerified bool
}

// CreateParams is the input to [Engine.CreateIdentity].
type CreateParams struct {
	LoginToken string
	Password   string
	Visitor    string
}

// CreateResult is the outcome of a successful identity creation.
type CreateResult struct {
	CoreToken     string
	EmailVerified bool
}

// ResetParams is the input to [Engine.ResetPassword].
type ResetParams struct {
	LoginToken string
}

// ResetResult is the outcome of a reset request. Over-quota requests are
// reported to the client as accepted; Suppressed carries the internal
// short-circuit reason for observability.
type ResetResult struct {
	Suppressed string
}

// UpdateParams is the input to [Engine.UpdatePassword].
type UpdateParams struct {
	Code     string
	Password string
	Visitor  string
}

// UpdateResult is the outcome of a successful password update. The fresh
// Login token lets the client continue straight to the login step.
type UpdateResult struct {
	Email      string
	LoginToken string
}
