// Package token mints and validates the three Sign-in-with-Oseh token kinds:
// Elevation (a challenge is required for this email), Login (this email passed
// the check step) and Core (an authenticated session for an identity).
//
// Each kind carries its own audience so a token can never be replayed against
// a different step of the flow. Anything the server does not want to hand to
// the client lives in the hidden-state store keyed by jti, never in the
// payload signed here.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind selects which of the three SIWO token types is being signed or parsed.
type Kind int

const (
	// KindElevation asserts "this email must complete a security-code challenge".
	KindElevation Kind = iota
	// KindLogin asserts "this email passed the check step".
	KindLogin
	// KindCore is the session token granted after password verification or
	// identity creation.
	KindCore
)

func (k Kind) String() string {
	switch k {
	case KindElevation:
		return "elevation"
	case KindLogin:
		return "login"
	case KindCore:
		return "core"
	default:
		return "unknown"
	}
}

// ErrorReason is the closed set of decode/validation failure categories.
// Clients only ever see the coarse category; the exact reason feeds the
// breakdown metrics.
type ErrorReason string

const (
	ReasonMissing   ErrorReason = "missing"
	ReasonMalformed ErrorReason = "malformed"
	// ReasonIncomplete marks a structurally valid token that lacks a required
	// claim, including a redirect context with only one half of the pair.
	ReasonIncomplete ErrorReason = "incomplete"
	ReasonSignature  ErrorReason = "signature"
	ReasonBadIssuer  ErrorReason = "bad_iss"
	ReasonBadAud     ErrorReason = "bad_aud"
	ReasonExpired    ErrorReason = "expired"
	// ReasonRevoked and ReasonLost are produced by the hidden-state store, not
	// by Parse, but belong to the same taxonomy.
	ReasonRevoked ErrorReason = "revoked"
	ReasonLost    ErrorReason = "lost"
)

// Error is the typed failure returned by Parse. Suspicious reasons (anything
// other than expiry) usually indicate tampering and should be escalated by
// the caller.
type Error struct {
	Reason ErrorReason
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("token %s: %v", e.Reason, e.cause)
	}
	return "token " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Suspicious reports whether the failure is worth escalating to the
// error-reporting sink rather than being normal user behavior.
func (e *Error) Suspicious() bool {
	return e.Reason != ReasonExpired && e.Reason != ReasonMissing && e.Reason != ReasonRevoked
}

func newError(reason ErrorReason, cause error) *Error {
	return &Error{Reason: reason, cause: cause}
}

// NewError builds a typed failure for reasons produced outside Parse, such as
// revocation and lost hidden state reported by the state store.
func NewError(reason ErrorReason) *Error {
	return &Error{Reason: reason}
}

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Config holds the signing material and claim policy shared by all kinds.
// Config instances are treated as immutable after NewManager.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	// Audiences maps each kind to its audience string. Every kind must be
	// present and distinct, otherwise a Login token could be replayed as an
	// Elevation token.
	Audiences map[Kind]string
	Leeway    time.Duration
}

// Claims is the full SIWO claim set. Subject is the email for Elevation and
// Login tokens and the identity id for Core tokens.
type Claims struct {
	// Exists is only present on Login tokens and mirrors whether an identity
	// row existed for the email at check time.
	Exists *bool `json:"oseh_exists,omitempty"`
	// RedirectURL and ClientID form the optional redirect context. They are
	// valid only as a pair; partial presence fails ReasonIncomplete.
	RedirectURL string `json:"oseh_redirect_url,omitempty"`
	ClientID    string `json:"oseh_client_id,omitempty"`
	jwt.RegisteredClaims
}

// JTI returns the token's unique id, the key for hidden state and revocation.
func (c *Claims) JTI() string { return c.ID }

// SignParams carries the per-token inputs to Sign.
type SignParams struct {
	Subject     string
	JTI         string
	TTL         time.Duration
	IssuedAt    time.Time
	Exists      *bool
	RedirectURL string
	ClientID    string
}

// Manager signs and parses SIWO tokens. Safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager validates the signing configuration up front so that issue-time
// failures can only come from the store, never from key material.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if len(cfg.Audiences) != 3 {
		return nil, errors.New("audiences must cover all three token kinds")
	}
	seen := map[string]bool{}
	for _, kind := range []Kind{KindElevation, KindLogin, KindCore} {
		aud := strings.TrimSpace(cfg.Audiences[kind])
		if aud == "" {
			return nil, fmt.Errorf("missing audience for %s tokens", kind)
		}
		if seen[aud] {
			return nil, fmt.Errorf("audience %q is shared between kinds", aud)
		}
		seen[aud] = true
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{config: cfg}, nil
}

// Sign produces a signed token of the given kind. The redirect context must
// be present as a pair or absent as a pair.
func (m *Manager) Sign(kind Kind, params SignParams) (string, error) {
	if params.Subject == "" {
		return "", errors.New("subject is required")
	}
	if params.JTI == "" {
		return "", errors.New("jti is required")
	}
	if params.TTL <= 0 {
		return "", errors.New("ttl must be positive")
	}
	if (params.RedirectURL == "") != (params.ClientID == "") {
		return "", errors.New("redirect context must be set as a pair")
	}

	iat := params.IssuedAt
	if iat.IsZero() {
		iat = time.Now()
	}

	claims := Claims{
		RedirectURL: params.RedirectURL,
		ClientID:    params.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   params.Subject,
			ID:        params.JTI,
			Issuer:    m.config.Issuer,
			Audience:  jwt.ClaimStrings{m.config.Audiences[kind]},
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(params.TTL)),
		},
	}
	if kind == KindLogin {
		if params.Exists == nil {
			return "", errors.New("login tokens require the exists claim")
		}
		claims.Exists = params.Exists
	}

	tok := jwt.NewWithClaims(m.method(), claims)
	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

// Parse validates the raw token against the expected kind and returns its
// claims, or a typed *Error naming the failure category.
func (m *Manager) Parse(kind Kind, raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, newError(ReasonMissing, nil)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithLeeway(m.config.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithAudience(m.config.Audiences[kind]),
		jwt.WithExpirationRequired(),
	)

	parsed, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.verifyKey()
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, newError(ReasonMalformed, jwt.ErrTokenInvalidClaims)
	}
	if err := requireClaims(kind, claims); err != nil {
		return nil, err
	}

	return claims, nil
}

func requireClaims(kind Kind, claims *Claims) *Error {
	switch {
	case claims.Subject == "":
		return newError(ReasonIncomplete, errors.New("missing sub"))
	case claims.ID == "":
		return newError(ReasonIncomplete, errors.New("missing jti"))
	case claims.IssuedAt == nil:
		return newError(ReasonIncomplete, errors.New("missing iat"))
	case (claims.RedirectURL == "") != (claims.ClientID == ""):
		return newError(ReasonIncomplete, errors.New("partial redirect context"))
	case kind == KindLogin && claims.Exists == nil:
		return newError(ReasonIncomplete, errors.New("missing oseh_exists"))
	case kind != KindLogin && claims.Exists != nil:
		return newError(ReasonIncomplete, errors.New("unexpected oseh_exists"))
	}
	return nil
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newError(ReasonSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return newError(ReasonBadIssuer, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return newError(ReasonBadAud, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return newError(ReasonIncomplete, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(ReasonMalformed, err)
	default:
		return newError(ReasonMalformed, err)
	}
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) signKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) verifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
