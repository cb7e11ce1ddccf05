package siwo

import (
	"errors"
	"time"
)

// Config is the full engine configuration. Instances are treated as immutable
// after [Builder.Build]. Every threshold below is an empirically chosen
// default, kept as configuration rather than a constant on purpose.
type Config struct {
	Tokens       TokenConfig
	Check        CheckConfig
	SecurityCode SecurityCodeConfig
	Deterrence   DeterrenceConfig
	Login        LoginConfig
	Password     PasswordConfig
	Reset        ResetConfig
	Audit        AuditConfig
	Heuristics   HeuristicsConfig

	// RedisPrefix namespaces every key the engine writes.
	RedisPrefix string
	// TestAccounts never require a challenge; suppressions are audited.
	TestAccounts []string
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig carries signing material and per-kind lifetimes.
type TokenConfig struct {
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string

	ElevationTTL time.Duration
	LoginTTL     time.Duration
	CoreTTL      time.Duration
	// StateGrace extends hidden-state and revocation-marker TTLs past token
	// expiry so a token can never outlive its server-side record.
	StateGrace time.Duration
	Leeway     time.Duration
}

/*
====================================
CHECK / ABUSE PIPELINE CONFIG
====================================
*/

// CheckConfig tunes the abuse pipeline's rate windows, flags and detectors.
type CheckConfig struct {
	GlobalWindow     time.Duration
	GlobalMax        int
	EmailWindow      time.Duration
	EmailMax         int
	VisitorWindow    time.Duration
	VisitorMaxEmails int

	EmailFlagTTL  time.Duration
	GlobalFlagTTL time.Duration

	// MaliciousVisitorAccounts is the number of identities created by one
	// visitor within AccountsWindow that forces elevation and escalates the
	// global flag.
	MaliciousVisitorAccounts int
	AccountsWindow           time.Duration

	AssociationTTL  time.Duration
	RecentUpdateTTL time.Duration
}

/*
====================================
SECURITY CODE CONFIG
====================================
*/

// SecurityCodeConfig tunes code generation and delivery.
type SecurityCodeConfig struct {
	Digits  int
	CodeTTL time.Duration
	// DuplicateSendWindow rejects a second acknowledge for the same email
	// inside the window.
	DuplicateSendWindow time.Duration
	// SendSpacing is the global minimum gap between scheduled delayed sends.
	SendSpacing time.Duration
	// DelayedQueueCapacity bounds the delayed-send queue; zero disables the
	// bound.
	DelayedQueueCapacity int
	// EmailTemplate names the outbound template carrying the code.
	EmailTemplate string
}

// DeterrenceConfig tunes the delay distribution and decoy probabilities.
type DeterrenceConfig struct {
	SlowdownMean    time.Duration
	ModerateMean    time.Duration
	AggressiveMean  time.Duration
	ModerateDecoy   float64
	AggressiveDecoy float64
}

/*
====================================
LOGIN / PASSWORD CONFIG
====================================
*/

// LoginConfig tunes the per-token password-check budget.
type LoginConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
	LockTTL     time.Duration
	DedupeTTL   time.Duration
	// UpgradeOnLogin rehashes under current policy after a successful verify
	// of a weaker stored hash.
	UpgradeOnLogin bool
}

// PasswordConfig carries the argon2id parameters.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
RESET / UPDATE CONFIG
====================================
*/

// ResetConfig tunes the reset-request tiers and update-password gate.
type ResetConfig struct {
	IdentityPerDay    int
	IdentityPerHour   int
	IdentityPerMinute int
	GlobalPerHour     int
	GlobalPerMinute   int
	UpdatePerMinute   int

	CodeTTL time.Duration
	// EmailTemplate names the outbound template carrying the reset code.
	EmailTemplate string
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig tunes the audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking request paths.
	DropIfFull bool
}

// HeuristicsConfig extends the built-in email heuristics lists.
type HeuristicsConfig struct {
	ExtraDisposableDomains []string
	ExtraMajorDomains      []string
}

func defaultConfig() Config {
	return Config{
		Tokens: TokenConfig{
			SigningMethod: "ed25519",
			Issuer:        "sign-in-with-oseh",
			ElevationTTL:  30 * time.Minute,
			LoginTTL:      30 * time.Minute,
			CoreTTL:       30 * 24 * time.Hour,
			StateGrace:    5 * time.Minute,
			Leeway:        30 * time.Second,
		},
		Check: CheckConfig{
			GlobalWindow:             time.Minute,
			GlobalMax:                60,
			EmailWindow:              time.Hour,
			EmailMax:                 3,
			VisitorWindow:            24 * time.Hour,
			VisitorMaxEmails:         10,
			EmailFlagTTL:             24 * time.Hour,
			GlobalFlagTTL:            30 * time.Minute,
			MaliciousVisitorAccounts: 3,
			AccountsWindow:           24 * time.Hour,
			AssociationTTL:           90 * 24 * time.Hour,
			RecentUpdateTTL:          24 * time.Hour,
		},
		SecurityCode: SecurityCodeConfig{
			Digits:               7,
			CodeTTL:              30 * time.Minute,
			DuplicateSendWindow:  60 * time.Second,
			SendSpacing:          5 * time.Second,
			DelayedQueueCapacity: 1000,
			EmailTemplate:        "siwo-security-code",
		},
		Deterrence: DeterrenceConfig{
			SlowdownMean:    2 * time.Second,
			ModerateMean:    10 * time.Second,
			AggressiveMean:  30 * time.Second,
			ModerateDecoy:   0.05,
			AggressiveDecoy: 0.33,
		},
		Login: LoginConfig{
			MaxAttempts:    3,
			Cooldown:       60 * time.Second,
			LockTTL:        10 * time.Second,
			DedupeTTL:      60 * time.Second,
			UpgradeOnLogin: true,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Reset: ResetConfig{
			IdentityPerDay:    3,
			IdentityPerHour:   2,
			IdentityPerMinute: 1,
			GlobalPerHour:     100,
			GlobalPerMinute:   10,
			UpdatePerMinute:   10,
			CodeTTL:           30 * time.Minute,
			EmailTemplate:     "siwo-reset-password",
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		RedisPrefix: "siwo",
	}
}

func validateConfig(cfg Config) error {
	if cfg.Tokens.Issuer == "" {
		return errors.New("tokens: issuer is required")
	}
	if cfg.Tokens.ElevationTTL <= 0 || cfg.Tokens.LoginTTL <= 0 || cfg.Tokens.CoreTTL <= 0 {
		return errors.New("tokens: ttls must be positive")
	}
	if cfg.Tokens.StateGrace <= 0 {
		return errors.New("tokens: state grace must be positive")
	}
	if cfg.Check.GlobalMax <= 0 || cfg.Check.EmailMax <= 0 || cfg.Check.VisitorMaxEmails <= 0 {
		return errors.New("check: window maxima must be positive")
	}
	if cfg.SecurityCode.Digits < 6 || cfg.SecurityCode.Digits > 10 {
		return errors.New("security code: digits must be 6..10")
	}
	if cfg.SecurityCode.CodeTTL <= 0 {
		return errors.New("security code: ttl must be positive")
	}
	if cfg.Login.MaxAttempts <= 0 || cfg.Login.Cooldown <= 0 || cfg.Login.LockTTL <= 0 {
		return errors.New("login: attempt budget must be positive")
	}
	if cfg.Deterrence.ModerateDecoy < 0 || cfg.Deterrence.ModerateDecoy > 1 ||
		cfg.Deterrence.AggressiveDecoy < 0 || cfg.Deterrence.AggressiveDecoy > 1 {
		return errors.New("deterrence: decoy rates must be within [0,1]")
	}
	if cfg.Reset.CodeTTL <= 0 {
		return errors.New("reset: code ttl must be positive")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.TestAccounts = append([]string(nil), cfg.TestAccounts...)
	out.Tokens.PrivateKey = append([]byte(nil), cfg.Tokens.PrivateKey...)
	out.Tokens.PublicKey = append([]byte(nil), cfg.Tokens.PublicKey...)
	out.Heuristics.ExtraDisposableDomains = append([]string(nil), cfg.Heuristics.ExtraDisposableDomains...)
	out.Heuristics.ExtraMajorDomains = append([]string(nil), cfg.Heuristics.ExtraMajorDomains...)
	return out
}
