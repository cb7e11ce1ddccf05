package siwo

import (
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oseh/siwo/internal/deterrence"
	"github.com/oseh/siwo/internal/heuristics"
	"github.com/oseh/siwo/internal/limiters"
	"github.com/oseh/siwo/internal/rate"
	"github.com/oseh/siwo/internal/stores"
	"github.com/oseh/siwo/password"
	"github.com/oseh/siwo/token"
)

// Builder assembles an [Engine]. Collaborators the engine cannot provide for
// itself, the Redis client, the identity store and the email queue, are
// required; everything else has a default.
type Builder struct {
	config     Config
	hasConfig  bool
	redis      redis.UniversalClient
	identities IdentityStore
	emails     EmailQueue
	sink       AuditSink
	clock      func() time.Time
	randSrc    rand.Source
}

// NewBuilder starts a builder over the default configuration.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig replaces the default configuration wholesale. Callers usually
// start from [DefaultConfig] and adjust.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.hasConfig = true
	return b
}

// WithRedis sets the Redis client shared by every limiter and store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithIdentityStore sets the relational identity store.
func (b *Builder) WithIdentityStore(store IdentityStore) *Builder {
	b.identities = store
	return b
}

// WithEmailQueue sets the outbound delivery queue.
func (b *Builder) WithEmailQueue(queue EmailQueue) *Builder {
	b.emails = queue
	return b
}

// WithAuditSink sets the audit destination. Defaults to [NoOpSink].
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithClock injects the time source, for tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithDeterrenceSource injects the randomness behind delay and decoy draws,
// for tests.
func (b *Builder) WithDeterrenceSource(src rand.Source) *Builder {
	b.randSrc = src
	return b
}

// DefaultConfig returns the engine defaults. Every threshold is configuration
// rather than a constant; these are the values the system ships with.
func DefaultConfig() Config {
	return defaultConfig()
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	cfg := b.config
	if !b.hasConfig {
		cfg = defaultConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.identities == nil {
		return nil, errors.New("identity store is required")
	}
	if b.emails == nil {
		return nil, errors.New("email queue is required")
	}

	cfg = cloneConfig(cfg)

	tokens, err := token.NewManager(token.Config{
		SigningMethod: token.SigningMethod(cfg.Tokens.SigningMethod),
		PrivateKey:    cfg.Tokens.PrivateKey,
		PublicKey:     cfg.Tokens.PublicKey,
		Issuer:        cfg.Tokens.Issuer,
		Audiences:     audiencesFor(cfg.Tokens.Issuer),
		Leeway:        cfg.Tokens.Leeway,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	rl := rate.New(b.redis)
	prefix := cfg.RedisPrefix

	engine := &Engine{
		config:     cfg,
		identities: b.identities,
		emails:     b.emails,
		tokens:     tokens,
		states:     stores.NewTokenStateStore(b.redis, prefix+":ts"),
		codes:      stores.NewSecurityCodeStore(b.redis, prefix+":sc"),
		resetCodes: stores.NewResetCodeStore(b.redis, prefix+":rc"),
		checks: limiters.NewCheckLimiter(b.redis, rl, limiters.CheckConfig{
			GlobalWindow:     cfg.Check.GlobalWindow,
			GlobalMax:        cfg.Check.GlobalMax,
			EmailWindow:      cfg.Check.EmailWindow,
			EmailMax:         cfg.Check.EmailMax,
			VisitorWindow:    cfg.Check.VisitorWindow,
			VisitorMaxEmails: cfg.Check.VisitorMaxEmails,
			EmailFlagTTL:     cfg.Check.EmailFlagTTL,
			GlobalFlagTTL:    cfg.Check.GlobalFlagTTL,
			AccountsWindow:   cfg.Check.AccountsWindow,
			AssociationTTL:   cfg.Check.AssociationTTL,
			RecentUpdateTTL:  cfg.Check.RecentUpdateTTL,
		}, prefix+":ck"),
		logins: limiters.NewLoginLimiter(b.redis, rl, limiters.LoginConfig{
			MaxAttempts: cfg.Login.MaxAttempts,
			Cooldown:    cfg.Login.Cooldown,
			LockTTL:     cfg.Login.LockTTL,
			DedupeTTL:   cfg.Login.DedupeTTL,
		}, prefix+":lg"),
		resets: limiters.NewResetLimiter(rl, limiters.ResetConfig{
			IdentityPerDay:    cfg.Reset.IdentityPerDay,
			IdentityPerHour:   cfg.Reset.IdentityPerHour,
			IdentityPerMinute: cfg.Reset.IdentityPerMinute,
			GlobalPerHour:     cfg.Reset.GlobalPerHour,
			GlobalPerMinute:   cfg.Reset.GlobalPerMinute,
			UpdatePerMinute:   cfg.Reset.UpdatePerMinute,
		}, prefix+":rs"),
		deterrence: deterrence.New(deterrence.Config{
			SlowdownMean:    cfg.Deterrence.SlowdownMean,
			ModerateMean:    cfg.Deterrence.ModerateMean,
			AggressiveMean:  cfg.Deterrence.AggressiveMean,
			ModerateDecoy:   cfg.Deterrence.ModerateDecoy,
			AggressiveDecoy: cfg.Deterrence.AggressiveDecoy,
		}, b.randSrc),
		detector: heuristics.NewDetector(heuristics.Config{
			ExtraDisposableDomains: cfg.Heuristics.ExtraDisposableDomains,
			ExtraMajorDomains:      cfg.Heuristics.ExtraMajorDomains,
		}),
		hasher:  hasher,
		metrics: NewMetrics(),
		audit:   newAuditDispatcher(cfg.Audit, b.sink),
		now:     clock,
		newJTI:  uuid.NewString,
	}

	engine.testAccounts = make(map[string]struct{}, len(cfg.TestAccounts))
	for _, email := range cfg.TestAccounts {
		engine.testAccounts[canonicalEmail(email)] = struct{}{}
	}

	return engine, nil
}

func audiencesFor(issuer string) map[token.Kind]string {
	return map[token.Kind]string{
		token.KindElevation: issuer + ":elevation",
		token.KindLogin:     issuer + ":login",
		token.KindCore:      issuer + ":core",
	}
}
