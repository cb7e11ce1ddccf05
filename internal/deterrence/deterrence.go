// Package deterrence derives the delay/decoy strategy applied to security
// code delivery. The goal is to raise the cost of automated probing: a
// scraper that harvests codes from email faster than a human gets a decoy
// that never validates, and bursty sources get exponentially distributed
// delays, while legitimate slow users are unaffected.
package deterrence

import (
	"math/rand"
	"sync"
	"time"
)

// Level is the deterrence intensity selected from the elevation reason.
type Level int

const (
	// LevelNone applies no delay and no decoy.
	LevelNone Level = iota
	// LevelSlowdown applies a small mean delay, no decoy.
	LevelSlowdown
	// LevelModerate applies a larger delay and a small decoy probability.
	LevelModerate
	// LevelAggressive applies the largest delay and a high decoy probability.
	LevelAggressive
)

func (l Level) String() string {
	switch l {
	case LevelSlowdown:
		return "slowdown"
	case LevelModerate:
		return "moderate"
	case LevelAggressive:
		return "aggressive"
	default:
		return "none"
	}
}

// LevelFor maps an elevation trigger reason to a deterrence level.
func LevelFor(reason string) Level {
	switch reason {
	case "visitor", "visitor_ratelimit":
		return LevelAggressive
	case "global":
		return LevelModerate
	case "ratelimit", "email_ratelimit", "email", "disposable":
		return LevelSlowdown
	default:
		return LevelNone
	}
}

// Config holds the tunable distribution parameters. The decoy rates and means
// started life as hardcoded constants; they are configuration on purpose.
type Config struct {
	SlowdownMean    time.Duration
	ModerateMean    time.Duration
	AggressiveMean  time.Duration
	ModerateDecoy   float64
	AggressiveDecoy float64
}

// Strategy draws (delay, decoy) pairs from a seeded source so tests can be
// deterministic. Safe for concurrent use.
type Strategy struct {
	config Config
	mu     sync.Mutex
	rng    *rand.Rand
}

// New creates a strategy over the given source. A nil source falls back to a
// time-seeded one.
func New(cfg Config, src rand.Source) *Strategy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Strategy{config: cfg, rng: rand.New(src)}
}

// Draw selects the delay and decoy decision for one acknowledge call.
func (s *Strategy) Draw(reason string) (time.Duration, bool) {
	level := LevelFor(reason)
	if level == LevelNone {
		return 0, false
	}

	var mean time.Duration
	var decoyRate float64
	switch level {
	case LevelSlowdown:
		mean = s.config.SlowdownMean
	case LevelModerate:
		mean = s.config.ModerateMean
		decoyRate = s.config.ModerateDecoy
	case LevelAggressive:
		mean = s.config.AggressiveMean
		decoyRate = s.config.AggressiveDecoy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delay := time.Duration(s.rng.ExpFloat64() * float64(mean))
	bogus := decoyRate > 0 && s.rng.Float64() < decoyRate
	return delay, bogus
}
