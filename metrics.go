package siwo

import "sync/atomic"

// MetricID indexes the engine's lock-free counters. Every rejection branch in
// the pipeline increments exactly one breakdown counter keyed by its reason.
type MetricID uint16

const (
	// Flow outcomes.
	MetricCheckPassed MetricID = iota
	MetricCheckElevated
	MetricCheckSuppressed
	MetricCheckCodeAccepted
	MetricCheckCodeRejected
	MetricAckSent
	MetricAckDelayed
	MetricAckUnsent
	MetricAckBackpressure
	MetricLoginSuccess
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginHashUpgraded
	MetricCreateSuccess
	MetricCreateIntegrity
	MetricResetAccepted
	MetricResetSuppressed
	MetricResetBackpressure
	MetricUpdateSuccess
	MetricUpdateBadCode
	MetricUpdateRateLimited
	MetricUpdateIntegrity

	// Token rejection breakdown.
	MetricTokenMissing
	MetricTokenMalformed
	MetricTokenIncomplete
	MetricTokenSignature
	MetricTokenBadIssuer
	MetricTokenBadAudience
	MetricTokenExpired
	MetricTokenRevoked
	MetricTokenLost

	// Security-code rejection breakdown.
	MetricCodeUnknown
	MetricCodeBogus
	MetricCodeAlreadyUsed
	MetricCodeExpired
	MetricCodeRevoked
	MetricCodeNotSentYet

	// Elevation reason breakdown.
	MetricElevateGlobal
	MetricElevateEmail
	MetricElevateRateLimit
	MetricElevateEmailRateLimit
	MetricElevateVisitorRateLimit
	MetricElevateVisitor
	MetricElevateDisposable
	MetricElevateStrange

	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricCheckPassed:             "check_passed",
	MetricCheckElevated:           "check_elevated",
	MetricCheckSuppressed:         "check_suppressed",
	MetricCheckCodeAccepted:       "check_code_accepted",
	MetricCheckCodeRejected:       "check_code_rejected",
	MetricAckSent:                 "ack_sent",
	MetricAckDelayed:              "ack_delayed",
	MetricAckUnsent:               "ack_unsent",
	MetricAckBackpressure:         "ack_backpressure",
	MetricLoginSuccess:            "login_success",
	MetricLoginFailure:            "login_failure",
	MetricLoginRateLimited:        "login_rate_limited",
	MetricLoginHashUpgraded:       "login_hash_upgraded",
	MetricCreateSuccess:           "create_success",
	MetricCreateIntegrity:         "create_integrity",
	MetricResetAccepted:           "reset_accepted",
	MetricResetSuppressed:         "reset_suppressed",
	MetricResetBackpressure:       "reset_backpressure",
	MetricUpdateSuccess:           "update_success",
	MetricUpdateBadCode:           "update_bad_code",
	MetricUpdateRateLimited:       "update_rate_limited",
	MetricUpdateIntegrity:         "update_integrity",
	MetricTokenMissing:            "token_missing",
	MetricTokenMalformed:          "token_malformed",
	MetricTokenIncomplete:         "token_incomplete",
	MetricTokenSignature:          "token_signature",
	MetricTokenBadIssuer:          "token_bad_iss",
	MetricTokenBadAudience:        "token_bad_aud",
	MetricTokenExpired:            "token_expired",
	MetricTokenRevoked:            "token_revoked",
	MetricTokenLost:               "token_lost",
	MetricCodeUnknown:             "code_unknown",
	MetricCodeBogus:               "code_bogus",
	MetricCodeAlreadyUsed:         "code_already_used",
	MetricCodeExpired:             "code_expired",
	MetricCodeRevoked:             "code_revoked",
	MetricCodeNotSentYet:          "code_not_sent_yet",
	MetricElevateGlobal:           "elevate_global",
	MetricElevateEmail:            "elevate_email",
	MetricElevateRateLimit:        "elevate_ratelimit",
	MetricElevateEmailRateLimit:   "elevate_email_ratelimit",
	MetricElevateVisitorRateLimit: "elevate_visitor_ratelimit",
	MetricElevateVisitor:          "elevate_visitor",
	MetricElevateDisposable:       "elevate_disposable",
	MetricElevateStrange:          "elevate_strange",
}

// Name returns the stable exposition name for the counter.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is the engine's lock-free counter set.
type Metrics struct {
	counters [metricIDCount]paddedCounter
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Get reads one counter.
func (m *Metrics) Get(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies every non-zero counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricIDCount)}
	if m == nil {
		return snapshot
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if v := atomic.LoadUint64(&m.counters[id].value); v != 0 {
			snapshot.Counters[id] = v
		}
	}
	return snapshot
}

// MetricIDs lists every defined counter, for exporters.
func MetricIDs() []MetricID {
	ids := make([]MetricID, 0, metricIDCount)
	for id := MetricID(0); id < metricIDCount; id++ {
		ids = append(ids, id)
	}
	return ids
}
