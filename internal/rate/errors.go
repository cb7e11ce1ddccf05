package rate

import "errors"

var (
	// ErrRateLimited is returned by scope wrappers when a budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport-level failures talking to Redis.
	ErrRedisUnavailable = errors.New("rate redis unavailable")
)
