package rate

import "errors"

var (
	// ErrRateLimited is returned when a counter exceeds its limit.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps Redis transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
