package rate

import "errors"

var (
	// ErrRateLimited is returned by callers that turn a denied Result into an error.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps Redis failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrInvalidPolicy is returned for an empty identifier or a non-positive
	// window or maximum.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
)
