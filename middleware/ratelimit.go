package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/tokenguard"
)

// KeyFunc derives the rate limit identifier of a request.
type KeyFunc func(r *http.Request) string

// RateLimitOptions configures [RateLimit]. Zero values fall back to the
// engine's RateLimit config and a per-IP key.
type RateLimitOptions struct {
	Window      time.Duration
	MaxRequests int
	Key         KeyFunc
}

// ByIP keys requests by client address.
func ByIP(r *http.Request) string {
	return "ip:" + remoteIP(r)
}

// RateLimit enforces a sliding-window limit and refuses blocked IPs. Every
// response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset; denied requests get 429 with Retry-After.
func RateLimit(engine *tokenguard.Engine, opts RateLimitOptions) func(http.Handler) http.Handler {
	cfg := engine.Config().RateLimit
	if opts.Window <= 0 {
		opts.Window = cfg.Window
	}
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = cfg.MaxRequests
	}
	if opts.Key == nil {
		opts.Key = ByIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine.IsBlocked(r.Context(), remoteIP(r)) {
				writeError(w, http.StatusForbidden, "ip_blocked")
				return
			}

			res, err := engine.CheckLimit(r.Context(), opts.Key(r), opts.Window, opts.MaxRequests)
			if err != nil && !errors.Is(err, tokenguard.ErrRateLimited) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
				writeError(w, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
