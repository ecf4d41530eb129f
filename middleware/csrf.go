package middleware

import (
	"net/http"

	"github.com/MrEthical07/tokenguard"
)

// SessionFunc returns the session a request belongs to, or "" when there is
// none.
type SessionFunc func(r *http.Request) string

const (
	codeCSRFMissing = "CSRF_TOKEN_MISSING"
	codeCSRFInvalid = "CSRF_TOKEN_INVALID"
)

// CSRF verifies the anti-forgery header on state-changing requests. Safe
// methods pass through. Any failure, including an unreachable store, is
// answered with 403.
func CSRF(engine *tokenguard.Engine, session SessionFunc) func(http.Handler) http.Handler {
	header := engine.Config().CSRF.HeaderName
	if header == "" {
		header = "X-CSRF-Token"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(header)
			if token == "" {
				writeError(w, http.StatusForbidden, codeCSRFMissing)
				return
			}

			if err := engine.VerifyCSRFToken(r.Context(), session(r), token); err != nil {
				code := codeCSRFInvalid
				if _, c, ok := tokenguard.CSRFRejection(err); ok {
					code = c
				}
				writeError(w, http.StatusForbidden, code)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
