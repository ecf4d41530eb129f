package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/tokenguard"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by [RequireBearer].
func ClaimsFromContext(ctx context.Context) (*tokenguard.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*tokenguard.Claims)
	return claims, ok
}

// RequireBearer rejects requests without a valid bearer token. The verified
// claims and the token's tenant are attached to the request context.
func RequireBearer(engine *tokenguard.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				writeUnauthorized(w, "invalid_token")
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeUnauthorized(w, "invalid_token")
				return
			}

			claims, err := engine.Verify(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, bearerErrorCode(err))
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			if claims.TenantID != "" {
				ctx = tokenguard.WithTenantID(ctx, claims.TenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP records the peer address of each request with
// [tokenguard.WithClientIP]. Put a proxy-aware middleware such as chi's
// RealIP in front of it when running behind a load balancer.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if ip != "" {
			r = r.WithContext(tokenguard.WithClientIP(r.Context(), ip))
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	if ip := tokenguard.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerErrorCode(err error) string {
	switch {
	case errors.Is(err, tokenguard.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, tokenguard.ErrTokenRevoked):
		return "token_revoked"
	default:
		return "invalid_token"
	}
}

func writeUnauthorized(w http.ResponseWriter, code string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeError(w, http.StatusUnauthorized, code)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
