package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/tokenguard"
)

type errorResponse struct {
	Error string `json:"error"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type csrfResponse struct {
	Token     string `json:"csrf_token"`
	Header    string `json:"header"`
	ExpiresIn int64  `json:"expires_in"`
}

// JWKSHandler serves the public key set. Responses may be cached for an hour.
func JWKSHandler(engine *tokenguard.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set, err := engine.JWKS(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "jwks_unavailable")
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSON(w, http.StatusOK, set)
	})
}

// RefreshHandler rotates the refresh cookie and returns a new bearer token.
// A rejected cookie is cleared.
func RefreshHandler(engine *tokenguard.Engine, cookie CookieConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
			return
		}

		value, ok := RefreshCookieValue(r, cookie)
		if !ok {
			writeError(w, http.StatusUnauthorized, "refresh_invalid")
			return
		}

		pair, err := engine.Refresh(r.Context(), value)
		if err != nil {
			switch {
			case errors.Is(err, tokenguard.ErrIdentityUnavailable), errors.Is(err, tokenguard.ErrEngineNotReady):
				writeError(w, http.StatusServiceUnavailable, "unavailable")
			default:
				ClearRefreshCookie(w, cookie)
				writeError(w, http.StatusUnauthorized, "refresh_invalid")
			}
			return
		}

		SetRefreshCookie(w, cookie, pair.RefreshToken, pair.RefreshExpiresAt)
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, tokenResponse{
			AccessToken: pair.AccessToken,
			TokenType:   "Bearer",
			ExpiresIn:   int64(time.Until(pair.AccessExpiresAt).Seconds()),
		})
	})
}

// LogoutHandler blacklists the bearer token, consumes the refresh cookie and
// clears it.
func LogoutHandler(engine *tokenguard.Engine, cookie CookieConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, _ := bearerToken(r.Header.Get("Authorization"))
		refresh, _ := RefreshCookieValue(r, cookie)

		if err := engine.Logout(r.Context(), access, refresh); err != nil && !errors.Is(err, tokenguard.ErrRefreshInvalid) {
			if errors.Is(err, tokenguard.ErrTokenInvalid) {
				writeUnauthorized(w, "invalid_token")
				return
			}
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
		ClearRefreshCookie(w, cookie)
		w.WriteHeader(http.StatusNoContent)
	})
}

// CSRFTokenHandler issues a CSRF token for the request's session.
func CSRFTokenHandler(engine *tokenguard.Engine, session SessionFunc) http.Handler {
	header := engine.Config().CSRF.HeaderName
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := session(r)
		if sid == "" {
			writeError(w, http.StatusUnauthorized, "session_required")
			return
		}
		tok, err := engine.GenerateCSRFToken(r.Context(), sid)
		if err != nil {
			if errors.Is(err, tokenguard.ErrCSRFDisabled) {
				writeError(w, http.StatusNotFound, "csrf_disabled")
				return
			}
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, csrfResponse{
			Token:     tok,
			Header:    header,
			ExpiresIn: int64(engine.CSRFTTL().Seconds()),
		})
	})
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
