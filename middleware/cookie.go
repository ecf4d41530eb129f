package middleware

import (
	"net/http"
	"time"
)

// CookieConfig controls the refresh token cookie.
type CookieConfig struct {
	Name   string
	Path   string
	Domain string
	// SameSite defaults to http.SameSiteStrictMode.
	SameSite http.SameSite
	// Insecure drops the Secure attribute. Only for local development.
	Insecure bool
}

// DefaultCookieConfig returns the cookie settings used when none are given.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		Name:     "tg_refresh",
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	}
}

func (c CookieConfig) withDefaults() CookieConfig {
	def := DefaultCookieConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.SameSite == 0 {
		c.SameSite = def.SameSite
	}
	return c
}

// SetRefreshCookie writes value, the literal <recordId>.<secret> token, as an
// HttpOnly cookie expiring at expiresAt.
func SetRefreshCookie(w http.ResponseWriter, cfg CookieConfig, value string, expiresAt time.Time) {
	cfg = cfg.withDefaults()
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    value,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   !cfg.Insecure,
		SameSite: cfg.SameSite,
	})
}

// ClearRefreshCookie expires the refresh cookie on the client.
func ClearRefreshCookie(w http.ResponseWriter, cfg CookieConfig) {
	cfg = cfg.withDefaults()
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !cfg.Insecure,
		SameSite: cfg.SameSite,
	})
}

// RefreshCookieValue returns the refresh token carried by r.
func RefreshCookieValue(r *http.Request, cfg CookieConfig) (string, bool) {
	cfg = cfg.withDefaults()
	c, err := r.Cookie(cfg.Name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
