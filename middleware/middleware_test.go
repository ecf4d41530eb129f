package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/tokenguard"
)

func newEngine(t *testing.T, mutate func(*tokenguard.Config)) *tokenguard.Engine {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := tokenguard.DefaultConfig()
	cfg.RateLimit.Timeout = time.Second
	cfg.Revocation.Timeout = time.Second
	cfg.CSRF.Enabled = true
	cfg.CSRF.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.CSRF.Timeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := tokenguard.New().WithConfig(cfg).WithRedis(rdb).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestRequireBearer(t *testing.T) {
	engine := newEngine(t, nil)
	tok, err := engine.Sign(context.Background(), tokenguard.SignRequest{Subject: "user-1", TenantID: "acme"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var gotSubject, gotTenant string
	h := RequireBearer(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Fatal("claims missing from context")
		}
		gotSubject = claims.Subject
		gotTenant = tokenguard.TenantIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || gotSubject != "user-1" || gotTenant != "acme" {
		t.Fatalf("unexpected result %d %q %q", rec.Code, gotSubject, gotTenant)
	}

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer not-a-token"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("%q: expected WWW-Authenticate", header)
		}
	}
}

func TestRequireBearerRevoked(t *testing.T) {
	engine := newEngine(t, nil)
	ctx := context.Background()
	tok, err := engine.Sign(ctx, tokenguard.SignRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := engine.Blacklist(ctx, tok.Value, tok.ExpiresAt); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	rec := httptest.NewRecorder()
	RequireBearer(engine)(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "token_revoked" {
		t.Fatalf("expected token_revoked, got %q", code)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	engine := newEngine(t, nil)
	h := ClientIP(RateLimit(engine, RateLimitOptions{Window: time.Minute, MaxRequests: 2})(okHandler))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "2" || first.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("unexpected headers %v", first.Header())
	}
	if _, err := strconv.ParseInt(first.Header().Get("X-RateLimit-Reset"), 10, 64); err != nil {
		t.Fatalf("reset header not a unix time: %v", err)
	}

	_ = do()
	denied := do()
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", denied.Code)
	}
	retry, err := strconv.Atoi(denied.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Fatalf("unexpected Retry-After %q", denied.Header().Get("Retry-After"))
	}
	if denied.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected 0 remaining, got %q", denied.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitBlockedIP(t *testing.T) {
	engine := newEngine(t, nil)
	if err := engine.BlockIP(context.Background(), "192.0.2.99", time.Minute, "abuse"); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}
	h := ClientIP(RateLimit(engine, RateLimitOptions{})(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.99:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func sessionHeader(r *http.Request) string {
	return r.Header.Get("X-Session")
}

func TestCSRFMiddleware(t *testing.T) {
	engine := newEngine(t, nil)
	h := CSRF(engine, sessionHeader)(okHandler)

	tok, err := engine.GenerateCSRFToken(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GenerateCSRFToken: %v", err)
	}

	get := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, get)
	if rec.Code != http.StatusOK {
		t.Fatalf("safe methods pass, got %d", rec.Code)
	}

	missing := httptest.NewRequest(http.MethodPost, "/", nil)
	missing.Header.Set("X-Session", "sess-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, missing)
	if rec.Code != http.StatusForbidden || decodeError(t, rec) != codeCSRFMissing {
		t.Fatalf("expected missing rejection, got %d", rec.Code)
	}

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Session", "sess-1")
		req.Header.Set("X-CSRF-Token", tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := post(); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = post()
	if rec.Code != http.StatusForbidden || decodeError(t, rec) != codeCSRFInvalid {
		t.Fatalf("replay must be rejected, got %d", rec.Code)
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	engine := newEngine(t, nil)
	h := CSRFTokenHandler(engine, sessionHeader)

	req := httptest.NewRequest(http.MethodGet, "/csrf", nil)
	req.Header.Set("X-Session", "sess-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body csrfResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Header != "X-CSRF-Token" || body.ExpiresIn != int64((30*time.Minute).Seconds()) {
		t.Fatalf("unexpected body %+v", body)
	}
	if err := engine.VerifyCSRFToken(context.Background(), "sess-1", body.Token); err != nil {
		t.Fatalf("issued token must verify: %v", err)
	}

	anon := httptest.NewRequest(http.MethodGet, "/csrf", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, anon)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
}

func TestJWKSHandler(t *testing.T) {
	engine := newEngine(t, nil)
	rec := httptest.NewRecorder()
	JWKSHandler(engine).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Fatalf("unexpected Cache-Control %q", got)
	}
	var set tokenguard.JWKSet
	if err := json.NewDecoder(rec.Body).Decode(&set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Use != "sig" || set.Keys[0].Kty != "RSA" {
		t.Fatalf("unexpected key set %+v", set)
	}
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == "tg_refresh" {
			return c
		}
	}
	return nil
}

func TestRefreshHandlerRotatesCookie(t *testing.T) {
	engine := newEngine(t, nil)
	pair, err := engine.IssueTokens(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	h := RefreshHandler(engine, CookieConfig{})

	req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "tg_refresh", Value: pair.RefreshToken})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	c := refreshCookie(rec)
	if c == nil || c.Value == pair.RefreshToken || !strings.Contains(c.Value, ".") {
		t.Fatalf("expected rotated cookie, got %+v", c)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie attributes not hardened: %+v", c)
	}

	var body tokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TokenType != "Bearer" || body.AccessToken == "" {
		t.Fatalf("unexpected body %+v", body)
	}

	replay := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	replay.AddCookie(&http.Cookie{Name: "tg_refresh", Value: pair.RefreshToken})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, replay)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed cookie must be rejected, got %d", rec.Code)
	}
	if c := refreshCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Fatalf("rejected cookie must be cleared, got %+v", c)
	}
}

func TestRefreshHandlerRejectsGet(t *testing.T) {
	engine := newEngine(t, nil)
	rec := httptest.NewRecorder()
	RefreshHandler(engine, CookieConfig{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/refresh", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestLogoutHandler(t *testing.T) {
	engine := newEngine(t, nil)
	ctx := context.Background()
	pair, err := engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	req.AddCookie(&http.Cookie{Name: "tg_refresh", Value: pair.RefreshToken})
	rec := httptest.NewRecorder()
	LogoutHandler(engine, CookieConfig{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !engine.IsBlacklisted(ctx, pair.AccessToken) {
		t.Fatal("access token must be blacklisted")
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("refresh token must be consumed")
	}
}

func TestSetRefreshCookieInsecure(t *testing.T) {
	rec := httptest.NewRecorder()
	SetRefreshCookie(rec, CookieConfig{Name: "rt", Insecure: true, SameSite: http.SameSiteLaxMode}, "id.secret", time.Now().Add(time.Hour))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != "rt" || c.Value != "id.secret" || c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Fatalf("unexpected cookie %+v", c)
	}
}
