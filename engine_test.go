package tokenguard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testCSRFSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEngine struct {
	engine *Engine
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	clock  *testClock
}

type engineOption func(*Builder)

func newTestEngine(t testing.TB, mutate func(*Config), opts ...engineOption) *testEngine {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	cfg.RateLimit.Timeout = time.Second
	cfg.Revocation.Timeout = time.Second
	cfg.CSRF.Enabled = true
	cfg.CSRF.Secret = testCSRFSecret
	cfg.CSRF.Timeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &testClock{now: time.Now().Truncate(time.Second)}
	b := New().WithConfig(cfg).WithRedis(rdb).WithClock(clock.Now)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEngine{engine: engine, mr: mr, rdb: rdb, clock: clock}
}

func TestBuildRequiresRedis(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without redis")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := New().WithRedis(rdb)
	e, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("second Build must fail")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := DefaultConfig()
	cfg.CSRF.Enabled = true
	cfg.CSRF.Secret = []byte("short")
	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestEngineSignVerify(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := WithTenantID(context.Background(), "acme")

	tok, err := te.engine.Sign(ctx, SignRequest{Subject: "user-1", Roles: []string{"admin"}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := te.engine.Verify(ctx, tok.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "acme" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("roles not carried: %v", claims.Roles)
	}
}

func TestEngineRefreshUsesIdentity(t *testing.T) {
	var calls atomic.Int32
	provider := IdentityProviderFunc(func(_ context.Context, userID, tenantID string) (Identity, error) {
		calls.Add(1)
		return Identity{TenantID: "acme", Roles: []string{"role-" + userID}}, nil
	})
	te := newTestEngine(t, nil, func(b *Builder) { b.WithIdentityProvider(provider) })
	ctx := context.Background()

	pair, err := te.engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if pair.TenantID != "acme" {
		t.Fatalf("expected tenant from identity, got %q", pair.TenantID)
	}

	next, err := te.engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	claims, err := te.engine.Verify(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "role-user-1" {
		t.Fatalf("expected roles from identity, got %v", claims.Roles)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 identity lookups, got %d", calls.Load())
	}

	if _, err := te.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if _, err := te.engine.Refresh(ctx, "garbage"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
}

func TestEngineRefreshDisabledUser(t *testing.T) {
	var disabled atomic.Bool
	provider := IdentityProviderFunc(func(context.Context, string, string) (Identity, error) {
		return Identity{Disabled: disabled.Load()}, nil
	})
	te := newTestEngine(t, nil, func(b *Builder) { b.WithIdentityProvider(provider) })
	ctx := context.Background()

	pair, err := te.engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	disabled.Store(true)
	_, err = te.engine.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, ErrRefreshInvalid) || !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected disabled rejection, got %v", err)
	}
	if _, err := te.engine.IssueTokens(ctx, "user-1", ""); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
}

func TestEngineRefreshIdentityFailureDiscardsSuccessor(t *testing.T) {
	var fail atomic.Bool
	provider := IdentityProviderFunc(func(context.Context, string, string) (Identity, error) {
		if fail.Load() {
			return Identity{}, errors.New("directory down")
		}
		return Identity{}, nil
	})
	te := newTestEngine(t, nil, func(b *Builder) { b.WithIdentityProvider(provider) })
	ctx := context.Background()

	pair, err := te.engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	fail.Store(true)
	if _, err := te.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable, got %v", err)
	}
}

func TestEngineRefreshReuseRevokesFamily(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Refresh.RevokeFamilyOnReuse = true
	})
	ctx := context.Background()

	pair, err := te.engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	next, err := te.engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := te.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected reuse, got %v", err)
	}

	if !te.engine.IsUserRevoked(ctx, "user-1") {
		t.Fatal("replay must write a user-wide marker")
	}
	if _, err := te.engine.Verify(ctx, next.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("bearer tokens issued before the replay must be revoked, got %v", err)
	}
	if _, err := te.engine.Refresh(ctx, next.RefreshToken); err == nil {
		t.Fatal("successor refresh token must be consumed")
	}
}

func TestEngineLogout(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := te.engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if err := te.engine.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := te.engine.Verify(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after logout, got %v", err)
	}
	if !te.engine.IsBlacklisted(ctx, pair.AccessToken) {
		t.Fatal("access token must be blacklisted")
	}
	if _, err := te.engine.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("refresh token must be consumed by logout")
	}
	if err := te.engine.Logout(ctx, pair.AccessToken, ""); err != nil {
		t.Fatalf("repeated logout must succeed, got %v", err)
	}
}

func TestEngineBlacklistExpires(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	tok, err := te.engine.Sign(ctx, SignRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := te.engine.Blacklist(ctx, tok.Value, te.clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if !te.engine.IsBlacklisted(ctx, tok.Value) {
		t.Fatal("token must be blacklisted")
	}
	te.mr.FastForward(time.Minute + time.Second)
	if te.engine.IsBlacklisted(ctx, tok.Value) {
		t.Fatal("blacklist entry must expire")
	}
}

func TestEngineRevokeAllForUser(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := te.engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	other, err := te.engine.IssueTokens(ctx, "user-2", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	if err := te.engine.RevokeAllForUser(ctx, "user-1", "password_changed"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if !te.engine.IsUserRevoked(ctx, "user-1") {
		t.Fatal("marker must exist")
	}
	if _, err := te.engine.Verify(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := te.engine.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("refresh tokens must be revoked")
	}
	if _, err := te.engine.Verify(ctx, other.AccessToken); err != nil {
		t.Fatalf("other users unaffected: %v", err)
	}

	te.clock.Advance(time.Millisecond)
	relogin, err := te.engine.IssueTokens(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	if _, err := te.engine.Verify(ctx, relogin.AccessToken); err != nil {
		t.Fatalf("re-login in the marker second must verify: %v", err)
	}

	te.clock.Advance(2 * time.Second)
	fresh, err := te.engine.Sign(ctx, SignRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := te.engine.Verify(ctx, fresh.Value); err != nil {
		t.Fatalf("tokens issued after the marker stay valid: %v", err)
	}
}

func TestEngineKeyRotationAndRevocation(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Metrics.Enabled = true
	})
	ctx := context.Background()

	before, err := te.engine.Sign(ctx, SignRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	res, err := te.engine.RotateKeys(ctx)
	if err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if len(res.DeprecatedKeyIDs) != 1 || res.DeprecatedKeyIDs[0] != before.KeyID {
		t.Fatalf("expected previous key demoted, got %+v", res.DeprecatedKeyIDs)
	}

	set, err := te.engine.JWKS(ctx)
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("expected active and rotating keys published, got %d", len(set.Keys))
	}
	active, err := te.engine.ActiveKeys(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("ActiveKeys: %v %d", err, len(active))
	}

	if _, err := te.engine.Verify(ctx, before.Value); err != nil {
		t.Fatalf("token signed before rotation must verify during overlap: %v", err)
	}
	if err := te.engine.RevokeKey(ctx, before.KeyID, "compromised"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := te.engine.Verify(ctx, before.Value); !errors.Is(err, ErrKeyRevoked) || !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrKeyRevoked, got %v", err)
	}
	if err := te.engine.RevokeKey(ctx, "missing", "x"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	snap := te.engine.MetricsSnapshot()
	if snap.Counters[MetricRevokedKeyUse] != 1 || snap.Counters[MetricKeyRotated] != 1 || snap.Counters[MetricKeyRevoked] != 1 {
		t.Fatalf("unexpected key metrics %+v", snap.Counters)
	}
}

func TestEngineSweepKeys(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Keys.OverlapWindow = time.Hour
	})
	ctx := context.Background()

	first, err := te.engine.Sign(ctx, SignRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := te.engine.RotateKeys(ctx); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}

	te.clock.Advance(time.Hour + time.Second)
	res, err := te.engine.SweepKeys(ctx)
	if err != nil {
		t.Fatalf("SweepKeys: %v", err)
	}
	if len(res.Deprecated) != 1 || res.Deprecated[0] != first.KeyID {
		t.Fatalf("expected %s deprecated, got %+v", first.KeyID, res)
	}

	te.clock.Advance(16 * time.Minute)
	res, err = te.engine.SweepKeys(ctx)
	if err != nil {
		t.Fatalf("SweepKeys: %v", err)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != first.KeyID {
		t.Fatalf("expected %s deleted, got %+v", first.KeyID, res)
	}
}

func TestEngineStartKeySweeperStopsOnClose(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Keys.SweepInterval = 10 * time.Millisecond
	})
	te.engine.StartKeySweeper(context.Background())
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		te.engine.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close must stop the sweeper")
	}
	if _, err := te.engine.Sign(context.Background(), SignRequest{Subject: "u"}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("closed engine must reject calls, got %v", err)
	}
}

func TestEngineCheckLimit(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Metrics.Enabled = true
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := te.engine.CheckLimit(ctx, "ip:1.2.3.4", time.Second, 3); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		te.clock.Advance(100 * time.Millisecond)
	}
	res, err := te.engine.CheckLimit(ctx, "ip:1.2.3.4", time.Second, 3)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if res.Allowed || res.RetryAfter <= 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := te.engine.MetricsSnapshot().Counters[MetricRateLimitHit]; got != 1 {
		t.Fatalf("expected 1 rate limit hit, got %d", got)
	}
}

func TestEngineBlockIP(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	if err := te.engine.BlockIP(ctx, "10.0.0.1", 0, "abuse"); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}
	if ttl := te.mr.TTL("tg:block:10.0.0.1"); ttl != time.Hour {
		t.Fatalf("expected default block TTL, got %v", ttl)
	}
	if !te.engine.IsBlocked(ctx, "10.0.0.1") {
		t.Fatal("ip must be blocked")
	}
	if err := te.engine.UnblockIP(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("UnblockIP: %v", err)
	}
	if te.engine.IsBlocked(ctx, "10.0.0.1") {
		t.Fatal("ip must be unblocked")
	}
}

func TestEngineCSRF(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Metrics.Enabled = true
	})
	ctx := context.Background()

	tok, err := te.engine.GenerateCSRFToken(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GenerateCSRFToken: %v", err)
	}
	if !strings.HasPrefix(tok, "sess-1:") {
		t.Fatalf("unexpected token %q", tok)
	}
	if err := te.engine.VerifyCSRFToken(ctx, "sess-2", tok); !errors.Is(err, ErrForgeryRejected) {
		t.Fatalf("expected session mismatch rejection, got %v", err)
	}
	if err := te.engine.VerifyCSRFToken(ctx, "sess-1", tok); err != nil {
		t.Fatalf("VerifyCSRFToken: %v", err)
	}
	err = te.engine.VerifyCSRFToken(ctx, "sess-1", tok)
	reason, code, ok := CSRFRejection(err)
	if !ok || reason != "replayed" || code != "CSRF_TOKEN_INVALID" {
		t.Fatalf("expected replay rejection, got %v (%s %s)", err, reason, code)
	}

	snap := te.engine.MetricsSnapshot()
	if snap.Counters[MetricCSRFReplay] != 1 || snap.Counters[MetricCSRFRejected] != 2 || snap.Counters[MetricCSRFSuccess] != 1 {
		t.Fatalf("unexpected csrf metrics %+v", snap.Counters)
	}
}

func TestEngineCSRFFailsClosedWhenRedisDown(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	tok, err := te.engine.GenerateCSRFToken(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GenerateCSRFToken: %v", err)
	}
	te.mr.Close()

	err = te.engine.VerifyCSRFToken(ctx, "sess-1", tok)
	if !errors.Is(err, ErrForgeryRejected) || !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected fail-closed rejection, got %v", err)
	}
}

func TestEngineCSRFDisabled(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.CSRF.Enabled = false
	})
	if _, err := te.engine.GenerateCSRFToken(context.Background(), "sess-1"); !errors.Is(err, ErrCSRFDisabled) {
		t.Fatalf("expected ErrCSRFDisabled, got %v", err)
	}
}

func TestEngineVerifyFailsOpenWhenLedgerDown(t *testing.T) {
	te := newTestEngine(t, func(c *Config) {
		c.Metrics.Enabled = true
	})
	ctx := context.Background()

	tok, err := te.engine.Sign(ctx, SignRequest{Subject: "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	te.mr.Close()

	if _, err := te.engine.Verify(ctx, tok.Value); err != nil {
		t.Fatalf("verification must fail open, got %v", err)
	}
	if got := te.engine.MetricsSnapshot().Counters[MetricRevocationFailOpen]; got == 0 {
		t.Fatal("fail-open must be counted")
	}
	if err := te.engine.Blacklist(ctx, tok.Value, te.clock.Now().Add(time.Minute)); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.Verify(context.Background(), "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if e.AuditDropped() != 0 {
		t.Fatal("nil engine reports no drops")
	}
	e.Close()
}
