package jwt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"

	"github.com/MrEthical07/tokenguard/keys"
	"github.com/MrEthical07/tokenguard/revocation"
)

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

type fixture struct {
	clock *testClock
	store *keys.MemoryStore
	keys  *keys.Manager
	jwt   *Manager
}

func newFixture(t *testing.T, keyCfg keys.Config, cfg Config, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	store := keys.NewMemoryStore()
	km, err := keys.NewManager(store, keyCfg, keys.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("keys.NewManager: %v", err)
	}
	if _, err := km.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m, err := NewManager(cfg, km, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &fixture{clock: clock, store: store, keys: km, jwt: m}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keys.Config{}, Config{Issuer: "tokenguard", Audience: "api"})

	tok, err := f.jwt.SignWith(ctx, SignRequest{
		Subject:  "user-1",
		TenantID: "tenant-9",
		Roles:    []string{"admin"},
		Custom:   map[string]any{"plan": "pro"},
	})
	if err != nil {
		t.Fatalf("SignWith: %v", err)
	}
	if tok.ExpiresAt.Sub(tok.IssuedAt) != 15*time.Minute {
		t.Fatalf("default lifetime should be 15m, got %v", tok.ExpiresAt.Sub(tok.IssuedAt))
	}

	claims, err := f.jwt.Verify(ctx, tok.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "tenant-9" || claims.ID != tok.ID {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" || claims.Custom["plan"] != "pro" {
		t.Fatalf("unexpected custom claims %+v", claims)
	}

	parsed, _, err := gjwt.NewParser().ParseUnverified(tok.Value, &Claims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if parsed.Header["kid"] != tok.KeyID || parsed.Header["typ"] != "JWT" {
		t.Fatalf("unexpected header %v", parsed.Header)
	}
}

func TestSignRejectsEmptySubjectAndCapsTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keys.Config{}, Config{AccessTTL: 5 * time.Minute, MaxTTL: 10 * time.Minute})

	if _, err := f.jwt.Sign(ctx, "", nil); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
	tok, err := f.jwt.SignWith(ctx, SignRequest{Subject: "u", TTL: time.Hour})
	if err != nil {
		t.Fatalf("SignWith: %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != 10*time.Minute {
		t.Fatalf("TTL should be capped at 10m, got %v", got)
	}
}

func TestVerifyExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keys.Config{}, Config{Leeway: 30 * time.Second})

	tok, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	f.clock.Advance(15*time.Minute + 15*time.Second)
	if _, err := f.jwt.Verify(ctx, tok.Value); err != nil {
		t.Fatalf("token within leeway should verify: %v", err)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.jwt.Verify(ctx, tok.Value); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyRejectsForgedAndMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keys.Config{}, Config{Issuer: "tokenguard"})
	cur, err := f.keys.CurrentSigningKey(ctx)
	if err != nil {
		t.Fatalf("CurrentSigningKey: %v", err)
	}
	now := f.clock.Now()

	base := Claims{RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "tokenguard",
		Subject:   "u",
		IssuedAt:  gjwt.NewNumericDate(now),
		ExpiresAt: gjwt.NewNumericDate(now.Add(time.Minute)),
	}}

	hs := gjwt.NewWithClaims(gjwt.SigningMethodHS256, base)
	hs.Header["kid"] = cur.ID
	hsSigned, _ := hs.SignedString([]byte("secret-secret-secret-secret"))

	unknown := gjwt.NewWithClaims(gjwt.SigningMethodRS256, base)
	unknown.Header["kid"] = "does-not-exist"
	unknownSigned, _ := unknown.SignedString(cur.PrivateKey)

	noKid := gjwt.NewWithClaims(gjwt.SigningMethodRS256, base)
	noKidSigned, _ := noKid.SignedString(cur.PrivateKey)

	other := base
	other.Issuer = "someone-else"
	wrongIss := gjwt.NewWithClaims(gjwt.SigningMethodRS256, other)
	wrongIss.Header["kid"] = cur.ID
	wrongIssSigned, _ := wrongIss.SignedString(cur.PrivateKey)

	future := base
	future.IssuedAt = gjwt.NewNumericDate(now.Add(time.Hour))
	future.ExpiresAt = gjwt.NewNumericDate(now.Add(2 * time.Hour))
	futureTok := gjwt.NewWithClaims(gjwt.SigningMethodRS256, future)
	futureTok.Header["kid"] = cur.ID
	futureSigned, _ := futureTok.SignedString(cur.PrivateKey)

	noExp := base
	noExp.ExpiresAt = nil
	noExpTok := gjwt.NewWithClaims(gjwt.SigningMethodRS256, noExp)
	noExpTok.Header["kid"] = cur.ID
	noExpSigned, _ := noExpTok.SignedString(cur.PrivateKey)

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"hs256":      hsSigned,
		"unknownKid": unknownSigned,
		"missingKid": noKidSigned,
		"issuer":     wrongIssSigned,
		"futureIAT":  futureSigned,
		"missingExp": noExpSigned,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.jwt.Verify(ctx, raw); !errors.Is(err, ErrTokenInvalid) {
				t.Fatalf("expected ErrTokenInvalid, got %v", err)
			}
		})
	}
}

func TestVerifyRevokedKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keys.Config{}, Config{})

	tok, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := f.keys.RevokeKey(ctx, tok.KeyID, "compromised"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}

	_, err = f.jwt.Verify(ctx, tok.Value)
	if !errors.Is(err, ErrKeyRevoked) || !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrKeyRevoked wrapping ErrTokenInvalid, got %v", err)
	}

	next, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign after revoke: %v", err)
	}
	if next.KeyID == tok.KeyID {
		t.Fatal("revoked key must not sign")
	}
}

type stubRevocation struct {
	status revocation.Status
}

func (s stubRevocation) Check(context.Context, string, string) revocation.Status {
	return s.status
}

func TestVerifyConsultsRevocation(t *testing.T) {
	ctx := context.Background()
	stub := &stubRevocation{}
	f := newFixture(t, keys.Config{}, Config{}, WithRevocation(stub))

	tok, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := f.jwt.Verify(ctx, tok.Value); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	stub.status = revocation.Status{Blacklisted: true}
	if _, err := f.jwt.Verify(ctx, tok.Value); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}

	stub.status = revocation.Status{User: &revocation.Marker{RevokedAt: f.clock.Now()}}
	if _, err := f.jwt.Verify(ctx, tok.Value); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("user marker must revoke earlier token, got %v", err)
	}

	f.clock.Advance(2 * time.Second)
	later, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := f.jwt.Verify(ctx, later.Value); err != nil {
		t.Fatalf("token issued after the marker must verify: %v", err)
	}
}

func TestReissueInMarkerSecondVerifies(t *testing.T) {
	ctx := context.Background()
	stub := &stubRevocation{}
	f := newFixture(t, keys.Config{}, Config{}, WithRevocation(stub))

	f.clock.Advance(100 * time.Millisecond)
	before, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	f.clock.Advance(200 * time.Millisecond)
	stub.status = revocation.Status{User: &revocation.Marker{RevokedAt: f.clock.Now()}}
	f.clock.Advance(200 * time.Millisecond)
	after, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := f.jwt.Verify(ctx, before.Value); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("token issued before the marker must be revoked, got %v", err)
	}
	claims, err := f.jwt.Verify(ctx, after.Value)
	if err != nil {
		t.Fatalf("token issued after the marker in the same second must verify: %v", err)
	}
	if got := claims.IssuedInstant(); !got.Equal(f.clock.Now()) {
		t.Fatalf("IssuedInstant = %v, want %v", got, f.clock.Now())
	}
}

func TestIssuedInstantIgnoresMismatchedMillis(t *testing.T) {
	iat := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	c := &Claims{IssuedAtMilli: iat.Add(-time.Hour).UnixMilli()}
	c.IssuedAt = gjwt.NewNumericDate(iat)
	if got := c.IssuedInstant(); !got.Equal(iat) {
		t.Fatalf("IssuedInstant = %v, want iat %v", got, iat)
	}
}

func TestRotationOverlapDeprecationRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		keys.Config{OverlapWindow: time.Hour, MaxTokenLifetime: 3 * time.Hour},
		Config{AccessTTL: 3 * time.Hour},
	)

	old, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := f.keys.RotateKeys(ctx); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}

	fresh, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if fresh.KeyID == old.KeyID {
		t.Fatal("new tokens must use the new key")
	}

	f.clock.Advance(30 * time.Minute)
	if _, err := f.jwt.Verify(ctx, old.Value); err != nil {
		t.Fatalf("token under rotating key should verify: %v", err)
	}

	f.clock.Advance(31 * time.Minute)
	if _, err := f.keys.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := f.jwt.Verify(ctx, old.Value); err != nil {
		t.Fatalf("token under deprecated key should verify: %v", err)
	}

	f.clock.Advance(3 * time.Hour)
	if _, err := f.keys.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := f.jwt.Verify(ctx, old.Value); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("token under destroyed key must be invalid, got %v", err)
	}
}

func TestConcurrentVerifyDuringRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keys.Config{}, Config{})

	tok, err := f.jwt.Sign(ctx, "u", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	start := make(chan struct{})
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.jwt.Verify(ctx, tok.Value); err != nil {
				errs <- err
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		if _, err := f.keys.RotateKeys(ctx); err != nil {
			errs <- err
		}
	}()

	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error during rotation: %v", err)
	}
}
