package revocation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	led, err := New(rdb, Config{UserMarkerTTL: time.Hour, MaxTokenLifetime: 15 * time.Minute}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return led, mr
}

func TestBlacklistExpiresWithToken(t *testing.T) {
	ctx := context.Background()
	led, mr := newTestLedger(t)

	if err := led.Blacklist(ctx, "tok-a", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if !led.IsBlacklisted(ctx, "tok-a") {
		t.Fatal("token should be blacklisted")
	}
	if led.IsBlacklisted(ctx, "tok-b") {
		t.Fatal("other token must not be blacklisted")
	}

	mr.FastForward(61 * time.Second)
	if led.IsBlacklisted(ctx, "tok-a") {
		t.Fatal("blacklist entry should expire with the token")
	}
}

func TestBlacklistStoresHashOnly(t *testing.T) {
	ctx := context.Background()
	led, mr := newTestLedger(t)

	if err := led.Blacklist(ctx, "secret-token", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if !mr.Exists("tg:bl:" + HashToken("secret-token")) {
		t.Fatal("expected hashed blacklist key")
	}
	for _, k := range mr.Keys() {
		if k == "tg:bl:secret-token" {
			t.Fatal("raw token must not be stored")
		}
	}
}

func TestBlacklistExpiredTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	led, mr := newTestLedger(t)

	if err := led.Blacklist(ctx, "old", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("expected no keys, got %v", mr.Keys())
	}
}

func TestUserMarkerRevokesEarlierTokens(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	led, mr := newTestLedger(t, WithClock(func() time.Time { return now }))

	if led.IsUserRevoked(ctx, "u1") {
		t.Fatal("no marker yet")
	}
	if err := led.RevokeAllForUser(ctx, "u1", "password_changed"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if !led.IsUserRevoked(ctx, "u1") {
		t.Fatal("marker should exist")
	}
	if ttl := mr.TTL("tg:ur:u1"); ttl != time.Hour {
		t.Fatalf("expected marker TTL 1h, got %v", ttl)
	}

	m, err := led.UserRevocation(ctx, "u1")
	if err != nil || m == nil {
		t.Fatalf("UserRevocation: %v %v", m, err)
	}
	if m.Reason != "password_changed" || !m.RevokedAt.Equal(now) {
		t.Fatalf("unexpected marker %+v", m)
	}

	st := led.Check(ctx, "any", "u1")
	if !st.RevokesIssuedAt(now.Add(-time.Minute)) {
		t.Fatal("earlier token must be revoked")
	}
	if !st.RevokesIssuedAt(now) {
		t.Fatal("token issued at the marker instant must be revoked")
	}
	if !st.RevokesIssuedAt(now.Truncate(time.Second)) {
		t.Fatal("whole-second iat within the marker second must be revoked")
	}
	if st.RevokesIssuedAt(now.Add(time.Millisecond)) {
		t.Fatal("token issued a millisecond after the marker must not be revoked")
	}
	if st.RevokesIssuedAt(now.Add(time.Second)) {
		t.Fatal("later token must not be revoked")
	}
}

func TestMarkerTTLCoversMaxTokenLifetime(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	led, err := New(rdb, Config{UserMarkerTTL: time.Minute, MaxTokenLifetime: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := led.RevokeAllForUser(context.Background(), "u2", "admin"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if ttl := mr.TTL("tg:ur:u2"); ttl != time.Hour {
		t.Fatalf("marker must outlive every token, got TTL %v", ttl)
	}
}

func TestCheckCombinesLookups(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(t)

	st := led.Check(ctx, "tok", "u3")
	if st.Blacklisted || st.User != nil {
		t.Fatalf("expected clean status, got %+v", st)
	}

	if err := led.Blacklist(ctx, "tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	st = led.Check(ctx, "tok", "u3")
	if !st.Blacklisted || st.User != nil {
		t.Fatalf("expected blacklisted only, got %+v", st)
	}
	if !st.RevokesIssuedAt(time.Now()) {
		t.Fatal("blacklisted token is always revoked")
	}
}

func TestLookupsFailOpen(t *testing.T) {
	ctx := context.Background()
	var failures atomic.Int32
	led, mr := newTestLedger(t, WithFailureHook(func(string, error) { failures.Add(1) }))
	mr.Close()

	if led.IsBlacklisted(ctx, "tok") {
		t.Fatal("fail open expected")
	}
	if led.IsUserRevoked(ctx, "u") {
		t.Fatal("fail open expected")
	}
	if st := led.Check(ctx, "tok", "u"); st.Blacklisted || st.User != nil {
		t.Fatalf("fail open expected, got %+v", st)
	}
	if failures.Load() != 3 {
		t.Fatalf("expected 3 reported failures, got %d", failures.Load())
	}

	if err := led.Blacklist(ctx, "tok", time.Now().Add(time.Minute)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("writes must report ErrUnavailable, got %v", err)
	}
}
