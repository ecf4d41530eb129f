package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable wraps Redis failures on write paths.
var ErrUnavailable = errors.New("revocation ledger unavailable")

// Config controls key naming and entry lifetimes.
type Config struct {
	Prefix string
	// UserMarkerTTL is the minimum lifetime of a user-wide marker.
	UserMarkerTTL time.Duration
	// MaxTokenLifetime extends user markers so they outlive every token
	// issued before them.
	MaxTokenLifetime time.Duration
	// Timeout bounds every Redis round trip.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "tg:"
	}
	if c.UserMarkerTTL <= 0 {
		c.UserMarkerTTL = 24 * time.Hour
	}
	if c.MaxTokenLifetime <= 0 {
		c.MaxTokenLifetime = 15 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 200 * time.Millisecond
	}
	return c
}

// Marker describes a user-wide revocation.
type Marker struct {
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

// Status is the combined answer of Check.
type Status struct {
	Blacklisted bool
	// User is nil when no user-wide marker exists.
	User *Marker
}

// RevokesIssuedAt reports whether a token issued at iat is revoked by s.
// Comparison is at millisecond precision. A whole-second iat therefore
// counts as issued at the start of its second, so it is revoked by any
// marker written in that second.
func (s Status) RevokesIssuedAt(iat time.Time) bool {
	if s.Blacklisted {
		return true
	}
	if s.User == nil {
		return false
	}
	return iat.UnixMilli() <= s.User.RevokedAt.UnixMilli()
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(led *Ledger) {
		if l != nil {
			led.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) {
		if now != nil {
			led.now = now
		}
	}
}

// WithFailureHook is called whenever a lookup fails open.
func WithFailureHook(fn func(op string, err error)) Option {
	return func(led *Ledger) { led.onFailOpen = fn }
}

// Ledger records revoked tokens and users in Redis.
type Ledger struct {
	redis      redis.UniversalClient
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	onFailOpen func(op string, err error)
}

// New returns a Ledger backed by client.
func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("revocation: redis client is required")
	}
	led := &Ledger{
		redis:  client,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(led)
	}
	return led, nil
}

// HashToken returns the hex sha256 of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) blacklistKey(token string) string {
	return l.cfg.Prefix + "bl:" + HashToken(token)
}

func (l *Ledger) userKey(userID string) string {
	return l.cfg.Prefix + "ur:" + userID
}

// Blacklist revokes a single token until expiresAt. A token that has already
// expired is not recorded.
func (l *Ledger) Blacklist(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return errors.New("revocation: empty token")
	}
	ttl := expiresAt.Sub(l.now())
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	if err := l.redis.Set(ctx, l.blacklistKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsBlacklisted reports whether token was blacklisted.
func (l *Ledger) IsBlacklisted(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	n, err := l.redis.Exists(ctx, l.blacklistKey(token)).Result()
	if err != nil {
		l.failOpen("is_blacklisted", err)
		return false
	}
	return n > 0
}

// RevokeAllForUser writes a user-wide marker stamped now. Tokens issued at or
// before the marker are rejected; later tokens are not affected.
func (l *Ledger) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	if userID == "" {
		return errors.New("revocation: empty user id")
	}
	payload, err := json.Marshal(Marker{Reason: reason, RevokedAt: l.now().UTC()})
	if err != nil {
		return err
	}

	ttl := l.cfg.UserMarkerTTL
	if l.cfg.MaxTokenLifetime > ttl {
		ttl = l.cfg.MaxTokenLifetime
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	if err := l.redis.Set(ctx, l.userKey(userID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsUserRevoked reports whether a user-wide marker exists.
func (l *Ledger) IsUserRevoked(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	n, err := l.redis.Exists(ctx, l.userKey(userID)).Result()
	if err != nil {
		l.failOpen("is_user_revoked", err)
		return false
	}
	return n > 0
}

// UserRevocation returns the user's marker, or nil when none exists.
func (l *Ledger) UserRevocation(ctx context.Context, userID string) (*Marker, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	raw, err := l.redis.Get(ctx, l.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeMarker(raw)
}

// Check answers both lookups for a token in one pipelined round trip.
func (l *Ledger) Check(ctx context.Context, token, userID string) Status {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	var (
		bl *redis.IntCmd
		ur *redis.StringCmd
	)
	_, err := l.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		bl = p.Exists(ctx, l.blacklistKey(token))
		if userID != "" {
			ur = p.Get(ctx, l.userKey(userID))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		l.failOpen("check", err)
		return Status{}
	}

	var st Status
	st.Blacklisted = bl.Val() > 0
	if ur != nil {
		raw, err := ur.Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			l.failOpen("check", err)
		default:
			m, err := decodeMarker(raw)
			if err != nil {
				l.logger.Warn("malformed user revocation marker", zap.String("user_id", userID), zap.Error(err))
				// A marker exists even if unreadable; treat every earlier token as revoked.
				m = &Marker{RevokedAt: l.now()}
			}
			st.User = m
		}
	}
	return st
}

func (l *Ledger) failOpen(op string, err error) {
	l.logger.Warn("revocation lookup failed open", zap.String("op", op), zap.Error(err))
	if l.onFailOpen != nil {
		l.onFailOpen(op, err)
	}
}

func decodeMarker(raw []byte) (*Marker, error) {
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
