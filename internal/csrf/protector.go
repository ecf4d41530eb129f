package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize     = 16
	derivedKeyLen = 32
	hkdfInfo      = "tokenguard csrf v1"
)

// Config controls token lifetime and key derivation.
type Config struct {
	// Secret is the HKDF input keying material; at least 32 bytes.
	Secret []byte
	TTL    time.Duration
	// Skew tolerates issue timestamps slightly in the future.
	Skew    time.Duration
	Prefix  string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.Skew <= 0 {
		c.Skew = time.Minute
	}
	if c.Prefix == "" {
		c.Prefix = "tg:"
	}
	if c.Timeout <= 0 {
		c.Timeout = 100 * time.Millisecond
	}
	return c
}

// Option customises a Protector.
type Option func(*Protector)

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(p *Protector) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Protector) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRejectHook is called for every rejected token.
func WithRejectHook(fn func(ctx context.Context, sessionID string, reason Reason)) Option {
	return func(p *Protector) { p.onReject = fn }
}

// Protector issues and verifies anti-forgery tokens.
type Protector struct {
	store    Store
	cfg      Config
	key      []byte
	logger   *zap.Logger
	now      func() time.Time
	onReject func(ctx context.Context, sessionID string, reason Reason)
}

// New returns a Protector over store.
func New(store Store, cfg Config, opts ...Option) (*Protector, error) {
	if store == nil {
		return nil, errors.New("csrf: store is required")
	}
	if len(cfg.Secret) < 32 {
		return nil, errors.New("csrf: secret must be at least 32 bytes")
	}
	cfg = cfg.withDefaults()

	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, cfg.Secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("csrf: derive key: %w", err)
	}

	p := &Protector{
		store:  store,
		cfg:    cfg,
		key:    key,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// TTL returns the token lifetime.
func (p *Protector) TTL() time.Duration {
	return p.cfg.TTL
}

// Generate issues a token bound to sessionID.
func (p *Protector) Generate(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return "", errors.New("csrf: invalid session id")
	}

	var raw [nonceSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw[:])
	now := p.now()

	payload := sessionID + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + nonce
	token := payload + ":" + p.sign(payload)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	entry := Entry{SessionID: sessionID, IssuedAt: now, Nonce: nonce}
	if err := p.store.Save(ctx, p.entryKey(sessionID, token), entry, p.cfg.TTL); err != nil {
		return "", err
	}
	return token, nil
}

// Verify redeems token for sessionID. Every failure is a *RejectionError.
func (p *Protector) Verify(ctx context.Context, sessionID, token string) error {
	reason, err := p.verify(ctx, sessionID, token)
	if reason == "" {
		return nil
	}

	p.logger.Warn("csrf token rejected",
		zap.String("event", "csrf_rejected"),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)
	if p.onReject != nil {
		p.onReject(ctx, sessionID, reason)
	}
	return &RejectionError{Reason: reason, Err: err}
}

func (p *Protector) verify(ctx context.Context, sessionID, token string) (Reason, error) {
	if token == "" {
		return ReasonMissing, nil
	}
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return ReasonMalformed, nil
	}
	if sessionID == "" || !hmac.Equal([]byte(parts[0]), []byte(sessionID)) {
		return ReasonSessionMismatch, nil
	}

	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ReasonMalformed, nil
	}
	issued := time.UnixMilli(ms)
	now := p.now()
	if now.Sub(issued) > p.cfg.TTL || issued.Sub(now) > p.cfg.Skew {
		return ReasonExpired, nil
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return ReasonMalformed, nil
	}
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(parts[0] + ":" + parts[1] + ":" + parts[2]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ReasonBadSignature, nil
	}

	remaining := issued.Add(p.cfg.TTL).Sub(now)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	res, err := p.store.Consume(ctx, p.entryKey(sessionID, token), p.tombstoneKey(token), remaining)
	if err != nil {
		return ReasonStoreUnavailable, err
	}
	switch res {
	case Consumed:
		return "", nil
	case Replayed:
		return ReasonReplayed, nil
	default:
		return ReasonNotFound, nil
	}
}

func (p *Protector) sign(payload string) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Entry and tombstone share the {hash} tag so the consume script stays in
// one cluster slot.
func (p *Protector) entryKey(sessionID, token string) string {
	return p.cfg.Prefix + "csrf:" + sessionID + ":{" + hashToken(token) + "}"
}

func (p *Protector) tombstoneKey(token string) string {
	return p.cfg.Prefix + "csrfu:{" + hashToken(token) + "}"
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
