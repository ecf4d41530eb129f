package jwt

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/MrEthical07/tokenguard/keys"
	"github.com/MrEthical07/tokenguard/revocation"
)

var (
	// ErrTokenInvalid covers every structural, signature and claim failure.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned for a well-signed token past exp.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when the revocation ledger rejects a token.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrKeyRevoked is returned when the token names a revoked signing key.
	ErrKeyRevoked = fmt.Errorf("%w: signing key revoked", ErrTokenInvalid)
	// ErrInvalidSubject is returned by Sign for an empty subject.
	ErrInvalidSubject = errors.New("token subject is required")
)

// Config controls issued token claims and verification strictness.
type Config struct {
	Issuer   string
	Audience string
	// AccessTTL is the default token lifetime.
	AccessTTL time.Duration
	// MaxTTL caps per-request lifetimes. It must not exceed the key
	// manager's MaxTokenLifetime.
	MaxTTL time.Duration
	Leeway time.Duration
	// MaxFutureIAT rejects tokens claiming to be issued too far ahead.
	MaxFutureIAT time.Duration
	// MaxConcurrentCrypto bounds concurrent RSA operations.
	MaxConcurrentCrypto int64
}

// KeySource supplies signing and verification keys.
type KeySource interface {
	CurrentSigningKey(ctx context.Context) (*keys.SigningKeyPair, error)
	VerificationKey(ctx context.Context, kid string) (*keys.SigningKeyPair, error)
	RecordUse(kid string, at time.Time)
}

// RevocationChecker consults the revocation ledger.
type RevocationChecker interface {
	Check(ctx context.Context, token, userID string) revocation.Status
}

// Claims is the claim set carried by every bearer token.
type Claims struct {
	TenantID string         `json:"tid,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Custom   map[string]any `json:"custom,omitempty"`

	// IssuedAtMilli is the issue instant in Unix milliseconds. iat only
	// carries seconds.
	IssuedAtMilli int64 `json:"iat_ms,omitempty"`

	jwt.RegisteredClaims
}

// IssuedInstant returns the millisecond issue stamp when it falls within
// the iat second, and iat otherwise.
func (c *Claims) IssuedInstant() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	iat := c.IssuedAt.Time
	if c.IssuedAtMilli != 0 {
		if ms := time.UnixMilli(c.IssuedAtMilli); ms.Unix() == iat.Unix() {
			return ms
		}
	}
	return iat
}

// SignRequest describes a token to issue.
type SignRequest struct {
	Subject  string
	TenantID string
	Roles    []string
	Custom   map[string]any
	// TTL overrides AccessTTL when positive; it is capped at MaxTTL.
	TTL time.Duration
}

// Token is a signed bearer token with its identifying metadata.
type Token struct {
	Value     string
	ID        string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithRevocation enables ledger checks during Verify.
func WithRevocation(rc RevocationChecker) Option {
	return func(m *Manager) { m.revocation = rc }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now for claim stamping and validation.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager signs and verifies RS256 bearer tokens.
type Manager struct {
	cfg        Config
	keys       KeySource
	revocation RevocationChecker
	logger     *zap.Logger
	now        func() time.Time
	parser     *jwt.Parser
	sem        *semaphore.Weighted
}

// NewManager validates cfg and returns a Manager signing with keys from ks.
func NewManager(cfg Config, ks KeySource, opts ...Option) (*Manager, error) {
	if ks == nil {
		return nil, errors.New("jwt: key source is required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.AccessTTL < 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = cfg.AccessTTL
	}
	if cfg.MaxTTL < cfg.AccessTTL {
		return nil, errors.New("MaxTTL must not be shorter than AccessTTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.MaxConcurrentCrypto <= 0 {
		cfg.MaxConcurrentCrypto = int64(runtime.GOMAXPROCS(0) * 2)
	}

	m := &Manager{
		cfg:    cfg,
		keys:   ks,
		logger: zap.NewNop(),
		now:    time.Now,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentCrypto),
	}
	for _, opt := range opts {
		opt(m)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}
	m.parser = jwt.NewParser(options...)

	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Sign issues a token for subject with optional caller claims.
func (m *Manager) Sign(ctx context.Context, subject string, custom map[string]any) (*Token, error) {
	return m.SignWith(ctx, SignRequest{Subject: subject, Custom: custom})
}

// SignWith issues a token described by req using the current signing key.
func (m *Manager) SignWith(ctx context.Context, req SignRequest) (*Token, error) {
	if req.Subject == "" {
		return nil, ErrInvalidSubject
	}
	key, err := m.keys.CurrentSigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("jwt: signing key: %w", err)
	}
	if !key.CanSign() {
		return nil, keys.ErrNoSigningKey
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.AccessTTL
	}
	if ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}

	now := m.now()
	id := uuid.NewString()
	claims := Claims{
		TenantID: req.TenantID,
		Roles:    req.Roles,
		Custom:   req.Custom,

		IssuedAtMilli: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   req.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        id,
		},
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	signed, err := token.SignedString(key.PrivateKey)
	m.sem.Release(1)
	if err != nil {
		return nil, fmt.Errorf("jwt: sign: %w", err)
	}

	m.keys.RecordUse(key.ID, now)
	return &Token{
		Value:     signed,
		ID:        id,
		KeyID:     key.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks signature, claims and revocation state of raw and returns
// its claims.
func (m *Manager) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	claims := &Claims{}
	var keyErr error
	token, err := m.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			keyErr = errors.New("missing kid")
			return nil, keyErr
		}
		k, err := m.keys.VerificationKey(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return k.PublicKey, nil
	})
	m.sem.Release(1)

	if err != nil {
		switch {
		case errors.Is(keyErr, keys.ErrKeyRevoked):
			m.logger.Warn("token signed by revoked key", zap.String("event", "revoked_key_use"))
			return nil, ErrKeyRevoked
		case keyErr != nil:
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, keyErr)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.IssuedAt == nil || claims.IssuedAt.Time.After(m.now().Add(m.cfg.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrTokenInvalid)
	}

	if m.revocation != nil {
		st := m.revocation.Check(ctx, raw, claims.Subject)
		if st.RevokesIssuedAt(claims.IssuedInstant()) {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}
