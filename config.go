package tokenguard

import (
	"errors"
	"strings"
	"time"
)

// Config defines every tunable of the Engine. Start from [DefaultConfig].
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	JWT        JWTConfig
	Keys       KeysConfig
	Refresh    RefreshConfig
	Revocation RevocationConfig
	RateLimit  RateLimitConfig
	CSRF       CSRFConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Redis      RedisConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls bearer token claims and verification strictness.
type JWTConfig struct {
	Issuer    string
	Audience  string
	AccessTTL time.Duration
	// MaxTTL caps per-request lifetimes. It must not exceed
	// Keys.MaxTokenLifetime.
	MaxTTL              time.Duration
	Leeway              time.Duration
	MaxFutureIAT        time.Duration
	MaxConcurrentCrypto int64
}

/*
====================================
KEYS CONFIG
====================================
*/

// KeysConfig controls the signing key lifecycle.
type KeysConfig struct {
	OverlapWindow    time.Duration
	MaxTokenLifetime time.Duration
	// RotationInterval schedules automatic rotation. Zero disables it.
	RotationInterval     time.Duration
	RefreshInterval      time.Duration
	ForcedReloadInterval time.Duration
	RetryInterval        time.Duration
	SweepInterval        time.Duration
	KeyBits              int
	// BootstrapOnBuild creates the first active key when the store has none.
	BootstrapOnBuild bool
	// StaticKeyID and StaticPrivateKeyPEM configure the fallback signing key
	// served while the key store is unreachable.
	StaticKeyID         string
	StaticPrivateKeyPEM []byte
	RevocationChannel   string
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig controls refresh token lifetime and replay handling.
type RefreshConfig struct {
	TTL time.Duration
	// RevokeFamilyOnReuse consumes every refresh token of the user and
	// writes a user-wide revocation marker when a replay is detected.
	RevokeFamilyOnReuse bool
}

/*
====================================
REVOCATION CONFIG
====================================
*/

// RevocationConfig controls the revocation ledger.
type RevocationConfig struct {
	UserMarkerTTL time.Duration
	Timeout       time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitStrategy selects the primary rate limit backend.
type RateLimitStrategy string

const (
	RateLimitRedis RateLimitStrategy = "redis"
	RateLimitLocal RateLimitStrategy = "local"
)

// RateLimitConfig controls the distributed rate limiter.
type RateLimitConfig struct {
	Strategy RateLimitStrategy
	// Timeout bounds each Redis call before the local backend answers.
	Timeout time.Duration
	// Window and MaxRequests are the default policy used by the HTTP
	// middleware.
	Window      time.Duration
	MaxRequests int
	// BlockTTL is the default deny-list lifetime.
	BlockTTL time.Duration
}

/*
====================================
CSRF CONFIG
====================================
*/

// CSRFStrategy selects where issued CSRF tokens are stored.
type CSRFStrategy string

const (
	CSRFRedis CSRFStrategy = "redis"
	CSRFLocal CSRFStrategy = "local"
)

// CSRFConfig controls forgery protection.
type CSRFConfig struct {
	Enabled bool
	// Secret is the key derivation input; at least 32 bytes.
	Secret     []byte
	TTL        time.Duration
	Skew       time.Duration
	Strategy   CSRFStrategy
	Timeout    time.Duration
	HeaderName string
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls asynchronous security event dispatch.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
REDIS CONFIG
====================================
*/

// RedisConfig controls key naming in the shared coordination store.
type RedisConfig struct {
	Prefix string
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			Issuer:       "tokenguard",
			AccessTTL:    15 * time.Minute,
			MaxTTL:       15 * time.Minute,
			Leeway:       30 * time.Second,
			MaxFutureIAT: time.Minute,
		},
		Keys: KeysConfig{
			OverlapWindow:        6 * time.Hour,
			MaxTokenLifetime:     15 * time.Minute,
			RotationInterval:     0,
			RefreshInterval:      30 * time.Second,
			ForcedReloadInterval: time.Second,
			RetryInterval:        5 * time.Second,
			SweepInterval:        time.Minute,
			KeyBits:              2048,
			BootstrapOnBuild:     true,
			RevocationChannel:    "tg:keys:revoked",
		},
		Refresh: RefreshConfig{
			TTL:                 30 * 24 * time.Hour,
			RevokeFamilyOnReuse: false,
		},
		Revocation: RevocationConfig{
			UserMarkerTTL: 24 * time.Hour,
			Timeout:       200 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Strategy:    RateLimitRedis,
			Timeout:     50 * time.Millisecond,
			Window:      time.Minute,
			MaxRequests: 100,
			BlockTTL:    time.Hour,
		},
		CSRF: CSRFConfig{
			Enabled:    false,
			TTL:        30 * time.Minute,
			Skew:       time.Minute,
			Strategy:   CSRFRedis,
			Timeout:    100 * time.Millisecond,
			HeaderName: "X-CSRF-Token",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Redis: RedisConfig{
			Prefix: "tg:",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Keys.StaticPrivateKeyPEM = cloneBytes(cfg.Keys.StaticPrivateKeyPEM)
	out.CSRF.Secret = cloneBytes(cfg.CSRF.Secret)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.MaxTTL < c.JWT.AccessTTL {
		return errors.New("JWT MaxTTL must be >= AccessTTL")
	}
	if c.JWT.MaxTTL > c.Keys.MaxTokenLifetime {
		return errors.New("JWT MaxTTL must be <= Keys MaxTokenLifetime")
	}
	if c.JWT.Audience != "" && strings.TrimSpace(c.JWT.Audience) == "" {
		return errors.New("JWT Audience must not be blank")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	if c.JWT.MaxFutureIAT < 0 {
		return errors.New("JWT MaxFutureIAT must be >= 0")
	}
	if c.JWT.MaxConcurrentCrypto < 0 {
		return errors.New("JWT MaxConcurrentCrypto must be >= 0")
	}

	// Keys
	if c.Keys.OverlapWindow <= 0 {
		return errors.New("Keys OverlapWindow must be > 0")
	}
	if c.Keys.MaxTokenLifetime <= 0 {
		return errors.New("Keys MaxTokenLifetime must be > 0")
	}
	if c.Keys.RotationInterval < 0 {
		return errors.New("Keys RotationInterval must be >= 0")
	}
	if c.Keys.RotationInterval > 0 && c.Keys.RotationInterval < c.Keys.MaxTokenLifetime {
		return errors.New("Keys RotationInterval must be >= MaxTokenLifetime")
	}
	if c.Keys.SweepInterval <= 0 {
		return errors.New("Keys SweepInterval must be > 0")
	}
	if c.Keys.KeyBits < 2048 {
		return errors.New("Keys KeyBits must be >= 2048")
	}
	if len(c.Keys.StaticPrivateKeyPEM) > 0 && c.Keys.StaticKeyID == "" {
		return errors.New("Keys StaticKeyID is required with StaticPrivateKeyPEM")
	}

	// Refresh
	if c.Refresh.TTL <= 0 {
		return errors.New("Refresh TTL must be > 0")
	}

	// Revocation
	if c.Revocation.UserMarkerTTL <= 0 {
		return errors.New("Revocation UserMarkerTTL must be > 0")
	}
	if c.Revocation.Timeout <= 0 {
		return errors.New("Revocation Timeout must be > 0")
	}

	// Rate limit
	switch c.RateLimit.Strategy {
	case RateLimitRedis, RateLimitLocal:
	default:
		return errors.New("RateLimit Strategy must be 'redis' or 'local'")
	}
	if c.RateLimit.Timeout <= 0 {
		return errors.New("RateLimit Timeout must be > 0")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		return errors.New("RateLimit Window and MaxRequests must be > 0")
	}
	if c.RateLimit.BlockTTL <= 0 {
		return errors.New("RateLimit BlockTTL must be > 0")
	}

	// CSRF
	if c.CSRF.Enabled {
		if len(c.CSRF.Secret) < 32 {
			return errors.New("CSRF Secret must be at least 32 bytes")
		}
		if c.CSRF.TTL <= 0 {
			return errors.New("CSRF TTL must be > 0")
		}
		if c.CSRF.Skew < 0 {
			return errors.New("CSRF Skew must be >= 0")
		}
		switch c.CSRF.Strategy {
		case CSRFRedis, CSRFLocal:
		default:
			return errors.New("CSRF Strategy must be 'redis' or 'local'")
		}
		if c.CSRF.HeaderName == "" {
			return errors.New("CSRF HeaderName must not be empty")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// Redis
	if c.Redis.Prefix == "" {
		return errors.New("Redis Prefix must not be empty")
	}

	return nil
}
