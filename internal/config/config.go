// Package config loads the tokenguard binary configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// TOKENGUARD_* environment variables (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrEthical07/tokenguard"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOKENGUARD_"

// Config is the full binary configuration.
type Config struct {
	Server    Server    `yaml:"server" envPrefix:"SERVER_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
	Redis     Redis     `yaml:"redis" envPrefix:"REDIS_"`
	Postgres  Postgres  `yaml:"postgres" envPrefix:"POSTGRES_"`
	Tokens    Tokens    `yaml:"tokens" envPrefix:"TOKENS_"`
	Keys      Keys      `yaml:"keys" envPrefix:"KEYS_"`
	RateLimit RateLimit `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	CSRF      CSRF      `yaml:"csrf" envPrefix:"CSRF_"`
	Audit     Audit     `yaml:"audit" envPrefix:"AUDIT_"`
	Metrics   Metrics   `yaml:"metrics" envPrefix:"METRICS_"`
}

type Server struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CookieDomain    string        `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	// CookieInsecure drops the Secure cookie attribute for plain HTTP
	// development setups.
	CookieInsecure bool `yaml:"cookie_insecure" env:"COOKIE_INSECURE"`
}

type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
	Env    string `yaml:"env" env:"ENV"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// Postgres holds the durable store settings. An empty DSN keeps keys and
// refresh records in memory.
type Postgres struct {
	DSN         string `yaml:"dsn" env:"DSN"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

type Tokens struct {
	Issuer              string        `yaml:"issuer" env:"ISSUER"`
	Audience            string        `yaml:"audience" env:"AUDIENCE"`
	AccessTTL           time.Duration `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL          time.Duration `yaml:"refresh_ttl" env:"REFRESH_TTL"`
	RevokeFamilyOnReuse bool          `yaml:"revoke_family_on_reuse" env:"REVOKE_FAMILY_ON_REUSE"`
}

type Keys struct {
	OverlapWindow    time.Duration `yaml:"overlap_window" env:"OVERLAP_WINDOW"`
	RotationInterval time.Duration `yaml:"rotation_interval" env:"ROTATION_INTERVAL"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	KeyBits          int           `yaml:"key_bits" env:"KEY_BITS"`
	StaticKeyID      string        `yaml:"static_key_id" env:"STATIC_KEY_ID"`
	// StaticKeyFile points at a PEM private key served while the key store
	// is unreachable.
	StaticKeyFile string `yaml:"static_key_file" env:"STATIC_KEY_FILE"`
}

type RateLimit struct {
	Strategy    string        `yaml:"strategy" env:"STRATEGY"`
	Window      time.Duration `yaml:"window" env:"WINDOW"`
	MaxRequests int           `yaml:"max_requests" env:"MAX_REQUESTS"`
	BlockTTL    time.Duration `yaml:"block_ttl" env:"BLOCK_TTL"`
}

type CSRF struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Secret   string        `yaml:"secret" env:"SECRET"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	Strategy string        `yaml:"strategy" env:"STRATEGY"`
	Header   string        `yaml:"header" env:"HEADER"`
}

type Audit struct {
	Enabled    bool `yaml:"enabled" env:"ENABLED"`
	BufferSize int  `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Latency bool   `yaml:"latency" env:"LATENCY"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns the settings used for anything the file and environment
// leave unset.
func Default() Config {
	eng := tokenguard.DefaultConfig()
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: Log{
			Level: "info",
			Env:   "prod",
		},
		Redis: Redis{
			Addr:   "localhost:6379",
			Prefix: eng.Redis.Prefix,
		},
		Postgres: Postgres{
			AutoMigrate: true,
		},
		Tokens: Tokens{
			Issuer:     eng.JWT.Issuer,
			AccessTTL:  eng.JWT.AccessTTL,
			RefreshTTL: eng.Refresh.TTL,
		},
		Keys: Keys{
			OverlapWindow:    eng.Keys.OverlapWindow,
			RotationInterval: eng.Keys.RotationInterval,
			SweepInterval:    eng.Keys.SweepInterval,
			KeyBits:          eng.Keys.KeyBits,
		},
		RateLimit: RateLimit{
			Strategy:    string(eng.RateLimit.Strategy),
			Window:      eng.RateLimit.Window,
			MaxRequests: eng.RateLimit.MaxRequests,
			BlockTTL:    eng.RateLimit.BlockTTL,
		},
		CSRF: CSRF{
			TTL:      eng.CSRF.TTL,
			Strategy: string(eng.CSRF.Strategy),
			Header:   eng.CSRF.HeaderName,
		},
		Audit: Audit{
			BufferSize: eng.Audit.BufferSize,
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads path (optional) and applies environment overrides. envFile
// names a dotenv file to seed the environment with; when empty, ./.env is
// used if it exists. Variables already set in the process win over the
// dotenv file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(file string) error {
	if file == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("load env file %s: %w", file, err)
	}
	return nil
}

// Validate checks the binary settings and the derived engine config.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be > 0")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr must not be empty")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if c.Keys.StaticKeyFile != "" && c.Keys.StaticKeyID == "" {
		return errors.New("keys.static_key_id is required with keys.static_key_file")
	}

	// The static key file is read later by Engine.
	eng := c.engineConfig(nil)
	if err := eng.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// Engine derives the library configuration, reading the static key file if
// one is configured.
func (c *Config) Engine() (tokenguard.Config, error) {
	var pem []byte
	if c.Keys.StaticKeyFile != "" {
		raw, err := os.ReadFile(c.Keys.StaticKeyFile)
		if err != nil {
			return tokenguard.Config{}, fmt.Errorf("read static key: %w", err)
		}
		pem = raw
	}
	eng := c.engineConfig(pem)
	if err := eng.Validate(); err != nil {
		return tokenguard.Config{}, err
	}
	return eng, nil
}

func (c *Config) engineConfig(staticPEM []byte) tokenguard.Config {
	eng := tokenguard.DefaultConfig()

	eng.JWT.Issuer = c.Tokens.Issuer
	eng.JWT.Audience = c.Tokens.Audience
	eng.JWT.AccessTTL = c.Tokens.AccessTTL
	if c.Tokens.AccessTTL > eng.JWT.MaxTTL {
		eng.JWT.MaxTTL = c.Tokens.AccessTTL
	}
	if eng.JWT.MaxTTL > eng.Keys.MaxTokenLifetime {
		eng.Keys.MaxTokenLifetime = eng.JWT.MaxTTL
	}

	eng.Refresh.TTL = c.Tokens.RefreshTTL
	eng.Refresh.RevokeFamilyOnReuse = c.Tokens.RevokeFamilyOnReuse

	eng.Keys.OverlapWindow = c.Keys.OverlapWindow
	eng.Keys.RotationInterval = c.Keys.RotationInterval
	eng.Keys.SweepInterval = c.Keys.SweepInterval
	eng.Keys.KeyBits = c.Keys.KeyBits
	eng.Keys.StaticKeyID = c.Keys.StaticKeyID
	eng.Keys.StaticPrivateKeyPEM = staticPEM

	eng.RateLimit.Strategy = tokenguard.RateLimitStrategy(c.RateLimit.Strategy)
	eng.RateLimit.Window = c.RateLimit.Window
	eng.RateLimit.MaxRequests = c.RateLimit.MaxRequests
	eng.RateLimit.BlockTTL = c.RateLimit.BlockTTL

	eng.CSRF.Enabled = c.CSRF.Enabled
	eng.CSRF.Secret = []byte(c.CSRF.Secret)
	eng.CSRF.TTL = c.CSRF.TTL
	eng.CSRF.Strategy = tokenguard.CSRFStrategy(c.CSRF.Strategy)
	eng.CSRF.HeaderName = c.CSRF.Header

	eng.Audit.Enabled = c.Audit.Enabled
	eng.Audit.BufferSize = c.Audit.BufferSize

	eng.Metrics.Enabled = c.Metrics.Enabled
	eng.Metrics.EnableLatencyHistograms = c.Metrics.Latency

	eng.Redis.Prefix = c.Redis.Prefix
	return eng
}
