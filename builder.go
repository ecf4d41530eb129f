package tokenguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/tokenguard/internal/audit"
	"github.com/MrEthical07/tokenguard/internal/csrf"
	"github.com/MrEthical07/tokenguard/internal/rate"
	"github.com/MrEthical07/tokenguard/jwt"
	"github.com/MrEthical07/tokenguard/keys"
	"github.com/MrEthical07/tokenguard/refresh"
	"github.com/MrEthical07/tokenguard/revocation"
)

// Builder assembles an Engine. A Builder can build exactly once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	keyStore     keys.Store
	refreshStore refresh.Store
	identity     IdentityProvider
	auditSink    AuditSink
	logger       *zap.Logger
	now          func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared coordination store. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithKeyStore sets the durable signing key store. Defaults to an in-memory
// store, which is only suitable for a single process.
func (b *Builder) WithKeyStore(store keys.Store) *Builder {
	b.keyStore = store
	return b
}

// WithRefreshStore sets the durable refresh record store. Defaults to an
// in-memory store.
func (b *Builder) WithRefreshStore(store refresh.Store) *Builder {
	b.refreshStore = store
	return b
}

// WithIdentityProvider sets the source of claims for refreshed tokens.
func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.identity = p
	return b
}

// WithAuditSink sets the audit destination. Audit.Enabled must be set for
// events to flow; the default sink logs through the engine logger.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the engine logger. Components receive named children.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock replaces time.Now in every component.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the verification latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Engine. When
// Keys.BootstrapOnBuild is set and the key store holds no active key, a
// first key is generated.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	bg, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:   cfg,
		logger:   logger,
		now:      now,
		identity: b.identity,
		metrics:  NewMetrics(cfg.Metrics),
		bg:       bg,
		cancel:   cancel,
	}

	if cfg.Audit.Enabled {
		sink := b.auditSink
		if sink == nil {
			sink = NewZapSink(logger.Named("audit"))
		}
		e.audit = internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink)
	}

	fail := func(err error) (*Engine, error) {
		cancel()
		e.audit.Close()
		return nil, err
	}

	keyStore := b.keyStore
	if keyStore == nil {
		logger.Warn("no key store configured, signing keys are kept in memory")
		keyStore = keys.NewMemoryStore()
	}
	var static *keys.SigningKeyPair
	if len(cfg.Keys.StaticPrivateKeyPEM) > 0 {
		pair, err := keys.StaticKeyPair(cfg.Keys.StaticKeyID, cfg.Keys.StaticPrivateKeyPEM)
		if err != nil {
			return fail(fmt.Errorf("static key: %w", err))
		}
		static = pair
	}
	keyManager, err := keys.NewManager(keyStore, keys.Config{
		OverlapWindow:        cfg.Keys.OverlapWindow,
		MaxTokenLifetime:     cfg.Keys.MaxTokenLifetime,
		RotationInterval:     cfg.Keys.RotationInterval,
		RefreshInterval:      cfg.Keys.RefreshInterval,
		ForcedReloadInterval: cfg.Keys.ForcedReloadInterval,
		RetryInterval:        cfg.Keys.RetryInterval,
		KeyBits:              cfg.Keys.KeyBits,
		Static:               static,
	},
		keys.WithNotifier(keys.NewRedisNotifier(b.redis, cfg.Keys.RevocationChannel)),
		keys.WithLogger(logger.Named("keys")),
		keys.WithClock(now),
	)
	if err != nil {
		return fail(err)
	}
	e.keys = keyManager

	ledger, err := revocation.New(b.redis, revocation.Config{
		Prefix:           cfg.Redis.Prefix,
		UserMarkerTTL:    cfg.Revocation.UserMarkerTTL,
		MaxTokenLifetime: cfg.Keys.MaxTokenLifetime,
		Timeout:          cfg.Revocation.Timeout,
	},
		revocation.WithLogger(logger.Named("revocation")),
		revocation.WithClock(now),
		revocation.WithFailureHook(func(string, error) { e.metricInc(MetricRevocationFailOpen) }),
	)
	if err != nil {
		return fail(err)
	}
	e.ledger = ledger

	jwtManager, err := jwt.NewManager(jwt.Config{
		Issuer:              cfg.JWT.Issuer,
		Audience:            cfg.JWT.Audience,
		AccessTTL:           cfg.JWT.AccessTTL,
		MaxTTL:              cfg.JWT.MaxTTL,
		Leeway:              cfg.JWT.Leeway,
		MaxFutureIAT:        cfg.JWT.MaxFutureIAT,
		MaxConcurrentCrypto: cfg.JWT.MaxConcurrentCrypto,
	}, keyManager,
		jwt.WithRevocation(ledger),
		jwt.WithLogger(logger.Named("jwt")),
		jwt.WithClock(now),
	)
	if err != nil {
		return fail(err)
	}
	e.jwt = jwtManager

	refreshStore := b.refreshStore
	if refreshStore == nil {
		logger.Warn("no refresh store configured, refresh records are kept in memory")
		refreshStore = refresh.NewMemoryStore()
	}
	refreshManager, err := refresh.NewManager(refreshStore, refresh.Config{
		TTL:                 cfg.Refresh.TTL,
		RevokeFamilyOnReuse: cfg.Refresh.RevokeFamilyOnReuse,
	},
		refresh.WithLogger(logger.Named("refresh")),
		refresh.WithClock(now),
		refresh.WithReuseHook(e.onRefreshReuse),
	)
	if err != nil {
		return fail(err)
	}
	e.refresh = refreshManager

	limiter, err := rate.New(b.redis, rate.Config{
		Strategy: rate.Strategy(cfg.RateLimit.Strategy),
		Prefix:   cfg.Redis.Prefix,
		Timeout:  cfg.RateLimit.Timeout,
	},
		rate.WithLogger(logger.Named("rate")),
		rate.WithClock(now),
		rate.WithFallbackHook(func(string, error) { e.metricInc(MetricRateLimitFallback) }),
	)
	if err != nil {
		return fail(err)
	}
	e.limiter = limiter

	if cfg.CSRF.Enabled {
		var store csrf.Store
		if cfg.CSRF.Strategy == CSRFLocal {
			store = csrf.NewLocalStore()
		} else {
			store = csrf.NewRedisStore(b.redis)
		}
		protector, err := csrf.New(store, csrf.Config{
			Secret:  cfg.CSRF.Secret,
			TTL:     cfg.CSRF.TTL,
			Skew:    cfg.CSRF.Skew,
			Prefix:  cfg.Redis.Prefix,
			Timeout: cfg.CSRF.Timeout,
		},
			csrf.WithLogger(logger.Named("csrf")),
			csrf.WithClock(now),
			csrf.WithRejectHook(e.onCSRFReject),
		)
		if err != nil {
			return fail(err)
		}
		e.csrf = protector
	}

	if cfg.Keys.BootstrapOnBuild {
		ctx, cancelBoot := context.WithTimeout(bg, 30*time.Second)
		res, err := keyManager.Bootstrap(ctx)
		cancelBoot()
		switch {
		case err != nil && static == nil:
			return fail(fmt.Errorf("bootstrap signing key: %w", storeErr(err)))
		case err != nil:
			logger.Warn("key bootstrap failed, serving static key", zap.Error(err))
		case res != nil:
			logger.Info("bootstrapped signing key", zap.String("kid", res.NewKey.ID))
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		keyManager.Watch(bg)
	}()

	b.built = true
	return e, nil
}
