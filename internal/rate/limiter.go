package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Strategy selects the primary backend.
type Strategy string

const (
	StrategyRedis Strategy = "redis"
	StrategyLocal Strategy = "local"
)

// Config holds limiter tuning parameters.
type Config struct {
	Strategy Strategy
	Prefix   string
	// Timeout bounds each Redis call; on expiry the local backend answers.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRedis
	}
	if c.Prefix == "" {
		c.Prefix = "tg:"
	}
	if c.Timeout <= 0 {
		c.Timeout = 50 * time.Millisecond
	}
	return c
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(lim *Limiter) {
		if l != nil {
			lim.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) {
		if now != nil {
			lim.now = now
		}
	}
}

// WithLocalBackend shares a local backend between limiters.
func WithLocalBackend(b *LocalBackend) Option {
	return func(lim *Limiter) {
		if b != nil {
			lim.local = b
		}
	}
}

// WithFallbackHook is called each time Redis could not answer.
func WithFallbackHook(fn func(op string, err error)) Option {
	return func(lim *Limiter) { lim.onFallback = fn }
}

// Limiter counts requests per identifier and keeps the IP deny-list.
type Limiter struct {
	redis      redis.UniversalClient
	remote     Backend
	local      *LocalBackend
	blocked    *gocache.Cache
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	onFallback func(op string, err error)
}

// New creates a Limiter. The redis strategy requires client.
func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Limiter, error) {
	cfg = cfg.withDefaults()

	l := &Limiter{
		cfg:     cfg,
		local:   NewLocalBackend(),
		blocked: gocache.New(gocache.NoExpiration, time.Minute),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	switch cfg.Strategy {
	case StrategyRedis:
		if client == nil {
			return nil, errors.New("rate: redis strategy requires a client")
		}
		l.redis = client
		l.remote = NewRedisBackend(client)
	case StrategyLocal:
		l.redis = client
	default:
		return nil, fmt.Errorf("rate: unknown strategy %q", cfg.Strategy)
	}

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check counts one request for identifier against max requests per window.
func (l *Limiter) Check(ctx context.Context, identifier string, window time.Duration, max int) (Result, error) {
	if identifier == "" || window <= 0 || max <= 0 {
		return Result{}, ErrInvalidPolicy
	}
	now := l.now()
	key := l.cfg.Prefix + "rl:" + identifier

	if l.remote != nil {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
		res, err := l.remote.Hit(cctx, key, window, max, now)
		cancel()
		if err == nil {
			return res, nil
		}
		l.fallback("check", err)
	}
	return l.local.Hit(ctx, key, window, max, now)
}

// BlockIP denies ip for ttl. The entry is mirrored locally so it holds even
// when Redis cannot be reached.
func (l *Limiter) BlockIP(ctx context.Context, ip string, ttl time.Duration, reason string) error {
	if ip == "" || ttl <= 0 {
		return ErrInvalidPolicy
	}
	l.blocked.Set(ip, reason, ttl)

	if l.redis == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	if err := l.redis.Set(cctx, l.blockKey(ip), reason, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsBlocked reports whether ip is on the deny-list. Redis is authoritative;
// the local mirror answers only when Redis cannot.
func (l *Limiter) IsBlocked(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	if l.redis == nil {
		_, ok := l.blocked.Get(ip)
		return ok
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	var (
		reason *redis.StringCmd
		ttl    *redis.DurationCmd
	)
	_, err := l.redis.Pipelined(cctx, func(p redis.Pipeliner) error {
		reason = p.Get(cctx, l.blockKey(ip))
		ttl = p.PTTL(cctx, l.blockKey(ip))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		// Unblocked elsewhere or expired.
		l.blocked.Delete(ip)
		return false
	}
	if err != nil {
		l.fallback("is_blocked", err)
		_, ok := l.blocked.Get(ip)
		return ok
	}
	if d := ttl.Val(); d > 0 {
		l.blocked.Set(ip, reason.Val(), d)
	}
	return true
}

// UnblockIP removes ip from the deny-list.
func (l *Limiter) UnblockIP(ctx context.Context, ip string) error {
	l.blocked.Delete(ip)
	if l.redis == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	if err := l.redis.Del(cctx, l.blockKey(ip)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) blockKey(ip string) string {
	return l.cfg.Prefix + "block:" + ip
}

func (l *Limiter) fallback(op string, err error) {
	l.logger.Warn("rate limiter using local fallback", zap.String("op", op), zap.Error(err))
	if l.onFallback != nil {
		l.onFallback(op, err)
	}
}
