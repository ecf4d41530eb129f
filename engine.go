package tokenguard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/tokenguard/internal/audit"
	"github.com/MrEthical07/tokenguard/internal/csrf"
	"github.com/MrEthical07/tokenguard/internal/rate"
	"github.com/MrEthical07/tokenguard/jwt"
	"github.com/MrEthical07/tokenguard/keys"
	"github.com/MrEthical07/tokenguard/refresh"
	"github.com/MrEthical07/tokenguard/revocation"
)

// Engine wires key rotation, bearer and refresh tokens, the revocation
// ledger, rate limiting and CSRF protection behind one API. Build it with
// [New] and release it with [Engine.Close].
//
// Engine is safe for concurrent use.
type Engine struct {
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	keys     *keys.Manager
	jwt      *jwt.Manager
	refresh  *refresh.Manager
	ledger   *revocation.Ledger
	limiter  *rate.Limiter
	csrf     *csrf.Protector
	identity IdentityProvider
	audit    *internalaudit.Dispatcher
	metrics  *Metrics

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Config returns a copy of the effective configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Close stops background work and flushes the audit dispatcher. It is
// idempotent.
func (e *Engine) Close() {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped due to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) done() <-chan struct{} {
	if e.bg == nil {
		return nil
	}
	return e.bg.Done()
}

func (e *Engine) ready() error {
	if e == nil || e.jwt == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	return nil
}

// Sign issues a bearer token. An empty TenantID is taken from ctx.
func (e *Engine) Sign(ctx context.Context, req SignRequest) (*Token, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		req.TenantID = TenantIDFromContext(ctx)
	}

	tok, err := e.jwt.SignWith(ctx, req)
	if err != nil {
		e.metricInc(MetricTokenSignFailure)
		e.logger.Error("token signing failed", zap.String("user_id", req.Subject), zap.Error(err))
		return nil, storeErr(err)
	}
	e.metricInc(MetricTokenSigned)
	return tok, nil
}

// Verify validates a bearer token and returns its claims. Failures match
// ErrTokenInvalid, ErrTokenExpired, ErrTokenRevoked or ErrKeyRevoked.
func (e *Engine) Verify(ctx context.Context, token string) (*Claims, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
	}
	claims, err := e.jwt.Verify(ctx, token)
	if !start.IsZero() {
		e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	}

	switch {
	case err == nil:
		e.metricInc(MetricTokenVerified)
		return claims, nil
	case errors.Is(err, ErrKeyRevoked):
		e.metricInc(MetricRevokedKeyUse)
		e.emitAudit(ctx, auditEventRevokedKeyUse, false, "", "", "", err, nil)
	case errors.Is(err, ErrTokenRevoked):
		e.metricInc(MetricTokenRevoked)
	case errors.Is(err, ErrTokenExpired):
		e.metricInc(MetricTokenExpired)
	default:
		e.metricInc(MetricTokenInvalid)
	}
	return nil, err
}
