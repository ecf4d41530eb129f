package tokenguard

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RotateKeys generates a new active signing key and demotes the previous one.
func (e *Engine) RotateKeys(ctx context.Context) (*RotationResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	res, err := e.keys.RotateKeys(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	e.metricInc(MetricKeyRotated)
	e.emitAudit(ctx, auditEventKeyRotated, true, "", "", "", nil, func() map[string]string {
		return map[string]string{"kid": res.NewKey.ID}
	})
	return res, nil
}

// RevokeKey removes a signing key from service immediately on every
// instance. Tokens signed by it fail with ErrKeyRevoked.
func (e *Engine) RevokeKey(ctx context.Context, id, reason string) error {
	if err := e.ready(); err != nil {
		return err
	}
	err := e.keys.RevokeKey(ctx, id, reason)
	e.emitAudit(ctx, auditEventKeyRevoked, err == nil, "", "", "", err, func() map[string]string {
		return map[string]string{"kid": id, "reason": reason}
	})
	if err != nil {
		return storeErr(err)
	}
	e.metricInc(MetricKeyRevoked)
	return nil
}

// ActiveKeys returns the keys currently published for verification.
func (e *Engine) ActiveKeys(ctx context.Context) ([]*SigningKey, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ks, err := e.keys.ActiveKeys(ctx)
	return ks, storeErr(err)
}

// JWKS returns the public key set document.
func (e *Engine) JWKS(ctx context.Context) (JWKSet, error) {
	if err := e.ready(); err != nil {
		return JWKSet{}, err
	}
	set, err := e.keys.JWKS(ctx)
	return set, storeErr(err)
}

// SweepKeys advances key lifecycles once: rotating keys past the overlap
// window are deprecated, expired keys are destroyed and a due scheduled
// rotation runs.
func (e *Engine) SweepKeys(ctx context.Context) (SweepResult, error) {
	if err := e.ready(); err != nil {
		return SweepResult{}, err
	}
	res, err := e.keys.Sweep(ctx)
	for range res.Deleted {
		e.metricInc(MetricKeyDeleted)
	}
	if res.Rotated != nil {
		e.metricInc(MetricKeyRotated)
		e.emitAudit(ctx, auditEventKeyRotated, true, "", "", "", nil, func() map[string]string {
			return map[string]string{"kid": res.Rotated.NewKey.ID, "trigger": "schedule"}
		})
	}
	return res, storeErr(err)
}

// StartKeySweeper runs SweepKeys every Keys.SweepInterval until ctx is done
// or the engine is closed.
func (e *Engine) StartKeySweeper(ctx context.Context) {
	if e.ready() != nil {
		return
	}
	interval := e.config.Keys.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		done := e.done()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				res, err := e.SweepKeys(ctx)
				if err != nil {
					e.logger.Warn("key sweep failed", zap.Error(err))
					continue
				}
				if len(res.Deprecated) > 0 || len(res.Deleted) > 0 {
					e.logger.Info("key sweep",
						zap.Strings("deprecated", res.Deprecated),
						zap.Strings("deleted", res.Deleted),
					)
				}
			}
		}
	}()
}
