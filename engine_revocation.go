package tokenguard

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Blacklist rejects token until expiresAt. Past expiries are a no-op.
func (e *Engine) Blacklist(ctx context.Context, token string, expiresAt time.Time) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.ledger.Blacklist(ctx, token, expiresAt); err != nil {
		return storeErr(err)
	}
	e.metricInc(MetricBlacklisted)
	e.emitAudit(ctx, auditEventTokenBlacklisted, true, "", "", "", nil, nil)
	return nil
}

// IsBlacklisted reports whether token was blacklisted. Lookup failures
// report false.
func (e *Engine) IsBlacklisted(ctx context.Context, token string) bool {
	if e.ready() != nil {
		return false
	}
	return e.ledger.IsBlacklisted(ctx, token)
}

// RevokeAllForUser rejects every bearer token issued to userID up to now and
// consumes the user's refresh tokens. Tokens issued afterwards, even within
// the same second, stay valid.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.ledger.RevokeAllForUser(ctx, userID, reason); err != nil {
		return storeErr(err)
	}
	n, err := e.refresh.Revoke(ctx, userID)
	if err != nil {
		e.logger.Error("refresh revocation failed", zap.String("user_id", userID), zap.Error(err))
		return storeErr(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	e.logger.Info("user tokens revoked",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Int("refresh_revoked", n),
	)
	return nil
}

// IsUserRevoked reports whether a user-wide revocation marker exists.
func (e *Engine) IsUserRevoked(ctx context.Context, userID string) bool {
	if e.ready() != nil {
		return false
	}
	return e.ledger.IsUserRevoked(ctx, userID)
}
