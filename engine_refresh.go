package tokenguard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MrEthical07/tokenguard/refresh"
)

// IssueTokens mints a bearer token and a refresh token for a user that was
// authenticated by the caller. Claims come from the IdentityProvider when one
// is configured.
func (e *Engine) IssueTokens(ctx context.Context, userID, tenantID string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		tenantID = TenantIDFromContext(ctx)
	}

	ident, err := e.lookupIdentity(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if ident.Disabled {
		return nil, ErrUserDisabled
	}
	if ident.TenantID != "" {
		tenantID = ident.TenantID
	}

	iss, err := e.IssueRefresh(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return e.pairFor(ctx, iss, ident)
}

// IssueRefresh mints a refresh token for userID.
func (e *Engine) IssueRefresh(ctx context.Context, userID, tenantID string) (*refresh.Issued, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		tenantID = TenantIDFromContext(ctx)
	}
	iss, err := e.refresh.IssueFor(ctx, userID, tenantID)
	if err != nil {
		return nil, storeErr(err)
	}
	e.metricInc(MetricRefreshIssued)
	return iss, nil
}

// RotateRefresh consumes a refresh token and returns its successor. Replays
// return ErrRefreshReuse; every other failure matches ErrRefreshInvalid.
func (e *Engine) RotateRefresh(ctx context.Context, value string) (*refresh.Issued, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	iss, err := e.refresh.Rotate(ctx, value)
	if err != nil {
		err = storeErr(err)
		e.metricInc(MetricRefreshFailure)
		if !errors.Is(err, ErrRefreshReuse) {
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", err, nil)
		}
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, iss.UserID, iss.TenantID, "", nil, nil)
	return iss, nil
}

// Refresh rotates a refresh token and mints a new bearer token carrying the
// user's current identity.
func (e *Engine) Refresh(ctx context.Context, value string) (*TokenPair, error) {
	iss, err := e.RotateRefresh(ctx, value)
	if err != nil {
		return nil, err
	}

	ident, err := e.lookupIdentity(ctx, iss.UserID, iss.TenantID)
	if err != nil {
		e.discardSuccessor(ctx, iss)
		return nil, err
	}
	if ident.Disabled {
		if _, rerr := e.refresh.Revoke(ctx, iss.UserID); rerr != nil {
			e.logger.Error("revoke refresh tokens of disabled user failed",
				zap.String("user_id", iss.UserID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("%w: %w", ErrRefreshInvalid, ErrUserDisabled)
	}

	pair, err := e.pairFor(ctx, iss, ident)
	if err != nil {
		e.discardSuccessor(ctx, iss)
		return nil, err
	}
	return pair, nil
}

// RevokeRefresh consumes every outstanding refresh token of userID and
// returns how many were revoked.
func (e *Engine) RevokeRefresh(ctx context.Context, userID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.refresh.Revoke(ctx, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

// Logout blacklists a bearer token for the rest of its lifetime and
// consumes the accompanying refresh token. Either argument may be empty.
// Expired and already revoked bearer tokens are accepted silently.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	var userID, tenantID string
	if accessToken != "" {
		claims, err := e.jwt.Verify(ctx, accessToken)
		switch {
		case err == nil:
			userID, tenantID = claims.Subject, claims.TenantID
			if err := e.ledger.Blacklist(ctx, accessToken, claims.ExpiresAt.Time); err != nil {
				return storeErr(err)
			}
			e.metricInc(MetricBlacklisted)
		case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenRevoked):
		default:
			return err
		}
	}

	if refreshToken != "" {
		if err := e.refresh.Discard(ctx, refreshToken); err != nil {
			return storeErr(err)
		}
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, userID, tenantID, "", nil, nil)
	return nil
}

func (e *Engine) lookupIdentity(ctx context.Context, userID, tenantID string) (Identity, error) {
	if e.identity == nil {
		return Identity{TenantID: tenantID}, nil
	}
	ident, err := e.identity.Identity(ctx, userID, tenantID)
	if err != nil {
		e.logger.Error("identity lookup failed", zap.String("user_id", userID), zap.Error(err))
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return ident, nil
}

func (e *Engine) pairFor(ctx context.Context, iss *refresh.Issued, ident Identity) (*TokenPair, error) {
	tenantID := iss.TenantID
	if tenantID == "" {
		tenantID = ident.TenantID
	}
	tok, err := e.Sign(ctx, SignRequest{
		Subject:  iss.UserID,
		TenantID: tenantID,
		Roles:    ident.Roles,
		Custom:   ident.Custom,
	})
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      tok.Value,
		AccessExpiresAt:  tok.ExpiresAt,
		RefreshToken:     iss.Value,
		RefreshExpiresAt: iss.ExpiresAt,
		UserID:           iss.UserID,
		TenantID:         tenantID,
	}, nil
}

func (e *Engine) discardSuccessor(ctx context.Context, iss *refresh.Issued) {
	if err := e.refresh.Discard(ctx, iss.Value); err != nil {
		e.logger.Warn("discard refresh successor failed", zap.String("record_id", iss.RecordID), zap.Error(err))
	}
}

func (e *Engine) onRefreshReuse(ctx context.Context, userID, recordID string) {
	e.metricInc(MetricRefreshReuseDetected)
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, userID, "", "", ErrRefreshReuse, func() map[string]string {
		return map[string]string{"record_id": recordID}
	})
	if !e.config.Refresh.RevokeFamilyOnReuse || e.ledger == nil {
		return
	}
	if err := e.ledger.RevokeAllForUser(ctx, userID, "refresh_reuse"); err != nil {
		e.logger.Error("user revocation after refresh replay failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	e.metricInc(MetricLogoutAll)
}
