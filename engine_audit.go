package tokenguard

import (
	"context"
	"errors"
)

const (
	auditEventRevokedKeyUse        = "revoked_key_use"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventLogout               = "logout"
	auditEventLogoutAll            = "logout_all"
	auditEventTokenBlacklisted     = "token_blacklisted"
	auditEventKeyRotated           = "key_rotated"
	auditEventKeyRevoked           = "key_revoked"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
	auditEventIPBlocked            = "ip_blocked"
	auditEventIPUnblocked          = "ip_unblocked"
	auditEventCSRFRejected         = "csrf_rejected"
	auditEventCSRFReplay           = "csrf_replay"
)

// AuditErrorCode is the stable error classification recorded on audit events.
type AuditErrorCode string

const (
	auditErrInvalidToken        AuditErrorCode = "invalid_token"
	auditErrTokenExpired        AuditErrorCode = "token_expired"
	auditErrTokenRevoked        AuditErrorCode = "token_revoked"
	auditErrKeyRevoked          AuditErrorCode = "key_revoked"
	auditErrKeyNotFound         AuditErrorCode = "key_not_found"
	auditErrRefreshInvalid      AuditErrorCode = "refresh_invalid"
	auditErrRefreshReuse        AuditErrorCode = "refresh_reuse"
	auditErrRateLimited         AuditErrorCode = "rate_limited"
	auditErrIPBlocked           AuditErrorCode = "ip_blocked"
	auditErrForgeryRejected     AuditErrorCode = "csrf_rejected"
	auditErrUserDisabled        AuditErrorCode = "user_disabled"
	auditErrIdentityUnavailable AuditErrorCode = "identity_unavailable"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	tenantID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}
	if tenantID == "" {
		tenantID = TenantIDFromContext(ctx)
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		Severity:  auditSeverity(eventType, success),
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		IP:        ClientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(
	ctx context.Context,
	scope string,
	metadataBuilder func() map[string]string,
) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", "", ErrRateLimited, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditSeverity(eventType string, success bool) AuditSeverity {
	switch eventType {
	case auditEventRevokedKeyUse, auditEventRefreshReuseDetected, auditEventCSRFReplay:
		return AuditSeverityCritical
	case auditEventKeyRevoked, auditEventLogoutAll, auditEventIPBlocked:
		return AuditSeverityWarning
	}
	if !success {
		return AuditSeverityWarning
	}
	return AuditSeverityInfo
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrKeyRevoked):
		return auditErrKeyRevoked
	case errors.Is(err, ErrTokenRevoked):
		return auditErrTokenRevoked
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrKeyNotFound):
		return auditErrKeyNotFound
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrUserDisabled):
		return auditErrUserDisabled
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrRefreshInvalid):
		return auditErrRefreshInvalid
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrIPBlocked):
		return auditErrIPBlocked
	case errors.Is(err, ErrForgeryRejected):
		return auditErrForgeryRejected
	case errors.Is(err, ErrIdentityUnavailable):
		return auditErrIdentityUnavailable
	default:
		return auditErrInternal
	}
}
