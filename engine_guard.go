package tokenguard

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/tokenguard/internal/csrf"
)

// CheckLimit counts one request for identifier against a sliding window.
// Denied requests return the result together with ErrRateLimited.
func (e *Engine) CheckLimit(ctx context.Context, identifier string, window time.Duration, max int) (LimitResult, error) {
	if err := e.ready(); err != nil {
		return LimitResult{}, err
	}
	res, err := e.limiter.Check(ctx, identifier, window, max)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		e.emitRateLimit(ctx, identifier, func() map[string]string {
			return map[string]string{"retry_after": res.RetryAfter.String()}
		})
		return res, ErrRateLimited
	}
	return res, nil
}

// BlockIP denies ip for ttl on every instance. A non-positive ttl uses
// RateLimit.BlockTTL.
func (e *Engine) BlockIP(ctx context.Context, ip string, ttl time.Duration, reason string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = e.config.RateLimit.BlockTTL
	}
	if err := e.limiter.BlockIP(ctx, ip, ttl, reason); err != nil {
		return storeErr(err)
	}
	e.emitAudit(ctx, auditEventIPBlocked, true, "", "", "", nil, func() map[string]string {
		return map[string]string{"ip": ip, "reason": reason, "ttl": ttl.String()}
	})
	return nil
}

// IsBlocked reports whether ip is on the deny list.
func (e *Engine) IsBlocked(ctx context.Context, ip string) bool {
	if e.ready() != nil {
		return false
	}
	if e.limiter.IsBlocked(ctx, ip) {
		e.metricInc(MetricIPBlocked)
		return true
	}
	return false
}

// UnblockIP removes ip from the deny list.
func (e *Engine) UnblockIP(ctx context.Context, ip string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.limiter.UnblockIP(ctx, ip); err != nil {
		return storeErr(err)
	}
	e.emitAudit(ctx, auditEventIPUnblocked, true, "", "", "", nil, func() map[string]string {
		return map[string]string{"ip": ip}
	})
	return nil
}

// GenerateCSRFToken issues a single-use anti-forgery token bound to sessionID.
func (e *Engine) GenerateCSRFToken(ctx context.Context, sessionID string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	if e.csrf == nil {
		return "", ErrCSRFDisabled
	}
	tok, err := e.csrf.Generate(ctx, sessionID)
	if err != nil {
		return "", storeErr(err)
	}
	e.metricInc(MetricCSRFIssued)
	return tok, nil
}

// VerifyCSRFToken redeems token for sessionID. Rejections match
// ErrForgeryRejected; store outages reject as well.
func (e *Engine) VerifyCSRFToken(ctx context.Context, sessionID, token string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.csrf == nil {
		return ErrCSRFDisabled
	}
	if err := e.csrf.Verify(ctx, sessionID, token); err != nil {
		return storeErr(err)
	}
	e.metricInc(MetricCSRFSuccess)
	return nil
}

// CSRFTTL returns the lifetime of issued CSRF tokens.
func (e *Engine) CSRFTTL() time.Duration {
	if e == nil || e.csrf == nil {
		return 0
	}
	return e.csrf.TTL()
}

func (e *Engine) onCSRFReject(ctx context.Context, sessionID string, reason csrf.Reason) {
	e.metricInc(MetricCSRFRejected)
	eventType := auditEventCSRFRejected
	if reason == csrf.ReasonReplayed {
		e.metricInc(MetricCSRFReplay)
		eventType = auditEventCSRFReplay
	}
	e.emitAudit(ctx, eventType, false, "", "", sessionID, csrf.ErrRejected, func() map[string]string {
		return map[string]string{"reason": string(reason)}
	})
}

// CSRFRejection extracts the rejection reason and client-facing code from
// an error returned by VerifyCSRFToken.
func CSRFRejection(err error) (reason, code string, ok bool) {
	var re *csrf.RejectionError
	if !errors.As(err, &re) {
		return "", "", false
	}
	return string(re.Reason), re.Code(), true
}
