package internaldefs

import (
	"github.com/MrEthical07/tokenguard"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   tokenguard.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   tokenguard.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter reporting dispatcher drops.
const AuditDroppedName = "tokenguard_audit_dropped_total"

// AuditDroppedHelp describes AuditDroppedName.
const AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: tokenguard.MetricTokenSigned, Name: "tokenguard_token_signed_total", Help: "Bearer tokens issued."},
	{ID: tokenguard.MetricTokenSignFailure, Name: "tokenguard_token_sign_failure_total", Help: "Failed signing attempts."},
	{ID: tokenguard.MetricTokenVerified, Name: "tokenguard_token_verified_total", Help: "Successful bearer verifications."},
	{ID: tokenguard.MetricTokenInvalid, Name: "tokenguard_token_invalid_total", Help: "Bearer tokens rejected as malformed or forged."},
	{ID: tokenguard.MetricTokenExpired, Name: "tokenguard_token_expired_total", Help: "Expired bearer tokens presented."},
	{ID: tokenguard.MetricTokenRevoked, Name: "tokenguard_token_revoked_total", Help: "Bearer tokens rejected by the revocation ledger."},
	{ID: tokenguard.MetricRevokedKeyUse, Name: "tokenguard_revoked_key_use_total", Help: "Tokens presented with a revoked signing key."},
	{ID: tokenguard.MetricKeyRotated, Name: "tokenguard_key_rotated_total", Help: "Signing key rotations."},
	{ID: tokenguard.MetricKeyRevoked, Name: "tokenguard_key_revoked_total", Help: "Emergency signing key revocations."},
	{ID: tokenguard.MetricKeyDeleted, Name: "tokenguard_key_deleted_total", Help: "Signing keys destroyed by the sweeper."},
	{ID: tokenguard.MetricRefreshIssued, Name: "tokenguard_refresh_issued_total", Help: "Refresh tokens issued."},
	{ID: tokenguard.MetricRefreshSuccess, Name: "tokenguard_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: tokenguard.MetricRefreshFailure, Name: "tokenguard_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: tokenguard.MetricRefreshReuseDetected, Name: "tokenguard_refresh_reuse_detected_total", Help: "Detected refresh token replays."},
	{ID: tokenguard.MetricRateLimitHit, Name: "tokenguard_rate_limit_hit_total", Help: "Rate limit checks that denied requests."},
	{ID: tokenguard.MetricRateLimitFallback, Name: "tokenguard_rate_limit_fallback_total", Help: "Rate limit checks answered locally after a Redis failure."},
	{ID: tokenguard.MetricIPBlocked, Name: "tokenguard_ip_blocked_total", Help: "Requests from blocked addresses."},
	{ID: tokenguard.MetricCSRFIssued, Name: "tokenguard_csrf_issued_total", Help: "CSRF tokens issued."},
	{ID: tokenguard.MetricCSRFSuccess, Name: "tokenguard_csrf_success_total", Help: "CSRF tokens redeemed."},
	{ID: tokenguard.MetricCSRFRejected, Name: "tokenguard_csrf_rejected_total", Help: "CSRF tokens rejected."},
	{ID: tokenguard.MetricCSRFReplay, Name: "tokenguard_csrf_replay_total", Help: "Replayed CSRF tokens."},
	{ID: tokenguard.MetricRevocationFailOpen, Name: "tokenguard_revocation_fail_open_total", Help: "Revocation lookups that failed open."},
	{ID: tokenguard.MetricBlacklisted, Name: "tokenguard_blacklisted_total", Help: "Tokens added to the blacklist."},
	{ID: tokenguard.MetricLogout, Name: "tokenguard_logout_total", Help: "Single-token logouts."},
	{ID: tokenguard.MetricLogoutAll, Name: "tokenguard_logout_all_total", Help: "User-wide revocations."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: tokenguard.MetricVerifyLatency, Name: "tokenguard_verify_latency_seconds", Help: "Bearer verification latency."},
}

// HistogramBounds are the bucket upper bounds in seconds, +Inf last.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramUpperBounds holds the finite bounds of HistogramBounds.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix renders HistogramBounds for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
