package tokenguard

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a counter or histogram in [Metrics].
type MetricID uint16

const (
	// MetricTokenSigned counts bearer tokens issued.
	MetricTokenSigned MetricID = iota
	// MetricTokenSignFailure counts failed signing attempts.
	MetricTokenSignFailure
	// MetricTokenVerified counts successful verifications.
	MetricTokenVerified
	// MetricTokenInvalid counts tokens rejected as malformed, forged or unverifiable.
	MetricTokenInvalid
	// MetricTokenExpired counts expired tokens presented.
	MetricTokenExpired
	// MetricTokenRevoked counts tokens rejected by the revocation ledger.
	MetricTokenRevoked
	// MetricRevokedKeyUse counts tokens presented with a revoked signing key.
	MetricRevokedKeyUse
	// MetricKeyRotated counts signing key rotations.
	MetricKeyRotated
	// MetricKeyRevoked counts emergency key revocations.
	MetricKeyRevoked
	// MetricKeyDeleted counts keys destroyed by the sweeper.
	MetricKeyDeleted
	// MetricRefreshIssued counts refresh tokens issued.
	MetricRefreshIssued
	// MetricRefreshSuccess counts successful refresh rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts failed refresh rotations.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts refresh token replays.
	MetricRefreshReuseDetected
	// MetricRateLimitHit counts rate limit checks that denied a request.
	MetricRateLimitHit
	// MetricRateLimitFallback counts rate limit checks answered by the local backend after a Redis failure.
	MetricRateLimitFallback
	// MetricIPBlocked counts requests from blocked addresses.
	MetricIPBlocked
	// MetricCSRFIssued counts CSRF tokens issued.
	MetricCSRFIssued
	// MetricCSRFSuccess counts CSRF tokens redeemed.
	MetricCSRFSuccess
	// MetricCSRFRejected counts CSRF tokens rejected.
	MetricCSRFRejected
	// MetricCSRFReplay counts CSRF token replays.
	MetricCSRFReplay
	// MetricRevocationFailOpen counts revocation lookups that failed open.
	MetricRevocationFailOpen
	// MetricBlacklisted counts tokens added to the blacklist.
	MetricBlacklisted
	// MetricLogout counts single-token logouts.
	MetricLogout
	// MetricLogoutAll counts user-wide revocations.
	MetricLogoutAll
	// MetricVerifyLatency is the bearer verification latency histogram.
	MetricVerifyLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters and latency buckets. A nil or disabled
// Metrics ignores every update.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns metrics configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether histograms are recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram id.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricVerifyLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current counter value.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and histogram.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricVerifyLatency].buckets[i])
		}
		s.Histograms[MetricVerifyLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
