package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MrEthical07/tokenguard"
	"github.com/MrEthical07/tokenguard/metrics/export/internaldefs"
)

type fakeSource struct {
	snapshot tokenguard.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() tokenguard.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                        { return f.dropped }

func sampleSource() fakeSource {
	return fakeSource{
		snapshot: tokenguard.MetricsSnapshot{
			Counters: map[tokenguard.MetricID]uint64{
				tokenguard.MetricTokenSigned:          7,
				tokenguard.MetricRefreshReuseDetected: 2,
			},
			Histograms: map[tokenguard.MetricID][]uint64{
				tokenguard.MetricVerifyLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 3,
	}
}

func TestCollectCountersAndHistogram(t *testing.T) {
	exp := NewExporterFromSource(sampleSource())

	expected := `
# HELP tokenguard_token_signed_total Bearer tokens issued.
# TYPE tokenguard_token_signed_total counter
tokenguard_token_signed_total 7
# HELP tokenguard_audit_dropped_total Dropped audit events due to dispatcher backpressure.
# TYPE tokenguard_audit_dropped_total counter
tokenguard_audit_dropped_total 3
# HELP tokenguard_verify_latency_seconds Bearer verification latency.
# TYPE tokenguard_verify_latency_seconds histogram
tokenguard_verify_latency_seconds_bucket{le="0.005"} 1
tokenguard_verify_latency_seconds_bucket{le="0.01"} 3
tokenguard_verify_latency_seconds_bucket{le="0.025"} 6
tokenguard_verify_latency_seconds_bucket{le="0.05"} 10
tokenguard_verify_latency_seconds_bucket{le="0.1"} 15
tokenguard_verify_latency_seconds_bucket{le="0.25"} 21
tokenguard_verify_latency_seconds_bucket{le="0.5"} 28
tokenguard_verify_latency_seconds_bucket{le="+Inf"} 36
tokenguard_verify_latency_seconds_sum 0
tokenguard_verify_latency_seconds_count 36
`
	err := testutil.CollectAndCompare(exp, strings.NewReader(expected),
		"tokenguard_token_signed_total",
		"tokenguard_audit_dropped_total",
		"tokenguard_verify_latency_seconds",
	)
	if err != nil {
		t.Fatalf("unexpected collection: %v", err)
	}
}

func TestCollectEmitsEverySeries(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: tokenguard.MetricsSnapshot{
			Counters:   map[tokenguard.MetricID]uint64{},
			Histograms: map[tokenguard.MetricID][]uint64{},
		},
	})

	want := len(internaldefs.CounterDefs) + len(internaldefs.HistogramDefs) + 1
	if got := testutil.CollectAndCount(exp); got != want {
		t.Fatalf("expected %d series, got %d", want, got)
	}
}

func TestExporterLintsClean(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewExporterFromSource(sampleSource()))
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("lint problems: %+v", problems)
	}
}

func TestRegistersOnCustomRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	if err := reg.Register(NewExporterFromSource(sampleSource())); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected metric families")
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	h, err := NewExporterFromSource(sampleSource()).Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text exposition, got %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "tokenguard_refresh_reuse_detected_total 2") {
		t.Fatalf("expected reuse counter in output, got:\n%s", body)
	}
}

func BenchmarkCollect(b *testing.B) {
	exp := NewExporterFromSource(sampleSource())
	ch := make(chan prom.Metric, len(internaldefs.CounterDefs)+len(internaldefs.HistogramDefs)+1)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		exp.Collect(ch)
		for len(ch) > 0 {
			<-ch
		}
	}
}
