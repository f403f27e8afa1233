package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestCollector_RecordPublish(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordPublish("published", "scheduled")
	c.RecordPublish("published", "scheduled")
	c.RecordPublish("partial", "manual")

	if got := testutil.ToFloat64(c.publishTotal.WithLabelValues("published", "scheduled")); got != 2 {
		t.Errorf("publish_total{published,scheduled} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.publishTotal.WithLabelValues("partial", "manual")); got != 1 {
		t.Errorf("publish_total{partial,manual} = %v, want 1", got)
	}
}

func TestCollector_RecordPlatformOutcome(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordPlatformOutcome("twitter", true)
	c.RecordPlatformOutcome("twitter", false)
	c.RecordPlatformOutcome("facebook", true)

	if got := testutil.ToFloat64(c.platformOutcome.WithLabelValues("twitter", "success")); got != 1 {
		t.Errorf("platform_outcome{twitter,success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.platformOutcome.WithLabelValues("twitter", "failure")); got != 1 {
		t.Errorf("platform_outcome{twitter,failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.platformOutcome.WithLabelValues("facebook", "success")); got != 1 {
		t.Errorf("platform_outcome{facebook,success} = %v, want 1", got)
	}
}

func TestCollector_RecordPostsScanned(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordPostsScanned(5)
	c.RecordPostsScanned(3)

	if got := testutil.ToFloat64(c.tickPostsScanned); got != 8 {
		t.Errorf("tick_posts_scanned_total = %v, want 8", got)
	}
}

func TestCollector_RecordPersistFailure(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordPersistFailure()

	if got := testutil.ToFloat64(c.persistFailures); got != 1 {
		t.Errorf("persist_failures_total = %v, want 1", got)
	}
}

func TestCollector_RecordDispatchLatency(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordDispatchLatency(250 * time.Millisecond)
	c.RecordDispatchLatency(500 * time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "postdeck_dispatch_latency_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample count = %d, want 2", h.GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("postdeck_dispatch_latency_seconds not found in registry")
	}
}

func TestHandler_ServesPrometheusFormat(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordPublish("failed", "retry")

	h := Handler(reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), "postdeck_publish_total") {
		t.Errorf("response should contain postdeck_publish_total: %s", body)
	}
	if !strings.Contains(string(body), `trigger="retry"`) {
		t.Errorf("response should contain trigger label: %s", body)
	}
}

func TestSetupMetricsRoute_MountsMetricsPath(t *testing.T) {
	_, reg := newTestCollector(t)

	mux := SetupMetricsRoute(reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}
