package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetrics_RecordRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewHTTPMetricsWithRegisterer(reg)

	metrics.RequestStarted()
	metrics.RequestStarted()
	metrics.RecordRequest("POST", "/api/v1/orders", 201, 15*time.Millisecond)

	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("POST", "/api/v1/orders", "201")); got != 1 {
		t.Fatalf("expected one request, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.inflight); got != 1 {
		t.Fatalf("expected one request in flight, got %f", got)
	}

	metrics.RecordRequest("GET", "", 404, time.Millisecond)
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched route label, got %f", got)
	}
	if got := testutil.CollectAndCount(metrics.duration); got != 2 {
		t.Fatalf("expected two duration series, got %d", got)
	}
}

func TestHTTPMetrics_NilSafe(t *testing.T) {
	var metrics *HTTPMetrics
	metrics.RequestStarted()
	metrics.RecordRequest("GET", "/", 200, time.Millisecond)
}
