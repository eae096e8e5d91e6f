package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func collect(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for m := range ch {
		pb := &dto.Metric{}
		if err := m.Write(pb); err == nil {
			out = append(out, pb)
		}
	}
	return out
}

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ms := collect(c)
	if len(ms) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(ms))
	}
	switch m := ms[0]; {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("api", "GET", 200, "done", 100*time.Millisecond)
	c.RecordRequest("api", "GET", 200, "done", 200*time.Millisecond)
	c.RecordRequest("api", "POST", 500, "aborted", 50*time.Millisecond)
	c.RecordRequest("", "GET", 404, "aborted", time.Millisecond)

	if got := value(t, c.requests.WithLabelValues("api", "GET", "200", "done")); got != 2 {
		t.Errorf("expected 2 GET 200 requests, got %v", got)
	}
	if got := value(t, c.requests.WithLabelValues("api", "POST", "500", "aborted")); got != 1 {
		t.Errorf("expected 1 POST 500 request, got %v", got)
	}
	if got := value(t, c.requests.WithLabelValues("none", "GET", "404", "aborted")); got != 1 {
		t.Errorf("routing misses should be labelled none, got %v", got)
	}
	if n := len(collect(c.duration)); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordFilter("auth", "prefilter", "served")
	c.RecordViolation("auth", "write_then_next")
	c.RecordRateLimit("hourly", true)
	c.RecordRateLimit("hourly", false)
	c.RecordRateLimit("hourly", false)
	c.RecordReload(true)
	c.RecordReload(false)
	c.SetSnapshotVersion(7)

	if got := value(t, c.filterOutcomes.WithLabelValues("auth", "prefilter", "served")); got != 1 {
		t.Errorf("filter outcome = %v", got)
	}
	if got := value(t, c.violations.WithLabelValues("auth", "write_then_next")); got != 1 {
		t.Errorf("violations = %v", got)
	}
	if got := value(t, c.rateLimit.WithLabelValues("hourly", "denied")); got != 2 {
		t.Errorf("denied = %v", got)
	}
	if got := value(t, c.reloads.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed reloads = %v", got)
	}
	if got := value(t, c.snapshotVersion); got != 7 {
		t.Errorf("snapshot version = %v", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordRequest("api", "GET", 200, "done", time.Second)
	c.RecordBackend("api", time.Second)
	c.RecordFilter("f", "prefilter", "next")
	c.RecordViolation("f", "x")
	c.RecordRateLimit("f", true)
	c.RecordReload(true)
	c.SetSnapshotVersion(1)
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("api", "GET", 200, "done", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		"# TYPE portico_http_requests_total counter",
		`portico_http_requests_total{method="GET",provider="api",state="done",status="200"} 1`,
		"portico_http_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}
