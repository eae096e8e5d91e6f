package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portico"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics on its own Prometheus registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry
	handler  http.Handler

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	backend         *prometheus.HistogramVec
	filterOutcomes  *prometheus.CounterVec
	violations      *prometheus.CounterVec
	rateLimit       *prometheus.CounterVec
	reloads         *prometheus.CounterVec
	snapshotVersion prometheus.Gauge
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the gateway's own.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of dispatched requests.",
		}, []string{"provider", "method", "status", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds from routing to the last byte written.",
			Buckets:   DefaultBuckets,
		}, []string{"provider"}),
		backend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "duration_seconds",
			Help:      "Duration in seconds of the backend round trip.",
			Buckets:   DefaultBuckets,
		}, []string{"provider"}),
		filterOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "outcomes_total",
			Help:      "Filter invocations by outcome.",
		}, []string{"filter", "phase", "outcome"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "contract_violations_total",
			Help:      "Filters that broke the response contract.",
		}, []string{"filter", "violation"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by filter.",
		}, []string{"filter", "decision"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reload attempts.",
		}, []string{"result"}),
		snapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "snapshot_version",
			Help:      "Version of the active configuration snapshot.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.duration,
		c.backend,
		c.filterOutcomes,
		c.violations,
		c.rateLimit,
		c.reloads,
		c.snapshotVersion,
	)
	c.handler = promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return c
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler { return c.handler }

// RecordRequest records a completed request. provider is empty for
// routing misses.
func (c *Collector) RecordRequest(provider, method string, statusCode int, state string, duration time.Duration) {
	if c == nil {
		return
	}
	if provider == "" {
		provider = "none"
	}
	c.requests.WithLabelValues(provider, method, strconv.Itoa(statusCode), state).Inc()
	c.duration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordBackend records the duration of a backend round trip.
func (c *Collector) RecordBackend(provider string, duration time.Duration) {
	if c == nil {
		return
	}
	c.backend.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFilter records one filter invocation.
func (c *Collector) RecordFilter(filter, phase, outcome string) {
	if c == nil {
		return
	}
	c.filterOutcomes.WithLabelValues(filter, phase, outcome).Inc()
}

// RecordViolation records a filter contract violation.
func (c *Collector) RecordViolation(filter, violation string) {
	if c == nil {
		return
	}
	c.violations.WithLabelValues(filter, violation).Inc()
}

// RecordRateLimit records a rate limit decision.
func (c *Collector) RecordRateLimit(filter string, allowed bool) {
	if c == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.rateLimit.WithLabelValues(filter, decision).Inc()
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(success bool) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// SetSnapshotVersion records the version of the published snapshot.
func (c *Collector) SetSnapshotVersion(v uint64) {
	if c == nil {
		return
	}
	c.snapshotVersion.Set(float64(v))
}
