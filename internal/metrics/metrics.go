// Package metrics holds the process's Prometheus collectors. Every
// collector registers against a private registry so tests can construct
// as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the full collector set.
type Metrics struct {
	registry *prometheus.Registry

	// Requests counts dispatched JSON-RPC requests by method and status
	// (ok | error | notification).
	Requests *prometheus.CounterVec

	// CacheLookups counts hits and misses for the in-process caches
	// (cache: code | permission, result: hit | miss).
	CacheLookups *prometheus.CounterVec

	// RateLimitDenials counts limiter rejections by scope.
	RateLimitDenials *prometheus.CounterVec

	// SandboxDuration observes wall-clock execution time per call.
	SandboxDuration prometheus.Histogram

	// CallLogDepth tracks the call logger's queue occupancy.
	CallLogDepth prometheus.Gauge

	// CallLogDropped counts audit rows lost to a full queue.
	CallLogDropped prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_requests_total",
				Help: "JSON-RPC requests dispatched, by method and outcome",
			},
			[]string{"method", "status"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_cache_lookups_total",
				Help: "In-process cache lookups by cache name and result",
			},
			[]string{"cache", "result"},
		),

		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_rate_limit_denials_total",
				Help: "Requests rejected by the rate limiter, by scope",
			},
			[]string{"scope"},
		),

		SandboxDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mcp_sandbox_duration_seconds",
				Help:    "Sandbox execution wall-clock time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		CallLogDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcp_call_log_queue_depth",
				Help: "Audit rows waiting in the call logger queue",
			},
		),

		CallLogDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcp_call_log_dropped_total",
				Help: "Audit rows dropped because the queue was full",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnCacheLookup adapts a named cache's lookup callback to the counter.
func (m *Metrics) OnCacheLookup(cache string) func(hit bool) {
	hits := m.CacheLookups.WithLabelValues(cache, "hit")
	misses := m.CacheLookups.WithLabelValues(cache, "miss")
	return func(hit bool) {
		if hit {
			hits.Inc()
		} else {
			misses.Inc()
		}
	}
}
