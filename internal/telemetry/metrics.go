// Package telemetry registers the prometheus metrics surface described in
// SPEC_FULL.md's DOMAIN MODULE ADDITIONS, grounded on the teacher's
// MetricsCollector shape (counters/gauges/vecs registered once, plain
// Set/Inc/Observe methods called from the hot path).
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetscrape"

// Collector holds every metric the orchestration core exposes.
type Collector struct {
	SessionsActive prometheus.Gauge
	SessionsCap    prometheus.Gauge

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheBytesSaved prometheus.Counter

	DistributorMatched   prometheus.Counter
	DistributorUnmatched prometheus.Counter

	RetryTotal *prometheus.CounterVec // label: class

	ProxyBlockedTotal *prometheus.CounterVec // label: domain

	BatchDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New builds and registers a fresh Collector against its own registry, so
// multiple invocations in tests never collide with prometheus's default
// global registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Currently tracked live sessions.",
		}),
		SessionsCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_cap", Help: "Configured global session cap.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Request cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Request cache misses.",
		}),
		CacheBytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_bytes_saved_total", Help: "Bytes served from cache instead of network.",
		}),
		DistributorMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "distributor_matched_total", Help: "Targets matched to a session by the distributor.",
		}),
		DistributorUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "distributor_unmatched_total", Help: "Targets left unmatched by the distributor.",
		}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_total", Help: "Classified failures by class.",
		}, []string{"class"}),
		ProxyBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_blocked_total", Help: "Proxies added to a site's blocklist.",
		}, []string{"domain"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "engine_batch_duration_seconds", Help: "Wall-clock duration of one engine batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		c.SessionsActive, c.SessionsCap,
		c.CacheHits, c.CacheMisses, c.CacheBytesSaved,
		c.DistributorMatched, c.DistributorUnmatched,
		c.RetryTotal, c.ProxyBlockedTotal, c.BatchDuration,
	)
	return c
}

// Handler returns the promhttp handler for this Collector's own registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveBatch records one engine batch's wall-clock duration.
func (c *Collector) ObserveBatch(d time.Duration) {
	c.BatchDuration.Observe(d.Seconds())
}

// defaultOnce guards the package-level default collector.
var (
	defaultCollector *Collector
	defaultOnce      sync.Once
)

// Default returns a process-wide Collector, built on first use.
func Default() *Collector {
	defaultOnce.Do(func() { defaultCollector = New() })
	return defaultCollector
}
