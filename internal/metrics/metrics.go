// Package metrics exposes the Prometheus counters/gauges/histogram for one
// offloadd instance, in the same promauto style the rest of the stack
// uses for instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge/histogram this server exports. New
// returns one bound to its own registry so tests can create independent
// instances without colliding on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	DupesRejectedTotal prometheus.Counter
	OriginErrorsTotal  prometheus.Counter
	BytesServedTotal   prometheus.Counter
	FetchesInFlight    prometheus.Gauge
	FetchDuration      prometheus.Histogram
}

// New builds a Metrics instance registered against its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "offloadd_requests_total",
			Help: "Total requests handled by the offload frontend.",
		}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "offloadd_cache_hits_total",
			Help: "Requests served from an already-fresh cache entry.",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "offloadd_cache_misses_total",
			Help: "Requests that required a refetch from the origin.",
		}),
		DupesRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "offloadd_duplicate_downloads_rejected_total",
			Help: "Requests rejected by the duplicate-download limiter.",
		}),
		OriginErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "offloadd_origin_errors_total",
			Help: "Origin HEAD/GET calls that failed or returned a non-200/401 status.",
		}),
		BytesServedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "offloadd_bytes_served_total",
			Help: "Total response body bytes streamed to clients.",
		}),
		FetchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "offloadd_fetches_in_flight",
			Help: "Number of origin fetches currently filling the cache.",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "offloadd_fetch_duration_seconds",
			Help:    "Time spent pulling one object from the origin into the cache.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns the HTTP handler serving this instance's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
