package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal tracks completed requests by route, method and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration tracks end-to-end request duration by route.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restgate_request_duration_seconds",
			Help:    "Request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// CacheHits tracks response cache hits by route.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"route"},
	)

	// CacheMisses tracks response cache misses by route.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"route"},
	)

	// CacheEvictions tracks entries evicted by per-value caps or the sweep.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"route", "reason"}, // reason: "capacity", "expired"
	)

	// CacheEntries tracks the live entry count per route.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "restgate_cache_entries",
			Help: "Current number of live cache entries",
		},
		[]string{"route"},
	)

	// UpstreamErrors tracks failed upstream calls by route and class.
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_upstream_errors_total",
			Help: "Total number of failed upstream calls",
		},
		[]string{"route", "class"}, // class: "timeout", "transport"
	)
)

// Handler returns the Prometheus scrape handler for the admin listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records a completed request.
func RecordRequest(route, method string, statusCode int, duration time.Duration) {
	RequestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
