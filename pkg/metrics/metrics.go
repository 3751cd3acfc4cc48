// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests handled, by path and status",
	}, []string{"service", "method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"service", "method", "path"})

	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_requests_total",
		Help: "Outbound requests to external data providers",
	}, []string{"provider", "endpoint"})

	providerCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_cache_hits_total",
		Help: "Provider cache hits, by provider",
	}, []string{"provider"})

	enrichmentErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichment_errors_total",
		Help: "Isolated enrichment errors, by stage",
	}, []string{"stage"})
)

// Middleware records per-request counters and latency.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		httpRequestsTotal.WithLabelValues(serviceName, c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(serviceName, c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordProviderRequest counts one outbound request to an external provider.
func RecordProviderRequest(provider, endpoint string) {
	providerRequestsTotal.WithLabelValues(provider, endpoint).Inc()
}

// RecordProviderCacheHit counts one provider cache hit.
func RecordProviderCacheHit(provider string) {
	providerCacheHitsTotal.WithLabelValues(provider).Inc()
}

// RecordEnrichmentError counts one isolated enrichment failure.
func RecordEnrichmentError(stage string) {
	enrichmentErrorsTotal.WithLabelValues(stage).Inc()
}
