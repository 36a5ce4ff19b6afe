package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "Total number of HTTP requests by route.",
		},
		[]string{"method", "path", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	progressStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_http_progress_streams",
			Help: "Number of open progress event streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, progressStreams)
}

// instrument counts and times requests. The path label is the chi route
// pattern, resolved once routing has run, so job IDs never become labels.
func instrument(next http.Handler) http.Handler {
	path := promhttp.WithLabelFromCtx("path", routePattern)
	counted := promhttp.InstrumentHandlerCounter(httpRequestsTotal, next, path)
	return promhttp.InstrumentHandlerDuration(httpRequestDuration, counted, path)
}

func routePattern(ctx context.Context) string {
	if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}
