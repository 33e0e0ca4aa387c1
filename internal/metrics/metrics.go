// Package metrics holds the console's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignIns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetdesk_sign_in_total",
		Help: "Sign-in attempts by result.",
	}, []string{"result"})

	SignOuts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetdesk_sign_out_total",
		Help: "Sign-outs by mode (normal, forced) and provider outcome.",
	}, []string{"mode", "provider"})

	SessionInitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetdesk_session_init_timeouts_total",
		Help: "Session initialisations ended by the watchdog.",
	})

	PermissionResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetdesk_permission_resolutions_total",
		Help: "Permission resolutions by source of the final set.",
	}, []string{"source"})

	PermissionFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetdesk_permission_fetch_duration_seconds",
		Help:    "Latency of individual per-user permission fetch attempts.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"outcome"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

var initOnce sync.Once

// Init registers every collector with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			SignIns, SignOuts, SessionInitTimeouts,
			PermissionResolutions, PermissionFetchDuration,
			httpInFlight, httpRequestsTotal, httpRequestDuration,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count and latency labelled by route template.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpInFlight.Dec()
	}
}
