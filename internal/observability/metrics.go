package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridechain", Name: "actions_total", Help: "Mutating actions by outcome"},
		[]string{"action", "outcome"},
	)
	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridechain",
			Name:      "action_duration_seconds",
			Help:      "Time from submission to known outcome",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	ActionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridechain", Name: "actions_in_flight", Help: "Actions awaiting ledger confirmation"})

	LedgerReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridechain", Name: "ledger_reads_total", Help: "Ledger reads by query and outcome"},
		[]string{"query", "outcome"},
	)
	LedgerReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridechain",
			Name:      "ledger_read_duration_seconds",
			Help:      "Ledger read latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	SessionsOpen  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridechain", Name: "sessions_open", Help: "Open participant sessions"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridechain", Name: "events_dropped_total", Help: "Ride events that failed to publish"})
	StreamsOpen   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridechain", Name: "ws_streams_open", Help: "Connected websocket streams"})
	StaleMarks    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridechain", Name: "stale_marks_total", Help: "Keys marked stale after an unknown outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridechain", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridechain",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// GinMetrics records request counts and latency per route template.
func GinMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
