// Package metrics provides Prometheus instrumentation for the ShopFDS platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopfds",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Gateway metrics ---

	// UpstreamRequestsTotal counts proxied requests by upstream group and status bucket.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "upstream_requests_total",
			Help:      "Total proxied requests by upstream group, target, and status bucket.",
		},
		[]string{"group", "target", "status"},
	)

	// UpstreamLatency observes backend round-trip time by group.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopfds",
			Name:      "upstream_latency_seconds",
			Help:      "Backend round-trip latency by upstream group.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"group"},
	)

	// UpstreamHealthy tracks health-check state per target (1 healthy, 0 down).
	UpstreamHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shopfds",
			Name:      "upstream_healthy",
			Help:      "Health check state per upstream target (1 healthy, 0 down).",
		},
		[]string{"group", "target"},
	)

	// ActiveConnections tracks in-flight proxied requests.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds",
		Name:      "active_connections",
		Help:      "Number of in-flight proxied requests.",
	})

	// RateLimitedTotal counts rejected requests by rate-limit zone.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by rate limiting, by zone.",
		},
		[]string{"zone"},
	)

	// CacheTotal counts response cache outcomes.
	CacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "response_cache_total",
			Help:      "Response cache lookups by outcome (hit, miss, bypass).",
		},
		[]string{"outcome"},
	)

	// --- FDS metrics ---

	// DecisionsTotal counts fraud decisions by outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "decisions_total",
			Help:      "Total fraud decisions by outcome (approve, review, deny).",
		},
		[]string{"decision"},
	)

	// RiskScore observes the distribution of computed risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shopfds",
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// EvaluationDuration observes end-to-end transaction evaluation time.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shopfds",
		Name:      "evaluation_duration_seconds",
		Help:      "End-to-end transaction evaluation time in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .075, .1, .25, .5, 1},
	})

	// CTILookupsTotal counts threat-intel lookups by provider and result.
	CTILookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "cti_lookups_total",
			Help:      "Threat-intel lookups by provider and result (hit, miss, timeout, error, cached).",
		},
		[]string{"provider", "result"},
	)

	// BlacklistHitsTotal counts evaluations short-circuited by the blacklist.
	BlacklistHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shopfds",
		Name:      "blacklist_hits_total",
		Help:      "Total evaluations denied by a blacklist match.",
	})

	// RuleMatchesTotal counts rule-engine matches by rule ID.
	RuleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "rule_matches_total",
			Help:      "Total rule engine matches by rule.",
		},
		[]string{"rule"},
	)

	// ReviewQueueDepth tracks pending items awaiting manual review.
	ReviewQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds",
		Name:      "review_queue_depth",
		Help:      "Number of decisions pending manual review.",
	})

	// DecisionPublishTotal counts decision event publishes by result.
	DecisionPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopfds",
			Name:      "decision_publish_total",
			Help:      "Decision event publishes by result (ok, error).",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shopfds",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopfds", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamRequestsTotal,
		UpstreamLatency,
		UpstreamHealthy,
		ActiveConnections,
		RateLimitedTotal,
		CacheTotal,
		DecisionsTotal,
		RiskScore,
		EvaluationDuration,
		CTILookupsTotal,
		BlacklistHitsTotal,
		RuleMatchesTotal,
		ReviewQueueDepth,
		DecisionPublishTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			StatusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StatusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
