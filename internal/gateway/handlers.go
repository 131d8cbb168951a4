package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/health"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/idgen"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/logging"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/ratelimit"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/security"
)

// RouterConfig carries the edge policy knobs for the gateway router.
type RouterConfig struct {
	GeneralRate   int
	AuthRate      int
	APIRate       int
	MaxConcurrent int
	InternalCIDRs []string
	HSTSMaxAge    int // 0 disables the header (plain HTTP deployments)
}

// Handler provides the gateway's HTTP surface: the proxy itself plus the
// status, health, and metrics endpoints.
type Handler struct {
	service   *Service
	zones     map[string]*ratelimit.Limiter
	internal  []*net.IPNet
	checks    *health.Registry
	logger    *slog.Logger
	startedAt time.Time
}

// NewHandler creates a gateway handler with one rate limiter per zone.
func NewHandler(service *Service, cfg RouterConfig, checks *health.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		zones: map[string]*ratelimit.Limiter{
			ZoneGeneral: ratelimit.New(ratelimit.Config{Zone: ZoneGeneral, RequestsPerSecond: cfg.GeneralRate}),
			ZoneAuth:    ratelimit.New(ratelimit.Config{Zone: ZoneAuth, RequestsPerSecond: cfg.AuthRate}),
			ZoneAPI:     ratelimit.New(ratelimit.Config{Zone: ZoneAPI, RequestsPerSecond: cfg.APIRate}),
		},
		internal:  security.ParseCIDRs(cfg.InternalCIDRs),
		checks:    checks,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Stop releases the zone limiters' cleanup goroutines.
func (h *Handler) Stop() {
	for _, l := range h.zones {
		l.Stop()
	}
}

// Router assembles the TLS-side gin engine.
func (h *Handler) Router(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.requestContext())
	r.Use(security.HeadersMiddleware())
	if cfg.HSTSMaxAge > 0 {
		r.Use(security.HSTSMiddleware(cfg.HSTSMaxAge))
	}
	r.Use(metrics.Middleware())
	r.Use(ratelimit.ConcurrencyCap(cfg.MaxConcurrent))

	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
	r.GET("/metrics", metrics.Handler())
	r.GET("/api/upstream", h.UpstreamStatus)

	// Everything else is proxy traffic.
	r.NoRoute(h.ProxyRequest)

	return r
}

// RedirectRouter builds the plain-HTTP listener, which only answers
// with a permanent redirect to the HTTPS origin.
func RedirectRouter(httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		target := "https://" + host
		if httpsPort != "" && httpsPort != "443" {
			target += ":" + httpsPort
		}
		target += r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// requestContext tags each request with an ID and a scoped logger.
func (h *Handler) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", reqID)

		ctx := logging.WithRequestID(c.Request.Context(), reqID)
		ctx = logging.WithLogger(ctx, h.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ProxyRequest resolves the route, applies its edge policy, and forwards.
func (h *Handler) ProxyRequest(c *gin.Context) {
	route, ok := Resolve(c.Request.URL.Path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route matches the request path",
		})
		return
	}

	clientIP := c.ClientIP()

	if route.Internal && !security.IPAllowed(clientIP, h.internal) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "This route is restricted to internal clients",
		})
		return
	}

	limiter, ok := h.zones[route.Zone]
	if !ok {
		limiter = h.zones[ZoneGeneral]
	}
	if !limiter.Allow(clientIP) {
		metrics.RateLimitedTotal.WithLabelValues(route.Zone).Inc()
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": 1,
		})
		return
	}

	scheme := "https"
	if c.Request.TLS == nil {
		scheme = "http"
	}

	result, err := h.service.Proxy(c.Request.Context(), route, c.Request, clientIP, scheme)
	if err != nil {
		h.writeProxyError(c, route, err)
		return
	}

	for key, values := range result.Header {
		if key == "Content-Type" || key == "Content-Length" {
			continue // c.Data sets these
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	if route.Cache {
		if result.FromCache {
			c.Header("X-Cache", "HIT")
		} else {
			c.Header("X-Cache", "MISS")
		}
	}
	c.Data(result.StatusCode, result.Header.Get("Content-Type"), result.Body)
}

func (h *Handler) writeProxyError(c *gin.Context, route Route, err error) {
	logging.L(c.Request.Context()).Error("proxy failed",
		"group", route.Group, "path", c.Request.URL.Path, "error", err)

	switch {
	case errors.Is(err, ErrNoUpstream):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "no_upstream_available",
			"message": "No healthy backend is available for this route",
		})
	case errors.Is(err, ErrRequestRejected):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "request_too_large",
			"message": "Request body exceeds the gateway limit",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "bad_gateway",
			"message": "The upstream service failed to answer",
		})
	}
}

// UpstreamStatus reports per-target pool state.
func (h *Handler) UpstreamStatus(c *gin.Context) {
	pools := h.service.PoolStatuses()

	groups := make([]gin.H, 0, len(pools))
	for _, route := range []string{GroupEcommerce, GroupFDS, GroupML, GroupDashboard} {
		statuses, ok := pools[route]
		if !ok {
			continue
		}
		pool, _ := h.service.Pool(route)
		groups = append(groups, gin.H{
			"group":     route,
			"algorithm": pool.Algorithm(),
			"targets":   statuses,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
		"groups": groups,
	})
}

// Health reports aggregate health of the gateway and its subsystems.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := h.checks.CheckAll(ctx)
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy,
		"checks":  statuses,
	})
}

// Live is the liveness probe: the process is up and serving.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready is the readiness probe: every group has somewhere to send traffic.
func (h *Handler) Ready(c *gin.Context) {
	if !h.service.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
