package fds

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/health"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/idgen"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/logging"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/realtime"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/rules"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/security"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/validation"
)

// RouterConfig carries the decision service's HTTP policy knobs.
type RouterConfig struct {
	InternalCIDRs []string
}

// Handler exposes the decision service over HTTP.
type Handler struct {
	service   *Service
	hub       *realtime.Hub
	checks    *health.Registry
	logger    *slog.Logger
	startedAt time.Time
}

// NewHandler creates the decision service HTTP handler.
func NewHandler(service *Service, hub *realtime.Hub, checks *health.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		hub:       hub,
		checks:    checks,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Router assembles the gin engine for the decision service.
func (h *Handler) Router(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.requestContext())
	r.Use(security.HeadersMiddleware())
	r.Use(metrics.Middleware())
	r.Use(validation.RequestSizeMiddleware(1 << 20))

	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/v1")
	{
		fdsGroup := v1.Group("/fds")
		{
			fdsGroup.POST("/evaluate", h.EvaluateTransaction)
			fdsGroup.GET("/decisions", h.ListDecisions)
			fdsGroup.GET("/decisions/:id", h.GetDecision)
			fdsGroup.GET("/ws", h.WebSocket)
		}

		v1.GET("/review-queue", h.ListReviews)
		v1.POST("/review-queue/:id/resolve", h.ResolveReview)

		v1.GET("/rules", h.ListRules)
		v1.POST("/rules", h.CreateRule)
		v1.PUT("/rules/:id", h.UpdateRule)
		v1.DELETE("/rules/:id", h.DeleteRule)
	}

	// Dashboard backends connect here directly, bypassing the gateway.
	r.GET("/ws", h.WebSocket)

	internal := r.Group("/internal/fds")
	internal.Use(security.AllowCIDRs(cfg.InternalCIDRs))
	{
		internal.GET("/stats", h.Stats)
		internal.GET("/blacklist", h.ListBlacklist)
		internal.POST("/blacklist", h.AddBlacklist)
		internal.DELETE("/blacklist/:kind/:value", h.RemoveBlacklist)
	}

	return r
}

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

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, rules.ErrBadRule),
		errors.Is(err, rules.ErrBadAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, rules.ErrCompile), errors.Is(err, rules.ErrNotBoolean):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expression", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// EvaluateTransaction handles POST /v1/fds/evaluate.
func (h *Handler) EvaluateTransaction(c *gin.Context) {
	var tx Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if tx.IP != "" && !validation.IsValidIP(tx.IP) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "ip is not a valid address"})
		return
	}
	if tx.Currency != "" && !validation.IsValidCurrency(tx.Currency) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "currency must be a 3-letter code"})
		return
	}
	if tx.Country != "" && !validation.IsValidCountry(tx.Country) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "country must be a 2-letter code"})
		return
	}

	decision, err := h.service.Evaluate(c.Request.Context(), &tx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// GetDecision handles GET /v1/fds/decisions/:id.
func (h *Handler) GetDecision(c *gin.Context) {
	decision, err := h.service.Decision(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// ListDecisions handles GET /v1/fds/decisions?userId=&limit=&cursor=.
func (h *Handler) ListDecisions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	decisions, next, err := h.service.Decisions(c.Request.Context(), c.Query("userId"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if decisions == nil {
		decisions = []*Decision{}
	}
	resp := gin.H{"decisions": decisions, "count": len(decisions)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// WebSocket handles GET /v1/fds/ws, upgrading to the live decision feed.
func (h *Handler) WebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

// ListBlacklist handles GET /internal/fds/blacklist?kind=.
func (h *Handler) ListBlacklist(c *gin.Context) {
	entries, err := h.service.Blacklist(c.Request.Context(), c.Query("kind"))
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*BlacklistEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// AddBlacklist handles POST /internal/fds/blacklist.
func (h *Handler) AddBlacklist(c *gin.Context) {
	var entry BlacklistEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.service.AddBlacklist(c.Request.Context(), &entry); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// RemoveBlacklist handles DELETE /internal/fds/blacklist/:kind/:value.
func (h *Handler) RemoveBlacklist(c *gin.Context) {
	if err := h.service.RemoveBlacklist(c.Request.Context(), c.Param("kind"), c.Param("value")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListReviews handles GET /v1/review-queue?status=&limit=.
func (h *Handler) ListReviews(c *gin.Context) {
	status := c.DefaultQuery("status", ReviewPending)
	if status == "all" {
		status = ""
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.service.Reviews(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []*ReviewItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

type resolveReviewRequest struct {
	Verdict  string `json:"verdict" binding:"required"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

// ResolveReview handles POST /v1/review-queue/:id/resolve.
func (h *Handler) ResolveReview(c *gin.Context) {
	var req resolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	item, err := h.service.ResolveReview(c.Request.Context(), c.Param("id"), req.Verdict, req.Reviewer, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ListRules handles GET /v1/rules.
func (h *Handler) ListRules(c *gin.Context) {
	installed := h.service.Rules()
	c.JSON(http.StatusOK, gin.H{"rules": installed, "count": len(installed)})
}

// CreateRule handles POST /v1/rules.
func (h *Handler) CreateRule(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	r.ID = ""
	if err := h.service.UpsertRule(c.Request.Context(), &r); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// UpdateRule handles PUT /v1/rules/:id.
func (h *Handler) UpdateRule(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	r.ID = c.Param("id")
	if err := h.service.UpsertRule(c.Request.Context(), &r); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// DeleteRule handles DELETE /v1/rules/:id.
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.service.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stats handles GET /internal/fds/stats.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	stats["uptimeSeconds"] = int(time.Since(h.startedAt).Seconds())
	c.JSON(http.StatusOK, stats)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "fds",
		"uptime":  int(time.Since(h.startedAt).Seconds()),
	})
}

// Live handles GET /health/live.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /health/ready.
func (h *Handler) Ready(c *gin.Context) {
	if h.checks != nil {
		healthy, statuses := h.checks.CheckAll(c.Request.Context())
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
