// Package ratelimit provides per-zone rate limiting middleware for the gateway.
//
// Each zone tracks a token bucket per client IP. Zones are independent, so a
// client burning through the auth zone budget can still browse products.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
)

// Config configures a rate-limit zone.
type Config struct {
	// Zone names the limit in logs and metrics (e.g. "general", "auth", "api").
	Zone string
	// RequestsPerSecond is the sustained rate allowed per client IP.
	RequestsPerSecond int
	// BurstSize allows brief bursts above the sustained rate.
	// Zero means BurstSize = RequestsPerSecond.
	BurstSize int
	// CleanupInterval is how often to drop idle client entries.
	CleanupInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.BurstSize <= 0 {
		c.BurstSize = c.RequestsPerSecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// Limiter tracks one zone's per-client token buckets.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	now     func() time.Time // overridable in tests
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a rate limiter for one zone and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	cfg.withDefaults()
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow checks if a request from the given client should be allowed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(l.cfg.RequestsPerSecond)

	// Cap at burst size
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			metrics.RateLimitedTotal.WithLabelValues(l.cfg.Zone).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}

		c.Next()
	}
}

// ConcurrencyCap returns middleware that caps the number of in-flight
// requests. Requests beyond the cap are rejected with 503 rather than queued,
// so a slow backend cannot pile up connections in the gateway.
func ConcurrencyCap(limit int) gin.HandlerFunc {
	sem := make(chan struct{}, limit)
	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			metrics.ActiveConnections.Inc()
			defer func() {
				metrics.ActiveConnections.Dec()
				<-sem
			}()
			c.Next()
		default:
			metrics.RateLimitedTotal.WithLabelValues("concurrency").Inc()
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "too_many_connections",
				"message": "Connection limit reached. Try again shortly.",
			})
		}
	}
}
