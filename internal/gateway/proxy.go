package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cache"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/logging"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/upstream"
)

// hopByHopHeaders are stripped before forwarding in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyResult is a forwarded upstream response held in memory so it can be
// retried against another target, written to the client, and cached.
type ProxyResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Target     string
	FromCache  bool
	LatencyMs  int64
}

// Proxy forwards the request to a healthy target in the route's pool.
// It consults the response cache first, then walks up to MaxAttempts
// targets, skipping any with an open circuit.
func (s *Service) Proxy(ctx context.Context, route Route, req *http.Request, clientIP, scheme string) (*ProxyResult, error) {
	if route.Cache && s.cache != nil && cache.Cacheable(req.Method, http.StatusOK) {
		key := cache.Key(scheme, req.Method, req.Host, req.URL.RequestURI())
		if entry, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			metrics.CacheTotal.WithLabelValues("hit").Inc()
			return &ProxyResult{
				StatusCode: entry.StatusCode,
				Header:     entry.Header,
				Body:       entry.Body,
				FromCache:  true,
			}, nil
		}
		metrics.CacheTotal.WithLabelValues("miss").Inc()
	} else {
		metrics.CacheTotal.WithLabelValues("bypass").Inc()
	}

	pool, ok := s.pools[route.Group]
	if !ok {
		return nil, ErrNoUpstream
	}

	// Buffer the body so a failed target can be retried with the same bytes.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(req.Body, maxRequestBody+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read request body: %v", ErrRequestRejected, err)
		}
		if len(body) > maxRequestBody {
			return nil, fmt.Errorf("%w: request body too large", ErrRequestRejected)
		}
	}

	attempts := MaxAttempts
	if n, _ := pool.HealthySummary(); n < attempts {
		attempts = n
	}
	if attempts == 0 {
		return nil, ErrNoUpstream
	}

	var lastErr error
	tried := make(map[string]bool, attempts)

	for i := 0; i < attempts; i++ {
		target, err := pool.Pick(clientIP)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, lastErr)
			}
			return nil, ErrNoUpstream
		}
		if tried[target.Addr] {
			continue
		}
		tried[target.Addr] = true

		if !s.breaker.Allow(target.Addr) {
			lastErr = fmt.Errorf("%w: %s", ErrCircuitOpen, target.Addr)
			continue
		}

		result, err := s.forward(ctx, route, target, req, body, clientIP, scheme)
		if err != nil {
			s.breaker.RecordFailure(target.Addr)
			lastErr = err
			logging.L(ctx).Warn("upstream attempt failed",
				"group", route.Group, "target", target.Addr, "error", err)
			continue
		}
		s.breaker.RecordSuccess(target.Addr)

		if route.Cache && s.cache != nil && cache.Cacheable(req.Method, result.StatusCode) {
			key := cache.Key(scheme, req.Method, req.Host, req.URL.RequestURI())
			entry := &cache.Entry{
				StatusCode: result.StatusCode,
				Header:     result.Header,
				Body:       result.Body,
				StoredAt:   time.Now(),
			}
			if err := s.cache.Set(ctx, key, entry, s.cacheTTL); err != nil {
				logging.L(ctx).Warn("response cache store failed", "error", err)
			}
		}

		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoUpstream
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, lastErr)
}

// forward sends one attempt to one target and buffers the response.
func (s *Service) forward(ctx context.Context, route Route, target *upstream.Target, req *http.Request, body []byte, clientIP, scheme string) (*ProxyResult, error) {
	u := target.URL()
	u.Path = req.URL.Path
	u.RawQuery = req.URL.RawQuery

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	copyHeaders(outReq.Header, req.Header)
	outReq.Host = req.Host
	outReq.Header.Set("X-Real-IP", clientIP)
	outReq.Header.Set("X-Forwarded-Proto", scheme)
	appendForwardedFor(outReq.Header, req.Header.Get("X-Forwarded-For"), clientIP)

	target.StartRequest()
	start := time.Now()
	resp, err := s.client.Do(outReq)
	latency := time.Since(start)
	if err != nil {
		target.EndRequest(false)
		metrics.UpstreamRequestsTotal.WithLabelValues(route.Group, target.Addr, "error").Inc()
		return nil, fmt.Errorf("forward to %s: %w", target.Addr, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		target.EndRequest(false)
		metrics.UpstreamRequestsTotal.WithLabelValues(route.Group, target.Addr, "error").Inc()
		return nil, fmt.Errorf("read response from %s: %w", target.Addr, err)
	}
	if len(respBody) > maxResponseSize {
		target.EndRequest(false)
		return nil, fmt.Errorf("%w: %s", ErrResponseTooBig, target.Addr)
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(
		route.Group, target.Addr, metrics.StatusBucket(resp.StatusCode)).Inc()
	metrics.UpstreamLatency.WithLabelValues(route.Group).Observe(latency.Seconds())

	// 5xx counts as a failed attempt so the next candidate gets a shot.
	if resp.StatusCode >= 500 {
		target.EndRequest(false)
		return nil, fmt.Errorf("target %s returned HTTP %d", target.Addr, resp.StatusCode)
	}
	target.EndRequest(true)

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	return &ProxyResult{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
		Target:     target.Addr,
		LatencyMs:  latency.Milliseconds(),
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func appendForwardedFor(dst http.Header, existing, clientIP string) {
	if existing != "" {
		dst.Set("X-Forwarded-For", existing+", "+clientIP)
		return
	}
	dst.Set("X-Forwarded-For", clientIP)
}
