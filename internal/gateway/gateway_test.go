package gateway

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cache"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/health"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		path      string
		wantGroup string
		wantZone  string
		wantOK    bool
	}{
		{"/v1/auth/login", GroupEcommerce, ZoneAuth, true},
		{"/v1/auth", GroupEcommerce, ZoneAuth, true},
		{"/v1/products", GroupEcommerce, ZoneGeneral, true},
		{"/v1/products/42", GroupEcommerce, ZoneGeneral, true},
		{"/v1/cart/items", GroupEcommerce, ZoneGeneral, true},
		{"/v1/orders/ord_1", GroupEcommerce, ZoneGeneral, true},
		{"/v1/fds/evaluate", GroupFDS, ZoneAPI, true},
		{"/internal/fds/stats", GroupFDS, ZoneAPI, true},
		{"/v1/review-queue", GroupFDS, ZoneAPI, true},
		{"/v1/rules/rule_9", GroupFDS, ZoneAPI, true},
		{"/v1/ml/score", GroupML, ZoneAPI, true},
		{"/v1/dashboard/summary", GroupDashboard, ZoneGeneral, true},
		{"/v1/fdsomething", "", "", false},
		{"/v2/products", "", "", false},
		{"/", "", "", false},
	}

	for _, tt := range tests {
		route, ok := Resolve(tt.path)
		if ok != tt.wantOK {
			t.Errorf("Resolve(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if route.Group != tt.wantGroup || route.Zone != tt.wantZone {
			t.Errorf("Resolve(%q) = %s/%s, want %s/%s", tt.path, route.Group, route.Zone, tt.wantGroup, tt.wantZone)
		}
	}
}

func TestInternalRouteFlagged(t *testing.T) {
	route, ok := Resolve("/internal/fds/stats")
	require.True(t, ok)
	assert.True(t, route.Internal)

	route, ok = Resolve("/v1/fds/evaluate")
	require.True(t, ok)
	assert.False(t, route.Internal)
}

// newTestGateway wires a gateway in front of the given backend with every
// group pointed at it.
func newTestGateway(t *testing.T, backend *httptest.Server, opts ...Option) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)

	pools := make(map[string]*upstream.Pool)
	for _, g := range []string{GroupEcommerce, GroupFDS, GroupML, GroupDashboard} {
		p, err := upstream.NewPool(g, upstream.LeastConn, []string{u.Host})
		require.NoError(t, err)
		pools[g] = p
	}

	svc := NewService(pools, opts...)
	cfg := RouterConfig{
		GeneralRate:   1000,
		AuthRate:      1000,
		APIRate:       1000,
		MaxConcurrent: 50,
		InternalCIDRs: []string{"10.0.0.0/8"},
	}
	h := NewHandler(svc, cfg, health.NewRegistry(), testLogger())
	t.Cleanup(h.Stop)
	return h.Router(cfg), h
}

func TestProxyForwardsToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/products", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer backend.Close()

	router, _ := newTestGateway(t, backend)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/products", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"items":[]}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestProxyUnknownPathIs404(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	router, _ := newTestGateway(t, backend)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestProxyBackendDownIs502(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	router, _ := newTestGateway(t, backend)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "bad_gateway")
}

func TestProxyAllTargetsDownIs503(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	router, h := newTestGateway(t, backend)

	pool, ok := h.service.Pool(GroupEcommerce)
	require.True(t, ok)
	for _, target := range pool.Targets() {
		target.StartRequest()
		target.EndRequest(false)
		target.StartRequest()
		target.EndRequest(false)
		target.StartRequest()
		target.EndRequest(false)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no_upstream_available")
}

func TestInternalRouteRequiresAllowlistedIP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"stats":{}}`))
	}))
	defer backend.Close()

	router, _ := newTestGateway(t, backend)

	// Outside the allowlist.
	req := httptest.NewRequest(http.MethodGet, "/internal/fds/stats", nil)
	req.RemoteAddr = "203.0.113.50:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Inside the allowlist.
	req = httptest.NewRequest(http.MethodGet, "/internal/fds/stats", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProxyCachesProductResponses(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":["a"]}`))
	}))
	defer backend.Close()

	store := cache.NewMemoryStore()
	defer store.Close()
	router, _ := newTestGateway(t, backend, WithCache(store, time.Minute))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/products?page=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/products?page=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, `{"items":["a"]}`, w.Body.String())

	assert.Equal(t, 1, hits, "second request should be served from cache")

	// Different query string is a different cache entry.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/products?page=2", nil))
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, 2, hits)
}

func TestProxyDoesNotCacheWrites(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`ok`))
	}))
	defer backend.Close()

	store := cache.NewMemoryStore()
	defer store.Close()
	router, _ := newTestGateway(t, backend, WithCache(store, time.Minute))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/products", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 2, hits, "POST must never be cached")
}

func TestAuthZoneRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gin.SetMode(gin.TestMode)
	u, _ := url.Parse(backend.URL)
	pools := map[string]*upstream.Pool{}
	for _, g := range []string{GroupEcommerce, GroupFDS, GroupML, GroupDashboard} {
		p, err := upstream.NewPool(g, upstream.LeastConn, []string{u.Host})
		require.NoError(t, err)
		pools[g] = p
	}

	cfg := RouterConfig{GeneralRate: 1000, AuthRate: 2, APIRate: 1000, MaxConcurrent: 50}
	h := NewHandler(NewService(pools), cfg, health.NewRegistry(), testLogger())
	defer h.Stop()
	router := h.Router(cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
		req.RemoteAddr = "198.51.100.9:1000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}

func TestUpstreamStatusEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	router, _ := newTestGateway(t, backend)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/upstream", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"group":"ecommerce"`)
	assert.Contains(t, w.Body.String(), `"algorithm":"least_conn"`)
	assert.Contains(t, w.Body.String(), `"healthy":true`)
}

func TestHealthEndpoints(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	router, _ := newTestGateway(t, backend)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestReadyReportsDownPools(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	router, h := newTestGateway(t, backend)

	pool, _ := h.service.Pool(GroupML)
	for _, target := range pool.Targets() {
		for i := 0; i < 3; i++ {
			target.StartRequest()
			target.EndRequest(false)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRedirectRouter(t *testing.T) {
	tests := []struct {
		name      string
		httpsPort string
		host      string
		uri       string
		want      string
	}{
		{"default port", "443", "shop.example.com:8080", "/v1/products?page=1", "https://shop.example.com/v1/products?page=1"},
		{"custom port", "8443", "shop.example.com", "/v1/cart", "https://shop.example.com:8443/v1/cart"},
		{"root", "443", "shop.example.com", "/", "https://shop.example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RedirectRouter(tt.httpsPort)
			req := httptest.NewRequest(http.MethodGet, tt.uri, nil)
			req.Host = tt.host
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusMovedPermanently, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Location"))
		})
	}
}

func TestTLSServerConfigFloor(t *testing.T) {
	cfg := TLSServerConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}
