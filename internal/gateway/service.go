package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cache"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/circuitbreaker"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/upstream"
)

// Service routes and forwards edge traffic to upstream pools.
type Service struct {
	pools    map[string]*upstream.Pool
	breaker  *circuitbreaker.Breaker
	cache    cache.Store
	cacheTTL time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// Option configures the gateway service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithCache enables the response cache.
func WithCache(store cache.Store, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = store
		s.cacheTTL = ttl
	}
}

// WithHTTPClient overrides the forwarding client (tests use this).
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.client = client }
}

// WithBreaker overrides the per-target circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// NewService creates the gateway service over the given upstream pools,
// keyed by group name.
func NewService(pools map[string]*upstream.Pool, opts ...Option) *Service {
	s := &Service{
		pools:   pools,
		breaker: circuitbreaker.New(5, 30*time.Second),
		client: &http.Client{
			Timeout: DefaultHTTPTimeout,
			// The gateway forwards redirects to the client untouched.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the pool for an upstream group.
func (s *Service) Pool(group string) (*upstream.Pool, bool) {
	p, ok := s.pools[group]
	return p, ok
}

// PoolStatuses snapshots every pool for the status endpoint.
func (s *Service) PoolStatuses() map[string][]upstream.Status {
	out := make(map[string][]upstream.Status, len(s.pools))
	for name, p := range s.pools {
		out[name] = p.Statuses()
	}
	return out
}

// Healthy reports whether every group has at least one healthy target.
func (s *Service) Healthy() bool {
	for _, p := range s.pools {
		if healthy, _ := p.HealthySummary(); healthy == 0 {
			return false
		}
	}
	return true
}
