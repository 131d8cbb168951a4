// Package cti performs cyber threat intelligence lookups for transaction IPs.
//
// Providers are queried in parallel under a hard timeout so a slow feed can
// never hold up a fraud decision. A provider that errors or times out
// contributes a neutral verdict; the aggregate takes the worst verdict any
// provider returned. Results are cached because the same client IP tends to
// transact in bursts.
package cti

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/circuitbreaker"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/logging"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
)

// Verdict classifies an IP.
type Verdict string

const (
	VerdictClean      Verdict = "clean"
	VerdictUnknown    Verdict = "unknown"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

// rank orders verdicts from benign to hostile for worst-of aggregation.
func (v Verdict) rank() int {
	switch v {
	case VerdictClean:
		return 0
	case VerdictUnknown:
		return 1
	case VerdictSuspicious:
		return 2
	case VerdictMalicious:
		return 3
	default:
		return 1
	}
}

// Record is one provider's answer for one IP.
type Record struct {
	IP        string    `json:"ip"`
	Verdict   Verdict   `json:"verdict"`
	TORExit   bool      `json:"torExit"`
	Score     float64   `json:"score"` // provider confidence, 0..1
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Summary aggregates all providers' answers for one IP.
type Summary struct {
	IP      string   `json:"ip"`
	Verdict Verdict  `json:"verdict"`
	TORExit bool     `json:"torExit"`
	Score   float64  `json:"score"`
	Sources []string `json:"sources"`
	Cached  bool     `json:"cached"`
}

// Provider answers threat-intel queries for a single feed.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*Record, error)
}

// Cache stores aggregated summaries per IP.
type Cache interface {
	Get(ctx context.Context, ip string) (*Summary, bool, error)
	Set(ctx context.Context, ip string, summary *Summary, ttl time.Duration) error
}

// Service fans lookups out to all providers.
type Service struct {
	providers []Provider
	cache     Cache
	cacheTTL  time.Duration
	timeout   time.Duration
	breaker   *circuitbreaker.Breaker
}

// ServiceOption configures the lookup service.
type ServiceOption func(*Service)

// WithCache enables summary caching.
func WithCache(cache Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithBreaker overrides the per-provider circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ServiceOption {
	return func(s *Service) { s.breaker = b }
}

// NewService creates the CTI lookup service. timeout bounds the whole
// parallel fan-out, not each provider individually.
func NewService(providers []Provider, timeout time.Duration, opts ...ServiceOption) *Service {
	s := &Service{
		providers: providers,
		timeout:   timeout,
		breaker:   circuitbreaker.New(5, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup queries every provider in parallel and aggregates. It never returns
// an error for provider failures; the neutral summary keeps decisions flowing
// when intel is unavailable.
func (s *Service) Lookup(ctx context.Context, ip string) *Summary {
	neutral := &Summary{IP: ip, Verdict: VerdictUnknown}

	if len(s.providers) == 0 {
		return neutral
	}

	if s.cache != nil {
		if summary, ok, err := s.cache.Get(ctx, ip); err == nil && ok {
			metrics.CTILookupsTotal.WithLabelValues("cache", "cached").Inc()
			summary.Cached = true
			return summary
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records := make([]*Record, len(s.providers))
	g, gctx := errgroup.WithContext(lookupCtx)

	for i, p := range s.providers {
		g.Go(func() error {
			if !s.breaker.Allow(p.Name()) {
				metrics.CTILookupsTotal.WithLabelValues(p.Name(), "skipped").Inc()
				return nil
			}

			rec, err := p.Lookup(gctx, ip)
			if err != nil {
				s.breaker.RecordFailure(p.Name())
				result := "error"
				if errors.Is(err, context.DeadlineExceeded) || gctx.Err() != nil {
					result = "timeout"
				}
				metrics.CTILookupsTotal.WithLabelValues(p.Name(), result).Inc()
				logging.L(ctx).Debug("cti provider failed", "provider", p.Name(), "error", err)
				return nil // neutral, never fail the lookup
			}
			s.breaker.RecordSuccess(p.Name())

			result := "miss"
			if rec.Verdict != VerdictClean && rec.Verdict != VerdictUnknown {
				result = "hit"
			}
			metrics.CTILookupsTotal.WithLabelValues(p.Name(), result).Inc()
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait()

	summary := aggregate(ip, records)
	if summary == nil {
		return neutral
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, ip, summary, s.cacheTTL); err != nil {
			logging.L(ctx).Debug("cti cache store failed", "error", err)
		}
	}
	return summary
}

// aggregate folds provider records into one summary, worst verdict wins.
func aggregate(ip string, records []*Record) *Summary {
	summary := &Summary{IP: ip, Verdict: VerdictUnknown}
	any := false
	for _, rec := range records {
		if rec == nil {
			continue
		}
		any = true
		summary.Sources = append(summary.Sources, rec.Source)
		if rec.Verdict.rank() > summary.Verdict.rank() {
			summary.Verdict = rec.Verdict
		}
		if rec.TORExit {
			summary.TORExit = true
		}
		if rec.Score > summary.Score {
			summary.Score = rec.Score
		}
	}
	if !any {
		return nil
	}
	return summary
}
