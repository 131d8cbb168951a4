// Package upstream manages backend target pools for the edge gateway.
//
// Each routed service (ecommerce, fds, ml, dashboard) gets one Pool. A pool
// tracks per-target health and in-flight counts and picks a target per
// request according to its balancing algorithm.
package upstream

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Errors
var (
	ErrNoHealthyTarget = errors.New("upstream: no healthy target available")
	ErrEmptyPool       = errors.New("upstream: pool has no targets")
	ErrBadAlgorithm    = errors.New("upstream: unknown balancing algorithm")
)

// Balancing algorithms.
const (
	LeastConn  = "least_conn"
	RoundRobin = "round_robin"
	IPHash     = "ip_hash"
	Weighted   = "weighted"
)

// Target is a single backend instance.
type Target struct {
	Addr   string // host:port
	Weight int

	healthy       atomic.Bool
	active        atomic.Int64
	totalRequests atomic.Int64
	totalFailures atomic.Int64
	consecFails   atomic.Int64
	lastChecked   atomic.Int64 // unix nano of last health probe

	// currentWeight is the smooth weighted round-robin accumulator,
	// guarded by the pool mutex.
	currentWeight int
}

// URL returns the target's base URL for proxying.
func (t *Target) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: t.Addr}
}

// Healthy reports whether the target is currently eligible for traffic.
func (t *Target) Healthy() bool {
	return t.healthy.Load()
}

// Active returns the number of in-flight requests on the target.
func (t *Target) Active() int64 {
	return t.active.Load()
}

// StartRequest marks a request in flight.
func (t *Target) StartRequest() {
	t.active.Add(1)
	t.totalRequests.Add(1)
}

// EndRequest marks a request finished. A failed request counts toward the
// passive health trip: maxConsecutiveFails in a row takes the target out of
// rotation until the next successful probe.
func (t *Target) EndRequest(success bool) {
	t.active.Add(-1)
	if success {
		t.consecFails.Store(0)
		return
	}
	t.totalFailures.Add(1)
	if t.consecFails.Add(1) >= maxConsecutiveFails {
		t.healthy.Store(false)
	}
}

// maxConsecutiveFails is the passive health trip threshold.
const maxConsecutiveFails = 3

// Status is a point-in-time snapshot of one target, serialized on /api/upstream.
type Status struct {
	Addr          string    `json:"addr"`
	Healthy       bool      `json:"healthy"`
	Weight        int       `json:"weight"`
	Active        int64     `json:"activeConnections"`
	TotalRequests int64     `json:"totalRequests"`
	TotalFailures int64     `json:"totalFailures"`
	LastChecked   time.Time `json:"lastChecked,omitzero"`
}

// Pool is a named group of backend targets sharing one balancing algorithm.
type Pool struct {
	name      string
	algorithm string

	mu      sync.Mutex
	targets []*Target
	rrIndex uint64
}

// ParseTarget splits an "addr" or "addr=weight" spec. Weight defaults to 1.
func ParseTarget(spec string) (addr string, weight int, err error) {
	addr, rest, found := strings.Cut(spec, "=")
	addr = strings.TrimSpace(addr)
	weight = 1
	if found {
		weight, err = strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || weight < 1 {
			return "", 0, fmt.Errorf("upstream: invalid weight in target spec %q", spec)
		}
	}
	if addr == "" || !strings.Contains(addr, ":") {
		return "", 0, fmt.Errorf("upstream: target spec %q must be host:port", spec)
	}
	return addr, weight, nil
}

// NewPool builds a pool from target specs. Targets start healthy; the
// health checker flips them as probes come back.
func NewPool(name, algorithm string, specs []string) (*Pool, error) {
	switch algorithm {
	case LeastConn, RoundRobin, IPHash, Weighted:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadAlgorithm, algorithm)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPool, name)
	}

	p := &Pool{name: name, algorithm: algorithm}
	for _, spec := range specs {
		addr, weight, err := ParseTarget(spec)
		if err != nil {
			return nil, err
		}
		t := &Target{Addr: addr, Weight: weight}
		t.healthy.Store(true)
		p.targets = append(p.targets, t)
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Algorithm returns the pool's balancing algorithm.
func (p *Pool) Algorithm() string { return p.algorithm }

// Targets returns all targets, healthy or not.
func (p *Pool) Targets() []*Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// Pick selects a target for a request. clientIP is only used by ip_hash.
func (p *Pool) Pick(clientIP string) (*Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := p.healthyLocked()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyTarget
	}

	switch p.algorithm {
	case RoundRobin:
		t := healthy[p.rrIndex%uint64(len(healthy))]
		p.rrIndex++
		return t, nil

	case IPHash:
		h := fnv.New32a()
		_, _ = h.Write([]byte(clientIP))
		return healthy[h.Sum32()%uint32(len(healthy))], nil

	case Weighted:
		return p.pickWeightedLocked(healthy), nil

	default: // LeastConn
		best := healthy[0]
		for _, t := range healthy[1:] {
			if t.active.Load() < best.active.Load() {
				best = t
			}
		}
		return best, nil
	}
}

// healthyLocked returns healthy targets in declaration order.
func (p *Pool) healthyLocked() []*Target {
	out := make([]*Target, 0, len(p.targets))
	for _, t := range p.targets {
		if t.healthy.Load() {
			out = append(out, t)
		}
	}
	return out
}

// pickWeightedLocked implements smooth weighted round robin: each pick the
// winner's accumulator drops by the weight total, so high-weight targets win
// proportionally often without starving the rest.
func (p *Pool) pickWeightedLocked(healthy []*Target) *Target {
	total := 0
	var best *Target
	for _, t := range healthy {
		t.currentWeight += t.Weight
		total += t.Weight
		if best == nil || t.currentWeight > best.currentWeight {
			best = t
		}
	}
	best.currentWeight -= total
	return best
}

// Statuses snapshots every target for the status endpoint.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.targets))
	for _, t := range p.targets {
		s := Status{
			Addr:          t.Addr,
			Healthy:       t.healthy.Load(),
			Weight:        t.Weight,
			Active:        t.active.Load(),
			TotalRequests: t.totalRequests.Load(),
			TotalFailures: t.totalFailures.Load(),
		}
		if ns := t.lastChecked.Load(); ns > 0 {
			s.LastChecked = time.Unix(0, ns)
		}
		out = append(out, s)
	}
	return out
}

// HealthySummary reports healthy vs total target counts.
func (p *Pool) HealthySummary() (healthy, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.targets {
		if t.healthy.Load() {
			healthy++
		}
	}
	return healthy, len(p.targets)
}
