package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
)

// Checker probes every target in the registered pools on an interval and
// flips their health state. A target that tripped the passive fail counter
// re-enters rotation as soon as a probe succeeds.
type Checker struct {
	pools    []*Pool
	interval time.Duration
	path     string
	client   *http.Client
	logger   *slog.Logger

	stop    chan struct{}
	running atomic.Bool
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithProbePath overrides the probe path (default /health).
func WithProbePath(path string) CheckerOption {
	return func(c *Checker) { c.path = path }
}

// WithProbeTimeout overrides the per-probe timeout (default 2s).
func WithProbeTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) { c.client.Timeout = d }
}

// NewChecker creates a health checker for the given pools.
func NewChecker(pools []*Pool, interval time.Duration, logger *slog.Logger, opts ...CheckerOption) *Checker {
	c := &Checker{
		pools:    pools,
		interval: interval,
		path:     "/health",
		client:   &http.Client{Timeout: 2 * time.Second},
		logger:   logger,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the probe loop. Safe to call once.
func (c *Checker) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Stop halts the probe loop.
func (c *Checker) Stop() {
	if c.running.CompareAndSwap(true, false) {
		close(c.stop)
	}
}

func (c *Checker) run() {
	// Probe immediately so a dead target configured at boot never sees traffic.
	c.probeAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probeAll()
		case <-c.stop:
			return
		}
	}
}

func (c *Checker) probeAll() {
	for _, pool := range c.pools {
		for _, t := range pool.Targets() {
			c.probe(pool, t)
		}
	}
}

func (c *Checker) probe(pool *Pool, t *Target) {
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()

	url := "http://" + t.Addr + c.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.markDown(pool, t, err.Error())
		return
	}

	resp, err := c.client.Do(req)
	t.lastChecked.Store(time.Now().UnixNano())
	if err != nil {
		c.markDown(pool, t, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.markDown(pool, t, resp.Status)
		return
	}

	if !t.healthy.Swap(true) {
		c.logger.Info("upstream target recovered", "pool", pool.Name(), "target", t.Addr)
	}
	t.consecFails.Store(0)
	metrics.UpstreamHealthy.WithLabelValues(pool.Name(), t.Addr).Set(1)
}

func (c *Checker) markDown(pool *Pool, t *Target, reason string) {
	if t.healthy.Swap(false) {
		c.logger.Warn("upstream target down", "pool", pool.Name(), "target", t.Addr, "reason", reason)
	}
	metrics.UpstreamHealthy.WithLabelValues(pool.Name(), t.Addr).Set(0)
}
