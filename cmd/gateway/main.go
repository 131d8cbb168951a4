// Command gateway terminates TLS at the edge and proxies traffic to the
// upstream service groups with rate limiting, caching, and health checking.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cache"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/config"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/gateway"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/health"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/logging"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/traces"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/upstream"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewService("gateway", cfg.LogLevel, "text")
	logger.Info("starting gateway",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, "gateway", cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	groups := map[string][]string{
		gateway.GroupEcommerce: cfg.EcommerceUpstreams,
		gateway.GroupFDS:       cfg.FDSUpstreams,
		gateway.GroupML:        cfg.MLUpstreams,
		gateway.GroupDashboard: cfg.DashboardUpstreams,
	}
	pools := make(map[string]*upstream.Pool, len(groups))
	var poolList []*upstream.Pool
	for name, specs := range groups {
		if len(specs) == 0 {
			logger.Warn("upstream group has no targets", "group", name)
			continue
		}
		pool, err := upstream.NewPool(name, cfg.LBAlgorithm, specs)
		if err != nil {
			return fmt.Errorf("build pool %s: %w", name, err)
		}
		pools[name] = pool
		poolList = append(poolList, pool)
	}

	opts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = client.Close() }()
		opts = append(opts, gateway.WithCache(cache.NewRedisStore(client), cfg.CacheTTL))
		logger.Info("response cache backed by redis", "addr", cfg.RedisAddr)
	} else {
		memCache := cache.NewMemoryStore()
		defer memCache.Close()
		opts = append(opts, gateway.WithCache(memCache, cfg.CacheTTL))
	}

	service := gateway.NewService(pools, opts...)

	checker := upstream.NewChecker(poolList, cfg.HealthInterval, logger)
	checker.Start()
	defer checker.Stop()

	checks := health.NewRegistry()
	checks.Register("upstreams", func(ctx context.Context) health.Status {
		s := health.Status{Name: "upstreams", Healthy: service.Healthy()}
		if !s.Healthy {
			s.Detail = "no healthy upstream targets"
		}
		return s
	})

	routerCfg := gateway.RouterConfig{
		GeneralRate:   cfg.GeneralRate,
		AuthRate:      cfg.AuthRate,
		APIRate:       cfg.APIRate,
		MaxConcurrent: cfg.MaxConcurrent,
		InternalCIDRs: cfg.InternalCIDRs,
	}
	if cfg.TLSEnabled() {
		// 2 years, the preload list minimum
		routerCfg.HSTSMaxAge = 63072000
	}
	handler := gateway.NewHandler(service, routerCfg, checks, logger)
	defer handler.Stop()

	errChan := make(chan error, 2)

	mainSrv := &http.Server{
		Handler:           handler.Router(routerCfg),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var redirectSrv *http.Server
	if cfg.TLSEnabled() {
		mainSrv.Addr = ":" + cfg.HTTPSPort
		mainSrv.TLSConfig = gateway.TLSServerConfig()
		redirectSrv = &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           gateway.RedirectRouter(cfg.HTTPSPort),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http redirect listener started", "port", cfg.HTTPPort)
			if err := redirectSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
		go func() {
			logger.Info("https listener started", "port", cfg.HTTPSPort, "domain", cfg.Domain)
			if err := mainSrv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	} else {
		mainSrv.Addr = ":" + cfg.HTTPPort
		go func() {
			logger.Info("http listener started (no TLS configured)", "port", cfg.HTTPPort)
			if err := mainSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("listener error: %w", err)
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if redirectSrv != nil {
		_ = redirectSrv.Shutdown(shutdownCtx)
	}
	if err := mainSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}
