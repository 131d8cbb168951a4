// Command fds runs the fraud decision service: transaction evaluation,
// blacklist and rule management, the review queue, and the live decision feed.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/config"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cti"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/fds"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/health"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/logging"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/realtime"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/rules"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/security"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/traces"
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

	logger := logging.NewService("fds", cfg.LogLevel, "text")
	logger.Info("starting fds",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fds error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, "fds", cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	checks := health.NewRegistry()

	// Stores: PostgreSQL when configured, in-memory otherwise.
	var store fds.Store
	var ruleStore fds.RuleStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pgStore := fds.NewPostgresStore(db)
		store = pgStore
		ruleStore = fds.NewPostgresRuleStore(pgStore)
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		checks.Register("database", func(ctx context.Context) health.Status {
			s := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				s.Healthy = false
				s.Detail = err.Error()
			}
			return s
		})
		logger.Info("decision store backed by postgresql")
	} else {
		store = fds.NewMemoryStore()
		ruleStore = fds.NewMemoryRuleStore()
		logger.Warn("no DATABASE_URL set, decisions held in memory only")
	}

	// Threat intel: one provider per configured base URL. Feeds live outside
	// the platform, so internal addresses in the config are refused.
	var providers []cti.Provider
	for i, base := range cfg.CTIProviders {
		if err := security.ValidateEndpointURL(base); err != nil {
			return fmt.Errorf("cti provider %s: %w", base, err)
		}
		providers = append(providers, cti.NewHTTPProvider(fmt.Sprintf("provider%d", i+1), base))
	}
	ctiOpts := []cti.ServiceOption{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = client.Close() }()
		ctiOpts = append(ctiOpts, cti.WithCache(cti.NewRedisCache(client), cfg.CTICacheTTL))
	} else {
		ctiOpts = append(ctiOpts, cti.WithCache(cti.NewMemoryCache(), cfg.CTICacheTTL))
	}
	intel := cti.NewService(providers, cfg.CTITimeout, ctiOpts...)

	ruleset, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("build rule engine: %w", err)
	}

	var geo fds.GeoResolver
	if cfg.GeoIPDB != "" {
		resolver, err := fds.NewMaxMindResolver(cfg.GeoIPDB)
		if err != nil {
			return fmt.Errorf("open geoip database: %w", err)
		}
		defer func() { _ = resolver.Close() }()
		geo = resolver
	} else {
		logger.Warn("no GEOIP_DB set, geo mismatch factor disabled")
	}

	var publisher fds.Publisher = fds.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := fds.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer func() { _ = kp.Close() }()
		publisher = kp
		logger.Info("decision events published to kafka",
			"brokers", cfg.KafkaBrokers,
			"topic", cfg.KafkaTopic,
		)
	}

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	service := fds.NewService(store, fds.NewEngine(geo), ruleset,
		fds.WithLogger(logger),
		fds.WithCTI(intel),
		fds.WithPublisher(publisher),
		fds.WithHub(hub),
		fds.WithRuleStore(ruleStore),
		fds.WithThresholds(cfg.DenyThreshold, cfg.ReviewThreshold),
	)
	if err := service.LoadRules(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	handler := fds.NewHandler(service, hub, checks, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.FDSPort,
		Handler:           handler.Router(fds.RouterConfig{InternalCIDRs: cfg.InternalCIDRs}),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("fds listener started", "port", cfg.FDSPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("fds stopped")
	return nil
}
