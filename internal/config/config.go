// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration shared by the gateway and
// the fraud decision service. Each binary reads the subset it needs.
type Config struct {
	// Server settings
	Env      string // "development", "staging", "production"
	LogLevel string

	// Gateway listeners
	HTTPPort  string // plain listener; only redirects to HTTPS when TLS is on
	HTTPSPort string
	Domain    string // used to derive default cert paths
	TLSCert   string
	TLSKey    string

	// Upstream groups (comma-separated host:port lists, optional =weight suffix)
	EcommerceUpstreams []string
	FDSUpstreams       []string
	MLUpstreams        []string
	DashboardUpstreams []string
	LBAlgorithm        string // least_conn, round_robin, ip_hash, weighted
	HealthInterval     time.Duration

	// Rate limiting (requests per second per client IP, by zone)
	GeneralRate   int
	AuthRate      int
	APIRate       int
	MaxConcurrent int
	InternalCIDRs []string

	// Response cache
	CacheTTL time.Duration

	// FDS service
	FDSPort     string
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis (CTI cache, gateway response cache)
	RedisAddr     string
	RedisPassword string

	// Kafka decision events
	KafkaBrokers []string
	KafkaTopic   string

	// CTI lookups
	CTIProviders []string
	CTITimeout   time.Duration
	CTICacheTTL  time.Duration

	// Risk thresholds
	DenyThreshold   float64
	ReviewThreshold float64

	// GeoIP database for the geo-mismatch factor (optional)
	GeoIPDB string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultHTTPPort        = "8080"
	DefaultHTTPSPort       = "8443"
	DefaultFDSPort         = "8085"
	DefaultLBAlgorithm     = "least_conn"
	DefaultKafkaTopic      = "fds.decisions"
	DefaultCacheTTL        = 10 * time.Minute
	DefaultCTITimeout      = 30 * time.Millisecond
	DefaultCTICacheTTL     = 5 * time.Minute
	DefaultHealthInterval  = 10 * time.Second
	DefaultDenyThreshold   = 0.8
	DefaultReviewThreshold = 0.5
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPPort:  getEnv("HTTP_PORT", DefaultHTTPPort),
		HTTPSPort: getEnv("HTTPS_PORT", DefaultHTTPSPort),
		Domain:    os.Getenv("DOMAIN"),
		TLSCert:   os.Getenv("TLS_CERT"),
		TLSKey:    os.Getenv("TLS_KEY"),

		EcommerceUpstreams: splitList(os.Getenv("UPSTREAM_ECOMMERCE")),
		FDSUpstreams:       splitList(os.Getenv("UPSTREAM_FDS")),
		MLUpstreams:        splitList(os.Getenv("UPSTREAM_ML")),
		DashboardUpstreams: splitList(os.Getenv("UPSTREAM_DASHBOARD")),
		LBAlgorithm:        getEnv("LB_ALGORITHM", DefaultLBAlgorithm),
		HealthInterval:     getEnvDuration("HEALTH_INTERVAL", DefaultHealthInterval),

		GeneralRate:   getEnvInt("RATE_LIMIT_GENERAL", 100),
		AuthRate:      getEnvInt("RATE_LIMIT_AUTH", 5),
		APIRate:       getEnvInt("RATE_LIMIT_API", 50),
		MaxConcurrent: getEnvInt("MAX_CONCURRENT", 50),
		InternalCIDRs: splitList(getEnv("INTERNAL_ALLOW_CIDRS", "127.0.0.1/32,10.0.0.0/8")),

		CacheTTL: getEnvDuration("CACHE_TTL", DefaultCacheTTL),

		FDSPort:     getEnv("FDS_PORT", DefaultFDSPort),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		RedisAddr:     os.Getenv("REDIS_ADDR"), // Optional, uses in-memory fallbacks if not set
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),

		CTIProviders: splitList(os.Getenv("CTI_PROVIDERS")),
		CTITimeout:   getEnvDuration("CTI_TIMEOUT", DefaultCTITimeout),
		CTICacheTTL:  getEnvDuration("CTI_CACHE_TTL", DefaultCTICacheTTL),

		DenyThreshold:   getEnvFloat("DENY_THRESHOLD", DefaultDenyThreshold),
		ReviewThreshold: getEnvFloat("REVIEW_THRESHOLD", DefaultReviewThreshold),

		GeoIPDB: os.Getenv("GEOIP_DB"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// Derive cert paths from the domain when not set explicitly.
	if cfg.Domain != "" {
		if cfg.TLSCert == "" {
			cfg.TLSCert = filepath.Join("/etc/letsencrypt/live", cfg.Domain, "fullchain.pem")
		}
		if cfg.TLSKey == "" {
			cfg.TLSKey = filepath.Join("/etc/letsencrypt/live", cfg.Domain, "privkey.pem")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// TLSEnabled reports whether the gateway should terminate TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.LBAlgorithm {
	case "least_conn", "round_robin", "ip_hash", "weighted":
	default:
		return fmt.Errorf("LB_ALGORITHM must be one of least_conn, round_robin, ip_hash, weighted (got %q)", c.LBAlgorithm)
	}

	if c.GeneralRate <= 0 || c.AuthRate <= 0 || c.APIRate <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT must be positive")
	}

	if c.ReviewThreshold >= c.DenyThreshold {
		return fmt.Errorf("REVIEW_THRESHOLD (%.2f) must be below DENY_THRESHOLD (%.2f)", c.ReviewThreshold, c.DenyThreshold)
	}
	if c.DenyThreshold <= 0 || c.DenyThreshold > 1 {
		return fmt.Errorf("DENY_THRESHOLD must be in (0, 1]")
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
