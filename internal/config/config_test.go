package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %q, want 8080", cfg.HTTPPort)
	}
	if cfg.GeneralRate != 100 || cfg.AuthRate != 5 || cfg.APIRate != 50 {
		t.Errorf("rate defaults = %d/%d/%d, want 100/5/50", cfg.GeneralRate, cfg.AuthRate, cfg.APIRate)
	}
	if cfg.MaxConcurrent != 50 {
		t.Errorf("MaxConcurrent = %d, want 50", cfg.MaxConcurrent)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("CacheTTL = %v, want 10m", cfg.CacheTTL)
	}
	if cfg.CTITimeout != 30*time.Millisecond {
		t.Errorf("CTITimeout = %v, want 30ms", cfg.CTITimeout)
	}
	if cfg.LBAlgorithm != "least_conn" {
		t.Errorf("LBAlgorithm = %q, want least_conn", cfg.LBAlgorithm)
	}
	if cfg.KafkaTopic != "fds.decisions" {
		t.Errorf("KafkaTopic = %q, want fds.decisions", cfg.KafkaTopic)
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled should be false without cert settings")
	}
}

func TestCertPathsDerivedFromDomain(t *testing.T) {
	t.Setenv("DOMAIN", "shop.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := "/etc/letsencrypt/live/shop.example.com/fullchain.pem"
	if cfg.TLSCert != want {
		t.Errorf("TLSCert = %q, want %q", cfg.TLSCert, want)
	}
	if !cfg.TLSEnabled() {
		t.Error("TLSEnabled should be true when domain is set")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad algorithm", func(c *Config) { c.LBAlgorithm = "random" }, true},
		{"zero rate", func(c *Config) { c.AuthRate = 0 }, true},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }, true},
		{"inverted thresholds", func(c *Config) { c.ReviewThreshold = 0.9 }, true},
		{"deny above one", func(c *Config) { c.DenyThreshold = 1.5; c.ReviewThreshold = 0.5 }, true},
		{"cert without key", func(c *Config) { c.TLSCert = "/tmp/cert.pem" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LBAlgorithm:     "least_conn",
				GeneralRate:     100,
				AuthRate:        5,
				APIRate:         50,
				MaxConcurrent:   50,
				DenyThreshold:   0.8,
				ReviewThreshold: 0.5,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
