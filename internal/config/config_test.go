package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxUploadBytes != 10<<20 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.NLPEnabled() {
		t.Error("NLP should be disabled without NLP_SERVICE_ADDR")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("NLP_SERVICE_ADDR", "localhost:50051")
	t.Setenv("NLP_REQUEST_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000, ,https://intake.example.com")
	t.Setenv("RATE_LIMIT_PER_SECOND", "0.5")
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if !cfg.NLPEnabled() || cfg.NLP.RequestTimeout != 5*time.Second {
		t.Errorf("NLP = %+v", cfg.NLP)
	}
	if got := strings.Join(cfg.AllowedOrigins, "|"); got != "http://localhost:3000|https://intake.example.com" {
		t.Errorf("AllowedOrigins = %q", got)
	}
	if cfg.RateLimit.PerSecond != 0.5 {
		t.Errorf("PerSecond = %v", cfg.RateLimit.PerSecond)
	}
	if cfg.TranscriptLog.Enabled {
		t.Error("transcript log should be disabled")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_UPLOAD_BYTES", "lots")
	t.Setenv("STATISTICS_CACHE_TTL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxUploadBytes != 10<<20 || cfg.NLP.StatisticsCacheTTL != 10*time.Minute {
		t.Errorf("unexpected fallbacks: %d %v", cfg.MaxUploadBytes, cfg.NLP.StatisticsCacheTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"empty db path", func(c *Config) { c.DBPath = "" }, "DB_PATH"},
		{"zero upload size", func(c *Config) { c.MaxUploadBytes = 0 }, "MAX_UPLOAD_BYTES"},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }, "RATE_LIMIT_BURST"},
		{"negative cache ttl", func(c *Config) { c.NLP.StatisticsCacheTTL = -time.Second }, "STATISTICS_CACHE_TTL"},
		{"empty transcript dir", func(c *Config) { c.TranscriptLog.Dir = "" }, "TRANSCRIPT_LOG_DIR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}

func TestValidateAllowsEmptyDirWhenTranscriptDisabled(t *testing.T) {
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "false")
	t.Setenv("TRANSCRIPT_LOG_DIR", "")

	if _, err := Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}

func TestZeroStatisticsCacheTTLIsAllowed(t *testing.T) {
	t.Setenv("STATISTICS_CACHE_TTL", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NLP.StatisticsCacheTTL != 0 {
		t.Errorf("StatisticsCacheTTL = %v, want 0", cfg.NLP.StatisticsCacheTTL)
	}
}
