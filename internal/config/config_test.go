package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envVars = []string{
	"KRISHI_PORT", "KRISHI_METRICS_PORT", "KRISHI_PUBLIC_BASE_URL", "KRISHI_RATE_LIMIT_PER_MIN",
	"KRISHI_DATABASE_URL", "KRISHI_JWT_SECRET", "KRISHI_JWT_AUDIENCE", "KRISHI_NATS_URL",
	"KRISHI_REDIS_URL", "KRISHI_CACHE_TTL_SECONDS", "KRISHI_AI_URL", "KRISHI_AI_TOKEN",
	"KRISHI_AI_TIMEOUT_MS", "KRISHI_AI_REQUESTS_PER_SEC", "KRISHI_AI_MAX_ATTEMPTS",
	"KRISHI_BRIDGE_ENABLED", "KRISHI_BRIDGE_URL", "KRISHI_BRIDGE_TOKEN", "KRISHI_BRIDGE_TIMEOUT_MS",
	"KRISHI_TICK_INTERVAL_MS", "KRISHI_ANCHOR_INTERVAL_MS", "KRISHI_MIN_IMAGES_PER_STAGE",
	"KRISHI_LOG_LEVEL", "KRISHI_LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8700 {
		t.Errorf("expected port 8700, got %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort != 8701 {
		t.Errorf("expected metrics port 8701, got %d", cfg.Server.MetricsPort)
	}
	if cfg.Events.URL != "nats://localhost:4222" {
		t.Errorf("expected nats URL, got %s", cfg.Events.URL)
	}
	if cfg.Workflow.MinImagesPerStage != 2 {
		t.Errorf("expected 2 images per stage, got %d", cfg.Workflow.MinImagesPerStage)
	}
	if cfg.Bridge.Enabled {
		t.Error("expected bridge disabled by default")
	}
	if cfg.TickInterval() != 5*time.Second {
		t.Errorf("expected 5s tick, got %s", cfg.TickInterval())
	}
	if cfg.CacheTTL() != 5*time.Minute {
		t.Errorf("expected 5m cache ttl, got %s", cfg.CacheTTL())
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}

	w := cfg.Screening.Weights
	if sum := w.Authenticity + w.Deepfake + w.Tamper; math.Abs(sum-1.0) > 0.001 {
		t.Errorf("expected screening weights to sum to 1.0, got %f", sum)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
database:
  url: postgres://krishi@localhost/krishi
bridge:
  enabled: true
  url: http://bridge:8080
workflow:
  min_images_per_stage: 3
screening:
  approve_threshold: 0.8
  reject_threshold: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort != 8701 {
		t.Errorf("expected default metrics port preserved, got %d", cfg.Server.MetricsPort)
	}
	if !cfg.Bridge.Enabled || cfg.Bridge.URL != "http://bridge:8080" {
		t.Errorf("unexpected bridge config: %+v", cfg.Bridge)
	}
	if cfg.Workflow.MinImagesPerStage != 3 {
		t.Errorf("expected 3 images per stage, got %d", cfg.Workflow.MinImagesPerStage)
	}
	if cfg.Screening.ApproveThreshold != 0.8 {
		t.Errorf("expected approve threshold 0.8, got %f", cfg.Screening.ApproveThreshold)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KRISHI_PORT", "9100")
	t.Setenv("KRISHI_DATABASE_URL", "postgres://env@db/krishi")
	t.Setenv("KRISHI_BRIDGE_ENABLED", "true")
	t.Setenv("KRISHI_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://env@db/krishi" {
		t.Errorf("unexpected database url %q", cfg.Database.URL)
	}
	if !cfg.Bridge.Enabled {
		t.Error("expected bridge enabled from env")
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("unexpected jwt secret %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Screening.RejectThreshold = 0.9
	cfg.Screening.ApproveThreshold = 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when reject threshold exceeds approve threshold")
	}

	cfg = Default()
	cfg.Workflow.MinImagesPerStage = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero images per stage")
	}

	cfg = Default()
	cfg.Screening.Weights = ScreeningWeights{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero weights")
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rate limit", func(c *Config) { c.Server.RateLimitPerMin = 0 }},
		{"negative rate limit", func(c *Config) { c.Server.RateLimitPerMin = -5 }},
		{"zero anchor attempts", func(c *Config) { c.Workflow.AnchorMaxAttempts = 0 }},
		{"zero anchor backoff", func(c *Config) { c.Workflow.AnchorBaseBackoffSecs = 0 }},
		{"zero screening batch", func(c *Config) { c.Workflow.ScreeningBatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
