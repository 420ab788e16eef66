package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Events    EventsConfig    `yaml:"events"`
	Cache     CacheConfig     `yaml:"cache"`
	AI        AIConfig        `yaml:"ai"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Screening ScreeningConfig `yaml:"screening"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port            int    `yaml:"port" env:"KRISHI_PORT"`
	MetricsPort     int    `yaml:"metrics_port" env:"KRISHI_METRICS_PORT"`
	PublicBaseURL   string `yaml:"public_base_url" env:"KRISHI_PUBLIC_BASE_URL"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" env:"KRISHI_RATE_LIMIT_PER_MIN"`
}

type DatabaseConfig struct {
	URL string `yaml:"url" env:"KRISHI_DATABASE_URL"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret" env:"KRISHI_JWT_SECRET"`
	JWTAudience string `yaml:"jwt_audience" env:"KRISHI_JWT_AUDIENCE"`
}

type EventsConfig struct {
	URL string `yaml:"url" env:"KRISHI_NATS_URL"`
}

type CacheConfig struct {
	RedisURL   string `yaml:"redis_url" env:"KRISHI_REDIS_URL"`
	TTLSeconds int    `yaml:"ttl_seconds" env:"KRISHI_CACHE_TTL_SECONDS"`
}

type AIConfig struct {
	URL            string  `yaml:"url" env:"KRISHI_AI_URL"`
	Token          string  `yaml:"token" env:"KRISHI_AI_TOKEN"`
	TimeoutMs      int     `yaml:"timeout_ms" env:"KRISHI_AI_TIMEOUT_MS"`
	RequestsPerSec float64 `yaml:"requests_per_sec" env:"KRISHI_AI_REQUESTS_PER_SEC"`
	MaxAttempts    int     `yaml:"max_attempts" env:"KRISHI_AI_MAX_ATTEMPTS"`
}

type BridgeConfig struct {
	Enabled   bool   `yaml:"enabled" env:"KRISHI_BRIDGE_ENABLED"`
	URL       string `yaml:"url" env:"KRISHI_BRIDGE_URL"`
	Token     string `yaml:"token" env:"KRISHI_BRIDGE_TOKEN"`
	TimeoutMs int    `yaml:"timeout_ms" env:"KRISHI_BRIDGE_TIMEOUT_MS"`
}

type WorkflowConfig struct {
	TickIntervalMs        int `yaml:"tick_interval_ms" env:"KRISHI_TICK_INTERVAL_MS"`
	AnchorIntervalMs      int `yaml:"anchor_interval_ms" env:"KRISHI_ANCHOR_INTERVAL_MS"`
	MinImagesPerStage     int `yaml:"min_images_per_stage" env:"KRISHI_MIN_IMAGES_PER_STAGE"`
	ScreeningBatchSize    int `yaml:"screening_batch_size"`
	ScreeningConcurrency  int `yaml:"screening_concurrency"`
	AnchorMaxAttempts     int `yaml:"anchor_max_attempts"`
	AnchorBaseBackoffSecs int `yaml:"anchor_base_backoff_secs"`
}

type ScreeningConfig struct {
	Weights           ScreeningWeights `yaml:"weights"`
	ApproveThreshold  float64          `yaml:"approve_threshold"`
	RejectThreshold   float64          `yaml:"reject_threshold"`
	DeepfakeHardLimit float64          `yaml:"deepfake_hard_limit"`
}

type ScreeningWeights struct {
	Authenticity float64 `yaml:"authenticity"`
	Deepfake     float64 `yaml:"deepfake"`
	Tamper       float64 `yaml:"tamper"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"KRISHI_LOG_LEVEL"`
	Format string `yaml:"format" env:"KRISHI_LOG_FORMAT"`
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Workflow.TickIntervalMs) * time.Millisecond
}

func (c *Config) AnchorInterval() time.Duration {
	return time.Duration(c.Workflow.AnchorIntervalMs) * time.Millisecond
}

func (c *Config) AnchorBaseBackoff() time.Duration {
	return time.Duration(c.Workflow.AnchorBaseBackoffSecs) * time.Second
}

func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AI.TimeoutMs) * time.Millisecond
}

func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutMs) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8700,
			MetricsPort:     8701,
			PublicBaseURL:   "http://localhost:8700",
			RateLimitPerMin: 120,
		},
		Events: EventsConfig{
			URL: "nats://localhost:4222",
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
		},
		AI: AIConfig{
			URL:            "http://localhost:9100",
			TimeoutMs:      15000,
			RequestsPerSec: 5,
			MaxAttempts:    3,
		},
		Bridge: BridgeConfig{
			URL:       "http://localhost:9200",
			TimeoutMs: 10000,
		},
		Workflow: WorkflowConfig{
			TickIntervalMs:        5000,
			AnchorIntervalMs:      30000,
			MinImagesPerStage:     2,
			ScreeningBatchSize:    20,
			ScreeningConcurrency:  4,
			AnchorMaxAttempts:     8,
			AnchorBaseBackoffSecs: 30,
		},
		Screening: ScreeningConfig{
			Weights: ScreeningWeights{
				Authenticity: 0.50,
				Deepfake:     0.35,
				Tamper:       0.15,
			},
			ApproveThreshold:  0.75,
			RejectThreshold:   0.45,
			DeepfakeHardLimit: 0.90,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	s := c.Screening
	if s.Weights.Authenticity < 0 || s.Weights.Deepfake < 0 || s.Weights.Tamper < 0 {
		errs = append(errs, errors.New("screening weights must not be negative"))
	}
	if s.Weights.Authenticity+s.Weights.Deepfake+s.Weights.Tamper <= 0 {
		errs = append(errs, errors.New("screening weights must sum to a positive value"))
	}
	if s.RejectThreshold > s.ApproveThreshold {
		errs = append(errs, fmt.Errorf("reject_threshold %.2f exceeds approve_threshold %.2f", s.RejectThreshold, s.ApproveThreshold))
	}
	if c.Workflow.MinImagesPerStage < 1 {
		errs = append(errs, errors.New("min_images_per_stage must be at least 1"))
	}
	if c.Workflow.TickIntervalMs <= 0 || c.Workflow.AnchorIntervalMs <= 0 {
		errs = append(errs, errors.New("workflow intervals must be positive"))
	}
	if c.Workflow.ScreeningConcurrency < 1 {
		errs = append(errs, errors.New("screening_concurrency must be at least 1"))
	}
	if c.Workflow.ScreeningBatchSize < 1 {
		errs = append(errs, errors.New("screening_batch_size must be at least 1"))
	}
	if c.Workflow.AnchorMaxAttempts < 1 {
		errs = append(errs, errors.New("anchor_max_attempts must be at least 1"))
	}
	if c.Workflow.AnchorBaseBackoffSecs <= 0 {
		errs = append(errs, errors.New("anchor_base_backoff_secs must be positive"))
	}
	if c.Server.RateLimitPerMin <= 0 {
		errs = append(errs, errors.New("rate_limit_per_min must be positive"))
	}
	return errors.Join(errs...)
}
