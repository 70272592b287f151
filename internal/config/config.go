// Package config loads service configuration from YAML, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Auth       AuthConfig       `yaml:"auth"`
	Maps       MapsConfig       `yaml:"maps"`
	Engine     EngineConfig     `yaml:"engine"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Rate       RateConfig       `yaml:"rate"`
	Webhooks   WebhookConfig    `yaml:"webhooks"`
	Fixtures   FixturesConfig   `yaml:"fixtures"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateRPS limits requests per client. Zero disables limiting.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	// URL selects Postgres; empty runs on the in-memory store.
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	// URL enables the estimate cache and the shared offer broker.
	URL         string        `yaml:"url"`
	EstimateTTL time.Duration `yaml:"estimate_ttl"`
	// Prefix namespaces the offer pub/sub channels.
	Prefix string `yaml:"prefix"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmac_secret"`
}

type MapsConfig struct {
	// APIKey enables Google Distance Matrix; without it distances are straight-line.
	APIKey string  `yaml:"api_key"`
	RPS    float64 `yaml:"rps"`
}

// EngineConfig holds the tunables that may be reloaded while running.
type EngineConfig struct {
	CostBaseline            float64       `yaml:"cost_baseline"`
	DefaultMaxDistanceMiles float64       `yaml:"default_max_distance_miles"`
	NeutralPerformance      float64       `yaml:"neutral_performance"`
	NeutralAffinity         float64       `yaml:"neutral_affinity"`
	MaxConcurrency          int           `yaml:"max_concurrency"`
	MaxCandidates           int           `yaml:"max_candidates"`
	HighCostThreshold       float64       `yaml:"high_cost_threshold"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	EstimatorRetries        uint64        `yaml:"estimator_retries"`
	EstimatorBackoff        time.Duration `yaml:"estimator_backoff"`
	DecisionLogSize         int           `yaml:"decision_log_size"`
	ReleaseTimeout          time.Duration `yaml:"release_timeout"`
}

type AssignmentConfig struct {
	OfferTTL      time.Duration `yaml:"offer_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// RateConfig is the cost model: base fee plus a per-mile rate.
type RateConfig struct {
	BaseFee float64 `yaml:"base_fee"`
	PerMile float64 `yaml:"per_mile"`
}

type WebhookConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	// Tenant receives lifecycle events emitted by the engine.
	Tenant string `yaml:"tenant"`
}

type FixturesConfig struct {
	Path string `yaml:"path"`
}

// Default returns a Config that runs locally with no external services.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateBurst:       20,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Redis: RedisConfig{EstimateTTL: 24 * time.Hour, Prefix: "fleetopt"},
		NATS:  NATSConfig{Prefix: "fleetopt"},
		Auth:  AuthConfig{Mode: "dev"},
		Maps:  MapsConfig{RPS: 10},
		Engine: EngineConfig{
			CostBaseline:            200,
			DefaultMaxDistanceMiles: 50,
			NeutralPerformance:      0.8,
			NeutralAffinity:         0.8,
			MaxConcurrency:          8,
			MaxCandidates:           50,
			HighCostThreshold:       150,
			RequestTimeout:          10 * time.Second,
			EstimatorRetries:        3,
			EstimatorBackoff:        200 * time.Millisecond,
			DecisionLogSize:         500,
			ReleaseTimeout:          10 * time.Second,
		},
		Assignment: AssignmentConfig{
			OfferTTL:      30 * time.Minute,
			SweepInterval: 30 * time.Second,
			SweepBatch:    100,
			NotifyTimeout: 5 * time.Second,
		},
		Rate:     RateConfig{BaseFee: 40, PerMile: 2.5},
		Webhooks: WebhookConfig{MaxAttempts: 10, Interval: time.Second, Tenant: "default"},
	}
}

// Load reads .env (if present), then the YAML file at path (if any), then environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		path = os.Getenv("FLEETOPT_CONFIG")
	}
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadEngine re-reads only the engine section of path over the current values.
func LoadEngine(path string, cur EngineConfig) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cur, fmt.Errorf("failed to read config file: %w", err)
	}
	wrapper := struct {
		Engine EngineConfig `yaml:"engine"`
	}{Engine: cur}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return cur, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := wrapper.Engine.validate(); err != nil {
		return cur, err
	}
	return wrapper.Engine, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	str("NATS_URL", &c.NATS.URL)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("GOOGLE_MAPS_API_KEY", &c.Maps.APIKey)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("FIXTURES_PATH", &c.Fixtures.Path)

	var errs []error
	if v := os.Getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr("RATE_RPS", err))
		c.Server.RateRPS = f
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("RATE_BURST", err))
		c.Server.RateBurst = n
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("WEBHOOK_MAX_ATTEMPTS", err))
		c.Webhooks.MaxAttempts = n
	}
	if v := os.Getenv("OFFER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("OFFER_TTL", err))
		c.Assignment.OfferTTL = d
	}
	return errors.Join(errs...)
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch c.Auth.Mode {
	case "dev", "":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return fmt.Errorf("auth.hmac_secret is required when auth.mode is hmac")
		}
	default:
		return fmt.Errorf("auth.mode must be dev or hmac, got %q", c.Auth.Mode)
	}
	if c.Assignment.OfferTTL <= 0 {
		return fmt.Errorf("assignment.offer_ttl must be positive")
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("webhooks.max_attempts must be positive")
	}
	if c.Rate.PerMile < 0 || c.Rate.BaseFee < 0 {
		return fmt.Errorf("rate.base_fee and rate.per_mile must not be negative")
	}
	return c.Engine.validate()
}

func (e EngineConfig) validate() error {
	if e.CostBaseline <= 0 {
		return fmt.Errorf("engine.cost_baseline must be positive")
	}
	if e.DefaultMaxDistanceMiles <= 0 {
		return fmt.Errorf("engine.default_max_distance_miles must be positive")
	}
	for name, v := range map[string]float64{"neutral_performance": e.NeutralPerformance, "neutral_affinity": e.NeutralAffinity} {
		if v < 0 || v > 1 {
			return fmt.Errorf("engine.%s must be between 0 and 1", name)
		}
	}
	if e.MaxConcurrency <= 0 {
		return fmt.Errorf("engine.max_concurrency must be positive")
	}
	return nil
}
