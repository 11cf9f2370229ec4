// Package config is the flat, YAML-loadable configuration surface for the
// price-monitoring runtime: the single struct handed to runtime.New before
// any domain-specific configx layering happens.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/queue"
	"github.com/jnbrc0de/scrapingsmart/scheduler"
)

// Config is the top-level configuration for one runtime instance. It
// composes the tunables each subsystem already exposes (scheduler.Config,
// queue.Config, models.RateLimitConfig) under one YAML-serializable root,
// mirroring how the teacher's engine.Config narrows component configs
// behind a single facade.
type Config struct {
	Global     GlobalSettings     `yaml:"global"`
	Scheduler  scheduler.Config   `yaml:"scheduler"`
	Queue      queue.Config       `yaml:"queue"`
	Strategy   StrategySettings   `yaml:"strategy"`
	Engine     EngineSettings     `yaml:"engine"`
	Telemetry  TelemetrySettings  `yaml:"telemetry"`
}

// GlobalSettings are cross-cutting knobs that don't belong to a single
// subsystem.
type GlobalSettings struct {
	LogLevel       string        `yaml:"log_level"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	HealthCacheTTL time.Duration `yaml:"health_cache_ttl"`
}

// StrategySettings configures the Strategy Evaluator and the Adaptive
// Learning Layer's portfolio maintenance (§4.4/§4.5).
type StrategySettings struct {
	MinConfidence       float64       `yaml:"min_confidence"`
	RetirementMinAttempts int         `yaml:"retirement_min_attempts"`
	RetirementMaxConfidence float64   `yaml:"retirement_max_confidence"`
	ProbationMaxConfidence float64    `yaml:"probation_max_confidence"`
	VariantMutationRate float64       `yaml:"variant_mutation_rate"`
	ConfidenceEMAAlpha  float64       `yaml:"confidence_ema_alpha"`
	EvaluationTimeout   time.Duration `yaml:"evaluation_timeout"`
}

// EngineSettings configures the Extraction Engine's browser-facing
// behavior (§4.3): page session defaults, proxy rotation, and fingerprint
// pool selection.
type EngineSettings struct {
	DefaultComplexity string        `yaml:"default_complexity"`
	NavigateTimeout   time.Duration `yaml:"navigate_timeout"`
	RespectRobotsTxt  bool          `yaml:"respect_robots_txt"`
	ProxyRotation     bool          `yaml:"proxy_rotation"`
	UserAgent         string        `yaml:"user_agent"`
}

// TelemetrySettings selects and configures the metrics/tracing backend.
type TelemetrySettings struct {
	MetricsEnabled       bool   `yaml:"metrics_enabled"`
	MetricsBackend       string `yaml:"metrics_backend"` // prom|otel|noop
	PrometheusListenAddr string `yaml:"prometheus_listen_addr"`
	OTelEndpoint         string `yaml:"otel_endpoint"`
	TracingEnabled       bool   `yaml:"tracing_enabled"`
	TracingSampleRate    float64 `yaml:"tracing_sample_rate"`
}

// Defaults returns a Config populated with the §6 defaults named throughout
// spec.md (scheduler tick_interval=60s, queue max_pending=10000, etc.).
func Defaults() Config {
	return Config{
		Global: GlobalSettings{
			LogLevel:       "info",
			ShutdownGrace:  60 * time.Second,
			HealthCacheTTL: 2 * time.Second,
		},
		Scheduler: scheduler.Defaults(),
		Queue:     queue.Defaults(),
		Strategy: StrategySettings{
			MinConfidence:           0.1,
			RetirementMinAttempts:   20,
			RetirementMaxConfidence: 0.1,
			ProbationMaxConfidence:  0.2,
			VariantMutationRate:     0.15,
			ConfidenceEMAAlpha:      0.1,
			EvaluationTimeout:       5 * time.Second,
		},
		Engine: EngineSettings{
			DefaultComplexity: string(models.ComplexityNormal),
			NavigateTimeout:   30 * time.Second,
			RespectRobotsTxt:  true,
			ProxyRotation:     false,
			UserAgent:         "priceguard/1.0 (+adaptive scraping core)",
		},
		Telemetry: TelemetrySettings{
			MetricsEnabled:       false,
			MetricsBackend:       "prom",
			PrometheusListenAddr: "",
			TracingEnabled:       false,
			TracingSampleRate:    0.0,
		},
	}
}

// Load reads and parses a YAML config file, overlaying it on Defaults() so
// a file only needs to specify the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects nonsensical tunables before they ever reach a running
// subsystem, following the same per-section validation shape the teacher
// uses for its unified business configuration.
func (c Config) Validate() error {
	if err := c.validateGlobal(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if c.Queue.MaxConcurrency <= 0 {
		return fmt.Errorf("queue: max_concurrency must be positive")
	}
	if c.Queue.MaxPerDomain <= 0 {
		return fmt.Errorf("queue: max_per_domain must be positive")
	}
	if c.Queue.MaxPending <= 0 {
		return fmt.Errorf("queue: max_pending must be positive")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler: tick_interval must be positive")
	}
	if c.Scheduler.SuccessFloor < 0 || c.Scheduler.SuccessFloor > 1 {
		return fmt.Errorf("scheduler: success_floor must be between 0 and 1")
	}
	if c.Strategy.MinConfidence < 0 || c.Strategy.MinConfidence > 1 {
		return fmt.Errorf("strategy: min_confidence must be between 0 and 1")
	}
	if err := validateRateLimit(c.Queue.RateLimit); err != nil {
		return fmt.Errorf("queue.rate_limit: %w", err)
	}
	switch strings.ToLower(c.Telemetry.MetricsBackend) {
	case "prom", "otel", "noop", "":
	default:
		return fmt.Errorf("telemetry: unknown metrics_backend %q", c.Telemetry.MetricsBackend)
	}
	return nil
}

func (c Config) validateGlobal() error {
	switch strings.ToLower(c.Global.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Global.LogLevel)
	}
	if c.Global.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace cannot be negative")
	}
	return nil
}

func validateRateLimit(rl models.RateLimitConfig) error {
	if rl.MinRPS < 0 || rl.MaxRPS < rl.MinRPS {
		return fmt.Errorf("min_rps/max_rps out of order")
	}
	if rl.InitialRPS < rl.MinRPS || rl.InitialRPS > rl.MaxRPS {
		return fmt.Errorf("initial_rps must be within [min_rps, max_rps]")
	}
	if rl.ErrorRateThreshold < 0 || rl.ErrorRateThreshold > 1 {
		return fmt.Errorf("error_rate_threshold must be between 0 and 1")
	}
	return nil
}
