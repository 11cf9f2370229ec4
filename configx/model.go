package configx

import "time"

// EngineConfigSpec is the canonical hierarchical configuration payload for
// the runtime. Layers merge and overlay partial specs (global, environment,
// domain, url, ephemeral — see layers.go) to produce the final effective
// config consumed by the Scheduler, Queue, Engine and Learning Layer.
type EngineConfigSpec struct {
	Global     *GlobalConfigSection     `json:"global,omitempty"`
	Scheduling *SchedulingConfigSection `json:"scheduling,omitempty"`
	Strategy   *StrategyConfigSection   `json:"strategy,omitempty"`
	Engine     *EngineConfigSection     `json:"engine,omitempty"`
	Policies   *PoliciesConfigSection   `json:"policies,omitempty"`
	Rollout    *RolloutSpec             `json:"rollout,omitempty"`
}

// GlobalConfigSection captures cross-cutting limits applied to the whole
// runtime: the queue's global/per-domain concurrency bounds and the ambient
// logging level.
type GlobalConfigSection struct {
	MaxConcurrency int              `json:"max_concurrency,omitempty"`
	MaxPerDomain   int              `json:"max_per_domain,omitempty"`
	Timeout        time.Duration    `json:"timeout,omitempty"`
	RetryPolicy    *RetryPolicySpec `json:"retry_policy,omitempty"`
	LoggingLevel   string           `json:"logging_level,omitempty"`
}

// RetryPolicySpec mirrors the Queue's requeue-with-backoff tunables (§4.2).
type RetryPolicySpec struct {
	MaxRetries    int           `json:"max_retries,omitempty"`
	InitialDelay  time.Duration `json:"initial_delay,omitempty"`
	BackoffFactor float64       `json:"backoff_factor,omitempty"`
}

// SchedulingConfigSection drives the §4.1 Scheduler and the Queue's
// per-domain rate limiter.
type SchedulingConfigSection struct {
	DomainRules map[string]*DomainRule `json:"domain_rules,omitempty"`
	RateRules   *RateOverrideSection   `json:"rate_rules,omitempty"`
}

// DomainRule overrides the Scheduler's per-domain behavior: which starter
// strategies to seed, how strongly to bias base_interval, and a floor dwell
// between dispatches.
type DomainRule struct {
	StrategySeedIDs      []string      `json:"strategy_seed_ids,omitempty"`
	BaseIntervalOverride time.Duration `json:"base_interval_override,omitempty"`
	MinDelay             time.Duration `json:"min_delay,omitempty"`
}

// RateOverrideSection carries the domain-specific token bucket overrides the
// hot-reloaded configx layer feeds into the Queue's rate limiter manager.
type RateOverrideSection struct {
	DefaultRPS float64            `json:"default_rps,omitempty"`
	DomainRPS  map[string]float64 `json:"domain_rps,omitempty"`
}

// StrategyConfigSection configures the Adaptive Learning Layer's portfolio
// management.
type StrategyConfigSection struct {
	SeedStrategyIDs  []string          `json:"seed_strategy_ids,omitempty"`
	MinConfidence    float64           `json:"min_confidence,omitempty"`
	NormalizerChain  []string          `json:"normalizer_chain,omitempty"`
	FieldNormalizers map[string]string `json:"field_normalizers,omitempty"`
}

// EngineConfigSection configures the Extraction Engine's browser-facing
// behavior.
type EngineConfigSection struct {
	DefaultComplexity string            `json:"default_complexity,omitempty"`
	ProxyRotation     bool              `json:"proxy_rotation,omitempty"`
	FingerprintPools  map[string]string `json:"fingerprint_pools,omitempty"`
	RequiredFields    []string          `json:"required_fields,omitempty"`
}

// PoliciesConfigSection captures dynamic, hot-reloadable rules and feature
// flags (e.g. "force extra cooldown for domain X", "disable variant
// generation while a migration is in flight").
type PoliciesConfigSection struct {
	DomainPolicyRules []*DomainPolicyRule `json:"domain_policy_rules,omitempty"`
	EnabledFlags      map[string]bool     `json:"enabled_flags,omitempty"`
}

// DomainPolicyRule is one dynamic rule evaluated against domain state.
type DomainPolicyRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Priority  int       `json:"priority,omitempty"`
	Condition string    `json:"condition,omitempty"`
	Action    string    `json:"action,omitempty"`
	Enabled   bool      `json:"enabled,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// RolloutSpec declares how a configuration change (typically a new strategy
// portfolio version) is rolled out across domains.
type RolloutSpec struct {
	Mode              string   `json:"mode"` // full|percentage|cohort
	Percentage        int      `json:"percentage,omitempty"`
	CohortDomains     []string `json:"cohort_domains,omitempty"`
	CohortDomainGlobs []string `json:"cohort_domain_globs,omitempty"`
}

// VersionedConfig records a committed configuration along with metadata.
type VersionedConfig struct {
	Version     int64             `json:"version"`
	Spec        *EngineConfigSpec `json:"spec"`
	Hash        string            `json:"hash"`
	AppliedAt   time.Time         `json:"applied_at"`
	Actor       string            `json:"actor"`
	Parent      int64             `json:"parent"`
	DiffSummary string            `json:"diff_summary,omitempty"`
}

// ApplyOptions control how a configuration change is processed.
type ApplyOptions struct {
	Actor        string `json:"actor"`
	DryRun       bool   `json:"dry_run"`
	Force        bool   `json:"force"`
	RolloutStage bool   `json:"rollout_stage"`
}
