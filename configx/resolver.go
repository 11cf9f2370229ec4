package configx

// Resolver performs layered configuration resolution. It merges
// EngineConfigSpec fragments provided per layer into a single effective
// spec.
//
// Merge semantics:
//   - Precedence: later layers in LayerPrecedenceOrder() override earlier ones.
//   - Section pointers: nil means "no contribution"; non-nil overlays field-wise.
//   - Scalars: a non-zero value on the higher layer overwrites the lower one.
//   - Slices: a non-empty slice on the higher layer replaces the lower one entirely.
//   - Maps: merged by key; higher layer entries overwrite conflicting keys.
//
// The resolver never mutates its inputs; Resolve returns a deep copy.
type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

// Resolve merges the provided specs (indexed by layer constant) into a final
// EngineConfigSpec. Missing entries are skipped.
func (r *Resolver) Resolve(layerSpecs map[ConfigLayer]*EngineConfigSpec) *EngineConfigSpec {
	final := &EngineConfigSpec{}
	for _, layer := range LayerPrecedenceOrder() {
		spec := layerSpecs[layer]
		if spec == nil {
			continue
		}
		mergeSpecs(final, spec)
	}
	return final
}

func mergeSpecs(dst, src *EngineConfigSpec) {
	if src.Global != nil {
		if dst.Global == nil {
			dst.Global = &GlobalConfigSection{}
		}
		mergeGlobal(dst.Global, src.Global)
	}
	if src.Scheduling != nil {
		if dst.Scheduling == nil {
			dst.Scheduling = &SchedulingConfigSection{}
		}
		mergeScheduling(dst.Scheduling, src.Scheduling)
	}
	if src.Strategy != nil {
		if dst.Strategy == nil {
			dst.Strategy = &StrategyConfigSection{}
		}
		mergeStrategy(dst.Strategy, src.Strategy)
	}
	if src.Engine != nil {
		if dst.Engine == nil {
			dst.Engine = &EngineConfigSection{}
		}
		mergeEngine(dst.Engine, src.Engine)
	}
	if src.Policies != nil {
		if dst.Policies == nil {
			dst.Policies = &PoliciesConfigSection{}
		}
		mergePolicies(dst.Policies, src.Policies)
	}
	if src.Rollout != nil {
		// Rollout is replaced as a unit: a higher layer fully owns strategy.
		dst.Rollout = cloneRollout(src.Rollout)
	}
}

func mergeGlobal(dst, src *GlobalConfigSection) {
	if src.MaxConcurrency != 0 {
		dst.MaxConcurrency = src.MaxConcurrency
	}
	if src.MaxPerDomain != 0 {
		dst.MaxPerDomain = src.MaxPerDomain
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.LoggingLevel != "" {
		dst.LoggingLevel = src.LoggingLevel
	}
	if src.RetryPolicy != nil {
		if dst.RetryPolicy == nil {
			dst.RetryPolicy = &RetryPolicySpec{}
		}
		dst.RetryPolicy.MaxRetries = src.RetryPolicy.MaxRetries
		dst.RetryPolicy.InitialDelay = src.RetryPolicy.InitialDelay
		dst.RetryPolicy.BackoffFactor = src.RetryPolicy.BackoffFactor
	}
}

func mergeScheduling(dst, src *SchedulingConfigSection) {
	if src.DomainRules != nil {
		if dst.DomainRules == nil {
			dst.DomainRules = make(map[string]*DomainRule, len(src.DomainRules))
		}
		for k, v := range src.DomainRules {
			if v == nil {
				continue
			}
			dst.DomainRules[k] = cloneDomainRule(v)
		}
	}
	if src.RateRules != nil {
		if dst.RateRules == nil {
			dst.RateRules = &RateOverrideSection{}
		}
		if src.RateRules.DefaultRPS != 0 {
			dst.RateRules.DefaultRPS = src.RateRules.DefaultRPS
		}
		if src.RateRules.DomainRPS != nil {
			if dst.RateRules.DomainRPS == nil {
				dst.RateRules.DomainRPS = make(map[string]float64, len(src.RateRules.DomainRPS))
			}
			for k, v := range src.RateRules.DomainRPS {
				dst.RateRules.DomainRPS[k] = v
			}
		}
	}
}

func mergeStrategy(dst, src *StrategyConfigSection) {
	if len(src.SeedStrategyIDs) > 0 {
		dst.SeedStrategyIDs = cloneStringSlice(src.SeedStrategyIDs)
	}
	if src.MinConfidence != 0 {
		dst.MinConfidence = src.MinConfidence
	}
	if len(src.NormalizerChain) > 0 {
		dst.NormalizerChain = cloneStringSlice(src.NormalizerChain)
	}
	if src.FieldNormalizers != nil {
		if dst.FieldNormalizers == nil {
			dst.FieldNormalizers = make(map[string]string, len(src.FieldNormalizers))
		}
		for k, v := range src.FieldNormalizers {
			dst.FieldNormalizers[k] = v
		}
	}
}

func mergeEngine(dst, src *EngineConfigSection) {
	if src.DefaultComplexity != "" {
		dst.DefaultComplexity = src.DefaultComplexity
	}
	// bool override: the higher layer's explicit value always wins.
	dst.ProxyRotation = src.ProxyRotation
	if src.FingerprintPools != nil {
		if dst.FingerprintPools == nil {
			dst.FingerprintPools = make(map[string]string, len(src.FingerprintPools))
		}
		for k, v := range src.FingerprintPools {
			dst.FingerprintPools[k] = v
		}
	}
	if len(src.RequiredFields) > 0 {
		dst.RequiredFields = cloneStringSlice(src.RequiredFields)
	}
}

func mergePolicies(dst, src *PoliciesConfigSection) {
	if src.DomainPolicyRules != nil {
		// Replace entire slice: the higher layer is authoritative for
		// ordering/priority context.
		cloned := make([]*DomainPolicyRule, 0, len(src.DomainPolicyRules))
		for _, r := range src.DomainPolicyRules {
			if r == nil {
				continue
			}
			cr := *r
			cloned = append(cloned, &cr)
		}
		dst.DomainPolicyRules = cloned
	}
	if src.EnabledFlags != nil {
		if dst.EnabledFlags == nil {
			dst.EnabledFlags = make(map[string]bool, len(src.EnabledFlags))
		}
		for k, v := range src.EnabledFlags {
			dst.EnabledFlags[k] = v
		}
	}
}

func cloneDomainRule(r *DomainRule) *DomainRule {
	if r == nil {
		return nil
	}
	c := *r
	if len(r.StrategySeedIDs) > 0 {
		c.StrategySeedIDs = cloneStringSlice(r.StrategySeedIDs)
	}
	return &c
}

func cloneRollout(r *RolloutSpec) *RolloutSpec {
	if r == nil {
		return nil
	}
	c := *r
	if len(r.CohortDomains) > 0 {
		c.CohortDomains = cloneStringSlice(r.CohortDomains)
	}
	if len(r.CohortDomainGlobs) > 0 {
		c.CohortDomainGlobs = cloneStringSlice(r.CohortDomainGlobs)
	}
	return &c
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
