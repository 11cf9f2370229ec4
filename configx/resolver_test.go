package configx

import (
	"testing"
	"time"
)

func TestResolverBasicPrecedence(t *testing.T) {
	r := NewResolver()
	layers := map[ConfigLayer]*EngineConfigSpec{
		LayerGlobal: {
			Global:     &GlobalConfigSection{MaxConcurrency: 5, LoggingLevel: "info"},
			Scheduling: &SchedulingConfigSection{RateRules: &RateOverrideSection{DefaultRPS: 1}},
		},
		LayerEnvironment: {
			Global: &GlobalConfigSection{MaxConcurrency: 10}, // overrides global
		},
		LayerURL: {
			Global:     &GlobalConfigSection{LoggingLevel: "debug"}, // overrides earlier
			Scheduling: &SchedulingConfigSection{RateRules: &RateOverrideSection{DefaultRPS: 0.5}},
		},
	}
	final := r.Resolve(layers)
	if final.Global == nil || final.Scheduling == nil || final.Scheduling.RateRules == nil {
		t.Fatalf("expected merged sections to be non-nil")
	}
	if final.Global.MaxConcurrency != 10 { // env layer override
		t.Fatalf("expected MaxConcurrency=10 got %d", final.Global.MaxConcurrency)
	}
	if final.Global.LoggingLevel != "debug" { // url layer override
		t.Fatalf("expected LoggingLevel=debug got %s", final.Global.LoggingLevel)
	}
	if final.Scheduling.RateRules.DefaultRPS != 0.5 { // url layer overrides env/global
		t.Fatalf("expected DefaultRPS=0.5 got %v", final.Scheduling.RateRules.DefaultRPS)
	}
}

func TestResolverMapMerging(t *testing.T) {
	r := NewResolver()
	global := &EngineConfigSpec{Scheduling: &SchedulingConfigSection{DomainRules: map[string]*DomainRule{
		"example.com": {BaseIntervalOverride: time.Hour},
	}}}
	domain := &EngineConfigSpec{Scheduling: &SchedulingConfigSection{DomainRules: map[string]*DomainRule{
		"example.com": {BaseIntervalOverride: 3 * time.Hour}, // override
		"newsite.org": {BaseIntervalOverride: 2 * time.Hour},
	}}}
	final := r.Resolve(map[ConfigLayer]*EngineConfigSpec{LayerGlobal: global, LayerDomain: domain})
	if got := final.Scheduling.DomainRules["example.com"].BaseIntervalOverride; got != 3*time.Hour {
		t.Fatalf("expected override interval 3h got %s", got)
	}
	if _, ok := final.Scheduling.DomainRules["newsite.org"]; !ok {
		t.Fatalf("expected newsite.org to be present")
	}
	// Mutation safety: modifying source after resolve must not affect final.
	global.Scheduling.DomainRules["example.com"].BaseIntervalOverride = 99 * time.Hour
	if final.Scheduling.DomainRules["example.com"].BaseIntervalOverride == 99*time.Hour {
		t.Fatalf("final structure mutated after source change")
	}
}

func TestResolverSliceReplacement(t *testing.T) {
	r := NewResolver()
	specA := &EngineConfigSpec{Strategy: &StrategyConfigSection{NormalizerChain: []string{"a", "b"}}}
	specB := &EngineConfigSpec{Strategy: &StrategyConfigSection{NormalizerChain: []string{"x"}}}
	final := r.Resolve(map[ConfigLayer]*EngineConfigSpec{LayerGlobal: specA, LayerURL: specB})
	if len(final.Strategy.NormalizerChain) != 1 || final.Strategy.NormalizerChain[0] != "x" {
		t.Fatalf("expected slice replacement by higher layer")
	}
	// Ensure slice was cloned.
	specB.Strategy.NormalizerChain[0] = "mutated"
	if final.Strategy.NormalizerChain[0] == "mutated" {
		t.Fatalf("expected cloning of slice to prevent mutation propagation")
	}
}
