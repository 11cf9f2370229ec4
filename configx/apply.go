package configx

import (
	"errors"
	"fmt"
	"time"
)

// ErrSimulationRejected is returned when Simulate marks a candidate
// unacceptable and the caller did not pass ApplyOptions.Force.
var ErrSimulationRejected = errors.New("configx: simulation rejected candidate, retry with Force to override")

// ApplyResult reports what Apply (or Rollback) actually committed.
type ApplyResult struct {
	Version   int64
	Hash      string
	SimImpact SimulationImpact
}

// Applier orchestrates validate -> simulate -> commit/rollback against a
// VersionedStore, the single path by which a new EngineConfigSpec becomes
// live.
type Applier struct {
	Store     *VersionedStore
	Simulator *Simulator
}

func NewApplier(store *VersionedStore, simulator *Simulator) *Applier {
	if simulator == nil {
		simulator = NewSimulator()
	}
	return &Applier{Store: store, Simulator: simulator}
}

// Apply validates candidate, simulates its impact against current, and —
// unless opts.DryRun — commits it to the store. A rejected simulation
// blocks the commit unless opts.Force is set.
func (a *Applier) Apply(current, candidate *EngineConfigSpec, opts ApplyOptions) (*ApplyResult, error) {
	if err := ValidateSpec(candidate); err != nil {
		return nil, fmt.Errorf("configx: validate candidate: %w", err)
	}

	impact := a.Simulator.Simulate(current, candidate)
	if !impact.Acceptable && !opts.Force {
		return &ApplyResult{SimImpact: impact}, ErrSimulationRejected
	}

	if opts.DryRun {
		return &ApplyResult{SimImpact: impact}, nil
	}

	head := a.Store.Head()
	parentHash := ""
	if head != nil {
		parentHash = head.Hash
	}
	diff := fmt.Sprintf("changed=%v rule_delta=%d", impact.ChangedFields, impact.RuleCountDelta)
	vc, err := a.Store.Append(candidate, opts.Actor, diff, parentHash, time.Now())
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Version: vc.Version, Hash: vc.Hash, SimImpact: impact}, nil
}

// Rollback re-commits the spec from targetVersion as a new head entry,
// preserving append-only history (it never rewrites or truncates the log).
func (a *Applier) Rollback(targetVersion int64, actor string) (*ApplyResult, error) {
	target := a.Store.Get(targetVersion)
	if target == nil {
		return nil, fmt.Errorf("configx: rollback: version %d not found", targetVersion)
	}
	head := a.Store.Head()
	var current *EngineConfigSpec
	parentHash := ""
	if head != nil {
		current = head.Spec
		parentHash = head.Hash
	}
	impact := a.Simulator.Simulate(current, target.Spec)
	diff := fmt.Sprintf("rollback_to=%d", targetVersion)
	vc, err := a.Store.Append(target.Spec, actor, diff, parentHash, time.Now())
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Version: vc.Version, Hash: vc.Hash, SimImpact: impact}, nil
}
