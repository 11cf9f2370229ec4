package configx

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrHashMismatch indicates the caller's expected parent hash no longer
// matches Head — another actor committed a version concurrently.
var ErrHashMismatch = errors.New("configx: parent hash mismatch, retry against current head")

// VersionedStore is an append-only, content-addressed history of committed
// EngineConfigSpec values. Each entry is hashed from its canonical JSON
// encoding so two actors proposing the same spec produce the same hash and
// a concurrent, divergent commit is detected via the parent-hash CAS check.
type VersionedStore struct {
	mu      sync.RWMutex
	history []*VersionedConfig
}

func NewVersionedStore() *VersionedStore {
	return &VersionedStore{}
}

// Head returns the most recently committed version, or nil if empty.
func (s *VersionedStore) Head() *VersionedConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return nil
	}
	return cloneVersioned(s.history[len(s.history)-1])
}

// Get returns the version at the given number, or nil if not found.
func (s *VersionedStore) Get(version int64) *VersionedConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.history {
		if v.Version == version {
			return cloneVersioned(v)
		}
	}
	return nil
}

// NextVersion reports the version number the next Append would assign.
func (s *VersionedStore) NextVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.history)) + 1
}

// ListAudit returns the commit trail, oldest first.
func (s *VersionedStore) ListAudit() []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditRecord, 0, len(s.history))
	for _, v := range s.history {
		out = append(out, AuditRecord{
			Version:     v.Version,
			Hash:        v.Hash,
			Actor:       v.Actor,
			AppliedAt:   v.AppliedAt,
			Parent:      v.Parent,
			DiffSummary: v.DiffSummary,
		})
	}
	return out
}

// Append commits a new spec on top of expectedParentHash (the Head's hash
// at the time the caller read it). Returns ErrHashMismatch if the store's
// head has moved on since.
func (s *VersionedStore) Append(spec *EngineConfigSpec, actor, diffSummary, expectedParentHash string, appliedAt time.Time) (*VersionedConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parentVersion int64
	if len(s.history) > 0 {
		head := s.history[len(s.history)-1]
		if head.Hash != expectedParentHash {
			return nil, ErrHashMismatch
		}
		parentVersion = head.Version
	} else if expectedParentHash != "" {
		return nil, ErrHashMismatch
	}

	hash, err := hashSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("configx: hash spec: %w", err)
	}
	vc := &VersionedConfig{
		Version:     int64(len(s.history)) + 1,
		Spec:        cloneSpec(spec),
		Hash:        hash,
		AppliedAt:   appliedAt,
		Actor:       actor,
		Parent:      parentVersion,
		DiffSummary: diffSummary,
	}
	s.history = append(s.history, vc)
	return cloneVersioned(vc), nil
}

// Verify recomputes the hash of every entry and confirms it matches the
// stored value, detecting any tampering with the in-memory history.
func (s *VersionedStore) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.history {
		h, err := hashSpec(v.Spec)
		if err != nil {
			return fmt.Errorf("configx: verify version %d: %w", v.Version, err)
		}
		if h != v.Hash {
			return fmt.Errorf("configx: verify version %d: hash mismatch", v.Version)
		}
	}
	return nil
}

func hashSpec(spec *EngineConfigSpec) (string, error) {
	canon, err := canonicalJSON(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalJSON produces a deterministic JSON encoding: the spec is
// marshaled, decoded into generic maps and slices, and re-encoded by
// marshalSorted with every object's keys walked in sorted order, so map
// fields such as DomainRules hash the same regardless of insertion order.
func canonicalJSON(spec *EngineConfigSpec) ([]byte, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}

func cloneSpec(spec *EngineConfigSpec) *EngineConfigSpec {
	if spec == nil {
		return nil
	}
	out := &EngineConfigSpec{}
	if spec.Global != nil {
		g := *spec.Global
		if spec.Global.RetryPolicy != nil {
			rp := *spec.Global.RetryPolicy
			g.RetryPolicy = &rp
		}
		out.Global = &g
	}
	if spec.Scheduling != nil {
		out.Scheduling = &SchedulingConfigSection{}
		if spec.Scheduling.DomainRules != nil {
			out.Scheduling.DomainRules = make(map[string]*DomainRule, len(spec.Scheduling.DomainRules))
			for k, v := range spec.Scheduling.DomainRules {
				out.Scheduling.DomainRules[k] = cloneDomainRule(v)
			}
		}
		if spec.Scheduling.RateRules != nil {
			rr := *spec.Scheduling.RateRules
			if spec.Scheduling.RateRules.DomainRPS != nil {
				rr.DomainRPS = make(map[string]float64, len(spec.Scheduling.RateRules.DomainRPS))
				for k, v := range spec.Scheduling.RateRules.DomainRPS {
					rr.DomainRPS[k] = v
				}
			}
			out.Scheduling.RateRules = &rr
		}
	}
	if spec.Strategy != nil {
		st := *spec.Strategy
		st.SeedStrategyIDs = cloneStringSlice(spec.Strategy.SeedStrategyIDs)
		st.NormalizerChain = cloneStringSlice(spec.Strategy.NormalizerChain)
		if spec.Strategy.FieldNormalizers != nil {
			st.FieldNormalizers = make(map[string]string, len(spec.Strategy.FieldNormalizers))
			for k, v := range spec.Strategy.FieldNormalizers {
				st.FieldNormalizers[k] = v
			}
		}
		out.Strategy = &st
	}
	if spec.Engine != nil {
		e := *spec.Engine
		e.RequiredFields = cloneStringSlice(spec.Engine.RequiredFields)
		if spec.Engine.FingerprintPools != nil {
			e.FingerprintPools = make(map[string]string, len(spec.Engine.FingerprintPools))
			for k, v := range spec.Engine.FingerprintPools {
				e.FingerprintPools[k] = v
			}
		}
		out.Engine = &e
	}
	if spec.Policies != nil {
		out.Policies = &PoliciesConfigSection{}
		if spec.Policies.DomainPolicyRules != nil {
			rules := make([]*DomainPolicyRule, len(spec.Policies.DomainPolicyRules))
			for i, r := range spec.Policies.DomainPolicyRules {
				if r == nil {
					continue
				}
				cr := *r
				rules[i] = &cr
			}
			out.Policies.DomainPolicyRules = rules
		}
		if spec.Policies.EnabledFlags != nil {
			out.Policies.EnabledFlags = make(map[string]bool, len(spec.Policies.EnabledFlags))
			for k, v := range spec.Policies.EnabledFlags {
				out.Policies.EnabledFlags[k] = v
			}
		}
	}
	if spec.Rollout != nil {
		out.Rollout = cloneRollout(spec.Rollout)
	}
	return out
}

func cloneVersioned(v *VersionedConfig) *VersionedConfig {
	if v == nil {
		return nil
	}
	c := *v
	c.Spec = cloneSpec(v.Spec)
	return &c
}
