package configx

import (
	"testing"
	"time"
)

func TestVersionedStoreAppendAndHead(t *testing.T) {
	store := NewVersionedStore()
	spec := &EngineConfigSpec{Global: &GlobalConfigSection{MaxConcurrency: 3}}
	vc, err := store.Append(spec, "tester", "initial", "", time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if vc.Version != 1 {
		t.Fatalf("expected version 1 got %d", vc.Version)
	}
	head := store.Head()
	if head == nil || head.Version != 1 {
		t.Fatalf("expected head version 1")
	}
}

func TestVersionedStoreHashMismatchRejected(t *testing.T) {
	store := NewVersionedStore()
	spec := &EngineConfigSpec{Global: &GlobalConfigSection{MaxConcurrency: 3}}
	if _, err := store.Append(spec, "tester", "initial", "", time.Unix(1000, 0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	_, err := store.Append(spec, "tester", "stale parent", "not-the-real-hash", time.Unix(1000, 0))
	if err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch got %v", err)
	}
}

func TestVersionedStoreHashDeterministic(t *testing.T) {
	specA := &EngineConfigSpec{
		Scheduling: &SchedulingConfigSection{DomainRules: map[string]*DomainRule{
			"b.com": {MinDelay: 1},
			"a.com": {MinDelay: 2},
		}},
	}
	specB := &EngineConfigSpec{
		Scheduling: &SchedulingConfigSection{DomainRules: map[string]*DomainRule{
			"a.com": {MinDelay: 2},
			"b.com": {MinDelay: 1},
		}},
	}
	hashA, err := hashSpec(specA)
	if err != nil {
		t.Fatalf("hash A failed: %v", err)
	}
	hashB, err := hashSpec(specB)
	if err != nil {
		t.Fatalf("hash B failed: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected identical hashes regardless of map construction order, got %s vs %s", hashA, hashB)
	}
}

func TestVersionedStoreVerify(t *testing.T) {
	store := NewVersionedStore()
	spec := &EngineConfigSpec{Global: &GlobalConfigSection{MaxConcurrency: 3}}
	if _, err := store.Append(spec, "tester", "initial", "", time.Unix(1000, 0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}
