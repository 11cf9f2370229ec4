package learning

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnbrc0de/scrapingsmart/models"
)

type fakeStore struct {
	mu         sync.Mutex
	byDomain   map[string]map[string]models.Strategy
	archived   map[string]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byDomain: make(map[string]map[string]models.Strategy),
		archived: make(map[string]map[string]bool),
	}
}

func (s *fakeStore) put(domain string, st models.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byDomain[domain] == nil {
		s.byDomain[domain] = make(map[string]models.Strategy)
	}
	s.byDomain[domain][st.ID] = st
}

func (s *fakeStore) ListStrategies(ctx context.Context, domain string) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Strategy, 0)
	for _, st := range s.byDomain[domain] {
		if s.archived[domain] != nil && s.archived[domain][st.ID] {
			continue
		}
		out = append(out, st)
	}
	if domain != models.GenericDomain {
		for _, st := range s.byDomain[models.GenericDomain] {
			if s.archived[models.GenericDomain] != nil && s.archived[models.GenericDomain][st.ID] {
				continue
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertStrategies(ctx context.Context, domain string, strategies []models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byDomain[domain] == nil {
		s.byDomain[domain] = make(map[string]models.Strategy)
	}
	for _, st := range strategies {
		s.byDomain[domain][st.ID] = st
	}
	return nil
}

func (s *fakeStore) Archive(ctx context.Context, domain, strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archived[domain] == nil {
		s.archived[domain] = make(map[string]bool)
	}
	s.archived[domain][strategyID] = true
	return nil
}

func result(strategyID string, success bool) models.AttemptResult {
	return models.AttemptResult{
		StrategiesTried: []models.StrategyOutcome{{StrategyID: strategyID, Field: "price", Success: success}},
	}
}

func TestApplyAttemptUpdatesConfidenceOnSuccess(t *testing.T) {
	store := newFakeStore()
	store.put("shop.example", models.Strategy{ID: "s1", Domain: "shop.example", TargetField: "price", Confidence: 0.5})

	layer := New(Defaults(), store, nil)
	require.NoError(t, layer.ApplyAttempt(context.Background(), "shop.example", result("s1", true)))

	got, _ := store.ListStrategies(context.Background(), "shop.example")
	require.Len(t, got, 1)
	require.InDelta(t, 0.55, got[0].Confidence, 0.001) // 0.9*0.5+0.1
	require.Equal(t, 1, got[0].Attempts)
	require.Equal(t, 1, got[0].Successes)
}

func TestApplyAttemptGenericStrategyForksOnFirstSuccess(t *testing.T) {
	store := newFakeStore()
	store.put(models.GenericDomain, models.Strategy{ID: "generic-price", Domain: models.GenericDomain, TargetField: "price", Confidence: 0.5})

	layer := New(Defaults(), store, nil)
	require.NoError(t, layer.ApplyAttempt(context.Background(), "shop.example", result("generic-price", true)))

	domainStrategies, _ := store.ListStrategies(context.Background(), "shop.example")
	var fork *models.Strategy
	for i := range domainStrategies {
		if domainStrategies[i].Domain == "shop.example" {
			fork = &domainStrategies[i]
		}
	}
	require.NotNil(t, fork, "expected a domain-owned fork of the generic strategy")
	require.Equal(t, "generic-price", fork.ParentID)
	require.Equal(t, 1, fork.Attempts)

	generic, _ := store.ListStrategies(context.Background(), models.GenericDomain)
	require.Equal(t, 0.5, generic[0].Confidence, "generic original must stay untouched")
}

func TestApplyAttemptGenericForkAccumulatesAcrossAttempts(t *testing.T) {
	store := newFakeStore()
	store.put(models.GenericDomain, models.Strategy{ID: "generic-price", Domain: models.GenericDomain, TargetField: "price", Confidence: 0.5})

	layer := New(Defaults(), store, nil)
	ctx := context.Background()
	require.NoError(t, layer.ApplyAttempt(ctx, "shop.example", result("generic-price", true)))
	require.NoError(t, layer.ApplyAttempt(ctx, "shop.example", result("generic-price", true)))

	domainStrategies, _ := store.ListStrategies(ctx, "shop.example")
	var fork *models.Strategy
	for i := range domainStrategies {
		if domainStrategies[i].Domain == "shop.example" {
			fork = &domainStrategies[i]
		}
	}
	require.NotNil(t, fork)
	require.Equal(t, 2, fork.Attempts, "the fork's own attempt count must accumulate, not reset, on repeat attempts")
}

func TestApplyAttemptGenericFailureDoesNotMutateGeneric(t *testing.T) {
	store := newFakeStore()
	store.put(models.GenericDomain, models.Strategy{ID: "generic-price", Domain: models.GenericDomain, TargetField: "price", Confidence: 0.5})

	layer := New(Defaults(), store, nil)
	require.NoError(t, layer.ApplyAttempt(context.Background(), "shop.example", result("generic-price", false)))

	generic, _ := store.ListStrategies(context.Background(), models.GenericDomain)
	require.Equal(t, 0.5, generic[0].Confidence)

	domainStrategies, _ := store.ListStrategies(context.Background(), "shop.example")
	for _, s := range domainStrategies {
		require.NotEqual(t, "shop.example", s.Domain, "a failed generic attempt must not create a fork")
	}
}
