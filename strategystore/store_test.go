package strategystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnbrc0de/scrapingsmart/models"
)

func TestUpdateLastCheckOptimisticCAS(t *testing.T) {
	store := New()
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)
	store.PutURL(models.MonitoredURL{ID: "u1", URL: "https://example.com", Domain: "example.com", LastCheck: t0})

	ok, err := store.UpdateLastCheck(ctx, "u1", t0, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// Stale prev (t0 again) must fail now that LastCheck has advanced.
	ok, err = store.UpdateLastCheck(ctx, "u1", t0, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListStrategiesFoldsInGenerics(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.UpsertStrategies(ctx, models.GenericDomain, []models.Strategy{
		{ID: "g1", Domain: models.GenericDomain, TargetField: "price"},
	}))
	require.NoError(t, store.UpsertStrategies(ctx, "shop.example", []models.Strategy{
		{ID: "s1", Domain: "shop.example", TargetField: "price"},
	}))

	got, err := store.ListStrategies(ctx, "shop.example")
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	require.True(t, ids["s1"])
	require.True(t, ids["g1"], "generic strategies must be visible to every domain")
}

func TestArchiveMovesStrategyOutOfLivePortfolio(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.UpsertStrategies(ctx, "shop.example", []models.Strategy{
		{ID: "s1", Domain: "shop.example", TargetField: "price"},
	}))

	require.NoError(t, store.Archive(ctx, "shop.example", "s1"))

	live, err := store.ListStrategies(ctx, "shop.example")
	require.NoError(t, err)
	require.Empty(t, live)

	archived := store.Archived("shop.example")
	require.Len(t, archived, 1)
	require.Equal(t, "s1", archived[0].ID)
}

func TestInsertAttemptLogDedupesByURLAndStartedAt(t *testing.T) {
	store := New()
	ctx := context.Background()
	started := time.Now()
	attempt := models.AttemptResult{URLID: "u1", StartedAt: started, FinishedAt: started.Add(time.Second), Outcome: models.OutcomeExtractionFailed}

	inserted, err := store.InsertAttemptLog(ctx, attempt)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.InsertAttemptLog(ctx, attempt)
	require.NoError(t, err)
	require.False(t, inserted, "a replay with the same (url_id, started_at) must not double-insert")
}

func TestGetURLReturnsFalseForUnknownID(t *testing.T) {
	store := New()
	_, ok, err := store.GetURL(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
