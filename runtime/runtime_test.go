package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnbrc0de/scrapingsmart/config"
	"github.com/jnbrc0de/scrapingsmart/learning"
	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/queue"
	"github.com/jnbrc0de/scrapingsmart/scheduler"
	"github.com/jnbrc0de/scrapingsmart/strategystore"
)

// fakeAttempter always reports a successful extraction, independent of the
// Extraction Engine's real browser/strategy machinery, so the runtime test
// focuses purely on the dispatch/feedback wiring.
type fakeAttempter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeAttempter) Attempt(ctx context.Context, u models.MonitoredURL) (models.AttemptResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	now := time.Now()
	price := 9.99
	return models.AttemptResult{
		URLID:      u.ID,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    models.OutcomeOk,
		StrategiesTried: []models.StrategyOutcome{
			{StrategyID: "s1", Field: "price", Success: true},
		},
		Record: &models.PriceRecord{URLID: u.ID, CheckedAt: now, Price: price},
	}, nil
}

func (f *fakeAttempter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRuntimeDispatchesAndRecordsOutcome(t *testing.T) {
	store := strategystore.New()
	store.PutURL(models.MonitoredURL{
		ID: "u1", URL: "https://shop.example/p/1", Domain: "shop.example",
		Priority: 0, BaseInterval: 10 * time.Millisecond, Active: true,
	})
	require.NoError(t, store.UpsertStrategies(context.Background(), "shop.example", []models.Strategy{
		{ID: "s1", Domain: "shop.example", TargetField: "price", Confidence: 0.5},
	}))

	cfg := config.Defaults()
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.Queue.MaxConcurrency = 1
	cfg.Global.ShutdownGrace = 2 * time.Second

	q := queue.New(cfg.Queue)
	sched := scheduler.New(cfg.Scheduler, store, q, QueueDispatcher{Queue: q}, nil)
	learningLayer := learning.New(learning.Defaults(), store, nil)
	attempter := &fakeAttempter{}

	rt := New(cfg, Deps{
		Scheduler: sched,
		Queue:     q,
		Engine:    attempter,
		Learning:  learningLayer,
		Store:     store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		return attempter.Calls() > 0
	}, 2*time.Second, 10*time.Millisecond)

	rt.Stop()

	records := store.Records()
	require.NotEmpty(t, records)
	require.Equal(t, "u1", records[0].URLID)
}

// TestHandleResultDedupesReplayedAttempt covers §8 property 8: processing
// the same AttemptResult (same url_id + started_at) twice must leave
// strategy metrics exactly where the first application left them.
func TestHandleResultDedupesReplayedAttempt(t *testing.T) {
	store := strategystore.New()
	store.PutURL(models.MonitoredURL{ID: "u1", URL: "https://shop.example/p/1", Domain: "shop.example", Active: true})
	require.NoError(t, store.UpsertStrategies(context.Background(), "shop.example", []models.Strategy{
		{ID: "s1", Domain: "shop.example", TargetField: "price", Confidence: 0.5},
	}))

	cfg := config.Defaults()
	q := queue.New(cfg.Queue)
	sched := scheduler.New(cfg.Scheduler, store, q, QueueDispatcher{Queue: q}, nil)
	learningLayer := learning.New(learning.Defaults(), store, nil)
	rt := New(cfg, Deps{Scheduler: sched, Queue: q, Engine: &fakeAttempter{}, Learning: learningLayer, Store: store})

	u := models.MonitoredURL{ID: "u1", Domain: "shop.example"}
	now := time.Now()
	result := models.AttemptResult{
		URLID:      "u1",
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    models.OutcomeOk,
		StrategiesTried: []models.StrategyOutcome{
			{StrategyID: "s1", Field: "price", Success: true},
		},
		Record: &models.PriceRecord{URLID: "u1", CheckedAt: now, Price: 9.99},
	}

	rt.handleResult(context.Background(), u, queue.Item{URLID: "u1", Domain: "shop.example"}, result)
	strategiesAfterFirst, err := store.ListStrategies(context.Background(), "shop.example")
	require.NoError(t, err)
	require.Len(t, strategiesAfterFirst, 1)
	confAfterFirst := strategiesAfterFirst[0].Confidence
	attemptsAfterFirst := strategiesAfterFirst[0].Attempts

	rt.handleResult(context.Background(), u, queue.Item{URLID: "u1", Domain: "shop.example"}, result)
	strategiesAfterSecond, err := store.ListStrategies(context.Background(), "shop.example")
	require.NoError(t, err)
	require.Len(t, strategiesAfterSecond, 1)
	require.Equal(t, confAfterFirst, strategiesAfterSecond[0].Confidence)
	require.Equal(t, attemptsAfterFirst, strategiesAfterSecond[0].Attempts)

	records := store.Records()
	require.Len(t, records, 1, "duplicate result must not be persisted twice")
}

func TestHealthSnapshotReflectsQueuePause(t *testing.T) {
	store := strategystore.New()
	cfg := config.Defaults()
	q := queue.New(cfg.Queue)
	sched := scheduler.New(cfg.Scheduler, store, q, QueueDispatcher{Queue: q}, nil)
	learningLayer := learning.New(learning.Defaults(), store, nil)

	rt := New(cfg, Deps{Scheduler: sched, Queue: q, Engine: &fakeAttempter{}, Learning: learningLayer, Store: store})

	snap := rt.HealthSnapshot(context.Background())
	require.NotEmpty(t, snap.Probes)

	q.Pause()
	rt.health.ForceInvalidate()
	snap = rt.HealthSnapshot(context.Background())
	found := false
	for _, p := range snap.Probes {
		if p.Name == "queue" {
			found = true
			require.NotEqual(t, "healthy", string(p.Status))
		}
	}
	require.True(t, found)
}
