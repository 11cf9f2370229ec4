package queue

import (
	"context"
	"testing"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/ratelimit"
	"github.com/stretchr/testify/require"
)

func fastRateLimit() models.RateLimitConfig {
	cfg := Defaults().RateLimit
	cfg.InitialRPS = 1000
	cfg.MaxRPS = 1000
	cfg.Burst = 1000
	return cfg
}

func TestEnqueueRejectsDuplicateInFlight(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit = fastRateLimit()
	q := New(cfg)
	defer q.Close()

	require.NoError(t, q.Enqueue(Item{URLID: "u1", Domain: "a.example", Complexity: models.ComplexityNormal}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", it.URLID)

	// Same URL enqueued again while the first is still in-flight must fail.
	err = q.Enqueue(Item{URLID: "u1", Domain: "a.example"})
	require.ErrorIs(t, err, ErrURLInFlight)

	q.Release(it)
	require.NoError(t, q.Enqueue(Item{URLID: "u1", Domain: "a.example"}))
}

func TestDequeueOrdersByScoreThenPriority(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit = fastRateLimit()
	cfg.MaxPerDomain = 10
	cfg.MaxConcurrency = 10
	q := New(cfg)
	defer q.Close()

	require.NoError(t, q.Enqueue(Item{URLID: "later", Domain: "a.example", Score: 5, Complexity: models.ComplexityNormal}))
	require.NoError(t, q.Enqueue(Item{URLID: "sooner", Domain: "a.example", Score: 1, Complexity: models.ComplexityNormal}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "sooner", first.URLID)
}

func TestMaxPerDomainGatesParallelism(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit = fastRateLimit()
	cfg.MaxPerDomain = 1
	cfg.MaxConcurrency = 10
	q := New(cfg)
	defer q.Close()

	require.NoError(t, q.Enqueue(Item{URLID: "u1", Domain: "a.example", Score: 1}))
	require.NoError(t, q.Enqueue(Item{URLID: "u2", Domain: "a.example", Score: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", it1.URLID)

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel2()
	_, err = q.Dequeue(shortCtx)
	require.Error(t, err, "second domain slot should be gated until the first is released")

	q.Release(it1)
	it2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "u2", it2.URLID)
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit = fastRateLimit()
	cfg.MaxPending = 1
	q := New(cfg)
	defer q.Close()

	require.NoError(t, q.Enqueue(Item{URLID: "u1", Domain: "a.example"}))
	err := q.Enqueue(Item{URLID: "u2", Domain: "a.example"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestRequeueAppliesBackoffAndExhaustsRetries(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit = fastRateLimit()
	cfg.MaxRetries = 1
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = time.Millisecond
	q := New(cfg)
	defer q.Close()

	require.NoError(t, q.Enqueue(Item{URLID: "u1", Domain: "a.example"}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(it, time.Now()))
	it2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, it2.Attempt)

	err = q.Requeue(it2, time.Now())
	require.ErrorIs(t, err, ErrRetriesSpent)
}

func TestFeedbackReachesRateLimiter(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit = fastRateLimit()
	q := New(cfg)
	defer q.Close()

	q.Feedback("a.example", ratelimit.Feedback{Outcome: models.OutcomeCaptcha, Block: &models.BlockSignal{Kind: "captcha"}})
	snap, ok := q.DomainSnapshot("a.example")
	require.True(t, ok)
	require.True(t, snap.CooldownUntil.After(time.Now().Add(-time.Minute)))
}
