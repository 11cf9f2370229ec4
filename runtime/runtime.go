// Package runtime composes the Scheduler, Concurrency Queue, Extraction
// Engine and Adaptive Learning Layer behind a single facade constructed
// once at startup (§9's "treat them as an explicit Runtime value
// constructed at startup and passed through; no ambient globals"),
// grounded on the teacher's engine.Engine composition root.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jnbrc0de/scrapingsmart/config"
	"github.com/jnbrc0de/scrapingsmart/learning"
	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/queue"
	"github.com/jnbrc0de/scrapingsmart/ratelimit"
	"github.com/jnbrc0de/scrapingsmart/scheduler"
	"github.com/jnbrc0de/scrapingsmart/telemetry/events"
	"github.com/jnbrc0de/scrapingsmart/telemetry/health"
	"github.com/jnbrc0de/scrapingsmart/telemetry/logging"
)

// QueueDispatcher adapts a *queue.Queue to scheduler.Dispatcher: the two
// packages describe the same dispatch record with their own local types
// (DispatchItem/Item) so neither depends on the other, and this is the one
// place that bridges them.
type QueueDispatcher struct {
	Queue *queue.Queue
}

func (d QueueDispatcher) Enqueue(item scheduler.DispatchItem) error {
	return d.Queue.Enqueue(queue.Item{
		URLID:      item.URLID,
		Domain:     item.Domain,
		Score:      item.Score,
		Priority:   item.Priority,
		Deadline:   item.Deadline,
		Complexity: item.Complexity,
	})
}

// URLStore is the slice of the Strategy Store the runtime loop needs beyond
// what the scheduler and learning layer already depend on directly.
type URLStore interface {
	GetURL(ctx context.Context, urlID string) (models.MonitoredURL, bool, error)
	InsertPriceRecord(ctx context.Context, r models.PriceRecord) error
	InsertAttemptLog(ctx context.Context, a models.AttemptResult) (bool, error)
}

// Attempter is the Extraction Engine slice the runtime drives.
type Attempter interface {
	Attempt(ctx context.Context, u models.MonitoredURL) (models.AttemptResult, error)
}

// Deps bundles every subsystem the Runtime composes. Each is already fully
// constructed (its own constructor applied its own defaults); Runtime only
// wires them together and owns the worker/tick loops.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Queue     *queue.Queue
	Engine    Attempter
	Learning  *learning.Layer
	Store     URLStore
	Log       logging.Logger
	// Events is the runtime's observability bus: published domain events
	// (rate-limit/cooldown state, health transitions, config reloads) are
	// independent of the direct Scheduler.OnOutcome/Learning.ApplyAttempt
	// calls on the critical path below, which must stay synchronous and
	// ordered per §5. Defaults to a fresh unmetered bus if nil.
	Events events.Bus
}

// Runtime drives the scheduler tick loop and the engine worker pool, and
// exposes a rolled-up health snapshot.
type Runtime struct {
	cfg    config.Config
	deps   Deps
	log    logging.Logger
	bus    events.Bus
	health *health.Evaluator
	lastHealth atomic.Value // string, last Overall status published

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// attemptCtx is the context every in-flight Engine.Attempt call runs
	// under. It is deliberately NOT derived from the ctx passed to Start:
	// that ctx is the caller's own shutdown signal (e.g. cancelled the
	// instant a SIGINT arrives, per cmd/priceguard/main.go), and deriving
	// attemptCtx from it would abort every in-flight attempt immediately
	// instead of letting Stop's grace window drain them (§5). cancelAttempts
	// is only ever called from Stop, after the grace window elapses.
	attemptCtx     context.Context
	cancelAttempts context.CancelFunc

	mu      sync.Mutex
	skipped int64 // scheduler ticks that errored/skipped
	retired int64 // learning-layer ApplyAttempt errors, proxy for retirement-pass failures
}

// New constructs a Runtime. Callers build each dependency with its own
// package's New/Defaults first (this mirrors the teacher's explicit,
// no-ambient-globals composition root, §9).
func New(cfg config.Config, deps Deps) *Runtime {
	if deps.Log == nil {
		deps.Log = logging.New(slog.Default())
	}
	if deps.Events == nil {
		deps.Events = events.NewBus(nil)
	}
	r := &Runtime{cfg: cfg, deps: deps, log: deps.Log, bus: deps.Events, stopCh: make(chan struct{})}
	r.attemptCtx, r.cancelAttempts = context.WithCancel(context.Background())
	r.health = health.NewEvaluator(cfg.Global.HealthCacheTTL,
		health.ProbeFunc(r.queueProbe),
		health.ProbeFunc(r.schedulerProbe),
		health.ProbeFunc(r.learningProbe),
	)
	return r
}

// Start launches the scheduler tick loop and cfg.Queue.MaxConcurrency
// engine workers. It returns immediately; call Stop (or cancel ctx) to wind
// down.
func (r *Runtime) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.tickLoop(ctx)

	workers := r.cfg.Queue.MaxConcurrency
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx)
	}
}

// Stop signals shutdown: the queue stops accepting new dequeues for
// pending-but-not-yet-dispatched items implicitly once workers observe
// stopCh, and waits up to cfg.Global.ShutdownGrace for in-flight attempts to
// drain *normally* before cancelling them (§5: "workers drain in-flight
// attempts up to a grace window, then cancel outstanding Page Sessions" —
// cancellation follows the grace window, it never precedes it).
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.deps.Queue.Pause()

	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()

	grace := r.cfg.Global.ShutdownGrace
	if grace <= 0 {
		grace = 60 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		r.log.WarnCtx(context.Background(), "runtime: shutdown grace window elapsed, cancelling in-flight attempts")
		r.cancelAttempts()
		<-done
	}
	r.deps.Queue.Close()
}

func (r *Runtime) tickLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.deps.Scheduler.Tick(ctx); err != nil {
				r.mu.Lock()
				r.skipped++
				r.mu.Unlock()
				r.log.ErrorCtx(ctx, "runtime: scheduler tick failed", "error", err)
				_ = r.bus.PublishCtx(ctx, events.Event{
					Category: events.CategoryError,
					Type:     "scheduler_tick_failed",
					Severity: "warning",
					Fields:   map[string]interface{}{"error": err.Error()},
				})
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) tickInterval() time.Duration {
	if r.cfg.Scheduler.TickInterval > 0 {
		return r.cfg.Scheduler.TickInterval
	}
	return 60 * time.Second
}

// workerLoop dequeues with a ctx derived from the caller's ctx that is also
// cancelled when Stop closes stopCh (so either an external shutdown signal
// or Stop ends a blocked Dequeue and stops it from picking up new work
// immediately) but hands every dequeued item to processItem under
// r.attemptCtx, which Stop cancels only after the grace window — an
// in-flight attempt never sees the caller's ctx cancellation directly.
func (r *Runtime) workerLoop(ctx context.Context) {
	defer r.wg.Done()
	dqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-dqCtx.Done():
		}
	}()
	for {
		item, err := r.deps.Queue.Dequeue(dqCtx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || dqCtx.Err() != nil {
				return
			}
			continue
		}
		r.processItem(r.attemptCtx, item)

		select {
		case <-r.stopCh:
			return
		default:
		}
	}
}

func (r *Runtime) processItem(ctx context.Context, item queue.Item) {
	u, ok, err := r.deps.Store.GetURL(ctx, item.URLID)
	if err != nil || !ok {
		r.deps.Queue.Release(item)
		return
	}

	result, err := r.deps.Engine.Attempt(ctx, u)
	if err != nil {
		// No attempt was actually made (e.g. store read failed); treat as
		// transient and requeue with backoff rather than losing the item.
		if rqErr := r.deps.Queue.Requeue(item, time.Now()); rqErr != nil {
			r.deps.Queue.Release(item)
		}
		return
	}

	r.handleResult(ctx, u, item, result)
}

// handleResult rejects a structurally invalid AttemptResult outright (the
// Engine is expected to emit only valid ones per §3, but a malformed
// result must never reach the learning layer, scheduler or store), then
// dedup-checks the attempt log insert before touching any
// learning/scheduler/rate-limiter state, so replaying the same
// AttemptResult (same url_id+started_at) is a no-op beyond the queue's own
// slot release — the dedup key lives in the store, not here, so the CAS
// is atomic with the insert (§8 property 8).
func (r *Runtime) handleResult(ctx context.Context, u models.MonitoredURL, item queue.Item, result models.AttemptResult) {
	if err := result.Validate(); err != nil {
		r.log.ErrorCtx(ctx, "runtime: dropping invalid attempt result", "url_id", u.ID, "error", err)
		r.deps.Queue.Release(item)
		return
	}

	fresh, err := r.deps.Store.InsertAttemptLog(ctx, result)
	if err != nil {
		r.log.ErrorCtx(ctx, "runtime: insert attempt log failed", "url_id", u.ID, "error", err)
		fresh = true // store error, not a dedup hit: still apply learning/scheduler feedback
	}

	if fresh {
		if err := r.deps.Learning.ApplyAttempt(ctx, u.Domain, result); err != nil {
			r.mu.Lock()
			r.retired++
			r.mu.Unlock()
			r.log.ErrorCtx(ctx, "runtime: learning layer update failed", "domain", u.Domain, "error", err)
		}
		r.deps.Scheduler.OnOutcome(result, u.Domain)

		fb := ratelimit.Feedback{Outcome: result.Outcome}
		if result.Outcome == models.OutcomeCaptcha || result.Outcome == models.OutcomeBlocked {
			if len(result.Signals) > 0 {
				fb.Block = &result.Signals[0]
			} else {
				fb.Block = &models.BlockSignal{Kind: string(result.Outcome)}
			}
			_ = r.bus.PublishCtx(ctx, events.Event{
				Category: events.CategoryRateLimit,
				Type:     "cooldown_extended",
				Severity: "warning",
				Labels:   map[string]string{"domain": u.Domain, "outcome": string(result.Outcome)},
			})
		}
		r.deps.Queue.Feedback(u.Domain, fb)
	} else {
		r.log.WarnCtx(ctx, "runtime: duplicate attempt result ignored", "url_id", u.ID, "started_at", result.StartedAt)
	}

	if fresh && result.Outcome == models.OutcomeOk && result.Record != nil {
		if err := r.deps.Store.InsertPriceRecord(ctx, *result.Record); err != nil {
			r.log.ErrorCtx(ctx, "runtime: insert price record failed", "url_id", u.ID, "error", err)
		}
	}

	if result.Outcome == models.OutcomeNetworkError {
		if err := r.deps.Queue.Requeue(item, time.Now()); err != nil {
			r.log.WarnCtx(ctx, "runtime: retries exhausted, dropping to scheduler reassignment", "url_id", u.ID)
			r.deps.Queue.Release(item)
		}
		return
	}
	r.deps.Queue.Release(item)
}

// PublishHealthTransition lets the CLI's configx reload loop (or any other
// external caller) emit a config_change/health event onto the same bus the
// runtime uses internally, so subscribers see one unified event stream.
func (r *Runtime) PublishHealthTransition(ctx context.Context, ev events.Event) error {
	return r.bus.PublishCtx(ctx, ev)
}

// Events exposes the runtime's bus for external subscribers (e.g. a
// dashboard or the CLI's own stdout event logger).
func (r *Runtime) Events() events.Bus { return r.bus }

// HealthSnapshot rolls up queue circuit-breaker state, scheduler skip
// counts, and learning-layer error counts into a single verdict (the
// SPEC_FULL-supplemented health snapshot). A change in the rolled-up
// overall status publishes a health_change event onto the runtime bus so
// external subscribers observe transitions without polling.
func (r *Runtime) HealthSnapshot(ctx context.Context) health.Snapshot {
	snap := r.health.Evaluate(ctx)
	cur := string(snap.Overall)
	prevRaw := r.lastHealth.Swap(cur)
	if prev, ok := prevRaw.(string); ok && prev != "" && prev != cur {
		_ = r.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryHealth,
			Type:     "health_change",
			Severity: "info",
			Fields:   map[string]interface{}{"previous": prev, "current": cur},
		})
	}
	return snap
}

func (r *Runtime) queueProbe(ctx context.Context) health.ProbeResult {
	stats := r.deps.Queue.Stats()
	if stats.Paused {
		return health.Degraded("queue", "paused")
	}
	if r.cfg.Queue.MaxPending > 0 && stats.Depth >= r.cfg.Queue.MaxPending {
		return health.Unhealthy("queue", "at max_pending capacity")
	}
	return health.Healthy("queue")
}

func (r *Runtime) schedulerProbe(ctx context.Context) health.ProbeResult {
	r.mu.Lock()
	skipped := r.skipped
	r.mu.Unlock()
	if skipped > 10 {
		return health.Degraded("scheduler", "repeated tick skips")
	}
	return health.Healthy("scheduler")
}

// learningProbe surfaces repeated ApplyAttempt failures (store writes behind
// the confidence update, retirement, or variant-generation passes): a
// learning layer that cannot persist its portfolio is still dispatching
// attempts through a stale strategy set.
func (r *Runtime) learningProbe(ctx context.Context) health.ProbeResult {
	r.mu.Lock()
	retired := r.retired
	r.mu.Unlock()
	if retired > 10 {
		return health.Unhealthy("learning", "repeated ApplyAttempt failures")
	}
	if retired > 0 {
		return health.Degraded("learning", "recent ApplyAttempt failures")
	}
	return health.Healthy("learning")
}
