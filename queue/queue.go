// Package queue implements the Concurrency Queue: a bounded, multi-priority
// work queue that gates global and per-domain parallelism and hands ready
// items to the extraction engine's worker pool.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/ratelimit"
	"github.com/jnbrc0de/scrapingsmart/telemetry/logging"
	"github.com/jnbrc0de/scrapingsmart/telemetry/metrics"
)

var (
	ErrQueueFull    = errors.New("queue: max_pending exceeded")
	ErrURLInFlight  = errors.New("queue: url already in-flight")
	ErrQueueClosed  = errors.New("queue: closed")
	ErrRetriesSpent = errors.New("queue: max_retries exhausted")
)

// Config holds the Concurrency Queue's tunables from §4.2/§6.
type Config struct {
	MaxPending     int                    `yaml:"max_pending"`
	MaxConcurrency int                    `yaml:"max_concurrency"`
	MaxPerDomain   int                    `yaml:"max_per_domain"`
	RateLimit      models.RateLimitConfig `yaml:"rate_limit"`
	MaxRetries     int                    `yaml:"max_retries"`
	BackoffBase    time.Duration          `yaml:"backoff_base"`
	BackoffCap     time.Duration          `yaml:"backoff_cap"`
}

func Defaults() Config {
	return Config{
		MaxPending:     10_000,
		MaxConcurrency: 10,
		MaxPerDomain:   2,
		MaxRetries:     3,
		BackoffBase:    2 * time.Second,
		BackoffCap:     10 * time.Minute,
		RateLimit: models.RateLimitConfig{
			InitialRPS:              0.2,
			MinRPS:                  0.05,
			MaxRPS:                  2,
			Burst:                   3,
			AIMDIncrease:            0.02,
			AIMDDecrease:            0.5,
			LatencyDegradeFactor:    3,
			ErrorRateThreshold:      0.5,
			MinSamplesForTrip:       5,
			ConsecutiveFailTrip:     4,
			OpenDuration:            30 * time.Second,
			HalfOpenProbes:          2,
			StatsWindow:             60 * time.Second,
			Shards:                  16,
			DomainStateTTL:          10 * time.Minute,
			CooldownBase:            60 * time.Second,
			CooldownMax:             30 * time.Minute,
			CooldownBlockMultiplier: 2,
		},
	}
}

// Item is one dispatch record handed from the Scheduler to the Queue.
type Item struct {
	URLID      string
	Domain     string
	Score      float64 // ascending: seconds until due, more negative/smaller = more urgent
	Priority   int      // explicit tie-break, ascending
	Deadline   time.Time
	Complexity models.ComplexityClass
	Attempt    int

	index int // heap bookkeeping
}

// Stats is a snapshot of queue depth and in-flight counts for observability.
type Stats struct {
	Depth         int
	DepthByClass  map[models.ComplexityClass]int
	InFlight      int
	InFlightByDomain map[string]int
	Requeues      int64
	Paused        bool
}

// Queue is the Concurrency Queue described in §4.2.
type Queue struct {
	cfg     Config
	limiter *ratelimit.Manager

	mu        sync.Mutex
	cond      *sync.Cond
	subqueues map[models.ComplexityClass]*itemHeap
	inFlight  map[string]struct{}
	domainSem map[string]int // current in-flight count per domain
	globalInFlight int
	expensiveInFlight int

	paused bool
	closed bool
	requeues int64

	rng *rand.Rand
	log logging.Logger

	depthGauge    metrics.Gauge
	requeueCounter metrics.Counter

	stopTicker chan struct{}
	tickerDone chan struct{}
}

func New(cfg Config) *Queue {
	q := &Queue{
		cfg:       cfg,
		limiter:   ratelimit.NewManager(cfg.RateLimit),
		subqueues: map[models.ComplexityClass]*itemHeap{
			models.ComplexityCheap:     {},
			models.ComplexityNormal:    {},
			models.ComplexityExpensive: {},
		},
		inFlight:  make(map[string]struct{}),
		domainSem: make(map[string]int),
		rng:       rand.New(rand.NewSource(1)),
		log:       logging.New(nil),
		stopTicker: make(chan struct{}),
		tickerDone: make(chan struct{}),
	}
	q.setMetricsLocked(metrics.NewNoopProvider())
	for _, h := range q.subqueues {
		heap.Init(h)
	}
	q.cond = sync.NewCond(&q.mu)
	go q.wakeTicker()
	return q
}

// SetLogger wires a correlation-aware logger into the queue, mirroring
// SetDomainRateOverride's post-construction configuration pattern.
func (q *Queue) SetLogger(log logging.Logger) {
	if log == nil {
		log = logging.New(nil)
	}
	q.mu.Lock()
	q.log = log
	q.mu.Unlock()
}

func (q *Queue) logger() logging.Logger {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.log
}

// SetMetrics wires a metrics.Provider into the queue: queue_depth tracks
// pending items by complexity class and queue_requeues_total counts
// backoff-and-redispatch events.
func (q *Queue) SetMetrics(provider metrics.Provider) {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	q.mu.Lock()
	q.setMetricsLocked(provider)
	depth := q.pendingLocked()
	q.mu.Unlock()
	q.depthGauge.Set(float64(depth))
}

func (q *Queue) setMetricsLocked(provider metrics.Provider) {
	q.depthGauge = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "priceguard", Subsystem: "queue", Name: "depth", Help: "Pending items across all complexity sub-queues",
	}})
	q.requeueCounter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "priceguard", Subsystem: "queue", Name: "requeues_total", Help: "Items requeued after a transient attempt failure",
	}})
}

// wakeTicker periodically broadcasts so a blocked Dequeue rechecks token
// availability even without a new Enqueue/Release (tokens refill with time
// alone).
func (q *Queue) wakeTicker() {
	defer close(q.tickerDone)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-q.stopTicker:
			return
		}
	}
}

// Enqueue accepts a dispatch record. It rejects duplicates of an in-flight
// URL and enforces max_pending.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, inflight := q.inFlight[item.URLID]; inflight {
		q.log.WarnCtx(context.Background(), "queue: enqueue rejected, url already in-flight", "url_id", item.URLID, "domain", item.Domain)
		return fmt.Errorf("%w: %s", ErrURLInFlight, item.URLID)
	}
	if q.pendingLocked() >= q.cfg.MaxPending {
		q.log.WarnCtx(context.Background(), "queue: enqueue rejected, max_pending exceeded", "url_id", item.URLID, "domain", item.Domain, "max_pending", q.cfg.MaxPending)
		return fmt.Errorf("%w: %d", ErrQueueFull, q.cfg.MaxPending)
	}
	h, ok := q.subqueues[item.Complexity]
	if !ok {
		h = q.subqueues[models.ComplexityNormal]
	}
	heap.Push(h, &item)
	q.depthGauge.Set(float64(q.pendingLocked()))
	q.cond.Broadcast()
	return nil
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, h := range q.subqueues {
		n += h.Len()
	}
	return n
}

// Dequeue blocks until an item whose domain has an available token/slot
// becomes ready, the queue is paused for the duration, or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	done := make(chan struct{})
	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			close(done)
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer stop()
	}

	for {
		if q.closed {
			return Item{}, ErrQueueClosed
		}
		select {
		case <-done:
			return Item{}, ctx.Err()
		default:
		}
		if !q.paused {
			if it, ok := q.popReadyLocked(); ok {
				return it, nil
			}
		}
		q.cond.Wait()
	}
}

// popReadyLocked scans the complexity sub-queues in a fixed order
// (expensive, cheap, normal) and takes the earliest-due item of the first
// one that has an item whose domain and global/complexity slots currently
// permit dispatch. The
// expensive class is served from its own reserved slot so a burst of
// expensive work can never starve cheap/normal items (§4.2 priority policy).
func (q *Queue) popReadyLocked() (Item, bool) {
	reservedForExpensive := 1
	if q.cfg.MaxConcurrency <= 1 {
		reservedForExpensive = 0
	}
	generalCapacity := q.cfg.MaxConcurrency - reservedForExpensive

	order := []models.ComplexityClass{models.ComplexityExpensive, models.ComplexityCheap, models.ComplexityNormal}
	for _, class := range order {
		h := q.subqueues[class]
		_, idx, ok := q.peekReadyLocked(h, class, generalCapacity, reservedForExpensive)
		if !ok {
			continue
		}
		it := heap.Remove(h, idx).(*Item)
		q.commitDispatchLocked(*it, class)
		q.depthGauge.Set(float64(q.pendingLocked()))
		return *it, true
	}
	return Item{}, false
}

func (q *Queue) peekReadyLocked(h *itemHeap, class models.ComplexityClass, generalCapacity, reserved int) (Item, int, bool) {
	if h.Len() == 0 {
		return Item{}, -1, false
	}
	if class == models.ComplexityExpensive {
		if reserved == 0 || q.expensiveInFlight >= reserved {
			return Item{}, -1, false
		}
	} else if q.globalInFlight >= generalCapacity {
		return Item{}, -1, false
	}
	now := time.Now()
	for _, i := range h.sortedIndices() {
		it := h.items[i]
		if it.Attempt > 0 && now.Before(it.Deadline) {
			// Requeued after a transient failure: held back until its
			// backoff deadline.
			continue
		}
		if q.domainSem[it.Domain] >= q.effectiveMaxPerDomain() {
			continue
		}
		if !q.limiter.Allow(it.Domain) {
			continue
		}
		if _, ok := q.limiter.Reserve(it.Domain); !ok {
			continue
		}
		return *it, i, true
	}
	return Item{}, -1, false
}

func (q *Queue) effectiveMaxPerDomain() int {
	if q.cfg.MaxPerDomain <= 0 {
		return 1
	}
	return q.cfg.MaxPerDomain
}

func (q *Queue) commitDispatchLocked(it Item, class models.ComplexityClass) {
	q.inFlight[it.URLID] = struct{}{}
	q.domainSem[it.Domain]++
	if class == models.ComplexityExpensive {
		q.expensiveInFlight++
	} else {
		q.globalInFlight++
	}
}

// Release returns the slots held by a dispatched item. Callers must call
// Release exactly once per successful Dequeue, on every exit path.
func (q *Queue) Release(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, it.URLID)
	if n := q.domainSem[it.Domain]; n <= 1 {
		delete(q.domainSem, it.Domain)
	} else {
		q.domainSem[it.Domain] = n - 1
	}
	if it.Complexity == models.ComplexityExpensive {
		if q.expensiveInFlight > 0 {
			q.expensiveInFlight--
		}
	} else if q.globalInFlight > 0 {
		q.globalInFlight--
	}
	q.cond.Broadcast()
}

// Requeue re-enqueues item after a transient failure with exponential
// backoff and jitter, per §4.2. Once max_retries is exhausted, the item is
// dropped back to the caller so the Scheduler can take over reassignment.
func (q *Queue) Requeue(it Item, now time.Time) error {
	it.Attempt++
	if it.Attempt > q.cfg.MaxRetries {
		q.logger().WarnCtx(context.Background(), "queue: max_retries exhausted", "url_id", it.URLID, "domain", it.Domain, "max_retries", q.cfg.MaxRetries)
		return ErrRetriesSpent
	}
	base := q.cfg.BackoffBase
	cap := q.cfg.BackoffCap
	delay := base << uint(min(it.Attempt, 20))
	if cap > 0 && delay > cap {
		delay = cap
	}
	jitter := 0.5 + q.jitterFraction()
	delay = time.Duration(float64(delay) * jitter)
	it.Deadline = now.Add(delay)

	q.mu.Lock()
	q.requeues++
	counter := q.requeueCounter
	q.mu.Unlock()
	counter.Inc(1)
	q.Release(it)
	return q.Enqueue(it)
}

func (q *Queue) jitterFraction() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rng.Float64()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Feedback forwards attempt outcomes to the rate limiter.
func (q *Queue) Feedback(domain string, fb ratelimit.Feedback) {
	q.limiter.Feedback(domain, fb)
}

// DomainSnapshot exposes one domain's rate/cooldown state, consumed by the
// Scheduler's adaptive-interval feedback loop.
func (q *Queue) DomainSnapshot(domain string) (ratelimit.DomainSummary, bool) {
	return q.limiter.Snapshot(domain)
}

// SetDomainRateOverride forces domain's token bucket fill rate, used to
// apply a hot-reloaded configx RateRules.DomainRPS override without
// restarting the queue.
func (q *Queue) SetDomainRateOverride(domain string, rps float64) {
	q.limiter.SetDomainOverride(domain, rps)
}

// Pause gates all dequeues without dropping pending items.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume un-gates dequeues.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Close stops accepting new work and wakes all blocked dequeuers.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stopTicker)
	}
	log := q.log
	depth := q.pendingLocked()
	q.cond.Broadcast()
	q.mu.Unlock()
	log.InfoCtx(context.Background(), "queue: closing", "pending", depth)
	<-q.tickerDone
	_ = q.limiter.Close()
}

// Stats returns a point-in-time snapshot of queue depth and in-flight work.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byClass := make(map[models.ComplexityClass]int, len(q.subqueues))
	for class, h := range q.subqueues {
		byClass[class] = h.Len()
	}
	byDomain := make(map[string]int, len(q.domainSem))
	for d, n := range q.domainSem {
		byDomain[d] = n
	}
	return Stats{
		Depth:            q.pendingLocked(),
		DepthByClass:     byClass,
		InFlight:         len(q.inFlight),
		InFlightByDomain: byDomain,
		Requeues:         q.requeues,
		Paused:           q.paused,
	}
}
