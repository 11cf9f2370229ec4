// Package scheduler implements the §4.1 Scheduler: it decides the next
// monitoring time for every active URL and dispatches due URLs to the
// Concurrency Queue without synchronized bursts.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/ratelimit"
	"github.com/jnbrc0de/scrapingsmart/telemetry/logging"
)

// Store is the slice of the Strategy Store the scheduler needs: URL listing
// and optimistic last-check updates.
type Store interface {
	ListUrls(ctx context.Context) ([]models.MonitoredURL, error)
	UpdateLastCheck(ctx context.Context, urlID string, prev, next time.Time) (bool, error)
}

// DomainHealth reports a domain's rate-limiter state. The Queue satisfies
// this via its DomainSnapshot method; Tick uses it only to skip domains whose
// cooldown has not expired. The adaptive interval (§4.1) is computed from the
// scheduler's own 24h success ledger, fed by OnOutcome.
type DomainHealth interface {
	DomainSnapshot(domain string) (ratelimit.DomainSummary, bool)
}

// Dispatcher is the sink for due URLs — the Concurrency Queue's Enqueue.
type Dispatcher interface {
	Enqueue(item DispatchItem) error
}

// DispatchItem is one (url_id, priority_score, deadline) record.
type DispatchItem struct {
	URLID      string
	Domain     string
	Score      float64
	Priority   int
	Deadline   time.Time
	Complexity models.ComplexityClass
}

// Config holds the scheduler's tunables from §6.
type Config struct {
	TickInterval   time.Duration
	JitterFraction float64
	SuccessFloor   float64
}

func Defaults() Config {
	return Config{
		TickInterval:   60 * time.Second,
		JitterFraction: 0.083,
		SuccessFloor:   0.5,
	}
}

// successLedger tracks a rolling 24h window of per-domain outcomes so the
// adaptive-rate rule in §4.1 has a success_rate to compare against
// success_floor.
type successLedger struct {
	mu      sync.Mutex
	events  map[string][]ledgerEvent
	window  time.Duration
}

type ledgerEvent struct {
	at      time.Time
	success bool
}

func newSuccessLedger() *successLedger {
	return &successLedger{events: make(map[string][]ledgerEvent), window: 24 * time.Hour}
}

func (l *successLedger) record(domain string, success bool, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := append(l.events[domain], ledgerEvent{at: now, success: success})
	cutoff := now.Add(-l.window)
	kept := evs[:0]
	for _, e := range evs {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.events[domain] = kept
}

func (l *successLedger) rate(domain string, now time.Time) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := l.events[domain]
	if len(evs) == 0 {
		return 0, false
	}
	var ok int
	cutoff := now.Add(-l.window)
	var total int
	for _, e := range evs {
		if e.at.Before(cutoff) {
			continue
		}
		total++
		if e.success {
			ok++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(ok) / float64(total), true
}

// Scheduler drives the §4.1 tick/dispatch loop.
type Scheduler struct {
	cfg     Config
	store   Store
	health  DomainHealth
	sink    Dispatcher
	log     logging.Logger
	ledger  *successLedger

	mu              sync.Mutex
	intervalFactor  map[string]float64 // adaptive multiplier per domain, capped at 3x
	cooldownDomains map[string]time.Time
	baseOverride    map[string]time.Duration // configx DomainRule.BaseIntervalOverride, hot-reloaded

	rng *rand.Rand
	now func() time.Time
}

func New(cfg Config, store Store, health DomainHealth, sink Dispatcher, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.New(nil)
	}
	return &Scheduler{
		cfg:            cfg,
		store:          store,
		health:         health,
		sink:           sink,
		log:            log,
		ledger:         newSuccessLedger(),
		intervalFactor: make(map[string]float64),
		baseOverride:   make(map[string]time.Duration),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		now:            time.Now,
	}
}

// SetDomainBaseIntervalOverride applies a hot-reloaded configx
// DomainRule.BaseIntervalOverride: subsequent ticks use this interval for
// domain in place of each URL's own BaseInterval. A zero duration clears the
// override and reverts to the per-URL value.
func (s *Scheduler) SetDomainBaseIntervalOverride(domain string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interval <= 0 {
		delete(s.baseOverride, domain)
		return
	}
	s.baseOverride[domain] = interval
}

func (s *Scheduler) domainBaseInterval(domain string, fallback time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.baseOverride[domain]; ok {
		return d
	}
	return fallback
}

// intervalWeight is f(priority) from §4.1: f(0)=1.5, f(9)=0.5, linear.
func intervalWeight(priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	return 1.5 - float64(priority)*((1.5-0.5)/9.0)
}

// Tick runs one scheduling cycle: it lists active URLs, computes due times
// with jitter, and dispatches the ones that are due. Transient store errors
// are logged and the tick is skipped entirely — the scheduler never fails
// fatally.
func (s *Scheduler) Tick(ctx context.Context) (dispatched int, err error) {
	urls, err := s.store.ListUrls(ctx)
	if err != nil {
		s.log.ErrorCtx(ctx, "scheduler: list urls failed, skipping tick", "error", err)
		return 0, nil
	}
	now := s.now()
	jitter := s.cfg.JitterFraction

	type due struct {
		url   models.MonitoredURL
		score float64
	}
	var candidates []due

	for _, u := range urls {
		if !u.Active {
			continue
		}
		if s.domainInCooldown(u.Domain, now) {
			continue
		}
		factor := s.domainIntervalFactor(u.Domain)
		base := s.domainBaseInterval(u.Domain, u.BaseInterval)
		interval := time.Duration(float64(base) * intervalWeight(u.Priority) * factor)
		j := 1 + (s.rng.Float64()*2-1)*jitter
		scheduled := u.LastCheck.Add(time.Duration(float64(interval) * j))

		if now.Before(scheduled.Add(-s.cfg.TickInterval / 2)) {
			continue
		}
		candidates = append(candidates, due{url: u, score: scheduled.Sub(now).Seconds()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		if candidates[i].url.Priority != candidates[j].url.Priority {
			return candidates[i].url.Priority < candidates[j].url.Priority
		}
		return candidates[i].url.ID < candidates[j].url.ID
	})

	for _, c := range candidates {
		prevLastCheck := c.url.LastCheck
		ok, err := s.store.UpdateLastCheck(ctx, c.url.ID, prevLastCheck, now)
		if err != nil {
			s.log.ErrorCtx(ctx, "scheduler: update last_check failed, skipping url this tick", "url_id", c.url.ID, "error", err)
			continue
		}
		if !ok {
			// Lost the CAS race (concurrent scheduler or manual edit); skip,
			// it will be reconsidered next tick against fresh state.
			continue
		}
		item := DispatchItem{
			URLID:      c.url.ID,
			Domain:     c.url.Domain,
			Score:      c.score,
			Priority:   c.url.Priority,
			Deadline:   now.Add(s.cfg.TickInterval),
			Complexity: models.ComplexityNormal,
		}
		if err := s.sink.Enqueue(item); err != nil {
			// Enqueue rejection rolls back the optimistic last_check write so
			// this tick never causes a silent skip of a due URL.
			_, _ = s.store.UpdateLastCheck(ctx, c.url.ID, now, prevLastCheck)
			s.log.WarnCtx(ctx, "scheduler: enqueue rejected, last_check rolled back", "url_id", c.url.ID, "error", err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *Scheduler) domainInCooldown(domain string, now time.Time) bool {
	if s.health == nil {
		return false
	}
	snap, ok := s.health.DomainSnapshot(domain)
	if !ok {
		return false
	}
	return snap.CooldownUntil.After(now)
}

// domainIntervalFactor applies the adaptive-rate rule: if the domain's 24h
// success rate is below success_floor, multiply base_interval by
// 1+(success_floor-rate), capped at 3x.
func (s *Scheduler) domainIntervalFactor(domain string) float64 {
	rate, ok := s.ledger.rate(domain, s.now())
	if !ok || rate >= s.cfg.SuccessFloor {
		return 1.0
	}
	factor := 1 + (s.cfg.SuccessFloor - rate)
	if factor > 3 {
		factor = 3
	}
	return factor
}

// OnOutcome updates the domain's success ledger from a completed attempt.
func (s *Scheduler) OnOutcome(result models.AttemptResult, domain string) {
	s.ledger.record(domain, result.Outcome == models.OutcomeOk, s.now())
}
