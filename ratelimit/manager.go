package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
)

// clock is the time source the gate/eviction math runs against. WithClock
// substitutes another one so cooldown/circuit-breaker transitions can be
// driven deterministically instead of racing the wall clock.
type clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Manager owns one domainGate per normalized domain, sharded by FNV hash so
// the hot path (Allow/Reserve/Feedback, called once per queue item) never
// contends on a single global lock.
type Manager struct {
	cfg    models.RateLimitConfig
	clock  clock
	shards []*shard

	mask uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	evictWG  sync.WaitGroup
}

type shard struct {
	mu      sync.RWMutex
	domains map[string]*domainGate
}

func NewManager(cfg models.RateLimitConfig) *Manager {
	if cfg.Shards <= 0 || cfg.Shards&(cfg.Shards-1) != 0 {
		cfg.Shards = 16
	}
	if cfg.DomainStateTTL <= 0 {
		cfg.DomainStateTTL = 2 * time.Minute
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{domains: make(map[string]*domainGate)}
	}
	m := &Manager{
		cfg:    cfg,
		clock:  wallClock{},
		shards: shards,
		mask:   uint64(cfg.Shards - 1),
		stopCh: make(chan struct{}),
	}
	m.evictWG.Add(1)
	go m.evictLoop()
	return m
}

// WithClock overrides the manager's time source, e.g. with a fake clock
// that drives cooldown and circuit-breaker transitions deterministically.
func (m *Manager) WithClock(c clock) *Manager {
	if c != nil {
		m.clock = c
	}
	return m
}

func (m *Manager) shardFor(domain string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return m.shards[uint64(h.Sum32())&m.mask]
}

func (m *Manager) gate(domain string) *domainGate {
	sh := m.shardFor(domain)
	sh.mu.RLock()
	g := sh.domains[domain]
	sh.mu.RUnlock()
	if g != nil {
		return g
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if g = sh.domains[domain]; g == nil {
		g = newDomainGate(m.cfg, m.clock.Now())
		sh.domains[domain] = g
	}
	return g
}

// Allow reports whether domain may be dispatched right now (not in cooldown,
// circuit not open). It does not consume a token.
func (m *Manager) Allow(domain string) bool {
	return m.gate(domain).allow(m.cfg, m.clock.Now())
}

// Reserve consumes one token for domain, or reports how long to wait.
func (m *Manager) Reserve(domain string) (time.Duration, bool) {
	return m.gate(domain).reserve(m.clock.Now())
}

// Feedback folds an attempt's outcome into the domain's rate/circuit/cooldown
// state.
func (m *Manager) Feedback(domain string, fb Feedback) {
	m.gate(domain).applyFeedback(m.cfg, fb, m.clock.Now())
}

// SetDomainOverride forces domain's current fill rate to rps, e.g. from a
// hot-reloaded configx RateRules.DomainRPS override. The domain's gate is
// created (with the manager's normal defaults) if it doesn't exist yet.
func (m *Manager) SetDomainOverride(domain string, rps float64) {
	m.gate(domain).setBaseRate(rps)
}

// Snapshot returns a read-only view of one domain, or the zero value and
// false if the domain has no recorded state yet.
func (m *Manager) Snapshot(domain string) (DomainSummary, bool) {
	sh := m.shardFor(domain)
	sh.mu.RLock()
	g, ok := sh.domains[domain]
	sh.mu.RUnlock()
	if !ok {
		return DomainSummary{}, false
	}
	return g.snapshot(), true
}

// All returns a snapshot of every tracked domain, used by the scheduler's
// adaptive-interval feedback loop and by Queue.Stats().
func (m *Manager) All() map[string]DomainSummary {
	out := make(map[string]DomainSummary)
	for _, sh := range m.shards {
		sh.mu.RLock()
		for domain, g := range sh.domains {
			out[domain] = g.snapshot()
		}
		sh.mu.RUnlock()
	}
	return out
}

func (m *Manager) evictLoop() {
	defer m.evictWG.Done()
	interval := m.cfg.DomainStateTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	ttl := m.cfg.DomainStateTTL
	if ttl <= 0 {
		return
	}
	now := m.clock.Now()
	for _, sh := range m.shards {
		sh.mu.Lock()
		for domain, g := range sh.domains {
			g.mu.Lock()
			idle := now.Sub(g.lastActivity)
			g.mu.Unlock()
			if idle >= ttl {
				delete(sh.domains, domain)
			}
		}
		sh.mu.Unlock()
	}
}

// Close stops the background eviction loop. Idempotent.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.evictWG.Wait()
	})
	return nil
}
