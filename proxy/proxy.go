// Package proxy implements the §6 ProxyPool capability: a read-only,
// lock-free-in-the-hot-path snapshot of healthy proxy endpoints per domain,
// refreshed periodically from health reports (§5's "selection must be
// lock-free in the hot path" requirement).
package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jnbrc0de/scrapingsmart/browser"
)

// Outcome classifies one reported use of an endpoint.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

type endpointHealth struct {
	endpoint   browser.ProxyEndpoint
	successes  int64
	failures   int64
	blocks     int64
	lastUsedAt atomic.Int64 // unix nano
}

func (h *endpointHealth) score() float64 {
	s, f, b := atomic.LoadInt64(&h.successes), atomic.LoadInt64(&h.failures), atomic.LoadInt64(&h.blocks)
	total := s + f + b
	if total == 0 {
		return 1 // unproven endpoints start optimistic so they get exercised
	}
	return float64(s) / float64(total)
}

// snapshot is the immutable, atomically-swapped view Select reads from
// without taking a lock, per §5.
type snapshot struct {
	byDomain map[string][]*endpointHealth
	all      []*endpointHealth
}

// Pool is the in-process ProxyPool implementation. A real deployment would
// seed it from an external provider; this one is seeded directly with a
// static or periodically-refreshed endpoint list.
type Pool struct {
	mu       sync.Mutex
	healths  map[string]*endpointHealth // by endpoint URL, for Report lookups
	snap     atomic.Pointer[snapshot]
	rrCursor atomic.Uint64
}

// NewPool constructs a Pool from a flat endpoint list. Every endpoint is
// usable for any domain until Refresh installs a domain-scoped index.
func NewPool(endpoints []browser.ProxyEndpoint) *Pool {
	p := &Pool{healths: make(map[string]*endpointHealth)}
	all := make([]*endpointHealth, 0, len(endpoints))
	for _, e := range endpoints {
		h := &endpointHealth{endpoint: e}
		p.healths[e.URL] = h
		all = append(all, h)
	}
	p.snap.Store(&snapshot{byDomain: map[string][]*endpointHealth{}, all: all})
	return p
}

// Select returns the best-scoring endpoint for domain, drawn from the
// domain's scoped list or, when the domain has none, from all endpoints;
// ties in score are broken round-robin.
func (p *Pool) Select(domain string) (browser.ProxyEndpoint, bool) {
	snap := p.snap.Load()
	if snap == nil || len(snap.all) == 0 {
		return browser.ProxyEndpoint{}, false
	}
	candidates := snap.byDomain[domain]
	if len(candidates) == 0 {
		candidates = snap.all
	}
	// The scan starts at a rotating offset, so endpoints with equal scores
	// (e.g. all still unproven) are handed out round-robin.
	n := len(candidates)
	start := int(p.rrCursor.Add(1) % uint64(n))
	best := candidates[start]
	bestScore := best.score()
	for i := 1; i < n; i++ {
		h := candidates[(start+i)%n]
		if s := h.score(); s > bestScore {
			best, bestScore = h, s
		}
	}
	best.lastUsedAt.Store(time.Now().UnixNano())
	return best.endpoint, true
}

// Report folds one attempt's outcome into the endpoint's health counters.
func (p *Pool) Report(endpoint browser.ProxyEndpoint, outcome Outcome) {
	p.mu.Lock()
	h, ok := p.healths[endpoint.URL]
	p.mu.Unlock()
	if !ok {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		atomic.AddInt64(&h.successes, 1)
	case OutcomeFailure:
		atomic.AddInt64(&h.failures, 1)
	case OutcomeBlocked:
		atomic.AddInt64(&h.blocks, 1)
	}
}

// Refresh atomically swaps in a domain-scoped endpoint index built from the
// current health map. URLs that are not already in the pool are ignored.
// Called periodically, never from the Select hot path.
func (p *Pool) Refresh(domainScoped map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byDomain := make(map[string][]*endpointHealth, len(domainScoped))
	for domain, urls := range domainScoped {
		list := make([]*endpointHealth, 0, len(urls))
		for _, u := range urls {
			if h, ok := p.healths[u]; ok {
				list = append(list, h)
			}
		}
		if len(list) > 0 {
			byDomain[domain] = list
		}
	}
	all := make([]*endpointHealth, 0, len(p.healths))
	for _, h := range p.healths {
		all = append(all, h)
	}
	p.snap.Store(&snapshot{byDomain: byDomain, all: all})
}
