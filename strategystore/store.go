// Package strategystore provides an in-memory implementation of the §6
// Strategy Store capability: MonitoredURL listing with optimistic
// last-check CAS, per-domain strategy portfolios with an append-only
// archive, and price-record/attempt-log sinks. Production deployments
// swap this for a transactional backend; this implementation is what the
// CLI dry-run and the test suite wire in, grounded on the teacher's
// configx.VersionedStore CAS pattern.
package strategystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnbrc0de/scrapingsmart/models"
)

// Store is the in-memory Strategy Store.
type Store struct {
	mu sync.RWMutex

	urls map[string]models.MonitoredURL

	strategies map[string]map[string]*models.Strategy // domain -> id -> strategy
	archived   map[string]map[string]*models.Strategy

	records []models.PriceRecord
	logs    []models.AttemptResult
	seen    map[string]struct{} // dedup key: url_id|started_at (§8 property 8)
}

func New() *Store {
	return &Store{
		urls:       make(map[string]models.MonitoredURL),
		strategies: make(map[string]map[string]*models.Strategy),
		archived:   make(map[string]map[string]*models.Strategy),
		seen:       make(map[string]struct{}),
	}
}

// PutURL registers or replaces a MonitoredURL (admin-facing seed path, not
// part of the §6 capability surface proper).
func (s *Store) PutURL(u models.MonitoredURL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[u.ID] = u
}

// GetURL looks up one MonitoredURL by id.
func (s *Store) GetURL(ctx context.Context, urlID string) (models.MonitoredURL, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.urls[urlID]
	return u, ok, nil
}

// ListUrls returns every registered MonitoredURL (the scheduler filters
// Active itself).
func (s *Store) ListUrls(ctx context.Context) ([]models.MonitoredURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MonitoredURL, 0, len(s.urls))
	for _, u := range s.urls {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateLastCheck performs the §4.1 optimistic CAS: it only applies when the
// URL's current LastCheck equals prev.
func (s *Store) UpdateLastCheck(ctx context.Context, urlID string, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[urlID]
	if !ok {
		return false, fmt.Errorf("%w: unknown url_id %s", models.ErrStore, urlID)
	}
	if !u.LastCheck.Equal(prev) {
		return false, nil
	}
	u.LastCheck = next
	s.urls[urlID] = u
	return true, nil
}

// ListStrategies returns the domain's live portfolio plus the shared
// generic ("*") strategies, per §3's ownership rule.
func (s *Store) ListStrategies(ctx context.Context, domain string) ([]models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Strategy, 0)
	for _, st := range s.strategies[domain] {
		out = append(out, *st)
	}
	if domain != models.GenericDomain {
		for _, st := range s.strategies[models.GenericDomain] {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertStrategies bulk-writes a domain's mutated strategies (learning
// layer's batched per-domain write, §5).
func (s *Store) UpsertStrategies(ctx context.Context, domain string, strategies []models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.strategies[domain]
	if !ok {
		bucket = make(map[string]*models.Strategy)
		s.strategies[domain] = bucket
	}
	for i := range strategies {
		cp := strategies[i]
		bucket[cp.ID] = &cp
	}
	return nil
}

// Archive moves a strategy out of the live portfolio into the archive,
// never deleting it (§4.5 retirement: "archived strategies are never
// deleted").
func (s *Store) Archive(ctx context.Context, domain, strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.strategies[domain]
	if !ok {
		return nil
	}
	st, ok := bucket[strategyID]
	if !ok {
		return nil
	}
	delete(bucket, strategyID)
	arc, ok := s.archived[domain]
	if !ok {
		arc = make(map[string]*models.Strategy)
		s.archived[domain] = arc
	}
	arc[strategyID] = st
	return nil
}

// Archived returns a domain's archived strategies, for meta-analysis (§4.5).
func (s *Store) Archived(domain string) []models.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Strategy, 0, len(s.archived[domain]))
	for _, st := range s.archived[domain] {
		out = append(out, *st)
	}
	return out
}

// InsertPriceRecord persists a validated record (write-once, §3).
func (s *Store) InsertPriceRecord(ctx context.Context, r models.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// InsertAttemptLog persists one AttemptResult summary, deduplicating by
// (url_id, started_at) so idempotent replays don't double-count (§8
// property 8). Returns whether this call actually inserted a new entry.
func (s *Store) InsertAttemptLog(ctx context.Context, a models.AttemptResult) (bool, error) {
	key := a.URLID + "|" + a.StartedAt.Format(time.RFC3339Nano)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.logs = append(s.logs, a)
	return true, nil
}

// Records returns a snapshot of all persisted records, for tests/CLI output.
func (s *Store) Records() []models.PriceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PriceRecord, len(s.records))
	copy(out, s.records)
	return out
}

// NewStrategyID generates a fresh strategy identifier.
func NewStrategyID() string { return uuid.NewString() }
