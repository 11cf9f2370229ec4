package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/ratelimit"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	urls map[string]models.MonitoredURL
}

func newMemStore(urls ...models.MonitoredURL) *memStore {
	m := &memStore{urls: make(map[string]models.MonitoredURL)}
	for _, u := range urls {
		m.urls[u.ID] = u
	}
	return m
}

func (m *memStore) ListUrls(ctx context.Context) ([]models.MonitoredURL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MonitoredURL, 0, len(m.urls))
	for _, u := range m.urls {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) UpdateLastCheck(ctx context.Context, urlID string, prev, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.urls[urlID]
	if !ok || !u.LastCheck.Equal(prev) {
		return false, nil
	}
	u.LastCheck = next
	m.urls[urlID] = u
	return true, nil
}

type recordingSink struct {
	mu    sync.Mutex
	items []DispatchItem
}

func (s *recordingSink) Enqueue(item DispatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func TestTickDispatchesDueURLAndSetsLastCheck(t *testing.T) {
	now := time.Now()
	u := models.MonitoredURL{ID: "u1", URL: "https://a.example/p", Domain: "a.example", Priority: 5, BaseInterval: time.Hour, LastCheck: now.Add(-2 * time.Hour), Active: true}
	store := newMemStore(u)
	sink := &recordingSink{}
	s := New(Defaults(), store, nil, sink, nil)
	s.now = func() time.Time { return now }

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, sink.items, 1)
	require.Equal(t, "u1", sink.items[0].URLID)

	updated := store.urls["u1"]
	require.True(t, updated.LastCheck.Equal(now))
}

func TestTickSkipsInactiveURL(t *testing.T) {
	now := time.Now()
	u := models.MonitoredURL{ID: "u1", Domain: "a.example", BaseInterval: time.Hour, LastCheck: now.Add(-2 * time.Hour), Active: false}
	store := newMemStore(u)
	sink := &recordingSink{}
	s := New(Defaults(), store, nil, sink, nil)
	s.now = func() time.Time { return now }

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestTickSkipsDomainInCooldown(t *testing.T) {
	now := time.Now()
	u := models.MonitoredURL{ID: "u1", Domain: "blocked.example", BaseInterval: time.Hour, LastCheck: now.Add(-2 * time.Hour), Active: true}
	store := newMemStore(u)
	sink := &recordingSink{}
	s := New(Defaults(), store, cooldownHealth{domain: "blocked.example", until: now.Add(time.Hour)}, sink, nil)
	s.now = func() time.Time { return now }

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "a domain in cooldown must not be dispatched")
}

type cooldownHealth struct {
	domain string
	until  time.Time
}

func (c cooldownHealth) DomainSnapshot(domain string) (ratelimit.DomainSummary, bool) {
	if domain != c.domain {
		return ratelimit.DomainSummary{}, false
	}
	return ratelimit.DomainSummary{CooldownUntil: c.until}, true
}

func TestSetDomainBaseIntervalOverrideChangesDueTime(t *testing.T) {
	now := time.Now()
	// base_interval is 1h; without an override, last_check 10m ago is not due.
	u := models.MonitoredURL{ID: "u1", Domain: "a.example", Priority: 5, BaseInterval: time.Hour, LastCheck: now.Add(-10 * time.Minute), Active: true}
	store := newMemStore(u)
	sink := &recordingSink{}
	s := New(Defaults(), store, nil, sink, nil)
	s.now = func() time.Time { return now }

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "10m < 1h base_interval, should not be due yet")

	// A hot-reloaded override shrinks the effective interval to 5m, which
	// makes the same URL due.
	s.SetDomainBaseIntervalOverride("a.example", 5*time.Minute)
	n, err = s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n, "override should make the URL due against the shorter interval")

	// Clearing the override (zero duration) reverts to the per-URL value.
	store.urls["u1"] = models.MonitoredURL{ID: "u1", Domain: "a.example", Priority: 5, BaseInterval: time.Hour, LastCheck: now.Add(-10 * time.Minute), Active: true}
	s.SetDomainBaseIntervalOverride("a.example", 0)
	n, err = s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "clearing the override should revert to the URL's own base_interval")
}

func TestSchedulerJitterSpreadsBursts(t *testing.T) {
	now := time.Now()
	var urls []models.MonitoredURL
	for i := 0; i < 100; i++ {
		urls = append(urls, models.MonitoredURL{
			ID: fmt.Sprintf("u%03d", i), Domain: "a.example", Priority: 5,
			BaseInterval: 360 * time.Minute, LastCheck: now.Add(-6 * time.Hour), Active: true,
		})
	}
	store := newMemStore(urls...)
	sink := &recordingSink{}
	cfg := Defaults()
	s := New(cfg, store, nil, sink, nil)
	s.now = func() time.Time { return now }

	// Priority 5 gives a nominal 340 min interval; the ±8.3% jitter moves each
	// due time by up to ±28 min, so against a last_check 360 min ago about one
	// URL in seven is not yet due and the shared-last_check cohort does not
	// go out as a single burst.
	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sink.items)
	require.Less(t, len(sink.items), 100, "jitter should push part of the shared-last_check cohort past this tick")
}
