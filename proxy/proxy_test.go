package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnbrc0de/scrapingsmart/browser"
)

func TestSelectFallsBackToRoundRobinWithoutHealthData(t *testing.T) {
	pool := NewPool([]browser.ProxyEndpoint{{URL: "http://p1"}, {URL: "http://p2"}})
	ep, ok := pool.Select("shop.example")
	require.True(t, ok)
	require.Contains(t, []string{"http://p1", "http://p2"}, ep.URL)
}

func TestSelectEmptyPoolReturnsFalse(t *testing.T) {
	pool := NewPool(nil)
	_, ok := pool.Select("shop.example")
	require.False(t, ok)
}

func TestReportPrefersHigherScoringEndpoint(t *testing.T) {
	pool := NewPool([]browser.ProxyEndpoint{{URL: "http://good"}, {URL: "http://bad"}})

	for i := 0; i < 5; i++ {
		pool.Report(browser.ProxyEndpoint{URL: "http://good"}, OutcomeSuccess)
	}
	for i := 0; i < 5; i++ {
		pool.Report(browser.ProxyEndpoint{URL: "http://bad"}, OutcomeFailure)
	}

	ep, ok := pool.Select("shop.example")
	require.True(t, ok)
	require.Equal(t, "http://good", ep.URL)
}

func TestRefreshScopesCandidatesToDomain(t *testing.T) {
	pool := NewPool([]browser.ProxyEndpoint{{URL: "http://a"}, {URL: "http://b"}})
	pool.Refresh(map[string][]string{"shop.example": {"http://a"}})

	ep, ok := pool.Select("shop.example")
	require.True(t, ok)
	require.Equal(t, "http://a", ep.URL)

	// A domain with no scoped entries falls back to the full endpoint set.
	ep, ok = pool.Select("other.example")
	require.True(t, ok)
	require.Contains(t, []string{"http://a", "http://b"}, ep.URL)
}

func TestReportUnknownEndpointIsNoop(t *testing.T) {
	pool := NewPool([]browser.ProxyEndpoint{{URL: "http://a"}})
	pool.Report(browser.ProxyEndpoint{URL: "http://unknown"}, OutcomeBlocked)
	ep, ok := pool.Select("shop.example")
	require.True(t, ok)
	require.Equal(t, "http://a", ep.URL)
}
