package browser

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsCache keeps one parsed robots.txt group per host, refreshed lazily.
// The Engine consults this before Navigate (§4.3 step 1), folded into
// session acquisition so a disallowed path never reaches the block-signal
// detector at all.
type robotsCache struct {
	mu    sync.RWMutex
	byHost map[string]*robotsEntry
	client *http.Client
}

type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

const robotsTTL = 30 * time.Minute

func newRobotsCache() *robotsCache {
	return &robotsCache{
		byHost: make(map[string]*robotsEntry),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Allowed reports whether userAgent may fetch rawURL per the host's
// robots.txt. Fetch failures and parse errors fail open (allow), matching
// the teacher's crawler.fetchRobots behavior of treating robots-fetch
// errors as allow-all rather than blocking the whole domain.
func (c *robotsCache) Allowed(userAgent, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	entry := c.entryFor(u)
	if entry == nil || entry.group == nil {
		return true
	}
	return entry.group.Test(u.Path)
}

func (c *robotsCache) entryFor(u *url.URL) *robotsEntry {
	host := u.Host
	c.mu.RLock()
	e, ok := c.byHost[host]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < robotsTTL {
		return e
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	resp, err := c.client.Get(robotsURL)
	entry := &robotsEntry{fetchedAt: time.Now()}
	if err == nil {
		defer resp.Body.Close()
		if data, parseErr := robotstxt.FromResponse(resp); parseErr == nil {
			entry.group = data.FindGroup(defaultRobotsUserAgent)
		}
	}

	c.mu.Lock()
	c.byHost[host] = entry
	c.mu.Unlock()
	return entry
}

const defaultRobotsUserAgent = "*"
