// Package browser implements the §4.3/§6 PageSession capability: a
// controlled browser-tab abstraction the Extraction Engine drives through
// navigate/wait/interact/snapshot/detect-block steps. The default
// implementation is colly-based (grounded on the teacher's
// engine/internal/crawler.CollyFetcher); a real CDP-backed driver can be
// substituted behind the same interface without touching the Engine.
package browser

import (
	"context"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/strategy"
)

// FingerprintProfile bundles the browser-identity knobs applied coherently
// for one session (GLOSSARY: fingerprint profile).
type FingerprintProfile struct {
	Name           string
	UserAgent      string
	AcceptLanguage string
	ScreenWidth    int
	ScreenHeight   int
	Timezone       string
	WebGLVendor    string
	WebGLRenderer  string
}

// ProxyEndpoint is the out-of-scope ProxyPool's yield type (§6).
type ProxyEndpoint struct {
	URL    string
	Region string
}

// SessionConfig configures one PageSession acquisition (§4.3 step 1).
type SessionConfig struct {
	Fingerprint FingerprintProfile
	Proxy       *ProxyEndpoint
}

// ReadyPredicate is a domain-specific readiness check evaluated against the
// in-progress page alongside the network-idle signal (§4.3 step 3).
type ReadyPredicate func(snap *strategy.Snapshot) bool

// InteractionStep is one simulated human-interaction action (§4.3 step 5).
type InteractionStep struct {
	Kind     string // scroll|hover|dwell
	Selector string        // hover target, ignored for scroll/dwell
	Amount   int           // scroll step size in pixels
	Pause    time.Duration // dwell/pause duration
}

// InteractionScript is an ordered sequence of steps for one attempt.
type InteractionScript []InteractionStep

// PageSession is the capability abstraction over one browser tab (§6).
// Implementations must make Close idempotent and safe to call on every exit
// path of an attempt, per §4.3 step 1's scoped-acquisition requirement.
type PageSession interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitReady(ctx context.Context, predicate ReadyPredicate, timeout time.Duration) error
	Snapshot(ctx context.Context) (*strategy.Snapshot, error)
	Interact(ctx context.Context, script InteractionScript) error
	DetectBlock(ctx context.Context) (*models.BlockSignal, error)
	Close() error
}

// Factory creates a new PageSession configured per cfg. Implementations
// (colly today, a CDP driver tomorrow) are registered with a Pool.
type Factory func(cfg SessionConfig) (PageSession, error)
