package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
)

// circuitState tracks a domain's health for the purpose of pausing traffic
// under sustained transport/server errors — distinct from the §7 block-signal
// cooldown below, which is driven by positive anti-bot detections rather than
// error rate.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	state             circuitState
	openedAt          time.Time
	halfOpenSuccesses int
	consecutiveFails  int
}

// Feedback is reported by the engine after every attempt against a domain.
type Feedback struct {
	StatusCode int
	Latency    time.Duration
	Err        error
	RetryAfter time.Duration
	Outcome    models.Outcome
	Block      *models.BlockSignal
}

const latencyEWMALambda = 0.2

// domainGate is the per-domain slice of Queue state: a rate limiter with
// AIMD feedback (grounded on the teacher's adaptive rate limiter), a
// transport-error circuit breaker, and the spec's block-signal cooldown.
type domainGate struct {
	mu sync.Mutex

	bucket   *tokenBucket
	fillRate float64

	latencyEWMA time.Duration
	window      *slidingWindow

	breaker circuitBreaker

	cooldownUntil     time.Time
	consecutiveBlocks int

	lastActivity time.Time
}

func newDomainGate(cfg models.RateLimitConfig, now time.Time) *domainGate {
	fill := clampFloat(cfg.InitialRPS, cfg.MinRPS, cfg.MaxRPS)
	capacity := cfg.Burst
	if capacity <= 0 {
		capacity = fill
	}
	window := cfg.StatsWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	return &domainGate{
		bucket:       newTokenBucket(capacity, fill, now),
		fillRate:     fill,
		window:       newSlidingWindow(window, 2*time.Second),
		lastActivity: now,
	}
}

// allow reports whether a request for this domain may proceed right now:
// the circuit is not open, the domain is not in cooldown, and a token is
// available. It does not consume the token; Reserve does that separately so
// the queue can decide between several ready domains before committing.
func (g *domainGate) allow(cfg models.RateLimitConfig, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cooldownUntil.After(now) {
		return false
	}
	switch g.breaker.state {
	case circuitOpen:
		if now.Sub(g.breaker.openedAt) >= effectiveOpenDuration(cfg.OpenDuration) {
			g.breaker.state = circuitHalfOpen
			g.breaker.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// reserve attempts to consume one token, returning the wait until the next
// one would be available if it cannot.
func (g *domainGate) reserve(now time.Time) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bucket.Reserve(now, 1)
}

// applyFeedback folds one attempt's outcome into the rate limiter, circuit
// breaker, and §7 cooldown policy.
func (g *domainGate) applyFeedback(cfg models.RateLimitConfig, fb Feedback, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastActivity = now
	g.bucket.refill(now)

	prevLatency := g.latencyEWMA
	if fb.Latency > 0 {
		lambda := latencyEWMALambda
		g.latencyEWMA = time.Duration((1-lambda)*float64(g.latencyEWMA) + lambda*float64(fb.Latency))
	}

	shouldDecrease := isThrottleStatus(fb.StatusCode) || isServerErrorStatus(fb.StatusCode) || fb.Err != nil
	if !shouldDecrease && prevLatency > 0 && cfg.LatencyDegradeFactor > 0 {
		// AIMD supplement: sustained latency degradation also backs off the
		// rate even without an outright error, mirroring the teacher's
		// adaptive limiter. The sample is compared against the average of
		// the samples before it, so a first sample is never "degraded".
		shouldDecrease = float64(fb.Latency) >= float64(prevLatency)*cfg.LatencyDegradeFactor
	}
	if shouldDecrease {
		dec := cfg.AIMDDecrease
		if dec <= 0 {
			dec = 0.5
		}
		g.fillRate = math.Max(cfg.MinRPS, g.fillRate*dec)
	} else if isSuccessfulStatus(fb.StatusCode) {
		inc := cfg.AIMDIncrease
		if inc <= 0 {
			inc = 0.05
		}
		g.fillRate = math.Min(cfg.MaxRPS, g.fillRate+inc)
	}
	g.bucket.setFillRate(g.fillRate)

	isErr := isErrorFeedback(fb)
	g.window.record(now, 1, boolToInt(isErr))
	if isErr {
		g.breaker.consecutiveFails++
	} else if isSuccessfulStatus(fb.StatusCode) {
		g.breaker.consecutiveFails = 0
	}
	if fb.RetryAfter > 0 {
		if at := now.Add(fb.RetryAfter); at.After(g.cooldownUntil) {
			g.cooldownUntil = at
		}
	}

	total, _ := g.window.snapshot(now)
	errorRate := g.window.errorRate(now)
	g.updateBreaker(cfg, now, isErr, isSuccessfulStatus(fb.StatusCode), errorRate, total)

	g.applyCooldownPolicy(cfg, fb, now)
}

// applyCooldownPolicy implements §7's cooldown formula exactly: block
// signals extend cooldown_until monotonically by an exponentially growing
// multiple of cooldown_base, and a clean "ok" resets the streak.
func (g *domainGate) applyCooldownPolicy(cfg models.RateLimitConfig, fb Feedback, now time.Time) {
	if fb.Block != nil || fb.Outcome == models.OutcomeCaptcha || fb.Outcome == models.OutcomeBlocked {
		g.consecutiveBlocks++
		base := cfg.CooldownBase
		max := cfg.CooldownMax
		mult := cfg.CooldownBlockMultiplier
		if mult <= 0 {
			mult = 2
		}
		extend := base * time.Duration(math.Pow(mult, float64(g.consecutiveBlocks)))
		if max > 0 && extend > max {
			extend = max
		}
		if until := now.Add(extend); until.After(g.cooldownUntil) {
			g.cooldownUntil = until
		}
		return
	}
	if fb.Outcome == models.OutcomeOk {
		g.consecutiveBlocks = 0
	}
}

func (g *domainGate) updateBreaker(cfg models.RateLimitConfig, now time.Time, isError, success bool, errorRate float64, total int) {
	switch g.breaker.state {
	case circuitClosed:
		minSamples := cfg.MinSamplesForTrip
		if minSamples <= 0 {
			minSamples = 1
		}
		if (cfg.ErrorRateThreshold > 0 && total >= minSamples && errorRate >= cfg.ErrorRateThreshold) ||
			(cfg.ConsecutiveFailTrip > 0 && g.breaker.consecutiveFails >= cfg.ConsecutiveFailTrip) {
			g.openBreaker(now)
		}
	case circuitOpen:
		if now.Sub(g.breaker.openedAt) >= effectiveOpenDuration(cfg.OpenDuration) {
			g.breaker.state = circuitHalfOpen
			g.breaker.halfOpenSuccesses = 0
		}
	case circuitHalfOpen:
		if isError {
			g.openBreaker(now)
			return
		}
		if success {
			probes := cfg.HalfOpenProbes
			if probes <= 0 {
				probes = 1
			}
			g.breaker.halfOpenSuccesses++
			if g.breaker.halfOpenSuccesses >= probes {
				g.breaker.state = circuitClosed
				g.breaker.consecutiveFails = 0
				g.breaker.halfOpenSuccesses = 0
			}
		}
	}
}

// setBaseRate overrides the gate's current fill rate, e.g. from a
// hot-reloaded per-domain configuration override (configx RateRules). The
// AIMD feedback loop continues to adjust from this new baseline afterwards.
func (g *domainGate) setBaseRate(rps float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rps <= 0 {
		return
	}
	g.fillRate = rps
	g.bucket.setFillRate(rps)
}

func (g *domainGate) openBreaker(now time.Time) {
	g.breaker.state = circuitOpen
	g.breaker.openedAt = now
	g.breaker.halfOpenSuccesses = 0
}

// snapshot produces a read-only view for Queue.Stats()/Scheduler adaptive
// rate (§4.1's supplemented feedback loop).
func (g *domainGate) snapshot() DomainSummary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return DomainSummary{
		FillRate:          g.fillRate,
		CircuitOpen:       g.breaker.state == circuitOpen,
		CooldownUntil:     g.cooldownUntil,
		ConsecutiveBlocks: g.consecutiveBlocks,
		LastActivity:      g.lastActivity,
	}
}

// DomainSummary is the public, read-only view of one domain's gate state.
type DomainSummary struct {
	FillRate          float64
	CircuitOpen       bool
	CooldownUntil     time.Time
	ConsecutiveBlocks int
	LastActivity      time.Time
}

func effectiveOpenDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func clampFloat(value, min, max float64) float64 {
	if min > 0 && value < min {
		value = min
	}
	if max > 0 && value > max {
		value = max
	}
	return value
}

func isSuccessfulStatus(code int) bool { return code >= 200 && code < 400 }
func isThrottleStatus(code int) bool   { return code == 429 || code == 503 }
func isServerErrorStatus(code int) bool { return code >= 500 && code < 600 }

func isErrorFeedback(fb Feedback) bool {
	if fb.Err != nil {
		return true
	}
	return isThrottleStatus(fb.StatusCode) || isServerErrorStatus(fb.StatusCode)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
