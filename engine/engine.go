// Package engine implements the §4.3 Extraction Engine: it drives one
// PageSession through navigate/wait-ready/detect-block/interact/snapshot,
// hands the snapshot to the Strategy Evaluator, validates the result, and
// emits exactly one AttemptResult. The engine itself never retries (§4.3
// "Per-attempt retry"); transient failures surface to the Queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jnbrc0de/scrapingsmart/browser"
	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/strategy"
	"github.com/jnbrc0de/scrapingsmart/telemetry/logging"
	"github.com/jnbrc0de/scrapingsmart/telemetry/metrics"
)

// StrategyProvider is the slice of the Strategy Store the engine needs to
// read a domain's current portfolio before every attempt.
type StrategyProvider interface {
	ListStrategies(ctx context.Context, domain string) ([]models.Strategy, error)
}

// ProxySelector is the §6 ProxyPool capability slice the engine consumes.
type ProxySelector interface {
	Select(domain string) (browser.ProxyEndpoint, bool)
}

// SessionPool acquires a scoped PageSession (§4.3 step 1).
type SessionPool interface {
	Acquire(ctx context.Context, cfg browser.SessionConfig) (browser.PageSession, func(), error)
}

// Config holds the §5/§6 engine tunables.
type Config struct {
	NavigationTimeout    time.Duration
	NavigationTimeoutMax time.Duration
	AttemptDeadline      time.Duration
	ReadyFloor           time.Duration
	NetworkIdleWindow    time.Duration
}

func Defaults() Config {
	return Config{
		NavigationTimeout:    30 * time.Second,
		NavigationTimeoutMax: 60 * time.Second,
		AttemptDeadline:      90 * time.Second,
		ReadyFloor:           1500 * time.Millisecond,
		NetworkIdleWindow:    500 * time.Millisecond,
	}
}

// Engine composes a SessionPool, ProxySelector, StrategyProvider and the
// Evaluator behind the single-invocation Attempt entry point.
type Engine struct {
	cfg          Config
	sessions     SessionPool
	proxies      ProxySelector
	strategies   StrategyProvider
	fingerprints []browser.FingerprintProfile
	latencies    *latencyTracker
	log          logging.Logger
	attemptCounter metrics.Counter
	navHistogram   metrics.Histogram
	rng          *rand.Rand
	now          func() time.Time
}

// New constructs an Engine. fingerprints is the domain-preferred pool the
// engine samples from for each attempt (§4.3 step 1(i)).
func New(cfg Config, sessions SessionPool, proxies ProxySelector, strategies StrategyProvider, fingerprints []browser.FingerprintProfile) *Engine {
	if len(fingerprints) == 0 {
		fingerprints = []browser.FingerprintProfile{{Name: "default"}}
	}
	e := &Engine{
		cfg:          cfg,
		sessions:     sessions,
		proxies:      proxies,
		strategies:   strategies,
		fingerprints: fingerprints,
		latencies:    newLatencyTracker(),
		log:          logging.New(nil),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
	}
	e.SetMetrics(metrics.NewNoopProvider())
	return e
}

// SetLogger wires a correlation-aware logger into the engine, mirroring the
// Queue/Scheduler setter pattern so callers can defer logger construction
// past New.
func (e *Engine) SetLogger(log logging.Logger) {
	if log == nil {
		log = logging.New(nil)
	}
	e.log = log
}

// SetMetrics wires a metrics.Provider into the engine: engine_attempts_total
// is labeled by terminal outcome and engine_navigation_latency_seconds
// tracks the per-domain navigation histogram already sampled for adaptive
// timeout extension.
func (e *Engine) SetMetrics(provider metrics.Provider) {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	e.attemptCounter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "priceguard", Subsystem: "engine", Name: "attempts_total", Help: "Completed attempts by terminal outcome", Labels: []string{"outcome"},
	}})
	e.navHistogram = provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "priceguard", Subsystem: "engine", Name: "navigation_latency_seconds", Help: "Navigation latency per domain", Labels: []string{"domain"},
	}})
}

// Attempt runs one end-to-end extraction per §4.3's state machine:
//
//	Init -> AcquiringSession -> Navigating -> WaitingReady -> Interacting ->
//	Snapshotting -> Extracting -> Validating -> {Ok|Partial|Failed}
//
// with short-circuit transitions to Captcha/Blocked/NetworkError from any
// pre-Extracting state. It returns a non-nil error only when no attempt was
// actually made (e.g. the portfolio could not be read); every other failure
// mode is reported through the returned AttemptResult's Outcome so the
// learning layer and queue always see a result.
func (e *Engine) Attempt(ctx context.Context, u models.MonitoredURL) (models.AttemptResult, error) {
	startedAt := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptDeadline)
	defer cancel()

	portfolio, err := e.strategies.ListStrategies(ctx, u.Domain)
	if err != nil {
		e.log.ErrorCtx(ctx, "engine: list strategies failed", "url_id", u.ID, "domain", u.Domain, "error", err)
		return models.AttemptResult{}, fmt.Errorf("%w: list strategies for %s: %v", models.ErrStore, u.Domain, err)
	}

	sess, release, err := e.sessions.Acquire(ctx, e.sessionConfig(u.Domain))
	if err != nil {
		e.log.WarnCtx(ctx, "engine: session acquisition failed", "url_id", u.ID, "domain", u.Domain, "error", err)
		return e.finalize(u, startedAt, models.OutcomeNetworkError, nil, nil,
			[]models.BlockSignal{{Kind: "timeout", Detail: "session acquisition: " + err.Error()}}), nil
	}
	defer release()

	navTimeout := e.adaptiveNavigationTimeout(u.Domain)
	navStart := e.now()
	if err := sess.Navigate(ctx, u.URL, navTimeout); err != nil {
		if outcome, sig, ok := classifyShortCircuit(err); ok {
			e.log.WarnCtx(ctx, "engine: navigation short-circuited", "url_id", u.ID, "domain", u.Domain, "outcome", outcome)
			return e.finalize(u, startedAt, outcome, nil, nil, sig), nil
		}
		e.log.WarnCtx(ctx, "engine: navigation failed", "url_id", u.ID, "domain", u.Domain, "error", err)
		return e.finalize(u, startedAt, models.OutcomeNetworkError, nil, nil,
			[]models.BlockSignal{{Kind: "network", Detail: err.Error()}}), nil
	}
	navLatency := e.now().Sub(navStart)
	e.latencies.record(u.Domain, navLatency)
	e.navHistogram.Observe(navLatency.Seconds(), u.Domain)

	if err := sess.WaitReady(ctx, readinessPredicate(portfolio), navTimeout); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			e.log.WarnCtx(ctx, "engine: wait_ready deadline exceeded", "url_id", u.ID, "domain", u.Domain)
			return e.finalize(u, startedAt, models.OutcomeNetworkError, nil, nil,
				[]models.BlockSignal{{Kind: "timeout", Detail: "wait_ready deadline exceeded"}}), nil
		}
		e.log.WarnCtx(ctx, "engine: wait_ready failed", "url_id", u.ID, "domain", u.Domain, "error", err)
		return e.finalize(u, startedAt, models.OutcomeNetworkError, nil, nil,
			[]models.BlockSignal{{Kind: "network", Detail: err.Error()}}), nil
	}

	if sig, err := sess.DetectBlock(ctx); err == nil && sig != nil {
		outcome := models.OutcomeBlocked
		if sig.Kind == "captcha" {
			outcome = models.OutcomeCaptcha
		}
		e.log.WarnCtx(ctx, "engine: block detected", "url_id", u.ID, "domain", u.Domain, "signal_kind", sig.Kind)
		return e.finalize(u, startedAt, outcome, nil, nil, []models.BlockSignal{*sig}), nil
	}

	if err := sess.Interact(ctx, defaultInteractionScript(e.rng)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			e.log.WarnCtx(ctx, "engine: interaction deadline exceeded", "url_id", u.ID, "domain", u.Domain)
			return e.finalize(u, startedAt, models.OutcomeNetworkError, nil, nil,
				[]models.BlockSignal{{Kind: "timeout", Detail: "interaction deadline exceeded"}}), nil
		}
	}

	snap, err := sess.Snapshot(ctx)
	if err != nil {
		e.log.WarnCtx(ctx, "engine: snapshot failed", "url_id", u.ID, "domain", u.Domain, "error", err)
		return e.finalize(u, startedAt, models.OutcomeNetworkError, nil, nil,
			[]models.BlockSignal{{Kind: "network", Detail: "snapshot: " + err.Error()}}), nil
	}

	portfolioPtrs := make([]*models.Strategy, len(portfolio))
	for i := range portfolio {
		portfolioPtrs[i] = &portfolio[i]
	}
	eval := strategy.Evaluate(u.ID, snap, portfolioPtrs, e.now())

	outcome := classifyEvaluation(eval)
	if outcome != models.OutcomeOk {
		e.log.InfoCtx(ctx, "engine: extraction did not reach ok", "url_id", u.ID, "domain", u.Domain, "outcome", outcome)
	}
	return e.finalize(u, startedAt, outcome, eval.Record, eval.Outcomes, eval.Signals), nil
}

func (e *Engine) finalize(u models.MonitoredURL, startedAt time.Time, outcome models.Outcome, record *models.PriceRecord, strategiesTried []models.StrategyOutcome, signals []models.BlockSignal) models.AttemptResult {
	if outcome != models.OutcomeOk {
		record = nil
	}
	e.attemptCounter.Inc(1, string(outcome))
	return models.AttemptResult{
		URLID:           u.ID,
		StartedAt:       startedAt,
		FinishedAt:      e.now(),
		Outcome:         outcome,
		StrategiesTried: strategiesTried,
		Record:          record,
		Signals:         signals,
	}
}

func (e *Engine) sessionConfig(domain string) browser.SessionConfig {
	fp := e.fingerprints[e.rng.Intn(len(e.fingerprints))]
	cfg := browser.SessionConfig{Fingerprint: fp}
	if e.proxies != nil {
		if ep, ok := e.proxies.Select(domain); ok {
			cfg.Proxy = &ep
		}
	}
	return cfg
}

// adaptiveNavigationTimeout extends the base navigation timeout per domain
// based on a rolling median of recent navigations, capped at
// NavigationTimeoutMax (§4.3 step 2).
func (e *Engine) adaptiveNavigationTimeout(domain string) time.Duration {
	median, ok := e.latencies.median(domain)
	if !ok {
		return e.cfg.NavigationTimeout
	}
	extended := median * 2
	if extended < e.cfg.NavigationTimeout {
		return e.cfg.NavigationTimeout
	}
	if extended > e.cfg.NavigationTimeoutMax {
		return e.cfg.NavigationTimeoutMax
	}
	return extended
}

// classifyShortCircuit inspects a Navigate error for the pre-Extracting
// short-circuit transitions (§4.3): a models.AttemptError tagged "block"
// short-circuits to Blocked with a robots_disallowed signal.
func classifyShortCircuit(err error) (models.Outcome, []models.BlockSignal, bool) {
	var ae *models.AttemptError
	if !errors.As(err, &ae) {
		return "", nil, false
	}
	if ae.Kind != "block" {
		return "", nil, false
	}
	return models.OutcomeBlocked, []models.BlockSignal{{Kind: "robots_disallowed", Detail: ae.Error()}}, true
}

// classifyEvaluation maps an Evaluation onto the engine's terminal outcome
// (§4.3 step 7): Ok requires a validated record; a non-empty but invalid
// record is Partial; no record at all is ExtractionFailed.
func classifyEvaluation(eval strategy.Evaluation) models.Outcome {
	if eval.Record == nil || eval.Record.Price <= 0 {
		return models.OutcomeExtractionFailed
	}
	if err := eval.Record.Validate(); err != nil {
		return models.OutcomePartial
	}
	return models.OutcomeOk
}
