// Package learning implements the §4.5 Adaptive Learning Layer: it
// maintains expected-utility estimates for every strategy in a domain's
// portfolio, reprioritizes periodically, spins off mutated variants from
// strong performers, and retires weak ones to an archive.
package learning

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/telemetry/logging"
	"github.com/jnbrc0de/scrapingsmart/telemetry/metrics"
)

// Store is the slice of the Strategy Store the learning layer needs.
type Store interface {
	ListStrategies(ctx context.Context, domain string) ([]models.Strategy, error)
	UpsertStrategies(ctx context.Context, domain string, strategies []models.Strategy) error
	Archive(ctx context.Context, domain, strategyID string) error
}

// Config holds the §6 tunables governing reprioritization, variant
// generation and retirement.
type Config struct {
	ReprioritizeEvery   int
	VariantEvery        int
	VariantFanout       int
	VariantTriggerConf  float64
	VariantTriggerMin   int
	ProbationAttempts   int
	ProbationConfidence float64
	RetireConfidence    float64
	RetireMinAttempts   int
}

func Defaults() Config {
	return Config{
		ReprioritizeEvery:   50,
		VariantEvery:        50,
		VariantFanout:       3,
		VariantTriggerConf:  0.8,
		VariantTriggerMin:   10,
		ProbationAttempts:   5,
		ProbationConfidence: 0.2,
		RetireConfidence:    0.1,
		RetireMinAttempts:   20,
	}
}

// domainStripes is the per-domain lock stripe count from §5 ("serialized via
// a per-domain lock (stripe of 256)").
const domainStripes = 256

// Layer is the Adaptive Learning Layer.
type Layer struct {
	cfg   Config
	store Store
	log   logging.Logger

	retiredCounter  metrics.Counter
	variantCounter  metrics.Counter

	stripeLocks [domainStripes]sync.Mutex

	mu            sync.Mutex
	attemptCounts map[string]int // domain -> attempts processed since last reprioritize/variant pass
	variantedFrom map[string]struct{} // strategy IDs that already have a derived variant
}

func New(cfg Config, store Store, log logging.Logger) *Layer {
	if log == nil {
		log = logging.New(nil)
	}
	l := &Layer{
		cfg:           cfg,
		store:         store,
		log:           log,
		attemptCounts: make(map[string]int),
		variantedFrom: make(map[string]struct{}),
	}
	l.SetMetrics(metrics.NewNoopProvider())
	return l
}

// SetMetrics wires a metrics.Provider into the learning layer:
// learning_retired_total and learning_variants_generated_total track the
// retirement and variant-generation passes already driven by ApplyAttempt.
func (l *Layer) SetMetrics(provider metrics.Provider) {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	l.retiredCounter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "priceguard", Subsystem: "learning", Name: "retired_total", Help: "Strategies archived by the retirement pass", Labels: []string{"domain"},
	}})
	l.variantCounter = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "priceguard", Subsystem: "learning", Name: "variants_generated_total", Help: "Mutated child strategies spun off from a qualifying parent", Labels: []string{"domain"},
	}})
}

func (l *Layer) stripeFor(domain string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return &l.stripeLocks[h.Sum32()%domainStripes]
}

// ApplyAttempt folds one AttemptResult's StrategiesTried into the domain's
// portfolio: confidence updates per (strategy, attempt), then
// reprioritization/variant-generation/retirement passes as their counters
// trip. All mutation for one domain is serialized under that domain's
// stripe lock so reprioritization reads a consistent snapshot (§5).
func (l *Layer) ApplyAttempt(ctx context.Context, domain string, result models.AttemptResult) error {
	if len(result.StrategiesTried) == 0 {
		return nil
	}
	lock := l.stripeFor(domain)
	lock.Lock()
	defer lock.Unlock()

	portfolio, err := l.store.ListStrategies(ctx, domain)
	if err != nil {
		l.log.ErrorCtx(ctx, "learning: list strategies failed", "domain", domain, "error", err)
		return err
	}
	byID := make(map[string]*models.Strategy, len(portfolio))
	forkOf := make(map[string]*models.Strategy) // generic ID -> existing domain fork, if any
	for i := range portfolio {
		st := &portfolio[i]
		byID[st.ID] = st
		if st.ParentID != "" && !st.IsGeneric() {
			forkOf[st.ParentID] = st
		}
	}

	now := time.Now()
	touched := make(map[string]*models.Strategy)

	for _, outcome := range result.StrategiesTried {
		st, ok := byID[outcome.StrategyID]
		if !ok {
			continue
		}
		if st.IsGeneric() {
			if existing, ok := forkOf[st.ID]; ok {
				applyConfidenceUpdate(existing, outcome.Success, now)
				touched[existing.ID] = existing
				continue
			}
			if !outcome.Success {
				continue // generic strategies are read-only; failures don't mutate them
			}
			forked := forkGenericForDomain(*st, domain)
			applyConfidenceUpdate(&forked, true, now)
			touched[forked.ID] = &forked
			forkOf[st.ID] = &forked
			continue
		}
		applyConfidenceUpdate(st, outcome.Success, now)
		touched[st.ID] = st
	}

	writes := make([]models.Strategy, 0, len(touched))
	for _, st := range touched {
		writes = append(writes, *st)
	}
	if len(writes) > 0 {
		if err := l.store.UpsertStrategies(ctx, domain, writes); err != nil {
			l.log.ErrorCtx(ctx, "learning: confidence update upsert failed", "domain", domain, "error", err)
			return err
		}
	}

	l.mu.Lock()
	l.attemptCounts[domain] += len(result.StrategiesTried)
	count := l.attemptCounts[domain]
	l.mu.Unlock()

	// Re-read the full portfolio (including forked/updated entries) for the
	// maintenance passes below, which reason about the whole domain.
	full, err := l.store.ListStrategies(ctx, domain)
	if err != nil {
		l.log.ErrorCtx(ctx, "learning: re-list strategies failed", "domain", domain, "error", err)
		return err
	}

	if err := l.retireWeak(ctx, domain, full); err != nil {
		l.log.ErrorCtx(ctx, "learning: retirement pass failed", "domain", domain, "error", err)
		return err
	}
	// Retirement may have archived entries; reload before variant/reprioritize.
	full, err = l.store.ListStrategies(ctx, domain)
	if err != nil {
		l.log.ErrorCtx(ctx, "learning: post-retirement list strategies failed", "domain", domain, "error", err)
		return err
	}

	if count >= l.cfg.ReprioritizeEvery {
		if err := l.reprioritize(ctx, domain, full); err != nil {
			l.log.ErrorCtx(ctx, "learning: reprioritize pass failed", "domain", domain, "error", err)
			return err
		}
		l.log.InfoCtx(ctx, "learning: reprioritized domain portfolio", "domain", domain, "strategies", len(full))
		l.mu.Lock()
		l.attemptCounts[domain] = 0
		l.mu.Unlock()
	}

	if err := l.maybeGenerateVariants(ctx, domain, full, count); err != nil {
		l.log.ErrorCtx(ctx, "learning: variant generation pass failed", "domain", domain, "error", err)
		return err
	}

	return nil
}

// applyConfidenceUpdate is the §4.5 EMA confidence update, bounded in [0,1]
// by construction since c starts in [0,1] and the update is a convex
// combination of c and 0 or 1.
func applyConfidenceUpdate(s *models.Strategy, success bool, now time.Time) {
	if success {
		s.Confidence = 0.9*s.Confidence + 0.1
		s.Successes++
		t := now
		s.LastSuccess = &t
	} else {
		s.Confidence = 0.9 * s.Confidence
	}
	s.Attempts++
}

// forkGenericForDomain resolves the open question on generic mutability:
// generic strategies stay read-only; a domain-specific copy is created on
// first successful use instead of mutating the shared original.
func forkGenericForDomain(generic models.Strategy, domain string) models.Strategy {
	cp := generic
	cp.ID = generic.ID + ":" + domain
	cp.Domain = domain
	cp.ParentID = generic.ID
	cp.Attempts = 0
	cp.Successes = 0
	return cp
}
