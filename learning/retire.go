package learning

import (
	"context"

	"github.com/jnbrc0de/scrapingsmart/models"
)

// retireWeak archives strategies meeting the §4.5 retirement rule
// (confidence < retire_confidence AND attempts > retire_min_attempts), plus
// the variant-probation rule (a child with >= probation_attempts attempts
// and confidence still below probation_confidence is retired immediately
// rather than waiting for the general rule). Generic strategies are never
// retired; they're the permanent cross-domain starter set.
func (l *Layer) retireWeak(ctx context.Context, domain string, portfolio []models.Strategy) error {
	for i := range portfolio {
		st := portfolio[i]
		if st.IsGeneric() {
			continue
		}
		if l.shouldRetire(st) {
			if err := l.store.Archive(ctx, domain, st.ID); err != nil {
				return err
			}
			l.log.InfoCtx(ctx, "learning: retired strategy", "domain", domain, "strategy_id", st.ID,
				"confidence", st.Confidence, "attempts", st.Attempts)
			l.retiredCounter.Inc(1, domain)
		}
	}
	return nil
}

func (l *Layer) shouldRetire(s models.Strategy) bool {
	if s.Confidence < l.cfg.RetireConfidence && s.Attempts > l.cfg.RetireMinAttempts {
		return true
	}
	if s.ParentID != "" && s.Attempts >= l.cfg.ProbationAttempts && s.Confidence < l.cfg.ProbationConfidence {
		return true
	}
	return false
}
