package learning

import (
	"context"
	"sort"

	"github.com/jnbrc0de/scrapingsmart/models"
)

// reprioritize implements the §4.5 reprioritization pass: score(s) =
// confidence * success_rate, ranked descending starting at priority 0, ties
// broken by last_success descending then id. Only domain-owned strategies
// (not the shared generic ones) are reordered, since generics are read-only
// and domain-local priority has no meaning for them.
func (l *Layer) reprioritize(ctx context.Context, domain string, portfolio []models.Strategy) error {
	owned := make([]*models.Strategy, 0, len(portfolio))
	for i := range portfolio {
		if !portfolio[i].IsGeneric() {
			owned = append(owned, &portfolio[i])
		}
	}
	if len(owned) == 0 {
		return nil
	}

	sort.Slice(owned, func(i, j int) bool {
		si, sj := score(owned[i]), score(owned[j])
		if si != sj {
			return si > sj
		}
		li, lj := owned[i].LastSuccess, owned[j].LastSuccess
		switch {
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.After(*lj)
		case li != nil && lj == nil:
			return true
		case li == nil && lj != nil:
			return false
		}
		return owned[i].ID < owned[j].ID
	})

	writes := make([]models.Strategy, len(owned))
	for i, st := range owned {
		st.Priority = i
		writes[i] = *st
	}
	return l.store.UpsertStrategies(ctx, domain, writes)
}

func score(s *models.Strategy) float64 {
	return s.Confidence * s.SuccessRate()
}
