package engine

import (
	"github.com/jnbrc0de/scrapingsmart/browser"
	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/strategy"
)

// readinessPredicate builds the domain-specific readiness check from the
// portfolio's current price strategy, evaluated alongside the network-idle
// signal — whichever settles first (§4.3 step 3). It checks for the
// presence of the top-ranked css price selector, the cheapest positive
// signal that a lazily-rendered price block has appeared.
func readinessPredicate(portfolio []models.Strategy) browser.ReadyPredicate {
	var selector string
	bestPriority := int(^uint(0) >> 1)
	for _, s := range portfolio {
		if s.TargetField != strategy.FieldPrice || s.Kind != models.KindCSS {
			continue
		}
		d, ok := s.Data.(strategy.CSSData)
		if !ok || d.Selector == "" {
			continue
		}
		if s.Priority < bestPriority {
			bestPriority = s.Priority
			selector = d.Selector
		}
	}
	if selector == "" {
		return nil
	}
	return func(snap *strategy.Snapshot) bool {
		doc := snap.Document()
		if doc == nil {
			return false
		}
		return doc.Find(selector).Length() > 0
	}
}
