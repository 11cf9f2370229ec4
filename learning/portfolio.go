package learning

import (
	"context"

	"github.com/google/uuid"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/strategy"
)

// DomainSeed is a static, domain-specific starter strategy supplied at
// configuration time (§4.5: "any domain-specific seeds present in a static
// configuration").
type DomainSeed struct {
	TargetField string
	Kind        models.StrategyKind
	Data        any
}

// SeedGeneric writes the shared, cross-domain generic starter portfolio
// (§4.5) once: a regex per money-bearing field and one semantic strategy
// for price. These live under models.GenericDomain and are read-only
// thereafter (§3/§9's resolved open question).
func (l *Layer) SeedGeneric(ctx context.Context) error {
	moneyFields := []string{strategy.FieldPrice, strategy.FieldOldPrice, strategy.FieldPixPrice}
	var seeds []models.Strategy
	for i, field := range moneyFields {
		seeds = append(seeds, models.Strategy{
			ID:          "generic-regex-" + field,
			Domain:      models.GenericDomain,
			TargetField: field,
			Kind:        models.KindRegex,
			Data: strategy.RegexData{
				Pattern:    `R\$\s*\d+[.,]\d{2}`,
				GroupIndex: 0,
				Scope:      "whole-document",
			},
			Confidence: 0.3,
			Priority:   100 + i,
		})
	}
	seeds = append(seeds, models.Strategy{
		ID:          "generic-semantic-price",
		Domain:      models.GenericDomain,
		TargetField: strategy.FieldPrice,
		Kind:        models.KindSemantic,
		Data: strategy.SemanticData{
			Attributes: []strategy.AttributeMatcher{
				{Name: "itemprop", Value: "price"},
				{Name: "data-price"},
			},
			ContextTerms:     []string{"R$", "preço", "pix"},
			MaxDistanceChars: 80,
		},
		Confidence: 0.4,
		Priority:   90,
	})
	return l.store.UpsertStrategies(ctx, models.GenericDomain, seeds)
}

// SeedDomain writes a new domain's static seeds (if any were configured for
// it) alongside the shared generics, which ListStrategies already folds in
// automatically — SeedDomain only needs to persist the domain-specific
// extras.
func (l *Layer) SeedDomain(ctx context.Context, domain string, seeds []DomainSeed) error {
	if len(seeds) == 0 {
		return nil
	}
	out := make([]models.Strategy, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, models.Strategy{
			ID:          uuid.NewString(),
			Domain:      domain,
			TargetField: s.TargetField,
			Kind:        s.Kind,
			Data:        s.Data,
			Confidence:  0.5,
			Priority:    0,
		})
	}
	return l.store.UpsertStrategies(ctx, domain, out)
}
