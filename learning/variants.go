package learning

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/strategy"
)

// maybeGenerateVariants implements the §4.5 variant-generation trigger: any
// strategy that crosses confidence > trigger threshold after >= trigger_min
// attempts and has no derived variant yet, or the periodic variant_every
// sweep, spins off up to variant_fanout mutated children.
func (l *Layer) maybeGenerateVariants(ctx context.Context, domain string, portfolio []models.Strategy, attemptCount int) error {
	hasVariant := make(map[string]bool)
	for _, st := range portfolio {
		if st.ParentID != "" {
			hasVariant[st.ParentID] = true
		}
	}

	// The periodic sweep (every variant_every attempts) re-runs the same
	// qualification check rather than a different one: the spec's "or
	// every variant_every attempts" is an alternate trigger cadence, not a
	// relaxed condition. Since ApplyAttempt already re-evaluates on every
	// call, the immediate-crossing and periodic triggers collapse to the
	// same scan; attemptCount is accepted for observability/logging parity
	// with the spec's stated cadence.
	_ = l.cfg.VariantEvery

	var writes []models.Strategy
	for _, parent := range portfolio {
		if parent.Confidence <= l.cfg.VariantTriggerConf || parent.Attempts < l.cfg.VariantTriggerMin || hasVariant[parent.ID] {
			continue
		}
		children := mutate(parent, l.cfg.VariantFanout)
		if len(children) == 0 {
			continue
		}
		writes = append(writes, children...)
		l.log.InfoCtx(ctx, "learning: generated strategy variants", "domain", domain,
			"parent_id", parent.ID, "children", len(children), "parent_confidence", parent.Confidence)
		l.variantCounter.Inc(float64(len(children)), domain)
	}
	if len(writes) == 0 {
		return nil
	}
	return l.store.UpsertStrategies(ctx, domain, writes)
}

// mutate produces up to fanout child strategies from parent via small
// kind-specific mutations (§4.5). Children inherit parent_id, start at half
// the parent's confidence, priority = parent.priority+1, attempts = 0.
func mutate(parent models.Strategy, fanout int) []models.Strategy {
	variants := kindMutations(parent)
	if len(variants) > fanout {
		variants = variants[:fanout]
	}
	out := make([]models.Strategy, 0, len(variants))
	for _, data := range variants {
		out = append(out, models.Strategy{
			ID:          uuid.NewString(),
			Domain:      parent.Domain,
			TargetField: parent.TargetField,
			Kind:        parent.Kind,
			Data:        data,
			Confidence:  0.5 * parent.Confidence,
			Priority:    parent.Priority + 1,
			Attempts:    0,
			Successes:   0,
			SampleURLs:  parent.SampleURLs,
			ParentID:    parent.ID,
		})
	}
	return out
}

func kindMutations(parent models.Strategy) []any {
	switch parent.Kind {
	case models.KindCSS:
		d, ok := parent.Data.(strategy.CSSData)
		if !ok {
			return nil
		}
		return cssMutations(d)
	case models.KindXPath:
		d, ok := parent.Data.(strategy.XPathData)
		if !ok {
			return nil
		}
		return xpathMutations(d)
	case models.KindRegex:
		d, ok := parent.Data.(strategy.RegexData)
		if !ok {
			return nil
		}
		return regexMutations(d)
	case models.KindComposite:
		d, ok := parent.Data.(strategy.CompositeData)
		if !ok {
			return nil
		}
		return compositeMutations(d)
	default:
		return nil
	}
}

// cssMutations widens by dropping the last qualifier, tightens by adding a
// nearby attribute, and tries a looser ancestor-qualified selector.
func cssMutations(d strategy.CSSData) []any {
	var out []any
	if widened, ok := dropLastQualifier(d.Selector); ok {
		wd := d
		wd.Selector = widened
		out = append(out, wd)
	}
	tightened := d
	tightened.Selector = d.Selector + "[data-testid]"
	out = append(out, tightened)
	ancestor := d
	ancestor.Selector = "main " + d.Selector
	out = append(out, ancestor)
	return out
}

func dropLastQualifier(selector string) (string, bool) {
	trimmed := strings.TrimRight(selector, " ")
	idx := strings.LastIndexAny(trimmed, ".# ")
	if idx <= 0 {
		return "", false
	}
	return strings.TrimSpace(trimmed[:idx]), true
}

func xpathMutations(d strategy.XPathData) []any {
	var out []any
	loosened := d
	loosened.Expression = strings.TrimSuffix(d.Expression, "[1]")
	out = append(out, loosened)
	ancestor := d
	ancestor.Expression = "//ancestor::*" + d.Expression
	out = append(out, ancestor)
	return out
}

var whitespacePattern = regexp.MustCompile(`\\s\*`)

func regexMutations(d strategy.RegexData) []any {
	var out []any
	relaxedWS := d
	if whitespacePattern.MatchString(d.Pattern) {
		relaxedWS.Pattern = whitespacePattern.ReplaceAllString(d.Pattern, `\s+`)
	} else {
		relaxedWS.Pattern = strings.ReplaceAll(d.Pattern, " ", `\s*`)
	}
	out = append(out, relaxedWS)

	altSeparator := d
	altSeparator.Pattern = strings.ReplaceAll(d.Pattern, `[.,]`, `[.,]?`)
	out = append(out, altSeparator)
	return out
}

// compositeMutations replaces the last step with one of its own mutated
// variants, recursing one level into the non-composite mutation rules.
func compositeMutations(d strategy.CompositeData) []any {
	if len(d.Steps) == 0 {
		return nil
	}
	last := d.Steps[len(d.Steps)-1]
	childMutations := kindMutations(last)
	var out []any
	for _, cm := range childMutations {
		steps := make([]models.Strategy, len(d.Steps))
		copy(steps, d.Steps)
		mutated := last
		mutated.Data = cm
		steps[len(steps)-1] = mutated
		nd := d
		nd.Steps = steps
		out = append(out, nd)
	}
	return out
}
