package strategy

import (
	"sort"
	"strconv"
	"time"

	"github.com/jnbrc0de/scrapingsmart/models"
)

// requiredConfidenceFields are the fields whose winning strategies'
// confidence feeds PriceRecord.ExtractionConfidence (§3: "the minimum
// field-level confidence among required fields"). Price is always
// required; availability is the other field every record carries (it
// defaults to "unknown" rather than being absent, but only counts here
// when a strategy actually won it).
var requiredConfidenceFields = []string{FieldPrice, FieldAvailability}

// fieldEvalOrder is the deterministic order fields are resolved in.
// Composite strategies may validate a field's value against another
// already-collected field (ValidationRule.RelatedField); evaluating
// price/old_price/pix_price first means those relations can actually see
// a value instead of racing Go's randomized map iteration. Fields not
// listed here are appended afterward in sorted order.
var fieldEvalOrder = []string{FieldPrice, FieldOldPrice, FieldPixPrice, FieldAvailability}

// Evaluation is the evaluator's full output: the best record it could
// assemble (possibly partial) plus the per-(field,strategy) ledger the
// learning layer uses to update confidence.
type Evaluation struct {
	Record   *models.PriceRecord
	Outcomes []models.StrategyOutcome
	Signals  []models.BlockSignal
}

// Evaluate runs the portfolio against snap, field by field, first-valid-wins,
// then cross-field-validates the assembled record with one retry against the
// lowest-confidence offending field (§4.4).
func Evaluate(urlID string, snap *Snapshot, portfolio []*models.Strategy, now time.Time) Evaluation {
	byField := groupByField(portfolio)
	record := &models.PriceRecord{URLID: urlID, CheckedAt: now}
	var outcomes []models.StrategyOutcome

	winners := map[string]*models.Strategy{}
	for _, field := range orderedFields(byField) {
		won, fieldOutcomes := evaluateField(snap, byField[field], record)
		outcomes = append(outcomes, fieldOutcomes...)
		if won.strategy != nil {
			winners[field] = won.strategy
			applyField(record, field, won)
		}
	}

	if record.Price > 0 {
		if err := record.Validate(); err != nil {
			record, outcomes = retryLowestConfidenceOffender(record, winners, byField, snap, outcomes)
		}
	}

	if priceWin, ok := winners[FieldPrice]; ok {
		record.ExtractionStrategyID = priceWin.ID
	}
	if conf, ok := minFieldConfidence(winners, requiredConfidenceFields...); ok {
		record.ExtractionConfidence = conf
	}

	return Evaluation{Record: record, Outcomes: outcomes}
}

// orderedFields walks fieldEvalOrder first (for the fields present in
// byField), then any remaining fields in sorted order, so field
// resolution is deterministic across runs (§8's round-trip law) and
// composite cross-field validations see already-collected values for
// the fields most likely to be their relation target.
func orderedFields(byField map[string][]*models.Strategy) []string {
	seen := make(map[string]bool, len(byField))
	ordered := make([]string, 0, len(byField))
	for _, f := range fieldEvalOrder {
		if _, ok := byField[f]; ok && !seen[f] {
			ordered = append(ordered, f)
			seen[f] = true
		}
	}
	rest := make([]string, 0, len(byField))
	for f := range byField {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

type fieldWin struct {
	strategy *models.Strategy
	value    string
}

// evaluateField tries strategies in (priority asc, confidence desc, id asc)
// order; the first one that both matches and normalizes cleanly wins, but
// every attempted strategy still gets an outcome recorded. record is the
// record assembled so far, used by composite strategies whose validation
// rule relates to an already-collected field.
func evaluateField(snap *Snapshot, strategies []*models.Strategy, record *models.PriceRecord) (fieldWin, []models.StrategyOutcome) {
	ordered := make([]*models.Strategy, len(strategies))
	copy(ordered, strategies)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].ID < ordered[j].ID
	})

	var outcomes []models.StrategyOutcome
	var win fieldWin
	for _, s := range ordered {
		start := time.Now()
		var m match
		if s.Kind == models.KindComposite {
			m = evaluateComposite(snap, s, record, 0)
		} else {
			m = matchOne(snap, s)
		}
		elapsed := time.Since(start)
		success := m.found && m.rawValue != ""
		outcomes = append(outcomes, models.StrategyOutcome{
			StrategyID: s.ID,
			Field:      s.TargetField,
			Success:    success,
			Confidence: s.Confidence,
			Elapsed:    elapsed,
		})
		if success && win.strategy == nil {
			win = fieldWin{strategy: s, value: m.rawValue}
		}
	}
	return win, outcomes
}

// evaluateComposite threads a sequence of child strategies, then applies
// the optional final transformation and validation step (§4.4: "Optional
// final transformation ... and validation"). Depth is bounded to prevent
// pathological recursion in hand-authored portfolios. record is the
// in-progress PriceRecord, consulted when Validation.RelatedField names
// an already-collected field.
func evaluateComposite(snap *Snapshot, s *models.Strategy, record *models.PriceRecord, depth int) match {
	if depth >= maxCompositeDepth {
		return match{}
	}
	d, ok := s.Data.(CompositeData)
	if !ok {
		return match{}
	}
	var last match
	for _, step := range d.Steps {
		step := step
		if step.Kind == models.KindComposite {
			last = evaluateComposite(snap, &step, record, depth+1)
		} else {
			last = matchOne(snap, &step)
		}
		if !last.found {
			return match{}
		}
	}

	if d.Transformation != "" {
		transformed, ok := applyTransformation(d.Transformation, last.rawValue)
		if !ok {
			return match{}
		}
		last.rawValue = transformed
	}
	if d.Validation != nil && !validateComposite(last.rawValue, d.Validation, record) {
		return match{}
	}
	return last
}

// applyTransformation applies a composite strategy's named final
// transformation to its last step's raw match. "extract_decimal" is the
// only transformation named in §4.4; unrecognized names fail the strategy
// rather than silently passing the raw value through.
func applyTransformation(name, raw string) (string, bool) {
	switch name {
	case "extract_decimal":
		v, ok := normalizeDecimal(raw)
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// validateComposite applies a composite strategy's validation rule: a
// numeric range check and/or a relation to another already-collected
// field (e.g. pix_price <= price * factor). A RelatedField the record
// hasn't resolved yet is not a failure — there is nothing to compare
// against — so only the range check (if any) applies.
func validateComposite(raw string, rule *ValidationRule, record *models.PriceRecord) bool {
	v, ok := normalizeDecimal(raw)
	if !ok {
		return false
	}
	if rule.MinValue != nil && v < *rule.MinValue {
		return false
	}
	if rule.MaxValue != nil && v > *rule.MaxValue {
		return false
	}
	if rule.RelatedField != "" && record != nil {
		related, ok := fieldValue(record, rule.RelatedField)
		if ok {
			factor := rule.RelatedFactor
			if factor == 0 {
				factor = 1
			}
			if v > related*factor {
				return false
			}
		}
	}
	return true
}

// fieldValue reads a numeric field already collected on record, for
// composite validation relations.
func fieldValue(record *models.PriceRecord, field string) (float64, bool) {
	switch field {
	case FieldPrice:
		return record.Price, true
	case FieldOldPrice:
		if record.OldPrice != nil {
			return *record.OldPrice, true
		}
	case FieldPixPrice:
		if record.PixPrice != nil {
			return *record.PixPrice, true
		}
	}
	return 0, false
}

func groupByField(portfolio []*models.Strategy) map[string][]*models.Strategy {
	out := map[string][]*models.Strategy{}
	for _, s := range portfolio {
		out[s.TargetField] = append(out[s.TargetField], s)
	}
	return out
}

func applyField(record *models.PriceRecord, field string, win fieldWin) {
	switch field {
	case FieldPrice:
		if v, ok := normalizeDecimal(win.value); ok {
			record.Price = v
		}
	case FieldOldPrice:
		if v, ok := normalizeDecimal(win.value); ok {
			record.OldPrice = &v
		}
	case FieldPixPrice:
		if v, ok := normalizeDecimal(win.value); ok {
			record.PixPrice = &v
		}
	case FieldAvailability:
		record.Availability = models.Availability(normalizeAvailability(win.value))
	case FieldAvailabilityText:
		record.AvailabilityText = normalizeText(win.value)
	case FieldSeller:
		record.Seller = normalizeText(win.value)
	case FieldPromotionLabels:
		record.PromotionLabels = splitPromotionLabels(win.value)
	}
}

// retryLowestConfidenceOffender drops the field most likely responsible for
// a cross-field validation failure (the one whose winning strategy has the
// lowest confidence among price/old_price/pix_price) and re-evaluates it
// with that strategy excluded, once.
func retryLowestConfidenceOffender(record *models.PriceRecord, winners map[string]*models.Strategy, byField map[string][]*models.Strategy, snap *Snapshot, outcomes []models.StrategyOutcome) (*models.PriceRecord, []models.StrategyOutcome) {
	offender := lowestConfidenceAmong(winners, FieldPrice, FieldOldPrice, FieldPixPrice)
	if offender == "" {
		return record, outcomes
	}
	remaining := excludeStrategy(byField[offender], winners[offender].ID)
	won, retryOutcomes := evaluateField(snap, remaining, record)
	outcomes = append(outcomes, retryOutcomes...)
	if won.strategy != nil {
		applyField(record, offender, won)
		winners[offender] = won.strategy
	} else {
		clearField(record, offender)
		delete(winners, offender)
	}
	if err := record.Validate(); err != nil {
		clearField(record, offender)
		delete(winners, offender)
	}
	return record, outcomes
}

func lowestConfidenceAmong(winners map[string]*models.Strategy, fields ...string) string {
	lowest := ""
	var lowestConf float64
	for _, f := range fields {
		s, ok := winners[f]
		if !ok {
			continue
		}
		if lowest == "" || s.Confidence < lowestConf {
			lowest = f
			lowestConf = s.Confidence
		}
	}
	return lowest
}

func excludeStrategy(strategies []*models.Strategy, id string) []*models.Strategy {
	out := make([]*models.Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func clearField(record *models.PriceRecord, field string) {
	switch field {
	case FieldPrice:
		record.Price = 0
	case FieldOldPrice:
		record.OldPrice = nil
	case FieldPixPrice:
		record.PixPrice = nil
	}
}

// minFieldConfidence returns the lowest confidence among fields' winning
// strategies, for the fields that actually got one. ok is false when none
// of fields has a winner (e.g. nothing matched at all).
func minFieldConfidence(winners map[string]*models.Strategy, fields ...string) (float64, bool) {
	conf := 0.0
	found := false
	for _, f := range fields {
		s, ok := winners[f]
		if !ok {
			continue
		}
		if !found || s.Confidence < conf {
			conf = s.Confidence
			found = true
		}
	}
	return conf, found
}
