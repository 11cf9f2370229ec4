package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnbrc0de/scrapingsmart/models"
)

const sampleHTML = `
<html><body>
  <div class="price">R$ 1.234,56</div>
  <div class="old-price">R$ 1.500,00</div>
  <div class="availability" data-available="true">Em estoque</div>
</body></html>
`

func priceStrategy(id string, priority int, confidence float64, selector string) *models.Strategy {
	return &models.Strategy{
		ID: id, Domain: "example.com", TargetField: FieldPrice,
		Kind: models.KindCSS, Data: CSSData{Selector: selector},
		Confidence: confidence, Priority: priority,
	}
}

func TestEvaluateHappyPath(t *testing.T) {
	snap := NewSnapshot(sampleHTML, "https://example.com/p/1")
	portfolio := []*models.Strategy{
		priceStrategy("s1", 0, 0.9, ".price"),
		{ID: "s2", Domain: "example.com", TargetField: FieldOldPrice, Kind: models.KindCSS,
			Data: CSSData{Selector: ".old-price"}, Confidence: 0.8, Priority: 0},
		{ID: "s3", Domain: "example.com", TargetField: FieldAvailability, Kind: models.KindCSS,
			Data: CSSData{Selector: ".availability", Attribute: "data-available"}, Confidence: 0.8, Priority: 0},
	}

	eval := Evaluate("url-1", snap, portfolio, time.Now())

	require.NotNil(t, eval.Record)
	require.InDelta(t, 1234.56, eval.Record.Price, 0.001)
	require.NotNil(t, eval.Record.OldPrice)
	require.InDelta(t, 1500.00, *eval.Record.OldPrice, 0.001)
	require.Equal(t, "s1", eval.Record.ExtractionStrategyID)
	require.NotEmpty(t, eval.Outcomes)
}

func TestEvaluateFirstStrategyFailsFallsBackToSecond(t *testing.T) {
	snap := NewSnapshot(sampleHTML, "https://example.com/p/1")
	portfolio := []*models.Strategy{
		priceStrategy("broken", 0, 0.95, ".does-not-exist"),
		priceStrategy("good", 1, 0.5, ".price"),
	}

	eval := Evaluate("url-1", snap, portfolio, time.Now())

	require.InDelta(t, 1234.56, eval.Record.Price, 0.001)
	require.Equal(t, "good", eval.Record.ExtractionStrategyID)

	var brokenTried, goodTried bool
	for _, o := range eval.Outcomes {
		if o.StrategyID == "broken" {
			brokenTried = true
			require.False(t, o.Success)
		}
		if o.StrategyID == "good" {
			goodTried = true
			require.True(t, o.Success)
		}
	}
	require.True(t, brokenTried)
	require.True(t, goodTried)
}

func TestEvaluateCrossFieldValidationRetriesLowestConfidence(t *testing.T) {
	// old_price below price violates PriceRecord.Validate(); the evaluator
	// should drop the lowest-confidence offender (old_price here) and retry.
	html := `<html><body>
		<div class="price">R$ 100,00</div>
		<div class="bad-old-price">R$ 10,00</div>
	</body></html>`
	snap := NewSnapshot(html, "https://example.com/p/2")
	portfolio := []*models.Strategy{
		priceStrategy("price-ok", 0, 0.9, ".price"),
		{ID: "old-bad", Domain: "example.com", TargetField: FieldOldPrice, Kind: models.KindCSS,
			Data: CSSData{Selector: ".bad-old-price"}, Confidence: 0.2, Priority: 0},
	}

	eval := Evaluate("url-2", snap, portfolio, time.Now())

	require.InDelta(t, 100.00, eval.Record.Price, 0.001)
	require.Nil(t, eval.Record.OldPrice)
	require.NoError(t, eval.Record.Validate())
}

func TestEvaluateNoMatchingStrategyProducesEmptyRecord(t *testing.T) {
	snap := NewSnapshot(`<html><body><p>no price here</p></body></html>`, "https://example.com/p/3")
	portfolio := []*models.Strategy{priceStrategy("only", 0, 0.5, ".price")}

	eval := Evaluate("url-3", snap, portfolio, time.Now())

	require.Equal(t, float64(0), eval.Record.Price)
	require.Len(t, eval.Outcomes, 1)
	require.False(t, eval.Outcomes[0].Success)
}

func TestEvaluateExtractionConfidenceIsMinAcrossRequiredFields(t *testing.T) {
	snap := NewSnapshot(sampleHTML, "https://example.com/p/1")
	portfolio := []*models.Strategy{
		priceStrategy("s1", 0, 0.9, ".price"),
		{ID: "s3", Domain: "example.com", TargetField: FieldAvailability, Kind: models.KindCSS,
			Data: CSSData{Selector: ".availability", Attribute: "data-available"}, Confidence: 0.4, Priority: 0},
	}

	eval := Evaluate("url-1", snap, portfolio, time.Now())

	// extraction_strategy_id still identifies the price winner, but
	// extraction_confidence is the minimum across price (0.9) and
	// availability (0.4), not the price strategy's own confidence.
	require.Equal(t, "s1", eval.Record.ExtractionStrategyID)
	require.InDelta(t, 0.4, eval.Record.ExtractionConfidence, 0.001)
}

func compositePixStrategy(id string, validation *ValidationRule) *models.Strategy {
	return &models.Strategy{
		ID: id, Domain: "example.com", TargetField: FieldPixPrice,
		Kind: models.KindComposite,
		Data: CompositeData{
			Steps: []models.Strategy{
				{Kind: models.KindCSS, Data: CSSData{Selector: ".pix-raw"}},
			},
			Transformation: "extract_decimal",
			Validation:     validation,
		},
		Confidence: 0.7, Priority: 0,
	}
}

func TestEvaluateCompositeAppliesTransformationAndValidation(t *testing.T) {
	html := `<html><body>
		<div class="price">R$ 200,00</div>
		<div class="pix-raw">Pix: R$ 180,00 a vista</div>
	</body></html>`

	t.Run("passes when within the related-field factor", func(t *testing.T) {
		snap := NewSnapshot(html, "https://example.com/p/4")
		portfolio := []*models.Strategy{
			priceStrategy("price-ok", 0, 0.9, ".price"),
			compositePixStrategy("pix-ok", &ValidationRule{RelatedField: FieldPrice, RelatedFactor: 1.0}),
		}

		eval := Evaluate("url-4", snap, portfolio, time.Now())

		require.NotNil(t, eval.Record.PixPrice)
		require.InDelta(t, 180.0, *eval.Record.PixPrice, 0.001)

		var pixOutcome models.StrategyOutcome
		for _, o := range eval.Outcomes {
			if o.StrategyID == "pix-ok" {
				pixOutcome = o
			}
		}
		require.True(t, pixOutcome.Success)
	})

	t.Run("fails validation when it exceeds the related field", func(t *testing.T) {
		snap := NewSnapshot(html, "https://example.com/p/4")
		portfolio := []*models.Strategy{
			priceStrategy("price-ok", 0, 0.9, ".price"),
			compositePixStrategy("pix-too-high", &ValidationRule{RelatedField: FieldPrice, RelatedFactor: 0.5}),
		}

		eval := Evaluate("url-5", snap, portfolio, time.Now())

		require.Nil(t, eval.Record.PixPrice)

		var pixOutcome models.StrategyOutcome
		for _, o := range eval.Outcomes {
			if o.StrategyID == "pix-too-high" {
				pixOutcome = o
			}
		}
		require.False(t, pixOutcome.Success)
	})
}
