// Package strategy implements the §4.4 Strategy Evaluator: given a DOM
// snapshot and a domain's ranked strategy portfolio, it produces the best
// candidate value for each target field.
package strategy

import "github.com/jnbrc0de/scrapingsmart/models"

// Field names for the target_field discriminator. Unlisted fields (e.g.
// future domain-specific attributes) are valid too; these are just the ones
// the cross-field validator and normalizer know about.
const (
	FieldPrice            = "price"
	FieldOldPrice         = "old_price"
	FieldPixPrice         = "pix_price"
	FieldInstallment      = "installment"
	FieldAvailability     = "availability"
	FieldAvailabilityText = "availability_text"
	FieldSeller           = "seller"
	FieldPromotionLabels  = "promotion_labels"
)

// RegexData is the regex kind's opaque data shape.
type RegexData struct {
	Pattern    string
	GroupIndex int
	Scope      string // "whole-document" or "text-of(<selector>)"
}

// CSSData is the css kind's opaque data shape.
type CSSData struct {
	Selector     string
	Attribute    string // empty means use the element's text
	TextMode     string // innerText|textContent; matchCSS does not read it and always uses the element's text content
	ContextTerms []string
}

// XPathData is the xpath kind's opaque data shape.
type XPathData struct {
	Expression string
	Attribute  string
}

// AttributeMatcher is one semantic marker to look for, e.g. {Name:
// "data-price"} or {Name: "itemprop", Value: "price"}.
type AttributeMatcher struct {
	Name  string
	Value string // empty means "attribute present, any value"
}

// SemanticData is the semantic kind's opaque data shape.
type SemanticData struct {
	Attributes       []AttributeMatcher
	ContextTerms     []string
	MaxDistanceChars int
}

// ValidationRule is an optional composite-step post-check: either a numeric
// range or a relation to another already-collected field.
type ValidationRule struct {
	MinValue      *float64
	MaxValue      *float64
	RelatedField  string
	RelatedFactor float64 // e.g. value <= related * RelatedFactor
}

// CompositeData is the composite kind's opaque data shape: an ordered
// sequence of child strategies threading a current scope, with an optional
// final transformation and validation.
type CompositeData struct {
	Steps          []models.Strategy
	Transformation string // e.g. "extract_decimal"
	Validation     *ValidationRule
}

// maxCompositeDepth bounds composite nesting to prevent pathological
// recursion, per §9's design note on the variant forest.
const maxCompositeDepth = 4
