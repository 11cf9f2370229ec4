package strategy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kennygrant/sanitize"
)

var decimalPattern = regexp.MustCompile(`-?\d{1,3}(?:[.,]\d{3})*(?:[.,]\d{1,2})?|-?\d+(?:[.,]\d{1,2})?`)

// normalizeDecimal extracts a single numeric value out of a raw matched
// string such as "R$ 1.299,90" or "$1,299.90", handling both comma and
// dot as thousands or decimal separators by assuming the rightmost
// separator followed by one or two digits is the decimal point.
func normalizeDecimal(raw string) (float64, bool) {
	found := decimalPattern.FindString(raw)
	if found == "" {
		return 0, false
	}
	return parseLocalizedNumber(found)
}

func parseLocalizedNumber(s string) (float64, bool) {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	decimalAt := -1
	switch {
	case lastDot == -1 && lastComma == -1:
		decimalAt = -1
	case lastDot > lastComma:
		decimalAt = lastDot
	default:
		decimalAt = lastComma
	}
	var whole, frac string
	if decimalAt == -1 {
		whole = s
	} else if len(s)-decimalAt-1 <= 2 {
		whole = s[:decimalAt]
		frac = s[decimalAt+1:]
	} else {
		whole = s
	}
	cleaned := strings.NewReplacer(".", "", ",", "").Replace(whole)
	if frac != "" {
		cleaned += "." + frac
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var availabilityKeywords = []struct {
	kw    string
	value string
}{
	{"fora de estoque", "out_of_stock"},
	{"indisponível", "out_of_stock"},
	{"indisponivel", "out_of_stock"},
	{"esgotado", "out_of_stock"},
	{"out of stock", "out_of_stock"},
	{"sold out", "out_of_stock"},
	{"unavailable", "out_of_stock"},
	{"últimas unidades", "low_stock"},
	{"ultimas unidades", "low_stock"},
	{"poucas unidades", "low_stock"},
	{"low stock", "low_stock"},
	{"few left", "low_stock"},
	{"pré-venda", "pre_order"},
	{"pre-venda", "pre_order"},
	{"pre-order", "pre_order"},
	{"preorder", "pre_order"},
	{"em estoque", "in_stock"},
	{"disponível", "in_stock"},
	{"disponivel", "in_stock"},
	{"in stock", "in_stock"},
	{"available", "in_stock"},
}

// normalizeAvailability maps free-text availability copy to the
// Availability enum via keyword matching, falling back to "unknown".
func normalizeAvailability(raw string) string {
	lower := strings.ToLower(sanitize.Accents(raw))
	for _, k := range availabilityKeywords {
		if strings.Contains(lower, k.kw) {
			return k.value
		}
	}
	return "unknown"
}

// normalizeText strips HTML/control noise from a freeform field (seller
// name, availability text, promotion label) using the same sanitizer the
// teacher uses for output scrubbing.
func normalizeText(raw string) string {
	clean := sanitize.HTML(raw)
	return strings.TrimSpace(clean)
}

// splitPromotionLabels turns a single raw blob containing several
// pipe/comma/newline separated promotion tags into a clean list.
func splitPromotionLabels(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '|' || r == ',' || r == '\n' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = normalizeText(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
