package strategy

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/jnbrc0de/scrapingsmart/models"
)

// match is the raw result of one kind-specific matcher, before normalization.
type match struct {
	rawValue string
	found    bool
}

// matchRegex implements the regex kind (§4.4): pattern applied either to
// the whole rendered document text or to the text of a selected scope.
func matchRegex(snap *Snapshot, d RegexData) match {
	re, err := regexp.Compile(d.Pattern)
	if err != nil {
		return match{}
	}
	var text string
	if strings.HasPrefix(d.Scope, "text-of(") && strings.HasSuffix(d.Scope, ")") {
		selector := strings.TrimSuffix(strings.TrimPrefix(d.Scope, "text-of("), ")")
		text = snap.TextOf(selector)
	} else {
		text = snap.Text()
	}
	groups := re.FindStringSubmatch(text)
	idx := d.GroupIndex
	if idx <= 0 {
		idx = 0
	}
	if len(groups) <= idx {
		return match{}
	}
	return match{rawValue: groups[idx], found: true}
}

// matchCSS implements the css kind: the unique selector match wins outright;
// with several matches, the one nearest a context term wins.
func matchCSS(snap *Snapshot, d CSSData) match {
	doc := snap.Document()
	if doc == nil {
		return match{}
	}
	sel := doc.Find(d.Selector)
	if sel.Length() == 0 {
		return match{}
	}
	if sel.Length() == 1 || len(d.ContextTerms) == 0 {
		return cssValueAt(sel.First(), d)
	}
	best := sel.First()
	bestDist := -1
	text := snap.Text()
	sel.Each(func(_ int, s *goquery.Selection) {
		val := cssValueAt(s, d)
		if !val.found {
			return
		}
		dist := nearestContextDistance(text, val.rawValue, d.ContextTerms)
		if dist >= 0 && (bestDist == -1 || dist < bestDist) {
			bestDist = dist
			best = s
		}
	})
	return cssValueAt(best, d)
}

func cssValueAt(s *goquery.Selection, d CSSData) match {
	if s.Length() == 0 {
		return match{}
	}
	if d.Attribute != "" {
		v, ok := s.Attr(d.Attribute)
		return match{rawValue: v, found: ok}
	}
	return match{rawValue: strings.TrimSpace(s.Text()), found: true}
}

func nearestContextDistance(documentText, value string, terms []string) int {
	vi := strings.Index(documentText, value)
	if vi < 0 {
		return -1
	}
	best := -1
	for _, term := range terms {
		ti := strings.Index(documentText, term)
		if ti < 0 {
			continue
		}
		d := vi - ti
		if d < 0 {
			d = -d
		}
		if best == -1 || d < best {
			best = d
		}
	}
	return best
}

// matchXPath implements the xpath kind via antchfx/htmlquery.
func matchXPath(snap *Snapshot, d XPathData) match {
	root, err := htmlquery.Parse(strings.NewReader(snap.HTML))
	if err != nil {
		return match{}
	}
	node, err := htmlquery.Query(root, d.Expression)
	if err != nil || node == nil {
		return match{}
	}
	if d.Attribute != "" {
		return match{rawValue: htmlquery.SelectAttr(node, d.Attribute), found: true}
	}
	return match{rawValue: strings.TrimSpace(htmlquery.InnerText(node)), found: true}
}

// matchSemantic implements the semantic kind: pick the DOM node whose
// attributes match one of the given markers AND whose position in the
// rendered text lies within max_distance_chars of a context term.
func matchSemantic(snap *Snapshot, d SemanticData) match {
	doc := snap.Document()
	if doc == nil {
		return match{}
	}
	text := snap.Text()
	var best match
	bestDist := -1
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if !semanticMatches(s, d.Attributes) {
			return
		}
		value := strings.TrimSpace(s.Text())
		if value == "" {
			return
		}
		dist := nearestContextDistance(text, value, d.ContextTerms)
		if dist < 0 {
			return
		}
		if d.MaxDistanceChars > 0 && dist > d.MaxDistanceChars {
			return
		}
		if bestDist == -1 || dist < bestDist {
			bestDist = dist
			best = match{rawValue: value, found: true}
		}
	})
	return best
}

func semanticMatches(s *goquery.Selection, attrs []AttributeMatcher) bool {
	if len(attrs) == 0 {
		return false
	}
	for _, a := range attrs {
		v, exists := s.Attr(a.Name)
		if !exists {
			continue
		}
		if a.Value == "" || v == a.Value {
			return true
		}
	}
	return false
}

// matchOne dispatches a single strategy to its kind-specific matcher.
// Composite strategies are walked by the evaluator, not here.
func matchOne(snap *Snapshot, s *models.Strategy) match {
	switch s.Kind {
	case models.KindRegex:
		d, ok := s.Data.(RegexData)
		if !ok {
			return match{}
		}
		return matchRegex(snap, d)
	case models.KindCSS:
		d, ok := s.Data.(CSSData)
		if !ok {
			return match{}
		}
		return matchCSS(snap, d)
	case models.KindXPath:
		d, ok := s.Data.(XPathData)
		if !ok {
			return match{}
		}
		return matchXPath(snap, d)
	case models.KindSemantic:
		d, ok := s.Data.(SemanticData)
		if !ok {
			return match{}
		}
		return matchSemantic(snap, d)
	}
	return match{}
}
