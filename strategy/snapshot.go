package strategy

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

// Snapshot is the serializable HTML plus the lazily-rendered flat text used
// by regex text-of(selector) scopes and the semantic kind's proximity
// search. It is built once per attempt in the Extraction Engine and handed
// to the Evaluator (§4.3 step 6 / §4.4 input).
type Snapshot struct {
	HTML string
	URL  string

	once sync.Once
	doc  *goquery.Document
	root *html.Node
	text string
}

func NewSnapshot(rawHTML, url string) *Snapshot {
	return &Snapshot{HTML: rawHTML, URL: url}
}

func (s *Snapshot) parse() {
	s.once.Do(func() {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s.HTML))
		if err != nil {
			return
		}
		s.doc = doc
		s.root = doc.Get(0).FirstChild
		// Render to flat text via the teacher's markdown compiler rather than
		// hand-rolling an HTML text walker; markdown's inline-emphasis
		// markers are harmless noise for substring/distance matching.
		if md, err := htmltomarkdown.ConvertString(s.HTML); err == nil {
			s.text = md
		} else {
			s.text = doc.Text()
		}
	})
}

// Document returns the parsed goquery document for css-kind matching.
func (s *Snapshot) Document() *goquery.Document {
	s.parse()
	return s.doc
}

// Text returns the flattened, markdown-rendered document text.
func (s *Snapshot) Text() string {
	s.parse()
	return s.text
}

// TextOf renders the flat text of the first element matching selector, or
// the empty string if none match — backs regex's text-of(selector) scope.
func (s *Snapshot) TextOf(selector string) string {
	doc := s.Document()
	if doc == nil {
		return ""
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	h, err := sel.Html()
	if err != nil {
		return sel.Text()
	}
	if md, err := htmltomarkdown.ConvertString(h); err == nil {
		return md
	}
	return sel.Text()
}
