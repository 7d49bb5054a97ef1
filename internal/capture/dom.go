package capture

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultDOMBudget is the default DOM character budget.
const DefaultDOMBudget = 5000

// Elements whose bodies carry no signal for a failure analysis.
var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
}

// CompactDOM strips scripts, styles, inline SVG, comments and
// whitespace-only text from markup. Unparseable markup is returned as is.
func CompactDOM(markup string) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return markup
	}
	prune(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return markup
	}
	return buf.String()
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode,
			c.Type == html.ElementNode && droppedElements[c.DataAtom],
			c.Type == html.TextNode && strings.TrimSpace(c.Data) == "":
			n.RemoveChild(c)
		default:
			prune(c)
		}
		c = next
	}
}

// TruncateDOM cuts s to budget characters and appends a marker naming how
// much was dropped.
func TruncateDOM(s string, budget int) (string, bool) {
	if budget <= 0 {
		budget = DefaultDOMBudget
	}
	total := utf8.RuneCountInString(s)
	if total <= budget {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:budget]) + fmt.Sprintf("\n<!-- truncated: %d more characters -->", total-budget), true
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName turns a test identifier into a file-name-safe stem.
func SanitizeName(id string) string {
	s := strings.Trim(unsafeName.ReplaceAllString(id, "_"), "_.")
	if s == "" {
		return "test"
	}
	return s
}

// ScreenshotName is the file name for a failure screenshot taken at ts.
// Milliseconds keep quick retries of one test apart.
func ScreenshotName(testID string, ts time.Time) string {
	return fmt.Sprintf("%s_%s.png", SanitizeName(testID), ts.Format("2006-01-02_15-04-05.000"))
}
