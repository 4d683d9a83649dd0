package source

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"fundflow/config"
	"fundflow/models"
)

// htmlAdapter scrapes one numeric value out of a public quote page. The
// target element is located by tag name plus either an attribute match or a
// text fragment; the value is read from the element itself or, when the
// layout labels the figure, from the next element sibling.
type htmlAdapter struct {
	series   string
	name     string
	selector config.SelectorSpec
	scale    float64
	price    bool
	metadata map[string]string
	now      func() time.Time
}

func newHTMLAdapter(series string, price bool, spec config.SourceSpec, now func() time.Time) *htmlAdapter {
	return &htmlAdapter{
		series:   series,
		name:     spec.Name,
		selector: spec.Selector,
		scale:    spec.Scale,
		price:    price,
		metadata: spec.Metadata,
		now:      now,
	}
}

func (a *htmlAdapter) Name() string { return a.name }

func (a *htmlAdapter) Extract(body []byte) (models.Observation, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return models.Observation{}, &models.ParseError{Source: a.name, Reason: "body is not parseable HTML", Err: err}
	}

	node := findNode(doc, a.selector)
	if node == nil {
		return models.Observation{}, &models.ParseError{
			Source: a.name,
			Reason: fmt.Sprintf("selector matched no element (tag=%q attr=%s=%q contains=%q)",
				a.selector.Tag, a.selector.Attr, a.selector.AttrValue, a.selector.Contains),
		}
	}
	if a.selector.Sibling {
		node = nextElement(node)
		if node == nil {
			return models.Observation{}, &models.ParseError{Source: a.name, Reason: "matched element has no following sibling"}
		}
	}

	text := strings.TrimSpace(nodeText(node))
	value, err := parseDecorated(text)
	if err != nil {
		return models.Observation{}, &models.ParseError{Source: a.name, Reason: fmt.Sprintf("element text %q is not numeric", text), Err: err}
	}
	if a.scale != 0 {
		value *= a.scale
	}

	if a.price {
		return models.NewPriceObservation(a.series, value, a.now().UTC(), a.name, a.metadata)
	}
	return models.NewObservation(a.series, value, a.now().UTC(), a.name, a.metadata)
}

// findNode walks the tree depth-first and returns the first element matching
// the selector.
func findNode(n *html.Node, sel config.SelectorSpec) *html.Node {
	if n.Type == html.ElementNode && matches(n, sel) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, sel); found != nil {
			return found
		}
	}
	return nil
}

func matches(n *html.Node, sel config.SelectorSpec) bool {
	if sel.Tag != "" && n.Data != sel.Tag {
		return false
	}
	if sel.Attr != "" {
		if !hasAttr(n, sel.Attr, sel.AttrValue) {
			return false
		}
	}
	if sel.Contains != "" {
		if !strings.Contains(nodeText(n), sel.Contains) {
			return false
		}
	}
	return sel.Tag != "" || sel.Attr != "" || sel.Contains != ""
}

func hasAttr(n *html.Node, key, value string) bool {
	for _, attr := range n.Attr {
		if attr.Key != key {
			continue
		}
		if value == "" {
			return true
		}
		// Class attributes carry space-separated token lists.
		for _, token := range strings.Fields(attr.Val) {
			if token == value {
				return true
			}
		}
	}
	return false
}

func nextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

// nodeText concatenates all text nodes beneath n.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
