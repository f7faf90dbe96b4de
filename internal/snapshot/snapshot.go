// Package snapshot captures a small, readable copy of page markup for error
// reports. Everything it returns fits the caller's byte budget.
package snapshot

import (
	"strings"
	"unicode/utf8"

	"github.com/pbaille/jobfiltr/internal/domain"
	"golang.org/x/net/html"
)

// DefaultBudget caps captured HTML and text, in bytes
const DefaultBudget = 5000

// Non-content elements dropped before rendering
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"iframe": true, "svg": true, "template": true,
}

// Capture parses rawHTML, strips non-content elements and returns the
// remaining markup and its readable text, each truncated to budget bytes.
func Capture(activeElement, rawHTML string, budget int) domain.DOMSnapshot {
	if budget <= 0 {
		budget = DefaultBudget
	}
	snap := domain.DOMSnapshot{ActiveElement: Truncate(activeElement, 256)}
	if strings.TrimSpace(rawHTML) == "" {
		return snap
	}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		snap.RelevantHTML = Truncate(rawHTML, budget)
		return snap
	}
	strip(doc)

	root := findBody(doc)
	if root == nil {
		root = doc
	}

	var markup strings.Builder
	for c := root.FirstChild; c != nil && markup.Len() < budget; c = c.NextSibling {
		if err := html.Render(&markup, c); err != nil {
			break
		}
	}
	snap.RelevantHTML = Truncate(markup.String(), budget)
	snap.Text = Truncate(extractText(root), budget)
	return snap
}

// Truncate cuts s to at most budget bytes without splitting a UTF-8
// sequence.
func Truncate(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if len(s) <= budget {
		return s
	}
	i := budget
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

// strip removes skipped elements and comments from the tree in place
func strip(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && skipTags[c.Data]) {
			n.RemoveChild(c)
		} else {
			strip(c)
		}
		c = next
	}
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

// extractText returns the whitespace-collapsed text content of n
func extractText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
