// Package blocker removes tracking scripts and tracking attributes from pages.
//
// Script removal inside a live page is a race against the browser's own
// loader: the observer removes matching elements within one mutation
// delivery of their insertion, which is usually but not always before they
// execute.
package blocker

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/Rorqualx/defundx-go/internal/sanitize"
)

// ScriptBlockedBinding is the page binding notified for every removed script.
const ScriptBlockedBinding = "__defundxScriptBlocked"

// Blocker holds the script terms and attribute names it acts on.
type Blocker struct {
	terms      []string // lowercased
	attributes []string
	sanitizer  *sanitize.Sanitizer
}

// New creates a Blocker. The sanitizer is used only by CleanHTML and may be nil.
func New(scriptTerms, attributes []string, sanitizer *sanitize.Sanitizer) *Blocker {
	terms := make([]string, 0, len(scriptTerms))
	for _, t := range scriptTerms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	attrs := make([]string, len(attributes))
	copy(attrs, attributes)
	return &Blocker{terms: terms, attributes: attrs, sanitizer: sanitizer}
}

// Terms returns the lowercased script terms.
func (b *Blocker) Terms() []string {
	out := make([]string, len(b.terms))
	copy(out, b.terms)
	return out
}

// Attributes returns the tracking attribute names.
func (b *Blocker) Attributes() []string {
	out := make([]string, len(b.attributes))
	copy(out, b.attributes)
	return out
}

// MatchScript reports whether a script source URL contains any term,
// ignoring case.
func (b *Blocker) MatchScript(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	for _, term := range b.terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Report summarizes an offline CleanHTML pass.
type Report struct {
	ScriptsRemoved    int
	AttributesRemoved int
	LinksSanitized    int
}

// CleanHTML parses an HTML document from r, removes matching scripts and
// tracking attributes, sanitizes link targets, and writes the result to w.
func (b *Blocker) CleanHTML(r io.Reader, w io.Writer) (Report, error) {
	var report Report

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return report, fmt.Errorf("failed to parse document: %w", err)
	}

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if b.MatchScript(src) {
			log.Debug().Str("src", src).Msg("Removing tracking script")
			s.Remove()
			report.ScriptsRemoved++
		}
	})

	for _, attr := range b.attributes {
		sel := doc.Find("[" + attr + "]")
		report.AttributesRemoved += sel.Length()
		sel.RemoveAttr(attr)
	}

	if b.sanitizer != nil {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			if cleaned, changed := b.sanitizer.Changed(href); changed {
				s.SetAttr("href", cleaned)
				report.LinksSanitized++
			}
		})
	}

	for _, n := range doc.Nodes {
		if err := html.Render(w, n); err != nil {
			return report, fmt.Errorf("failed to render document: %w", err)
		}
	}
	return report, nil
}
