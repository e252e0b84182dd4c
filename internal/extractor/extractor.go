// Package extractor derives structural SEO signals from raw HTML.
package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/seolens/audit-service/internal/audit"
)

// Extract parses raw HTML into SEO signals. It is pure and never fails:
// malformed HTML yields zero-valued fields. LoadTime is owned by the caller,
// measured around the fetch, and is left unset here.
func Extract(html string) audit.SEOSignals {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return audit.SEOSignals{}
	}

	signals := audit.SEOSignals{
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription: strings.TrimSpace(doc.Find(`meta[name="description"]`).First().AttrOr("content", "")),
	}

	doc.Find("h1").Each(func(_ int, sel *goquery.Selection) {
		signals.H1Tags = append(signals.H1Tags, strings.TrimSpace(sel.Text()))
	})

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if alt, ok := sel.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			signals.ImagesWithoutAlt++
		}
	})

	return signals
}
