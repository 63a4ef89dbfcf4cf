// Package extractor turns fetched HTML into normalized documents. The native
// extractor parses with goquery; the pool wraps instances of it for
// health-tracked, bounded execution.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/foofork/riptide/internal/core"
)

// Native extracts title, main text, links, and metadata from static HTML.
// It is stateless and safe for concurrent use, though the pool hands each
// instance to one task at a time anyway.
type Native struct {
	// MaxLinks caps the outlinks returned per page. Zero means the default.
	MaxLinks int
}

const defaultMaxLinks = 200

// content selectors tried in order; the first non-empty match wins.
var contentSelectors = []string{
	"article",
	"main",
	`[role="main"]`,
	"#content",
	".content",
}

// NewNative returns a Native extractor with default limits.
func NewNative() *Native {
	return &Native{MaxLinks: defaultMaxLinks}
}

// Extract parses the body and returns the document plus a quality score in
// [0,1]. The sandboxed strategy runs the same parse here; the strategy only
// changes which pool the orchestrator routes through.
func (e *Native) Extract(ctx context.Context, body []byte, pageURL string, _ core.ExtractionStrategy) (*core.ExtractedDoc, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: parse html: %v", core.ErrParse, err)
	}

	doc.Find("script, style, noscript, template").Remove()

	out := &core.ExtractedDoc{
		URL:         pageURL,
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Text:        e.mainText(doc),
		Links:       e.links(doc, pageURL),
		ContentType: "text/html",
		Metadata:    e.metadata(doc),
	}
	if out.Text == "" {
		return out, 0, fmt.Errorf("%w: no extractable text", core.ErrExtraction)
	}
	return out, quality(out, len(body)), nil
}

// mainText prefers a recognizable content region and falls back to the whole
// body.
func (e *Native) mainText(doc *goquery.Document) string {
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			if text := collapseWhitespace(s.Text()); text != "" {
				return text
			}
		}
	}
	return collapseWhitespace(doc.Find("body").Text())
}

// links resolves hrefs against the page URL, dropping fragments, non-HTTP
// schemes, and anything that fails normalization.
func (e *Native) links(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	maxLinks := e.MaxLinks
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}

	var links []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		resolved, err := core.NormalizeURL(base.ResolveReference(ref).String())
		if err != nil {
			return true
		}
		if _, dup := seen[resolved]; dup {
			return true
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
		return len(links) < maxLinks
	})
	return links
}

func (e *Native) metadata(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok || content == "" {
			return
		}
		if name, ok := s.Attr("name"); ok && name != "" {
			meta[strings.ToLower(name)] = content
			return
		}
		if prop, ok := s.Attr("property"); ok && prop != "" {
			meta[strings.ToLower(prop)] = content
		}
	})
	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		meta["canonical"] = canonical
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		meta["lang"] = lang
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// quality folds extraction completeness into [0,1]: enough text, a title,
// some metadata, and a sane text-to-markup ratio.
func quality(doc *core.ExtractedDoc, htmlSize int) float64 {
	var q float64

	// Text volume saturates at ~2000 chars, roughly a short article.
	textLen := float64(len(doc.Text))
	q += 0.5 * min1(textLen/2000)

	if doc.Title != "" {
		q += 0.2
	}
	if len(doc.Metadata) > 0 {
		q += 0.1
	}
	if htmlSize > 0 {
		q += 0.2 * min1(textLen/float64(htmlSize)*5)
	}
	return min1(q)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
