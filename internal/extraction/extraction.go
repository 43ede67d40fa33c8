// Package extraction implements the Fetcher's two-stage content extraction
// (spec §4.4 step 7, §9's "pluggable extractors" design note): a
// readability-style heuristic first, falling back to structural HTML
// parsing. Both stages are built on goquery/cascadia, the corpus's HTML
// parsing library (PuerkitoBio/goquery, used by the teacher's extraction
// layer and by several other example repos), since no corpus repo carries
// a dedicated readability library.
package extraction

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Result is the output contract of spec §4.4: title is a single line, text
// is block-level contents joined by single line breaks, links are
// absolute and de-duplicated in encounter order.
type Result struct {
	Title    string
	Text     string
	Links    []string
	Metadata map[string]string
}

// removedTags are stripped before either extraction stage runs.
var removedTags = []string{"script", "style", "nav", "footer", "header", "aside", "noscript"}

// stripBoilerplate removes script/style/navigation/footer/header/aside
// elements in place.
func stripBoilerplate(doc *goquery.Document) {
	for _, tag := range removedTags {
		doc.Find(tag).Remove()
	}
}

// Extract runs the readability-style heuristic first, falling back to
// structural parsing if the heuristic does not find enough content.
func Extract(html string, baseURL string, minContentLength int) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Result{}, fmt.Errorf("extraction: parse html: %w", err)
	}
	stripBoilerplate(doc)

	base, err := url.Parse(baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("extraction: parse base url: %w", err)
	}

	result := readability(doc, base)
	if len(result.Text) < minContentLength {
		result = structural(doc, base)
	}
	return result, nil
}

// readability scores candidate blocks by text density (paragraph and
// article-like tags favored over generic divs), picks the highest-scoring
// container, and emits its blocks as text.
func readability(doc *goquery.Document, base *url.URL) Result {
	candidates := doc.Find("article, main, #content, .content, .post, .article")
	var best *goquery.Selection
	bestScore := -1

	candidates.Each(func(_ int, s *goquery.Selection) {
		score := textScore(s)
		if score > bestScore {
			bestScore = score
			best = s
		}
	})

	if best == nil || bestScore < 1 {
		return Result{}
	}

	return Result{
		Title:    titleOf(doc),
		Text:     blockText(best),
		Links:    absoluteLinks(best, base),
		Metadata: metadataOf(doc),
	}
}

// structural strips boilerplate (already done) and walks the whole body,
// emitting every paragraph/heading/list item as a block and every anchor
// as a link. This is the fallback path for pages without a recognizable
// article container.
func structural(doc *goquery.Document, base *url.URL) Result {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	return Result{
		Title:    titleOf(doc),
		Text:     blockText(body),
		Links:    absoluteLinks(body, base),
		Metadata: metadataOf(doc),
	}
}

func textScore(s *goquery.Selection) int {
	score := 0
	s.Find("p").Each(func(_ int, p *goquery.Selection) {
		score += len(strings.Fields(p.Text()))
	})
	return score
}

func blockText(s *goquery.Selection) string {
	var blocks []string
	s.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote").Each(func(_ int, b *goquery.Selection) {
		text := strings.TrimSpace(b.Text())
		if text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		if text := strings.TrimSpace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	}
	return strings.Join(blocks, "\n")
}

func absoluteLinks(s *goquery.Selection, base *url.URL) []string {
	seen := make(map[string]bool)
	var links []string
	s.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, exists := a.Attr("href")
		if !exists {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		absStr := abs.String()
		if seen[absStr] {
			return
		}
		seen[absStr] = true
		links = append(links, absStr)
	})
	return links
}

func titleOf(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return strings.Join(strings.Fields(title), " ")
}

func metadataOf(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	doc.Find("meta[name], meta[property]").Each(func(_ int, m *goquery.Selection) {
		name, _ := m.Attr("name")
		if name == "" {
			name, _ = m.Attr("property")
		}
		content, _ := m.Attr("content")
		switch strings.ToLower(name) {
		case "author":
			meta["author"] = content
		case "article:published_time", "date":
			meta["date"] = content
		case "og:site_name":
			meta["sitename"] = content
		}
	})
	if lang, ok := doc.Find("html").Attr("lang"); ok {
		meta["language"] = lang
	}
	return meta
}
