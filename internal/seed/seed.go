// Package seed parses the four seed formats of spec §6.2: newline-delimited
// text, CSV, JSON, and XML sitemaps (with recursive sitemap-index support
// and robots.txt Sitemap: directive discovery). Grounded on
// _examples/BenjaminSRussell-go_go_go/internal/seeding/sitemap.go
// (DiscoverFromSitemap/fetchSitemap) and its parser package's goquery-based
// <loc> extraction, reusing the same PuerkitoBio/goquery dependency the
// extraction package is already built on instead of reaching for encoding/xml.
package seed

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/corpusflow/crawlcore/internal/urlnorm"
)

// Entry is one parsed seed record before admission.
type Entry struct {
	URL      string
	Priority *float64
	Category string
}

// maxSitemapDepth bounds sitemap-index recursion (spec §6.2: "capped
// depth").
const maxSitemapDepth = 5

// ParseText parses newline-delimited plain text: one URL per line, `#`
// comments and blank lines ignored.
func ParseText(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !urlnorm.Valid(line) {
			continue
		}
		entries = append(entries, Entry{URL: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("seed: read text: %w", err)
	}
	return entries, nil
}

// ParseCSV parses a CSV file with a required `url` column and optional
// `priority`, `category` columns.
func ParseCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("seed: read csv header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	urlIdx, ok := col["url"]
	if !ok {
		return nil, fmt.Errorf("seed: csv missing required %q column", "url")
	}
	priorityIdx, hasPriority := col["priority"]
	categoryIdx, hasCategory := col["category"]

	var entries []Entry
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("seed: read csv row: %w", err)
		}
		if urlIdx >= len(row) {
			continue
		}
		u := strings.TrimSpace(row[urlIdx])
		if !urlnorm.Valid(u) {
			continue
		}
		entry := Entry{URL: u}
		if hasPriority && priorityIdx < len(row) {
			if p, err := strconv.ParseFloat(strings.TrimSpace(row[priorityIdx]), 64); err == nil {
				entry.Priority = &p
			}
		}
		if hasCategory && categoryIdx < len(row) {
			entry.Category = strings.TrimSpace(row[categoryIdx])
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// jsonEntry is either a bare string or an {url, priority, category} object;
// UnmarshalJSON accepts both forms transparently.
type jsonEntry struct {
	URL      string   `json:"url"`
	Priority *float64 `json:"priority,omitempty"`
	Category string   `json:"category,omitempty"`
}

func (e *jsonEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.URL = s
		return nil
	}
	type alias jsonEntry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = jsonEntry(a)
	return nil
}

// ParseJSON parses a JSON array of strings, or of {url, priority?,
// category?} objects.
func ParseJSON(r io.Reader) ([]Entry, error) {
	var raw []jsonEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("seed: decode json: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		u := strings.TrimSpace(e.URL)
		if !urlnorm.Valid(u) {
			continue
		}
		entries = append(entries, Entry{URL: u, Priority: e.Priority, Category: e.Category})
	}
	return entries, nil
}

// ParseSitemap extracts every <loc> URL from one sitemap or sitemap-index
// XML document (non-recursive; see DiscoverFromSitemap for index recursion).
func ParseSitemap(xmlContent string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(xmlContent))
	if err != nil {
		return nil, fmt.Errorf("seed: parse sitemap xml: %w", err)
	}
	var urls []string
	doc.Find("loc").Each(func(_ int, s *goquery.Selection) {
		if u := strings.TrimSpace(s.Text()); u != "" {
			urls = append(urls, u)
		}
	})
	return urls, nil
}

// DiscoverFromSitemap fetches startURL's sitemap.xml/sitemap_index.xml/
// sitemap-index.xml, recurses into nested sitemap indices up to
// maxSitemapDepth, and additionally scans robots.txt for `Sitemap:`
// directives as a supplemented discovery path.
func DiscoverFromSitemap(startHost, scheme string, client *http.Client) ([]string, error) {
	candidates := []string{
		fmt.Sprintf("%s://%s/sitemap.xml", scheme, startHost),
		fmt.Sprintf("%s://%s/sitemap_index.xml", scheme, startHost),
		fmt.Sprintf("%s://%s/sitemap-index.xml", scheme, startHost),
	}

	visited := make(map[string]bool)
	var all []string
	for _, candidate := range candidates {
		urls, err := fetchSitemapRecursive(candidate, client, visited, 0)
		if err != nil {
			continue
		}
		all = append(all, urls...)
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, startHost)
	if sitemapDirectives, err := fetchRobotsSitemapDirectives(robotsURL, client); err == nil {
		for _, directive := range sitemapDirectives {
			urls, err := fetchSitemapRecursive(directive, client, visited, 0)
			if err != nil {
				continue
			}
			all = append(all, urls...)
		}
	}

	return all, nil
}

func fetchSitemapRecursive(sitemapURL string, client *http.Client, visited map[string]bool, depth int) ([]string, error) {
	if depth > maxSitemapDepth || visited[sitemapURL] {
		return nil, nil
	}
	visited[sitemapURL] = true

	resp, err := client.Get(sitemapURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("seed: sitemap %s returned status %d", sitemapURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	locs, err := ParseSitemap(string(body))
	if err != nil {
		return nil, err
	}

	var leaves []string
	for _, u := range locs {
		if strings.Contains(u, "sitemap") && strings.HasSuffix(u, ".xml") {
			nested, err := fetchSitemapRecursive(u, client, visited, depth+1)
			if err == nil {
				leaves = append(leaves, nested...)
			}
			continue
		}
		leaves = append(leaves, u)
	}
	return leaves, nil
}

func fetchRobotsSitemapDirectives(robotsURL string, client *http.Client) ([]string, error) {
	resp, err := client.Get(robotsURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var directives []string
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "sitemap:") {
			idx := strings.Index(line, ":")
			directives = append(directives, strings.TrimSpace(line[idx+1:]))
		}
	}
	return directives, nil
}
