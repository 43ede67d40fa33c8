package seed

import (
	"strings"
	"testing"
)

func TestParseTextSkipsCommentsAndInvalid(t *testing.T) {
	input := "# comment\nhttps://example.com/a\n\nnot-a-url\nhttps://example.com/b\n"
	entries, err := ParseText(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2: %+v", len(entries), entries)
	}
	if entries[0].URL != "https://example.com/a" || entries[1].URL != "https://example.com/b" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestParseCSVWithOptionalColumns(t *testing.T) {
	input := "url,priority,category\nhttps://example.com/a,5.5,news\nhttps://example.com/b,,\n"
	entries, err := ParseCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Priority == nil || *entries[0].Priority != 5.5 {
		t.Errorf("entries[0].Priority = %v, want 5.5", entries[0].Priority)
	}
	if entries[0].Category != "news" {
		t.Errorf("entries[0].Category = %q, want %q", entries[0].Category, "news")
	}
	if entries[1].Priority != nil {
		t.Errorf("entries[1].Priority = %v, want nil", entries[1].Priority)
	}
}

func TestParseCSVMissingURLColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("name,priority\na,1\n"))
	if err == nil {
		t.Fatalf("expected error for missing url column")
	}
}

func TestParseJSONStringArray(t *testing.T) {
	entries, err := ParseJSON(strings.NewReader(`["https://example.com/a", "https://example.com/b"]`))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
}

func TestParseJSONObjectArray(t *testing.T) {
	input := `[{"url": "https://example.com/a", "priority": 10, "category": "tech"}]`
	entries, err := ParseJSON(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Priority == nil || *entries[0].Priority != 10 {
		t.Errorf("Priority = %v, want 10", entries[0].Priority)
	}
	if entries[0].Category != "tech" {
		t.Errorf("Category = %q, want %q", entries[0].Category, "tech")
	}
}

func TestParseSitemapExtractsLocs(t *testing.T) {
	xml := `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/a</loc></url>
  <url><loc>https://example.com/b</loc></url>
</urlset>`
	urls, err := ParseSitemap(xml)
	if err != nil {
		t.Fatalf("ParseSitemap: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("len(urls) = %d, want 2: %v", len(urls), urls)
	}
}
