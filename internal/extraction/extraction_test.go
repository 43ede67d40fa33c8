package extraction

import "testing"

const sampleHTML = `
<html lang="en">
<head><title>Test Page</title>
<meta name="author" content="Jane Doe">
</head>
<body>
<nav><a href="/nav-link">Nav</a></nav>
<article>
<h1>Heading</h1>
<p>This is the first paragraph with enough words to be picked up by the scorer that favors text density over markup noise.</p>
<p>Second paragraph continues the story and adds a link to <a href="/related">a related page</a>.</p>
</article>
<footer>Copyright</footer>
</body>
</html>`

func TestExtractReadabilityPath(t *testing.T) {
	result, err := Extract(sampleHTML, "https://example.com/post", 20)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Title != "Test Page" {
		t.Errorf("Title = %q, want %q", result.Title, "Test Page")
	}
	if result.Text == "" {
		t.Errorf("Text is empty")
	}
	for _, l := range result.Links {
		if l == "https://example.com/nav-link" {
			t.Errorf("nav link leaked into article extraction: %v", result.Links)
		}
	}

	found := false
	for _, l := range result.Links {
		if l == "https://example.com/related" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected absolute link to related page, got %v", result.Links)
	}

	if result.Metadata["author"] != "Jane Doe" {
		t.Errorf("Metadata[author] = %q, want %q", result.Metadata["author"], "Jane Doe")
	}
	if result.Metadata["language"] != "en" {
		t.Errorf("Metadata[language] = %q, want %q", result.Metadata["language"], "en")
	}
}

func TestExtractStructuralFallback(t *testing.T) {
	html := `<html><head><title>Bare Page</title></head><body><p>` +
		`Just a short paragraph with no article wrapper at all.</p></body></html>`

	result, err := Extract(html, "https://example.com/", 500)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Text == "" {
		t.Errorf("structural fallback produced empty text")
	}
}
