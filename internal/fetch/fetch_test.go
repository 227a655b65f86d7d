package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Test Page</title></head>
<body>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<style>.foo { color: red; }</style>
<main>
<h1>Hello World</h1>
<p>This is a test paragraph with <strong>bold text</strong>.</p>
<p>Second paragraph.</p>
</main>
<footer>Footer stuff</footer>
</body>
</html>`

	title, content := extractHTML(page)

	if title != "Test Page" {
		t.Errorf("title = %q, want %q", title, "Test Page")
	}
	if !strings.Contains(content, "Hello World") {
		t.Errorf("content missing heading: %q", content)
	}
	if !strings.Contains(content, "bold text") {
		t.Errorf("content missing inline text: %q", content)
	}
	if strings.Contains(content, "var x = 1") {
		t.Error("script text leaked into content")
	}
	if strings.Contains(content, "Navigation stuff") {
		t.Error("nav text leaked into content")
	}
	if strings.Contains(content, "Footer stuff") {
		t.Error("footer text leaked into content")
	}
}

func TestFetchHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "chatrelay/") {
			t.Errorf("User-Agent = %q, want chatrelay prefix", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Test</title></head><body><p>Hello from test server</p></body></html>`))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if page.Title != "Test" {
		t.Errorf("Title = %q, want Test", page.Title)
	}
	if !strings.Contains(page.Content, "Hello from test server") {
		t.Errorf("Content = %q", page.Content)
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", page.StatusCode)
	}
}

func TestFetchPlainText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Just plain text content"))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Content != "Just plain text content" {
		t.Errorf("Content = %q", page.Content)
	}
}

func TestFetchTruncation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !page.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(page.Content) > 100 {
		t.Errorf("len(Content) = %d, want <= 100", len(page.Content))
	}
}

func TestFetchEmptyURL(t *testing.T) {
	if _, err := New().Fetch(context.Background(), "", 0); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestCleanWhitespace(t *testing.T) {
	input := "  Hello   world  \n\n\n\n  Second line  \n\n\n Third  "
	got := cleanWhitespace(input)
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("blank lines not folded: %q", got)
	}
	if !strings.HasPrefix(got, "Hello world") {
		t.Errorf("spaces not collapsed: %q", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	s := "Héllo wörld café"
	got := truncateRunes(s, 5)
	if n := len([]rune(got)); n > 5 {
		t.Errorf("got %d runes (%q), want at most 5", n, got)
	}
}

func TestToolDispatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Tool Test</title></head><body><p>Content here</p></body></html>`))
	}))
	defer ts.Close()

	tool := Tool(New())
	if tool.Name != "fetch_url" {
		t.Errorf("Name = %q", tool.Name)
	}

	out, err := tool.Handler(context.Background(), map[string]any{"url": ts.URL})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if !strings.Contains(out, "Content here") {
		t.Errorf("output = %q", out)
	}
}

func TestToolMissingURL(t *testing.T) {
	tool := Tool(New())
	if _, err := tool.Handler(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for missing url")
	}
}
