package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Sample Page</title><style>body { color: red }</style></head>
<body>
<nav>Home | About</nav>
<script>alert("hi")</script>
<article>
<h1>Heading</h1>
<p>First paragraph of useful content.</p>
<p>Second paragraph.</p>
</article>
<footer>copyright</footer>
</body>
</html>`

func TestExtractText_StripsChrome(t *testing.T) {
	title, text := ExtractText(samplePage)
	if title != "Sample Page" {
		t.Fatalf("wrong title %q", title)
	}
	if strings.Contains(text, "alert") || strings.Contains(text, "color: red") {
		t.Fatalf("script/style leaked into text: %q", text)
	}
	if strings.Contains(text, "Home | About") || strings.Contains(text, "copyright") {
		t.Fatalf("nav/footer leaked into text: %q", text)
	}
	if !strings.Contains(text, "First paragraph of useful content.") {
		t.Fatalf("content missing: %q", text)
	}
}

func TestFetch_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	res, err := c.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Title != "Sample Page" {
		t.Fatalf("wrong title %q", res.Title)
	}
	if res.FinalURL == "" {
		t.Fatal("final url missing")
	}
	if !strings.Contains(res.ContentText, "Second paragraph.") {
		t.Fatalf("content missing: %q", res.ContentText)
	}
}

func TestFetch_TruncatesAtCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("a", 10000)))
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	res, err := c.Fetch(context.Background(), srv.URL, Options{MaxBytes: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.ContentText) > 120 {
		t.Fatalf("content not truncated: %d bytes", len(res.ContentText))
	}
	if !strings.HasSuffix(res.ContentText, "[truncated]") {
		t.Fatalf("missing truncation marker: %q", res.ContentText[len(res.ContentText)-30:])
	}
}

func TestFetch_Non200Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	if _, err := c.Fetch(context.Background(), srv.URL, Options{}); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestFetch_CancellationAborts(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(zap.NewNop())
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, srv.URL, Options{})
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not observe cancellation")
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 50)
	out := Truncate(s, 51)
	if !strings.HasSuffix(out, "[truncated]") {
		t.Fatal("missing marker")
	}
	if strings.ContainsRune(out, '�') {
		t.Fatal("truncation split a rune")
	}
}
