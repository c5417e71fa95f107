// Package fetch retrieves web pages and extracts readable text for the
// research loop.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/jverneuer/deepresearch/internal/metrics"
)

const (
	// DefaultTimeout bounds one fetch, distinct from the session deadline.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBytes caps extracted text handed to the LLM.
	DefaultMaxBytes = 64 * 1024
	// maxBodyBytes caps the raw download.
	maxBodyBytes = 4 << 20
)

// Result is the extracted content of one page.
type Result struct {
	ContentText string
	Title       string
	PublishedAt string
	FinalURL    string
}

// Options tune one fetch.
type Options struct {
	MaxBytes int
	Timeout  time.Duration
}

// Port retrieves and extracts a URL.
type Port interface {
	Fetch(ctx context.Context, url string, opts Options) (Result, error)
}

// Client is the HTTP implementation of the fetch port.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient constructs a fetch client.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: logger,
	}
}

// Fetch downloads the URL, strips the HTML down to readable text and
// truncates to the byte cap.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Result{}, errors.New("fetch: url is empty")
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ToolCallDuration.WithLabelValues("fetch").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolCalls.WithLabelValues("fetch", "error").Inc()
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ToolCalls.WithLabelValues("fetch", "error").Inc()
		return Result{}, fmt.Errorf("fetch http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ToolCalls.WithLabelValues("fetch", "error").Inc()
		return Result{}, err
	}
	metrics.ToolCalls.WithLabelValues("fetch", "ok").Inc()

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "markdown") {
		return Result{
			ContentText: Truncate(string(body), maxBytes),
			FinalURL:    finalURL,
		}, nil
	}

	title, text := ExtractText(string(body))
	return Result{
		ContentText: Truncate(text, maxBytes),
		Title:       title,
		FinalURL:    finalURL,
	}, nil
}

// skippedElements are removed wholesale during extraction.
var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"svg": true, "form": true, "button": true,
}

// blockElements force a line break in the output.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"article": true, "section": true, "blockquote": true, "pre": true,
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// ExtractText parses HTML and returns the document title and readable text.
// Malformed HTML degrades gracefully; the tokenizer never fails outright.
func ExtractText(rawHTML string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", strings.TrimSpace(rawHTML)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skippedElements[n.Data] {
				return
			}
			if n.Data == "title" && title == "" && n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
				return
			}
			if blockElements[n.Data] {
				b.WriteByte('\n')
			}
		case html.TextNode:
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(trimmed)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	out := b.String()
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	text = blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return title, strings.TrimSpace(text)
}

// Truncate cuts s at the byte cap on a rune boundary, marking the cut.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
