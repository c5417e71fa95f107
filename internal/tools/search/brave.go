package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/metrics"
	"github.com/jverneuer/deepresearch/internal/ratecontrol"
)

// Brave queries the Brave Search API. The shared rate registry serialises
// requests per key; Brave's free tier allows one request per second.
type Brave struct {
	apiKey  string
	baseURL string
	client  *http.Client
	rates   *ratecontrol.Registry
	logger  *zap.Logger
}

// NewBrave constructs a Brave provider. rates may be nil.
func NewBrave(apiKey string, rates *ratecontrol.Registry, logger *zap.Logger) *Brave {
	return &Brave{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1",
		client:  &http.Client{Timeout: DefaultTimeout},
		rates:   rates,
		logger:  logger,
	}
}

// WithBaseURL overrides the endpoint, for tests.
func (b *Brave) WithBaseURL(u string) *Brave {
	b.baseURL = u
	return b
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

// Query executes one search.
func (b *Brave) Query(ctx context.Context, q string, opts Options) ([]Result, error) {
	if b.apiKey == "" {
		return nil, errors.New("brave: API key is missing")
	}
	if b.rates != nil {
		if err := b.rates.Wait(ctx, "brave", 0); err != nil {
			return nil, err
		}
	}

	endpoint := fmt.Sprintf("%s/web/search?q=%s", b.baseURL, url.QueryEscape(q))
	if opts.LanguageCode != "" {
		endpoint += "&search_lang=" + url.QueryEscape(opts.LanguageCode)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	metrics.ToolCallDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolCalls.WithLabelValues("search", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ToolCalls.WithLabelValues("search", "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("brave http %d: %s", resp.StatusCode, body)
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.ToolCalls.WithLabelValues("search", "error").Inc()
		return nil, fmt.Errorf("brave decode: %w", err)
	}
	metrics.ToolCalls.WithLabelValues("search", "ok").Inc()

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, item := range parsed.Web.Results {
		if item.URL == "" {
			continue
		}
		results = append(results, Result{
			URL:         item.URL,
			Title:       item.Title,
			Snippet:     item.Description,
			PublishedAt: item.PageAge,
		})
	}
	return results, nil
}
