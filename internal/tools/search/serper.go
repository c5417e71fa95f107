package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/metrics"
	"github.com/jverneuer/deepresearch/internal/ratecontrol"
)

// Serper queries the Serper.dev Google SERP API.
type Serper struct {
	apiKey  string
	baseURL string
	client  *http.Client
	rates   *ratecontrol.Registry
	logger  *zap.Logger
}

// NewSerper constructs a Serper provider. rates may be nil.
func NewSerper(apiKey string, rates *ratecontrol.Registry, logger *zap.Logger) *Serper {
	return &Serper{
		apiKey:  apiKey,
		baseURL: "https://google.serper.dev",
		client:  &http.Client{Timeout: DefaultTimeout},
		rates:   rates,
		logger:  logger,
	}
}

// WithBaseURL overrides the endpoint, for tests.
func (s *Serper) WithBaseURL(url string) *Serper {
	s.baseURL = url
	return s
}

type serperRequest struct {
	Q   string `json:"q"`
	HL  string `json:"hl,omitempty"`
	Num int    `json:"num,omitempty"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"organic"`
}

// Query executes one search.
func (s *Serper) Query(ctx context.Context, q string, opts Options) ([]Result, error) {
	if s.apiKey == "" {
		return nil, errors.New("serper: API key is missing")
	}
	if s.rates != nil {
		if err := s.rates.Wait(ctx, "serper", 0); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(serperRequest{Q: q, HL: opts.LanguageCode, Num: opts.NumResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.ToolCallDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolCalls.WithLabelValues("search", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ToolCalls.WithLabelValues("search", "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("serper http %d: %s", resp.StatusCode, body)
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.ToolCalls.WithLabelValues("search", "error").Inc()
		return nil, fmt.Errorf("serper decode: %w", err)
	}
	metrics.ToolCalls.WithLabelValues("search", "ok").Inc()

	results := make([]Result, 0, len(parsed.Organic))
	for _, item := range parsed.Organic {
		if item.Link == "" {
			continue
		}
		results = append(results, Result{
			URL:         item.Link,
			Title:       item.Title,
			Snippet:     item.Snippet,
			PublishedAt: item.Date,
		})
	}
	return results, nil
}
