package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/circuitbreaker"
	"github.com/jverneuer/deepresearch/internal/metrics"
	"github.com/jverneuer/deepresearch/internal/ratecontrol"
)

const (
	defaultCallTimeout    = 30 * time.Second
	defaultMaxAttempts    = 3
	initialBackoff        = 250 * time.Millisecond
	backoffJitterFraction = 0.2
)

// ClientConfig configures the OpenAI-compatible chat client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Vendor keys the shared rate bucket and circuit breaker.
	Vendor      string
	CallTimeout time.Duration
	// EstimatedTokensPerCall seeds the rate bucket draw before usage is
	// known.
	EstimatedTokensPerCall int
}

// Client calls an OpenAI-compatible /chat/completions endpoint with
// transport retries, honoring Retry-After on 429.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	rates   *ratecontrol.Registry
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewClient wires a client against shared process resources. rates and
// breakers may be nil (tests).
func NewClient(cfg ClientConfig, rates *ratecontrol.Registry, breakers *circuitbreaker.Registry, logger *zap.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "openai"
	}
	if cfg.EstimatedTokensPerCall <= 0 {
		cfg.EstimatedTokensPerCall = 4000
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
		rates:  rates,
	}
	if breakers != nil {
		c.breaker = breakers.For(cfg.Vendor)
	}
	return c
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// retryAfterError carries a server-mandated delay on 429.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.delay)
}

// Complete issues one chat call. Transport errors and 5xx retry with
// exponential backoff (250ms, 500ms, 1s, jitter) capped at three attempts;
// 429 honors Retry-After; other 4xx fail immediately.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if c.rates != nil {
		if err := c.rates.Wait(ctx, c.cfg.Vendor, c.cfg.EstimatedTokensPerCall); err != nil {
			return CompletionResponse{}, &Error{Kind: FailCancelled, Err: err}
		}
	}

	var resp CompletionResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = c.completeWithRetry(ctx, req)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = &Error{Kind: FailTransport, Err: err}
		}
	} else {
		err = call(ctx)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ToolCalls.WithLabelValues("llm", status).Inc()
	return resp, err
}

func (c *Client) completeWithRetry(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = backoffJitterFraction
	policy.MaxInterval = time.Second

	var resp CompletionResponse
	attempts := 0
	operation := func() error {
		attempts++
		var err error
		resp, err = c.doCall(ctx, req)
		if err == nil {
			return nil
		}
		var ra *retryAfterError
		if errors.As(err, &ra) {
			if attempts >= defaultMaxAttempts {
				return backoff.Permanent(&Error{Kind: FailTransport, Err: err})
			}
			select {
			case <-time.After(ra.delay):
			case <-ctx.Done():
				return backoff.Permanent(&Error{Kind: FailCancelled, Err: ctx.Err()})
			}
			return err
		}
		var pe *Error
		if errors.As(err, &pe) && (pe.Kind == FailClient || pe.Kind == FailCancelled || pe.Kind == FailTimeout) {
			return backoff.Permanent(err)
		}
		if attempts >= defaultMaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return resp, err
}

func (c *Client) doCall(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	body := chatRequest{Model: c.cfg.Model, Messages: messages}
	if req.ResponseSchema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: name, Schema: req.ResponseSchema, Strict: true},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResponse{}, &Error{Kind: FailClient, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, &Error{Kind: FailClient, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	metrics.ToolCallDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return CompletionResponse{}, &Error{Kind: FailCancelled, Err: ctx.Err()}
		case callCtx.Err() != nil:
			return CompletionResponse{}, &Error{Kind: FailTimeout, Err: callCtx.Err()}
		default:
			return CompletionResponse{}, &Error{Kind: FailTransport, Err: err}
		}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return CompletionResponse{}, &Error{Kind: FailTransport, Err: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		delay := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		return CompletionResponse{}, &retryAfterError{delay: delay}
	case httpResp.StatusCode >= 500:
		return CompletionResponse{}, fmt.Errorf("vendor http %d: %s", httpResp.StatusCode, truncate(raw, 200))
	case httpResp.StatusCode >= 400:
		return CompletionResponse{}, &Error{
			Kind: FailClient,
			Err:  fmt.Errorf("vendor http %d: %s", httpResp.StatusCode, truncate(raw, 200)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CompletionResponse{}, &Error{Kind: FailTransport, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, &Error{Kind: FailTransport, Err: errors.New("empty choices")}
	}
	return CompletionResponse{
		Text:  parsed.Choices[0].Message.Content,
		Usage: parsed.Usage,
	}, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
