package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/agent"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/session"
	"github.com/jverneuer/deepresearch/internal/tools/coderunner"
	"github.com/jverneuer/deepresearch/internal/tools/fetch"
	"github.com/jverneuer/deepresearch/internal/tools/search"
)

// directLLM answers immediately so the controller terminates on step one.
type directLLM struct{}

func (directLLM) GenerateObject(_ context.Context, in llm.GenerateInput) (llm.GenerateOutput, error) {
	var reply string
	switch in.SchemaID {
	case "questionMetrics":
		reply = `{"think":"t","needsDefinitive":false,"needsFreshness":false,"needsPlurality":false,"needsCompleteness":false}`
	default:
		reply = `{"action":"answer","think":"t","answer":"the answer"}`
	}
	return llm.GenerateOutput{
		Object: json.RawMessage(reply),
		Usage:  llm.Usage{TotalTokens: 10},
	}, nil
}

type noopSearch struct{}

func (noopSearch) Query(context.Context, string, search.Options) ([]search.Result, error) {
	return nil, nil
}

type noopFetch struct{}

func (noopFetch) Fetch(_ context.Context, url string, _ fetch.Options) (fetch.Result, error) {
	return fetch.Result{FinalURL: url}, nil
}

type noopCoder struct{}

func (noopCoder) Run(context.Context, string, map[string]any, coderunner.Limits) (coderunner.RunResult, error) {
	return coderunner.RunResult{ExitOK: true}, nil
}

func newTestServer() *Server {
	controller := agent.New(agent.Deps{
		LLM:      directLLM{},
		Searcher: noopSearch{},
		Fetcher:  noopFetch{},
		Coder:    noopCoder{},
		Logger:   zap.NewNop(),
	})
	return NewServer(controller, session.NewRegistry(zap.NewNop()), agent.Request{}, zap.NewNop())
}

func postChat(t *testing.T, h http.Handler, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions_Success(t *testing.T) {
	h := newTestServer().Handler()
	rec := postChat(t, h, map[string]any{
		"model":    "deepresearch",
		"messages": []map[string]string{{"role": "user", "content": "What is 2+2?"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "the answer" {
		t.Fatalf("wrong choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("wrong finish reason: %s", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens == 0 {
		t.Fatal("usage missing")
	}
}

func TestChatCompletions_RejectsStreaming(t *testing.T) {
	h := newTestServer().Handler()
	rec := postChat(t, h, map[string]any{
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for streaming, got %d", rec.Code)
	}
}

func TestChatCompletions_RejectsEmptyMessages(t *testing.T) {
	h := newTestServer().Handler()
	rec := postChat(t, h, map[string]any{"messages": []map[string]string{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestServer().Handler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer().Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
}
