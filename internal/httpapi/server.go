// Package httpapi adapts an OpenAI-style chat-completions endpoint onto the
// research controller. Streaming (SSE) is intentionally not provided.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/agent"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/session"
)

// Server serves the chat adapter.
type Server struct {
	controller *agent.Controller
	sessions   *session.Registry
	logger     *zap.Logger
	defaults   agent.Request
}

// NewServer wires the adapter.
func NewServer(controller *agent.Controller, sessions *session.Registry, defaults agent.Request, logger *zap.Logger) *Server {
	return &Server{
		controller: controller,
		sessions:   sessions,
		logger:     logger,
		defaults:   defaults,
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	// Research extensions.
	TokenBudget    int      `json:"token_budget,omitempty"`
	MaxBadAttempts int      `json:"max_bad_attempts,omitempty"`
	MaxSteps       int      `json:"max_steps,omitempty"`
	NoDirectAnswer bool     `json:"no_direct_answer,omitempty"`
	BoostHostnames []string `json:"boost_hostnames,omitempty"`
	BadHostnames   []string `json:"bad_hostnames,omitempty"`
	OnlyHostnames  []string `json:"only_hostnames,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`

	// Research extensions.
	References  []agent.Reference `json:"references,omitempty"`
	VisitedURLs []string          `json:"visited_urls,omitempty"`
	IsBest      bool              `json:"is_best,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	research := s.defaults
	research.Messages = toLLMMessages(req.Messages)
	research.Question = lastUserContent(req.Messages)
	if req.TokenBudget > 0 {
		research.TokenBudget = req.TokenBudget
	}
	if req.MaxBadAttempts > 0 {
		research.MaxBadAttempts = req.MaxBadAttempts
	}
	if req.MaxSteps > 0 {
		research.MaxSteps = req.MaxSteps
	}
	research.NoDirectAnswer = req.NoDirectAnswer
	if len(req.BoostHostnames) > 0 {
		research.BoostHostnames = req.BoostHostnames
	}
	if len(req.BadHostnames) > 0 {
		research.BadHostnames = req.BadHostnames
	}
	if len(req.OnlyHostnames) > 0 {
		research.OnlyHostnames = req.OnlyHostnames
	}

	handle, runCtx := s.sessions.Begin(r.Context(), research.Question)
	defer s.sessions.End(handle.ID)

	result, err := s.controller.Research(runCtx, research)
	if err != nil {
		var cancelled *agent.CancelledError
		var failed *agent.FailedError
		switch {
		case errors.As(err, &cancelled):
			writeError(w, 499, cancelled.Reason)
			return
		case errors.As(err, &failed):
			// A failed session still carries partial findings.
			result = failed.Partial
		default:
			s.logger.Error("research request rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + handle.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: result.Answer},
			FinishReason: finishReason(result),
		}},
		Usage:       chatUsage{TotalTokens: result.Metrics.TokensUsed},
		References:  result.References,
		VisitedURLs: result.VisitedURLs,
		IsBest:      result.IsBest,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, "ok")
}

func finishReason(result *agent.Result) string {
	if result.IsFinal {
		return "stop"
	}
	return "length"
}

func toLLMMessages(in []chatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(in))
	for _, m := range in {
		if m.Role == "system" {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func lastUserContent(in []chatMessage) string {
	for i := len(in) - 1; i >= 0; i-- {
		if in[i].Role == "user" {
			return strings.TrimSpace(in[i].Content)
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message},
	})
}
