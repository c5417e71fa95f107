// Package agent contains the research loop controller: a bounded,
// cancellable state machine that drives an LLM through search, visit,
// reflect, code and answer actions until a satisfactory answer is produced
// or the budget is exhausted.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jverneuer/deepresearch/internal/knowledge"
	"github.com/jverneuer/deepresearch/internal/llm"
)

// ActionType names one of the five step actions.
type ActionType string

const (
	ActionSearch  ActionType = "search"
	ActionVisit   ActionType = "visit"
	ActionReflect ActionType = "reflect"
	ActionCode    ActionType = "code"
	ActionAnswer  ActionType = "answer"
)

// Reference backs an answer with a quoted source.
type Reference struct {
	URL            string  `json:"url"`
	ExactQuote     string  `json:"exactQuote"`
	Title          string  `json:"title,omitempty"`
	PublishedAt    string  `json:"publishedAt,omitempty"`
	RelevanceScore float64 `json:"relevanceScore,omitempty"`
}

// Action is one validated LLM decision.
type Action struct {
	Type  ActionType
	Think string

	// search
	SearchRequests []string
	// visit
	URLTargets []string
	// reflect
	QuestionsToAnswer []string
	// code
	CodingIssue string
	// answer
	Answer     string
	References []Reference
}

// Request is the invocation surface of the controller.
type Request struct {
	Question string
	Messages []llm.Message

	TokenBudget    int
	MaxBadAttempts int
	MaxSteps       int
	MaxDuration    time.Duration
	StepTimeout    time.Duration

	NoDirectAnswer bool
	BoostHostnames []string
	BadHostnames   []string
	OnlyHostnames  []string

	MaxReturnedURLs   int
	MaxReferences     int
	MinRelevanceScore float64

	LanguageCode       string
	SearchLanguageCode string
	SearchProvider     string
	WithImages         bool
}

// normalize applies request defaults in place.
func (r *Request) normalize() {
	if r.Question == "" && len(r.Messages) > 0 {
		for i := len(r.Messages) - 1; i >= 0; i-- {
			if r.Messages[i].Role == "user" {
				r.Question = strings.TrimSpace(r.Messages[i].Content)
				break
			}
		}
	}
	r.Question = strings.TrimSpace(r.Question)
	if len(r.Messages) == 0 && r.Question != "" {
		r.Messages = []llm.Message{{Role: "user", Content: r.Question}}
	}
	if r.TokenBudget <= 0 {
		r.TokenBudget = 1_000_000
	}
	if r.MaxBadAttempts <= 0 {
		r.MaxBadAttempts = 2
	}
	if r.MaxSteps <= 0 {
		r.MaxSteps = 40
	}
	if r.MaxDuration <= 0 {
		r.MaxDuration = 5 * time.Minute
	}
	if r.MaxReturnedURLs <= 0 {
		r.MaxReturnedURLs = 100
	}
	if r.MaxReferences <= 0 {
		r.MaxReferences = 8
	}
}

// Metrics summarises one session.
type Metrics struct {
	TotalSteps       int            `json:"totalSteps"`
	TokensUsed       int            `json:"tokensUsed"`
	DurationMs       int64          `json:"durationMs"`
	ActionCounts     map[string]int `json:"actionCounts"`
	ToolFailureCount int            `json:"toolFailureCount"`
}

// Result is the terminal output of one session.
type Result struct {
	Answer      string           `json:"answer"`
	IsFinal     bool             `json:"isFinal"`
	IsBest      bool             `json:"isBest"`
	References  []Reference      `json:"references"`
	VisitedURLs []string         `json:"visitedURLs"`
	ReadURLs    []string         `json:"readURLs"`
	AllURLs     []string         `json:"allURLs"`
	Knowledge   []knowledge.Item `json:"knowledge"`
	Metrics     Metrics          `json:"metrics"`
}

// FailedError is returned when a session ends in the Failed state; the
// partial result carries visited URLs and knowledge gathered so far.
type FailedError struct {
	Reason  string
	Partial *Result
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("research failed: %s", e.Reason)
}

// CancelledError is returned when the caller's cancellation terminated the
// session.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("research cancelled: %s", e.Reason)
}

// parseAction decodes and normalizes a raw LLM object into an Action. It
// accepts both the canonical union shape (arrays) and the distilled shape
// (newline-separated strings).
func parseAction(raw json.RawMessage) (*Action, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	name, _ := obj["action"].(string)
	act := &Action{Type: ActionType(name)}
	act.Think, _ = obj["think"].(string)

	switch act.Type {
	case ActionSearch:
		act.SearchRequests = stringList(obj["searchRequests"])
		if len(act.SearchRequests) == 0 {
			return nil, fmt.Errorf("action search: no queries")
		}
	case ActionVisit:
		act.URLTargets = stringList(obj["urlTargets"])
		if len(act.URLTargets) == 0 {
			return nil, fmt.Errorf("action visit: no urls")
		}
	case ActionReflect:
		act.QuestionsToAnswer = stringList(obj["questionsToAnswer"])
		if len(act.QuestionsToAnswer) == 0 {
			return nil, fmt.Errorf("action reflect: no questions")
		}
	case ActionCode:
		act.CodingIssue, _ = obj["codingIssue"].(string)
		if strings.TrimSpace(act.CodingIssue) == "" {
			return nil, fmt.Errorf("action code: empty issue")
		}
	case ActionAnswer:
		act.Answer, _ = obj["answer"].(string)
		if strings.TrimSpace(act.Answer) == "" {
			return nil, fmt.Errorf("action answer: empty answer")
		}
		act.References = parseReferences(obj["references"])
	default:
		return nil, fmt.Errorf("action: unknown type %q", name)
	}
	return act, nil
}

// stringList accepts ["a","b"], or "a\nb" from the distilled shape.
func stringList(raw any) []string {
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	case string:
		for _, line := range strings.Split(v, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

// parseReferences accepts the canonical array of objects or the distilled
// "url | quote" lines.
func parseReferences(raw any) []Reference {
	var out []Reference
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ref := Reference{}
			ref.URL, _ = obj["url"].(string)
			ref.ExactQuote, _ = obj["exactQuote"].(string)
			ref.Title, _ = obj["title"].(string)
			ref.PublishedAt, _ = obj["publishedAt"].(string)
			if ref.URL != "" {
				out = append(out, ref)
			}
		}
	case string:
		for _, line := range strings.Split(v, "\n") {
			parts := strings.SplitN(line, "|", 2)
			url := strings.TrimSpace(parts[0])
			if url == "" {
				continue
			}
			ref := Reference{URL: url}
			if len(parts) == 2 {
				ref.ExactQuote = strings.TrimSpace(parts[1])
			}
			out = append(out, ref)
		}
	}
	return out
}
