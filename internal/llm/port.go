// Package llm implements the structured-object generation port: an
// OpenAI-compatible vendor client wrapped in a schema fallback chain,
// transport retries with backoff, vendor rate-limit buckets and a circuit
// breaker.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// FailKind classifies a port failure per the error taxonomy.
type FailKind string

const (
	FailValidation FailKind = "validation"
	FailTransport  FailKind = "transport"
	FailClient     FailKind = "client"
	FailTimeout    FailKind = "timeout"
	FailCancelled  FailKind = "cancelled"
)

// Error is a port failure carrying its taxonomy kind. Token usage consumed
// before the failure is reported on the GenerateOutput, not here.
type Error struct {
	Kind FailKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error, defaulting to transport.
func KindOf(err error) FailKind {
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Kind
	}
	return FailTransport
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is token consumption for one or more vendor calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// GenerateInput is one structured-generation request.
type GenerateInput struct {
	// SchemaID names the schema for logging and model routing.
	SchemaID string
	// Schema is the canonical JSON schema the object must satisfy.
	Schema map[string]any
	// Distilled, when set, is the flattened last-resort schema.
	Distilled map[string]any
	System    string
	Messages  []Message
	// Retries bounds parse/validation re-asks. Zero means the default of 2.
	Retries int
}

// GenerateOutput carries the validated object and token usage. Usage is
// valid even when generation failed.
type GenerateOutput struct {
	Object json.RawMessage
	Usage  Usage
	// FallbackDepth records how far down the chain the call went:
	// 0 native, 1 extraction, 2 repair, 3 lenient, 4 distilled.
	FallbackDepth int
}

// Port is the structured-object generation contract consumed by the
// controller.
type Port interface {
	GenerateObject(ctx context.Context, in GenerateInput) (GenerateOutput, error)
}

// CompletionRequest is one raw vendor call.
type CompletionRequest struct {
	System   string
	Messages []Message
	// ResponseSchema, when non-nil, requests vendor-native structured
	// output. Nil asks for a free-form completion.
	ResponseSchema map[string]any
	SchemaName     string
}

// CompletionResponse is the raw vendor reply.
type CompletionResponse struct {
	Text  string
	Usage Usage
}

// Completer is the transport beneath the Generator. Implemented by the
// OpenAI-compatible client; faked in tests.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
