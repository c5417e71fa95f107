package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/metrics"
)

const defaultParseRetries = 2

// Generator implements Port on top of a raw Completer, working down the
// structured-output fallback chain: vendor-native JSON schema, free-form
// completion with manual extraction, tolerant repair, lenient dialect, and
// finally the distilled schema.
type Generator struct {
	completer Completer
	logger    *zap.Logger
}

// NewGenerator wraps a completer.
func NewGenerator(completer Completer, logger *zap.Logger) *Generator {
	return &Generator{completer: completer, logger: logger}
}

// GenerateObject obtains an object satisfying in.Schema. Token usage is
// accumulated across every attempt and reported even on failure.
func (g *Generator) GenerateObject(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	retries := in.Retries
	if retries <= 0 {
		retries = defaultParseRetries
	}

	out := GenerateOutput{}

	// Attempt 1..N: vendor-native structured output, then free-form with
	// manual extraction. Local repair and lenient parsing run against each
	// reply before another vendor call is spent.
	for attempt := 0; attempt <= retries; attempt++ {
		req := CompletionRequest{
			System:     in.System,
			Messages:   in.Messages,
			SchemaName: in.SchemaID,
		}
		if attempt == 0 {
			req.ResponseSchema = in.Schema
		} else {
			req.Messages = withExtractionNudge(in.Messages)
		}

		resp, err := g.completer.Complete(ctx, req)
		out.Usage.Add(resp.Usage)
		if err != nil {
			return out, err
		}

		obj, depth, ok := g.parseAgainst(resp.Text, in.Schema)
		if ok {
			if attempt > 0 && depth < 1 {
				depth = 1
			}
			out.FallbackDepth = depth
			out.Object = mustMarshal(obj)
			metrics.LLMFallbackDepth.Observe(float64(depth))
			return out, nil
		}
		if g.logger != nil {
			g.logger.Debug("structured output parse failed",
				zap.String("schema", in.SchemaID),
				zap.Int("attempt", attempt),
			)
		}
	}

	// Last resort: the distilled schema.
	if in.Distilled != nil {
		req := CompletionRequest{
			System:         in.System,
			Messages:       in.Messages,
			ResponseSchema: in.Distilled,
			SchemaName:     in.SchemaID + "_distilled",
		}
		resp, err := g.completer.Complete(ctx, req)
		out.Usage.Add(resp.Usage)
		if err != nil {
			return out, err
		}
		if obj, _, ok := g.parseAgainst(resp.Text, in.Distilled); ok {
			out.FallbackDepth = 4
			out.Object = mustMarshal(obj)
			metrics.LLMFallbackDepth.Observe(4)
			return out, nil
		}
	}

	return out, &Error{
		Kind: FailValidation,
		Err:  fmt.Errorf("schema %s: all fallbacks exhausted", in.SchemaID),
	}
}

// parseAgainst walks strict parse, extraction, repair and lenient parsing,
// returning the first object that validates.
func (g *Generator) parseAgainst(text string, schema map[string]any) (map[string]any, int, bool) {
	if obj, ok := parseObject(text); ok && g.valid(obj, schema) {
		return obj, 0, true
	}
	extracted := ExtractJSON(text)
	if extracted == "" {
		return nil, 0, false
	}
	if obj, ok := parseObject(extracted); ok && g.valid(obj, schema) {
		return obj, 1, true
	}
	if obj, ok := parseObject(Repair(extracted)); ok && g.valid(obj, schema) {
		return obj, 2, true
	}
	if obj, ok := ParseLenient(extracted); ok && g.valid(obj, schema) {
		return obj, 3, true
	}
	return nil, 0, false
}

func (g *Generator) valid(obj map[string]any, schema map[string]any) bool {
	if schema == nil {
		return true
	}
	if err := ValidateObject(obj, schema); err != nil {
		if g.logger != nil {
			g.logger.Debug("object failed schema validation", zap.Error(err))
		}
		return false
	}
	return true
}

func withExtractionNudge(messages []Message) []Message {
	out := make([]Message, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, Message{
		Role:    "user",
		Content: "Respond with a single JSON object only. No prose, no code fences.",
	})
}

func mustMarshal(obj map[string]any) json.RawMessage {
	data, err := json.Marshal(obj)
	if err != nil {
		// Objects come from json.Unmarshal; re-marshal cannot fail.
		panic(err)
	}
	return data
}

// IsValidationFailure reports whether err is a terminal validation failure
// rather than a transport problem.
func IsValidationFailure(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == FailValidation
}
