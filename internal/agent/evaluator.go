package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/knowledge"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/metrics"
	"github.com/jverneuer/deepresearch/internal/schema"
)

// Dimension is one answer-quality check.
type Dimension string

const (
	DimDefinitive   Dimension = "definitive"
	DimFreshness    Dimension = "freshness"
	DimPlurality    Dimension = "plurality"
	DimAttribution  Dimension = "attribution"
	DimCompleteness Dimension = "completeness"
	DimStrict       Dimension = "strict"
)

// evaluationOrder fixes the processing order so runs are reproducible.
// Definitive gates the rest; strict always runs last.
var evaluationOrder = []Dimension{
	DimDefinitive, DimFreshness, DimPlurality, DimAttribution, DimCompleteness, DimStrict,
}

// Requirement pairs a dimension with its remaining evaluation attempts.
type Requirement struct {
	Dimension Dimension
	Remaining int
}

// Requirements is the per-question multiset of remaining attempts. Methods
// return new values; the set is never mutated in place.
type Requirements []Requirement

// Empty reports whether no dimension has attempts left.
func (r Requirements) Empty() bool { return len(r) == 0 }

// Has reports whether a dimension is still required.
func (r Requirements) Has(d Dimension) bool {
	for _, req := range r {
		if req.Dimension == d {
			return true
		}
	}
	return false
}

// Decrement returns a new multiset with one attempt removed from the
// dimension; the dimension disappears at zero.
func (r Requirements) Decrement(d Dimension) Requirements {
	out := make(Requirements, 0, len(r))
	for _, req := range r {
		if req.Dimension == d {
			req.Remaining--
		}
		if req.Remaining > 0 {
			out = append(out, req)
		}
	}
	return out
}

// verdict is the outcome of one evaluation pass.
type verdict struct {
	Pass            bool
	Dimension       Dimension
	Reasoning       string
	ImprovementPlan string
}

// evaluator scores candidate answers against a question's remaining
// dimensions, one specialized LLM call per dimension.
type evaluator struct {
	llm    llm.Port
	logger *zap.Logger
}

type metricsResponse struct {
	Think             string `json:"think"`
	NeedsDefinitive   bool   `json:"needsDefinitive"`
	NeedsFreshness    bool   `json:"needsFreshness"`
	NeedsPlurality    bool   `json:"needsPlurality"`
	NeedsCompleteness bool   `json:"needsCompleteness"`
}

// determineRequirements asks the LLM which dimensions apply to the question
// and always appends strict. Each dimension starts with maxAttempts.
func (e *evaluator) determineRequirements(ctx context.Context, question string, maxAttempts int) (Requirements, llm.Usage, error) {
	out, err := e.llm.GenerateObject(ctx, llm.GenerateInput{
		SchemaID: "questionMetrics",
		Schema:   schema.QuestionMetrics(),
		System: "You decide which quality checks a research answer must satisfy. " +
			"Judge only from the question itself.",
		Messages: []llm.Message{{Role: "user", Content: question}},
	})
	if err != nil {
		// Strict alone still bounds the loop.
		return Requirements{{Dimension: DimStrict, Remaining: maxAttempts}}, out.Usage, err
	}

	var resp metricsResponse
	if err := json.Unmarshal(out.Object, &resp); err != nil {
		return Requirements{{Dimension: DimStrict, Remaining: maxAttempts}}, out.Usage, nil
	}

	var reqs Requirements
	if resp.NeedsDefinitive {
		reqs = append(reqs, Requirement{Dimension: DimDefinitive, Remaining: maxAttempts})
	}
	if resp.NeedsFreshness {
		reqs = append(reqs, Requirement{Dimension: DimFreshness, Remaining: maxAttempts})
	}
	if resp.NeedsPlurality {
		reqs = append(reqs, Requirement{Dimension: DimPlurality, Remaining: maxAttempts})
	}
	if resp.NeedsCompleteness {
		reqs = append(reqs, Requirement{Dimension: DimCompleteness, Remaining: maxAttempts})
	}
	reqs = append(reqs, Requirement{Dimension: DimStrict, Remaining: maxAttempts})
	return reqs, out.Usage, nil
}

type evalResponse struct {
	Reasoning       string `json:"reasoning"`
	Pass            bool   `json:"pass"`
	ImprovementPlan string `json:"improvementPlan"`
}

// evaluate runs the remaining dimensions in fixed order and stops at the
// first failure. Only that first failure is reported; one decrement per
// step.
func (e *evaluator) evaluate(ctx context.Context, question string, act *Action, reqs Requirements, know *knowledge.Store) (verdict, llm.Usage, error) {
	var usage llm.Usage
	for _, dim := range evaluationOrder {
		if !reqs.Has(dim) {
			continue
		}
		out, err := e.llm.GenerateObject(ctx, llm.GenerateInput{
			SchemaID: "evaluator_" + string(dim),
			Schema:   schema.Evaluator(string(dim)),
			System:   evaluatorSystem(dim),
			Messages: []llm.Message{{Role: "user", Content: evaluatorUser(question, act, know)}},
		})
		usage.Add(out.Usage)
		if err != nil {
			return verdict{}, usage, err
		}
		var resp evalResponse
		if err := json.Unmarshal(out.Object, &resp); err != nil {
			return verdict{}, usage, fmt.Errorf("evaluator %s: %w", dim, err)
		}
		metrics.EvaluationVerdicts.WithLabelValues(string(dim), fmt.Sprintf("%t", resp.Pass)).Inc()
		if !resp.Pass {
			e.logger.Info("answer rejected",
				zap.String("dimension", string(dim)),
				zap.String("reasoning", firstLine(resp.Reasoning)),
			)
			return verdict{
				Pass:            false,
				Dimension:       dim,
				Reasoning:       resp.Reasoning,
				ImprovementPlan: resp.ImprovementPlan,
			}, usage, nil
		}
	}
	return verdict{Pass: true}, usage, nil
}

func evaluatorSystem(dim Dimension) string {
	switch dim {
	case DimDefinitive:
		return "You judge whether an answer is definitive. Hedging, \"it depends\" without resolution, or refusal to answer fails this check."
	case DimFreshness:
		return "You judge whether an answer reflects current information. Answers relying on stale data for a time-sensitive question fail this check."
	case DimPlurality:
		return "You judge whether an answer provides the multiple items the question asks for. A single example for a question demanding several fails this check."
	case DimAttribution:
		return "You judge whether an answer's claims are backed by its references. Claims without a supporting quoted source fail this check."
	case DimCompleteness:
		return "You judge whether an answer covers every aspect the question explicitly names. A missing aspect fails this check."
	case DimStrict:
		return "You are the harshest reviewer. Find any reason the answer falls short of a thorough, well-sourced response. When it fails, provide a concrete improvement plan."
	default:
		return "You judge answer quality."
	}
}

func evaluatorUser(question string, act *Action, know *knowledge.Store) string {
	var b strings.Builder
	b.WriteString("<question>\n")
	b.WriteString(question)
	b.WriteString("\n</question>\n\n<answer>\n")
	b.WriteString(act.Answer)
	b.WriteString("\n</answer>\n")
	if len(act.References) > 0 {
		b.WriteString("\n<references>\n")
		for _, ref := range act.References {
			fmt.Fprintf(&b, "- %s: %q\n", ref.URL, ref.ExactQuote)
		}
		b.WriteString("</references>\n")
	}
	if know != nil && know.Len() > 0 {
		b.WriteString("\n<gathered-knowledge>\n")
		for _, item := range know.Recent() {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", item.Question, firstLines(item.Answer, 4))
		}
		b.WriteString("</gathered-knowledge>\n")
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		return strings.Join(lines[:n], "\n") + " ..."
	}
	return s
}
