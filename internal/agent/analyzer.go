package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/knowledge"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/schema"
)

// errorAnalyzer turns a failed attempt's diary into an error-analysis
// knowledge item so later iterations can see why prior answers failed even
// after the diary is cleared.
type errorAnalyzer struct {
	llm    llm.Port
	logger *zap.Logger
}

type analysisResponse struct {
	Recap       string `json:"recap"`
	Blame       string `json:"blame"`
	Improvement string `json:"improvement"`
}

// analyze produces the failure diagnosis. On LLM failure it falls back to a
// mechanical summary so the knowledge item always exists.
func (a *errorAnalyzer) analyze(ctx context.Context, question string, diary *knowledge.Diary, evalReasoning string) (knowledge.Item, llm.Usage) {
	var b strings.Builder
	b.WriteString("The agent failed to produce an accepted answer. Steps taken:\n")
	for _, entry := range diary.Entries() {
		b.WriteString(entry)
		b.WriteByte('\n')
	}
	b.WriteString("\nEvaluator verdict:\n")
	b.WriteString(evalReasoning)

	out, err := a.llm.GenerateObject(ctx, llm.GenerateInput{
		SchemaID: "errorAnalysis",
		Schema:   schema.ErrorAnalysis(),
		System: "You review a failed research attempt. Recap what was done, " +
			"identify the single root cause, and state what to do differently.",
		Messages: []llm.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		a.logger.Warn("error analysis call failed", zap.Error(err))
		return knowledge.Item{
			Question: fmt.Sprintf("Why did the answer to %q get rejected?", question),
			Answer:   "The answer was rejected: " + firstLine(evalReasoning),
			Type:     knowledge.TypeErrorAnalysis,
		}, out.Usage
	}

	var resp analysisResponse
	if err := json.Unmarshal(out.Object, &resp); err != nil {
		return knowledge.Item{
			Question: fmt.Sprintf("Why did the answer to %q get rejected?", question),
			Answer:   "The answer was rejected: " + firstLine(evalReasoning),
			Type:     knowledge.TypeErrorAnalysis,
		}, out.Usage
	}

	answer := fmt.Sprintf("%s\n\nRoot cause: %s\n\nNext time: %s",
		resp.Recap, resp.Blame, resp.Improvement)
	return knowledge.Item{
		Question: fmt.Sprintf("Why did the answer to %q get rejected?", question),
		Answer:   answer,
		Type:     knowledge.TypeErrorAnalysis,
	}, out.Usage
}
