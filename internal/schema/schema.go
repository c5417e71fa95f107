// Package schema emits the per-step JSON schemas that constrain LLM output.
// The agent schema is a discriminated union with one variant per permitted
// action; the schema is the only contract between the controller and the
// model.
package schema

import "fmt"

// Permissions are the five booleans gating which actions the next step may
// take.
type Permissions struct {
	Answer  bool
	Search  bool
	Read    bool
	Reflect bool
	Code    bool
}

// AllowAll returns permissions with every action enabled.
func AllowAll() Permissions {
	return Permissions{Answer: true, Search: true, Read: true, Reflect: true, Code: true}
}

// Any reports whether at least one action is permitted.
func (p Permissions) Any() bool {
	return p.Answer || p.Search || p.Read || p.Reflect || p.Code
}

// Actions lists the permitted action names in schema order.
func (p Permissions) Actions() []string {
	var out []string
	if p.Search {
		out = append(out, "search")
	}
	if p.Read {
		out = append(out, "visit")
	}
	if p.Reflect {
		out = append(out, "reflect")
	}
	if p.Code {
		out = append(out, "code")
	}
	if p.Answer {
		out = append(out, "answer")
	}
	return out
}

// BuildOptions tune array bounds inside the agent schema.
type BuildOptions struct {
	CurrentQuestion     string
	MaxQueriesPerStep   int
	MaxURLsPerStep      int
	MaxReflectQuestions int
}

func (o *BuildOptions) fill() {
	if o.MaxQueriesPerStep <= 0 {
		o.MaxQueriesPerStep = 3
	}
	if o.MaxURLsPerStep <= 0 {
		o.MaxURLsPerStep = 5
	}
	if o.MaxReflectQuestions <= 0 {
		o.MaxReflectQuestions = 3
	}
}

func thinkProp(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": desc,
	}
}

func stringArray(desc string, maxItems int) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": "string"},
		"maxItems":    maxItems,
	}
}

// BuildAgent returns the discriminated-union schema for the next step. Every
// variant carries a free-form think field. Panics if no action is permitted;
// callers gate on Permissions.Any first.
func BuildAgent(p Permissions, opts BuildOptions) map[string]any {
	opts.fill()
	if !p.Any() {
		panic("schema: no permitted actions")
	}

	var variants []any
	if p.Search {
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"const": "search"},
				"think":  thinkProp("Why searching moves the research forward"),
				"searchRequests": stringArray(
					"Distinct web search queries, each covering one aspect of the question",
					opts.MaxQueriesPerStep),
			},
			"required":             []string{"action", "think", "searchRequests"},
			"additionalProperties": false,
		})
	}
	if p.Read {
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"const": "visit"},
				"think":  thinkProp("Why these URLs are worth reading in full"),
				"urlTargets": stringArray(
					"URLs to crawl and read, most promising first",
					opts.MaxURLsPerStep),
			},
			"required":             []string{"action", "think", "urlTargets"},
			"additionalProperties": false,
		})
	}
	if p.Reflect {
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"const": "reflect"},
				"think":  thinkProp("What knowledge gaps remain"),
				"questionsToAnswer": stringArray(
					"Clarifying sub-questions that lead toward the answer",
					opts.MaxReflectQuestions),
			},
			"required":             []string{"action", "think", "questionsToAnswer"},
			"additionalProperties": false,
		})
	}
	if p.Code {
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"const": "code"},
				"think":  thinkProp("Why computation over current knowledge is needed"),
				"codingIssue": map[string]any{
					"type":        "string",
					"description": "The computation to perform, with concrete input values or variable names",
				},
			},
			"required":             []string{"action", "think", "codingIssue"},
			"additionalProperties": false,
		})
	}
	if p.Answer {
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"const": "answer"},
				"think":  thinkProp("Why current knowledge suffices to answer with certainty"),
				"answer": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Concise, definitive answer to: %s", opts.CurrentQuestion),
				},
				"references": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"url":        map[string]any{"type": "string"},
							"exactQuote": map[string]any{"type": "string"},
							"title":      map[string]any{"type": "string"},
						},
						"required":             []string{"url", "exactQuote"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"action", "think", "answer"},
			"additionalProperties": false,
		})
	}

	return map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"oneOf":   variants,
	}
}

// Distill flattens the agent schema into a single object of primitive keys.
// Array fields become newline-separated strings; references collapse to
// "url | exact quote" lines. Used as the last resort when a model cannot
// produce the nested union.
func Distill(p Permissions, opts BuildOptions) map[string]any {
	opts.fill()
	props := map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": p.Actions(),
		},
		"think": thinkProp("Step-by-step reasoning for the chosen action"),
	}
	if p.Search {
		props["searchRequests"] = map[string]any{
			"type":        "string",
			"description": "Search queries, one per line",
		}
	}
	if p.Read {
		props["urlTargets"] = map[string]any{
			"type":        "string",
			"description": "URLs to visit, one per line",
		}
	}
	if p.Reflect {
		props["questionsToAnswer"] = map[string]any{
			"type":        "string",
			"description": "Sub-questions, one per line",
		}
	}
	if p.Code {
		props["codingIssue"] = map[string]any{"type": "string"}
	}
	if p.Answer {
		props["answer"] = map[string]any{"type": "string"}
		props["references"] = map[string]any{
			"type":        "string",
			"description": "References, one per line, formatted as: url | exact quote",
		}
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"required":             []string{"action", "think"},
		"additionalProperties": false,
	}
}

// QueryRewriter is the schema for the search-query rewriting sub-call.
func QueryRewriter(maxQueries int) map[string]any {
	if maxQueries <= 0 {
		maxQueries = 3
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"think":   thinkProp("What the user is really after"),
			"queries": stringArray("Rewritten, deduplicated search queries", maxQueries),
		},
		"required":             []string{"think", "queries"},
		"additionalProperties": false,
	}
}

// QuestionMetrics is the schema for deciding which evaluation dimensions
// apply to a question.
func QuestionMetrics() map[string]any {
	boolProp := func(desc string) map[string]any {
		return map[string]any{"type": "boolean", "description": desc}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"think":             thinkProp("What a satisfying answer to this question requires"),
			"needsDefinitive":   boolProp("The question demands a single definitive answer"),
			"needsFreshness":    boolProp("The answer depends on recent or current information"),
			"needsPlurality":    boolProp("The question asks for multiple items, examples or a list"),
			"needsCompleteness": boolProp("The question names multiple aspects that must all be covered"),
		},
		"required": []string{
			"think", "needsDefinitive", "needsFreshness", "needsPlurality", "needsCompleteness",
		},
		"additionalProperties": false,
	}
}

// Evaluator is the per-dimension answer evaluation schema. The strict
// dimension additionally demands an improvement plan on failure.
func Evaluator(dimension string) map[string]any {
	props := map[string]any{
		"reasoning": thinkProp("Why the answer passes or fails this check"),
		"pass":      map[string]any{"type": "boolean"},
	}
	required := []string{"reasoning", "pass"}
	if dimension == "strict" {
		props["improvementPlan"] = map[string]any{
			"type":        "string",
			"description": "Concrete steps that would make the answer pass",
		}
		required = append(required, "improvementPlan")
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// CodeGenerator is the schema for turning a coding issue into a runnable
// program. The program must define Solve(input string) (string, error) and
// import only the sandbox whitelist.
func CodeGenerator() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"think": thinkProp("How the computation solves the issue"),
			"program": map[string]any{
				"type":        "string",
				"description": "Go source defining func Solve(input string) (string, error); stdlib only, no network or filesystem",
			},
		},
		"required":             []string{"think", "program"},
		"additionalProperties": false,
	}
}

// ErrorAnalysis is the schema for the post-failure diagnosis call.
func ErrorAnalysis() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"recap":       thinkProp("What the agent attempted, step by step"),
			"blame":       thinkProp("The single root cause of the failure"),
			"improvement": thinkProp("What to do differently on the next attempt"),
		},
		"required":             []string{"recap", "blame", "improvement"},
		"additionalProperties": false,
	}
}
