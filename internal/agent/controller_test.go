package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/tools/coderunner"
	"github.com/jverneuer/deepresearch/internal/tools/fetch"
	"github.com/jverneuer/deepresearch/internal/tools/search"
)

// fakeLLM replays scripted objects per schema family and records every
// input for assertions.
type fakeLLM struct {
	agentReplies []string
	beastReply   string
	metricsReply string
	evalReplies  map[string][]string
	codeReply    string

	usagePerCall int
	failAll      bool

	calls      atomic.Int32
	agentCalls atomic.Int32
	beastCalls atomic.Int32
	inputs     []llm.GenerateInput
}

func (f *fakeLLM) GenerateObject(ctx context.Context, in llm.GenerateInput) (llm.GenerateOutput, error) {
	if err := ctx.Err(); err != nil {
		return llm.GenerateOutput{}, &llm.Error{Kind: llm.FailCancelled, Err: err}
	}
	f.calls.Add(1)
	f.inputs = append(f.inputs, in)
	usage := f.usagePerCall
	if usage == 0 {
		usage = 100
	}
	out := llm.GenerateOutput{Usage: llm.Usage{TotalTokens: usage}}
	if in.SchemaID == "agentBeastMode" {
		f.beastCalls.Add(1)
	}
	if f.failAll {
		return out, &llm.Error{Kind: llm.FailValidation, Err: errors.New("garbage output")}
	}

	var reply string
	switch {
	case in.SchemaID == "agent":
		idx := int(f.agentCalls.Add(1)) - 1
		if idx >= len(f.agentReplies) {
			return out, &llm.Error{Kind: llm.FailValidation, Err: errors.New("script exhausted")}
		}
		reply = f.agentReplies[idx]
	case in.SchemaID == "agentBeastMode":
		reply = f.beastReply
		if reply == "" {
			reply = `{"action":"answer","think":"forced","answer":"beast answer"}`
		}
	case in.SchemaID == "questionMetrics":
		reply = f.metricsReply
		if reply == "" {
			reply = `{"think":"t","needsDefinitive":false,"needsFreshness":false,"needsPlurality":false,"needsCompleteness":false}`
		}
	case strings.HasPrefix(in.SchemaID, "evaluator_"):
		dim := strings.TrimPrefix(in.SchemaID, "evaluator_")
		if queue := f.evalReplies[dim]; len(queue) > 0 {
			reply = queue[0]
			f.evalReplies[dim] = queue[1:]
		} else {
			reply = `{"reasoning":"fine","pass":true}`
		}
	case in.SchemaID == "queryRewriter":
		reply = `{"think":"t","queries":[]}`
	case in.SchemaID == "errorAnalysis":
		reply = `{"recap":"searched and answered","blame":"thin evidence","improvement":"read more sources"}`
	case in.SchemaID == "codeGenerator":
		reply = f.codeReply
	default:
		return out, &llm.Error{Kind: llm.FailValidation, Err: fmt.Errorf("unexpected schema %s", in.SchemaID)}
	}
	out.Object = json.RawMessage(reply)
	return out, nil
}

type fakeSearch struct {
	results []search.Result
	calls   atomic.Int32
}

func (f *fakeSearch) Query(ctx context.Context, q string, _ search.Options) ([]search.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls.Add(1)
	return f.results, nil
}

type fakeFetch struct {
	content string
	title   string
	block   bool
	calls   atomic.Int32
}

func (f *fakeFetch) Fetch(ctx context.Context, url string, _ fetch.Options) (fetch.Result, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return fetch.Result{}, ctx.Err()
	}
	return fetch.Result{ContentText: f.content, Title: f.title, FinalURL: url}, nil
}

type fakeCoder struct{}

func (fakeCoder) Run(ctx context.Context, program string, inputs map[string]any, limits coderunner.Limits) (coderunner.RunResult, error) {
	return coderunner.RunResult{Stdout: "42", ExitOK: true}, nil
}

func newTestController(l *fakeLLM, s *fakeSearch, f *fakeFetch) *Controller {
	return New(Deps{
		LLM:      l,
		Searcher: s,
		Fetcher:  f,
		Coder:    fakeCoder{},
		Logger:   zap.NewNop(),
	})
}

func TestScenario_TrivialDirectAnswer(t *testing.T) {
	l := &fakeLLM{agentReplies: []string{
		`{"action":"answer","think":"simple arithmetic","answer":"4"}`,
	}}
	s := &fakeSearch{}
	f := &fakeFetch{}
	c := newTestController(l, s, f)

	result, err := c.Research(context.Background(), Request{Question: "What is 2+2?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "4" || !result.IsFinal {
		t.Fatalf("wrong result: %+v", result)
	}
	if result.Metrics.TotalSteps != 1 {
		t.Fatalf("expected 1 step, got %d", result.Metrics.TotalSteps)
	}
	if s.calls.Load() != 0 || f.calls.Load() != 0 {
		t.Fatalf("trivial answer must not touch tools: search=%d fetch=%d", s.calls.Load(), f.calls.Load())
	}
}

func TestScenario_SearchVisitAnswer(t *testing.T) {
	l := &fakeLLM{
		agentReplies: []string{
			`{"action":"search","think":"look it up","searchRequests":["rust book author"]}`,
			`{"action":"visit","think":"read it","urlTargets":["https://doc.rust-lang.org/book/"]}`,
			`{"action":"answer","think":"found it","answer":"Steve Klabnik and Carol Nichols","references":[{"url":"https://doc.rust-lang.org/book/","exactQuote":"by Steve Klabnik and Carol Nichols"}]}`,
		},
	}
	s := &fakeSearch{results: []search.Result{{
		URL:     "https://doc.rust-lang.org/book/",
		Title:   "The Rust Programming Language",
		Snippet: "by Steve Klabnik and Carol Nichols",
	}}}
	f := &fakeFetch{content: "The Rust Programming Language, by Steve Klabnik and Carol Nichols", title: "The Rust Book"}
	c := newTestController(l, s, f)

	result, err := c.Research(context.Background(), Request{Question: "Who wrote the Rust book?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsFinal || result.IsBest {
		t.Fatalf("expected clean final answer: %+v", result)
	}
	if result.Answer != "Steve Klabnik and Carol Nichols" {
		t.Fatalf("wrong answer: %q", result.Answer)
	}
	if len(result.References) == 0 {
		t.Fatal("references must be non-empty")
	}
	counts := result.Metrics.ActionCounts
	if counts["search"] != 1 || counts["visit"] != 1 || counts["answer"] != 1 {
		t.Fatalf("wrong action counts: %v", counts)
	}
	if len(result.VisitedURLs) != 1 {
		t.Fatalf("expected 1 visited url, got %v", result.VisitedURLs)
	}
}

func TestScenario_BoundedRetryExhaustsRequirements(t *testing.T) {
	fail := `{"reasoning":"not good enough","pass":false,"improvementPlan":"try harder"}`
	l := &fakeLLM{
		agentReplies: []string{
			`{"action":"answer","think":"a1","answer":"first try","references":[{"url":"https://example.com/a","exactQuote":"x"}]}`,
			`{"action":"search","think":"regroup","searchRequests":["more evidence"]}`,
			`{"action":"answer","think":"a2","answer":"second try","references":[{"url":"https://example.com/a","exactQuote":"x"}]}`,
			`{"action":"search","think":"regroup again","searchRequests":["even more evidence"]}`,
			`{"action":"answer","think":"a3","answer":"third try","references":[{"url":"https://example.com/a","exactQuote":"x"}]}`,
		},
		evalReplies: map[string][]string{"strict": {fail, fail, fail}},
	}
	s := &fakeSearch{results: []search.Result{{URL: "https://example.com/a", Title: "A", Snippet: "x"}}}
	c := newTestController(l, s, &fakeFetch{})

	result, err := c.Research(context.Background(), Request{
		Question:       "Hard question",
		MaxBadAttempts: 3,
		MaxSteps:       20,
	})
	if err != nil {
		t.Fatalf("graceful exhaustion must not error: %v", err)
	}
	if !result.IsBest {
		t.Fatal("expected isBest after requirement exhaustion")
	}
	if result.Answer != "third try" {
		t.Fatalf("expected last candidate, got %q", result.Answer)
	}
	if result.Metrics.TotalSteps > 20 {
		t.Fatalf("step limit violated: %d", result.Metrics.TotalSteps)
	}
	// Error analysis survives the diary resets as knowledge.
	analyses := 0
	for _, item := range result.Knowledge {
		if item.Type == "error-analysis" {
			analyses++
		}
	}
	if analyses != 2 {
		t.Fatalf("expected 2 error-analysis items (third rejection exhausts), got %d", analyses)
	}
}

func TestScenario_AdversarialGarbageLLM(t *testing.T) {
	l := &fakeLLM{failAll: true, usagePerCall: 10}
	c := newTestController(l, &fakeSearch{}, &fakeFetch{})

	result, err := c.Research(context.Background(), Request{Question: "anything"})
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	if failed.Reason != "could not synthesize answer" {
		t.Fatalf("wrong reason: %q", failed.Reason)
	}
	if result == nil || failed.Partial == nil {
		t.Fatal("partial result must be present")
	}
	// 1 requirements probe + failureLimit agent steps + 1 beast attempt.
	if got := l.calls.Load(); got > 7 {
		t.Fatalf("too many port calls for a garbage LLM: %d", got)
	}
	if l.beastCalls.Load() != 1 {
		t.Fatalf("beast mode must run exactly once, got %d", l.beastCalls.Load())
	}
}

func TestScenario_CancellationMidFetch(t *testing.T) {
	l := &fakeLLM{
		agentReplies: []string{
			`{"action":"search","think":"s","searchRequests":["q"]}`,
			`{"action":"visit","think":"v","urlTargets":["https://slow.example.com/page"]}`,
		},
	}
	s := &fakeSearch{results: []search.Result{{URL: "https://slow.example.com/page", Title: "Slow"}}}
	f := &fakeFetch{block: true}
	c := newTestController(l, s, f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel once the fetch is in flight.
		for f.calls.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Research(ctx, Request{Question: "slow question"})
	var cancelled *CancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected CancelledError, got %v", err)
	}

	callsAtCancel := l.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if l.calls.Load() != callsAtCancel {
		t.Fatal("LLM called after cancellation was observed")
	}
}

func TestScenario_BudgetExhaustionRoutesToBeastMode(t *testing.T) {
	l := &fakeLLM{
		usagePerCall: 4500,
		agentReplies: []string{
			`{"action":"search","think":"s","searchRequests":["q"]}`,
			`{"action":"search","think":"s2","searchRequests":["q2"]}`,
		},
		beastReply: `{"action":"answer","think":"forced","answer":"best effort"}`,
	}
	s := &fakeSearch{results: []search.Result{{URL: "https://example.com/x", Title: "X"}}}
	c := newTestController(l, s, &fakeFetch{})

	result, err := c.Research(context.Background(), Request{
		Question:    "budget test",
		TokenBudget: 10_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Requirements probe (4500) + one agent step (4500+rewriter 4500) crosses
	// 85% of 10k; the regular loop must not start another iteration.
	if l.agentCalls.Load() != 1 {
		t.Fatalf("regular loop continued past the budget gate: %d agent calls", l.agentCalls.Load())
	}
	if l.beastCalls.Load() != 1 {
		t.Fatalf("beast mode must run exactly once, got %d", l.beastCalls.Load())
	}
	if result.Answer != "best effort" || !result.IsFinal {
		t.Fatalf("wrong terminal result: %+v", result)
	}
}

func TestAnswerClampLastsExactlyOneStep(t *testing.T) {
	fail := `{"reasoning":"nope","pass":false,"improvementPlan":"improve"}`
	pass := `{"reasoning":"ok","pass":true,"improvementPlan":""}`
	l := &fakeLLM{
		agentReplies: []string{
			`{"action":"answer","think":"a1","answer":"first","references":[{"url":"https://example.com/a","exactQuote":"q"}]}`,
			`{"action":"search","think":"s","searchRequests":["x"]}`,
			`{"action":"answer","think":"a2","answer":"second","references":[{"url":"https://example.com/a","exactQuote":"q"}]}`,
		},
		evalReplies: map[string][]string{"strict": {fail, pass}},
	}
	s := &fakeSearch{results: []search.Result{{URL: "https://example.com/a", Title: "A", Snippet: "q"}}}
	c := newTestController(l, s, &fakeFetch{})

	result, err := c.Research(context.Background(), Request{
		Question:       "clamp test",
		MaxBadAttempts: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "second" {
		t.Fatalf("expected second answer accepted, got %q", result.Answer)
	}

	// The step right after the rejection must not offer answer; the one
	// after that must offer it again.
	var agentSchemas []schemaPerms
	for _, in := range l.inputs {
		if in.SchemaID == "agent" {
			agentSchemas = append(agentSchemas, permsOf(t, in.Schema))
		}
	}
	if len(agentSchemas) != 3 {
		t.Fatalf("expected 3 agent calls, got %d", len(agentSchemas))
	}
	if !agentSchemas[0].answer {
		t.Fatal("step 1 should permit answer")
	}
	if agentSchemas[1].answer {
		t.Fatal("step after rejection must forbid answer")
	}
	if !agentSchemas[2].answer {
		t.Fatal("answer clamp persisted beyond one step")
	}
}

type schemaPerms struct{ answer bool }

func permsOf(t *testing.T, s map[string]any) schemaPerms {
	t.Helper()
	oneOf, ok := s["oneOf"].([]any)
	if !ok {
		t.Fatalf("not a union schema: %v", s)
	}
	var p schemaPerms
	for _, v := range oneOf {
		props := v.(map[string]any)["properties"].(map[string]any)
		if props["action"].(map[string]any)["const"] == "answer" {
			p.answer = true
		}
	}
	return p
}

func TestDeterminism_IdenticalRunsIdenticalResults(t *testing.T) {
	run := func() *Result {
		l := &fakeLLM{
			agentReplies: []string{
				`{"action":"search","think":"s","searchRequests":["rust book author"]}`,
				`{"action":"answer","think":"a","answer":"Klabnik and Nichols","references":[{"url":"https://doc.rust-lang.org/book/","exactQuote":"by Steve Klabnik"}]}`,
			},
		}
		s := &fakeSearch{results: []search.Result{
			{URL: "https://doc.rust-lang.org/book/", Title: "Book", Snippet: "by Steve Klabnik"},
			{URL: "https://example.com/other", Title: "Other", Snippet: "other"},
		}}
		c := newTestController(l, s, &fakeFetch{})
		result, err := c.Research(context.Background(), Request{Question: "Who wrote the Rust book?"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return result
	}

	a, b := run(), run()
	a.Metrics.DurationMs, b.Metrics.DurationMs = 0, 0
	for i := range a.Knowledge {
		a.Knowledge[i].Timestamp = time.Time{}
	}
	for i := range b.Knowledge {
		b.Knowledge[i].Timestamp = time.Time{}
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Fatalf("runs diverged:\n%s\n%s", aj, bj)
	}
}

func TestResearch_NoQuestionIsConfigurationError(t *testing.T) {
	c := newTestController(&fakeLLM{}, &fakeSearch{}, &fakeFetch{})
	_, err := c.Research(context.Background(), Request{})
	if !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion, got %v", err)
	}
}

func TestNoDirectAnswerForcesEvaluation(t *testing.T) {
	l := &fakeLLM{agentReplies: []string{
		`{"action":"answer","think":"t","answer":"4"}`,
	}}
	c := newTestController(l, &fakeSearch{}, &fakeFetch{})

	result, err := c.Research(context.Background(), Request{
		Question:       "What is 2+2?",
		NoDirectAnswer: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// With the trivial path disabled the answer still terminates, but only
	// through the evaluator (default pass).
	if !result.IsFinal {
		t.Fatalf("expected final result: %+v", result)
	}
	sawEval := false
	for _, in := range l.inputs {
		if strings.HasPrefix(in.SchemaID, "evaluator_") {
			sawEval = true
		}
	}
	if !sawEval {
		t.Fatal("noDirectAnswer must route through the evaluator")
	}
}
