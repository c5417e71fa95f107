package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jverneuer/deepresearch/internal/knowledge"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/schema"
	"github.com/jverneuer/deepresearch/internal/tools/coderunner"
	"github.com/jverneuer/deepresearch/internal/tools/fetch"
	"github.com/jverneuer/deepresearch/internal/tools/search"
	"github.com/jverneuer/deepresearch/internal/urlrank"
)

const (
	maxQueriesPerStep   = 3
	maxURLsPerStep      = 5
	maxReflectQuestions = 3
)

// discoveredURL is one search hit pending merge into the ranker.
type discoveredURL struct {
	url         string
	title       string
	snippet     string
	publishedAt string
	rerankScore float64
}

// visitOutcome is one fetch result pending merge.
type visitOutcome struct {
	url     string
	ok      bool
	title   string
	content string
	errText string
}

// stepDelta is the declared side-effect set of one handler. Handlers never
// mutate session state; the controller applies the delta after the step's
// synchronous join.
type stepDelta struct {
	usage          llm.Usage
	knowledge      []knowledge.Item
	diary          []string
	discovered     []discoveredURL
	visits         []visitOutcome
	newGaps        []string
	failedQueries  []string
	// disable names the action that forbids itself on the next step.
	disable ActionType
}

// apply commits a delta to the session in step order.
func (s *sessionState) apply(d stepDelta, step int) {
	for _, item := range d.knowledge {
		s.know.Append(item)
	}
	for _, entry := range d.diary {
		s.diary.Add(entry)
	}
	for _, u := range d.discovered {
		s.ranker.Add(u.url, u.title, u.snippet, u.publishedAt, u.rerankScore, step)
	}
	for _, v := range d.visits {
		key := s.ranker.Add(v.url, v.title, "", "", 0, step)
		if key == "" {
			continue
		}
		if v.ok {
			s.ranker.MarkVisited(key, v.title, v.content, "")
		} else {
			s.ranker.MarkFailed(key, v.errText)
		}
	}
	if len(d.newGaps) > 0 {
		s.addGaps(d.newGaps, maxReflectQuestions)
	}
	s.failedQueries = append(s.failedQueries, d.failedQueries...)

	s.resetPermissions()
	switch d.disable {
	case ActionSearch:
		s.perm.Search = false
	case ActionVisit:
		s.perm.Read = false
	case ActionReflect:
		s.perm.Reflect = false
	case ActionCode:
		s.perm.Code = false
	}
}

// executor owns the per-action handlers. All handlers are pure with respect
// to their inputs plus the returned delta.
type executor struct {
	llm      llm.Port
	searcher search.Port
	fetcher  fetch.Port
	coder    coderunner.Port
	logger   *zap.Logger
}

type rewriteResponse struct {
	Think   string   `json:"think"`
	Queries []string `json:"queries"`
}

// execSearch rewrites the queries, fans them out concurrently, and merges
// results in input order.
func (e *executor) execSearch(ctx context.Context, s *sessionState, act *Action, step int) (stepDelta, error) {
	d := stepDelta{disable: ActionSearch}

	queries := act.SearchRequests
	out, err := e.llm.GenerateObject(ctx, llm.GenerateInput{
		SchemaID: "queryRewriter",
		Schema:   schema.QueryRewriter(maxQueriesPerStep),
		System: "You rewrite research search queries to be precise and non-overlapping. " +
			"Drop duplicates of queries that already failed.",
		Messages: []llm.Message{{
			Role: "user",
			Content: fmt.Sprintf("Queries:\n%s\n\nAlready failed:\n%s",
				strings.Join(queries, "\n"), strings.Join(s.failedQueries, "\n")),
		}},
	})
	d.usage.Add(out.Usage)
	if err == nil {
		var resp rewriteResponse
		if json.Unmarshal(out.Object, &resp) == nil && len(resp.Queries) > 0 {
			queries = resp.Queries
		}
	}
	queries = dedupeStrings(queries, s.failedQueries, maxQueriesPerStep)
	if len(queries) == 0 {
		d.diary = append(d.diary, fmt.Sprintf(
			"At step %d, you tried the **search** action but every query duplicated an earlier unsuccessful one.", step))
		return d, nil
	}

	// Queries fan out concurrently; each failure stays per-query so one bad
	// query does not cancel its siblings. Results merge in input order.
	results := make([][]search.Result, len(queries))
	queryErrs := make([]error, len(queries))
	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			res, err := e.searcher.Query(ctx, q, search.Options{
				LanguageCode: s.req.SearchLanguageCode,
			})
			if err != nil {
				e.logger.Warn("search query failed", zap.String("query", q), zap.Error(err))
				queryErrs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return d, err
	}
	var searchErr error
	for _, err := range queryErrs {
		if err != nil {
			searchErr = err
			break
		}
	}

	var succeeded []string
	for i, q := range queries {
		hits := results[i]
		if len(hits) == 0 {
			d.failedQueries = append(d.failedQueries, q)
			continue
		}
		succeeded = append(succeeded, q)
		var snippets []string
		for _, hit := range hits {
			d.discovered = append(d.discovered, discoveredURL{
				url:         hit.URL,
				title:       hit.Title,
				snippet:     hit.Snippet,
				publishedAt: hit.PublishedAt,
				rerankScore: hit.RerankScore,
			})
			if hit.Snippet != "" {
				snippets = append(snippets, hit.Snippet)
			}
		}
		d.knowledge = append(d.knowledge, knowledge.Item{
			Question: fmt.Sprintf("What does the web say about %q?", q),
			Answer:   strings.Join(snippets, "; "),
			Type:     knowledge.TypeSideInfo,
		})
	}

	if len(succeeded) == 0 {
		d.diary = append(d.diary, fmt.Sprintf(
			"At step %d, you took the **search** action but found nothing for: %q.",
			step, strings.Join(queries, `", "`)))
		if searchErr != nil {
			return d, fmt.Errorf("search: %w", searchErr)
		}
		return d, nil
	}
	d.diary = append(d.diary, fmt.Sprintf(
		"At step %d, you took the **search** action and looked up: %q. You found %d new sources.",
		step, strings.Join(succeeded, `", "`), len(d.discovered)))
	return d, nil
}

// execVisit fetches the target URLs concurrently with per-call timeouts and
// merges outcomes in input order.
func (e *executor) execVisit(ctx context.Context, s *sessionState, act *Action, step int) (stepDelta, error) {
	d := stepDelta{disable: ActionVisit}

	var targets []string
	seen := map[string]bool{}
	for _, raw := range act.URLTargets {
		key := s.ranker.Add(raw, "", "", "", 0, step)
		if key == "" || seen[key] {
			continue
		}
		if rec, ok := s.ranker.Get(key); ok &&
			(rec.State == urlrank.StateVisited || rec.State == urlrank.StateFailed) {
			continue
		}
		seen[key] = true
		targets = append(targets, key)
		if len(targets) >= maxURLsPerStep {
			break
		}
	}
	if len(targets) == 0 {
		d.diary = append(d.diary, fmt.Sprintf(
			"At step %d, you took the **visit** action but every target was already read or unusable.", step))
		return d, nil
	}

	outcomes := make([]visitOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			res, err := e.fetcher.Fetch(gctx, target, fetch.Options{
				Timeout: s.req.StepTimeout,
			})
			if err != nil {
				outcomes[i] = visitOutcome{url: target, errText: err.Error()}
				return nil
			}
			outcomes[i] = visitOutcome{
				url:     target,
				ok:      true,
				title:   res.Title,
				content: res.ContentText,
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return d, err
	}

	read := 0
	for _, o := range outcomes {
		d.visits = append(d.visits, o)
		if o.ok {
			read++
			d.knowledge = append(d.knowledge, knowledge.Item{
				Question:  fmt.Sprintf("What is on %s?", o.url),
				Answer:    o.content,
				Type:      knowledge.TypeURL,
				Reference: o.url,
			})
		}
	}
	d.diary = append(d.diary, fmt.Sprintf(
		"At step %d, you took the **visit** action and read %d of %d URLs.", step, read, len(targets)))
	if read == 0 {
		return d, fmt.Errorf("visit: all %d fetches failed", len(targets))
	}
	return d, nil
}

// execReflect appends unique sub-questions to the gap queue.
func (e *executor) execReflect(_ context.Context, s *sessionState, act *Action, step int) (stepDelta, error) {
	d := stepDelta{disable: ActionReflect}
	d.newGaps = act.QuestionsToAnswer
	d.diary = append(d.diary, fmt.Sprintf(
		"At step %d, you took the **reflect** action and raised new sub-questions: %q.",
		step, strings.Join(act.QuestionsToAnswer, `", "`)))
	return d, nil
}

type codeGenResponse struct {
	Think   string `json:"think"`
	Program string `json:"program"`
}

// execCode asks the LLM for a program solving the coding issue, runs it in
// the sandbox against the knowledge snapshot, and records the output.
func (e *executor) execCode(ctx context.Context, s *sessionState, act *Action, step int) (stepDelta, error) {
	d := stepDelta{disable: ActionCode}

	out, err := e.llm.GenerateObject(ctx, llm.GenerateInput{
		SchemaID: "codeGenerator",
		Schema:   schema.CodeGenerator(),
		System: "You write a short Go program to solve a data-processing issue. " +
			"Define func Solve(input string) (string, error). The input is a JSON document " +
			"with a \"knowledge\" array of {question, answer} objects. Standard library only.",
		Messages: []llm.Message{{Role: "user", Content: act.CodingIssue}},
	})
	d.usage.Add(out.Usage)
	if err != nil {
		return d, fmt.Errorf("code generation: %w", err)
	}
	var gen codeGenResponse
	if err := json.Unmarshal(out.Object, &gen); err != nil || strings.TrimSpace(gen.Program) == "" {
		return d, fmt.Errorf("code generation: unusable program")
	}

	inputs := map[string]any{"knowledge": knowledgeSnapshot(s.know)}
	res, err := e.coder.Run(ctx, gen.Program, inputs, coderunner.DefaultLimits())
	if err != nil {
		d.diary = append(d.diary, fmt.Sprintf(
			"At step %d, you took the **code** action for %q but the program failed: %s.",
			step, firstLine(act.CodingIssue), firstLine(res.Stderr)))
		return d, fmt.Errorf("code run: %w", err)
	}

	d.knowledge = append(d.knowledge, knowledge.Item{
		Question: act.CodingIssue,
		Answer:   res.Stdout,
		Type:     knowledge.TypeQA,
	})
	d.diary = append(d.diary, fmt.Sprintf(
		"At step %d, you took the **code** action to solve %q and recorded the result.",
		step, firstLine(act.CodingIssue)))
	return d, nil
}

func knowledgeSnapshot(store *knowledge.Store) []map[string]string {
	items := store.Recent()
	out := make([]map[string]string, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]string{
			"question": item.Question,
			"answer":   item.Answer,
		})
	}
	return out
}

// dedupeStrings drops blanks, duplicates and entries present in exclude,
// keeping input order up to max.
func dedupeStrings(in, exclude []string, max int) []string {
	seen := map[string]bool{}
	for _, e := range exclude {
		seen[strings.ToLower(strings.TrimSpace(e))] = true
	}
	var out []string
	for _, s := range in {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(s))
		if len(out) >= max {
			break
		}
	}
	return out
}
