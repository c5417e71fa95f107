package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/knowledge"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/metrics"
	"github.com/jverneuer/deepresearch/internal/schema"
	"github.com/jverneuer/deepresearch/internal/tools/coderunner"
	"github.com/jverneuer/deepresearch/internal/tools/fetch"
	"github.com/jverneuer/deepresearch/internal/tools/search"
)

// searchFrontierBound disables further searching once this many URLs are
// known, read or unread.
const searchFrontierBound = 200

// ErrNoQuestion is a configuration error: the request carried neither a
// question nor user messages.
var ErrNoQuestion = errors.New("agent: request has no question")

// Deps wires the controller's ports.
type Deps struct {
	LLM      llm.Port
	Searcher search.Port
	Fetcher  fetch.Port
	Coder    coderunner.Port
	Logger   *zap.Logger

	// FailureLimit bounds consecutive tool failures before beast mode.
	FailureLimit int
	// BeastReserve overrides the budget fraction reserved for beast mode.
	BeastReserve float64
}

// Controller runs research sessions. One controller serves many sessions;
// each session's state is private to its Research call.
type Controller struct {
	deps     Deps
	exec     *executor
	eval     *evaluator
	analyzer *errorAnalyzer
	logger   *zap.Logger
}

// New constructs a controller.
func New(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.FailureLimit <= 0 {
		deps.FailureLimit = 5
	}
	return &Controller{
		deps: deps,
		exec: &executor{
			llm:      deps.LLM,
			searcher: deps.Searcher,
			fetcher:  deps.Fetcher,
			coder:    deps.Coder,
			logger:   deps.Logger,
		},
		eval:     &evaluator{llm: deps.LLM, logger: deps.Logger},
		analyzer: &errorAnalyzer{llm: deps.LLM, logger: deps.Logger},
		logger:   deps.Logger,
	}
}

// gate identifies which termination gate fired.
type gate int

const (
	gateNone gate = iota
	gateCancelled
	gateBudget
	gateSteps
	gateDeadline
	gateFailures
	gatePermissions
)

func (g gate) String() string {
	switch g {
	case gateCancelled:
		return "cancelled"
	case gateBudget:
		return "budget"
	case gateSteps:
		return "steps"
	case gateDeadline:
		return "deadline"
	case gateFailures:
		return "failures"
	case gatePermissions:
		return "permissions"
	default:
		return "none"
	}
}

// checkGates evaluates the termination gates in order.
func (c *Controller) checkGates(ctx context.Context, s *sessionState) gate {
	if ctx.Err() != nil {
		return gateCancelled
	}
	if s.tracker.OverBeastThreshold() {
		return gateBudget
	}
	if s.tracker.StepLimitExceeded() {
		return gateSteps
	}
	if s.tracker.DeadlineExceeded() {
		return gateDeadline
	}
	if s.consecutiveToolFailures >= c.deps.FailureLimit {
		return gateFailures
	}
	if !s.perm.Any() {
		return gatePermissions
	}
	return gateNone
}

// Research runs one session to a terminal state. Done returns a result;
// Failed returns the partial result together with a FailedError; only
// configuration errors and cancellation escape otherwise.
func (c *Controller) Research(ctx context.Context, req Request) (*Result, error) {
	req.normalize()
	if req.Question == "" {
		return nil, ErrNoQuestion
	}

	s := newSessionState(req, c.deps.BeastReserve)
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	c.logger.Info("research session started",
		zap.String("question", req.Question),
		zap.Int("token_budget", req.TokenBudget),
		zap.Int("max_steps", req.MaxSteps),
	)

	state := State{Phase: PhaseIdle}
	for !state.Terminal() {
		if g := c.checkGates(ctx, s); g != gateNone {
			if g == gateCancelled {
				state = State{Phase: PhaseCancelled, Reason: context.Cause(ctx).Error()}
				break
			}
			state = c.beastMode(ctx, s, g)
			break
		}
		state = c.step(ctx, s)
	}

	metrics.SessionsCompleted.WithLabelValues(state.Phase.String()).Inc()
	metrics.SessionDuration.Observe(s.tracker.Elapsed().Seconds())
	metrics.SessionTokens.Observe(float64(s.tracker.TokensUsed()))

	result := c.buildResult(s, state)
	switch state.Phase {
	case PhaseCancelled:
		c.logger.Info("research session cancelled", zap.String("reason", state.Reason))
		return nil, &CancelledError{Reason: state.Reason}
	case PhaseFailed:
		c.logger.Warn("research session failed", zap.String("reason", state.Reason))
		return result, &FailedError{Reason: state.Reason, Partial: result}
	default:
		c.logger.Info("research session done",
			zap.Bool("is_best", state.IsBest),
			zap.Int("total_steps", s.tracker.TotalStepCount()),
			zap.Int("tokens_used", s.tracker.TokensUsed()),
		)
		return result, nil
	}
}

// step runs one iteration of the regular loop and returns the next state.
func (c *Controller) step(ctx context.Context, s *sessionState) State {
	totalStep := s.tracker.TickStep()
	q := s.currentQuestion(totalStep)

	c.logger.Debug("step",
		zap.Int("total_step", totalStep),
		zap.Int("step", s.tracker.StepCount()),
		zap.String("question", firstLine(q)),
		zap.Float64("budget_used_pct",
			100*float64(s.tracker.TokensUsed())/float64(s.tracker.TokenBudget())),
	)

	perm := c.prepareQuestion(ctx, s, q, totalStep)

	ranked := s.ranker.SelectPerHost(maxPromptURLs, 2)
	perm.Read = perm.Read && len(ranked) > 0
	perm.Search = perm.Search && s.ranker.Len() < searchFrontierBound
	perm.Reflect = perm.Reflect && len(s.gaps) < maxGapQueue
	if !perm.Any() {
		return c.beastMode(ctx, s, gatePermissions)
	}

	system := buildSystemPrompt(s, perm, ranked, false)
	msgs := composeMessages(s.req.Messages, s.know.Recent(), q, s.finalPIPs)
	opts := schema.BuildOptions{CurrentQuestion: q}

	out, err := c.deps.LLM.GenerateObject(ctx, llm.GenerateInput{
		SchemaID:  "agent",
		Schema:    schema.BuildAgent(perm, opts),
		Distilled: schema.Distill(perm, opts),
		System:    system,
		Messages:  msgs,
	})
	c.recordUsage(s, out.Usage)
	if err != nil {
		if ctx.Err() != nil {
			return State{Phase: PhaseDeciding}
		}
		c.countToolFailure(s, "llm", err)
		return State{Phase: PhaseDeciding}
	}

	act, err := parseAction(out.Object)
	if err != nil {
		c.countToolFailure(s, "llm", err)
		return State{Phase: PhaseDeciding}
	}
	// A permitted-action check: the schema constrains this, but the object
	// may have arrived through the repair path.
	if !actionPermitted(act.Type, perm) {
		c.countToolFailure(s, "llm", fmt.Errorf("action %s not permitted", act.Type))
		return State{Phase: PhaseDeciding}
	}

	metrics.StepsExecuted.WithLabelValues(string(act.Type)).Inc()
	s.actionCounts[string(act.Type)]++

	switch act.Type {
	case ActionAnswer:
		return c.handleAnswer(ctx, s, act, q, totalStep)
	case ActionSearch:
		return c.runHandler(ctx, s, act, totalStep, PhaseSearching, c.exec.execSearch)
	case ActionVisit:
		return c.runHandler(ctx, s, act, totalStep, PhaseFetching, c.exec.execVisit)
	case ActionReflect:
		return c.runHandler(ctx, s, act, totalStep, PhaseReflecting, c.exec.execReflect)
	case ActionCode:
		return c.runHandler(ctx, s, act, totalStep, PhaseCoding, c.exec.execCode)
	default:
		c.countToolFailure(s, "llm", fmt.Errorf("unknown action %q", act.Type))
		return State{Phase: PhaseDeciding}
	}
}

type handlerFunc func(context.Context, *sessionState, *Action, int) (stepDelta, error)

// runHandler dispatches to a step handler and commits its delta. The delta
// is applied after the handler's synchronous join; no second step begins
// before that.
func (c *Controller) runHandler(ctx context.Context, s *sessionState, act *Action, totalStep int, phase Phase, h handlerFunc) State {
	d, err := h(ctx, s, act, totalStep)
	c.recordUsage(s, d.usage)
	s.apply(d, totalStep)
	if err != nil {
		if ctx.Err() != nil {
			return State{Phase: phase}
		}
		c.countToolFailure(s, string(act.Type), err)
	} else {
		s.toolSucceeded()
	}
	return State{Phase: phase}
}

// prepareQuestion populates evaluation requirements on first encounter and
// returns the effective permissions for this step.
func (c *Controller) prepareQuestion(ctx context.Context, s *sessionState, q string, totalStep int) schema.Permissions {
	perm := s.perm
	if !s.evaluated[q] {
		s.evaluated[q] = true
		if q == s.req.Question {
			reqs, usage, err := c.eval.determineRequirements(ctx, q, s.req.MaxBadAttempts)
			c.recordUsage(s, usage)
			if err != nil {
				c.logger.Warn("requirement detection failed, keeping strict only", zap.Error(err))
			}
			s.requirements[q] = reqs
		} else {
			s.requirements[q] = Requirements{}
		}
	}
	// A freshness-bound question must gather evidence before answering.
	if totalStep == 1 && s.requirements[q].Has(DimFreshness) {
		perm.Answer = false
		perm.Reflect = false
	}
	return perm
}

// handleAnswer routes an answer action through the evaluator, or terminates
// immediately for a trivial first-step direct answer.
func (c *Controller) handleAnswer(ctx context.Context, s *sessionState, act *Action, q string, totalStep int) State {
	act.References = finalizeReferences(act.References, s.ranker, s.req.MaxReferences, s.req.MinRelevanceScore)
	s.recordAnswerCandidate(act.Answer, act.References)

	if totalStep == 1 && len(act.References) == 0 && !s.req.NoDirectAnswer {
		s.trivial = true
		s.toolSucceeded()
		return State{Phase: PhaseDone, Answer: act.Answer, References: act.References}
	}

	reqs := s.requirements[q]
	if reqs.Empty() && q != s.req.Question {
		// A solved sub-question becomes knowledge; the loop continues on
		// the remaining gaps.
		s.know.Append(knowledge.Item{
			Question: q,
			Answer:   act.Answer,
			Type:     knowledge.TypeQA,
		})
		s.removeGap(q)
		s.diary.Addf("At step %d, you answered the sub-question %q and recorded it as knowledge.", totalStep, firstLine(q))
		s.toolSucceeded()
		s.resetPermissions()
		return State{Phase: PhaseDeciding}
	}

	v, usage, err := c.eval.evaluate(ctx, q, act, reqs, s.know)
	c.recordUsage(s, usage)
	if err != nil {
		if ctx.Err() != nil {
			return State{Phase: PhaseEvaluating}
		}
		c.countToolFailure(s, "evaluator", err)
		s.resetPermissions()
		return State{Phase: PhaseEvaluating}
	}
	s.toolSucceeded()

	if v.Pass {
		s.diary.Addf("At step %d, you answered the question and the answer was accepted.", totalStep)
		return State{Phase: PhaseDone, Answer: act.Answer, References: act.References}
	}

	// Rejected: decrement exactly one dimension, learn from the failure,
	// and replan.
	s.requirements[q] = reqs.Decrement(v.Dimension)
	if v.Dimension == DimStrict && v.ImprovementPlan != "" {
		s.finalPIPs = append(s.finalPIPs, v.ImprovementPlan)
	}

	if s.requirements[q].Empty() {
		// Every dimension exhausted: give up gracefully with the best
		// candidate rather than evaluate forever.
		c.logger.Info("evaluation requirements exhausted, returning best answer")
		return State{
			Phase:      PhaseDone,
			Answer:     s.lastAnswer,
			References: s.lastReferences,
			IsBest:     true,
		}
	}

	item, usage := c.analyzer.analyze(ctx, q, s.diary, v.Reasoning)
	c.recordUsage(s, usage)
	s.know.Append(item)

	// Replanning reset: narrative clears, knowledge survives, the step
	// counter restarts and answer is forbidden for one step.
	s.diary.Reset()
	s.tracker.ResetStepCount()
	s.clampAnswerOnce()
	s.resetPermissions()
	s.perm.Code = false
	return State{Phase: PhaseReplanning, Analysis: v.Reasoning}
}

// beastMode is the single forced-answer invocation: all tools forbidden,
// answer demanded from current knowledge, terminal regardless of verdict.
func (c *Controller) beastMode(ctx context.Context, s *sessionState, g gate) State {
	metrics.BeastModeEntered.WithLabelValues(g.String()).Inc()
	c.logger.Info("entering beast mode",
		zap.String("gate", g.String()),
		zap.Int("tokens_used", s.tracker.TokensUsed()),
		zap.Int("total_steps", s.tracker.TotalStepCount()),
	)

	perm := schema.Permissions{Answer: true}
	opts := schema.BuildOptions{CurrentQuestion: s.req.Question}
	system := buildSystemPrompt(s, perm, nil, true)
	msgs := composeMessages(s.req.Messages, s.know.Recent(), s.req.Question, s.finalPIPs)

	out, err := c.deps.LLM.GenerateObject(ctx, llm.GenerateInput{
		SchemaID:  "agentBeastMode",
		Schema:    schema.BuildAgent(perm, opts),
		Distilled: schema.Distill(perm, opts),
		System:    system,
		Messages:  msgs,
	})
	c.recordUsage(s, out.Usage)
	if ctx.Err() != nil {
		return State{Phase: PhaseCancelled, Reason: context.Cause(ctx).Error()}
	}
	if err != nil {
		return State{Phase: PhaseFailed, Reason: "could not synthesize answer"}
	}
	act, err := parseAction(out.Object)
	if err != nil || act.Type != ActionAnswer {
		return State{Phase: PhaseFailed, Reason: "could not synthesize answer"}
	}

	act.References = finalizeReferences(act.References, s.ranker, s.req.MaxReferences, s.req.MinRelevanceScore)
	s.tracker.TickStep()
	s.actionCounts[string(ActionAnswer)]++
	return State{Phase: PhaseDone, Answer: act.Answer, References: act.References}
}

func (c *Controller) buildResult(s *sessionState, state State) *Result {
	visited := s.ranker.Visited()
	all := s.ranker.All()
	if len(all) > s.req.MaxReturnedURLs {
		all = all[:s.req.MaxReturnedURLs]
	}
	counts := make(map[string]int, len(s.actionCounts))
	for k, v := range s.actionCounts {
		counts[k] = v
	}
	return &Result{
		Answer:      state.Answer,
		IsFinal:     state.Phase == PhaseDone,
		IsBest:      state.IsBest,
		References:  state.References,
		VisitedURLs: visited,
		ReadURLs:    visited,
		AllURLs:     all,
		Knowledge:   s.know.All(),
		Metrics: Metrics{
			TotalSteps:       s.tracker.TotalStepCount(),
			TokensUsed:       s.tracker.TokensUsed(),
			DurationMs:       s.tracker.Elapsed().Milliseconds(),
			ActionCounts:     counts,
			ToolFailureCount: s.toolFailureCount,
		},
	}
}

func (c *Controller) recordUsage(s *sessionState, usage llm.Usage) {
	if usage.TotalTokens <= 0 {
		return
	}
	if err := s.tracker.RecordTokens(usage.TotalTokens); err != nil {
		c.logger.Warn("token accounting saturated", zap.Error(err))
	}
	metrics.TokensUsed.Add(float64(usage.TotalTokens))
}

func (c *Controller) countToolFailure(s *sessionState, tool string, err error) {
	s.toolFailed()
	metrics.ToolFailures.WithLabelValues(tool, string(llm.KindOf(err))).Inc()
	c.logger.Warn("tool failure",
		zap.String("tool", tool),
		zap.Int("consecutive", s.consecutiveToolFailures),
		zap.Error(err),
	)
}

func actionPermitted(t ActionType, p schema.Permissions) bool {
	switch t {
	case ActionSearch:
		return p.Search
	case ActionVisit:
		return p.Read
	case ActionReflect:
		return p.Reflect
	case ActionCode:
		return p.Code
	case ActionAnswer:
		return p.Answer
	default:
		return false
	}
}
