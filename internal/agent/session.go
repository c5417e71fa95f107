package agent

import (
	"strings"

	"github.com/jverneuer/deepresearch/internal/budget"
	"github.com/jverneuer/deepresearch/internal/knowledge"
	"github.com/jverneuer/deepresearch/internal/schema"
	"github.com/jverneuer/deepresearch/internal/urlrank"
)

// maxGapQueue is the soft bound on the sub-question queue; reflect is
// disabled while the queue is at or above it.
const maxGapQueue = 8

// sessionState is everything one research session owns. It is written only
// by the controller goroutine.
type sessionState struct {
	req Request

	// gaps holds the original question plus open sub-questions. The
	// original is always present.
	gaps         []string
	allQuestions []string

	know    *knowledge.Store
	diary   *knowledge.Diary
	ranker  *urlrank.Ranker
	tracker *budget.Tracker

	perm schema.Permissions
	// answerClampSteps counts how many future steps answer stays disabled;
	// it never exceeds one.
	answerClampSteps int

	// requirements maps question -> remaining evaluation attempts.
	requirements map[string]Requirements
	evaluated    map[string]bool

	// finalPIPs accumulate strict-evaluator improvement plans for the next
	// answer attempt.
	finalPIPs []string

	// failedQueries are search queries that returned nothing useful.
	failedQueries []string

	consecutiveToolFailures int
	actionCounts            map[string]int
	toolFailureCount        int

	// lastAnswer is the best candidate so far, used for graceful
	// termination when requirements run out.
	lastAnswer     string
	lastReferences []Reference

	trivial bool
}

func newSessionState(req Request, beastReserve float64) *sessionState {
	return &sessionState{
		req:          req,
		gaps:         []string{req.Question},
		allQuestions: []string{req.Question},
		know:         knowledge.NewStore(0),
		diary:        &knowledge.Diary{},
		ranker: urlrank.NewRanker(urlrank.Options{
			BoostHostnames: req.BoostHostnames,
			BadHostnames:   req.BadHostnames,
			OnlyHostnames:  req.OnlyHostnames,
		}),
		tracker: budget.NewTracker(budget.Options{
			TokenBudget:  req.TokenBudget,
			StepLimit:    req.MaxSteps,
			MaxDuration:  req.MaxDuration,
			BeastReserve: beastReserve,
		}),
		perm:         schema.AllowAll(),
		requirements: make(map[string]Requirements),
		evaluated:    make(map[string]bool),
		actionCounts: make(map[string]int),
	}
}

// currentQuestion selects the next question round-robin over the gap queue.
func (s *sessionState) currentQuestion(totalStep int) string {
	return s.gaps[totalStep%len(s.gaps)]
}

// addGaps appends sub-questions that are not near-duplicates of known
// questions, up to maxAdd, and reports how many were added.
func (s *sessionState) addGaps(questions []string, maxAdd int) int {
	added := 0
	for _, q := range questions {
		q = strings.TrimSpace(q)
		if q == "" || added >= maxAdd {
			continue
		}
		dup := false
		for _, known := range s.allQuestions {
			if similarQuestions(q, known) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.gaps = append(s.gaps, q)
		s.allQuestions = append(s.allQuestions, q)
		added++
	}
	return added
}

// removeGap drops an answered sub-question. The original question is never
// removed.
func (s *sessionState) removeGap(q string) {
	if q == s.req.Question {
		return
	}
	for i, gap := range s.gaps {
		if gap == q {
			s.gaps = append(s.gaps[:i], s.gaps[i+1:]...)
			return
		}
	}
}

// resetPermissions restores the default permission set, honoring the
// one-step answer clamp.
func (s *sessionState) resetPermissions() {
	s.perm = schema.AllowAll()
	if s.answerClampSteps > 0 {
		s.perm.Answer = false
		s.answerClampSteps--
	}
}

// clampAnswerOnce disables answer for exactly one subsequent step.
func (s *sessionState) clampAnswerOnce() {
	s.answerClampSteps = 1
}

// toolFailed records a tool failure.
func (s *sessionState) toolFailed() {
	s.consecutiveToolFailures++
	s.toolFailureCount++
}

// toolSucceeded resets the consecutive failure streak.
func (s *sessionState) toolSucceeded() {
	s.consecutiveToolFailures = 0
}

// recordAnswerCandidate keeps the most recent candidate for graceful
// termination.
func (s *sessionState) recordAnswerCandidate(answer string, refs []Reference) {
	s.lastAnswer = answer
	s.lastReferences = refs
}

// similarQuestions reports whether two questions are near-duplicates using
// normalized word overlap.
func similarQuestions(a, b string) bool {
	wa := questionWords(a)
	wb := questionWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter)/float64(union) > 0.8
}

func questionWords(q string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(q)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}
