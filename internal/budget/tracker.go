// Package budget tracks token consumption, wall-clock and step counts for a
// single research session and decides when the regular loop must hand off to
// the final forced-answer attempt.
package budget

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

// DefaultBeastReserve is the fraction of the token budget held back for the
// final forced-answer attempt. The regular loop stops at 1-DefaultBeastReserve.
const DefaultBeastReserve = 0.15

// ErrTokenOverflow indicates a token counter would overflow the int64 range.
var ErrTokenOverflow = errors.New("token count would overflow")

// Tracker is owned by one session. Writes happen only on the controller
// goroutine; reads are lock-free and safe from any goroutine.
type Tracker struct {
	tokenBudget    int64
	stepLimit      int64
	beastThreshold float64
	deadline       time.Time
	startTime      time.Time

	tokensUsed     atomic.Int64
	stepCount      atomic.Int64
	totalStepCount atomic.Int64
}

// Options configures a Tracker. A zero TokenBudget, StepLimit or MaxDuration
// disables that limit.
type Options struct {
	TokenBudget int
	StepLimit   int
	MaxDuration time.Duration
	// BeastReserve overrides the reserved budget fraction. Must be in (0,1).
	BeastReserve float64
}

// NewTracker creates a tracker with the clock started.
func NewTracker(opts Options) *Tracker {
	reserve := opts.BeastReserve
	if reserve <= 0 || reserve >= 1 {
		reserve = DefaultBeastReserve
	}
	now := time.Now()
	var deadline time.Time
	if opts.MaxDuration > 0 {
		deadline = now.Add(opts.MaxDuration)
	}
	return &Tracker{
		tokenBudget:    int64(opts.TokenBudget),
		stepLimit:      int64(opts.StepLimit),
		beastThreshold: 1 - reserve,
		deadline:       deadline,
		startTime:      now,
	}
}

// RecordTokens adds n tokens to the running total. The total is monotone
// non-decreasing; negative n is ignored.
func (t *Tracker) RecordTokens(n int) error {
	if n <= 0 {
		return nil
	}
	for {
		cur := t.tokensUsed.Load()
		if cur > math.MaxInt64-int64(n) {
			return ErrTokenOverflow
		}
		if t.tokensUsed.CompareAndSwap(cur, cur+int64(n)) {
			return nil
		}
	}
}

// TickStep advances both the resettable step counter and the total step
// counter, returning the new total.
func (t *Tracker) TickStep() int {
	t.stepCount.Add(1)
	return int(t.totalStepCount.Add(1))
}

// ResetStepCount zeroes the per-plan step counter. The total counter is
// never reset.
func (t *Tracker) ResetStepCount() {
	t.stepCount.Store(0)
}

// TokensUsed returns the running token total.
func (t *Tracker) TokensUsed() int { return int(t.tokensUsed.Load()) }

// StepCount returns the per-plan step counter.
func (t *Tracker) StepCount() int { return int(t.stepCount.Load()) }

// TotalStepCount returns the never-resetting step counter.
func (t *Tracker) TotalStepCount() int { return int(t.totalStepCount.Load()) }

// TokenBudget returns the configured budget.
func (t *Tracker) TokenBudget() int { return int(t.tokenBudget) }

// RemainingBudget returns budget minus usage, floored at zero.
func (t *Tracker) RemainingBudget() int {
	rem := t.tokenBudget - t.tokensUsed.Load()
	if rem < 0 {
		return 0
	}
	return int(rem)
}

// OverBeastThreshold reports whether regular-loop consumption has crossed
// the handoff line (85% of the budget by default).
func (t *Tracker) OverBeastThreshold() bool {
	if t.tokenBudget <= 0 {
		return false
	}
	return float64(t.tokensUsed.Load()) >= t.beastThreshold*float64(t.tokenBudget)
}

// StepLimitExceeded reports whether the total step counter has reached the
// configured limit.
func (t *Tracker) StepLimitExceeded() bool {
	return t.stepLimit > 0 && t.totalStepCount.Load() >= t.stepLimit
}

// DeadlineExceeded reports whether the session deadline has passed.
func (t *Tracker) DeadlineExceeded() bool {
	return !t.deadline.IsZero() && !time.Now().Before(t.deadline)
}

// Deadline returns the session deadline.
func (t *Tracker) Deadline() time.Time { return t.deadline }

// StartTime returns when the tracker was created.
func (t *Tracker) StartTime() time.Time { return t.startTime }

// Elapsed returns wall-clock time since the session started.
func (t *Tracker) Elapsed() time.Duration { return time.Since(t.startTime) }
