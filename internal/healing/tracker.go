// Package healing turns final test failures into model-assisted healing
// reports: it counts failed attempts, builds the analysis prompt, parses the
// model's answer and writes the report and candidate test.
package healing

import "sync"

// State is a test's position in the retry lifecycle.
type State int

const (
	StateUnseen State = iota
	StateRetrying
	StateFinalFailure
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateRetrying:
		return "retrying"
	case StateFinalFailure:
		return "final_failure"
	default:
		return "unknown"
	}
}

// Decision is the outcome of recording one failure.
type Decision struct {
	Count int
	State State
}

// Final reports whether this failure exhausted the retry budget.
func (d Decision) Final() bool { return d.State == StateFinalFailure }

// Tracker counts failed attempts per test. A test with retry budget R is
// final on its (R+1)th failure; its entry is removed in the same critical
// section so a later run of the same ID starts from zero.
type Tracker struct {
	budget int

	mu     sync.Mutex
	counts map[string]int
}

// NewTracker creates a tracker with retry budget R. Negative budgets are treated as 0.
func NewTracker(retryBudget int) *Tracker {
	if retryBudget < 0 {
		retryBudget = 0
	}
	return &Tracker{budget: retryBudget, counts: make(map[string]int)}
}

// Budget returns the retry budget.
func (t *Tracker) Budget() int { return t.budget }

// RecordFailure increments the test's count and decides finality.
func (t *Tracker) RecordFailure(testID string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.counts[testID] + 1
	if n > t.budget {
		delete(t.counts, testID)
		return Decision{Count: n, State: StateFinalFailure}
	}
	t.counts[testID] = n
	return Decision{Count: n, State: StateRetrying}
}

// Reset forgets a test, e.g. after it passed on retry. It returns the count
// that was dropped.
func (t *Tracker) Reset(testID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.counts[testID]
	delete(t.counts, testID)
	return n
}

// Count returns the current failure count.
func (t *Tracker) Count(testID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[testID]
}

// State returns the test's current state.
func (t *Tracker) State(testID string) State {
	if t.Count(testID) == 0 {
		return StateUnseen
	}
	return StateRetrying
}

// Len returns the number of tests with a live count.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
