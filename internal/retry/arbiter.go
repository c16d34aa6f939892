package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vidlesson/lessonbatch/internal/classify"
	"github.com/vidlesson/lessonbatch/internal/taskerr"
)

// Entry is one row of a task's retry history: the attempt that failed, when
// it failed, how it was classified, the delay chosen before the next try,
// and whether that next try eventually succeeded. History is kept in
// memory for the run only; it is not part of durable state.
type Entry struct {
	Attempt          int
	Timestamp        time.Time
	Class            taskerr.Class
	TruncatedMessage string
	Delay            time.Duration
	EventuallySucceeded bool
}

const truncateAt = 200

// Arbiter decides, for a given task and attempt, whether to retry and how
// long to wait. It is a pure function of its inputs and the shared
// budget's state; the only side effect is consuming from the budget and
// appending to the task's history, both of which are safe under concurrent
// calls from multiple workers.
type Arbiter struct {
	budget       *Budget
	classifyCfg  classify.Config

	mu       sync.Mutex
	history  map[string][]Entry

	now  func() time.Time
	rand func() float64
}

// NewArbiter constructs an Arbiter backed by budget.
func NewArbiter(budget *Budget, classifyCfg classify.Config) *Arbiter {
	return &Arbiter{
		budget:      budget,
		classifyCfg: classifyCfg,
		history:     make(map[string][]Entry),
		now:         time.Now,
		rand:        rand.Float64,
	}
}

// ShouldRetry implements the C2 contract: classify the error, check the
// per-class policy and the global budget, compute a jittered delay, and —
// only if a retry will actually happen — consume a budget token and record
// the attempt in the task's history.
func (a *Arbiter) ShouldRetry(taskID, errorMessage string, currentAttempt int) (bool, time.Duration) {
	te := classify.Classify(errorMessage, a.classifyCfg)
	if !te.Retryable {
		return false, 0
	}

	policy := classify.PolicyFor(te.Class)
	if currentAttempt >= policy.MaxAttempts {
		return false, 0
	}

	if !a.budget.TryConsume() {
		return false, 0
	}

	delay := computeDelay(policy, currentAttempt, a.rand())
	if te.RetryAfter != nil {
		delay = time.Duration(*te.RetryAfter * float64(time.Second))
	}

	a.mu.Lock()
	a.history[taskID] = append(a.history[taskID], Entry{
		Attempt:          currentAttempt,
		Timestamp:        a.now(),
		Class:            te.Class,
		TruncatedMessage: truncate(errorMessage, truncateAt),
		Delay:            delay,
	})
	a.mu.Unlock()

	return true, delay
}

// RecordOutcome marks the most recent history entry for taskID as having
// eventually succeeded or not, once the retried attempt completes.
func (a *Arbiter) RecordOutcome(taskID string, succeeded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.history[taskID]
	if len(entries) == 0 {
		return
	}
	entries[len(entries)-1].EventuallySucceeded = succeeded
}

// History returns a copy of the retry history recorded for taskID.
func (a *Arbiter) History(taskID string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	src := a.history[taskID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// computeDelay implements step 4 of the C2 contract: exponential backoff
// capped at policy.CapDelaySeconds, widened by symmetric jitter of
// magnitude delay*jitterFraction, floored at 0.1s. r is a uniform sample
// in [0, 1) supplied by the caller so tests can control it.
func computeDelay(policy classify.RetryPolicy, attempt int, r float64) time.Duration {
	raw := policy.BaseDelaySeconds * math.Pow(policy.ExponentialBase, float64(attempt))
	if raw > policy.CapDelaySeconds {
		raw = policy.CapDelaySeconds
	}

	jitterMagnitude := raw * policy.JitterFraction
	// r in [0,1) maps to jitter in [-jitterMagnitude, +jitterMagnitude).
	jitter := (r*2 - 1) * jitterMagnitude
	delay := raw + jitter
	if delay < 0.1 {
		delay = 0.1
	}

	return time.Duration(delay * float64(time.Second))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
