// Package retry implements the retry budget and arbiter (component C2): a
// pure decision function over a classified error and the process-wide
// retry budget, plus the per-task retry history the orchestrator surfaces
// in its summaries.
package retry

import (
	"sync"
	"time"
)

// BudgetConfig bounds how many retries the whole batch run may consume
// within a rolling hour and a rolling day. Either horizon rolling over
// resets its own counter independently of the other.
type BudgetConfig struct {
	MaxPerHour int
	MaxPerDay  int
}

// DefaultBudgetConfig is a conservative default sized for the free-tier
// quota the upstream adapter's daily request counter also assumes.
var DefaultBudgetConfig = BudgetConfig{MaxPerHour: 60, MaxPerDay: 300}

// Budget is an atomic, two-horizon token-bucket-style counter. Multiple
// workers call TryConsume concurrently; the mutex serializes the
// check-then-increment so the two caps are never exceeded even under
// concurrent access.
type Budget struct {
	cfg BudgetConfig

	mu         sync.Mutex
	hourStart  time.Time
	dayStart   time.Time
	hourCount  int
	dayCount   int
	now        func() time.Time
}

// NewBudget constructs a Budget with both horizons starting now.
func NewBudget(cfg BudgetConfig) *Budget {
	return newBudgetWithClock(cfg, time.Now)
}

func newBudgetWithClock(cfg BudgetConfig, now func() time.Time) *Budget {
	n := now()
	return &Budget{cfg: cfg, hourStart: n, dayStart: n, now: now}
}

// TryConsume reports whether a retry token is available and, if so,
// consumes it. It rolls over either horizon's counter first if its window
// has elapsed.
func (b *Budget) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.now()
	if n.Sub(b.hourStart) >= time.Hour {
		b.hourStart = n
		b.hourCount = 0
	}
	if n.Sub(b.dayStart) >= 24*time.Hour {
		b.dayStart = n
		b.dayCount = 0
	}

	if b.cfg.MaxPerHour > 0 && b.hourCount >= b.cfg.MaxPerHour {
		return false
	}
	if b.cfg.MaxPerDay > 0 && b.dayCount >= b.cfg.MaxPerDay {
		return false
	}

	b.hourCount++
	b.dayCount++
	return true
}

// Status reports the current counts for observability.
type Status struct {
	HourCount, HourCap int
	DayCount, DayCap   int
}

// Status returns a snapshot of the budget's current counters.
func (b *Budget) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		HourCount: b.hourCount,
		HourCap:   b.cfg.MaxPerHour,
		DayCount:  b.dayCount,
		DayCap:    b.cfg.MaxPerDay,
	}
}
