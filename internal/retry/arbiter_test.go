package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidlesson/lessonbatch/internal/classify"
	"github.com/vidlesson/lessonbatch/internal/taskerr"
)

func newTestArbiter() *Arbiter {
	budget := NewBudget(BudgetConfig{MaxPerHour: 1000, MaxPerDay: 1000})
	a := NewArbiter(budget, classify.DefaultConfig)
	a.rand = func() float64 { return 0.5 } // midpoint: zero jitter
	return a
}

func TestArbiter_RetryableNetworkError(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	retry, delay := a.ShouldRetry("task-1", "network timeout", 0)
	require.True(t, retry)
	require.Equal(t, 2*time.Second, delay) // base=2, exp^0=1, zero jitter

	hist := a.History("task-1")
	require.Len(t, hist, 1)
	require.Equal(t, taskerr.ClassNetwork, hist[0].Class)
}

func TestArbiter_NonRetryableAuthError(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	retry, _ := a.ShouldRetry("task-1", "401 invalid api key", 0)
	require.False(t, retry)
	require.Empty(t, a.History("task-1"))
}

func TestArbiter_ExhaustsMaxAttempts(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	// ServerError allows 4 attempts; attempt index 4 has reached the cap.
	retry, _ := a.ShouldRetry("task-1", "503 service unavailable", 4)
	require.False(t, retry)
}

func TestArbiter_RespectsExplicitRetryAfter(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	retry, delay := a.ShouldRetry("task-1", "429 quota exceeded, retryDelay: 45s", 0)
	require.True(t, retry)
	require.Equal(t, 45*time.Second, delay)
}

func TestArbiter_BudgetExhaustionBlocksRetry(t *testing.T) {
	t.Parallel()

	budget := NewBudget(BudgetConfig{MaxPerHour: 1, MaxPerDay: 10})
	a := NewArbiter(budget, classify.DefaultConfig)
	a.rand = func() float64 { return 0.5 }

	retry1, _ := a.ShouldRetry("task-1", "network timeout", 0)
	require.True(t, retry1)

	retry2, _ := a.ShouldRetry("task-2", "network timeout", 0)
	require.False(t, retry2)
}

func TestArbiter_DelayMonotoneNonDecreasing(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	_, d0 := a.ShouldRetry("task-1", "network timeout", 0)
	_, d1 := a.ShouldRetry("task-1", "network timeout", 1)
	require.GreaterOrEqual(t, d1, d0)
}

func TestArbiter_RecordOutcomeUpdatesLastEntry(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	a.ShouldRetry("task-1", "network timeout", 0)
	a.RecordOutcome("task-1", true)

	hist := a.History("task-1")
	require.Len(t, hist, 1)
	require.True(t, hist[0].EventuallySucceeded)
}

func TestComputeDelay_CapsAtMax(t *testing.T) {
	t.Parallel()

	policy := classify.PolicyFor(taskerr.ClassRateLimit)
	delay := computeDelay(policy, 10, 0.5) // huge attempt count, zero jitter
	require.Equal(t, time.Duration(policy.CapDelaySeconds*float64(time.Second)), delay)
}

func TestComputeDelay_FloorsAtTenthSecond(t *testing.T) {
	t.Parallel()

	policy := classify.RetryPolicy{BaseDelaySeconds: 0.01, CapDelaySeconds: 1, ExponentialBase: 1, JitterFraction: 0}
	delay := computeDelay(policy, 0, 0.5)
	require.Equal(t, 100*time.Millisecond, delay)
}

func TestBudget_ResetsOnHourRollover(t *testing.T) {
	t.Parallel()

	fakeNow := time.Now()
	b := newBudgetWithClock(BudgetConfig{MaxPerHour: 1, MaxPerDay: 100}, func() time.Time { return fakeNow })

	require.True(t, b.TryConsume())
	require.False(t, b.TryConsume())

	fakeNow = fakeNow.Add(time.Hour + time.Second)
	require.True(t, b.TryConsume())
}

func TestBudget_ResetsOnDayRollover(t *testing.T) {
	t.Parallel()

	fakeNow := time.Now()
	b := newBudgetWithClock(BudgetConfig{MaxPerHour: 100, MaxPerDay: 1}, func() time.Time { return fakeNow })

	require.True(t, b.TryConsume())
	require.False(t, b.TryConsume())

	fakeNow = fakeNow.Add(25 * time.Hour)
	require.True(t, b.TryConsume())
}
