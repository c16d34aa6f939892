package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidlesson/lessonbatch/internal/classify"
	"github.com/vidlesson/lessonbatch/internal/csync"
	"github.com/vidlesson/lessonbatch/internal/keyrotator"
	"github.com/vidlesson/lessonbatch/internal/retry"
	"github.com/vidlesson/lessonbatch/internal/task"
	"github.com/vidlesson/lessonbatch/internal/taskerr"
	"github.com/vidlesson/lessonbatch/internal/upstream"
)

func newHandleFailureFixture(t *testing.T) (*Orchestrator, *run, *task.Batch, *task.Task) {
	t.Helper()

	o := &Orchestrator{
		cfg: DefaultConfig,
		collab: Collaborators{
			Arbiter: retry.NewArbiter(retry.NewBudget(retry.DefaultBudgetConfig), classify.DefaultConfig),
			Rotator: keyrotator.New([]string{"cred1"}, "", nil),
		},
		now:     time.Now,
		batches: make(map[string]*task.Batch),
		runs:    make(map[string]*run),
	}
	r := &run{queue: newTaskQueue(), inFlight: csync.NewSet[string](), lastError: csync.NewString()}
	b := &task.Batch{ID: "b1", Tasks: map[string]*task.Task{}}
	tk := &task.Task{ID: "t1", BatchID: "b1", Attempt: 1, MaxAttempts: 1}
	b.Tasks[tk.ID] = tk
	return o, r, b, tk
}

// TestHandleFailure_PermanentFailureRecordsLastError exercises the
// terminal-failure branch (an AuthError carries no retry policy, so the
// arbiter never consults its budget or sleeps) and checks that the run's
// last-error string and the task's terminal state both reflect it.
func TestHandleFailure_PermanentFailureRecordsLastError(t *testing.T) {
	t.Parallel()

	o, r, b, tk := newHandleFailureFixture(t)
	cred := upstream.Credential{ID: "cred1"}

	err := classify.Classify("401 invalid api key", classify.DefaultConfig)
	o.handleFailure(context.Background(), b, r, tk, cred, "worker-0", err)

	require.Equal(t, task.StatusFailed, tk.Status)
	require.Contains(t, tk.LastError, "invalid api key")
	require.Contains(t, r.lastError.String(), "invalid api key")
}

// TestHandleFailure_QuotaExhaustedLogsProjectedExhaustion checks that a
// QuotaExhausted failure doesn't panic when the rotator has enough history
// to project an exhaustion ETA, and still records the failure as terminal
// once the task is out of attempts (single credential, so no rotation
// target the adapter would have already tried).
func TestHandleFailure_QuotaExhaustedLogsProjectedExhaustion(t *testing.T) {
	t.Parallel()

	o, r, b, tk := newHandleFailureFixture(t)
	cred := upstream.Credential{ID: "cred1"}

	now := time.Now()
	require.NoError(t, o.collab.Rotator.RecordOutcome("cred1", false, taskerr.ClassQuotaExhausted, now))
	require.NoError(t, o.collab.Rotator.RecordOutcome("cred1", false, taskerr.ClassQuotaExhausted, now.Add(time.Minute)))

	err := classify.Classify("quota exceeded for this project", classify.DefaultConfig)
	o.handleFailure(context.Background(), b, r, tk, cred, "worker-0", err)

	require.Equal(t, task.StatusFailed, tk.Status)
	require.Contains(t, r.lastError.String(), "quota exceeded")
}
