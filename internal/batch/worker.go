package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/vidlesson/lessonbatch/internal/obslog"
	"github.com/vidlesson/lessonbatch/internal/task"
	"github.com/vidlesson/lessonbatch/internal/taskerr"
	"github.com/vidlesson/lessonbatch/internal/upstream"
)

// worker runs the per-task lifecycle loop bound to one credential for its
// entire lifetime, as the spec's central dispatch decision requires.
func (o *Orchestrator) worker(ctx context.Context, b *task.Batch, r *run, cred upstream.Credential, workerID string) {
	for {
		if r.paused.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		taskID, ok := r.queue.pop()
		if !ok {
			return
		}
		if r.hardStop.Load() {
			return
		}

		r.tasksMu.Lock()
		t, exists := b.Tasks[taskID]
		r.tasksMu.Unlock()
		if !exists {
			continue
		}

		o.processTask(ctx, b, r, t, cred, workerID)

		if isTerminal(t.Status) {
			r.inFlight.Remove(t.VideoPath)
			if r.outstand.Add(-1) == 0 {
				// Every task this run enqueued has reached a terminal
				// status; nothing will ever push to the queue again, so
				// close it and let the rest of the pool drain out of
				// pop() rather than block forever.
				r.queue.close()
			}
		}
	}
}

func isTerminal(s task.Status) bool {
	switch s {
	case task.StatusSuccess, task.StatusFailed, task.StatusSkipped, task.StatusCancelled:
		return true
	default:
		return false
	}
}

// processTask drives one dequeue through the full lifecycle: lease, the two
// resume-safety rechecks, the upstream call under a per-task timeout, and
// the success/retry/fail branches. It persists after every terminal
// transition and whenever the task re-enters Pending for a retry.
func (o *Orchestrator) processTask(ctx context.Context, b *task.Batch, r *run, t *task.Task, cred upstream.Credential, workerID string) {
	logger := obslog.Task(b.ID, t.ID, workerID, cred.ID)

	r.tasksMu.Lock()
	t.Status = task.StatusProcessing
	t.WorkerID = workerID
	t.Attempt++
	t.StartedAt = o.now()
	o.persist(b)
	r.tasksMu.Unlock()
	o.publishTask(b, t)
	logger.Info("task started", "attempt", t.Attempt, "video_path", t.VideoPath)

	// Output existence recheck: another run (or a prior crashed attempt
	// that completed the write but crashed before marking Success) may
	// already have produced this file.
	if outputExists(t.ExpectedOutput) {
		o.completeTask(b, r, t, task.StatusSkipped, "")
		return
	}

	// File-hash recheck: the source video must not have changed since it
	// was hashed at batch-creation time.
	if current, err := o.hashFile(ctx, t.VideoPath); err != nil || current != t.VideoSHA256 {
		o.completeTask(b, r, t, task.StatusFailed, "file modified")
		return
	}

	params, err := o.renderParams(ctx, t)
	if err != nil {
		o.completeTask(b, r, t, task.StatusFailed, err.Error())
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	result, err := o.collab.Adapter.Process(taskCtx, cred, t.VideoPath, t.Template, params)
	cancel()

	if err != nil {
		o.handleFailure(ctx, b, r, t, cred, workerID, err)
		return
	}

	if werr := o.collab.Writer.Write(ctx, t.ExpectedOutput, result.Text); werr != nil {
		o.completeTask(b, r, t, task.StatusFailed, fmt.Sprintf("write output: %v", werr))
		return
	}

	o.collab.Arbiter.RecordOutcome(t.ID, true)

	r.tasksMu.Lock()
	t.Status = task.StatusSuccess
	t.CompletedAt = o.now()
	t.DurationMs = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	t.CredentialID = result.CredentialID
	t.LastError = ""
	o.persist(b)
	r.tasksMu.Unlock()
	o.publishTask(b, t)
	logger.Info("task succeeded", "duration_ms", t.DurationMs, "credential_id", result.CredentialID, "attempts", result.Attempts)
}

// renderParams asks the prompt-template collaborator for the rendered
// prompt and model knobs for this task's template. When no renderer is
// configured, params carry only the bare video; tests commonly run this
// way against a fake upstream adapter that ignores the prompt text.
func (o *Orchestrator) renderParams(ctx context.Context, t *task.Task) (upstream.GenerateParams, error) {
	if o.collab.Renderer == nil {
		return upstream.GenerateParams{}, nil
	}
	return o.collab.Renderer.Render(ctx, t.Template, map[string]any{"video_path": t.VideoPath})
}

// handleFailure classifies the adapter's error via the arbiter and either
// resets the task to Pending for re-enqueue at the tail, or marks it
// permanently Failed. A TaskError the adapter already marked non-retryable
// fails without consulting the arbiter. It also records the failure as the run's current
// error for status reporting and logs the correlated per-task failure
// line, folding in a QuotaExhausted credential's projected exhaustion ETA
// when one can be computed.
func (o *Orchestrator) handleFailure(ctx context.Context, b *task.Batch, r *run, t *task.Task, cred upstream.Credential, workerID string, err error) {
	logger := obslog.Task(b.ID, t.ID, workerID, cred.ID)
	r.lastError.Store(err.Error())

	if te, ok := taskerr.As(err); ok && te.Class == taskerr.ClassQuotaExhausted && o.collab.Rotator != nil {
		if eta, ok := o.collab.Rotator.ProjectedExhaustion(cred.ID, o.now()); ok {
			logger.Warn("credential quota exhausted", "error", err, "projected_exhaustion", eta.String())
		} else {
			logger.Warn("credential quota exhausted", "error", err)
		}
	}

	shouldRetry, delay := false, time.Duration(0)
	if te, ok := taskerr.As(err); !ok || te.Retryable {
		shouldRetry, delay = o.collab.Arbiter.ShouldRetry(t.ID, err.Error(), t.Attempt)
	}

	if shouldRetry && t.Attempt < t.MaxAttempts {
		logger.Warn("task failed, retrying", "error", err, "attempt", t.Attempt, "delay", delay.String())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}

		r.tasksMu.Lock()
		t.Status = task.StatusPending
		t.WorkerID = ""
		t.LastError = err.Error()
		o.persist(b)
		r.tasksMu.Unlock()
		o.publishTask(b, t)

		r.queue.push(t.ID)
		return
	}

	logger.Error("task failed permanently", "error", err, "attempt", t.Attempt)
	o.collab.Arbiter.RecordOutcome(t.ID, false)
	o.completeTask(b, r, t, task.StatusFailed, err.Error())
}

// completeTask applies a terminal status transition and persists it.
func (o *Orchestrator) completeTask(b *task.Batch, r *run, t *task.Task, status task.Status, lastError string) {
	r.tasksMu.Lock()
	t.Status = status
	t.CompletedAt = o.now()
	if t.StartedAt.IsZero() {
		t.StartedAt = t.CompletedAt
	}
	t.DurationMs = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	if lastError != "" {
		t.LastError = lastError
	}
	o.persist(b)
	r.tasksMu.Unlock()
	o.publishTask(b, t)
}
