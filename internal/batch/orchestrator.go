package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidlesson/lessonbatch/internal/csync"
	"github.com/vidlesson/lessonbatch/internal/obslog"
	"github.com/vidlesson/lessonbatch/internal/pubsub"
	"github.com/vidlesson/lessonbatch/internal/task"
	"github.com/vidlesson/lessonbatch/internal/upstream"
)

// Config bounds the orchestrator's per-task behavior that isn't carried on
// the Batch itself.
type Config struct {
	// TaskTimeout bounds one worker's upload->poll->generate call.
	TaskTimeout time.Duration
}

// DefaultConfig matches the spec's stated per-task timeout.
var DefaultConfig = Config{TaskTimeout: 360 * time.Second}

// Orchestrator is the top-level driver (C6): it owns the in-memory batch
// table and, per batch, the run state (worker pool, in-flight set, pause
// and cancel flags) needed to dispatch tasks through C1-C5.
type Orchestrator struct {
	cfg    Config
	collab Collaborators
	now    func() time.Time

	mu      sync.Mutex
	batches map[string]*task.Batch
	runs    map[string]*run
}

// run is the live dispatch state for one batch; discarded once Dispatch
// returns.
type run struct {
	queue    *taskQueue
	inFlight *csync.Set[string]
	paused   atomic.Bool
	hardStop atomic.Bool
	outstand atomic.Int64

	// lastError holds the most recent task failure message (retried or
	// terminal), for a status caller to read without walking Tasks under
	// tasksMu.
	lastError *csync.String

	// tasksMu guards the batch's Tasks map and any Save/Stats call made
	// while workers may be concurrently mutating their own task's fields.
	tasksMu sync.Mutex
}

// New constructs an Orchestrator. cfg's zero value is replaced with
// DefaultConfig's TaskTimeout.
func New(cfg Config, collab Collaborators) *Orchestrator {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig.TaskTimeout
	}
	return &Orchestrator{
		cfg:     cfg,
		collab:  collab,
		now:     time.Now,
		batches: make(map[string]*task.Batch),
		runs:    make(map[string]*run),
	}
}

func (o *Orchestrator) batch(batchID string) (*task.Batch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch: unknown batch %q", batchID)
	}
	return b, nil
}

func (o *Orchestrator) persist(b *task.Batch) {
	if err := o.collab.Store.Save(b); err != nil {
		slog.Error("batch: save failed", "batch_id", b.ID, "error", err)
	}
}

func (o *Orchestrator) publishTask(b *task.Batch, t *task.Task) {
	if o.collab.TaskEvents == nil {
		return
	}
	o.collab.TaskEvents.Publish(pubsub.UpdatedEvent, pubsub.TaskEvent{
		BatchID: b.ID, TaskID: t.ID, Status: string(t.Status), Attempt: t.Attempt, Error: t.LastError,
	})
}

func (o *Orchestrator) publishBatch(b *task.Batch) {
	if o.collab.BatchEvents == nil {
		return
	}
	o.collab.BatchEvents.Publish(pubsub.UpdatedEvent, pubsub.BatchEvent{BatchID: b.ID, Status: string(b.Status)})
}

// Load brings a previously-persisted batch into the in-memory table without
// starting dispatch, for callers that only need to inspect state.
func (o *Orchestrator) Load(batchID string) (*task.Batch, error) {
	b, err := o.collab.Store.Load(batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("batch: %q not found", batchID)
	}
	o.mu.Lock()
	o.batches[b.ID] = b
	o.mu.Unlock()
	return b, nil
}

// Resume loads batchID's persisted state, treats any task still Processing
// as a crashed lease (reset to Pending, attempt counter retained), then
// dispatches normally. Tasks already Success or Skipped are never re-run.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) error {
	b, err := o.Load(batchID)
	if err != nil {
		return err
	}

	for _, t := range b.Tasks {
		if t.Status == task.StatusProcessing {
			t.Status = task.StatusPending
			t.WorkerID = ""
		}
	}
	if b.Status == task.BatchPaused || b.Status == task.BatchFailed {
		b.Status = task.BatchRunning
	}
	o.persist(b)

	return o.Dispatch(ctx, batchID)
}

// Dispatch starts (or resumes) the worker pool for batchID and blocks until
// every task has reached a terminal status, the batch is paused, or ctx is
// cancelled. It is safe to call again on the same batch after a pause.
func (o *Orchestrator) Dispatch(ctx context.Context, batchID string) error {
	b, err := o.batch(batchID)
	if err != nil {
		return err
	}

	r := &run{queue: newTaskQueue(), inFlight: csync.NewSet[string](), lastError: csync.NewString()}

	o.mu.Lock()
	o.runs[batchID] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, batchID)
		o.mu.Unlock()
	}()

	ready := readyTasks(b)
	for _, t := range ready {
		if !r.inFlight.Add(t.VideoPath) {
			continue
		}
		r.outstand.Add(1)
		r.queue.push(t.ID)
	}
	if len(ready) == 0 {
		o.finalizeIfDone(b, r)
		return nil
	}
	if len(o.collab.Credentials) == 0 {
		return fmt.Errorf("batch: no credentials configured")
	}

	b.Status = task.BatchRunning
	o.persist(b)
	o.publishBatch(b)

	poolSize := b.PoolSize
	if poolSize <= 0 {
		poolSize = ResolvePoolSize(len(o.collab.Credentials))
	}
	if poolSize > len(ready) {
		poolSize = len(ready)
	}
	if poolSize < 1 {
		poolSize = 1
	}

	credsByID := make(map[string]upstream.Credential, len(o.collab.Credentials))
	for _, c := range o.collab.Credentials {
		credsByID[c.ID] = c
	}

	var wg sync.WaitGroup
	for i := 0; i < poolSize; i++ {
		cred := o.collab.Credentials[i%len(o.collab.Credentials)]

		// Prefer the rotator's health-based pick over the plain round-robin
		// fallback above; it only degrades to round-robin itself when no
		// credential currently looks healthy.
		if o.collab.Rotator != nil {
			if id, degraded, err := o.collab.Rotator.Select(); err == nil {
				if c, ok := credsByID[id]; ok {
					cred = c
					if degraded {
						slog.Warn("batch: no healthy credential, falling back to round-robin", "batch_id", b.ID, "credential_id", id)
					}
				}
			}
		}

		wg.Add(1)
		go func(workerID int, cred upstream.Credential) {
			defer wg.Done()
			defer obslog.RecoverWorker(fmt.Sprintf("batch-worker-%d", workerID), nil)
			o.worker(ctx, b, r, cred, fmt.Sprintf("worker-%d", workerID))
		}(i, cred)
	}
	wg.Wait()

	o.finalizeIfDone(b, r)
	return ctx.Err()
}

// readyTasks returns the tasks eligible for enqueue, in insertion-sorted
// filename order: Pending tasks and Failed tasks still within their retry
// budget.
func readyTasks(b *task.Batch) []*task.Task {
	var out []*task.Task
	for _, t := range b.Tasks {
		if t.Status == task.StatusPending || t.CanRetry() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoPath < out[j].VideoPath })
	return out
}

func (o *Orchestrator) finalizeIfDone(b *task.Batch, r *run) {
	stats := b.Stats()
	if status, done := task.DeriveStatus(stats); done {
		b.Status = status
	} else if r.paused.Load() {
		b.Status = task.BatchPaused
	}
	o.persist(b)
	o.publishBatch(b)
}

// LastError returns the most recent task failure message observed by
// batchID's active run, for status reporting. It returns "" once the run
// has finished (its state is discarded on Dispatch return) or if no task
// has failed yet.
func (o *Orchestrator) LastError(batchID string) string {
	o.mu.Lock()
	r, ok := o.runs[batchID]
	o.mu.Unlock()
	if !ok {
		return ""
	}
	return r.lastError.String()
}

// Pause requests that batchID's running dispatch stop handing out new work
// once each worker's current task finishes; it does not abort in-flight
// upstream calls.
func (o *Orchestrator) Pause(batchID string) error {
	o.mu.Lock()
	r, ok := o.runs[batchID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("batch: %q is not running", batchID)
	}
	r.paused.Store(true)
	r.queue.close()
	return nil
}

// Shutdown is the hard-stop path: it marks the run hard-stopped and paused
// and closes the queue, so no worker starts another task. A task already in
// flight is not cancelled; it runs to completion before Dispatch returns.
func (o *Orchestrator) Shutdown(batchID string) error {
	o.mu.Lock()
	r, ok := o.runs[batchID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("batch: %q is not running", batchID)
	}
	r.hardStop.Store(true)
	r.paused.Store(true)
	r.queue.close()
	return nil
}

// Cancel stops dispatch like Pause and additionally transitions every
// still-Pending task to Cancelled.
func (o *Orchestrator) Cancel(batchID string) error {
	b, err := o.batch(batchID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	r, running := o.runs[batchID]
	o.mu.Unlock()
	if running {
		r.paused.Store(true)
		r.queue.close()
		r.tasksMu.Lock()
		defer r.tasksMu.Unlock()
	}

	for _, t := range b.Tasks {
		if t.Status == task.StatusPending {
			t.Status = task.StatusCancelled
			o.publishTask(b, t)
		}
	}
	b.Status = task.BatchCancelled
	o.persist(b)
	o.publishBatch(b)
	return nil
}
