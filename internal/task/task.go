// Package task defines the Task and Batch data model shared by the state
// store, the orchestrator, and everything that reads persisted batch
// state: CLI front ends, summary reporters, tests.
package task

import "time"

// Status is a task's closed set of lifecycle states.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusSuccess    Status = "Success"
	StatusFailed     Status = "Failed"
	StatusSkipped    Status = "Skipped"
	StatusCancelled  Status = "Cancelled"
)

// Task is a single (video file -> lesson artifact) unit of work.
type Task struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`

	// Inputs.
	VideoPath        string `json:"video_path"`
	Template         string `json:"template"`
	ExpectedOutput   string `json:"expected_output,omitempty"`
	VideoSHA256      string `json:"video_sha256"`

	// Execution metadata.
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	WorkerID      string    `json:"worker_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	CredentialID  string    `json:"credential_id,omitempty"`

	Status Status `json:"status"`
}

// CanRetry reports whether reset_for_retry may legally be applied: the
// task must be Failed and still within its attempt budget.
func (t *Task) CanRetry() bool {
	return t.Status == StatusFailed && t.Attempt < t.MaxAttempts
}

// ResetForRetry is the only legal Failed->Pending transition. It preserves
// the attempt counter (already incremented by the lease that failed) and
// clears the worker lease.
func (t *Task) ResetForRetry() bool {
	if !t.CanRetry() {
		return false
	}
	t.Status = StatusPending
	t.WorkerID = ""
	return true
}

// BatchStatus is a batch's closed set of lifecycle states.
type BatchStatus string

const (
	BatchCreated   BatchStatus = "Created"
	BatchRunning   BatchStatus = "Running"
	BatchPaused    BatchStatus = "Paused"
	BatchCompleted BatchStatus = "Completed"
	BatchFailed    BatchStatus = "Failed"
	BatchCancelled BatchStatus = "Cancelled"
)

// Batch is a named collection of Tasks with shared execution configuration.
type Batch struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Status    BatchStatus `json:"status"`

	InputDir     string `json:"input_dir"`
	Template     string `json:"template"`
	OutputDir    string `json:"output_dir"`
	PoolSize     int    `json:"pool_size"`
	MaxRetries   int    `json:"max_retries"`
	SkipExisting bool   `json:"skip_existing"`

	Tasks map[string]*Task `json:"tasks"`
}

// Stats is the set of derived per-status counts and progress percentage
// computed on read under the batch lock.
type Stats struct {
	Pending    int
	Processing int
	Success    int
	Failed     int
	Skipped    int
	Cancelled  int
	Total      int
}

// ProgressPercent returns the share of tasks that have reached a terminal
// state (Success, Failed, Skipped, or Cancelled).
func (s Stats) ProgressPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	terminal := s.Success + s.Failed + s.Skipped + s.Cancelled
	return 100 * float64(terminal) / float64(s.Total)
}

// Stats computes per-status counts over the batch's current tasks. Callers
// are expected to hold whatever lock guards Tasks.
func (b *Batch) Stats() Stats {
	var s Stats
	for _, t := range b.Tasks {
		s.Total++
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// DeriveStatus computes the batch-level status implied by its current task
// statistics: Completed if all terminal and none Failed, Failed if all
// terminal and at least one Failed, otherwise the batch's existing status
// is left alone (it is still Running/Paused/Cancelled).
func DeriveStatus(s Stats) (BatchStatus, bool) {
	terminal := s.Success + s.Failed + s.Skipped + s.Cancelled
	if terminal < s.Total {
		return "", false
	}
	if s.Failed > 0 {
		return BatchFailed, true
	}
	return BatchCompleted, true
}
