// Package output renders batch progress and summary events as newline-
// delimited JSON, one object per line, so a CLI front end (out of scope
// here) can pipe the engine's stdout into jq, a log aggregator, or its own
// table renderer without parsing anything but JSON lines.
package output

import (
	"encoding/json"
	"io"
	"time"

	"github.com/vidlesson/lessonbatch/internal/pubsub"
	"github.com/vidlesson/lessonbatch/internal/task"
)

// TaskLine is one NDJSON record for a task status transition.
type TaskLine struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	BatchID   string    `json:"batch_id"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// BatchLine is one NDJSON record for a batch-level status change.
type BatchLine struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	BatchID   string    `json:"batch_id"`
	Status    string    `json:"status"`
}

// SummaryLine is the final NDJSON record emitted once a batch run stops
// dispatching, carrying the aggregate statistics a CLI table would render.
type SummaryLine struct {
	Kind       string  `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	BatchID    string  `json:"batch_id"`
	Status     string  `json:"status"`
	Total      int     `json:"total"`
	Success    int     `json:"success"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Cancelled  int     `json:"cancelled"`
	Pending    int     `json:"pending"`
	Progress   float64 `json:"progress_percent"`
}

// Writer emits NDJSON lines to an underlying io.Writer, one json.Encoder
// call per event so partial writes never interleave across goroutines
// (callers still need to serialize calls to Write* themselves if they
// share a single Writer across workers).
type Writer struct {
	enc *json.Encoder
	now func() time.Time
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w), now: time.Now}
}

// WriteTaskEvent renders one task transition as an NDJSON line.
func (w *Writer) WriteTaskEvent(ev pubsub.TaskEvent) error {
	return w.enc.Encode(TaskLine{
		Kind:      "task",
		Timestamp: w.now(),
		BatchID:   ev.BatchID,
		TaskID:    ev.TaskID,
		Status:    ev.Status,
		Attempt:   ev.Attempt,
		Error:     ev.Error,
	})
}

// WriteBatchEvent renders one batch-level transition as an NDJSON line.
func (w *Writer) WriteBatchEvent(ev pubsub.BatchEvent) error {
	return w.enc.Encode(BatchLine{
		Kind:      "batch",
		Timestamp: w.now(),
		BatchID:   ev.BatchID,
		Status:    ev.Status,
	})
}

// WriteSummary renders a batch's final aggregate statistics.
func (w *Writer) WriteSummary(b *task.Batch) error {
	stats := b.Stats()
	return w.enc.Encode(SummaryLine{
		Kind:      "summary",
		Timestamp: w.now(),
		BatchID:   b.ID,
		Status:    string(b.Status),
		Total:     stats.Total,
		Success:   stats.Success,
		Failed:    stats.Failed,
		Skipped:   stats.Skipped,
		Cancelled: stats.Cancelled,
		Pending:   stats.Pending,
		Progress:  stats.ProgressPercent(),
	})
}
