package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vidlesson/lessonbatch/internal/fsext"
	"github.com/vidlesson/lessonbatch/internal/task"
)

// DefaultExtensions is the spec's supported video format set.
var DefaultExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v"}

// CreateOptions configures a single create_batch call.
type CreateOptions struct {
	InputDir     string
	Template     string
	OutputDir    string
	PoolSize     int
	MaxRetries   int
	SkipExisting bool
	Extensions   []string // defaults to DefaultExtensions when empty
}

// newBatchID mirrors the "batch_<timestamp>_<random suffix>" convention:
// sortable by creation time, unique enough without a central allocator.
func newBatchID(now time.Time) string {
	return fmt.Sprintf("batch_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}

func newTaskID(batchID, videoPath string) string {
	stem := filepath.Base(videoPath)
	return fmt.Sprintf("%s_%s_%s", batchID, stem, uuid.NewString()[:6])
}

// CreateBatch scans opts.InputDir for supported video files, synthesizes a
// Task per file (id, source hash, expected output path, skip-existing
// precheck), and persists the initial state. The returned Batch is also
// cached in the orchestrator's in-memory table.
func (o *Orchestrator) CreateBatch(ctx context.Context, opts CreateOptions) (*task.Batch, error) {
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	videos, err := fsext.ScanVideos(opts.InputDir, extensions)
	if err != nil {
		return nil, fmt.Errorf("batch: scan input dir: %w", err)
	}

	now := o.now()
	b := &task.Batch{
		ID:           newBatchID(now),
		CreatedAt:    now,
		Status:       task.BatchCreated,
		InputDir:     opts.InputDir,
		Template:     opts.Template,
		OutputDir:    opts.OutputDir,
		PoolSize:     opts.PoolSize,
		MaxRetries:   opts.MaxRetries,
		SkipExisting: opts.SkipExisting,
		Tasks:        make(map[string]*task.Task, len(videos)),
	}

	for _, videoPath := range videos {
		sha, err := o.hashFile(ctx, videoPath)
		if err != nil {
			return nil, fmt.Errorf("batch: hash %s: %w", videoPath, err)
		}

		t := &task.Task{
			ID:             newTaskID(b.ID, videoPath),
			BatchID:        b.ID,
			VideoPath:      videoPath,
			Template:       opts.Template,
			ExpectedOutput: OutputPath(opts.OutputDir, opts.Template, videoPath),
			VideoSHA256:    sha,
			MaxAttempts:    opts.MaxRetries,
			Status:         task.StatusPending,
		}

		if opts.SkipExisting && outputExists(t.ExpectedOutput) {
			t.Status = task.StatusSkipped
		}

		b.Tasks[t.ID] = t
	}

	if err := o.collab.Store.Save(b); err != nil {
		return nil, fmt.Errorf("batch: save initial state: %w", err)
	}

	o.mu.Lock()
	o.batches[b.ID] = b
	o.mu.Unlock()

	return b, nil
}

// outputExists reports whether path exists and is a non-empty regular file.
func outputExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}
