// Package obslog configures process-wide structured logging for the batch
// engine: a rotating JSON log file plus the correlation fields every
// component attaches (batch_id, task_id, worker_id, credential_id).
package obslog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
)

// MaxAgeDays bounds how long rotated log files are retained.
const MaxAgeDays = 30

// Setup installs the default slog handler, writing JSON lines to a rotating,
// pid-suffixed log file so that two batch-engine processes running against
// the same log directory never clobber each other's output.
func Setup(logFile string, debug bool) {
	initOnce.Do(func() {
		pid := os.Getpid()
		dir := filepath.Dir(logFile)
		ext := filepath.Ext(logFile)
		name := strings.TrimSuffix(filepath.Base(logFile), ext)
		processLogFile := filepath.Join(dir, fmt.Sprintf("%s-%d%s", name, pid, ext))

		rotator := &lumberjack.Logger{
			Filename:   processLogFile,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     MaxAgeDays,
			Compress:   true,
		}

		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}

		handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})

		slog.SetDefault(slog.New(handler))
		initialized.Store(true)
	})
}

// Initialized reports whether Setup has run.
func Initialized() bool {
	return initialized.Load()
}

// Task returns a logger carrying the correlation fields every per-task log
// line needs: batch, task, the worker that leased it, and the credential
// driving the upstream call.
func Task(batchID, taskID, workerID, credentialID string) *slog.Logger {
	return slog.Default().With(
		"batch_id", batchID,
		"task_id", taskID,
		"worker_id", workerID,
		"credential_id", credentialID,
	)
}

// RecoverWorker recovers a panicking worker goroutine, logging it and
// invoking cleanup so the task it was processing can be marked Failed
// instead of the batch run dying outright.
func RecoverWorker(name string, cleanup func(r any)) {
	if r := recover(); r != nil {
		slog.Error("worker panic recovered", "name", name, "panic", r, "stack", string(debug.Stack()))

		timestamp := time.Now().Format("20060102-150405")
		filename := fmt.Sprintf("lessonbatch-panic-%s-%s.log", name, timestamp)
		if file, err := os.Create(filename); err == nil {
			fmt.Fprintf(file, "panic in %s: %v\n\n", name, r)
			fmt.Fprintf(file, "time: %s\n\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(file, "stack trace:\n%s\n", debug.Stack())
			file.Close()
		}

		if cleanup != nil {
			cleanup(r)
		}
	}
}
