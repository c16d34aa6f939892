// Package writer implements the file-writer collaborator: persist a
// generated lesson artifact to its canonical output path, atomically so a
// crash mid-write never leaves a truncated file for the orchestrator's
// output-existence recheck to mistake for a completed task.
package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileWriter writes markdown lesson artifacts to disk via a
// temp-file-then-rename so a partially written file is never visible at
// its final path.
type FileWriter struct {
	// DirMode and FileMode control permissions on created directories and
	// files; zero values fall back to 0o755/0o644.
	DirMode  os.FileMode
	FileMode os.FileMode
}

// New constructs a FileWriter with the conventional permissions.
func New() *FileWriter {
	return &FileWriter{DirMode: 0o755, FileMode: 0o644}
}

// Write implements batch.ArtifactWriter.
func (w *FileWriter) Write(_ context.Context, path, content string) error {
	dirMode := w.DirMode
	if dirMode == 0 {
		dirMode = 0o755
	}
	fileMode := w.FileMode
	if fileMode == 0 {
		fileMode = 0o644
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("writer: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("writer: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writer: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("writer: fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writer: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return fmt.Errorf("writer: chmod %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("writer: rename into place: %w", err)
	}
	return nil
}
