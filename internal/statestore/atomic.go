package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// atomicWriteJSON marshals v and writes it via atomicWriteBytes.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	return atomicWriteBytes(path, data)
}

// atomicWriteBytes writes data to a temp file in the same directory as
// path under an advisory lock, fsyncs it, then renames it over path. The
// rename is atomic on both POSIX and Windows targets, so a reader never
// observes a half-written file.
func atomicWriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := lockExclusive(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: lock temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		unlockFile(tmp)
		tmp.Close()
		return fmt.Errorf("statestore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		unlockFile(tmp)
		tmp.Close()
		return fmt.Errorf("statestore: fsync temp file: %w", err)
	}
	unlockFile(tmp)
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp file: %w", err)
	}

	if err := renameOver(tmpPath, path); err != nil {
		return fmt.Errorf("statestore: rename into place: %w", err)
	}
	return nil
}

// lockedReadFile reads path under a shared lock, so a reader never races a
// concurrent atomicWriteBytes rename.
func lockedReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := lockShared(f); err == nil {
		defer unlockFile(f)
	}

	return io.ReadAll(f)
}

// HashFile returns the hex-encoded SHA-256 digest of path, streamed in 64
// KiB chunks. Exported so callers outside this package (batch creation,
// resume-time drift checks) hash a candidate file the same way Save/Load do.
func HashFile(path string) (string, error) {
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
