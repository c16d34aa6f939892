// Package statestore implements the state store (component C5): durable,
// crash-safe persistence of a Batch via a temp-file-then-rename protocol,
// a SHA-256 checksum over the canonical (sorted-key) JSON payload, and an
// advisory file lock for cross-process safety.
package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vidlesson/lessonbatch/internal/task"
)

// SchemaVersion is written into every envelope. Loads tolerate older
// versions by skipping fields the decoder doesn't recognize; there is no
// schema migration machinery because the payload shape has not changed
// since version 1.
const SchemaVersion = 1

// envelope is the on-disk wrapper around a batch's JSON payload.
type envelope struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"saved_at"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// Summary is the lightweight view List returns: a batch's identity and
// aggregate statistics without materializing its full task map.
type Summary struct {
	ID        string
	CreatedAt time.Time
	Status    task.BatchStatus
	Stats     task.Stats
}

// Store persists Batches under dir, one JSON file per batch id, plus
// supports an arbitrary-path SaveJSON used by collaborators
// like the key rotator that need the same atomic-write guarantee for a
// smaller JSON document.
type Store struct {
	dir string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // one reentrant-ish lock per batch id
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockFor(batchID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[batchID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[batchID] = l
	}
	return l
}

const stateFileSuffix = "_state.json"

func (s *Store) path(batchID string) string {
	return filepath.Join(s.dir, batchID+stateFileSuffix)
}

// Save atomically persists b: canonicalize to sorted-key JSON, checksum
// it, wrap in an envelope, write to a temp file under an advisory lock in
// the same directory, fsync, then rename over the target.
func (s *Store) Save(b *task.Batch) error {
	l := s.lockFor(b.ID)
	l.Lock()
	defer l.Unlock()

	payload, checksum, err := canonicalAndChecksum(b)
	if err != nil {
		return fmt.Errorf("statestore: marshal batch %s: %w", b.ID, err)
	}

	env := envelope{Version: SchemaVersion, SavedAt: time.Now(), Checksum: checksum, Payload: payload}
	return atomicWriteJSON(s.path(b.ID), env)
}

// Load reads the batch state for batchID, verifying its checksum. A
// checksum mismatch (corruption) logs a warning and returns (nil, nil),
// the same result as a missing state file; the return values do not tell
// the two cases apart.
func (s *Store) Load(batchID string) (*task.Batch, error) {
	l := s.lockFor(batchID)
	l.Lock()
	defer l.Unlock()

	data, err := lockedReadFile(s.path(batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statestore: read batch %s: %w", batchID, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("statestore: decode envelope for %s: %w", batchID, err)
	}

	var b task.Batch
	if err := json.Unmarshal(env.Payload, &b); err != nil {
		return nil, fmt.Errorf("statestore: decode payload for %s: %w", batchID, err)
	}

	_, wantChecksum, err := canonicalAndChecksum(&b)
	if err != nil {
		return nil, fmt.Errorf("statestore: recompute checksum for %s: %w", batchID, err)
	}
	if wantChecksum != env.Checksum {
		slog.Warn("statestore: checksum mismatch, treating batch state as missing", "batch_id", batchID)
		return nil, nil
	}

	reverifyFileHashes(&b)

	return &b, nil
}

// List scans the state directory for batch files and returns their
// summaries sorted by creation time descending. Corrupt entries are
// skipped rather than aborting the scan.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("statestore: list dir: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateFileSuffix) {
			continue
		}
		batchID := strings.TrimSuffix(e.Name(), stateFileSuffix)
		b, err := s.Load(batchID)
		if err != nil || b == nil {
			continue
		}
		out = append(out, Summary{ID: b.ID, CreatedAt: b.CreatedAt, Status: b.Status, Stats: b.Stats()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the persisted state for batchID.
func (s *Store) Delete(batchID string) error {
	l := s.lockFor(batchID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(batchID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: delete batch %s: %w", batchID, err)
	}
	return nil
}

// Checkpoint copies the current state file to an archive subdirectory,
// suffixed with the current time, without disturbing the live file.
func (s *Store) Checkpoint(batchID string) error {
	l := s.lockFor(batchID)
	l.Lock()
	defer l.Unlock()

	data, err := lockedReadFile(s.path(batchID))
	if err != nil {
		return fmt.Errorf("statestore: checkpoint read %s: %w", batchID, err)
	}

	archiveDir := filepath.Join(s.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("statestore: checkpoint mkdir: %w", err)
	}

	dest := filepath.Join(archiveDir, fmt.Sprintf("%s-%d.json", batchID, time.Now().UnixNano()))
	return atomicWriteBytes(dest, data)
}

// Cleanup removes state files whose mtime is older than olderThanDays,
// returning how many were removed.
func (s *Store) Cleanup(olderThanDays int) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("statestore: cleanup read dir: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateFileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// SaveJSON atomically writes an arbitrary JSON document to an absolute or
// dir-relative path, via the same temp-file-then-rename protocol Save
// uses. Collaborators like internal/keyrotator use this for usage stats.
func (s *Store) SaveJSON(path string, v any) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	return atomicWriteJSON(path, v)
}

// canonicalAndChecksum marshals v, re-marshals through a generic
// interface{} so map keys sort, and returns both the canonical payload and
// its SHA-256 hex digest.
func canonicalAndChecksum(v any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

func reverifyFileHashes(b *task.Batch) {
	for _, t := range b.Tasks {
		if t.Status != task.StatusPending && t.Status != task.StatusProcessing {
			continue
		}
		if t.VideoSHA256 == "" {
			continue
		}
		current, err := hashFile(t.VideoPath)
		if err != nil || current != t.VideoSHA256 {
			t.LastError = "state load: source file hash changed or unreadable since last save"
		}
	}
}
