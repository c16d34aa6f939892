package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidlesson/lessonbatch/internal/task"
)

func newTestBatch(id string) *task.Batch {
	return &task.Batch{
		ID:        id,
		CreatedAt: time.Now(),
		Status:    task.BatchRunning,
		InputDir:  "/videos",
		Template:  "chinese_transcript",
		OutputDir: "/out",
		PoolSize:  2,
		Tasks: map[string]*task.Task{
			"t1": {ID: "t1", BatchID: id, VideoPath: "/videos/a.mp4", Status: task.StatusSuccess},
			"t2": {ID: "t2", BatchID: id, VideoPath: "/videos/b.mp4", Status: task.StatusSkipped},
		},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	b := newTestBatch("batch-1")
	require.NoError(t, store.Save(b))

	loaded, err := store.Load("batch-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, task.StatusSuccess, loaded.Tasks["t1"].Status)
	require.Equal(t, task.StatusSkipped, loaded.Tasks["t2"].Status)
}

func TestStore_LoadMissingReturnsNilNil(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	loaded, err := store.Load("nonexistent")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestStore_CorruptionDetection(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	b := newTestBatch("batch-1")
	require.NoError(t, store.Save(b))

	// Tamper with the tasks map after save without updating the checksum.
	raw, err := os.ReadFile(filepath.Join(dir, "batch-1_state.json"))
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	var tampered task.Batch
	require.NoError(t, json.Unmarshal(env.Payload, &tampered))
	tampered.Tasks["t1"].Status = task.StatusFailed

	payload, err := json.Marshal(tampered)
	require.NoError(t, err)
	env.Payload = payload

	out, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batch-1_state.json"), out, 0o644))

	loaded, err := store.Load("batch-1")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestStore_ListSortsByCreatedAtDescending(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	older := newTestBatch("batch-old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestBatch("batch-new")
	newer.CreatedAt = time.Now()

	require.NoError(t, store.Save(older))
	require.NoError(t, store.Save(newer))

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "batch-new", summaries[0].ID)
	require.Equal(t, "batch-old", summaries[1].ID)
}

func TestStore_DeleteRemovesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	b := newTestBatch("batch-1")
	require.NoError(t, store.Save(b))
	require.NoError(t, store.Delete("batch-1"))

	loaded, err := store.Load("batch-1")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestStore_CheckpointCopiesToArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	b := newTestBatch("batch-1")
	require.NoError(t, store.Save(b))
	require.NoError(t, store.Checkpoint("batch-1"))

	entries, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStore_CleanupRemovesOldFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	b := newTestBatch("batch-1")
	require.NoError(t, store.Save(b))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "batch-1_state.json"), old, old))

	removed, err := store.Cleanup(1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestStore_SaveJSONArbitraryDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, store.SaveJSON("usage.json", map[string]int{"a": 1}))

	raw, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"a": 1`)
}

func TestStore_ReverifyFlagsModifiedSourceFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	videoPath := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("original"), 0o644))

	hash, err := hashFile(videoPath)
	require.NoError(t, err)

	store, err := New(dir)
	require.NoError(t, err)

	b := &task.Batch{
		ID:        "batch-1",
		CreatedAt: time.Now(),
		Status:    task.BatchPaused,
		Tasks: map[string]*task.Task{
			"t1": {ID: "t1", VideoPath: videoPath, VideoSHA256: hash, Status: task.StatusPending},
		},
	}
	require.NoError(t, store.Save(b))

	require.NoError(t, os.WriteFile(videoPath, []byte("modified"), 0o644))

	loaded, err := store.Load("batch-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Contains(t, loaded.Tasks["t1"].LastError, "hash")
}
