package output

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidlesson/lessonbatch/internal/pubsub"
	"github.com/vidlesson/lessonbatch/internal/task"
)

func TestWriter_WriteTaskEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.now = func() time.Time { return time.Unix(0, 0).UTC() }

	require.NoError(t, w.WriteTaskEvent(pubsub.TaskEvent{BatchID: "b1", TaskID: "t1", Status: "Success", Attempt: 1}))

	var line TaskLine
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "task", line.Kind)
	require.Equal(t, "b1", line.BatchID)
	require.Equal(t, "Success", line.Status)
}

func TestWriter_WriteSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)

	b := &task.Batch{
		ID:     "b1",
		Status: task.BatchCompleted,
		Tasks: map[string]*task.Task{
			"t1": {Status: task.StatusSuccess},
			"t2": {Status: task.StatusSuccess},
		},
	}
	require.NoError(t, w.WriteSummary(b))

	var line SummaryLine
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, 2, line.Total)
	require.Equal(t, 2, line.Success)
	require.InDelta(t, 100.0, line.Progress, 0.001)
}

func TestWriter_MultipleLinesAreNewlineDelimited(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteBatchEvent(pubsub.BatchEvent{BatchID: "b1", Status: "Running"}))
	require.NoError(t, w.WriteBatchEvent(pubsub.BatchEvent{BatchID: "b1", Status: "Completed"}))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
}
