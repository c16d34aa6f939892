package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemplateFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestStore_LoadDirSingleTemplate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemplateFile(t, dir, "chinese_transcript.yaml", `
name: chinese_transcript
model: gemini-2.5-pro
temperature: 0.4
max_tokens: 4096
parameters:
  - video_duration
prompt: "Summarize this {{.video_duration}} minute lesson."
`)

	s := NewStore("gemini-2.5-flash", 0.7, 8192)
	require.NoError(t, s.LoadDir(dir))

	params, err := s.Render(context.Background(), "chinese_transcript", map[string]any{"video_duration": "45"})
	require.NoError(t, err)
	require.Equal(t, "gemini-2.5-pro", params.Model)
	require.InDelta(t, 0.4, params.Temperature, 0.001)
	require.Contains(t, params.Prompt, "45 minute lesson")
}

func TestStore_LoadDirMultiTemplateFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemplateFile(t, dir, "bundle.yaml", `
templates:
  a:
    prompt: "A prompt"
  b:
    prompt: "B prompt"
`)

	s := NewStore("gemini-2.5-flash", 0.7, 8192)
	require.NoError(t, s.LoadDir(dir))

	pa, err := s.Render(context.Background(), "a", nil)
	require.NoError(t, err)
	require.Equal(t, "A prompt", pa.Prompt)
	require.Equal(t, "gemini-2.5-flash", pa.Model)

	pb, err := s.Render(context.Background(), "b", nil)
	require.NoError(t, err)
	require.Equal(t, "B prompt", pb.Prompt)
}

func TestStore_RenderMissingParameterFails(t *testing.T) {
	t.Parallel()

	s := NewStore("gemini-2.5-flash", 0.7, 8192)
	s.Register(Definition{Name: "needs-param", Parameters: []string{"subject"}, Prompt: "About {{.subject}}"})

	_, err := s.Render(context.Background(), "needs-param", map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "subject")
}

func TestStore_RenderUnknownTemplateFails(t *testing.T) {
	t.Parallel()

	s := NewStore("gemini-2.5-flash", 0.7, 8192)
	_, err := s.Render(context.Background(), "nope", nil)
	require.Error(t, err)
}
