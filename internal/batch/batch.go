// Package batch implements the batch orchestrator (component C6): the
// top-level driver that turns an input directory of videos into a Batch of
// Tasks, dispatches them across a fixed-size pool of credential-bound
// workers, drives each task through classification, retry, and the
// upstream adapter, and persists progress via the state store.
package batch

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/vidlesson/lessonbatch/internal/statestore"
	"github.com/vidlesson/lessonbatch/internal/upstream"
)

// PromptRenderer is the abstract prompt-template collaborator: given a
// template name and the rendering parameters, produce the prompt text and
// the model knobs to invoke it with. The template store itself is out of
// scope; this interface is what the orchestrator needs from it.
type PromptRenderer interface {
	Render(ctx context.Context, templateName string, params map[string]any) (upstream.GenerateParams, error)
}

// ArtifactWriter is the abstract file-writer collaborator: persist
// generated lesson text to a destination path, creating parent directories
// as needed.
type ArtifactWriter interface {
	Write(ctx context.Context, path, content string) error
}

// OutputPath is the pure function (output_dir, template, video stem) ->
// canonical output path the spec requires: resume always targets the same
// file regardless of how many times a task is retried.
func OutputPath(outputDir, template, videoPath string) string {
	base := filepath.Base(videoPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, template, stem+".md")
}

// hashFile resolves path's SHA-256 through the orchestrator's optional
// HashCache, falling back to a direct, uncached hash when none is
// configured.
func (o *Orchestrator) hashFile(ctx context.Context, path string) (string, error) {
	if o.collab.HashCache == nil {
		return statestore.HashFile(path)
	}
	return o.collab.HashCache.HashFile(ctx, path)
}
