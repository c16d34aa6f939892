package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/genai"

	"github.com/vidlesson/lessonbatch/internal/obslog"
)

// realGenaiClient drives the actual Gemini Developer API (or Vertex AI,
// depending on how the embedded *genai.Client was configured) through the
// official SDK. One instance is bound to exactly one credential for its
// lifetime, matching the orchestrator's one-worker-one-credential rule.
type realGenaiClient struct {
	client *genai.Client
}

// NewGenAIClient constructs the SDK client for a single API key. A nil
// httpClient is replaced by internal/obslog's retrying HTTP client (with
// request logging when the default logger has debug enabled), so transient
// socket failures are retried before they reach internal/classify.
func NewGenAIClient(ctx context.Context, apiKey string, httpClient *http.Client) (genaiClient, error) {
	if httpClient == nil {
		httpClient = obslog.NewHTTPClientWithRetry(slog.Default().Enabled(ctx, slog.LevelDebug))
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: new genai client: %w", err)
	}
	return &realGenaiClient{client: client}, nil
}

// NewVertexAIClient constructs the SDK client against a Vertex AI project
// and location instead of a bare API key — the credential in this mode is
// whatever application-default credentials the environment provides.
func NewVertexAIClient(ctx context.Context, project, location string, httpClient *http.Client) (genaiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:    project,
		Location:   location,
		Backend:    genai.BackendVertexAI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: new vertex ai client: %w", err)
	}
	return &realGenaiClient{client: client}, nil
}

func (c *realGenaiClient) UploadFile(ctx context.Context, path, mimeType string) (*RemoteFile, error) {
	f, err := c.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mimeType})
	if err != nil {
		return nil, err
	}
	return toRemoteFile(f), nil
}

func (c *realGenaiClient) GetFile(ctx context.Context, name string) (*RemoteFile, error) {
	f, err := c.client.Files.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return toRemoteFile(f), nil
}

func (c *realGenaiClient) GenerateContent(ctx context.Context, fileURI string, params GenerateParams) (*GenerateResult, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(fileURI, ""),
			genai.NewPartFromText(params.Prompt),
		}, genai.RoleUser),
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(params.Temperature),
		MaxOutputTokens: params.MaxTokens,
	}

	resp, err := c.client.Models.GenerateContent(ctx, params.Model, contents, cfg)
	if err != nil {
		return nil, err
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("upstream: empty response from model %s", params.Model)
	}
	return &GenerateResult{Text: text}, nil
}

func (c *realGenaiClient) DeleteFile(ctx context.Context, name string) error {
	_, err := c.client.Files.Delete(ctx, name)
	return err
}

func toRemoteFile(f *genai.File) *RemoteFile {
	rf := &RemoteFile{Name: f.Name, URI: f.URI}
	switch f.State {
	case genai.FileStateActive:
		rf.State = FileStateActive
	case genai.FileStateFailed:
		rf.State = FileStateFailed
		if f.Error != nil {
			rf.Error = f.Error.Message
		}
	default:
		rf.State = FileStateProcessing
	}
	return rf
}
