package upstream

import "context"

// FileState mirrors the upload's server-side processing state, distinct
// from the adapter's own Uploading/Pending/Active/Generated/Failed
// lifecycle (UploadState in adapter.go) — FileState is what the remote
// service reports, while UploadState is the adapter's own stage.
type FileState string

const (
	FileStateProcessing FileState = "PROCESSING"
	FileStateActive      FileState = "ACTIVE"
	FileStateFailed       FileState = "FAILED"
)

// RemoteFile is the adapter's view of an uploaded file handle.
type RemoteFile struct {
	Name  string
	URI   string
	State FileState
	Error string
}

// GenerateParams carries the per-template knobs the prompt-template
// collaborator attaches to a rendered prompt.
type GenerateParams struct {
	Model       string
	Prompt      string
	Temperature float32
	MaxTokens   int32
}

// GenerateResult is the raw text the remote model returned.
type GenerateResult struct {
	Text string
}

// genaiClient is the narrow surface the adapter needs from the remote
// multimodal inference service: upload a local file, poll its processing
// state, generate content against it, and best-effort delete it
// afterward. realGenaiClient implements this against
// google.golang.org/genai; fakeGenaiClient (in the test file) implements
// it for tests.
type genaiClient interface {
	UploadFile(ctx context.Context, path, mimeType string) (*RemoteFile, error)
	GetFile(ctx context.Context, name string) (*RemoteFile, error)
	GenerateContent(ctx context.Context, fileURI string, params GenerateParams) (*GenerateResult, error)
	DeleteFile(ctx context.Context, name string) error
}
