package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidlesson/lessonbatch/internal/classify"
	"github.com/vidlesson/lessonbatch/internal/taskerr"
)

// fakeGenaiClient scripts a sequence of responses per call, letting tests
// simulate upload failures, processing delays, and generate retries
// without touching the real SDK.
type fakeGenaiClient struct {
	uploadErr    error
	pollStates   []FileState // successive GetFile responses
	pollIdx      int
	generateErrs []error // successive GenerateContent responses, nil = success
	generateIdx  int
	deleted      []string
}

func (f *fakeGenaiClient) UploadFile(_ context.Context, _, _ string) (*RemoteFile, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &RemoteFile{Name: "files/abc", URI: "gs://abc", State: FileStateProcessing}, nil
}

func (f *fakeGenaiClient) GetFile(_ context.Context, name string) (*RemoteFile, error) {
	state := FileStateActive
	if f.pollIdx < len(f.pollStates) {
		state = f.pollStates[f.pollIdx]
		f.pollIdx++
	}
	rf := &RemoteFile{Name: name, URI: "gs://abc", State: state}
	if state == FileStateFailed {
		rf.Error = "processing failed upstream"
	}
	return rf, nil
}

func (f *fakeGenaiClient) GenerateContent(_ context.Context, _ string, _ GenerateParams) (*GenerateResult, error) {
	var err error
	if f.generateIdx < len(f.generateErrs) {
		err = f.generateErrs[f.generateIdx]
	}
	f.generateIdx++
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Text: "lesson plan text"}, nil
}

func (f *fakeGenaiClient) DeleteFile(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeReporter struct {
	calls []struct {
		credID  string
		success bool
		class   taskerr.Class
	}
}

func (r *fakeReporter) RecordOutcome(credentialID string, success bool, class taskerr.Class, _ time.Time) error {
	r.calls = append(r.calls, struct {
		credID  string
		success bool
		class   taskerr.Class
	}{credentialID, success, class})
	return nil
}

// RotateToNext satisfies credentialRotator without actually rotating;
// fakeReporter-backed tests don't exercise cross-key rotation.
func (r *fakeReporter) RotateToNext() (string, error) {
	return "", nil
}

// fakeRotator is a credentialRotator that actually rotates, round-robin,
// over a fixed credential id list, for tests exercising the QuotaExhausted
// rotate-and-retry path.
type fakeRotator struct {
	ids     []string
	current int
}

func (r *fakeRotator) RecordOutcome(string, bool, taskerr.Class, time.Time) error { return nil }

func (r *fakeRotator) RotateToNext() (string, error) {
	r.current = (r.current + 1) % len(r.ids)
	return r.ids[r.current], nil
}

func newTestAdapter(reporter credentialRotator) *Adapter {
	a := New(Config{DailyRequestCap: 0, MaxInternalRetries: 3, ClassifyConfig: classify.DefaultConfig}, reporter)
	a.sleep = func(context.Context, time.Duration) error { return nil } // no real waiting in tests
	return a
}

func TestAdapter_HappyPath(t *testing.T) {
	t.Parallel()

	client := &fakeGenaiClient{pollStates: []FileState{FileStateActive}}
	reporter := &fakeReporter{}
	a := newTestAdapter(reporter)

	result, err := a.Process(context.Background(), Credential{ID: "K1", Client: client}, "/videos/a.mp4", "chinese_transcript", GenerateParams{Model: "gemini-2.0-flash", Prompt: "summarize"})
	require.NoError(t, err)
	require.Equal(t, "lesson plan text", result.Text)
	require.Equal(t, 1, result.Attempts)
	require.Len(t, client.deleted, 1)
	require.NotEmpty(t, reporter.calls)
	require.True(t, reporter.calls[len(reporter.calls)-1].success)
}

func TestAdapter_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	client := &fakeGenaiClient{}
	a := newTestAdapter(nil)

	_, err := a.Process(context.Background(), Credential{ID: "K1", Client: client}, "/videos/a.txt", "chinese_transcript", GenerateParams{})
	require.Error(t, err)
	te, ok := taskerr.As(err)
	require.True(t, ok)
	require.Equal(t, taskerr.ClassFile, te.Class)
}

func TestAdapter_RetriesNetworkErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	client := &fakeGenaiClient{
		pollStates:   []FileState{FileStateActive},
		generateErrs: []error{errString("network timeout"), errString("network timeout"), nil},
	}
	a := newTestAdapter(nil)

	result, err := a.Process(context.Background(), Credential{ID: "K1", Client: client}, "/videos/a.mp4", "t", GenerateParams{})
	require.NoError(t, err)
	require.Equal(t, 3, result.Attempts)
}

func TestAdapter_NonRetryableErrorShortCircuits(t *testing.T) {
	t.Parallel()

	client := &fakeGenaiClient{
		pollStates:   []FileState{FileStateActive},
		generateErrs: []error{errString("401 invalid api key")},
	}
	a := newTestAdapter(nil)

	_, err := a.Process(context.Background(), Credential{ID: "K1", Client: client}, "/videos/a.mp4", "t", GenerateParams{})
	require.Error(t, err)
	te, ok := taskerr.As(err)
	require.True(t, ok)
	require.Equal(t, taskerr.ClassAuth, te.Class)
}

func TestAdapter_PollFailedStateSurfacesError(t *testing.T) {
	t.Parallel()

	client := &fakeGenaiClient{pollStates: []FileState{FileStateFailed}}
	a := newTestAdapter(nil)

	_, err := a.Process(context.Background(), Credential{ID: "K1", Client: client}, "/videos/a.mp4", "t", GenerateParams{})
	require.Error(t, err)
}

func TestAdapter_DailyQuotaExhausted(t *testing.T) {
	t.Parallel()

	client := &fakeGenaiClient{pollStates: []FileState{FileStateActive}}
	a := New(Config{DailyRequestCap: 1, MaxInternalRetries: 1, ClassifyConfig: classify.DefaultConfig}, nil)
	a.sleep = func(context.Context, time.Duration) error { return nil }

	// First quota unit is consumed by the upload call itself.
	_, err := a.Process(context.Background(), Credential{ID: "K1", Client: client}, "/videos/a.mp4", "t", GenerateParams{})
	require.Error(t, err)
	te, ok := taskerr.As(err)
	require.True(t, ok)
	require.Equal(t, taskerr.ClassQuotaExhausted, te.Class)
}

func TestAdapter_RotatesCredentialOnQuotaExhausted(t *testing.T) {
	t.Parallel()

	clientK1 := &fakeGenaiClient{
		pollStates:   []FileState{FileStateActive},
		generateErrs: []error{errString("quota exceeded for this project")},
	}
	clientK2 := &fakeGenaiClient{pollStates: []FileState{FileStateActive}}

	rotator := &fakeRotator{ids: []string{"K1", "K2"}}
	a := newTestAdapter(rotator)
	a.SetCredentials([]Credential{{ID: "K1", Client: clientK1}, {ID: "K2", Client: clientK2}})

	result, err := a.Process(context.Background(), Credential{ID: "K1", Client: clientK1}, "/videos/a.mp4", "chinese_transcript", GenerateParams{})
	require.NoError(t, err)
	require.Equal(t, "K2", result.CredentialID)
	require.Equal(t, 2, result.Attempts)
	require.Equal(t, 1, clientK2.generateIdx)
}

func TestAdapter_QuotaExhaustedWithoutRotationFailsFast(t *testing.T) {
	t.Parallel()

	client := &fakeGenaiClient{
		pollStates:   []FileState{FileStateActive},
		generateErrs: []error{errString("quota exceeded for this project")},
	}
	a := newTestAdapter(nil)

	_, err := a.Process(context.Background(), Credential{ID: "K1", Client: client}, "/videos/a.mp4", "t", GenerateParams{})
	require.Error(t, err)
	te, ok := taskerr.As(err)
	require.True(t, ok)
	require.Equal(t, taskerr.ClassQuotaExhausted, te.Class)
}

func TestSupportedFormats(t *testing.T) {
	t.Parallel()

	formats := SupportedFormats()
	require.Contains(t, formats, ".mp4")
	require.Contains(t, formats, ".mov")
	require.Len(t, formats, 6)
}

// errString is a minimal error type so test tables can construct plain
// error values without importing the errors package for every case.
type errString string

func (e errString) Error() string { return string(e) }
