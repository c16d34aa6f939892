// Package upstream implements the upstream adapter (component C4): the
// thin per-task driver that uploads a local video, polls until the remote
// service finishes processing it, and requests a generated analysis —
// classifying any failure via internal/classify, reporting outcomes to a
// internal/keyrotator.Rotator, and rotating to a different credential when
// the current one reports QuotaExhausted.
package upstream

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vidlesson/lessonbatch/internal/classify"
	"github.com/vidlesson/lessonbatch/internal/taskerr"
)

// UploadState is the adapter's own lifecycle for one task's interaction
// with the remote service, independent of the remote file's own
// PROCESSING/ACTIVE/FAILED state.
type UploadState string

const (
	UploadStateUploading UploadState = "Uploading"
	UploadStatePending   UploadState = "Pending"
	UploadStateActive    UploadState = "Active"
	UploadStateGenerated UploadState = "Generated"
	UploadStateFailed    UploadState = "Failed"
)

var mimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
}

// SupportedFormats returns the set of video file extensions (with leading
// dot, lowercase) the adapter knows how to MIME-type.
func SupportedFormats() []string {
	out := make([]string, 0, len(mimeTypes))
	for ext := range mimeTypes {
		out = append(out, ext)
	}
	return out
}

func mimeTypeFor(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mt, ok := mimeTypes[ext]
	if !ok {
		return "", taskerr.New(taskerr.ClassFile, fmt.Sprintf("unsupported video format %q", ext))
	}
	return mt, nil
}

const (
	pollInterval    = 10 * time.Second
	pollTimeout     = 600 * time.Second
	defaultMaxRetry = 3
)

// Config bounds the adapter's per-process behavior.
type Config struct {
	// DailyRequestCap bounds upload+poll+generate calls per process,
	// representative of the free-tier quota. Zero disables the cap.
	DailyRequestCap int
	// MaxInternalRetries bounds the retry-and-rotate loop inside
	// Process, separate from the orchestrator-level Arbiter retries.
	MaxInternalRetries int
	ClassifyConfig     classify.Config
}

// DefaultConfig matches the spec's stated defaults.
var DefaultConfig = Config{DailyRequestCap: 100, MaxInternalRetries: defaultMaxRetry, ClassifyConfig: classify.DefaultConfig}

// Credential is one (client, rotator-visible id) pairing. One worker binds
// to exactly one Credential for its lifetime.
type Credential struct {
	ID     string
	Client genaiClient
}

// credentialRotator is the subset of internal/keyrotator.Rotator the
// adapter needs: report success/failure back, and rotate to a different
// credential when the current one reports QuotaExhausted, without
// importing the full selection surface.
type credentialRotator interface {
	RecordOutcome(credentialID string, success bool, errClass taskerr.Class, now time.Time) error
	RotateToNext() (string, error)
}

// Adapter executes one task's upstream interaction end-to-end.
type Adapter struct {
	cfg      Config
	reporter credentialRotator
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	// credentials is every configured credential, keyed by ID, so the
	// retry loop can resolve the id RotateToNext hands back to an actual
	// client. Populated once via SetCredentials before the first Process
	// call; read-only afterwards, so safe for concurrent workers.
	credentials map[string]Credential

	mu           sync.Mutex
	requestCount int
	requestDay   time.Time
}

// New constructs an Adapter. reporter may be nil if outcome reporting is
// handled elsewhere (e.g. in tests).
func New(cfg Config, reporter credentialRotator) *Adapter {
	return &Adapter{
		cfg:        cfg,
		reporter:   reporter,
		now:        time.Now,
		sleep:      contextSleep,
		requestDay: time.Now(),
	}
}

// SetCredentials gives the adapter visibility into every configured
// credential, keyed by ID, so its internal retry loop can rotate to a
// different one on QuotaExhausted instead of only reporting the outcome.
// Call once, before the first Process call; the adapter is otherwise
// shared read-only across worker goroutines.
func (a *Adapter) SetCredentials(creds []Credential) {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		m[c.ID] = c
	}
	a.credentials = m
}

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is what Process returns on success: the generated text plus
// metadata the caller attaches to the task record.
type Result struct {
	Text           string
	Model          string
	TemplateName   string
	FileName       string
	ProcessingTime time.Duration
	Attempts       int
	RequestCount   int
	CredentialID   string
}

// consumeQuota enforces the daily request cap, resetting the counter once
// a day boundary has passed. Every upload, poll, and generate call
// consumes one unit.
func (a *Adapter) consumeQuota() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.DailyRequestCap <= 0 {
		return nil
	}
	if a.now().Sub(a.requestDay) >= 24*time.Hour {
		a.requestDay = a.now()
		a.requestCount = 0
	}
	if a.requestCount >= a.cfg.DailyRequestCap {
		return taskerr.New(taskerr.ClassQuotaExhausted, "daily request quota exhausted")
	}
	a.requestCount++
	return nil
}

// Process drives one task through upload -> poll -> generate -> cleanup on
// the given credential. templateName/model/prompt/temperature/maxTokens
// come from the (out-of-scope) prompt-template collaborator.
func (a *Adapter) Process(ctx context.Context, cred Credential, videoPath, templateName string, params GenerateParams) (*Result, error) {
	start := a.now()

	mimeType, err := mimeTypeFor(videoPath)
	if err != nil {
		a.report(cred.ID, false, taskerr.ClassFile)
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxInternalRetries; attempt++ {
		result, err := a.processOnce(ctx, cred, videoPath, mimeType, templateName, params)
		if err == nil {
			result.ProcessingTime = a.now().Sub(start)
			result.Attempts = attempt
			return result, nil
		}

		lastErr = err
		te, _ := taskerr.As(err)

		// QuotaExhausted has no same-key retry policy (it is terminal by
		// design, per classify.PolicyFor) — retrying against the same
		// credential would always be a no-op. Rotate to a different
		// credential and retry immediately, with no backoff, instead.
		if te != nil && te.Class == taskerr.ClassQuotaExhausted {
			if next, ok := a.rotateCredential(cred); ok {
				cred = next
				continue
			}
		}

		if te == nil || !te.Retryable {
			return nil, err
		}

		delay := time.Duration(3) * time.Second
		if te.RetryAfter != nil {
			delay = time.Duration(*te.RetryAfter * float64(time.Second))
		}
		if sleepErr := a.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, lastErr
}

// rotateCredential asks the rotator for the credential after cred,
// returning ok=false when rotation isn't possible: no rotator configured,
// fewer than two credentials known to the adapter, or the rotator's next
// id isn't one SetCredentials was given.
func (a *Adapter) rotateCredential(cred Credential) (Credential, bool) {
	if a.reporter == nil || len(a.credentials) < 2 {
		return Credential{}, false
	}
	nextID, err := a.reporter.RotateToNext()
	if err != nil || nextID == "" || nextID == cred.ID {
		return Credential{}, false
	}
	next, ok := a.credentials[nextID]
	if !ok {
		return Credential{}, false
	}
	return next, true
}

// processOnce runs exactly one upload/poll/generate/cleanup pass, walking
// the adapter's Uploading -> Pending -> Active -> (Generated|Failed)
// state machine; only the Active state permits generate.
func (a *Adapter) processOnce(ctx context.Context, cred Credential, videoPath, mimeType, templateName string, params GenerateParams) (*Result, error) {
	if err := a.consumeQuota(); err != nil {
		a.report(cred.ID, false, taskerr.ClassOf(err))
		return nil, err
	}
	remote, err := cred.Client.UploadFile(ctx, videoPath, mimeType)
	if err != nil {
		te := classify.Classify(err.Error(), a.cfg.ClassifyConfig)
		a.report(cred.ID, false, te.Class)
		return nil, te
	}

	remote, err = a.pollUntilActive(ctx, cred, remote)
	if err != nil {
		return nil, err
	}

	if err := a.consumeQuota(); err != nil {
		a.report(cred.ID, false, taskerr.ClassOf(err))
		return nil, err
	}
	genResult, err := cred.Client.GenerateContent(ctx, remote.URI, params)
	if err != nil {
		te := classify.Classify(err.Error(), a.cfg.ClassifyConfig)
		a.report(cred.ID, false, te.Class)
		return nil, te
	}

	// Best-effort cleanup; failures here are logged by the caller but do
	// not affect the task's outcome.
	_ = cred.Client.DeleteFile(ctx, remote.Name)

	a.report(cred.ID, true, "")

	return &Result{
		Text:         genResult.Text,
		Model:        params.Model,
		TemplateName: templateName,
		FileName:     filepath.Base(videoPath),
		RequestCount: a.requestsUsed(),
		CredentialID: cred.ID,
	}, nil
}

func (a *Adapter) pollUntilActive(ctx context.Context, cred Credential, remote *RemoteFile) (*RemoteFile, error) {
	deadline := a.now().Add(pollTimeout)
	for {
		switch remote.State {
		case FileStateActive:
			return remote, nil
		case FileStateFailed:
			return nil, classify.Classify(fmt.Sprintf("upstream file processing failed: %s", remote.Error), a.cfg.ClassifyConfig)
		}

		if a.now().After(deadline) {
			return nil, taskerr.New(taskerr.ClassTimeout, "timed out waiting for file to become active")
		}

		if err := a.sleep(ctx, pollInterval); err != nil {
			return nil, err
		}

		if err := a.consumeQuota(); err != nil {
			return nil, err
		}
		next, err := cred.Client.GetFile(ctx, remote.Name)
		if err != nil {
			return nil, classify.Classify(err.Error(), a.cfg.ClassifyConfig)
		}
		remote = next
	}
}

func (a *Adapter) report(credentialID string, success bool, class taskerr.Class) {
	if a.reporter == nil || credentialID == "" {
		return
	}
	_ = a.reporter.RecordOutcome(credentialID, success, class, a.now())
}

func (a *Adapter) requestsUsed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestCount
}
