package batch

import (
	"github.com/vidlesson/lessonbatch/internal/hashcache"
	"github.com/vidlesson/lessonbatch/internal/keyrotator"
	"github.com/vidlesson/lessonbatch/internal/pubsub"
	"github.com/vidlesson/lessonbatch/internal/retry"
	"github.com/vidlesson/lessonbatch/internal/statestore"
	"github.com/vidlesson/lessonbatch/internal/upstream"
)

// Collaborators wires the orchestrator to the other components (C1-C5) and
// the two out-of-scope abstract collaborators (prompt templates, artifact
// writing) it drives every task through.
type Collaborators struct {
	Store   *statestore.Store
	Arbiter *retry.Arbiter
	Rotator *keyrotator.Rotator
	Adapter *upstream.Adapter

	// HashCache memoizes per-path SHA-256 sums across batch-creation and
	// resume-time drift checks. Optional: a nil HashCache falls back to
	// hashing the file directly on every call.
	HashCache *hashcache.Cache

	// Credentials lists every configured credential. Dispatch gives worker
	// i the home credential Credentials[i%len(Credentials)] only when there
	// is no Rotator or Rotator.Select fails; otherwise it takes the id that
	// Select returns, one call per worker, so several workers can share a
	// home credential and some credentials can have none. Adapter
	// internally rotates away from it on QuotaExhausted (see
	// internal/upstream), so a worker's home credential is its starting
	// point for a task, not a hard lifetime binding.
	Credentials []upstream.Credential

	Renderer PromptRenderer
	Writer   ArtifactWriter

	TaskEvents  *pubsub.Broker[pubsub.TaskEvent]
	BatchEvents *pubsub.Broker[pubsub.BatchEvent]
}

// ResolvePoolSize implements the spec's pool sizing rule: min(credentials,
// 8) once multiple credentials are configured, otherwise a conservative
// default of 2 workers sharing the single credential.
func ResolvePoolSize(numCredentials int) int {
	if numCredentials <= 1 {
		return 2
	}
	if numCredentials > 8 {
		return 8
	}
	return numCredentials
}
