// Package keyrotator implements the key rotator (component C3): pick the
// best credential among those configured, record outcomes, rotate away
// from an exhausted or failing one, and persist usage stats atomically to
// a JSON file so they survive across process restarts.
package keyrotator

import (
	"fmt"
	"sync"
	"time"

	"github.com/vidlesson/lessonbatch/internal/taskerr"
)

// Status mirrors the closed set of credential health states.
type Status string

const (
	StatusActive         Status = "Active"
	StatusQuotaExhausted Status = "QuotaExhausted"
	StatusRateLimited    Status = "RateLimited"
	StatusInvalid        Status = "Invalid"
	StatusUnknown        Status = "Unknown"
)

const (
	consecutiveFailureThreshold = 5
	minRequestsForSuccessRate   = 10
	minHealthySuccessRate       = 0.5

	// recentWindow bounds the rolling outcomes ring folded from
	// multi_key_manager.py's recent-request tracking: once a full window
	// has been observed, a credential whose last 10 calls skew unhealthy
	// loses out in Select even if its all-time counters still look fine.
	recentWindow = 10
)

// UsageStats is the per-credential usage record, persisted verbatim to the
// usage JSON file.
type UsageStats struct {
	CredentialID        string    `json:"credential_id"`
	TotalRequests       int       `json:"total_requests"`
	SuccessfulRequests  int       `json:"successful_requests"`
	FailedRequests      int       `json:"failed_requests"`
	QuotaExhaustedCount int       `json:"quota_exhausted_count"`
	RateLimitedCount    int       `json:"rate_limited_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CurrentStatus       Status    `json:"current_status"`
	LastUsed            time.Time `json:"last_used,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	FirstUsed           time.Time `json:"first_used,omitzero"`

	// RecentOutcomes is a fixed-size ring of the last recentWindow
	// successes (true) and failures (false); RecentPos is the next slot
	// to write, RecentFilled the number of slots populated so far (caps
	// at recentWindow).
	RecentOutcomes [recentWindow]bool `json:"recent_outcomes"`
	RecentPos      int                `json:"recent_pos"`
	RecentFilled   int                `json:"recent_filled"`
}

// SuccessRate returns the fraction of requests that succeeded, or 0 if
// none have been made yet.
func (s UsageStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// RecentSuccessRate returns the success rate over just the last
// recentWindow requests, or 0 if none have been recorded yet.
func (s UsageStats) RecentSuccessRate() float64 {
	if s.RecentFilled == 0 {
		return 0
	}
	successes := 0
	for i := 0; i < s.RecentFilled; i++ {
		if s.RecentOutcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(s.RecentFilled)
}

func (s *UsageStats) recordRecent(success bool) {
	s.RecentOutcomes[s.RecentPos] = success
	s.RecentPos = (s.RecentPos + 1) % recentWindow
	if s.RecentFilled < recentWindow {
		s.RecentFilled++
	}
}

// Healthy reports whether the credential meets the rotator's selection
// criteria: not Invalid, consecutive failures within threshold, and (once
// enough requests have been observed) an all-time and a recent success
// rate at or above the minimum.
func (s UsageStats) Healthy() bool {
	if s.CurrentStatus == StatusInvalid {
		return false
	}
	if s.ConsecutiveFailures > consecutiveFailureThreshold {
		return false
	}
	if s.TotalRequests >= minRequestsForSuccessRate && s.SuccessRate() < minHealthySuccessRate {
		return false
	}
	if s.RecentFilled == recentWindow && s.RecentSuccessRate() < minHealthySuccessRate {
		return false
	}
	return true
}

// persister is the minimal interface the rotator needs to durably store
// usage stats; internal/statestore's atomic-JSON writer implements it.
type persister interface {
	SaveJSON(path string, v any) error
}

// Rotator owns the set of configured credentials, their usage stats, and
// the round-robin cursor used when no credential looks healthy.
type Rotator struct {
	mu          sync.Mutex
	credentials []string // fingerprint IDs, in configured order
	usage       map[string]*UsageStats
	current     int

	usagePath string
	store     persister
}

// New constructs a Rotator over the given credential fingerprint IDs.
// usagePath is where usage stats are persisted; store performs the actual
// atomic write. A single-credential Rotator degenerates to identity plus
// bookkeeping, per the selection policy.
func New(credentialIDs []string, usagePath string, store persister) *Rotator {
	r := &Rotator{
		credentials: append([]string(nil), credentialIDs...),
		usage:       make(map[string]*UsageStats),
		usagePath:   usagePath,
		store:       store,
	}
	for _, id := range credentialIDs {
		r.usage[id] = &UsageStats{CredentialID: id, CurrentStatus: StatusUnknown}
	}
	return r
}

// LoadUsage seeds the rotator's in-memory stats from a previously persisted
// usage map, keyed by credential id. Entries for credentials not currently
// configured are ignored.
func (r *Rotator) LoadUsage(loaded map[string]UsageStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, stats := range loaded {
		if _, ok := r.usage[id]; ok {
			s := stats
			r.usage[id] = &s
		}
	}
}

// Current returns the fingerprint id of the currently selected credential.
func (r *Rotator) Current() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

func (r *Rotator) currentLocked() (string, error) {
	if len(r.credentials) == 0 {
		return "", fmt.Errorf("keyrotator: no credentials configured")
	}
	return r.credentials[r.current], nil
}

// Select applies the C3 selection policy: among healthy credentials,
// choose the one minimizing (consecutive_failures, -success_rate). If
// none are healthy, fall back to round-robin over the full set and report
// degraded=true so the caller can log a warning.
func (r *Rotator) Select() (credentialID string, degraded bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.credentials) == 0 {
		return "", false, fmt.Errorf("keyrotator: no credentials configured")
	}
	if len(r.credentials) == 1 {
		r.current = 0
		return r.credentials[0], false, nil
	}

	bestIdx := -1
	for i, id := range r.credentials {
		stats := r.usage[id]
		if stats == nil || !stats.Healthy() {
			continue
		}
		if bestIdx == -1 {
			bestIdx = i
			continue
		}
		if betterCandidate(stats, r.usage[r.credentials[bestIdx]]) {
			bestIdx = i
		}
	}

	if bestIdx == -1 {
		r.current = (r.current + 1) % len(r.credentials)
		return r.credentials[r.current], true, nil
	}

	r.current = bestIdx
	return r.credentials[bestIdx], false, nil
}

// betterCandidate reports whether a minimizes (consecutive_failures,
// -success_rate) more than b.
func betterCandidate(a, b *UsageStats) bool {
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	return a.SuccessRate() > b.SuccessRate()
}

// RotateToNext advances the round-robin cursor to the next credential,
// for use when the caller observed QuotaExhausted or a persistent failure
// on the current one. Returns the newly current credential.
func (r *Rotator) RotateToNext() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.credentials) == 0 {
		return "", fmt.Errorf("keyrotator: no credentials configured")
	}
	r.current = (r.current + 1) % len(r.credentials)
	return r.credentials[r.current], nil
}

// RecordOutcome updates the usage stats for credentialID after an upstream
// call, deriving its current status from errClass (empty string on
// success), and persists the updated usage map atomically.
func (r *Rotator) RecordOutcome(credentialID string, success bool, errClass taskerr.Class, now time.Time) error {
	r.mu.Lock()
	stats, ok := r.usage[credentialID]
	if !ok {
		stats = &UsageStats{CredentialID: credentialID}
		r.usage[credentialID] = stats
	}

	stats.TotalRequests++
	stats.LastUsed = now
	if stats.FirstUsed.IsZero() {
		stats.FirstUsed = now
	}
	stats.recordRecent(success)
	if success {
		stats.SuccessfulRequests++
		stats.ConsecutiveFailures = 0
		stats.LastSuccess = now
		stats.CurrentStatus = StatusActive
	} else {
		stats.FailedRequests++
		stats.ConsecutiveFailures++
		stats.LastFailure = now
		switch errClass {
		case taskerr.ClassQuotaExhausted:
			stats.QuotaExhaustedCount++
			stats.CurrentStatus = StatusQuotaExhausted
		case taskerr.ClassRateLimit:
			stats.RateLimitedCount++
			stats.CurrentStatus = StatusRateLimited
		case taskerr.ClassAuth:
			stats.CurrentStatus = StatusInvalid
		default:
			if stats.CurrentStatus == "" {
				stats.CurrentStatus = StatusUnknown
			}
		}
	}

	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if r.store == nil || r.usagePath == "" {
		return nil
	}
	return r.store.SaveJSON(r.usagePath, snapshot)
}

func (r *Rotator) snapshotLocked() map[string]UsageStats {
	out := make(map[string]UsageStats, len(r.usage))
	for id, s := range r.usage {
		out[id] = *s
	}
	return out
}

// Snapshot returns a copy of all credentials' current usage stats.
func (r *Rotator) Snapshot() map[string]UsageStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// ProjectedExhaustion folds scripts/api_quota_monitor.py's time-to-exhaustion
// projection into the rotator: it estimates the average interval between
// QuotaExhausted outcomes for credentialID from the span since its first
// recorded request, and reports how long from now the next one is due.
// ok is false when too little history has accumulated to project anything
// (no requests yet, or no QuotaExhausted outcome observed at all). This is
// informational only, folded into a log line when a task's credential
// reports QuotaExhausted; it never drives rotation or retry decisions.
func (r *Rotator) ProjectedExhaustion(credentialID string, now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.usage[credentialID]
	if !ok || stats.QuotaExhaustedCount == 0 || stats.FirstUsed.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(stats.FirstUsed)
	if elapsed <= 0 {
		return 0, false
	}
	perExhaustion := elapsed / time.Duration(stats.QuotaExhaustedCount)
	if stats.LastFailure.IsZero() {
		return perExhaustion, true
	}
	eta := perExhaustion - now.Sub(stats.LastFailure)
	if eta < 0 {
		eta = 0
	}
	return eta, true
}

// Degenerate reports whether the rotator has only a single credential
// configured, in which case Select always returns it and rotation is a
// no-op beyond bookkeeping.
func (r *Rotator) Degenerate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.credentials) <= 1
}
