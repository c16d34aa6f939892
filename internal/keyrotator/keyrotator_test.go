package keyrotator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidlesson/lessonbatch/internal/taskerr"
)

type fakeStore struct {
	saved map[string]any
}

func (f *fakeStore) SaveJSON(path string, v any) error {
	if f.saved == nil {
		f.saved = make(map[string]any)
	}
	f.saved[path] = v
	return nil
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	require.Equal(t, "AIza...9Zxk", Fingerprint("AIzaSyABCDEFGH123456789Zxk"))
	require.Equal(t, "short-key", Fingerprint("short"))
}

func TestRotator_DegenerateSingleCredential(t *testing.T) {
	t.Parallel()

	r := New([]string{"K1"}, "", nil)
	require.True(t, r.Degenerate())

	id, degraded, err := r.Select()
	require.NoError(t, err)
	require.False(t, degraded)
	require.Equal(t, "K1", id)
}

func TestRotator_SelectsHealthiestCandidate(t *testing.T) {
	t.Parallel()

	r := New([]string{"K1", "K2"}, "", nil)
	now := time.Now()

	// K1 accumulates failures; K2 stays clean.
	require.NoError(t, r.RecordOutcome("K1", false, taskerr.ClassServer, now))
	require.NoError(t, r.RecordOutcome("K1", false, taskerr.ClassServer, now))
	require.NoError(t, r.RecordOutcome("K2", true, "", now))

	id, degraded, err := r.Select()
	require.NoError(t, err)
	require.False(t, degraded)
	require.Equal(t, "K2", id)
}

func TestRotator_FallsBackToRoundRobinWhenNoneHealthy(t *testing.T) {
	t.Parallel()

	r := New([]string{"K1", "K2"}, "", nil)
	now := time.Now()

	for i := 0; i < 6; i++ {
		require.NoError(t, r.RecordOutcome("K1", false, taskerr.ClassAuth, now))
		require.NoError(t, r.RecordOutcome("K2", false, taskerr.ClassAuth, now))
	}

	_, degraded, err := r.Select()
	require.NoError(t, err)
	require.True(t, degraded)
}

func TestRotator_RotateToNextAdvancesCursor(t *testing.T) {
	t.Parallel()

	r := New([]string{"K1", "K2", "K3"}, "", nil)
	next, err := r.RotateToNext()
	require.NoError(t, err)
	require.Equal(t, "K2", next)

	next, err = r.RotateToNext()
	require.NoError(t, err)
	require.Equal(t, "K3", next)

	next, err = r.RotateToNext()
	require.NoError(t, err)
	require.Equal(t, "K1", next)
}

func TestRotator_RecordOutcomeDerivesStatus(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := New([]string{"K1"}, "logs/api_key_usage.json", store)
	now := time.Now()

	require.NoError(t, r.RecordOutcome("K1", false, taskerr.ClassQuotaExhausted, now))
	snap := r.Snapshot()
	require.Equal(t, StatusQuotaExhausted, snap["K1"].CurrentStatus)
	require.Equal(t, 1, snap["K1"].QuotaExhaustedCount)
	require.Contains(t, store.saved, "logs/api_key_usage.json")

	require.NoError(t, r.RecordOutcome("K1", true, "", now))
	snap = r.Snapshot()
	require.Equal(t, StatusActive, snap["K1"].CurrentStatus)
	require.Equal(t, 0, snap["K1"].ConsecutiveFailures)
}

func TestUsageStats_HealthyThresholds(t *testing.T) {
	t.Parallel()

	s := UsageStats{TotalRequests: 20, SuccessfulRequests: 5, ConsecutiveFailures: 1}
	require.False(t, s.Healthy()) // success rate 0.25 < 0.5 with >10 requests

	s2 := UsageStats{TotalRequests: 20, SuccessfulRequests: 15, ConsecutiveFailures: 6}
	require.False(t, s2.Healthy()) // consecutive failures > 5

	s3 := UsageStats{TotalRequests: 20, SuccessfulRequests: 15, ConsecutiveFailures: 2}
	require.True(t, s3.Healthy())
}

func TestUsageStats_RecentSuccessRateOverridesStaleAllTimeHealth(t *testing.T) {
	t.Parallel()

	r := New([]string{"K1", "K2"}, "", nil)
	now := time.Now()

	// K1 had a clean history, then its last 10 calls all failed — all-time
	// success rate still looks fine, but the recent window should not.
	for i := 0; i < 20; i++ {
		require.NoError(t, r.RecordOutcome("K1", true, "", now))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, r.RecordOutcome("K1", false, taskerr.ClassServer, now))
	}
	require.NoError(t, r.RecordOutcome("K2", true, "", now))

	snap := r.Snapshot()
	require.False(t, snap["K1"].Healthy())
	require.Equal(t, 0.0, snap["K1"].RecentSuccessRate())

	id, degraded, err := r.Select()
	require.NoError(t, err)
	require.False(t, degraded)
	require.Equal(t, "K2", id)
}

func TestRotator_ProjectedExhaustion(t *testing.T) {
	t.Parallel()

	r := New([]string{"K1"}, "", nil)
	start := time.Now()

	_, ok := r.ProjectedExhaustion("K1", start)
	require.False(t, ok, "no requests recorded yet")

	require.NoError(t, r.RecordOutcome("K1", false, taskerr.ClassQuotaExhausted, start))
	later := start.Add(100 * time.Second)
	require.NoError(t, r.RecordOutcome("K1", false, taskerr.ClassQuotaExhausted, later))

	eta, ok := r.ProjectedExhaustion("K1", later)
	require.True(t, ok)
	require.GreaterOrEqual(t, eta, time.Duration(0))
}

func TestRotator_LoadUsageSeedsState(t *testing.T) {
	t.Parallel()

	r := New([]string{"K1", "K2"}, "", nil)
	r.LoadUsage(map[string]UsageStats{
		"K1": {CredentialID: "K1", TotalRequests: 5, SuccessfulRequests: 5, CurrentStatus: StatusActive},
		"K3": {CredentialID: "K3"}, // not configured, should be ignored
	})

	snap := r.Snapshot()
	require.Equal(t, 5, snap["K1"].TotalRequests)
	require.NotContains(t, snap, "K3")
}
