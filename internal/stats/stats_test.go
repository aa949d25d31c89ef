package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcefall/sourcefall/internal/access"
	"github.com/sourcefall/sourcefall/internal/catalog"
	"github.com/sourcefall/sourcefall/internal/ledger"
	"github.com/sourcefall/sourcefall/internal/orchestrator"
	"github.com/sourcefall/sourcefall/internal/testhelpers"
)

func newTestReporter(t *testing.T, led *ledger.Ledger, resources ...catalog.Resource) (*Reporter, *orchestrator.Orchestrator) {
	t.Helper()
	cat, err := catalog.New(resources)
	require.NoError(t, err)
	orch := orchestrator.New(&orchestrator.Config{
		Catalog: cat,
		Ledger:  led,
		Access:  access.NewResolver(&access.Config{Logger: testhelpers.NewTestLogger()}),
		Logger:  testhelpers.NewTestLogger(),
	})
	return NewReporter(cat, led, orch, nil), orch
}

func TestSnapshotIsIdempotent(t *testing.T) {
	good := testhelpers.NewCountingServer(http.StatusOK, "payload")
	defer good.Close()
	bad := testhelpers.NewCountingServer(http.StatusInternalServerError, "boom")
	defer bad.Close()

	led := ledger.New(3, 5*time.Minute, time.Hour, testhelpers.NewTestLogger())
	reporter, orch := newTestReporter(t, led,
		testhelpers.NewTestResource("bad", "news", bad.URL, catalog.TierCritical),
		testhelpers.NewTestResource("good", "news", good.URL, catalog.TierHigh),
	)

	_, err := orch.Fetch(context.Background(), "news", orchestrator.RequestSpec{}, 0)
	require.NoError(t, err)

	first, err := json.Marshal(reporter.Snapshot())
	require.NoError(t, err)
	second, err := json.Marshal(reporter.Snapshot())
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second),
		"snapshots with no intervening fetches must be identical")
}

func TestSnapshotAggregates(t *testing.T) {
	good := testhelpers.NewCountingServer(http.StatusOK, "payload")
	defer good.Close()
	bad := testhelpers.NewCountingServer(http.StatusInternalServerError, "boom")
	defer bad.Close()

	led := ledger.New(3, 5*time.Minute, time.Hour, testhelpers.NewTestLogger())
	reporter, orch := newTestReporter(t, led,
		testhelpers.NewTestResource("bad", "news", bad.URL, catalog.TierCritical),
		testhelpers.NewTestResource("good", "news", good.URL, catalog.TierHigh),
		testhelpers.NewTestResource("idle", "news", good.URL, catalog.TierLow),
	)

	result, err := orch.Fetch(context.Background(), "news", orchestrator.RequestSpec{}, 0)
	require.NoError(t, err)
	require.Equal(t, "good", result.ResourceID)

	snap := reporter.Snapshot()

	assert.Equal(t, int64(1), snap.TotalFetches)
	assert.Equal(t, int64(1), snap.Successes)
	assert.Equal(t, int64(0), snap.Exhausted)
	assert.Equal(t, int64(1), snap.TierWins[catalog.TierHigh.String()])
	assert.InDelta(t, 2.0/3.0, snap.Utilization, 1e-9)

	require.Len(t, snap.Resources, 3)
	byID := make(map[string]ResourceReport, len(snap.Resources))
	for _, r := range snap.Resources {
		byID[r.ID] = r
	}
	assert.Equal(t, ClassFailed, byID["bad"].Class)
	assert.Equal(t, ClassHealthy, byID["good"].Class)
	assert.Equal(t, ClassUnused, byID["idle"].Class)
	assert.Equal(t, int64(1), byID["bad"].Failures)
	assert.Equal(t, int64(1), byID["good"].Successes)
	assert.NotNil(t, byID["good"].LastSuccess)
	assert.Nil(t, byID["idle"].LastSuccess)

	assert.Equal(t, []string{"good", "bad"}, snap.TopPerformers)
	assert.Equal(t, []string{"bad", "good"}, snap.WorstPerformers)
}

func TestResourceClassBuckets(t *testing.T) {
	led := ledger.New(10, 5*time.Minute, time.Hour, testhelpers.NewTestLogger())

	// healthy: 4/5, degraded: 1/2, failed: 0/2, unused: untouched
	for i := 0; i < 4; i++ {
		led.RecordSuccess("healthy", 10*time.Millisecond)
	}
	led.RecordFailure("healthy", ledger.FailureGeneric)
	led.RecordSuccess("degraded", 10*time.Millisecond)
	led.RecordFailure("degraded", ledger.FailureGeneric)
	led.RecordFailure("failed", ledger.FailureGeneric)
	led.RecordFailure("failed", ledger.FailureGeneric)

	reporter, _ := newTestReporter(t, led,
		testhelpers.NewTestResource("healthy", "news", "https://a.example.com", catalog.TierHigh),
		testhelpers.NewTestResource("degraded", "news", "https://b.example.com", catalog.TierHigh),
		testhelpers.NewTestResource("failed", "news", "https://c.example.com", catalog.TierHigh),
		testhelpers.NewTestResource("unused", "news", "https://d.example.com", catalog.TierHigh),
	)

	snap := reporter.Snapshot()
	byID := make(map[string]ResourceReport, len(snap.Resources))
	for _, r := range snap.Resources {
		byID[r.ID] = r
	}

	assert.Equal(t, ClassHealthy, byID["healthy"].Class)
	assert.InDelta(t, 0.8, byID["healthy"].SuccessRate, 1e-9)
	assert.Equal(t, ClassDegraded, byID["degraded"].Class)
	assert.Equal(t, ClassFailed, byID["failed"].Class)
	assert.Equal(t, ClassUnused, byID["unused"].Class)
	assert.Zero(t, byID["unused"].Attempts)
}
