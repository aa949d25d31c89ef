package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcefall/sourcefall/internal/utils"
)

func newTestLedger() *Ledger {
	return New(3, 5*time.Minute, 60*time.Minute, nil)
}

func TestUnknownResourceIsAvailable(t *testing.T) {
	l := newTestLedger()
	assert.True(t, l.IsAvailable("never-seen"))
}

func TestRecordSuccessResetsStreak(t *testing.T) {
	l := newTestLedger()

	l.RecordFailure("api", FailureGeneric)
	l.RecordFailure("api", FailureGeneric)
	l.RecordSuccess("api", 100*time.Millisecond)

	snap := l.Snapshot("api")
	assert.Equal(t, StatusClosed, snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, int64(2), snap.FailureCount)
	assert.True(t, l.IsAvailable("api"))
}

func TestLatencyEMA(t *testing.T) {
	l := newTestLedger()

	l.RecordSuccess("api", 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, l.Snapshot("api").AvgLatency)

	// 0.3*200 + 0.7*100 = 130ms
	l.RecordSuccess("api", 200*time.Millisecond)
	assert.InDelta(t, float64(130*time.Millisecond), float64(l.Snapshot("api").AvgLatency), float64(time.Millisecond))
}

func TestConsecutiveFailuresOpenCircuit(t *testing.T) {
	l := newTestLedger()

	l.RecordFailure("api", FailureGeneric)
	l.RecordFailure("api", FailureGeneric)
	assert.True(t, l.IsAvailable("api"), "two failures must not open the circuit")

	l.RecordFailure("api", FailureGeneric)
	snap := l.Snapshot("api")
	assert.Equal(t, StatusCircuitOpen, snap.Status)
	assert.False(t, l.IsAvailable("api"))

	// Generic cooldown lands ~5 minutes out.
	remaining := snap.CooldownUntil.Sub(utils.NowUTC())
	assert.Greater(t, remaining, 4*time.Minute)
	assert.LessOrEqual(t, remaining, 5*time.Minute)
}

func TestRateLimitForcesLongCooldown(t *testing.T) {
	l := newTestLedger()

	// A single rate-limited failure with zero prior streak.
	l.RecordFailure("api", FailureRateLimited)

	snap := l.Snapshot("api")
	require.Equal(t, StatusCircuitOpen, snap.Status)
	assert.False(t, l.IsAvailable("api"))

	remaining := snap.CooldownUntil.Sub(utils.NowUTC())
	assert.Greater(t, remaining, 59*time.Minute, "rate limit must use the long cooldown")
}

func TestHalfOpenProbe(t *testing.T) {
	l := New(1, 30*time.Millisecond, time.Hour, nil)

	l.RecordFailure("api", FailureGeneric)
	require.Equal(t, StatusCircuitOpen, l.Snapshot("api").Status)
	require.False(t, l.IsAvailable("api"))

	time.Sleep(50 * time.Millisecond)

	// Cooldown elapsed: eligible again, but only as a probe.
	require.True(t, l.IsAvailable("api"))
	assert.Equal(t, StatusHalfOpen, l.Snapshot("api").Status)

	// The probe success closes the circuit for good.
	l.RecordSuccess("api", 10*time.Millisecond)
	assert.Equal(t, StatusClosed, l.Snapshot("api").Status)
	assert.True(t, l.Snapshot("api").CooldownUntil.IsZero())
}

func TestFailedProbeReopensCircuit(t *testing.T) {
	l := New(1, 30*time.Millisecond, time.Hour, nil)

	l.RecordFailure("api", FailureGeneric)
	time.Sleep(50 * time.Millisecond)
	require.True(t, l.IsAvailable("api"))

	l.RecordFailure("api", FailureGeneric)
	snap := l.Snapshot("api")
	assert.Equal(t, StatusCircuitOpen, snap.Status)
	assert.False(t, l.IsAvailable("api"))
}

func TestPriorityScore(t *testing.T) {
	l := newTestLedger()

	// Untried: full success rate, no recency bonus, full speed bonus.
	assert.InDelta(t, 0.5, l.PriorityScore("untried"), 0.001)

	// Fresh fast success: 1.0 * 1.0 * ~1.0.
	l.RecordSuccess("fast", 50*time.Millisecond)
	assert.InDelta(t, 0.99, l.PriorityScore("fast"), 0.011)

	// Slow resources lose the speed bonus, floored at 0.5.
	l.RecordSuccess("slow", 30*time.Second)
	assert.InDelta(t, 0.5, l.PriorityScore("slow"), 0.001)

	// Failures drag the success rate down.
	l.RecordSuccess("flaky", 50*time.Millisecond)
	l.RecordFailure("flaky", FailureGeneric)
	score := l.PriorityScore("flaky")
	assert.Less(t, score, l.PriorityScore("fast"))
}

func TestSnapshotAll(t *testing.T) {
	l := newTestLedger()

	l.RecordSuccess("a", 10*time.Millisecond)
	l.RecordFailure("b", FailureGeneric)

	all := l.SnapshotAll()
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all["a"].SuccessCount)
	assert.Equal(t, int64(1), all["b"].FailureCount)
}

func TestConcurrentAccess(t *testing.T) {
	l := newTestLedger()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				l.RecordSuccess("shared", time.Millisecond)
				l.RecordFailure("shared", FailureGeneric)
				l.IsAvailable("shared")
				l.PriorityScore("shared")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	snap := l.Snapshot("shared")
	assert.Equal(t, int64(1600), snap.SuccessCount)
	assert.Equal(t, int64(1600), snap.FailureCount)
}
