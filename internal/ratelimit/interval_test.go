package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitFirstCallImmediate(t *testing.T) {
	l := NewIntervalLimiter()

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "doh", 100*time.Millisecond))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitEnforcesInterval(t *testing.T) {
	l := NewIntervalLimiter()

	require.NoError(t, l.Wait(context.Background(), "doh", 80*time.Millisecond))
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "doh", 80*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWaitKeysAreIndependent(t *testing.T) {
	l := NewIntervalLimiter()

	require.NoError(t, l.Wait(context.Background(), "doh", 200*time.Millisecond))
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "listing", 200*time.Millisecond))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitZeroIntervalNoop(t *testing.T) {
	l := NewIntervalLimiter()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(context.Background(), "doh", 0))
	}
}

func TestWaitContextCancelled(t *testing.T) {
	l := NewIntervalLimiter()
	require.NoError(t, l.Wait(context.Background(), "doh", time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "doh", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReset(t *testing.T) {
	l := NewIntervalLimiter()

	require.NoError(t, l.Wait(context.Background(), "doh", 200*time.Millisecond))
	l.Reset("doh")
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "doh", 200*time.Millisecond))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
