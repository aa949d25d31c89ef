package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sourcefall/sourcefall/internal/utils"
)

// IntervalLimiter enforces a minimum time interval between operations per
// key. It guards the outbound calls this subsystem makes on its own behalf
// (DoH queries, proxy-listing refreshes) so that escalation bursts never
// hammer the resolvers or the listing source.
//
// Per-resource request pacing is a separate concern handled by the health
// ledger cooldowns. Thread-safe via internal mutex.
type IntervalLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewIntervalLimiter creates a new interval-based rate limiter.
func NewIntervalLimiter() *IntervalLimiter {
	return &IntervalLimiter{
		last: make(map[string]time.Time),
	}
}

// Wait blocks until the minimum interval has passed since the last operation
// for the key. If minInterval <= 0, returns immediately (no rate limiting).
// Returns error if context is cancelled while waiting.
func (l *IntervalLimiter) Wait(ctx context.Context, key string, minInterval time.Duration) error {
	if minInterval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := utils.NowUTC()
	last := l.last[key]
	waitFor := minInterval - now.Sub(last)
	if waitFor <= 0 {
		l.last[key] = now
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	timer := time.NewTimer(waitFor)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		l.mu.Lock()
		l.last[key] = utils.NowUTC()
		l.mu.Unlock()
		return nil
	}
}

// Reset clears the tracking for a specific key
func (l *IntervalLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, key)
}
