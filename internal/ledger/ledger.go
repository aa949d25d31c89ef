package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sourcefall/sourcefall/internal/utils"
)

// Status is the circuit state of a single resource.
type Status int

const (
	StatusClosed Status = iota
	StatusHalfOpen
	StatusCircuitOpen
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusHalfOpen:
		return "half_open"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// FailureKind classifies a failed attempt. RateLimited failures force a long
// cooldown immediately; everything else counts toward the consecutive-failure
// threshold.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureRateLimited
)

const (
	// emaSmoothingFactor weights the newest latency sample in the moving average.
	emaSmoothingFactor = 0.3
	// recencyWindow is how long a success keeps the full recency bonus.
	recencyWindow = 5 * time.Minute
)

// record is the mutable health state of one resource. Records are created
// lazily on first use and live for the process lifetime; per-record locking
// keeps concurrent Fetch calls on different resources from contending.
type record struct {
	mu                  sync.Mutex
	status              Status
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	avgLatency          time.Duration
	lastSuccess         time.Time
	cooldownUntil       time.Time
}

// RecordSnapshot is a read-only copy of one resource's health state.
type RecordSnapshot struct {
	Status              Status
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int
	AvgLatency          time.Duration
	LastSuccess         time.Time
	CooldownUntil       time.Time
}

// Ledger tracks per-resource health and circuit state. It is safe for
// concurrent use; the record map is a lock-free xsync.Map and each record
// carries its own mutex.
type Ledger struct {
	records          *xsync.Map[string, *record]
	failureThreshold int
	fixedCooldown    time.Duration
	rateLimitCooldown time.Duration
	logger           *slog.Logger
}

// New creates a ledger. failureThreshold is the consecutive-failure count
// that opens the circuit; fixedCooldown applies to generic failures and
// rateLimitCooldown to rate-limited ones.
func New(failureThreshold int, fixedCooldown, rateLimitCooldown time.Duration, logger *slog.Logger) *Ledger {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if fixedCooldown <= 0 {
		fixedCooldown = 5 * time.Minute
	}
	if rateLimitCooldown <= 0 {
		rateLimitCooldown = 60 * time.Minute
	}
	return &Ledger{
		records:           xsync.NewMap[string, *record](),
		failureThreshold:  failureThreshold,
		fixedCooldown:     fixedCooldown,
		rateLimitCooldown: rateLimitCooldown,
		logger:            logger,
	}
}

func (l *Ledger) get(id string) *record {
	rec, _ := l.records.LoadOrStore(id, &record{status: StatusClosed})
	return rec
}

// IsAvailable reports whether a resource may appear in a candidate list.
// A resource whose cooldown has elapsed moves to HalfOpen here: it becomes
// eligible for a single probe, and only a recorded success closes the
// circuit again.
func (l *Ledger) IsAvailable(id string) bool {
	rec := l.get(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.status {
	case StatusClosed, StatusHalfOpen:
		return rec.cooldownUntil.IsZero() || !utils.NowUTC().Before(rec.cooldownUntil)
	case StatusCircuitOpen:
		if !utils.NowUTC().Before(rec.cooldownUntil) {
			rec.status = StatusHalfOpen
			if l.logger != nil {
				l.logger.Info("Cooldown elapsed, resource eligible for probe",
					"resource", id,
				)
			}
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful attempt and its latency.
func (l *Ledger) RecordSuccess(id string, latency time.Duration) {
	rec := l.get(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.successCount++
	rec.consecutiveFailures = 0
	rec.lastSuccess = utils.NowUTC()

	if rec.avgLatency == 0 {
		rec.avgLatency = latency
	} else {
		rec.avgLatency = time.Duration(
			emaSmoothingFactor*float64(latency) + (1-emaSmoothingFactor)*float64(rec.avgLatency),
		)
	}

	if rec.status != StatusClosed {
		if l.logger != nil {
			l.logger.Info("Resource recovered",
				"resource", id,
				"previous_status", rec.status.String(),
			)
		}
		rec.status = StatusClosed
	}
	rec.cooldownUntil = time.Time{}
}

// RecordFailure registers a failed attempt. RateLimited always opens the
// circuit with the long cooldown regardless of streak, since retrying sooner
// is known-futile. Generic failures open it after failureThreshold in a row.
func (l *Ledger) RecordFailure(id string, kind FailureKind) {
	rec := l.get(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.failureCount++
	rec.consecutiveFailures++

	now := utils.NowUTC()
	switch {
	case kind == FailureRateLimited:
		rec.status = StatusCircuitOpen
		rec.cooldownUntil = now.Add(l.rateLimitCooldown)
		if l.logger != nil {
			l.logger.Warn("Resource rate limited, circuit opened",
				"resource", id,
				"cooldown_until", rec.cooldownUntil.Format(time.RFC3339),
			)
		}
	case rec.consecutiveFailures >= l.failureThreshold:
		rec.status = StatusCircuitOpen
		rec.cooldownUntil = now.Add(l.fixedCooldown)
		if l.logger != nil {
			l.logger.Warn("Failure threshold reached, circuit opened",
				"resource", id,
				"consecutive_failures", rec.consecutiveFailures,
				"cooldown_until", rec.cooldownUntil.Format(time.RFC3339),
			)
		}
	}
}

// PriorityScore ranks a resource for tie-breaking inside a tier. Callers must
// never use it to reorder across tiers; tier always dominates.
func (l *Ledger) PriorityScore(id string) float64 {
	rec := l.get(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	attempts := rec.successCount + rec.failureCount
	successRate := 1.0
	if attempts > 0 {
		successRate = float64(rec.successCount) / float64(attempts)
	}

	recencyBonus := 0.5
	if !rec.lastSuccess.IsZero() && utils.NowUTC().Sub(rec.lastSuccess) <= recencyWindow {
		recencyBonus = 1.0
	}

	speedBonus := 1.0 - rec.avgLatency.Seconds()/5.0
	if speedBonus < 0.5 {
		speedBonus = 0.5
	}

	return successRate * recencyBonus * speedBonus
}

// Snapshot returns a copy of one resource's health record.
func (l *Ledger) Snapshot(id string) RecordSnapshot {
	rec := l.get(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return snapshotLocked(rec)
}

// SnapshotAll returns a copy of every known health record keyed by resource id.
func (l *Ledger) SnapshotAll() map[string]RecordSnapshot {
	out := make(map[string]RecordSnapshot)
	l.records.Range(func(id string, rec *record) bool {
		rec.mu.Lock()
		out[id] = snapshotLocked(rec)
		rec.mu.Unlock()
		return true
	})
	return out
}

func snapshotLocked(rec *record) RecordSnapshot {
	return RecordSnapshot{
		Status:              rec.status,
		SuccessCount:        rec.successCount,
		FailureCount:        rec.failureCount,
		ConsecutiveFailures: rec.consecutiveFailures,
		AvgLatency:          rec.avgLatency,
		LastSuccess:         rec.lastSuccess,
		CooldownUntil:       rec.cooldownUntil,
	}
}
