package stats

import (
	"sort"
	"time"

	"github.com/sourcefall/sourcefall/internal/catalog"
	"github.com/sourcefall/sourcefall/internal/ledger"
	"github.com/sourcefall/sourcefall/internal/orchestrator"
	"github.com/sourcefall/sourcefall/internal/proxypool"
)

// Class buckets a resource by its observed track record.
type Class string

const (
	ClassHealthy  Class = "healthy"  // success rate >= 80%
	ClassDegraded Class = "degraded" // attempted, some successes, below 80%
	ClassFailed   Class = "failed"   // attempted, zero successes
	ClassUnused   Class = "unused"   // never attempted
)

const healthySuccessRate = 0.8

// ResourceReport is the aggregated view of one resource.
type ResourceReport struct {
	ID            string     `json:"id"`
	Category      string     `json:"category"`
	Tier          string     `json:"tier"`
	Status        string     `json:"status"`
	Class         Class      `json:"class"`
	Attempts      int64      `json:"attempts"`
	Successes     int64      `json:"successes"`
	Failures      int64      `json:"failures"`
	SuccessRate   float64    `json:"success_rate"`
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Snapshot is the full reporting aggregate. It is derived purely from the
// health ledger and an orchestrator counters snapshot: no side effects, and
// two snapshots with no intervening fetches are identical.
type Snapshot struct {
	TotalFetches    int64            `json:"total_fetches"`
	Successes       int64            `json:"successes"`
	Exhausted       int64            `json:"exhausted"`
	TierWins        map[string]int64 `json:"tier_wins"`
	Utilization     float64          `json:"utilization"`
	Resources       []ResourceReport `json:"resources"`
	TopPerformers   []string         `json:"top_performers"`
	WorstPerformers []string         `json:"worst_performers"`
	ProxyPool       []proxypool.Record `json:"proxy_pool,omitempty"`
}

// Reporter aggregates read-only statistics over the catalog, the health
// ledger, and the orchestrator counters.
type Reporter struct {
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	orch    *orchestrator.Orchestrator
	proxies *proxypool.Pool // optional
}

// NewReporter creates a reporter. proxies may be nil.
func NewReporter(cat *catalog.Catalog, led *ledger.Ledger, orch *orchestrator.Orchestrator, proxies *proxypool.Pool) *Reporter {
	return &Reporter{
		catalog: cat,
		ledger:  led,
		orch:    orch,
		proxies: proxies,
	}
}

// Snapshot builds the current aggregate. Resources are ordered by id so the
// output is deterministic.
func (r *Reporter) Snapshot() Snapshot {
	counters := r.orch.Counters()
	records := r.ledger.SnapshotAll()

	snap := Snapshot{
		TotalFetches: counters.TotalFetches,
		Successes:    counters.Successes,
		Exhausted:    counters.Exhausted,
		TierWins:     counters.TierWins,
	}

	attemptedCount := 0
	for _, cat := range r.catalog.Categories() {
		for _, res := range r.catalog.ListByCategory(cat) {
			report := buildResourceReport(res, records[res.ID])
			if report.Attempts > 0 {
				attemptedCount++
			}
			snap.Resources = append(snap.Resources, report)
		}
	}
	sort.Slice(snap.Resources, func(i, j int) bool {
		return snap.Resources[i].ID < snap.Resources[j].ID
	})

	if total := r.catalog.Len(); total > 0 {
		snap.Utilization = float64(attemptedCount) / float64(total)
	}

	snap.TopPerformers, snap.WorstPerformers = rankPerformers(snap.Resources)

	if r.proxies != nil {
		snap.ProxyPool = r.proxies.Snapshot()
	}
	return snap
}

func buildResourceReport(res catalog.Resource, rec ledger.RecordSnapshot) ResourceReport {
	attempts := rec.SuccessCount + rec.FailureCount
	report := ResourceReport{
		ID:           res.ID,
		Category:     res.Category,
		Tier:         res.Tier.String(),
		Status:       rec.Status.String(),
		Attempts:     attempts,
		Successes:    rec.SuccessCount,
		Failures:     rec.FailureCount,
		AvgLatencyMs: float64(rec.AvgLatency.Milliseconds()),
	}
	if attempts > 0 {
		report.SuccessRate = float64(rec.SuccessCount) / float64(attempts)
	}
	if !rec.LastSuccess.IsZero() {
		ts := rec.LastSuccess
		report.LastSuccess = &ts
	}
	if !rec.CooldownUntil.IsZero() {
		ts := rec.CooldownUntil
		report.CooldownUntil = &ts
	}

	switch {
	case attempts == 0:
		report.Class = ClassUnused
	case rec.SuccessCount == 0:
		report.Class = ClassFailed
	case report.SuccessRate >= healthySuccessRate:
		report.Class = ClassHealthy
	default:
		report.Class = ClassDegraded
	}
	return report
}

// rankPerformers returns up to three best and worst attempted resources by
// success rate, ties broken by id for determinism.
func rankPerformers(resources []ResourceReport) (top, worst []string) {
	attempted := make([]ResourceReport, 0, len(resources))
	for _, r := range resources {
		if r.Attempts > 0 {
			attempted = append(attempted, r)
		}
	}
	if len(attempted) == 0 {
		return nil, nil
	}

	sort.Slice(attempted, func(i, j int) bool {
		if attempted[i].SuccessRate != attempted[j].SuccessRate {
			return attempted[i].SuccessRate > attempted[j].SuccessRate
		}
		return attempted[i].ID < attempted[j].ID
	})

	limit := 3
	if len(attempted) < limit {
		limit = len(attempted)
	}
	for i := 0; i < limit; i++ {
		top = append(top, attempted[i].ID)
	}
	for i := 0; i < limit; i++ {
		worst = append(worst, attempted[len(attempted)-1-i].ID)
	}
	return top, worst
}
