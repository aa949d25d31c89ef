package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcefall_fetches_total",
			Help: "Total number of logical fetches",
		},
		[]string{"category", "status"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcefall_attempts_total",
			Help: "Total number of per-resource attempts",
		},
		[]string{"resource", "status"},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sourcefall_attempt_duration_seconds",
			Help:    "Attempt duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"resource"},
	)

	ResourceAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sourcefall_resource_available",
			Help: "Availability for each resource (1 = selectable, 0 = cooling down)",
		},
		[]string{"resource"},
	)

	ResourceCooldownSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sourcefall_resource_cooldown_seconds",
			Help: "Seconds until a cooling-down resource becomes selectable again",
		},
		[]string{"resource"},
	)

	CandidateRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcefall_candidate_rejected_total",
			Help: "Total number of times a resource was rejected during candidate selection",
		},
		[]string{"reason"},
	)

	EscalationSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcefall_escalation_steps_total",
			Help: "Total number of winning access steps by step name",
		},
		[]string{"step"},
	)

	TierWins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcefall_tier_wins_total",
			Help: "Which tier ultimately served each successful fetch",
		},
		[]string{"tier"},
	)

	ProxyPoolActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sourcefall_proxy_pool_active",
			Help: "Number of active proxies in the pool",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

func (m *Metrics) RecordFetch(category string, success bool) {
	if !m.isEnabled() {
		return
	}
	status := "success"
	if !success {
		status = "exhausted"
	}
	FetchesTotal.WithLabelValues(category, status).Inc()
}

func (m *Metrics) RecordAttempt(resource string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	AttemptsTotal.WithLabelValues(resource, strconv.Itoa(statusCode)).Inc()
	AttemptDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *Metrics) RecordCandidateRejected(reason string) {
	if !m.isEnabled() {
		return
	}
	CandidateRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEscalationStep(step string) {
	if !m.isEnabled() {
		return
	}
	EscalationSteps.WithLabelValues(step).Inc()
}

func (m *Metrics) RecordTierWin(tier string) {
	if !m.isEnabled() {
		return
	}
	TierWins.WithLabelValues(tier).Inc()
}

func (m *Metrics) UpdateResourceAvailability(resource string, available bool, cooldownRemaining time.Duration) {
	if !m.isEnabled() {
		return
	}
	value := 0.0
	if available {
		value = 1.0
	}
	ResourceAvailable.WithLabelValues(resource).Set(value)
	if cooldownRemaining < 0 {
		cooldownRemaining = 0
	}
	ResourceCooldownSeconds.WithLabelValues(resource).Set(cooldownRemaining.Seconds())
}

func (m *Metrics) UpdateProxyPoolActive(count int) {
	if !m.isEnabled() {
		return
	}
	ProxyPoolActive.Set(float64(count))
}
