package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// SettlementMetrics wraps collectors tracking the DvP settlement daemon.
type SettlementMetrics struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	legs          *prometheus.CounterVec
	scheduleLat   *prometheus.HistogramVec
	polls         *prometheus.CounterVec
	retries       *prometheus.CounterVec
	attention     *prometheus.CounterVec
	handshakes    *prometheus.CounterVec
	lastSettledAt prometheus.Gauge
}

// Settlement exposes the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Settlement runs segmented by scenario and outcome.",
			}, []string{"scenario", "outcome"}),
			runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "run_duration_seconds",
				Help:      "Wall time from handshake to final bundle outcome.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600, 7200},
			}, []string{"scenario"}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "runs_in_flight",
				Help:      "Settlement runs currently executing.",
			}),
			legs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "legs_total",
				Help:      "Leg schedule attempts segmented by ledger, kind and result.",
			}, []string{"ledger", "kind", "result"}),
			scheduleLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "schedule_duration_seconds",
				Help:      "Latency of leg schedule calls until acknowledgement.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"ledger"}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "status_polls_total",
				Help:      "Bundle status observations segmented by ledger and status.",
			}, []string{"ledger", "status"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "transport_retries_total",
				Help:      "Transport retries segmented by ledger and operation.",
			}, []string{"ledger", "operation"}),
			attention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "attention_total",
				Help:      "Runs flagged for operator attention segmented by reason.",
			}, []string{"reason"}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "handshakes_total",
				Help:      "Trade matching handshakes segmented by form and result.",
			}, []string{"form", "result"}),
			lastSettledAt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "dvp",
				Subsystem: "settlement",
				Name:      "last_settled_timestamp_seconds",
				Help:      "Unix time of the most recent fully executed bundle.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.runs,
			settlementRegistry.runDuration,
			settlementRegistry.inFlight,
			settlementRegistry.legs,
			settlementRegistry.scheduleLat,
			settlementRegistry.polls,
			settlementRegistry.retries,
			settlementRegistry.attention,
			settlementRegistry.handshakes,
			settlementRegistry.lastSettledAt,
		)
	})
	return settlementRegistry
}

func label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// RunStarted increments the in-flight gauge.
func (m *SettlementMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// RunFinished records a completed run and decrements the in-flight gauge.
func (m *SettlementMetrics) RunFinished(scenario, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.runs.WithLabelValues(label(scenario), label(outcome)).Inc()
	if elapsed > 0 {
		m.runDuration.WithLabelValues(label(scenario)).Observe(elapsed.Seconds())
	}
}

// RecordLeg counts a schedule attempt and, on success, its latency.
func (m *SettlementMetrics) RecordLeg(ledger, kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.legs.WithLabelValues(label(ledger), label(kind), label(result)).Inc()
	if elapsed > 0 {
		m.scheduleLat.WithLabelValues(label(ledger)).Observe(elapsed.Seconds())
	}
}

// RecordPoll counts one status observation.
func (m *SettlementMetrics) RecordPoll(ledger, status string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(label(ledger), label(status)).Inc()
}

// RecordRetry counts one transport retry.
func (m *SettlementMetrics) RecordRetry(ledger, operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(ledger), label(operation)).Inc()
}

// RecordAttention counts a run that needs an operator.
func (m *SettlementMetrics) RecordAttention(reason string) {
	if m == nil {
		return
	}
	m.attention.WithLabelValues(label(reason)).Inc()
}

// RecordHandshake counts a matching handshake result.
func (m *SettlementMetrics) RecordHandshake(form, result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(label(form), label(result)).Inc()
}

// MarkSettled stamps the time of the latest fully executed bundle.
func (m *SettlementMetrics) MarkSettled(at time.Time) {
	if m == nil {
		return
	}
	m.lastSettledAt.Set(float64(at.Unix()))
}
