package observability

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"dvpsettle/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the counter of structured events by type.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of settlement and reference-ledger events by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Record counts one event of eventType.
func (m *eventMetrics) Record(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// EventLog is an events.Emitter that counts every event and writes it to a
// structured logger at debug level, attention events at warn.
type EventLog struct {
	logger  *slog.Logger
	metrics *eventMetrics
}

// NewEventLog logs through logger, or slog.Default when nil.
func NewEventLog(logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{logger: logger.With(slog.String("component", "events")), metrics: Events()}
}

// Emit implements events.Emitter.
func (l *EventLog) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	l.metrics.Record(eventType)
	attrs := []any{slog.String("type", eventType)}
	if rec, ok := evt.(events.Record); ok {
		keys := make([]string, 0, len(rec.Attributes))
		for k := range rec.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, slog.String(k, rec.Attributes[k]))
		}
	}
	if strings.Contains(eventType, "attention") {
		l.logger.Warn("event", attrs...)
		return
	}
	l.logger.Debug("event", attrs...)
}

var _ events.Emitter = (*EventLog)(nil)
