package observability

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "cdpledger/events"

type eventMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	// droppedOTel mirrors dropped on the OTLP pipeline so lagging
	// subscribers show up next to the exported traces.
	droppedOTel metric.Int64Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of committed ledger events segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of stream subscribers closed for falling behind, by the event that overflowed them.",
			}, []string{"type"}),
		}
		meter := otel.GetMeterProvider().Meter(meterName)
		counter, err := meter.Int64Counter("cdp.events.subscribers_dropped")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("cdp.events.subscribers_dropped")
		}
		eventRegistry.droppedOTel = counter
		prometheus.MustRegister(eventRegistry.published, eventRegistry.dropped)
	})
	return eventRegistry
}

func eventLabel(eventType string) string {
	trimmed := strings.TrimSpace(eventType)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// RecordPublished increments the published counter for eventType.
func (m *eventMetrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventLabel(eventType)).Inc()
}

// RecordDropped counts a subscriber closed while eventType was published.
func (m *eventMetrics) RecordDropped(eventType string) {
	if m == nil {
		return
	}
	label := eventLabel(eventType)
	m.dropped.WithLabelValues(label).Inc()
	if m.droppedOTel != nil {
		m.droppedOTel.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", label)))
	}
}
