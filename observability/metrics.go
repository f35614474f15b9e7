package observability

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cdpledger/core/types"
)

// LedgerMetrics tracks ledger state transitions.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	poolTotals *prometheus.GaugeVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics
)

// Ledger returns the lazily-initialised ledger metrics registered with the
// default Prometheus registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cdp",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			poolTotals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cdp",
				Name:      "pool_totals",
				Help:      "Pool aggregate counters segmented by asset and kind (collateral, debt).",
			}, []string{"asset", "kind"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.poolTotals,
		)
	})
	return ledgerRegistry
}

// OutcomeClassifier maps an operation error to a stable outcome label.
type OutcomeClassifier func(error) string

// ObserveOperation records one ledger operation.
func (m *LedgerMetrics) ObserveOperation(op string, err error, duration time.Duration, classify OutcomeClassifier) {
	if m == nil {
		return
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if classify != nil {
			if label := classify(err); label != "" {
				outcome = label
			}
		}
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetPoolTotals publishes the committed totals of a pool.
func (m *LedgerMetrics) SetPoolTotals(asset string, collateral, debt uint64) {
	if m == nil {
		return
	}
	asset = types.NormalizeAsset(asset)
	m.poolTotals.WithLabelValues(asset, "collateral").Set(float64(collateral))
	m.poolTotals.WithLabelValues(asset, "debt").Set(float64(debt))
}

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	throttles *prometheus.CounterVec
}

// ModuleMetrics returns the registry recording HTTP module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total HTTP module requests segmented by module, method and status class.",
			}, []string{"module", "method", "class"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(moduleRegistry.requests, moduleRegistry.throttles)
	})
	return moduleRegistry
}

// Observe records the final HTTP status of a module request.
func (m *moduleMetrics) Observe(module, method string, status int) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	}
	m.requests.WithLabelValues(module, method, class).Inc()
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// ErrorLabel returns the first sentinel in sentinels that err wraps, rendered
// as a metric label, or "error".
func ErrorLabel(err error, sentinels map[error]string) string {
	for sentinel, label := range sentinels {
		if errors.Is(err, sentinel) {
			return label
		}
	}
	return "error"
}
