package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics exposes Prometheus collectors covering escrow releases,
// inbound payment verification, and ledger endpoint behaviour.
type SettlementMetrics struct {
	releases        *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	submitLatency   *prometheus.HistogramVec
	raceLatency     *prometheus.HistogramVec
	endpointErrors  *prometheus.CounterVec
	reconciliations prometheus.Counter
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			releases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketpay",
				Subsystem: "settlement",
				Name:      "releases_total",
				Help:      "Escrow release attempts segmented by currency family and outcome.",
			}, []string{"family", "outcome"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketpay",
				Subsystem: "settlement",
				Name:      "verifications_total",
				Help:      "Inbound payment verifications segmented by outcome.",
			}, []string{"outcome"}),
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketpay",
				Subsystem: "settlement",
				Name:      "submit_duration_seconds",
				Help:      "End-to-end latency of transaction submission including confirmation.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"family"}),
			raceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketpay",
				Subsystem: "ledger",
				Name:      "race_duration_seconds",
				Help:      "Latency of endpoint-pool read races segmented by operation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			endpointErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketpay",
				Subsystem: "ledger",
				Name:      "endpoint_errors_total",
				Help:      "Failed ledger node attempts segmented by endpoint.",
			}, []string{"endpoint"}),
			reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "marketpay",
				Subsystem: "settlement",
				Name:      "reconciliations_total",
				Help:      "Releases whose funds moved but whose state write needs reconciliation.",
			}),
		}
		prometheus.MustRegister(
			settlementReg.releases,
			settlementReg.verifications,
			settlementReg.submitLatency,
			settlementReg.raceLatency,
			settlementReg.endpointErrors,
			settlementReg.reconciliations,
		)
	})
	return settlementReg
}

// RecordRelease counts a release attempt outcome for a currency family.
func (m *SettlementMetrics) RecordRelease(family, outcome string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(normalizeLabel(family), normalizeLabel(outcome)).Inc()
}

// RecordVerification counts an inbound verification outcome.
func (m *SettlementMetrics) RecordVerification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveSubmit records submission latency for a currency family.
func (m *SettlementMetrics) ObserveSubmit(family string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.WithLabelValues(normalizeLabel(family)).Observe(d.Seconds())
}

// ObserveRace records the latency of a completed endpoint race.
func (m *SettlementMetrics) ObserveRace(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.raceLatency.WithLabelValues(normalizeLabel(op)).Observe(d.Seconds())
}

// RecordEndpointError counts a failed attempt against a single endpoint.
func (m *SettlementMetrics) RecordEndpointError(endpoint string) {
	if m == nil {
		return
	}
	m.endpointErrors.WithLabelValues(strings.TrimSpace(endpoint)).Inc()
}

// RecordReconciliation counts a partial-success release needing operator attention.
func (m *SettlementMetrics) RecordReconciliation() {
	if m == nil {
		return
	}
	m.reconciliations.Inc()
}

func normalizeLabel(v string) string {
	trimmed := strings.ToLower(strings.TrimSpace(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
