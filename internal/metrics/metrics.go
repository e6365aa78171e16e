package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	settlements *prometheus.CounterVec
	pending     prometheus.Gauge
	events      *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Committed escrow transitions by operation and resulting status.",
			}, []string{"operation", "status"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_operation_errors_total",
				Help: "Rejected escrow operations by operation and error kind.",
			}, []string{"operation", "kind"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_settlement_submissions_total",
				Help: "Settlement submissions by backend mode and result.",
			}, []string{"mode", "result"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_settlement_pending",
				Help: "Escrow records with an unconfirmed settlement intent.",
			}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_events_published_total",
				Help: "Escrow events handed to publishers by sink and result.",
			}, []string{"sink", "result"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.failures,
			escrowRegistry.settlements,
			escrowRegistry.pending,
			escrowRegistry.events,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveTransition(operation, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(operation), label(status)).Inc()
}

func (m *EscrowMetrics) ObserveFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(operation), label(kind)).Inc()
}

func (m *EscrowMetrics) ObserveSettlement(mode, result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(mode), label(result)).Inc()
}

func (m *EscrowMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *EscrowMetrics) ObserveEvent(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(label(sink), result).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
