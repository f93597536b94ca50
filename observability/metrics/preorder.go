package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type PreorderMetrics struct {
	transitions    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	totalCollected prometheus.Gauge
	escrowBalance  prometheus.Gauge
}

var (
	preorderOnce     sync.Once
	preorderRegistry *PreorderMetrics
)

func Preorder() *PreorderMetrics {
	preorderOnce.Do(func() {
		preorderRegistry = &PreorderMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "preorder_transitions_total",
				Help: "Count of successful campaign transitions by operation.",
			}, []string{"op"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "preorder_transition_failures_total",
				Help: "Count of rejected campaign transitions by operation.",
			}, []string{"op"}),
			totalCollected: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "preorder_total_collected",
				Help: "Sum of amounts paid by non-refunded buyers.",
			}),
			escrowBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "preorder_escrow_balance",
				Help: "Funds currently held in the campaign vault.",
			}),
		}
		prometheus.MustRegister(
			preorderRegistry.transitions,
			preorderRegistry.failures,
			preorderRegistry.totalCollected,
			preorderRegistry.escrowBalance,
		)
	})
	return preorderRegistry
}

func (m *PreorderMetrics) ObserveTransition(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.transitions.WithLabelValues(op).Inc()
}

func (m *PreorderMetrics) ObserveFailure(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.failures.WithLabelValues(op).Inc()
}

func (m *PreorderMetrics) SetTotalCollected(amount float64) {
	if m == nil {
		return
	}
	m.totalCollected.Set(amount)
}

func (m *PreorderMetrics) SetEscrowBalance(amount float64) {
	if m == nil {
		return
	}
	m.escrowBalance.Set(amount)
}
