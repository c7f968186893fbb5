// Package metrics содержит метрики Prometheus движка расчёта.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "settlement"

// Metrics содержит метрики оформления заказов.
type Metrics struct {
	checkouts       *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	compensations   *prometheus.CounterVec
	reconciliations prometheus.Gauge
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome code.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each settlement phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating actions by ledger and result.",
		}, []string{"ledger", "result"}),
		reconciliations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_reconciliations",
			Help:      "Checkouts waiting for manual reconciliation.",
		}),
	}
	reg.MustRegister(m.checkouts, m.phaseDuration, m.compensations, m.reconciliations)
	return m
}

// Checkout учитывает завершённое оформление. outcome равен "settled" или коду ошибки.
func (m *Metrics) Checkout(outcome string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
}

// ObservePhase фиксирует длительность фазы с момента start.
func (m *Metrics) ObservePhase(phase string, start time.Time) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Compensation учитывает компенсирующее действие.
func (m *Metrics) Compensation(ledger string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.compensations.WithLabelValues(ledger, result).Inc()
}

// SetPendingReconciliations обновляет число записей, ожидающих сверки.
func (m *Metrics) SetPendingReconciliations(n int) {
	if m == nil {
		return
	}
	m.reconciliations.Set(float64(n))
}
