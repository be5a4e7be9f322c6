package ldap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for pools and transactions.
// A nil *Metrics records nothing.
type Metrics struct {
	borrowLatency        *prometheus.HistogramVec
	exhaustedTotal       *prometheus.CounterVec
	createdTotal         *prometheus.CounterVec
	destroyedTotal       *prometheus.CounterVec
	connections          *prometheus.GaugeVec
	transactionsTotal    *prometheus.CounterVec
	compensationFailures prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// BorrowLatency tracks how long Borrow waited, per mode
		borrowLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ldaptx_pool_borrow_duration_seconds",
				Help:    "Time spent waiting for a pooled connection",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		exhaustedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldaptx_pool_exhausted_total",
				Help: "Borrows that failed because the pool was exhausted",
			},
			[]string{"mode"},
		),
		createdTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldaptx_pool_connections_created_total",
				Help: "Connections created by the pool",
			},
			[]string{"mode"},
		),
		destroyedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldaptx_pool_connections_destroyed_total",
				Help: "Connections destroyed by the pool",
			},
			[]string{"mode", "reason"},
		),
		connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ldaptx_pool_connections",
				Help: "Pooled connections by mode and state",
			},
			[]string{"mode", "state"},
		),
		transactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldaptx_transactions_total",
				Help: "Finished compensating transactions by outcome",
			},
			[]string{"outcome"},
		),
		compensationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ldaptx_compensation_failures_total",
				Help: "Rollback steps that failed",
			},
		),
	}
}

func (m *Metrics) observeBorrow(mode ConnectionMode, d time.Duration) {
	if m == nil {
		return
	}
	m.borrowLatency.WithLabelValues(mode.String()).Observe(d.Seconds())
}

func (m *Metrics) poolExhausted(mode ConnectionMode) {
	if m == nil {
		return
	}
	m.exhaustedTotal.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) connectionCreated(mode ConnectionMode) {
	if m == nil {
		return
	}
	m.createdTotal.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) connectionDestroyed(mode ConnectionMode, reason string) {
	if m == nil {
		return
	}
	m.destroyedTotal.WithLabelValues(mode.String(), reason).Inc()
}

func (m *Metrics) setConnections(mode ConnectionMode, active, idle int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(mode.String(), "active").Set(float64(active))
	m.connections.WithLabelValues(mode.String(), "idle").Set(float64(idle))
}

// TransactionFinished counts a finished transaction.
func (m *Metrics) TransactionFinished(outcome string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(outcome).Inc()
}

// CompensationFailed counts failed rollback steps.
func (m *Metrics) CompensationFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.compensationFailures.Add(float64(n))
}
