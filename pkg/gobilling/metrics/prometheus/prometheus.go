// Package prommetrics provides a Prometheus implementation of the
// gobilling.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gobilling.Metrics using Prometheus.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	creditGrantsTotal *prometheus.CounterVec
	creditChargeTotal *prometheus.CounterVec
	tierChangesTotal  *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the billing
// service.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "operations_total",
			Help:      "Total number of billing service operations.",
		}, []string{"operation", "status"}),

		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "operation_duration_seconds",
			Help:      "Duration of billing service operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		creditGrantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "credit_grants_total",
			Help:      "Total credits granted to users.",
		}, []string{"reason"}),

		creditChargeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "credit_charges_total",
			Help:      "Total credits charged against user balances.",
		}, []string{"resource"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "tier_changes_total",
			Help:      "Total number of user tier changes.",
		}, []string{"from_tier", "to_tier"}),
	}
}

func (m *Metrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordOperationDuration(operation string, duration time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordCreditGrant(reason string, amount int64) {
	m.creditGrantsTotal.WithLabelValues(reason).Add(float64(amount))
}

func (m *Metrics) RecordCreditCharge(resource string, amount int64) {
	m.creditChargeTotal.WithLabelValues(resource).Add(float64(amount))
}

func (m *Metrics) RecordTierChange(fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier).Inc()
}
