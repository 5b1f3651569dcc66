package gobilling

import "time"

// Metrics defines the interface for tracking billing service operations.
// All methods are optional - the service handles a nil collector via NoopMetrics.
type Metrics interface {
	// RecordOperation records a service operation.
	// operation: e.g. "checkout", "cancel", "credit_sync"
	// status: "success" or "error"
	RecordOperation(operation, status string)

	// RecordOperationDuration records how long a service operation took.
	RecordOperationDuration(operation string, duration time.Duration)

	// RecordCreditGrant records credits granted to a user.
	// reason: e.g. "checkout", "upgrade", "renewal", "cancel_revert"
	RecordCreditGrant(reason string, amount int64)

	// RecordCreditCharge records credits deducted from a user's balance.
	RecordCreditCharge(resource string, amount int64)

	// RecordTierChange records when a user's cached plan tier changes.
	RecordTierChange(fromTier, toTier string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordOperation(_, _ string)                      {}
func (n *NoopMetrics) RecordOperationDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordCreditGrant(_ string, _ int64)              {}
func (n *NoopMetrics) RecordCreditCharge(_ string, _ int64)             {}
func (n *NoopMetrics) RecordTierChange(_, _ string)                     {}
