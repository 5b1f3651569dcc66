package api

import "time"

// CheckoutRequest is the body of POST /api/checkout
type CheckoutRequest struct {
	PlanID   string `json:"plan_id"`
	Interval string `json:"interval"` // "monthly" or "yearly", defaults to monthly
}

// CheckoutResponse carries the provider-hosted checkout page
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CancelRequest is the body of POST /api/subscription/cancel
type CancelRequest struct {
	Immediately bool `json:"immediately"`
}

// CancelResponse reports the outcome of a cancellation
type CancelResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Refunded       bool   `json:"refunded"`
	EffectiveAt    *time.Time `json:"effective_at,omitempty"`
}

// SubscriptionResponse is the user's current billing standing
type SubscriptionResponse struct {
	UserID            string     `json:"user_id"`
	Tier              string     `json:"tier"`
	Credits           int64      `json:"credits"`
	Status            string     `json:"status"` // subscription status, or "none"
	Interval          string     `json:"interval,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end,omitempty"`
}

// PlanResponse is a catalog entry for display
type PlanResponse struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Price   float64 `json:"price"`
	Credits int64   `json:"credits"`
}

// DiagnosticsResponse reports configuration presence and dependency health.
// Probe failures carry the error string; healthy probes report "ok".
type DiagnosticsResponse struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Config map[string]bool   `json:"config"`
	Checks map[string]string `json:"checks"`
}

// errorResponse is the default error body
type errorResponse struct {
	Error string `json:"error"`
}
