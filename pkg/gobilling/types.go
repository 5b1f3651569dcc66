package gobilling

import (
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription. Values mirror
// the billing provider's status vocabulary so webhook payloads map directly.
type SubscriptionStatus string

const (
	// StatusActive represents a paid, current subscription
	StatusActive SubscriptionStatus = "active"
	// StatusTrialing represents a subscription inside its trial window
	StatusTrialing SubscriptionStatus = "trialing"
	// StatusCanceled is the terminal state; canceled subscriptions are never reactivated
	StatusCanceled SubscriptionStatus = "canceled"
	// StatusPastDue represents a subscription with a failed renewal payment
	StatusPastDue SubscriptionStatus = "past_due"
	// StatusIncomplete represents a subscription whose first payment has not settled
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// Interval is the billing cycle of a subscription
type Interval string

const (
	// IntervalMonthly bills every month
	IntervalMonthly Interval = "monthly"
	// IntervalYearly bills every year
	IntervalYearly Interval = "yearly"
)

// InvoiceStatus is the lifecycle state of an invoice record
type InvoiceStatus string

const (
	// InvoiceDraft is a created but not yet settled invoice
	InvoiceDraft InvoiceStatus = "draft"
	// InvoicePaid is a settled invoice
	InvoicePaid InvoiceStatus = "paid"
	// InvoicePaymentFailed is an invoice whose collection attempt failed
	InvoicePaymentFailed InvoiceStatus = "payment_failed"
)

// PaymentStatus is the lifecycle state of a payment record
type PaymentStatus string

const (
	// PaymentPending is a charge that has not settled yet
	PaymentPending PaymentStatus = "pending"
	// PaymentSucceeded is a settled charge
	PaymentSucceeded PaymentStatus = "succeeded"
	// PaymentFailed is a charge that was declined or errored
	PaymentFailed PaymentStatus = "failed"
)

// FreePlanName is the catalog name of the zero-price fallback plan. Users
// revert to it when their subscription is deleted or canceled immediately.
const FreePlanName = "free"

// User is the account row the billing flows mutate. Credits is the spendable
// balance; SubscriptionTier caches the current plan name for display.
type User struct {
	ID                   string
	Email                string
	Credits              int64
	SubscriptionTier     string
	StripeCustomerID     string
	StripeSubscriptionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Plan is a catalog entry created at seed time. Price and YearlyPrice are in
// dollars; Credits is the amount granted per billing period.
type Plan struct {
	ID             string
	Name           string
	DisplayName    string
	Credits        int64
	Price          float64
	YearlyPrice    float64
	MonthlyPriceID string
	YearlyPriceID  string
	Active         bool
}

// PriceID returns the provider price ID configured for the given interval,
// or empty string when the plan has no price for that interval.
func (p *Plan) PriceID(interval Interval) string {
	switch interval {
	case IntervalMonthly:
		return p.MonthlyPriceID
	case IntervalYearly:
		return p.YearlyPriceID
	default:
		return ""
	}
}

// IntervalForPrice maps a provider price ID back to the billing interval it
// is configured for. The webhook handler uses this instead of trusting the
// client-supplied interval from checkout metadata.
func (p *Plan) IntervalForPrice(priceID string) (Interval, bool) {
	switch {
	case priceID != "" && priceID == p.MonthlyPriceID:
		return IntervalMonthly, true
	case priceID != "" && priceID == p.YearlyPriceID:
		return IntervalYearly, true
	default:
		return "", false
	}
}

// Subscription is one user's relationship to a plan, keyed externally by the
// provider subscription ID.
type Subscription struct {
	ID                   string
	UserID               string
	PlanID               string
	Status               SubscriptionStatus
	Interval             Interval
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	StripeSubscriptionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Invoice is a billing record. Amount is stored in dollars; provider amounts
// arrive in cents and are converted exactly once at the recording boundary.
type Invoice struct {
	ID              string
	UserID          string
	SubscriptionID  string
	Amount          float64
	Currency        string
	Status          InvoiceStatus
	StripeInvoiceID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payment is the record of a single charge, optionally linked to an invoice.
type Payment struct {
	ID              string
	UserID          string
	InvoiceID       string
	Amount          float64
	Status          PaymentStatus
	Refunded        bool
	RefundedAmount  float64
	StripePaymentID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProcessedEvent records a webhook event that has already been applied.
// Uniqueness on EventID is what makes event handling idempotent.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// AmountFromCents converts a provider amount in cents to storage dollars.
// All cent-to-dollar conversion goes through here so the division by 100
// is applied exactly once.
func AmountFromCents(cents int64) float64 {
	return float64(cents) / 100
}

// MetricsReport aggregates subscription counts, revenue and the active plan
// distribution for dashboard display.
type MetricsReport struct {
	TotalSubscriptions    int64 `json:"total_subscriptions"`
	ActiveSubscriptions   int64 `json:"active_subscriptions"`
	CanceledSubscriptions int64 `json:"canceled_subscriptions"`
	// TotalRevenue is max(sum of succeeded payments, sum of paid invoices).
	// Payments and invoices double-book the same money, so the larger of the
	// two totals is closer to the truth than their sum.
	TotalRevenue float64 `json:"total_revenue"`
	// PlanDistribution maps plan name to the number of active subscriptions on it
	PlanDistribution map[string]int64 `json:"plan_distribution"`
}
