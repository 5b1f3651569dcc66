package gobilling

import (
	"context"
)

// Store defines the interface for billing persistence.
// All methods use concrete types from this package to avoid import cycles.
type Store interface {
	// GetUser retrieves a user by internal ID
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByEmail retrieves a user by email address
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUserByCustomerID retrieves a user by their provider customer ID
	GetUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// GetUserBySubscriptionID retrieves a user by the provider subscription ID
	// cached on the user row
	GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*User, error)

	// CreateUser stores a new user
	CreateUser(ctx context.Context, user *User) error

	// UpdateUser overwrites the stored user row except the credit balance.
	// The balance is written only by AdjustUserCredits and SetUserCredits, so
	// a stale snapshot passed here can never clobber a concurrent grant.
	UpdateUser(ctx context.Context, user *User) error

	// AdjustUserCredits atomically applies a delta to the user's credit balance.
	// Returns the new balance. A delta that would take the balance below zero
	// fails with ErrInsufficientCredits and leaves the balance unchanged.
	AdjustUserCredits(ctx context.Context, userID string, delta int64) (int64, error)

	// SetUserCredits replaces the user's credit balance with an absolute
	// value. Used for balance resets (plan sync, cancellation reverts);
	// incremental changes go through AdjustUserCredits.
	SetUserCredits(ctx context.Context, userID string, balance int64) error

	// GetPlan retrieves a plan by ID
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	// GetPlanByName retrieves a plan by catalog name
	GetPlanByName(ctx context.Context, name string) (*Plan, error)

	// GetPlanByPriceID retrieves the plan configured with the given provider
	// price ID (monthly or yearly)
	GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error)

	// ListPlans returns all plans; activeOnly filters out retired ones
	ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error)

	// CreatePlan stores a new catalog entry (seed time)
	CreatePlan(ctx context.Context, plan *Plan) error

	// CreateSubscription stores a new subscription row
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription overwrites the stored subscription row
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscriptionByProviderID retrieves a subscription by its provider
	// subscription ID
	GetSubscriptionByProviderID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CurrentSubscription returns the user's most recent active or trialing
	// subscription, or ErrNoActiveSubscription
	CurrentSubscription(ctx context.Context, userID string) (*Subscription, error)

	// ListSubscriptionsByStatus returns all subscriptions in the given status
	ListSubscriptionsByStatus(ctx context.Context, status SubscriptionStatus) ([]*Subscription, error)

	// CountSubscriptions counts subscriptions, optionally filtered by status
	// (empty status counts all)
	CountSubscriptions(ctx context.Context, status SubscriptionStatus) (int64, error)

	// CreateInvoice stores a new invoice row. A row carrying the same
	// provider invoice ID is left untouched, so redeliveries under fresh
	// event IDs never duplicate invoices.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// UpdateInvoice overwrites the stored invoice row
	UpdateInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoiceByProviderID retrieves an invoice by its provider invoice ID
	GetInvoiceByProviderID(ctx context.Context, invoiceID string) (*Invoice, error)

	// SumInvoiceAmounts sums invoice amounts in the given status
	SumInvoiceAmounts(ctx context.Context, status InvoiceStatus) (float64, error)

	// CreatePayment stores a new payment row. Like CreateInvoice, an existing
	// row with the same provider payment ID is left untouched.
	CreatePayment(ctx context.Context, payment *Payment) error

	// UpdatePayment overwrites the stored payment row
	UpdatePayment(ctx context.Context, payment *Payment) error

	// GetPaymentByProviderID retrieves a payment by its provider payment ID
	GetPaymentByProviderID(ctx context.Context, paymentID string) (*Payment, error)

	// SumPaymentAmounts sums payment amounts in the given status
	SumPaymentAmounts(ctx context.Context, status PaymentStatus) (float64, error)

	// MarkEventProcessed records a webhook event ID as applied.
	// Returns false when the event was already recorded; the caller must then
	// skip its side effects. Inside InTx the mark commits or rolls back with
	// the rest of the transaction.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)

	// InTx runs fn against a transactional view of the store. All writes made
	// through the view commit together or not at all.
	InTx(ctx context.Context, fn func(Store) error) error

	// Ping checks store connectivity
	Ping(ctx context.Context) error
}
