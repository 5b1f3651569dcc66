package payments

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// CheckoutRequest describes a checkout session to be created with the
// payment provider.
type CheckoutRequest struct {
	UserID     string
	PlanID     string
	Interval   gobilling.Interval
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider-hosted page the user is redirected to.
type CheckoutSession struct {
	SessionID string
	URL       string
}

// CancelRequest describes a subscription cancellation.
type CancelRequest struct {
	UserID string
	// Immediately cancels the subscription right away and refunds the most
	// recent charge on a best-effort basis. When false the subscription is
	// scheduled to end at the period boundary.
	Immediately bool
}

// CancelResult reports what the provider did for a cancellation.
type CancelResult struct {
	SubscriptionID string
	Refunded       bool
	EffectiveAt    int64
}

// Provider is the generic interface that any payment backend must implement.
// This allows the application to swap Stripe for another processor with zero
// logic changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and Service updates internally.
	WebhookHandler() http.Handler

	// CreateCheckout creates a hosted checkout session for the given user and
	// plan, creating the provider-side customer first if the user has none.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CreatePortal creates a billing portal session where the user can manage
	// payment methods and invoices.
	CreatePortal(ctx context.Context, userID, returnURL string) (string, error)

	// CancelSubscription cancels the user's active subscription, either at the
	// period end or immediately with a best-effort refund.
	CancelSubscription(ctx context.Context, req CancelRequest) (*CancelResult, error)

	// SyncUser forces a synchronization of the user's subscription state from
	// the provider into local storage. This is used for "Restore Purchases"
	// or nightly reconciliation jobs. Returns the detected plan name.
	SyncUser(ctx context.Context, userID string) (string, error)
}

// EventDeduper is an optional fast-path filter for webhook redelivery. The
// transactional processed-events table remains the source of truth; a deduper
// only short-circuits obvious duplicates before any provider API calls.
type EventDeduper interface {
	// FirstDelivery reports whether this event ID has not been seen before.
	// Implementations must be safe for concurrent use.
	FirstDelivery(ctx context.Context, eventID string) (bool, error)

	// Forget removes a recorded event ID so a later delivery is treated as
	// first again. Called when processing failed after FirstDelivery, so the
	// provider's redelivery is not filtered as a duplicate.
	Forget(ctx context.Context, eventID string) error
}
