package gobilling

import "errors"

var (
	// ErrUserNotFound is returned when no user matches the lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrPlanNotFound is returned when a plan ID or name is not in the catalog
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPriceNotConfigured is returned when a plan has no provider price ID
	// for the requested billing interval
	ErrPriceNotConfigured = errors.New("no price configured for interval")

	// ErrSubscriptionNotFound is returned when no subscription matches the lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoActiveSubscription is returned when an operation requires a current
	// active or trialing subscription and the user has none
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrInvoiceNotFound is returned when no invoice matches the lookup
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrPaymentNotFound is returned when no payment matches the lookup
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrUnspentCredits rejects immediate cancellation while the user still
	// holds more credits than the plan grants per period
	ErrUnspentCredits = errors.New("unspent credits exceed plan allowance")

	// ErrInsufficientCredits is returned when a charge would take the credit
	// balance below zero
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrEventAlreadyProcessed is returned when a webhook event ID has already
	// been applied; callers treat it as a benign duplicate delivery
	ErrEventAlreadyProcessed = errors.New("event already processed")

	// ErrStoreUnavailable is returned when the backing store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")
)
