package payments

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("payment provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when a user cannot be found in the provider's system
	ErrUserNotFound = errors.New("user not found in payment provider")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in payment provider")

	// ErrNoSubscription is returned when the user has no subscription to operate on
	ErrNoSubscription = errors.New("no subscription found for user")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("payment provider API error")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
