package payments

import (
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Service is the gobilling Service instance that webhook events and sync
	// operations are applied through.
	Service *gobilling.Service

	// WebhookSecret is used to verify incoming webhook requests (e.g. the
	// Stripe-Signature header). Providers must reject all webhook traffic
	// when it is empty.
	WebhookSecret string

	// APIKey is used for outbound API calls to the payment provider
	// (checkout, portal, cancellation, SyncUser).
	APIKey string

	// SuccessURL and CancelURL are the default redirect targets for hosted
	// checkout sessions. Per-request URLs take precedence.
	SuccessURL string
	CancelURL  string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Deduper is an optional webhook redelivery filter consulted before the
	// transactional idempotency check. If nil, only the transactional check
	// applies.
	Deduper EventDeduper

	// Metrics is an optional metrics collector for tracking provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use payments/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger gobilling.Logger
}
