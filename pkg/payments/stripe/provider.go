// Package stripe implements the payments.Provider interface backed by the
// Stripe API. Webhook events are verified, mapped to a closed event
// enumeration, and applied through the gobilling Service so that local
// billing state mirrors Stripe's.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
	"github.com/mihaimyh/gobilling/pkg/payments/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	metadataUserID   = "user_id"
	metadataPlanID   = "plan_id"
	metadataInterval = "interval"
)

// Config extends payments.Config with Stripe-specific options
type Config struct {
	payments.Config // Base config (Service, WebhookSecret, etc.)

	// Stripe-specific. When set these take precedence over the base
	// APIKey/WebhookSecret fields.
	StripeAPIKey        string
	StripeWebhookSecret string
}

// Provider implements the payments.Provider interface for Stripe
type Provider struct {
	service       *gobilling.Service
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	apiKey        string
	stripeClient  *stripe.Client
	deduper       payments.EventDeduper
	metrics       payments.Metrics
	logger        gobilling.Logger

	// fetchSubscription is the hook used to load a subscription from Stripe
	// when a webhook payload only carries its ID. Tests override it to avoid
	// network calls.
	fetchSubscription func(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// NewProvider creates a new Stripe payment provider
func NewProvider(config Config) (*Provider, error) {
	if config.Service == nil {
		return nil, payments.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, payments.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &payments.NoopMetrics{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &gobilling.NoopLogger{}
	}

	stripeClient := stripe.NewClient(apiKey)

	p := &Provider{
		service:       config.Service,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: []byte(webhookSecret),
		apiKey:        apiKey,
		stripeClient:  stripeClient,
		deduper:       config.Deduper,
		metrics:       metrics,
		logger:        logger,
	}
	p.fetchSubscription = func(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
		return p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
