package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
)

// CreateCheckout creates a Stripe Checkout Session for a subscription plan.
// The billing interval is resolved to the plan's configured Stripe Price ID
// server-side; the client never supplies a price directly.
func (p *Provider) CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error) {
	startTime := time.Now()

	intent, err := p.service.PrepareCheckout(ctx, req.UserID, req.PlanID, req.Interval)
	if err != nil {
		p.metrics.RecordCheckoutSession(providerName, req.PlanID, "rejected")
		return nil, err
	}

	customerID, err := p.ensureCustomer(ctx, intent.User)
	if err != nil {
		p.metrics.RecordCheckoutSession(providerName, intent.Plan.Name, "customer_error")
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = p.config.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = p.config.CancelURL
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(intent.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// The webhook handler resolves the user and plan from this metadata, so
	// it must be set on both the session and the resulting subscription.
	params.AddMetadata(metadataUserID, intent.User.ID)
	params.AddMetadata(metadataPlanID, intent.Plan.ID)
	params.AddMetadata(metadataInterval, string(intent.Interval))
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, intent.User.ID)
	params.SubscriptionData.AddMetadata(metadataPlanID, intent.Plan.ID)

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		p.metrics.RecordCheckoutSession(providerName, intent.Plan.Name, "error")
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	p.metrics.RecordCheckoutSession(providerName, intent.Plan.Name, "success")

	return &payments.CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

// CreatePortal creates a Stripe Customer Portal Session and returns the URL.
// This allows users to manage their subscription, update payment methods, or
// download invoices.
func (p *Provider) CreatePortal(ctx context.Context, userID, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", payments.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))

	return session.URL, nil
}

// CancelSubscription cancels the user's active subscription. Non-immediate
// cancellation schedules the subscription to end at the period boundary.
// Immediate cancellation is gated on the user having spent down to at most
// the plan's credit grant, cancels on Stripe right away, attempts a refund of
// the most recent charge on a best-effort basis, and reverts the user to the
// free plan.
func (p *Provider) CancelSubscription(ctx context.Context, req payments.CancelRequest) (*payments.CancelResult, error) {
	intent, err := p.service.BeginCancel(ctx, req.UserID, req.Immediately)
	if err != nil {
		return nil, err
	}

	subscriptionID := intent.Sub.StripeSubscriptionID
	if subscriptionID == "" {
		subscriptionID = intent.User.StripeSubscriptionID
	}
	if subscriptionID == "" {
		return nil, payments.ErrNoSubscription
	}

	result := &payments.CancelResult{SubscriptionID: subscriptionID}

	if req.Immediately {
		canceled, err := p.stripeClient.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "error")
			return nil, fmt.Errorf("failed to cancel subscription: %w", err)
		}
		p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "success")
		result.EffectiveAt = canceled.CanceledAt

		// Refund failures are logged but never fail the cancellation; the
		// subscription is already gone on Stripe's side.
		result.Refunded = p.refundLatestCharge(ctx, intent.User)
	} else {
		params := &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		updated, err := p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params)
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/update", "error")
			return nil, fmt.Errorf("failed to schedule cancellation: %w", err)
		}
		p.metrics.RecordAPICall(providerName, "/subscriptions/update", "success")
		result.EffectiveAt = updated.CancelAt
	}

	if err := p.service.FinalizeCancel(ctx, intent, req.Immediately); err != nil {
		return nil, err
	}
	return result, nil
}

// refundLatestCharge refunds the most recent charge for the user's customer.
// Returns whether a refund was created.
func (p *Provider) refundLatestCharge(ctx context.Context, user *gobilling.User) bool {
	if user.StripeCustomerID == "" {
		return false
	}

	listParams := &stripe.ChargeListParams{
		Customer: stripe.String(user.StripeCustomerID),
	}
	listParams.Limit = stripe.Int64(1)

	var latest *stripe.Charge
	for charge, err := range p.stripeClient.V1Charges.List(ctx, listParams) {
		if err != nil {
			p.logger.Warn("failed to list charges for refund",
				gobilling.Field{Key: "user_id", Value: user.ID},
				gobilling.Field{Key: "error", Value: err.Error()})
			return false
		}
		latest = charge
		break
	}
	if latest == nil || latest.Refunded {
		return false
	}

	_, err := p.stripeClient.V1Refunds.Create(ctx, &stripe.RefundCreateParams{
		Charge: stripe.String(latest.ID),
	})
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/refunds", "error")
		p.logger.Warn("best-effort refund failed",
			gobilling.Field{Key: "user_id", Value: user.ID},
			gobilling.Field{Key: "charge_id", Value: latest.ID},
			gobilling.Field{Key: "error", Value: err.Error()})
		return false
	}

	p.metrics.RecordAPICall(providerName, "/refunds", "success")
	return true
}

// ensureCustomer returns the Stripe customer ID for the user, creating the
// customer and persisting the mapping if the user has none yet.
func (p *Provider) ensureCustomer(ctx context.Context, user *gobilling.User) (string, error) {
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}

	params := &stripe.CustomerCreateParams{
		Email: stripe.String(user.Email),
	}
	params.AddMetadata(metadataUserID, user.ID)

	cust, err := p.stripeClient.V1Customers.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/customers", "success")

	if err := p.service.AttachCustomerID(ctx, user.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

// resolveCustomerID finds the Stripe customer for a user, preferring the
// locally stored mapping and falling back to the Stripe Search API.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	user, err := p.service.Store().GetUser(ctx, userID)
	if err != nil && !errors.Is(err, gobilling.ErrUserNotFound) {
		return "", err
	}
	if user != nil && user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}

	return p.searchCustomerByMetadata(ctx, userID)
}

// searchCustomerByMetadata searches for a customer by metadata using the
// Stripe Search API. Slow and eventually consistent; used only when the
// local mapping is missing.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Verify exact match (Search API can return partial matches)
		if cust.Metadata != nil && cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}

	return "", payments.ErrCustomerNotFound
}
