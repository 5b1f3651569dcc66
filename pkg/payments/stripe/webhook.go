package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
	"github.com/mihaimyh/gobilling/pkg/payments/internal"
)

// handleWebhook processes incoming Stripe webhook events.
//
// Response codes follow the retry contract with Stripe: 400 for payloads we
// will never be able to process (bad signature, missing required metadata),
// 200 for acknowledged events including benign no-ops and duplicates, 500
// for transient processing failures so Stripe redelivers.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Fail closed when no secret is configured.
	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		p.metrics.RecordWebhookError(providerName, "not_configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// Optional fast-path duplicate filter. The transactional processed-events
	// check remains authoritative; a deduper error falls through to it.
	dedupeRecorded := false
	if p.deduper != nil && event.ID != "" {
		first, err := p.deduper.FirstDelivery(r.Context(), event.ID)
		if err != nil {
			p.logger.Warn("event deduper unavailable",
				gobilling.Field{Key: "event_id", Value: event.ID},
				gobilling.Field{Key: "error", Value: err.Error()})
		} else if !first {
			writeAck(w)
			p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			return
		} else {
			dedupeRecorded = true
		}
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		// Stripe redelivers on any non-2xx response; the fast-path record
		// must not filter that redelivery as a duplicate.
		if dedupeRecorded {
			if ferr := p.deduper.Forget(r.Context(), event.ID); ferr != nil {
				p.logger.Warn("failed to release event for redelivery",
					gobilling.Field{Key: "event_id", Value: event.ID},
					gobilling.Field{Key: "error", Value: ferr.Error()})
			}
		}
		if errors.Is(err, payments.ErrInvalidWebhookPayload) {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		} else {
			http.Error(w, "failed to process webhook", http.StatusInternalServerError)
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "processing_error")
		}
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	writeAck(w)
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches on the closed event enumeration. Every kind
// has an explicit branch; adding a kind to events.go without handling it here
// lands in the final logged branch, which is a deliberate decision point.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	kind := ParseEventKind(string(event.Type))

	switch kind {
	case EventCheckoutSessionCompleted:
		return p.handleCheckoutSessionCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event)
	case EventInvoiceCreated:
		return p.handleInvoiceCreated(ctx, event)
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		return p.handleInvoiceStatus(ctx, event, gobilling.InvoicePaid)
	case EventInvoicePaymentFailed:
		return p.handleInvoiceStatus(ctx, event, gobilling.InvoicePaymentFailed)
	case EventChargeRefunded:
		return p.handleChargeRefunded(ctx, event)
	case EventSubscriptionCreated,
		EventInvoiceFinalized,
		EventChargeSucceeded,
		EventPaymentIntentSucceeded,
		EventPaymentIntentFailed,
		EventPaymentMethodAttached:
		// Known but intentionally not acted on. checkout.session.completed
		// covers the subscription-created path, and payment records are
		// written by the actions layer.
		p.logger.Debug("ignoring event",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "event_type", Value: string(event.Type)})
		return nil
	case EventUnknown:
		p.logger.Debug("unrecognized event type",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "event_type", Value: string(event.Type)})
		return nil
	default:
		p.logger.Warn("event kind without handler",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "event_type", Value: string(event.Type)})
		return nil
	}
}

// handleCheckoutSessionCompleted processes checkout.session.completed events.
// This is the only path that grants a plan's full credit amount.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", payments.ErrInvalidWebhookPayload, err)
	}

	if session.Mode != stripe.CheckoutSessionModeSubscription {
		// One-time payment checkouts are recorded by the actions layer.
		return nil
	}

	userID := ""
	planID := ""
	if session.Metadata != nil {
		userID = session.Metadata[metadataUserID]
		planID = session.Metadata[metadataPlanID]
	}
	if userID == "" || planID == "" {
		return fmt.Errorf("%w: metadata user_id/plan_id missing on session %s",
			payments.ErrInvalidWebhookPayload, session.ID)
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		subscriptionID = extractSubscriptionID(event.Data.Raw)
	}
	if subscriptionID == "" {
		return fmt.Errorf("%w: no subscription on session %s",
			payments.ErrInvalidWebhookPayload, session.ID)
	}

	sub, err := p.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	// Patch subscription metadata so later events resolve without fallbacks.
	if sub.Metadata == nil || sub.Metadata[metadataUserID] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(metadataUserID, userID)
		params.AddMetadata(metadataPlanID, planID)
		if patched, err := p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params); err == nil {
			sub = patched
		} else {
			p.logger.Warn("failed to patch subscription metadata",
				gobilling.Field{Key: "subscription_id", Value: subscriptionID},
				gobilling.Field{Key: "error", Value: err.Error()})
		}
	}

	// The billing interval is derived from the subscription's actual price,
	// never from anything client-supplied.
	priceID := firstPriceID(sub)
	periodStart, periodEnd := subscriptionPeriod(sub)

	err = p.service.ApplyCheckoutCompleted(ctx, gobilling.CheckoutCompleted{
		EventID:        event.ID,
		EventType:      string(event.Type),
		UserID:         userID,
		PlanID:         planID,
		SubscriptionID: subscriptionID,
		PriceID:        priceID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	})
	switch {
	case errors.Is(err, gobilling.ErrEventAlreadyProcessed):
		p.logger.Info("duplicate delivery skipped",
			gobilling.Field{Key: "event_id", Value: event.ID})
		return nil
	case errors.Is(err, gobilling.ErrUserNotFound), errors.Is(err, gobilling.ErrPlanNotFound):
		return fmt.Errorf("%w: %v", payments.ErrInvalidWebhookPayload, err)
	default:
		return err
	}
}

// handleSubscriptionUpdated processes customer.subscription.updated events
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", payments.ErrInvalidWebhookPayload, err)
	}

	periodStart, periodEnd := periodFromRaw(event.Data.Raw)

	err := p.service.ApplySubscriptionUpdated(ctx, gobilling.SubscriptionUpdated{
		EventID:           event.ID,
		EventType:         string(event.Type),
		Ref:               eventRefFromSubscription(&sub),
		Status:            mapSubscriptionStatus(sub.Status),
		PriceID:           firstPriceID(&sub),
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	})
	switch {
	case errors.Is(err, gobilling.ErrEventAlreadyProcessed):
		return nil
	case errors.Is(err, gobilling.ErrUserNotFound), errors.Is(err, gobilling.ErrSubscriptionNotFound):
		p.logger.Warn("subscription update without local state",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "subscription_id", Value: sub.ID})
		return nil
	default:
		return err
	}
}

// handleSubscriptionDeleted processes customer.subscription.deleted events.
// Unresolvable deletions are acknowledged without writes so Stripe does not
// retry events for subscriptions that were already cleaned up locally.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", payments.ErrInvalidWebhookPayload, err)
	}

	err := p.service.ApplySubscriptionDeleted(ctx, event.ID, string(event.Type), eventRefFromSubscription(&sub))
	switch {
	case errors.Is(err, gobilling.ErrEventAlreadyProcessed):
		return nil
	case errors.Is(err, gobilling.ErrUserNotFound):
		p.logger.Warn("deletion for unresolvable subscription acknowledged",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "subscription_id", Value: sub.ID})
		return nil
	default:
		return err
	}
}

// handleInvoiceCreated processes invoice.created events. Only invoices that
// carry both a subscription reference and a customer email are recorded.
func (p *Provider) handleInvoiceCreated(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: invoice: %v", payments.ErrInvalidWebhookPayload, err)
	}

	subscriptionID := extractSubscriptionID(event.Data.Raw)
	if subscriptionID == "" || invoice.CustomerEmail == "" {
		return nil
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}

	err := p.service.RecordInvoice(ctx, gobilling.InvoiceRecord{
		EventID:   event.ID,
		EventType: string(event.Type),
		Ref: gobilling.EventRef{
			SubscriptionID: subscriptionID,
			CustomerID:     customerID,
			Email:          invoice.CustomerEmail,
		},
		StripeInvoiceID: invoice.ID,
		AmountCents:     invoice.AmountDue,
		Currency:        string(invoice.Currency),
		Status:          gobilling.InvoiceDraft,
	})
	switch {
	case errors.Is(err, gobilling.ErrEventAlreadyProcessed):
		return nil
	case errors.Is(err, gobilling.ErrUserNotFound):
		p.logger.Warn("invoice for unresolvable user skipped",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "invoice_id", Value: invoice.ID})
		return nil
	default:
		return err
	}
}

// handleInvoiceStatus processes invoice.paid, invoice.payment_succeeded and
// invoice.payment_failed events. Status only moves on invoices that already
// exist locally.
func (p *Provider) handleInvoiceStatus(ctx context.Context, event *stripe.Event, status gobilling.InvoiceStatus) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: invoice: %v", payments.ErrInvalidWebhookPayload, err)
	}

	err := p.service.MarkInvoice(ctx, event.ID, string(event.Type), invoice.ID, status)
	switch {
	case errors.Is(err, gobilling.ErrEventAlreadyProcessed):
		return nil
	case errors.Is(err, gobilling.ErrInvoiceNotFound):
		p.logger.Debug("status event for unknown invoice skipped",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "invoice_id", Value: invoice.ID})
		return nil
	default:
		return err
	}
}

// handleChargeRefunded processes charge.refunded events
func (p *Provider) handleChargeRefunded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("%w: charge: %v", payments.ErrInvalidWebhookPayload, err)
	}

	paymentID := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		paymentID = charge.PaymentIntent.ID
	}

	err := p.service.MarkPaymentRefunded(ctx, paymentID, charge.AmountRefunded)
	if errors.Is(err, gobilling.ErrPaymentNotFound) {
		p.logger.Debug("refund for unknown payment skipped",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "payment_id", Value: paymentID})
		return nil
	}
	return err
}

// eventRefFromSubscription builds the resolver input for subscription events.
func eventRefFromSubscription(sub *stripe.Subscription) gobilling.EventRef {
	ref := gobilling.EventRef{SubscriptionID: sub.ID}
	if sub.Metadata != nil {
		ref.UserID = sub.Metadata[metadataUserID]
	}
	if sub.Customer != nil {
		ref.CustomerID = sub.Customer.ID
	}
	return ref
}

// firstPriceID returns the price ID of the subscription's first item.
func firstPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item.Price == nil {
		return ""
	}
	return item.Price.ID
}

// subscriptionPeriod returns the current period of the subscription's first
// item, falling back to zero times when the API response carries none.
func subscriptionPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return start, end
	}
	item := sub.Items.Data[0]
	if item.CurrentPeriodStart > 0 {
		start = time.Unix(item.CurrentPeriodStart, 0).UTC()
	}
	if item.CurrentPeriodEnd > 0 {
		end = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}
	return start, end
}

// periodFromRaw extracts current_period_start/end from the raw event JSON.
// Depending on API version the fields live on the subscription or on its
// items, so both locations are checked.
func periodFromRaw(raw json.RawMessage) (start, end time.Time) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return start, end
	}

	start = unixField(data, "current_period_start")
	end = unixField(data, "current_period_end")
	if !start.IsZero() || !end.IsZero() {
		return start, end
	}

	items, ok := data["items"].(map[string]interface{})
	if !ok {
		return start, end
	}
	list, ok := items["data"].([]interface{})
	if !ok || len(list) == 0 {
		return start, end
	}
	first, ok := list[0].(map[string]interface{})
	if !ok {
		return start, end
	}
	return unixField(first, "current_period_start"), unixField(first, "current_period_end")
}

func unixField(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(float64); ok && v > 0 {
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}

// extractSubscriptionID pulls the subscription reference out of raw event
// JSON. Stripe serializes it as either an ID string or an expanded object.
func extractSubscriptionID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	// Newer invoice payloads nest the reference under parent.subscription_details.
	if parent, ok := data["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			switch v := details["subscription"].(type) {
			case string:
				return v
			case map[string]interface{}:
				if id, ok := v["id"].(string); ok {
					return id
				}
			}
		}
	}
	return ""
}

// mapSubscriptionStatus maps Stripe's status vocabulary onto the local one.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) gobilling.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return gobilling.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return gobilling.StatusTrialing
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return gobilling.StatusCanceled
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return gobilling.StatusPastDue
	default:
		return gobilling.StatusIncomplete
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeAck(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
