package stripe

// EventKind is the closed set of Stripe event types this provider knows
// about. Dispatching on the enumeration rather than raw type strings forces
// every new event type through a deliberate decision instead of silently
// falling into a default branch.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCheckoutSessionCompleted
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventInvoiceCreated
	EventInvoicePaid
	EventInvoicePaymentSucceeded
	EventInvoicePaymentFailed
	EventInvoiceFinalized
	EventChargeSucceeded
	EventChargeRefunded
	EventPaymentIntentSucceeded
	EventPaymentIntentFailed
	EventPaymentMethodAttached
)

var eventKindNames = map[EventKind]string{
	EventUnknown:                  "unknown",
	EventCheckoutSessionCompleted: "checkout.session.completed",
	EventSubscriptionCreated:      "customer.subscription.created",
	EventSubscriptionUpdated:      "customer.subscription.updated",
	EventSubscriptionDeleted:      "customer.subscription.deleted",
	EventInvoiceCreated:           "invoice.created",
	EventInvoicePaid:              "invoice.paid",
	EventInvoicePaymentSucceeded:  "invoice.payment_succeeded",
	EventInvoicePaymentFailed:     "invoice.payment_failed",
	EventInvoiceFinalized:         "invoice.finalized",
	EventChargeSucceeded:          "charge.succeeded",
	EventChargeRefunded:           "charge.refunded",
	EventPaymentIntentSucceeded:   "payment_intent.succeeded",
	EventPaymentIntentFailed:      "payment_intent.payment_failed",
	EventPaymentMethodAttached:    "payment_method.attached",
}

var eventKindsByType = func() map[string]EventKind {
	m := make(map[string]EventKind, len(eventKindNames))
	for kind, name := range eventKindNames {
		if kind != EventUnknown {
			m[name] = kind
		}
	}
	return m
}()

// ParseEventKind maps a Stripe event type string to its EventKind.
// Unrecognized types map to EventUnknown.
func ParseEventKind(eventType string) EventKind {
	if kind, ok := eventKindsByType[eventType]; ok {
		return kind
	}
	return EventUnknown
}

// String returns the Stripe event type string for the kind.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}
