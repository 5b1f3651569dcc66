package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testUserEmail           = "test@example.com"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testPlanIDBasic         = "plan-basic"
	testPlanIDPro           = "plan-pro"
	testPriceIDBasic        = "price_basic_monthly"
	testPriceIDPro          = "price_pro_monthly"
	testPriceIDProYearly    = "price_pro_yearly"
)

type testEnv struct {
	store    *memory.Storage
	service  *gobilling.Service
	provider *Provider
	// subscriptions served by the fetchSubscription hook, keyed by ID
	subs map[string]*stripe.Subscription
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	plans := []*gobilling.Plan{
		{ID: "plan-free", Name: gobilling.FreePlanName, DisplayName: "Free", Credits: 50, Active: true},
		{ID: testPlanIDBasic, Name: "basic", DisplayName: "Basic", Credits: 500, Price: 9.99,
			MonthlyPriceID: testPriceIDBasic, Active: true},
		{ID: testPlanIDPro, Name: "pro", DisplayName: "Pro", Credits: 1000, Price: 29.99, YearlyPrice: 299.99,
			MonthlyPriceID: testPriceIDPro, YearlyPriceID: testPriceIDProYearly, Active: true},
	}
	for _, plan := range plans {
		if err := store.CreatePlan(ctx, plan); err != nil {
			t.Fatalf("failed to seed plan %s: %v", plan.ID, err)
		}
	}

	if err := store.CreateUser(ctx, &gobilling.User{
		ID:               testUserID,
		Email:            testUserEmail,
		Credits:          0,
		SubscriptionTier: gobilling.FreePlanName,
		StripeCustomerID: testCustomerID,
	}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	service, err := gobilling.NewService(gobilling.Config{Store: store})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	provider, err := NewProvider(Config{
		Config: payments.Config{
			Service: service,
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	env := &testEnv{
		store:    store,
		service:  service,
		provider: provider,
		subs:     make(map[string]*stripe.Subscription),
	}
	provider.fetchSubscription = func(_ context.Context, subscriptionID string) (*stripe.Subscription, error) {
		if sub, ok := env.subs[subscriptionID]; ok {
			return sub, nil
		}
		return nil, fmt.Errorf("%w: subscription %s", payments.ErrProviderAPIError, subscriptionID)
	}
	return env
}

// serveSubscription registers a subscription for the fetch hook. Metadata
// carries user_id so the handler does not attempt to patch it via the API.
func (env *testEnv) serveSubscription(id, priceID, userID, planID string) {
	now := time.Now()
	env.subs[id] = &stripe.Subscription{
		ID:      id,
		Status:  stripe.SubscriptionStatusActive,
		Created: now.Unix(),
		Metadata: map[string]string{
			metadataUserID: userID,
			metadataPlanID: planID,
		},
		Customer: &stripe.Customer{ID: testCustomerID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price:              &stripe.Price{ID: priceID},
					CurrentPeriodStart: now.Unix(),
					CurrentPeriodEnd:   now.AddDate(0, 1, 0).Unix(),
				},
			},
		},
	}
}

func eventBody(t *testing.T, eventID, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

// signPayload computes a Stripe-Signature header value the way Stripe does:
// v1 = HMAC-SHA256(secret, "<timestamp>.<payload>").
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (env *testEnv) postWebhook(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)
	return w
}

func (env *testEnv) deliver(t *testing.T, eventID, eventType string, object map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body := eventBody(t, eventID, eventType, object)
	return env.postWebhook(t, body, signPayload(body, testStripeWebhookSecret))
}

func checkoutSessionObject() map[string]interface{} {
	return map[string]interface{}{
		"id":           "cs_test_1",
		"object":       "checkout.session",
		"mode":         "subscription",
		"subscription": testSubscriptionID,
		"metadata": map[string]string{
			metadataUserID: testUserID,
			metadataPlanID: testPlanIDPro,
		},
	}
}

func TestWebhook_InvalidSignatureRejectedWithoutWrites(t *testing.T) {
	env := newTestEnv(t)
	env.serveSubscription(testSubscriptionID, testPriceIDPro, testUserID, testPlanIDPro)

	body := eventBody(t, "evt_bad_sig", "checkout.session.completed", checkoutSessionObject())
	w := env.postWebhook(t, body, signPayload(body, "whsec_wrong_secret"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid signature, got %d", w.Code)
	}

	user, err := env.store.GetUser(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if user.Credits != 0 {
		t.Errorf("credits changed on rejected event: %d", user.Credits)
	}
	if _, err := env.store.GetSubscriptionByProviderID(context.Background(), testSubscriptionID); err == nil {
		t.Error("subscription row created despite rejected signature")
	}
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	env := newTestEnv(t)

	body := eventBody(t, "evt_no_sig", "checkout.session.completed", checkoutSessionObject())
	w := env.postWebhook(t, body, "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d", w.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/webhooks/stripe", http.NoBody)
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestWebhook_MissingSecretFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.provider.webhookSecret = nil

	body := eventBody(t, "evt_no_secret", "checkout.session.completed", checkoutSessionObject())
	w := env.postWebhook(t, body, signPayload(body, testStripeWebhookSecret))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no secret is configured, got %d", w.Code)
	}
}

func TestWebhook_CheckoutCompletedGrantsPlanCredits(t *testing.T) {
	env := newTestEnv(t)
	env.serveSubscription(testSubscriptionID, testPriceIDPro, testUserID, testPlanIDPro)
	ctx := context.Background()

	w := env.deliver(t, "evt_checkout_1", "checkout.session.completed", checkoutSessionObject())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	user, err := env.store.GetUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if user.Credits != 1000 {
		t.Errorf("expected exactly the plan's 1000 credits, got %d", user.Credits)
	}
	if user.SubscriptionTier != "pro" {
		t.Errorf("expected cached tier pro, got %q", user.SubscriptionTier)
	}
	if user.StripeSubscriptionID != testSubscriptionID {
		t.Errorf("expected stored subscription ID %s, got %q", testSubscriptionID, user.StripeSubscriptionID)
	}

	sub, err := env.store.GetSubscriptionByProviderID(ctx, testSubscriptionID)
	if err != nil {
		t.Fatalf("expected subscription row: %v", err)
	}
	if sub.Status != gobilling.StatusActive {
		t.Errorf("expected active subscription, got %s", sub.Status)
	}
	if sub.Interval != gobilling.IntervalMonthly {
		t.Errorf("expected interval derived from the actual price ID, got %s", sub.Interval)
	}
}

func TestWebhook_CheckoutCompletedYearlyIntervalFromPrice(t *testing.T) {
	env := newTestEnv(t)
	env.serveSubscription(testSubscriptionID, testPriceIDProYearly, testUserID, testPlanIDPro)

	w := env.deliver(t, "evt_checkout_yearly", "checkout.session.completed", checkoutSessionObject())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	sub, err := env.store.GetSubscriptionByProviderID(context.Background(), testSubscriptionID)
	if err != nil {
		t.Fatalf("expected subscription row: %v", err)
	}
	if sub.Interval != gobilling.IntervalYearly {
		t.Errorf("expected yearly interval from yearly price ID, got %s", sub.Interval)
	}
}

func TestWebhook_CheckoutRedeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.serveSubscription(testSubscriptionID, testPriceIDPro, testUserID, testPlanIDPro)
	ctx := context.Background()

	first := env.deliver(t, "evt_checkout_dup", "checkout.session.completed", checkoutSessionObject())
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d", first.Code)
	}

	second := env.deliver(t, "evt_checkout_dup", "checkout.session.completed", checkoutSessionObject())
	if second.Code != http.StatusOK {
		t.Fatalf("redelivery should be acknowledged, got %d", second.Code)
	}

	user, err := env.store.GetUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if user.Credits != 1000 {
		t.Errorf("redelivery double-granted credits: %d", user.Credits)
	}

	count, err := env.store.CountSubscriptions(ctx, "")
	if err != nil {
		t.Fatalf("failed to count subscriptions: %v", err)
	}
	if count != 1 {
		t.Errorf("redelivery created extra subscription rows: %d", count)
	}
}

func TestWebhook_CheckoutMissingMetadataRejected(t *testing.T) {
	env := newTestEnv(t)

	object := checkoutSessionObject()
	object["metadata"] = map[string]string{}

	w := env.deliver(t, "evt_checkout_nometa", "checkout.session.completed", object)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing metadata, got %d", w.Code)
	}
}

func TestWebhook_PaymentModeCheckoutIgnored(t *testing.T) {
	env := newTestEnv(t)

	object := checkoutSessionObject()
	object["mode"] = "payment"

	w := env.deliver(t, "evt_checkout_payment", "checkout.session.completed", object)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for one-time payment checkout, got %d", w.Code)
	}

	user, _ := env.store.GetUser(context.Background(), testUserID)
	if user.Credits != 0 {
		t.Errorf("payment-mode checkout must not grant credits, got %d", user.Credits)
	}
}

func subscriptionObject(priceID string, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":       testSubscriptionID,
		"object":   "subscription",
		"status":   "active",
		"customer": testCustomerID,
		"metadata": metadata,
		"current_period_start": time.Now().Unix(),
		"current_period_end":   time.Now().AddDate(0, 1, 0).Unix(),
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":     "si_test_1",
					"object": "subscription_item",
					"price":  map[string]interface{}{"id": priceID, "object": "price"},
				},
			},
		},
	}
}

func TestWebhook_SubscriptionUpgradeGrantsCreditDifference(t *testing.T) {
	env := newTestEnv(t)
	env.serveSubscription(testSubscriptionID, testPriceIDBasic, testUserID, testPlanIDBasic)
	ctx := context.Background()

	object := checkoutSessionObject()
	object["metadata"] = map[string]string{
		metadataUserID: testUserID,
		metadataPlanID: testPlanIDBasic,
	}
	if w := env.deliver(t, "evt_checkout_basic", "checkout.session.completed", object); w.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d", w.Code)
	}

	user, _ := env.store.GetUser(ctx, testUserID)
	if user.Credits != 500 {
		t.Fatalf("expected 500 credits on basic, got %d", user.Credits)
	}

	// Upgrade basic -> pro: 1000 - 500 = 500 more credits, not the full 1000.
	upgrade := subscriptionObject(testPriceIDPro, map[string]string{metadataUserID: testUserID})
	if w := env.deliver(t, "evt_sub_upgrade", "customer.subscription.updated", upgrade); w.Code != http.StatusOK {
		t.Fatalf("upgrade event failed: %d", w.Code)
	}

	user, _ = env.store.GetUser(ctx, testUserID)
	if user.Credits != 1000 {
		t.Errorf("upgrade should grant the plan credit difference, got %d", user.Credits)
	}
	if user.SubscriptionTier != "pro" {
		t.Errorf("expected tier pro after upgrade, got %q", user.SubscriptionTier)
	}
}

func TestWebhook_SubscriptionDowngradeGrantsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.serveSubscription(testSubscriptionID, testPriceIDPro, testUserID, testPlanIDPro)
	ctx := context.Background()

	if w := env.deliver(t, "evt_checkout_pro2", "checkout.session.completed", checkoutSessionObject()); w.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d", w.Code)
	}

	downgrade := subscriptionObject(testPriceIDBasic, map[string]string{metadataUserID: testUserID})
	if w := env.deliver(t, "evt_sub_downgrade", "customer.subscription.updated", downgrade); w.Code != http.StatusOK {
		t.Fatalf("downgrade event failed: %d", w.Code)
	}

	user, _ := env.store.GetUser(ctx, testUserID)
	if user.Credits != 1000 {
		t.Errorf("downgrade must not change credits, got %d", user.Credits)
	}
	if user.SubscriptionTier != "basic" {
		t.Errorf("expected tier basic after downgrade, got %q", user.SubscriptionTier)
	}
}

func TestWebhook_SubscriptionDeletedRevertsToFree(t *testing.T) {
	env := newTestEnv(t)
	env.serveSubscription(testSubscriptionID, testPriceIDPro, testUserID, testPlanIDPro)
	ctx := context.Background()

	if w := env.deliver(t, "evt_checkout_del", "checkout.session.completed", checkoutSessionObject()); w.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d", w.Code)
	}

	deleted := subscriptionObject(testPriceIDPro, map[string]string{metadataUserID: testUserID})
	deleted["status"] = "canceled"
	if w := env.deliver(t, "evt_sub_deleted", "customer.subscription.deleted", deleted); w.Code != http.StatusOK {
		t.Fatalf("deletion event failed: %d", w.Code)
	}

	user, _ := env.store.GetUser(ctx, testUserID)
	if user.SubscriptionTier != gobilling.FreePlanName {
		t.Errorf("expected free tier after deletion, got %q", user.SubscriptionTier)
	}
	if user.StripeSubscriptionID != "" {
		t.Errorf("expected cleared subscription ID, got %q", user.StripeSubscriptionID)
	}
	if user.Credits != 1000 {
		t.Errorf("deletion must leave credits untouched, got %d", user.Credits)
	}

	sub, err := env.store.GetSubscriptionByProviderID(ctx, testSubscriptionID)
	if err != nil {
		t.Fatalf("subscription row should still exist: %v", err)
	}
	if sub.Status != gobilling.StatusCanceled {
		t.Errorf("expected canceled subscription, got %s", sub.Status)
	}
}

func TestWebhook_SubscriptionDeletedUnresolvableAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	deleted := map[string]interface{}{
		"id":       "sub_never_seen",
		"object":   "subscription",
		"status":   "canceled",
		"customer": "cus_never_seen",
	}
	w := env.deliver(t, "evt_sub_orphan", "customer.subscription.deleted", deleted)
	if w.Code != http.StatusOK {
		t.Fatalf("unresolvable deletion must be acknowledged, got %d", w.Code)
	}

	user, _ := env.store.GetUser(ctx, testUserID)
	if user.Credits != 0 || user.SubscriptionTier != gobilling.FreePlanName {
		t.Error("unresolvable deletion must make no writes")
	}
}

func TestWebhook_InvoiceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoice := map[string]interface{}{
		"id":             "in_test_1",
		"object":         "invoice",
		"customer":       testCustomerID,
		"customer_email": testUserEmail,
		"subscription":   testSubscriptionID,
		"amount_due":     2999,
		"currency":       "usd",
	}

	if w := env.deliver(t, "evt_inv_created", "invoice.created", invoice); w.Code != http.StatusOK {
		t.Fatalf("invoice.created failed: %d", w.Code)
	}

	stored, err := env.store.GetInvoiceByProviderID(ctx, "in_test_1")
	if err != nil {
		t.Fatalf("expected invoice row: %v", err)
	}
	if stored.Amount != 29.99 {
		t.Errorf("expected exact cents-to-dollars conversion 29.99, got %v", stored.Amount)
	}
	if stored.Status != gobilling.InvoiceDraft {
		t.Errorf("expected draft status, got %s", stored.Status)
	}
	if stored.UserID != testUserID {
		t.Errorf("expected invoice resolved to user, got %q", stored.UserID)
	}

	if w := env.deliver(t, "evt_inv_paid", "invoice.paid", invoice); w.Code != http.StatusOK {
		t.Fatalf("invoice.paid failed: %d", w.Code)
	}
	stored, _ = env.store.GetInvoiceByProviderID(ctx, "in_test_1")
	if stored.Status != gobilling.InvoicePaid {
		t.Errorf("expected paid status, got %s", stored.Status)
	}
}

func TestWebhook_InvoiceWithoutEmailIgnored(t *testing.T) {
	env := newTestEnv(t)

	invoice := map[string]interface{}{
		"id":           "in_no_email",
		"object":       "invoice",
		"customer":     testCustomerID,
		"subscription": testSubscriptionID,
		"amount_due":   2999,
		"currency":     "usd",
	}
	if w := env.deliver(t, "evt_inv_noemail", "invoice.created", invoice); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for skipped invoice, got %d", w.Code)
	}
	if _, err := env.store.GetInvoiceByProviderID(context.Background(), "in_no_email"); err == nil {
		t.Error("invoice without customer email must not be recorded")
	}
}

func TestWebhook_InvoiceStatusForUnknownInvoiceIgnored(t *testing.T) {
	env := newTestEnv(t)

	invoice := map[string]interface{}{
		"id":     "in_unknown",
		"object": "invoice",
	}
	w := env.deliver(t, "evt_inv_unknown", "invoice.payment_succeeded", invoice)
	if w.Code != http.StatusOK {
		t.Fatalf("status event for unknown invoice must be acknowledged, got %d", w.Code)
	}
}

func TestWebhook_UnknownEventTypeAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	w := env.deliver(t, "evt_unknown", "product.created", map[string]interface{}{
		"id":     "prod_test",
		"object": "product",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unknown event types must be acknowledged, got %d", w.Code)
	}
}

type staticDeduper struct {
	first   bool
	calls   int
	forgets int
}

func (d *staticDeduper) FirstDelivery(context.Context, string) (bool, error) {
	d.calls++
	return d.first, nil
}

func (d *staticDeduper) Forget(context.Context, string) error {
	d.forgets++
	return nil
}

// mapDeduper mimics the SET NX semantics of the real filter.
type mapDeduper struct {
	seen map[string]bool
}

func newMapDeduper() *mapDeduper {
	return &mapDeduper{seen: make(map[string]bool)}
}

func (d *mapDeduper) FirstDelivery(_ context.Context, eventID string) (bool, error) {
	if d.seen[eventID] {
		return false, nil
	}
	d.seen[eventID] = true
	return true, nil
}

func (d *mapDeduper) Forget(_ context.Context, eventID string) error {
	delete(d.seen, eventID)
	return nil
}

func TestWebhook_DeduperShortCircuitsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	deduper := &staticDeduper{first: false}
	env.provider.deduper = deduper
	env.serveSubscription(testSubscriptionID, testPriceIDPro, testUserID, testPlanIDPro)

	w := env.deliver(t, "evt_dedup", "checkout.session.completed", checkoutSessionObject())
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate should be acknowledged, got %d", w.Code)
	}
	if deduper.calls != 1 {
		t.Errorf("expected one deduper call, got %d", deduper.calls)
	}

	user, _ := env.store.GetUser(context.Background(), testUserID)
	if user.Credits != 0 {
		t.Errorf("short-circuited duplicate must not grant credits, got %d", user.Credits)
	}
}

func TestWebhook_DeduperReleasesEventAfterTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	deduper := newMapDeduper()
	env.provider.deduper = deduper
	ctx := context.Background()

	// The subscription fetch fails on the first delivery, so the handler
	// answers 500 and Stripe redelivers.
	first := env.deliver(t, "evt_transient", "checkout.session.completed", checkoutSessionObject())
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on transient failure, got %d", first.Code)
	}
	if deduper.seen["evt_transient"] {
		t.Fatal("failed event must be released from the duplicate filter")
	}

	env.serveSubscription(testSubscriptionID, testPriceIDPro, testUserID, testPlanIDPro)

	second := env.deliver(t, "evt_transient", "checkout.session.completed", checkoutSessionObject())
	if second.Code != http.StatusOK {
		t.Fatalf("redelivery after recovery should succeed, got %d", second.Code)
	}

	user, err := env.store.GetUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if user.Credits != 1000 {
		t.Errorf("redelivered event was never applied, got %d credits", user.Credits)
	}
	if user.SubscriptionTier != "pro" {
		t.Errorf("redelivered event was never applied, got tier %q", user.SubscriptionTier)
	}
}

func TestParseEventKindRoundTrip(t *testing.T) {
	for kind, name := range eventKindNames {
		if kind == EventUnknown {
			continue
		}
		if got := ParseEventKind(name); got != kind {
			t.Errorf("ParseEventKind(%q) = %v, want %v", name, got, kind)
		}
		if kind.String() != name {
			t.Errorf("String() = %q, want %q", kind.String(), name)
		}
	}
	if ParseEventKind("no.such.event") != EventUnknown {
		t.Error("unrecognized types must map to EventUnknown")
	}
}
