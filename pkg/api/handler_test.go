package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const (
	testUserID = "user123"
	testPlanID = "plan-pro"
)

// stubProvider records calls and returns canned responses
type stubProvider struct {
	checkoutErr error
	cancelErr   error
	lastCancel  payments.CancelRequest
	syncPlan    string
}

func (p *stubProvider) Name() string { return "stripe" }

func (p *stubProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (p *stubProvider) CreateCheckout(_ context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error) {
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	return &payments.CheckoutSession{
		SessionID: "cs_test_1",
		URL:       "https://checkout.example.com/" + req.PlanID,
	}, nil
}

func (p *stubProvider) CreatePortal(_ context.Context, _, returnURL string) (string, error) {
	return returnURL, nil
}

func (p *stubProvider) CancelSubscription(_ context.Context, req payments.CancelRequest) (*payments.CancelResult, error) {
	p.lastCancel = req
	if p.cancelErr != nil {
		return nil, p.cancelErr
	}
	return &payments.CancelResult{SubscriptionID: "sub_1", EffectiveAt: time.Now().Unix()}, nil
}

func (p *stubProvider) SyncUser(_ context.Context, _ string) (string, error) {
	if p.syncPlan == "" {
		return gobilling.FreePlanName, nil
	}
	return p.syncPlan, nil
}

func newTestHandler(t *testing.T) (*Handler, *memory.Storage, *stubProvider) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	plans := []*gobilling.Plan{
		{ID: "plan-free", Name: gobilling.FreePlanName, Credits: 50, Active: true},
		{ID: testPlanID, Name: "pro", Credits: 1000, Price: 29.99,
			MonthlyPriceID: "price_pro_monthly", Active: true},
	}
	for _, p := range plans {
		if err := store.CreatePlan(ctx, p); err != nil {
			t.Fatalf("CreatePlan failed: %v", err)
		}
	}
	if err := store.CreateUser(ctx, &gobilling.User{
		ID: testUserID, Email: "user@example.com", Credits: 100,
		SubscriptionTier: gobilling.FreePlanName,
	}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	service, err := gobilling.NewService(gobilling.Config{Store: store})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	provider := &stubProvider{}
	handler, err := NewHandler(Config{
		Service:   service,
		Provider:  provider,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, store, provider
}

func doRequest(handler *Handler, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CheckoutHappyPath(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/api/checkout", testUserID,
		CheckoutRequest{PlanID: testPlanID, Interval: "monthly"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp CheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionID != "cs_test_1" {
		t.Errorf("expected session cs_test_1, got %q", resp.SessionID)
	}
	if resp.URL == "" {
		t.Error("expected checkout URL")
	}
}

func TestHandler_CheckoutRequiresAuth(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/api/checkout", "",
		CheckoutRequest{PlanID: testPlanID})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_CheckoutRequiresPlanID(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/api/checkout", testUserID, CheckoutRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_CheckoutUnknownPlan(t *testing.T) {
	handler, _, provider := newTestHandler(t)
	provider.checkoutErr = fmt.Errorf("preparing checkout: %w", gobilling.ErrPlanNotFound)

	rec := doRequest(handler, http.MethodPost, "/api/checkout", testUserID,
		CheckoutRequest{PlanID: "missing"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetSubscriptionWithoutSubscription(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodGet, "/api/subscription", testUserID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp SubscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "none" {
		t.Errorf("expected status none, got %q", resp.Status)
	}
	if resp.Credits != 100 {
		t.Errorf("expected 100 credits, got %d", resp.Credits)
	}
	if resp.Tier != gobilling.FreePlanName {
		t.Errorf("expected free tier, got %q", resp.Tier)
	}
}

func TestHandler_GetSubscriptionActive(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	if err := store.CreateSubscription(ctx, &gobilling.Subscription{
		ID: "sub-local-1", UserID: testUserID, PlanID: testPlanID,
		Status: gobilling.StatusActive, Interval: gobilling.IntervalMonthly,
		CurrentPeriodEnd: periodEnd, StripeSubscriptionID: "sub_1",
	}); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	rec := doRequest(handler, http.MethodGet, "/api/subscription", testUserID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp SubscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(gobilling.StatusActive) {
		t.Errorf("expected active, got %q", resp.Status)
	}
	if resp.Interval != string(gobilling.IntervalMonthly) {
		t.Errorf("expected monthly, got %q", resp.Interval)
	}
	if resp.CurrentPeriodEnd == nil || !resp.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("expected period end %v, got %v", periodEnd, resp.CurrentPeriodEnd)
	}
}

func TestHandler_CancelPassesImmediateFlag(t *testing.T) {
	handler, _, provider := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/api/subscription/cancel", testUserID,
		CancelRequest{Immediately: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !provider.lastCancel.Immediately {
		t.Error("immediate flag not forwarded to provider")
	}
	if provider.lastCancel.UserID != testUserID {
		t.Errorf("expected user %q, got %q", testUserID, provider.lastCancel.UserID)
	}
}

func TestHandler_CancelUnspentCreditsConflict(t *testing.T) {
	handler, _, provider := newTestHandler(t)
	provider.cancelErr = fmt.Errorf("validating cancel: %w", gobilling.ErrUnspentCredits)

	rec := doRequest(handler, http.MethodPost, "/api/subscription/cancel", testUserID,
		CancelRequest{Immediately: true})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_ListPlans(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodGet, "/api/plans", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var plans []PlanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &plans); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(plans) != 2 {
		t.Errorf("expected 2 plans, got %d", len(plans))
	}
}

func TestHandler_SubscriptionMetrics(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	if err := store.CreateSubscription(ctx, &gobilling.Subscription{
		ID: "sub-local-1", UserID: testUserID, PlanID: testPlanID,
		Status: gobilling.StatusActive, Interval: gobilling.IntervalMonthly,
		StripeSubscriptionID: "sub_1",
	}); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if err := store.CreateInvoice(ctx, &gobilling.Invoice{
		ID: "inv-1", UserID: testUserID, StripeInvoiceID: "in_1",
		Status: gobilling.InvoicePaid, Amount: 29.99,
	}); err != nil {
		t.Fatalf("CreateInvoice failed: %v", err)
	}

	rec := doRequest(handler, http.MethodGet, "/api/metrics/subscriptions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var report gobilling.MetricsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if report.ActiveSubscriptions != 1 {
		t.Errorf("expected 1 active subscription, got %d", report.ActiveSubscriptions)
	}
	if report.TotalRevenue != 29.99 {
		t.Errorf("expected revenue 29.99, got %v", report.TotalRevenue)
	}
	if report.PlanDistribution["pro"] != 1 {
		t.Errorf("expected 1 pro subscription in distribution, got %d", report.PlanDistribution["pro"])
	}
}

func TestHandler_WebhookMounted(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/api/webhooks/stripe", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected webhook mount to answer 200, got %d", rec.Code)
	}
}

func TestHandler_Diagnostics(t *testing.T) {
	store := memory.New()
	service, err := gobilling.NewService(gobilling.Config{Store: store})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	handler, err := NewHandler(Config{
		Service:   service,
		Provider:  &stubProvider{},
		GetUserID: FromHeader("X-User-ID"),
		ConfigFlags: map[string]bool{
			"stripe_api_key":        true,
			"stripe_webhook_secret": false,
		},
		Probes: map[string]Probe{
			"store": func(context.Context) error { return nil },
			"redis": func(context.Context) error { return errors.New("connection refused") },
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	rec := doRequest(handler, http.MethodGet, "/api/diagnostics", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for degraded diagnostics, got %d", rec.Code)
	}

	var resp DiagnosticsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded, got %q", resp.Status)
	}
	if resp.Checks["store"] != "ok" {
		t.Errorf("expected store ok, got %q", resp.Checks["store"])
	}
	if resp.Checks["redis"] != "connection refused" {
		t.Errorf("expected redis failure message, got %q", resp.Checks["redis"])
	}
	if !resp.Config["stripe_api_key"] {
		t.Error("expected stripe_api_key flag true")
	}
}

func TestHandler_ConfigValidation(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("expected error for empty config")
	}

	store := memory.New()
	service, _ := gobilling.NewService(gobilling.Config{Store: store})
	if _, err := NewHandler(Config{Service: service, Provider: &stubProvider{}}); err == nil {
		t.Error("expected error when GetUserID is missing")
	}
}
