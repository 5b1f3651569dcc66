package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
)

const (
	statusNone          = "none"
	defaultProbeTimeout = 5 * time.Second
	maxRequestBodyBytes = 64 * 1024
)

// Handler exposes the billing HTTP surface: checkout, cancellation,
// subscription standing, aggregate metrics, diagnostics and the provider
// webhook mount.
type Handler struct {
	config Config
	router chi.Router
}

// NewHandler creates the billing API handler with all routes mounted
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &gobilling.NoopLogger{}
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaultProbeTimeout
	}

	h := &Handler{config: config}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/webhooks/"+config.Provider.Name(), config.Provider.WebhookHandler())
		r.Post("/checkout", h.CreateCheckout)
		r.Get("/plans", h.ListPlans)
		r.Get("/subscription", h.GetSubscription)
		r.Post("/subscription/cancel", h.CancelSubscription)
		r.Post("/subscription/sync", h.SyncSubscription)
		r.Get("/metrics/subscriptions", h.GetSubscriptionMetrics)
		r.Get("/diagnostics", h.GetDiagnostics)
	})

	if config.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			config.Registry, promhttp.HandlerOpts{}))
	}

	h.router = r
	return h, nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// CreateCheckout validates the request and returns a provider-hosted
// checkout session URL.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.PlanID == "" {
		h.handleError(w, r, fmt.Errorf("plan_id is required"), http.StatusBadRequest)
		return
	}
	interval := gobilling.Interval(req.Interval)
	if interval == "" {
		interval = gobilling.IntervalMonthly
	}

	session, err := h.config.Provider.CreateCheckout(r.Context(), payments.CheckoutRequest{
		UserID:   userID,
		PlanID:   req.PlanID,
		Interval: interval,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{
		SessionID: session.SessionID,
		URL:       session.URL,
	})
}

// ListPlans returns the active plan catalog
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.config.Service.Plans(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanResponse{
			ID:      p.ID,
			Name:    p.Name,
			Price:   p.Price,
			Credits: p.Credits,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetSubscription returns the user's current billing standing. A user
// without an active subscription gets their cached tier and credit balance
// with status "none" rather than an error.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	user, err := h.config.Service.Store().GetUser(ctx, userID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := SubscriptionResponse{
		UserID:  user.ID,
		Tier:    user.SubscriptionTier,
		Credits: user.Credits,
		Status:  statusNone,
	}

	sub, err := h.config.Service.Store().CurrentSubscription(ctx, userID)
	switch {
	case err == nil:
		resp.Status = string(sub.Status)
		resp.Interval = string(sub.Interval)
		resp.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if !sub.CurrentPeriodEnd.IsZero() {
			end := sub.CurrentPeriodEnd
			resp.CurrentPeriodEnd = &end
		}
	case errors.Is(err, gobilling.ErrNoActiveSubscription):
		// fall through with status "none"
	default:
		h.handleServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CancelSubscription cancels the user's subscription at the period end, or
// immediately when requested and the unspent-credits gate allows it.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.config.Provider.CancelSubscription(r.Context(), payments.CancelRequest{
		UserID:      userID,
		Immediately: req.Immediately,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := CancelResponse{
		SubscriptionID: result.SubscriptionID,
		Refunded:       result.Refunded,
	}
	if result.EffectiveAt > 0 {
		t := time.Unix(result.EffectiveAt, 0).UTC()
		resp.EffectiveAt = &t
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SyncSubscription forces a reconciliation of the user's subscription state
// from the provider ("restore purchases").
func (h *Handler) SyncSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	plan, err := h.config.Provider.SyncUser(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"plan": plan})
}

// GetSubscriptionMetrics returns aggregate counts, revenue and plan
// distribution.
func (h *Handler) GetSubscriptionMetrics(w http.ResponseWriter, r *http.Request) {
	report, err := h.config.Service.SubscriptionMetrics(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// GetDiagnostics reports configuration presence and runs all registered
// dependency probes concurrently under a shared deadline.
func (h *Handler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.config.ProbeTimeout)
	defer cancel()

	resp := DiagnosticsResponse{
		Status: "ok",
		Config: h.config.ConfigFlags,
		Checks: make(map[string]string, len(h.config.Probes)),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for name, probe := range h.config.Probes {
		g.Go(func() error {
			err := probe(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
			} else {
				resp.Checks[name] = "ok"
			}
			// Probe failures degrade the report, they never abort the
			// remaining probes.
			return nil
		})
	}
	_ = g.Wait()

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// requireUser extracts and validates the authenticated user ID
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// decodeBody parses a JSON request body with a size cap. An empty body
// decodes to the zero value.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return false
	}
	return true
}

// handleServiceError maps service and provider errors to HTTP status codes
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gobilling.ErrUserNotFound),
		errors.Is(err, gobilling.ErrPlanNotFound),
		errors.Is(err, gobilling.ErrNoActiveSubscription),
		errors.Is(err, gobilling.ErrSubscriptionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gobilling.ErrPriceNotConfigured):
		status = http.StatusBadRequest
	case errors.Is(err, gobilling.ErrUnspentCredits):
		status = http.StatusConflict
	case errors.Is(err, gobilling.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, payments.ErrNoSubscription):
		status = http.StatusNotFound
	case errors.Is(err, payments.ErrNotSupported):
		status = http.StatusNotImplemented
	}

	if status == http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			gobilling.Field{Key: "path", Value: r.URL.Path},
			gobilling.Field{Key: "error", Value: err.Error()})
	}
	h.handleError(w, r, err, status)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	h.writeJSON(w, statusCode, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already committed; nothing else to do.
		_ = err
	}
}
