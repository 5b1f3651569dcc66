package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
)

// Probe checks one dependency (database, cache, provider API reachability).
// Probes run concurrently with a shared deadline from the diagnostics handler.
type Probe func(ctx context.Context) error

// Config holds configuration for the billing API handler
type Config struct {
	// Service is the billing service instance (required)
	Service *gobilling.Service

	// Provider is the payment provider backing checkout, cancellation and the
	// webhook endpoint (required)
	Provider payments.Provider

	// GetUserID extracts the authenticated user ID from an HTTP request
	// (required). Requests it returns "" for get a 401.
	GetUserID func(*http.Request) string

	// Registry is an optional prometheus registry; when set, GET /metrics
	// serves it. If nil the endpoint is not mounted.
	Registry *prometheus.Registry

	// Probes are named health checks run by GET /api/diagnostics.
	Probes map[string]Probe

	// ProbeTimeout bounds the diagnostics probe run. Defaults to 5s.
	ProbeTimeout time.Duration

	// ConfigFlags reports which deployment settings are present, without
	// exposing their values (e.g. "stripe_webhook_secret": true).
	ConfigFlags map[string]bool

	// OnError overrides the default JSON error responses
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is an optional structured logger
	Logger gobilling.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request
// context, for use behind an authentication middleware
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
