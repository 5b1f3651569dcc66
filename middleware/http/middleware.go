// Package http provides HTTP middleware for credit-gated endpoints
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ResourceExtractor extracts the resource name from an HTTP request
// For example: "image_generation", "chat_completion"
type ResourceExtractor func(r *http.Request) string

// CostExtractor calculates the credit cost of the request
// For example: a flat 1 credit per call, or a cost derived from the body
type CostExtractor func(r *http.Request) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Service is the billing service instance (required)
	Service *gobilling.Service

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetResource extracts resource name from request (required)
	GetResource ResourceExtractor

	// GetCost calculates the credit cost from request (required)
	GetCost CostExtractor

	// RequireSubscription additionally requires an active or trialing
	// subscription before charging
	RequireSubscription bool

	// OnInsufficientCredits is called when the balance cannot cover the cost
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, cost int64)

	// OnNoSubscription is called when RequireSubscription is set and the user
	// has no active subscription. If nil, returns 403 Forbidden.
	OnNoSubscription func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that charges credits per request.
// The charge happens before the handler runs; a request that cannot pay is
// rejected without invoking the handler. Successful responses carry the
// remaining balance in the X-Credits-Remaining header.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Service == nil {
		panic("gobilling/http: Config.Service is required")
	}
	if config.GetUserID == nil {
		panic("gobilling/http: Config.GetUserID is required")
	}
	if config.GetResource == nil {
		panic("gobilling/http: Config.GetResource is required")
	}
	if config.GetCost == nil {
		panic("gobilling/http: Config.GetCost is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			resource := config.GetResource(r)
			cost, err := config.GetCost(r)
			if err != nil || cost <= 0 {
				if err == nil {
					err = fmt.Errorf("invalid credit cost: %d", cost)
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ctx := r.Context()

			if config.RequireSubscription {
				_, err := config.Service.Store().CurrentSubscription(ctx, userID)
				if errors.Is(err, gobilling.ErrNoActiveSubscription) {
					if config.OnNoSubscription != nil {
						config.OnNoSubscription(w, r)
					} else {
						http.Error(w, "Subscription required", http.StatusForbidden)
					}
					return
				}
				if err != nil {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
			}

			remaining, err := config.Service.ChargeCredits(ctx, userID, resource, cost)
			if err != nil {
				if errors.Is(err, gobilling.ErrInsufficientCredits) {
					if config.OnInsufficientCredits != nil {
						config.OnInsufficientCredits(w, r, cost)
					} else {
						msg := fmt.Sprintf("Insufficient credits: %d required", cost)
						http.Error(w, msg, http.StatusPaymentRequired)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			w.Header().Set("X-Credits-Remaining", fmt.Sprintf("%d", remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that charges credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int64) CostExtractor {
	return func(*http.Request) (int64, error) {
		return cost, nil
	}
}

// FixedResource returns a ResourceExtractor that always returns a fixed resource name
func FixedResource(resource string) ResourceExtractor {
	return func(*http.Request) string {
		return resource
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"
)

// FromContext returns a UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
