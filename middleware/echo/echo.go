// Package echo provides Echo middleware for credit-gated endpoints
package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ResourceExtractor extracts the resource name from an Echo context
// For example: "image_generation", "chat_completion"
type ResourceExtractor func(c echo.Context) string

// CostExtractor calculates the credit cost from the Echo context
type CostExtractor func(c echo.Context) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Service is the billing service instance
	Service *gobilling.Service

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetResource extracts resource name from context (required)
	GetResource ResourceExtractor

	// GetCost calculates the credit cost from context (required)
	GetCost CostExtractor

	// RequireSubscription additionally requires an active or trialing
	// subscription before charging
	RequireSubscription bool

	// InsufficientCreditsStatusCode is the HTTP status code to return when
	// the balance cannot cover the cost
	// Default: 402 (Payment Required)
	InsufficientCreditsStatusCode int

	// OnInsufficientCredits is called when the balance cannot cover the cost
	// If nil, uses default response: InsufficientCreditsStatusCode JSON
	OnInsufficientCredits func(c echo.Context, cost int64) error

	// OnNoSubscription is called when RequireSubscription is set and the
	// user has no active subscription
	// If nil, returns 403 Forbidden
	OnNoSubscription func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that charges credits per request
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("gobilling/echo: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/echo: Config.GetUserID is required")
	}
	if cfg.GetResource == nil {
		panic("gobilling/echo: Config.GetResource is required")
	}
	if cfg.GetCost == nil {
		panic("gobilling/echo: Config.GetCost is required")
	}

	if cfg.InsufficientCreditsStatusCode == 0 {
		cfg.InsufficientCreditsStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			resource := cfg.GetResource(c)
			cost, err := cfg.GetCost(c)
			if err != nil || cost <= 0 {
				if err == nil && cost <= 0 {
					err = fmt.Errorf("invalid credit cost: %d", cost)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()

			if cfg.RequireSubscription {
				_, err := cfg.Service.Store().CurrentSubscription(ctx, userID)
				if errors.Is(err, gobilling.ErrNoActiveSubscription) {
					if cfg.OnNoSubscription != nil {
						return cfg.OnNoSubscription(c)
					}
					return c.JSON(http.StatusForbidden, map[string]string{"error": "Subscription required"})
				}
				if err != nil {
					if cfg.OnError != nil {
						return cfg.OnError(c, err)
					}
					return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
			}

			remaining, err := cfg.Service.ChargeCredits(ctx, userID, resource, cost)
			if err != nil {
				if errors.Is(err, gobilling.ErrInsufficientCredits) {
					if cfg.OnInsufficientCredits != nil {
						return cfg.OnInsufficientCredits(c, cost)
					}
					return c.JSON(cfg.InsufficientCreditsStatusCode, map[string]interface{}{
						"error": "Insufficient credits",
						"cost":  cost,
					})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			c.Response().Header().Set("X-Credits-Remaining", fmt.Sprintf("%d", remaining))
			return next(c)
		}
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Resource

// FixedResource returns a ResourceExtractor that always returns a fixed resource name
func FixedResource(resource string) ResourceExtractor {
	return func(echo.Context) string {
		return resource
	}
}

// FromRoute returns a ResourceExtractor that extracts resource from the route path
func FromRoute() ResourceExtractor {
	return func(c echo.Context) string {
		return c.Path()
	}
}

// Convenience extractors for Cost

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int64) CostExtractor {
	return func(echo.Context) (int64, error) {
		return cost, nil
	}
}

// DynamicCost returns a CostExtractor that calculates cost based on a function
func DynamicCost(costFunc func(echo.Context) int64) CostExtractor {
	return func(c echo.Context) (int64, error) {
		return costFunc(c), nil
	}
}
