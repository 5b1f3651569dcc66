// Package gin provides Gin middleware for credit-gated endpoints
package gin

import (
	"errors"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ResourceExtractor extracts the resource name from a Gin context
// For example: "image_generation", "chat_completion"
type ResourceExtractor func(c *gongin.Context) string

// CostExtractor calculates the credit cost from the Gin context
type CostExtractor func(c *gongin.Context) (int64, error)

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
	OnInsufficientCredits func(c *gongin.Context, cost int64)

	// OnNoSubscription is called when RequireSubscription is set and the
	// user has no active subscription
	// If nil, returns 403 Forbidden
	OnNoSubscription func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that charges credits per request
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("gobilling/gin: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/gin: Config.GetUserID is required")
	}
	if cfg.GetResource == nil {
		panic("gobilling/gin: Config.GetResource is required")
	}
	if cfg.GetCost == nil {
		panic("gobilling/gin: Config.GetCost is required")
	}

	if cfg.InsufficientCreditsStatusCode == 0 {
		cfg.InsufficientCreditsStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		resource := cfg.GetResource(c)
		cost, err := cfg.GetCost(c)
		if err != nil || cost <= 0 {
			if err == nil && cost <= 0 {
				err = fmt.Errorf("invalid credit cost: %d", cost)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()

		if cfg.RequireSubscription {
			_, err := cfg.Service.Store().CurrentSubscription(ctx, userID)
			if errors.Is(err, gobilling.ErrNoActiveSubscription) {
				if cfg.OnNoSubscription != nil {
					cfg.OnNoSubscription(c)
				} else {
					c.JSON(http.StatusForbidden, gongin.H{"error": "Subscription required"})
				}
				c.Abort()
				return
			}
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				} else {
					c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
				}
				c.Abort()
				return
			}
		}

		remaining, err := cfg.Service.ChargeCredits(ctx, userID, resource, cost)
		if err != nil {
			if errors.Is(err, gobilling.ErrInsufficientCredits) {
				if cfg.OnInsufficientCredits != nil {
					cfg.OnInsufficientCredits(c, cost)
				} else {
					c.JSON(cfg.InsufficientCreditsStatusCode, gongin.H{
						"error": "Insufficient credits",
						"cost":  cost,
					})
				}
				c.Abort()
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Header("X-Credits-Remaining", fmt.Sprintf("%d", remaining))
		c.Next()
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In billing middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Resource

// FixedResource returns a ResourceExtractor that always returns a fixed resource name
func FixedResource(resource string) ResourceExtractor {
	return func(*gongin.Context) string {
		return resource
	}
}

// FromRoute returns a ResourceExtractor that extracts resource from the route path
func FromRoute() ResourceExtractor {
	return func(c *gongin.Context) string {
		return c.FullPath()
	}
}

// Convenience extractors for Cost

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int64) CostExtractor {
	return func(*gongin.Context) (int64, error) {
		return cost, nil
	}
}

// DynamicCost returns a CostExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int64) CostExtractor {
	return func(c *gongin.Context) (int64, error) {
		return costFunc(c), nil
	}
}
