// Package fiber provides Fiber middleware for credit-gated endpoints
package fiber

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// ResourceExtractor extracts the resource name from a Fiber context
// For example: "image_generation", "chat_completion"
type ResourceExtractor func(c *fiber.Ctx) string

// CostExtractor calculates the credit cost from the Fiber context
type CostExtractor func(c *fiber.Ctx) (int64, error)

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
	OnInsufficientCredits func(c *fiber.Ctx, cost int64) error

	// OnNoSubscription is called when RequireSubscription is set and the
	// user has no active subscription
	// If nil, returns 403 Forbidden
	OnNoSubscription func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that charges credits per request
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("gobilling/fiber: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/fiber: Config.GetUserID is required")
	}
	if cfg.GetResource == nil {
		panic("gobilling/fiber: Config.GetResource is required")
	}
	if cfg.GetCost == nil {
		panic("gobilling/fiber: Config.GetCost is required")
	}

	if cfg.InsufficientCreditsStatusCode == 0 {
		cfg.InsufficientCreditsStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
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
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		// Fiber uses fasthttp, so c.UserContext() is the context.Context
		ctx := c.UserContext()

		if cfg.RequireSubscription {
			_, err := cfg.Service.Store().CurrentSubscription(ctx, userID)
			if errors.Is(err, gobilling.ErrNoActiveSubscription) {
				if cfg.OnNoSubscription != nil {
					return cfg.OnNoSubscription(c)
				}
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Subscription required"})
			}
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
			}
		}

		remaining, err := cfg.Service.ChargeCredits(ctx, userID, resource, cost)
		if err != nil {
			if errors.Is(err, gobilling.ErrInsufficientCredits) {
				if cfg.OnInsufficientCredits != nil {
					return cfg.OnInsufficientCredits(c, cost)
				}
				return c.Status(cfg.InsufficientCreditsStatusCode).JSON(fiber.Map{
					"error": "Insufficient credits",
					"cost":  cost,
				})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Set("X-Credits-Remaining", fmt.Sprintf("%d", remaining))
		return c.Next()
	}
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Resource

// FixedResource returns a ResourceExtractor that always returns a fixed resource name
func FixedResource(resource string) ResourceExtractor {
	return func(*fiber.Ctx) string {
		return resource
	}
}

// FromRoute returns a ResourceExtractor that extracts resource from the route path
func FromRoute() ResourceExtractor {
	return func(c *fiber.Ctx) string {
		return c.Route().Path
	}
}

// Convenience extractors for Cost

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int64) CostExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return cost, nil
	}
}

// DynamicCost returns a CostExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*fiber.Ctx) int64) CostExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		return costFunc(c), nil
	}
}
