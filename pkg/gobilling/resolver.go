package gobilling

import (
	"context"
	"errors"
	"fmt"
)

// EventRef carries the identifying fields a webhook event may provide for
// locating the owning user. Any subset can be empty; resolvers skip what
// they cannot use.
type EventRef struct {
	// UserID from event metadata (set at checkout time)
	UserID string
	// SubscriptionID is the provider subscription ID
	SubscriptionID string
	// CustomerID is the provider customer ID
	CustomerID string
	// Email is the customer email on the event, when present
	Email string
}

// UserResolver is one strategy for locating the user an event belongs to.
// Resolvers return ErrUserNotFound when their lookup key is absent or
// matches nothing; any other error aborts the chain.
type UserResolver interface {
	// Name identifies the strategy in logs
	Name() string

	// Resolve attempts the lookup
	Resolve(ctx context.Context, ref EventRef) (*User, error)
}

// ResolveUser tries each resolver in order and returns the first hit.
// The precedence of the chain is exactly the order given, which keeps the
// fallback behavior auditable and testable in isolation.
func ResolveUser(ctx context.Context, resolvers []UserResolver, ref EventRef) (*User, error) {
	for _, r := range resolvers {
		user, err := r.Resolve(ctx, ref)
		if err == nil {
			return user, nil
		}
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		return nil, fmt.Errorf("resolver %s: %w", r.Name(), err)
	}
	return nil, ErrUserNotFound
}

// MetadataResolver resolves by the user ID embedded in event metadata.
type MetadataResolver struct {
	Store Store
}

func (r *MetadataResolver) Name() string { return "metadata" }

func (r *MetadataResolver) Resolve(ctx context.Context, ref EventRef) (*User, error) {
	if ref.UserID == "" {
		return nil, ErrUserNotFound
	}
	return r.Store.GetUser(ctx, ref.UserID)
}

// UserFieldResolver resolves by the provider subscription ID cached on the
// user row.
type UserFieldResolver struct {
	Store Store
}

func (r *UserFieldResolver) Name() string { return "user.stripe_subscription_id" }

func (r *UserFieldResolver) Resolve(ctx context.Context, ref EventRef) (*User, error) {
	if ref.SubscriptionID == "" {
		return nil, ErrUserNotFound
	}
	return r.Store.GetUserBySubscriptionID(ctx, ref.SubscriptionID)
}

// SubscriptionTableResolver resolves through the subscription table: find the
// local subscription row by provider ID, then load its owner.
type SubscriptionTableResolver struct {
	Store Store
}

func (r *SubscriptionTableResolver) Name() string { return "subscription_table" }

func (r *SubscriptionTableResolver) Resolve(ctx context.Context, ref EventRef) (*User, error) {
	if ref.SubscriptionID == "" {
		return nil, ErrUserNotFound
	}
	sub, err := r.Store.GetSubscriptionByProviderID(ctx, ref.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return r.Store.GetUser(ctx, sub.UserID)
}

// CustomerIDResolver resolves by the provider customer ID on the user row.
// Used for invoice events, which carry the customer but no metadata.
type CustomerIDResolver struct {
	Store Store
}

func (r *CustomerIDResolver) Name() string { return "customer_id" }

func (r *CustomerIDResolver) Resolve(ctx context.Context, ref EventRef) (*User, error) {
	if ref.CustomerID == "" {
		return nil, ErrUserNotFound
	}
	return r.Store.GetUserByCustomerID(ctx, ref.CustomerID)
}

// EmailResolver resolves by customer email, the last resort for invoice events.
type EmailResolver struct {
	Store Store
}

func (r *EmailResolver) Name() string { return "email" }

func (r *EmailResolver) Resolve(ctx context.Context, ref EventRef) (*User, error) {
	if ref.Email == "" {
		return nil, ErrUserNotFound
	}
	return r.Store.GetUserByEmail(ctx, ref.Email)
}

// SubscriptionResolvers is the precedence chain for subscription lifecycle
// events: event metadata first, then the user row's cached subscription ID,
// then the subscription table.
func SubscriptionResolvers(store Store) []UserResolver {
	return []UserResolver{
		&MetadataResolver{Store: store},
		&UserFieldResolver{Store: store},
		&SubscriptionTableResolver{Store: store},
	}
}

// InvoiceResolvers is the precedence chain for invoice events: provider
// customer ID first, then customer email.
func InvoiceResolvers(store Store) []UserResolver {
	return []UserResolver{
		&CustomerIDResolver{Store: store},
		&EmailResolver{Store: store},
	}
}
