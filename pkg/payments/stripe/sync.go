package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/payments"
)

// SyncUser reconciles a user's local subscription state with Stripe. Used
// for "restore purchases" flows and nightly reconciliation jobs. Returns the
// plan name the user ended up on.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	startTime := time.Now()
	store := p.service.Store()

	user, err := store.GetUser(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return "", err
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
		customerID, err = p.searchCustomerByMetadata(ctx, userID)
		if err != nil {
			if errors.Is(err, payments.ErrCustomerNotFound) {
				// No Stripe presence at all; make sure the user is on free.
				return p.syncToFreePlan(ctx, user, startTime)
			}
			p.metrics.RecordUserSync(providerName, "error")
			return "", err
		}
	}

	active, err := p.activeSubscription(ctx, customerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}
	if active == nil {
		return p.syncToFreePlan(ctx, user, startTime)
	}

	plan, err := store.GetPlanByPriceID(ctx, firstPriceID(active))
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return "", fmt.Errorf("no plan for subscription %s: %w", active.ID, err)
	}

	periodStart, periodEnd := subscriptionPeriod(active)

	err = store.InTx(ctx, func(tx gobilling.Store) error {
		sub, err := tx.GetSubscriptionByProviderID(ctx, active.ID)
		switch {
		case err == nil:
			sub.Status = gobilling.StatusActive
			sub.PlanID = plan.ID
			sub.CurrentPeriodStart = periodStart
			sub.CurrentPeriodEnd = periodEnd
			sub.CancelAtPeriodEnd = active.CancelAtPeriodEnd
			sub.UpdatedAt = time.Now().UTC()
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		case errors.Is(err, gobilling.ErrSubscriptionNotFound):
			now := time.Now().UTC()
			if err := tx.CreateSubscription(ctx, &gobilling.Subscription{
				ID:                   uuid.NewString(),
				UserID:               user.ID,
				PlanID:               plan.ID,
				StripeSubscriptionID: active.ID,
				Status:               gobilling.StatusActive,
				Interval:             intervalForPrice(plan, firstPriceID(active)),
				CurrentPeriodStart:   periodStart,
				CurrentPeriodEnd:     periodEnd,
				CancelAtPeriodEnd:    active.CancelAtPeriodEnd,
				CreatedAt:            now,
				UpdatedAt:            now,
			}); err != nil {
				return err
			}
		default:
			return err
		}

		user.SubscriptionTier = plan.Name
		user.StripeCustomerID = customerID
		user.StripeSubscriptionID = active.ID
		user.UpdatedAt = time.Now().UTC()
		return tx.UpdateUser(ctx, user)
	})
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return plan.Name, nil
}

// activeSubscription returns the customer's newest active subscription, or
// nil when there is none.
func (p *Provider) activeSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(string(stripe.SubscriptionStatusActive))

	var newest *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if sub.Status != stripe.SubscriptionStatusActive {
			continue
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	return newest, nil
}

// syncToFreePlan reverts the user to the free tier when Stripe holds no
// active subscription for them. Credits are left untouched.
func (p *Provider) syncToFreePlan(ctx context.Context, user *gobilling.User, startTime time.Time) (string, error) {
	store := p.service.Store()

	freeName := gobilling.FreePlanName
	if user.SubscriptionTier != freeName || user.StripeSubscriptionID != "" {
		user.SubscriptionTier = freeName
		user.StripeSubscriptionID = ""
		user.UpdatedAt = time.Now().UTC()
		if err := store.UpdateUser(ctx, user); err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return "", err
		}
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return freeName, nil
}

func intervalForPrice(plan *gobilling.Plan, priceID string) gobilling.Interval {
	if interval, ok := plan.IntervalForPrice(priceID); ok {
		return interval
	}
	return gobilling.IntervalMonthly
}
