package gobilling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config holds Service configuration
type Config struct {
	// Store is the billing persistence backend (required)
	Store Store

	// Logger is an optional structured logger. If nil, logging is a no-op.
	Logger Logger

	// Metrics is an optional metrics collector. If nil, metrics are silently
	// ignored.
	Metrics Metrics

	// FreePlanName overrides the catalog name of the fallback plan.
	// Defaults to FreePlanName.
	FreePlanName string
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	return nil
}

// Service implements the billing actions: checkout preparation, cancellation,
// credit synchronization, provider-record CRUD and metrics aggregation.
// Webhook reconciliation applies its state transitions through the Apply*
// methods so every multi-row mutation runs inside one store transaction.
type Service struct {
	store    Store
	logger   Logger
	metrics  Metrics
	freePlan string
}

// NewService creates a new billing service
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	freePlan := cfg.FreePlanName
	if freePlan == "" {
		freePlan = FreePlanName
	}

	return &Service{
		store:    cfg.Store,
		logger:   logger,
		metrics:  metrics,
		freePlan: freePlan,
	}, nil
}

// Store exposes the backing store for composition (API handlers, providers).
func (s *Service) Store() Store {
	return s.store
}

// Plans returns active catalog entries for display.
func (s *Service) Plans(ctx context.Context) ([]*Plan, error) {
	return s.store.ListPlans(ctx, true)
}

// CheckoutIntent is a validated checkout request, ready to be turned into a
// provider checkout session.
type CheckoutIntent struct {
	User     *User
	Plan     *Plan
	Interval Interval
	// PriceID is the provider price for the requested interval
	PriceID string
}

// PrepareCheckout validates a checkout request: the user must exist, the plan
// must be in the catalog and the requested interval must have a configured
// price ID. No writes are performed.
func (s *Service) PrepareCheckout(ctx context.Context, userID, planID string, interval Interval) (*CheckoutIntent, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	priceID := plan.PriceID(interval)
	if priceID == "" {
		return nil, fmt.Errorf("%w: plan %s, interval %s", ErrPriceNotConfigured, plan.Name, interval)
	}

	return &CheckoutIntent{
		User:     user,
		Plan:     plan,
		Interval: interval,
		PriceID:  priceID,
	}, nil
}

// AttachCustomerID persists a lazily created provider customer ID on the user.
func (s *Service) AttachCustomerID(ctx context.Context, userID, customerID string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.StripeCustomerID = customerID
	user.UpdatedAt = time.Now().UTC()
	return s.store.UpdateUser(ctx, user)
}

// CheckoutCompleted carries the fields of a completed checkout the
// reconciliation flow applies locally.
type CheckoutCompleted struct {
	// EventID is the provider event ID used for idempotent application
	EventID   string
	EventType string

	UserID string
	PlanID string
	// SubscriptionID is the provider subscription ID created by checkout
	SubscriptionID string
	// PriceID is the actual price on the provider subscription; the billing
	// interval is derived from it rather than trusted from checkout metadata
	PriceID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// ApplyCheckoutCompleted creates the local subscription, grants the plan's
// credits additively and caches the plan name on the user - all inside one
// transaction keyed on the event ID. A re-delivered event returns
// ErrEventAlreadyProcessed and grants nothing.
func (s *Service) ApplyCheckoutCompleted(ctx context.Context, c CheckoutCompleted) error {
	plan, err := s.store.GetPlan(ctx, c.PlanID)
	if err != nil {
		return err
	}

	interval, ok := plan.IntervalForPrice(c.PriceID)
	if !ok {
		// Price not in the catalog for this plan; fall back to monthly but
		// keep reconciling rather than dropping the event.
		s.logger.Warn("checkout price not configured on plan",
			Field{Key: "plan", Value: plan.Name},
			Field{Key: "price_id", Value: c.PriceID})
		interval = IntervalMonthly
	}

	err = s.store.InTx(ctx, func(tx Store) error {
		fresh, err := tx.MarkEventProcessed(ctx, c.EventID, c.EventType)
		if err != nil {
			return err
		}
		if !fresh {
			return ErrEventAlreadyProcessed
		}

		user, err := tx.GetUser(ctx, c.UserID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		sub := &Subscription{
			ID:                   uuid.NewString(),
			UserID:               user.ID,
			PlanID:               plan.ID,
			Status:               StatusActive,
			Interval:             interval,
			CurrentPeriodStart:   c.PeriodStart,
			CurrentPeriodEnd:     c.PeriodEnd,
			StripeSubscriptionID: c.SubscriptionID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}

		if _, err := tx.AdjustUserCredits(ctx, user.ID, plan.Credits); err != nil {
			return err
		}

		previousTier := user.SubscriptionTier
		user.SubscriptionTier = plan.Name
		user.StripeSubscriptionID = c.SubscriptionID
		user.UpdatedAt = now
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		if previousTier != plan.Name {
			s.metrics.RecordTierChange(previousTier, plan.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.RecordCreditGrant("checkout", plan.Credits)
	s.logger.Info("checkout applied",
		Field{Key: "user_id", Value: c.UserID},
		Field{Key: "plan", Value: plan.Name},
		Field{Key: "interval", Value: string(interval)},
		Field{Key: "credits", Value: plan.Credits})
	return nil
}

// SubscriptionUpdated carries the provider state mirrored on a
// customer.subscription.updated event.
type SubscriptionUpdated struct {
	EventID   string
	EventType string

	Ref               EventRef
	Status            SubscriptionStatus
	PriceID           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// ApplySubscriptionUpdated mirrors the provider status onto the local
// subscription and detects plan changes. An upgrade (new plan price above the
// old one) grants the user the difference in plan credits, not the full
// new-plan amount.
func (s *Service) ApplySubscriptionUpdated(ctx context.Context, u SubscriptionUpdated) error {
	user, err := ResolveUser(ctx, SubscriptionResolvers(s.store), u.Ref)
	if err != nil {
		return err
	}

	sub, err := s.store.GetSubscriptionByProviderID(ctx, u.Ref.SubscriptionID)
	if err != nil {
		return err
	}

	oldPlan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}

	newPlan := oldPlan
	if u.PriceID != "" {
		p, err := s.store.GetPlanByPriceID(ctx, u.PriceID)
		if err == nil {
			newPlan = p
		} else if !errors.Is(err, ErrPlanNotFound) {
			return err
		}
	}

	planChanged := newPlan.ID != oldPlan.ID
	upgrade := planChanged && newPlan.Price > oldPlan.Price
	creditDiff := newPlan.Credits - oldPlan.Credits

	err = s.store.InTx(ctx, func(tx Store) error {
		if u.EventID != "" {
			fresh, err := tx.MarkEventProcessed(ctx, u.EventID, u.EventType)
			if err != nil {
				return err
			}
			if !fresh {
				return ErrEventAlreadyProcessed
			}
		}

		now := time.Now().UTC()
		sub.Status = u.Status
		sub.CancelAtPeriodEnd = u.CancelAtPeriodEnd
		if !u.PeriodStart.IsZero() {
			sub.CurrentPeriodStart = u.PeriodStart
		}
		if !u.PeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = u.PeriodEnd
		}
		if planChanged {
			sub.PlanID = newPlan.ID
			if iv, ok := newPlan.IntervalForPrice(u.PriceID); ok {
				sub.Interval = iv
			}
		}
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}

		if upgrade && creditDiff > 0 {
			if _, err := tx.AdjustUserCredits(ctx, user.ID, creditDiff); err != nil {
				return err
			}
		}

		if planChanged {
			previousTier := user.SubscriptionTier
			user.SubscriptionTier = newPlan.Name
			user.UpdatedAt = now
			if err := tx.UpdateUser(ctx, user); err != nil {
				return err
			}
			s.metrics.RecordTierChange(previousTier, newPlan.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if upgrade && creditDiff > 0 {
		s.metrics.RecordCreditGrant("upgrade", creditDiff)
	}
	s.logger.Info("subscription updated",
		Field{Key: "user_id", Value: user.ID},
		Field{Key: "status", Value: string(u.Status)},
		Field{Key: "plan_changed", Value: planChanged},
		Field{Key: "upgrade", Value: upgrade})
	return nil
}

// ApplySubscriptionDeleted transitions the local subscription to canceled,
// reverts the user's cached tier to the free plan and clears the cached
// provider subscription ID. Credits are explicitly left untouched. Returns
// ErrUserNotFound when no resolver strategy locates an owner; callers
// acknowledge and skip instead of failing, so already-cleaned-up
// subscriptions do not cause retry storms.
func (s *Service) ApplySubscriptionDeleted(ctx context.Context, eventID, eventType string, ref EventRef) error {
	user, err := ResolveUser(ctx, SubscriptionResolvers(s.store), ref)
	if err != nil {
		return err
	}

	return s.store.InTx(ctx, func(tx Store) error {
		if eventID != "" {
			fresh, err := tx.MarkEventProcessed(ctx, eventID, eventType)
			if err != nil {
				return err
			}
			if !fresh {
				return ErrEventAlreadyProcessed
			}
		}

		now := time.Now().UTC()
		sub, err := tx.GetSubscriptionByProviderID(ctx, ref.SubscriptionID)
		if err == nil {
			sub.Status = StatusCanceled
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}

		previousTier := user.SubscriptionTier
		user.SubscriptionTier = s.freePlan
		user.StripeSubscriptionID = ""
		user.UpdatedAt = now
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		if previousTier != s.freePlan {
			s.metrics.RecordTierChange(previousTier, s.freePlan)
		}
		s.logger.Info("subscription deleted",
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "subscription_id", Value: ref.SubscriptionID})
		return nil
	})
}

// InvoiceRecord carries a provider invoice to be mirrored locally.
// AmountCents is the provider amount; conversion to dollars happens here,
// exactly once.
type InvoiceRecord struct {
	EventID   string
	EventType string

	Ref             EventRef
	StripeInvoiceID string
	AmountCents     int64
	Currency        string
	Status          InvoiceStatus
}

// RecordInvoice creates the local invoice row for an invoice.created event.
// The owning user is resolved by provider customer ID, then customer email.
func (s *Service) RecordInvoice(ctx context.Context, rec InvoiceRecord) error {
	user, err := ResolveUser(ctx, InvoiceResolvers(s.store), rec.Ref)
	if err != nil {
		return err
	}

	subscriptionID := ""
	if sub, err := s.store.GetSubscriptionByProviderID(ctx, rec.Ref.SubscriptionID); err == nil {
		subscriptionID = sub.ID
	}

	status := rec.Status
	if status == "" {
		status = InvoiceDraft
	}

	return s.store.InTx(ctx, func(tx Store) error {
		if rec.EventID != "" {
			fresh, err := tx.MarkEventProcessed(ctx, rec.EventID, rec.EventType)
			if err != nil {
				return err
			}
			if !fresh {
				return ErrEventAlreadyProcessed
			}
		}

		now := time.Now().UTC()
		return tx.CreateInvoice(ctx, &Invoice{
			ID:              uuid.NewString(),
			UserID:          user.ID,
			SubscriptionID:  subscriptionID,
			Amount:          AmountFromCents(rec.AmountCents),
			Currency:        rec.Currency,
			Status:          status,
			StripeInvoiceID: rec.StripeInvoiceID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	})
}

// MarkInvoice transitions an existing local invoice to the given status.
// Invoices the earlier invoice.created event never produced locally return
// ErrInvoiceNotFound; callers treat that as benign.
func (s *Service) MarkInvoice(ctx context.Context, eventID, eventType, stripeInvoiceID string, status InvoiceStatus) error {
	inv, err := s.store.GetInvoiceByProviderID(ctx, stripeInvoiceID)
	if err != nil {
		return err
	}

	return s.store.InTx(ctx, func(tx Store) error {
		if eventID != "" {
			fresh, err := tx.MarkEventProcessed(ctx, eventID, eventType)
			if err != nil {
				return err
			}
			if !fresh {
				return ErrEventAlreadyProcessed
			}
		}
		inv.Status = status
		inv.UpdatedAt = time.Now().UTC()
		return tx.UpdateInvoice(ctx, inv)
	})
}

// PaymentRecord carries a provider charge to be mirrored locally.
type PaymentRecord struct {
	UserID          string
	InvoiceID       string
	AmountCents     int64
	Status          PaymentStatus
	StripePaymentID string
}

// RecordPayment creates a local payment row, converting cents to dollars.
func (s *Service) RecordPayment(ctx context.Context, rec PaymentRecord) (*Payment, error) {
	now := time.Now().UTC()
	payment := &Payment{
		ID:              uuid.NewString(),
		UserID:          rec.UserID,
		InvoiceID:       rec.InvoiceID,
		Amount:          AmountFromCents(rec.AmountCents),
		Status:          rec.Status,
		StripePaymentID: rec.StripePaymentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// MarkPaymentRefunded flags a payment as refunded with the refunded amount
// in cents.
func (s *Service) MarkPaymentRefunded(ctx context.Context, stripePaymentID string, refundedCents int64) error {
	payment, err := s.store.GetPaymentByProviderID(ctx, stripePaymentID)
	if err != nil {
		return err
	}
	payment.Refunded = true
	payment.RefundedAmount = AmountFromCents(refundedCents)
	payment.UpdatedAt = time.Now().UTC()
	return s.store.UpdatePayment(ctx, payment)
}

// CancelIntent is a validated cancellation: the user, their current
// subscription and its plan, with the unspent-credits gate already applied.
type CancelIntent struct {
	User *User
	Sub  *Subscription
	Plan *Plan
}

// BeginCancel validates a cancellation request. Immediate cancellation is
// rejected with ErrUnspentCredits while the user's balance exceeds the plan's
// per-period grant: unused credits should be spent before early termination.
// No provider call and no writes happen here.
func (s *Service) BeginCancel(ctx context.Context, userID string, immediately bool) (*CancelIntent, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub, err := s.store.CurrentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	if immediately && user.Credits > plan.Credits {
		return nil, fmt.Errorf("%w: %d credits remaining, plan grants %d",
			ErrUnspentCredits, user.Credits, plan.Credits)
	}

	return &CancelIntent{User: user, Sub: sub, Plan: plan}, nil
}

// FinalizeCancel applies the local side of a cancellation after the provider
// call succeeded. Immediate cancellation reverts the user to the free plan's
// credit allotment and tier; period-end cancellation only mirrors the flag.
func (s *Service) FinalizeCancel(ctx context.Context, intent *CancelIntent, immediately bool) error {
	now := time.Now().UTC()

	if !immediately {
		return s.store.InTx(ctx, func(tx Store) error {
			intent.Sub.CancelAtPeriodEnd = true
			intent.Sub.UpdatedAt = now
			return tx.UpdateSubscription(ctx, intent.Sub)
		})
	}

	freePlan, err := s.store.GetPlanByName(ctx, s.freePlan)
	if err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(tx Store) error {
		intent.Sub.Status = StatusCanceled
		intent.Sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, intent.Sub); err != nil {
			return err
		}

		user := intent.User
		previousTier := user.SubscriptionTier
		// The revert to the free allotment is an absolute write; UpdateUser
		// never touches the balance.
		if err := tx.SetUserCredits(ctx, user.ID, freePlan.Credits); err != nil {
			return err
		}
		user.Credits = freePlan.Credits
		user.SubscriptionTier = freePlan.Name
		user.StripeSubscriptionID = ""
		user.UpdatedAt = now
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		if previousTier != freePlan.Name {
			s.metrics.RecordTierChange(previousTier, freePlan.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.RecordCreditGrant("cancel_revert", freePlan.Credits)
	s.logger.Info("subscription canceled immediately",
		Field{Key: "user_id", Value: intent.User.ID},
		Field{Key: "reverted_credits", Value: freePlan.Credits})
	return nil
}

// CreditSyncMode selects how UpdateCreditsFromPlan applies the plan grant.
type CreditSyncMode int

const (
	// CreditOverwrite replaces the balance with the plan grant
	CreditOverwrite CreditSyncMode = iota
	// CreditIncrement adds the plan grant to the balance (renewals)
	CreditIncrement
)

// UpdateCreditsFromPlan recomputes a user's credit balance from their
// currently resolved plan. Used as a fallback sync and after renewals.
// Returns the new balance.
func (s *Service) UpdateCreditsFromPlan(ctx context.Context, userID string, mode CreditSyncMode) (int64, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	planName := user.SubscriptionTier
	if planName == "" {
		planName = s.freePlan
	}
	plan, err := s.store.GetPlanByName(ctx, planName)
	if err != nil {
		return 0, err
	}

	switch mode {
	case CreditIncrement:
		balance, err := s.store.AdjustUserCredits(ctx, userID, plan.Credits)
		if err != nil {
			return 0, err
		}
		s.metrics.RecordCreditGrant("renewal", plan.Credits)
		return balance, nil
	default:
		if err := s.store.SetUserCredits(ctx, userID, plan.Credits); err != nil {
			return 0, err
		}
		s.metrics.RecordCreditGrant("sync", plan.Credits)
		return plan.Credits, nil
	}
}

// ChargeCredits atomically deducts credits from a user's balance, failing
// with ErrInsufficientCredits when the balance would go negative. Returns the
// remaining balance.
func (s *Service) ChargeCredits(ctx context.Context, userID, resource string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid charge amount: %d", amount)
	}
	remaining, err := s.store.AdjustUserCredits(ctx, userID, -amount)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordCreditCharge(resource, amount)
	return remaining, nil
}

// SubscriptionMetrics aggregates counts, revenue and plan distribution.
// Revenue is max(payment-derived, invoice-derived) to tolerate the
// double-bookkeeping drift between the two tables. Plan distribution is
// grouped in memory over the active subscriptions.
func (s *Service) SubscriptionMetrics(ctx context.Context) (*MetricsReport, error) {
	start := time.Now()

	total, err := s.store.CountSubscriptions(ctx, "")
	if err != nil {
		return nil, err
	}
	active, err := s.store.CountSubscriptions(ctx, StatusActive)
	if err != nil {
		return nil, err
	}
	canceled, err := s.store.CountSubscriptions(ctx, StatusCanceled)
	if err != nil {
		return nil, err
	}

	paymentTotal, err := s.store.SumPaymentAmounts(ctx, PaymentSucceeded)
	if err != nil {
		return nil, err
	}
	invoiceTotal, err := s.store.SumInvoiceAmounts(ctx, InvoicePaid)
	if err != nil {
		return nil, err
	}
	revenue := paymentTotal
	if invoiceTotal > revenue {
		revenue = invoiceTotal
	}

	subs, err := s.store.ListSubscriptionsByStatus(ctx, StatusActive)
	if err != nil {
		return nil, err
	}
	distribution := make(map[string]int64)
	planNames := make(map[string]string)
	for _, sub := range subs {
		name, ok := planNames[sub.PlanID]
		if !ok {
			plan, err := s.store.GetPlan(ctx, sub.PlanID)
			if err != nil {
				if errors.Is(err, ErrPlanNotFound) {
					continue
				}
				return nil, err
			}
			name = plan.Name
			planNames[sub.PlanID] = name
		}
		distribution[name]++
	}

	s.metrics.RecordOperation("metrics", "success")
	s.metrics.RecordOperationDuration("metrics", time.Since(start))

	return &MetricsReport{
		TotalSubscriptions:    total,
		ActiveSubscriptions:   active,
		CanceledSubscriptions: canceled,
		TotalRevenue:          revenue,
		PlanDistribution:      distribution,
	}, nil
}
