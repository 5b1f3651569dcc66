// Package memory provides an in-memory implementation of the gobilling.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Store using in-memory maps.
// Transactions operate on a deep copy of the state that is swapped in on
// commit, so a failed transaction leaves the store untouched.
type Storage struct {
	mu   sync.Mutex
	data *state
}

type state struct {
	users         map[string]*gobilling.User
	plans         map[string]*gobilling.Plan
	subscriptions map[string]*gobilling.Subscription
	invoices      map[string]*gobilling.Invoice
	payments      map[string]*gobilling.Payment
	events        map[string]*gobilling.ProcessedEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		data: &state{
			users:         make(map[string]*gobilling.User),
			plans:         make(map[string]*gobilling.Plan),
			subscriptions: make(map[string]*gobilling.Subscription),
			invoices:      make(map[string]*gobilling.Invoice),
			payments:      make(map[string]*gobilling.Payment),
			events:        make(map[string]*gobilling.ProcessedEvent),
		},
	}
}

func (st *state) clone() *state {
	next := &state{
		users:         make(map[string]*gobilling.User, len(st.users)),
		plans:         make(map[string]*gobilling.Plan, len(st.plans)),
		subscriptions: make(map[string]*gobilling.Subscription, len(st.subscriptions)),
		invoices:      make(map[string]*gobilling.Invoice, len(st.invoices)),
		payments:      make(map[string]*gobilling.Payment, len(st.payments)),
		events:        make(map[string]*gobilling.ProcessedEvent, len(st.events)),
	}
	for k, v := range st.users {
		c := *v
		next.users[k] = &c
	}
	for k, v := range st.plans {
		c := *v
		next.plans[k] = &c
	}
	for k, v := range st.subscriptions {
		c := *v
		next.subscriptions[k] = &c
	}
	for k, v := range st.invoices {
		c := *v
		next.invoices[k] = &c
	}
	for k, v := range st.payments {
		c := *v
		next.payments[k] = &c
	}
	for k, v := range st.events {
		c := *v
		next.events[k] = &c
	}
	return next
}

// GetUser implements gobilling.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*gobilling.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getUser(userID)
}

func (st *state) getUser(userID string) (*gobilling.User, error) {
	user, ok := st.users[userID]
	if !ok {
		return nil, gobilling.ErrUserNotFound
	}
	// Return a copy to prevent external mutations
	c := *user
	return &c, nil
}

// GetUserByEmail implements gobilling.Store
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*gobilling.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getUserBy(func(u *gobilling.User) bool { return u.Email == email && email != "" })
}

// GetUserByCustomerID implements gobilling.Store
func (s *Storage) GetUserByCustomerID(ctx context.Context, customerID string) (*gobilling.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getUserBy(func(u *gobilling.User) bool {
		return u.StripeCustomerID == customerID && customerID != ""
	})
}

// GetUserBySubscriptionID implements gobilling.Store
func (s *Storage) GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*gobilling.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getUserBy(func(u *gobilling.User) bool {
		return u.StripeSubscriptionID == subscriptionID && subscriptionID != ""
	})
}

func (st *state) getUserBy(match func(*gobilling.User) bool) (*gobilling.User, error) {
	for _, u := range st.users {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, gobilling.ErrUserNotFound
}

// CreateUser implements gobilling.Store
func (s *Storage) CreateUser(ctx context.Context, user *gobilling.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createUser(user)
}

func (st *state) createUser(user *gobilling.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	c := *user
	st.users[user.ID] = &c
	return nil
}

// UpdateUser implements gobilling.Store
func (s *Storage) UpdateUser(ctx context.Context, user *gobilling.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateUser(user)
}

func (st *state) updateUser(user *gobilling.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	stored, ok := st.users[user.ID]
	if !ok {
		return gobilling.ErrUserNotFound
	}
	c := *user
	// The balance is owned by adjustUserCredits and setUserCredits; a stale
	// snapshot passed here must not clobber it.
	c.Credits = stored.Credits
	st.users[user.ID] = &c
	return nil
}

// AdjustUserCredits implements gobilling.Store
func (s *Storage) AdjustUserCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.adjustUserCredits(userID, delta)
}

func (st *state) adjustUserCredits(userID string, delta int64) (int64, error) {
	user, ok := st.users[userID]
	if !ok {
		return 0, gobilling.ErrUserNotFound
	}
	next := user.Credits + delta
	if next < 0 {
		return user.Credits, gobilling.ErrInsufficientCredits
	}
	user.Credits = next
	user.UpdatedAt = time.Now().UTC()
	return next, nil
}

// SetUserCredits implements gobilling.Store
func (s *Storage) SetUserCredits(ctx context.Context, userID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.setUserCredits(userID, balance)
}

func (st *state) setUserCredits(userID string, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("invalid balance: %d", balance)
	}
	user, ok := st.users[userID]
	if !ok {
		return gobilling.ErrUserNotFound
	}
	user.Credits = balance
	user.UpdatedAt = time.Now().UTC()
	return nil
}

// GetPlan implements gobilling.Store
func (s *Storage) GetPlan(ctx context.Context, planID string) (*gobilling.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getPlan(planID)
}

func (st *state) getPlan(planID string) (*gobilling.Plan, error) {
	plan, ok := st.plans[planID]
	if !ok {
		return nil, gobilling.ErrPlanNotFound
	}
	c := *plan
	return &c, nil
}

// GetPlanByName implements gobilling.Store
func (s *Storage) GetPlanByName(ctx context.Context, name string) (*gobilling.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.data.plans {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, gobilling.ErrPlanNotFound
}

// GetPlanByPriceID implements gobilling.Store
func (s *Storage) GetPlanByPriceID(ctx context.Context, priceID string) (*gobilling.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getPlanByPriceID(priceID)
}

func (st *state) getPlanByPriceID(priceID string) (*gobilling.Plan, error) {
	if priceID == "" {
		return nil, gobilling.ErrPlanNotFound
	}
	for _, p := range st.plans {
		if p.MonthlyPriceID == priceID || p.YearlyPriceID == priceID {
			c := *p
			return &c, nil
		}
	}
	return nil, gobilling.ErrPlanNotFound
}

// ListPlans implements gobilling.Store
func (s *Storage) ListPlans(ctx context.Context, activeOnly bool) ([]*gobilling.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plans []*gobilling.Plan
	for _, p := range s.data.plans {
		if activeOnly && !p.Active {
			continue
		}
		c := *p
		plans = append(plans, &c)
	}
	return plans, nil
}

// CreatePlan implements gobilling.Store
func (s *Storage) CreatePlan(ctx context.Context, plan *gobilling.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}
	c := *plan
	s.data.plans[plan.ID] = &c
	return nil
}

// CreateSubscription implements gobilling.Store
func (s *Storage) CreateSubscription(ctx context.Context, sub *gobilling.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createSubscription(sub)
}

func (st *state) createSubscription(sub *gobilling.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	c := *sub
	st.subscriptions[sub.ID] = &c
	return nil
}

// UpdateSubscription implements gobilling.Store
func (s *Storage) UpdateSubscription(ctx context.Context, sub *gobilling.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateSubscription(sub)
}

func (st *state) updateSubscription(sub *gobilling.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if _, ok := st.subscriptions[sub.ID]; !ok {
		return gobilling.ErrSubscriptionNotFound
	}
	c := *sub
	st.subscriptions[sub.ID] = &c
	return nil
}

// GetSubscriptionByProviderID implements gobilling.Store
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, subscriptionID string) (*gobilling.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getSubscriptionByProviderID(subscriptionID)
}

func (st *state) getSubscriptionByProviderID(subscriptionID string) (*gobilling.Subscription, error) {
	if subscriptionID == "" {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	for _, sub := range st.subscriptions {
		if sub.StripeSubscriptionID == subscriptionID {
			c := *sub
			return &c, nil
		}
	}
	return nil, gobilling.ErrSubscriptionNotFound
}

// CurrentSubscription implements gobilling.Store
func (s *Storage) CurrentSubscription(ctx context.Context, userID string) (*gobilling.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *gobilling.Subscription
	for _, sub := range s.data.subscriptions {
		if sub.UserID != userID {
			continue
		}
		if sub.Status != gobilling.StatusActive && sub.Status != gobilling.StatusTrialing {
			continue
		}
		if current == nil || sub.CreatedAt.After(current.CreatedAt) {
			current = sub
		}
	}
	if current == nil {
		return nil, gobilling.ErrNoActiveSubscription
	}
	c := *current
	return &c, nil
}

// ListSubscriptionsByStatus implements gobilling.Store
func (s *Storage) ListSubscriptionsByStatus(ctx context.Context, status gobilling.SubscriptionStatus) ([]*gobilling.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []*gobilling.Subscription
	for _, sub := range s.data.subscriptions {
		if sub.Status == status {
			c := *sub
			subs = append(subs, &c)
		}
	}
	return subs, nil
}

// CountSubscriptions implements gobilling.Store
func (s *Storage) CountSubscriptions(ctx context.Context, status gobilling.SubscriptionStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, sub := range s.data.subscriptions {
		if status == "" || sub.Status == status {
			count++
		}
	}
	return count, nil
}

// CreateInvoice implements gobilling.Store
func (s *Storage) CreateInvoice(ctx context.Context, inv *gobilling.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createInvoice(inv)
}

func (st *state) createInvoice(inv *gobilling.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("invalid invoice")
	}
	// Same provider invoice delivered again under a new event ID; keep the
	// existing row, matching the SQL store's conflict handling.
	if inv.StripeInvoiceID != "" {
		for _, existing := range st.invoices {
			if existing.StripeInvoiceID == inv.StripeInvoiceID {
				return nil
			}
		}
	}
	c := *inv
	st.invoices[inv.ID] = &c
	return nil
}

// UpdateInvoice implements gobilling.Store
func (s *Storage) UpdateInvoice(ctx context.Context, inv *gobilling.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateInvoice(inv)
}

func (st *state) updateInvoice(inv *gobilling.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("invalid invoice")
	}
	if _, ok := st.invoices[inv.ID]; !ok {
		return gobilling.ErrInvoiceNotFound
	}
	c := *inv
	st.invoices[inv.ID] = &c
	return nil
}

// GetInvoiceByProviderID implements gobilling.Store
func (s *Storage) GetInvoiceByProviderID(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getInvoiceByProviderID(invoiceID)
}

func (st *state) getInvoiceByProviderID(invoiceID string) (*gobilling.Invoice, error) {
	if invoiceID == "" {
		return nil, gobilling.ErrInvoiceNotFound
	}
	for _, inv := range st.invoices {
		if inv.StripeInvoiceID == invoiceID {
			c := *inv
			return &c, nil
		}
	}
	return nil, gobilling.ErrInvoiceNotFound
}

// SumInvoiceAmounts implements gobilling.Store
func (s *Storage) SumInvoiceAmounts(ctx context.Context, status gobilling.InvoiceStatus) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, inv := range s.data.invoices {
		if inv.Status == status {
			total += inv.Amount
		}
	}
	return total, nil
}

// CreatePayment implements gobilling.Store
func (s *Storage) CreatePayment(ctx context.Context, payment *gobilling.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createPayment(payment)
}

func (st *state) createPayment(payment *gobilling.Payment) error {
	if payment == nil || payment.ID == "" {
		return fmt.Errorf("invalid payment")
	}
	if payment.StripePaymentID != "" {
		for _, existing := range st.payments {
			if existing.StripePaymentID == payment.StripePaymentID {
				return nil
			}
		}
	}
	c := *payment
	st.payments[payment.ID] = &c
	return nil
}

// UpdatePayment implements gobilling.Store
func (s *Storage) UpdatePayment(ctx context.Context, payment *gobilling.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payment == nil || payment.ID == "" {
		return fmt.Errorf("invalid payment")
	}
	if _, ok := s.data.payments[payment.ID]; !ok {
		return gobilling.ErrPaymentNotFound
	}
	c := *payment
	s.data.payments[payment.ID] = &c
	return nil
}

// GetPaymentByProviderID implements gobilling.Store
func (s *Storage) GetPaymentByProviderID(ctx context.Context, paymentID string) (*gobilling.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paymentID == "" {
		return nil, gobilling.ErrPaymentNotFound
	}
	for _, p := range s.data.payments {
		if p.StripePaymentID == paymentID {
			c := *p
			return &c, nil
		}
	}
	return nil, gobilling.ErrPaymentNotFound
}

// SumPaymentAmounts implements gobilling.Store
func (s *Storage) SumPaymentAmounts(ctx context.Context, status gobilling.PaymentStatus) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, p := range s.data.payments {
		if p.Status == status {
			total += p.Amount
		}
	}
	return total, nil
}

// MarkEventProcessed implements gobilling.Store
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.markEventProcessed(eventID, eventType)
}

func (st *state) markEventProcessed(eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	if _, ok := st.events[eventID]; ok {
		return false, nil
	}
	st.events[eventID] = &gobilling.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	return true, nil
}

// InTx implements gobilling.Store. The callback runs against a deep copy of
// the state; the copy replaces the live state only when the callback returns
// nil, which gives memory storage the same all-or-nothing semantics as the
// SQL implementation.
func (s *Storage) InTx(ctx context.Context, fn func(gobilling.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	if err := fn(&txView{data: next}); err != nil {
		return err
	}
	s.data = next
	return nil
}

// Ping implements gobilling.Store
func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

// txView exposes a state snapshot through the Store interface without
// locking; the owning Storage holds the lock for the whole transaction.
type txView struct {
	data *state
}

func (t *txView) GetUser(ctx context.Context, userID string) (*gobilling.User, error) {
	return t.data.getUser(userID)
}

func (t *txView) GetUserByEmail(ctx context.Context, email string) (*gobilling.User, error) {
	return t.data.getUserBy(func(u *gobilling.User) bool { return u.Email == email && email != "" })
}

func (t *txView) GetUserByCustomerID(ctx context.Context, customerID string) (*gobilling.User, error) {
	return t.data.getUserBy(func(u *gobilling.User) bool {
		return u.StripeCustomerID == customerID && customerID != ""
	})
}

func (t *txView) GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*gobilling.User, error) {
	return t.data.getUserBy(func(u *gobilling.User) bool {
		return u.StripeSubscriptionID == subscriptionID && subscriptionID != ""
	})
}

func (t *txView) CreateUser(ctx context.Context, user *gobilling.User) error {
	return t.data.createUser(user)
}

func (t *txView) UpdateUser(ctx context.Context, user *gobilling.User) error {
	return t.data.updateUser(user)
}

func (t *txView) AdjustUserCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	return t.data.adjustUserCredits(userID, delta)
}

func (t *txView) SetUserCredits(ctx context.Context, userID string, balance int64) error {
	return t.data.setUserCredits(userID, balance)
}

func (t *txView) GetPlan(ctx context.Context, planID string) (*gobilling.Plan, error) {
	return t.data.getPlan(planID)
}

func (t *txView) GetPlanByName(ctx context.Context, name string) (*gobilling.Plan, error) {
	for _, p := range t.data.plans {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, gobilling.ErrPlanNotFound
}

func (t *txView) GetPlanByPriceID(ctx context.Context, priceID string) (*gobilling.Plan, error) {
	return t.data.getPlanByPriceID(priceID)
}

func (t *txView) ListPlans(ctx context.Context, activeOnly bool) ([]*gobilling.Plan, error) {
	var plans []*gobilling.Plan
	for _, p := range t.data.plans {
		if activeOnly && !p.Active {
			continue
		}
		c := *p
		plans = append(plans, &c)
	}
	return plans, nil
}

func (t *txView) CreatePlan(ctx context.Context, plan *gobilling.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}
	c := *plan
	t.data.plans[plan.ID] = &c
	return nil
}

func (t *txView) CreateSubscription(ctx context.Context, sub *gobilling.Subscription) error {
	return t.data.createSubscription(sub)
}

func (t *txView) UpdateSubscription(ctx context.Context, sub *gobilling.Subscription) error {
	return t.data.updateSubscription(sub)
}

func (t *txView) GetSubscriptionByProviderID(ctx context.Context, subscriptionID string) (*gobilling.Subscription, error) {
	return t.data.getSubscriptionByProviderID(subscriptionID)
}

func (t *txView) CurrentSubscription(ctx context.Context, userID string) (*gobilling.Subscription, error) {
	var current *gobilling.Subscription
	for _, sub := range t.data.subscriptions {
		if sub.UserID != userID {
			continue
		}
		if sub.Status != gobilling.StatusActive && sub.Status != gobilling.StatusTrialing {
			continue
		}
		if current == nil || sub.CreatedAt.After(current.CreatedAt) {
			current = sub
		}
	}
	if current == nil {
		return nil, gobilling.ErrNoActiveSubscription
	}
	c := *current
	return &c, nil
}

func (t *txView) ListSubscriptionsByStatus(ctx context.Context, status gobilling.SubscriptionStatus) ([]*gobilling.Subscription, error) {
	var subs []*gobilling.Subscription
	for _, sub := range t.data.subscriptions {
		if sub.Status == status {
			c := *sub
			subs = append(subs, &c)
		}
	}
	return subs, nil
}

func (t *txView) CountSubscriptions(ctx context.Context, status gobilling.SubscriptionStatus) (int64, error) {
	var count int64
	for _, sub := range t.data.subscriptions {
		if status == "" || sub.Status == status {
			count++
		}
	}
	return count, nil
}

func (t *txView) CreateInvoice(ctx context.Context, inv *gobilling.Invoice) error {
	return t.data.createInvoice(inv)
}

func (t *txView) UpdateInvoice(ctx context.Context, inv *gobilling.Invoice) error {
	return t.data.updateInvoice(inv)
}

func (t *txView) GetInvoiceByProviderID(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	return t.data.getInvoiceByProviderID(invoiceID)
}

func (t *txView) SumInvoiceAmounts(ctx context.Context, status gobilling.InvoiceStatus) (float64, error) {
	var total float64
	for _, inv := range t.data.invoices {
		if inv.Status == status {
			total += inv.Amount
		}
	}
	return total, nil
}

func (t *txView) CreatePayment(ctx context.Context, payment *gobilling.Payment) error {
	return t.data.createPayment(payment)
}

func (t *txView) UpdatePayment(ctx context.Context, payment *gobilling.Payment) error {
	if payment == nil || payment.ID == "" {
		return fmt.Errorf("invalid payment")
	}
	if _, ok := t.data.payments[payment.ID]; !ok {
		return gobilling.ErrPaymentNotFound
	}
	c := *payment
	t.data.payments[payment.ID] = &c
	return nil
}

func (t *txView) GetPaymentByProviderID(ctx context.Context, paymentID string) (*gobilling.Payment, error) {
	if paymentID == "" {
		return nil, gobilling.ErrPaymentNotFound
	}
	for _, p := range t.data.payments {
		if p.StripePaymentID == paymentID {
			c := *p
			return &c, nil
		}
	}
	return nil, gobilling.ErrPaymentNotFound
}

func (t *txView) SumPaymentAmounts(ctx context.Context, status gobilling.PaymentStatus) (float64, error) {
	var total float64
	for _, p := range t.data.payments {
		if p.Status == status {
			total += p.Amount
		}
	}
	return total, nil
}

func (t *txView) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	return t.data.markEventProcessed(eventID, eventType)
}

func (t *txView) InTx(ctx context.Context, fn func(gobilling.Store) error) error {
	// Already inside a transaction; run against the same snapshot.
	return fn(t)
}

func (t *txView) Ping(ctx context.Context) error {
	return nil
}
