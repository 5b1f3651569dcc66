package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New()

	user := &gobilling.User{
		ID:               "user-1",
		Email:            "test@example.com",
		Credits:          100,
		SubscriptionTier: gobilling.FreePlanName,
	}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Credits)

	// Mutating the returned copy must not affect stored state.
	got.Credits = 0
	again, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.Credits)

	byEmail, err := store.GetUserByEmail(ctx, "test@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", byEmail.ID)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, gobilling.ErrUserNotFound)
}

func TestUserLookupByStripeIdentifiers(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreateUser(ctx, &gobilling.User{
		ID:                   "user-1",
		Email:                "a@example.com",
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
	}))
	require.NoError(t, store.CreateUser(ctx, &gobilling.User{
		ID:    "user-2",
		Email: "b@example.com",
	}))

	byCustomer, err := store.GetUserByCustomerID(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "user-1", byCustomer.ID)

	bySub, err := store.GetUserBySubscriptionID(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "user-1", bySub.ID)

	// Empty identifiers never match users with empty fields.
	_, err = store.GetUserByCustomerID(ctx, "")
	assert.ErrorIs(t, err, gobilling.ErrUserNotFound)
	_, err = store.GetUserBySubscriptionID(ctx, "")
	assert.ErrorIs(t, err, gobilling.ErrUserNotFound)
}

func TestAdjustUserCredits(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.CreateUser(ctx, &gobilling.User{ID: "user-1", Credits: 50}))

	balance, err := store.AdjustUserCredits(ctx, "user-1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance)

	balance, err = store.AdjustUserCredits(ctx, "user-1", -75)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	_, err = store.AdjustUserCredits(ctx, "user-1", -1)
	assert.ErrorIs(t, err, gobilling.ErrInsufficientCredits)

	got, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Credits, "failed deduction must not change balance")
}

func TestUpdateUserLeavesBalanceAlone(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.CreateUser(ctx, &gobilling.User{ID: "user-1", Credits: 0}))

	// Snapshot taken before a concurrent grant.
	snapshot, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)

	_, err = store.AdjustUserCredits(ctx, "user-1", 1000)
	require.NoError(t, err)

	snapshot.SubscriptionTier = "pro"
	require.NoError(t, store.UpdateUser(ctx, snapshot))

	got, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", got.SubscriptionTier)
	assert.Equal(t, int64(1000), got.Credits, "stale snapshot must not clobber the granted balance")
}

func TestSetUserCredits(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.CreateUser(ctx, &gobilling.User{ID: "user-1", Credits: 750}))

	require.NoError(t, store.SetUserCredits(ctx, "user-1", 50))
	got, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Credits)

	assert.Error(t, store.SetUserCredits(ctx, "user-1", -1))
	assert.ErrorIs(t, store.SetUserCredits(ctx, "missing", 10), gobilling.ErrUserNotFound)
}

func TestPlanQueries(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreatePlan(ctx, &gobilling.Plan{
		ID:             "plan-pro",
		Name:           "pro",
		Credits:        1000,
		MonthlyPriceID: "price_month",
		YearlyPriceID:  "price_year",
		Active:         true,
	}))
	require.NoError(t, store.CreatePlan(ctx, &gobilling.Plan{
		ID:     "plan-legacy",
		Name:   "legacy",
		Active: false,
	}))

	byName, err := store.GetPlanByName(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, "plan-pro", byName.ID)

	byPrice, err := store.GetPlanByPriceID(ctx, "price_year")
	require.NoError(t, err)
	assert.Equal(t, "plan-pro", byPrice.ID)

	_, err = store.GetPlanByPriceID(ctx, "price_unknown")
	assert.ErrorIs(t, err, gobilling.ErrPlanNotFound)

	active, err := store.ListPlans(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := store.ListPlans(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSubscriptionQueries(t *testing.T) {
	ctx := context.Background()
	store := New()

	older := &gobilling.Subscription{
		ID:                   "sub-1",
		UserID:               "user-1",
		StripeSubscriptionID: "sub_old",
		Status:               gobilling.StatusActive,
		CreatedAt:            time.Now().Add(-time.Hour),
	}
	newer := &gobilling.Subscription{
		ID:                   "sub-2",
		UserID:               "user-1",
		StripeSubscriptionID: "sub_new",
		Status:               gobilling.StatusActive,
		CreatedAt:            time.Now(),
	}
	canceled := &gobilling.Subscription{
		ID:        "sub-3",
		UserID:    "user-1",
		Status:    gobilling.StatusCanceled,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateSubscription(ctx, older))
	require.NoError(t, store.CreateSubscription(ctx, newer))
	require.NoError(t, store.CreateSubscription(ctx, canceled))

	current, err := store.CurrentSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-2", current.ID)

	byProvider, err := store.GetSubscriptionByProviderID(ctx, "sub_old")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", byProvider.ID)

	activeCount, err := store.CountSubscriptions(ctx, gobilling.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, int64(2), activeCount)

	total, err := store.CountSubscriptions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, err = store.CurrentSubscription(ctx, "user-2")
	assert.ErrorIs(t, err, gobilling.ErrNoActiveSubscription)
}

func TestRevenueSums(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreateInvoice(ctx, &gobilling.Invoice{
		ID: "inv-1", StripeInvoiceID: "in_1", Status: gobilling.InvoicePaid, Amount: 29.99,
	}))
	require.NoError(t, store.CreateInvoice(ctx, &gobilling.Invoice{
		ID: "inv-2", StripeInvoiceID: "in_2", Status: gobilling.InvoicePaymentFailed, Amount: 29.99,
	}))
	require.NoError(t, store.CreatePayment(ctx, &gobilling.Payment{
		ID: "pay-1", StripePaymentID: "pi_1", Status: gobilling.PaymentSucceeded, Amount: 29.99,
	}))

	invoiceTotal, err := store.SumInvoiceAmounts(ctx, gobilling.InvoicePaid)
	require.NoError(t, err)
	assert.InDelta(t, 29.99, invoiceTotal, 0.0001)

	paymentTotal, err := store.SumPaymentAmounts(ctx, gobilling.PaymentSucceeded)
	require.NoError(t, err)
	assert.InDelta(t, 29.99, paymentTotal, 0.0001)
}

func TestCreateInvoiceDedupesOnProviderID(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreateInvoice(ctx, &gobilling.Invoice{
		ID: "inv-1", StripeInvoiceID: "in_1", Status: gobilling.InvoicePaid, Amount: 29.99,
	}))
	// Redelivery under a fresh event produces a new internal ID but the same
	// provider invoice; only the first row survives.
	require.NoError(t, store.CreateInvoice(ctx, &gobilling.Invoice{
		ID: "inv-2", StripeInvoiceID: "in_1", Status: gobilling.InvoicePaid, Amount: 29.99,
	}))

	total, err := store.SumInvoiceAmounts(ctx, gobilling.InvoicePaid)
	require.NoError(t, err)
	assert.InDelta(t, 29.99, total, 0.0001, "duplicate provider invoice inflated revenue")

	got, err := store.GetInvoiceByProviderID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", got.ID)
}

func TestCreatePaymentDedupesOnProviderID(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreatePayment(ctx, &gobilling.Payment{
		ID: "pay-1", StripePaymentID: "pi_1", Status: gobilling.PaymentSucceeded, Amount: 29.99,
	}))
	require.NoError(t, store.CreatePayment(ctx, &gobilling.Payment{
		ID: "pay-2", StripePaymentID: "pi_1", Status: gobilling.PaymentSucceeded, Amount: 29.99,
	}))

	total, err := store.SumPaymentAmounts(ctx, gobilling.PaymentSucceeded)
	require.NoError(t, err)
	assert.InDelta(t, 29.99, total, 0.0001, "duplicate provider payment inflated revenue")
}

func TestMarkEventProcessed(t *testing.T) {
	ctx := context.Background()
	store := New()

	first, err := store.MarkEventProcessed(ctx, "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.MarkEventProcessed(ctx, "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	assert.False(t, second)

	_, err = store.MarkEventProcessed(ctx, "", "checkout.session.completed")
	assert.Error(t, err)
}

func TestInTxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.CreateUser(ctx, &gobilling.User{ID: "user-1", Credits: 10}))

	err := store.InTx(ctx, func(tx gobilling.Store) error {
		if _, err := tx.AdjustUserCredits(ctx, "user-1", 90); err != nil {
			return err
		}
		first, err := tx.MarkEventProcessed(ctx, "evt_tx", "test")
		if err != nil {
			return err
		}
		require.True(t, first)
		return nil
	})
	require.NoError(t, err)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), user.Credits)

	boom := errors.New("boom")
	err = store.InTx(ctx, func(tx gobilling.Store) error {
		if _, err := tx.AdjustUserCredits(ctx, "user-1", 500); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	user, err = store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), user.Credits, "failed transaction must not leak writes")

	seen, err := store.MarkEventProcessed(ctx, "evt_tx", "test")
	require.NoError(t, err)
	assert.False(t, seen, "committed transaction writes must persist")
}
