// Package postgres provides a PostgreSQL implementation of the
// gobilling.Store interface. Multi-row webhook updates run inside SQL
// transactions; credit adjustments are single atomic UPDATEs guarded at the
// database so concurrent deliveries cannot drive a balance negative.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// querier is the method set shared by pgxpool.Pool and pgx.Tx, letting the
// same query code run inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Processed-event retention. Old rows are removed by a background
	// cleanup goroutine; events older than the TTL can no longer be
	// deduplicated, which is safe because Stripe stops redelivering long
	// before then.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	EventTTL        time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventTTL:        30 * 24 * time.Hour,
	}
}

// conn implements the query side of gobilling.Store against a querier.
type conn struct {
	db querier
}

// Storage implements gobilling.Store using PostgreSQL
type Storage struct {
	conn
	pool        *pgxpool.Pool
	config      Config
	stopCleanup func()
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		conn:        conn{db: pool},
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema when it does not exist yet
func (s *Storage) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                     TEXT PRIMARY KEY,
	email                  TEXT NOT NULL DEFAULT '',
	credits                BIGINT NOT NULL DEFAULT 0,
	subscription_tier      TEXT NOT NULL DEFAULT 'free',
	stripe_customer_id     TEXT NOT NULL DEFAULT '',
	stripe_subscription_id TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users (email);
CREATE INDEX IF NOT EXISTS idx_users_stripe_customer ON users (stripe_customer_id);
CREATE INDEX IF NOT EXISTS idx_users_stripe_subscription ON users (stripe_subscription_id);

CREATE TABLE IF NOT EXISTS plans (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	display_name     TEXT NOT NULL DEFAULT '',
	credits          BIGINT NOT NULL DEFAULT 0,
	price            DOUBLE PRECISION NOT NULL DEFAULT 0,
	yearly_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
	monthly_price_id TEXT NOT NULL DEFAULT '',
	yearly_price_id  TEXT NOT NULL DEFAULT '',
	active           BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	plan_id                TEXT NOT NULL,
	status                 TEXT NOT NULL,
	billing_interval       TEXT NOT NULL DEFAULT 'monthly',
	current_period_start   TIMESTAMPTZ,
	current_period_end     TIMESTAMPTZ,
	cancel_at_period_end   BOOLEAN NOT NULL DEFAULT FALSE,
	stripe_subscription_id TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions (user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe ON subscriptions (stripe_subscription_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status);

CREATE TABLE IF NOT EXISTS invoices (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL DEFAULT '',
	subscription_id   TEXT NOT NULL DEFAULT '',
	amount            DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency          TEXT NOT NULL DEFAULT 'usd',
	status            TEXT NOT NULL,
	stripe_invoice_id TEXT NOT NULL UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payments (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL DEFAULT '',
	invoice_id        TEXT NOT NULL DEFAULT '',
	amount            DOUBLE PRECISION NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	refunded          BOOLEAN NOT NULL DEFAULT FALSE,
	refunded_amount   DOUBLE PRECISION NOT NULL DEFAULT 0,
	stripe_payment_id TEXT NOT NULL UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const userColumns = `id, email, credits, subscription_tier, stripe_customer_id, stripe_subscription_id, created_at, updated_at`

func scanUser(row pgx.Row) (*gobilling.User, error) {
	var u gobilling.User
	err := row.Scan(&u.ID, &u.Email, &u.Credits, &u.SubscriptionTier,
		&u.StripeCustomerID, &u.StripeSubscriptionID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// GetUser implements gobilling.Store
func (c *conn) GetUser(ctx context.Context, userID string) (*gobilling.User, error) {
	return scanUser(c.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// GetUserByEmail implements gobilling.Store
func (c *conn) GetUserByEmail(ctx context.Context, email string) (*gobilling.User, error) {
	if email == "" {
		return nil, gobilling.ErrUserNotFound
	}
	return scanUser(c.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 LIMIT 1`, email))
}

// GetUserByCustomerID implements gobilling.Store
func (c *conn) GetUserByCustomerID(ctx context.Context, customerID string) (*gobilling.User, error) {
	if customerID == "" {
		return nil, gobilling.ErrUserNotFound
	}
	return scanUser(c.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1 LIMIT 1`, customerID))
}

// GetUserBySubscriptionID implements gobilling.Store
func (c *conn) GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*gobilling.User, error) {
	if subscriptionID == "" {
		return nil, gobilling.ErrUserNotFound
	}
	return scanUser(c.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_subscription_id = $1 LIMIT 1`, subscriptionID))
}

// CreateUser implements gobilling.Store
func (c *conn) CreateUser(ctx context.Context, user *gobilling.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	_, err := c.db.Exec(ctx,
		`INSERT INTO users (`+userColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.Credits, user.SubscriptionTier,
		user.StripeCustomerID, user.StripeSubscriptionID, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateUser implements gobilling.Store. Credits are not written here; all
// balance changes go through AdjustUserCredits or SetUserCredits so they
// stay atomic.
func (c *conn) UpdateUser(ctx context.Context, user *gobilling.User) error {
	tag, err := c.db.Exec(ctx,
		`UPDATE users SET
			email = $2,
			subscription_tier = $3,
			stripe_customer_id = $4,
			stripe_subscription_id = $5,
			updated_at = $6
		WHERE id = $1`,
		user.ID, user.Email, user.SubscriptionTier,
		user.StripeCustomerID, user.StripeSubscriptionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrUserNotFound
	}
	return nil
}

// AdjustUserCredits implements gobilling.Store. The balance floor is enforced
// in the UPDATE itself so concurrent adjustments cannot race below zero.
func (c *conn) AdjustUserCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := c.db.QueryRow(ctx,
		`UPDATE users
			SET credits = credits + $2, updated_at = now()
		WHERE id = $1 AND credits + $2 >= 0
		RETURNING credits`,
		userID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the user is missing or the floor blocked the update.
		var current int64
		checkErr := c.db.QueryRow(ctx,
			`SELECT credits FROM users WHERE id = $1`, userID).Scan(&current)
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return 0, gobilling.ErrUserNotFound
		}
		if checkErr != nil {
			return 0, fmt.Errorf("failed to read balance: %w", checkErr)
		}
		return current, gobilling.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust credits: %w", err)
	}
	return balance, nil
}

// SetUserCredits implements gobilling.Store
func (c *conn) SetUserCredits(ctx context.Context, userID string, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("invalid balance: %d", balance)
	}
	tag, err := c.db.Exec(ctx,
		`UPDATE users SET credits = $2, updated_at = now() WHERE id = $1`,
		userID, balance)
	if err != nil {
		return fmt.Errorf("failed to set credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrUserNotFound
	}
	return nil
}

const planColumns = `id, name, display_name, credits, price, yearly_price, monthly_price_id, yearly_price_id, active`

func scanPlan(row pgx.Row) (*gobilling.Plan, error) {
	var p gobilling.Plan
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Credits, &p.Price,
		&p.YearlyPrice, &p.MonthlyPriceID, &p.YearlyPriceID, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	return &p, nil
}

// GetPlan implements gobilling.Store
func (c *conn) GetPlan(ctx context.Context, planID string) (*gobilling.Plan, error) {
	return scanPlan(c.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, planID))
}

// GetPlanByName implements gobilling.Store
func (c *conn) GetPlanByName(ctx context.Context, name string) (*gobilling.Plan, error) {
	return scanPlan(c.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE name = $1`, name))
}

// GetPlanByPriceID implements gobilling.Store
func (c *conn) GetPlanByPriceID(ctx context.Context, priceID string) (*gobilling.Plan, error) {
	if priceID == "" {
		return nil, gobilling.ErrPlanNotFound
	}
	return scanPlan(c.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans
			WHERE monthly_price_id = $1 OR yearly_price_id = $1
		LIMIT 1`, priceID))
}

// ListPlans implements gobilling.Store
func (c *conn) ListPlans(ctx context.Context, activeOnly bool) ([]*gobilling.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY price`

	rows, err := c.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*gobilling.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// CreatePlan implements gobilling.Store
func (c *conn) CreatePlan(ctx context.Context, plan *gobilling.Plan) error {
	_, err := c.db.Exec(ctx,
		`INSERT INTO plans (`+planColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			display_name = EXCLUDED.display_name,
			credits = EXCLUDED.credits,
			price = EXCLUDED.price,
			yearly_price = EXCLUDED.yearly_price,
			monthly_price_id = EXCLUDED.monthly_price_id,
			yearly_price_id = EXCLUDED.yearly_price_id,
			active = EXCLUDED.active`,
		plan.ID, plan.Name, plan.DisplayName, plan.Credits, plan.Price,
		plan.YearlyPrice, plan.MonthlyPriceID, plan.YearlyPriceID, plan.Active)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, user_id, plan_id, status, billing_interval, current_period_start,
	current_period_end, cancel_at_period_end, stripe_subscription_id, created_at, updated_at`

func scanSubscription(row pgx.Row) (*gobilling.Subscription, error) {
	var s gobilling.Subscription
	var periodStart, periodEnd *time.Time
	var status, interval string
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &status, &interval,
		&periodStart, &periodEnd, &s.CancelAtPeriodEnd, &s.StripeSubscriptionID,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	s.Status = gobilling.SubscriptionStatus(status)
	s.Interval = gobilling.Interval(interval)
	if periodStart != nil {
		s.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		s.CurrentPeriodEnd = *periodEnd
	}
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// CreateSubscription implements gobilling.Store
func (c *conn) CreateSubscription(ctx context.Context, sub *gobilling.Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	_, err := c.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.UserID, sub.PlanID, string(sub.Status), string(sub.Interval),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, sub.StripeSubscriptionID, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements gobilling.Store
func (c *conn) UpdateSubscription(ctx context.Context, sub *gobilling.Subscription) error {
	tag, err := c.db.Exec(ctx,
		`UPDATE subscriptions SET
			plan_id = $2,
			status = $3,
			billing_interval = $4,
			current_period_start = $5,
			current_period_end = $6,
			cancel_at_period_end = $7,
			updated_at = $8
		WHERE id = $1`,
		sub.ID, sub.PlanID, string(sub.Status), string(sub.Interval),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrSubscriptionNotFound
	}
	return nil
}

// GetSubscriptionByProviderID implements gobilling.Store
func (c *conn) GetSubscriptionByProviderID(ctx context.Context, subscriptionID string) (*gobilling.Subscription, error) {
	if subscriptionID == "" {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	return scanSubscription(c.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE stripe_subscription_id = $1
		ORDER BY created_at DESC LIMIT 1`, subscriptionID))
}

// CurrentSubscription implements gobilling.Store
func (c *conn) CurrentSubscription(ctx context.Context, userID string) (*gobilling.Subscription, error) {
	sub, err := scanSubscription(c.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status IN ('active', 'trialing')
		ORDER BY created_at DESC LIMIT 1`, userID))
	if errors.Is(err, gobilling.ErrSubscriptionNotFound) {
		return nil, gobilling.ErrNoActiveSubscription
	}
	return sub, err
}

// ListSubscriptionsByStatus implements gobilling.Store
func (c *conn) ListSubscriptionsByStatus(ctx context.Context, status gobilling.SubscriptionStatus) ([]*gobilling.Subscription, error) {
	rows, err := c.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1
		ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*gobilling.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CountSubscriptions implements gobilling.Store
func (c *conn) CountSubscriptions(ctx context.Context, status gobilling.SubscriptionStatus) (int64, error) {
	var count int64
	var err error
	if status == "" {
		err = c.db.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&count)
	} else {
		err = c.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM subscriptions WHERE status = $1`, string(status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return count, nil
}

const invoiceColumns = `id, user_id, subscription_id, amount, currency, status, stripe_invoice_id, created_at, updated_at`

func scanInvoice(row pgx.Row) (*gobilling.Invoice, error) {
	var inv gobilling.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.UserID, &inv.SubscriptionID, &inv.Amount,
		&inv.Currency, &status, &inv.StripeInvoiceID, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	inv.Status = gobilling.InvoiceStatus(status)
	return &inv, nil
}

// CreateInvoice implements gobilling.Store
func (c *conn) CreateInvoice(ctx context.Context, inv *gobilling.Invoice) error {
	now := time.Now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = now
	}
	_, err := c.db.Exec(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stripe_invoice_id) DO NOTHING`,
		inv.ID, inv.UserID, inv.SubscriptionID, inv.Amount, inv.Currency,
		string(inv.Status), inv.StripeInvoiceID, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// UpdateInvoice implements gobilling.Store
func (c *conn) UpdateInvoice(ctx context.Context, inv *gobilling.Invoice) error {
	tag, err := c.db.Exec(ctx,
		`UPDATE invoices SET
			amount = $2,
			currency = $3,
			status = $4,
			updated_at = $5
		WHERE id = $1`,
		inv.ID, inv.Amount, inv.Currency, string(inv.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrInvoiceNotFound
	}
	return nil
}

// GetInvoiceByProviderID implements gobilling.Store
func (c *conn) GetInvoiceByProviderID(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	if invoiceID == "" {
		return nil, gobilling.ErrInvoiceNotFound
	}
	return scanInvoice(c.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE stripe_invoice_id = $1`, invoiceID))
}

// SumInvoiceAmounts implements gobilling.Store
func (c *conn) SumInvoiceAmounts(ctx context.Context, status gobilling.InvoiceStatus) (float64, error) {
	var total float64
	err := c.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM invoices WHERE status = $1`,
		string(status)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum invoices: %w", err)
	}
	return total, nil
}

const paymentColumns = `id, user_id, invoice_id, amount, status, refunded, refunded_amount, stripe_payment_id, created_at, updated_at`

func scanPayment(row pgx.Row) (*gobilling.Payment, error) {
	var p gobilling.Payment
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.InvoiceID, &p.Amount, &status,
		&p.Refunded, &p.RefundedAmount, &p.StripePaymentID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.Status = gobilling.PaymentStatus(status)
	return &p, nil
}

// CreatePayment implements gobilling.Store
func (c *conn) CreatePayment(ctx context.Context, payment *gobilling.Payment) error {
	now := time.Now().UTC()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = now
	}
	_, err := c.db.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stripe_payment_id) DO NOTHING`,
		payment.ID, payment.UserID, payment.InvoiceID, payment.Amount,
		string(payment.Status), payment.Refunded, payment.RefundedAmount,
		payment.StripePaymentID, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// UpdatePayment implements gobilling.Store
func (c *conn) UpdatePayment(ctx context.Context, payment *gobilling.Payment) error {
	tag, err := c.db.Exec(ctx,
		`UPDATE payments SET
			amount = $2,
			status = $3,
			refunded = $4,
			refunded_amount = $5,
			updated_at = $6
		WHERE id = $1`,
		payment.ID, payment.Amount, string(payment.Status),
		payment.Refunded, payment.RefundedAmount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrPaymentNotFound
	}
	return nil
}

// GetPaymentByProviderID implements gobilling.Store
func (c *conn) GetPaymentByProviderID(ctx context.Context, paymentID string) (*gobilling.Payment, error) {
	if paymentID == "" {
		return nil, gobilling.ErrPaymentNotFound
	}
	return scanPayment(c.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE stripe_payment_id = $1`, paymentID))
}

// SumPaymentAmounts implements gobilling.Store
func (c *conn) SumPaymentAmounts(ctx context.Context, status gobilling.PaymentStatus) (float64, error) {
	var total float64
	err := c.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE status = $1`,
		string(status)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum payments: %w", err)
	}
	return total, nil
}

// MarkEventProcessed implements gobilling.Store. The primary key on event_id
// plus ON CONFLICT DO NOTHING makes the first-delivery check race-free even
// across concurrent webhook handlers.
func (c *conn) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	tag, err := c.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// txStore adapts a transaction to the Store interface
type txStore struct {
	conn
}

// InTx on a transaction reuses the same transaction.
func (t *txStore) InTx(ctx context.Context, fn func(gobilling.Store) error) error {
	return fn(t)
}

// Ping implements gobilling.Store
func (t *txStore) Ping(ctx context.Context) error {
	_, err := t.db.Exec(ctx, `SELECT 1`)
	return err
}

// InTx implements gobilling.Store
func (s *Storage) InTx(ctx context.Context, fn func(gobilling.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{conn{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Ping implements gobilling.Store
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // best effort; retried next tick
			_ = s.cleanupProcessedEvents(ctx)
		}
	}
}

func (s *Storage) cleanupProcessedEvents(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	return err
}

// Cleanup removes processed events older than the configured TTL
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupProcessedEvents(ctx)
}
