package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/creditcanvas/internal/models"
)

type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, user_id, stripe_subscription_id, COALESCE(stripe_customer_id, ''), status, current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_at, created_at, updated_at`

// Create inserts s. A second record for the same processor subscription
// yields ErrDuplicate.
func (r *SubscriptionRepository) Create(ctx context.Context, s *models.Subscription) error {
	const query = `
INSERT INTO subscriptions (user_id, stripe_subscription_id, stripe_customer_id, status, current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_at)
VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, s.UserID, s.StripeSubscriptionID, s.StripeCustomerID, s.Status,
		nullTime(s.CurrentPeriodStart), nullTime(s.CurrentPeriodEnd), s.CancelAtPeriodEnd, nullTime(s.CanceledAt), nullTime(s.LastEventAt))
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert subscription %s: %w", s.StripeSubscriptionID, ErrDuplicate)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("subscription last insert id: %w", err)
	}
	s.ID = id
	return nil
}

func (r *SubscriptionRepository) FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_subscription_id = ?`
	return r.findOne(ctx, query, stripeSubscriptionID)
}

// FindCurrentByUser returns the most recently created subscription of the
// user; older rows are history.
func (r *SubscriptionRepository) FindCurrentByUser(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`
	return r.findOne(ctx, query, userID)
}

// SubscriptionUpdate is the processor-side state carried by one event.
type SubscriptionUpdate struct {
	StripeSubscriptionID string
	Status               string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	EventAt              time.Time
}

// ApplyUpdate writes u unless the record already reflects a newer event.
// It reports whether a row changed.
func (r *SubscriptionRepository) ApplyUpdate(ctx context.Context, u SubscriptionUpdate) (bool, error) {
	const query = `
UPDATE subscriptions
SET status = ?, current_period_start = COALESCE(?, current_period_start), current_period_end = COALESCE(?, current_period_end),
    cancel_at_period_end = ?, canceled_at = COALESCE(?, canceled_at), last_event_at = ?, updated_at = NOW()
WHERE stripe_subscription_id = ? AND (last_event_at IS NULL OR last_event_at <= ?)`
	eventAt := u.EventAt.UTC()
	res, err := r.db.ExecContext(ctx, query, u.Status, nullTime(u.CurrentPeriodStart), nullTime(u.CurrentPeriodEnd),
		u.CancelAtPeriodEnd, nullTime(u.CanceledAt), eventAt, u.StripeSubscriptionID, eventAt)
	if err != nil {
		return false, fmt.Errorf("update subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("subscription rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkCanceled mirrors a user-initiated cancel-at-period-end.
func (r *SubscriptionRepository) MarkCanceled(ctx context.Context, id int64, status string, canceledAt time.Time, cancelAtPeriodEnd bool) error {
	const query = `
UPDATE subscriptions SET status = ?, canceled_at = ?, cancel_at_period_end = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, canceledAt.UTC(), cancelAtPeriodEnd, id); err != nil {
		return fmt.Errorf("mark subscription canceled: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) findOne(ctx context.Context, query string, arg any) (*models.Subscription, error) {
	var s models.Subscription
	var start, end, canceled, lastEvent sql.NullTime
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&s.ID, &s.UserID, &s.StripeSubscriptionID, &s.StripeCustomerID, &s.Status,
		&start, &end, &s.CancelAtPeriodEnd, &canceled, &lastEvent, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.CurrentPeriodStart = timePtr(start)
	s.CurrentPeriodEnd = timePtr(end)
	s.CanceledAt = timePtr(canceled)
	s.LastEventAt = timePtr(lastEvent)
	return &s, nil
}
