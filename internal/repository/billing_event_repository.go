package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// BillingEventRepository remembers which processor events were applied.
type BillingEventRepository struct {
	db *sql.DB
}

func NewBillingEventRepository(db *sql.DB) *BillingEventRepository {
	return &BillingEventRepository{db: db}
}

func (r *BillingEventRepository) Processed(ctx context.Context, eventID string) (bool, error) {
	const query = `SELECT COUNT(*) FROM billing_events WHERE event_id = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, query, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("check billing event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records eventID. Recording the same id twice is not an error.
func (r *BillingEventRepository) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	const query = `INSERT IGNORE INTO billing_events (event_id, event_type) VALUES (?, ?)`
	if _, err := r.db.ExecContext(ctx, query, eventID, eventType); err != nil {
		return fmt.Errorf("record billing event: %w", err)
	}
	return nil
}
