package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/creditcanvas/internal/models"
)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create appends txn. A reused idempotency key yields ErrDuplicate.
func (r *TransactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	return insertTransaction(ctx, r.db, txn)
}

func insertTransaction(ctx context.Context, db execer, txn *models.Transaction) error {
	const query = `
INSERT INTO transactions (user_id, type, credits, amount_minor, currency, external_id, idempotency_key, status)
VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`
	if txn.Status == "" {
		txn.Status = "completed"
	}
	res, err := db.ExecContext(ctx, query, txn.UserID, txn.Type, txn.Credits, txn.AmountMinor, txn.Currency, txn.ExternalID, nullString(txn.IdempotencyKey), txn.Status)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert transaction %s: %w", txn.IdempotencyKey, ErrDuplicate)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("transaction last insert id: %w", err)
	}
	txn.ID = id
	return nil
}

func (r *TransactionRepository) ExistsByKey(ctx context.Context, key string) (bool, error) {
	const query = `SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		return false, fmt.Errorf("count transactions by key: %w", err)
	}
	return n > 0, nil
}

func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, user_id, type, credits, amount_minor, COALESCE(currency, ''), COALESCE(external_id, ''), COALESCE(idempotency_key, ''), status, created_at
FROM transactions
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Credits, &t.AmountMinor, &t.Currency, &t.ExternalID, &t.IdempotencyKey, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
