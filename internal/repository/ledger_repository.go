package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/creditcanvas/internal/models"
)

// LedgerRepository owns the accounts table. Every balance change is a
// server-side increment so concurrent writers never lose an update.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) FindByUserID(ctx context.Context, userID string) (*models.Account, error) {
	const query = `
SELECT user_id, COALESCE(email, ''), credits, created_at, updated_at
FROM accounts WHERE user_id = ?`
	var a models.Account
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&a.UserID, &a.Email, &a.Credits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// Ensure creates the account on first activity and refreshes the email.
func (r *LedgerRepository) Ensure(ctx context.Context, userID, email string) (*models.Account, error) {
	const query = `
INSERT INTO accounts (user_id, email, credits)
VALUES (?, NULLIF(?, ''), 0)
ON DUPLICATE KEY UPDATE email = COALESCE(NULLIF(VALUES(email), ''), email)`
	if _, err := r.db.ExecContext(ctx, query, userID, email); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	account, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("ensure account %s: row vanished", userID)
	}
	return account, nil
}

// Balance returns 0 for a user without an account.
func (r *LedgerRepository) Balance(ctx context.Context, userID string) (int, error) {
	const query = `SELECT credits FROM accounts WHERE user_id = ?`
	var credits int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return credits, nil
}

// Adjust adds delta (negative to debit) and returns the resulting balance.
func (r *LedgerRepository) Adjust(ctx context.Context, userID string, delta int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin adjust: %w", err)
	}
	defer tx.Rollback()

	balance, err := adjustTx(ctx, tx, userID, delta)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit adjust: %w", err)
	}
	return balance, nil
}

// Apply records txn and moves the balance by txn.Credits in one database
// transaction. A reused idempotency key yields ErrDuplicate and changes
// nothing.
func (r *LedgerRepository) Apply(ctx context.Context, txn *models.Transaction) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return 0, err
	}
	balance, err := adjustTx(ctx, tx, txn.UserID, txn.Credits)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply: %w", err)
	}
	return balance, nil
}

func adjustTx(ctx context.Context, tx *sql.Tx, userID string, delta int) (int, error) {
	const upsert = `
INSERT INTO accounts (user_id, credits) VALUES (?, ?)
ON DUPLICATE KEY UPDATE credits = credits + VALUES(credits), updated_at = NOW()`
	if _, err := tx.ExecContext(ctx, upsert, userID, delta); err != nil {
		return 0, fmt.Errorf("adjust credits: %w", err)
	}
	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT credits FROM accounts WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read adjusted balance: %w", err)
	}
	return balance, nil
}
