package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/creditcanvas/internal/metrics"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/repository"
)

// LedgerStore is the persistence the ledger needs; *repository.LedgerRepository
// implements it.
type LedgerStore interface {
	FindByUserID(ctx context.Context, userID string) (*models.Account, error)
	Ensure(ctx context.Context, userID, email string) (*models.Account, error)
	Balance(ctx context.Context, userID string) (int, error)
	Adjust(ctx context.Context, userID string, delta int) (int, error)
	Apply(ctx context.Context, txn *models.Transaction) (int, error)
}

// LedgerService is the only writer of balances.
type LedgerService struct {
	store   LedgerStore
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewLedgerService(store LedgerStore, log *slog.Logger, m *metrics.Metrics) *LedgerService {
	return &LedgerService{store: store, log: log, metrics: m}
}

func (s *LedgerService) Account(ctx context.Context, userID string) (*models.Account, error) {
	return s.store.FindByUserID(ctx, userID)
}

func (s *LedgerService) EnsureAccount(ctx context.Context, userID, email string) (*models.Account, error) {
	account, err := s.store.Ensure(ctx, userID, email)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return account, nil
}

func (s *LedgerService) Balance(ctx context.Context, userID string) (int, error) {
	return s.store.Balance(ctx, userID)
}

// Debit subtracts amount and returns the new balance, which may be negative
// if concurrent debits raced.
func (s *LedgerService) Debit(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	balance, err := s.store.Adjust(ctx, userID, -amount)
	if err != nil {
		return 0, fmt.Errorf("debit %s: %w", userID, err)
	}
	s.metrics.CreditsDebited(amount)
	if balance < 0 {
		s.log.Warn("balance went negative", "user_id", userID, "balance", balance)
	}
	return balance, nil
}

// Credit applies txn. applied is false when txn's idempotency key was
// already used, in which case nothing changed and balance is the current one.
func (s *LedgerService) Credit(ctx context.Context, txn *models.Transaction) (balance int, applied bool, err error) {
	balance, err = s.store.Apply(ctx, txn)
	if errors.Is(err, repository.ErrDuplicate) {
		s.log.Info("transaction already applied", "user_id", txn.UserID, "idempotency_key", txn.IdempotencyKey)
		current, berr := s.store.Balance(ctx, txn.UserID)
		if berr != nil {
			return 0, false, fmt.Errorf("read balance: %w", berr)
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("apply %s transaction: %w", txn.Type, err)
	}
	s.metrics.CreditsGranted(string(txn.Type), txn.Credits)
	s.log.Info("credits granted", "user_id", txn.UserID, "type", txn.Type, "credits", txn.Credits, "balance", balance)
	return balance, true, nil
}
