package service

import (
	"context"

	"github.com/digkill/creditcanvas/internal/models"
)

// recentTransactions is how much ledger history the account view carries.
const recentTransactions = 20

type AccountView struct {
	Account      *models.Account      `json:"account"`
	Subscription *models.Subscription `json:"subscription"`
	Transactions []models.Transaction `json:"transactions"`
}

type subscriptionLookup interface {
	CurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

type transactionHistory interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
}

// AccountService assembles what a user sees about their own account.
type AccountService struct {
	ledger  *LedgerService
	subs    subscriptionLookup
	history transactionHistory
}

func NewAccountService(ledger *LedgerService, subs subscriptionLookup, history transactionHistory) *AccountService {
	return &AccountService{ledger: ledger, subs: subs, history: history}
}

// View creates the account on first contact and returns it with the most
// recent subscription, if any, and the latest ledger entries.
func (s *AccountService) View(ctx context.Context, userID, email string) (*AccountView, error) {
	account, err := s.ledger.EnsureAccount(ctx, userID, email)
	if err != nil {
		return nil, storageError("load account", err)
	}
	sub, err := s.subs.CurrentSubscription(ctx, userID)
	if err != nil {
		return nil, storageError("load subscription", err)
	}
	txns, err := s.history.ListByUser(ctx, userID, recentTransactions)
	if err != nil {
		return nil, storageError("load transactions", err)
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	return &AccountView{Account: account, Subscription: sub, Transactions: txns}, nil
}
