package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/abkawan/venue-payments/internal/db"
	"github.com/abkawan/venue-payments/internal/models"
)

// handles owner balance and history reads
type AccountService struct {
	store  LedgerStore
	owners OwnerDirectory
}

// creates a new Account Service
func NewAccountService(store LedgerStore, owners OwnerDirectory) *AccountService {
	return &AccountService{
		store:  store,
		owners: owners,
	}
}

// retrieves an owner by email
func (s *AccountService) GetOwner(ctx context.Context, email string) (*models.Owner, error) {
	owner, err := s.owners.GetOwner(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrOwnerNotFound) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}

	return owner, nil
}

// GetBalance sums every balance record the owner holds. An owner with no
// records has a zero balance.
func (s *AccountService) GetBalance(ctx context.Context, email string) (*models.BalanceResponse, error) {
	balances, err := s.store.BalancesByOwner(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &models.BalanceResponse{
		OwnerEmail:  email,
		TotalAmount: models.SumBalances(balances),
	}, nil
}

// retrieves an owner's transactions, newest first
func (s *AccountService) ListTransactions(ctx context.Context, email string, limit, offset int) ([]*models.Transaction, error) {
	txs, err := s.store.ListTransactionsByOwner(ctx, email, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	return txs, nil
}
