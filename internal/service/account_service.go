package service

import (
	"context"
	"errors"

	"github.com/mediaforge/api/internal/ledger"
	"github.com/mediaforge/api/internal/model"
)

// AccountService exposes the ledger's account surfaces: balance, the
// transaction log, and applying externally-settled credit purchases. It does
// not implement payment capture.
type AccountService struct {
	ledger *ledger.Ledger
}

func NewAccountService(ldgr *ledger.Ledger) *AccountService {
	return &AccountService{ledger: ldgr}
}

// Balance returns the account's credit position. An account that has never
// been funded reports zero balances rather than an error.
func (s *AccountService) Balance(ctx context.Context, accountID string) (*model.BalanceResponse, error) {
	acct, err := s.ledger.Balance(accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return &model.BalanceResponse{AccountID: accountID}, nil
		}
		return nil, err
	}

	return &model.BalanceResponse{
		AccountID: acct.ID,
		Balance:   acct.Balance,
		Reserved:  acct.Reserved,
		Available: acct.Available(),
	}, nil
}

// AddCredits applies an externally-settled purchase and returns the updated
// position.
func (s *AccountService) AddCredits(ctx context.Context, accountID string, req *model.AddCreditsRequest) (*model.BalanceResponse, error) {
	if _, err := s.ledger.AddCredits(ctx, accountID, req.Amount, req.SourceRef); err != nil {
		return nil, err
	}
	return s.Balance(ctx, accountID)
}

// Transactions returns the account's transaction log, newest first.
func (s *AccountService) Transactions(ctx context.Context, accountID string) (*model.TransactionsResponse, error) {
	txs := s.ledger.Transactions(accountID)
	if txs == nil {
		txs = []model.Transaction{}
	}
	return &model.TransactionsResponse{
		AccountID:    accountID,
		Transactions: txs,
	}, nil
}
