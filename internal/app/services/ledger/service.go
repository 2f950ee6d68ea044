// Package ledger manages credit accounts: every balance change goes through
// the transaction log so the balance stays a pure projection of the log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/roomlift/roomlift/internal/app/domain/ledger"
	"github.com/roomlift/roomlift/internal/app/metrics"
	"github.com/roomlift/roomlift/internal/app/storage"
	"github.com/roomlift/roomlift/pkg/logger"
)

const (
	// TrialBonusCredits is granted once when an account is first created.
	TrialBonusCredits = 10

	// LowBalanceThreshold marks balances at or below it for upsell prompts.
	LowBalanceThreshold = 5
)

// Service manages credit accounts and their transaction logs.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New constructs a ledger service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// BalanceStatus reports an account balance with the upsell flags the frontend
// renders from.
type BalanceStatus struct {
	AccountID    string
	Credits      int64
	Plan         domain.Plan
	IsLowBalance bool
	IsZero       bool
}

// MutationResult reports the balance after a mutation. Status carries the
// upsell flags computed from the committed balance, not from a re-read.
type MutationResult struct {
	Account     domain.Account
	Transaction domain.Transaction
	Status      BalanceStatus
}

// EnsureAccount returns the account for a user, creating it with the trial
// bonus when the user has none yet.
func (s *Service) EnsureAccount(ctx context.Context, userID string) (domain.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Account{}, fmt.Errorf("user_id is required")
	}

	acct, err := s.store.GetAccountByUser(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, err
	}

	acct, err = s.store.CreateAccount(ctx, domain.Account{
		UserID: userID,
		Plan:   domain.PlanTrial,
	})
	if err != nil {
		return domain.Account{}, err
	}

	acct, _, err = s.apply(ctx, domain.Transaction{
		AccountID:   acct.ID,
		Type:        domain.TransactionBonus,
		Amount:      TrialBonusCredits,
		Description: "trial signup bonus",
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("grant trial bonus: %w", err)
	}
	s.log.WithField("account_id", acct.ID).
		WithField("user_id", userID).
		Info("account created with trial bonus")
	return acct, nil
}

// Deduct debits credits for a job. The debit and its log entry land
// atomically; a balance that would go negative rejects the whole mutation
// with InsufficientCreditsError.
func (s *Service) Deduct(ctx context.Context, accountID string, amount int64, description, jobID string) (MutationResult, error) {
	if amount <= 0 {
		return MutationResult{}, domain.ErrInvalidAmount
	}
	acct, tx, err := s.apply(ctx, domain.Transaction{
		AccountID:   accountID,
		Type:        domain.TransactionUsage,
		Amount:      -amount,
		Description: description,
		JobID:       jobID,
	})
	if err != nil {
		var insufficient *domain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			metrics.RecordInsufficientCredits()
		}
		return MutationResult{}, err
	}
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		WithField("balance", acct.Credits).
		Debug("credits deducted")
	return MutationResult{Account: acct, Transaction: tx, Status: statusFor(acct)}, nil
}

// Credit applies a purchase. The amount may carry either sign so operators
// can post corrections such as chargebacks; the store still refuses any
// mutation that would take the balance below zero.
func (s *Service) Credit(ctx context.Context, accountID string, amount int64, description string) (MutationResult, error) {
	if amount == 0 {
		return MutationResult{}, domain.ErrInvalidAmount
	}
	acct, tx, err := s.apply(ctx, domain.Transaction{
		AccountID:   accountID,
		Type:        domain.TransactionPurchase,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		WithField("balance", acct.Credits).
		Info("credits applied")
	return MutationResult{Account: acct, Transaction: tx, Status: statusFor(acct)}, nil
}

// Refund returns credits after a failed job. The refund references the job so
// the log pairs it with the original usage entry.
func (s *Service) Refund(ctx context.Context, accountID string, amount int64, description, jobID string) (MutationResult, error) {
	if amount <= 0 {
		return MutationResult{}, domain.ErrInvalidAmount
	}
	acct, tx, err := s.apply(ctx, domain.Transaction{
		AccountID:   accountID,
		Type:        domain.TransactionRefund,
		Amount:      amount,
		Description: description,
		JobID:       jobID,
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		WithField("job_id", jobID).
		Info("credits refunded")
	return MutationResult{Account: acct, Transaction: tx, Status: statusFor(acct)}, nil
}

// CheckSufficiency reports whether the account can afford a debit without
// performing it. The answer can go stale immediately; callers must still
// handle InsufficientCreditsError from Deduct.
func (s *Service) CheckSufficiency(ctx context.Context, accountID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, domain.ErrInvalidAmount
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.Credits >= amount, nil
}

// GetAccount reads an account without touching it.
func (s *Service) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// Status returns the balance with upsell flags.
func (s *Service) Status(ctx context.Context, accountID string) (BalanceStatus, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return BalanceStatus{}, err
	}
	return statusFor(acct), nil
}

// History lists the account's transactions, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountID, limit, offset)
}

// UpdateBilling records the account's plan and billing customer reference.
func (s *Service) UpdateBilling(ctx context.Context, accountID string, plan domain.Plan, customerRef string) (domain.Account, error) {
	return s.store.UpdateAccountBilling(ctx, accountID, plan, customerRef)
}

func (s *Service) apply(ctx context.Context, tx domain.Transaction) (domain.Account, domain.Transaction, error) {
	acct, applied, err := s.store.ApplyTransaction(ctx, tx)
	metrics.RecordCreditMutation(string(tx.Type), err)
	return acct, applied, err
}

func statusFor(acct domain.Account) BalanceStatus {
	return BalanceStatus{
		AccountID:    acct.ID,
		Credits:      acct.Credits,
		Plan:         acct.Plan,
		IsLowBalance: acct.Credits <= LowBalanceThreshold,
		IsZero:       acct.Credits == 0,
	}
}
