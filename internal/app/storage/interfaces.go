package storage

import (
	"context"
	"time"

	"github.com/roomlift/roomlift/internal/app/domain/ledger"
	"github.com/roomlift/roomlift/internal/app/domain/staging"
	"github.com/roomlift/roomlift/internal/app/domain/throttle"
)

// LedgerStore persists credit accounts and their append-only transaction log.
//
// ApplyTransaction is the only way a balance changes: it adjusts the account
// balance and appends the transaction as one atomic unit, and rejects any
// debit that would take the balance below zero. Implementations must
// serialize concurrent applications per account; unrelated accounts must not
// block each other.
type LedgerStore interface {
	CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error)
	GetAccount(ctx context.Context, id string) (ledger.Account, error)
	GetAccountByUser(ctx context.Context, userID string) (ledger.Account, error)
	UpdateAccountBilling(ctx context.Context, id string, plan ledger.Plan, customerRef string) (ledger.Account, error)
	ListAccounts(ctx context.Context) ([]ledger.Account, error)

	ApplyTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Account, ledger.Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]ledger.Transaction, error)
	SumTransactions(ctx context.Context, accountID string) (int64, error)
}

// ThrottleStore persists fixed-window usage counters. Claim evaluates the
// window algorithm atomically: rotate if expired, reject without counting if
// the limit is reached, otherwise increment.
type ThrottleStore interface {
	Claim(ctx context.Context, tool, callerHash string, limit int, window time.Duration, now time.Time) (throttle.Decision, error)
	Revert(ctx context.Context, recordID string, now time.Time) error
}

// JobStore persists staging job records.
type JobStore interface {
	CreateJob(ctx context.Context, job staging.Job) (staging.Job, error)
	GetJob(ctx context.Context, id string) (staging.Job, error)
	ListJobs(ctx context.Context, accountID string, limit, offset int) ([]staging.Job, error)
}
