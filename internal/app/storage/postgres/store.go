// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// Ledger mutations run inside a single database transaction: a conditional
// balance update that refuses to go negative, plus the transaction-log insert.
// Row-level locking serializes concurrent mutations per account without
// blocking unrelated accounts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/roomlift/roomlift/internal/app/domain/ledger"
	"github.com/roomlift/roomlift/internal/app/domain/staging"
	"github.com/roomlift/roomlift/internal/app/domain/throttle"
	"github.com/roomlift/roomlift/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ThrottleStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type accountRow struct {
	ID          string    `db:"id"`
	UserID      string    `db:"user_id"`
	Credits     int64     `db:"credits"`
	Plan        string    `db:"plan"`
	CustomerRef string    `db:"customer_ref"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r accountRow) domain() ledger.Account {
	return ledger.Account{
		ID:          r.ID,
		UserID:      r.UserID,
		Credits:     r.Credits,
		Plan:        ledger.Plan(r.Plan),
		CustomerRef: r.CustomerRef,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

type transactionRow struct {
	ID          string         `db:"id"`
	AccountID   string         `db:"account_id"`
	Type        string         `db:"tx_type"`
	Amount      int64          `db:"amount"`
	Description string         `db:"description"`
	JobID       sql.NullString `db:"job_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r transactionRow) domain() ledger.Transaction {
	return ledger.Transaction{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Type:        ledger.TransactionType(r.Type),
		Amount:      r.Amount,
		Description: r.Description,
		JobID:       r.JobID.String,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Plan == "" {
		acct.Plan = ledger.PlanTrial
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, user_id, credits, plan, customer_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, acct.ID, acct.UserID, acct.Credits, string(acct.Plan), acct.CustomerRef, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, credits, plan, customer_ref, created_at, updated_at
		FROM ledger_accounts
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return row.domain(), nil
}

func (s *Store) GetAccountByUser(ctx context.Context, userID string) (ledger.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, credits, plan, customer_ref, created_at, updated_at
		FROM ledger_accounts
		WHERE user_id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return row.domain(), nil
}

func (s *Store) UpdateAccountBilling(ctx context.Context, id string, plan ledger.Plan, customerRef string) (ledger.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE ledger_accounts
		SET plan = COALESCE(NULLIF($2, ''), plan),
		    customer_ref = COALESCE(NULLIF($3, ''), customer_ref),
		    updated_at = $4
		WHERE id = $1
		RETURNING id, user_id, credits, plan, customer_ref, created_at, updated_at
	`, id, string(plan), customerRef, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return row.domain(), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, credits, plan, customer_ref, created_at, updated_at
		FROM ledger_accounts
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	result := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain())
	}
	return result, nil
}

func (s *Store) ApplyTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Account, ledger.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.CreatedAt = time.Now().UTC()

	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Account{}, ledger.Transaction{}, err
	}
	defer dbtx.Rollback()

	// Conditional update: the row lock serializes concurrent mutations on the
	// same account, and the predicate refuses a debit below zero.
	var row accountRow
	err = dbtx.GetContext(ctx, &row, `
		UPDATE ledger_accounts
		SET credits = credits + $2, updated_at = $3
		WHERE id = $1 AND credits + $2 >= 0
		RETURNING id, user_id, credits, plan, customer_ref, created_at, updated_at
	`, tx.AccountID, tx.Amount, tx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var available int64
		checkErr := dbtx.GetContext(ctx, &available, `
			SELECT credits FROM ledger_accounts WHERE id = $1
		`, tx.AccountID)
		if errors.Is(checkErr, sql.ErrNoRows) {
			return ledger.Account{}, ledger.Transaction{}, ledger.ErrNotFound
		}
		if checkErr != nil {
			return ledger.Account{}, ledger.Transaction{}, checkErr
		}
		return ledger.Account{}, ledger.Transaction{}, &ledger.InsufficientCreditsError{
			Required:  -tx.Amount,
			Available: available,
		}
	}
	if err != nil {
		return ledger.Account{}, ledger.Transaction{}, err
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, account_id, tx_type, amount, description, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, tx.ID, tx.AccountID, string(tx.Type), tx.Amount, tx.Description, tx.JobID, tx.CreatedAt)
	if err != nil {
		return ledger.Account{}, ledger.Transaction{}, err
	}

	if err := dbtx.Commit(); err != nil {
		return ledger.Account{}, ledger.Transaction{}, err
	}
	return row.domain(), tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, tx_type, amount, description, job_id, created_at
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	result := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain())
	}
	return result, nil
}

func (s *Store) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions WHERE account_id = $1
	`, accountID)
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// --- ThrottleStore ----------------------------------------------------------

type windowRow struct {
	ID              string    `db:"id"`
	Tool            string    `db:"tool"`
	CallerHash      string    `db:"caller_hash"`
	Count           int       `db:"count"`
	WindowStartedAt time.Time `db:"window_started_at"`
	LastUsedAt      time.Time `db:"last_used_at"`
}

func (s *Store) Claim(ctx context.Context, tool, callerHash string, limit int, window time.Duration, now time.Time) (throttle.Decision, error) {
	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return throttle.Decision{}, err
	}
	defer dbtx.Rollback()

	newID := uuid.NewString()
	res, err := dbtx.ExecContext(ctx, `
		INSERT INTO usage_windows (id, tool, caller_hash, count, window_started_at, last_used_at)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (tool, caller_hash) DO NOTHING
	`, newID, tool, callerHash, now.UTC())
	if err != nil {
		return throttle.Decision{}, err
	}
	if inserted, _ := res.RowsAffected(); inserted == 1 {
		if err := dbtx.Commit(); err != nil {
			return throttle.Decision{}, err
		}
		return throttle.Decision{
			Allowed:      true,
			RecordID:     newID,
			Remaining:    maxInt(0, limit-1),
			WindowEndsAt: now.Add(window),
		}, nil
	}

	var row windowRow
	if err := dbtx.GetContext(ctx, &row, `
		SELECT id, tool, caller_hash, count, window_started_at, last_used_at
		FROM usage_windows
		WHERE tool = $1 AND caller_hash = $2
		FOR UPDATE
	`, tool, callerHash); err != nil {
		return throttle.Decision{}, err
	}

	count := row.Count
	windowStart := row.WindowStartedAt.UTC()
	if !now.Before(windowStart.Add(window)) {
		count = 0
		windowStart = now.UTC()
	}

	if count >= limit {
		// Rejected attempts are not counted; persist only the rotation.
		if _, err := dbtx.ExecContext(ctx, `
			UPDATE usage_windows SET count = $2, window_started_at = $3 WHERE id = $1
		`, row.ID, count, windowStart); err != nil {
			return throttle.Decision{}, err
		}
		if err := dbtx.Commit(); err != nil {
			return throttle.Decision{}, err
		}
		return throttle.Decision{
			Allowed:      false,
			RecordID:     row.ID,
			Remaining:    0,
			WindowEndsAt: windowStart.Add(window),
		}, nil
	}

	count++
	if _, err := dbtx.ExecContext(ctx, `
		UPDATE usage_windows SET count = $2, window_started_at = $3, last_used_at = $4 WHERE id = $1
	`, row.ID, count, windowStart, now.UTC()); err != nil {
		return throttle.Decision{}, err
	}
	if err := dbtx.Commit(); err != nil {
		return throttle.Decision{}, err
	}
	return throttle.Decision{
		Allowed:      true,
		RecordID:     row.ID,
		Remaining:    maxInt(0, limit-count),
		WindowEndsAt: windowStart.Add(window),
	}, nil
}

func (s *Store) Revert(ctx context.Context, recordID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE usage_windows
		SET count = GREATEST(count - 1, 0), last_used_at = $2
		WHERE id = $1
	`, recordID, now.UTC())
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- JobStore ---------------------------------------------------------------

type jobRow struct {
	ID          string       `db:"id"`
	AccountID   string       `db:"account_id"`
	Kind        string       `db:"kind"`
	Style       string       `db:"style"`
	Seed        int64        `db:"seed"`
	SourceKey   string       `db:"source_key"`
	ResultKey   string       `db:"result_key"`
	ResultURL   string       `db:"result_url"`
	Credits     int64        `db:"credits"`
	Refunded    bool         `db:"refunded"`
	Status      string       `db:"status"`
	Error       string       `db:"error"`
	CreatedAt   time.Time    `db:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r jobRow) domain() staging.Job {
	job := staging.Job{
		ID:        r.ID,
		AccountID: r.AccountID,
		Kind:      staging.Kind(r.Kind),
		Style:     r.Style,
		Seed:      r.Seed,
		SourceKey: r.SourceKey,
		ResultKey: r.ResultKey,
		ResultURL: r.ResultURL,
		Credits:   r.Credits,
		Refunded:  r.Refunded,
		Status:    staging.Status(r.Status),
		Error:     r.Error,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.CompletedAt.Valid {
		job.CompletedAt = r.CompletedAt.Time.UTC()
	}
	return job
}

func (s *Store) CreateJob(ctx context.Context, job staging.Job) (staging.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staging_jobs (id, account_id, kind, style, seed, source_key, result_key, result_url, credits, refunded, status, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.ID, job.AccountID, string(job.Kind), job.Style, job.Seed, job.SourceKey, job.ResultKey, job.ResultURL,
		job.Credits, job.Refunded, string(job.Status), job.Error, job.CreatedAt, toNullTime(job.CompletedAt))
	if err != nil {
		return staging.Job{}, err
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (staging.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, kind, style, seed, source_key, result_key, result_url, credits, refunded, status, error, created_at, completed_at
		FROM staging_jobs
		WHERE id = $1
	`, id)
	if err != nil {
		return staging.Job{}, err
	}
	return row.domain(), nil
}

func (s *Store) ListJobs(ctx context.Context, accountID string, limit, offset int) ([]staging.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, kind, style, seed, source_key, result_key, result_url, credits, refunded, status, error, created_at, completed_at
		FROM staging_jobs
		WHERE $1 = '' OR account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	result := make([]staging.Job, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain())
	}
	return result, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
