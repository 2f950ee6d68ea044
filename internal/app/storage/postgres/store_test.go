package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/roomlift/roomlift/internal/app/domain/ledger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func accountColumns() []string {
	return []string{"id", "user_id", "credits", "plan", "customer_ref", "created_at", "updated_at"}
}

func TestApplyTransactionCommits(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_accounts").
		WithArgs("acct-1", int64(-1), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(accountColumns()).
			AddRow("acct-1", "user-1", int64(9), "trial", "", now, now))
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WithArgs(sqlmock.AnyArg(), "acct-1", "usage", int64(-1), "stage image", "job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acct, tx, err := store.ApplyTransaction(context.Background(), ledger.Transaction{
		AccountID:   "acct-1",
		Type:        ledger.TransactionUsage,
		Amount:      -1,
		Description: "stage image",
		JobID:       "job-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(9), acct.Credits)
	require.NotEmpty(t, tx.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTransactionInsufficientRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_accounts").
		WithArgs("acct-1", int64(-5), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT credits FROM ledger_accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(3)))
	mock.ExpectRollback()

	_, _, err := store.ApplyTransaction(context.Background(), ledger.Transaction{
		AccountID: "acct-1",
		Type:      ledger.TransactionUsage,
		Amount:    -5,
	})

	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(5), insufficient.Required)
	require.Equal(t, int64(3), insufficient.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTransactionUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_accounts").
		WithArgs("missing", int64(-1), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT credits FROM ledger_accounts").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.ApplyTransaction(context.Background(), ledger.Transaction{
		AccountID: "missing",
		Type:      ledger.TransactionUsage,
		Amount:    -1,
	})
	require.True(t, errors.Is(err, ledger.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimFirstUseInsertsWindow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_windows").
		WithArgs(sqlmock.AnyArg(), "declutter", "hash-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	decision, err := store.Claim(context.Background(), "declutter", "hash-1", 3, 24*time.Hour, now)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, 2, decision.Remaining)
	require.NotEmpty(t, decision.RecordID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimExhaustedWindowDenies(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	started := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_windows").
		WithArgs(sqlmock.AnyArg(), "declutter", "hash-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, tool, caller_hash, count, window_started_at, last_used_at").
		WithArgs("declutter", "hash-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tool", "caller_hash", "count", "window_started_at", "last_used_at"}).
			AddRow("win-1", "declutter", "hash-1", 3, started, now))
	mock.ExpectExec("UPDATE usage_windows").
		WithArgs("win-1", 3, started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	decision, err := store.Claim(context.Background(), "declutter", "hash-1", 3, 24*time.Hour, now)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 0, decision.Remaining)
	require.Equal(t, started.Add(24*time.Hour), decision.WindowEndsAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimExpiredWindowRotates(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	started := now.Add(-25 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_windows").
		WithArgs(sqlmock.AnyArg(), "declutter", "hash-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, tool, caller_hash, count, window_started_at, last_used_at").
		WithArgs("declutter", "hash-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tool", "caller_hash", "count", "window_started_at", "last_used_at"}).
			AddRow("win-1", "declutter", "hash-1", 3, started, now))
	mock.ExpectExec("UPDATE usage_windows").
		WithArgs("win-1", 1, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	decision, err := store.Claim(context.Background(), "declutter", "hash-1", 3, 24*time.Hour, now)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, 2, decision.Remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevertMissingRecord(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE usage_windows").
		WithArgs("gone", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Revert(context.Background(), "gone", now)
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}
