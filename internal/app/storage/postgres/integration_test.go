//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/roomlift/roomlift/internal/app/domain/ledger"
	"github.com/roomlift/roomlift/migrations"
)

// Run with: go test -tags integration ./internal/app/storage/postgres \
// with DATABASE_DSN pointing at a disposable database.
func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("DATABASE_DSN not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Up(db.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestIntegration_LedgerRoundTrip(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, ledger.Account{UserID: "it-user-" + time.Now().Format("150405.000")})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	updated, _, err := store.ApplyTransaction(ctx, ledger.Transaction{
		AccountID:   acct.ID,
		Type:        ledger.TransactionBonus,
		Amount:      10,
		Description: "trial bonus",
	})
	if err != nil {
		t.Fatalf("apply bonus: %v", err)
	}
	if updated.Credits != 10 {
		t.Fatalf("unexpected balance: %d", updated.Credits)
	}

	if _, _, err := store.ApplyTransaction(ctx, ledger.Transaction{
		AccountID: acct.ID,
		Type:      ledger.TransactionUsage,
		Amount:    -11,
	}); err == nil {
		t.Fatal("expected insufficient credits")
	}

	sum, err := store.SumTransactions(ctx, acct.ID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 10 {
		t.Fatalf("log should match balance, sum %d", sum)
	}
}

func TestIntegration_ThrottleWindow(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	caller := "it-hash-" + now.Format("150405.000")

	first, err := store.Claim(ctx, "declutter", caller, 2, time.Minute, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("unexpected first claim: %+v", first)
	}

	if _, err := store.Claim(ctx, "declutter", caller, 2, time.Minute, now); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	third, err := store.Claim(ctx, "declutter", caller, 2, time.Minute, now)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if third.Allowed {
		t.Fatal("limit should be exhausted")
	}

	if err := store.Revert(ctx, first.RecordID, now); err != nil {
		t.Fatalf("revert: %v", err)
	}
	again, err := store.Claim(ctx, "declutter", caller, 2, time.Minute, now)
	if err != nil {
		t.Fatalf("claim after revert: %v", err)
	}
	if !again.Allowed {
		t.Fatal("revert should free a slot")
	}
}
