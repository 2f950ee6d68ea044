package ledger

import "time"

// Plan is the subscription tier attached to an account. Plans affect the quota
// totals shown to users, never the enforcement logic in this package.
type Plan string

const (
	PlanTrial Plan = "trial"
	PlanAgent Plan = "agent"
	PlanPro   Plan = "pro"
)

// Account holds the credit balance for a single user. The balance is a cached
// projection of the transaction log; the two are mutated together inside one
// storage transaction and must never diverge.
type Account struct {
	ID          string
	UserID      string
	Credits     int64
	Plan        Plan
	CustomerRef string // billing provider customer id, empty until first checkout
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TransactionType is the closed set of ledger mutation kinds. It serializes to
// its string form only at the storage and HTTP boundaries.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionRefund   TransactionType = "refund"
	TransactionBonus    TransactionType = "bonus"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionUsage, TransactionRefund, TransactionBonus:
		return true
	}
	return false
}

// Transaction is one immutable entry of the append-only ledger log. Amount is
// positive for credits and negative for debits.
type Transaction struct {
	ID          string
	AccountID   string
	Type        TransactionType
	Amount      int64
	Description string
	JobID       string // optional reference to the staging job that consumed the credits
	CreatedAt   time.Time
}
