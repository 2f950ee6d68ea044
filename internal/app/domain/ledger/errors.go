package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced account does not exist.
var ErrNotFound = errors.New("ledger: account not found")

// ErrInvalidAmount is returned when a non-positive amount is passed to a
// debit operation. This is a programmer error and is never retried.
var ErrInvalidAmount = errors.New("ledger: amount must be positive")

// InsufficientCreditsError reports a debit larger than the available balance.
// It carries both sides so callers can render an actionable message.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits: required %d, available %d", e.Required, e.Available)
}
