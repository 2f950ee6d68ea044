// Package retry provides a bounded retry policy with exponential backoff for
// calls to external providers.
package retry

import (
	"context"
	"time"
)

// Policy controls how many attempts an operation gets and how long to wait
// between them. The backoff grows by Factor after each failure.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Factor         float64
}

// DefaultPolicy suits short outbound HTTP calls.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 250 * time.Millisecond,
	Factor:         2,
}

// Do runs op until it succeeds, the attempts are exhausted, or the context is
// canceled. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * p.Factor)
	}
	return err
}
