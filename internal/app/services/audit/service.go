// Package audit periodically reconciles every account balance against the
// sum of its transaction log. The two are written atomically, so any
// divergence means storage corruption or a bug and needs an operator.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roomlift/roomlift/internal/app/metrics"
	"github.com/roomlift/roomlift/internal/app/storage"
	"github.com/roomlift/roomlift/pkg/logger"
)

const defaultSchedule = "@every 1h"

// Service runs the reconciliation sweep on a cron schedule.
type Service struct {
	store    storage.LedgerStore
	schedule string
	cron     *cron.Cron
	log      *logger.Logger
}

// New constructs the auditor. An empty schedule uses the hourly default.
func New(store storage.LedgerStore, schedule string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	if schedule == "" {
		schedule = defaultSchedule
	}
	return &Service{
		store:    store,
		schedule: schedule,
		cron:     cron.New(),
		log:      log,
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "ledger-audit" }

// Start schedules the sweep.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.RunOnce(sweepCtx); err != nil {
			s.log.WithError(err).Error("reconciliation sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("reconciliation auditor started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps all accounts and returns how many diverged.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	divergent := 0
	for _, acct := range accounts {
		sum, err := s.store.SumTransactions(ctx, acct.ID)
		if err != nil {
			return divergent, fmt.Errorf("sum transactions for %s: %w", acct.ID, err)
		}
		if sum != acct.Credits {
			divergent++
			metrics.RecordLedgerDivergence()
			s.log.WithField("account_id", acct.ID).
				WithField("balance", acct.Credits).
				WithField("log_sum", sum).
				Error("account balance diverges from transaction log")
		}
	}
	s.log.WithField("accounts", len(accounts)).
		WithField("divergent", divergent).
		Debug("reconciliation sweep completed")
	return divergent, nil
}
