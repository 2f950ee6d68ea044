// Package app ties the domain services together and manages their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/roomlift/roomlift/internal/adapters/payment"
	auditsvc "github.com/roomlift/roomlift/internal/app/services/audit"
	billingsvc "github.com/roomlift/roomlift/internal/app/services/billing"
	ledgersvc "github.com/roomlift/roomlift/internal/app/services/ledger"
	stagingsvc "github.com/roomlift/roomlift/internal/app/services/staging"
	throttlesvc "github.com/roomlift/roomlift/internal/app/services/throttle"
	"github.com/roomlift/roomlift/internal/app/storage"
	"github.com/roomlift/roomlift/internal/app/storage/memory"
	"github.com/roomlift/roomlift/internal/app/system"
	"github.com/roomlift/roomlift/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger   storage.LedgerStore
	Throttle storage.ThrottleStore
	Jobs     storage.JobStore
}

// Options carries the external adapters and policy knobs the application
// cannot default.
type Options struct {
	Generator       stagingsvc.Generator
	Blobs           stagingsvc.BlobStore
	PaymentProvider billingsvc.Provider
	Billing         billingsvc.Config
	ThrottleSecret  []byte
	AuditSchedule   string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger   *ledgersvc.Service
	Throttle *throttlesvc.Service
	Staging  *stagingsvc.Service
	Billing  *billingsvc.Service
	Audit    *auditsvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("generation adapter is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("blob adapter is required")
	}

	mem := memory.New()
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Throttle == nil {
		stores.Throttle = mem
	}
	if stores.Jobs == nil {
		stores.Jobs = mem
	}

	manager := system.NewManager()

	ledgerService := ledgersvc.New(stores.Ledger, log)
	throttleService := throttlesvc.New(stores.Throttle, opts.ThrottleSecret, log)
	stagingService := stagingsvc.New(ledgerService, stores.Jobs, opts.Generator, opts.Blobs, log)

	if opts.PaymentProvider == nil {
		opts.PaymentProvider = noopPaymentProvider{}
		log.Warn("payment provider not configured; billing endpoints disabled")
	}
	billingService := billingsvc.New(ledgerService, opts.PaymentProvider, opts.Billing, log)

	auditService := auditsvc.New(stores.Ledger, opts.AuditSchedule, log)

	for _, name := range []string{"ledger", "throttle", "staging", "billing"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(auditService); err != nil {
		return nil, fmt.Errorf("register %s: %w", auditService.Name(), err)
	}

	return &Application{
		manager:  manager,
		log:      log,
		Ledger:   ledgerService,
		Throttle: throttleService,
		Staging:  stagingService,
		Billing:  billingService,
		Audit:    auditService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// noopPaymentProvider rejects every billing operation. It stands in when no
// provider credentials are configured, typically in development.
type noopPaymentProvider struct{}

func (noopPaymentProvider) CreateCheckoutSession(ctx context.Context, params payment.CheckoutParams) (payment.Session, error) {
	return payment.Session{}, fmt.Errorf("payment provider not configured")
}

func (noopPaymentProvider) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (payment.Session, error) {
	return payment.Session{}, fmt.Errorf("payment provider not configured")
}

func (noopPaymentProvider) VerifyWebhook(payload []byte, sigHeader string, now time.Time) error {
	return fmt.Errorf("payment provider not configured")
}
