// Package billing connects the ledger to the payment provider: checkout
// sessions for credit packs, the customer portal, and the webhook that lands
// purchased credits.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roomlift/roomlift/internal/adapters/payment"
	ledgerdomain "github.com/roomlift/roomlift/internal/app/domain/ledger"
	ledgersvc "github.com/roomlift/roomlift/internal/app/services/ledger"
	"github.com/roomlift/roomlift/pkg/logger"
)

// Provider is the payment provider surface the service needs.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, params payment.CheckoutParams) (payment.Session, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (payment.Session, error)
	VerifyWebhook(payload []byte, sigHeader string, now time.Time) error
}

// ErrUnknownPack is returned when a checkout names a pack not in the catalog.
var ErrUnknownPack = errors.New("unknown credit pack")

// ErrNoBillingCustomer is returned when a portal is requested for an account
// that has never completed a checkout.
var ErrNoBillingCustomer = errors.New("account has no billing customer yet")

// Pack is a purchasable credit bundle.
type Pack struct {
	PriceRef string
	Credits  int64
	Plan     ledgerdomain.Plan
}

// Config holds the checkout redirect targets and the catalog of packs.
type Config struct {
	SuccessURL string
	CancelURL  string
	Packs      map[string]Pack
}

// DefaultPacks is the built-in catalog.
var DefaultPacks = map[string]Pack{
	"starter": {PriceRef: "price_starter", Credits: 20, Plan: ledgerdomain.PlanAgent},
	"agency":  {PriceRef: "price_agency", Credits: 100, Plan: ledgerdomain.PlanPro},
}

// Service drives purchases through the payment provider.
type Service struct {
	ledger   *ledgersvc.Service
	provider Provider
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// New constructs a billing service.
func New(ledger *ledgersvc.Service, provider Provider, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("billing")
	}
	if cfg.Packs == nil {
		cfg.Packs = DefaultPacks
	}
	return &Service{
		ledger:   ledger,
		provider: provider,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Checkout starts a hosted checkout for a credit pack.
func (s *Service) Checkout(ctx context.Context, accountID, packID string) (payment.Session, error) {
	pack, ok := s.cfg.Packs[packID]
	if !ok {
		return payment.Session{}, fmt.Errorf("%w: %q", ErrUnknownPack, packID)
	}

	status, err := s.ledger.Status(ctx, accountID)
	if err != nil {
		return payment.Session{}, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, payment.CheckoutParams{
		PriceRef:   pack.PriceRef,
		Quantity:   1,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
		AccountID:  status.AccountID,
	})
	if err != nil {
		return payment.Session{}, err
	}
	s.log.WithField("account_id", accountID).
		WithField("pack", packID).
		Info("checkout session created")
	return session, nil
}

// Portal opens the provider's customer portal. It requires that the account
// has completed at least one checkout.
func (s *Service) Portal(ctx context.Context, accountID, returnURL string) (payment.Session, error) {
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return payment.Session{}, err
	}
	if acct.CustomerRef == "" {
		return payment.Session{}, ErrNoBillingCustomer
	}
	return s.provider.CreatePortalSession(ctx, acct.CustomerRef, returnURL)
}

// HandleWebhook verifies and applies a provider event. Purchased credits land
// through the ledger so the transaction log records them like any other
// mutation.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	if err := s.provider.VerifyWebhook(payload, sigHeader, s.now()); err != nil {
		return fmt.Errorf("verify webhook: %w", err)
	}

	event := gjson.ParseBytes(payload)
	eventType := event.Get("type").String()
	if eventType != "checkout.session.completed" {
		s.log.WithField("type", eventType).Debug("ignoring webhook event")
		return nil
	}

	session := event.Get("data.object")
	accountID := session.Get("metadata.account_id").String()
	if accountID == "" {
		return fmt.Errorf("webhook session has no account reference")
	}
	priceRef := session.Get("line_items.data.0.price.id").String()

	pack, packID, ok := s.packByPrice(priceRef)
	if !ok {
		return fmt.Errorf("webhook references unknown price %q", priceRef)
	}

	if customerRef := session.Get("customer").String(); customerRef != "" {
		if _, err := s.ledger.UpdateBilling(ctx, accountID, pack.Plan, customerRef); err != nil {
			return fmt.Errorf("update billing: %w", err)
		}
	}

	if _, err := s.ledger.Credit(ctx, accountID, pack.Credits, "purchase "+packID); err != nil {
		return fmt.Errorf("apply purchase: %w", err)
	}
	s.log.WithField("account_id", accountID).
		WithField("pack", packID).
		WithField("credits", pack.Credits).
		Info("purchase applied")
	return nil
}

func (s *Service) packByPrice(priceRef string) (Pack, string, bool) {
	for id, pack := range s.cfg.Packs {
		if pack.PriceRef == priceRef {
			return pack, id, true
		}
	}
	return Pack{}, "", false
}
