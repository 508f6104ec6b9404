// Package billing turns Stripe payments into ledger credits.
//
// A top-up opens a PaymentIntent for a whole-dollar amount and quotes the
// credits it will buy at the organization's fixed rate. Money only moves
// on the webhook: payment_intent.succeeded appends a CREDIT_PURCHASE entry
// keyed by the Stripe event ID, so redelivered events replay instead of
// double-crediting.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/spendgate/internal/ledger"
)

var (
	ErrNotConfigured = errors.New("billing: stripe not configured")
	ErrInvalidAmount = errors.New("billing: amount must be at least one dollar")
	ErrBadSignature  = errors.New("billing: invalid stripe signature")

	// ErrOrgNotFound is what an OrgSource returns for an unknown
	// organization.
	ErrOrgNotFound = errors.New("billing: organization not found")
)

// OrgRate is the billing view of an organization.
type OrgRate struct {
	OrgID          string
	BillingGroupID string
	CreditsPerUSD  int64
}

// OrgSource resolves the organization a payment funds. Implementations
// return ErrOrgNotFound for unknown IDs.
type OrgSource interface {
	RateForOrg(ctx context.Context, orgID string) (*OrgRate, error)
}

// CreditAppender appends purchase entries. *ledger.Ledger satisfies it.
type CreditAppender interface {
	Append(ctx context.Context, groupID string, amount int64, typ ledger.EntryType, idempotencyKey string, metadata map[string]any) (*ledger.Entry, error)
}

// Notifier announces a landed purchase to realtime and webhook
// subscribers. Implementations must not block.
type Notifier interface {
	CreditsPurchased(ctx context.Context, orgID, groupID string, credits int64, reference string)
}

// Auditor records settled purchases. The audit service satisfies this.
type Auditor interface {
	LogEvent(ctx context.Context, orgID, actorAgentID, eventType, description string, metadata map[string]any) error
}

// Config carries the Stripe keys. Both must be set for billing to run.
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// TopUp is a quoted purchase awaiting payment.
type TopUp struct {
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret"`
	AmountUSD    int64  `json:"amountUsd"`
	Credits      int64  `json:"credits"`
}

// WebhookResult reports how a Stripe event landed.
type WebhookResult struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Handled   bool   `json:"handled"`
	Credits   int64  `json:"credits,omitempty"`
}

// Service quotes top-ups and settles Stripe webhooks.
type Service struct {
	orgs     OrgSource
	credits  CreditAppender
	cfg      Config
	notifier Notifier
	auditor  Auditor
	logger   *slog.Logger

	// Swapped in tests; live code goes to Stripe.
	createIntent func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	verifyEvent  func(payload []byte, sigHeader string) (stripe.Event, error)
}

// NewService creates a billing service. The Stripe package key is set here
// once; an empty secret key leaves billing disabled.
func NewService(orgs OrgSource, credits CreditAppender, cfg Config, logger *slog.Logger) *Service {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	s := &Service{
		orgs:         orgs,
		credits:      credits,
		cfg:          cfg,
		logger:       logger,
		createIntent: paymentintent.New,
	}
	s.verifyEvent = func(payload []byte, sigHeader string) (stripe.Event, error) {
		return webhook.ConstructEvent(payload, sigHeader, cfg.WebhookSecret)
	}
	return s
}

// WithNotifier wires the post-purchase fan-out.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithAuditor wires the audit trail for settled purchases.
func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

// Enabled reports whether both Stripe keys are configured.
func (s *Service) Enabled() bool {
	return s.cfg.SecretKey != "" && s.cfg.WebhookSecret != ""
}

// CreateTopUp opens a payment for a whole-dollar amount and quotes the
// credits it buys. Nothing is credited until the webhook confirms payment.
func (s *Service) CreateTopUp(ctx context.Context, orgID string, amountUSD int64) (*TopUp, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}
	if amountUSD < 1 {
		return nil, ErrInvalidAmount
	}

	rate, err := s.orgs.RateForOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	credits := amountUSD * rate.CreditsPerUSD

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountUSD * 100),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	params.AddMetadata("org_id", rate.OrgID)
	params.AddMetadata("billing_group_id", rate.BillingGroupID)
	params.AddMetadata("credits", strconv.FormatInt(credits, 10))

	pi, err := s.createIntent(params)
	if err != nil {
		billingTopUps.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	billingTopUps.WithLabelValues("created").Inc()

	s.logger.Info("top-up created",
		"org_id", orgID,
		"amount_usd", amountUSD,
		"credits", credits,
		"intent_id", pi.ID)

	return &TopUp{
		IntentID:     pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountUSD:    amountUSD,
		Credits:      credits,
	}, nil
}

// HandleWebhook verifies and settles one Stripe event. Processing errors
// are returned so the caller can 500 and let Stripe redeliver; events that
// are simply not ours come back Handled=false with no error.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (*WebhookResult, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}

	event, err := s.verifyEvent(payload, sigHeader)
	if err != nil {
		billingWebhookEvents.WithLabelValues("invalid_signature").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	result := &WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			billingWebhookEvents.WithLabelValues("decode_error").Inc()
			return nil, fmt.Errorf("failed to decode payment intent: %w", err)
		}
		credits, err := s.settle(ctx, event.ID, &pi)
		if err != nil {
			billingWebhookEvents.WithLabelValues("settle_error").Inc()
			return nil, err
		}
		if credits > 0 {
			billingWebhookEvents.WithLabelValues("settled").Inc()
			result.Handled = true
			result.Credits = credits
		} else {
			billingWebhookEvents.WithLabelValues("skipped").Inc()
		}

	case stripe.EventTypePaymentIntentPaymentFailed:
		billingWebhookEvents.WithLabelValues("payment_failed").Inc()
		s.logger.Warn("stripe payment failed", "event_id", event.ID)

	default:
		billingWebhookEvents.WithLabelValues("ignored").Inc()
		s.logger.Debug("ignoring stripe event", "type", event.Type)
	}

	return result, nil
}

// settle credits a confirmed payment. Returns 0 with no error for intents
// billing cannot attribute, so Stripe stops redelivering them.
func (s *Service) settle(ctx context.Context, eventID string, pi *stripe.PaymentIntent) (int64, error) {
	orgID := pi.Metadata["org_id"]
	if orgID == "" {
		s.logger.Warn("payment intent missing org metadata", "intent_id", pi.ID)
		return 0, nil
	}

	rate, err := s.orgs.RateForOrg(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve organization %s: %w", orgID, err)
	}

	// Amount is cents; the rate is credits per whole dollar.
	credits := pi.Amount * rate.CreditsPerUSD / 100
	if credits <= 0 {
		s.logger.Warn("payment too small to credit", "intent_id", pi.ID, "amount_cents", pi.Amount)
		return 0, nil
	}

	key := "stripe:" + eventID
	entry, err := s.credits.Append(ctx, rate.BillingGroupID, credits, ledger.TypeCreditPurchase, key, map[string]any{
		"stripe_payment_intent": pi.ID,
		"amount_cents":          pi.Amount,
		"org_id":                rate.OrgID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append purchase: %w", err)
	}

	billingCreditsPurchased.Add(float64(credits))
	s.logger.Info("credits purchased",
		"org_id", rate.OrgID,
		"group_id", rate.BillingGroupID,
		"credits", credits,
		"entry_id", entry.ID)

	if s.auditor != nil {
		desc := fmt.Sprintf("Purchased %d credits via Stripe.", credits)
		err := s.auditor.LogEvent(ctx, rate.OrgID, "", "credits.purchased", desc, map[string]any{
			"group_id":              rate.BillingGroupID,
			"credits":               credits,
			"amount_cents":          pi.Amount,
			"stripe_payment_intent": pi.ID,
		})
		if err != nil {
			s.logger.Error("failed to record purchase audit event", "intent_id", pi.ID, "error", err)
		}
	}
	if s.notifier != nil {
		s.notifier.CreditsPurchased(ctx, rate.OrgID, rate.BillingGroupID, credits, key)
	}
	return credits, nil
}
