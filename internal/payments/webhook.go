// Package payments turns signed payment-provider webhooks into ledger
// credits. Every credit is keyed by the provider's object id so redelivered
// events never double-credit.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"orbital/internal/alerts"
	"orbital/internal/domain"
	"orbital/internal/ledger"
)

// Handled event types.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

const (
	modePayment      = "payment"
	modeSubscription = "subscription"

	billingReasonSubscriptionCreate = "subscription_create"
)

// Crediter is the part of the ledger the processor needs.
type Crediter interface {
	Credit(ctx context.Context, req ledger.Request) (ledger.Result, error)
}

// Event is the webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

type invoice struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	Customer      string `json:"customer"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    *int64 `json:"amount_paid"`
}

type subscriptionObject struct {
	ID string `json:"id"`
}

// Processor verifies and applies webhook events.
type Processor struct {
	secret    string
	tolerance time.Duration
	ledger    Crediter
	subs      domain.SubscriptionStore
	pricing   Pricing
	alerts    alerts.Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

func NewProcessor(secret string, credits Crediter, subs domain.SubscriptionStore, pricing Pricing, notifier alerts.Notifier, logger zerolog.Logger) *Processor {
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	return &Processor{
		secret:    secret,
		tolerance: DefaultTolerance,
		ledger:    credits,
		subs:      subs,
		pricing:   pricing,
		alerts:    notifier,
		logger:    logger.With().Str("component", "payments").Logger(),
		now:       time.Now,
	}
}

// Pricing returns the active tier tables.
func (p *Processor) Pricing() Pricing { return p.pricing }

// Handle verifies the signature and applies the event. A nil error means the
// event may be acknowledged, including idempotent replays and ignored types.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) error {
	if err := VerifySignature(payload, signature, p.secret, p.tolerance, p.now()); err != nil {
		return err
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch evt.Type {
	case EventCheckoutCompleted:
		var s checkoutSession
		if err := json.Unmarshal(evt.Data.Object, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.checkoutCompleted(ctx, s)
	case EventInvoicePaid:
		var inv invoice
		if err := json.Unmarshal(evt.Data.Object, &inv); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.invoicePaid(ctx, inv)
	case EventSubscriptionDeleted:
		var sub subscriptionObject
		if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p.subscriptionDeleted(ctx, sub)
	default:
		p.logger.Debug().Str("event_type", evt.Type).Msg("ignoring webhook event")
		return nil
	}
}

func (p *Processor) checkoutCompleted(ctx context.Context, s checkoutSession) error {
	userID := s.ClientReferenceID
	if userID == "" {
		userID = s.Metadata["user_id"]
	}
	mode := s.Metadata["mode"]
	if mode == "" {
		mode = modePayment
	}
	tier := s.Metadata["tier"]
	minutes := p.checkoutMinutes(mode, tier, s.Metadata["minutes"])

	if userID == "" || minutes <= 0 || s.ID == "" {
		p.logger.Warn().Str("session_id", truncate(s.ID, 20)).Msg("checkout session without user or minutes")
		return nil
	}

	res, err := p.ledger.Credit(ctx, ledger.Request{
		UserID:         userID,
		Amount:         minutes,
		Source:         domain.SourceStripe,
		IdempotencyKey: s.ID,
		Metadata: map[string]any{
			"tier":         tier,
			"amount_cents": s.AmountTotal,
			"mode":         mode,
		},
	})
	if err != nil {
		p.alerts.Notify(ctx, alerts.SeverityCritical, "Stripe webhook: Failed to credit minutes", map[string]any{
			"session_id": truncate(s.ID, 20),
			"error":      truncate(err.Error(), 200),
		})
		return fmt.Errorf("credit checkout %s: %w", s.ID, err)
	}
	p.logCredit(res, userID, minutes, s.ID)

	if mode == modeSubscription && s.Subscription != "" {
		sub := domain.Subscription{
			UserID:         userID,
			CustomerID:     s.Customer,
			SubscriptionID: s.Subscription,
			Tier:           tier,
			UpdatedAt:      p.now().UTC(),
		}
		if err := p.subs.UpsertSubscription(ctx, sub); err != nil {
			p.alerts.Notify(ctx, alerts.SeverityCritical, "Stripe webhook processing failed", map[string]any{
				"subscription_id": truncate(s.Subscription, 20),
				"error":           truncate(err.Error(), 200),
			})
			return fmt.Errorf("record subscription %s: %w", s.Subscription, err)
		}
		p.logger.Info().Str("user_id", domain.MaskUserID(userID)).Str("tier", tier).Msg("subscription recorded")
	}
	return nil
}

// checkoutMinutes prefers the session's explicit minutes over the tier table.
func (p *Processor) checkoutMinutes(mode, tier, raw string) domain.Minutes {
	if raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
			return domain.MinutesFromFloat(f)
		}
	}
	m, _ := p.pricing.Minutes(mode, tier)
	return m
}

func (p *Processor) invoicePaid(ctx context.Context, inv invoice) error {
	if inv.BillingReason == billingReasonSubscriptionCreate {
		return nil
	}
	if inv.Subscription == "" || inv.ID == "" {
		return nil
	}

	sub, err := p.subs.SubscriptionByID(ctx, inv.Subscription)
	if errors.Is(err, domain.ErrNotFound) {
		p.logger.Warn().Str("subscription_id", truncate(inv.Subscription, 20)).Msg("renewal for unknown subscription")
		return nil
	}
	if err != nil {
		p.alerts.Notify(ctx, alerts.SeverityCritical, "Subscription renewal processing failed", map[string]any{
			"invoice_id": truncate(inv.ID, 20),
			"error":      truncate(err.Error(), 200),
		})
		return fmt.Errorf("lookup subscription %s: %w", inv.Subscription, err)
	}

	tierName, tier := p.pricing.RenewalTier(sub.Tier)
	amountCents := int64(tier.AmountCents)
	if inv.AmountPaid != nil {
		amountCents = *inv.AmountPaid
	}
	minutes := domain.WholeMinutes(tier.Minutes)

	res, err := p.ledger.Credit(ctx, ledger.Request{
		UserID:         sub.UserID,
		Amount:         minutes,
		Source:         domain.SourceStripeRenewal,
		IdempotencyKey: inv.ID,
		Metadata: map[string]any{
			"tier":           tierName,
			"amount_cents":   amountCents,
			"billing_reason": inv.BillingReason,
		},
	})
	if err != nil {
		p.alerts.Notify(ctx, alerts.SeverityCritical, "Subscription renewal: Failed to credit minutes", map[string]any{
			"invoice_id": truncate(inv.ID, 20),
			"error":      truncate(err.Error(), 200),
		})
		return fmt.Errorf("credit renewal %s: %w", inv.ID, err)
	}
	p.logCredit(res, sub.UserID, minutes, inv.ID)
	return nil
}

func (p *Processor) subscriptionDeleted(ctx context.Context, sub subscriptionObject) error {
	if sub.ID == "" {
		return nil
	}
	if err := p.subs.ClearSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("clear subscription %s: %w", sub.ID, err)
	}
	p.logger.Info().Str("subscription_id", sub.ID).Msg("subscription cancelled")
	return nil
}

func (p *Processor) logCredit(res ledger.Result, userID string, minutes domain.Minutes, key string) {
	if res.Idempotent {
		p.logger.Info().Str("key", truncate(key, 20)).Str("minutes", minutes.String()).Msg("already credited")
		return
	}
	p.logger.Info().
		Str("user_id", domain.MaskUserID(userID)).
		Str("minutes", minutes.String()).
		Str("balance", res.Balance.String()).
		Msg("minutes credited")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
