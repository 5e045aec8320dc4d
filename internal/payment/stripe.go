package payment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"vpnbilling/internal/money"
)

type stripeSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	ClientRef     string            `json:"client_reference_id"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

// StripeAdapter verifies the Stripe-Signature header and reads Checkout
// sessions. Payments are keyed by PaymentIntent so charge refunds find them.
type StripeAdapter struct {
	secret   string
	currency string
}

func NewStripeAdapter(webhookSecret, currency string) *StripeAdapter {
	return &StripeAdapter{secret: webhookSecret, currency: strings.ToLower(currency)}
}

func (a *StripeAdapter) Gateway() string { return Stripe }

func (a *StripeAdapter) construct(req *WebhookRequest) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(req.Body, req.Header.Get("Stripe-Signature"), a.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func (a *StripeAdapter) VerifySignature(req *WebhookRequest) error {
	if a.secret == "" || strings.TrimSpace(req.Header.Get("Stripe-Signature")) == "" {
		return unauthorized(Stripe, "missing signature")
	}
	if _, err := a.construct(req); err != nil {
		return unauthorized(Stripe, "%v", err)
	}
	return nil
}

func (a *StripeAdapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, malformed(Stripe, "decode: %v", err)
	}
	if event.Data == nil {
		return nil, malformed(Stripe, "event %s has no data", event.ID)
	}
	ev := newEvent(Stripe, req)

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var s stripeSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, malformed(Stripe, "decode session: %v", err)
		}
		switch event.Type {
		case "checkout.session.completed":
			// Delayed methods complete unpaid and report later.
			if s.PaymentStatus != "paid" {
				return nil, ignored(Stripe, "session %s is %s", s.ID, s.PaymentStatus)
			}
			ev.Status = StatusPaid
		case "checkout.session.async_payment_succeeded":
			ev.Status = StatusPaid
		default:
			ev.Status = StatusFailed
		}
		ev.ExternalID = s.PaymentIntent
		if ev.ExternalID == "" {
			ev.ExternalID = s.ID
		}
		if err := a.checkCurrency(s.Currency); err != nil {
			return nil, err
		}
		ev.Amount = money.Amount(s.AmountTotal)
		if err := ev.withIntent(s.Metadata["intent"]); err != nil {
			return nil, err
		}
	case "charge.refunded":
		var c stripeCharge
		if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
			return nil, malformed(Stripe, "decode charge: %v", err)
		}
		if c.PaymentIntent == "" {
			return nil, malformed(Stripe, "charge %s has no payment intent", c.ID)
		}
		if err := a.checkCurrency(c.Currency); err != nil {
			return nil, err
		}
		ev.Status = StatusRefunded
		ev.ExternalID = c.PaymentIntent
		ev.Amount = money.Amount(c.AmountRefunded)
		ev.RefundID = fmt.Sprintf("%s:%d", c.ID, c.AmountRefunded)
		ev.RefundTotal = true
	default:
		return nil, ignored(Stripe, "event %q", event.Type)
	}

	if ev.ExternalID == "" {
		return nil, malformed(Stripe, "missing payment id")
	}
	if ev.Intent == nil && ev.Status != StatusRefunded {
		return nil, malformed(Stripe, "session without intent")
	}
	return ev, nil
}

func (a *StripeAdapter) checkCurrency(c string) error {
	return checkCurrency(Stripe, c, a.currency)
}
