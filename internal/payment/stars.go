package payment

import (
	"encoding/json"

	"github.com/mymmrac/telego"

	"vpnbilling/internal/money"
)

// StarsAdapter reads Telegram Stars payments from bot updates delivered to the
// webhook with the configured secret token. Stars are converted at a fixed
// rate; the invoice payload is the encoded intent.
type StarsAdapter struct {
	secretToken string
	rate        money.Amount
}

func NewStarsAdapter(secretToken string, rate money.Amount) *StarsAdapter {
	return &StarsAdapter{secretToken: secretToken, rate: rate}
}

func (a *StarsAdapter) Gateway() string { return Stars }

func (a *StarsAdapter) VerifySignature(req *WebhookRequest) error {
	if !equalSecret(req.Header.Get("X-Telegram-Bot-Api-Secret-Token"), a.secretToken) {
		return unauthorized(Stars, "bad secret token")
	}
	return nil
}

func (a *StarsAdapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	var u telego.Update
	if err := json.Unmarshal(req.Body, &u); err != nil {
		return nil, malformed(Stars, "decode: %v", err)
	}
	msg := u.Message
	if msg == nil {
		return nil, ignored(Stars, "update %d has no message", u.UpdateID)
	}

	ev := newEvent(Stars, req)
	var (
		stars   int
		payload string
	)
	switch {
	case msg.SuccessfulPayment != nil:
		p := msg.SuccessfulPayment
		if p.Currency != "XTR" {
			return nil, ignored(Stars, "currency %q", p.Currency)
		}
		ev.Status = StatusPaid
		ev.ExternalID = p.TelegramPaymentChargeID
		stars, payload = p.TotalAmount, p.InvoicePayload
	case msg.RefundedPayment != nil:
		p := msg.RefundedPayment
		ev.Status = StatusRefunded
		ev.ExternalID = p.TelegramPaymentChargeID
		stars, payload = p.TotalAmount, p.InvoicePayload
	default:
		return nil, ignored(Stars, "message without payment")
	}
	if ev.ExternalID == "" {
		return nil, malformed(Stars, "missing charge id")
	}
	if stars <= 0 {
		return nil, malformed(Stars, "non-positive star amount")
	}
	ev.Amount = money.Amount(stars) * a.rate
	if msg.From != nil {
		ev.TelegramID = msg.From.ID
	}
	if err := ev.withIntent(payload); err != nil {
		return nil, err
	}
	if ev.UserID == 0 && ev.TelegramID == 0 {
		return nil, malformed(Stars, "payment identifies no user")
	}
	return ev, nil
}
