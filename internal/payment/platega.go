package payment

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"vpnbilling/internal/money"
)

type plategaCallback struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	PaymentMethod int             `json:"paymentMethod"`
	Payload       string          `json:"payload"`
}

// PlategaAdapter authenticates callbacks by the merchant id and secret
// headers Platega echoes back.
type PlategaAdapter struct {
	merchantID string
	secret     string
	currency   string
}

func NewPlategaAdapter(merchantID, secret, currency string) *PlategaAdapter {
	return &PlategaAdapter{merchantID: merchantID, secret: secret, currency: currency}
}

func (a *PlategaAdapter) Gateway() string { return Platega }

func (a *PlategaAdapter) VerifySignature(req *WebhookRequest) error {
	if !equalSecret(req.Header.Get("X-MerchantId"), a.merchantID) || !equalSecret(req.Header.Get("X-Secret"), a.secret) {
		return unauthorized(Platega, "merchant credentials mismatch")
	}
	return nil
}

func (a *PlategaAdapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	var c plategaCallback
	if err := json.Unmarshal(req.Body, &c); err != nil {
		return nil, malformed(Platega, "decode: %v", err)
	}
	ev := newEvent(Platega, req)
	switch c.Status {
	case "CONFIRMED":
		ev.Status = StatusPaid
	case "CANCELED":
		ev.Status = StatusFailed
	case "CHARGEBACKED":
		ev.Status = StatusRefunded
	default:
		return nil, ignored(Platega, "status %q", c.Status)
	}
	if c.ID == "" {
		return nil, malformed(Platega, "missing transaction id")
	}
	ev.ExternalID = c.ID

	if err := checkCurrency(Platega, c.Currency, a.currency); err != nil {
		return nil, err
	}
	amount, err := money.ParseMajor(c.Amount.String())
	if err != nil {
		return nil, malformed(Platega, "amount: %v", err)
	}
	ev.Amount = amount
	if err := ev.withIntent(c.Payload); err != nil {
		return nil, err
	}
	if ev.Intent == nil && ev.Status != StatusRefunded {
		return nil, malformed(Platega, "callback without intent")
	}
	return ev, nil
}
