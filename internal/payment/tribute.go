package payment

import (
	"encoding/json"
	"fmt"

	"vpnbilling/internal/money"
)

type tributeWebhook struct {
	Name      string         `json:"name"`
	CreatedAt string         `json:"created_at"`
	SentAt    string         `json:"sent_at"`
	Payload   tributePayload `json:"payload"`
}

type tributePayload struct {
	DonationRequestID int64  `json:"donation_request_id"`
	DonationName      string `json:"donation_name"`
	Message           string `json:"message"`
	Period            string `json:"period"`
	Amount            int64  `json:"amount"` // minor units
	Currency          string `json:"currency"`
	TelegramUserID    int64  `json:"telegram_user_id"`
}

// TributeAdapter handles donation webhooks signed with trbt-signature, an
// HMAC-SHA256 of the body keyed with the API key. Tribute has no intent
// field, so the payer is identified by Telegram id and the payment is a
// top-up.
type TributeAdapter struct {
	apiKey   []byte
	currency string
}

func NewTributeAdapter(apiKey, currency string) *TributeAdapter {
	return &TributeAdapter{apiKey: []byte(apiKey), currency: currency}
}

func (a *TributeAdapter) Gateway() string { return Tribute }

func (a *TributeAdapter) VerifySignature(req *WebhookRequest) error {
	sig := req.Header.Get("trbt-signature")
	if sig == "" || len(a.apiKey) == 0 || !equalHex(sig, hmacSHA256Hex(a.apiKey, req.Body)) {
		return unauthorized(Tribute, "bad trbt-signature")
	}
	return nil
}

func (a *TributeAdapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	var w tributeWebhook
	if err := json.Unmarshal(req.Body, &w); err != nil {
		return nil, malformed(Tribute, "decode: %v", err)
	}
	switch w.Name {
	case "new_donation", "recurrent_donation":
	default:
		return nil, ignored(Tribute, "event %q", w.Name)
	}
	p := w.Payload
	if p.DonationRequestID == 0 || p.TelegramUserID == 0 {
		return nil, malformed(Tribute, "donation without request or user id")
	}
	if p.Amount <= 0 {
		return nil, malformed(Tribute, "non-positive amount")
	}
	if err := checkCurrency(Tribute, p.Currency, a.currency); err != nil {
		return nil, err
	}

	ev := newEvent(Tribute, req)
	// Recurrent donations reuse the request id; the creation time tells them apart.
	ev.ExternalID = fmt.Sprintf("%d:%s", p.DonationRequestID, w.CreatedAt)
	ev.TelegramID = p.TelegramUserID
	ev.Amount = money.Amount(p.Amount)
	ev.Status = StatusPaid
	return ev, nil
}
