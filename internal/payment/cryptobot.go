package payment

import (
	"crypto/sha256"
	"encoding/json"
	"strconv"

	"vpnbilling/internal/money"
)

type cryptoBotUpdate struct {
	UpdateID   int64            `json:"update_id"`
	UpdateType string           `json:"update_type"`
	Payload    cryptoBotInvoice `json:"payload"`
}

type cryptoBotInvoice struct {
	InvoiceID    int64  `json:"invoice_id"`
	Status       string `json:"status"`
	CurrencyType string `json:"currency_type"` // "crypto" or "fiat"
	Asset        string `json:"asset"`
	Fiat         string `json:"fiat"`
	Amount       string `json:"amount"`
	Payload      string `json:"payload"`
}

// CryptoBotAdapter verifies Crypto Pay webhooks: the signature header is
// HMAC-SHA256 of the body keyed with SHA256 of the API token.
type CryptoBotAdapter struct {
	secret   []byte
	currency string
}

func NewCryptoBotAdapter(token, currency string) *CryptoBotAdapter {
	sum := sha256.Sum256([]byte(token))
	return &CryptoBotAdapter{secret: sum[:], currency: currency}
}

func (a *CryptoBotAdapter) Gateway() string { return CryptoBot }

func (a *CryptoBotAdapter) VerifySignature(req *WebhookRequest) error {
	sig := req.Header.Get("Crypto-Pay-Api-Signature")
	if sig == "" || !equalHex(sig, hmacSHA256Hex(a.secret, req.Body)) {
		return unauthorized(CryptoBot, "bad signature")
	}
	return nil
}

func (a *CryptoBotAdapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	var u cryptoBotUpdate
	if err := json.Unmarshal(req.Body, &u); err != nil {
		return nil, malformed(CryptoBot, "decode: %v", err)
	}
	if u.UpdateType != "invoice_paid" {
		return nil, ignored(CryptoBot, "update %q", u.UpdateType)
	}
	inv := u.Payload
	if inv.InvoiceID == 0 {
		return nil, malformed(CryptoBot, "missing invoice id")
	}

	ev := newEvent(CryptoBot, req)
	ev.ExternalID = strconv.FormatInt(inv.InvoiceID, 10)
	ev.Status = StatusPaid
	if err := ev.withIntent(inv.Payload); err != nil {
		return nil, err
	}
	if ev.Intent == nil {
		return nil, malformed(CryptoBot, "invoice without intent")
	}

	// Fiat invoices carry the amount in our currency; crypto ones are credited
	// at the amount quoted when the invoice was created.
	if inv.CurrencyType == "fiat" && inv.Fiat == a.currency {
		amount, err := money.ParseMajor(inv.Amount)
		if err != nil {
			return nil, malformed(CryptoBot, "amount: %v", err)
		}
		ev.Amount = amount
	} else {
		ev.Amount = ev.Intent.Amount
	}
	if ev.Amount <= 0 {
		return nil, malformed(CryptoBot, "non-positive amount")
	}
	return ev, nil
}
