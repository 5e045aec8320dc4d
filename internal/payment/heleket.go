package payment

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"regexp"

	"vpnbilling/internal/money"
)

type heleketWebhook struct {
	Type           string `json:"type"`
	UUID           string `json:"uuid"`
	OrderID        string `json:"order_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	AdditionalData string `json:"additional_data"`
	Sign           string `json:"sign"`
}

var heleketSignField = regexp.MustCompile(`,?\s*"sign"\s*:\s*"[0-9a-fA-F]*"`)

// HeleketAdapter checks the body "sign" field: md5 of the base64 of the body
// without that field, slashes escaped, followed by the API key.
type HeleketAdapter struct {
	apiKey   string
	currency string
}

// NewHeleketAdapter expects invoices priced in currency; the payer's crypto
// is reported separately and not checked.
func NewHeleketAdapter(apiKey, currency string) *HeleketAdapter {
	return &HeleketAdapter{apiKey: apiKey, currency: currency}
}

func (a *HeleketAdapter) Gateway() string { return Heleket }

func heleketSign(unsigned []byte, apiKey string) string {
	b := bytes.ReplaceAll(unsigned, []byte(`\/`), []byte(`/`))
	b = bytes.ReplaceAll(b, []byte(`/`), []byte(`\/`))
	return md5Hex(base64.StdEncoding.EncodeToString(b) + apiKey)
}

func (a *HeleketAdapter) VerifySignature(req *WebhookRequest) error {
	var w heleketWebhook
	if err := json.Unmarshal(req.Body, &w); err != nil || w.Sign == "" {
		return unauthorized(Heleket, "missing sign")
	}
	unsigned := heleketSignField.ReplaceAll(req.Body, nil)
	unsigned = bytes.Replace(unsigned, []byte("{,"), []byte("{"), 1)
	if !equalHex(w.Sign, heleketSign(unsigned, a.apiKey)) {
		return unauthorized(Heleket, "bad sign")
	}
	return nil
}

func (a *HeleketAdapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	var w heleketWebhook
	if err := json.Unmarshal(req.Body, &w); err != nil {
		return nil, malformed(Heleket, "decode: %v", err)
	}
	ev := newEvent(Heleket, req)
	switch w.Status {
	case "paid", "paid_over":
		ev.Status = StatusPaid
	case "cancel", "fail", "system_fail", "wrong_amount":
		ev.Status = StatusFailed
	case "refund_paid":
		ev.Status = StatusRefunded
	default:
		return nil, ignored(Heleket, "status %q", w.Status)
	}
	if w.UUID == "" {
		return nil, malformed(Heleket, "missing uuid")
	}
	ev.ExternalID = w.UUID

	if err := checkCurrency(Heleket, w.Currency, a.currency); err != nil {
		return nil, err
	}
	amount, err := money.ParseMajor(w.Amount)
	if err != nil {
		return nil, malformed(Heleket, "amount: %v", err)
	}
	ev.Amount = amount
	if err := ev.withIntent(w.AdditionalData); err != nil {
		return nil, err
	}
	if ev.Intent == nil && ev.Status != StatusRefunded {
		return nil, malformed(Heleket, "payment without intent")
	}
	return ev, nil
}
