package payment

import (
	"net/url"
	"strings"

	"vpnbilling/internal/money"
)

// Pal24Adapter handles PayPalych postbacks. They arrive form-encoded and carry
// SignatureValue = upper(md5(OutSum:InvId:token)).
type Pal24Adapter struct {
	token    string
	currency string
}

func NewPal24Adapter(token, currency string) *Pal24Adapter {
	return &Pal24Adapter{token: token, currency: currency}
}

func (a *Pal24Adapter) Gateway() string { return Pal24 }

func pal24Sign(outSum, invID, token string) string {
	return strings.ToUpper(md5Hex(outSum + ":" + invID + ":" + token))
}

func (a *Pal24Adapter) VerifySignature(req *WebhookRequest) error {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return unauthorized(Pal24, "unreadable form")
	}
	sig := form.Get("SignatureValue")
	if sig == "" || a.token == "" || !equalHex(sig, pal24Sign(form.Get("OutSum"), form.Get("InvId"), a.token)) {
		return unauthorized(Pal24, "bad SignatureValue")
	}
	return nil
}

func (a *Pal24Adapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, malformed(Pal24, "decode: %v", err)
	}
	ev := newEvent(Pal24, req)
	switch strings.ToUpper(form.Get("Status")) {
	case "SUCCESS", "OVERPAID":
		ev.Status = StatusPaid
	case "FAIL", "UNDERPAID":
		ev.Status = StatusFailed
	default:
		return nil, ignored(Pal24, "status %q", form.Get("Status"))
	}

	ev.ExternalID = form.Get("TrsId")
	if ev.ExternalID == "" {
		ev.ExternalID = form.Get("InvId")
	}
	if ev.ExternalID == "" {
		return nil, malformed(Pal24, "missing TrsId and InvId")
	}
	if err := checkCurrency(Pal24, form.Get("CurrencyIn"), a.currency); err != nil {
		return nil, err
	}
	amount, err := money.ParseMajor(form.Get("OutSum"))
	if err != nil {
		return nil, malformed(Pal24, "OutSum: %v", err)
	}
	ev.Amount = amount
	if err := ev.withIntent(form.Get("custom")); err != nil {
		return nil, err
	}
	if ev.Intent == nil {
		return nil, malformed(Pal24, "postback without intent")
	}
	return ev, nil
}
