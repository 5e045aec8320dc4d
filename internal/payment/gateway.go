// Package payment turns gateway webhooks into normalized payment events.
// Each gateway has one adapter; the set is closed and selected by route.
package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/money"
)

const (
	YooKassa  = "yookassa"
	CryptoBot = "cryptobot"
	Heleket   = "heleket"
	Tribute   = "tribute"
	Pal24     = "pal24"
	Platega   = "platega"
	Stars     = "stars"
	Stripe    = "stripe"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

// WebhookRequest is the raw delivery as the HTTP layer received it.
type WebhookRequest struct {
	Header   http.Header
	Body     []byte
	RemoteIP string
}

// PaymentEvent is a gateway notification in gateway-neutral form. For
// refunds ExternalID is the id of the original payment and RefundID, when
// the gateway has one, identifies the refund itself.
type PaymentEvent struct {
	Gateway     string
	ExternalID  string
	UserID      uint
	TelegramID  int64
	Amount      money.Amount
	Status      Status
	RawChecksum string
	Intent      *Intent
	RefundID    string
	// RefundTotal marks a refund whose Amount is the cumulative refunded sum.
	RefundTotal bool
}

// Adapter verifies and decodes one gateway's webhooks.
type Adapter interface {
	Gateway() string
	VerifySignature(req *WebhookRequest) error
	Normalize(req *WebhookRequest) (*PaymentEvent, error)
}

type AdapterErrorKind string

const (
	Unauthorized AdapterErrorKind = "unauthorized"
	Malformed    AdapterErrorKind = "malformed"
	// Ignored marks well-formed notifications that carry nothing to reconcile.
	Ignored AdapterErrorKind = "ignored"
)

type AdapterError struct {
	Kind    AdapterErrorKind
	Gateway string
	Reason  string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s webhook %s: %s", e.Gateway, e.Kind, e.Reason)
}

func (e *AdapterError) ErrorKind() billerr.Kind {
	if e.Kind == Unauthorized {
		return billerr.KindAuth
	}
	return billerr.KindValidation
}

func unauthorized(gw, format string, args ...any) error {
	return &AdapterError{Kind: Unauthorized, Gateway: gw, Reason: fmt.Sprintf(format, args...)}
}

func malformed(gw, format string, args ...any) error {
	return &AdapterError{Kind: Malformed, Gateway: gw, Reason: fmt.Sprintf(format, args...)}
}

func ignored(gw, format string, args ...any) error {
	return &AdapterError{Kind: Ignored, Gateway: gw, Reason: fmt.Sprintf(format, args...)}
}

// checkCurrency rejects a notification settled in another currency than
// want. A gateway that omits the currency passes.
func checkCurrency(gw, got, want string) error {
	if got != "" && want != "" && !strings.EqualFold(got, want) {
		return malformed(gw, "currency %q, want %q", got, want)
	}
	return nil
}

// IsIgnored reports whether err says the notification needs no processing.
func IsIgnored(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == Ignored
}

// Checksum fingerprints a raw webhook body.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func newEvent(gw string, req *WebhookRequest) *PaymentEvent {
	return &PaymentEvent{Gateway: gw, RawChecksum: Checksum(req.Body)}
}

// withIntent fills user and intent fields from an encoded intent. An absent
// intent is allowed when the gateway identifies the Telegram user itself.
func (e *PaymentEvent) withIntent(raw string) error {
	if raw == "" {
		return nil
	}
	in, err := ParseIntent(raw)
	if err != nil {
		return malformed(e.Gateway, "intent: %v", err)
	}
	e.Intent = in
	e.UserID = in.UserID
	return nil
}

// Registry maps webhook routes to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Gateway()] = a
	}
	return r
}

func (r *Registry) Lookup(gateway string) (Adapter, bool) {
	a, ok := r.adapters[gateway]
	return a, ok
}

// Gateways lists the registered gateways in a stable order.
func (r *Registry) Gateways() []string {
	out := make([]string, 0, len(r.adapters))
	for gw := range r.adapters {
		out = append(out, gw)
	}
	sort.Strings(out)
	return out
}
