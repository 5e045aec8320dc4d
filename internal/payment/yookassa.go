package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/money"
	"vpnbilling/internal/utils"
)

type Client struct {
	ShopID     string
	SecretKey  string
	APIURL     string
	HTTPClient *http.Client
}

func NewClient(shopID, secretKey string) *Client {
	return &Client{
		ShopID:    shopID,
		SecretKey: secretKey,
		APIURL:    "https://api.yookassa.ru/v3",
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreatePayment opens a redirect payment. The idempotence key makes a retried
// call return the same payment instead of charging twice.
func (c *Client) CreatePayment(ctx context.Context, idempotenceKey string, amount money.Amount, currency, description, returnURL string, metadata map[string]string) (*PaymentResponse, error) {
	const op = "yookassa.create_payment"
	reqBody := CreatePaymentRequest{
		Amount: Amount{
			Value:    amount.Major(),
			Currency: currency,
		},
		Capture: true,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: returnURL,
		},
		Description: description,
		Metadata:    metadata,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/payments", c.APIURL), bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Idempotence-Key", idempotenceKey)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.ShopID, c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, billerr.Transient(op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, billerr.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, billerr.Transient(op, fmt.Errorf("api error: %s (status: %d)", string(respBody), resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, billerr.Validation(op, fmt.Errorf("api error: %s (status: %d)", string(respBody), resp.StatusCode))
	}

	var paymentResponse PaymentResponse
	if err := json.Unmarshal(respBody, &paymentResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &paymentResponse, nil
}

// YooKassaAdapter authenticates notifications by source address; YooKassa
// does not sign its webhooks.
type YooKassaAdapter struct {
	allowed  *utils.IPAllowList
	currency string
}

func NewYooKassaAdapter(allowedCIDRs []string, currency string) (*YooKassaAdapter, error) {
	l, err := utils.NewIPAllowList(allowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("yookassa allowlist: %w", err)
	}
	return &YooKassaAdapter{allowed: l, currency: currency}, nil
}

func (a *YooKassaAdapter) Gateway() string { return YooKassa }

func (a *YooKassaAdapter) VerifySignature(req *WebhookRequest) error {
	if !a.allowed.Contains(req.RemoteIP) {
		return unauthorized(YooKassa, "source %q is not a YooKassa address", req.RemoteIP)
	}
	return nil
}

func (a *YooKassaAdapter) Normalize(req *WebhookRequest) (*PaymentEvent, error) {
	var n WebhookNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, malformed(YooKassa, "decode: %v", err)
	}
	obj := n.Object
	ev := newEvent(YooKassa, req)

	switch n.Event {
	case "payment.succeeded":
		ev.Status = StatusPaid
		ev.ExternalID = obj.ID
	case "payment.canceled":
		ev.Status = StatusFailed
		ev.ExternalID = obj.ID
	case "refund.succeeded":
		ev.Status = StatusRefunded
		ev.ExternalID = obj.PaymentID
		ev.RefundID = obj.ID
	default:
		return nil, ignored(YooKassa, "event %q", n.Event)
	}
	if ev.ExternalID == "" {
		return nil, malformed(YooKassa, "%s without payment id", n.Event)
	}

	if err := checkCurrency(YooKassa, obj.Amount.Currency, a.currency); err != nil {
		return nil, err
	}
	amount, err := money.ParseMajor(obj.Amount.Value)
	if err != nil {
		return nil, malformed(YooKassa, "amount %q: %v", obj.Amount.Value, err)
	}
	ev.Amount = amount

	if err := ev.withIntent(obj.Metadata["intent"]); err != nil {
		return nil, err
	}
	if raw := obj.Metadata["telegram_id"]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, malformed(YooKassa, "invalid telegram_id: %v", err)
		}
		ev.TelegramID = id
	}
	if ev.UserID == 0 && ev.TelegramID == 0 && ev.Status != StatusRefunded {
		return nil, malformed(YooKassa, "metadata identifies no user")
	}
	return ev, nil
}
