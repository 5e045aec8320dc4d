package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnbilling/internal/database/dbtest"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/payment"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/subscription"
)

func signTribute(body string) string {
	mac := hmac.New(sha256.New, []byte("tribute-key"))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPoolProcessesSubmissions(t *testing.T) {
	f := newFixture(t)
	u := dbtest.CreateUser(t, f.db, 4242)

	pool := NewPool(f.rec, 2, 4, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	res, err := pool.Submit(context.Background(), payment.YooKassa, yooBody(t, "payment.succeeded", "abc123", "500.00", topup(u.ID, 50000)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	assert.Equal(t, int64(50000), f.balance(t, u.ID))
}

func TestPoolBudgetExceededIsRetryable(t *testing.T) {
	f := newFixture(t)
	u := dbtest.CreateUser(t, f.db, 4242)
	req := yooBody(t, "payment.succeeded", "abc123", "500.00", topup(u.ID, 50000))

	// No workers are running: the first job waits in the queue, the second
	// cannot even be queued.
	pool := NewPool(f.rec, 1, 1, 30*time.Millisecond)

	_, err := pool.Submit(context.Background(), payment.YooKassa, req)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, billerr.IsRetryable(err))

	_, err = pool.Submit(context.Background(), payment.YooKassa, req)
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Equal(t, billerr.KindTransient, billerr.KindOf(err))

	assert.Zero(t, f.balance(t, u.ID))
}

type cancellingPurchaser struct {
	cancel context.CancelFunc
	next   Purchaser
	err    error
}

func (p *cancellingPurchaser) Purchase(ctx context.Context, userID uint, req subscription.PurchaseRequest) (*subscription.Result, error) {
	p.cancel()
	p.err = ctx.Err()
	return p.next.Purchase(ctx, userID, req)
}

func TestPurchaseSurvivesDeliveryCancellation(t *testing.T) {
	f := newFixture(t)
	u := dbtest.CreateUser(t, f.db, 4242)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	purchaser := &cancellingPurchaser{cancel: cancel, next: f.subs}
	f.rec.purchaser = purchaser

	intent := &payment.Intent{
		UserID:     u.ID,
		Amount:     19900,
		Purpose:    payment.PurposePurchase,
		PeriodDays: 30,
		Traffic:    pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: 50},
		Squads:     []string{"nl"},
	}
	res, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "late-1", "199.00", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	assert.NoError(t, purchaser.err)
	require.NoError(t, res.PurchaseErr)
	require.NotNil(t, res.Purchase)
	assert.Equal(t, models.StatusPaidActive, res.Purchase.Subscription.Status)
	assert.Zero(t, f.balance(t, u.ID))
}

type fakeCreator struct {
	id     string
	amount money.Amount
	meta   map[string]string
}

func (c *fakeCreator) CreatePayment(_ context.Context, key string, amount money.Amount, _, _, _ string, metadata map[string]string) (*payment.PaymentResponse, error) {
	if key == "" {
		return nil, billerr.Validation("fake", assert.AnError)
	}
	c.amount, c.meta = amount, metadata
	return &payment.PaymentResponse{
		ID:           c.id,
		Status:       "pending",
		Confirmation: payment.Confirmation{Type: "redirect", ConfirmationURL: "https://yoomoney.ru/checkout/" + c.id},
	}, nil
}

func TestCheckoutRecordsPendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	creator := &fakeCreator{id: "yk-9"}
	co := NewCheckout(f.db, creator, "RUB", "https://t.me/bot")
	intent := IntentFor(u.ID, 50000, nil)
	out, err := co.Create(ctx, intent, "Пополнение баланса")
	require.NoError(t, err)
	assert.Equal(t, "yk-9", out.ExternalID)
	assert.Equal(t, "https://yoomoney.ru/checkout/yk-9", out.ConfirmationURL)
	assert.Equal(t, money.Amount(50000), creator.amount)
	assert.Equal(t, "4242", creator.meta["telegram_id"])

	// A notification for a different amount than the checkout asked for is a conflict.
	res, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "yk-9", "5.00", topup(u.ID, 500)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Zero(t, f.balance(t, u.ID))

	res, err = f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "yk-9", "500.00", &intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	assert.Equal(t, out.PaymentID, res.PaymentID)
	assert.Equal(t, int64(50000), f.balance(t, u.ID))

	_, err = co.Create(ctx, IntentFor(u.ID, 0, nil), "empty")
	assert.Equal(t, billerr.KindValidation, billerr.KindOf(err))
}
