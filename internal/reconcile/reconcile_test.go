package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpnbilling/internal/config"
	"vpnbilling/internal/database/dbtest"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/payment"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/subscription"
)

var tariffs = config.Tariffs{
	PeriodPrices:    map[int]money.Amount{30: 19900, 90: 53700},
	TrafficMode:     pricing.TrafficModeSelectable,
	TrafficPackages: map[int]money.Amount{50: 0, 100: 5000, 0: 15000},
	FreeDevices:     1,
	MaxDevices:      5,
	DevicePrice:     5000,
	FreeSquads:      1,
	SquadPrice:      5000,
}

type nopSyncer struct{}

func (nopSyncer) Enqueue(uint) {}

type failingPurchaser struct{ err error }

func (f failingPurchaser) Purchase(context.Context, uint, subscription.PurchaseRequest) (*subscription.Result, error) {
	return nil, f.err
}

type fixture struct {
	db    *gorm.DB
	rec   *Reconciler
	notes *notify.Recorder
	subs  *subscription.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	require.NoError(t, db.Create(&models.ServerSquad{UUID: "nl", Name: "NL", Available: true}).Error)

	yoo, err := payment.NewYooKassaAdapter([]string{"127.0.0.1"}, "RUB")
	require.NoError(t, err)
	registry := payment.NewRegistry(yoo, payment.NewTributeAdapter("tribute-key", "RUB"))

	notes := &notify.Recorder{}
	subs := subscription.NewService(db, &pricing.Loader{DB: db, Tariffs: tariffs}, nopSyncer{}, notes, config.Trial{Days: 3})
	rec := New(db, registry, subs, notes, 15)
	rec.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{db: db, rec: rec, notes: notes, subs: subs}
}

func yooBody(t *testing.T, event, id string, amount string, intent *payment.Intent) *payment.WebhookRequest {
	t.Helper()
	meta := ""
	if intent != nil {
		s, err := intent.Encode()
		require.NoError(t, err)
		meta = fmt.Sprintf(`,"metadata":{"intent":%q}`, s)
	}
	body := fmt.Sprintf(`{"type":"notification","event":%q,"object":{"id":%q,"amount":{"value":%q,"currency":"RUB"}%s}}`, event, id, amount, meta)
	return &payment.WebhookRequest{Body: []byte(body), RemoteIP: "127.0.0.1"}
}

func yooRefund(paymentID, amount string) *payment.WebhookRequest {
	return yooRefundID("rf-"+paymentID, paymentID, amount)
}

func yooRefundID(refundID, paymentID, amount string) *payment.WebhookRequest {
	body := fmt.Sprintf(`{"event":"refund.succeeded","object":{"id":%q,"payment_id":%q,"amount":{"value":%q,"currency":"RUB"}}}`, refundID, paymentID, amount)
	return &payment.WebhookRequest{Body: []byte(body), RemoteIP: "127.0.0.1"}
}

func topup(userID uint, amount money.Amount) *payment.Intent {
	return &payment.Intent{UserID: userID, Amount: amount, Purpose: payment.PurposeTopup}
}

func (f *fixture) balance(t *testing.T, userID uint) int64 {
	t.Helper()
	var u models.User
	require.NoError(t, f.db.First(&u, userID).Error)
	return u.Balance
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func TestDuplicateDeliveryCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	req := yooBody(t, "payment.succeeded", "abc123", "500.00", topup(u.ID, 50000))
	res, err := f.rec.Process(ctx, payment.YooKassa, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)

	res, err = f.rec.Process(ctx, payment.YooKassa, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	assert.Equal(t, int64(50000), f.balance(t, u.ID))
	assert.Equal(t, int64(1), f.count(t, &models.PaymentRecord{}, "external_id = ? AND status = ?", "abc123", models.PaymentPaid))
	assert.Equal(t, int64(1), f.count(t, &models.Transaction{}, "user_id = ?", u.ID))
	dbtest.AssertLedgerBalanced(t, f.db)

	msgs := f.notes.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.TopupCredited(50000, 50000), msgs[0].Text)
}

func TestConcurrentReplayCreditsOnce(t *testing.T) {
	f := newFixture(t)
	u := dbtest.CreateUser(t, f.db, 4242)
	req := yooBody(t, "payment.succeeded", "abc123", "500.00", topup(u.ID, 50000))

	const n = 8
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.rec.Process(context.Background(), payment.YooKassa, req)
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeCredited])
	assert.Equal(t, n-1, counts[OutcomeDuplicate])
	assert.Equal(t, int64(50000), f.balance(t, u.ID))
	dbtest.AssertLedgerBalanced(t, f.db)
}

func TestConflictingNotificationsGoToReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	_, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "abc123", "500.00", topup(u.ID, 50000)))
	require.NoError(t, err)

	other := yooBody(t, "payment.succeeded", "abc123", "600.00", topup(u.ID, 60000))
	res, err := f.rec.Process(ctx, payment.YooKassa, other)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.True(t, res.ReviewOpened)

	res, err = f.rec.Process(ctx, payment.YooKassa, other)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.False(t, res.ReviewOpened, "redelivery must not open a second issue")

	canceled := yooBody(t, "payment.canceled", "abc123", "500.00", topup(u.ID, 50000))
	res, err = f.rec.Process(ctx, payment.YooKassa, canceled)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)

	assert.Equal(t, int64(50000), f.balance(t, u.ID))
	assert.Equal(t, int64(2), f.count(t, &models.ReconciliationIssue{}, "kind = ?", models.IssueConflict))
	assert.Len(t, f.notes.AdminAlerts(), 2)
	dbtest.AssertLedgerBalanced(t, f.db)
}

func TestFailedPaymentIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	res, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.canceled", "p-1", "500.00", topup(u.ID, 50000)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	res, err = f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "p-1", "500.00", topup(u.ID, 50000)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Zero(t, f.balance(t, u.ID))
}

func TestPurchaseIntentBuysSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	intent := &payment.Intent{
		UserID:     u.ID,
		Amount:     19900,
		Purpose:    payment.PurposePurchase,
		PeriodDays: 30,
		Traffic:    pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: 50},
		Squads:     []string{"nl"},
	}
	res, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "buy-1", "199.00", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	require.NoError(t, res.PurchaseErr)
	require.NotNil(t, res.Purchase)

	sub := res.Purchase.Subscription
	assert.Equal(t, models.StatusPaidActive, sub.Status)
	require.NotNil(t, sub.FundingPaymentID)
	assert.Equal(t, res.PaymentID, *sub.FundingPaymentID)
	assert.Zero(t, f.balance(t, u.ID))

	var rec models.PaymentRecord
	require.NoError(t, f.db.First(&rec, res.PaymentID).Error)
	require.NotNil(t, rec.SubscriptionID)
	assert.Equal(t, sub.ID, *rec.SubscriptionID)

	// A full refund leaves the subscription alone and asks for review.
	res, err = f.rec.Process(ctx, payment.YooKassa, yooRefund("buy-1", "199.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, res.Outcome)
	assert.True(t, res.ReviewOpened)
	assert.Equal(t, int64(-19900), f.balance(t, u.ID))

	st, err := f.subs.State(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaidActive, st)
	assert.Equal(t, int64(1), f.count(t, &models.ReconciliationIssue{}, "kind = ?", models.IssueRefundReview))
	assert.Equal(t, int64(1), f.count(t, &models.Transaction{}, "kind = ? AND amount = ?", models.TxRefund, -19900))

	res, err = f.rec.Process(ctx, payment.YooKassa, yooRefund("buy-1", "199.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(-19900), f.balance(t, u.ID))
	dbtest.AssertLedgerBalanced(t, f.db)
}

func TestPartialRefundWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	_, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "abc123", "500.00", topup(u.ID, 50000)))
	require.NoError(t, err)
	res, err := f.rec.Process(ctx, payment.YooKassa, yooRefund("abc123", "200.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, res.Outcome)
	assert.False(t, res.ReviewOpened)
	assert.Equal(t, int64(30000), f.balance(t, u.ID))
	dbtest.AssertLedgerBalanced(t, f.db)
}

func TestSeparatePartialRefundsAllApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	_, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "multi-1", "500.00", topup(u.ID, 50000)))
	require.NoError(t, err)

	steps := []struct {
		refundID string
		amount   string
		outcome  Outcome
		balance  int64
	}{
		{"rf-a", "100.00", OutcomeRefunded, 40000},
		{"rf-b", "100.00", OutcomeRefunded, 30000},
		{"rf-b", "100.00", OutcomeDuplicate, 30000},
		// Capped at what is left of the payment.
		{"rf-c", "400.00", OutcomeRefunded, 0},
		{"rf-d", "50.00", OutcomeDuplicate, 0},
	}
	for _, st := range steps {
		res, err := f.rec.Process(ctx, payment.YooKassa, yooRefundID(st.refundID, "multi-1", st.amount))
		require.NoError(t, err, st.refundID)
		assert.Equal(t, st.outcome, res.Outcome, st.refundID)
		assert.Equal(t, st.balance, f.balance(t, u.ID), st.refundID)
	}

	var rec models.PaymentRecord
	require.NoError(t, f.db.Where("external_id = ?", "multi-1").First(&rec).Error)
	assert.Equal(t, models.PaymentRefunded, rec.Status)
	assert.Equal(t, int64(50000), rec.RefundedAmount)
	assert.Equal(t, int64(3), f.count(t, &models.Transaction{}, "kind = ?", models.TxRefund))

	// Refunds of a payment that was never credited move no money.
	_, err = f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.canceled", "never-paid", "500.00", topup(u.ID, 50000)))
	require.NoError(t, err)
	res, err := f.rec.Process(ctx, payment.YooKassa, yooRefundID("rf-x", "never-paid", "100.00"))
	require.NoError(t, err)
	assert.NotEqual(t, OutcomeRefunded, res.Outcome)
	assert.Equal(t, int64(0), f.balance(t, u.ID))
	dbtest.AssertLedgerBalanced(t, f.db)
}

func TestPurchaseFailureKeepsCredit(t *testing.T) {
	f := newFixture(t)
	f.rec.purchaser = failingPurchaser{err: billerr.Validation("subscription.purchase", errors.New("price changed"))}
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	intent := &payment.Intent{UserID: u.ID, Amount: 19900, Purpose: payment.PurposePurchase, PeriodDays: 30}
	res, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "buy-2", "199.00", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	assert.Error(t, res.PurchaseErr)
	assert.Nil(t, res.Purchase)

	assert.Equal(t, int64(19900), f.balance(t, u.ID))
	assert.Equal(t, int64(1), f.count(t, &models.ReconciliationIssue{}, "kind = ? AND ref = ?", models.IssuePurchaseFailed, "yookassa:buy-2"))
	assert.Len(t, f.notes.AdminAlerts(), 1)

	var userMsgs []string
	for _, m := range f.notes.Messages() {
		if m.TelegramID == 4242 {
			userMsgs = append(userMsgs, m.Text)
		}
	}
	assert.Equal(t, []string{notify.PurchaseFailedKeptFunds(19900)}, userMsgs)
}

func TestReferralEarnedOncePerPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := dbtest.CreateUser(t, f.db, 1000)
	u := dbtest.CreateUser(t, f.db, 4242)
	require.NoError(t, f.db.Model(u).Update("referrer_id", referrer.ID).Error)

	req := yooBody(t, "payment.succeeded", "ref-1", "1000.00", topup(u.ID, 100000))
	for i := 0; i < 2; i++ {
		_, err := f.rec.Process(ctx, payment.YooKassa, req)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(100000), f.balance(t, u.ID))
	assert.Equal(t, int64(15000), f.balance(t, referrer.ID))
	assert.Equal(t, int64(1), f.count(t, &models.ReferralEarning{}, "referrer_id = ?", referrer.ID))
	assert.Contains(t, f.notes.Messages(), notify.Message{TelegramID: 1000, Text: notify.ReferralBonus(15000)})
	dbtest.AssertLedgerBalanced(t, f.db)
}

func TestTributeCreatesUnknownUser(t *testing.T) {
	f := newFixture(t)
	body := `{"name":"new_donation","created_at":"2026-03-01T10:00:00Z","payload":{"donation_request_id":5,"amount":30000,"currency":"rub","telegram_user_id":777}}`
	req := &payment.WebhookRequest{Body: []byte(body), Header: map[string][]string{}}
	req.Header.Set("trbt-signature", signTribute(body))

	res, err := f.rec.Process(context.Background(), payment.Tribute, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)

	var u models.User
	require.NoError(t, f.db.Where("telegram_id = ?", 777).First(&u).Error)
	assert.Equal(t, int64(30000), u.Balance)
}

func TestRejectedDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)

	req := yooBody(t, "payment.succeeded", "abc123", "500.00", topup(u.ID, 50000))
	req.RemoteIP = "10.1.1.1"
	_, err := f.rec.Process(ctx, payment.YooKassa, req)
	assert.Equal(t, billerr.KindAuth, billerr.KindOf(err))

	_, err = f.rec.Process(ctx, "paypal", req)
	assert.ErrorIs(t, err, ErrUnknownGateway)
	assert.Equal(t, billerr.KindValidation, billerr.KindOf(err))

	_, err = f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.succeeded", "x-1", "1.00", topup(999, 100)))
	assert.ErrorIs(t, err, ErrUnknownUser)

	res, err := f.rec.Process(ctx, payment.YooKassa, yooBody(t, "payment.waiting_for_capture", "x-2", "1.00", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	assert.Zero(t, f.count(t, &models.PaymentRecord{}, "1 = 1"))
}

func TestOrphanRefundQueuedForReview(t *testing.T) {
	f := newFixture(t)
	res, err := f.rec.Process(context.Background(), payment.YooKassa, yooRefund("never-seen", "10.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.True(t, res.ReviewOpened)
	assert.Equal(t, int64(1), f.count(t, &models.ReconciliationIssue{}, "kind = ? AND user_id IS NULL", models.IssueConflict))
}

func TestIntegrityHoldDefersCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 4242)
	require.NoError(t, f.db.Model(u).Update("integrity_hold", true).Error)

	req := yooBody(t, "payment.succeeded", "held-1", "500.00", topup(u.ID, 50000))
	res, err := f.rec.Process(ctx, payment.YooKassa, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, res.Outcome)
	assert.True(t, res.ReviewOpened)
	assert.Zero(t, f.balance(t, u.ID))

	var rec models.PaymentRecord
	require.NoError(t, f.db.Where("external_id = ?", "held-1").First(&rec).Error)
	assert.Equal(t, models.PaymentPending, rec.Status)

	// Once released, a redelivery credits normally.
	require.NoError(t, f.db.Model(u).Update("integrity_hold", false).Error)
	res, err = f.rec.Process(ctx, payment.YooKassa, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	assert.Equal(t, int64(50000), f.balance(t, u.ID))
}
