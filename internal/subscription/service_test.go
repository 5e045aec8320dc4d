package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpnbilling/internal/config"
	"vpnbilling/internal/database/dbtest"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/panelsync"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/remnawave/remnawavetest"
)

var now = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

type recordingSyncer struct {
	mu  sync.Mutex
	ids []uint
}

func (r *recordingSyncer) Enqueue(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingSyncer) Queued() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.ids...)
}

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

func newService(t *testing.T, syncer Syncer) (*Service, *gorm.DB, *notify.Recorder) {
	t.Helper()
	db := dbtest.Open(t)
	require.NoError(t, db.Create(&models.ServerSquad{UUID: "nl", Name: "NL", Available: true, TrialEligible: true}).Error)
	require.NoError(t, db.Create(&models.ServerSquad{UUID: "de", Name: "DE", Available: true}).Error)

	rec := &notify.Recorder{}
	if syncer == nil {
		syncer = &recordingSyncer{}
	}
	svc := NewService(db, &pricing.Loader{DB: db, Tariffs: tariffs}, syncer, rec, config.Trial{Days: 3, TrafficGB: 10, Devices: 1})
	svc.now = func() time.Time { return now }
	svc.pick = func(int) int { return 0 }
	return svc, db, rec
}

func fund(t *testing.T, db *gorm.DB, userID uint, amount money.Amount) {
	t.Helper()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := ledger.Apply(tx, ledger.Entry{UserID: userID, Amount: amount, Kind: models.TxTopup})
		return err
	}))
}

func balance(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var u models.User
	require.NoError(t, db.First(&u, userID).Error)
	return u.Balance
}

func createSub(t *testing.T, db *gorm.DB, user *models.User, status models.SubscriptionStatus, end time.Time) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		UserID:         user.ID,
		Status:         status,
		StartDate:      end.AddDate(0, 0, -30),
		EndDate:        end,
		PeriodDays:     30,
		TrafficLimitGB: 50,
		DeviceLimit:    1,
		Squads:         []string{"nl"},
		PanelUsername:  models.PanelUsername(user.TelegramID),
		SyncStatus:     models.SyncOK,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

var plan30 = PurchaseRequest{
	PeriodDays: 30,
	Traffic:    pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: 50},
	Squads:     []string{"nl"},
}

func TestStartTrial(t *testing.T) {
	syncer := &recordingSyncer{}
	svc, db, rec := newService(t, syncer)
	ctx := context.Background()
	u := dbtest.CreateUser(t, db, 100)

	sub, err := svc.StartTrial(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrialActive, sub.Status)
	assert.Equal(t, now.Add(72*time.Hour), sub.EndDate)
	assert.Equal(t, []string{"nl"}, sub.Squads)
	assert.Equal(t, 10, sub.TrafficLimitGB)
	assert.Equal(t, []uint{sub.ID}, syncer.Queued())
	assert.Len(t, rec.Messages(), 1)
	assert.Zero(t, balance(t, db, u.ID))

	_, err = svc.StartTrial(ctx, u.ID)
	assert.ErrorIs(t, err, ErrTrialUsed)
}

func TestTrialRowIsUniquePerUser(t *testing.T) {
	svc, db, _ := newService(t, nil)
	ctx := context.Background()
	u := dbtest.CreateUser(t, db, 100)

	trial, err := svc.StartTrial(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, trial.Trial)

	// A cleared flag and no current row must still not yield a second trial.
	require.NoError(t, db.Model(&models.Subscription{}).Where("id = ?", trial.ID).Update("superseded_at", now).Error)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", u.ID).Update("has_used_trial", false).Error)

	_, err = svc.StartTrial(ctx, u.ID)
	assert.ErrorIs(t, err, ErrTrialUsed)
	assert.Equal(t, billerr.KindValidation, billerr.KindOf(err))

	var n int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ? AND trial", u.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

type gate bool

func (g gate) IsMember(context.Context, int64) (bool, error) { return bool(g), nil }

func TestStartTrialChannelGate(t *testing.T) {
	svc, db, _ := newService(t, nil)
	svc.trial.RequireChan = true
	svc.SetChannelGate(gate(false))
	u := dbtest.CreateUser(t, db, 100)

	_, err := svc.StartTrial(context.Background(), u.ID)
	assert.ErrorIs(t, err, ErrChannelRequired)
	assert.Equal(t, billerr.KindValidation, billerr.KindOf(err))

	svc.SetChannelGate(gate(true))
	_, err = svc.StartTrial(context.Background(), u.ID)
	assert.NoError(t, err)
}

func TestPurchaseFromTrialRecordsConversion(t *testing.T) {
	syncer := &recordingSyncer{}
	svc, db, _ := newService(t, syncer)
	ctx := context.Background()
	u := dbtest.CreateUser(t, db, 100)
	trial, err := svc.StartTrial(ctx, u.ID)
	require.NoError(t, err)
	fund(t, db, u.ID, 30000)

	res, err := svc.Purchase(ctx, u.ID, PurchaseRequest{PeriodDays: 30, Traffic: pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: 50}})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(19900), res.Breakdown.Total)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(-19900), res.Transaction.Amount)
	assert.Equal(t, models.StatusPaidActive, res.Subscription.Status)
	assert.Equal(t, []string{"nl"}, res.Subscription.Squads, "keeps the trial squad")
	assert.Equal(t, now.AddDate(0, 0, 30), res.Subscription.EndDate)
	assert.Equal(t, int64(10100), balance(t, db, u.ID))

	var old models.Subscription
	require.NoError(t, db.First(&old, trial.ID).Error)
	assert.NotNil(t, old.SupersededAt)

	var conv models.SubscriptionConversion
	require.NoError(t, db.Where("user_id = ?", u.ID).First(&conv).Error)
	assert.Equal(t, int64(19900), conv.FirstPurchaseAmount)
	assert.Equal(t, res.Subscription.ID, conv.SubscriptionID)

	var spent models.User
	require.NoError(t, db.First(&spent, u.ID).Error)
	assert.Equal(t, int64(19900), spent.TotalSpent)
	assert.Contains(t, syncer.Queued(), res.Subscription.ID)
	dbtest.AssertLedgerBalanced(t, db)
}

func TestPurchaseInsufficientFundsChangesNothing(t *testing.T) {
	svc, db, _ := newService(t, nil)
	u := dbtest.CreateUser(t, db, 100)
	fund(t, db, u.ID, 100)

	_, err := svc.Purchase(context.Background(), u.ID, plan30)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, int64(100), balance(t, db, u.ID))

	var subs int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&subs).Error)
	assert.Zero(t, subs)
	dbtest.AssertLedgerBalanced(t, db)
}

func TestPurchaseRejectedWhilePaidActive(t *testing.T) {
	svc, db, _ := newService(t, nil)
	u := dbtest.CreateUser(t, db, 100)
	createSub(t, db, u, models.StatusPaidActive, now.AddDate(0, 0, 10))
	fund(t, db, u.ID, 50000)

	_, err := svc.Purchase(context.Background(), u.ID, plan30)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, billerr.KindConflict, billerr.KindOf(err))
	assert.Equal(t, int64(50000), balance(t, db, u.ID))
}

func TestPurchaseFromPaidExpiredStartsNow(t *testing.T) {
	svc, db, _ := newService(t, nil)
	u := dbtest.CreateUser(t, db, 100)
	createSub(t, db, u, models.StatusPaidExpired, now.AddDate(0, 0, -5))
	fund(t, db, u.ID, 19900)

	res, err := svc.Purchase(context.Background(), u.ID, plan30)
	require.NoError(t, err)
	assert.Equal(t, now, res.Subscription.StartDate)
	assert.Zero(t, balance(t, db, u.ID))

	var conversions int64
	require.NoError(t, db.Model(&models.SubscriptionConversion{}).Count(&conversions).Error)
	assert.Zero(t, conversions)
}

func TestPurchaseConsumesPromoCode(t *testing.T) {
	svc, db, _ := newService(t, nil)
	ctx := context.Background()
	require.NoError(t, db.Create(&models.PromoCode{Code: "SAVE10", Kind: models.PromoKindPercent, Value: 10, UsageLimit: 1, Active: true}).Error)
	u := dbtest.CreateUser(t, db, 100)
	fund(t, db, u.ID, 50000)

	req := plan30
	req.PromoCode = "save10"
	quote, err := svc.Quote(ctx, u.ID, req)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(17910), quote.Total)

	res, err := svc.Purchase(ctx, u.ID, req)
	require.NoError(t, err)
	assert.Equal(t, quote.Total, res.Breakdown.Total)
	assert.Equal(t, int64(50000-17910), balance(t, db, u.ID))

	var code models.PromoCode
	require.NoError(t, db.Where("code = ?", "SAVE10").First(&code).Error)
	assert.Equal(t, 1, code.UsedCount)

	_, err = svc.Quote(ctx, u.ID, req)
	assert.ErrorIs(t, err, pricing.ErrPromoCodeExhausted)
}

func TestConcurrentPurchasesChargeOnce(t *testing.T) {
	svc, db, _ := newService(t, nil)
	u := dbtest.CreateUser(t, db, 100)
	fund(t, db, u.ID, 100000)

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Purchase(context.Background(), u.ID, plan30)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(100000-19900), balance(t, db, u.ID))
	dbtest.AssertLedgerBalanced(t, db)
}

func TestPurchaseSurvivesPanelOutage(t *testing.T) {
	db := dbtest.Open(t)
	require.NoError(t, db.Create(&models.ServerSquad{UUID: "nl", Name: "NL", Available: true}).Error)
	panel := remnawavetest.New()
	sched := panelsync.NewScheduler(db, panel, nil, &notify.Recorder{}, panelsync.Config{DegradedAfter: 1, EscalateAfter: 5})
	svc := NewService(db, &pricing.Loader{DB: db, Tariffs: tariffs}, sched, &notify.Recorder{}, config.Trial{})
	ctx := context.Background()

	u := dbtest.CreateUser(t, db, 100)
	fund(t, db, u.ID, 19900)
	panel.SetErr(remnawavetest.ErrDown)

	res, err := svc.Purchase(ctx, u.ID, plan30)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.Len())
	assert.Error(t, sched.SyncOne(ctx, res.Subscription.ID))

	var sub models.Subscription
	require.NoError(t, db.First(&sub, res.Subscription.ID).Error)
	assert.Equal(t, models.StatusPaidActive, sub.Status)
	assert.Equal(t, models.SyncDegraded, sub.SyncStatus)
	assert.Zero(t, balance(t, db, u.ID))

	panel.SetErr(nil)
	require.NoError(t, sched.Resync(ctx, sub.ID, "admin"))
	require.NoError(t, sched.SyncOne(ctx, sub.ID))
	require.NoError(t, db.First(&sub, sub.ID).Error)
	assert.Equal(t, models.SyncOK, sub.SyncStatus)
	assert.NotNil(t, panel.User("tg_100"))

	var purchases int64
	require.NoError(t, db.Model(&models.Transaction{}).Where("kind = ?", models.TxPurchase).Count(&purchases).Error)
	assert.Equal(t, int64(1), purchases)
	assert.Zero(t, balance(t, db, u.ID))
	dbtest.AssertLedgerBalanced(t, db)
}

func TestRenew(t *testing.T) {
	svc, db, _ := newService(t, nil)
	ctx := context.Background()

	active := dbtest.CreateUser(t, db, 100)
	end := now.AddDate(0, 0, 10)
	createSub(t, db, active, models.StatusPaidActive, end)
	fund(t, db, active.ID, 19900)
	res, err := svc.Renew(ctx, active.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, end.AddDate(0, 0, 30), res.Subscription.EndDate.UTC())
	assert.Zero(t, balance(t, db, active.ID))

	lapsed := dbtest.CreateUser(t, db, 101)
	createSub(t, db, lapsed, models.StatusPaidExpired, now.AddDate(0, 0, -3))
	fund(t, db, lapsed.ID, 19900)
	res, err = svc.Renew(ctx, lapsed.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaidActive, res.Subscription.Status)
	assert.Equal(t, now.AddDate(0, 0, 30), res.Subscription.EndDate.UTC())
	assert.Equal(t, models.SyncPending, res.Subscription.SyncStatus)

	trial := dbtest.CreateUser(t, db, 102)
	createSub(t, db, trial, models.StatusTrialActive, now.AddDate(0, 0, 1))
	_, err = svc.Renew(ctx, trial.ID, 30)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	dbtest.AssertLedgerBalanced(t, db)
}

func TestAutoRenewWithoutFundsReminds(t *testing.T) {
	svc, db, rec := newService(t, nil)
	u := dbtest.CreateUser(t, db, 100)
	sub := createSub(t, db, u, models.StatusPaidActive, now.Add(12*time.Hour))
	fund(t, db, u.ID, 1000)

	renewed, err := svc.AutoRenew(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, renewed)
	assert.Equal(t, int64(1000), balance(t, db, u.ID))
	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.AutoRenewNoFunds(19900, 1000), msgs[0].Text)

	fund(t, db, u.ID, 18900)
	renewed, err = svc.AutoRenew(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, renewed)
	var got models.Subscription
	require.NoError(t, db.First(&got, sub.ID).Error)
	assert.Equal(t, sub.EndDate.AddDate(0, 0, 30), got.EndDate.UTC())
}

func TestModifyChargesProratedDifference(t *testing.T) {
	svc, db, _ := newService(t, nil)
	ctx := context.Background()
	u := dbtest.CreateUser(t, db, 100)
	createSub(t, db, u, models.StatusPaidActive, now.AddDate(0, 0, 30))
	fund(t, db, u.ID, 20000)

	res, err := svc.Modify(ctx, u.ID, ModifyRequest{Devices: 2, Squads: []string{"nl", "de"}})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(10000), res.Breakdown.Total)
	assert.Equal(t, 2, res.Subscription.DeviceLimit)
	assert.Equal(t, []string{"de", "nl"}, res.Subscription.Squads)
	assert.Equal(t, int64(10000), balance(t, db, u.ID))

	// Going back down is free.
	res, err = svc.Modify(ctx, u.ID, ModifyRequest{Devices: 1})
	require.NoError(t, err)
	assert.Zero(t, res.Breakdown.Total)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, 1, res.Subscription.DeviceLimit)
	dbtest.AssertLedgerBalanced(t, db)
}

func TestExpireSweepIsIdempotent(t *testing.T) {
	syncer := &recordingSyncer{}
	svc, db, _ := newService(t, syncer)
	ctx := context.Background()

	paid := createSub(t, db, dbtest.CreateUser(t, db, 1), models.StatusPaidActive, now.Add(-time.Minute))
	trial := createSub(t, db, dbtest.CreateUser(t, db, 2), models.StatusTrialActive, now)
	running := createSub(t, db, dbtest.CreateUser(t, db, 3), models.StatusPaidActive, now.Add(time.Hour))

	expired, err := svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	again, err := svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	states := map[uint]models.SubscriptionStatus{}
	var subs []models.Subscription
	require.NoError(t, db.Find(&subs).Error)
	for _, s := range subs {
		states[s.ID] = s.Status
	}
	assert.Equal(t, models.StatusPaidExpired, states[paid.ID])
	assert.Equal(t, models.StatusTrialExpired, states[trial.ID])
	assert.Equal(t, models.StatusPaidActive, states[running.ID])
	assert.ElementsMatch(t, []uint{paid.ID, trial.ID}, syncer.Queued())
}

func TestDisableEnable(t *testing.T) {
	svc, db, _ := newService(t, nil)
	ctx := context.Background()

	u := dbtest.CreateUser(t, db, 100)
	createSub(t, db, u, models.StatusPaidActive, now.AddDate(0, 0, 10))
	sub, err := svc.Disable(ctx, u.ID, "admin", "abuse")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisabled, sub.Status)
	assert.Equal(t, models.StatusPaidActive, sub.PreDisableStatus)

	// Guards do not apply to disabled users.
	fund(t, db, u.ID, 19900)
	_, err = svc.Purchase(ctx, u.ID, plan30)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sub, err = svc.Enable(ctx, u.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaidActive, sub.Status)

	_, err = svc.Enable(ctx, u.ID, "admin")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	fresh := dbtest.CreateUser(t, db, 101)
	sub, err = svc.Disable(ctx, fresh.ID, "admin", "fraud")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNone, sub.PreDisableStatus)
	state, err := svc.State(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisabled, state)

	_, err = svc.Enable(ctx, fresh.ID, "admin")
	require.NoError(t, err)
	state, err = svc.State(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNone, state)

	var audits int64
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&audits).Error)
	assert.Equal(t, int64(4), audits)
}

func TestEnableAfterPeriodEndedRestoresExpired(t *testing.T) {
	svc, db, _ := newService(t, nil)
	ctx := context.Background()
	u := dbtest.CreateUser(t, db, 100)
	createSub(t, db, u, models.StatusPaidActive, now.Add(time.Hour))
	_, err := svc.Disable(ctx, u.ID, "admin", "")
	require.NoError(t, err)

	svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	sub, err := svc.Enable(ctx, u.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaidExpired, sub.Status)
}

func TestRedeemPromoCode(t *testing.T) {
	svc, db, _ := newService(t, nil)
	ctx := context.Background()
	codes := []models.PromoCode{
		{Code: "CASH", Kind: models.PromoKindBalance, Value: 15000, Active: true},
		{Code: "WEEK", Kind: models.PromoKindDays, Value: 7, Active: true},
		{Code: "TRY", Kind: models.PromoKindTrial, Value: 5, Active: true},
		{Code: "OFF", Kind: models.PromoKindPercent, Value: 10, Active: true},
	}
	require.NoError(t, db.Create(&codes).Error)
	u := dbtest.CreateUser(t, db, 100)

	r, err := svc.RedeemPromoCode(ctx, u.ID, "cash")
	require.NoError(t, err)
	require.NotNil(t, r.Transaction)
	assert.Equal(t, models.TxPromo, r.Transaction.Kind)
	assert.Equal(t, int64(15000), balance(t, db, u.ID))
	_, err = svc.RedeemPromoCode(ctx, u.ID, "cash")
	assert.ErrorIs(t, err, pricing.ErrPromoCodeExhausted)

	_, err = svc.RedeemPromoCode(ctx, u.ID, "week")
	assert.ErrorIs(t, err, ErrInvalidTransition, "days need an active subscription")

	r, err = svc.RedeemPromoCode(ctx, u.ID, "try")
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 5), r.Subscription.EndDate)

	r, err = svc.RedeemPromoCode(ctx, u.ID, "week")
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 12), r.Subscription.EndDate.UTC())

	_, err = svc.RedeemPromoCode(ctx, u.ID, "off")
	assert.ErrorIs(t, err, pricing.ErrPromoCodeInvalid)

	var week models.PromoCode
	require.NoError(t, db.Where("code = ?", "WEEK").First(&week).Error)
	assert.Equal(t, 1, week.UsedCount, "failed attempt rolled back")
	dbtest.AssertLedgerBalanced(t, db)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Lock(1)()
	}()
	unlock()
	<-done
	assert.Empty(t, k.locks)
}
