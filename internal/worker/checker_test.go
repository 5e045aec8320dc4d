package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpnbilling/internal/config"
	"vpnbilling/internal/database"
	"vpnbilling/internal/database/dbtest"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/subscription"
)

type nopSyncer struct{}

func (nopSyncer) Enqueue(uint) {}

type fixture struct {
	db      *gorm.DB
	checker *Checker
	notes   *notify.Recorder
	redis   *miniredis.Miniredis
	locker  *redsync.Redsync
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	require.NoError(t, db.Create(&models.ServerSquad{UUID: "nl", Name: "NL", Available: true}).Error)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := database.NewLocker(rdb)

	notes := &notify.Recorder{}
	tariffs := config.Tariffs{
		PeriodPrices:    map[int]money.Amount{30: 19900},
		TrafficMode:     pricing.TrafficModeSelectable,
		TrafficPackages: map[int]money.Amount{50: 0},
		FreeDevices:     1,
		MaxDevices:      3,
		FreeSquads:      1,
	}
	subs := subscription.NewService(db, &pricing.Loader{DB: db, Tariffs: tariffs}, nopSyncer{}, notes, config.Trial{Days: 3})
	c := NewChecker(db, rdb, locker, subs, ledger.New(db), notes, config.Worker{Interval: time.Hour, AutoRenewDaysBefore: 1})
	return &fixture{db: db, checker: c, notes: notes, redis: mr, locker: locker}
}

func (f *fixture) sub(t *testing.T, telegramID int64, status models.SubscriptionStatus, end time.Time, autoRenew bool) *models.User {
	t.Helper()
	u := dbtest.CreateUser(t, f.db, telegramID)
	sub := &models.Subscription{
		UserID:         u.ID,
		Status:         status,
		StartDate:      end.AddDate(0, 0, -30),
		EndDate:        end,
		PeriodDays:     30,
		TrafficLimitGB: 50,
		DeviceLimit:    1,
		Squads:         []string{"nl"},
		PanelUsername:  models.PanelUsername(telegramID),
		SyncStatus:     models.SyncOK,
	}
	require.NoError(t, f.db.Create(sub).Error)
	if autoRenew {
		require.NoError(t, f.db.Model(sub).UpdateColumn("auto_renew", true).Error)
	}
	return u
}

func (f *fixture) textsFor(telegramID int64) []string {
	var out []string
	for _, m := range f.notes.Messages() {
		if m.TelegramID == telegramID {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestRunOnceCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.sub(t, 1, models.StatusPaidActive, now.Add(-time.Hour), false)
	f.sub(t, 2, models.StatusTrialActive, now.Add(24*time.Hour), false)
	renewing := f.sub(t, 3, models.StatusPaidActive, now.Add(12*time.Hour), true)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := ledger.Apply(tx, ledger.Entry{UserID: renewing.ID, Amount: 19900, Kind: models.TxTopup})
		return err
	}))
	f.sub(t, 4, models.StatusPaidActive, now.Add(12*time.Hour), true)

	f.checker.RunOnce(ctx)
	f.checker.RunOnce(ctx)

	assert.Equal(t, []string{notify.Expired()}, f.textsFor(1))
	assert.Equal(t, []string{notify.ExpiresSoon()}, f.textsFor(2))
	assert.True(t, f.redis.Exists("notified_24h_2"))

	renewed := f.textsFor(3)
	require.Len(t, renewed, 1)
	assert.Contains(t, renewed[0], "автоматически продлена")
	var cur models.Subscription
	require.NoError(t, f.db.Where("user_id = ? AND superseded_at IS NULL", renewing.ID).First(&cur).Error)
	assert.True(t, cur.EndDate.After(now.Add(29*24*time.Hour)))

	assert.Equal(t, []string{notify.AutoRenewNoFunds(19900, 0)}, f.textsFor(4), "short balance reminds once")
	dbtest.AssertLedgerBalanced(t, f.db)
}

func TestLedgerMismatchAlertsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, f.db, 10)
	require.NoError(t, f.db.Model(u).UpdateColumn("balance", 500).Error)

	f.checker.RunOnce(ctx)
	f.checker.RunOnce(ctx)

	assert.Len(t, f.notes.AdminAlerts(), 1)
	var held models.User
	require.NoError(t, f.db.First(&held, u.ID).Error)
	assert.True(t, held.IntegrityHold)
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sub(t, 1, models.StatusPaidActive, time.Now().UTC().Add(-time.Hour), false)

	other := f.locker.NewMutex("lock:worker:cycle", redsync.WithExpiry(time.Minute))
	require.NoError(t, other.LockContext(ctx))

	f.checker.RunOnce(ctx)
	assert.Empty(t, f.notes.Messages())

	_, err := other.UnlockContext(ctx)
	require.NoError(t, err)
	f.checker.RunOnce(ctx)
	assert.Equal(t, []string{notify.Expired()}, f.textsFor(1))
}
