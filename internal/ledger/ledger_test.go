package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpnbilling/internal/database/dbtest"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/models"
)

func apply(t *testing.T, db *gorm.DB, e Entry) (*models.Transaction, error) {
	t.Helper()
	var row *models.Transaction
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = Apply(tx, e)
		return err
	})
	return row, err
}

func TestApplyKeepsBalanceEqualToSum(t *testing.T) {
	db := dbtest.Open(t)
	u := dbtest.CreateUser(t, db, 1001)

	row, err := apply(t, db, Entry{UserID: u.ID, Amount: 50000, Kind: models.TxTopup, Gateway: "yookassa", ExternalID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, int64(50000), row.BalanceAfter)
	require.NotNil(t, row.ExternalID)
	dbtest.AssertLedgerBalanced(t, db)

	row, err = apply(t, db, Entry{UserID: u.ID, Amount: -19900, Kind: models.TxPurchase})
	require.NoError(t, err)
	assert.Equal(t, int64(30100), row.BalanceAfter)
	assert.Nil(t, row.ExternalID)
	dbtest.AssertLedgerBalanced(t, db)

	bal, err := New(db).Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 30100, bal)
}

func TestApplyRejectsOverdraft(t *testing.T) {
	db := dbtest.Open(t)
	u := dbtest.CreateUser(t, db, 1002)

	_, err := apply(t, db, Entry{UserID: u.ID, Amount: -100, Kind: models.TxPurchase})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, billerr.KindValidation, billerr.KindOf(err))

	_, err = apply(t, db, Entry{UserID: u.ID, Amount: -100, Kind: models.TxRefund, AllowNegative: true})
	require.NoError(t, err)

	bal, err := New(db).Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, -100, bal)
	dbtest.AssertLedgerBalanced(t, db)
}

func TestApplyConcurrentDebits(t *testing.T) {
	db := dbtest.Open(t)
	u := dbtest.CreateUser(t, db, 1003)
	_, err := apply(t, db, Entry{UserID: u.ID, Amount: 1000, Kind: models.TxTopup})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := apply(t, db, Entry{UserID: u.ID, Amount: -400, Kind: models.TxPurchase}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	bal, err := New(db).Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 200, bal)
	dbtest.AssertLedgerBalanced(t, db)
}

func TestVerifyHoldsDivergedUser(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	l := New(db)
	good := dbtest.CreateUser(t, db, 1004)
	bad := dbtest.CreateUser(t, db, 1005)

	_, err := apply(t, db, Entry{UserID: good.ID, Amount: 500, Kind: models.TxTopup})
	require.NoError(t, err)
	_, err = apply(t, db, Entry{UserID: bad.ID, Amount: 500, Kind: models.TxTopup})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", bad.ID).UpdateColumn("balance", 900).Error)

	d, err := l.Verify(ctx, good.ID)
	require.NoError(t, err)
	assert.Nil(t, d)

	divs, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, divs, 1)
	assert.Equal(t, Divergence{UserID: bad.ID, Balance: 900, Sum: 500}, divs[0])

	var held models.User
	require.NoError(t, db.First(&held, bad.ID).Error)
	assert.True(t, held.IntegrityHold)

	var issues int64
	require.NoError(t, db.Model(&models.ReconciliationIssue{}).Where("kind = ?", models.IssueIntegrity).Count(&issues).Error)
	assert.Equal(t, int64(1), issues)

	_, err = apply(t, db, Entry{UserID: bad.ID, Amount: 100, Kind: models.TxTopup})
	assert.ErrorIs(t, err, ErrIntegrityHold)
	assert.Equal(t, billerr.KindFatal, billerr.KindOf(err))

	// A second scan does not open another issue for an already held user.
	_, err = l.VerifyAll(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.ReconciliationIssue{}).Where("kind = ?", models.IssueIntegrity).Count(&issues).Error)
	assert.Equal(t, int64(1), issues)
}

func TestReleaseHold(t *testing.T) {
	for _, tc := range []struct {
		res     Resolution
		balance int64
	}{
		{TrustLedger, 500},
		{TrustBalance, 900},
	} {
		t.Run(string(tc.res), func(t *testing.T) {
			db := dbtest.Open(t)
			ctx := context.Background()
			l := New(db)
			u := dbtest.CreateUser(t, db, 2000)

			_, err := apply(t, db, Entry{UserID: u.ID, Amount: 500, Kind: models.TxTopup})
			require.NoError(t, err)
			require.NoError(t, db.Model(&models.User{}).Where("id = ?", u.ID).UpdateColumn("balance", 900).Error)
			_, err = l.Verify(ctx, u.ID)
			require.NoError(t, err)

			require.NoError(t, l.ReleaseHold(ctx, u.ID, tc.res, "admin"))

			bal, err := l.Balance(ctx, u.ID)
			require.NoError(t, err)
			assert.EqualValues(t, tc.balance, bal)
			dbtest.AssertLedgerBalanced(t, db)

			err = l.ReleaseHold(ctx, u.ID, tc.res, "admin")
			assert.Equal(t, billerr.KindValidation, billerr.KindOf(err))
		})
	}
}

func TestAdjustIsAudited(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	u := dbtest.CreateUser(t, db, 3000)

	_, err := New(db).Adjust(ctx, u.ID, 2500, "admin", "goodwill")
	require.NoError(t, err)

	history, err := New(db).History(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TxAdmin, history[0].Kind)

	var audits int64
	require.NoError(t, db.Model(&models.AuditLog{}).Where("action = ?", "ledger_adjust").Count(&audits).Error)
	assert.Equal(t, int64(1), audits)
	dbtest.AssertLedgerBalanced(t, db)
}
