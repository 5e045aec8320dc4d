package dbtest

import (
	"testing"

	"gorm.io/gorm"

	"vpnbilling/internal/models"
)

// CreateUser inserts a user with no balance.
func CreateUser(t testing.TB, db *gorm.DB, telegramID int64) *models.User {
	t.Helper()
	u := &models.User{TelegramID: telegramID, Username: "user"}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// AssertLedgerBalanced fails the test when any user's balance differs from the
// sum of their transactions.
func AssertLedgerBalanced(t testing.TB, db *gorm.DB) {
	t.Helper()
	var rows []struct {
		ID      uint
		Balance int64
		Total   int64
	}
	err := db.Table("users AS u").
		Select("u.id AS id, u.balance AS balance, COALESCE(SUM(t.amount), 0) AS total").
		Joins("LEFT JOIN transactions t ON t.user_id = u.id").
		Group("u.id, u.balance").
		Scan(&rows).Error
	if err != nil {
		t.Fatalf("ledger scan: %v", err)
	}
	for _, r := range rows {
		if r.Balance != r.Total {
			t.Fatalf("user %d: balance %d != transaction sum %d", r.ID, r.Balance, r.Total)
		}
	}
}
