package models

import (
	"time"
)

// ReferralEarning is created at most once per qualifying payment.
type ReferralEarning struct {
	ID              uint  `gorm:"primaryKey"`
	ReferrerID      uint  `gorm:"not null;index"`
	ReferredID      uint  `gorm:"not null;index"`
	PaymentRecordID uint  `gorm:"not null;uniqueIndex"`
	Percent         int   `gorm:"not null"`
	Amount          int64 `gorm:"not null"`
	TransactionID   uint
	CreatedAt       time.Time
}
