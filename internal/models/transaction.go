package models

import (
	"time"
)

const (
	TxTopup    = "topup"
	TxPurchase = "purchase"
	TxReferral = "referral"
	TxRefund   = "refund"
	TxAdmin    = "admin"
	TxPromo    = "promo"
)

// Transaction is an append-only ledger row. Corrections are new rows.
type Transaction struct {
	ID           uint    `gorm:"primaryKey"`
	UserID       uint    `gorm:"not null;index"`
	Amount       int64   `gorm:"not null"`
	Kind         string  `gorm:"size:20;not null"`
	Gateway      string  `gorm:"size:32"`
	ExternalID   *string `gorm:"size:255"`
	BalanceAfter int64   `gorm:"not null"`
	Description  string  `gorm:"size:512"`
	CreatedAt    time.Time
}
