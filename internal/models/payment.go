package models

import (
	"time"
)

const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

// PaymentRecord is one external payment attempt. (gateway, external_id) is the
// deduplication key for webhook reconciliation.
type PaymentRecord struct {
	ID             uint   `gorm:"primaryKey"`
	Gateway        string `gorm:"size:32;not null;uniqueIndex:ux_payment_gateway_external,priority:1"`
	ExternalID     string `gorm:"size:255;not null;uniqueIndex:ux_payment_gateway_external,priority:2"`
	UserID         uint   `gorm:"not null;index"`
	User           User   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;"`
	Amount         int64  `gorm:"not null"`
	RefundedAmount int64  `gorm:"not null;default:0"`
	Status         string `gorm:"size:20;not null;default:'pending'"`
	RawChecksum    string `gorm:"size:64"`
	Intent         string `gorm:"size:255"`
	TransactionID  *uint
	SubscriptionID *uint
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
