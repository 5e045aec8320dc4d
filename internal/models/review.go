package models

import (
	"time"
)

const (
	IssueConflict       = "conflict"
	IssuePurchaseFailed = "purchase_failed"
	IssueRefundReview   = "refund_review"
	IssueSyncEscalation = "sync_escalation"
	IssueIntegrity      = "integrity"
)

// ReconciliationIssue is an item in the manual review queue. Ref identifies
// the source event so redelivered webhooks do not open duplicates.
type ReconciliationIssue struct {
	ID             string `gorm:"primaryKey;size:26"`
	Kind           string `gorm:"size:32;not null;uniqueIndex:ux_issue_kind_ref,priority:1"`
	Ref            string `gorm:"size:320;not null;uniqueIndex:ux_issue_kind_ref,priority:2"`
	UserID         *uint  `gorm:"index"`
	SubscriptionID *uint
	Details        string `gorm:"type:text"`
	ResolvedAt     *time.Time
	ResolvedBy     string `gorm:"size:64"`
	CreatedAt      time.Time
}

type AuditLog struct {
	ID        uint   `gorm:"primaryKey"`
	Actor     string `gorm:"size:64;not null"`
	Action    string `gorm:"size:64;not null"`
	UserID    *uint  `gorm:"index"`
	Details   string `gorm:"type:text"`
	CreatedAt time.Time
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&PromoGroup{}, &User{}, &Subscription{}, &SubscriptionConversion{},
		&Transaction{}, &PaymentRecord{}, &ReferralEarning{},
		&PromoCode{}, &PromoCodeUse{}, &PromoOffer{},
		&ServerSquad{}, &ReconciliationIssue{}, &AuditLog{},
	}
}
