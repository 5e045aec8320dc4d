package models

import (
	"fmt"
	"time"
)

type SubscriptionStatus string

const (
	// StatusNone is never persisted on an active row; it marks the absence of a
	// subscription and the pre-disable state of placeholder rows.
	StatusNone         SubscriptionStatus = "none"
	StatusTrialActive  SubscriptionStatus = "trial_active"
	StatusTrialExpired SubscriptionStatus = "trial_expired"
	StatusPaidActive   SubscriptionStatus = "paid_active"
	StatusPaidExpired  SubscriptionStatus = "paid_expired"
	StatusDisabled     SubscriptionStatus = "disabled"
)

func (s SubscriptionStatus) Active() bool {
	return s == StatusTrialActive || s == StatusPaidActive
}

type SyncStatus string

const (
	SyncOK       SyncStatus = "ok"
	SyncPending  SyncStatus = "pending"
	SyncDegraded SyncStatus = "degraded"
	SyncManual   SyncStatus = "manual"
)

// Subscription is the entitlement. A user has at most one row with a null
// SupersededAt; older rows are kept for history.
type Subscription struct {
	ID               uint               `gorm:"primaryKey"`
	UserID           uint               `gorm:"not null;index"`
	User             User               `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;"`
	Status           SubscriptionStatus `gorm:"size:20;not null;index"`
	PreDisableStatus SubscriptionStatus `gorm:"size:20"`
	StartDate        time.Time
	EndDate          time.Time `gorm:"index"`
	PeriodDays       int
	TrafficLimitGB   int   // 0 = unlimited
	TrafficUsedBytes int64 `gorm:"not null;default:0"`
	DeviceLimit      int
	Squads           []string `gorm:"serializer:json;type:text"`
	AutoRenew        bool     `gorm:"not null;default:false"`

	PanelUsername   string `gorm:"size:64;index"`
	PanelUUID       string `gorm:"size:64"`
	ShortUUID       string `gorm:"size:64"`
	SubscriptionURL string `gorm:"size:512"`

	SyncStatus    SyncStatus `gorm:"size:20;not null;default:'pending';index"`
	SyncFailures  int        `gorm:"not null;default:0"`
	LastSyncedAt  *time.Time
	LastSyncError string `gorm:"size:1024"`
	NextSyncAt    *time.Time

	SupersededAt     *time.Time `gorm:"index"`
	FundingPaymentID *uint
	Trial            bool `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TrafficLimitBytes is the panel representation of the traffic limit.
func (s *Subscription) TrafficLimitBytes() int64 {
	return int64(s.TrafficLimitGB) << 30
}

// SubscriptionConversion records a trial user's first purchase.
type SubscriptionConversion struct {
	ID                  uint `gorm:"primaryKey"`
	UserID              uint `gorm:"not null;index"`
	SubscriptionID      uint `gorm:"not null"`
	TrialStartedAt      time.Time
	ConvertedAt         time.Time
	FirstPurchaseAmount int64
	PeriodDays          int
}

// PanelUsername is the panel-side identifier of a user's subscription.
func PanelUsername(telegramID int64) string {
	return fmt.Sprintf("tg_%d", telegramID)
}
