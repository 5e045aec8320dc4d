package models

import (
	"time"
)

type PromoGroup struct {
	ID                  uint        `gorm:"primaryKey"`
	Name                string      `gorm:"size:64;uniqueIndex;not null"`
	TrafficDiscount     int         `gorm:"not null;default:0"`
	DeviceDiscount      int         `gorm:"not null;default:0"`
	ServerDiscount      int         `gorm:"not null;default:0"`
	PeriodDiscounts     map[int]int `gorm:"serializer:json;type:text"` // days -> percent
	AutoAssignThreshold int64       `gorm:"not null;default:0"`        // lifetime spend, 0 = never auto-assigned
	IsDefault           bool        `gorm:"not null;default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const (
	PromoKindPercent = "percent"
	PromoKindDays    = "days"
	PromoKindBalance = "balance"
	PromoKindTrial   = "trial"
)

type PromoCode struct {
	ID         uint   `gorm:"primaryKey"`
	Code       string `gorm:"size:64;uniqueIndex;not null"`
	Kind       string `gorm:"size:20;not null"`
	Value      int64  `gorm:"not null"` // percent, days or minor units depending on Kind
	UsageLimit int    `gorm:"not null;default:0"`
	UsedCount  int    `gorm:"not null;default:0"`
	ValidUntil *time.Time
	Active     bool `gorm:"not null;default:true"`
	CreatedAt  time.Time
}

type PromoCodeUse struct {
	ID          uint `gorm:"primaryKey"`
	PromoCodeID uint `gorm:"not null;uniqueIndex:ux_promo_code_use,priority:1"`
	UserID      uint `gorm:"not null;uniqueIndex:ux_promo_code_use,priority:2"`
	UsedAt      time.Time
}

// PromoOffer is a personal time-boxed discount. The validity window starts
// when the user claims it.
type PromoOffer struct {
	ID              uint   `gorm:"primaryKey"`
	UserID          uint   `gorm:"not null;index"`
	Template        string `gorm:"size:64;not null"`
	DiscountPercent int    `gorm:"not null"`
	EffectType      string `gorm:"size:32;not null;default:'percent_discount'"`
	ValidHours      int    `gorm:"not null"`
	ClaimedAt       *time.Time
	ExpiresAt       *time.Time
	ConsumedAt      *time.Time
	CreatedAt       time.Time
}
