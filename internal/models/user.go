package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	UserStatusActive  = "active"
	UserStatusBlocked = "blocked"
)

// User balance is only ever written by the ledger.
type User struct {
	ID            uint        `gorm:"primaryKey"`
	TelegramID    int64       `gorm:"uniqueIndex;not null"`
	Username      string      `gorm:"size:255"`
	Status        string      `gorm:"size:20;default:'active'"`
	Balance       int64       `gorm:"not null;default:0"`
	TotalSpent    int64       `gorm:"not null;default:0"`
	PromoGroupID  *uint       `gorm:"index"`
	PromoGroup    *PromoGroup `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	ReferrerID    *uint       `gorm:"index"`
	ReferralCode  string      `gorm:"size:32;uniqueIndex"`
	HasUsedTrial  bool        `gorm:"not null;default:false"`
	IntegrityHold bool        `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ReferralCode == "" {
		u.ReferralCode = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return nil
}
