package models

import (
	"time"
)

// ServerSquad mirrors a panel internal squad that subscriptions can be assigned to.
type ServerSquad struct {
	ID                 uint   `gorm:"primaryKey"`
	UUID               string `gorm:"size:64;uniqueIndex;not null"`
	Name               string `gorm:"size:255"`
	Available          bool   `gorm:"not null;default:true"`
	Capacity           int    `gorm:"not null;default:0"` // 0 = unlimited
	Members            int    `gorm:"not null;default:0"`
	AllowedPromoGroups []uint `gorm:"serializer:json;type:text"` // empty = every group
	TrialEligible      bool   `gorm:"not null;default:false"`
	UpdatedAt          time.Time
}

func (s *ServerSquad) Full() bool {
	return s.Capacity > 0 && s.Members >= s.Capacity
}
