package remnawave

import (
	"time"
)

const (
	StatusActive   = "ACTIVE"
	StatusDisabled = "DISABLED"
	StatusExpired  = "EXPIRED"
	StatusLimited  = "LIMITED"

	strategyNoReset = "NO_RESET"
)

type CreateUserRequest struct {
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"` // ISO 8601 format
	Description          string   `json:"description,omitempty"`
	TelegramID           *int64   `json:"telegramId,omitempty"`
	HwidDeviceLimit      *int     `json:"hwidDeviceLimit,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads"`
}

// UpdateUserRequest is sent with PATCH; nil fields are left untouched by the panel.
type UpdateUserRequest struct {
	UUID                 string   `json:"uuid"`
	Status               *string  `json:"status,omitempty"`
	TrafficLimitBytes    *int64   `json:"trafficLimitBytes,omitempty"`
	TrafficLimitStrategy *string  `json:"trafficLimitStrategy,omitempty"`
	ExpireAt             *string  `json:"expireAt,omitempty"`
	HwidDeviceLimit      *int     `json:"hwidDeviceLimit,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads,omitempty"`
}

type UserResponse struct {
	UUID                 string  `json:"uuid"`
	ID                   int     `json:"id"`
	ShortUUID            string  `json:"shortUuid"`
	Username             string  `json:"username"`
	Status               string  `json:"status"`
	TrafficLimitBytes    int64   `json:"trafficLimitBytes"`
	TrafficLimitStrategy string  `json:"trafficLimitStrategy"`
	UsedTrafficBytes     int64   `json:"usedTrafficBytes"`
	ExpireAt             string  `json:"expireAt"`
	HwidDeviceLimit      *int    `json:"hwidDeviceLimit"`
	Description          string  `json:"description"`
	SubscriptionURL      string  `json:"subscriptionUrl"`
	ActiveInternalSquads []Squad `json:"activeInternalSquads"`
}

type Squad struct {
	UUID string     `json:"uuid"`
	Name string     `json:"name"`
	Info *SquadInfo `json:"info,omitempty"`
}

type SquadInfo struct {
	MembersCount  int `json:"membersCount"`
	InboundsCount int `json:"inboundsCount"`
}

// Wrapper for API responses
type APIResponse[T any] struct {
	Response T `json:"response"`
}

type squadList struct {
	Total          int     `json:"total"`
	InternalSquads []Squad `json:"internalSquads"`
}

// User is the panel's view of a subscriber.
type User struct {
	UUID              string
	ShortUUID         string
	Username          string
	Status            string
	TrafficLimitBytes int64
	UsedTrafficBytes  int64
	DeviceLimit       int
	ExpireAt          time.Time
	Squads            []string
	SubscriptionURL   string
}

// UserSpec is the desired panel state for a subscriber.
type UserSpec struct {
	Username          string
	TelegramID        int64
	Status            string
	TrafficLimitBytes int64
	DeviceLimit       int
	ExpireAt          time.Time
	Squads            []string
}

// UserPatch carries only the fields that differ; nil means unchanged.
type UserPatch struct {
	UUID              string
	Status            *string
	TrafficLimitBytes *int64
	DeviceLimit       *int
	ExpireAt          *time.Time
	Squads            []string
}

func (p UserPatch) Empty() bool {
	return p.Status == nil && p.TrafficLimitBytes == nil && p.DeviceLimit == nil && p.ExpireAt == nil && p.Squads == nil
}
