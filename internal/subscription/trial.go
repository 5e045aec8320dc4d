package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpnbilling/internal/database"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/models"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/pricing"
)

// StartTrial grants the one free trial a user gets. It has no ledger effect.
func (s *Service) StartTrial(ctx context.Context, userID uint) (*models.Subscription, error) {
	const op = "subscription.start_trial"

	if s.trial.RequireChan && s.gate != nil {
		var user models.User
		if err := s.db.WithContext(ctx).Select("id", "telegram_id").First(&user, userID).Error; err != nil {
			return nil, billerr.Validation(op, ErrUserNotFound)
		}
		ok, err := s.gate.IsMember(ctx, user.TelegramID)
		if err != nil {
			return nil, billerr.Transient(op, fmt.Errorf("channel check: %w", err))
		}
		if !ok {
			return nil, billerr.Validation(op, ErrChannelRequired)
		}
	}

	var sub *models.Subscription
	err := s.run(ctx, userID, func(tx *gorm.DB, user *models.User) error {
		var err error
		sub, err = s.grantTrial(tx, user, s.trial.Days)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.transitioned("start_trial", sub)
	log.Info().Uint("user_id", userID).Uint("subscription_id", sub.ID).Time("end_date", sub.EndDate).Msg("Trial started")
	s.notifier.User(ctx, sub.User.TelegramID, notify.TrialStarted(sub.EndDate))
	return sub, nil
}

// grantTrial creates a trial row for a user without a subscription.
func (s *Service) grantTrial(tx *gorm.DB, user *models.User, days int) (*models.Subscription, error) {
	const op = "subscription.start_trial"
	if user.HasUsedTrial {
		return nil, billerr.Validation(op, ErrTrialUsed)
	}
	cur, err := current(tx, user.ID, true)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, invalid(op, cur.Status)
	}

	snap, err := s.pricing.LoadTx(tx)
	if err != nil {
		return nil, err
	}
	squads := snap.TrialSquads()
	if len(squads) == 0 {
		return nil, pricing.ErrSquadUnavailable
	}

	now := s.now()
	sub := &models.Subscription{
		UserID:         user.ID,
		User:           *user,
		Status:         models.StatusTrialActive,
		StartDate:      now,
		EndDate:        now.Add(time.Duration(days) * 24 * time.Hour),
		PeriodDays:     days,
		TrafficLimitGB: s.trial.TrafficGB,
		DeviceLimit:    max(1, s.trial.Devices),
		Squads:         []string{squads[s.pick(len(squads))]},
		PanelUsername:  models.PanelUsername(user.TelegramID),
		SyncStatus:     models.SyncPending,
		Trial:          true,
	}
	if err := tx.Omit("User").Create(sub).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, billerr.Validation(op, ErrTrialUsed)
		}
		return nil, fmt.Errorf("create trial: %w", err)
	}
	if err := tx.Model(&models.User{}).Where("id = ?", user.ID).UpdateColumn("has_used_trial", true).Error; err != nil {
		return nil, err
	}
	return sub, nil
}
