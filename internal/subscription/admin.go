package subscription

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"vpnbilling/internal/models"
	"vpnbilling/internal/review"
)

// Disable switches the user's entitlement off regardless of state. A user
// without a subscription gets a disabled placeholder so the state sticks.
func (s *Service) Disable(ctx context.Context, userID uint, actor, reason string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.run(ctx, userID, func(tx *gorm.DB, user *models.User) error {
		cur, err := current(tx, userID, true)
		if err != nil {
			return err
		}
		from := statusOf(cur)
		switch {
		case cur == nil:
			now := s.now()
			cur = &models.Subscription{
				UserID:           userID,
				Status:           models.StatusDisabled,
				PreDisableStatus: models.StatusNone,
				StartDate:        now,
				EndDate:          now,
				PanelUsername:    models.PanelUsername(user.TelegramID),
				SyncStatus:       models.SyncPending,
			}
			if err := tx.Create(cur).Error; err != nil {
				return fmt.Errorf("create placeholder: %w", err)
			}
		case cur.Status == models.StatusDisabled:
			sub = cur
			return nil
		default:
			if err := markPending(tx, cur.ID, map[string]any{
				"status":             models.StatusDisabled,
				"pre_disable_status": cur.Status,
			}); err != nil {
				return err
			}
			cur.PreDisableStatus, cur.Status = cur.Status, models.StatusDisabled
		}
		sub = cur
		return review.Audit(tx, actor, "disable", userID, map[string]any{
			"subscription_id": cur.ID,
			"from":            string(from),
			"reason":          reason,
		})
	})
	if err != nil {
		return nil, err
	}
	s.transitioned("disable", sub)
	return sub, nil
}

// Enable restores the state the subscription had before Disable. A period
// that ran out while disabled comes back expired.
func (s *Service) Enable(ctx context.Context, userID uint, actor string) (*models.Subscription, error) {
	const op = "subscription.enable"
	var sub *models.Subscription
	err := s.run(ctx, userID, func(tx *gorm.DB, _ *models.User) error {
		cur, err := current(tx, userID, true)
		if err != nil {
			return err
		}
		if from := statusOf(cur); from != models.StatusDisabled {
			return invalid(op, from)
		}

		now := s.now()
		restored := cur.PreDisableStatus
		if restored == models.StatusNone || restored == "" {
			if err := tx.Model(&models.Subscription{}).Where("id = ?", cur.ID).
				UpdateColumn("superseded_at", now).Error; err != nil {
				return err
			}
			cur.SupersededAt = &now
			cur.Status = models.StatusNone
		} else {
			if restored.Active() && !cur.EndDate.After(now) {
				restored = expiredFor(restored)
			}
			if err := markPending(tx, cur.ID, map[string]any{
				"status":             restored,
				"pre_disable_status": "",
			}); err != nil {
				return err
			}
			cur.Status, cur.PreDisableStatus = restored, ""
		}
		sub = cur
		return review.Audit(tx, actor, "enable", userID, map[string]any{
			"subscription_id": cur.ID,
			"to":              string(cur.Status),
		})
	})
	if err != nil {
		return nil, err
	}
	if sub.SupersededAt == nil {
		s.transitioned("enable", sub)
	}
	return sub, nil
}

func expiredFor(st models.SubscriptionStatus) models.SubscriptionStatus {
	if st == models.StatusTrialActive {
		return models.StatusTrialExpired
	}
	return models.StatusPaidExpired
}
