package subscription

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"vpnbilling/internal/models"
)

// ExpireSweep moves active subscriptions past their end date to the matching
// expired state and returns the rows it changed. Running it twice changes
// nothing the second time.
func (s *Service) ExpireSweep(ctx context.Context) ([]models.Subscription, error) {
	now := s.now()
	db := s.db.WithContext(ctx)

	var due []models.Subscription
	err := db.Preload("User").
		Where("superseded_at IS NULL AND status IN ? AND end_date <= ?",
			[]models.SubscriptionStatus{models.StatusTrialActive, models.StatusPaidActive}, now).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("query expiring subscriptions: %w", err)
	}

	var expired []models.Subscription
	for _, sub := range due {
		to := expiredFor(sub.Status)
		res := db.Model(&models.Subscription{}).
			Where("id = ? AND status = ? AND superseded_at IS NULL AND end_date <= ?", sub.ID, sub.Status, now).
			Updates(map[string]any{"status": to, "sync_status": models.SyncPending})
		if res.Error != nil {
			return expired, fmt.Errorf("expire subscription %d: %w", sub.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		sub.Status = to
		s.transitioned("expire", &sub)
		expired = append(expired, sub)
	}

	if len(expired) > 0 {
		log.Info().Int("expired", len(expired)).Msg("Expired subscriptions")
	}
	return expired, nil
}
