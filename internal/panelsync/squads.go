package panelsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbilling/internal/models"
)

// RefreshSquads mirrors the panel's internal squads into server_squads.
// Squads that disappeared from the panel are marked unavailable; capacity and
// promo group restrictions stay under local control.
func (s *Scheduler) RefreshSquads(ctx context.Context) (int, error) {
	squads, err := s.panel.ListSquads(ctx)
	if err != nil {
		return 0, fmt.Errorf("list panel squads: %w", err)
	}

	seen := make([]string, 0, len(squads))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sq := range squads {
			members := 0
			if sq.Info != nil {
				members = sq.Info.MembersCount
			}
			row := models.ServerSquad{UUID: sq.UUID, Name: sq.Name, Available: true, Members: members}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "uuid"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "members", "available", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("upsert squad %s: %w", sq.UUID, err)
			}
			seen = append(seen, sq.UUID)
		}

		gone := tx.Model(&models.ServerSquad{}).Where("available = ?", true)
		if len(seen) > 0 {
			gone = gone.Where("uuid NOT IN ?", seen)
		}
		return gone.Update("available", false).Error
	})
	if err != nil {
		return 0, err
	}
	log.Info().Int("squads", len(seen)).Msg("Server squads refreshed from panel")
	return len(seen), nil
}
