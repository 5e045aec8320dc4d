package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbilling/internal/database"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/models"
	"vpnbilling/internal/pricing"
)

var (
	ErrOfferNotFound      = errors.New("promo offer not found")
	ErrOfferAlreadyActive = errors.New("an offer of this template is already active")
)

// NormalizeCode is the stored form of a promo code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LoadContext reads the user's promo state through tx for pricing. Unknown
// codes and offers are left nil so the quote reports them.
func LoadContext(tx *gorm.DB, user *models.User, code string, offerID uint) (pricing.PromoContext, error) {
	pc := pricing.PromoContext{UserID: user.ID}

	group, err := groupFor(tx, user)
	if err != nil {
		return pc, err
	}
	if group != nil {
		pc.Group = &pricing.GroupDiscounts{
			ID:      group.ID,
			Name:    group.Name,
			Traffic: group.TrafficDiscount,
			Devices: group.DeviceDiscount,
			Servers: group.ServerDiscount,
			Periods: group.PeriodDiscounts,
		}
	}

	if code = NormalizeCode(code); code != "" {
		var pcode models.PromoCode
		err := tx.Where("code = ?", code).First(&pcode).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return pc, err
		default:
			var uses int64
			if err := tx.Model(&models.PromoCodeUse{}).
				Where("promo_code_id = ? AND user_id = ?", pcode.ID, user.ID).
				Count(&uses).Error; err != nil {
				return pc, err
			}
			pc.Code = &pricing.CodeState{
				Code:       pcode.Code,
				Kind:       pcode.Kind,
				Percent:    int(pcode.Value),
				Active:     pcode.Active,
				ValidUntil: pcode.ValidUntil,
				UsageLimit: pcode.UsageLimit,
				UsedCount:  pcode.UsedCount,
				UsedByUser: uses > 0,
			}
		}
	}

	if offerID != 0 {
		var offer models.PromoOffer
		err := tx.First(&offer, offerID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return pc, err
		default:
			pc.Offer = &pricing.OfferState{
				ID:         offer.ID,
				OwnerID:    offer.UserID,
				Percent:    offer.DiscountPercent,
				ClaimedAt:  offer.ClaimedAt,
				ExpiresAt:  offer.ExpiresAt,
				ConsumedAt: offer.ConsumedAt,
			}
		}
	}
	return pc, nil
}

func groupFor(tx *gorm.DB, user *models.User) (*models.PromoGroup, error) {
	var group models.PromoGroup
	var err error
	if user.PromoGroupID != nil {
		err = tx.First(&group, *user.PromoGroupID).Error
	} else {
		err = tx.Where("is_default = ?", true).First(&group).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load promo group: %w", err)
	}
	return &group, nil
}

// Redeemable looks up a code for direct redemption (days, balance, trial).
func Redeemable(tx *gorm.DB, code string, userID uint, now time.Time) (*models.PromoCode, error) {
	var pcode models.PromoCode
	err := tx.Where("code = ?", NormalizeCode(code)).First(&pcode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pricing.ErrPromoCodeInvalid
	}
	if err != nil {
		return nil, err
	}
	if !pcode.Active || (pcode.ValidUntil != nil && !now.Before(*pcode.ValidUntil)) {
		return nil, pricing.ErrPromoCodeInvalid
	}
	if pcode.UsageLimit > 0 && pcode.UsedCount >= pcode.UsageLimit {
		return nil, pricing.ErrPromoCodeExhausted
	}
	var uses int64
	if err := tx.Model(&models.PromoCodeUse{}).
		Where("promo_code_id = ? AND user_id = ?", pcode.ID, userID).
		Count(&uses).Error; err != nil {
		return nil, err
	}
	if uses > 0 {
		return nil, pricing.ErrPromoCodeExhausted
	}
	return &pcode, nil
}

// ConsumeCode takes one use of the code for the user. The usage limit is
// enforced by a conditional update, so concurrent claimers cannot overshoot it.
func ConsumeCode(tx *gorm.DB, code string, userID uint, now time.Time) error {
	var pcode models.PromoCode
	if err := tx.Where("code = ?", NormalizeCode(code)).First(&pcode).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pricing.ErrPromoCodeInvalid
		}
		return err
	}

	res := tx.Model(&models.PromoCode{}).
		Where("id = ? AND active = ? AND (usage_limit = 0 OR used_count < usage_limit)", pcode.ID, true).
		UpdateColumn("used_count", gorm.Expr("used_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pricing.ErrPromoCodeExhausted
	}

	use := models.PromoCodeUse{PromoCodeID: pcode.ID, UserID: userID, UsedAt: now}
	if err := tx.Create(&use).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return pricing.ErrPromoCodeExhausted
		}
		return err
	}
	return nil
}

// ConsumeOffer marks a claimed, unexpired offer as used.
func ConsumeOffer(tx *gorm.DB, offerID, userID uint, now time.Time) error {
	res := tx.Model(&models.PromoOffer{}).
		Where("id = ? AND user_id = ? AND consumed_at IS NULL AND claimed_at IS NOT NULL AND expires_at > ?", offerID, userID, now).
		UpdateColumn("consumed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pricing.ErrPromoOfferExpired
	}
	return nil
}

// AutoUpgradeGroup moves the user to the best group their lifetime spend
// qualifies for. Groups are never downgraded automatically.
func AutoUpgradeGroup(tx *gorm.DB, userID uint) (bool, error) {
	var user models.User
	if err := tx.First(&user, userID).Error; err != nil {
		return false, err
	}

	var target models.PromoGroup
	err := tx.Where("auto_assign_threshold > 0 AND auto_assign_threshold <= ?", user.TotalSpent).
		Order("auto_assign_threshold DESC").
		First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if user.PromoGroupID != nil {
		if *user.PromoGroupID == target.ID {
			return false, nil
		}
		var current models.PromoGroup
		if err := tx.First(&current, *user.PromoGroupID).Error; err == nil &&
			current.AutoAssignThreshold >= target.AutoAssignThreshold {
			return false, nil
		}
	}

	if err := tx.Model(&models.User{}).Where("id = ?", userID).
		UpdateColumn("promo_group_id", target.ID).Error; err != nil {
		return false, err
	}
	log.Info().Uint("user_id", userID).Str("group", target.Name).Int64("total_spent", user.TotalSpent).
		Msg("Promo group upgraded by lifetime spend")
	return true, nil
}

// Service exposes offer lifecycle operations to the UI and admin surfaces.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) IssueOffer(ctx context.Context, userID uint, template string, percent, validHours int) (*models.PromoOffer, error) {
	if percent <= 0 || percent > 100 || validHours <= 0 {
		return nil, billerr.Validation("promo.issue_offer", fmt.Errorf("invalid offer %d%%/%dh", percent, validHours))
	}
	offer := &models.PromoOffer{
		UserID:          userID,
		Template:        template,
		DiscountPercent: percent,
		ValidHours:      validHours,
	}
	if err := s.db.WithContext(ctx).Create(offer).Error; err != nil {
		return nil, err
	}
	return offer, nil
}

// ClaimOffer starts the offer's validity window. A user may hold at most one
// claimed, unexpired offer per template; claims of one user run one at a
// time under the user row lock.
func (s *Service) ClaimOffer(ctx context.Context, userID, offerID uint, now time.Time) (*models.PromoOffer, error) {
	var offer models.PromoOffer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&user, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billerr.Validation("promo.claim", ErrOfferNotFound)
		}
		if err != nil {
			return err
		}

		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", offerID, userID).
			First(&offer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billerr.Validation("promo.claim", ErrOfferNotFound)
		}
		if err != nil {
			return err
		}
		if offer.ConsumedAt != nil {
			return pricing.ErrPromoOfferExpired
		}
		if offer.ClaimedAt != nil {
			if offer.ExpiresAt != nil && !now.Before(*offer.ExpiresAt) {
				return pricing.ErrPromoOfferExpired
			}
			return nil
		}

		var active int64
		if err := tx.Model(&models.PromoOffer{}).
			Where("user_id = ? AND template = ? AND id <> ? AND claimed_at IS NOT NULL AND consumed_at IS NULL AND expires_at > ?",
				userID, offer.Template, offer.ID, now).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return billerr.Conflict("promo.claim", ErrOfferAlreadyActive)
		}

		expires := now.Add(time.Duration(offer.ValidHours) * time.Hour)
		offer.ClaimedAt = &now
		offer.ExpiresAt = &expires
		return tx.Model(&models.PromoOffer{}).Where("id = ?", offer.ID).
			Updates(map[string]any{"claimed_at": now, "expires_at": expires}).Error
	})
	if err != nil {
		return nil, err
	}
	return &offer, nil
}
