package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/promo"
)

type Redemption struct {
	Kind         string
	Value        int64
	Transaction  *models.Transaction
	Subscription *models.Subscription
}

// RedeemPromoCode applies a balance, days or trial code directly. Percent
// codes only work at checkout.
func (s *Service) RedeemPromoCode(ctx context.Context, userID uint, code string) (*Redemption, error) {
	const op = "subscription.redeem"
	var out Redemption
	var telegramID int64

	err := s.run(ctx, userID, func(tx *gorm.DB, user *models.User) error {
		telegramID = user.TelegramID
		now := s.now()
		pcode, err := promo.Redeemable(tx, code, userID, now)
		if err != nil {
			return err
		}
		out.Kind, out.Value = pcode.Kind, pcode.Value

		switch pcode.Kind {
		case models.PromoKindBalance:
			row, err := ledger.Apply(tx, ledger.Entry{
				UserID:      userID,
				Amount:      money.Amount(pcode.Value),
				Kind:        models.TxPromo,
				Description: "promo code " + pcode.Code,
			})
			if err != nil {
				return err
			}
			out.Transaction = row

		case models.PromoKindDays:
			cur, err := current(tx, userID, true)
			if err != nil {
				return err
			}
			if cur == nil || !cur.Status.Active() {
				return invalid(op, statusOf(cur))
			}
			end := cur.EndDate.Add(time.Duration(pcode.Value) * money.Day)
			if err := markPending(tx, cur.ID, map[string]any{"end_date": end}); err != nil {
				return err
			}
			cur.EndDate = end
			out.Subscription = cur

		case models.PromoKindTrial:
			sub, err := s.grantTrial(tx, user, int(pcode.Value))
			if err != nil {
				return err
			}
			out.Subscription = sub

		default:
			return billerr.Validation(op, fmt.Errorf("%w: discount codes apply at checkout", pricing.ErrPromoCodeInvalid))
		}
		return promo.ConsumeCode(tx, pcode.Code, userID, now)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Uint("user_id", userID).Str("kind", out.Kind).Int64("value", out.Value).Msg("Promo code redeemed")
	switch out.Kind {
	case models.PromoKindBalance:
		s.notifier.User(ctx, telegramID, notify.TopupCredited(money.Amount(out.Value), money.Amount(out.Transaction.BalanceAfter)))
	case models.PromoKindDays:
		s.transitioned("redeem_days", out.Subscription)
		s.notifier.User(ctx, telegramID, notify.DaysAdded(int(out.Value), out.Subscription.EndDate))
	case models.PromoKindTrial:
		s.transitioned("start_trial", out.Subscription)
		s.notifier.User(ctx, telegramID, notify.TrialStarted(out.Subscription.EndDate))
	}
	return &out, nil
}
