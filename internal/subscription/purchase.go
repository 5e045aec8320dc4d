package subscription

import (
	"context"
	"errors"
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

type PurchaseRequest struct {
	PeriodDays int
	Traffic    pricing.TrafficSelection
	Devices    int
	Squads     []string // empty keeps the current squads
	PromoCode  string
	OfferID    uint
	// FundingPaymentID links the subscription to the gateway payment that paid for it.
	FundingPaymentID *uint
	Description      string
}

// Result is the outcome of a paid transition.
type Result struct {
	Subscription *models.Subscription
	Breakdown    *pricing.Breakdown
	Transaction  *models.Transaction // nil when nothing was charged
}

// Quote prices a purchase for the user without changing anything.
func (s *Service) Quote(ctx context.Context, userID uint, req PurchaseRequest) (*pricing.Breakdown, error) {
	db := s.db.WithContext(ctx)
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		return nil, billerr.Validation("subscription.quote", ErrUserNotFound)
	}
	cur, err := current(db, userID, false)
	if err != nil {
		return nil, err
	}
	snap, err := s.pricing.LoadTx(db)
	if err != nil {
		return nil, err
	}
	code := promo.NormalizeCode(req.PromoCode)
	pc, err := promo.LoadContext(db, &user, code, req.OfferID)
	if err != nil {
		return nil, err
	}
	return pricing.Quote(snap, pc, quoteRequest(req, code, cur), s.now())
}

func quoteRequest(req PurchaseRequest, code string, cur *models.Subscription) pricing.Request {
	q := pricing.Request{
		PeriodDays: req.PeriodDays,
		Traffic:    req.Traffic,
		Devices:    req.Devices,
		Squads:     req.Squads,
		PromoCode:  code,
		OfferID:    req.OfferID,
	}
	if cur != nil {
		q.CurrentSquads = cur.Squads
		if len(q.Squads) == 0 {
			q.Squads = cur.Squads
		}
	}
	return q
}

func canPurchase(from models.SubscriptionStatus) bool {
	switch from {
	case models.StatusNone, models.StatusTrialActive, models.StatusTrialExpired, models.StatusPaidExpired:
		return true
	}
	return false
}

// Purchase buys a new paid period. Pricing, the debit, promo consumption and
// the new subscription row commit together or not at all.
func (s *Service) Purchase(ctx context.Context, userID uint, req PurchaseRequest) (*Result, error) {
	const op = "subscription.purchase"
	var res Result
	var telegramID int64

	err := s.run(ctx, userID, func(tx *gorm.DB, user *models.User) error {
		telegramID = user.TelegramID
		if user.IntegrityHold {
			return billerr.Fatal(op, ledger.ErrIntegrityHold)
		}
		cur, err := current(tx, userID, true)
		if err != nil {
			return err
		}
		from := statusOf(cur)
		if !canPurchase(from) {
			return invalid(op, from)
		}

		now := s.now()
		b, row, err := s.charge(tx, user, cur, req, now)
		if err != nil {
			return err
		}
		res.Breakdown, res.Transaction = b, row

		if cur != nil {
			if err := tx.Model(&models.Subscription{}).Where("id = ?", cur.ID).
				UpdateColumn("superseded_at", now).Error; err != nil {
				return fmt.Errorf("supersede subscription: %w", err)
			}
		}
		sub := &models.Subscription{
			UserID:           userID,
			Status:           models.StatusPaidActive,
			StartDate:        now,
			EndDate:          now.Add(time.Duration(b.PeriodDays) * money.Day),
			PeriodDays:       b.PeriodDays,
			TrafficLimitGB:   b.TrafficGB,
			DeviceLimit:      b.Devices,
			Squads:           b.Squads,
			PanelUsername:    models.PanelUsername(user.TelegramID),
			SyncStatus:       models.SyncPending,
			FundingPaymentID: req.FundingPaymentID,
		}
		if cur != nil {
			sub.AutoRenew = cur.AutoRenew
			sub.PanelUUID, sub.ShortUUID, sub.SubscriptionURL = cur.PanelUUID, cur.ShortUUID, cur.SubscriptionURL
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		res.Subscription = sub

		if from == models.StatusTrialActive || from == models.StatusTrialExpired {
			conv := models.SubscriptionConversion{
				UserID:              userID,
				SubscriptionID:      sub.ID,
				TrialStartedAt:      cur.StartDate,
				ConvertedAt:         now,
				FirstPurchaseAmount: int64(b.Total),
				PeriodDays:          b.PeriodDays,
			}
			if err := tx.Create(&conv).Error; err != nil {
				return fmt.Errorf("record conversion: %w", err)
			}
		}
		if req.FundingPaymentID != nil {
			if err := tx.Model(&models.PaymentRecord{}).Where("id = ?", *req.FundingPaymentID).
				UpdateColumn("subscription_id", sub.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.transitioned("purchase", res.Subscription)
	log.Info().
		Uint("user_id", userID).
		Uint("subscription_id", res.Subscription.ID).
		Int64("total", int64(res.Breakdown.Total)).
		Str("snapshot", res.Breakdown.SnapshotVersion).
		Int("period_days", res.Breakdown.PeriodDays).
		Msg("Subscription purchased")
	s.notifier.User(ctx, telegramID, notify.PurchaseDone(res.Subscription.EndDate, res.Subscription.SubscriptionURL))
	return &res, nil
}

// charge quotes against a snapshot read in tx, debits the total and consumes
// any promo code or offer used.
func (s *Service) charge(tx *gorm.DB, user *models.User, cur *models.Subscription, req PurchaseRequest, now time.Time) (*pricing.Breakdown, *models.Transaction, error) {
	snap, err := s.pricing.LoadTx(tx)
	if err != nil {
		return nil, nil, err
	}
	code := promo.NormalizeCode(req.PromoCode)
	pc, err := promo.LoadContext(tx, user, code, req.OfferID)
	if err != nil {
		return nil, nil, err
	}
	b, err := pricing.Quote(snap, pc, quoteRequest(req, code, cur), now)
	if err != nil {
		return nil, nil, err
	}

	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("subscription %d days", b.PeriodDays)
	}
	row, err := s.debit(tx, user.ID, b.Total, desc)
	if err != nil {
		return nil, nil, err
	}
	if code != "" {
		if err := promo.ConsumeCode(tx, code, user.ID, now); err != nil {
			return nil, nil, err
		}
	}
	if req.OfferID != 0 {
		if err := promo.ConsumeOffer(tx, req.OfferID, user.ID, now); err != nil {
			return nil, nil, err
		}
	}
	return b, row, nil
}

// debit takes amount from the balance and counts it towards lifetime spend.
func (s *Service) debit(tx *gorm.DB, userID uint, amount money.Amount, desc string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, nil
	}
	row, err := ledger.Apply(tx, ledger.Entry{
		UserID:      userID,
		Amount:      -amount,
		Kind:        models.TxPurchase,
		Description: desc,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&models.User{}).Where("id = ?", userID).
		UpdateColumn("total_spent", gorm.Expr("total_spent + ?", int64(amount))).Error; err != nil {
		return nil, err
	}
	if _, err := promo.AutoUpgradeGroup(tx, userID); err != nil {
		return nil, err
	}
	return row, nil
}

// currentSelection describes the subscription's traffic in the snapshot's terms.
func currentSelection(snap *pricing.Snapshot, sub *models.Subscription) pricing.TrafficSelection {
	switch {
	case snap.TrafficMode != pricing.TrafficModeSelectable:
		return pricing.TrafficSelection{Kind: pricing.TrafficIncluded}
	case sub.TrafficLimitGB == 0:
		return pricing.TrafficSelection{Kind: pricing.TrafficUnlimited}
	default:
		return pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: sub.TrafficLimitGB}
	}
}

// Renew buys another period with the current configuration. A running paid
// period is extended from its end; a lapsed one restarts now.
func (s *Service) Renew(ctx context.Context, userID uint, periodDays int) (*Result, error) {
	res, telegramID, err := s.renew(ctx, userID, periodDays, "renew")
	if err != nil {
		return nil, err
	}
	s.notifier.User(ctx, telegramID, notify.PurchaseDone(res.Subscription.EndDate, res.Subscription.SubscriptionURL))
	return res, nil
}

func (s *Service) renew(ctx context.Context, userID uint, periodDays int, op string) (*Result, int64, error) {
	var res Result
	var telegramID int64
	err := s.run(ctx, userID, func(tx *gorm.DB, user *models.User) error {
		telegramID = user.TelegramID
		cur, err := current(tx, userID, true)
		if err != nil {
			return err
		}
		from := statusOf(cur)
		if from != models.StatusPaidActive && from != models.StatusPaidExpired {
			return invalid("subscription."+op, from)
		}
		if periodDays <= 0 {
			periodDays = cur.PeriodDays
		}

		snap, err := s.pricing.LoadTx(tx)
		if err != nil {
			return err
		}
		pc, err := promo.LoadContext(tx, user, "", 0)
		if err != nil {
			return err
		}
		b, err := pricing.Quote(snap, pc, pricing.Request{
			PeriodDays:    periodDays,
			Traffic:       currentSelection(snap, cur),
			Devices:       cur.DeviceLimit,
			Squads:        cur.Squads,
			CurrentSquads: cur.Squads,
		}, s.now())
		if err != nil {
			return err
		}
		row, err := s.debit(tx, userID, b.Total, fmt.Sprintf("%s %d days", op, periodDays))
		if err != nil {
			return err
		}

		now := s.now()
		updates := map[string]any{
			"status":      models.StatusPaidActive,
			"end_date":    money.ExtendFrom(now, cur.EndDate, periodDays),
			"period_days": periodDays,
		}
		if from == models.StatusPaidExpired {
			updates["start_date"] = now
		}
		if err := markPending(tx, cur.ID, updates); err != nil {
			return err
		}
		if err := tx.First(cur, cur.ID).Error; err != nil {
			return err
		}
		res = Result{Subscription: cur, Breakdown: b, Transaction: row}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	s.transitioned(op, res.Subscription)
	log.Info().Uint("user_id", userID).Uint("subscription_id", res.Subscription.ID).
		Int64("total", int64(res.Breakdown.Total)).Time("end_date", res.Subscription.EndDate).Msg("Subscription renewed")
	return &res, telegramID, nil
}

// AutoRenew renews a subscription that has auto-pay enabled. A short balance
// is not an error: the user is reminded and false is returned.
func (s *Service) AutoRenew(ctx context.Context, userID uint) (bool, error) {
	res, telegramID, err := s.renew(ctx, userID, 0, "auto_renew")
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		var user models.User
		if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
			return false, err
		}
		price, qerr := s.renewalPrice(ctx, &user)
		if qerr != nil {
			return false, qerr
		}
		log.Info().Uint("user_id", userID).Int64("balance", user.Balance).Int64("price", int64(price)).
			Msg("Auto-renew skipped, insufficient balance")
		s.notifier.User(ctx, user.TelegramID, notify.AutoRenewNoFunds(price, money.Amount(user.Balance)))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.notifier.User(ctx, telegramID, notify.AutoRenewed(res.Subscription.EndDate))
	return true, nil
}

func (s *Service) renewalPrice(ctx context.Context, user *models.User) (money.Amount, error) {
	db := s.db.WithContext(ctx)
	cur, err := current(db, user.ID, false)
	if err != nil || cur == nil {
		return 0, err
	}
	snap, err := s.pricing.LoadTx(db)
	if err != nil {
		return 0, err
	}
	pc, err := promo.LoadContext(db, user, "", 0)
	if err != nil {
		return 0, err
	}
	b, err := pricing.Quote(snap, pc, pricing.Request{
		PeriodDays:    cur.PeriodDays,
		Traffic:       currentSelection(snap, cur),
		Devices:       cur.DeviceLimit,
		Squads:        cur.Squads,
		CurrentSquads: cur.Squads,
	}, s.now())
	if err != nil {
		return 0, err
	}
	return b.Total, nil
}

// SetAutoRenew toggles auto-pay on the current subscription.
func (s *Service) SetAutoRenew(ctx context.Context, userID uint, on bool) error {
	return s.run(ctx, userID, func(tx *gorm.DB, _ *models.User) error {
		cur, err := current(tx, userID, true)
		if err != nil {
			return err
		}
		if cur == nil {
			return billerr.Validation("subscription.auto_renew", ErrNoSubscription)
		}
		return tx.Model(&models.Subscription{}).Where("id = ?", cur.ID).UpdateColumn("auto_renew", on).Error
	})
}

type ModifyRequest struct {
	Devices int
	Traffic *pricing.TrafficSelection
	Squads  []string
}

// Modify changes devices, traffic or squads of a running paid subscription,
// charging the prorated difference for the rest of the period.
func (s *Service) Modify(ctx context.Context, userID uint, req ModifyRequest) (*Result, error) {
	const op = "subscription.modify"
	var res Result
	err := s.run(ctx, userID, func(tx *gorm.DB, user *models.User) error {
		cur, err := current(tx, userID, true)
		if err != nil {
			return err
		}
		if from := statusOf(cur); from != models.StatusPaidActive {
			return invalid(op, from)
		}
		snap, err := s.pricing.LoadTx(tx)
		if err != nil {
			return err
		}
		pc, err := promo.LoadContext(tx, user, "", 0)
		if err != nil {
			return err
		}
		now := s.now()
		b, err := pricing.QuoteChange(snap, pc, pricing.ChangeRequest{
			PeriodDays:       cur.PeriodDays,
			RemainingMonths:  money.RemainingMonths(now, cur.EndDate),
			CurrentDevices:   cur.DeviceLimit,
			CurrentTrafficGB: cur.TrafficLimitGB,
			CurrentSquads:    cur.Squads,
			Devices:          req.Devices,
			Traffic:          req.Traffic,
			Squads:           req.Squads,
		})
		if err != nil {
			return err
		}
		row, err := s.debit(tx, userID, b.Total, "subscription change")
		if err != nil {
			return err
		}
		cur.DeviceLimit, cur.TrafficLimitGB, cur.Squads = b.Devices, b.TrafficGB, b.Squads
		cur.SyncStatus = models.SyncPending
		if err := tx.Model(cur).Select("device_limit", "traffic_limit_gb", "squads", "sync_status").Updates(cur).Error; err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		res = Result{Subscription: cur, Breakdown: b, Transaction: row}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned("modify", res.Subscription)
	return &res, nil
}
