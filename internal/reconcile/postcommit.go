package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"vpnbilling/internal/metrics"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/payment"
	"vpnbilling/internal/review"
	"vpnbilling/internal/subscription"
)

// finish runs the post-commit stage: purchase transitions and notifications.
// Nothing here can undo the committed credit.
func (r *Reconciler) finish(ctx context.Context, in *resolved, out *applied) *Result {
	res := &Result{
		Outcome:      out.outcome,
		PaymentID:    out.record.ID,
		UserID:       out.record.UserID,
		ReviewOpened: out.review,
	}
	gateway, externalID := out.record.Gateway, out.record.ExternalID
	logger := log.With().
		Str("gateway", gateway).
		Str("external_id", externalID).
		Uint("user_id", res.UserID).
		Str("outcome", string(out.outcome)).
		Logger()
	metrics.ReconcileOutcomes.WithLabelValues(gateway, string(out.outcome)).Inc()

	switch out.outcome {
	case OutcomeCredited:
		logger.Info().Int64("amount", out.record.Amount).Int64("balance", out.credit.BalanceAfter).Msg("Payment credited")
		if out.referral != nil {
			r.notifier.User(ctx, out.referral.telegramID, notify.ReferralBonus(out.referral.amount))
		}
		if in.ev.Intent.IsPurchase() {
			res.Purchase, res.PurchaseErr = r.purchase(ctx, in, out)
			return res
		}
		r.notifier.User(ctx, in.user.TelegramID, notify.TopupCredited(money.Amount(out.record.Amount), money.Amount(out.credit.BalanceAfter)))

	case OutcomeRefunded:
		logger.Warn().Int64("refunded", -out.refund.Amount).Int64("balance", out.refund.BalanceAfter).Msg("Payment refunded")
		r.notifier.User(ctx, in.user.TelegramID, notify.RefundRecorded(money.Amount(-out.refund.Amount)))
		if out.review {
			r.notifier.Admins(ctx, fmt.Sprintf("↩️ Refund of %s payment %s for user %d: the subscription it paid for is still active and needs review.",
				gateway, externalID, res.UserID))
		}

	case OutcomeConflict, OutcomeHeld:
		logger.Warn().Str("reason", out.reason).Bool("review_opened", out.review).Msg("Payment needs manual review")
		if out.review {
			r.notifier.Admins(ctx, fmt.Sprintf("⚠️ %s payment %s queued for review: %s", gateway, externalID, out.reason))
		}

	case OutcomeDuplicate:
		logger.Info().Msg("Duplicate payment notification acknowledged")

	default:
		logger.Info().Msg("Payment status recorded")
	}
	return res
}

// purchase applies a purchase intent with the balance just credited. A failed
// purchase keeps the money on the balance and goes to review.
func (r *Reconciler) purchase(ctx context.Context, in *resolved, out *applied) (*subscription.Result, error) {
	intent := in.ev.Intent
	paymentID := out.record.ID
	req := subscription.PurchaseRequest{
		PeriodDays:       intent.PeriodDays,
		Traffic:          intent.Traffic,
		Devices:          intent.Devices,
		Squads:           intent.Squads,
		PromoCode:        intent.PromoCode,
		OfferID:          intent.OfferID,
		FundingPaymentID: &paymentID,
		Description:      fmt.Sprintf("%s payment %s", out.record.Gateway, out.record.ExternalID),
	}
	sub, err := r.purchaser.Purchase(ctx, in.user.ID, req)
	if err == nil {
		return sub, nil
	}

	log.Error().Err(err).
		Str("gateway", out.record.Gateway).
		Str("external_id", out.record.ExternalID).
		Uint("user_id", in.user.ID).
		Msg("Purchase after payment failed, funds kept on balance")

	// The request context may be what failed; the review item must still land.
	_, rerr := review.NewQueue(r.db).Open(context.WithoutCancel(ctx), review.Issue{
		Kind:   models.IssuePurchaseFailed,
		Ref:    review.PaymentRef(out.record.Gateway, out.record.ExternalID),
		UserID: in.user.ID,
		Details: map[string]any{
			"error":       err.Error(),
			"period_days": intent.PeriodDays,
			"amount":      out.record.Amount,
		},
	})
	if rerr != nil {
		log.Error().Err(rerr).Uint("payment_id", paymentID).Msg("Failed to queue purchase_failed issue")
	}
	r.notifier.Admins(ctx, fmt.Sprintf("⚠️ Payment %s/%s credited but purchase failed for user %d: %v",
		out.record.Gateway, out.record.ExternalID, in.user.ID, err))
	r.notifier.User(ctx, in.user.TelegramID, notify.PurchaseFailedKeptFunds(money.Amount(out.credit.BalanceAfter)))
	return nil, err
}

// IntentFor builds the intent for a checkout; kept here so the chat layer
// and the checkout path encode purchases the same way.
func IntentFor(userID uint, amount money.Amount, req *subscription.PurchaseRequest) payment.Intent {
	in := payment.Intent{UserID: userID, Amount: amount, Purpose: payment.PurposeTopup}
	if req == nil {
		return in
	}
	in.Purpose = payment.PurposePurchase
	in.PeriodDays = req.PeriodDays
	in.Traffic = req.Traffic
	in.Devices = req.Devices
	in.Squads = req.Squads
	in.PromoCode = req.PromoCode
	in.OfferID = req.OfferID
	return in
}
