// Package reconcile turns verified gateway notifications into ledger entries
// and entitlement changes. Processing is split into ordered stages:
// authenticate, normalize, resolve user, record, apply and post-commit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbilling/internal/database"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/metrics"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/payment"
	"vpnbilling/internal/review"
	"vpnbilling/internal/subscription"
)

var (
	ErrUnknownGateway = errors.New("unknown payment gateway")
	ErrUnknownUser    = errors.New("payment references an unknown user")
	ErrUserMismatch   = errors.New("payment intent and gateway disagree on the user")
	errUnknownPayment = errors.New("refund references an unknown payment")
)

type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeRecorded  Outcome = "recorded"
	OutcomeRefunded  Outcome = "refunded"
	OutcomeConflict  Outcome = "conflict"
	OutcomeHeld      Outcome = "held"
	OutcomeIgnored   Outcome = "ignored"
)

// Result reports what a notification did. Conflicts and holds are results,
// not errors: the gateway gets an acknowledgement and the review queue gets
// the item.
type Result struct {
	Outcome      Outcome
	PaymentID    uint
	UserID       uint
	Purchase     *subscription.Result
	PurchaseErr  error
	ReviewOpened bool
}

// Purchaser is the entitlement operation a purchase intent triggers.
type Purchaser interface {
	Purchase(ctx context.Context, userID uint, req subscription.PurchaseRequest) (*subscription.Result, error)
}

type Reconciler struct {
	db        *gorm.DB
	registry  *payment.Registry
	purchaser Purchaser
	notifier  notify.Notifier
	referral  money.Percent
	now       func() time.Time
}

func New(db *gorm.DB, registry *payment.Registry, purchaser Purchaser, notifier notify.Notifier, referralPercent int) *Reconciler {
	return &Reconciler{
		db:        db,
		registry:  registry,
		purchaser: purchaser,
		notifier:  notifier,
		referral:  money.ClampPercent(referralPercent),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// resolved is a normalized event bound to a local user.
type resolved struct {
	ev   *payment.PaymentEvent
	user models.User
}

// applied is the committed effect of one event.
type applied struct {
	outcome  Outcome
	record   models.PaymentRecord
	credit   *models.Transaction
	refund   *models.Transaction
	referral *referralCredit
	review   bool
	reason   string
}

type referralCredit struct {
	telegramID int64
	amount     money.Amount
}

// Process runs one webhook delivery through every stage.
func (r *Reconciler) Process(ctx context.Context, gateway string, req *payment.WebhookRequest) (*Result, error) {
	const op = "reconcile.process"
	adapter, ok := r.registry.Lookup(gateway)
	if !ok {
		return nil, billerr.Validation(op, fmt.Errorf("%w: %q", ErrUnknownGateway, gateway))
	}

	if err := r.authenticate(adapter, req); err != nil {
		return nil, err
	}
	ev, err := r.normalize(adapter, req)
	if payment.IsIgnored(err) {
		log.Debug().Err(err).Str("gateway", gateway).Msg("Webhook ignored")
		metrics.ReconcileOutcomes.WithLabelValues(gateway, string(OutcomeIgnored)).Inc()
		return &Result{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return nil, err
	}

	in, err := r.resolveUser(ctx, ev)
	if errors.Is(err, errUnknownPayment) {
		out, err := r.orphanRefund(ctx, ev)
		if err != nil {
			return nil, err
		}
		return r.finish(context.WithoutCancel(ctx), nil, out), nil
	}
	if err != nil {
		return nil, err
	}

	var out *applied
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, created, err := r.record(tx, in)
		if err != nil {
			return err
		}
		out, err = r.apply(tx, in, rec, created)
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, billerr.Transient(op, err)
		}
		if billerr.KindOf(err) == billerr.KindUnknown {
			return nil, billerr.Transient(op, err)
		}
		return nil, err
	}
	// The delivery may time out once the credit is committed; the purchase
	// and notifications still run.
	return r.finish(context.WithoutCancel(ctx), in, out), nil
}

func (r *Reconciler) authenticate(a payment.Adapter, req *payment.WebhookRequest) error {
	if err := a.VerifySignature(req); err != nil {
		log.Warn().Err(err).Str("gateway", a.Gateway()).Str("remote_ip", req.RemoteIP).Msg("Webhook rejected")
		return err
	}
	return nil
}

func (r *Reconciler) normalize(a payment.Adapter, req *payment.WebhookRequest) (*payment.PaymentEvent, error) {
	ev, err := a.Normalize(req)
	if err != nil {
		return nil, err
	}
	if ev.Amount < 0 {
		return nil, billerr.Validation("reconcile.normalize", fmt.Errorf("negative amount %d", ev.Amount))
	}
	return ev, nil
}

// resolveUser binds the event to a user: the intent's user id first, then the
// gateway's Telegram id, then (for refunds) the user of the original payment.
func (r *Reconciler) resolveUser(ctx context.Context, ev *payment.PaymentEvent) (*resolved, error) {
	const op = "reconcile.resolve_user"
	db := r.db.WithContext(ctx)
	in := &resolved{ev: ev}

	switch {
	case ev.UserID != 0:
		err := db.First(&in.user, ev.UserID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billerr.Validation(op, fmt.Errorf("%w: id %d", ErrUnknownUser, ev.UserID))
		}
		if err != nil {
			return nil, billerr.Transient(op, err)
		}
		if ev.TelegramID != 0 && ev.TelegramID != in.user.TelegramID {
			return nil, billerr.Validation(op, ErrUserMismatch)
		}
	case ev.TelegramID != 0:
		err := db.Where("telegram_id = ?", ev.TelegramID).First(&in.user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) && ev.Status == payment.StatusPaid {
			// Donation-style gateways can pay before the user ever opened the bot.
			err = r.createUser(db, ev.TelegramID, &in.user)
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billerr.Validation(op, fmt.Errorf("%w: telegram id %d", ErrUnknownUser, ev.TelegramID))
		}
		if err != nil {
			return nil, billerr.Transient(op, err)
		}
	default:
		var rec models.PaymentRecord
		err := db.Where("gateway = ? AND external_id = ?", ev.Gateway, ev.ExternalID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errUnknownPayment
		}
		if err != nil {
			return nil, billerr.Transient(op, err)
		}
		if err := db.First(&in.user, rec.UserID).Error; err != nil {
			return nil, billerr.Transient(op, err)
		}
	}
	return in, nil
}

func (r *Reconciler) createUser(db *gorm.DB, telegramID int64, out *models.User) error {
	u := models.User{TelegramID: telegramID}
	err := db.Create(&u).Error
	if database.IsUniqueViolation(err) {
		return db.Where("telegram_id = ?", telegramID).First(out).Error
	}
	if err != nil {
		return err
	}
	log.Info().Int64("telegram_id", telegramID).Uint("user_id", u.ID).Msg("User created from payment")
	*out = u
	return nil
}

// record upserts the payment record keyed by (gateway, external id) and
// returns it locked for the rest of the transaction.
func (r *Reconciler) record(tx *gorm.DB, in *resolved) (*models.PaymentRecord, bool, error) {
	ev := in.ev
	row := models.PaymentRecord{
		Gateway:     ev.Gateway,
		ExternalID:  ev.ExternalID,
		UserID:      in.user.ID,
		Amount:      int64(ev.Amount),
		Status:      models.PaymentPending,
		RawChecksum: ev.RawChecksum,
	}
	if ev.Intent != nil {
		row.Intent, _ = ev.Intent.Encode()
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert payment record: %w", res.Error)
	}

	var rec models.PaymentRecord
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("gateway = ? AND external_id = ?", ev.Gateway, ev.ExternalID).
		First(&rec).Error; err != nil {
		return nil, false, fmt.Errorf("lock payment record: %w", err)
	}
	return &rec, res.RowsAffected == 1, nil
}

// apply moves the locked record to the event's status and performs the
// matching ledger effect.
func (r *Reconciler) apply(tx *gorm.DB, in *resolved, rec *models.PaymentRecord, created bool) (*applied, error) {
	ev := in.ev
	status := string(ev.Status)

	switch {
	case rec.UserID != in.user.ID:
		return r.conflict(tx, in, rec, fmt.Sprintf("payment belongs to user %d", rec.UserID))
	case rec.Status == status:
		if ev.Status == payment.StatusPaid && int64(ev.Amount) != rec.Amount {
			return r.conflict(tx, in, rec, fmt.Sprintf("paid amount %d differs from recorded %d", ev.Amount, rec.Amount))
		}
		// A further partial refund of a paid payment. Records refunded while
		// still pending were never credited.
		if ev.Status == payment.StatusRefunded && ev.RefundID != "" && rec.RefundedAmount > 0 {
			return r.refund(tx, in, rec)
		}
		return &applied{outcome: OutcomeDuplicate, record: *rec}, nil
	case rec.Status == models.PaymentPending:
		switch ev.Status {
		case payment.StatusPaid:
			if !created && rec.Amount != int64(ev.Amount) {
				return r.conflict(tx, in, rec, fmt.Sprintf("paid amount %d differs from checkout amount %d", ev.Amount, rec.Amount))
			}
			return r.credit(tx, in, rec)
		case payment.StatusFailed:
			return r.markTerminal(tx, rec, models.PaymentFailed, OutcomeFailed)
		case payment.StatusRefunded:
			return r.markTerminal(tx, rec, models.PaymentRefunded, OutcomeRecorded)
		}
	case rec.Status == models.PaymentPaid && ev.Status == payment.StatusRefunded:
		return r.refund(tx, in, rec)
	}
	return r.conflict(tx, in, rec, fmt.Sprintf("%s notification for a %s payment", ev.Status, rec.Status))
}

func (r *Reconciler) credit(tx *gorm.DB, in *resolved, rec *models.PaymentRecord) (*applied, error) {
	ev := in.ev
	t, err := ledger.Apply(tx, ledger.Entry{
		UserID:      in.user.ID,
		Amount:      ev.Amount,
		Kind:        models.TxTopup,
		Gateway:     ev.Gateway,
		ExternalID:  ev.ExternalID,
		Description: fmt.Sprintf("%s payment %s", ev.Gateway, ev.ExternalID),
	})
	if errors.Is(err, ledger.ErrIntegrityHold) {
		return r.held(tx, in, rec)
	}
	if err != nil {
		return nil, err
	}

	paidAt := r.now()
	if err := tx.Model(rec).Updates(map[string]any{
		"status":         models.PaymentPaid,
		"amount":         int64(ev.Amount),
		"transaction_id": t.ID,
		"paid_at":        paidAt,
	}).Error; err != nil {
		return nil, fmt.Errorf("mark payment paid: %w", err)
	}
	rec.Status, rec.TransactionID, rec.PaidAt = models.PaymentPaid, &t.ID, &paidAt

	ref, err := r.creditReferral(tx, &in.user, rec, ev.Amount)
	if err != nil {
		return nil, err
	}
	return &applied{outcome: OutcomeCredited, record: *rec, credit: t, referral: ref}, nil
}

// creditReferral pays the referrer their share once per payment record.
func (r *Reconciler) creditReferral(tx *gorm.DB, user *models.User, rec *models.PaymentRecord, amount money.Amount) (*referralCredit, error) {
	if user.ReferrerID == nil || r.referral == 0 {
		return nil, nil
	}
	share := money.Share(amount, r.referral)
	if share <= 0 {
		return nil, nil
	}
	var referrer models.User
	if err := tx.First(&referrer, *user.ReferrerID).Error; err != nil {
		log.Warn().Err(err).Uint("user_id", user.ID).Msg("Referrer not found, skipping referral earning")
		return nil, nil
	}
	if referrer.IntegrityHold {
		log.Warn().Uint("referrer_id", referrer.ID).Uint("payment_id", rec.ID).Msg("Referrer on integrity hold, skipping referral earning")
		return nil, nil
	}

	earning := models.ReferralEarning{
		ReferrerID:      referrer.ID,
		ReferredID:      user.ID,
		PaymentRecordID: rec.ID,
		Percent:         int(r.referral),
		Amount:          int64(share),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&earning)
	if res.Error != nil {
		return nil, fmt.Errorf("record referral earning: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	t, err := ledger.Apply(tx, ledger.Entry{
		UserID:      referrer.ID,
		Amount:      share,
		Kind:        models.TxReferral,
		Description: fmt.Sprintf("referral %d%% of payment %d", r.referral, rec.ID),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&earning).UpdateColumn("transaction_id", t.ID).Error; err != nil {
		return nil, err
	}
	return &referralCredit{telegramID: referrer.TelegramID, amount: share}, nil
}

// refund offsets a paid payment. The balance may go negative; the
// subscription it funded is left as is and flagged for review. Partial
// refunds are told apart by their refund id and never exceed the payment.
func (r *Reconciler) refund(tx *gorm.DB, in *resolved, rec *models.PaymentRecord) (*applied, error) {
	ev := in.ev
	key := ev.ExternalID
	if ev.RefundID != "" {
		key += ":" + ev.RefundID
	}
	var seen int64
	if err := tx.Model(&models.Transaction{}).
		Where("kind = ? AND gateway = ? AND external_id = ?", models.TxRefund, ev.Gateway, key).
		Count(&seen).Error; err != nil {
		return nil, fmt.Errorf("look up refund: %w", err)
	}

	remaining := money.Amount(rec.Amount - rec.RefundedAmount)
	amount := ev.Amount
	if ev.RefundTotal {
		amount -= money.Amount(rec.RefundedAmount)
	}
	if amount <= 0 && !ev.RefundTotal {
		amount = remaining
	}
	amount = min(amount, remaining)
	if seen > 0 || amount <= 0 {
		return &applied{outcome: OutcomeDuplicate, record: *rec}, nil
	}

	t, err := ledger.Apply(tx, ledger.Entry{
		UserID:        in.user.ID,
		Amount:        -amount,
		Kind:          models.TxRefund,
		Gateway:       ev.Gateway,
		ExternalID:    key,
		Description:   fmt.Sprintf("%s refund of payment %s", ev.Gateway, ev.ExternalID),
		AllowNegative: true,
	})
	if errors.Is(err, ledger.ErrIntegrityHold) {
		return r.held(tx, in, rec)
	}
	if err != nil {
		return nil, err
	}
	refunded := rec.RefundedAmount + int64(amount)
	if err := tx.Model(rec).Updates(map[string]any{
		"status":          models.PaymentRefunded,
		"refunded_amount": refunded,
	}).Error; err != nil {
		return nil, fmt.Errorf("mark payment refunded: %w", err)
	}
	rec.Status, rec.RefundedAmount = models.PaymentRefunded, refunded
	out := &applied{outcome: OutcomeRefunded, record: *rec, refund: t}

	var sub models.Subscription
	err = tx.Where("user_id = ? AND superseded_at IS NULL AND funding_payment_id = ?", in.user.ID, rec.ID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.Status != models.StatusPaidActive {
		return out, nil
	}
	out.review, err = review.Open(tx, review.Issue{
		Kind:           models.IssueRefundReview,
		Ref:            review.PaymentRef(ev.Gateway, ev.ExternalID),
		UserID:         in.user.ID,
		SubscriptionID: sub.ID,
		Details: map[string]any{
			"refunded": int64(amount),
			"balance":  t.BalanceAfter,
			"end_date": sub.EndDate,
		},
	})
	return out, err
}

func (r *Reconciler) markTerminal(tx *gorm.DB, rec *models.PaymentRecord, status string, outcome Outcome) (*applied, error) {
	if err := tx.Model(rec).Update("status", status).Error; err != nil {
		return nil, fmt.Errorf("mark payment %s: %w", status, err)
	}
	rec.Status = status
	return &applied{outcome: outcome, record: *rec}, nil
}

func (r *Reconciler) conflict(tx *gorm.DB, in *resolved, rec *models.PaymentRecord, reason string) (*applied, error) {
	ev := in.ev
	opened, err := review.Open(tx, review.Issue{
		Kind:   models.IssueConflict,
		Ref:    review.PaymentRef(ev.Gateway, ev.ExternalID) + ":" + ev.RawChecksum,
		UserID: rec.UserID,
		Details: map[string]any{
			"reason":          reason,
			"recorded_status": rec.Status,
			"recorded_amount": rec.Amount,
			"event_status":    ev.Status,
			"event_amount":    int64(ev.Amount),
			"event_user":      in.user.ID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &applied{outcome: OutcomeConflict, record: *rec, review: opened, reason: reason}, nil
}

// held leaves the record untouched so a redelivery after the hold is released
// still applies.
func (r *Reconciler) held(tx *gorm.DB, in *resolved, rec *models.PaymentRecord) (*applied, error) {
	opened, err := review.Open(tx, review.Issue{
		Kind:   models.IssueIntegrity,
		Ref:    review.PaymentRef(in.ev.Gateway, in.ev.ExternalID),
		UserID: in.user.ID,
		Details: map[string]any{
			"reason": "payment arrived while the user is on integrity hold",
			"status": in.ev.Status,
			"amount": int64(in.ev.Amount),
		},
	})
	if err != nil {
		return nil, err
	}
	return &applied{outcome: OutcomeHeld, record: *rec, review: opened, reason: "integrity hold"}, nil
}

// orphanRefund queues a refund whose payment was never seen.
func (r *Reconciler) orphanRefund(ctx context.Context, ev *payment.PaymentEvent) (*applied, error) {
	opened, err := review.Open(r.db.WithContext(ctx), review.Issue{
		Kind: models.IssueConflict,
		Ref:  review.PaymentRef(ev.Gateway, ev.ExternalID) + ":" + ev.RawChecksum,
		Details: map[string]any{
			"reason": errUnknownPayment.Error(),
			"amount": int64(ev.Amount),
		},
	})
	if err != nil {
		return nil, billerr.Transient("reconcile.orphan_refund", err)
	}
	return &applied{
		outcome: OutcomeConflict,
		record:  models.PaymentRecord{Gateway: ev.Gateway, ExternalID: ev.ExternalID},
		review:  opened,
		reason:  errUnknownPayment.Error(),
	}, nil
}
