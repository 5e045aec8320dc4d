package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpnbilling/internal/database"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/payment"
)

// PaymentCreator opens a hosted payment at the gateway.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, idempotenceKey string, amount money.Amount, currency, description, returnURL string, metadata map[string]string) (*payment.PaymentResponse, error)
}

type CheckoutResult struct {
	PaymentID       uint
	ExternalID      string
	ConfirmationURL string
}

// Checkout creates YooKassa payments and records them as pending so the
// webhook can check the paid amount against what was asked.
type Checkout struct {
	db        *gorm.DB
	client    PaymentCreator
	currency  string
	returnURL string
}

func NewCheckout(db *gorm.DB, client PaymentCreator, currency, returnURL string) *Checkout {
	return &Checkout{db: db, client: client, currency: currency, returnURL: returnURL}
}

func (c *Checkout) Create(ctx context.Context, intent payment.Intent, description string) (*CheckoutResult, error) {
	const op = "reconcile.checkout"
	if intent.Amount <= 0 {
		return nil, billerr.Validation(op, fmt.Errorf("non-positive amount %d", intent.Amount))
	}
	var user models.User
	if err := c.db.WithContext(ctx).First(&user, intent.UserID).Error; err != nil {
		return nil, billerr.Validation(op, fmt.Errorf("%w: id %d", ErrUnknownUser, intent.UserID))
	}
	encoded, err := intent.Encode()
	if err != nil {
		return nil, billerr.Validation(op, err)
	}

	resp, err := c.client.CreatePayment(ctx, uuid.NewString(), intent.Amount, c.currency, description, c.returnURL, map[string]string{
		"intent":      encoded,
		"telegram_id": strconv.FormatInt(user.TelegramID, 10),
	})
	if err != nil {
		return nil, err
	}

	rec := models.PaymentRecord{
		Gateway:    payment.YooKassa,
		ExternalID: resp.ID,
		UserID:     user.ID,
		Amount:     int64(intent.Amount),
		Status:     models.PaymentPending,
		Intent:     encoded,
	}
	err = c.db.WithContext(ctx).Create(&rec).Error
	if database.IsUniqueViolation(err) {
		// The webhook beat us to it.
		err = c.db.WithContext(ctx).Where("gateway = ? AND external_id = ?", payment.YooKassa, resp.ID).First(&rec).Error
	}
	if err != nil {
		return nil, billerr.Transient(op, fmt.Errorf("record pending payment: %w", err))
	}
	log.Info().
		Uint("user_id", user.ID).
		Str("external_id", resp.ID).
		Int64("amount", rec.Amount).
		Str("purpose", string(intent.Purpose)).
		Msg("Checkout created")
	return &CheckoutResult{PaymentID: rec.ID, ExternalID: resp.ID, ConfirmationURL: resp.Confirmation.ConfirmationURL}, nil
}
