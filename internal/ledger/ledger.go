package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/metrics"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/review"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrIntegrityHold     = errors.New("user is on integrity hold")
	ErrUserNotFound      = errors.New("user not found")
)

// Entry describes one ledger mutation.
type Entry struct {
	UserID      uint
	Amount      money.Amount // signed
	Kind        string
	Gateway     string
	ExternalID  string
	Description string
	// AllowNegative lets a debit take the balance below zero. Only refunds use it.
	AllowNegative bool
}

// Apply appends a transaction and moves the user's balance by the same amount.
// It must run inside the caller's database transaction; the user row stays
// locked until that transaction commits.
func Apply(tx *gorm.DB, e Entry) (*models.Transaction, error) {
	const op = "ledger.apply"
	if e.Amount == 0 {
		return nil, billerr.Validation(op, fmt.Errorf("zero amount"))
	}

	var user models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, e.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, billerr.Validation(op, ErrUserNotFound)
	}
	if err != nil {
		return nil, billerr.Transient(op, err)
	}
	if user.IntegrityHold {
		return nil, billerr.Fatal(op, ErrIntegrityHold)
	}

	after := user.Balance + int64(e.Amount)
	if e.Amount < 0 && after < 0 && !e.AllowNegative {
		return nil, billerr.Validation(op, ErrInsufficientFunds)
	}

	row := models.Transaction{
		UserID:       e.UserID,
		Amount:       int64(e.Amount),
		Kind:         e.Kind,
		Gateway:      e.Gateway,
		BalanceAfter: after,
		Description:  e.Description,
	}
	if e.ExternalID != "" {
		row.ExternalID = &e.ExternalID
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Model(&models.User{}).Where("id = ?", e.UserID).
		UpdateColumn("balance", gorm.Expr("balance + ?", int64(e.Amount))).Error; err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	metrics.LedgerTransactions.WithLabelValues(e.Kind).Inc()
	return &row, nil
}

// Ledger exposes read and admin operations over the transaction log.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Balance(ctx context.Context, userID uint) (money.Amount, error) {
	var user models.User
	if err := l.db.WithContext(ctx).Select("balance").First(&user, userID).Error; err != nil {
		return 0, err
	}
	return money.Amount(user.Balance), nil
}

func (l *Ledger) History(ctx context.Context, userID uint, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var txs []models.Transaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// Adjust posts an audited admin correction.
func (l *Ledger) Adjust(ctx context.Context, userID uint, amount money.Amount, actor, reason string) (*models.Transaction, error) {
	var out *models.Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := Apply(tx, Entry{UserID: userID, Amount: amount, Kind: models.TxAdmin, Description: reason})
		if err != nil {
			return err
		}
		out = row
		return review.Audit(tx, actor, "ledger_adjust", userID, map[string]any{
			"amount":         int64(amount),
			"reason":         reason,
			"transaction_id": row.ID,
		})
	})
	return out, err
}

// Divergence is a user whose materialized balance disagrees with the log.
type Divergence struct {
	UserID  uint
	Balance int64
	Sum     int64 `gorm:"column:ledger_sum"`
}

// Verify checks one user and places them on hold on mismatch.
func (l *Ledger) Verify(ctx context.Context, userID uint) (*Divergence, error) {
	divs, err := l.scan(ctx, &userID)
	if err != nil || len(divs) == 0 {
		return nil, err
	}
	if err := l.hold(ctx, divs[0]); err != nil {
		return nil, err
	}
	return &divs[0], nil
}

// VerifyAll scans every user and holds the ones that diverged.
func (l *Ledger) VerifyAll(ctx context.Context) ([]Divergence, error) {
	divs, err := l.scan(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, d := range divs {
		if err := l.hold(ctx, d); err != nil {
			return divs, err
		}
	}
	return divs, nil
}

func (l *Ledger) scan(ctx context.Context, userID *uint) ([]Divergence, error) {
	query := l.db.WithContext(ctx).
		Table("users AS u").
		Select("u.id AS user_id, u.balance AS balance, COALESCE(SUM(t.amount), 0) AS ledger_sum").
		Joins("LEFT JOIN transactions t ON t.user_id = u.id").
		Group("u.id, u.balance").
		Having("u.balance <> COALESCE(SUM(t.amount), 0)")
	if userID != nil {
		query = query.Where("u.id = ?", *userID)
	}
	var divs []Divergence
	if err := query.Scan(&divs).Error; err != nil {
		return nil, fmt.Errorf("ledger scan: %w", err)
	}
	return divs, nil
}

func (l *Ledger) hold(ctx context.Context, d Divergence) error {
	log.Error().
		Uint("user_id", d.UserID).
		Int64("balance", d.Balance).
		Int64("sum", d.Sum).
		Msg("Ledger diverged from balance, placing user on integrity hold")

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).Where("id = ? AND integrity_hold = ?", d.UserID, false).
			UpdateColumn("integrity_hold", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		metrics.IntegrityHolds.Inc()
		_, err := review.Open(tx, review.Issue{
			Kind:    models.IssueIntegrity,
			Ref:     fmt.Sprintf("user:%d:%d", d.UserID, time.Now().UTC().Unix()),
			UserID:  d.UserID,
			Details: map[string]any{"balance": d.Balance, "sum": d.Sum},
		})
		return err
	})
}

// Resolution chooses which side of a divergence is authoritative on release.
type Resolution string

const (
	// TrustLedger rebuilds the balance from the transaction log.
	TrustLedger Resolution = "trust_ledger"
	// TrustBalance appends an admin transaction so the log matches the balance.
	TrustBalance Resolution = "trust_balance"
)

// ReleaseHold reconciles a held user and lifts the hold. Every release is audited.
func (l *Ledger) ReleaseHold(ctx context.Context, userID uint, res Resolution, actor string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
			return err
		}
		if !user.IntegrityHold {
			return billerr.Validation("ledger.release", fmt.Errorf("user %d is not on hold", userID))
		}

		var sum int64
		if err := tx.Model(&models.Transaction{}).Where("user_id = ?", userID).
			Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error; err != nil {
			return err
		}

		switch res {
		case TrustLedger:
			if err := tx.Model(&models.User{}).Where("id = ?", userID).
				UpdateColumn("balance", sum).Error; err != nil {
				return err
			}
		case TrustBalance:
			if delta := user.Balance - sum; delta != 0 {
				row := models.Transaction{
					UserID:       userID,
					Amount:       delta,
					Kind:         models.TxAdmin,
					BalanceAfter: user.Balance,
					Description:  "integrity correction",
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			}
		default:
			return billerr.Validation("ledger.release", fmt.Errorf("unknown resolution %q", res))
		}

		if err := tx.Model(&models.User{}).Where("id = ?", userID).
			UpdateColumn("integrity_hold", false).Error; err != nil {
			return err
		}
		return review.Audit(tx, actor, "release_hold", userID, map[string]any{
			"resolution": string(res),
			"balance":    user.Balance,
			"sum":        sum,
		})
	})
}
