// Package subscription implements the entitlement state machine. Every
// transition runs in one database transaction with the user row locked, and
// every change the panel must see is handed to the sync scheduler after commit.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbilling/internal/config"
	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/metrics"
	"vpnbilling/internal/models"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/pricing"
)

var (
	ErrInvalidTransition = errors.New("transition not allowed from the current state")
	ErrNoSubscription    = errors.New("user has no subscription")
	ErrTrialUsed         = errors.New("trial already used")
	ErrChannelRequired   = errors.New("subscription to the required channel is missing")
	ErrUserNotFound      = errors.New("user not found")
)

// ChannelGate checks the optional channel-membership requirement for trials.
type ChannelGate interface {
	IsMember(ctx context.Context, telegramID int64) (bool, error)
}

// Syncer receives subscriptions whose panel state must be refreshed.
type Syncer interface {
	Enqueue(subID uint)
}

type Service struct {
	db       *gorm.DB
	pricing  *pricing.Loader
	syncer   Syncer
	notifier notify.Notifier
	gate     ChannelGate
	trial    config.Trial
	locks    *keyedMutex

	now  func() time.Time
	pick func(n int) int
}

func NewService(db *gorm.DB, loader *pricing.Loader, syncer Syncer, notifier notify.Notifier, trial config.Trial) *Service {
	return &Service{
		db:       db,
		pricing:  loader,
		syncer:   syncer,
		notifier: notifier,
		trial:    trial,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		pick:     rand.IntN,
	}
}

// SetChannelGate enables the channel requirement for trials.
func (s *Service) SetChannelGate(g ChannelGate) {
	s.gate = g
}

// Current returns the user's current subscription or ErrNoSubscription.
func (s *Service) Current(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := current(s.db.WithContext(ctx), userID, false)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, billerr.Validation("subscription.current", ErrNoSubscription)
	}
	return sub, nil
}

// State is the user's entitlement state; StatusNone when there is no subscription.
func (s *Service) State(ctx context.Context, userID uint) (models.SubscriptionStatus, error) {
	sub, err := current(s.db.WithContext(ctx), userID, false)
	if err != nil || sub == nil {
		return models.StatusNone, err
	}
	return sub.Status, nil
}

// run serializes transitions per user in this process, then runs fn in a
// transaction with the user row locked for the other replicas.
func (s *Service) run(ctx context.Context, userID uint, fn func(tx *gorm.DB, user *models.User) error) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}
		return fn(tx, user)
	})
}

func lockUser(tx *gorm.DB, userID uint) (*models.User, error) {
	var user models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, billerr.Validation("subscription.lock_user", ErrUserNotFound)
	}
	if err != nil {
		return nil, billerr.Transient("subscription.lock_user", err)
	}
	return &user, nil
}

func current(tx *gorm.DB, userID uint, lock bool) (*models.Subscription, error) {
	q := tx.Where("user_id = ? AND superseded_at IS NULL", userID)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.Subscription
	err := q.First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current subscription: %w", err)
	}
	return &sub, nil
}

func statusOf(sub *models.Subscription) models.SubscriptionStatus {
	if sub == nil {
		return models.StatusNone
	}
	return sub.Status
}

func invalid(op string, from models.SubscriptionStatus) error {
	return billerr.Conflict(op, fmt.Errorf("%w: %s", ErrInvalidTransition, from))
}

// markPending flags the row for panel sync; the caller enqueues after commit.
func markPending(tx *gorm.DB, subID uint, updates map[string]any) error {
	updates["sync_status"] = models.SyncPending
	return tx.Model(&models.Subscription{}).Where("id = ?", subID).Updates(updates).Error
}

func (s *Service) transitioned(op string, sub *models.Subscription) {
	metrics.Transitions.WithLabelValues(op, string(sub.Status)).Inc()
	if sub.PanelUsername != "" {
		s.syncer.Enqueue(sub.ID)
	}
}
