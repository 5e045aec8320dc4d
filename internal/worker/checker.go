package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpnbilling/internal/config"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/models"
	"vpnbilling/internal/notify"
)

// Lifecycle is the part of the subscription service the checker drives.
type Lifecycle interface {
	ExpireSweep(ctx context.Context) ([]models.Subscription, error)
	AutoRenew(ctx context.Context, userID uint) (bool, error)
}

// Auditor verifies the ledger against materialized balances.
type Auditor interface {
	VerifyAll(ctx context.Context) ([]ledger.Divergence, error)
}

// Checker runs the periodic lifecycle cycle: expiry, reminders, auto-renew
// and the ledger integrity scan. Redis keeps reminders from repeating and
// redsync keeps replicas from running the same cycle at once.
type Checker struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Locker   *redsync.Redsync
	Subs     Lifecycle
	Ledger   Auditor
	Notifier notify.Notifier

	interval        time.Duration
	renewDaysBefore int
	now             func() time.Time
}

func NewChecker(db *gorm.DB, rdb *redis.Client, locker *redsync.Redsync, subs Lifecycle, audit Auditor, notifier notify.Notifier, cfg config.Worker) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Checker{
		DB:              db,
		Redis:           rdb,
		Locker:          locker,
		Subs:            subs,
		Ledger:          audit,
		Notifier:        notifier,
		interval:        cfg.Interval,
		renewDaysBefore: cfg.AutoRenewDaysBefore,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Run executes a cycle immediately and then on every tick until ctx ends.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", c.interval).Msg("Background subscription worker started")

	c.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Background subscription worker stopped")
			return nil
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cycle. Step failures are logged and do not stop the
// remaining steps.
func (c *Checker) RunOnce(ctx context.Context) {
	mutex := c.Locker.NewMutex("lock:worker:cycle", redsync.WithExpiry(c.interval), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		log.Debug().Err(err).Msg("Subscription check skipped, another instance is running it")
		return
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to release worker lock")
		}
	}()

	log.Info().Msg("Running subscription check cycle...")
	if err := c.expire(ctx); err != nil {
		log.Error().Err(err).Msg("Expire step failed")
	}
	if err := c.remind(ctx); err != nil {
		log.Error().Err(err).Msg("Reminder step failed")
	}
	if err := c.autoRenew(ctx); err != nil {
		log.Error().Err(err).Msg("Auto-renew step failed")
	}
	if err := c.verifyLedger(ctx); err != nil {
		log.Error().Err(err).Msg("Ledger verification failed")
	}
}

func (c *Checker) expire(ctx context.Context) error {
	expired, err := c.Subs.ExpireSweep(ctx)
	for _, sub := range expired {
		c.Notifier.User(ctx, sub.User.TelegramID, notify.Expired())
	}
	return err
}

// remind warns users whose subscription ends in about a day. Subscriptions on
// auto-pay are skipped; they get the renewal result instead.
func (c *Checker) remind(ctx context.Context) error {
	now := c.now()
	var soon []models.Subscription
	err := c.DB.WithContext(ctx).Preload("User").
		Where("superseded_at IS NULL AND status IN ? AND auto_renew = ? AND end_date BETWEEN ? AND ?",
			[]models.SubscriptionStatus{models.StatusTrialActive, models.StatusPaidActive}, false,
			now.Add(23*time.Hour), now.Add(25*time.Hour)).
		Find(&soon).Error
	if err != nil {
		return fmt.Errorf("query expiring subscriptions: %w", err)
	}

	for _, sub := range soon {
		key := fmt.Sprintf("notified_24h_%d", sub.UserID)
		first, err := c.Redis.SetNX(ctx, key, "true", 48*time.Hour).Result()
		if err != nil {
			return fmt.Errorf("reminder dedup: %w", err)
		}
		if !first {
			continue
		}
		c.Notifier.User(ctx, sub.User.TelegramID, notify.ExpiresSoon())
		log.Info().Uint("user_id", sub.UserID).Time("end_date", sub.EndDate).Msg("Sent 24h expiry reminder")
	}
	return nil
}

// autoRenew renews auto-pay subscriptions that end within the configured
// window. Each user is renewed under a distributed lock; a short balance
// backs off for half a day instead of reminding every cycle.
func (c *Checker) autoRenew(ctx context.Context) error {
	if c.renewDaysBefore <= 0 {
		return nil
	}
	now := c.now()
	var due []models.Subscription
	err := c.DB.WithContext(ctx).
		Where("superseded_at IS NULL AND status = ? AND auto_renew = ? AND end_date <= ?",
			models.StatusPaidActive, true, now.Add(time.Duration(c.renewDaysBefore)*24*time.Hour)).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("query auto-renew candidates: %w", err)
	}

	var errs []error
	for _, sub := range due {
		skipKey := fmt.Sprintf("autorenew_skip_%d", sub.UserID)
		if n, err := c.Redis.Exists(ctx, skipKey).Result(); err == nil && n > 0 {
			continue
		}

		mutex := c.Locker.NewMutex(fmt.Sprintf("lock:autorenew:%d", sub.UserID), redsync.WithExpiry(2*time.Minute), redsync.WithTries(1))
		if err := mutex.LockContext(ctx); err != nil {
			continue
		}
		renewed, err := c.Subs.AutoRenew(ctx, sub.UserID)
		if _, uerr := mutex.UnlockContext(context.WithoutCancel(ctx)); uerr != nil {
			log.Warn().Err(uerr).Uint("user_id", sub.UserID).Msg("Failed to release auto-renew lock")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("auto-renew user %d: %w", sub.UserID, err))
			continue
		}
		if !renewed {
			c.Redis.Set(ctx, skipKey, "1", 12*time.Hour)
		}
	}
	return errors.Join(errs...)
}

func (c *Checker) verifyLedger(ctx context.Context) error {
	divs, err := c.Ledger.VerifyAll(ctx)
	if err != nil {
		return err
	}
	for _, d := range divs {
		key := fmt.Sprintf("integrity_alert_%d", d.UserID)
		if first, err := c.Redis.SetNX(ctx, key, "1", 24*time.Hour).Result(); err != nil || !first {
			continue
		}
		c.Notifier.Admins(ctx, fmt.Sprintf("🛑 Ledger mismatch for user %d: balance %d, transactions sum %d. User placed on integrity hold.",
			d.UserID, d.Balance, d.Sum))
	}
	if len(divs) > 0 {
		log.Warn().Int("diverged", len(divs)).Msg("Ledger verification found mismatches")
	}
	return nil
}
