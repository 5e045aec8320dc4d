package panelsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpnbilling/internal/metrics"
	"vpnbilling/internal/models"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/remnawave"
	"vpnbilling/internal/review"
)

// Panel is the subset of the Remnawave client the scheduler needs.
type Panel interface {
	GetUser(ctx context.Context, username string) (*remnawave.User, error)
	CreateUser(ctx context.Context, spec remnawave.UserSpec) (*remnawave.User, error)
	UpdateUser(ctx context.Context, patch remnawave.UserPatch) (*remnawave.User, error)
	ListSquads(ctx context.Context) ([]remnawave.Squad, error)
}

type Config struct {
	Workers        int
	AttemptTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	DegradedAfter  int
	EscalateAfter  int
	SweepInterval  time.Duration
}

type item struct {
	due   time.Time
	subID uint
}

func less(a, b item) bool {
	if a.due.Equal(b.due) {
		return a.subID < b.subID
	}
	return a.due.Before(b.due)
}

const idleWait = time.Minute

// Scheduler pushes local entitlement state to the panel. Jobs are kept in a
// due-time ordered queue with one entry per subscription.
type Scheduler struct {
	db       *gorm.DB
	panel    Panel
	locker   *redsync.Redsync
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	queue    *btree.BTreeG[item]
	pending  map[uint]time.Time
	inflight map[uint]bool
	rerun    map[uint]time.Time
	wake     chan struct{}
}

func NewScheduler(db *gorm.DB, panel Panel, locker *redsync.Redsync, notifier notify.Notifier, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.EscalateAfter < cfg.DegradedAfter {
		cfg.EscalateAfter = cfg.DegradedAfter
	}
	return &Scheduler{
		db:       db,
		panel:    panel,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		queue:    btree.NewG[item](16, less),
		pending:  make(map[uint]time.Time),
		inflight: make(map[uint]bool),
		rerun:    make(map[uint]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue schedules an immediate sync.
func (s *Scheduler) Enqueue(subID uint) {
	s.Schedule(subID, s.now())
}

// Schedule queues a sync at due. An already queued job keeps the earlier time.
func (s *Scheduler) Schedule(subID uint, due time.Time) {
	s.mu.Lock()
	if s.inflight[subID] {
		if prev, ok := s.rerun[subID]; !ok || due.Before(prev) {
			s.rerun[subID] = due
		}
		s.mu.Unlock()
		return
	}
	s.push(subID, due)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) push(subID uint, due time.Time) {
	if prev, ok := s.pending[subID]; ok {
		if !due.Before(prev) {
			return
		}
		s.queue.Delete(item{due: prev, subID: subID})
	}
	s.pending[subID] = due
	s.queue.ReplaceOrInsert(item{due: due, subID: subID})
	metrics.PanelSyncQueue.Set(float64(s.queue.Len()))
}

// Len is the number of queued jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// pop takes the next due job, or reports how long until one is due.
func (s *Scheduler) pop(now time.Time) (uint, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.queue.Min()
	if !ok {
		return 0, idleWait, false
	}
	if next.due.After(now) {
		return 0, next.due.Sub(now), false
	}
	s.queue.Delete(next)
	delete(s.pending, next.subID)
	s.inflight[next.subID] = true
	metrics.PanelSyncQueue.Set(float64(s.queue.Len()))
	return next.subID, 0, true
}

func (s *Scheduler) done(subID uint) {
	s.mu.Lock()
	delete(s.inflight, subID)
	due, again := s.rerun[subID]
	delete(s.rerun, subID)
	if again {
		s.push(subID, due)
	}
	s.mu.Unlock()
}

// Run starts the workers and the periodic sweep; it blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Int("workers", s.cfg.Workers).Dur("sweep_interval", s.cfg.SweepInterval).Msg("Panel sync scheduler started")

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}

	if s.cfg.SweepInterval > 0 {
		if err := s.Sweep(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial panel sweep failed")
		}
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for done := false; !done; {
			select {
			case <-ctx.Done():
				done = true
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					log.Warn().Err(err).Msg("Panel sweep failed")
				}
			}
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	return nil
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		subID, wait, ok := s.pop(s.now())
		if ok {
			if err := s.SyncOne(ctx, subID); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Uint("subscription_id", subID).Msg("Panel sync attempt failed")
			}
			s.done(subID)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Drain syncs the jobs that are due now and returns when none are left. Jobs
// pushed into the future by a failed attempt stay queued.
func (s *Scheduler) Drain(ctx context.Context) (synced int, err error) {
	for ctx.Err() == nil {
		subID, _, ok := s.pop(s.now())
		if !ok {
			return synced, nil
		}
		if err := s.SyncOne(ctx, subID); err != nil {
			log.Warn().Err(err).Uint("subscription_id", subID).Msg("Panel sync attempt failed")
		} else {
			synced++
		}
		s.done(subID)
	}
	return synced, ctx.Err()
}

// Sweep queues every current subscription for a drift check. Replicas share
// a redis lock so only one of them sweeps at a time.
func (s *Scheduler) Sweep(ctx context.Context) error {
	if s.locker != nil {
		mutex := s.locker.NewMutex("lock:panelsync:sweep", redsync.WithExpiry(s.cfg.SweepInterval/2+time.Minute), redsync.WithTries(1))
		if err := mutex.LockContext(ctx); err != nil {
			log.Debug().Err(err).Msg("Panel sweep skipped, another instance holds the lock")
			return nil
		}
		defer func() {
			if _, err := mutex.UnlockContext(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to release panel sweep lock")
			}
		}()
	}

	now := s.now()
	queued := 0
	var batch []models.Subscription
	err := s.db.WithContext(ctx).
		Select("id", "next_sync_at").
		Where("superseded_at IS NULL AND panel_username <> '' AND sync_status <> ?", models.SyncManual).
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, sub := range batch {
				due := now
				if sub.NextSyncAt != nil && sub.NextSyncAt.After(now) {
					due = *sub.NextSyncAt
				}
				s.Schedule(sub.ID, due)
				queued++
			}
			return nil
		}).Error
	if err != nil {
		return fmt.Errorf("panel sweep: %w", err)
	}
	log.Info().Int("queued", queued).Msg("Panel sweep queued subscriptions")
	return nil
}

// desired is the panel state a subscription should have.
func desired(sub *models.Subscription, telegramID int64) remnawave.UserSpec {
	status := remnawave.StatusActive
	if !sub.Status.Active() {
		status = remnawave.StatusDisabled
	}
	return remnawave.UserSpec{
		Username:          sub.PanelUsername,
		TelegramID:        telegramID,
		Status:            status,
		TrafficLimitBytes: sub.TrafficLimitBytes(),
		DeviceLimit:       sub.DeviceLimit,
		ExpireAt:          sub.EndDate,
		Squads:            sub.Squads,
	}
}

// SyncOne makes one attempt to bring the panel in line with the subscription.
// It reads and writes only sync bookkeeping; balances are never touched.
func (s *Scheduler) SyncOne(ctx context.Context, subID uint) error {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Preload("User").First(&sub, subID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.SupersededAt != nil || sub.PanelUsername == "" || sub.SyncStatus == models.SyncManual {
		return nil
	}

	spec := desired(&sub, sub.User.TelegramID)
	remote, err := s.apply(ctx, spec)
	if err != nil {
		return s.recordFailure(ctx, &sub, err)
	}

	now := s.now()
	updates := map[string]any{
		"sync_status":        models.SyncOK,
		"sync_failures":      0,
		"last_synced_at":     now,
		"last_sync_error":    "",
		"next_sync_at":       nil,
		"panel_uuid":         remote.UUID,
		"short_uuid":         remote.ShortUUID,
		"subscription_url":   remote.SubscriptionURL,
		"traffic_used_bytes": remote.UsedTrafficBytes,
	}
	if err := s.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
		return err
	}
	metrics.PanelSyncResults.WithLabelValues("ok").Inc()
	if sub.SyncStatus == models.SyncDegraded {
		log.Info().Uint("subscription_id", sub.ID).Msg("Panel sync recovered")
	}
	return nil
}

func (s *Scheduler) apply(ctx context.Context, spec remnawave.UserSpec) (*remnawave.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	remote, err := s.panel.GetUser(ctx, spec.Username)
	if errors.Is(err, remnawave.ErrNotFound) {
		return s.panel.CreateUser(ctx, spec)
	}
	if err != nil {
		return nil, err
	}

	// Panel-managed states are not ours to overwrite.
	if remote.Status == remnawave.StatusExpired || remote.Status == remnawave.StatusLimited {
		remote.Status = spec.Status
	}
	patch := remnawave.Diff(remote, spec)
	if patch.Empty() {
		return remote, nil
	}
	return s.panel.UpdateUser(ctx, patch)
}

func (s *Scheduler) backoff(failures int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < failures && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

func (s *Scheduler) recordFailure(ctx context.Context, sub *models.Subscription, cause error) error {
	failures := sub.SyncFailures + 1
	now := s.now()
	status := models.SyncPending
	switch {
	case failures >= s.cfg.EscalateAfter:
		status = models.SyncManual
	case failures >= s.cfg.DegradedAfter:
		status = models.SyncDegraded
	}

	msg := cause.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	updates := map[string]any{
		"sync_status":     status,
		"sync_failures":   failures,
		"last_sync_error": msg,
	}
	var next time.Time
	if status != models.SyncManual {
		next = now.Add(s.backoff(failures))
		updates["next_sync_at"] = next
	} else {
		updates["next_sync_at"] = nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}
		if status != models.SyncManual {
			return nil
		}
		_, err := review.Open(tx, review.Issue{
			Kind:           models.IssueSyncEscalation,
			Ref:            fmt.Sprintf("subscription:%d:%d", sub.ID, now.Unix()),
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Details:        map[string]any{"failures": failures, "last_error": msg},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("record sync failure: %w (after %v)", err, cause)
	}

	logger := log.With().Uint("subscription_id", sub.ID).Int("failures", failures).Str("sync_status", string(status)).Logger()
	switch status {
	case models.SyncManual:
		metrics.PanelSyncResults.WithLabelValues("escalated").Inc()
		logger.Error().Err(cause).Msg("Panel sync escalated to manual review")
		s.notifier.Admins(ctx, fmt.Sprintf("🛑 Синхронизация подписки #%d с панелью остановлена после %d ошибок: %s", sub.ID, failures, msg))
	case models.SyncDegraded:
		metrics.PanelSyncResults.WithLabelValues("degraded").Inc()
		logger.Warn().Err(cause).Time("next_attempt", next).Msg("Panel sync degraded")
		s.Schedule(sub.ID, next)
	default:
		metrics.PanelSyncResults.WithLabelValues("failed").Inc()
		logger.Warn().Err(cause).Time("next_attempt", next).Msg("Panel sync failed, retrying with backoff")
		s.Schedule(sub.ID, next)
	}
	return cause
}

// Resync clears the failure counter, including manual escalation, and queues
// an immediate attempt. It is the admin path out of the manual state.
func (s *Scheduler) Resync(ctx context.Context, subID uint, actor string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.First(&sub, subID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Subscription{}).Where("id = ?", subID).Updates(map[string]any{
			"sync_status":   models.SyncPending,
			"sync_failures": 0,
			"next_sync_at":  nil,
		}).Error; err != nil {
			return err
		}
		return review.Audit(tx, actor, "resync", sub.UserID, map[string]any{
			"subscription_id": subID,
			"previous_status": string(sub.SyncStatus),
			"failures":        sub.SyncFailures,
		})
	})
	if err != nil {
		return err
	}
	s.Enqueue(subID)
	return nil
}
