package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"vpnbilling/internal/bot"
	"vpnbilling/internal/config"
	"vpnbilling/internal/database"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/notify"
	"vpnbilling/internal/panelsync"
	"vpnbilling/internal/payment"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/reconcile"
	"vpnbilling/internal/remnawave"
	"vpnbilling/internal/review"
	"vpnbilling/internal/server"
	"vpnbilling/internal/subscription"
	"vpnbilling/internal/worker"
)

// app holds the shared components every command builds on.
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	rdb       *redis.Client
	locker    *redsync.Redsync
	notifier  notify.Notifier
	telegram  *notify.Telegram
	scheduler *panelsync.Scheduler
	subs      *subscription.Service
	ledger    *ledger.Ledger
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		return nil, err
	}
	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		closeDB(db)
		return nil, err
	}

	a := &app{cfg: cfg, db: db, rdb: rdb, locker: database.NewLocker(rdb), notifier: notify.Log{}}
	if cfg.BotToken != "" {
		a.telegram, err = notify.NewTelegram(cfg.BotToken, cfg.AdminChatIDs)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.notifier = a.telegram
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, notifications go to the log")
	}

	a.scheduler = panelsync.NewScheduler(db, remnawave.NewClient(cfg.RemnawaveURL, cfg.RemnawaveKey), a.locker, a.notifier, panelsync.Config(cfg.Sync))
	a.subs = subscription.NewService(db, &pricing.Loader{DB: db, Tariffs: cfg.Tariffs}, a.scheduler, a.notifier, cfg.Trial)
	if cfg.Trial.RequireChan {
		if a.telegram == nil || cfg.RequiredChan == 0 {
			a.Close()
			return nil, errors.New("the trial channel requirement needs TELEGRAM_BOT_TOKEN and REQUIRED_CHANNEL_ID")
		}
		a.subs.SetChannelGate(&bot.ChannelGate{Bot: a.telegram.Bot(), ChatID: cfg.RequiredChan})
	}
	a.ledger = ledger.New(db)
	return a, nil
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close redis client")
	}
	closeDB(a.db)
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

func runServe(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if err := database.Migrate(ctx, a.db); err != nil {
		return err
	}

	registry, err := payment.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("payment gateways: %w", err)
	}
	rec := reconcile.New(a.db, registry, a.subs, a.notifier, cfg.ReferralPercent)
	pool := reconcile.NewPool(rec, cfg.Worker.ReconcileWorkers, cfg.Worker.ReconcileQueue, cfg.WebhookBudget)

	var checkout *reconcile.Checkout
	if cfg.YookassaShopID != "" && cfg.YookassaKey != "" {
		checkout = reconcile.NewCheckout(a.db, payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey), cfg.Currency, cfg.ReturnURL)
	}

	srv := server.New(server.Config{
		Gateways:       registry.Gateways(),
		AdminSecret:    cfg.AdminSecret,
		RPS:            cfg.WebhookRPS,
		Burst:          cfg.WebhookBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		TrustedProxies: cfg.TrustedProxies,
	}, pool, a.subs, a.ledger, review.NewQueue(a.db), a.scheduler)

	var chat *bot.Bot
	polling := cfg.StarsSecretToken == ""
	if a.telegram != nil {
		chat = bot.New(a.telegram.Bot(), a.db, a.subs, a.ledger, checkout, cfg)
		if !polling {
			srv.Updates = chat.Push
		}
	}
	checker := worker.NewChecker(a.db, a.rdb, a.locker, a.subs, a.ledger, a.notifier, cfg.Worker)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return checker.Run(ctx) })
	g.Go(func() error { return srv.RunCleanup(ctx) })
	g.Go(func() error { return listen(ctx, "api", cfg.HTTPAddr, srv.Handler()) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return listen(ctx, "metrics", cfg.MetricsAddr, metricsHandler()) })
	}
	if chat != nil {
		g.Go(func() error { return chat.Run(ctx, polling) })
	}

	log.Info().
		Str("version", Version).
		Strs("gateways", registry.Gateways()).
		Bool("checkout", checkout != nil).
		Bool("bot", chat != nil).
		Msg("vpnbilling started")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("vpnbilling stopped")
	return nil
}
