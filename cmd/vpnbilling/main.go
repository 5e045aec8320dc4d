package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vpnbilling/internal/config"
	"vpnbilling/internal/database"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/logging"
	"vpnbilling/internal/server"
	"vpnbilling/internal/worker"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vpnbilling",
		Short:         "VPN subscription billing and entitlement reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run webhooks, the admin API, the bot and the background workers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create tables and apply SQL migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Queue current subscriptions for a panel drift check and sync the due ones",
			RunE:  runSweep,
		},
		&cobra.Command{
			Use:   "check",
			Short: "Run one lifecycle cycle: expiry, reminders, auto-renew and the ledger scan",
			RunE:  runCheck,
		},
		&cobra.Command{
			Use:   "verify-ledger",
			Short: "Compare every balance with its ledger and hold diverged users",
			RunE:  runVerifyLedger,
		},
		&cobra.Command{
			Use:   "sync-squads",
			Short: "Refresh the server squad catalogue from the panel",
			RunE:  runSyncSquads,
		},
		newAdminTokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "vpnbilling %s\n", Version)
				if GitCommit != "unknown" {
					fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
				}
			},
		},
	)
	return root
}

func newAdminTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a signed admin API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadConfig()
			if cfg.AdminSecret == "" {
				return errors.New("ADMIN_JWT_SECRET is not set")
			}
			token, err := server.IssueAdminToken(cfg.AdminSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name recorded in the audit log")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and re-initializes logging from it.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "vpnbilling"})
	cfg := config.LoadConfig()
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "vpnbilling"})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runMigrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("Migrations applied")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.scheduler.Sweep(ctx); err != nil {
		return err
	}
	queued := a.scheduler.Len()
	synced, err := a.scheduler.Drain(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "queued %d, synced %d, waiting %d\n", queued, synced, a.scheduler.Len())
	return err
}

func runCheck(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	worker.NewChecker(a.db, a.rdb, a.locker, a.subs, a.ledger, a.notifier, a.cfg.Worker).RunOnce(ctx)
	_, err = a.scheduler.Drain(ctx)
	return err
}

func runVerifyLedger(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	divs, err := ledger.New(db).VerifyAll(cmd.Context())
	for _, d := range divs {
		fmt.Fprintf(cmd.OutOrStdout(), "user %d: balance %d, ledger %d\n", d.UserID, d.Balance, d.Sum)
	}
	if err != nil {
		return err
	}
	if len(divs) > 0 {
		return fmt.Errorf("%d users diverged and are on hold", len(divs))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ledger consistent")
	return nil
}

func runSyncSquads(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.scheduler.RefreshSquads(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d squads\n", n)
	return nil
}
