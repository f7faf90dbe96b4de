package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pbaille/jobfiltr/internal/api"
	"github.com/pbaille/jobfiltr/internal/breaker"
	"github.com/pbaille/jobfiltr/internal/cache"
	"github.com/pbaille/jobfiltr/internal/config"
	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/pbaille/jobfiltr/internal/events"
	"github.com/pbaille/jobfiltr/internal/flags"
	"github.com/pbaille/jobfiltr/internal/sink"
	"github.com/pbaille/jobfiltr/internal/snapshot"
	"github.com/pbaille/jobfiltr/internal/store"
	"github.com/pbaille/jobfiltr/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "jobfiltr",
		Short:        "Job cache, feature flags and error reports for the jobfiltr extension",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(reportsCmd())

	return rootCmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "jobfiltr.yaml"
	}
	return filepath.Join(home, ".jobfiltr", "config.yaml")
}

// app is every component wired together
type app struct {
	cfg       config.Config
	log       *slog.Logger
	store     *store.Store
	registry  *flags.Registry
	bus       *events.Bus
	breaker   *breaker.Breaker
	cache     *cache.Cache
	telemetry *telemetry.Aggregator

	closeLog func() error
}

// openApp loads configuration and brings up the store, logger, flags,
// breaker, cache and aggregator in dependency order.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	base, closeLog := config.SetupLogger(cfg.LogFile, cfg.Level())
	a := &app{cfg: cfg, store: db, closeLog: closeLog}

	var reportSink sink.Sink = sink.NewStore(db)
	if cfg.Telemetry.Endpoint != "" {
		reportSink = sink.NewHTTP(cfg.Telemetry.Endpoint, cfg.Telemetry.DeliveryTimeout)
	}
	a.telemetry = telemetry.New(telemetry.Options{
		Platform:         cfg.Telemetry.Platform,
		UserAgent:        cfg.Telemetry.UserAgent,
		UserID:           cfg.Telemetry.UserID,
		ExtensionVersion: cfg.Telemetry.ExtensionVersion,
		SnapshotBudget:   cfg.Telemetry.SnapshotBudget,
		MaxConsoleLogs:   cfg.Telemetry.MaxConsoleLogs,
		DeliveryTimeout:  cfg.Telemetry.DeliveryTimeout,
		Sink:             reportSink,
		Jobs:             telemetry.JobLookupFunc(a.lookupJob),
		Logger:           base,
	})
	a.telemetry.SetEnabled(cfg.Telemetry.Enabled)
	a.log = a.telemetry.Install()

	a.registry = flags.NewRegistry(db, a.log)
	a.registry.Init(ctx)

	a.bus = events.NewBus()
	a.breaker = breaker.New(a.registry, db, breaker.Options{
		Threshold: cfg.Breaker.Threshold,
		Publisher: a.bus,
		Logger:    a.log,
	})
	a.breaker.Init(ctx)

	a.cache, err = cache.New(db, cache.Options{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Debounce:   cfg.Cache.Debounce,
		MaxDelay:   cfg.Cache.MaxDelay,
		Logger:     a.log,
	})
	if err != nil {
		db.Close()
		closeLog()
		return nil, err
	}
	a.cache.Init(ctx)

	return a, nil
}

func (a *app) lookupJob(id string) (domain.Job, bool) {
	if a.cache == nil {
		return domain.Job{}, false
	}
	return a.cache.Get(id)
}

// Close flushes the cache, waits for report deliveries and releases the
// database and log file.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.telemetry.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := a.closeLog(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	return errors.Join(errs...)
}

// withApp opens the app for the duration of one command
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	// A panic is reported, then surfaces as this error
	runErr := errors.New("command panicked, see error reports")
	func() {
		defer a.telemetry.Recover()
		runErr = fn(ctx, a)
	}()

	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the report collector and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				if addr == "" {
					addr = a.cfg.Addr
				}
				server := api.New(api.Deps{
					Reports:   a.store,
					Registry:  a.registry,
					Breaker:   a.breaker,
					Cache:     a.cache,
					Bus:       a.bus,
					Telemetry: a.telemetry,
					Logger:    a.log,
				}, addr)

				// Notifications also land in the log when nobody is streaming them
				notes, cancel := a.bus.Subscribe(16)
				defer cancel()
				a.telemetry.Go(ctx, "notification-log", func(ctx context.Context) error {
					for {
						select {
						case <-ctx.Done():
							return nil
						case n, open := <-notes:
							if !open {
								return nil
							}
							a.log.Warn("feature auto-disabled", "feature", n.Feature, "failures", n.Failures, "reason", n.Reason)
						}
					}
				})

				return server.Run(ctx)
			})
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides config)")
	return cmd
}

// truncate flattens s to one line of at most max bytes without splitting
// a rune
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return snapshot.Truncate(s, max-3) + "..."
}
