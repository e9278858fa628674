// Package cmd wires the scraping engine into a Cobra CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/clock/system"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/compliance"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/config"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/dispatch"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/logging"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/pool"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/routines"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/storage/memory"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/storage/postgres"
)

var cfgFile string

// application bundles the wired engine for one command invocation.
type application struct {
	cfg     config.Config
	logger  *zap.Logger
	manager *scraper.Manager
	chrome  *pool.ChromeFactory
	pg      *postgres.TaskStore
}

// buildApplication loads config and assembles the engine. Commands that never
// scrape set withBrowsers=false and get an inert pool, so `stats` does not
// spawn Chrome processes.
func buildApplication(ctx context.Context, withBrowsers bool) (*application, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	app := &application{cfg: cfg, logger: logger}

	var store scraper.TaskStore
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.NewTaskStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		}, clock)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		app.pg = pg
		store = pg
	default:
		store = memory.NewTaskStore(clock)
		logger.Warn("using in-memory task store, backlog is lost on exit")
	}

	var factory pool.Factory = pool.NopFactory{}
	if withBrowsers && cfg.Pool.Browser == "chrome" {
		chrome := pool.NewChromeFactory(pool.ChromeConfig{
			UserAgent: cfg.Compliance.UserAgent,
			ExecPath:  cfg.Pool.ChromeExecPath,
		}, logger)
		app.chrome = chrome
		factory = chrome
	}

	browserPool, err := pool.New(ctx, factory, pool.Config{
		MaxInstances:   cfg.Pool.MaxInstances,
		AcquireTimeout: cfg.AcquireTimeout(),
	}, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	gate := compliance.New(compliance.Config{
		UserAgent:          cfg.Compliance.UserAgent,
		MinDelay:           cfg.MinDelay(),
		MaxDelay:           cfg.MaxDelay(),
		FailurePenaltyUnit: cfg.FailurePenalty(),
		GlobalRPS:          cfg.Compliance.GlobalRPS,
		RobotsTimeout:      cfg.RobotsTimeout(),
	}, clock, logger)

	registry := routines.NewRegistry(routines.Config{
		PageLoadTimeout: cfg.PageLoadTimeout(),
		MaxImages:       cfg.Routines.MaxImages,
	}, logger)

	dispatcher := dispatch.New(dispatch.Config{
		MaxWorkers:     cfg.Scraper.MaxWorkers,
		TaskTimeout:    cfg.TaskTimeout(),
		AcquireTimeout: cfg.AcquireTimeout(),
	}, store, gate, browserPool, registry, logger)

	app.manager = scraper.NewManager(scraper.ManagerConfig{
		BatchSize:         cfg.Scraper.BatchSize,
		DefaultMaxRetries: cfg.Scraper.DefaultMaxRetries,
		DefaultPriority:   cfg.Scraper.DefaultPriority,
	}, store, dispatcher, browserPool, clock, logger)

	return app, nil
}

// shutdown drains the manager with a grace period, then releases everything.
func (a *application) shutdown() {
	if a.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}
	a.close()
}

func (a *application) close() {
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restaurant-scraper",
		Short: "Concurrent scraping engine for restaurant websites",
		Long: `restaurant-scraper drains a durable backlog of scraping tasks against
restaurant websites. Each task runs a type-specific routine on a pooled
headless browser, behind a robots.txt and per-domain throttling gate.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the SCRAPER_ prefix")

	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newProcessCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
