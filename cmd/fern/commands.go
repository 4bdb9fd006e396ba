package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/jobs"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/startup"
)

var version = "dev"

type cli struct {
	envFile string
	cfg     *config.Config
	logger  ectologger.Logger
	sync    func()
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Apartment listing harvester and bargain scorer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var envFiles []string
			if c.envFile != "" {
				envFiles = append(envFiles, c.envFile)
			}
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, sync, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			c.cfg, c.logger, c.sync = cfg, logger, sync
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.sync != nil {
				c.sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "env file to load (default .env)")

	root.AddCommand(
		c.harvestCmd(),
		c.discoverCmd(),
		c.loadTransactionsCmd(),
		c.resolveCmd(),
		c.scoreCmd(),
		c.migrateCmd(),
		c.serveCmd(),
	)
	return root
}

// withApp runs fn against a freshly wired app and logs failures before returning them.
func (c *cli) withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, c.cfg, c.logger, opts)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("failed to start")
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if err := fn(ctx, a); err != nil {
		if jobs.IsInterrupted(err) {
			c.logger.WithContext(ctx).Warn("interrupted")
		} else {
			c.logger.WithContext(ctx).WithError(err).Errorf("%s failed", cmd.Name())
		}
		return err
	}
	return nil
}

func (c *cli) logRun(ctx context.Context, run *models.CollectionRun) {
	if run == nil {
		return
	}
	fields := map[string]any{
		"run_id":     run.ID,
		"kind":       run.Kind,
		"status":     run.Status,
		"scope_size": run.ScopeSize,
	}
	for k, v := range run.Counters.Data.Map() {
		fields[k] = v
	}
	c.logger.WithContext(ctx).WithFields(fields).Info("run summary")
}

func (c *cli) harvestCmd() *cobra.Command {
	var (
		mode string
		opts jobs.HarvestOptions
	)
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest listings and reconcile them into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := jobs.ParseHarvestMode(mode)
			if err != nil {
				return err
			}
			opts.Mode = parsed
			return c.withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				run, err := a.runner.Harvest(ctx, opts)
				c.logRun(ctx, run)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(jobs.HarvestDiff), "full, diff, quick or test")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "continue after the saved checkpoint")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "harvest at most N complexes or cells")
	cmd.Flags().StringVar(&opts.Target, "target", "", "harvest a single complex by external id")
	cmd.Flags().BoolVar(&opts.Cells, "cells", false, "poll the geographic cell grid instead of complexes")
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "with --cells, poll every cell instead of the cached non-empty ones")
	return cmd
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Walk the region hierarchy and refresh the complex table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				run, err := a.runner.Discover(ctx)
				c.logRun(ctx, run)
				return err
			})
		},
	}
}

func (c *cli) loadTransactionsCmd() *cobra.Command {
	var (
		from, to string
		codes    []string
	)
	cmd := &cobra.Command{
		Use:   "load-transactions",
		Short: "Load government transaction records for a month range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to == "" {
				to = from
			}
			return c.withApp(cmd, appOptions{bulkLoad: true}, func(ctx context.Context, a *app) error {
				run, err := a.runner.LoadTransactions(ctx, codes, from, to)
				c.logRun(ctx, run)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", time.Now().Format("200601"), "first deal month, YYYYMM")
	cmd.Flags().StringVar(&to, "to", "", "last deal month, YYYYMM (default --from)")
	cmd.Flags().StringSliceVar(&codes, "codes", nil, "district codes to load (default: every code with an active complex)")
	return cmd
}

func (c *cli) resolveCmd() *cobra.Command {
	var (
		strategy string
		opts     jobs.ResolveOptions
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Link complexes to their government transaction names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := resolver.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			opts.Strategy = parsed
			return c.withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				run, err := a.runner.Resolve(ctx, opts)
				c.logRun(ctx, run)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(resolver.StrategyBoth), "cascade, fingerprint or both")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "resolve at most N complexes")
	cmd.Flags().StringVar(&opts.Target, "target", "", "resolve a single complex by external id")
	cmd.Flags().BoolVar(&opts.All, "all", false, "re-resolve complexes that already have a resolved name")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "continue after the saved checkpoint")
	return cmd
}

func (c *cli) scoreCmd() *cobra.Command {
	var opts scoring.Options
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score active sale listings and record bargain detections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				report, run, err := a.runner.Score(ctx, opts)
				if report != nil {
					c.logReport(ctx, report)
				}
				c.logRun(ctx, run)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report the score distribution without writing")
	cmd.Flags().IntVar(&opts.Threshold, "threshold", 0, "override the bargain threshold (0-100)")
	return cmd
}

func (c *cli) logReport(ctx context.Context, report *scoring.Report) {
	buckets := make([]string, len(report.Histogram))
	for i, n := range report.Histogram {
		buckets[i] = fmt.Sprintf("%d-%d:%d", i*10, i*10+9, n)
	}
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"scored":         report.Scored,
		"new_detections": report.NewDetections,
		"types":          report.Types,
		"histogram":      strings.Join(buckets, " "),
		"dry_run":        report.DryRun,
	}).Info("score report")
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := database.Connect(ctx, database.Config{Driver: c.cfg.DatabaseDriver, DSN: c.cfg.DatabaseDSN()}, c.logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrate(db, c.cfg, c.logger)
		},
	}
}

func migrate(db database.DB, cfg *config.Config, logger ectologger.Logger) error {
	sqlDB, err := database.SQLDB(db)
	if err != nil {
		return err
	}
	return database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	}).MigratePostgres(sqlDB, cfg.DatabaseName)
}

// serveCmd runs the daemon: migrations, the cron scheduler and the health server, until the
// process is signalled.
func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled jobs and serve health and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return c.serve(ctx, a)
			})
		},
	}
}

func (c *cli) serve(ctx context.Context, a *app) error {
	checker := health.NewChecker(version)
	checker.AddCheck("database", a.db.PingContext)
	if a.redis != nil {
		checker.AddCheck("state", func(ctx context.Context) error {
			return a.redis.Client().Ping(ctx).Err()
		})
	}
	checker.AddCheck("source_session", a.sessions.HealthCheck)

	sched, err := scheduler.New(a.runner, scheduler.Config{
		QuickCheck: c.cfg.ScheduleQuickCheck,
		Resolve:    c.cfg.ScheduleResolve,
		Score:      c.cfg.ScheduleScore,
	}, c.logger)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware(c.cfg.AppName))
	checker.RegisterRoutes(e)

	boot := startup.New(c.logger, c.cfg.StartupMaxAttempts)
	boot.Add(startup.Func{Name: "database", OnStart: a.db.PingContext})
	boot.Add(startup.Func{
		Name:     "migrations",
		Requires: []string{"database"},
		OnStart:  func(context.Context) error { return migrate(a.db, c.cfg, c.logger) },
	})
	boot.Add(startup.Func{Name: "state", OnStart: func(ctx context.Context) error {
		if a.redis == nil {
			return nil
		}
		return a.redis.Client().Ping(ctx).Err()
	}})
	boot.Add(startup.Func{Name: "source_session", OnStart: a.sessions.Open})
	boot.Add(startup.Func{
		Name:     "scheduler",
		Requires: []string{"migrations", "state", "source_session"},
		OnStart:  sched.Start,
		OnStop:   sched.Stop,
	})
	boot.Add(startup.Func{
		Name: "server",
		OnStart: func(context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", c.cfg.Port)
				c.logger.Infof("Serving health and metrics on %s", addr)
				if err := e.Start(addr); err != nil && ctx.Err() == nil {
					c.logger.WithError(err).Error("health server stopped")
				}
			}()
			return nil
		},
		OnStop: e.Shutdown,
	})

	if err := boot.Start(ctx); err != nil {
		return err
	}
	checker.SetReady(true)

	<-ctx.Done()
	checker.SetReady(false)
	c.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return boot.Stop(stopCtx)
}
