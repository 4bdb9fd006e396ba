// Package scheduler runs fern's recurring jobs on cron schedules in daemon mode.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/robfig/cron/v3"

	"github.com/Ramsey-B/fern/pkg/jobs"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/scoring"
)

// Jobs is the subset of the job runner the daemon triggers.
type Jobs interface {
	Harvest(ctx context.Context, opts jobs.HarvestOptions) (*models.CollectionRun, error)
	Resolve(ctx context.Context, opts jobs.ResolveOptions) (*models.CollectionRun, error)
	Score(ctx context.Context, opts scoring.Options) (*scoring.Report, *models.CollectionRun, error)
}

// Config holds cron specs with a leading seconds field. An empty spec disables the job.
type Config struct {
	QuickCheck string
	Resolve    string
	Score      string
	// Threshold overrides the scoring threshold when positive.
	Threshold int
}

type Scheduler struct {
	cron   *cron.Cron
	jobs   Jobs
	cfg    Config
	logger ectologger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the configured jobs. Overlapping ticks of the same job are skipped.
func New(j Jobs, cfg Config, logger ectologger.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:   j,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	entries := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{name: "quick_check", spec: cfg.QuickCheck, run: s.quickCheck},
		{name: "resolve", spec: cfg.Resolve, run: s.resolve},
		{name: "score", spec: cfg.Score, run: s.score},
	}
	for _, entry := range entries {
		if entry.spec == "" {
			continue
		}
		name, run := entry.name, entry.run
		if _, err := s.cron.AddFunc(entry.spec, func() { s.trigger(name, run) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid %s schedule %q: %w", name, entry.spec, err)
		}
	}
	return s, nil
}

// Entries is the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) GetName() string {
	return "scheduler"
}

func (s *Scheduler) DependsOn() []string {
	return []string{"database", "state"}
}

func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	s.logger.WithFields(map[string]any{
		"quick_check": s.cfg.QuickCheck,
		"resolve":     s.cfg.Resolve,
		"score":       s.cfg.Score,
	}).Info("scheduler started")
	return nil
}

// Stop waits for running jobs until ctx is done, then cancels them.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("cancelling running jobs")
		s.cancel()
		<-done
	}
	s.cancel()
	return nil
}

// trigger runs one job. A run already holding the lock is not an error for the daemon.
func (s *Scheduler) trigger(name string, run func(ctx context.Context) error) {
	logger := s.logger.WithContext(s.ctx).WithField("job", name)
	logger.Info("scheduled job starting")

	err := run(s.ctx)
	switch {
	case err == nil:
		logger.Info("scheduled job finished")
	case errors.Is(err, runledger.ErrLockHeld):
		logger.WithError(err).Info("scheduled job skipped, another run is active")
	case jobs.IsInterrupted(err):
		logger.Warn("scheduled job interrupted")
	default:
		logger.WithError(err).Error("scheduled job failed")
	}
}

// quickCheck compares reported counts and diff-scans the complexes that changed.
func (s *Scheduler) quickCheck(ctx context.Context) error {
	_, err := s.jobs.Harvest(ctx, jobs.HarvestOptions{Mode: jobs.HarvestQuick})
	return err
}

func (s *Scheduler) resolve(ctx context.Context) error {
	_, err := s.jobs.Resolve(ctx, jobs.ResolveOptions{Strategy: resolver.StrategyBoth})
	return err
}

func (s *Scheduler) score(ctx context.Context) error {
	_, _, err := s.jobs.Score(ctx, scoring.Options{Threshold: s.cfg.Threshold})
	return err
}

// cronLogger adapts ectologger to cron.Logger.
type cronLogger struct {
	logger ectologger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []any) map[string]any {
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
