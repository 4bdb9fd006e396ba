// Package jobs runs fern's batch jobs under the run ledger: harvests, discovery, government data
// loads, resolution and scoring.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/cells"
	"github.com/Ramsey-B/fern/pkg/harvester"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/source"
)

// Source is the listing source as the harvest jobs use it.
type Source interface {
	ComplexListings(ctx context.Context, complexNo, tradeCode string, page int) (*source.ListingPage, error)
	CellListings(ctx context.Context, bounds source.Bounds, page int) (*source.ListingPage, error)
	ComplexOverview(ctx context.Context, complexNo string) (*source.ComplexOverview, error)
}

type ComplexStore interface {
	List(ctx context.Context, filter repositories.ComplexFilter) ([]models.Complex, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Complex, error)
	AdminCodes(ctx context.Context) ([]string, error)
}

type ListingCounter interface {
	CountActiveByComplex(ctx context.Context) (map[uuid.UUID]int, error)
}

type Reconciler interface {
	ReconcileComplex(ctx context.Context, mode reconcile.Mode, c *models.Complex, res harvester.Result, reported int) (models.RunCounters, error)
	ReconcileItems(ctx context.Context, items []source.Listing, resolve func(ctx context.Context, complexNo string) (uuid.UUID, bool)) (models.RunCounters, error)
}

type Resolver interface {
	Resolve(ctx context.Context, c *models.Complex, strategy resolver.Strategy) (resolver.Outcome, error)
}

type Scorer interface {
	Run(ctx context.Context, opts scoring.Options) (*scoring.Report, error)
}

type Discoverer interface {
	Run(ctx context.Context, progress runledger.Progress) (models.RunCounters, error)
}

// SessionOpener establishes the listing source session before a job talks to the source.
type SessionOpener interface {
	Open(ctx context.Context) error
}

type Loader interface {
	Load(ctx context.Context, adminCodes []string, from, to string, progress runledger.Progress) (models.RunCounters, error)
}

// Deps wires the runner. Jobs only touch the dependencies they need.
type Deps struct {
	Ledger     *runledger.Ledger
	Sessions   SessionOpener
	Source     Source
	Complexes  ComplexStore
	Listings   ListingCounter
	Harvester  *harvester.Harvester
	Batch      *harvester.BatchHarvester
	Reconciler Reconciler
	Cells      *cells.Cache
	Resolver   Resolver
	Scorer     Scorer
	Discoverer Discoverer
	Loader     Loader
}

type Config struct {
	// TradeCodes are the source trade types harvested per complex.
	TradeCodes []string
	// QuickStaleAfter promotes complexes not collected within the window.
	QuickStaleAfter time.Duration
	// TestLimit bounds the scope of a test harvest.
	TestLimit int
	CellArea  source.Bounds
	CellStep  float64
}

type Runner struct {
	deps   Deps
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewRunner(deps Deps, cfg Config, logger ectologger.Logger) *Runner {
	if len(cfg.TradeCodes) == 0 {
		cfg.TradeCodes = []string{source.TradeCodeSale, source.TradeCodeLease, source.TradeCodeRent}
	}
	if cfg.TestLimit <= 0 {
		cfg.TestLimit = 3
	}
	if cfg.QuickStaleAfter <= 0 {
		cfg.QuickStaleAfter = 72 * time.Hour
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// within starts a ledger run of kind and finishes it from fn's outcome. Finishing writes survive
// cancellation of ctx.
func (r *Runner) within(ctx context.Context, kind string, scope int, fn func(ctx context.Context, run *runledger.Run) error) (*models.CollectionRun, error) {
	run, err := r.deps.Ledger.Start(ctx, kind, scope)
	if err != nil {
		return nil, err
	}

	err = fn(ctx, run)
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		model, finishErr := run.Fail(finishCtx, err)
		if finishErr != nil {
			r.logger.WithContext(ctx).WithError(finishErr).Error("failed to record failed run")
		}
		return model, err
	}
	return run.Complete(finishCtx)
}

// withSession is within for jobs that talk to the listing source. The run fails when no source
// session can be established.
func (r *Runner) withSession(ctx context.Context, kind string, scope int, fn func(ctx context.Context, run *runledger.Run) error) (*models.CollectionRun, error) {
	return r.within(ctx, kind, scope, func(ctx context.Context, run *runledger.Run) error {
		if r.deps.Sessions != nil {
			if err := r.deps.Sessions.Open(ctx); err != nil {
				return fmt.Errorf("open source session: %w", err)
			}
		}
		return fn(ctx, run)
	})
}

// IsInterrupted reports whether err comes from a stopped process rather than a failure.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
