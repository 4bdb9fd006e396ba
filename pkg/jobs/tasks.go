package jobs

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/harvester"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Discover walks the region hierarchy and refreshes the complex table.
func (r *Runner) Discover(ctx context.Context) (*models.CollectionRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Jobs.Discover")
	defer span.End()

	return r.withSession(ctx, models.RunKindDiscover, 0, func(ctx context.Context, run *runledger.Run) error {
		_, err := r.deps.Discoverer.Run(ctx, run)
		return err
	})
}

// LoadTransactions loads government transactions for [from, to] (YYYYMM). Without explicit codes
// it loads every admin code that has an active complex.
func (r *Runner) LoadTransactions(ctx context.Context, adminCodes []string, from, to string) (*models.CollectionRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Jobs.LoadTransactions")
	defer span.End()

	if len(adminCodes) == 0 {
		codes, err := r.deps.Complexes.AdminCodes(ctx)
		if err != nil {
			return nil, err
		}
		adminCodes = codes
	}
	return r.within(ctx, models.RunKindGovLoad, len(adminCodes), func(ctx context.Context, run *runledger.Run) error {
		_, err := r.deps.Loader.Load(ctx, adminCodes, from, to, run)
		return err
	})
}

type ResolveOptions struct {
	Strategy resolver.Strategy
	Limit    int
	Target   string
	// All re-resolves complexes that already carry a resolved name.
	All bool
	// Resume continues after the last complex the previous resolve run finished.
	Resume bool
}

// Resolve links unresolved active complexes to their government transaction names, in external
// id order with a checkpoint after each complex. Store errors on one complex are counted and the
// run continues.
func (r *Runner) Resolve(ctx context.Context, opts ResolveOptions) (*models.CollectionRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Jobs.Resolve")
	defer span.End()

	var complexes []models.Complex
	if opts.Target != "" {
		c, err := r.deps.Complexes.GetByExternalID(ctx, opts.Target)
		if err != nil {
			return nil, err
		}
		complexes = []models.Complex{*c}
	} else {
		all, err := r.deps.Complexes.List(ctx, repositories.ComplexFilter{
			ActiveOnly:     true,
			UnresolvedOnly: !opts.All,
		})
		if err != nil {
			return nil, err
		}
		if complexes, err = r.resumable(ctx, models.RunKindResolve, all, opts.Resume, opts.Limit); err != nil {
			return nil, err
		}
	}

	checkpoint := opts.Target == ""
	// the cascade never calls the source
	start := r.withSession
	if opts.Strategy == resolver.StrategyCascade {
		start = r.within
	}
	return start(ctx, models.RunKindResolve, len(complexes), func(ctx context.Context, run *runledger.Run) error {
		for i := range complexes {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := &complexes[i]
			delta := models.RunCounters{Processed: 1}
			out, err := r.deps.Resolver.Resolve(ctx, c, opts.Strategy)
			switch {
			case harvester.Fatal(err):
				return err
			case err != nil:
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"complex_id": c.ID,
				}).Warn("resolve failed")
				delta.Errors++
			case out.Resolved:
				delta.Resolved++
			default:
				delta.Unresolved++
			}
			run.Add(ctx, delta)
			if checkpoint {
				r.saveCheckpoint(ctx, models.RunKindResolve, c.ExternalID)
			}
		}
		if checkpoint && opts.Limit <= 0 {
			r.clearCheckpoint(ctx, models.RunKindResolve)
		}
		return nil
	})
}

// Score rescores active sale listings. A dry run reports the distribution without taking the
// run lock or writing anything.
func (r *Runner) Score(ctx context.Context, opts scoring.Options) (*scoring.Report, *models.CollectionRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Jobs.Score")
	defer span.End()

	if opts.DryRun {
		report, err := r.deps.Scorer.Run(ctx, opts)
		return report, nil, err
	}

	var report *scoring.Report
	run, err := r.within(ctx, models.RunKindScore, 0, func(ctx context.Context, run *runledger.Run) error {
		var err error
		if report, err = r.deps.Scorer.Run(ctx, opts); err != nil {
			return err
		}
		run.Add(ctx, models.RunCounters{
			Processed: report.Scored,
			Found:     report.Scored,
			Bargains:  report.NewDetections,
		})
		return nil
	})
	return report, run, err
}
