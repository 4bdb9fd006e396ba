package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/cells"
	"github.com/Ramsey-B/fern/pkg/harvester"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/source"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// HarvestMode is the harvest flavour chosen on the command line.
type HarvestMode string

const (
	HarvestFull  HarvestMode = "full"
	HarvestDiff  HarvestMode = "diff"
	HarvestQuick HarvestMode = "quick"
	// HarvestTest is a diff scan over a handful of complexes that leaves the checkpoint alone.
	HarvestTest HarvestMode = "test"
)

func ParseHarvestMode(s string) (HarvestMode, error) {
	switch HarvestMode(s) {
	case HarvestFull, HarvestDiff, HarvestQuick, HarvestTest:
		return HarvestMode(s), nil
	default:
		return "", fmt.Errorf("unknown harvest mode %q", s)
	}
}

type HarvestOptions struct {
	Mode   HarvestMode
	Resume bool
	Limit  int
	// Target restricts the harvest to one complex external id.
	Target string
	// Cells polls the geographic grid instead of complex scopes.
	Cells bool
	// Refresh polls every cell, not just the cached non-empty ones.
	Refresh bool
}

func (o HarvestOptions) kind() string {
	if o.Cells {
		return models.RunKindHarvestCells
	}
	switch o.Mode {
	case HarvestFull:
		return models.RunKindHarvestFull
	case HarvestQuick:
		return models.RunKindHarvestQuick
	default:
		return models.RunKindHarvestDiff
	}
}

// scanUnit is one complex to harvest with the count the source reported for it, when known.
type scanUnit struct {
	complex  models.Complex
	reported int
	known    bool
}

// Harvest runs a complex-scope or cell harvest.
func (r *Runner) Harvest(ctx context.Context, opts HarvestOptions) (*models.CollectionRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Jobs.Harvest")
	defer span.End()

	if opts.Cells {
		return r.harvestCells(ctx, opts)
	}

	kind := opts.kind()
	complexes, err := r.workList(ctx, kind, opts)
	if err != nil {
		return nil, err
	}

	if opts.Mode == HarvestQuick {
		return r.withSession(ctx, kind, len(complexes), func(ctx context.Context, run *runledger.Run) error {
			units, err := r.quickCheck(ctx, run, complexes)
			if err != nil {
				return err
			}
			return r.scan(ctx, run, reconcile.ModeDiff, units, false)
		})
	}

	mode := reconcile.ModeDiff
	if opts.Mode == HarvestFull {
		mode = reconcile.ModeFull
	}
	units := make([]scanUnit, len(complexes))
	for i := range complexes {
		units[i] = scanUnit{complex: complexes[i]}
	}
	checkpoint := opts.Mode != HarvestTest && opts.Target == ""
	return r.withSession(ctx, kind, len(units), func(ctx context.Context, run *runledger.Run) error {
		if err := r.scan(ctx, run, mode, units, checkpoint); err != nil {
			return err
		}
		// a bounded run leaves the checkpoint for the next resume
		if checkpoint && opts.Limit <= 0 {
			r.clearCheckpoint(ctx, kind)
		}
		return nil
	})
}

// workList returns the complexes in external id order, after the checkpoint when resuming.
func (r *Runner) workList(ctx context.Context, kind string, opts HarvestOptions) ([]models.Complex, error) {
	if opts.Target != "" {
		c, err := r.deps.Complexes.GetByExternalID(ctx, opts.Target)
		if err != nil {
			return nil, err
		}
		return []models.Complex{*c}, nil
	}

	complexes, err := r.deps.Complexes.List(ctx, repositories.ComplexFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if opts.Mode == HarvestTest && (limit <= 0 || limit > r.cfg.TestLimit) {
		limit = r.cfg.TestLimit
	}
	return r.resumable(ctx, kind, complexes, opts.Resume, limit)
}

// resumable sorts complexes by external id, drops the ones at or before kind's checkpoint when
// resuming, then applies limit.
func (r *Runner) resumable(ctx context.Context, kind string, complexes []models.Complex, resume bool, limit int) ([]models.Complex, error) {
	id := func(c models.Complex) string { return c.ExternalID }
	runledger.SortByID(complexes, id)

	if resume {
		last, err := r.deps.Ledger.Checkpoint(ctx, kind)
		if err != nil {
			return nil, err
		}
		complexes = runledger.FilterAfter(complexes, id, last)
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"kind":       kind,
			"checkpoint": last,
			"remaining":  len(complexes),
		}).Info("resuming from checkpoint")
	}

	if limit > 0 && len(complexes) > limit {
		complexes = complexes[:limit]
	}
	return complexes, nil
}

// saveCheckpoint records externalID as the last unit of kind that finished.
func (r *Runner) saveCheckpoint(ctx context.Context, kind, externalID string) {
	if err := r.deps.Ledger.SaveCheckpoint(ctx, kind, externalID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("failed to save checkpoint")
	}
}

// clearCheckpoint drops kind's checkpoint after a run that covered the whole work list.
func (r *Runner) clearCheckpoint(ctx context.Context, kind string) {
	if err := r.deps.Ledger.ClearCheckpoint(ctx, kind); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("failed to clear checkpoint")
	}
}

// quickCheck fetches the reported listing count of every complex in concurrent rounds and keeps
// the complexes whose count, staleness or collection history calls for a diff scan.
func (r *Runner) quickCheck(ctx context.Context, run *runledger.Run, complexes []models.Complex) ([]scanUnit, error) {
	stored, err := r.deps.Listings.CountActiveByComplex(ctx)
	if err != nil {
		return nil, err
	}

	results := harvester.RunBatch(ctx, r.deps.Batch, complexes, func(ctx context.Context, c models.Complex) (*source.ComplexOverview, error) {
		return r.deps.Source.ComplexOverview(ctx, c.ExternalID)
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := harvester.FatalErr(results); err != nil {
		return nil, err
	}

	now := r.now()
	var units []scanUnit
	reasons := map[string]int{}
	for _, res := range results {
		if res.Err != nil {
			run.Add(ctx, models.RunCounters{Processed: 1, Skipped: 1})
			continue
		}
		c := res.Key
		reported := res.Value.ArticleCount
		reason, promote := reconcile.NeedsScan(&c, reported, stored[c.ID], now, r.cfg.QuickStaleAfter)
		if !promote {
			run.Add(ctx, models.RunCounters{Processed: 1})
			continue
		}
		reasons[reason]++
		units = append(units, scanUnit{complex: c, reported: reported, known: true})
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"checked":  len(complexes),
		"promoted": len(units),
		"reasons":  reasons,
	}).Info("quick check complete")
	return units, nil
}

// scan harvests and reconciles each unit in order. The checkpoint advances after each unit has
// been reconciled.
func (r *Runner) scan(ctx context.Context, run *runledger.Run, mode reconcile.Mode, units []scanUnit, checkpoint bool) error {
	tradeCodes := strings.Join(r.cfg.TradeCodes, ":")
	for i := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		u := &units[i]
		c := &u.complex

		res := r.deps.Harvester.Harvest(ctx, "complex:"+c.ExternalID, func(ctx context.Context, page int) (*source.ListingPage, error) {
			return r.deps.Source.ComplexListings(ctx, c.ExternalID, tradeCodes, page)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if res.Outcome == harvester.OutcomeFailed {
			return res.Err
		}

		reported := len(res.Items)
		if u.known {
			reported = u.reported
		}
		counters, err := r.deps.Reconciler.ReconcileComplex(ctx, mode, c, res, reported)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"complex_id":  c.ID,
				"external_id": c.ExternalID,
			}).Warn("complex reconcile failed")
		}
		counters.Processed++
		if res.Outcome == harvester.OutcomeSkipped {
			counters.Skipped++
		}
		run.Add(ctx, counters)

		if checkpoint {
			r.saveCheckpoint(ctx, run.Kind(), c.ExternalID)
		}
	}
	return nil
}

// harvestCells polls the grid cells the cache marks as holding listings (all of them on a refresh
// or before the first poll) and applies what they return.
func (r *Runner) harvestCells(ctx context.Context, opts HarvestOptions) (*models.CollectionRun, error) {
	grid := cells.Grid(r.cfg.CellArea, r.cfg.CellStep)
	plan, err := r.deps.Cells.Plan(ctx, grid, opts.Refresh)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(plan) > opts.Limit {
		plan = plan[:opts.Limit]
	}

	all, err := r.deps.Complexes.List(ctx, repositories.ComplexFilter{})
	if err != nil {
		return nil, err
	}
	byExternal := make(map[string]uuid.UUID, len(all))
	for _, c := range all {
		byExternal[c.ExternalID] = c.ID
	}
	resolve := func(_ context.Context, complexNo string) (uuid.UUID, bool) {
		id, ok := byExternal[complexNo]
		return id, ok
	}

	return r.withSession(ctx, models.RunKindHarvestCells, len(plan), func(ctx context.Context, run *runledger.Run) error {
		var nonEmpty, empty []string
		defer func() {
			if err := r.deps.Cells.Update(context.WithoutCancel(ctx), nonEmpty, empty); err != nil {
				r.logger.WithContext(ctx).WithError(err).Warn("failed to update cell cache")
			}
		}()

		for _, cell := range plan {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := r.deps.Harvester.Harvest(ctx, "cell:"+cell.ID, func(ctx context.Context, page int) (*source.ListingPage, error) {
				return r.deps.Source.CellListings(ctx, cell.Bounds, page)
			})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if res.Outcome == harvester.OutcomeFailed {
				return res.Err
			}

			switch {
			case len(res.Items) > 0:
				nonEmpty = append(nonEmpty, cell.ID)
			case res.Complete():
				empty = append(empty, cell.ID)
			}

			counters, err := r.deps.Reconciler.ReconcileItems(ctx, res.Items, resolve)
			if err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"cell": cell.ID,
				}).Warn("cell reconcile failed")
			}
			counters.Processed++
			if res.Outcome == harvester.OutcomeSkipped {
				counters.Skipped++
			}
			run.Add(ctx, counters)
		}
		return nil
	})
}
