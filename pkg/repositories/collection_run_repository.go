package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const collectionRunsTable = "collection_runs"

var collectionRunStruct = database.NewStruct(new(models.CollectionRun))

// CollectionRunRepository handles database operations for collection runs
type CollectionRunRepository struct {
	*Repository
}

func NewCollectionRunRepository(db database.DB, logger ectologger.Logger) *CollectionRunRepository {
	return &CollectionRunRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new collection run
func (r *CollectionRunRepository) Create(ctx context.Context, run *models.CollectionRun) error {
	ctx, span := tracing.StartSpan(ctx, "CollectionRunRepository.Create")
	defer span.End()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(collectionRunsTable).
		Cols("id", "kind", "status", "scope_size", "counters", "error_message", "started_at", "finished_at").
		Values(run.ID, run.Kind, run.Status, run.ScopeSize, run.Counters, run.ErrorMessage, run.StartedAt, run.FinishedAt)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": run.ID,
			"kind":   run.Kind,
		}).Error("failed to create run")
		return Internal("failed to create run")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": run.ID,
	}).Debugf("Created %s", collectionRunsTable)
	return nil
}

// UpdateProgress persists the running counters.
func (r *CollectionRunRepository) UpdateProgress(ctx context.Context, id uuid.UUID, counters models.RunCounters) error {
	ctx, span := tracing.StartSpan(ctx, "CollectionRunRepository.UpdateProgress")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(collectionRunsTable).
		Set(ub.Assign("counters", database.NewJSONB(counters))).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to update run progress")
		return Internal("failed to update run progress")
	}
	return nil
}

// Finish records the final status, counters and error message.
func (r *CollectionRunRepository) Finish(ctx context.Context, run *models.CollectionRun) error {
	ctx, span := tracing.StartSpan(ctx, "CollectionRunRepository.Finish")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(collectionRunsTable).
		Set(
			ub.Assign("status", run.Status),
			ub.Assign("counters", run.Counters),
			ub.Assign("error_message", run.ErrorMessage),
			ub.Assign("finished_at", run.FinishedAt),
		).
		Where(ub.Equal("id", run.ID))

	query, args := ub.Build()
	res, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": run.ID,
		}).Error("failed to finish run")
		return Internal("failed to finish run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("run %s does not exist", run.ID)
	}
	return nil
}

func (r *CollectionRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CollectionRun, error) {
	ctx, span := tracing.StartSpan(ctx, "CollectionRunRepository.GetByID")
	defer span.End()

	sb := collectionRunStruct.SelectFrom(collectionRunsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var run models.CollectionRun
	err := r.DB().GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "run %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get run")
		return nil, Internal("failed to get run")
	}
	return &run, nil
}

// ListRecent returns the latest runs, newest first; an empty kind lists every kind.
func (r *CollectionRunRepository) ListRecent(ctx context.Context, kind string, limit int) ([]models.CollectionRun, error) {
	ctx, span := tracing.StartSpan(ctx, "CollectionRunRepository.ListRecent")
	defer span.End()

	sb := collectionRunStruct.SelectFrom(collectionRunsTable)
	if kind != "" {
		sb.Where(sb.Equal("kind", kind))
	}
	sb.OrderBy("started_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var runs []models.CollectionRun
	if err := r.DB().SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"kind": kind,
		}).Error("failed to list runs")
		return nil, Internal("failed to list runs")
	}
	return runs, nil
}
