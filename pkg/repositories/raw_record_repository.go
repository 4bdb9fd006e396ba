package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const rawRecordsTable = "raw_records"

type RawRecordRepository struct {
	*Repository
}

func NewRawRecordRepository(db database.DB, logger ectologger.Logger) *RawRecordRepository {
	return &RawRecordRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert keeps the latest payload per (kind, external id).
func (r *RawRecordRepository) Upsert(ctx context.Context, rec *models.RawRecord) error {
	ctx, span := tracing.StartSpan(ctx, "RawRecordRepository.Upsert")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(rawRecordsTable).
		Cols("kind", "external_id", "payload", "fingerprint", "fetched_at").
		Values(rec.Kind, rec.ExternalID, rec.Payload, rec.Fingerprint, rec.FetchedAt)
	ub := ib.OnConflict("kind", "external_id")
	ub.Set(
		ub.Assign("payload", database.Excluded("payload")),
		ub.Assign("fingerprint", database.Excluded("fingerprint")),
		ub.Assign("fetched_at", database.Excluded("fetched_at")),
	)

	query, args := ib.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"kind":        rec.Kind,
			"external_id": rec.ExternalID,
		}).Error("failed to upsert raw record")
		return Internal("failed to upsert raw record")
	}
	return nil
}
