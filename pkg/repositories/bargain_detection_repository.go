package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const bargainDetectionsTable = "bargain_detections"

type BargainDetectionRepository struct {
	*Repository
}

func NewBargainDetectionRepository(db database.DB, logger ectologger.Logger) *BargainDetectionRepository {
	return &BargainDetectionRepository{
		Repository: NewRepository(db, logger),
	}
}

// InsertIfAbsent records the detection unless the listing already has one of the same type.
// It reports whether a row was written.
func (r *BargainDetectionRepository) InsertIfAbsent(ctx context.Context, d *models.BargainDetection) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "BargainDetectionRepository.InsertIfAbsent")
	defer span.End()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(bargainDetectionsTable).
		Cols("id", "listing_id", "complex_id", "detection_type", "price", "detected_at").
		Values(d.ID, d.ListingID, d.ComplexID, d.DetectionType, d.Price, d.DetectedAt)
	ib.OnConflictDoNothing("listing_id", "detection_type")

	query, args := ib.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"listing_id":     d.ListingID,
			"detection_type": d.DetectionType,
		}).Error("failed to insert bargain detection")
		return false, Internal("failed to insert bargain detection")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
