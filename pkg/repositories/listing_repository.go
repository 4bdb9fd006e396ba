package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const listingsTable = "listings"

var listingStruct = database.NewStruct(new(models.Listing))

// ListingRepository handles database operations for listings
type ListingRepository struct {
	*Repository
}

func NewListingRepository(db database.DB, logger ectologger.Logger) *ListingRepository {
	return &ListingRepository{
		Repository: NewRepository(db, logger),
	}
}

// ListByComplex returns every listing of a complex, removed ones included.
func (r *ListingRepository) ListByComplex(ctx context.Context, complexID uuid.UUID) ([]models.Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "ListingRepository.ListByComplex")
	defer span.End()

	sb := listingStruct.SelectFrom(listingsTable)
	sb.Where(sb.Equal("complex_id", complexID))
	sb.OrderBy("external_id").Asc()

	query, args := sb.Build()
	var listings []models.Listing
	if err := r.Conn(ctx).SelectContext(ctx, &listings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"complex_id": complexID,
		}).Error("failed to list listings by complex")
		return nil, Internal("failed to list listings")
	}
	return listings, nil
}

// ListByExternalIDs returns the stored listings among externalIDs.
func (r *ListingRepository) ListByExternalIDs(ctx context.Context, externalIDs []string) ([]models.Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "ListingRepository.ListByExternalIDs")
	defer span.End()

	if len(externalIDs) == 0 {
		return nil, nil
	}

	sb := listingStruct.SelectFrom(listingsTable)
	sb.Where(sb.In("external_id", stringArgs(externalIDs)...))

	query, args := sb.Build()
	var listings []models.Listing
	if err := r.Conn(ctx).SelectContext(ctx, &listings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"count": len(externalIDs),
		}).Error("failed to list listings by external id")
		return nil, Internal("failed to list listings")
	}
	return listings, nil
}

// Upsert inserts a listing or refreshes it from a new sighting. The first-sighting fields
// (id, initial price, first seen) and the scoring fields are kept on update; a sighting always
// reactivates the listing.
func (r *ListingRepository) Upsert(ctx context.Context, l *models.Listing) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ListingRepository.Upsert")
	defer span.End()

	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.InitialPrice == 0 {
		l.InitialPrice = l.Price()
	}
	factors, err := l.ScoreFactors.Value()
	if err != nil {
		return false, Internal("failed to encode score factors")
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(listingsTable).
		Cols("id", "external_id", "complex_id", "trade_type", "sale_price", "deposit", "monthly_rent",
			"initial_price", "area", "floor_info", "description", "status", "is_bargain", "bargain_keyword",
			"bargain_type", "bargain_score", "score_factors", "content_hash", "first_seen_at", "last_seen_at",
			"removed_at", "created_at", "updated_at").
		Values(l.ID, l.ExternalID, l.ComplexID, l.TradeType, l.SalePrice, l.Deposit, l.MonthlyRent,
			l.InitialPrice, l.Area, l.FloorInfo, l.Description, models.ListingStatusActive, l.IsBargain, l.BargainKeyword,
			l.BargainType, l.BargainScore, factors, l.ContentHash, l.FirstSeenAt, l.LastSeenAt,
			nil, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("external_id")
	ub.Set(
		ub.Assign("complex_id", database.Excluded("complex_id")),
		ub.Assign("trade_type", database.Excluded("trade_type")),
		ub.Assign("sale_price", database.Excluded("sale_price")),
		ub.Assign("deposit", database.Excluded("deposit")),
		ub.Assign("monthly_rent", database.Excluded("monthly_rent")),
		ub.Assign("area", database.Excluded("area")),
		ub.Assign("floor_info", database.Excluded("floor_info")),
		ub.Assign("description", database.Excluded("description")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("is_bargain", database.Excluded("is_bargain")),
		ub.Assign("bargain_keyword", database.Excluded("bargain_keyword")),
		ub.Assign("bargain_type", database.Excluded("bargain_type")),
		ub.Assign("content_hash", database.Excluded("content_hash")),
		ub.Assign("last_seen_at", database.Excluded("last_seen_at")),
		ub.Assign("removed_at", nil),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ib.SQL("RETURNING id, initial_price, first_seen_at, (xmax = 0) AS inserted")

	query, args := ib.Build()
	var inserted bool
	err = r.Conn(ctx).QueryRowxContext(ctx, query, args...).Scan(&l.ID, &l.InitialPrice, &l.FirstSeenAt, &inserted)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_id": l.ExternalID,
		}).Error("failed to upsert listing")
		return false, Internal("failed to upsert listing")
	}
	l.Status = models.ListingStatusActive
	l.RemovedAt = nil
	return inserted, nil
}

// MarkRemoved flips active listings to removed.
func (r *ListingRepository) MarkRemoved(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ListingRepository.MarkRemoved")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	ub := database.NewUpdateBuilder()
	ub.Update(listingsTable).
		Set(
			ub.Assign("status", models.ListingStatusRemoved),
			ub.Assign("removed_at", at),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.In("id", uuidArgs(ids)...),
			ub.Equal("status", models.ListingStatusActive),
		)

	query, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"count": len(ids),
		}).Error("failed to mark listings removed")
		return 0, Internal("failed to mark listings removed")
	}
	n, _ := res.RowsAffected()

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"removed": n,
	}).Debugf("Removed %s", listingsTable)
	return n, nil
}

// ListActiveSales returns every active sale listing, the population scoring runs over.
func (r *ListingRepository) ListActiveSales(ctx context.Context) ([]models.Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "ListingRepository.ListActiveSales")
	defer span.End()

	sb := listingStruct.SelectFrom(listingsTable)
	sb.Where(
		sb.Equal("status", models.ListingStatusActive),
		sb.Equal("trade_type", models.TradeTypeSale),
	)
	sb.OrderBy("external_id").Asc()

	query, args := sb.Build()
	var listings []models.Listing
	if err := r.Conn(ctx).SelectContext(ctx, &listings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list active sales")
		return nil, Internal("failed to list active sales")
	}
	return listings, nil
}

// UpdateScore persists a scoring outcome.
func (r *ListingRepository) UpdateScore(ctx context.Context, l *models.Listing) error {
	ctx, span := tracing.StartSpan(ctx, "ListingRepository.UpdateScore")
	defer span.End()

	factors, err := l.ScoreFactors.Value()
	if err != nil {
		return Internal("failed to encode score factors")
	}

	ub := database.NewUpdateBuilder()
	ub.Update(listingsTable).
		Set(
			ub.Assign("bargain_score", l.BargainScore),
			ub.Assign("score_factors", factors),
			ub.Assign("bargain_type", l.BargainType),
			ub.Assign("is_bargain", l.IsBargain),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", l.ID))

	query, args := ub.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"listing_id": l.ID,
		}).Error("failed to update listing score")
		return Internal("failed to update listing score")
	}
	return nil
}

type complexCount struct {
	ComplexID uuid.UUID `db:"complex_id"`
	Count     int       `db:"count"`
}

// CountActiveByComplex returns the number of active listings per complex.
func (r *ListingRepository) CountActiveByComplex(ctx context.Context) (map[uuid.UUID]int, error) {
	ctx, span := tracing.StartSpan(ctx, "ListingRepository.CountActiveByComplex")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("complex_id", "COUNT(*) AS count").
		From(listingsTable).
		Where(sb.Equal("status", models.ListingStatusActive)).
		GroupBy("complex_id")

	query, args := sb.Build()
	var rows []complexCount
	if err := r.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count active listings")
		return nil, Internal("failed to count active listings")
	}

	counts := make(map[uuid.UUID]int, len(rows))
	for _, row := range rows {
		counts[row.ComplexID] = row.Count
	}
	return counts, nil
}
