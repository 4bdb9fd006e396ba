package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const priceHistoryTable = "price_history"

var priceHistoryStruct = database.NewStruct(new(models.PriceHistoryEntry))

type PriceHistoryRepository struct {
	*Repository
}

func NewPriceHistoryRepository(db database.DB, logger ectologger.Logger) *PriceHistoryRepository {
	return &PriceHistoryRepository{
		Repository: NewRepository(db, logger),
	}
}

// Append records a price observation.
func (r *PriceHistoryRepository) Append(ctx context.Context, entry *models.PriceHistoryEntry) error {
	ctx, span := tracing.StartSpan(ctx, "PriceHistoryRepository.Append")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(priceHistoryTable).
		Cols("id", "listing_id", "price", "recorded_at", "origin").
		Values(entry.ID, entry.ListingID, entry.Price, entry.RecordedAt, entry.Origin)

	query, args := ib.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"listing_id": entry.ListingID,
		}).Error("failed to append price history")
		return Internal("failed to append price history")
	}
	return nil
}

// ListForActiveSales returns the price history of every active sale listing, grouped by listing
// and ordered by time.
func (r *PriceHistoryRepository) ListForActiveSales(ctx context.Context) (map[uuid.UUID][]models.PriceHistoryEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "PriceHistoryRepository.ListForActiveSales")
	defer span.End()

	sb := priceHistoryStruct.SelectFrom(priceHistoryTable)
	active := database.NewSelectBuilder()
	active.Select("id").From(listingsTable).Where(
		active.Equal("status", models.ListingStatusActive),
		active.Equal("trade_type", models.TradeTypeSale),
	)
	sb.Where(sb.In("listing_id", active.SelectBuilder))
	sb.OrderBy("listing_id", "recorded_at").Asc()

	query, args := sb.Build()
	var entries []models.PriceHistoryEntry
	if err := r.Conn(ctx).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list price history")
		return nil, Internal("failed to list price history")
	}

	byListing := make(map[uuid.UUID][]models.PriceHistoryEntry)
	for _, e := range entries {
		byListing[e.ListingID] = append(byListing[e.ListingID], e)
	}
	return byListing, nil
}
