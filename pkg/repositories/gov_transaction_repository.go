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

const govTransactionsTable = "gov_transactions"

var govTransactionStruct = database.NewStruct(new(models.GovernmentTransaction))

type GovTransactionRepository struct {
	*Repository
}

func NewGovTransactionRepository(db database.DB, logger ectologger.Logger) *GovTransactionRepository {
	return &GovTransactionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Insert stores a transaction unless one with the same fingerprint exists.
func (r *GovTransactionRepository) Insert(ctx context.Context, t *models.GovernmentTransaction) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "GovTransactionRepository.Insert")
	defer span.End()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(govTransactionsTable).
		Cols("id", "admin_code", "deal_year", "deal_month", "deal_day", "price", "floor", "area",
			"complex_name", "sub_district_name", "complex_id", "fingerprint", "created_at").
		Values(t.ID, t.AdminCode, t.DealYear, t.DealMonth, t.DealDay, t.Price, t.Floor, t.Area,
			t.ComplexName, t.SubDistrictName, t.ComplexID, t.Fingerprint, sqlbuilder.Raw("NOW()"))
	ib.OnConflictDoNothing("fingerprint")

	query, args := ib.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"admin_code":  t.AdminCode,
			"fingerprint": t.Fingerprint,
		}).Error("failed to insert transaction")
		return false, Internal("failed to insert transaction")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// NameStats aggregates transactions of an admin code by complex name.
func (r *GovTransactionRepository) NameStats(ctx context.Context, adminCode string) ([]models.TransactionNameStat, error) {
	ctx, span := tracing.StartSpan(ctx, "GovTransactionRepository.NameStats")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(
		"complex_name",
		"MAX(sub_district_name) AS sub_district_name",
		"COUNT(*) AS volume",
		"MIN(area) AS min_area",
		"MAX(area) AS max_area",
	).
		From(govTransactionsTable).
		Where(sb.Equal("admin_code", adminCode)).
		GroupBy("complex_name").
		OrderBy("complex_name").Asc()

	query, args := sb.Build()
	var stats []models.TransactionNameStat
	if err := r.Conn(ctx).SelectContext(ctx, &stats, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"admin_code": adminCode,
		}).Error("failed to aggregate transaction names")
		return nil, Internal("failed to aggregate transaction names")
	}
	return stats, nil
}

// MatchNames returns the distinct complex names of transactions matching the sample.
func (r *GovTransactionRepository) MatchNames(ctx context.Context, m models.SampleMatch) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "GovTransactionRepository.MatchNames")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT complex_name").
		From(govTransactionsTable).
		Where(
			sb.Equal("admin_code", m.AdminCode),
			sb.Equal("deal_year", m.Year),
			sb.Equal("deal_month", m.Month),
			sb.Equal("floor", m.Floor),
			sb.Between("price", m.Price-m.Tolerance, m.Price+m.Tolerance),
		)

	query, args := sb.Build()
	var names []string
	if err := r.Conn(ctx).SelectContext(ctx, &names, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"admin_code": m.AdminCode,
		}).Error("failed to match transaction sample")
		return nil, Internal("failed to match transaction sample")
	}
	return names, nil
}

// BackfillComplex links unlinked transactions of (adminCode, name) to the complex.
func (r *GovTransactionRepository) BackfillComplex(ctx context.Context, complexID uuid.UUID, adminCode, name string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "GovTransactionRepository.BackfillComplex")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(govTransactionsTable).
		Set(ub.Assign("complex_id", complexID)).
		Where(
			ub.Equal("admin_code", adminCode),
			ub.Equal("complex_name", name),
			ub.IsNull("complex_id"),
		)

	query, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"complex_id": complexID,
			"admin_code": adminCode,
		}).Error("failed to backfill transactions")
		return 0, Internal("failed to backfill transactions")
	}
	n, _ := res.RowsAffected()

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"complex_id": complexID,
		"linked":     n,
	}).Debugf("Backfilled %s", govTransactionsTable)
	return n, nil
}

// ListResolvedSince returns linked transactions dealt in or after since's month.
func (r *GovTransactionRepository) ListResolvedSince(ctx context.Context, since time.Time) ([]models.GovernmentTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "GovTransactionRepository.ListResolvedSince")
	defer span.End()

	sb := govTransactionStruct.SelectFrom(govTransactionsTable)
	sb.Where(
		sb.IsNotNull("complex_id"),
		sb.GreaterEqualThan("deal_year * 100 + deal_month", since.Year()*100+int(since.Month())),
	)

	query, args := sb.Build()
	var txs []models.GovernmentTransaction
	if err := r.Conn(ctx).SelectContext(ctx, &txs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list resolved transactions")
		return nil, Internal("failed to list resolved transactions")
	}
	return txs, nil
}
