package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const complexesTable = "complexes"

var complexStruct = database.NewStruct(new(models.Complex))

// ComplexFilter narrows List. Zero values do not filter.
type ComplexFilter struct {
	ActiveOnly     bool
	UnresolvedOnly bool
	AdminCode      string
	ExternalIDs    []string
	Limit          int
}

// ComplexRepository handles database operations for complexes
type ComplexRepository struct {
	*Repository
}

func NewComplexRepository(db database.DB, logger ectologger.Logger) *ComplexRepository {
	return &ComplexRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert inserts the complex or refreshes its descriptive fields, reactivating it.
// Resolution and collection fields are left untouched on update.
func (r *ComplexRepository) Upsert(ctx context.Context, c *models.Complex) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.Upsert")
	defer span.End()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(complexesTable).
		Cols("id", "external_id", "name", "property_type", "latitude", "longitude",
			"region_name", "sub_region_name", "sub_district_name", "admin_code", "household_count",
			"is_active", "created_at", "updated_at").
		Values(c.ID, c.ExternalID, c.Name, c.PropertyType, c.Latitude, c.Longitude,
			c.RegionName, c.SubRegionName, c.SubDistrictName, c.AdminCode, c.HouseholdCount,
			true, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("external_id")
	ub.Set(
		ub.Assign("name", database.Excluded("name")),
		ub.Assign("property_type", database.Excluded("property_type")),
		ub.Assign("latitude", database.Excluded("latitude")),
		ub.Assign("longitude", database.Excluded("longitude")),
		ub.Assign("region_name", database.Excluded("region_name")),
		ub.Assign("sub_region_name", database.Excluded("sub_region_name")),
		ub.Assign("sub_district_name", database.Excluded("sub_district_name")),
		ub.Assign("admin_code", database.Excluded("admin_code")),
		ub.Assign("household_count", database.Excluded("household_count")),
		ub.Assign("is_active", true),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ib.SQL("RETURNING id, (xmax = 0) AS inserted")

	query, args := ib.Build()
	var inserted bool
	if err := r.Conn(ctx).QueryRowxContext(ctx, query, args...).Scan(&c.ID, &inserted); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_id": c.ExternalID,
		}).Error("failed to upsert complex")
		return false, Internal("failed to upsert complex")
	}
	c.IsActive = true

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"complex_id":  c.ID,
		"external_id": c.ExternalID,
		"inserted":    inserted,
	}).Debugf("Upserted %s", complexesTable)
	return inserted, nil
}

func (r *ComplexRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Complex, error) {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.GetByID")
	defer span.End()

	sb := complexStruct.SelectFrom(complexesTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var c models.Complex
	err := r.Conn(ctx).GetContext(ctx, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "complex %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"complex_id": id,
		}).Error("failed to get complex")
		return nil, Internal("failed to get complex")
	}
	return &c, nil
}

func (r *ComplexRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Complex, error) {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.GetByExternalID")
	defer span.End()

	sb := complexStruct.SelectFrom(complexesTable)
	sb.Where(sb.Equal("external_id", externalID))

	query, args := sb.Build()
	var c models.Complex
	err := r.Conn(ctx).GetContext(ctx, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "complex %s does not exist", externalID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_id": externalID,
		}).Error("failed to get complex")
		return nil, Internal("failed to get complex")
	}
	return &c, nil
}

// List returns complexes ordered by external id.
func (r *ComplexRepository) List(ctx context.Context, filter ComplexFilter) ([]models.Complex, error) {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.List")
	defer span.End()

	sb := complexStruct.SelectFrom(complexesTable)
	if filter.ActiveOnly {
		sb.Where(sb.Equal("is_active", true))
	}
	if filter.UnresolvedOnly {
		sb.Where(sb.IsNull("resolved_name"))
	}
	if filter.AdminCode != "" {
		sb.Where(sb.Equal("admin_code", filter.AdminCode))
	}
	if len(filter.ExternalIDs) > 0 {
		sb.Where(sb.In("external_id", stringArgs(filter.ExternalIDs)...))
	}
	sb.OrderBy("external_id").Asc()
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}

	query, args := sb.Build()
	var complexes []models.Complex
	if err := r.Conn(ctx).SelectContext(ctx, &complexes, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list complexes")
		return nil, Internal("failed to list complexes")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"count": len(complexes),
	}).Debugf("Listed %s", complexesTable)
	return complexes, nil
}

// AdminCodes returns the distinct admin codes of active complexes.
func (r *ComplexRepository) AdminCodes(ctx context.Context) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.AdminCodes")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT admin_code").
		From(complexesTable).
		Where(sb.Equal("is_active", true), sb.NotEqual("admin_code", "")).
		OrderBy("admin_code")

	query, args := sb.Build()
	var codes []string
	if err := r.Conn(ctx).SelectContext(ctx, &codes, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list admin codes")
		return nil, Internal("failed to list admin codes")
	}
	return codes, nil
}

// MarkCollected records a completed collection: the reported count rolls into the previous count.
func (r *ComplexRepository) MarkCollected(ctx context.Context, id uuid.UUID, reportedCount int, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.MarkCollected")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(complexesTable).
		Set(
			ub.Assign("previous_reported_count", sqlbuilder.Raw("reported_count")),
			ub.Assign("reported_count", reportedCount),
			ub.Assign("last_collected_at", at),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"complex_id": id,
		}).Error("failed to mark complex collected")
		return Internal("failed to mark complex collected")
	}
	return nil
}

// SetResolved caches the transaction-side name on the complex.
func (r *ComplexRepository) SetResolved(ctx context.Context, id uuid.UUID, name, method string) error {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.SetResolved")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(complexesTable).
		Set(
			ub.Assign("resolved_name", name),
			ub.Assign("resolve_method", method),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"complex_id": id,
		}).Error("failed to set resolved name")
		return Internal("failed to set resolved name")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound("complex %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"complex_id":    id,
		"resolved_name": name,
		"method":        method,
	}).Debugf("Resolved %s", complexesTable)
	return nil
}

// DeactivateMissing deactivates active complexes of a sub-district whose external ids are not in keep.
func (r *ComplexRepository) DeactivateMissing(ctx context.Context, adminCode, subDistrictName string, keep []string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ComplexRepository.DeactivateMissing")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(complexesTable).
		Set(
			ub.Assign("is_active", false),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("admin_code", adminCode),
			ub.Equal("sub_district_name", subDistrictName),
			ub.Equal("is_active", true),
		)
	if len(keep) > 0 {
		ub.Where(ub.NotIn("external_id", stringArgs(keep)...))
	}

	query, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"admin_code":   adminCode,
			"sub_district": subDistrictName,
		}).Error("failed to deactivate complexes")
		return 0, Internal("failed to deactivate complexes")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
