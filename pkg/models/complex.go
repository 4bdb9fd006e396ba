package models

import (
	"time"

	"github.com/google/uuid"
)

// Resolve methods recorded on a complex once its transaction-side name is known.
const (
	ResolveMethodExact         = "exact"
	ResolveMethodContainment   = "containment"
	ResolveMethodPhaseStripped = "phase_stripped"
	ResolveMethodSubDistrict   = "sub_district"
	ResolveMethodAreaOverlap   = "area_overlap"
	ResolveMethodTokenJaccard  = "token_jaccard"
	ResolveMethodFingerprint   = "fingerprint"
)

// Complex is a named multi-unit residential development. Complexes are deactivated, never deleted.
type Complex struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	ExternalID            string     `db:"external_id" json:"external_id"`
	Name                  string     `db:"name" json:"name"`
	PropertyType          string     `db:"property_type" json:"property_type"`
	Latitude              float64    `db:"latitude" json:"latitude"`
	Longitude             float64    `db:"longitude" json:"longitude"`
	RegionName            string     `db:"region_name" json:"region_name"`
	SubRegionName         string     `db:"sub_region_name" json:"sub_region_name"`
	SubDistrictName       string     `db:"sub_district_name" json:"sub_district_name"`
	AdminCode             string     `db:"admin_code" json:"admin_code"`
	HouseholdCount        int        `db:"household_count" json:"household_count"`
	ResolvedName          *string    `db:"resolved_name" json:"resolved_name,omitempty"`
	ResolveMethod         *string    `db:"resolve_method" json:"resolve_method,omitempty"`
	IsActive              bool       `db:"is_active" json:"is_active"`
	LastCollectedAt       *time.Time `db:"last_collected_at" json:"last_collected_at,omitempty"`
	ReportedCount         int        `db:"reported_count" json:"reported_count"`
	PreviousReportedCount int        `db:"previous_reported_count" json:"previous_reported_count"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// IsResolved reports whether the complex already carries a transaction-side name.
func (c *Complex) IsResolved() bool {
	return c.ResolvedName != nil && *c.ResolvedName != ""
}

// Stale reports whether the complex has not been collected within window.
func (c *Complex) Stale(now time.Time, window time.Duration) bool {
	return c.LastCollectedAt == nil || now.Sub(*c.LastCollectedAt) > window
}
