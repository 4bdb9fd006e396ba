package models

import (
	"time"

	"github.com/google/uuid"
)

// GovernmentTransaction is a recorded closed sale from the government dataset.
type GovernmentTransaction struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	AdminCode       string     `db:"admin_code" json:"admin_code"`
	DealYear        int        `db:"deal_year" json:"deal_year"`
	DealMonth       int        `db:"deal_month" json:"deal_month"`
	DealDay         int        `db:"deal_day" json:"deal_day"`
	Price           int64      `db:"price" json:"price"`
	Floor           int        `db:"floor" json:"floor"`
	Area            float64    `db:"area" json:"area"`
	ComplexName     string     `db:"complex_name" json:"complex_name"`
	SubDistrictName string     `db:"sub_district_name" json:"sub_district_name"`
	ComplexID       *uuid.UUID `db:"complex_id" json:"complex_id,omitempty"`
	Fingerprint     string     `db:"fingerprint" json:"fingerprint"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// DealDate is the transaction date at midnight UTC.
func (t *GovernmentTransaction) DealDate() time.Time {
	day := t.DealDay
	if day == 0 {
		day = 1
	}
	return time.Date(t.DealYear, time.Month(t.DealMonth), day, 0, 0, 0, 0, time.UTC)
}

// TransactionNameStat aggregates government transactions sharing a complex name within one admin code.
type TransactionNameStat struct {
	ComplexName     string  `db:"complex_name" json:"complex_name"`
	SubDistrictName string  `db:"sub_district_name" json:"sub_district_name"`
	Volume          int     `db:"volume" json:"volume"`
	MinArea         float64 `db:"min_area" json:"min_area"`
	MaxArea         float64 `db:"max_area" json:"max_area"`
}

// SampleMatch looks up government transactions matching one source-side transaction sample:
// same admin code, deal year and month, floor, and price within tolerance.
type SampleMatch struct {
	AdminCode string
	Year      int
	Month     int
	Floor     int
	Price     int64
	Tolerance int64
}
