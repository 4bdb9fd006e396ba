package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DetectionTypeKeyword = "keyword"
	DetectionTypePrice   = "price"
)

// BargainDetection records the first time a listing was flagged, once per detection type.
type BargainDetection struct {
	ID            uuid.UUID `db:"id" json:"id"`
	ListingID     uuid.UUID `db:"listing_id" json:"listing_id"`
	ComplexID     uuid.UUID `db:"complex_id" json:"complex_id"`
	DetectionType string    `db:"detection_type" json:"detection_type"`
	Price         int64     `db:"price" json:"price"`
	DetectedAt    time.Time `db:"detected_at" json:"detected_at"`
}
