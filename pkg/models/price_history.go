package models

import (
	"time"

	"github.com/google/uuid"
)

// Price history origins. A listing's first observed price is its InitialPrice, not an entry.
const (
	PriceOriginHarvested = "harvested"
	PriceOriginScan      = "scan"
)

// PriceHistoryEntry is an append-only price observation.
type PriceHistoryEntry struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ListingID  uuid.UUID `db:"listing_id" json:"listing_id"`
	Price      int64     `db:"price" json:"price"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
	Origin     string    `db:"origin" json:"origin"`
}
