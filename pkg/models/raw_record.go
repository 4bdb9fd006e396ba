package models

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

const (
	RawKindListing = "listing"
	RawKindComplex = "complex"
)

// RawRecord keeps the source payload behind a typed entity.
type RawRecord struct {
	Kind        string                          `db:"kind" json:"kind"`
	ExternalID  string                          `db:"external_id" json:"external_id"`
	Payload     database.JSONB[json.RawMessage] `db:"payload" json:"payload"`
	Fingerprint string                          `db:"fingerprint" json:"fingerprint"`
	FetchedAt   time.Time                       `db:"fetched_at" json:"fetched_at"`
}
