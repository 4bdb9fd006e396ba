package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

const (
	RunKindHarvestFull  = "harvest_full"
	RunKindHarvestDiff  = "harvest_diff"
	RunKindHarvestQuick = "harvest_quick"
	RunKindHarvestCells = "harvest_cells"
	RunKindDiscover     = "discover"
	RunKindGovLoad      = "gov_load"
	RunKindResolve      = "resolve"
	RunKindScore        = "score"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)

// CollectionRun is the ledger entry for one harvest, resolve or scoring run.
type CollectionRun struct {
	ID           uuid.UUID                   `db:"id" json:"id"`
	Kind         string                      `db:"kind" json:"kind"`
	Status       string                      `db:"status" json:"status"`
	ScopeSize    int                         `db:"scope_size" json:"scope_size"`
	Counters     database.JSONB[RunCounters] `db:"counters" json:"counters"`
	ErrorMessage *string                     `db:"error_message" json:"error_message,omitempty"`
	StartedAt    time.Time                   `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time                  `db:"finished_at" json:"finished_at,omitempty"`
}

// RunCounters are the cumulative outcome counts of a run.
type RunCounters struct {
	Processed    int `json:"processed"`
	Found        int `json:"found"`
	New          int `json:"new"`
	Updated      int `json:"updated"`
	Removed      int `json:"removed"`
	PriceChanged int `json:"price_changed"`
	Bargains     int `json:"bargains"`
	Errors       int `json:"errors"`
	Skipped      int `json:"skipped"`
	Truncated    int `json:"truncated"`
	Resolved     int `json:"resolved"`
	Unresolved   int `json:"unresolved"`
}

// Add accumulates other into c.
func (c *RunCounters) Add(other RunCounters) {
	c.Processed += other.Processed
	c.Found += other.Found
	c.New += other.New
	c.Updated += other.Updated
	c.Removed += other.Removed
	c.PriceChanged += other.PriceChanged
	c.Bargains += other.Bargains
	c.Errors += other.Errors
	c.Skipped += other.Skipped
	c.Truncated += other.Truncated
	c.Resolved += other.Resolved
	c.Unresolved += other.Unresolved
}

// Map flattens the counters for event payloads.
func (c RunCounters) Map() map[string]int {
	return map[string]int{
		"processed":     c.Processed,
		"found":         c.Found,
		"new":           c.New,
		"updated":       c.Updated,
		"removed":       c.Removed,
		"price_changed": c.PriceChanged,
		"bargains":      c.Bargains,
		"errors":        c.Errors,
		"skipped":       c.Skipped,
		"truncated":     c.Truncated,
		"resolved":      c.Resolved,
		"unresolved":    c.Unresolved,
	}
}
