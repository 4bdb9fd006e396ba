package reconcile

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Quick check reasons.
const (
	ReasonNeverCollected = "never_collected"
	ReasonCountMismatch  = "count_mismatch"
	ReasonStale          = "stale"
)

// Promotion is a complex the quick check sends to a diff scan.
type Promotion struct {
	Complex  models.Complex
	Reported int
	Stored   int
	Reason   string
}

// NeedsScan compares the source's reported listing count against the stored active count and the
// staleness window. It returns the reason when the complex should be diff scanned.
func NeedsScan(c *models.Complex, reported, stored int, now time.Time, staleAfter time.Duration) (string, bool) {
	switch {
	case c.LastCollectedAt == nil:
		return ReasonNeverCollected, true
	case reported != stored:
		return ReasonCountMismatch, true
	case c.Stale(now, staleAfter):
		return ReasonStale, true
	default:
		return "", false
	}
}
