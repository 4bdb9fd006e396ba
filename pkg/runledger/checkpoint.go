package runledger

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/Ramsey-B/fern/pkg/state"
)

// Checkpoint is the last fully processed external id for a run kind.
type Checkpoint struct {
	Kind      string    `json:"kind"`
	LastID    string    `json:"last_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

func checkpointKey(kind string) string {
	return state.Key("checkpoint", kind)
}

// Checkpoint returns the stored id for kind, or "" when there is none.
func (l *Ledger) Checkpoint(ctx context.Context, kind string) (string, error) {
	var cp Checkpoint
	found, err := l.store.Get(ctx, checkpointKey(kind), &cp)
	if err != nil || !found {
		return "", err
	}
	return cp.LastID, nil
}

// SaveCheckpoint overwrites the checkpoint. Call it only after a work unit has fully completed.
func (l *Ledger) SaveCheckpoint(ctx context.Context, kind, lastID string) error {
	return l.store.Set(ctx, checkpointKey(kind), Checkpoint{Kind: kind, LastID: lastID, UpdatedAt: l.now()})
}

func (l *Ledger) ClearCheckpoint(ctx context.Context, kind string) error {
	return l.store.Delete(ctx, checkpointKey(kind))
}

// CompareIDs orders external ids numerically when both parse as integers and lexically otherwise.
func CompareIDs(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SortByID orders items by their external id.
func SortByID[T any](items []T, id func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return CompareIDs(id(items[i]), id(items[j])) < 0
	})
}

// FilterAfter keeps the items whose id is strictly greater than checkpoint.
func FilterAfter[T any](items []T, id func(T) string, checkpoint string) []T {
	if checkpoint == "" {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if CompareIDs(id(item), checkpoint) > 0 {
			out = append(out, item)
		}
	}
	return out
}
