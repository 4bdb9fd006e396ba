package cells

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/state"
)

var cacheKey = state.Key("cells", "nonempty")

// Cache remembers the cells that returned listings on a previous poll.
type Cache struct {
	store state.Store
	now   func() time.Time
}

type cacheRecord struct {
	Cells map[string]time.Time `json:"cells"`
}

func NewCache(store state.Store) *Cache {
	return &Cache{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Load returns the non-empty cell ids with the time each last held listings.
func (c *Cache) Load(ctx context.Context) (map[string]time.Time, error) {
	var rec cacheRecord
	if _, err := c.store.Get(ctx, cacheKey, &rec); err != nil {
		return nil, err
	}
	if rec.Cells == nil {
		rec.Cells = map[string]time.Time{}
	}
	return rec.Cells, nil
}

// Update records the outcome of polling cells: ids in nonEmpty are marked, ids in empty are
// dropped.
func (c *Cache) Update(ctx context.Context, nonEmpty, empty []string) error {
	cells, err := c.Load(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	for _, id := range nonEmpty {
		cells[id] = now
	}
	for _, id := range empty {
		delete(cells, id)
	}
	return c.store.Set(ctx, cacheKey, cacheRecord{Cells: cells})
}

// Plan picks the cells to poll. Without a refresh, and once the cache knows any non-empty cell,
// only those are polled.
func (c *Cache) Plan(ctx context.Context, grid []Cell, refresh bool) ([]Cell, error) {
	if refresh {
		return grid, nil
	}
	known, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(known) == 0 {
		return grid, nil
	}
	plan := make([]Cell, 0, len(known))
	for _, cell := range grid {
		if _, ok := known[cell.ID]; ok {
			plan = append(plan, cell)
		}
	}
	return plan, nil
}
