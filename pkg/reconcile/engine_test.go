package reconcile

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/harvester"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/source"
)

type memStore struct {
	listings   map[string]*models.Listing
	history    []models.PriceHistoryEntry
	detections map[string]models.BargainDetection
	collected  map[uuid.UUID]int
	raw        map[string]models.RawRecord
	failUpsert map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		listings:   map[string]*models.Listing{},
		detections: map[string]models.BargainDetection{},
		collected:  map[uuid.UUID]int{},
		raw:        map[string]models.RawRecord{},
		failUpsert: map[string]bool{},
	}
}

func (m *memStore) ListByComplex(_ context.Context, complexID uuid.UUID) ([]models.Listing, error) {
	var out []models.Listing
	for _, l := range m.listings {
		if l.ComplexID == complexID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (m *memStore) ListByExternalIDs(_ context.Context, ids []string) ([]models.Listing, error) {
	var out []models.Listing
	for _, id := range ids {
		if l, ok := m.listings[id]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memStore) Upsert(_ context.Context, l *models.Listing) (bool, error) {
	if m.failUpsert[l.ExternalID] {
		return false, errors.New("connection reset")
	}
	if cur, ok := m.listings[l.ExternalID]; ok {
		l.ID = cur.ID
		l.InitialPrice = cur.InitialPrice
		l.FirstSeenAt = cur.FirstSeenAt
		l.Status = models.ListingStatusActive
		l.RemovedAt = nil
		copied := *l
		m.listings[l.ExternalID] = &copied
		return false, nil
	}
	l.ID = uuid.New()
	if l.InitialPrice == 0 {
		l.InitialPrice = l.Price()
	}
	l.Status = models.ListingStatusActive
	copied := *l
	m.listings[l.ExternalID] = &copied
	return true, nil
}

func (m *memStore) MarkRemoved(_ context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	var n int64
	for _, l := range m.listings {
		for _, id := range ids {
			if l.ID == id && l.IsActive() {
				l.Status = models.ListingStatusRemoved
				removedAt := at
				l.RemovedAt = &removedAt
				n++
			}
		}
	}
	return n, nil
}

func (m *memStore) MarkCollected(_ context.Context, id uuid.UUID, reported int, _ time.Time) error {
	m.collected[id] = reported
	return nil
}

func (m *memStore) Append(_ context.Context, e *models.PriceHistoryEntry) error {
	m.history = append(m.history, *e)
	return nil
}

func (m *memStore) InsertIfAbsent(_ context.Context, d *models.BargainDetection) (bool, error) {
	key := d.ListingID.String() + "/" + d.DetectionType
	if _, ok := m.detections[key]; ok {
		return false, nil
	}
	m.detections[key] = *d
	return true, nil
}

func (m *memStore) UpsertRaw(rec *models.RawRecord) {
	m.raw[rec.ExternalID] = *rec
}

type rawAdapter struct{ m *memStore }

func (r rawAdapter) Upsert(_ context.Context, rec *models.RawRecord) error {
	r.m.UpsertRaw(rec)
	return nil
}

func newTestEngine(m *memStore) *Engine {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return New(Stores{
		Listings:   m,
		Complexes:  m,
		History:    m,
		Detections: m,
		Raw:        rawAdapter{m},
	}, nil, nil, logger)
}

func item(id, price, desc string) source.Listing {
	return source.Listing{
		ArticleNo:     id,
		TradeTypeCode: source.TradeCodeSale,
		PriceText:     price,
		Area:          84,
		Description:   desc,
		Raw:           []byte(`{"articleNo":"` + id + `","dealOrWarrantPrc":"` + price + `","articleFeatureDesc":"` + desc + `"}`),
	}
}

func complete(items ...source.Listing) harvester.Result {
	return harvester.Result{Items: items, Outcome: harvester.OutcomeOK, Pages: 1}
}

func TestEngine_RemovesListingsMissingFromCompleteScan(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	c := &models.Complex{ID: uuid.New()}
	ctx := context.Background()

	_, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", ""), item("B", "8억", ""), item("C", "7억", "")), 3)
	require.NoError(t, err)

	counts, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", ""), item("C", "7억", "")), 2)
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Removed)
	assert.Equal(t, 2, counts.Found)
	assert.Equal(t, models.ListingStatusRemoved, m.listings["B"].Status)
	assert.NotNil(t, m.listings["B"].RemovedAt)
	assert.Equal(t, models.ListingStatusActive, m.listings["A"].Status)
	assert.Equal(t, 2, m.collected[c.ID])
}

func TestEngine_IsIdempotent(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	c := &models.Complex{ID: uuid.New()}
	ctx := context.Background()
	res := complete(item("A", "9억", "급매"), item("B", "8억 5,000", ""))

	first, err := e.ReconcileComplex(ctx, ModeDiff, c, res, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, first.New)
	assert.Equal(t, 1, first.Bargains)

	snapshot := map[string]models.Listing{}
	for k, v := range m.listings {
		snapshot[k] = *v
	}
	historyLen := len(m.history)

	second, err := e.ReconcileComplex(ctx, ModeDiff, c, res, 2)
	require.NoError(t, err)
	assert.Equal(t, models.RunCounters{Found: 2}, second)
	assert.Len(t, m.history, historyLen)
	assert.Len(t, m.detections, 1)
	for k, v := range m.listings {
		assert.Equal(t, snapshot[k].ID, v.ID)
		assert.Equal(t, snapshot[k].SalePrice, v.SalePrice)
		assert.Equal(t, snapshot[k].Status, v.Status)
		assert.Equal(t, snapshot[k].ContentHash, v.ContentHash)
	}
}

func TestEngine_NoRemovalUnlessScanComplete(t *testing.T) {
	tests := []struct {
		name    string
		outcome harvester.Outcome
		err     error
		fail    string
	}{
		{name: "page cap hit", outcome: harvester.OutcomeExhausted},
		{name: "scope skipped", outcome: harvester.OutcomeSkipped, err: source.ErrThrottled},
		{name: "item store error", outcome: harvester.OutcomeOK, fail: "C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemStore()
			e := newTestEngine(m)
			c := &models.Complex{ID: uuid.New()}
			ctx := context.Background()

			_, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", ""), item("B", "8억", ""), item("C", "7억", "")), 3)
			require.NoError(t, err)
			delete(m.collected, c.ID)

			if tt.fail != "" {
				m.failUpsert[tt.fail] = true
			}
			res := harvester.Result{Items: []source.Listing{item("A", "9억", ""), item("C", "7억", "")}, Outcome: tt.outcome, Err: tt.err}
			counts, err := e.ReconcileComplex(ctx, ModeDiff, c, res, 2)
			require.NoError(t, err)

			assert.Equal(t, 0, counts.Removed)
			assert.Equal(t, models.ListingStatusActive, m.listings["B"].Status)
			assert.NotContains(t, m.collected, c.ID)
		})
	}
}

func TestEngine_PriceChangeAppendsHistory(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	c := &models.Complex{ID: uuid.New()}
	ctx := context.Background()

	counts, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "5억", "")), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.New)
	assert.Empty(t, m.history, "first sighting is carried by InitialPrice")

	counts, err = e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "4억 5,000", "")), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, counts.PriceChanged)
	assert.Equal(t, 1, counts.Updated)
	require.Len(t, m.history, 1)
	assert.Equal(t, models.PriceOriginScan, m.history[0].Origin)
	assert.Equal(t, int64(450_000_000), m.history[0].Price)
	assert.Equal(t, int64(500_000_000), m.listings["A"].InitialPrice)
	assert.Equal(t, []int64{500_000_000, 450_000_000}, scoring.Timeline(*m.listings["A"], m.history))
}

func TestEngine_KeywordTransitionDetects(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	c := &models.Complex{ID: uuid.New()}
	ctx := context.Background()

	_, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", "남향")), 1)
	require.NoError(t, err)
	assert.Empty(t, m.detections)

	counts, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", "급매 남향")), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Bargains)
	assert.Equal(t, models.BargainTypeKeyword, m.listings["A"].BargainType)
	assert.True(t, m.listings["A"].IsBargain)
	require.NotNil(t, m.listings["A"].BargainKeyword)
	assert.Equal(t, "급매", *m.listings["A"].BargainKeyword)
}

func TestEngine_ReactivationCountsAsUpdate(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	c := &models.Complex{ID: uuid.New()}
	ctx := context.Background()

	_, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", ""), item("B", "8억", "")), 2)
	require.NoError(t, err)
	_, err = e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", "")), 1)
	require.NoError(t, err)
	require.Equal(t, models.ListingStatusRemoved, m.listings["B"].Status)

	counts, err := e.ReconcileComplex(ctx, ModeDiff, c, complete(item("A", "9억", ""), item("B", "8억", "")), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)
	assert.Equal(t, 0, counts.New)
	assert.Equal(t, models.ListingStatusActive, m.listings["B"].Status)
}

func TestEngine_FullModeNeverRemoves(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	c := &models.Complex{ID: uuid.New()}
	ctx := context.Background()

	_, err := e.ReconcileComplex(ctx, ModeFull, c, complete(item("A", "9억", ""), item("B", "8억", "")), 2)
	require.NoError(t, err)
	counts, err := e.ReconcileComplex(ctx, ModeFull, c, complete(item("A", "8억", "")), 1)
	require.NoError(t, err)

	assert.Equal(t, 0, counts.Removed)
	assert.Equal(t, 0, counts.PriceChanged)
	assert.Equal(t, models.ListingStatusActive, m.listings["B"].Status)
	assert.Empty(t, m.collected)
}

func TestEngine_InvalidItemCounted(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	c := &models.Complex{ID: uuid.New()}

	bad := item("", "9억", "")
	counts, err := e.ReconcileComplex(context.Background(), ModeDiff, c, complete(bad, item("A", "엉터리", "")), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Errors)
	assert.Empty(t, m.listings)
}

func TestEngine_ReconcileItemsSkipsUnknownComplexes(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	known := uuid.New()

	a := item("A", "9억", "")
	a.ComplexNo = "100"
	b := item("B", "8억", "")
	b.ComplexNo = "999"

	counts, err := e.ReconcileItems(context.Background(), []source.Listing{a, b}, func(_ context.Context, no string) (uuid.UUID, bool) {
		return known, no == "100"
	})
	require.NoError(t, err)

	assert.Equal(t, 2, counts.Found)
	assert.Equal(t, 1, counts.New)
	assert.Equal(t, 1, counts.Skipped)
	assert.Equal(t, known, m.listings["A"].ComplexID)
	assert.NotContains(t, m.listings, "B")
	assert.Contains(t, m.raw, "A")
}

func TestNeedsScan(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-100 * time.Hour)

	tests := []struct {
		name     string
		c        models.Complex
		reported int
		stored   int
		reason   string
		scan     bool
	}{
		{name: "never collected", c: models.Complex{}, reported: 3, stored: 3, reason: ReasonNeverCollected, scan: true},
		{name: "count mismatch", c: models.Complex{LastCollectedAt: &recent}, reported: 4, stored: 3, reason: ReasonCountMismatch, scan: true},
		{name: "stale", c: models.Complex{LastCollectedAt: &old}, reported: 3, stored: 3, reason: ReasonStale, scan: true},
		{name: "fresh and matching", c: models.Complex{LastCollectedAt: &recent}, reported: 3, stored: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, scan := NeedsScan(&tt.c, tt.reported, tt.stored, now, 72*time.Hour)
			assert.Equal(t, tt.scan, scan)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
