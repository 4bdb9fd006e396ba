package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/bargain"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeStore struct {
	listings   []models.Listing
	history    map[uuid.UUID][]models.PriceHistoryEntry
	market     []models.GovernmentTransaction
	detections map[string]models.BargainDetection

	// staged writes become visible only when the unit of work commits
	staged    map[uuid.UUID]models.Listing
	committed map[uuid.UUID]models.Listing
	failOn    uuid.UUID
}

func newFakeStore(listings ...models.Listing) *fakeStore {
	return &fakeStore{
		listings:   listings,
		history:    map[uuid.UUID][]models.PriceHistoryEntry{},
		detections: map[string]models.BargainDetection{},
		committed:  map[uuid.UUID]models.Listing{},
	}
}

func (f *fakeStore) ListActiveSales(context.Context) ([]models.Listing, error) {
	return f.listings, nil
}

func (f *fakeStore) UpdateScore(_ context.Context, l *models.Listing) error {
	if l.ID == f.failOn {
		return errors.New("write failed")
	}
	f.staged[l.ID] = *l
	return nil
}

func (f *fakeStore) ListForActiveSales(context.Context) (map[uuid.UUID][]models.PriceHistoryEntry, error) {
	return f.history, nil
}

func (f *fakeStore) ListResolvedSince(context.Context, time.Time) ([]models.GovernmentTransaction, error) {
	return f.market, nil
}

func (f *fakeStore) InsertIfAbsent(_ context.Context, d *models.BargainDetection) (bool, error) {
	key := d.ListingID.String() + "/" + d.DetectionType
	if _, ok := f.detections[key]; ok {
		return false, nil
	}
	f.detections[key] = *d
	return true, nil
}

func (f *fakeStore) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.staged = map[uuid.UUID]models.Listing{}
	if err := fn(ctx); err != nil {
		return err
	}
	for id, l := range f.staged {
		f.committed[id] = l
	}
	return nil
}

type recordingPublisher struct {
	events.NoopPublisher
	bargains []events.BargainEvent
}

func (p *recordingPublisher) PublishBargain(_ context.Context, evt events.BargainEvent) error {
	p.bargains = append(p.bargains, evt)
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestEngine(store *fakeStore, pub events.Publisher) *Engine {
	e := New(Stores{
		Listings:     store,
		History:      store,
		Transactions: store,
		Detections:   store,
	}, store.withTx, bargain.NewLexicon(nil, nil), pub, DefaultConfig(), testLogger())
	e.now = func() time.Time { return now }
	return e
}

// discounted builds a complex where the first listing sits 20% under two peers.
func discounted() []models.Listing {
	complexID := uuid.New()
	target := sale(complexID, 480_000_000, 84)
	target.ExternalID = "2401"
	return []models.Listing{
		target,
		sale(complexID, 600_000_000, 84),
		sale(complexID, 600_000_000, 84),
	}
}

func TestEngine_RunScoresAndDetects(t *testing.T) {
	listings := discounted()
	listings[0].InitialPrice = 520_000_000
	store := newFakeStore(listings...)
	store.history[listings[0].ID] = []models.PriceHistoryEntry{{Price: 520_000_000}, {Price: 480_000_000}}
	pub := &recordingPublisher{}
	e := newTestEngine(store, pub)

	report, err := e.Run(context.Background(), Options{})
	require.NoError(t, err)

	got := store.committed[listings[0].ID]
	assert.Equal(t, 40+4+1, got.BargainScore)
	assert.Equal(t, models.BargainTypeNone, got.BargainType)
	assert.Equal(t, 3, report.Scored)
	assert.Zero(t, report.NewDetections)

	// lower threshold makes the discounted listing a price bargain
	report, err = e.Run(context.Background(), Options{Threshold: 45})
	require.NoError(t, err)

	got = store.committed[listings[0].ID]
	assert.Equal(t, models.BargainTypePrice, got.BargainType)
	assert.True(t, got.IsBargain)
	assert.Equal(t, 1, report.NewDetections)
	require.Len(t, pub.bargains, 1)
	assert.Equal(t, "2401", pub.bargains[0].ExternalID)
	assert.Equal(t, 45, pub.bargains[0].Score)

	// rerun is idempotent: same scores, no second detection
	report, err = e.Run(context.Background(), Options{Threshold: 45})
	require.NoError(t, err)
	assert.Zero(t, report.NewDetections)
	assert.Len(t, store.detections, 1)
	assert.Equal(t, 45, store.committed[listings[0].ID].BargainScore)
}

func TestEngine_KeywordClassification(t *testing.T) {
	listings := discounted()
	listings[1].Description = "급매 로얄층"
	store := newFakeStore(listings...)
	e := newTestEngine(store, nil)

	report, err := e.Run(context.Background(), Options{Threshold: 40})
	require.NoError(t, err)

	assert.Equal(t, models.BargainTypePrice, store.committed[listings[0].ID].BargainType)
	assert.Equal(t, models.BargainTypeKeyword, store.committed[listings[1].ID].BargainType)
	assert.Equal(t, models.BargainTypeNone, store.committed[listings[2].ID].BargainType)
	assert.Equal(t, map[string]int{
		models.BargainTypePrice:   1,
		models.BargainTypeKeyword: 1,
		models.BargainTypeNone:    1,
	}, report.Types)
}

func TestEngine_DryRunWritesNothing(t *testing.T) {
	store := newFakeStore(discounted()...)
	e := newTestEngine(store, nil)

	report, err := e.Run(context.Background(), Options{DryRun: true, Threshold: 40})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 3, report.Scored)
	assert.Equal(t, 2, report.Histogram[0])
	assert.Equal(t, 1, report.Histogram[4])
	assert.Empty(t, store.committed)
	assert.Empty(t, store.detections)
}

func TestEngine_FailureRollsBack(t *testing.T) {
	listings := discounted()
	store := newFakeStore(listings...)
	store.failOn = listings[2].ID
	e := newTestEngine(store, nil)

	_, err := e.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Empty(t, store.committed)
}
