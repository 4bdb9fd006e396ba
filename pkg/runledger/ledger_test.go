package runledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/state"
)

type memoryRuns struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]models.CollectionRun
	progress int
}

func newMemoryRuns() *memoryRuns {
	return &memoryRuns{runs: make(map[uuid.UUID]models.CollectionRun)}
}

func (m *memoryRuns) Create(_ context.Context, run *models.CollectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memoryRuns) UpdateProgress(_ context.Context, id uuid.UUID, counters models.RunCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Counters.Data = counters
	m.runs[id] = run
	m.progress++
	return nil
}

func (m *memoryRuns) Finish(_ context.Context, run *models.CollectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memoryRuns) get(id uuid.UUID) models.CollectionRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

type recordingPublisher struct {
	events.NoopPublisher
	runs []events.RunEvent
}

func (p *recordingPublisher) PublishRun(_ context.Context, evt events.RunEvent) error {
	p.runs = append(p.runs, evt)
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *memoryRuns, *recordingPublisher) {
	t.Helper()
	runs := newMemoryRuns()
	pub := &recordingPublisher{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	cfg := Config{StaleAfter: 6 * time.Hour, PartialErrorRate: 0.1, ProgressEvery: 10}
	return New(runs, state.NewMemoryStore(), pub, cfg, logger), runs, pub
}

func TestLedger_StartAndComplete(t *testing.T) {
	ledger, runs, pub := newTestLedger(t)
	ctx := context.Background()

	run, err := ledger.Start(ctx, models.RunKindHarvestDiff, 3)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, runs.get(run.ID()).Status)

	run.Add(ctx, models.RunCounters{Processed: 3, Found: 30, New: 2})
	finished, err := run.Complete(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, finished.Status)
	assert.NotNil(t, finished.FinishedAt)
	stored := runs.get(run.ID())
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.Counters.Data.New)

	require.Len(t, pub.runs, 2)
	assert.Equal(t, events.RunEventStarted, pub.runs[0].Type)
	assert.Equal(t, events.RunEventFinished, pub.runs[1].Type)
	assert.Equal(t, 30, pub.runs[1].Counters["found"])

	// lock released
	_, err = ledger.Start(ctx, models.RunKindHarvestDiff, 1)
	assert.NoError(t, err)
}

func TestLedger_LockHeldFailsFast(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Start(ctx, models.RunKindScore, 0)
	require.NoError(t, err)

	_, err = ledger.Start(ctx, models.RunKindScore, 0)
	assert.ErrorIs(t, err, ErrLockHeld)

	_, err = ledger.Start(ctx, models.RunKindResolve, 0)
	assert.NoError(t, err, "locks are scoped per kind")
}

func TestLedger_StaleLockIsOverridden(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	crashed, err := ledger.Start(ctx, models.RunKindHarvestFull, 0)
	require.NoError(t, err)

	ledger.now = func() time.Time { return start.Add(time.Hour) }
	_, err = ledger.Start(ctx, models.RunKindHarvestFull, 0)
	require.ErrorIs(t, err, ErrLockHeld)

	ledger.now = func() time.Time { return start.Add(7 * time.Hour) }
	next, err := ledger.Start(ctx, models.RunKindHarvestFull, 0)
	require.NoError(t, err)

	// finishing the crashed run must not release the new holder's lock
	_, err = crashed.Complete(ctx)
	require.NoError(t, err)
	_, err = ledger.Start(ctx, models.RunKindHarvestFull, 0)
	assert.ErrorIs(t, err, ErrLockHeld)

	_, err = next.Complete(ctx)
	require.NoError(t, err)
}

func TestRun_HeartbeatKeepsLockFresh(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	long, err := ledger.Start(ctx, models.RunKindHarvestFull, 100)
	require.NoError(t, err)

	ledger.now = func() time.Time { return start.Add(5 * time.Hour) }
	long.Add(ctx, models.RunCounters{Processed: 1})

	ledger.now = func() time.Time { return start.Add(7 * time.Hour) }
	_, err = ledger.Start(ctx, models.RunKindHarvestFull, 0)
	require.ErrorIs(t, err, ErrLockHeld, "a heartbeat within StaleAfter keeps the lock")

	ledger.now = func() time.Time { return start.Add(12 * time.Hour) }
	next, err := ledger.Start(ctx, models.RunKindHarvestFull, 0)
	require.NoError(t, err)

	// the silent run notices the takeover and leaves the new lock alone
	long.Add(ctx, models.RunCounters{Processed: 1})
	_, err = long.Complete(ctx)
	require.NoError(t, err)

	var held Lock
	found, err := ledger.store.Get(ctx, lockKey(models.RunKindHarvestFull), &held)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, next.ID().String(), held.RunID)
}

func TestRun_HeartbeatIsThrottled(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	run, err := ledger.Start(ctx, models.RunKindHarvestDiff, 10)
	require.NoError(t, err)

	ledger.now = func() time.Time { return start.Add(time.Hour) }
	run.Add(ctx, models.RunCounters{Processed: 1})

	var held Lock
	_, err = ledger.store.Get(ctx, lockKey(models.RunKindHarvestDiff), &held)
	require.NoError(t, err)
	assert.Equal(t, start, held.HeartbeatAt)

	ledger.now = func() time.Time { return start.Add(2 * time.Hour) }
	run.Add(ctx, models.RunCounters{Processed: 1})
	_, err = ledger.store.Get(ctx, lockKey(models.RunKindHarvestDiff), &held)
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), held.HeartbeatAt)
	assert.Equal(t, start, held.StartedAt)
}

// racingStore lets another writer replace a key right after it is read.
type racingStore struct {
	state.Store
	afterGet func()
}

func (s *racingStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	found, err := s.Store.Get(ctx, key, dest)
	if fn := s.afterGet; fn != nil {
		s.afterGet = nil
		fn()
	}
	return found, err
}

func TestLedger_StaleTakeoverLosesRace(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: state.NewMemoryStore()}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	ledger := New(newMemoryRuns(), store, nil, Config{StaleAfter: 6 * time.Hour}, logger)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	_, err := ledger.Start(ctx, models.RunKindScore, 0)
	require.NoError(t, err)

	rival := Lock{Kind: models.RunKindScore, Holder: "other-host:1", RunID: uuid.NewString(), StartedAt: start.Add(7 * time.Hour)}
	store.afterGet = func() {
		require.NoError(t, store.Store.Set(ctx, lockKey(models.RunKindScore), rival))
	}

	ledger.now = func() time.Time { return start.Add(7 * time.Hour) }
	_, err = ledger.Start(ctx, models.RunKindScore, 0)
	assert.ErrorIs(t, err, ErrLockHeld)

	var held Lock
	_, err = store.Get(ctx, lockKey(models.RunKindScore), &held)
	require.NoError(t, err)
	assert.Equal(t, rival.RunID, held.RunID)
}

func TestLedger_PartialWhenErrorRateExceeded(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	run, err := ledger.Start(ctx, models.RunKindHarvestDiff, 10)
	require.NoError(t, err)
	run.Add(ctx, models.RunCounters{Processed: 10, Skipped: 2})

	finished, err := run.Complete(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, finished.Status)
}

func TestLedger_Fail(t *testing.T) {
	ledger, runs, _ := newTestLedger(t)
	ctx := context.Background()

	run, err := ledger.Start(ctx, models.RunKindGovLoad, 0)
	require.NoError(t, err)

	_, err = run.Fail(ctx, errors.New("session could not be opened"))
	require.NoError(t, err)

	stored := runs.get(run.ID())
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "session could not be opened", *stored.ErrorMessage)

	// second finish is a no-op
	finished, err := run.Complete(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, finished.Status)
}

func TestRun_ProgressPersistedPeriodically(t *testing.T) {
	ledger, runs, _ := newTestLedger(t)
	ctx := context.Background()

	run, err := ledger.Start(ctx, models.RunKindHarvestDiff, 25)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		run.Add(ctx, models.RunCounters{Processed: 1, Found: 4})
	}

	assert.Equal(t, 2, runs.progress)
	assert.Equal(t, 20, runs.get(run.ID()).Counters.Data.Processed)
	assert.Equal(t, 25, run.Counters().Processed)
}

func TestErrorRate(t *testing.T) {
	tests := []struct {
		name     string
		counters models.RunCounters
		expected float64
	}{
		{name: "empty", counters: models.RunCounters{}, expected: 0},
		{name: "skipped scopes", counters: models.RunCounters{Processed: 4, Skipped: 1}, expected: 0.25},
		{name: "item errors", counters: models.RunCounters{Processed: 2, Found: 100, Errors: 5}, expected: 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, ErrorRate(tt.counters), 1e-9)
		})
	}
}
