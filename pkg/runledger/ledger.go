// Package runledger tracks collection runs: a kind-scoped lock, the CollectionRun row and
// the checkpoint that lets a long harvest resume where it stopped.
package runledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/state"
)

// ErrLockHeld is returned when another live run of the same kind holds the lock.
var ErrLockHeld = errors.New("run lock held")

// RunRepository persists CollectionRun rows.
type RunRepository interface {
	Create(ctx context.Context, run *models.CollectionRun) error
	UpdateProgress(ctx context.Context, id uuid.UUID, counters models.RunCounters) error
	Finish(ctx context.Context, run *models.CollectionRun) error
}

// Progress receives counter deltas as work units finish. *Run implements it.
type Progress interface {
	Add(ctx context.Context, delta models.RunCounters)
}

type Config struct {
	// StaleAfter is how long a lock may go without a heartbeat before another run may take it over.
	StaleAfter time.Duration
	// HeartbeatEvery is the minimum spacing of lock heartbeats. Defaults to a quarter of StaleAfter.
	HeartbeatEvery time.Duration
	// PartialErrorRate marks a finished run partial when its error rate exceeds it.
	PartialErrorRate float64
	// ProgressEvery persists counters after this many processed units.
	ProgressEvery int
}

// Lock is the record stored under a run kind while a run is live. The holder refreshes
// HeartbeatAt as work progresses.
type Lock struct {
	Kind        string    `json:"kind"`
	Holder      string    `json:"holder"`
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

func (l Lock) lastSeen() time.Time {
	if l.HeartbeatAt.IsZero() {
		return l.StartedAt
	}
	return l.HeartbeatAt
}

type Ledger struct {
	runs      RunRepository
	store     state.Store
	publisher events.Publisher
	logger    ectologger.Logger
	cfg       Config
	holder    string
	now       func() time.Time
}

func New(runs RunRepository, store state.Store, publisher events.Publisher, cfg Config, logger ectologger.Logger) *Ledger {
	host, _ := os.Hostname()
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = cfg.StaleAfter / 4
	}
	return &Ledger{
		runs:      runs,
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		holder:    fmt.Sprintf("%s:%d", host, os.Getpid()),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func lockKey(kind string) string {
	return state.Key("lock", kind)
}

// Start takes the lock for kind and records a running CollectionRun.
func (l *Ledger) Start(ctx context.Context, kind string, scopeSize int) (*Run, error) {
	now := l.now()
	runID := uuid.New()
	lock := Lock{Kind: kind, Holder: l.holder, RunID: runID.String(), StartedAt: now, HeartbeatAt: now}

	if err := l.acquire(ctx, lock); err != nil {
		return nil, err
	}

	model := &models.CollectionRun{
		ID:        runID,
		Kind:      kind,
		Status:    models.RunStatusRunning,
		ScopeSize: scopeSize,
		StartedAt: now,
	}
	if err := l.runs.Create(ctx, model); err != nil {
		l.release(ctx, lock)
		return nil, err
	}

	l.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":     runID,
		"kind":       kind,
		"scope_size": scopeSize,
	}).Info("run started")
	l.publish(ctx, events.RunEvent{Type: events.RunEventStarted, RunID: runID.String(), Kind: kind, Status: model.Status})

	return &Run{ledger: l, model: model, lock: lock}, nil
}

func (l *Ledger) acquire(ctx context.Context, lock Lock) error {
	key := lockKey(lock.Kind)
	ok, err := l.store.SetNX(ctx, key, lock)
	if err != nil {
		return fmt.Errorf("failed to acquire %s lock: %w", lock.Kind, err)
	}
	if ok {
		return nil
	}

	var existing Lock
	found, err := l.store.Get(ctx, key, &existing)
	if err != nil {
		return fmt.Errorf("failed to read %s lock: %w", lock.Kind, err)
	}
	if !found {
		// released between the two calls
		if ok, err = l.store.SetNX(ctx, key, lock); err != nil {
			return fmt.Errorf("failed to acquire %s lock: %w", lock.Kind, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrLockHeld, lock.Kind)
		}
		return nil
	}
	if lock.StartedAt.Sub(existing.lastSeen()) <= l.cfg.StaleAfter {
		return fmt.Errorf("%w: %s held by %s since %s", ErrLockHeld, lock.Kind, existing.Holder, existing.StartedAt.Format(time.RFC3339))
	}

	ok, err = l.store.CompareAndSet(ctx, key, existing, lock)
	if err != nil {
		return fmt.Errorf("failed to take over %s lock: %w", lock.Kind, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s taken over by another run", ErrLockHeld, lock.Kind)
	}
	l.logger.WithContext(ctx).WithFields(map[string]any{
		"kind":           lock.Kind,
		"stale_owner":    existing.Holder,
		"stale_since":    existing.StartedAt,
		"last_heartbeat": existing.lastSeen(),
	}).Warn("overrode stale run lock")
	return nil
}

// release deletes the lock only while it still holds this run's value.
func (l *Ledger) release(ctx context.Context, lock Lock) {
	ok, err := l.store.CompareAndDelete(ctx, lockKey(lock.Kind), lock)
	if err != nil {
		l.logger.WithContext(ctx).WithError(err).Warnf("failed to release %s lock", lock.Kind)
		return
	}
	if !ok {
		l.logger.WithContext(ctx).WithFields(map[string]any{
			"kind":   lock.Kind,
			"run_id": lock.RunID,
		}).Warn("run lock no longer held at release")
	}
}

func (l *Ledger) publish(ctx context.Context, evt events.RunEvent) {
	if err := l.publisher.PublishRun(ctx, evt); err != nil {
		l.logger.WithContext(ctx).WithError(err).Warn("failed to publish run event")
	}
}

// Run is a live CollectionRun. Counter updates are safe for concurrent use.
type Run struct {
	ledger *Ledger
	model  *models.CollectionRun

	// lockMu guards lock and serialises heartbeats with the release
	lockMu sync.Mutex
	lock   Lock
	lost   bool

	mu            sync.Mutex
	counters      models.RunCounters
	sinceProgress int
	finished      bool
}

func (r *Run) ID() uuid.UUID {
	return r.model.ID
}

func (r *Run) Kind() string {
	return r.model.Kind
}

func (r *Run) Counters() models.RunCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Add folds delta into the run counters, persists them every ProgressEvery processed units and
// refreshes the lock heartbeat.
func (r *Run) Add(ctx context.Context, delta models.RunCounters) {
	r.heartbeat(ctx)

	r.mu.Lock()
	r.counters.Add(delta)
	r.sinceProgress += delta.Processed
	flush := r.ledger.cfg.ProgressEvery > 0 && r.sinceProgress >= r.ledger.cfg.ProgressEvery
	if flush {
		r.sinceProgress = 0
	}
	snapshot := r.counters
	r.mu.Unlock()

	if !flush {
		return
	}
	if err := r.ledger.runs.UpdateProgress(ctx, r.model.ID, snapshot); err != nil {
		r.ledger.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": r.model.ID,
		}).Warn("failed to persist run progress")
	}
}

// heartbeat refreshes the lock's HeartbeatAt when HeartbeatEvery has passed since the last one.
func (r *Run) heartbeat(ctx context.Context) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	now := r.ledger.now()
	if r.lost || now.Sub(r.lock.HeartbeatAt) < r.ledger.cfg.HeartbeatEvery {
		return
	}
	next := r.lock
	next.HeartbeatAt = now
	ok, err := r.ledger.store.CompareAndSet(ctx, lockKey(next.Kind), r.lock, next)
	log := r.ledger.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": r.model.ID,
		"kind":   r.model.Kind,
	})
	switch {
	case err != nil:
		log.WithError(err).Warn("failed to refresh run lock")
	case !ok:
		r.lost = true
		log.Error("run lock taken over by another run")
	default:
		r.lock = next
	}
}

// ErrorRate is the larger of the skipped-unit rate and the item error rate.
func ErrorRate(c models.RunCounters) float64 {
	var rate float64
	if c.Processed > 0 {
		rate = float64(c.Skipped) / float64(c.Processed)
	}
	denominator := max(c.Found, c.Processed)
	if denominator > 0 {
		rate = max(rate, float64(c.Errors)/float64(denominator))
	}
	return rate
}

// Complete finishes the run as completed, or partial when the error rate is over the threshold.
func (r *Run) Complete(ctx context.Context) (*models.CollectionRun, error) {
	counters := r.Counters()
	status := models.RunStatusCompleted
	if ErrorRate(counters) > r.ledger.cfg.PartialErrorRate {
		status = models.RunStatusPartial
	}
	return r.finish(ctx, status, nil)
}

// Fail finishes the run as failed with cause as the error message.
func (r *Run) Fail(ctx context.Context, cause error) (*models.CollectionRun, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(ctx, models.RunStatusFailed, &msg)
}

func (r *Run) finish(ctx context.Context, status string, errMsg *string) (*models.CollectionRun, error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return r.model, nil
	}
	r.finished = true
	finishedAt := r.ledger.now()
	r.model.Status = status
	r.model.Counters = database.NewJSONB(r.counters)
	r.model.ErrorMessage = errMsg
	r.model.FinishedAt = &finishedAt
	r.mu.Unlock()

	defer func() {
		r.lockMu.Lock()
		defer r.lockMu.Unlock()
		if !r.lost {
			r.ledger.release(ctx, r.lock)
		}
	}()

	metrics.RunsTotal.WithLabelValues(r.model.Kind, status).Inc()
	metrics.RunDuration.WithLabelValues(r.model.Kind).Observe(finishedAt.Sub(r.model.StartedAt).Seconds())

	if err := r.ledger.runs.Finish(ctx, r.model); err != nil {
		return r.model, err
	}

	counters := r.model.Counters.Data
	r.ledger.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":        r.model.ID,
		"kind":          r.model.Kind,
		"status":        status,
		"processed":     counters.Processed,
		"found":         counters.Found,
		"new":           counters.New,
		"updated":       counters.Updated,
		"removed":       counters.Removed,
		"price_changed": counters.PriceChanged,
		"bargains":      counters.Bargains,
		"errors":        counters.Errors,
		"skipped":       counters.Skipped,
	}).Info("run finished")

	evt := events.RunEvent{
		Type:     events.RunEventFinished,
		RunID:    r.model.ID.String(),
		Kind:     r.model.Kind,
		Status:   status,
		Counters: counters.Map(),
	}
	if errMsg != nil {
		evt.Error = *errMsg
	}
	r.ledger.publish(ctx, evt)
	return r.model, nil
}
