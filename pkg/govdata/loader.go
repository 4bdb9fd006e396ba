package govdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Fetcher returns the transactions of one district-month and how many rows it dropped.
type Fetcher interface {
	Month(ctx context.Context, adminCode, yearMonth string) ([]models.GovernmentTransaction, int, error)
}

// Sink stores transactions idempotently and reports how many were new.
type Sink interface {
	InsertBatch(ctx context.Context, txs []models.GovernmentTransaction) (int64, error)
}

const insertTransaction = `
	INSERT INTO gov_transactions (
		id, admin_code, deal_year, deal_month, deal_day, price, floor, area,
		complex_name, sub_district_name, fingerprint
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (fingerprint) DO NOTHING
`

// PgxSink writes transactions with pgx batches.
type PgxSink struct {
	pool      *pgxpool.Pool
	batchSize int
}

func NewPgxSink(pool *pgxpool.Pool, batchSize int) *PgxSink {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &PgxSink{pool: pool, batchSize: batchSize}
}

func (s *PgxSink) InsertBatch(ctx context.Context, txs []models.GovernmentTransaction) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "PgxSink.InsertBatch")
	defer span.End()

	var inserted int64
	for start := 0; start < len(txs); start += s.batchSize {
		end := min(start+s.batchSize, len(txs))
		batch := &pgx.Batch{}
		for _, t := range txs[start:end] {
			batch.Queue(insertTransaction,
				uuid.New(), t.AdminCode, t.DealYear, t.DealMonth, t.DealDay, t.Price, t.Floor, t.Area,
				t.ComplexName, t.SubDistrictName, t.Fingerprint,
			)
		}
		n, err := s.execute(ctx, batch)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *PgxSink) execute(ctx context.Context, batch *pgx.Batch) (int64, error) {
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("batch statement %d failed: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// Loader fans district-month units out over a bounded pool.
type Loader struct {
	fetch       Fetcher
	sink        Sink
	concurrency int
	logger      ectologger.Logger
}

func NewLoader(fetch Fetcher, sink Sink, concurrency int, logger ectologger.Logger) *Loader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Loader{fetch: fetch, sink: sink, concurrency: concurrency, logger: logger}
}

// Load fetches and stores every month in [from, to] (YYYYMM) for each admin code. A failed unit
// is counted and the rest continue.
func (l *Loader) Load(ctx context.Context, adminCodes []string, from, to string, progress runledger.Progress) (models.RunCounters, error) {
	ctx, span := tracing.StartSpan(ctx, "Loader.Load")
	defer span.End()

	months, err := Months(from, to)
	if err != nil {
		return models.RunCounters{}, err
	}

	var (
		mu    sync.Mutex
		total models.RunCounters
	)
	report := func(delta models.RunCounters) {
		mu.Lock()
		total.Add(delta)
		mu.Unlock()
		if progress != nil {
			progress.Add(ctx, delta)
		}
	}

	pool := pond.NewPool(l.concurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, code := range adminCodes {
		for _, ym := range months {
			group.Submit(func() {
				if groupCtx.Err() != nil {
					return
				}
				report(l.unit(groupCtx, code, ym))
			})
		}
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		l.logger.WithContext(ctx).WithError(err).Warn("load encountered error")
	}
	if ctx.Err() != nil {
		return total, ctx.Err()
	}
	return total, nil
}

func (l *Loader) unit(ctx context.Context, code, ym string) models.RunCounters {
	counters := models.RunCounters{Processed: 1}
	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"admin_code": code,
		"year_month": ym,
	})

	txs, dropped, err := l.fetch.Month(ctx, code, ym)
	counters.Skipped += dropped
	if err != nil {
		log.WithError(err).Warn("district month failed")
		counters.Errors++
		return counters
	}
	counters.Found += len(txs)

	inserted, err := l.sink.InsertBatch(ctx, txs)
	counters.New += int(inserted)
	if err != nil {
		log.WithError(err).Warn("district month insert failed")
		counters.Errors++
		return counters
	}
	log.WithFields(map[string]any{
		"found":    len(txs),
		"inserted": inserted,
	}).Debug("district month loaded")
	return counters
}

// Months lists every YYYYMM from from to to inclusive.
func Months(from, to string) ([]string, error) {
	start, err := time.Parse("200601", from)
	if err != nil {
		return nil, fmt.Errorf("invalid month %q: %w", from, err)
	}
	end, err := time.Parse("200601", to)
	if err != nil {
		return nil, fmt.Errorf("invalid month %q: %w", to, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("month range %s..%s is reversed", from, to)
	}
	var out []string
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format("200601"))
	}
	return out, nil
}
