package harvester

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alitto/pond/v2"

	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/source"
)

type BatchConfig struct {
	// Size is the number of concurrent requests per round.
	Size int
	// RoundPause separates rounds.
	RoundPause time.Duration
	// RetryBudget is the number of attempts each key gets.
	RetryBudget int
}

// BatchResult is the result for one key of a batch run.
type BatchResult[K any, T any] struct {
	Key      K
	Value    T
	Err      error
	Attempts int
	Skipped  bool
}

// BatchHarvester issues requests in bounded concurrent rounds. The limiter sees one signal per
// round: throttled if any request in it was throttled, success otherwise.
type BatchHarvester struct {
	limiter  *ratelimit.Limiter
	sessions SessionRecreator
	pool     pond.Pool
	cfg      BatchConfig
	sleep    ratelimit.Sleeper
	logger   ectologger.Logger
}

func NewBatch(limiter *ratelimit.Limiter, sessions SessionRecreator, cfg BatchConfig, logger ectologger.Logger) *BatchHarvester {
	if cfg.Size <= 0 {
		cfg.Size = 20
	}
	if cfg.RetryBudget < 1 {
		cfg.RetryBudget = 1
	}
	return &BatchHarvester{
		limiter:  limiter,
		sessions: sessions,
		pool:     pond.NewPool(cfg.Size),
		cfg:      cfg,
		sleep:    ratelimit.SleepContext,
		logger:   logger,
	}
}

// Close stops the worker pool.
func (b *BatchHarvester) Close() {
	b.pool.StopAndWait()
}

// RunBatch calls fn once per key, Size keys at a time, retrying throttled and transient failures
// in later rounds until each key's retry budget is spent. A fatal error stops the batch; every key
// still pending carries it.
func RunBatch[K any, T any](ctx context.Context, b *BatchHarvester, keys []K, fn func(ctx context.Context, key K) (T, error)) []BatchResult[K, T] {
	results := make([]BatchResult[K, T], len(keys))
	pending := make([]int, len(keys))
	for i := range keys {
		results[i].Key = keys[i]
		pending[i] = i
	}

	for round := 0; len(pending) > 0; round++ {
		if round > 0 {
			if err := b.sleep(ctx, b.cfg.RoundPause); err != nil {
				markSkipped(results, pending, err)
				return results
			}
		}

		n := min(b.cfg.Size, len(pending))
		chunk, rest := pending[:n], pending[n:]

		group := b.pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		for _, idx := range chunk {
			i := idx
			group.Submit(func() {
				if err := groupCtx.Err(); err != nil {
					results[i].Err = err
					return
				}
				results[i].Attempts++
				results[i].Value, results[i].Err = fn(groupCtx, keys[i])
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			b.logger.WithContext(ctx).WithError(err).Warn("batch round encountered error")
		}

		if ctx.Err() != nil {
			markSkipped(results, append(chunk, rest...), ctx.Err())
			return results
		}

		var retry []int
		var hint time.Duration
		var fatal error
		throttled, expired := false, false
		for _, i := range chunk {
			err := results[i].Err
			if err == nil {
				continue
			}
			if Fatal(err) {
				fatal = err
				results[i].Skipped = true
				continue
			}
			if errors.Is(err, source.ErrNotFound) {
				results[i].Skipped = true
				continue
			}
			if errors.Is(err, source.ErrThrottled) {
				throttled = true
				hint = max(hint, source.RetryAfter(err))
			}
			if errors.Is(err, source.ErrSessionExpired) {
				expired = true
			}
			if results[i].Attempts >= b.cfg.RetryBudget {
				results[i].Skipped = true
				continue
			}
			retry = append(retry, i)
		}
		if fatal != nil {
			markSkipped(results, append(retry, rest...), fatal)
			return results
		}

		if throttled {
			if err := b.limiter.Throttled(ctx, hint); err != nil {
				markSkipped(results, append(retry, rest...), err)
				return results
			}
		} else {
			b.limiter.Success()
		}

		if expired && b.sessions != nil {
			if _, err := b.sessions.Recreate(ctx); err != nil {
				markSkipped(results, append(retry, rest...), err)
				return results
			}
		}

		pending = append(retry, rest...)
	}
	return results
}

// FatalErr returns the first fatal error among results, if any.
func FatalErr[K any, T any](results []BatchResult[K, T]) error {
	for _, r := range results {
		if Fatal(r.Err) {
			return r.Err
		}
	}
	return nil
}

func markSkipped[K any, T any](results []BatchResult[K, T], idxs []int, err error) {
	for _, i := range idxs {
		results[i].Err = err
		results[i].Skipped = true
	}
}
