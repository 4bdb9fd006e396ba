// Package harvester walks paginated source scopes under the adaptive rate limiter.
package harvester

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/session"
	"github.com/Ramsey-B/fern/pkg/source"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Outcome describes how a scope's pagination ended.
type Outcome string

const (
	// OutcomeOK means pagination ended naturally; the result is the whole scope.
	OutcomeOK Outcome = "ok"
	// OutcomeExhausted means the page cap was hit; the result is truncated.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeSkipped means the retry budget ran out or the scope is gone.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means no source session could be established; the run cannot go on.
	OutcomeFailed Outcome = "failed"
)

// Fatal reports whether err stops the whole run rather than a single scope.
func Fatal(err error) bool {
	return errors.Is(err, session.ErrUnavailable)
}

// PageFunc fetches one page (1-based) of a scope.
type PageFunc func(ctx context.Context, page int) (*source.ListingPage, error)

// SessionRecreator replaces a session the source stopped accepting.
type SessionRecreator interface {
	Recreate(ctx context.Context) (*session.Session, error)
}

type Config struct {
	PageCap int
	// RetryBudget is the number of attempts a scope gets before it is skipped.
	RetryBudget int
}

type Result struct {
	Scope     string
	Items     []source.Listing
	Pages     int
	Outcome   Outcome
	Throttles int
	Err       error
}

// Complete reports whether the result covers the whole scope.
func (r Result) Complete() bool {
	return r.Outcome == OutcomeOK && r.Err == nil
}

type Harvester struct {
	limiter  *ratelimit.Limiter
	sessions SessionRecreator
	cfg      Config
	logger   ectologger.Logger
}

func New(limiter *ratelimit.Limiter, sessions SessionRecreator, cfg Config, logger ectologger.Logger) *Harvester {
	if cfg.PageCap <= 0 {
		cfg.PageCap = 50
	}
	if cfg.RetryBudget < 1 {
		cfg.RetryBudget = 1
	}
	return &Harvester{limiter: limiter, sessions: sessions, cfg: cfg, logger: logger}
}

func (h *Harvester) Limiter() *ratelimit.Limiter {
	return h.limiter
}

// Harvest pages through scope until the source has no more pages, the declared total is reached,
// or the page cap is hit. Failed requests are retried until the scope's retry budget is spent. A
// session that cannot be established ends the scope with OutcomeFailed.
func (h *Harvester) Harvest(ctx context.Context, scope string, fetch PageFunc) Result {
	ctx, span := tracing.StartSpan(ctx, "Harvester.Harvest")
	defer span.End()

	res := h.harvest(ctx, scope, fetch)
	metrics.HarvestOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()

	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"scope":     scope,
		"outcome":   res.Outcome,
		"pages":     res.Pages,
		"items":     len(res.Items),
		"throttles": res.Throttles,
	})
	switch res.Outcome {
	case OutcomeFailed:
		log.WithError(res.Err).Error("source session unavailable")
	case OutcomeSkipped:
		log.WithError(res.Err).Warn("scope skipped")
	case OutcomeExhausted:
		log.Warn("page cap reached, scope truncated")
	default:
		log.Debug("scope harvested")
	}
	return res
}

func (h *Harvester) harvest(ctx context.Context, scope string, fetch PageFunc) Result {
	res := Result{Scope: scope}
	failures := 0
	page := 1

	for {
		if page > h.cfg.PageCap {
			res.Outcome = OutcomeExhausted
			return res
		}
		if err := h.limiter.Wait(ctx); err != nil {
			res.Outcome, res.Err = OutcomeSkipped, err
			return res
		}

		resp, err := fetch(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				res.Outcome, res.Err = OutcomeSkipped, ctx.Err()
				return res
			}
			if errors.Is(err, source.ErrNotFound) {
				res.Outcome, res.Err = OutcomeSkipped, err
				return res
			}
			if Fatal(err) {
				res.Outcome, res.Err = OutcomeFailed, err
				return res
			}

			failures++
			if errors.Is(err, source.ErrThrottled) {
				res.Throttles++
				if sleepErr := h.limiter.Throttled(ctx, source.RetryAfter(err)); sleepErr != nil {
					res.Outcome, res.Err = OutcomeSkipped, sleepErr
					return res
				}
			} else if errors.Is(err, source.ErrSessionExpired) && h.sessions != nil {
				if _, recreateErr := h.sessions.Recreate(ctx); recreateErr != nil {
					res.Outcome, res.Err = OutcomeSkipped, recreateErr
					if Fatal(recreateErr) {
						res.Outcome = OutcomeFailed
					}
					return res
				}
			}

			if failures >= h.cfg.RetryBudget {
				res.Outcome, res.Err = OutcomeSkipped, err
				return res
			}
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"scope":    scope,
				"page":     page,
				"failures": failures,
			}).Debug("retrying page")
			continue
		}

		h.limiter.Success()
		res.Pages++
		res.Items = append(res.Items, resp.Items...)

		if !resp.HasMore || len(resp.Items) == 0 || (resp.TotalCount > 0 && len(res.Items) >= resp.TotalCount) {
			res.Outcome = OutcomeOK
			return res
		}
		page++
	}
}
