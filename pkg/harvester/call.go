package harvester

import (
	"context"
	"errors"

	"github.com/Ramsey-B/fern/pkg/source"
)

// Call performs a single paced request under the same throttle, session and retry rules as a
// paginated scope. Errors for which Fatal is true are returned without retrying.
func Call[T any](ctx context.Context, h *Harvester, scope string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	failures := 0
	for {
		if err := h.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		out, err := fn(ctx)
		if err == nil {
			h.limiter.Success()
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, source.ErrNotFound) || Fatal(err) {
			return zero, err
		}

		failures++
		if errors.Is(err, source.ErrThrottled) {
			if sleepErr := h.limiter.Throttled(ctx, source.RetryAfter(err)); sleepErr != nil {
				return zero, sleepErr
			}
		} else if errors.Is(err, source.ErrSessionExpired) && h.sessions != nil {
			if _, recreateErr := h.sessions.Recreate(ctx); recreateErr != nil {
				return zero, recreateErr
			}
		}
		if failures >= h.cfg.RetryBudget {
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"scope":    scope,
				"failures": failures,
			}).Warn("request skipped")
			return zero, err
		}
	}
}
