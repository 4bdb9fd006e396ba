package ratelimit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return nil
}

func (r *sleepRecorder) count(d time.Duration) int {
	n := 0
	for _, s := range r.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = 0
	return cfg
}

func newTestLimiter(cfg Config) (*Limiter, *sleepRecorder) {
	rec := &sleepRecorder{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return New(cfg, logger, WithSleeper(rec.sleep), WithRand(rand.New(rand.NewSource(1)))), rec
}

func TestLimiter_DelayNeverDecreasesDuringThrottleRun(t *testing.T) {
	cfg := testConfig()
	l, _ := newTestLimiter(cfg)
	ctx := context.Background()

	prev := l.State().CurrentDelay
	for i := 0; i < 25; i++ {
		require.NoError(t, l.Throttled(ctx, 0))
		cur := l.State().CurrentDelay
		assert.GreaterOrEqual(t, cur, prev, "delay decreased at throttle %d", i+1)
		assert.LessOrEqual(t, cur, cfg.MaxDelay)
		prev = cur
	}
	assert.Equal(t, cfg.MaxDelay, l.State().CurrentDelay)
	assert.Equal(t, 25, l.State().ConsecutiveThrottles)
}

func TestLimiter_CooldownEscalation(t *testing.T) {
	cfg := testConfig()
	l, rec := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, l.Throttled(ctx, 0))
	}

	// 1-2: none, 3-4: short, 5-9 and 11-12: medium, 10: long
	assert.Equal(t, 2, rec.count(cfg.ShortCooldown))
	assert.Equal(t, 7, rec.count(cfg.MediumCooldown))
	assert.Equal(t, 1, rec.count(cfg.LongCooldown))
}

func TestLimiter_LongCooldownOncePerRun(t *testing.T) {
	cfg := testConfig()
	l, rec := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Throttled(ctx, 0))
	}
	assert.Equal(t, 1, rec.count(cfg.LongCooldown))

	l.Success()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Throttled(ctx, 0))
	}
	assert.Equal(t, 2, rec.count(cfg.LongCooldown), "a new run of throttles may trigger the long cooldown again")
}

func TestLimiter_SuccessAfterLongCooldownSnapsToFloor(t *testing.T) {
	cfg := testConfig()
	l, _ := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Throttled(ctx, 0))
	}
	l.Success()

	state := l.State()
	assert.Equal(t, cfg.FloorDelay, state.CurrentDelay)
	assert.Equal(t, 0, state.ConsecutiveThrottles)
}

func TestLimiter_SuccessDecaysTowardBase(t *testing.T) {
	cfg := testConfig()
	l, _ := newTestLimiter(cfg)
	ctx := context.Background()

	require.NoError(t, l.Throttled(ctx, 0))
	require.NoError(t, l.Throttled(ctx, 0))
	raised := l.State().CurrentDelay
	assert.Equal(t, cfg.BaseDelay+2*cfg.Step, raised)

	l.Success()
	decayed := l.State().CurrentDelay
	assert.Less(t, decayed, raised)
	assert.GreaterOrEqual(t, decayed, cfg.BaseDelay)

	for i := 0; i < 50; i++ {
		l.Success()
	}
	assert.Equal(t, cfg.BaseDelay, l.State().CurrentDelay)
}

func TestLimiter_BatchRest(t *testing.T) {
	cfg := testConfig()
	l, rec := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < cfg.BatchSize; i++ {
		require.NoError(t, l.Wait(ctx))
		l.Success()
	}
	assert.Len(t, rec.sleeps, cfg.BatchSize)

	require.NoError(t, l.Throttled(ctx, 0))
	require.NoError(t, l.Wait(ctx))

	rest := rec.sleeps[len(rec.sleeps)-2]
	assert.GreaterOrEqual(t, rest, cfg.BatchRestMin)
	assert.Less(t, rest, cfg.BatchRestMax)
	assert.Equal(t, cfg.BaseDelay, rec.sleeps[len(rec.sleeps)-1], "delay resets to base after a batch rest")
	assert.Equal(t, 0, l.State().SinceRest)
}

func TestLimiter_MediumCooldownResetsBatchCounter(t *testing.T) {
	cfg := testConfig()
	l, _ := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		l.Success()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Throttled(ctx, 0))
	}
	assert.Equal(t, 7, l.State().SinceRest)

	require.NoError(t, l.Throttled(ctx, 0))
	assert.Equal(t, 0, l.State().SinceRest)
}

func TestLimiter_JitterWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	l, rec := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	lo := time.Duration(float64(cfg.BaseDelay) * 0.85)
	hi := time.Duration(float64(cfg.BaseDelay) * 1.15)
	for _, d := range rec.sleeps {
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestLimiter_RetryAfterHintExtendsCooldown(t *testing.T) {
	cfg := testConfig()
	l, rec := newTestLimiter(cfg)

	require.NoError(t, l.Throttled(context.Background(), 90*time.Second))
	assert.Equal(t, []time.Duration{90 * time.Second}, rec.sleeps)
}

func TestLimiter_RecordFoldsRound(t *testing.T) {
	cfg := testConfig()
	l, _ := newTestLimiter(cfg)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, true))
	assert.Equal(t, 1, l.State().ConsecutiveThrottles)
	require.NoError(t, l.Record(ctx, false))
	assert.Equal(t, 0, l.State().ConsecutiveThrottles)
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	d, err := ParseRetryAfter("120")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = ParseRetryAfter("soon")
	assert.Error(t, err)
}
