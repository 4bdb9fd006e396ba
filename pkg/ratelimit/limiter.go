// Package ratelimit paces requests against a source that throttles aggressive clients.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

// Cooldown levels reported to metrics and logs.
const (
	LevelNone   = "none"
	LevelShort  = "short"
	LevelMedium = "medium"
	LevelLong   = "long"
)

type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Step is added to the current delay on every throttle signal.
	Step time.Duration
	// Decay multiplies the current delay on every success, never going below BaseDelay.
	Decay float64
	// FloorDelay is where the delay lands on the first success after a long cooldown.
	FloorDelay time.Duration
	// Jitter is the +/- fraction applied to every inter-request sleep.
	Jitter float64

	BatchSize    int
	BatchRestMin time.Duration
	BatchRestMax time.Duration

	ShortAfter     int
	ShortCooldown  time.Duration
	MediumAfter    int
	MediumCooldown time.Duration
	LongAt         int
	LongCooldown   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:      1500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Step:           2 * time.Second,
		Decay:          0.8,
		FloorDelay:     3 * time.Second,
		Jitter:         0.15,
		BatchSize:      20,
		BatchRestMin:   30 * time.Second,
		BatchRestMax:   60 * time.Second,
		ShortAfter:     3,
		ShortCooldown:  30 * time.Second,
		MediumAfter:    5,
		MediumCooldown: 3 * time.Minute,
		LongAt:         10,
		LongCooldown:   15 * time.Minute,
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Option func(*Limiter)

func WithSleeper(s Sleeper) Option {
	return func(l *Limiter) { l.sleep = s }
}

func WithRand(r *rand.Rand) Option {
	return func(l *Limiter) { l.rnd = r }
}

// State is a snapshot of the limiter's counters.
type State struct {
	CurrentDelay         time.Duration
	ConsecutiveThrottles int
	SinceRest            int
}

// Limiter is the adaptive circuit breaker owned by one harvester.
// The current delay never decreases while throttle signals keep arriving.
type Limiter struct {
	cfg    Config
	logger ectologger.Logger
	sleep  Sleeper
	rnd    *rand.Rand

	mu           sync.Mutex
	currentDelay time.Duration
	consecutive  int
	sinceRest    int
	longFired    bool
	snapToFloor  bool
}

func New(cfg Config, logger ectologger.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:          cfg,
		logger:       logger,
		sleep:        SleepContext,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		currentDelay: cfg.BaseDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait sleeps the jittered current delay, preceded by a batch rest once BatchSize requests have gone out.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.cfg.BatchSize > 0 && l.sinceRest >= l.cfg.BatchSize {
		rest := l.between(l.cfg.BatchRestMin, l.cfg.BatchRestMax)
		l.sinceRest = 0
		l.currentDelay = l.cfg.BaseDelay
		l.mu.Unlock()

		metrics.BatchRestsTotal.Inc()
		l.logger.WithContext(ctx).WithFields(map[string]any{
			"rest": rest.String(),
		}).Info("batch complete, resting")
		if err := l.sleep(ctx, rest); err != nil {
			return err
		}
		l.mu.Lock()
	}
	d := l.jittered(l.currentDelay)
	l.mu.Unlock()

	return l.sleep(ctx, d)
}

// Success records a request that was not throttled.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecutive = 0
	l.longFired = false
	if l.snapToFloor {
		l.snapToFloor = false
		l.currentDelay = max(l.cfg.FloorDelay, l.cfg.BaseDelay)
	} else {
		l.currentDelay = max(time.Duration(float64(l.currentDelay)*l.cfg.Decay), l.cfg.BaseDelay)
	}
	l.sinceRest++
	metrics.CurrentDelaySeconds.Set(l.currentDelay.Seconds())
}

// Throttled records a throttle signal and sleeps the cooldown it triggers.
// hint, when larger than the cooldown, replaces it (e.g. a Retry-After header).
func (l *Limiter) Throttled(ctx context.Context, hint time.Duration) error {
	l.mu.Lock()
	l.consecutive++
	n := l.consecutive
	l.currentDelay = min(l.currentDelay+l.cfg.Step, l.cfg.MaxDelay)

	level := LevelNone
	var cooldown time.Duration
	switch {
	case n == l.cfg.LongAt && !l.longFired:
		level, cooldown = LevelLong, l.cfg.LongCooldown
		l.longFired = true
		l.snapToFloor = true
		l.sinceRest = 0
	case n >= l.cfg.MediumAfter:
		level, cooldown = LevelMedium, l.cfg.MediumCooldown
		l.sinceRest = 0
	case n >= l.cfg.ShortAfter:
		level, cooldown = LevelShort, l.cfg.ShortCooldown
	}
	if hint > cooldown {
		cooldown = hint
	}
	delay := l.currentDelay
	l.mu.Unlock()

	metrics.ThrottlesTotal.WithLabelValues(level).Inc()
	metrics.CurrentDelaySeconds.Set(delay.Seconds())
	l.logger.WithContext(ctx).WithFields(map[string]any{
		"consecutive_throttles": n,
		"current_delay":         delay.String(),
		"cooldown":              cooldown.String(),
		"level":                 level,
	}).Warn("throttled by source")

	if cooldown <= 0 {
		return nil
	}
	return l.sleep(ctx, cooldown)
}

// Record folds one bounded fan-out round into the limiter: any throttled request counts as one signal.
func (l *Limiter) Record(ctx context.Context, throttled bool) error {
	if throttled {
		return l.Throttled(ctx, 0)
	}
	l.Success()
	return nil
}

func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		CurrentDelay:         l.currentDelay,
		ConsecutiveThrottles: l.consecutive,
		SinceRest:            l.sinceRest,
	}
}

func (l *Limiter) jittered(d time.Duration) time.Duration {
	if l.cfg.Jitter <= 0 || d <= 0 {
		return d
	}
	factor := 1 + (l.rnd.Float64()*2-1)*l.cfg.Jitter
	return time.Duration(float64(d) * factor)
}

func (l *Limiter) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.rnd.Int63n(int64(hi-lo)))
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}
	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}
