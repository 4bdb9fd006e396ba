// Package session manages the browser-like session the listing source requires: a cookie jar
// primed from the landing page, opened lazily and recreated when the source stops accepting it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-resty/resty/v2"
)

// ErrUnavailable is returned when no session could be opened within the recreate budget.
var ErrUnavailable = errors.New("session unavailable")

// Opener builds a fresh, primed client.
type Opener func(ctx context.Context) (*resty.Client, error)

// Checker verifies that a client is still accepted by the source.
type Checker func(ctx context.Context, client *resty.Client) error

type Session struct {
	Client     *resty.Client
	Generation int
	OpenedAt   time.Time
}

type Config struct {
	MaxRecreate int
	Backoff     time.Duration
}

// Pool holds at most one live session and hands it to every caller.
type Pool struct {
	open   Opener
	check  Checker
	cfg    Config
	logger ectologger.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	current    *Session
	generation int
}

func NewPool(open Opener, check Checker, cfg Config, logger ectologger.Logger) *Pool {
	if cfg.MaxRecreate <= 0 {
		cfg.MaxRecreate = 3
	}
	return &Pool{
		open:   open,
		check:  check,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Get returns the live session, opening one on first use.
func (p *Pool) Get(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return p.current, nil
	}
	return p.openLocked(ctx)
}

// Open forces a session to exist, failing when none can be opened.
func (p *Pool) Open(ctx context.Context) error {
	_, err := p.Get(ctx)
	return err
}

// HealthCheck runs the checker against the live session, if any.
func (p *Pool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current == nil {
		return fmt.Errorf("%w: no session opened", ErrUnavailable)
	}
	if p.check == nil {
		return nil
	}
	return p.check(ctx, current.Client)
}

// Recreate discards the live session and opens a new one.
func (p *Pool) Recreate(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"generation": p.current.Generation,
			"age":        time.Since(p.current.OpenedAt).String(),
		}).Info("recreating source session")
	}
	p.current = nil
	return p.openLocked(ctx)
}

// Close drops the live session.
func (p *Pool) Close() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}

func (p *Pool) openLocked(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRecreate; attempt++ {
		client, err := p.open(ctx)
		if err == nil && p.check != nil {
			err = p.check(ctx, client)
		}
		if err == nil {
			p.generation++
			p.current = &Session{Client: client, Generation: p.generation, OpenedAt: time.Now()}
			return p.current, nil
		}

		lastErr = err
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"attempt": attempt,
		}).Warn("failed to open source session")
		if attempt < p.cfg.MaxRecreate {
			if err := p.sleep(ctx, p.cfg.Backoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, p.cfg.MaxRecreate, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
