package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStartup(maxAttempts int) (*Startup, *[]time.Duration) {
	s := New(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return s, &waits
}

type recorder struct {
	events []string
}

func (r *recorder) dep(name string, requires ...string) Func {
	return Func{
		Name:     name,
		Requires: requires,
		OnStart:  func(context.Context) error { r.events = append(r.events, "start:"+name); return nil },
		OnStop:   func(context.Context) error { r.events = append(r.events, "stop:"+name); return nil },
	}
}

func TestStartup_DependencyOrder(t *testing.T) {
	s, _ := testStartup(1)
	rec := &recorder{}
	s.Add(rec.dep("scheduler", "database", "state"))
	s.Add(rec.dep("database"))
	s.Add(rec.dep("state"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start:database", "start:state", "start:scheduler"}, rec.events)
	assert.Equal(t, StatusStarted, s.Status("scheduler"))

	rec.events = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop:scheduler", "stop:state", "stop:database"}, rec.events)
	assert.Equal(t, StatusStopped, s.Status("database"))
}

func TestStartup_RetriesWithFibonacciBackoff(t *testing.T) {
	s, waits := testStartup(4)
	calls := 0
	s.Add(Func{Name: "database", OnStart: func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, *waits)
}

func TestStartup_GivesUp(t *testing.T) {
	s, _ := testStartup(2)
	started := 0
	s.Add(Func{Name: "state", OnStart: func(context.Context) error { started++; return nil }})
	s.Add(Func{Name: "database", OnStart: func(context.Context) error { return errors.New("down") }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 1, started)
	assert.Equal(t, StatusFailed, s.Status("database"))
}

func TestStartup_UnknownAndCyclicDependencies(t *testing.T) {
	s, _ := testStartup(1)
	s.Add(Func{Name: "scheduler", Requires: []string{"database"}})
	assert.Error(t, s.Start(context.Background()))

	s, _ = testStartup(1)
	s.Add(Func{Name: "a", Requires: []string{"b"}})
	s.Add(Func{Name: "b", Requires: []string{"a"}})
	assert.Error(t, s.Start(context.Background()))
}
