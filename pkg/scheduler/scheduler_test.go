package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/jobs"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/scoring"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeJobs struct {
	mu       sync.Mutex
	harvests []jobs.HarvestOptions
	resolves []jobs.ResolveOptions
	scores   []scoring.Options
	err      error
}

func (f *fakeJobs) Harvest(_ context.Context, opts jobs.HarvestOptions) (*models.CollectionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.harvests = append(f.harvests, opts)
	return &models.CollectionRun{}, f.err
}

func (f *fakeJobs) Resolve(_ context.Context, opts jobs.ResolveOptions) (*models.CollectionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, opts)
	return &models.CollectionRun{}, f.err
}

func (f *fakeJobs) Score(_ context.Context, opts scoring.Options) (*scoring.Report, *models.CollectionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores = append(f.scores, opts)
	return &scoring.Report{}, &models.CollectionRun{}, f.err
}

func TestNew_RegistersConfiguredJobs(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    int
		wantErr bool
	}{
		{name: "all jobs", cfg: Config{QuickCheck: "0 0 */4 * * *", Resolve: "0 30 3 * * *", Score: "0 0 5 * * *"}, want: 3},
		{name: "empty spec disables", cfg: Config{QuickCheck: "0 0 */4 * * *"}, want: 1},
		{name: "invalid spec", cfg: Config{Score: "every day"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(&fakeJobs{}, tt.cfg, testLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Entries())
		})
	}
}

func TestScheduler_JobsUseDaemonOptions(t *testing.T) {
	j := &fakeJobs{}
	s, err := New(j, Config{Threshold: 60}, testLogger())
	require.NoError(t, err)

	s.trigger("quick_check", s.quickCheck)
	s.trigger("resolve", s.resolve)
	s.trigger("score", s.score)

	require.Len(t, j.harvests, 1)
	assert.Equal(t, jobs.HarvestQuick, j.harvests[0].Mode)
	require.Len(t, j.resolves, 1)
	assert.Equal(t, resolver.StrategyBoth, j.resolves[0].Strategy)
	require.Len(t, j.scores, 1)
	assert.Equal(t, 60, j.scores[0].Threshold)
	assert.False(t, j.scores[0].DryRun)
}

func TestScheduler_TriggerSurvivesErrors(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("%w: harvest_quick", runledger.ErrLockHeld),
		context.Canceled,
		fmt.Errorf("database down"),
	} {
		j := &fakeJobs{err: err}
		s, newErr := New(j, Config{}, testLogger())
		require.NoError(t, newErr)
		assert.NotPanics(t, func() { s.trigger("quick_check", s.quickCheck) })
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := New(&fakeJobs{}, Config{Score: "0 0 5 * * *"}, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.ctx.Err())
}
