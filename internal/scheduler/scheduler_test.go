package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/engine"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []engine.RunOptions
	err  error
	done chan struct{}
}

func (r *recordingRunner) Run(_ context.Context, opts engine.RunOptions) (engine.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, opts)
	r.mu.Unlock()
	if r.done != nil {
		select {
		case r.done <- struct{}{}:
		default:
		}
	}
	if r.err != nil {
		return engine.RunResult{}, r.err
	}
	return engine.RunResult{Draft: domain.Draft{ID: "d1"}}, nil
}

func TestOptionsForRangeSchedule(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	opts := Options(config.Schedule{Name: "weekly", Scope: "range", RangeDays: 7, Reconcile: true}, "5", now)

	assert.Equal(t, domain.ScopeRange, opts.Scope.Kind)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), opts.Scope.Start)
	assert.Equal(t, now, opts.Scope.End)
	assert.Equal(t, "5", opts.ProjectID)
	assert.Equal(t, "scheduler:weekly", opts.ActorID)
	assert.True(t, opts.Reconcile)
	assert.False(t, opts.Enrich)

	opts = Options(config.Schedule{Name: "sprint", Scope: "iteration", Ref: "current", Enrich: true}, "", now)
	assert.Equal(t, domain.ScopeIteration, opts.Scope.Kind)
	assert.Equal(t, "current", opts.Scope.Ref)
	assert.True(t, opts.Scope.Start.IsZero())
	assert.True(t, opts.Enrich)
}

func TestNewRejectsBadSchedules(t *testing.T) {
	_, err := New(&recordingRunner{}, "", []config.Schedule{{Name: "x", Cron: "not a cron", Scope: "iteration"}}, nil)
	require.Error(t, err)

	_, err = New(&recordingRunner{}, "", []config.Schedule{
		{Name: "x", Cron: "@daily", Scope: "iteration"},
		{Name: "x", Cron: "@hourly", Scope: "milestone"},
	}, nil)
	require.ErrorContains(t, err, "duplicate")
}

func TestRunNow(t *testing.T) {
	runner := &recordingRunner{}
	s, err := New(runner, "9", []config.Schedule{{Name: "ms", Cron: "0 9 * * 1", Scope: "milestone", Ref: "v1.0"}}, nil)
	require.NoError(t, err)

	res, err := s.RunNow(context.Background(), "ms")
	require.NoError(t, err)
	assert.Equal(t, "d1", res.Draft.ID)
	require.Len(t, runner.runs, 1)
	assert.Equal(t, "v1.0", runner.runs[0].Scope.Ref)

	_, err = s.RunNow(context.Background(), "missing")
	require.ErrorContains(t, err, "unknown schedule")

	runner.err = errors.New("boom")
	_, err = s.RunNow(context.Background(), "ms")
	require.ErrorContains(t, err, "schedule ms: boom")
}

func TestStartFiresAndStops(t *testing.T) {
	runner := &recordingRunner{done: make(chan struct{}, 1)}
	s, err := New(runner, "", []config.Schedule{{Name: "tick", Cron: "@every 1s", Scope: "iteration"}}, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	assert.Contains(t, s.Next(), "tick")
	select {
	case <-runner.done:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not fire")
	}
	s.Stop()
	s.Stop()
}
