// Package scheduler runs configured reports on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/logging"
)

// Runner is the part of the engine a schedule drives.
type Runner interface {
	Run(ctx context.Context, opts engine.RunOptions) (engine.RunResult, error)
}

type Scheduler struct {
	runner    Runner
	projectID string
	schedules map[string]config.Schedule
	logger    logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New validates every cron spec up front. projectID may be empty when the
// engine has a default project.
func New(runner Runner, projectID string, schedules []config.Schedule, logger logging.Logger) (*Scheduler, error) {
	s := &Scheduler{
		runner:    runner,
		projectID: projectID,
		schedules: make(map[string]config.Schedule, len(schedules)),
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
		entries:   make(map[string]cron.EntryID),
	}
	// A report still running when its next tick fires is skipped rather than stacked.
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, sc := range schedules {
		if _, dup := s.schedules[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %s", sc.Name)
		}
		sc := sc
		id, err := s.cron.AddFunc(sc.Cron, func() { s.fire(sc.Name) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
		s.schedules[sc.Name] = sc
		s.entries[sc.Name] = id
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "schedules", len(s.schedules))
}

// Stop cancels running reports and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Next returns when each schedule fires next. Empty before Start.
func (s *Scheduler) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		if next := s.cron.Entry(id).Next; !next.IsZero() {
			out[name] = next
		}
	}
	return out
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.RunNow(ctx, name); err != nil {
		s.logger.Error("scheduled report failed", "schedule", name, "err", err)
	}
}

// RunNow runs one schedule immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) (engine.RunResult, error) {
	sc, ok := s.schedules[name]
	if !ok {
		return engine.RunResult{}, fmt.Errorf("unknown schedule %s", name)
	}
	started := s.now()
	res, err := s.runner.Run(ctx, Options(sc, s.projectID, started))
	if err != nil {
		return res, fmt.Errorf("schedule %s: %w", name, err)
	}
	attrs := []any{"schedule", name, "draft", res.Draft.ID, "period", res.Draft.Period.Name, "took", time.Since(started).Round(time.Millisecond)}
	if res.Reconcile != nil {
		attrs = append(attrs, "mode", res.Reconcile.Mode, "record_iid", res.Reconcile.RecordIID, "linked", res.Reconcile.LinkedCount)
	}
	s.logger.Info("scheduled report done", attrs...)
	return res, nil
}

// Options turns a schedule into run options at time now. Range schedules cover
// the RangeDays whole days before now's date, plus today so far.
func Options(sc config.Schedule, projectID string, now time.Time) engine.RunOptions {
	req := engine.ScopeRequest{Kind: domain.ScopeKind(sc.Scope), Ref: sc.Ref}
	if req.Kind == domain.ScopeRange {
		days := sc.RangeDays
		if days <= 0 {
			days = 7
		}
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		req.Start = today.AddDate(0, 0, -days)
		req.End = now
	}
	return engine.RunOptions{
		ProjectID: projectID,
		Scope:     req,
		Enrich:    sc.Enrich,
		Reconcile: sc.Reconcile,
		ActorID:   "scheduler:" + sc.Name,
	}
}
