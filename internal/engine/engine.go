package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/events"
	"reportline/internal/logging"
	"reportline/internal/report"
	"reportline/internal/repo"
)

// Tracker is the issue tracker surface the engine needs.
type Tracker interface {
	ListIterations(ctx context.Context, projectID, state string) ([]domain.Iteration, error)
	ListMilestones(ctx context.Context, projectID, state string) ([]domain.Milestone, error)
	FetchItems(ctx context.Context, projectID string, scope domain.Scope) ([]domain.WorkItem, error)
	report.RecordStore
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Tracker   Tracker
	Summaries report.SummaryGenerator
	Logger    logging.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, tracker Tracker, summaries report.SummaryGenerator, logger logging.Logger) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Config:    cfg,
		Tracker:   tracker,
		Summaries: summaries,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() logging.Logger {
	return logging.OrDiscard(e.Logger)
}

func (e Engine) projectID(override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		return id, nil
	}
	if e.Config != nil && e.Config.GitLab.ProjectID != "" {
		return e.Config.GitLab.ProjectID, nil
	}
	return "", errors.New("project not specified; use --project or gitlab.project_id")
}

func (e Engine) requireTracker() error {
	if e.Tracker == nil {
		return errors.New("gitlab is not configured")
	}
	return nil
}

// ScopeRequest names the period a report should cover.
type ScopeRequest struct {
	Kind domain.ScopeKind
	// Ref selects an iteration or milestone by id, iid or title. Empty or
	// "current" picks the one running now.
	Ref string
	// Start and End bound range reports. An End without a clock time covers
	// the whole day.
	Start time.Time
	End   time.Time
	// ExistingReportID is the iid of a report record to update.
	ExistingReportID string
}

// ResolvePeriod turns a ScopeRequest into a Period using the tracker's
// iterations and milestones.
func (e Engine) ResolvePeriod(ctx context.Context, projectID string, req ScopeRequest) (domain.Period, error) {
	projectID, err := e.projectID(projectID)
	if err != nil {
		return domain.Period{}, err
	}
	var p domain.Period
	switch req.Kind {
	case domain.ScopeIteration:
		if err := e.requireTracker(); err != nil {
			return p, err
		}
		its, err := e.Tracker.ListIterations(ctx, projectID, "")
		if err != nil {
			return p, fmt.Errorf("list iterations: %w", err)
		}
		it, err := pickIteration(its, req.Ref, e.now())
		if err != nil {
			return p, err
		}
		p = IterationPeriod(it)
	case domain.ScopeMilestone:
		if err := e.requireTracker(); err != nil {
			return p, err
		}
		ms, err := e.Tracker.ListMilestones(ctx, projectID, "")
		if err != nil {
			return p, fmt.Errorf("list milestones: %w", err)
		}
		m, err := pickMilestone(ms, req.Ref, e.now())
		if err != nil {
			return p, err
		}
		p = MilestonePeriod(m)
	case domain.ScopeRange:
		p, err = RangePeriod(req.Start, req.End)
		if err != nil {
			return p, err
		}
	default:
		return p, fmt.Errorf("unknown scope kind %q", req.Kind)
	}
	p.ExistingReportID = strings.TrimSpace(req.ExistingReportID)
	p.Phase = domain.PhaseAt(p.Start, p.End, e.now())
	return p, nil
}

// IterationPeriod names an iteration by its title, its dates, or its id.
func IterationPeriod(it domain.Iteration) domain.Period {
	name := strings.TrimSpace(it.Title)
	if name == "" {
		if !it.StartDate.IsZero() && !it.DueDate.IsZero() {
			name = report.FormatDate(it.StartDate) + " - " + report.FormatDate(it.DueDate)
		} else {
			name = fmt.Sprintf("Iteration %d", it.ID)
		}
	}
	return domain.Period{
		Name:  name,
		Start: it.StartDate,
		End:   it.DueDate,
		Scope: domain.Scope{Kind: domain.ScopeIteration, ID: it.ID, Title: it.Title, Start: it.StartDate, End: it.DueDate},
	}
}

func MilestonePeriod(m domain.Milestone) domain.Period {
	return domain.Period{
		Name:  m.Title,
		Start: m.StartDate,
		End:   m.DueDate,
		Scope: domain.Scope{Kind: domain.ScopeMilestone, ID: m.ID, Title: m.Title, Start: m.StartDate, End: m.DueDate},
	}
}

// RangePeriod covers [start, end]; a date-only end extends to the end of that day.
func RangePeriod(start, end time.Time) (domain.Period, error) {
	if start.IsZero() || end.IsZero() {
		return domain.Period{}, errors.New("range reports need a start and an end date")
	}
	if end.Equal(end.Truncate(24 * time.Hour)) {
		end = end.Add(24*time.Hour - time.Second)
	}
	if end.Before(start) {
		return domain.Period{}, errors.New("invalid range: end is before its start")
	}
	return domain.Period{
		Name:  report.FormatDate(start) + " - " + report.FormatDate(end),
		Start: start,
		End:   end,
		Scope: domain.Scope{Kind: domain.ScopeRange, Start: start, End: end},
	}, nil
}

func isCurrent(ref string) bool {
	ref = strings.TrimSpace(strings.ToLower(ref))
	return ref == "" || ref == "current"
}

func pickIteration(its []domain.Iteration, ref string, now time.Time) (domain.Iteration, error) {
	if isCurrent(ref) {
		for _, it := range its {
			if domain.PhaseAt(it.StartDate, it.DueDate, now) == domain.PhaseCurrent && !it.StartDate.IsZero() {
				return it, nil
			}
		}
		return domain.Iteration{}, fmt.Errorf("no current iteration: %w", repo.ErrNotFound)
	}
	n, numErr := strconv.ParseInt(ref, 10, 64)
	for _, it := range its {
		if numErr == nil && (it.ID == n || it.IID == n) {
			return it, nil
		}
	}
	for _, it := range its {
		if strings.EqualFold(it.Title, ref) {
			return it, nil
		}
	}
	return domain.Iteration{}, fmt.Errorf("iteration %q: %w", ref, repo.ErrNotFound)
}

func pickMilestone(ms []domain.Milestone, ref string, now time.Time) (domain.Milestone, error) {
	if isCurrent(ref) {
		var fallback *domain.Milestone
		for i, m := range ms {
			if m.State != "active" {
				continue
			}
			if !m.StartDate.IsZero() && domain.PhaseAt(m.StartDate, m.DueDate, now) == domain.PhaseCurrent {
				return m, nil
			}
			if fallback == nil {
				fallback = &ms[i]
			}
		}
		if fallback != nil {
			return *fallback, nil
		}
		return domain.Milestone{}, fmt.Errorf("no active milestone: %w", repo.ErrNotFound)
	}
	n, numErr := strconv.ParseInt(ref, 10, 64)
	for _, m := range ms {
		if numErr == nil && (m.ID == n || m.IID == n) {
			return m, nil
		}
	}
	for _, m := range ms {
		if strings.EqualFold(m.Title, ref) {
			return m, nil
		}
	}
	return domain.Milestone{}, fmt.Errorf("milestone %q: %w", ref, repo.ErrNotFound)
}

// ListIterations passes through to the tracker for the resolved project.
func (e Engine) ListIterations(ctx context.Context, projectID, state string) ([]domain.Iteration, error) {
	projectID, err := e.projectID(projectID)
	if err != nil {
		return nil, err
	}
	if err := e.requireTracker(); err != nil {
		return nil, err
	}
	return e.Tracker.ListIterations(ctx, projectID, state)
}

func (e Engine) ListMilestones(ctx context.Context, projectID, state string) ([]domain.Milestone, error) {
	projectID, err := e.projectID(projectID)
	if err != nil {
		return nil, err
	}
	if err := e.requireTracker(); err != nil {
		return nil, err
	}
	return e.Tracker.ListMilestones(ctx, projectID, state)
}

func sameScope(a, b domain.Scope) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == domain.ScopeRange {
		return a.Start.Equal(b.Start) && a.End.Equal(b.End)
	}
	return a.ID == b.ID
}

// FindDraft returns the newest draft of a project covering scope.
func (e Engine) FindDraft(ctx context.Context, projectID string, scope domain.Scope) (domain.Draft, error) {
	drafts, err := e.Repo.ListDrafts(ctx, projectID, 0)
	if err != nil {
		return domain.Draft{}, err
	}
	for _, d := range drafts {
		if sameScope(d.Period.Scope, scope) {
			return d, nil
		}
	}
	return domain.Draft{}, repo.ErrNotFound
}
