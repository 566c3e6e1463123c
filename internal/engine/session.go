package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"reportline/internal/domain"
	"reportline/internal/events"
	"reportline/internal/report"
	"reportline/internal/repo"
)

// ErrStaleRun is returned by EnrichDraft and ReconcileDraft when the draft was
// regenerated while the run was in flight. The stale run leaves the draft as the
// newer generation wrote it.
var ErrStaleRun = errors.New("run superseded by a newer draft generation")

const systemActor = "reportline"

func actorOr(actorID string) string {
	if actorID == "" {
		return systemActor
	}
	return actorID
}

type DraftOptions struct {
	// DraftID regenerates an existing draft in place when set.
	DraftID   string
	ProjectID string
	Period    domain.Period
	ActorID   string
}

// GenerateDraft fetches the period's items, groups and renders them without
// summaries, and stores the result. Regenerating a draft bumps its generation,
// drops its summaries and hand edits, and keeps its report id.
func (e Engine) GenerateDraft(ctx context.Context, opts DraftOptions) (domain.Draft, error) {
	projectID, err := e.projectID(opts.ProjectID)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := e.requireTracker(); err != nil {
		return domain.Draft{}, err
	}
	p := opts.Period
	if !p.Scope.Kind.Valid() {
		return domain.Draft{}, fmt.Errorf("unknown scope kind %q", p.Scope.Kind)
	}
	if p.Phase == "" {
		p.Phase = domain.PhaseAt(p.Start, p.End, e.now())
	}
	if _, err := report.ParseReportID(p.ExistingReportID); err != nil {
		return domain.Draft{}, fmt.Errorf("invalid existing report id %q: %w", p.ExistingReportID, err)
	}

	var existing *domain.Draft
	if opts.DraftID != "" {
		d, err := e.Repo.GetDraft(ctx, opts.DraftID)
		if err != nil {
			return domain.Draft{}, err
		}
		if d.ProjectID != projectID {
			return domain.Draft{}, fmt.Errorf("draft %s belongs to project %s", d.ID, d.ProjectID)
		}
		if p.ExistingReportID == "" {
			p.ExistingReportID = d.Period.ExistingReportID
		}
		existing = &d
	}

	items, err := e.Tracker.FetchItems(ctx, projectID, p.Scope)
	if err != nil {
		return domain.Draft{}, fmt.Errorf("fetch items: %w", err)
	}
	groups := report.Group(items)
	rendered := report.Render(p, groups, nil)

	d := domain.Draft{
		ProjectID: projectID,
		Period:    p,
		Items:     items,
		Groups:    groups,
		Summaries: domain.Summaries{},
		Body:      rendered.Body,
		IIDs:      rendered.IIDs,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	if existing != nil {
		d.ID = existing.ID
		if d.Generation, err = e.Repo.RegenerateDraft(ctx, tx, d); err != nil {
			return domain.Draft{}, err
		}
	} else {
		d.ID = uuid.NewString()
		d.Generation = 1
		d.CreatedAt = e.now().UTC().Format(time.RFC3339)
		d.UpdatedAt = d.CreatedAt
		if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
			return domain.Draft{}, fmt.Errorf("insert draft: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.DraftGenerated, projectID, events.KindDraft, d.ID, actorOr(opts.ActorID), events.EventPayload{
		"scope":      p.Scope.Kind,
		"period":     p.Name,
		"items":      len(items),
		"groups":     len(groups),
		"generation": d.Generation,
	}); err != nil {
		return domain.Draft{}, err
	}
	stored, err := e.Repo.GetDraftTx(ctx, tx, d.ID)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	e.logger().Info("draft generated", "draft", d.ID, "project", projectID, "items", len(items), "groups", len(groups), "generation", stored.Generation)
	return stored, nil
}

// EnrichDraft adds AI summaries to a draft group by group. Every snapshot is
// saved before it is passed to emit. If the draft is regenerated meanwhile the
// run stops with ErrStaleRun and the stale snapshot is not emitted. A hand-edited
// body is never replaced; only the summaries are stored.
func (e Engine) EnrichDraft(ctx context.Context, draftID, actorID string, emit func(domain.Snapshot)) (domain.Draft, error) {
	if e.Summaries == nil {
		return domain.Draft{}, errors.New("no summary generator configured")
	}
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return domain.Draft{}, err
	}
	generation := d.Generation

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		stale   bool
		saveErr error
		failed  int
		steps   int
	)
	enricher := report.Enricher{Generator: e.Summaries, Logger: e.Logger}
	_, err = enricher.Enrich(runCtx, d.Period, d.Groups, func(s domain.Snapshot) {
		if stale || saveErr != nil {
			return
		}
		if err := e.Repo.SaveSnapshot(ctx, nil, d.ID, generation, s.Summaries, s.Report.Body); err != nil {
			if errors.Is(err, repo.ErrGenerationMismatch) {
				stale = true
			} else {
				saveErr = err
			}
			cancel()
			return
		}
		steps++
		if s.Failed {
			failed++
		}
		if emit != nil {
			emit(s)
		}
	})
	switch {
	case stale:
		e.logger().Warn("enrichment superseded", "draft", d.ID, "generation", generation)
		return domain.Draft{}, ErrStaleRun
	case saveErr != nil:
		return domain.Draft{}, fmt.Errorf("save snapshot: %w", saveErr)
	case err != nil:
		return domain.Draft{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.DraftEnriched, d.ProjectID, events.KindDraft, d.ID, actorOr(actorID), events.EventPayload{
		"groups":     steps,
		"failed":     failed,
		"generation": generation,
		"edited":     d.Edited,
	}); err != nil {
		return domain.Draft{}, err
	}
	stored, err := e.Repo.GetDraftTx(ctx, tx, d.ID)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return stored, nil
}

// EditDraft makes body the authoritative report text.
func (e Engine) EditDraft(ctx context.Context, draftID, body, actorID string) (domain.Draft, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDraftTx(ctx, tx, draftID)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := e.Repo.SetDraftBody(ctx, tx, draftID, body); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DraftEdited, d.ProjectID, events.KindDraft, d.ID, actorOr(actorID), events.EventPayload{
		"length": len(body),
	}); err != nil {
		return domain.Draft{}, err
	}
	stored, err := e.Repo.GetDraftTx(ctx, tx, draftID)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return stored, nil
}

// ReconcileDraft publishes the draft body to the tracker and links the
// period's current items to it. The record iid is remembered on the draft as
// soon as it is known, so a later run updates the same record.
func (e Engine) ReconcileDraft(ctx context.Context, draftID, actorID string) (domain.ReconcileResult, error) {
	if err := e.requireTracker(); err != nil {
		return domain.ReconcileResult{}, err
	}
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	items, err := e.Tracker.FetchItems(ctx, d.ProjectID, d.Period.Scope)
	if err != nil {
		return domain.ReconcileResult{}, fmt.Errorf("fetch items: %w", err)
	}
	linkRetries := 0
	if e.Config != nil {
		linkRetries = e.Config.Report.LinkRetries
	}
	rec := report.Reconciler{Records: e.Tracker, Logger: e.Logger, LinkRetries: linkRetries}
	res, recErr := rec.Reconcile(ctx, d.ProjectID, d.Period, d.Body, items)
	if res.RecordIID == 0 {
		return res, recErr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, errors.Join(recErr, err)
	}
	defer tx.Rollback()
	p := d.Period
	p.ExistingReportID = strconv.FormatInt(res.RecordIID, 10)
	stale := false
	err = e.Repo.SetDraftRecord(ctx, tx, d.ID, d.Generation, p, domain.RecordRef{IID: res.RecordIID, WebURL: res.RecordURL})
	switch {
	case errors.Is(err, repo.ErrGenerationMismatch):
		stale = true
		e.logger().Warn("reconcile superseded", "draft", d.ID, "generation", d.Generation, "record_iid", res.RecordIID)
	case err != nil:
		return res, errors.Join(recErr, err)
	}

	// The remote write happened either way, so the event is kept even for a
	// stale run. The draft and its link ledger only describe the current generation.
	actor := actorOr(actorID)
	evt := events.ReportUpdated
	if res.Mode == domain.ModeCreate {
		evt = events.ReportCreated
	}
	payload := events.EventPayload{
		"draft_id":   d.ID,
		"url":        res.RecordURL,
		"period":     d.Period.Name,
		"generation": d.Generation,
	}
	if stale {
		payload["stale"] = true
	}
	if err := e.Events.Append(ctx, tx, evt, d.ProjectID, events.KindReport, strconv.FormatInt(res.RecordIID, 10), actor, payload); err != nil {
		return res, errors.Join(recErr, err)
	}
	if recErr == nil && !stale {
		for _, iid := range res.Linked {
			if err := e.Repo.InsertLinkAttempt(ctx, tx, domain.LinkAttempt{DraftID: d.ID, RecordIID: res.RecordIID, TargetIID: iid, OK: true}); err != nil {
				return res, err
			}
		}
		for _, f := range res.Failures {
			if err := e.Repo.InsertLinkAttempt(ctx, tx, domain.LinkAttempt{DraftID: d.ID, RecordIID: res.RecordIID, TargetIID: f.TargetIID, Error: f.Error}); err != nil {
				return res, err
			}
		}
		if err := e.Events.Append(ctx, tx, events.ReportLinked, d.ProjectID, events.KindReport, strconv.FormatInt(res.RecordIID, 10), actor, events.EventPayload{
			"draft_id": d.ID,
			"linked":   res.LinkedCount,
			"failed":   len(res.Failures),
			"skipped":  res.Skipped,
		}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, errors.Join(recErr, err)
	}
	if stale {
		return res, errors.Join(ErrStaleRun, recErr)
	}
	return res, recErr
}

// LinkAttempts returns a draft's link ledger.
func (e Engine) LinkAttempts(ctx context.Context, draftID string) ([]domain.LinkAttempt, error) {
	if _, err := e.Repo.GetDraft(ctx, draftID); err != nil {
		return nil, err
	}
	return e.Repo.ListLinkAttempts(ctx, draftID)
}

type RunOptions struct {
	ProjectID string
	Scope     ScopeRequest
	// DraftID regenerates that draft. When empty the newest draft of the same
	// scope is reused, so repeated runs keep updating one report record.
	DraftID   string
	Enrich    bool
	Reconcile bool
	ActorID   string
	Emit      func(domain.Snapshot)
}

type RunResult struct {
	Draft     domain.Draft            `json:"draft"`
	Reconcile *domain.ReconcileResult `json:"reconcile,omitempty"`
}

// Run generates a draft and optionally enriches and reconciles it.
func (e Engine) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	projectID, err := e.projectID(opts.ProjectID)
	if err != nil {
		return RunResult{}, err
	}
	p, err := e.ResolvePeriod(ctx, projectID, opts.Scope)
	if err != nil {
		return RunResult{}, err
	}
	draftID := opts.DraftID
	if draftID == "" {
		prev, err := e.FindDraft(ctx, projectID, p.Scope)
		switch {
		case err == nil:
			draftID = prev.ID
		case !errors.Is(err, repo.ErrNotFound):
			return RunResult{}, err
		}
	}
	d, err := e.GenerateDraft(ctx, DraftOptions{DraftID: draftID, ProjectID: projectID, Period: p, ActorID: opts.ActorID})
	if err != nil {
		return RunResult{}, err
	}
	res := RunResult{Draft: d}
	if opts.Enrich {
		enriched, err := e.EnrichDraft(ctx, d.ID, opts.ActorID, opts.Emit)
		if err != nil {
			return res, err
		}
		res.Draft = enriched
	}
	if opts.Reconcile {
		rr, err := e.ReconcileDraft(ctx, d.ID, opts.ActorID)
		if rr.RecordIID != 0 {
			res.Reconcile = &rr
		}
		if err != nil {
			return res, err
		}
		published, err := e.Repo.GetDraft(ctx, d.ID)
		if err != nil {
			return res, err
		}
		res.Draft = published
	}
	return res, nil
}
