package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"reportline/internal/domain"
	"reportline/internal/logging"
)

// RecordStore is the tracker surface the reconciler writes to.
type RecordStore interface {
	CreateRecord(ctx context.Context, projectID string, rec domain.NewRecord) (domain.RecordRef, error)
	UpdateRecord(ctx context.Context, projectID string, iid int64, body string) (domain.RecordRef, error)
	FetchLinks(ctx context.Context, projectID string, iid int64) (domain.LinkSet, error)
	LinkRecords(ctx context.Context, projectID string, iid, targetIID int64) error
}

// Reconcile stages reported in ReconcileError.
const (
	StageParse      = "parse"
	StageCreate     = "create"
	StageUpdate     = "update"
	StageFetchLinks = "fetch-links"
)

// ReconcileError is a fatal reconcile failure. Nothing past Stage was attempted.
type ReconcileError struct {
	Stage     string
	RecordIID int64
	Err       error
}

func (e *ReconcileError) Error() string {
	switch e.Stage {
	case StageParse:
		return fmt.Sprintf("invalid existing report id: %v", e.Err)
	case StageUpdate:
		return fmt.Sprintf("failed to update existing report #%d: %v", e.RecordIID, e.Err)
	case StageCreate:
		return fmt.Sprintf("failed to create report: %v", e.Err)
	case StageFetchLinks:
		return fmt.Sprintf("failed to fetch links of report #%d: %v", e.RecordIID, e.Err)
	default:
		return fmt.Sprintf("reconcile %s: %v", e.Stage, e.Err)
	}
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Reconciler creates or updates the report record and links missing items to it.
type Reconciler struct {
	Records RecordStore
	Logger  logging.Logger
	// LinkRetries is how many extra attempts a failed link gets. Zero means a
	// single pass.
	LinkRetries int
}

// ParseReportID parses a user-supplied record iid. Empty input yields 0.
func ParseReportID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	iid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if iid <= 0 {
		return 0, fmt.Errorf("report id must be positive, got %d", iid)
	}
	return iid, nil
}

// Reconcile writes body to the period's report record, creating the record when
// the period has no ExistingReportID, then links every item not yet linked.
// Record and link-fetch failures are returned as *ReconcileError. Individual
// link failures are collected in the result and never returned.
func (r Reconciler) Reconcile(ctx context.Context, projectID string, p domain.Period, body string, items []domain.WorkItem) (domain.ReconcileResult, error) {
	logger := logging.OrDiscard(r.Logger)
	existing, err := ParseReportID(p.ExistingReportID)
	if err != nil {
		return domain.ReconcileResult{}, &ReconcileError{Stage: StageParse, Err: err}
	}

	var (
		res domain.ReconcileResult
		ref domain.RecordRef
	)
	if existing > 0 {
		res.Mode = domain.ModeUpdate
		ref, err = r.Records.UpdateRecord(ctx, projectID, existing, body)
		if err != nil {
			return domain.ReconcileResult{}, &ReconcileError{Stage: StageUpdate, RecordIID: existing, Err: err}
		}
		if ref.IID == 0 {
			ref.IID = existing
		}
		logger.Info("report updated", "project", projectID, "record_iid", ref.IID)
	} else {
		res.Mode = domain.ModeCreate
		rec := domain.NewRecord{
			Title:  Title(p),
			Body:   body,
			Labels: []string{Label(p.Scope.Kind)},
		}
		switch p.Scope.Kind {
		case domain.ScopeIteration:
			rec.IterationID = p.Scope.ID
		case domain.ScopeMilestone:
			rec.MilestoneID = p.Scope.ID
		}
		ref, err = r.Records.CreateRecord(ctx, projectID, rec)
		if err != nil {
			return domain.ReconcileResult{}, &ReconcileError{Stage: StageCreate, Err: err}
		}
		logger.Info("report created", "project", projectID, "record_iid", ref.IID, "url", ref.WebURL)
	}
	res.RecordIID = ref.IID
	res.RecordURL = ref.WebURL

	linked, err := r.Records.FetchLinks(ctx, projectID, ref.IID)
	if err != nil {
		return res, &ReconcileError{Stage: StageFetchLinks, RecordIID: ref.IID, Err: err}
	}

	for _, target := range MissingLinks(items, linked, ref.IID) {
		if err := r.link(ctx, projectID, ref.IID, target); err != nil {
			logger.Warn("link failed", "record_iid", ref.IID, "target_iid", target, "error", err)
			res.Failures = append(res.Failures, domain.LinkFailure{TargetIID: target, Error: err.Error()})
			continue
		}
		res.Linked = append(res.Linked, target)
		res.LinkedCount++
	}
	res.Skipped = countDistinct(items) - len(res.Linked) - len(res.Failures)
	logger.Info("report linked", "record_iid", ref.IID, "linked", res.LinkedCount, "failed", len(res.Failures))
	return res, nil
}

func (r Reconciler) link(ctx context.Context, projectID string, iid, target int64) error {
	var err error
	for attempt := 0; attempt <= r.LinkRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}
		if err = r.Records.LinkRecords(ctx, projectID, iid, target); err == nil {
			return nil
		}
	}
	return err
}

// MissingLinks returns item iids in item order, deduplicated, that are neither
// in linked nor equal to self.
func MissingLinks(items []domain.WorkItem, linked domain.LinkSet, self int64) []int64 {
	var out []int64
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.IID]; dup {
			continue
		}
		seen[item.IID] = struct{}{}
		if item.IID == self || linked.Has(item.IID) {
			continue
		}
		out = append(out, item.IID)
	}
	return out
}

func countDistinct(items []domain.WorkItem) int {
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		seen[item.IID] = struct{}{}
	}
	return len(seen)
}
