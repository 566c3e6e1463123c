package repo_test

import (
	"context"
	"errors"
	"testing"

	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/events"
	"reportline/internal/migrate"
	"reportline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, ctx
}

func sampleDraft(id string) domain.Draft {
	return domain.Draft{
		ID:        id,
		ProjectID: "5",
		Period:    domain.Period{Name: "Sprint 1", Scope: domain.Scope{Kind: domain.ScopeIteration, ID: 77}},
		Items:     []domain.WorkItem{{IID: 1, Title: "A", State: domain.StateOpened, Labels: []string{"Assignee::Ana"}}},
		Groups:    []domain.Group{{Name: "Ana", Items: []domain.GroupEntry{{IID: 1, Title: "A", State: domain.StateOpened}}}},
		Body:      "## Sprint 1\n",
		IIDs:      []int64{1},
	}
}

func TestDraftRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertDraft(ctx, nil, sampleDraft("d1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetDraft(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Generation != 1 || got.Edited || got.RecordIID != nil {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.Period.Scope.ID != 77 || len(got.Groups) != 1 || got.Groups[0].Items[0].Title != "A" {
		t.Fatalf("payload not preserved: %+v", got)
	}
	if got.Summaries == nil {
		t.Fatalf("summaries should decode to an empty map")
	}
	if _, err := r.GetDraft(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveSnapshotGenerationGuard(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertDraft(ctx, nil, sampleDraft("d1")); err != nil {
		t.Fatal(err)
	}
	body := "## Sprint 1\n*Ana shipped.*\n"
	if err := r.SaveSnapshot(ctx, nil, "d1", 1, domain.Summaries{"Ana": "Ana shipped."}, body); err != nil {
		t.Fatalf("save at current generation: %v", err)
	}

	d := sampleDraft("d1")
	d.Body = "regenerated"
	gen, err := r.RegenerateDraft(ctx, nil, d)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if gen != 2 {
		t.Fatalf("expected generation 2, got %d", gen)
	}
	err = r.SaveSnapshot(ctx, nil, "d1", 1, domain.Summaries{"Ana": "late"}, body)
	if !errors.Is(err, repo.ErrGenerationMismatch) {
		t.Fatalf("expected generation mismatch, got %v", err)
	}
	got, _ := r.GetDraft(ctx, "d1")
	if got.Body != "regenerated" || len(got.Summaries) != 0 {
		t.Fatalf("stale snapshot leaked: %+v", got)
	}
	if err := r.SaveSnapshot(ctx, nil, "nope", 1, nil, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEditedBodyKeptBySummaryOnlySnapshot(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertDraft(ctx, nil, sampleDraft("d1")); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDraftBody(ctx, nil, "d1", "hand written"); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveSnapshot(ctx, nil, "d1", 1, domain.Summaries{"Ana": "x"}, "rendered"); err != nil {
		t.Fatal(err)
	}
	got, _ := r.GetDraft(ctx, "d1")
	if !got.Edited || got.Body != "hand written" || got.Summaries["Ana"] != "x" {
		t.Fatalf("unexpected draft: %+v", got)
	}
}

func TestRecordAndLinkLedger(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertDraft(ctx, nil, sampleDraft("d1")); err != nil {
		t.Fatal(err)
	}
	p := sampleDraft("d1").Period
	p.ExistingReportID = "42"
	if err := r.SetDraftRecord(ctx, nil, "d1", 1, p, domain.RecordRef{IID: 42, WebURL: "https://gitlab.example.com/g/p/-/issues/42"}); err != nil {
		t.Fatal(err)
	}
	for _, a := range []domain.LinkAttempt{
		{DraftID: "d1", RecordIID: 42, TargetIID: 1, OK: true},
		{DraftID: "d1", RecordIID: 42, TargetIID: 2, Error: "403 Forbidden"},
	} {
		if err := r.InsertLinkAttempt(ctx, nil, a); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := r.GetDraft(ctx, "d1")
	if got.RecordIID == nil || *got.RecordIID != 42 || got.Period.ExistingReportID != "42" {
		t.Fatalf("record not stored: %+v", got)
	}
	attempts, err := r.ListLinkAttempts(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 || !attempts[0].OK || attempts[1].OK || attempts[1].Error != "403 Forbidden" {
		t.Fatalf("unexpected ledger: %+v", attempts)
	}

	if err := r.DeleteDraft(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	attempts, _ = r.ListLinkAttempts(ctx, "d1")
	if len(attempts) != 0 {
		t.Fatalf("ledger should cascade, got %d rows", len(attempts))
	}
}

func TestSetDraftRecordGenerationGuard(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertDraft(ctx, nil, sampleDraft("d1")); err != nil {
		t.Fatal(err)
	}
	d := sampleDraft("d1")
	d.Period = domain.Period{Name: "1/1/2024 - 1/31/2024", Scope: domain.Scope{Kind: domain.ScopeRange}}
	if _, err := r.RegenerateDraft(ctx, nil, d); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	old := sampleDraft("d1").Period
	old.ExistingReportID = "42"
	err := r.SetDraftRecord(ctx, nil, "d1", 1, old, domain.RecordRef{IID: 42})
	if !errors.Is(err, repo.ErrGenerationMismatch) {
		t.Fatalf("expected generation mismatch, got %v", err)
	}
	got, _ := r.GetDraft(ctx, "d1")
	if got.Period.Scope.Kind != domain.ScopeRange || got.Period.ExistingReportID != "" || got.RecordIID != nil {
		t.Fatalf("stale record leaked: %+v", got.Period)
	}
	if err := r.SetDraftRecord(ctx, nil, "nope", 1, old, domain.RecordRef{IID: 42}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsPaging(t *testing.T) {
	r, ctx := newRepo(t)
	w := events.Writer{}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, typ := range []string{events.DraftGenerated, events.DraftEnriched, events.ReportCreated} {
		project := "5"
		if i == 1 {
			project = ""
		}
		if err := w.Append(ctx, tx, typ, project, events.KindDraft, "d1", "tester", events.EventPayload{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	latest, err := r.LatestEvents(ctx, 10, 0, repo.EventFilter{ProjectID: "5"})
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 || latest[0].Type != events.ReportCreated {
		t.Fatalf("unexpected latest: %+v", latest)
	}
	all, err := r.EventsAfter(ctx, 0, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[1].ProjectID != "" {
		t.Fatalf("unexpected events: %+v", all)
	}
	after, _ := r.EventsAfter(ctx, 10, all[0].ID, "5")
	if len(after) != 1 || after[0].Type != events.ReportCreated {
		t.Fatalf("unexpected after: %+v", after)
	}
	id, err := r.LatestEventID(ctx, "5")
	if err != nil || id != all[2].ID {
		t.Fatalf("latest id = %d, %v", id, err)
	}
}
