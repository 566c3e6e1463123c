package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/migrate"
	"reportline/internal/report"
	"reportline/internal/repo"
)

type fakeTracker struct {
	mu         sync.Mutex
	iterations []domain.Iteration
	milestones []domain.Milestone
	items      []domain.WorkItem
	fetchErr   error
	nextIID    int64
	created    []domain.NewRecord
	bodies     map[int64]string
	links      map[int64]domain.LinkSet
	failLink   map[int64]bool
	// onCreate runs before a record is created, outside the lock.
	onCreate func()
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		nextIID:  100,
		bodies:   map[int64]string{},
		links:    map[int64]domain.LinkSet{},
		failLink: map[int64]bool{},
		iterations: []domain.Iteration{{
			ID:        77,
			IID:       3,
			Title:     "Sprint 1",
			State:     2,
			StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			DueDate:   time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
		}},
		milestones: []domain.Milestone{{
			ID:      9,
			IID:     1,
			Title:   "v1.0",
			State:   "active",
			DueDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		}},
		items: []domain.WorkItem{
			item(1, "Fix login", domain.StateClosed, "Assignee::Ana"),
			item(2, "Add docs", domain.StateOpened, "Assignee::Bo", "Assignee::Ana"),
			item(3, "Triage", domain.StateOpened),
		},
	}
}

func item(iid int64, title, state string, labels ...string) domain.WorkItem {
	return domain.WorkItem{
		ID:     iid * 10,
		IID:    iid,
		Title:  title,
		State:  state,
		WebURL: fmt.Sprintf("https://gitlab.example.com/g/p/-/issues/%d", iid),
		Labels: labels,
	}
}

func (f *fakeTracker) ListIterations(context.Context, string, string) ([]domain.Iteration, error) {
	return f.iterations, nil
}

func (f *fakeTracker) ListMilestones(context.Context, string, string) ([]domain.Milestone, error) {
	return f.milestones, nil
}

func (f *fakeTracker) FetchItems(context.Context, string, domain.Scope) ([]domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]domain.WorkItem(nil), f.items...), nil
}

func (f *fakeTracker) CreateRecord(_ context.Context, _ string, rec domain.NewRecord) (domain.RecordRef, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	iid := f.nextIID
	f.nextIID++
	f.created = append(f.created, rec)
	f.bodies[iid] = rec.Body
	return domain.RecordRef{IID: iid, WebURL: fmt.Sprintf("https://gitlab.example.com/g/p/-/issues/%d", iid)}, nil
}

func (f *fakeTracker) UpdateRecord(_ context.Context, _ string, iid int64, body string) (domain.RecordRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bodies[iid]; !ok {
		return domain.RecordRef{}, errors.New("404 Not found")
	}
	f.bodies[iid] = body
	return domain.RecordRef{IID: iid}, nil
}

func (f *fakeTracker) FetchLinks(_ context.Context, _ string, iid int64) (domain.LinkSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := domain.LinkSet{}
	for k := range f.links[iid] {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeTracker) LinkRecords(_ context.Context, _ string, iid, target int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLink[target] {
		return fmt.Errorf("failed to link issue #%d to #%d: 403 Forbidden", target, iid)
	}
	if f.links[iid] == nil {
		f.links[iid] = domain.LinkSet{}
	}
	f.links[iid][target] = struct{}{}
	return nil
}

type testEnv struct {
	Engine  engine.Engine
	Tracker *fakeTracker
	Ctx     context.Context
}

func newTestEnv(t *testing.T, gen report.SummaryGenerator) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	tracker := newFakeTracker()
	eng := engine.New(conn, config.Default("5"), tracker, gen, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Tracker: tracker, Ctx: ctx}
}

func (env testEnv) generate(t *testing.T) domain.Draft {
	t.Helper()
	p, err := env.Engine.ResolvePeriod(env.Ctx, "", engine.ScopeRequest{Kind: domain.ScopeIteration})
	require.NoError(t, err)
	d, err := env.Engine.GenerateDraft(env.Ctx, engine.DraftOptions{Period: p, ActorID: "tester"})
	require.NoError(t, err)
	return d
}

func echoSummaries() report.SummaryGenerator {
	return report.SummaryFunc(func(_ context.Context, req report.SummaryRequest) (string, error) {
		return fmt.Sprintf("%s %s on %d issues.", req.Assignee, req.Phase.Tense(), len(req.Titles)), nil
	})
}

func TestGenerateDraftRendersWithoutSummaries(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.generate(t)

	assert.Equal(t, "5", d.ProjectID)
	assert.Equal(t, "Sprint 1", d.Period.Name)
	assert.Equal(t, domain.PhaseCurrent, d.Period.Phase)
	assert.Equal(t, int64(1), d.Generation)
	require.Len(t, d.Groups, 3)
	assert.Equal(t, []string{"Ana", "Bo", report.BacklogGroup}, []string{d.Groups[0].Name, d.Groups[1].Name, d.Groups[2].Name})
	assert.Equal(t, []int64{1, 2, 3}, d.IIDs)
	assert.True(t, strings.HasPrefix(d.Body, "## Sprint 1\n\n**Start Date:** 1/1/2024\n**Due Date:** 1/14/2024\n\n"))
	assert.Contains(t, d.Body, "**Ana** (2 issues):\n- ✅ [Fix login](https://gitlab.example.com/g/p/-/issues/1)\n")
	assert.Empty(t, d.Summaries)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilter{ProjectID: "5"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "draft.generated", evts[0].Type)
	assert.Equal(t, "tester", evts[0].ActorID)
}

func TestGenerateDraftFetchFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Tracker.fetchErr = errors.New("502 Bad Gateway")
	p, err := env.Engine.ResolvePeriod(env.Ctx, "", engine.ScopeRequest{Kind: domain.ScopeIteration, Ref: "Sprint 1"})
	require.NoError(t, err)
	_, err = env.Engine.GenerateDraft(env.Ctx, engine.DraftOptions{Period: p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch items")

	drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, "5", 0)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestEnrichDraftSavesEverySnapshot(t *testing.T) {
	env := newTestEnv(t, echoSummaries())
	d := env.generate(t)

	var snaps []domain.Snapshot
	out, err := env.Engine.EnrichDraft(env.Ctx, d.ID, "tester", func(s domain.Snapshot) { snaps = append(snaps, s) })
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, 3, snaps[2].Total)
	assert.Len(t, snaps[0].Summaries, 1)
	assert.Equal(t, "Ana is working on 2 issues.", out.Summaries["Ana"])
	assert.Contains(t, out.Body, "**Ana** (2 issues):\n*Ana is working on 2 issues.*\n\n")
	assert.Equal(t, snaps[2].Report.Body, out.Body)
}

func TestEnrichDraftStopsWhenRegenerated(t *testing.T) {
	var env testEnv
	calls := 0
	gen := report.SummaryFunc(func(_ context.Context, req report.SummaryRequest) (string, error) {
		calls++
		if calls == 1 {
			drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, "5", 1)
			if err != nil || len(drafts) != 1 {
				return "", fmt.Errorf("list drafts: %v", err)
			}
			p := drafts[0].Period
			if _, err := env.Engine.GenerateDraft(env.Ctx, engine.DraftOptions{DraftID: drafts[0].ID, Period: p}); err != nil {
				return "", err
			}
		}
		return "summary for " + req.Assignee, nil
	})
	env = newTestEnv(t, gen)
	d := env.generate(t)

	var emitted int
	_, err := env.Engine.EnrichDraft(env.Ctx, d.ID, "", func(domain.Snapshot) { emitted++ })
	require.ErrorIs(t, err, engine.ErrStaleRun)
	assert.Zero(t, emitted)
	assert.Equal(t, 1, calls)

	stored, err := env.Engine.Repo.GetDraft(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Generation)
	assert.Empty(t, stored.Summaries)
	assert.NotContains(t, stored.Body, "summary for")
}

func TestEnrichDraftKeepsEditedBody(t *testing.T) {
	env := newTestEnv(t, echoSummaries())
	d := env.generate(t)
	_, err := env.Engine.EditDraft(env.Ctx, d.ID, "my own words", "tester")
	require.NoError(t, err)

	out, err := env.Engine.EnrichDraft(env.Ctx, d.ID, "tester", nil)
	require.NoError(t, err)
	assert.True(t, out.Edited)
	assert.Equal(t, "my own words", out.Body)
	assert.Len(t, out.Summaries, 3)
}

func TestEnrichDraftWithoutGenerator(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.generate(t)
	_, err := env.Engine.EnrichDraft(env.Ctx, d.ID, "", nil)
	assert.Error(t, err)
}

func TestReconcileDraftCreatesThenUpdates(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.generate(t)

	res, err := env.Engine.ReconcileDraft(env.Ctx, d.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeCreate, res.Mode)
	assert.Equal(t, int64(100), res.RecordIID)
	assert.Equal(t, 3, res.LinkedCount)
	require.Len(t, env.Tracker.created, 1)
	assert.Equal(t, "Sprint 1 – Iteration Report", env.Tracker.created[0].Title)
	assert.Equal(t, int64(77), env.Tracker.created[0].IterationID)

	stored, err := env.Engine.Repo.GetDraft(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", stored.Period.ExistingReportID)
	require.NotNil(t, stored.RecordIID)
	assert.Equal(t, int64(100), *stored.RecordIID)

	_, err = env.Engine.EditDraft(env.Ctx, d.ID, "edited body", "tester")
	require.NoError(t, err)
	res, err = env.Engine.ReconcileDraft(env.Ctx, d.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeUpdate, res.Mode)
	assert.Zero(t, res.LinkedCount)
	assert.Equal(t, 3, res.Skipped)
	assert.Len(t, env.Tracker.created, 1)
	assert.Equal(t, "edited body", env.Tracker.bodies[100])

	ledger, err := env.Engine.LinkAttempts(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 3)
}

func TestReconcileDraftStopsWhenRegenerated(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.generate(t)
	rangeStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	env.Tracker.onCreate = func() {
		env.Tracker.onCreate = nil
		p, err := engine.RangePeriod(rangeStart, rangeEnd)
		require.NoError(t, err)
		_, err = env.Engine.GenerateDraft(env.Ctx, engine.DraftOptions{DraftID: d.ID, Period: p})
		require.NoError(t, err)
	}

	res, err := env.Engine.ReconcileDraft(env.Ctx, d.ID, "tester")
	require.ErrorIs(t, err, engine.ErrStaleRun)
	assert.Equal(t, int64(100), res.RecordIID)

	stored, err := env.Engine.Repo.GetDraft(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Generation)
	assert.Equal(t, domain.ScopeRange, stored.Period.Scope.Kind)
	assert.Empty(t, stored.Period.ExistingReportID)
	assert.Nil(t, stored.RecordIID)

	ledger, err := env.Engine.LinkAttempts(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, 0, repo.EventFilter{ProjectID: "5", Type: "report.created"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, `"stale":true`)

	// The next run belongs to the range scope and creates its own record.
	res, err = env.Engine.ReconcileDraft(env.Ctx, d.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeCreate, res.Mode)
	assert.Equal(t, int64(101), res.RecordIID)
}

func TestReconcileDraftRecordsLinkFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Tracker.failLink[2] = true
	d := env.generate(t)

	res, err := env.Engine.ReconcileDraft(env.Ctx, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.LinkedCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, int64(2), res.Failures[0].TargetIID)

	ledger, err := env.Engine.LinkAttempts(env.Ctx, d.ID)
	require.NoError(t, err)
	var failed []int64
	for _, a := range ledger {
		if !a.OK {
			failed = append(failed, a.TargetIID)
			assert.Contains(t, a.Error, "403")
		}
	}
	assert.Equal(t, []int64{2}, failed)

	env.Tracker.failLink[2] = false
	res, err = env.Engine.ReconcileDraft(env.Ctx, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.Linked)
}

func TestReconcileDraftUpdateFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	p, err := env.Engine.ResolvePeriod(env.Ctx, "", engine.ScopeRequest{Kind: domain.ScopeIteration, ExistingReportID: "404"})
	require.NoError(t, err)
	d, err := env.Engine.GenerateDraft(env.Ctx, engine.DraftOptions{Period: p})
	require.NoError(t, err)

	_, err = env.Engine.ReconcileDraft(env.Ctx, d.ID, "")
	var recErr *report.ReconcileError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, report.StageUpdate, recErr.Stage)
	assert.Contains(t, err.Error(), "failed to update existing report #404")
	assert.Empty(t, env.Tracker.created)
}

func TestRunReusesDraftOfSameScope(t *testing.T) {
	env := newTestEnv(t, echoSummaries())
	opts := engine.RunOptions{Scope: engine.ScopeRequest{Kind: domain.ScopeMilestone, Ref: "v1.0"}, Enrich: true, Reconcile: true}

	first, err := env.Engine.Run(env.Ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, first.Reconcile)
	assert.Equal(t, domain.ModeCreate, first.Reconcile.Mode)
	assert.Equal(t, []string{"milestone-report"}, env.Tracker.created[0].Labels)
	assert.Equal(t, int64(9), env.Tracker.created[0].MilestoneID)

	second, err := env.Engine.Run(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, first.Draft.ID, second.Draft.ID)
	assert.Equal(t, int64(2), second.Draft.Generation)
	assert.Equal(t, domain.ModeUpdate, second.Reconcile.Mode)
	assert.Len(t, env.Tracker.created, 1)
	assert.Contains(t, env.Tracker.bodies[100], "*Ana is working on 2 issues.*")
}

func TestResolvePeriod(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.Engine.ResolvePeriod(env.Ctx, "", engine.ScopeRequest{Kind: domain.ScopeIteration, Ref: "Sprint 9"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	p, err := env.Engine.ResolvePeriod(env.Ctx, "", engine.ScopeRequest{Kind: domain.ScopeIteration, Ref: "3"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), p.Scope.ID)

	p, err = env.Engine.ResolvePeriod(env.Ctx, "", engine.ScopeRequest{Kind: domain.ScopeMilestone})
	require.NoError(t, err)
	assert.Equal(t, "v1.0", p.Name)

	p, err = env.Engine.ResolvePeriod(env.Ctx, "", engine.ScopeRequest{
		Kind:  domain.ScopeRange,
		Start: time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "12/1/2023 - 12/31/2023", p.Name)
	assert.Equal(t, domain.PhaseClosed, p.Phase)
	assert.Equal(t, 23, p.End.Hour())

	_, err = engine.RangePeriod(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestIterationPeriodNaming(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	due := time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "1/1/2024 - 1/14/2024", engine.IterationPeriod(domain.Iteration{ID: 5, StartDate: start, DueDate: due}).Name)
	assert.Equal(t, "Iteration 5", engine.IterationPeriod(domain.Iteration{ID: 5}).Name)
}
