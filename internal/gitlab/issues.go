package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reportline/internal/domain"
)

const dateLayout = "2006-01-02"

// Iteration states as GitLab encodes them.
const (
	IterationUpcoming = 1
	IterationCurrent  = 2
	IterationClosed   = 3
)

// LinkError is returned by LinkRecords so callers can tell which target failed.
type LinkError struct {
	SourceIID int64
	TargetIID int64
	Err       error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("failed to link issue #%d to #%d: %v", e.TargetIID, e.SourceIID, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

type apiIssue struct {
	ID       int64      `json:"id"`
	IID      int64      `json:"iid"`
	Title    string     `json:"title"`
	State    string     `json:"state"`
	WebURL   string     `json:"web_url"`
	Labels   []string   `json:"labels"`
	ClosedAt *time.Time `json:"closed_at"`
}

func (i apiIssue) workItem() domain.WorkItem {
	labels := i.Labels
	if labels == nil {
		labels = []string{}
	}
	return domain.WorkItem{
		ID:       i.ID,
		IID:      i.IID,
		Title:    i.Title,
		State:    i.State,
		WebURL:   i.WebURL,
		Labels:   labels,
		ClosedAt: i.ClosedAt,
	}
}

type apiIteration struct {
	ID        int64  `json:"id"`
	IID       int64  `json:"iid"`
	Title     string `json:"title"`
	State     int    `json:"state"`
	StartDate string `json:"start_date"`
	DueDate   string `json:"due_date"`
	WebURL    string `json:"web_url"`
}

type apiMilestone struct {
	ID        int64  `json:"id"`
	IID       int64  `json:"iid"`
	Title     string `json:"title"`
	State     string `json:"state"`
	StartDate string `json:"start_date"`
	DueDate   string `json:"due_date"`
	WebURL    string `json:"web_url"`
}

// parseDate reads GitLab's date-only fields. Blank or malformed values give the zero time.
func parseDate(s string) time.Time {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

// ListIterations lists iterations visible to a project, including inherited group ones.
// state may be "", "opened", "upcoming", "current" or "closed".
func (c *Client) ListIterations(ctx context.Context, projectID, state string) ([]domain.Iteration, error) {
	q := url.Values{}
	q.Set("include_ancestors", "true")
	if state != "" {
		q.Set("state", state)
	}
	raw, err := getAll[apiIteration](ctx, c, projectPath(projectID, "iterations"), q)
	if err != nil {
		return nil, err
	}
	return iterations(raw), nil
}

// ListGroupIterations lists iterations defined on a group.
func (c *Client) ListGroupIterations(ctx context.Context, groupID, state string) ([]domain.Iteration, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	raw, err := getAll[apiIteration](ctx, c, groupPath(groupID, "iterations"), q)
	if err != nil {
		return nil, err
	}
	return iterations(raw), nil
}

func iterations(raw []apiIteration) []domain.Iteration {
	out := make([]domain.Iteration, 0, len(raw))
	for _, it := range raw {
		out = append(out, domain.Iteration{
			ID:        it.ID,
			IID:       it.IID,
			Title:     it.Title,
			State:     it.State,
			StartDate: parseDate(it.StartDate),
			DueDate:   parseDate(it.DueDate),
			WebURL:    it.WebURL,
		})
	}
	return out
}

// ListMilestones lists project milestones; state may be "", "active" or "closed".
func (c *Client) ListMilestones(ctx context.Context, projectID, state string) ([]domain.Milestone, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	raw, err := getAll[apiMilestone](ctx, c, projectPath(projectID, "milestones"), q)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Milestone, 0, len(raw))
	for _, m := range raw {
		out = append(out, domain.Milestone{
			ID:        m.ID,
			IID:       m.IID,
			Title:     m.Title,
			State:     m.State,
			StartDate: parseDate(m.StartDate),
			DueDate:   parseDate(m.DueDate),
			WebURL:    m.WebURL,
		})
	}
	return out, nil
}

// FetchItems returns the work items a scope covers, in GitLab's order.
// Range scopes only return issues closed within [Start, End].
func (c *Client) FetchItems(ctx context.Context, projectID string, scope domain.Scope) ([]domain.WorkItem, error) {
	q := url.Values{}
	switch scope.Kind {
	case domain.ScopeIteration:
		if scope.ID <= 0 {
			return nil, errors.New("iteration scope needs an iteration id")
		}
		q.Set("iteration_id", strconv.FormatInt(scope.ID, 10))
		q.Set("state", "all")
	case domain.ScopeMilestone:
		if scope.Title == "" {
			return nil, errors.New("milestone scope needs a milestone title")
		}
		q.Set("milestone", scope.Title)
		q.Set("state", "all")
	case domain.ScopeRange:
		if scope.Start.IsZero() || scope.End.IsZero() {
			return nil, errors.New("range scope needs start and end")
		}
		q.Set("state", domain.StateClosed)
		q.Set("updated_after", scope.Start.UTC().Format(time.RFC3339))
		q.Set("updated_before", scope.End.UTC().Format(time.RFC3339))
	default:
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
	q.Set("order_by", "created_at")
	q.Set("sort", "asc")
	raw, err := getAll[apiIssue](ctx, c, projectPath(projectID, "issues"), q)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkItem, 0, len(raw))
	for _, is := range raw {
		if scope.Kind == domain.ScopeRange && !closedWithin(is.ClosedAt, scope.Start, scope.End) {
			continue
		}
		out = append(out, is.workItem())
	}
	return out, nil
}

func closedWithin(at *time.Time, start, end time.Time) bool {
	if at == nil {
		return false
	}
	return !at.Before(start) && !at.After(end)
}

// CreateRecord opens a new issue holding a report.
func (c *Client) CreateRecord(ctx context.Context, projectID string, rec domain.NewRecord) (domain.RecordRef, error) {
	payload := map[string]any{
		"title":       rec.Title,
		"description": rec.Body,
	}
	if len(rec.Labels) > 0 {
		payload["labels"] = strings.Join(rec.Labels, ",")
	}
	if rec.MilestoneID > 0 {
		payload["milestone_id"] = rec.MilestoneID
	}
	if rec.IterationID > 0 {
		payload["iteration_id"] = rec.IterationID
	}
	var created apiIssue
	if _, err := c.do(ctx, http.MethodPost, projectPath(projectID, "issues"), nil, payload, &created); err != nil {
		return domain.RecordRef{}, err
	}
	return domain.RecordRef{ID: created.ID, IID: created.IID, WebURL: created.WebURL}, nil
}

// UpdateRecord replaces the description of an existing report issue.
func (c *Client) UpdateRecord(ctx context.Context, projectID string, iid int64, body string) (domain.RecordRef, error) {
	var updated apiIssue
	endpoint := projectPath(projectID, "issues/"+strconv.FormatInt(iid, 10))
	if _, err := c.do(ctx, http.MethodPut, endpoint, nil, map[string]any{"description": body}, &updated); err != nil {
		return domain.RecordRef{}, err
	}
	return domain.RecordRef{ID: updated.ID, IID: updated.IID, WebURL: updated.WebURL}, nil
}

// FetchLinks returns the iids already linked to an issue.
func (c *Client) FetchLinks(ctx context.Context, projectID string, iid int64) (domain.LinkSet, error) {
	endpoint := projectPath(projectID, "issues/"+strconv.FormatInt(iid, 10)+"/links")
	var links []apiIssue
	if _, err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &links); err != nil {
		return nil, err
	}
	set := make(domain.LinkSet, len(links))
	for _, l := range links {
		set[l.IID] = struct{}{}
	}
	return set, nil
}

// LinkRecords relates targetIID to iid within the same project.
func (c *Client) LinkRecords(ctx context.Context, projectID string, iid, targetIID int64) error {
	endpoint := projectPath(projectID, "issues/"+strconv.FormatInt(iid, 10)+"/links")
	payload := map[string]any{
		"target_project_id": projectID,
		"target_issue_iid":  targetIID,
	}
	if _, err := c.do(ctx, http.MethodPost, endpoint, nil, payload, nil); err != nil {
		return &LinkError{SourceIID: iid, TargetIID: targetIID, Err: err}
	}
	return nil
}
