package reportlinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reportline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// Period is the span a draft covers (partial).
type Period struct {
	Name             string    `json:"name"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	ExistingReportID string    `json:"existing_report_id,omitempty"`
	Phase            string    `json:"phase,omitempty"`
}

// Draft is a stored report (partial).
type Draft struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	Period     Period            `json:"period"`
	Summaries  map[string]string `json:"summaries"`
	Body       string            `json:"body"`
	IIDs       []int64           `json:"iids"`
	Edited     bool              `json:"edited"`
	Generation int64             `json:"generation"`
	RecordIID  *int64            `json:"record_iid,omitempty"`
	RecordURL  *string           `json:"record_url,omitempty"`
}

// Snapshot is one enrichment step.
type Snapshot struct {
	Report struct {
		Body string  `json:"body"`
		IIDs []int64 `json:"iids"`
	} `json:"report"`
	Summaries map[string]string `json:"summaries"`
	Group     string            `json:"group"`
	Step      int               `json:"step"`
	Total     int               `json:"total"`
	Failed    bool              `json:"failed"`
}

// ReconcileResult reports what a reconcile wrote.
type ReconcileResult struct {
	Mode        string  `json:"mode"`
	RecordIID   int64   `json:"record_iid"`
	RecordURL   string  `json:"record_url"`
	LinkedCount int     `json:"linked_count"`
	Skipped     int     `json:"skipped"`
	Linked      []int64 `json:"linked"`
	Failures    []struct {
		TargetIID int64  `json:"target_iid"`
		Error     string `json:"error"`
	} `json:"failures,omitempty"`
}

// DraftRequest selects the scope of a new draft.
type DraftRequest struct {
	Kind             string `json:"kind"`
	Ref              string `json:"ref,omitempty"`
	Start            string `json:"start,omitempty"`
	End              string `json:"end,omitempty"`
	DraftID          string `json:"draft_id,omitempty"`
	ExistingReportID string `json:"existing_report_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDraft generates a draft without summaries.
func (c *Client) CreateDraft(ctx context.Context, req DraftRequest) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.projectPath("drafts"), req, &resp)
	return resp, err
}

// GetDraft fetches a draft by id.
func (c *Client) GetDraft(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.draftPath(id, ""), nil, &resp)
	return resp, err
}

// EditDraft replaces a draft body.
func (c *Client) EditDraft(ctx context.Context, id, body string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPut, c.draftPath(id, "body"), map[string]string{"body": body}, &resp)
	return resp, err
}

// Reconcile publishes a draft as its report issue.
func (c *Client) Reconcile(ctx context.Context, id string) (ReconcileResult, Draft, error) {
	var resp struct {
		Result ReconcileResult `json:"result"`
		Draft  Draft           `json:"draft"`
	}
	err := c.do(ctx, http.MethodPost, c.draftPath(id, "reconcile"), nil, &resp)
	return resp.Result, resp.Draft, err
}

// Enrich streams enrichment snapshots to onSnapshot and returns the final draft.
func (c *Client) Enrich(ctx context.Context, id string, onSnapshot func(Snapshot)) (Draft, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.draftPath(id, "enrich"), nil)
	if err != nil {
		return Draft{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient().Do(req)
	if err != nil {
		return Draft{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Draft{}, readAPIError(resp)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			switch event {
			case "snapshot":
				var s Snapshot
				if err := json.Unmarshal(data, &s); err != nil {
					return Draft{}, fmt.Errorf("decode snapshot: %w", err)
				}
				if onSnapshot != nil {
					onSnapshot(s)
				}
			case "done":
				var done struct {
					Draft Draft `json:"draft"`
				}
				if err := json.Unmarshal(data, &done); err != nil {
					return Draft{}, fmt.Errorf("decode done: %w", err)
				}
				return done.Draft, nil
			case "error":
				var failed struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				_ = json.Unmarshal(data, &failed)
				return Draft{}, &APIError{StatusCode: resp.StatusCode, Code: failed.Code, Message: failed.Message, Body: string(data)}
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return Draft{}, err
	}
	return Draft{}, errors.New("enrich stream ended without a result")
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

// streamClient has no overall timeout; enrichment lasts as long as the model calls do.
func (c *Client) streamClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) draftPath(id, sub string) string {
	p := "drafts/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return c.projectPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
