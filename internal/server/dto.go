package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reportline/internal/domain"
)

// Request payloads

type CreateDraftRequest struct {
	Kind  string `json:"kind" enum:"iteration,milestone,range"`
	Ref   string `json:"ref,omitempty" doc:"Iteration or milestone id, iid or title. Empty or current picks the running one."`
	Start string `json:"start,omitempty" doc:"Range start, YYYY-MM-DD or RFC 3339"`
	End   string `json:"end,omitempty" doc:"Range end, YYYY-MM-DD or RFC 3339. A bare date covers the whole day."`
	// Set to regenerate an existing draft in place.
	DraftID          string `json:"draft_id,omitempty"`
	ExistingReportID string `json:"existing_report_id,omitempty" doc:"iid of a report issue to update instead of creating one"`
}

type UpdateDraftBodyRequest struct {
	Body string `json:"body"`
}

type IssueDraftRequest struct {
	Kind   string `json:"kind,omitempty" enum:"issue,epic"`
	Prompt string `json:"prompt" minLength:"1"`
}

// Response payloads

type DraftSummaryResponse struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Period     domain.Period `json:"period"`
	Edited     bool          `json:"edited"`
	Generation int64         `json:"generation"`
	ItemCount  int           `json:"item_count"`
	RecordIID  *int64        `json:"record_iid,omitempty"`
	RecordURL  *string       `json:"record_url,omitempty"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	UpdatedAt  string        `json:"updated_at" format:"date-time"`
}

type ReconcileResponse struct {
	Result domain.ReconcileResult `json:"result"`
	Draft  domain.Draft           `json:"draft"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Enrichment stream events. The event name is picked from the Go type.

type enrichDone struct {
	Draft domain.Draft `json:"draft"`
}

type enrichFailed struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type paginatedDrafts struct {
	Items []DraftSummaryResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type linkAttemptList struct {
	Items []domain.LinkAttempt `json:"items"`
}

type iterationList struct {
	Items []domain.Iteration `json:"items"`
}

type milestoneList struct {
	Items []domain.Milestone `json:"items"`
}

// Conversion helpers

func draftSummaryResponse(d domain.Draft) DraftSummaryResponse {
	return DraftSummaryResponse{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		Period:     d.Period,
		Edited:     d.Edited,
		Generation: d.Generation,
		ItemCount:  len(d.Items),
		RecordIID:  d.RecordIID,
		RecordURL:  d.RecordURL,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

// parseDateParam accepts a bare date (UTC midnight) or an RFC 3339 timestamp.
func parseDateParam(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s date %q", name, raw)
	}
	return t, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
