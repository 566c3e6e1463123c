package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/llm"
	"reportline/internal/repo"
)

type draftPath struct {
	ProjectID string `path:"project_id"`
	DraftID   string `path:"draft_id"`
}

// projectDraft loads a draft and hides drafts that belong to another project.
func projectDraft(ctx context.Context, e engine.Engine, in draftPath) (domain.Draft, error) {
	d, err := e.Repo.GetDraft(ctx, in.DraftID)
	if err != nil {
		return d, err
	}
	if d.ProjectID != in.ProjectID {
		return domain.Draft{}, fmt.Errorf("draft %s: %w", in.DraftID, repo.ErrNotFound)
	}
	return d, nil
}

func registerScopes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/iterations",
		Summary:     "List iterations of a project and its ancestor groups",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		State     string `query:"state" enum:"opened,upcoming,current,closed,all"`
	}) (*struct {
		Body iterationList `json:"body"`
	}, error) {
		its, err := e.ListIterations(ctx, input.ProjectID, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body iterationList `json:"body"`
		}{Body: iterationList{Items: nonNilSlice(its)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/milestones",
		Summary:     "List milestones of a project",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		State     string `query:"state" enum:"active,closed,all"`
	}) (*struct {
		Body milestoneList `json:"body"`
	}, error) {
		ms, err := e.ListMilestones(ctx, input.ProjectID, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body milestoneList `json:"body"`
		}{Body: milestoneList{Items: nonNilSlice(ms)}}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/drafts",
		Summary:       "Generate a report draft without summaries",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      CreateDraftRequest
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		actorID, aerr := callerActor(ctx)
		if aerr != nil {
			return nil, aerr
		}
		start, err := parseDateParam("start", input.Body.Start)
		if err != nil {
			return nil, handleError(err)
		}
		end, err := parseDateParam("end", input.Body.End)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.DraftID != "" {
			if _, err := projectDraft(ctx, e, draftPath{ProjectID: input.ProjectID, DraftID: input.Body.DraftID}); err != nil {
				return nil, handleError(err)
			}
		}
		period, err := e.ResolvePeriod(ctx, input.ProjectID, engine.ScopeRequest{
			Kind:             domain.ScopeKind(input.Body.Kind),
			Ref:              input.Body.Ref,
			Start:            start,
			End:              end,
			ExistingReportID: input.Body.ExistingReportID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.GenerateDraft(ctx, engine.DraftOptions{
			DraftID:   input.Body.DraftID,
			ProjectID: input.ProjectID,
			Period:    period,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/drafts",
		Summary:     "List drafts, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedDrafts `json:"body"`
	}, error) {
		drafts, err := e.Repo.ListDrafts(ctx, input.ProjectID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDrafts{Items: []DraftSummaryResponse{}}
		for _, d := range drafts {
			resp.Items = append(resp.Items, draftSummaryResponse(d))
		}
		return &struct {
			Body paginatedDrafts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/drafts/{draft_id}",
		Summary:     "Get a draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *draftPath) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		d, err := projectDraft(ctx, e, *input)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-draft-body",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/drafts/{draft_id}/body",
		Summary:     "Replace the draft body with a hand edit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		draftPath
		Body UpdateDraftBodyRequest
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		actorID, aerr := callerActor(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if _, err := projectDraft(ctx, e, input.draftPath); err != nil {
			return nil, handleError(err)
		}
		d, err := e.EditDraft(ctx, input.DraftID, input.Body.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-draft",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/drafts/{draft_id}",
		Summary:       "Delete a draft and its link ledger",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *draftPath) (*struct{}, error) {
		if _, err := projectDraft(ctx, e, *input); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteDraft(ctx, input.DraftID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-link-attempts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/drafts/{draft_id}/links",
		Summary:     "Link attempts recorded by reconciles of this draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *draftPath) (*struct {
		Body linkAttemptList `json:"body"`
	}, error) {
		if _, err := projectDraft(ctx, e, *input); err != nil {
			return nil, handleError(err)
		}
		attempts, err := e.LinkAttempts(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body linkAttemptList `json:"body"`
		}{Body: linkAttemptList{Items: nonNilSlice(attempts)}}, nil
	})
}

// registerEnrichStream streams one snapshot event per enrichment step, then a
// done event carrying the stored draft. Failures arrive as an error event since
// the status line is already sent.
func registerEnrichStream(api huma.API, e engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "enrich-draft",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/drafts/{draft_id}/enrich",
		Summary:     "Generate group summaries, streaming each snapshot",
	}, map[string]any{
		"snapshot": domain.Snapshot{},
		"done":     enrichDone{},
		"error":    enrichFailed{},
	}, func(ctx context.Context, input *draftPath, send sse.Sender) {
		fail := func(err error) {
			status := handleError(err)
			code := "internal_error"
			if ae, ok := status.(*apiError); ok {
				code = ae.Body.Code
			}
			_ = send.Data(enrichFailed{Code: code, Message: status.Error()})
		}
		actorID, aerr := callerActor(ctx)
		if aerr != nil {
			fail(aerr)
			return
		}
		if _, err := projectDraft(ctx, e, *input); err != nil {
			fail(err)
			return
		}
		d, err := e.EnrichDraft(ctx, input.DraftID, actorID, func(s domain.Snapshot) {
			_ = send.Data(s)
		})
		if err != nil {
			fail(err)
			return
		}
		_ = send.Data(enrichDone{Draft: d})
	})
}

func registerReconcile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-draft",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/drafts/{draft_id}/reconcile",
		Summary:     "Create or update the report issue and link its items",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *draftPath) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		actorID, aerr := callerActor(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if _, err := projectDraft(ctx, e, *input); err != nil {
			return nil, handleError(err)
		}
		res, err := e.ReconcileDraft(ctx, input.DraftID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDraft(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: ReconcileResponse{Result: res, Draft: d}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"draft,report"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerIssueDrafts(api huma.API, completer llm.Completer) {
	huma.Register(api, huma.Operation{
		OperationID: "draft-issue",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/drafts/ai-issue",
		Summary:     "Draft an issue or epic with the configured AI backend",
		Description: "The model output is parsed best effort. status tells whether draft holds parsed fields; raw always holds the model text.",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      IssueDraftRequest
	}) (*struct {
		Body llm.DraftResult `json:"body"`
	}, error) {
		if completer == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "not_configured", "ai backend is not configured", nil)
		}
		prompt := strings.TrimSpace(input.Body.Prompt)
		if prompt == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", nil)
		}
		var (
			res llm.DraftResult
			err error
		)
		switch input.Body.Kind {
		case "", "issue":
			res, err = llm.DraftIssue(ctx, completer, prompt)
		case "epic":
			res, err = llm.DraftEpic(ctx, completer, prompt)
		default:
			err = errors.New("unknown draft kind " + input.Body.Kind)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body llm.DraftResult `json:"body"`
		}{Body: res}, nil
	})
}
