package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reportline/internal/engine"
	"reportline/internal/gitlab"
	"reportline/internal/llm"
	"reportline/internal/logging"
	"reportline/internal/report"
	"reportline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Completer drafts issues for POST /drafts/ai-issue. Nil disables the route's backend.
	Completer llm.Completer
	BasePath  string
	Auth      AuthConfig
	Logger    logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_run"`
	Message string         `json:"message" example:"run superseded by a newer draft generation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the reportline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	router := chi.NewRouter()
	router.Use(newAuthenticator(basePath, cfg.Auth).middleware)

	hcfg := huma.DefaultConfig("Reportline API", "0.1.0")
	hcfg.Info.Description = "Assignee reports for GitLab iterations, milestones and date ranges."
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.SchemasPath = path.Join(basePath, "schemas")
	hcfg.DocsPath = "/docs"
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	hcfg.Security = []map[string][]string{{"bearerAuth": {}}}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerScopes(group, cfg.Engine)
	registerDrafts(group, cfg.Engine)
	registerEnrichStream(group, cfg.Engine)
	registerReconcile(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerIssueDrafts(group, cfg.Completer)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var statusErr huma.StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrStaleRun) || errors.Is(err, repo.ErrGenerationMismatch) {
		return newAPIError(http.StatusConflict, "stale_run", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) {
		return newAPIError(499, "canceled", err.Error(), nil)
	}
	var recErr *report.ReconcileError
	if errors.As(err, &recErr) {
		if recErr.Stage == report.StageParse {
			return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"stage": recErr.Stage})
		}
		details := map[string]any{"stage": recErr.Stage}
		if recErr.RecordIID != 0 {
			details["record_iid"] = recErr.RecordIID
		}
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), details)
	}
	var glErr *gitlab.APIError
	if errors.As(err, &glErr) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"status": glErr.StatusCode})
	}
	var llmErr *llm.APIError
	if errors.As(err, &llmErr) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"backend": llmErr.Backend, "status": llmErr.StatusCode})
	}
	if errors.Is(err, llm.ErrMissingAPIKey) {
		return newAPIError(http.StatusServiceUnavailable, "not_configured", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not configured"):
		return newAPIError(http.StatusServiceUnavailable, "not_configured", msg, nil)
	case strings.Contains(lowered, "fetch items"):
		return newAPIError(http.StatusBadGateway, "upstream_error", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "need") || strings.Contains(lowered, "belongs to"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Security:    []map[string][]string{},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
