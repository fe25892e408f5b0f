package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"engram/internal/archive"
	"engram/internal/consensus"
	"engram/internal/coordinator"
	"engram/internal/domain"
	"engram/internal/engine"
	"engram/internal/engine/auth"
	"engram/internal/logging"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_task"`
	Message string         `json:"message" example:"task t-1 already submitted (active)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"task_id\":\"t-1\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the engram API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	logger := logging.OrNop(cfg.Logger)
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Engram API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, e)
	registerAwait(group, e)
	registerMetrics(group, e)
	registerConsensus(group, e)
	registerResults(group, e)
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var dup *coordinator.DuplicateTaskError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "duplicate_task", err.Error(), map[string]any{"task_id": dup.TaskID, "status": string(dup.Status)})
	}
	var unknown *coordinator.UnknownTaskError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"task_id": unknown.TaskID})
	}
	switch {
	case errors.Is(err, archive.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTask), errors.Is(err, domain.ErrInvalidResult):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, coordinator.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "cancelled", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	doc := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		out, _ := json.Marshal(oas)
		return out
	})
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc())
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), false, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: errSchema,
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Engram API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-task",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Submit a task",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermTasksWrite); err != nil {
			return nil, handleError(err)
		}
		task, err := buildTask(e, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		id, err := e.Coordinator.Submit(ctx, task)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{TaskID: id, Status: string(e.Coordinator.GetStatus(id).Status)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-batch",
		Method:      http.MethodPost,
		Path:        "/tasks/batch",
		Summary:     "Submit tasks in order",
		Description: "Tasks are submitted one by one. On the first rejection the ids accepted so far are reported in error.details.submitted and stay scheduled.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitBatchRequest `json:"body"`
	}) (*struct {
		Body SubmitBatchResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermTasksWrite); err != nil {
			return nil, handleError(err)
		}
		tasks := make([]domain.Task, 0, len(input.Body.Tasks))
		for i, req := range input.Body.Tasks {
			task, err := buildTask(e, req)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"index": i})
			}
			tasks = append(tasks, task)
		}
		ids, err := e.Coordinator.SubmitBatch(ctx, tasks)
		if err != nil {
			se := handleError(err)
			if ae, ok := se.(*apiError); ok {
				if ae.Body.Details == nil {
					ae.Body.Details = map[string]any{}
				}
				ae.Body.Details["submitted"] = ids
			}
			return nil, se
		}
		return &struct {
			Body SubmitBatchResponse `json:"body"`
		}{Body: SubmitBatchResponse{TaskIDs: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermTasksRead); err != nil {
			return nil, handleError(err)
		}
		report := e.Coordinator.GetStatus(input.TaskID)
		if report.Status == domain.StatusNotFound {
			return nil, handleError(&coordinator.UnknownTaskError{TaskID: input.TaskID})
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(report)}, nil
	})
}

func registerAwait(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "await-result",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/result",
		Summary:     "Wait for a task result",
		Description: "Blocks up to timeout_ms. done=false means the wait timed out; the task keeps running.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID    string `path:"task_id"`
		TimeoutMs int    `query:"timeout_ms" minimum:"0" maximum:"3600000"`
	}) (*struct {
		Body AwaitResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermResultsRead); err != nil {
			return nil, handleError(err)
		}
		res, err := e.Coordinator.AwaitResult(ctx, input.TaskID, millis(input.TimeoutMs))
		if err != nil {
			return nil, handleError(err)
		}
		resp := AwaitResponse{TaskID: input.TaskID}
		if res != nil {
			r := resultResponse(*res)
			resp.Done = true
			resp.Result = &r
		}
		return &struct {
			Body AwaitResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "await-batch",
		Method:      http.MethodPost,
		Path:        "/tasks/await",
		Summary:     "Wait for several results",
		Description: "Always returns one result per id in request order; unfinished or unknown ids get a Timeout result.",
	}, func(ctx context.Context, input *struct {
		Body AwaitBatchRequest `json:"body"`
	}) (*struct {
		Body AwaitBatchResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermResultsRead); err != nil {
			return nil, handleError(err)
		}
		results := e.Coordinator.AwaitBatch(ctx, input.Body.TaskIDs, millis(input.Body.TimeoutMs))
		return &struct {
			Body AwaitBatchResponse `json:"body"`
		}{Body: AwaitBatchResponse{Results: mapResults(results)}}, nil
	})
}

func registerMetrics(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Coordinator metrics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermMetricsRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: metricsResponse(e.Coordinator.GetMetrics())}, nil
	})
}

func registerConsensus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "consensus",
		Method:      http.MethodPost,
		Path:        "/consensus",
		Summary:     "Cross-role consensus",
		Description: "With results, scores them as-is. Otherwise submits one verification task per role over item and scores their answers.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ConsensusRequest `json:"body"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermConsensusRun); err != nil {
			return nil, handleError(err)
		}
		body := input.Body
		if strings.TrimSpace(body.Key) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key is required", nil)
		}
		var verdict consensus.Verdict
		if len(body.Results) > 0 {
			results := make([]domain.Result, 0, len(body.Results))
			for i, r := range body.Results {
				res, err := r.toDomain()
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"index": i})
				}
				results = append(results, res)
			}
			verdict = consensus.Evaluate(body.Key, results, e.Thresholds())
		} else {
			if len(body.Roles) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "roles or results are required", nil)
			}
			roles := make([]domain.Role, 0, len(body.Roles))
			for _, name := range body.Roles {
				role, err := domain.ParseRole(name)
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
				}
				roles = append(roles, role)
			}
			timeout := millis(body.TimeoutMs)
			if timeout <= 0 {
				timeout = e.Config.Coordinator.DefaultTimeout
			}
			var err error
			verdict, err = e.Verifier(timeout).Verify(ctx, body.Item, body.Key, roles)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: verdictResponse(verdict)}, nil
	})
}

func registerResults(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-results",
		Method:      http.MethodGet,
		Path:        "/results",
		Summary:     "List archived results, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Role         string `query:"role"`
		TaskID       string `query:"task_id"`
		OnlyFailures bool   `query:"only_failures"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedResults `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermResultsRead); err != nil {
			return nil, handleError(err)
		}
		if !e.ArchiveEnabled() {
			return nil, archiveDisabled()
		}
		filter := archive.Filter{TaskID: input.TaskID, OnlyFailures: input.OnlyFailures}
		if input.Role != "" {
			role, err := domain.ParseRole(input.Role)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			filter.Role = role
		}
		if input.Cursor != "" {
			before, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || before <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filter.Before = before
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Results.Latest(ctx, limit+1, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedResults{Items: []ArchivedResultResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, rec := range items {
			resp.Items = append(resp.Items, archivedResponse(rec))
		}
		return &struct {
			Body paginatedResults `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-archived-result",
		Method:      http.MethodGet,
		Path:        "/results/{task_id}",
		Summary:     "Latest archived result for a task",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body ArchivedResultResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermResultsRead); err != nil {
			return nil, handleError(err)
		}
		if !e.ArchiveEnabled() {
			return nil, archiveDisabled()
		}
		rec, err := e.Results.Get(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArchivedResultResponse `json:"body"`
		}{Body: archivedResponse(rec)}, nil
	})
}

func buildTask(e *engine.Engine, req CreateTaskRequest) (domain.Task, error) {
	opts, err := req.options()
	if err != nil {
		return domain.Task{}, err
	}
	return e.Coordinator.NewTask(opts)
}

func archiveDisabled() huma.StatusError {
	return newAPIError(http.StatusServiceUnavailable, "archive_disabled", "result archive is disabled", nil)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
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
