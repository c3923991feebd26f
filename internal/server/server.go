package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tasktally/internal/app"
	"tasktally/internal/domain"
	"tasktally/internal/events"
	"tasktally/internal/store"
)

const apiVersion = "0.1.0"

// Config for the HTTP API handler.
type Config struct {
	Store *store.Store
	// Events is optional; GET /events answers 404 without it.
	Events   *events.Log
	Tags     []string
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"id\":\"3f2c\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var errTaskNotFound = errors.New("task not found")

// New returns an HTTP handler exposing the task API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
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
			// request validation errors are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("tasktally API", apiVersion)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Store)
	registerFilter(group, cfg.Store)
	registerStats(group, cfg.Store, cfg.Tags)
	registerEvents(group, cfg.Events)
	if err := registerOpenAPI(router, api, basePath, cfg.Auth.enabled()); err != nil {
		return nil, err
	}

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
	switch {
	case errors.Is(err, errTaskNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, app.ErrEmptyTitle):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "title"})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func notFound(id string) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", errTaskNotFound.Error(), map[string]any{"id": id})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI finalizes the document once every operation is registered
// and serves the encoded bytes; handlers never touch the huma.OpenAPI maps.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) error {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	if secured {
		applyAuthSecurity(oas, basePath)
	}
	spec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("encode openapi document: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
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
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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
    <title>tasktally API Docs</title>
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

type taskPath struct {
	ID string `path:"id"`
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

func registerTasks(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible under a filter",
		Description: "Uses the stored filter unless the filter query parameter is given. Unknown filters behave like all.",
	}, func(ctx context.Context, input *struct {
		Filter string `query:"filter" example:"active"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		f := s.Filter()
		items := s.FilteredTasks()
		if input.Filter != "" {
			f = domain.ParseFilter(input.Filter)
			items = store.FilterTasks(s.Tasks(), f)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Filter: string(f), Items: mapTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		t, ok := s.AddTask(input.Body.Title, strings.TrimSpace(input.Body.Tag))
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", map[string]any{"field": "title"})
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		t, ok := s.Task(input.ID)
		if !ok {
			return nil, notFound(input.ID)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Replace task",
		Description: "Replaces every field of an existing task. Tasks are never created this way.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ReplaceTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		t := input.Body.task(input.ID)
		t.Title = strings.TrimSpace(t.Title)
		if t.Title == "" {
			return nil, handleError(app.ErrEmptyTitle)
		}
		if !s.UpdateTask(t) {
			return nil, notFound(input.ID)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Edit title, notes or tag",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EditTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		edit := app.Edit{
			Title: input.Body.Title,
			Notes: input.Body.Notes,
			Tag:   input.Body.Tag,
		}
		edited, ok, err := s.EditTask(input.ID, func(current domain.Task) (domain.Task, error) {
			return app.ApplyEdit(current, edit)
		})
		if !ok {
			return nil, notFound(input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(edited)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/toggle",
		Summary:     "Toggle completion",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		t, ok := s.ToggleTask(input.ID)
		if !ok {
			return nil, notFound(input.ID)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		Description:   "Deleting an unknown id succeeds.",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		s.DeleteTask(input.ID)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-completed",
		Method:      http.MethodPost,
		Path:        "/tasks/clear-completed",
		Summary:     "Remove all completed tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ClearCompletedResponse `json:"body"`
	}, error) {
		return &struct {
			Body ClearCompletedResponse `json:"body"`
		}{Body: ClearCompletedResponse{Removed: s.ClearCompletedTasks()}}, nil
	})
}

func registerFilter(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-filter",
		Method:      http.MethodGet,
		Path:        "/filter",
		Summary:     "Current list filter",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FilterResponse `json:"body"`
	}, error) {
		return &struct {
			Body FilterResponse `json:"body"`
		}{Body: FilterResponse{Filter: string(s.Filter())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-filter",
		Method:      http.MethodPut,
		Path:        "/filter",
		Summary:     "Set list filter",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SetFilterRequest `json:"body"`
	}) (*struct {
		Body FilterResponse `json:"body"`
	}, error) {
		s.SetFilter(domain.Filter(input.Body.Filter))
		return &struct {
			Body FilterResponse `json:"body"`
		}{Body: FilterResponse{Filter: string(s.Filter())}}, nil
	})
}

func registerStats(api huma.API, s *store.Store, tags []string) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Task counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: statsResponse(s.Stats())}, nil
	})

	palette := append([]string{}, tags...)
	huma.Register(api, huma.Operation{
		OperationID: "list-tags",
		Method:      http.MethodGet,
		Path:        "/tags",
		Summary:     "Suggested tags",
		Description: "The configured palette. Tasks may carry any tag.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TagsResponse `json:"body"`
	}, error) {
		return &struct {
			Body TagsResponse `json:"body"`
		}{Body: TagsResponse{Tags: palette}}, nil
	})
}

func registerEvents(api huma.API, l *events.Log) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if l == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "event log disabled", nil)
		}
		items, err := l.Latest(ctx, input.Limit, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}
