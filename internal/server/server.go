package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"civicdesk/internal/domain"
	"civicdesk/internal/engine"
	"civicdesk/internal/engine/authz"
	"civicdesk/internal/repo"
	"civicdesk/internal/storage"
	"civicdesk/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Store    storage.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"request not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CivicDesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("CivicDesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSummary(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerComments(group, cfg.Engine)
	registerAttachments(group, cfg.Engine, cfg.Store)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps the typed error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *validate.Error
	if errors.As(err, &verr) {
		fields := make([]map[string]string, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			fields = append(fields, map[string]string{"field": f.Field, "reason": f.Reason})
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"fields": fields})
	}
	var denied authz.DeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": denied.Operation})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "request not found", nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable, retry later", nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "storage_unavailable"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>CivicDesk API Docs</title>
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

func registerSummary(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Request counts by status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !e.Gate.CanListAll(p) {
			return nil, handleError(authz.DeniedError{Operation: "summary"})
		}
		counts, err := e.Repo.CountRequestsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"status_counts": counts}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "File a service request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateServiceRequest `json:"body"`
	}) (*struct {
		Body ServiceRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Location: validate.LocationInput{
				Longitude: input.Body.Location.Longitude,
				Latitude:  input.Body.Location.Latitude,
				Street:    input.Body.Location.Address.Street,
				City:      input.Body.Location.Address.City,
				State:     input.Body.Location.Address.State,
				ZipCode:   input.Body.Location.Address.ZipCode,
			},
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		req, err := e.CreateRequest(ctx, p, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List service requests",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status       string  `query:"status"`
		Category     string  `query:"category"`
		Department   string  `query:"department"`
		CitizenID    string  `query:"citizen_id"`
		NearLon      float64 `query:"near_longitude"`
		NearLat      float64 `query:"near_latitude"`
		HasNear      bool    `query:"near"`
		RadiusMeters float64 `query:"radius_meters"`
		Limit        int     `query:"limit" default:"50"`
		Cursor       string  `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.RequestFilters{
			CitizenID:       input.CitizenID,
			Status:          input.Status,
			Category:        input.Category,
			Department:      input.Department,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.HasNear {
			filter.GeoNear = &repo.GeoNear{
				Longitude:    input.NearLon,
				Latitude:     input.NearLat,
				RadiusMeters: input.RadiusMeters,
			}
		}
		items, err := e.ListRequests(ctx, p, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []ServiceRequestResponse{}}
		// Geo pages trim to the limit like any other but carry no cursor;
		// distance ordering is not cursorable.
		if len(items) > limit {
			if filter.GeoNear == nil {
				resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			}
			items = items[:limit]
		}
		resp.Items = mapRequests(items)
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a service request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ServiceRequestResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.GetRequest(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request-history",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/history",
		Summary:     "Status history of a request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []StatusHistoryResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.GetRequest(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StatusHistoryResponse `json:"body"`
		}{Body: requestResponse(req).StatusHistory}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/status",
		Summary:     "Transition a request to a new status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body ServiceRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Transition(ctx, p, input.ID, input.Body.Status, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/assign",
		Summary:     "Assign a request to a department",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body ServiceRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.AssignDepartment(ctx, p, input.ID, input.Body.Department)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerComments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/comments",
		Summary:       "Add a comment to a request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AddCommentRequest `json:"body"`
	}) (*struct {
		Body ServiceRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.AddComment(ctx, p, input.ID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerAttachments(api huma.API, e engine.Engine, store storage.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-attachment",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/attachments",
		Summary:       "Attach a file reference to a request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddAttachmentRequest `json:"body"`
	}) (*struct {
		Body ServiceRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		att := domainAttachment(input.Body)
		if input.Body.Data != "" {
			if store == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "inline uploads not supported", nil)
			}
			raw, err := base64.StdEncoding.DecodeString(input.Body.Data)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "data must be base64", nil)
			}
			ref, err := store.Save(ctx, input.Body.OriginalName, input.Body.MimeType, bytes.NewReader(raw))
			if err != nil {
				return nil, handleError(err)
			}
			att.StorageRef = ref.StorageRef
			att.MimeType = ref.MimeType
			att.OriginalName = ref.OriginalName
		}
		req, err := e.AddAttachment(ctx, p, input.ID, att)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		RequestID string `query:"request_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !e.Gate.CanListAll(p) {
			return nil, handleError(authz.DeniedError{Operation: "events"})
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.RequestID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	requireAdmin := func(ctx context.Context) huma.StatusError {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return authErr
		}
		if !e.Gate.HasRole(p, domain.RoleAdmin) {
			return handleError(authz.DeniedError{Operation: "apikeys"})
		}
		return nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create a service API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		key, resp, err := NewAPIKey(ctx, e, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Key = key
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List service API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete a service API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ID: p.ID, Role: p.Role, Email: p.Email}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		role := input.Body.Role
		if role == "" {
			role = "citizen"
		}
		token, err := SignDevToken(authCfg.JWTSecret, actor, role, input.Body.Email)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// NewAPIKey mints a service key, stores its hash and returns the plaintext
// exactly once.
func NewAPIKey(ctx context.Context, e engine.Engine, actorID, name string) (string, APIKeyResponse, error) {
	key := strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	stored := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   strings.TrimSpace(actorID),
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: e.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, stored); err != nil {
		return "", APIKeyResponse{}, err
	}
	return key, APIKeyResponse{ID: stored.ID, ActorID: stored.ActorID, Name: stored.Name, CreatedAt: stored.CreatedAt}, nil
}

func domainAttachment(in AddAttachmentRequest) domain.Attachment {
	return domain.Attachment{
		Kind:         in.Kind,
		StorageRef:   strings.TrimSpace(in.StorageRef),
		MimeType:     strings.TrimSpace(in.MimeType),
		OriginalName: strings.TrimSpace(in.OriginalName),
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
