package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/filter"
	"boardline/internal/remote"
	"boardline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission_denied"`
	Message string         `json:"message" example:"activities 42 belongs to another owner"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure is rendered in.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Boardline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.DevAuth && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("dev auth requires a jwt secret")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine, log))
	hcfg := huma.DefaultConfig("Boardline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth, cfg.Now)
	registerCollections(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Error("request failed", fields...)
				return
			}
			log.Debug("request", fields...)
		})
	}
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

// handleError renders domain errors with their kind as the code.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	return newAPIError(statusForKind(de.Kind), string(de.Kind), err.Error(), nil)
}

func statusForKind(k domain.Kind) int {
	switch k {
	case domain.KindNotAuthenticated:
		return http.StatusUnauthorized
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return string(domain.KindValidation)
	case http.StatusUnauthorized:
		return string(domain.KindNotAuthenticated)
	case http.StatusForbidden:
		return string(domain.KindPermissionDenied)
	case http.StatusNotFound:
		return string(domain.KindNotFound)
	case http.StatusServiceUnavailable:
		return string(domain.KindRemoteUnavailable)
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
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "render openapi document", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
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
    <title>Boardline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
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
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		source := "api_key"
		if p.Token != "" {
			source = "jwt"
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{OwnerID: p.OwnerID, TenantID: p.TenantID, Source: source}}, nil
	})
}

type rowPath struct {
	Collection string `path:"collection" enum:"activities,projects"`
	ID         string `path:"id"`
}

type listInput struct {
	Collection    string `path:"collection" enum:"activities,projects"`
	Search        string `query:"search"`
	SearchFields  string `query:"search_fields" doc:"comma separated, default title,description"`
	Status        string `query:"status"`
	Priority      string `query:"priority"`
	Type          string `query:"type"`
	ResponsibleID string `query:"responsible_id"`
	ProjectID     string `query:"project_id"`
	WorkGroup     string `query:"work_group"`
	Department    string `query:"department"`
	TenantID      string `query:"tenant_id"`
	OwnerID       string `query:"owner_id"`
	Tag           string `query:"tag"`
	IsUrgent      string `query:"is_urgent" enum:"true,false"`
	IsPublic      string `query:"is_public" enum:"true,false"`
	DateField     string `query:"date_field"`
	From          string `query:"from" doc:"inclusive lower bound, RFC3339 or YYYY-MM-DD"`
	To            string `query:"to" doc:"inclusive upper bound"`
	Sort          string `query:"sort" doc:"fields, '-' prefix for descending" example:"-created_at"`
	Page          int    `query:"page" minimum:"0"`
	PageSize      int    `query:"page_size" minimum:"0" maximum:"500"`
}

func (in listInput) values() url.Values {
	v := url.Values{}
	for name, val := range map[string]string{
		"search": in.Search, "search_fields": in.SearchFields, "status": in.Status, "priority": in.Priority,
		"type": in.Type, "responsible_id": in.ResponsibleID, "project_id": in.ProjectID, "work_group": in.WorkGroup,
		"department": in.Department, "tenant_id": in.TenantID, "owner_id": in.OwnerID, "tag": in.Tag,
		"is_urgent": in.IsUrgent, "is_public": in.IsPublic, "date_field": in.DateField, "from": in.From,
		"to": in.To, "sort": in.Sort,
	} {
		if val != "" {
			v.Set(name, val)
		}
	}
	if in.Page > 0 {
		v.Set("page", strconv.Itoa(in.Page))
	}
	if in.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(in.PageSize))
	}
	return v
}

var rowErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerCollections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rows",
		Method:      http.MethodGet,
		Path:        "/{collection}",
		Summary:     "List rows",
		Errors:      rowErrors,
	}, func(ctx context.Context, input *listInput) (*struct {
		Body remote.Page `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := filter.FromValues(input.values())
		if err != nil {
			return nil, handleError(err)
		}
		items, total, err := e.Select(ctx, input.Collection, p, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body remote.Page `json:"body"`
		}{Body: remote.Page{Items: nonNilSlice(items), Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-row",
		Method:        http.MethodPost,
		Path:          "/{collection}",
		Summary:       "Create row",
		DefaultStatus: http.StatusCreated,
		Errors:        rowErrors,
	}, func(ctx context.Context, input *struct {
		Collection string           `path:"collection" enum:"activities,projects"`
		Body       remote.NewEntity `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		row, err := e.Insert(ctx, input.Collection, p, domain.Entity{
			GroupKey: input.Body.Status,
			TenantID: input.Body.TenantID,
			Fields:   input.Body.Fields,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-row",
		Method:      http.MethodGet,
		Path:        "/{collection}/{id}",
		Summary:     "Get row",
		Errors:      rowErrors,
	}, func(ctx context.Context, input *rowPath) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		row, err := e.Get(ctx, input.Collection, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-row",
		Method:      http.MethodPatch,
		Path:        "/{collection}/{id}",
		Summary:     "Update row",
		Errors:      rowErrors,
	}, func(ctx context.Context, input *struct {
		Collection string       `path:"collection" enum:"activities,projects"`
		ID         string       `path:"id"`
		Body       domain.Patch `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		row, err := e.Update(ctx, input.Collection, p, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-row",
		Method:        http.MethodDelete,
		Path:          "/{collection}/{id}",
		Summary:       "Delete row",
		DefaultStatus: http.StatusNoContent,
		Errors:        rowErrors,
	}, func(ctx context.Context, input *rowPath) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, input.Collection, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Collection string `query:"collection"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, next, err := e.EventsPage(ctx, p, input.Collection, normalizeLimit(input.Limit), cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: nonNilSlice(items), NextCursor: next}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/api-keys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := e.CreateAPIKey(ctx, p, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/auth/api-keys",
		Summary:     "List the caller's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, p.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/auth/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID, p.OwnerID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "", "api key not found", map[string]any{"id": input.ID})
			}
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig, now func() time.Time) {
	if !authCfg.DevAuth {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		owner := strings.TrimSpace(input.Body.OwnerID)
		if owner == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "owner_id is required", nil)
		}
		issued := now()
		ttl := authCfg.TokenTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		token, err := SignToken(authCfg.JWTSecret, owner, strings.TrimSpace(input.Body.TenantID), ttl, issued)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresAt:   domain.FormatTime(issued.Add(ttl)),
		}}, nil
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
