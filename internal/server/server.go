// Package server exposes the engine over HTTP with an OpenAPI surface.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"loom/internal/domain"
	"loom/internal/engine"
	"loom/internal/identity"
	"loom/internal/migrate"
	"loom/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"concurrent modification"`
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

// New returns an HTTP handler exposing the Loom API.
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

	router := chi.NewRouter()
	// Buffer the body so signature verification and handlers both read it.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Loom API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerElements(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerDoctor(group, cfg.Engine)
	registerMigrations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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

// handleError maps domain errors onto the HTTP envelope. Conflicts and
// cycle rejections are 409s carrying enough detail for the client to
// retry sensibly.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"element_id": conflict.ElementID,
			"expected":   conflict.Expected,
			"actual":     conflict.Actual,
		})
	}
	var cycle domain.CycleError
	if errors.As(err, &cycle) {
		return newAPIError(http.StatusConflict, "dependency_cycle", err.Error(), map[string]any{
			"blocked_id": cycle.BlockedID,
			"blocker_id": cycle.BlockerID,
		})
	}
	var validation domain.ValidationError
	if errors.As(err, &validation) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var idErr domain.IdentityError
	if errors.As(err, &idErr) {
		return newAPIError(http.StatusBadRequest, "invalid_key_material", err.Error(), nil)
	}
	if errors.Is(err, identity.ErrNoActor) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerElements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-element",
		Method:        http.MethodPost,
		Path:          "/elements",
		Summary:       "Create element",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateElementRequest `json:"body"`
	}) (*struct {
		Body ElementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		el := domain.Element{
			Kind:  domain.Kind(input.Body.Kind),
			Title: input.Body.Title,
			Tags:  input.Body.Tags,
			Meta:  input.Body.Meta,
		}
		if input.Body.ID != nil {
			el.ID = *input.Body.ID
		}
		if input.Body.Status != nil {
			el.Status = *input.Body.Status
		}
		if len(input.Body.Detail) > 0 {
			detail, err := domain.DecodeDetail(el.Kind, input.Body.Detail)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			el.Detail = detail
		}
		created, err := e.Create(ctx, actor, el)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ElementResponse `json:"body"`
		}{Body: elementResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-elements",
		Method:      http.MethodGet,
		Path:        "/elements",
		Summary:     "List elements",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind           string `query:"kind"`
		Status         string `query:"status"`
		Tag            string `query:"tag"`
		IncludeDeleted bool   `query:"include_deleted"`
		Limit          int    `query:"limit"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedElements `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		filters := repo.ElementFilters{
			Kind:           domain.Kind(input.Kind),
			Status:         input.Status,
			Tag:            input.Tag,
			IncludeDeleted: input.IncludeDeleted,
			Limit:          limit + 1,
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.Repo.ListElements(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		var next string
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			next = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedElements `json:"body"`
		}{Body: paginatedElements{Items: mapElements(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-element",
		Method:      http.MethodGet,
		Path:        "/elements/{id}",
		Summary:     "Get element",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ElementResponse `json:"body"`
	}, error) {
		el, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ElementResponse `json:"body"`
		}{Body: elementResponse(el)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-element",
		Method:      http.MethodPatch,
		Path:        "/elements/{id}",
		Summary:     "Update element",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateElementRequest `json:"body"`
	}) (*struct {
		Body ElementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := engine.Patch{
			Title:  input.Body.Title,
			Status: input.Body.Status,
			Tags:   input.Body.Tags,
			Meta:   input.Body.Meta,
		}
		if len(input.Body.Detail) > 0 {
			cur, err := e.Get(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			detail, err := domain.DecodeDetail(cur.Kind, input.Body.Detail)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			patch.Detail = detail
		}
		updated, err := e.Update(ctx, actor, input.ID, patch, engine.UpdateOptions{
			ExpectedUpdatedAt: input.Body.ExpectedUpdatedAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ElementResponse `json:"body"`
		}{Body: elementResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-element",
		Method:        http.MethodDelete,
		Path:          "/elements/{id}",
		Summary:       "Delete element",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/elements/{id}/deps",
		Summary:       "Add dependency",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddDependencyRequest `json:"body"`
	}) (*struct {
		Body DependencyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dep := domain.Dependency{
			BlockedID: input.ID,
			BlockerID: input.Body.BlockerID,
			Type:      domain.DepType(input.Body.Type),
		}
		if err := e.AddDependency(ctx, actor, dep); err != nil {
			return nil, handleError(err)
		}
		dep.Actor = actor.Actor
		return &struct {
			Body DependencyResponse `json:"body"`
		}{Body: dependencyResponse(dep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-dependency",
		Method:        http.MethodDelete,
		Path:          "/elements/{id}/deps/{blocker_id}",
		Summary:       "Remove dependency",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		BlockerID string `path:"blocker_id"`
		Type      string `query:"type" enum:"blocks,parent-child,references,awaits"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveDependency(ctx, actor, input.ID, input.BlockerID, domain.DepType(input.Type)); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/elements/{id}/deps",
		Summary:     "List dependencies",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []DependencyResponse `json:"body"`
	}, error) {
		deps, err := e.Dependencies(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DependencyResponse `json:"body"`
		}{Body: mapDependencies(deps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependents",
		Method:      http.MethodGet,
		Path:        "/elements/{id}/dependents",
		Summary:     "List dependents",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []DependencyResponse `json:"body"`
	}, error) {
		deps, err := e.Dependents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DependencyResponse `json:"body"`
		}{Body: mapDependencies(deps)}, nil
	})
}

func registerDoctor(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "doctor",
		Method:      http.MethodGet,
		Path:        "/doctor",
		Summary:     "Check blocked-cache consistency",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DoctorResponse `json:"body"`
	}, error) {
		report, err := e.CheckBlockedCache(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DoctorResponse `json:"body"`
		}{Body: doctorResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "doctor-rebuild",
		Method:      http.MethodPost,
		Path:        "/doctor/rebuild",
		Summary:     "Rebuild blocked cache",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.RebuildBlockedCache(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"recomputed": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "doctor-purge",
		Method:      http.MethodPost,
		Path:        "/doctor/purge",
		Summary:     "Purge expired tombstones",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.PurgeTombstones(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"purged": n}}, nil
	})
}

func registerMigrations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "migration-status",
		Method:      http.MethodGet,
		Path:        "/migrations",
		Summary:     "Migration and schema status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MigrationStatusResponse `json:"body"`
	}, error) {
		version, err := migrate.Version(e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := migrate.Pending(e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := migrate.ValidateSchema(e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		names := make([]string, 0, len(pending))
		for _, m := range pending {
			names = append(names, migrate.Describe(m))
		}
		return &struct {
			Body MigrationStatusResponse `json:"body"`
		}{Body: MigrationStatusResponse{
			Version:       version,
			Pending:       names,
			SchemaValid:   report.Valid,
			MissingTables: report.MissingTables,
			ExtraTables:   report.ExtraTables,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		ElementID string `query:"element_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, input.ElementID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Register entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterEntityRequest `json:"body"`
	}) (*struct {
		Body ElementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.PublicKey != "" {
			if _, err := identity.ParsePublicKey(input.Body.PublicKey); err != nil {
				return nil, handleError(err)
			}
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		el := domain.Element{
			Kind:  domain.KindEntity,
			Title: input.Body.Name,
			Detail: domain.EntityDetail{
				DisplayName: input.Body.DisplayName,
				PublicKey:   input.Body.PublicKey,
				Agent:       input.Body.Agent,
			},
		}
		if input.Body.ID != nil {
			el.ID = *input.Body.ID
		}
		created, err := e.Create(ctx, actor, el)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ElementResponse `json:"body"`
		}{Body: elementResponse(created)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.Actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor is required", nil)
		}
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		secret := uuid.New().String() + uuid.New().String()
		key := repo.APIKey{
			ID:      "key-" + uuid.New().String(),
			Actor:   input.Body.Actor,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Actor: key.Actor, Name: key.Name, Key: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		Actor string `query:"actor"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeyResponse{ID: k.ID, Actor: k.Actor, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

// Cursor encoding for element pagination: created_at and id joined with
// a unit separator, not further encoded since both are opaque to clients.
func encodeCursor(createdAt, id string) string {
	return createdAt + "\x1f" + id
}

func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	i := strings.IndexByte(cursor, '\x1f')
	if i <= 0 || i == len(cursor)-1 {
		return "", "", false
	}
	return cursor[:i], cursor[i+1:], true
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join(basePath, "openapi.json")
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <title>Loom API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: %q, dom_id: "#swagger-ui"});
  </script>
</body>
</html>`, specURL)
}
