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

	"garrison/internal/config"
	"garrison/internal/dispatch"
	"garrison/internal/domain"
	"garrison/internal/engine"
	"garrison/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine       *engine.Engine
	Orchestrator *dispatch.Orchestrator
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"conscript c1: invalid transition idle -> merging"`
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

// New returns an HTTP handler exposing the Garrison API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope format.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Garrison API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerConscripts(group, cfg.Engine)
	registerCamps(group, cfg.Engine)
	registerDirectives(group, cfg.Engine)
	registerOrchestrator(group, cfg.Engine, cfg.Orchestrator)
	registerAssignments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"conscript_id": ite.ConscriptID,
			"current":      ite.Current,
			"requested":    ite.Requested,
		})
	}
	var de engine.DependencyUnsatisfiedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "dependency_unsatisfied", err.Error(), map[string]any{
			"directive_id": de.DirectiveID,
			"missing":      de.Missing,
		})
	}
	var ce engine.CapacityExceededError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "capacity_exceeded", err.Error(), map[string]any{
			"camp_alias": ce.CampAlias,
			"capacity":   ce.Capacity,
		})
	}
	var xe engine.ExternalFailureError
	if errors.As(err, &xe) {
		return newAPIError(http.StatusBadGateway, "external_failure", err.Error(), map[string]any{"stage": xe.Stage})
	}
	if errors.Is(err, engine.ErrResourceUnavailable) {
		return newAPIError(http.StatusConflict, "resource_unavailable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "stop it") || strings.Contains(lowered, "release it first") || strings.Contains(lowered, "not dispatchable"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "cycle") || strings.Contains(lowered, "depend"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
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
    <title>Garrison API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerConscripts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-conscripts",
		Method:      http.MethodGet,
		Path:        "/conscripts",
		Summary:     "List conscripts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Conscript `json:"body"`
	}, error) {
		items, err := e.Repo.ListConscripts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Conscript `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-conscript",
		Method:        http.MethodPost,
		Path:          "/conscripts",
		Summary:       "Create conscript",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateConscriptRequest `json:"body"`
	}) (*struct {
		Body domain.Conscript `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateConscript(ctx, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conscript `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-conscript",
		Method:      http.MethodGet,
		Path:        "/conscripts/{conscript_id}",
		Summary:     "Get conscript",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConscriptID string `path:"conscript_id"`
	}) (*struct {
		Body domain.Conscript `json:"body"`
	}, error) {
		c, err := e.Repo.GetConscript(ctx, input.ConscriptID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conscript `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-conscript",
		Method:      http.MethodDelete,
		Path:        "/conscripts/{conscript_id}",
		Summary:     "Delete conscript (idle only)",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConscriptID string `path:"conscript_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteConscript(ctx, input.ConscriptID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-conscript",
		Method:      http.MethodPost,
		Path:        "/conscripts/{conscript_id}/assign",
		Summary:     "Assign a directive to an idle conscript",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConscriptID string        `path:"conscript_id"`
		Body        AssignRequest `json:"body"`
	}) (*struct {
		Body domain.Conscript `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.DirectiveID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "directive_id is required", nil)
		}
		c, err := e.Assign(ctx, engine.AssignOptions{
			ConscriptID: input.ConscriptID,
			DirectiveID: input.Body.DirectiveID,
			CampAlias:   input.Body.CampAlias,
			ClaimCamp:   input.Body.ClaimCamp,
			BranchName:  input.Body.BranchName,
			WorkDir:     input.Body.WorkDir,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conscript `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-conscript",
		Method:      http.MethodPost,
		Path:        "/conscripts/{conscript_id}/approve",
		Summary:     "Approve reviewed work and merge",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConscriptID string `path:"conscript_id"`
	}) (*struct {
		Body domain.Conscript `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Approve(ctx, input.ConscriptID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conscript `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-conscript",
		Method:      http.MethodPost,
		Path:        "/conscripts/{conscript_id}/reject",
		Summary:     "Send reviewed work back for rework",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConscriptID string        `path:"conscript_id"`
		Body        RejectRequest `json:"body"`
	}) (*struct {
		Body domain.Conscript `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Feedback) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "feedback is required", nil)
		}
		c, err := e.Reject(ctx, input.ConscriptID, input.Body.Feedback, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conscript `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "message-conscript",
		Method:      http.MethodPost,
		Path:        "/conscripts/{conscript_id}/message",
		Summary:     "Send input to a conscript's agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConscriptID string         `path:"conscript_id"`
		Body        MessageRequest `json:"body"`
	}) (*struct {
		Body domain.Conscript `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		c, err := e.SendMessage(ctx, input.ConscriptID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conscript `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-conscript",
		Method:      http.MethodPost,
		Path:        "/conscripts/{conscript_id}/stop",
		Summary:     "Stop a conscript and requeue its directive",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ConscriptID string `path:"conscript_id"`
	}) (*struct {
		Body domain.Conscript `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Stop(ctx, input.ConscriptID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conscript `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "conscript-chat",
		Method:      http.MethodGet,
		Path:        "/conscripts/{conscript_id}/chat",
		Summary:     "Conscript chat history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConscriptID string `path:"conscript_id"`
		DirectiveID string `query:"directive_id"`
	}) (*struct {
		Body []domain.ChatEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetConscript(ctx, input.ConscriptID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListChatEntries(ctx, input.ConscriptID, input.DirectiveID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChatEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerCamps(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-camps",
		Method:      http.MethodGet,
		Path:        "/camps",
		Summary:     "List camps",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CampResponse `json:"body"`
	}, error) {
		items, err := e.ListCamps(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CampResponse `json:"body"`
		}{Body: mapCamps(items, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "camp-pool-status",
		Method:      http.MethodGet,
		Path:        "/camps/status",
		Summary:     "Camp pool counts and provider quota",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.PoolStatus `json:"body"`
	}, error) {
		status, err := e.PoolStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PoolStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-camp",
		Method:      http.MethodPost,
		Path:        "/camps/claim",
		Summary:     "Lease any claimable camp to a conscript",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ClaimCampRequest `json:"body"`
	}) (*struct {
		Body CampResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ConscriptID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "conscript_id is required", nil)
		}
		camp, err := e.ClaimCamp(ctx, input.Body.ConscriptID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampResponse `json:"body"`
		}{Body: campResponse(camp, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-camp",
		Method:      http.MethodPost,
		Path:        "/camps/{camp_id}/release",
		Summary:     "Drop every lease on a camp",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CampID string `path:"camp_id"`
	}) (*struct {
		Body CampResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		camp, err := e.ReleaseCamp(ctx, input.CampID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampResponse `json:"body"`
		}{Body: campResponse(camp, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-camp",
		Method:      http.MethodPost,
		Path:        "/camps/{camp_id}/assign",
		Summary:     "Lease a specific camp to a conscript",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CampID string               `path:"camp_id"`
		Body   CampConscriptRequest `json:"body"`
	}) (*struct {
		Body CampResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ConscriptID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "conscript_id is required", nil)
		}
		camp, err := e.AssignCamp(ctx, input.CampID, input.Body.ConscriptID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampResponse `json:"body"`
		}{Body: campResponse(camp, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-camp",
		Method:      http.MethodPost,
		Path:        "/camps/{camp_id}/unassign",
		Summary:     "Drop one camp lease",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CampID string               `path:"camp_id"`
		Body   CampConscriptRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ConscriptID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "conscript_id is required", nil)
		}
		if err := e.UnassignCamp(ctx, input.CampID, input.Body.ConscriptID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "discover-camps",
		Method:      http.MethodPost,
		Path:        "/camps/discover",
		Summary:     "Adopt provider-side environments",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CampResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		adopted, err := e.DiscoverCamps(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CampResponse `json:"body"`
		}{Body: mapCamps(adopted, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-camp",
		Method:        http.MethodPost,
		Path:          "/camps/register",
		Summary:       "Register a pre-existing environment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterCampRequest `json:"body"`
	}) (*struct {
		Body CampResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		camp, err := e.RegisterCamp(ctx, input.Body.Alias, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampResponse `json:"body"`
		}{Body: campResponse(camp, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "provision-camp",
		Method:        http.MethodPost,
		Path:          "/camps/provision",
		Summary:       "Provision a new environment",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body ProvisionCampRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		alias, err := e.ProvisionCamp(ctx, input.Body.Alias, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"alias": alias}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-camp",
		Method:      http.MethodDelete,
		Path:        "/camps/{camp_id}",
		Summary:     "Delete camp (unleased only)",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CampID string `path:"camp_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCamp(ctx, input.CampID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDirectives(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/directives",
		Summary:     "List directives",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Priority string `query:"priority"`
		Source   string `query:"source"`
		Label    string `query:"label"`
	}) (*struct {
		Body []domain.Directive `json:"body"`
	}, error) {
		items, err := e.ListDirectives(ctx, repo.DirectiveFilters{
			Status:   input.Status,
			Priority: input.Priority,
			Source:   input.Source,
			Label:    input.Label,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Directive `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-directive",
		Method:        http.MethodPost,
		Path:          "/directives",
		Summary:       "Create directive",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body engine.DirectiveInput `json:"body"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDirective(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/directives/{directive_id}",
		Summary:     "Get directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DirectiveID string `path:"directive_id"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		d, err := e.GetDirective(ctx, input.DirectiveID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-directive",
		Method:      http.MethodPatch,
		Path:        "/directives/{directive_id}",
		Summary:     "Update directive",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DirectiveID string                `path:"directive_id"`
		Body        engine.DirectivePatch `json:"body"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDirective(ctx, input.DirectiveID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-directive",
		Method:      http.MethodDelete,
		Path:        "/directives/{directive_id}",
		Summary:     "Delete directive",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DirectiveID string `path:"directive_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDirective(ctx, input.DirectiveID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{directive_id}/abandon",
		Summary:     "Mark directive terminally rejected",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DirectiveID string `path:"directive_id"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.AbandonDirective(ctx, input.DirectiveID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{directive_id}/reopen",
		Summary:     "Return a terminal directive to the backlog",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DirectiveID string `path:"directive_id"`
	}) (*struct {
		Body domain.Directive `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReopenDirective(ctx, input.DirectiveID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Directive `json:"body"`
		}{Body: d}, nil
	})
}

func registerOrchestrator(api huma.API, e *engine.Engine, orch *dispatch.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "load-orchestrator",
		Method:      http.MethodPost,
		Path:        "/orchestrator/load",
		Summary:     "Load the dispatch queue",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body LoadDirectivesRequest `json:"body"`
	}) (*struct {
		Body domain.OrchestratorStatus `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := orch.LoadDirectives(input.Body.DirectiveIDs); err != nil {
			return nil, handleError(err)
		}
		status, err := orch.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrchestratorStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-orchestrator",
		Method:      http.MethodPost,
		Path:        "/orchestrator/start",
		Summary:     "Start dispatching",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.OrchestratorStatus `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := orch.Start(context.Background()); err != nil {
			return nil, handleError(err)
		}
		status, err := orch.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrchestratorStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-orchestrator",
		Method:      http.MethodPost,
		Path:        "/orchestrator/stop",
		Summary:     "Stop dispatching",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.OrchestratorStatus `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		orch.Stop()
		status, err := orch.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrchestratorStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-status",
		Method:      http.MethodGet,
		Path:        "/orchestrator/status",
		Summary:     "Dispatch queue snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.OrchestratorStatus `json:"body"`
	}, error) {
		status, err := orch.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrchestratorStatus `json:"body"`
		}{Body: status}, nil
	})
}

func registerAssignments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/check",
		Summary:     "Check a proposed pairing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SourceKind string `query:"source_kind" enum:"directive,conscript,camp"`
		SourceID   string `query:"source_id"`
		TargetKind string `query:"target_kind" enum:"directive,conscript,camp"`
		TargetID   string `query:"target_id"`
	}) (*struct {
		Body CanAssignResponse `json:"body"`
	}, error) {
		ok, err := e.CanAssign(ctx, input.SourceKind, input.SourceID, input.TargetKind, input.TargetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CanAssignResponse `json:"body"`
		}{Body: CanAssignResponse{Allowed: ok}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerSettings(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Workspace settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body config.Settings `json:"body"`
	}, error) {
		return &struct {
			Body config.Settings `json:"body"`
		}{Body: *e.Settings}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Replace workspace settings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body config.Settings `json:"body"`
	}) (*struct {
		Body config.Settings `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s := input.Body
		if err := s.Validate(); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertSettings(ctx, &s); err != nil {
			return nil, handleError(err)
		}
		*e.Settings = s
		return &struct {
			Body config.Settings `json:"body"`
		}{Body: s}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
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
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
