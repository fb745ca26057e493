package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"coachline/internal/agent"
	"coachline/internal/events"
	"coachline/internal/identity"
	"coachline/internal/permission"
)

// Config for the HTTP API handler.
type Config struct {
	Identity *identity.Service
	Engine   *permission.Engine
	Agents   *agent.Orchestrator
	// EventLog enables the audit listing endpoint when set.
	EventLog *events.Writer
	BasePath string
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"permission agent_suggestion:approve required: level 2 required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Coachline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Identity == nil || cfg.Engine == nil || cfg.Agents == nil {
		return nil, errors.New("server: identity, engine and agents are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Identity))
	hcfg := huma.DefaultConfig("Coachline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Identity)
	registerMe(group, cfg.Identity)
	registerPermissions(group, cfg.Engine)
	registerUsers(group, cfg.Engine, cfg.Identity)
	registerAgents(group, cfg.Engine, cfg.Agents)
	if cfg.EventLog != nil {
		registerEvents(group, cfg.Engine, *cfg.EventLog)
	}
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
	var fe permission.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission, "reason": fe.Reason})
	}
	var ce *permission.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	var ee *agent.ExecutionError
	if errors.As(err, &ee) {
		details := map[string]any{"execution_id": ee.ExecutionID, "task_id": ee.TaskID, "agent_id": ee.AgentID, "status": ee.Status}
		if ee.Status == agent.StatusTimeout {
			return newAPIError(http.StatusGatewayTimeout, "execution_timeout", msg, details)
		}
		return newAPIError(http.StatusBadGateway, "execution_failed", msg, details)
	}
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrInvalidRefreshToken):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", msg, nil)
	case errors.Is(err, identity.ErrAccountSuspended), errors.Is(err, identity.ErrAccountInactive):
		return newAPIError(http.StatusForbidden, "account_disabled", msg, nil)
	case errors.Is(err, identity.ErrAccountNotFound),
		errors.Is(err, agent.ErrTaskNotFound),
		errors.Is(err, agent.ErrExecutionNotFound),
		errors.Is(err, agent.ErrAgentNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, agent.ErrTaskExpired):
		return newAPIError(http.StatusGone, "task_expired", msg, nil)
	case errors.Is(err, identity.ErrUsernameTaken):
		return newAPIError(http.StatusConflict, "username_taken", msg, nil)
	case errors.Is(err, agent.ErrAlreadyReviewed):
		return newAPIError(http.StatusConflict, "already_reviewed", msg, nil)
	case errors.Is(err, agent.ErrTaskBusy),
		errors.Is(err, agent.ErrExecutionNotCompleted),
		errors.Is(err, agent.ErrExecutionFinished):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, agent.ErrNoAgentAvailable):
		return newAPIError(http.StatusServiceUnavailable, "no_agent_available", msg, nil)
	case errors.Is(err, agent.ErrMissingContext),
		errors.Is(err, agent.ErrInvalidTask),
		errors.Is(err, agent.ErrInvalidFeedback),
		errors.Is(err, agent.ErrInvalidRegistration),
		errors.Is(err, agent.ErrInvalidFilter),
		errors.Is(err, identity.ErrMissingField),
		errors.Is(err, identity.ErrLevelOutOfRange),
		errors.Is(err, identity.ErrInvalidRole),
		errors.Is(err, identity.ErrInvalidStatus):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
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
	public := map[string]bool{}
	for _, p := range []string{"health", "auth/register", "auth/login", "auth/refresh"} {
		public[path.Join(basePath, p)] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
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
    <title>Coachline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}
