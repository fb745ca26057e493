package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"coachline/internal/agent"
	"coachline/internal/identity"
	"coachline/internal/permission"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Identity permission.Identity
	Token    string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.Identity.ID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requirePermission checks the caller against one resource/action pair.
func requirePermission(ctx context.Context, e *permission.Engine, res permission.Resource, act permission.Action, rc *permission.RequestContext) (Principal, huma.StatusError) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := e.Require(&p.Identity, res, act, rc); err != nil {
		return Principal{}, handleError(err)
	}
	return p, nil
}

// lookupError reports a missing record only to callers that could act on the
// resource without owning it; everyone else gets the denial instead.
func lookupError(ctx context.Context, e *permission.Engine, res permission.Resource, act permission.Action, err error) huma.StatusError {
	if errors.Is(err, identity.ErrAccountNotFound) ||
		errors.Is(err, agent.ErrTaskNotFound) ||
		errors.Is(err, agent.ErrExecutionNotFound) {
		if _, authErr := requirePermission(ctx, e, res, act, &permission.RequestContext{}); authErr != nil {
			return authErr
		}
	}
	return handleError(err)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, svc *identity.Service) func(http.Handler) http.Handler {
	public := map[string]bool{}
	for _, p := range []string{"health", "auth/register", "auth/login", "auth/refresh", "openapi.json", "docs"} {
		public[path.Join(basePath, p)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			id, err := svc.Authenticate(req.Context(), token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{Identity: id, Token: token})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
