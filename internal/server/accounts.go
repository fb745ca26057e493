package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"coachline/internal/identity"
	"coachline/internal/permission"
)

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// UserPathParam addresses one account.
type UserPathParam struct {
	UserID string `path:"user_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[StatusResponse], error) {
		return reply(StatusResponse{Status: "ok"}), nil
	})
}

func registerAuth(api huma.API, svc *identity.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Create an account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*output[identity.Account], error) {
		acct, err := svc.Register(ctx, identity.RegisterRequest{
			Username: input.Body.Username,
			Email:    input.Body.Email,
			Password: input.Body.Password,
			Role:     permission.Role(input.Body.Role),
			Name:     input.Body.Name,
			CoachID:  input.Body.CoachID,
			TeamID:   input.Body.TeamID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(acct), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a session token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*output[identity.LoginResult], error) {
		res, err := svc.Login(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Rotate a refresh token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RefreshRequest `json:"body"`
	}) (*output[identity.LoginResult], error) {
		res, err := svc.Refresh(ctx, input.Body.RefreshToken)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Revoke the presented session token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[StatusResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.Logout(ctx, p.Token); err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{Status: "logged_out"}), nil
	})
}

func registerMe(api huma.API, svc *identity.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current account and effective permissions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := svc.Account(ctx, p.Identity.ID)
		if err != nil {
			return nil, handleError(err)
		}
		id := p.Identity
		id.Permissions = nonNilSlice(id.Permissions)
		return reply(MeResponse{Account: acct, Identity: id}), nil
	})
}

func registerPermissions(api huma.API, e *permission.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-permission",
		Method:      http.MethodPost,
		Path:        "/permissions/check",
		Summary:     "Evaluate a permission for the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CheckRequest `json:"body"`
	}) (*output[permission.CheckResult], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Check(&p.Identity, permission.Resource(input.Body.Resource), permission.Action(input.Body.Action), input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/permissions/rules",
		Summary:     "Active rule table in evaluation order",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]permission.RuleSpec], error) {
		if _, err := requirePermission(ctx, e, permission.ResourceSystemConfig, permission.ActionView, nil); err != nil {
			return nil, err
		}
		rules := e.Rules()
		specs := make([]permission.RuleSpec, 0, len(rules))
		for _, r := range rules {
			specs = append(specs, r.Spec())
		}
		return reply(specs), nil
	})
}

func registerUsers(api huma.API, e *permission.Engine, svc *identity.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List accounts",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]identity.Account], error) {
		if _, err := requirePermission(ctx, e, permission.ResourceSystemConfig, permission.ActionView, nil); err != nil {
			return nil, err
		}
		list, err := svc.Accounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get an account",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *UserPathParam) (*output[identity.Account], error) {
		acct, err := svc.Account(ctx, input.UserID)
		if err != nil {
			return nil, lookupError(ctx, e, permission.ResourceUserProfile, permission.ActionView, err)
		}
		rc := &permission.RequestContext{OwnerID: acct.ID, SubjectCoachID: acct.CoachID}
		if _, err := requirePermission(ctx, e, permission.ResourceUserProfile, permission.ActionView, rc); err != nil {
			return nil, err
		}
		return reply(acct), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-role",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/role",
		Summary:     "Change an account's role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserPathParam
		Body SetRoleRequest `json:"body"`
	}) (*output[identity.Account], error) {
		p, authErr := requirePermission(ctx, e, permission.ResourceSystemConfig, permission.ActionConfigure, nil)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := svc.ChangeRole(ctx, p.Identity.ID, input.UserID, permission.Role(input.Body.Role))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(acct), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-level",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/level",
		Summary:     "Change an account's level",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserPathParam
		Body SetLevelRequest `json:"body"`
	}) (*output[identity.Account], error) {
		p, authErr := requirePermission(ctx, e, permission.ResourceSystemConfig, permission.ActionConfigure, nil)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := svc.SetLevel(ctx, p.Identity.ID, input.UserID, input.Body.Level)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(acct), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-user-certification",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/certifications",
		Summary:     "Grant a certification",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserPathParam
		Body AddCertificationRequest `json:"body"`
	}) (*output[identity.Account], error) {
		p, authErr := requirePermission(ctx, e, permission.ResourceCertification, permission.ActionCreate, nil)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := svc.AddCertification(ctx, p.Identity.ID, input.UserID, input.Body.Certification)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(acct), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-status",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/status",
		Summary:     "Change an account's status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserPathParam
		Body SetStatusRequest `json:"body"`
	}) (*output[identity.Account], error) {
		p, authErr := requirePermission(ctx, e, permission.ResourceSystemConfig, permission.ActionConfigure, nil)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := svc.SetStatus(ctx, p.Identity.ID, input.UserID, permission.Status(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(acct), nil
	})
}
