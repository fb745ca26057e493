package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"coachline/internal/agent"
	"coachline/internal/events"
	"coachline/internal/permission"
)

// TaskPathParam addresses one task.
type TaskPathParam struct {
	TaskID string `path:"task_id"`
}

// AgentPathParam addresses one registered agent.
type AgentPathParam struct {
	AgentID string `path:"agent_id"`
}

func registerAgents(api huma.API, e *permission.Engine, orch *agent.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agent/agents",
		Summary:     "Registered agents",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]agent.Registration], error) {
		if _, err := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionView, nil); err != nil {
			return nil, err
		}
		return reply(nonNilSlice(orch.Agents())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-agent-task",
		Method:        http.MethodPost,
		Path:          "/agent/tasks",
		Summary:       "Create an agent task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*output[agent.Task], error) {
		rc := &permission.RequestContext{
			RiskLevel:      permission.RiskLevel(input.Body.Context.Profile.RiskLevel),
			OwnerID:        input.Body.UserID,
			SubjectCoachID: input.Body.CoachID,
		}
		p, authErr := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionExecute, rc)
		if authErr != nil {
			return nil, authErr
		}
		task, err := orch.CreateTask(ctx, agent.AgentType(input.Body.AgentType), input.Body.UserID, input.Body.Context,
			agent.OutputType(input.Body.ExpectedOutput), agent.TaskOptions{
				CoachID:     input.Body.CoachID,
				Priority:    agent.Priority(input.Body.Priority),
				TTL:         time.Duration(input.Body.TTLSeconds) * time.Second,
				CallbackURL: input.Body.CallbackURL,
				CreatedBy:   p.Identity.ID,
			})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(task), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-task",
		Method:      http.MethodGet,
		Path:        "/agent/tasks/{task_id}",
		Summary:     "Get an agent task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPathParam) (*output[agent.Task], error) {
		task, err := orch.Task(ctx, input.TaskID)
		if err != nil {
			return nil, lookupError(ctx, e, permission.ResourceAgentSuggestion, permission.ActionView, err)
		}
		if _, err := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionView, &permission.RequestContext{OwnerID: task.UserID}); err != nil {
			return nil, err
		}
		return reply(task), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-agent-task",
		Method:      http.MethodPost,
		Path:        "/agent/tasks/{task_id}/run",
		Summary:     "Execute a task against its agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *TaskPathParam) (*output[agent.Output], error) {
		task, err := orch.Task(ctx, input.TaskID)
		if err != nil {
			return nil, lookupError(ctx, e, permission.ResourceAgentSuggestion, permission.ActionExecute, err)
		}
		rc := &permission.RequestContext{
			RiskLevel:      permission.RiskLevel(task.Context.Profile.RiskLevel),
			OwnerID:        task.UserID,
			SubjectCoachID: task.CoachID,
		}
		if _, err := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionExecute, rc); err != nil {
			return nil, err
		}
		out, err := orch.RunTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-agent-feedback",
		Method:        http.MethodPost,
		Path:          "/agent/tasks/{task_id}/feedback",
		Summary:       "Review the latest execution of a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskPathParam
		Body FeedbackRequest `json:"body"`
	}) (*output[agent.Feedback], error) {
		p, authErr := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionApprove, nil)
		if authErr != nil {
			return nil, authErr
		}
		fb, err := orch.SubmitFeedback(ctx, input.TaskID, p.Identity.ID, string(p.Identity.Role), agent.FeedbackType(input.Body.FeedbackType), agent.FeedbackOptions{
			Rating:        input.Body.Rating,
			Comment:       input.Body.Comment,
			Modifications: input.Body.Modifications,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(fb), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-reviews",
		Method:      http.MethodGet,
		Path:        "/agent/reviews/pending",
		Summary:     "Completed executions awaiting review, oldest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]agent.Execution], error) {
		if _, err := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionApprove, nil); err != nil {
			return nil, err
		}
		list, err := orch.PendingReviews(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/agent/executions",
		Summary:     "Execution history, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		UserID  string `query:"user_id"`
		TaskID  string `query:"task_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500" default:"50"`
	}) (*output[[]agent.Execution], error) {
		if _, err := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionView, &permission.RequestContext{OwnerID: input.UserID}); err != nil {
			return nil, err
		}
		list, err := orch.ExecutionHistory(ctx, agent.HistoryFilter{
			AgentID: input.AgentID,
			UserID:  input.UserID,
			TaskID:  input.TaskID,
			Status:  agent.ExecutionStatus(input.Status),
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/agent/executions/{execution_id}",
		Summary:     "Get one execution",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*output[agent.Execution], error) {
		exec, err := orch.Execution(ctx, input.ExecutionID)
		if err != nil {
			return nil, lookupError(ctx, e, permission.ResourceAgentSuggestion, permission.ActionView, err)
		}
		if _, err := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionView, &permission.RequestContext{OwnerID: exec.Input.UserID}); err != nil {
			return nil, err
		}
		return reply(exec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-stats",
		Method:      http.MethodGet,
		Path:        "/agent/agents/{agent_id}/stats",
		Summary:     "Aggregate statistics for an agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *AgentPathParam) (*output[agent.Stats], error) {
		if _, err := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionView, nil); err != nil {
			return nil, err
		}
		stats, err := orch.AgentStats(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(stats), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-status",
		Method:      http.MethodPut,
		Path:        "/agent/agents/{agent_id}/status",
		Summary:     "Activate, deactivate or park an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentPathParam
		Body SetAgentStatusRequest `json:"body"`
	}) (*output[agent.Registration], error) {
		p, authErr := requirePermission(ctx, e, permission.ResourceAgentSuggestion, permission.ActionConfigure, nil)
		if authErr != nil {
			return nil, authErr
		}
		reg, err := orch.SetAgentStatus(ctx, p.Identity.ID, input.AgentID, agent.AgentStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(reg), nil
	})
}

func registerEvents(api huma.API, e *permission.Engine, log events.Writer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" minimum:"0" maximum:"500" default:"50"`
	}) (*output[[]events.Event], error) {
		if _, err := requirePermission(ctx, e, permission.ResourceSystemConfig, permission.ActionView, nil); err != nil {
			return nil, err
		}
		list, err := log.List(ctx, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(list)), nil
	})
}
