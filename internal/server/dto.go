package server

import (
	"coachline/internal/agent"
	"coachline/internal/identity"
	"coachline/internal/permission"
)

// Request payloads

type RegisterRequest struct {
	Username string `json:"username" minLength:"1"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password" minLength:"8"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty" enum:"user,student"`
	CoachID  string `json:"coach_id,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type CheckRequest struct {
	Resource string                     `json:"resource"`
	Action   string                     `json:"action"`
	Context  *permission.RequestContext `json:"context,omitempty"`
}

type SetRoleRequest struct {
	Role string `json:"role"`
}

type SetLevelRequest struct {
	Level int `json:"level" minimum:"0" maximum:"4"`
}

type AddCertificationRequest struct {
	Certification string `json:"certification" minLength:"1"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type CreateTaskRequest struct {
	AgentType      string        `json:"agent_type"`
	UserID         string        `json:"user_id" minLength:"1"`
	CoachID        string        `json:"coach_id,omitempty"`
	Priority       string        `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Context        agent.Context `json:"context"`
	ExpectedOutput string        `json:"expected_output,omitempty"`
	TTLSeconds     int           `json:"ttl_seconds,omitempty" minimum:"0"`
	CallbackURL    string        `json:"callback_url,omitempty"`
}

type FeedbackRequest struct {
	FeedbackType  string              `json:"feedback_type" enum:"accept,reject,modify,rate"`
	Rating        *int                `json:"rating,omitempty"`
	Comment       string              `json:"comment,omitempty"`
	Modifications *agent.Modification `json:"modifications,omitempty"`
}

type SetAgentStatusRequest struct {
	Status string `json:"status" enum:"active,inactive,maintenance"`
}

// Response payloads

type MeResponse struct {
	Account  identity.Account    `json:"account"`
	Identity permission.Identity `json:"identity"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
