// Package agent dispatches coaching tasks to registered agents, records every
// execution attempt and collects reviewer feedback and per-agent statistics.
package agent

import (
	"errors"
	"time"
)

type AgentType string

const (
	TypeAssessment     AgentType = "assessment_agent"
	TypeIntervention   AgentType = "intervention_agent"
	TypeCoaching       AgentType = "coaching_agent"
	TypeAlert          AgentType = "alert_agent"
	TypeTraining       AgentType = "training_agent"
	TypeReview         AgentType = "review_agent"
	TypeRecommendation AgentType = "recommendation_agent"
)

var AgentTypes = []AgentType{
	TypeAssessment, TypeIntervention, TypeCoaching, TypeAlert, TypeTraining, TypeReview, TypeRecommendation,
}

func ValidAgentType(t AgentType) bool {
	for _, v := range AgentTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type OutputType string

const (
	OutputAssessmentReport OutputType = "assessment_report"
	OutputInterventionPlan OutputType = "intervention_plan"
	OutputCoachingMessage  OutputType = "coaching_message"
	OutputSuggestionList   OutputType = "suggestion_list"
	OutputRiskAlert        OutputType = "risk_alert"
	OutputTrainingContent  OutputType = "training_content"
	OutputReviewResult     OutputType = "review_result"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Behavior stages of the transtheoretical model.
const (
	StagePreContemplation = "pre_contemplation"
	StageContemplation    = "contemplation"
	StagePreparation      = "preparation"
	StageAction           = "action"
	StageMaintenance      = "maintenance"
)

type Profile struct {
	Age           int               `json:"age,omitempty"`
	Gender        string            `json:"gender,omitempty"`
	Conditions    []string          `json:"conditions,omitempty"`
	RiskLevel     RiskLevel         `json:"risk_level,omitempty"`
	BehaviorStage string            `json:"behavior_stage,omitempty"`
	Goals         []string          `json:"goals,omitempty"`
	Preferences   map[string]string `json:"preferences,omitempty"`
}

func (p Profile) empty() bool {
	return p.Age == 0 && p.Gender == "" && len(p.Conditions) == 0 && p.RiskLevel == "" &&
		p.BehaviorStage == "" && len(p.Goals) == 0 && len(p.Preferences) == 0
}

type DeviceReading struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type InterventionSnapshot struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the subject's state captured when a task is created. Tasks hold
// their own deep copy.
type Context struct {
	Profile             Profile                `json:"profile"`
	DeviceData          []DeviceReading        `json:"device_data,omitempty"`
	BehaviorStage       string                 `json:"behavior_stage,omitempty"`
	PhenotypeTags       []string               `json:"phenotype_tags,omitempty"`
	RecentInterventions []InterventionSnapshot `json:"recent_interventions,omitempty"`
	ConversationHistory []ConversationTurn     `json:"conversation_history,omitempty"`
	CustomData          map[string]any         `json:"custom_data,omitempty"`
}

// Stage returns the task's behavior stage, preferring the context-level value.
func (c Context) Stage() string {
	if c.BehaviorStage != "" {
		return c.BehaviorStage
	}
	return c.Profile.BehaviorStage
}

// Clone returns a copy that shares no mutable state with c.
func (c Context) Clone() Context {
	out := c
	out.Profile.Conditions = cloneStrings(c.Profile.Conditions)
	out.Profile.Goals = cloneStrings(c.Profile.Goals)
	if c.Profile.Preferences != nil {
		out.Profile.Preferences = make(map[string]string, len(c.Profile.Preferences))
		for k, v := range c.Profile.Preferences {
			out.Profile.Preferences[k] = v
		}
	}
	if c.DeviceData != nil {
		out.DeviceData = append([]DeviceReading(nil), c.DeviceData...)
	}
	out.PhenotypeTags = cloneStrings(c.PhenotypeTags)
	if c.RecentInterventions != nil {
		out.RecentInterventions = append([]InterventionSnapshot(nil), c.RecentInterventions...)
	}
	if c.ConversationHistory != nil {
		out.ConversationHistory = append([]ConversationTurn(nil), c.ConversationHistory...)
	}
	if c.CustomData != nil {
		out.CustomData = cloneValue(c.CustomData).(map[string]any)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

type Task struct {
	ID             string     `json:"task_id"`
	AgentType      AgentType  `json:"agent_type"`
	UserID         string     `json:"user_id"`
	CoachID        string     `json:"coach_id,omitempty"`
	Priority       Priority   `json:"priority"`
	Context        Context    `json:"context"`
	ExpectedOutput OutputType `json:"expected_output"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CallbackURL    string     `json:"callback_url,omitempty"`
	CreatedBy      string     `json:"created_by,omitempty"`
}

func (t Task) clone() Task {
	t.Context = t.Context.Clone()
	if t.ExpiresAt != nil {
		v := *t.ExpiresAt
		t.ExpiresAt = &v
	}
	return t
}

func (t Task) expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

type SuggestionType string

const (
	SuggestionAction   SuggestionType = "action"
	SuggestionTask     SuggestionType = "task"
	SuggestionAlert    SuggestionType = "alert"
	SuggestionContent  SuggestionType = "content"
	SuggestionResource SuggestionType = "resource"
)

type Suggestion struct {
	ID        string         `json:"id"`
	Type      SuggestionType `json:"type"`
	Priority  int            `json:"priority"`
	Content   string         `json:"content"`
	Rationale string         `json:"rationale,omitempty"`
	Evidence  []string       `json:"evidence,omitempty"`
	ActionURL string         `json:"action_url,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

type ProcessingInfo struct {
	ElapsedMS  int64       `json:"elapsed_ms"`
	Model      string      `json:"model,omitempty"`
	Version    string      `json:"version,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// Output is the structured result of one execution.
type Output struct {
	TaskID          string         `json:"task_id"`
	AgentID         string         `json:"agent_id"`
	AgentType       AgentType      `json:"agent_type"`
	OutputType      OutputType     `json:"output_type"`
	Confidence      float64        `json:"confidence"`
	Suggestions     []Suggestion   `json:"suggestions"`
	RiskFlags       []string       `json:"risk_flags"`
	NeedHumanReview bool           `json:"need_human_review"`
	ReviewReason    string         `json:"review_reason,omitempty"`
	Processing      ProcessingInfo `json:"processing"`
	CreatedAt       time.Time      `json:"created_at"`
}

type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusProcessing ExecutionStatus = "processing"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusTimeout    ExecutionStatus = "timeout"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

func ValidExecutionStatus(s ExecutionStatus) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Execution is the audit record of one attempt to run a task. Seq orders
// executions that share a start timestamp.
type Execution struct {
	ID          string          `json:"execution_id"`
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	Seq         int64           `json:"seq"`
	Status      ExecutionStatus `json:"status"`
	Input       Task            `json:"input_snapshot"`
	Output      *Output         `json:"output_snapshot,omitempty"`
	Error       string          `json:"error,omitempty"`
	Feedback    *Feedback       `json:"feedback,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Reviewed reports whether feedback has been attached.
func (e Execution) Reviewed() bool { return e.Feedback != nil }

type FeedbackType string

const (
	FeedbackAccept FeedbackType = "accept"
	FeedbackReject FeedbackType = "reject"
	FeedbackModify FeedbackType = "modify"
	FeedbackRate   FeedbackType = "rate"
)

func ValidFeedbackType(t FeedbackType) bool {
	switch t {
	case FeedbackAccept, FeedbackReject, FeedbackModify, FeedbackRate:
		return true
	}
	return false
}

type Modification struct {
	Original string `json:"original"`
	Modified string `json:"modified"`
}

type Feedback struct {
	ID            string        `json:"feedback_id"`
	TaskID        string        `json:"task_id"`
	ExecutionID   string        `json:"execution_id"`
	AgentID       string        `json:"agent_id"`
	UserID        string        `json:"user_id"`
	ReviewerID    string        `json:"reviewer_id"`
	ReviewerRole  string        `json:"reviewer_role"`
	Type          FeedbackType  `json:"feedback_type"`
	Rating        *int          `json:"rating,omitempty"`
	Comment       string        `json:"comment,omitempty"`
	Modifications *Modification `json:"modifications,omitempty"`
	Applied       bool          `json:"applied"`
	CreatedAt     time.Time     `json:"created_at"`
}

type Stats struct {
	AgentID         string     `json:"agent_id"`
	TotalTasks      int        `json:"total_tasks"`
	SuccessfulTasks int        `json:"successful_tasks"`
	FailedTasks     int        `json:"failed_tasks"`
	TimedOutTasks   int        `json:"timed_out_tasks"`
	AvgConfidence   float64    `json:"avg_confidence"`
	AvgResponseMS   float64    `json:"avg_response_time_ms"`
	FeedbackCount   int        `json:"feedback_count"`
	AcceptanceRate  float64    `json:"acceptance_rate"`
	AvgRating       float64    `json:"avg_rating"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
}

var (
	ErrTaskNotFound          = errors.New("task not found")
	ErrTaskExpired           = errors.New("task expired")
	ErrTaskBusy              = errors.New("task already processing")
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrExecutionNotCompleted = errors.New("execution not completed")
	ErrExecutionFinished     = errors.New("execution already finished")
	ErrAgentNotFound         = errors.New("agent not found")
	ErrNoAgentAvailable      = errors.New("no agent available")
	ErrMissingContext        = errors.New("missing required context")
	ErrAlreadyReviewed       = errors.New("execution already reviewed")
	ErrExecutionTimeout      = errors.New("execution timed out")
	ErrInvalidOutput         = errors.New("invalid agent output")
	ErrInvalidFeedback       = errors.New("invalid feedback")
	ErrInvalidTask           = errors.New("invalid task")
	ErrInvalidRegistration   = errors.New("invalid agent registration")
	ErrInvalidFilter         = errors.New("invalid history filter")
)

// ExecutionError reports a failed or timed out execution after it has been
// recorded.
type ExecutionError struct {
	ExecutionID string
	TaskID      string
	AgentID     string
	Status      ExecutionStatus
	Err         error
}

func (e *ExecutionError) Error() string {
	return "execution " + e.ExecutionID + " of task " + e.TaskID + " " + string(e.Status) + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }
