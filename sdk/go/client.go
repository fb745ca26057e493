package coachlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Coachline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Identity is the permission subject returned on login.
type Identity struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	Level          int      `json:"level"`
	Certifications []string `json:"certifications"`
	Status         string   `json:"status"`
	Permissions    []string `json:"permissions,omitempty"`
}

type Session struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Identity     Identity `json:"identity"`
}

// CheckResult explains a permission decision.
type CheckResult struct {
	Allowed                bool     `json:"allowed"`
	Reason                 string   `json:"reason"`
	MatchedRule            string   `json:"matched_rule,omitempty"`
	RequiredLevel          *int     `json:"required_level,omitempty"`
	RequiredCertifications []string `json:"required_certifications,omitempty"`
}

// CheckContext carries optional request facts for a permission check.
type CheckContext struct {
	RiskLevel      string `json:"risk_level,omitempty"`
	OwnerID        string `json:"owner_id,omitempty"`
	SubjectCoachID string `json:"subject_coach_id,omitempty"`
}

// TaskRequest creates an agent task. Context is sent as-is and must carry a
// "profile" object.
type TaskRequest struct {
	AgentType      string         `json:"agent_type"`
	UserID         string         `json:"user_id"`
	CoachID        string         `json:"coach_id,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	Context        map[string]any `json:"context"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	TTLSeconds     int            `json:"ttl_seconds,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID             string `json:"task_id"`
	AgentType      string `json:"agent_type"`
	UserID         string `json:"user_id"`
	CoachID        string `json:"coach_id,omitempty"`
	Priority       string `json:"priority"`
	ExpectedOutput string `json:"expected_output"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at,omitempty"`
}

type Suggestion struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Priority  int      `json:"priority"`
	Content   string   `json:"content"`
	Rationale string   `json:"rationale,omitempty"`
	Evidence  []string `json:"evidence,omitempty"`
}

// Output is the structured result of running a task.
type Output struct {
	TaskID          string       `json:"task_id"`
	AgentID         string       `json:"agent_id"`
	OutputType      string       `json:"output_type"`
	Suggestions     []Suggestion `json:"suggestions"`
	Confidence      float64      `json:"confidence"`
	RiskFlags       []string     `json:"risk_flags,omitempty"`
	NeedHumanReview bool         `json:"need_human_review"`
	ReviewReason    string       `json:"review_reason,omitempty"`
}

type Feedback struct {
	ID           string `json:"feedback_id"`
	ExecutionID  string `json:"execution_id"`
	ReviewerID   string `json:"reviewer_id"`
	ReviewerRole string `json:"reviewer_role"`
	FeedbackType string `json:"feedback_type"`
	Rating       *int   `json:"rating,omitempty"`
	Comment      string `json:"comment,omitempty"`
	Applied      bool   `json:"applied"`
	CreatedAt    string `json:"created_at"`
}

// Execution is one recorded run of a task.
type Execution struct {
	ID          string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	Output      *Output   `json:"output_snapshot,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   string    `json:"started_at"`
	CompletedAt string    `json:"completed_at,omitempty"`
	Feedback    *Feedback `json:"feedback,omitempty"`
}

// FeedbackRequest reviews the latest execution of a task.
type FeedbackRequest struct {
	FeedbackType string `json:"feedback_type"`
	Rating       int    `json:"rating,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a session and keeps its token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// Check asks the server to evaluate a permission for the logged-in caller.
func (c *Client) Check(ctx context.Context, resource, action string, rc *CheckContext) (CheckResult, error) {
	body := map[string]any{
		"resource": resource,
		"action":   action,
	}
	if rc != nil {
		body["context"] = rc
	}
	var resp CheckResult
	err := c.do(ctx, http.MethodPost, "permissions/check", body, &resp)
	return resp, err
}

// CreateTask creates an agent task.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "agent/tasks", req, &resp)
	return resp, err
}

// RunTask executes a task and returns the agent output.
func (c *Client) RunTask(ctx context.Context, taskID string) (Output, error) {
	var resp Output
	endpoint := fmt.Sprintf("agent/tasks/%s/run", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SubmitFeedback reviews the latest execution of a task.
func (c *Client) SubmitFeedback(ctx context.Context, taskID string, req FeedbackRequest) (Feedback, error) {
	var resp Feedback
	endpoint := fmt.Sprintf("agent/tasks/%s/feedback", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// PendingReviews lists completed executions still waiting for a reviewer.
func (c *Client) PendingReviews(ctx context.Context) ([]Execution, error) {
	var resp []Execution
	err := c.do(ctx, http.MethodGet, "agent/reviews/pending", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
