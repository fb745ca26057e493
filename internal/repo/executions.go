package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"coachline/internal/agent"
)

const executionSelect = `SELECT e.seq,e.id,e.task_id,e.agent_id,e.status,e.input_json,e.output_json,COALESCE(e.error,''),e.started_at,e.completed_at,
f.id,f.user_id,f.reviewer_id,f.reviewer_role,f.feedback_type,f.rating,f.comment,f.modifications_json,f.applied,f.created_at
FROM agent_executions e LEFT JOIN agent_feedback f ON f.execution_id = e.id`

func scanExecution(row rowScanner) (agent.Execution, error) {
	var (
		e                agent.Execution
		status           string
		input            string
		output           sql.NullString
		started          string
		completed        sql.NullString
		fbID, fbUser     sql.NullString
		fbReviewer       sql.NullString
		fbRole, fbType   sql.NullString
		fbRating         sql.NullInt64
		fbComment, fbMod sql.NullString
		fbApplied        sql.NullBool
		fbCreated        sql.NullString
	)
	err := row.Scan(&e.Seq, &e.ID, &e.TaskID, &e.AgentID, &status, &input, &output, &e.Error, &started, &completed,
		&fbID, &fbUser, &fbReviewer, &fbRole, &fbType, &fbRating, &fbComment, &fbMod, &fbApplied, &fbCreated)
	if err == sql.ErrNoRows {
		return e, agent.ErrExecutionNotFound
	}
	if err != nil {
		return e, err
	}
	e.Status = agent.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(input), &e.Input); err != nil {
		return e, fmt.Errorf("decode execution input: %w", err)
	}
	if output.Valid && output.String != "" {
		var out agent.Output
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return e, fmt.Errorf("decode execution output: %w", err)
		}
		e.Output = &out
	}
	if e.StartedAt, err = parseTime(started); err != nil {
		return e, err
	}
	if e.CompletedAt, err = parseTimePtr(completed); err != nil {
		return e, err
	}
	if !fbID.Valid {
		return e, nil
	}
	fb := agent.Feedback{
		ID:           fbID.String,
		TaskID:       e.TaskID,
		ExecutionID:  e.ID,
		AgentID:      e.AgentID,
		UserID:       fbUser.String,
		ReviewerID:   fbReviewer.String,
		ReviewerRole: fbRole.String,
		Type:         agent.FeedbackType(fbType.String),
		Comment:      fbComment.String,
		Applied:      fbApplied.Bool,
	}
	if fbRating.Valid {
		v := int(fbRating.Int64)
		fb.Rating = &v
	}
	if fbMod.Valid && fbMod.String != "" {
		var m agent.Modification
		if err := json.Unmarshal([]byte(fbMod.String), &m); err != nil {
			return e, fmt.Errorf("decode feedback modifications: %w", err)
		}
		fb.Modifications = &m
	}
	if fb.CreatedAt, err = parseTime(fbCreated.String); err != nil {
		return e, err
	}
	e.Feedback = &fb
	return e, nil
}

// CreateExecution stores a new attempt; the row id becomes its Seq.
func (r Repo) CreateExecution(ctx context.Context, e agent.Execution) (agent.Execution, error) {
	input, err := marshalJSON(e.Input)
	if err != nil {
		return agent.Execution{}, fmt.Errorf("encode execution input: %w", err)
	}
	var output any
	if e.Output != nil {
		raw, err := marshalJSON(e.Output)
		if err != nil {
			return agent.Execution{}, fmt.Errorf("encode execution output: %w", err)
		}
		output = raw
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agent_executions(id,task_id,agent_id,user_id,status,input_json,output_json,error,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.AgentID, e.Input.UserID, string(e.Status), input, output, nullable(e.Error),
		formatTime(e.StartedAt), formatTimePtr(e.CompletedAt))
	if err != nil {
		return agent.Execution{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return agent.Execution{}, err
	}
	e.Seq = seq
	return r.GetExecution(ctx, e.ID)
}

func (r Repo) FinishExecution(ctx context.Context, id string, status agent.ExecutionStatus, out *agent.Output, errMsg string, completedAt time.Time) (agent.Execution, error) {
	var output any
	if out != nil {
		raw, err := marshalJSON(out)
		if err != nil {
			return agent.Execution{}, fmt.Errorf("encode execution output: %w", err)
		}
		output = raw
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE agent_executions SET status=?,output_json=COALESCE(?,output_json),error=?,completed_at=?
WHERE id=? AND status IN (?,?)`,
		string(status), output, nullable(errMsg), formatTime(completedAt),
		id, string(agent.StatusPending), string(agent.StatusProcessing))
	if err != nil {
		return agent.Execution{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetExecution(ctx, id); err != nil {
			return agent.Execution{}, err
		}
		return agent.Execution{}, agent.ErrExecutionFinished
	}
	return r.GetExecution(ctx, id)
}

func (r Repo) AttachFeedback(ctx context.Context, executionID string, fb agent.Feedback) (agent.Execution, error) {
	exec, err := r.GetExecution(ctx, executionID)
	if err != nil {
		return agent.Execution{}, err
	}
	var mods any
	if fb.Modifications != nil {
		raw, err := marshalJSON(fb.Modifications)
		if err != nil {
			return agent.Execution{}, err
		}
		mods = raw
	}
	var rating any
	if fb.Rating != nil {
		rating = *fb.Rating
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agent_feedback(id,execution_id,task_id,agent_id,user_id,reviewer_id,reviewer_role,feedback_type,rating,comment,modifications_json,applied,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(execution_id) DO NOTHING`,
		fb.ID, executionID, exec.TaskID, exec.AgentID, fb.UserID, fb.ReviewerID, fb.ReviewerRole, string(fb.Type),
		rating, nullable(fb.Comment), mods, fb.Applied, formatTime(fb.CreatedAt))
	if err != nil {
		return agent.Execution{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agent.Execution{}, agent.ErrAlreadyReviewed
	}
	return r.GetExecution(ctx, executionID)
}

func (r Repo) GetExecution(ctx context.Context, id string) (agent.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, executionSelect+` WHERE e.id=?`, id))
}

func (r Repo) LatestExecution(ctx context.Context, taskID string) (agent.Execution, error) {
	list, err := r.ListExecutions(ctx, agent.HistoryFilter{TaskID: taskID, Limit: 1})
	if err != nil {
		return agent.Execution{}, err
	}
	if len(list) == 0 {
		return agent.Execution{}, agent.ErrExecutionNotFound
	}
	return list[0], nil
}

func (r Repo) ListExecutions(ctx context.Context, filter agent.HistoryFilter) ([]agent.Execution, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "e.agent_id=?")
		args = append(args, filter.AgentID)
	}
	if filter.UserID != "" {
		where = append(where, "e.user_id=?")
		args = append(args, filter.UserID)
	}
	if filter.TaskID != "" {
		where = append(where, "e.task_id=?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "e.status=?")
		args = append(args, string(filter.Status))
	}
	query := executionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.started_at DESC, e.seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []agent.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
