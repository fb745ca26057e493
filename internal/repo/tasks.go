package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"coachline/internal/agent"
)

const taskColumns = `id,agent_type,user_id,COALESCE(coach_id,''),priority,context_json,expected_output,created_at,expires_at,COALESCE(callback_url,''),COALESCE(created_by,'')`

func scanTask(row rowScanner) (agent.Task, error) {
	var (
		t                           agent.Task
		agentType, priority, output string
		rawCtx, created             string
		expires                     sql.NullString
	)
	err := row.Scan(&t.ID, &agentType, &t.UserID, &t.CoachID, &priority, &rawCtx, &output, &created, &expires, &t.CallbackURL, &t.CreatedBy)
	if err == sql.ErrNoRows {
		return t, agent.ErrTaskNotFound
	}
	if err != nil {
		return t, err
	}
	t.AgentType = agent.AgentType(agentType)
	t.Priority = agent.Priority(priority)
	t.ExpectedOutput = agent.OutputType(output)
	if err := json.Unmarshal([]byte(rawCtx), &t.Context); err != nil {
		return t, fmt.Errorf("decode task context: %w", err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.ExpiresAt, err = parseTimePtr(expires); err != nil {
		return t, err
	}
	return t, nil
}

// PutTask inserts or replaces a task.
func (r Repo) PutTask(ctx context.Context, t agent.Task) error {
	rawCtx, err := marshalJSON(t.Context)
	if err != nil {
		return fmt.Errorf("encode task context: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO agent_tasks(id,agent_type,user_id,coach_id,priority,context_json,expected_output,created_at,expires_at,callback_url,created_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET agent_type=excluded.agent_type,user_id=excluded.user_id,coach_id=excluded.coach_id,priority=excluded.priority,
context_json=excluded.context_json,expected_output=excluded.expected_output,expires_at=excluded.expires_at,callback_url=excluded.callback_url`,
		t.ID, string(t.AgentType), t.UserID, nullable(t.CoachID), string(t.Priority), rawCtx, string(t.ExpectedOutput),
		formatTime(t.CreatedAt), formatTimePtr(t.ExpiresAt), nullable(t.CallbackURL), nullable(t.CreatedBy))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (agent.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id=?`, id))
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agent_tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agent.ErrTaskNotFound
	}
	return nil
}

func (r Repo) PurgeExpiredTasks(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cutoff := formatTime(now)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM agent_tasks WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_tasks WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}
