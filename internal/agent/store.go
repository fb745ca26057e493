package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HistoryFilter narrows ExecutionHistory. Zero fields are unconstrained; a
// non-positive Limit returns everything.
type HistoryFilter struct {
	AgentID string          `json:"agent_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	Status  ExecutionStatus `json:"status,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

func (f HistoryFilter) match(e Execution) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.UserID != "" && e.Input.UserID != f.UserID {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// TaskStore holds created tasks until they are purged.
type TaskStore interface {
	PutTask(ctx context.Context, task Task) error
	// GetTask returns ErrTaskNotFound for unknown ids.
	GetTask(ctx context.Context, id string) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	// PurgeExpiredTasks removes tasks whose expiry is at or before now and
	// returns their ids.
	PurgeExpiredTasks(ctx context.Context, now time.Time) ([]string, error)
}

// ExecutionStore records execution attempts. Implementations serialize
// mutations per execution and assign a monotonically increasing Seq on create.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec Execution) (Execution, error)
	// FinishExecution moves a processing execution to a terminal status.
	// Executions that are already terminal return ErrExecutionFinished.
	FinishExecution(ctx context.Context, id string, status ExecutionStatus, out *Output, errMsg string, completedAt time.Time) (Execution, error)
	// AttachFeedback returns ErrAlreadyReviewed when feedback is present.
	AttachFeedback(ctx context.Context, executionID string, fb Feedback) (Execution, error)
	GetExecution(ctx context.Context, id string) (Execution, error)
	// LatestExecution returns the most recently started execution of a task.
	LatestExecution(ctx context.Context, taskID string) (Execution, error)
	// ListExecutions returns matching executions newest first.
	ListExecutions(ctx context.Context, filter HistoryFilter) ([]Execution, error)
}

// MemoryStore is a map-backed TaskStore and ExecutionStore.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
	execs map[string]Execution
	seq   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: map[string]Task{},
		execs: map[string]Execution{},
	}
}

func (m *MemoryStore) PutTask(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.clone()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) PurgeExpiredTasks(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.tasks {
		if t.expired(now) {
			ids = append(ids, id)
			delete(m.tasks, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) CreateExecution(_ context.Context, exec Execution) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	exec.Seq = m.seq
	exec = exec.clone()
	m.execs[exec.ID] = exec
	return exec.clone(), nil
}

func (m *MemoryStore) FinishExecution(_ context.Context, id string, status ExecutionStatus, out *Output, errMsg string, completedAt time.Time) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	if exec.Status.Terminal() {
		return Execution{}, ErrExecutionFinished
	}
	exec.Status = status
	if out != nil {
		o := out.clone()
		exec.Output = &o
	}
	exec.Error = errMsg
	exec.CompletedAt = &completedAt
	m.execs[id] = exec
	return exec.clone(), nil
}

func (m *MemoryStore) AttachFeedback(_ context.Context, executionID string, fb Feedback) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[executionID]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	if exec.Feedback != nil {
		return Execution{}, ErrAlreadyReviewed
	}
	f := fb.clone()
	exec.Feedback = &f
	m.execs[executionID] = exec
	return exec.clone(), nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[id]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	return exec.clone(), nil
}

func (m *MemoryStore) LatestExecution(ctx context.Context, taskID string) (Execution, error) {
	list, err := m.ListExecutions(ctx, HistoryFilter{TaskID: taskID, Limit: 1})
	if err != nil {
		return Execution{}, err
	}
	if len(list) == 0 {
		return Execution{}, ErrExecutionNotFound
	}
	return list[0], nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter HistoryFilter) ([]Execution, error) {
	m.mu.RLock()
	var out []Execution
	for _, e := range m.execs {
		if filter.match(e) {
			out = append(out, e.clone())
		}
	}
	m.mu.RUnlock()
	SortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SortNewestFirst orders executions by start time descending, breaking ties
// by start sequence.
func SortNewestFirst(list []Execution) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.After(list[j].StartedAt)
		}
		return list[i].Seq > list[j].Seq
	})
}

func (e Execution) clone() Execution {
	e.Input = e.Input.clone()
	if e.Output != nil {
		o := e.Output.clone()
		e.Output = &o
	}
	if e.Feedback != nil {
		f := e.Feedback.clone()
		e.Feedback = &f
	}
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		e.CompletedAt = &v
	}
	return e
}

func (o Output) clone() Output {
	if o.Suggestions != nil {
		s := make([]Suggestion, len(o.Suggestions))
		for i, sg := range o.Suggestions {
			sg.Evidence = cloneStrings(sg.Evidence)
			if sg.ExpiresAt != nil {
				v := *sg.ExpiresAt
				sg.ExpiresAt = &v
			}
			s[i] = sg
		}
		o.Suggestions = s
	}
	o.RiskFlags = cloneStrings(o.RiskFlags)
	if o.Processing.TokenUsage != nil {
		u := *o.Processing.TokenUsage
		o.Processing.TokenUsage = &u
	}
	return o
}

func (f Feedback) clone() Feedback {
	if f.Rating != nil {
		v := *f.Rating
		f.Rating = &v
	}
	if f.Modifications != nil {
		m := *f.Modifications
		f.Modifications = &m
	}
	return f
}
