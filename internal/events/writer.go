package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event types.
const (
	AccountRegistered    = "account.registered"
	AccountLoggedIn      = "account.logged_in"
	AccountLoginFailed   = "account.login_failed"
	AccountLoggedOut     = "account.logged_out"
	AccountRoleChanged   = "account.role_changed"
	AccountLevelChanged  = "account.level_changed"
	AccountCertAdded     = "account.certification_added"
	AccountStatusChanged = "account.status_changed"
	TaskCreated          = "agent.task_created"
	TaskPurged           = "agent.task_purged"
	ExecutionStarted     = "agent.execution_started"
	ExecutionFinished    = "agent.execution_finished"
	FeedbackSubmitted    = "agent.feedback_submitted"
	AgentStatusChanged   = "agent.status_changed"
	CallbackDelivered    = "agent.callback_delivered"
	CallbackFailed       = "agent.callback_failed"
)

type Payload map[string]any

type Event struct {
	ID         int64   `json:"id,omitempty"`
	TS         string  `json:"ts"`
	Type       string  `json:"type"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id,omitempty"`
	ActorID    string  `json:"actor_id,omitempty"`
	Payload    Payload `json:"payload"`
}

// Sink receives audit events.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// Writer persists events to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evt Event) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.AppendTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendTx writes evt inside an existing transaction.
func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, evt Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := evt.TS
	if ts == "" {
		ts = w.Now().UTC().Format(time.RFC3339Nano)
	}
	if evt.Payload == nil {
		evt.Payload = Payload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evt.Type, evt.EntityKind, nullable(evt.EntityID), nullable(evt.ActorID), string(data))
	return err
}

// List returns the most recent events, newest first. An empty entityID lists all.
func (w Writer) List(ctx context.Context, entityID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),payload_json FROM events`
	var args []any
	if entityID != "" {
		q += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var raw string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Memory keeps events in process; used by tests and storage-less setups.
type Memory struct {
	Now func() time.Time

	mu     sync.Mutex
	events []Event
}

func (m *Memory) Append(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.TS == "" {
		now := time.Now
		if m.Now != nil {
			now = m.Now
		}
		evt.TS = now().UTC().Format(time.RFC3339Nano)
	}
	evt.ID = int64(len(m.events) + 1)
	m.events = append(m.events, evt)
	return nil
}

// Events returns a copy of everything appended so far, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the recorded event types in order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// Discard drops every event.
type Discard struct{}

func (Discard) Append(context.Context, Event) error { return nil }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
