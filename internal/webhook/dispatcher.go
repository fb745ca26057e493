// Package webhook delivers finished executions to the callback URL of the
// task that produced them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"coachline/internal/agent"
	"coachline/internal/events"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultAttempts  = 3
	defaultQueueSize = 256
	defaultBackoff   = 500 * time.Millisecond

	EventExecutionFinished = "execution.finished"
)

type Config struct {
	Timeout   time.Duration
	Attempts  int
	QueueSize int
	// Backoff is the wait before the second attempt; it doubles each retry.
	Backoff time.Duration
	Secret  string
	// Statuses limits deliveries to these execution statuses. Empty means all.
	Statuses []string
	Client   *http.Client
	Events   events.Sink
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Payload is the JSON body posted to a callback URL.
type Payload struct {
	Event           string                `json:"event"`
	TaskID          string                `json:"task_id"`
	ExecutionID     string                `json:"execution_id"`
	AgentID         string                `json:"agent_id"`
	UserID          string                `json:"user_id"`
	Status          agent.ExecutionStatus `json:"status"`
	NeedHumanReview bool                  `json:"need_human_review"`
	Output          *agent.Output         `json:"output,omitempty"`
	Error           string                `json:"error,omitempty"`
	TS              string                `json:"ts"`
}

type delivery struct {
	url     string
	payload Payload
}

// Dispatcher queues callbacks and posts them from Run. Notify never blocks:
// when the queue is full the callback is dropped and logged.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	filter statusFilter
	queue  chan delivery
	events events.Sink
	log    zerolog.Logger
	now    func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	d := &Dispatcher{
		cfg:    cfg,
		client: cfg.Client,
		filter: newStatusFilter(cfg.Statuses),
		queue:  make(chan delivery, cfg.QueueSize),
		events: cfg.Events,
		log:    cfg.Logger.With().Str("component", "webhook").Logger(),
		now:    cfg.Now,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: cfg.Timeout}
	}
	if d.events == nil {
		d.events = events.Discard{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Notify implements agent.Notifier.
func (d *Dispatcher) Notify(_ context.Context, task agent.Task, exec agent.Execution) {
	if strings.TrimSpace(task.CallbackURL) == "" || !d.filter.match(string(exec.Status)) {
		return
	}
	p := Payload{
		Event:       EventExecutionFinished,
		TaskID:      task.ID,
		ExecutionID: exec.ID,
		AgentID:     exec.AgentID,
		UserID:      task.UserID,
		Status:      exec.Status,
		Output:      exec.Output,
		Error:       exec.Error,
		TS:          d.now().UTC().Format(time.RFC3339Nano),
	}
	if exec.Output != nil {
		p.NeedHumanReview = exec.Output.NeedHumanReview
	}
	select {
	case d.queue <- delivery{url: task.CallbackURL, payload: p}:
	default:
		d.log.Warn().Str("task_id", task.ID).Str("execution_id", exec.ID).Msg("callback queue full, dropping")
	}
}

// Pending returns the number of queued callbacks.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run posts queued callbacks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dl := <-d.queue:
			d.deliver(ctx, dl)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, dl delivery) {
	backoff := d.cfg.Backoff
	var err error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if err = d.post(ctx, dl); err == nil {
			d.audit(ctx, events.CallbackDelivered, dl, events.Payload{"attempts": attempt})
			return
		}
		d.log.Debug().Err(err).Int("attempt", attempt).Str("execution_id", dl.payload.ExecutionID).Msg("callback attempt failed")
		if attempt == d.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	d.log.Warn().Err(err).Str("url", dl.url).Str("execution_id", dl.payload.ExecutionID).Msg("callback delivery failed")
	d.audit(ctx, events.CallbackFailed, dl, events.Payload{"attempts": d.cfg.Attempts, "error": err.Error()})
}

func (d *Dispatcher) post(ctx context.Context, dl delivery) error {
	data, err := json.Marshal(dl.payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Coachline-Event", dl.payload.Event)
	req.Header.Set("X-Coachline-Delivery", dl.payload.ExecutionID)
	if strings.TrimSpace(d.cfg.Secret) != "" {
		req.Header.Set("X-Coachline-Secret", d.cfg.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, evtType string, dl delivery, payload events.Payload) {
	payload["task_id"] = dl.payload.TaskID
	payload["url"] = dl.url
	err := d.events.Append(context.WithoutCancel(ctx), events.Event{
		Type:       evtType,
		EntityKind: "execution",
		EntityID:   dl.payload.ExecutionID,
		Payload:    payload,
	})
	if err != nil {
		d.log.Warn().Err(err).Str("type", evtType).Msg("audit append failed")
	}
}

type statusFilter struct {
	all bool
	set map[string]struct{}
}

func newStatusFilter(statuses []string) statusFilter {
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		if key := strings.TrimSpace(s); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return statusFilter{all: true}
	}
	return statusFilter{set: set}
}

func (f statusFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
