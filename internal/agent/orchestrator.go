package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"coachline/internal/events"
)

var tracer = otel.Tracer("coachline/internal/agent")

const DefaultTimeout = 30 * time.Second

// Handler turns a task into an output. Handlers must honor ctx cancellation;
// a result delivered after the deadline is discarded.
type Handler interface {
	Handle(ctx context.Context, task Task) (Output, error)
}

type HandlerFunc func(ctx context.Context, task Task) (Output, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task) (Output, error) { return f(ctx, task) }

// Notifier hears about every finished execution of a task that carries a
// callback URL. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, task Task, exec Execution)
}

type Options struct {
	Tasks      TaskStore
	Executions ExecutionStore
	// Catalogue defaults to DefaultCatalogue when nil.
	Catalogue []Registration
	Events    events.Sink
	Logger    zerolog.Logger
	Now       func() time.Time
	// DefaultTimeout applies to agents without their own timeout.
	DefaultTimeout time.Duration
	Notifier       Notifier
}

type TaskOptions struct {
	CoachID     string
	Priority    Priority
	TTL         time.Duration
	CallbackURL string
	CreatedBy   string
}

type FeedbackOptions struct {
	Rating        *int
	Comment       string
	Modifications *Modification
}

type agentEntry struct {
	reg     Registration
	handler Handler
	sem     *semaphore.Weighted
}

// Orchestrator registers agents, runs tasks against them and keeps the
// execution history. No lock is held while a handler runs.
type Orchestrator struct {
	tasks   TaskStore
	execs   ExecutionStore
	events  events.Sink
	notify  Notifier
	log     zerolog.Logger
	now     func() time.Time
	timeout time.Duration

	mu      sync.RWMutex
	agents  map[string]*agentEntry
	running map[string]bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Tasks == nil || opts.Executions == nil {
		return nil, errors.New("agent: task and execution stores required")
	}
	o := &Orchestrator{
		tasks:   opts.Tasks,
		execs:   opts.Executions,
		events:  opts.Events,
		notify:  opts.Notifier,
		log:     opts.Logger.With().Str("component", "orchestrator").Logger(),
		now:     opts.Now,
		timeout: opts.DefaultTimeout,
		agents:  map[string]*agentEntry{},
		running: map[string]bool{},
	}
	if o.events == nil {
		o.events = events.Discard{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	catalogue := opts.Catalogue
	if catalogue == nil {
		catalogue = DefaultCatalogue()
	}
	for _, reg := range catalogue {
		if err := o.RegisterAgent(reg); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// RegisterAgent adds or replaces a catalogue entry. A replaced entry keeps
// its handler.
func (o *Orchestrator) RegisterAgent(reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	reg = reg.clone()
	entry := &agentEntry{reg: reg}
	if reg.MaxConcurrent > 0 {
		entry.sem = semaphore.NewWeighted(int64(reg.MaxConcurrent))
	}
	o.mu.Lock()
	if prev, ok := o.agents[reg.ID]; ok {
		entry.handler = prev.handler
	}
	o.agents[reg.ID] = entry
	o.mu.Unlock()
	o.log.Debug().Str("agent_id", reg.ID).Str("agent_type", string(reg.Type)).Msg("agent registered")
	return nil
}

// RegisterHandler attaches h to a registered agent; the last registration wins.
func (o *Orchestrator) RegisterHandler(agentID string, h Handler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	entry.handler = h
	return nil
}

func (o *Orchestrator) SetAgentStatus(ctx context.Context, actorID, agentID string, status AgentStatus) (Registration, error) {
	if !ValidAgentStatus(status) {
		return Registration{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRegistration, status)
	}
	o.mu.Lock()
	entry, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return Registration{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	from := entry.reg.Status
	entry.reg.Status = status
	reg := entry.reg.clone()
	o.mu.Unlock()

	o.audit(ctx, events.AgentStatusChanged, "agent", agentID, actorID, events.Payload{"from": from, "to": status})
	o.log.Info().Str("agent_id", agentID).Str("status", string(status)).Msg("agent status changed")
	return reg, nil
}

func (o *Orchestrator) Agent(agentID string) (Registration, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.agents[agentID]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return entry.reg.clone(), nil
}

// Agents lists the catalogue ordered by id.
func (o *Orchestrator) Agents() []Registration {
	o.mu.RLock()
	out := make([]Registration, 0, len(o.agents))
	for _, e := range o.agents {
		out = append(out, e.reg.clone())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateTask allocates a task. The context is copied; later changes to the
// caller's value do not affect the task.
func (o *Orchestrator) CreateTask(ctx context.Context, agentType AgentType, userID string, tc Context, expected OutputType, opts TaskOptions) (Task, error) {
	if !ValidAgentType(agentType) {
		return Task{}, fmt.Errorf("%w: unknown agent type %q", ErrInvalidTask, agentType)
	}
	if userID == "" {
		return Task{}, fmt.Errorf("%w: user_id required", ErrInvalidTask)
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !ValidPriority(priority) {
		return Task{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, priority)
	}
	if opts.TTL < 0 {
		return Task{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidTask)
	}
	now := o.now().UTC()
	task := Task{
		ID:             uuid.NewString(),
		AgentType:      agentType,
		UserID:         userID,
		CoachID:        opts.CoachID,
		Priority:       priority,
		Context:        tc.Clone(),
		ExpectedOutput: expected,
		CreatedAt:      now,
		CallbackURL:    opts.CallbackURL,
		CreatedBy:      opts.CreatedBy,
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		task.ExpiresAt = &exp
	}
	if err := o.tasks.PutTask(ctx, task); err != nil {
		return Task{}, fmt.Errorf("store task: %w", err)
	}
	o.audit(ctx, events.TaskCreated, "task", task.ID, opts.CreatedBy, events.Payload{
		"agent_type": agentType, "user_id": userID, "priority": priority,
	})
	return task.clone(), nil
}

func (o *Orchestrator) Task(ctx context.Context, taskID string) (Task, error) {
	return o.tasks.GetTask(ctx, taskID)
}

// resolve picks the first active agent, by id, that serves the task.
func (o *Orchestrator) resolve(task Task) (Registration, Handler, *semaphore.Weighted, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := o.agents[id]
		if e.reg.Type != task.AgentType || e.reg.Status != AgentActive || !e.reg.supports(task.ExpectedOutput) {
			continue
		}
		return e.reg.clone(), e.handler, e.sem, nil
	}
	return Registration{}, nil, nil, fmt.Errorf("%w: type %s", ErrNoAgentAvailable, task.AgentType)
}

func (o *Orchestrator) claim(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[taskID] {
		return false
	}
	o.running[taskID] = true
	return true
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	delete(o.running, taskID)
	o.mu.Unlock()
}

type handlerResult struct {
	out Output
	err error
}

// RunTask executes the task once and records the attempt. Failures and
// timeouts are recorded before being returned as *ExecutionError.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string) (Output, error) {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Output{}, err
	}
	if task.expired(o.now()) {
		return Output{}, fmt.Errorf("%w: %s", ErrTaskExpired, taskID)
	}
	reg, handler, sem, err := o.resolve(task)
	if err != nil {
		return Output{}, err
	}
	if field := reg.missingContext(task.Context); field != "" {
		return Output{}, fmt.Errorf("%w: %s", ErrMissingContext, field)
	}
	if handler == nil {
		handler = Fallback{Now: o.now}
	}
	if !o.claim(taskID) {
		return Output{}, fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	defer o.release(taskID)

	ctx, span := tracer.Start(ctx, "agent.run_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("agent.id", reg.ID),
		attribute.String("agent.type", string(reg.Type)),
	)

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "concurrency slot")
			return Output{}, err
		}
		defer sem.Release(1)
	}

	started := o.now().UTC()
	exec, err := o.execs.CreateExecution(ctx, Execution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AgentID:   reg.ID,
		Status:    StatusProcessing,
		Input:     task,
		StartedAt: started,
	})
	if err != nil {
		span.RecordError(err)
		return Output{}, fmt.Errorf("open execution: %w", err)
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID))
	o.audit(ctx, events.ExecutionStarted, "execution", exec.ID, task.CreatedBy, events.Payload{"task_id": task.ID, "agent_id": reg.ID})

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = o.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := handler.Handle(runCtx, task.clone())
		done <- handlerResult{out: out, err: err}
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = handlerResult{err: runCtx.Err()}
	}

	// Bookkeeping must survive caller cancellation.
	bookCtx := context.WithoutCancel(ctx)
	finished := o.now().UTC()

	if res.err != nil {
		status := StatusFailed
		cause := res.err
		if errors.Is(res.err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil {
			status = StatusTimeout
			cause = fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
		}
		return Output{}, o.fail(bookCtx, span, exec, status, cause, finished)
	}

	out, err := o.normalize(res.out, task, reg, started, finished)
	if err != nil {
		return Output{}, o.fail(bookCtx, span, exec, StatusFailed, err, finished)
	}
	final, err := o.execs.FinishExecution(bookCtx, exec.ID, StatusCompleted, &out, "", finished)
	if err != nil {
		span.RecordError(err)
		return Output{}, fmt.Errorf("finish execution: %w", err)
	}
	o.callback(bookCtx, final)
	span.SetAttributes(
		attribute.String("execution.status", string(StatusCompleted)),
		attribute.Bool("output.need_human_review", out.NeedHumanReview),
		attribute.Int("output.risk_flags", len(out.RiskFlags)),
	)
	o.audit(bookCtx, events.ExecutionFinished, "execution", exec.ID, task.CreatedBy, events.Payload{
		"task_id": task.ID, "agent_id": reg.ID, "status": StatusCompleted, "need_human_review": out.NeedHumanReview,
	})
	o.log.Info().
		Str("task_id", task.ID).
		Str("execution_id", exec.ID).
		Str("agent_id", reg.ID).
		Int64("elapsed_ms", out.Processing.ElapsedMS).
		Bool("need_human_review", out.NeedHumanReview).
		Msg("execution completed")
	return out, nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, exec Execution, status ExecutionStatus, cause error, finished time.Time) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	span.SetAttributes(attribute.String("execution.status", string(status)))
	final, err := o.execs.FinishExecution(ctx, exec.ID, status, nil, cause.Error(), finished)
	if err != nil {
		o.log.Error().Err(err).Str("execution_id", exec.ID).Msg("record execution failure")
	} else {
		o.callback(ctx, final)
	}
	o.audit(ctx, events.ExecutionFinished, "execution", exec.ID, exec.Input.CreatedBy, events.Payload{
		"task_id": exec.TaskID, "agent_id": exec.AgentID, "status": status, "error": cause.Error(),
	})
	evt := o.log.Error()
	if status == StatusTimeout {
		evt = o.log.Warn()
	}
	evt.Err(cause).
		Str("task_id", exec.TaskID).
		Str("execution_id", exec.ID).
		Str("agent_id", exec.AgentID).
		Str("status", string(status)).
		Msg("execution did not complete")
	return &ExecutionError{
		ExecutionID: exec.ID,
		TaskID:      exec.TaskID,
		AgentID:     exec.AgentID,
		Status:      status,
		Err:         cause,
	}
}

func (o *Orchestrator) callback(ctx context.Context, exec Execution) {
	if o.notify == nil || exec.Input.CallbackURL == "" {
		return
	}
	o.notify.Notify(ctx, exec.Input.clone(), exec.clone())
}

// normalize stamps identifying fields on a handler's output and enforces the
// review rule: risk flags or a high-risk subject always require review.
func (o *Orchestrator) normalize(out Output, task Task, reg Registration, started, finished time.Time) (Output, error) {
	if out.Confidence < 0 || out.Confidence > 1 {
		return Output{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidOutput, out.Confidence)
	}
	for _, s := range out.Suggestions {
		if s.Priority < 1 || s.Priority > 10 {
			return Output{}, fmt.Errorf("%w: suggestion priority %d outside [1,10]", ErrInvalidOutput, s.Priority)
		}
	}
	out.TaskID = task.ID
	out.AgentID = reg.ID
	out.AgentType = reg.Type
	if out.OutputType == "" {
		out.OutputType = task.ExpectedOutput
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = finished
	}
	if out.Suggestions == nil {
		out.Suggestions = []Suggestion{}
	}
	if out.RiskFlags == nil {
		out.RiskFlags = []string{}
	}
	out.Processing.ElapsedMS = finished.Sub(started).Milliseconds()

	highRisk := task.Context.Profile.RiskLevel == RiskHigh
	if len(out.RiskFlags) > 0 || highRisk {
		out.NeedHumanReview = true
		if out.ReviewReason == "" {
			switch {
			case len(out.RiskFlags) > 0:
				out.ReviewReason = "risk flags raised: " + strings.Join(out.RiskFlags, ", ")
			default:
				out.ReviewReason = "subject is high risk"
			}
		}
	}
	return out, nil
}

// SubmitFeedback attaches a reviewer verdict to the task's latest execution.
// Each execution accepts feedback once.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, taskID, reviewerID, reviewerRole string, ft FeedbackType, opts FeedbackOptions) (Feedback, error) {
	if !ValidFeedbackType(ft) {
		return Feedback{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFeedback, ft)
	}
	if reviewerID == "" {
		return Feedback{}, fmt.Errorf("%w: reviewer_id required", ErrInvalidFeedback)
	}
	if opts.Rating != nil && (*opts.Rating < 1 || *opts.Rating > 5) {
		return Feedback{}, fmt.Errorf("%w: rating %d outside [1,5]", ErrInvalidFeedback, *opts.Rating)
	}
	if ft == FeedbackRate && opts.Rating == nil {
		return Feedback{}, fmt.Errorf("%w: rate feedback requires a rating", ErrInvalidFeedback)
	}
	if ft == FeedbackModify && opts.Modifications == nil {
		return Feedback{}, fmt.Errorf("%w: modify feedback requires modifications", ErrInvalidFeedback)
	}

	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Feedback{}, err
	}
	exec, err := o.execs.LatestExecution(ctx, taskID)
	if err != nil {
		return Feedback{}, err
	}
	if exec.Status != StatusCompleted {
		return Feedback{}, fmt.Errorf("%w: execution %s is %s", ErrExecutionNotCompleted, exec.ID, exec.Status)
	}

	fb := Feedback{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		ExecutionID:   exec.ID,
		AgentID:       exec.AgentID,
		UserID:        task.UserID,
		ReviewerID:    reviewerID,
		ReviewerRole:  reviewerRole,
		Type:          ft,
		Rating:        opts.Rating,
		Comment:       opts.Comment,
		Modifications: opts.Modifications,
		Applied:       ft == FeedbackAccept,
		CreatedAt:     o.now().UTC(),
	}
	fb = fb.clone()
	if _, err := o.execs.AttachFeedback(ctx, exec.ID, fb); err != nil {
		return Feedback{}, err
	}
	o.audit(ctx, events.FeedbackSubmitted, "execution", exec.ID, reviewerID, events.Payload{
		"task_id": task.ID, "feedback_type": ft, "applied": fb.Applied,
	})
	o.log.Info().Str("task_id", task.ID).Str("execution_id", exec.ID).Str("reviewer_id", reviewerID).
		Str("feedback_type", string(ft)).Msg("feedback submitted")
	return fb, nil
}

// PendingReviews returns completed executions that require review and have
// no feedback, oldest first.
func (o *Orchestrator) PendingReviews(ctx context.Context) ([]Execution, error) {
	list, err := o.execs.ListExecutions(ctx, HistoryFilter{Status: StatusCompleted})
	if err != nil {
		return nil, err
	}
	var out []Execution
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if e.Output != nil && e.Output.NeedHumanReview && e.Feedback == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExecutionHistory lists executions newest first.
func (o *Orchestrator) ExecutionHistory(ctx context.Context, filter HistoryFilter) ([]Execution, error) {
	if filter.Status != "" && !ValidExecutionStatus(filter.Status) {
		return nil, fmt.Errorf("%w: unknown execution status %q", ErrInvalidFilter, filter.Status)
	}
	return o.execs.ListExecutions(ctx, filter)
}

func (o *Orchestrator) Execution(ctx context.Context, id string) (Execution, error) {
	return o.execs.GetExecution(ctx, id)
}

// PurgeExpiredTasks removes expired tasks; their executions are kept.
func (o *Orchestrator) PurgeExpiredTasks(ctx context.Context) ([]string, error) {
	ids, err := o.tasks.PurgeExpiredTasks(ctx, o.now())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		o.audit(ctx, events.TaskPurged, "task", id, "", nil)
	}
	if len(ids) > 0 {
		o.log.Info().Int("count", len(ids)).Msg("expired tasks purged")
	}
	return ids, nil
}

func (o *Orchestrator) audit(ctx context.Context, evtType, kind, entityID, actorID string, payload events.Payload) {
	err := o.events.Append(ctx, events.Event{
		Type:       evtType,
		EntityKind: kind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	})
	if err != nil {
		o.log.Error().Err(err).Str("event", evtType).Msg("append audit event")
	}
}
