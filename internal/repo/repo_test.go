package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coachline/internal/agent"
	"coachline/internal/db"
	"coachline/internal/events"
	"coachline/internal/identity"
	"coachline/internal/migrate"
	"coachline/internal/permission"
	"coachline/internal/repo"
)

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{Repo: repo.Repo{DB: conn}, Ctx: ctx}
}

func TestMigrateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	applied, err := migrate.Migrate(env.Ctx, env.Repo.DB)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
	st, err := migrate.CurrentStatus(env.Ctx, env.Repo.DB)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Pending() || st.Current == 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestAccountsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.Repo.Accounts()
	acct := identity.Account{
		ID:             "u-1",
		Username:       "coach1",
		Email:          "c1@example.com",
		PasswordHash:   "pbkdf2-sha256$1000$c2FsdA$a2V5",
		Role:           permission.RoleCoachJunior,
		Level:          1,
		Certifications: []string{permission.CertL1},
		Status:         permission.StatusActive,
		CreatedAt:      "2026-04-02T08:30:00Z",
		UpdatedAt:      "2026-04-02T08:30:00Z",
	}
	if err := accounts.Create(env.Ctx, acct); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := acct
	dup.ID = "u-2"
	if err := accounts.Create(env.Ctx, dup); !errors.Is(err, identity.ErrUsernameTaken) {
		t.Fatalf("expected username taken, got %v", err)
	}

	got, err := accounts.GetByUsername(env.Ctx, "coach1")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if got.ID != "u-1" || got.Role != permission.RoleCoachJunior || len(got.Certifications) != 1 || got.PasswordHash != acct.PasswordHash {
		t.Fatalf("unexpected account %+v", got)
	}

	got.Level = 2
	got.Status = permission.StatusSuspended
	got.Certifications = append(got.Certifications, permission.CertL2)
	if err := accounts.Update(env.Ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := accounts.Get(env.Ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Level != 2 || again.Status != permission.StatusSuspended || len(again.Certifications) != 2 {
		t.Fatalf("update not persisted: %+v", again)
	}

	if _, err := accounts.Get(env.Ctx, "missing"); !errors.Is(err, identity.ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	missing := acct
	missing.ID = "missing"
	if err := accounts.Update(env.Ctx, missing); !errors.Is(err, identity.ErrAccountNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	list, err := accounts.List(env.Ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %d", err, len(list))
	}
}

func TestTaskPersistenceAndPurge(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	soon := now.Add(time.Minute)
	task := agent.Task{
		ID:             "t-1",
		AgentType:      agent.TypeAlert,
		UserID:         "student-1",
		Priority:       agent.PriorityHigh,
		ExpectedOutput: agent.OutputRiskAlert,
		CreatedAt:      now,
		ExpiresAt:      &soon,
		Context: agent.Context{
			Profile:    agent.Profile{Age: 54, RiskLevel: agent.RiskHigh},
			DeviceData: []agent.DeviceReading{{Metric: "glucose", Value: 12.4, Unit: "mmol/L", Timestamp: now}},
			CustomData: map[string]any{"source": "watch"},
		},
	}
	if err := env.Repo.PutTask(env.Ctx, task); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := env.Repo.PutTask(env.Ctx, agent.Task{ID: "t-2", AgentType: agent.TypeCoaching, UserID: "student-2", Priority: agent.PriorityNormal, CreatedAt: now}); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, err := env.Repo.GetTask(env.Ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(now) || got.ExpiresAt == nil || !got.ExpiresAt.Equal(soon) {
		t.Fatalf("times not preserved: %+v", got)
	}
	if len(got.Context.DeviceData) != 1 || got.Context.DeviceData[0].Value != 12.4 || got.Context.CustomData["source"] != "watch" {
		t.Fatalf("context not preserved: %+v", got.Context)
	}

	ids, err := env.Repo.PurgeExpiredTasks(env.Ctx, now)
	if err != nil || len(ids) != 0 {
		t.Fatalf("nothing should expire yet: %v %v", ids, err)
	}
	ids, err = env.Repo.PurgeExpiredTasks(env.Ctx, soon)
	if err != nil || len(ids) != 1 || ids[0] != "t-1" {
		t.Fatalf("expected t-1 purged at expiry, got %v %v", ids, err)
	}
	if _, err := env.Repo.GetTask(env.Ctx, "t-1"); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Fatalf("expected purged task gone, got %v", err)
	}
	if err := env.Repo.DeleteTask(env.Ctx, "t-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Repo.DeleteTask(env.Ctx, "t-2"); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	task := agent.Task{ID: "t-1", AgentType: agent.TypeCoaching, UserID: "student-1", Priority: agent.PriorityNormal, CreatedAt: start}

	first, err := env.Repo.CreateExecution(env.Ctx, agent.Execution{ID: "e-1", TaskID: "t-1", AgentID: "coaching-agent-v1", Status: agent.StatusProcessing, Input: task, StartedAt: start})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := env.Repo.CreateExecution(env.Ctx, agent.Execution{ID: "e-2", TaskID: "t-1", AgentID: "coaching-agent-v1", Status: agent.StatusProcessing, Input: task, StartedAt: start})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}

	latest, err := env.Repo.LatestExecution(env.Ctx, "t-1")
	if err != nil || latest.ID != "e-2" {
		t.Fatalf("equal start times should break ties by seq, got %s %v", latest.ID, err)
	}

	out := &agent.Output{TaskID: "t-1", Confidence: 0.9, NeedHumanReview: true, RiskFlags: []string{"elevated_glucose"},
		Suggestions: []agent.Suggestion{{ID: "s-1", Type: agent.SuggestionAction, Priority: 5, Content: "keep going"}}}
	done, err := env.Repo.FinishExecution(env.Ctx, "e-2", agent.StatusCompleted, out, "", start.Add(time.Second))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.Status != agent.StatusCompleted || done.Output == nil || len(done.Output.Suggestions) != 1 || done.Output.Suggestions[0].Content != "keep going" || !done.Output.NeedHumanReview || done.CompletedAt == nil {
		t.Fatalf("unexpected finished execution %+v", done)
	}
	if _, err := env.Repo.FinishExecution(env.Ctx, "e-2", agent.StatusFailed, nil, "late", start.Add(2*time.Second)); !errors.Is(err, agent.ErrExecutionFinished) {
		t.Fatalf("expected finished error, got %v", err)
	}
	if _, err := env.Repo.FinishExecution(env.Ctx, "nope", agent.StatusFailed, nil, "x", start); !errors.Is(err, agent.ErrExecutionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Repo.FinishExecution(env.Ctx, "e-1", agent.StatusTimeout, nil, "deadline exceeded", start.Add(time.Second)); err != nil {
		t.Fatalf("finish timeout: %v", err)
	}

	rating := 4
	fb := agent.Feedback{
		ID: "f-1", UserID: "student-1", ReviewerID: "senior-1", ReviewerRole: "senior_coach",
		Type: agent.FeedbackModify, Rating: &rating,
		Modifications: &agent.Modification{Original: "keep going", Modified: "keep going, check glucose"},
		Applied:       true, CreatedAt: start.Add(time.Minute),
	}
	reviewed, err := env.Repo.AttachFeedback(env.Ctx, "e-2", fb)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !reviewed.Reviewed() || reviewed.Feedback.Rating == nil || *reviewed.Feedback.Rating != 4 || reviewed.Feedback.Modifications.Modified == "" {
		t.Fatalf("feedback not attached: %+v", reviewed.Feedback)
	}
	fb.ID = "f-2"
	if _, err := env.Repo.AttachFeedback(env.Ctx, "e-2", fb); !errors.Is(err, agent.ErrAlreadyReviewed) {
		t.Fatalf("expected already reviewed, got %v", err)
	}

	list, err := env.Repo.ListExecutions(env.Ctx, agent.HistoryFilter{Status: agent.StatusTimeout})
	if err != nil || len(list) != 1 || list[0].ID != "e-1" || list[0].Error != "deadline exceeded" {
		t.Fatalf("status filter: %v %+v", err, list)
	}
	list, err = env.Repo.ListExecutions(env.Ctx, agent.HistoryFilter{UserID: "student-1", Limit: 1})
	if err != nil || len(list) != 1 || list[0].ID != "e-2" {
		t.Fatalf("limit: %v %+v", err, list)
	}
}

func TestOrchestratorOnSQLite(t *testing.T) {
	env := newTestEnv(t)
	clk := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	now := func() time.Time { return clk }
	writer := events.Writer{DB: env.Repo.DB, Now: now}
	orch, err := agent.New(agent.Options{
		Tasks:      env.Repo,
		Executions: env.Repo,
		Events:     writer,
		Logger:     zerolog.Nop(),
		Now:        now,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	task, err := orch.CreateTask(env.Ctx, agent.TypeCoaching, "student-1", agent.Context{BehaviorStage: agent.StageAction}, agent.OutputCoachingMessage, agent.TaskOptions{CreatedBy: "coach-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	out, err := orch.RunTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Suggestions) == 0 {
		t.Fatalf("expected stage suggestions")
	}
	if _, err := orch.SubmitFeedback(env.Ctx, task.ID, "senior-1", "senior_coach", agent.FeedbackAccept, agent.FeedbackOptions{}); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	stats, err := orch.AgentStats(env.Ctx, "coaching-agent-v1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTasks != 1 || stats.SuccessfulTasks != 1 || stats.FeedbackCount != 1 || stats.AcceptanceRate != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	evts, err := writer.List(env.Ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected audit events for task")
	}
}
