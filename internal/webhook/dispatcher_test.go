package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coachline/internal/agent"
	"coachline/internal/events"
	"coachline/internal/webhook"
)

type received struct {
	header  http.Header
	payload webhook.Payload
}

func callbackServer(t *testing.T, failures int32) (*httptest.Server, <-chan received, *atomic.Int32) {
	t.Helper()
	ch := make(chan received, 4)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		data, _ := io.ReadAll(r.Body)
		var p webhook.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			t.Errorf("decode callback: %v", err)
		}
		ch <- received{header: r.Header.Clone(), payload: p}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, ch, &calls
}

func waitFor(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("callback not delivered")
	}
	return received{}
}

func TestFinishedExecutionIsPosted(t *testing.T) {
	srv, ch, _ := callbackServer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := webhook.New(webhook.Config{Secret: "s3cret", Logger: zerolog.Nop()})
	go d.Run(ctx)
	store := agent.NewMemoryStore()
	orch, err := agent.New(agent.Options{Tasks: store, Executions: store, Notifier: d, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	task, err := orch.CreateTask(ctx, agent.TypeAlert, "user-1", agent.Context{
		Profile: agent.Profile{Age: 64},
		DeviceData: []agent.DeviceReading{
			{Metric: "glucose", Value: 13.9, Unit: "mmol/L", Timestamp: time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)},
		},
	}, agent.OutputRiskAlert, agent.TaskOptions{CallbackURL: srv.URL})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := orch.RunTask(ctx, task.ID); err != nil {
		t.Fatalf("run task: %v", err)
	}

	got := waitFor(t, ch)
	if got.header.Get("X-Coachline-Secret") != "s3cret" || got.header.Get("X-Coachline-Event") != webhook.EventExecutionFinished {
		t.Fatalf("unexpected headers %v", got.header)
	}
	p := got.payload
	if p.TaskID != task.ID || p.UserID != "user-1" || p.Status != agent.StatusCompleted {
		t.Fatalf("unexpected payload %+v", p)
	}
	if !p.NeedHumanReview || p.Output == nil || len(p.Output.RiskFlags) == 0 {
		t.Fatalf("risk output should be delivered with review flag: %+v", p)
	}
	if got.header.Get("X-Coachline-Delivery") != p.ExecutionID {
		t.Fatalf("delivery header %q does not match execution %q", got.header.Get("X-Coachline-Delivery"), p.ExecutionID)
	}
}

func TestDeliveryRetriesThenAudits(t *testing.T) {
	srv, ch, calls := callbackServer(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &events.Memory{}
	d := webhook.New(webhook.Config{Attempts: 3, Backoff: 5 * time.Millisecond, Events: log, Logger: zerolog.Nop()})
	go d.Run(ctx)

	d.Notify(ctx,
		agent.Task{ID: "t1", UserID: "u1", CallbackURL: srv.URL},
		agent.Execution{ID: "e1", TaskID: "t1", AgentID: "a1", Status: agent.StatusFailed, Error: "boom"})
	got := waitFor(t, ch)
	if got.payload.Status != agent.StatusFailed || got.payload.Error != "boom" || got.payload.Output != nil {
		t.Fatalf("unexpected payload %+v", got.payload)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range log.Events() {
			if evt.Type == events.CallbackDelivered && evt.EntityID == "e1" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("delivery not audited: %v", log.Types())
}

func TestNotifyFiltersAndDrops(t *testing.T) {
	ctx := context.Background()
	d := webhook.New(webhook.Config{Statuses: []string{"completed"}, QueueSize: 1, Logger: zerolog.Nop()})
	withURL := agent.Task{ID: "t1", CallbackURL: "http://127.0.0.1:1/cb"}

	d.Notify(ctx, agent.Task{ID: "t0"}, agent.Execution{ID: "e0", Status: agent.StatusCompleted})
	d.Notify(ctx, withURL, agent.Execution{ID: "e1", Status: agent.StatusTimeout})
	if d.Pending() != 0 {
		t.Fatalf("filtered callbacks must not be queued, pending=%d", d.Pending())
	}
	d.Notify(ctx, withURL, agent.Execution{ID: "e2", Status: agent.StatusCompleted})
	d.Notify(ctx, withURL, agent.Execution{ID: "e3", Status: agent.StatusCompleted})
	if d.Pending() != 1 {
		t.Fatalf("queue of one should hold one callback, pending=%d", d.Pending())
	}
}
