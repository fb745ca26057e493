package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"coachline/internal/agent"
	"coachline/internal/app"
	"coachline/internal/config"
	"coachline/internal/identity"
	"coachline/internal/permission"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Service.Workspace = t.TempDir()
	cfg.Auth.PBKDF2Iterations = 1000
	cfg.Auth.JWTSecret = "server-test-secret"
	a, err := app.New(context.Background(), app.Options{Config: cfg, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	eventLog, _ := a.EventLog()
	handler, err := New(Config{
		Identity: a.Identity,
		Engine:   a.Engine,
		Agents:   a.Agents,
		EventLog: &eventLog,
		BasePath: "/v1",
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// seedUser registers an account directly with the given role and logs it in.
func seedUser(t *testing.T, srv *testServer, username string, role permission.Role) (identity.Account, string) {
	t.Helper()
	ctx := context.Background()
	acct, err := srv.App.Identity.Register(ctx, identity.RegisterRequest{Username: username, Password: "correct horse", Role: role})
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"username": username,
		"password": "correct horse",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, res.StatusCode, string(data))
	}
	var login identity.LoginResult
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return acct, login.Token
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestRegisterLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"username": "alice",
		"password": "s3cret-pass",
		"role":     "student",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	if bytes.Contains(data, []byte("pbkdf2")) {
		t.Fatalf("password hash leaked: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"username": "alice",
		"password": "another-pass",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"username": "alice",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"username": "alice",
		"password": "s3cret-pass",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", res.StatusCode, string(data))
	}
	var login identity.LoginResult
	_ = json.Unmarshal(data, &login)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me without token: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Account.Username != "alice" || me.Identity.Role != permission.RoleStudent {
		t.Fatalf("unexpected me %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/refresh", map[string]any{"refresh_token": login.RefreshToken}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/refresh", map[string]any{"refresh_token": login.RefreshToken}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/logout", nil, bearer(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(login.Token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout: %d %s", res.StatusCode, string(data))
	}
}

func TestPermissionCheckExplainsDenial(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, token := seedUser(t, srv, "junior", permission.RoleCoachJunior)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/permissions/check", map[string]any{
		"resource": "agent_suggestion",
		"action":   "approve",
	}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var result permission.CheckResult
	_ = json.Unmarshal(data, &result)
	if result.Allowed || result.RequiredLevel == nil || *result.RequiredLevel != 2 {
		t.Fatalf("expected level diagnostic, got %+v", result)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/permissions/check", map[string]any{
		"resource": "spaceship",
		"action":   "view",
	}, bearer(token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown resource: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/permissions/rules", nil, bearer(token))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("rules as junior: %d %s", res.StatusCode, string(data))
	}
}

func TestAgentTaskReviewFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	student, studentToken := seedUser(t, srv, "student", permission.RoleStudent)
	_, coachToken := seedUser(t, srv, "coach", permission.RoleCoachJunior)
	_, seniorToken := seedUser(t, srv, "senior", permission.RoleCoachSenior)

	task := map[string]any{
		"agent_type":      "alert_agent",
		"user_id":         student.ID,
		"expected_output": "risk_alert",
		"context": map[string]any{
			"profile": map[string]any{"age": 61},
			"device_data": []map[string]any{
				{"metric": "glucose", "value": 13.2, "unit": "mmol/L", "timestamp": "2026-04-02T08:00:00Z"},
			},
		},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent/tasks", task, bearer(studentToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("student create task: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent/tasks", task, bearer(coachToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created agent.Task
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent/tasks/"+created.ID+"/run", nil, bearer(coachToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run: %d %s", res.StatusCode, string(data))
	}
	var out agent.Output
	_ = json.Unmarshal(data, &out)
	if !out.NeedHumanReview || len(out.RiskFlags) == 0 {
		t.Fatalf("risk should force review: %+v", out)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agent/reviews/pending", nil, bearer(seniorToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending: %d %s", res.StatusCode, string(data))
	}
	var pending []agent.Execution
	_ = json.Unmarshal(data, &pending)
	if len(pending) != 1 || pending[0].TaskID != created.ID {
		t.Fatalf("expected one pending review, got %d", len(pending))
	}

	feedbackURL := srv.URL + "/v1/agent/tasks/" + created.ID + "/feedback"
	res, data = doJSON(t, client, http.MethodPost, feedbackURL, map[string]any{"feedback_type": "accept"}, bearer(coachToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("junior feedback: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, feedbackURL, map[string]any{"feedback_type": "accept", "comment": "reviewed"}, bearer(seniorToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("feedback: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, feedbackURL, map[string]any{"feedback_type": "reject"}, bearer(seniorToken))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_reviewed" {
		t.Fatalf("second feedback: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agent/agents/alert-agent-v1/stats", nil, bearer(coachToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats agent.Stats
	_ = json.Unmarshal(data, &stats)
	if stats.TotalTasks != 1 || stats.FeedbackCount != 1 || stats.AcceptanceRate != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agent/executions?user_id="+student.ID, nil, bearer(studentToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("own history: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agent/agents/missing/stats", nil, bearer(coachToken))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent stats: %d %s", res.StatusCode, string(data))
	}
}

func TestAdminSuspensionRevokesAccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, adminToken := seedUser(t, srv, "root", permission.RoleAdmin)
	coach, coachToken := seedUser(t, srv, "coach", permission.RoleCoachJunior)

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/users/"+coach.ID+"/status", map[string]any{"status": "suspended"}, bearer(coachToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("self suspend by coach: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/users/"+coach.ID+"/status", map[string]any{"status": "suspended"}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suspend: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/permissions/check", map[string]any{
		"resource": "agent_suggestion",
		"action":   "execute",
	}, bearer(coachToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var result permission.CheckResult
	_ = json.Unmarshal(data, &result)
	if result.Allowed || result.Reason != "account suspended" {
		t.Fatalf("suspended coach should be denied, got %+v", result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_id="+coach.ID, nil, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	if !bytes.Contains(data, []byte("account.status_changed")) {
		t.Fatalf("status change not audited: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/agent/agents/coaching-agent-v1/status", map[string]any{"status": "maintenance"}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agent status: %d %s", res.StatusCode, string(data))
	}
}

func TestAgentStatusGatesExecution(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, adminToken := seedUser(t, srv, "root", permission.RoleAdmin)
	student, _ := seedUser(t, srv, "student", permission.RoleStudent)
	_, coachToken := seedUser(t, srv, "coach", permission.RoleCoachJunior)
	statusURL := srv.URL + "/v1/agent/agents/alert-agent-v1/status"

	res, data := doJSON(t, client, http.MethodPut, statusURL, map[string]any{"status": "inactive"}, bearer(coachToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("coach agent status: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, statusURL, map[string]any{"status": "inactive"}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deactivate: %d %s", res.StatusCode, string(data))
	}
	var reg agent.Registration
	_ = json.Unmarshal(data, &reg)
	if reg.ID != "alert-agent-v1" || reg.Status != agent.AgentInactive {
		t.Fatalf("unexpected registration %+v", reg)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent/tasks", map[string]any{
		"agent_type": "alert_agent",
		"user_id":    student.ID,
		"context": map[string]any{
			"profile": map[string]any{"age": 30},
			"device_data": []map[string]any{
				{"metric": "heart_rate", "value": 72, "unit": "bpm", "timestamp": "2026-04-02T08:00:00Z"},
			},
		},
	}, bearer(coachToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task agent.Task
	_ = json.Unmarshal(data, &task)
	runURL := srv.URL + "/v1/agent/tasks/" + task.ID + "/run"

	res, data = doJSON(t, client, http.MethodPost, runURL, nil, bearer(coachToken))
	if res.StatusCode != http.StatusServiceUnavailable || errorCode(t, data) != "no_agent_available" {
		t.Fatalf("run with inactive agent: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, statusURL, map[string]any{"status": "active"}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reactivate: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, runURL, nil, bearer(coachToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run after reactivation: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/agent/agents/ghost-agent/status", map[string]any{"status": "active"}, bearer(adminToken))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent status: %d %s", res.StatusCode, string(data))
	}
}

func TestAdminAccountMutations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, adminToken := seedUser(t, srv, "root", permission.RoleAdmin)
	coach, coachToken := seedUser(t, srv, "coach", permission.RoleCoachJunior)
	userURL := srv.URL + "/v1/users/" + coach.ID

	res, data := doJSON(t, client, http.MethodPut, userURL+"/role", map[string]any{"role": "coach_senior"}, bearer(coachToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("self promotion: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, userURL+"/role", map[string]any{"role": "coach_senior"}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("change role: %d %s", res.StatusCode, string(data))
	}
	var acct identity.Account
	_ = json.Unmarshal(data, &acct)
	if acct.ID != coach.ID || acct.Role != permission.RoleCoachSenior || acct.Level != 3 {
		t.Fatalf("unexpected account after role change %+v", acct)
	}

	res, data = doJSON(t, client, http.MethodPut, userURL+"/level", map[string]any{"level": 4}, bearer(adminToken))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("level outside role range: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, userURL+"/level", map[string]any{"level": 3}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set level: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, userURL+"/certifications", map[string]any{"certification": permission.CertExpert}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add certification: %d %s", res.StatusCode, string(data))
	}
	acct = identity.Account{}
	_ = json.Unmarshal(data, &acct)
	found := false
	for _, c := range acct.Certifications {
		found = found || c == permission.CertExpert
	}
	if !found {
		t.Fatalf("certification not granted: %v", acct.Certifications)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/users/nobody/role", map[string]any{"role": "user"}, bearer(adminToken))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown account: %d %s", res.StatusCode, string(data))
	}
}

func TestLookupsDoNotRevealAbsence(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, adminToken := seedUser(t, srv, "root", permission.RoleAdmin)
	owner, _ := seedUser(t, srv, "owner", permission.RoleUser)
	_, strangerToken := seedUser(t, srv, "stranger", permission.RoleUser)
	_, coachToken := seedUser(t, srv, "coach", permission.RoleCoachJunior)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent/tasks", map[string]any{
		"agent_type": "coaching_agent",
		"user_id":    owner.ID,
		"context":    map[string]any{"profile": map[string]any{"age": 45}},
	}, bearer(coachToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task agent.Task
	_ = json.Unmarshal(data, &task)

	cases := []struct {
		name  string
		url   string
		token string
		want  int
	}{
		{"stranger existing task", "/v1/agent/tasks/" + task.ID, strangerToken, http.StatusForbidden},
		{"stranger missing task", "/v1/agent/tasks/no-such-task", strangerToken, http.StatusForbidden},
		{"coach missing task", "/v1/agent/tasks/no-such-task", coachToken, http.StatusNotFound},
		{"stranger missing execution", "/v1/agent/executions/no-such-exec", strangerToken, http.StatusForbidden},
		{"coach missing execution", "/v1/agent/executions/no-such-exec", coachToken, http.StatusNotFound},
		{"stranger existing user", "/v1/users/" + owner.ID, strangerToken, http.StatusForbidden},
		{"stranger missing user", "/v1/users/no-such-user", strangerToken, http.StatusForbidden},
		{"admin missing user", "/v1/users/no-such-user", adminToken, http.StatusNotFound},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+tc.url, nil, bearer(tc.token))
		if res.StatusCode != tc.want {
			t.Fatalf("%s: got %d want %d (%s)", tc.name, res.StatusCode, tc.want, string(data))
		}
	}
}

func TestHistoryRejectsUnknownStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, coachToken := seedUser(t, srv, "coach", permission.RoleCoachJunior)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agent/executions?status=exploded", nil, bearer(coachToken))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("unknown status filter: %d %s", res.StatusCode, string(data))
	}
}
