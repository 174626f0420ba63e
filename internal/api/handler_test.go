package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/agentdeck/internal/auth"
	"github.com/alecgard/agentdeck/internal/deploy"
	"github.com/alecgard/agentdeck/internal/execute"
	"github.com/alecgard/agentdeck/internal/metering"
	"github.com/alecgard/agentdeck/internal/metrics"
	"github.com/alecgard/agentdeck/internal/ratelimit"
	"github.com/alecgard/agentdeck/internal/registry"
	"github.com/alecgard/agentdeck/internal/resolve"
	"github.com/alecgard/agentdeck/internal/store"
)

const testAdminKey = "test-admin-key"

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

// directRecorder writes execution records straight to the store.
type directRecorder struct {
	store *store.MemoryStore
}

func (d directRecorder) Record(e metering.Execution) {
	_ = d.store.BatchInsert(context.Background(), []metering.Execution{e})
}

type fixture struct {
	t       *testing.T
	store   *store.MemoryStore
	metrics *metrics.Metrics
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	res := resolve.New(resolve.ModelConfig{DefaultProvider: resolve.ProviderEcho}, nil, ms)
	mgr := deploy.NewManager(ms, ms, res)
	m := metrics.New()

	exec := execute.New(mgr, res, ratelimit.New(time.Minute, map[string]int{"free": 2, "pro": 100}))
	exec.SetMetrics(m)
	exec.SetRecorder(directRecorder{store: ms})

	h := NewRouter(RouterDeps{
		Definitions:    registry.NewService(ms, ms),
		Deployer:       mgr,
		Executor:       exec,
		Executions:     ms,
		Metrics:        m,
		AdminKeys:      auth.NewKeyMatcher(testAdminKey),
		AllowedOrigins: []string{"*"},
	})
	return &fixture{t: t, store: ms, metrics: m, handler: h}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) admin(method, path, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.do(method, path, body, map[string]string{"Authorization": "Bearer " + testAdminKey})
}

func (f *fixture) execute(agentID, body string, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	h := map[string]string{auth.HeaderCaller: "caller-1"}
	for k, v := range headers {
		h[k] = v
	}
	return f.do(http.MethodPost, "/execute/agents/"+agentID, body, h)
}

func (f *fixture) createAgent(body string) {
	f.t.Helper()
	rec := f.admin(http.MethodPost, "/api/v1/agents", body)
	if rec.Code != http.StatusCreated {
		f.t.Fatalf("creating agent: status %d: %s", rec.Code, rec.Body.String())
	}
}

func (f *fixture) deploy(agentID string) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.admin(http.MethodPost, "/deploy/agents/"+agentID, "")
}

const echoAgent = `{"id":"a1","name":"Echo","instructions":"Repeat the user.","model":"echo/test"}`

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	decode(t, rec, &env)
	if env.Error.Code != code {
		t.Errorf("expected error code %q, got %q", code, env.Error.Code)
	}
	if env.Error.Message == "" {
		t.Error("expected a non-empty error message")
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantStatus int
		wantDB     string
	}{
		{"memory store", nil, http.StatusOK, "memory"},
		{"database up", &fakePinger{}, http.StatusOK, "connected"},
		{"database down", &fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(RouterDeps{DB: tt.db})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["database"] != tt.wantDB {
				t.Errorf("expected database=%s, got %q", tt.wantDB, body["database"])
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", ct)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDAndSecureHeaders(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "req-123"})
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected propagated request id, got %q", got)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options: nosniff")
	}

	rec = f.do(http.MethodGet, "/health", "", nil)
	if len(rec.Header().Get("X-Request-ID")) != 36 {
		t.Errorf("expected generated uuid request id, got %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodOptions, "/execute/agents/a1", "", map[string]string{"Origin": "https://app.example.com"})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected wildcard origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), auth.HeaderCaller) {
		t.Errorf("expected caller header to be allowed, got %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/v1/agents", "/api/v1/tools", "/deploy/agents", "/api/v1/admin/metrics"} {
		rec := f.do(http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without key: expected 401, got %d", path, rec.Code)
		}
		rec = f.do(http.MethodGet, path, "", map[string]string{"Authorization": "Bearer wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with wrong key: expected 401, got %d", path, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Definitions
// ---------------------------------------------------------------------------

func TestAgentCRUD(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)

	rec := f.admin(http.MethodGet, "/api/v1/agents/a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var a registry.AgentDefinition
	decode(t, rec, &a)
	if a.Name != "Echo" || a.OrganizationID != auth.DefaultOrganization {
		t.Errorf("unexpected agent: %+v", a)
	}

	rec = f.admin(http.MethodPut, "/api/v1/agents/a1", `{"name":"Echo 2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.admin(http.MethodGet, "/api/v1/agents", "")
	var list struct {
		Agents []registry.AgentDefinition `json:"agents"`
	}
	decode(t, rec, &list)
	if len(list.Agents) != 1 || list.Agents[0].Name != "Echo 2" {
		t.Errorf("unexpected list: %+v", list.Agents)
	}

	rec = f.admin(http.MethodDelete, "/api/v1/agents/a1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	assertErrorCode(t, f.admin(http.MethodGet, "/api/v1/agents/a1", ""), http.StatusNotFound, "agent_not_found")
}

func TestAgentsScopedByOrganization(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)

	rec := f.do(http.MethodGet, "/api/v1/agents/a1", "", map[string]string{
		"Authorization":         "Bearer " + testAdminKey,
		auth.HeaderOrganization: "other-org",
	})
	assertErrorCode(t, rec, http.StatusNotFound, "agent_not_found")
}

func TestListInvalidLimit(t *testing.T) {
	f := newFixture(t)
	assertErrorCode(t, f.admin(http.MethodGet, "/api/v1/tools?limit=0", ""), http.StatusBadRequest, "validation_error")
}

func TestToolCreateRedactsAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	body := `{"id":"weather","name":"Weather","endpoint":"https://api.example.com/weather",
		"auth":{"type":"bearer","bearer":{"token":"supersecret-token"}}}`

	rec := f.admin(http.MethodPost, "/api/v1/tools", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "supersecret-token") {
		t.Error("create response leaked the bearer token")
	}

	rec = f.admin(http.MethodGet, "/api/v1/tools/weather", "")
	if strings.Contains(rec.Body.String(), "supersecret-token") {
		t.Error("get response leaked the bearer token")
	}

	assertErrorCode(t, f.admin(http.MethodPost, "/api/v1/tools", body), http.StatusConflict, "tool_already_exists")
}

func TestToolValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"id":"t1"}`},
		{"bad method", `{"id":"t1","name":"T","endpoint":"https://x.example.com","method":"TRACE"}`},
		{"bad endpoint", `{"id":"t1","name":"T","endpoint":"not a url"}`},
		{"two auth variants", `{"id":"t1","name":"T","endpoint":"https://x.example.com",
			"auth":{"type":"bearer","bearer":{"token":"a"},"basic":{"username":"u","password":"p"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			assertErrorCode(t, f.admin(http.MethodPost, "/api/v1/tools", tt.body), http.StatusBadRequest, "validation_error")
		})
	}
}

func TestInvalidBody(t *testing.T) {
	f := newFixture(t)
	rec := f.admin(http.MethodPost, "/api/v1/agents", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Deploy
// ---------------------------------------------------------------------------

func TestDeployLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)

	rec := f.deploy("a1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("deploy: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var dr deployResponse
	decode(t, rec, &dr)
	if dr.AgentID != "a1" || dr.Version != 1 || dr.ToolCount != 0 || dr.DeployedAt.IsZero() {
		t.Errorf("unexpected deploy response: %+v", dr)
	}
	if dr.Warnings == nil {
		t.Error("expected warnings to be an empty list, got null")
	}

	rec = f.admin(http.MethodGet, "/deploy/agents/a1/status", "")
	var st deploy.State
	decode(t, rec, &st)
	if !st.IsDeployed || !st.HasPreResolvedModel {
		t.Errorf("unexpected status: %+v", st)
	}

	rec = f.admin(http.MethodGet, "/deploy/agents", "")
	var list struct {
		Agents []deploy.Summary `json:"agents"`
	}
	decode(t, rec, &list)
	if len(list.Agents) != 1 || list.Agents[0].AgentID != "a1" {
		t.Errorf("unexpected deployed list: %+v", list.Agents)
	}

	rec = f.admin(http.MethodDelete, "/deploy/agents/a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("undeploy: expected 200, got %d", rec.Code)
	}
	assertErrorCode(t, f.admin(http.MethodDelete, "/deploy/agents/a1", ""), http.StatusNotFound, "agent_not_deployed")

	rec = f.admin(http.MethodGet, "/deploy/agents/a1/status", "")
	st = deploy.State{}
	decode(t, rec, &st)
	if st.IsDeployed {
		t.Error("expected agent to be undeployed")
	}
}

func TestDeployValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.createAgent(`{"id":"a1","name":"Broken","tools":["ghost"]}`)

	rec := f.deploy("a1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp deployErrorResponse
	decode(t, rec, &resp)
	if resp.Error.Code != "validation_error" {
		t.Errorf("expected validation_error, got %q", resp.Error.Code)
	}
	fields := map[string]bool{}
	for _, fe := range resp.Errors {
		fields[fe.Field] = true
	}
	for _, want := range []string{"instructions", "model", "tools"} {
		if !fields[want] {
			t.Errorf("expected a field error for %s, got %+v", want, resp.Errors)
		}
	}
}

func TestDeployUnknownAgent(t *testing.T) {
	f := newFixture(t)
	assertErrorCode(t, f.deploy("missing"), http.StatusNotFound, "agent_not_found")
}

func TestDeployWithoutValidation(t *testing.T) {
	f := newFixture(t)
	f.createAgent(`{"id":"a1","name":"Loose","model":"echo/test","tools":["ghost"]}`)

	rec := f.admin(http.MethodPost, "/deploy/agents/a1", `{"validateConfigurations":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var dr deployResponse
	decode(t, rec, &dr)
	if len(dr.Warnings) == 0 {
		t.Error("expected a warning for the missing tool")
	}
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

func TestExecuteDeployedAgent(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)
	if rec := f.deploy("a1"); rec.Code != http.StatusCreated {
		t.Fatalf("deploy failed: %d", rec.Code)
	}

	rec := f.execute("a1", `{"message":"hello"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("expected 1 remaining, got %q", got)
	}
	var res execute.Result
	decode(t, rec, &res)
	if res.Text != "echo: hello" {
		t.Errorf("unexpected text %q", res.Text)
	}
	if res.FinishReason != "stop" || res.SnapshotVersion != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if !res.Timings.RateLimitAllowed {
		t.Error("expected rate limit to be allowed")
	}

	rec = f.do(http.MethodGet, "/execute/status", "", nil)
	var st execute.Status
	decode(t, rec, &st)
	if st.RunningExecutions != 0 || st.RateLimiterEntries != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestExecuteMessagesInput(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)
	f.deploy("a1")

	body := `{"messages":[{"role":"user","content":"first"},{"role":"assistant","content":"ok"},{"role":"user","content":"second"}]}`
	rec := f.execute("a1", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res execute.Result
	decode(t, rec, &res)
	if res.Text != "echo: second" {
		t.Errorf("expected the last user message to win, got %q", res.Text)
	}
}

func TestExecuteErrors(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)
	f.createAgent(`{"id":"a2","name":"Idle","instructions":"x","model":"echo/test"}`)
	f.deploy("a1")

	t.Run("missing caller", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/execute/agents/a1", `{"message":"hi"}`, nil)
		assertErrorCode(t, rec, http.StatusUnauthorized, "authentication_error")
	})
	t.Run("not deployed", func(t *testing.T) {
		assertErrorCode(t, f.execute("a2", `{"message":"hi"}`, nil), http.StatusNotFound, "agent_not_deployed")
	})
	t.Run("unknown agent", func(t *testing.T) {
		assertErrorCode(t, f.execute("nope", `{"message":"hi"}`, nil), http.StatusNotFound, "agent_not_deployed")
	})
	t.Run("empty input", func(t *testing.T) {
		assertErrorCode(t, f.execute("a1", `{}`, nil), http.StatusBadRequest, "validation_error")
	})
}

func TestExecuteRateLimited(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)
	f.deploy("a1")

	for i := 0; i < 2; i++ {
		if rec := f.execute("a1", `{"message":"hi"}`, nil); rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	assertErrorCode(t, f.execute("a1", `{"message":"hi"}`, nil), http.StatusTooManyRequests, "rate_limit_exceeded")

	// A different caller has its own window.
	rec := f.execute("a1", `{"message":"hi"}`, map[string]string{auth.HeaderCaller: "caller-2"})
	if rec.Code != http.StatusOK {
		t.Errorf("other caller: expected 200, got %d", rec.Code)
	}
	// A higher tier has a higher limit.
	rec = f.execute("a1", `{"message":"hi"}`, map[string]string{auth.HeaderTier: "pro"})
	if rec.Code != http.StatusOK {
		t.Errorf("pro tier: expected 200, got %d", rec.Code)
	}
}

func TestDeleteAgentUndeploys(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)
	f.deploy("a1")

	if rec := f.admin(http.MethodDelete, "/api/v1/agents/a1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	assertErrorCode(t, f.execute("a1", `{"message":"hi"}`, nil), http.StatusNotFound, "agent_not_deployed")
}

// ---------------------------------------------------------------------------
// Admin queries and metrics
// ---------------------------------------------------------------------------

func TestExecutionHistory(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)
	f.deploy("a1")
	f.execute("a1", `{"message":"one"}`, nil)
	f.execute("missing", `{"message":"two"}`, nil)

	rec := f.admin(http.MethodGet, "/api/v1/admin/executions?agent_id=a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Executions []metering.Execution `json:"executions"`
	}
	decode(t, rec, &list)
	if len(list.Executions) != 1 || list.Executions[0].Outcome != metering.OutcomeSuccess {
		t.Errorf("unexpected executions: %+v", list.Executions)
	}

	rec = f.admin(http.MethodGet, "/api/v1/admin/executions/summary", "")
	var sum metering.Summary
	decode(t, rec, &sum)
	if sum.TotalExecutions != 2 || sum.SuccessCount != 1 || sum.ErrorCount != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}

	assertErrorCode(t, f.admin(http.MethodGet, "/api/v1/admin/executions?from=yesterday", ""), http.StatusBadRequest, "validation_error")
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.createAgent(echoAgent)
	f.deploy("a1")
	f.execute("a1", `{"message":"hi"}`, nil)

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, name := range []string{"agentdeck_http_requests_total", "agentdeck_executions_total", "agentdeck_deployments_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("expected %s in exposition", name)
		}
	}
	if !strings.Contains(rec.Body.String(), `path_pattern="/execute/agents/{agentId}"`) {
		t.Error("expected requests to be labelled with the route pattern")
	}

	rec = f.admin(http.MethodGet, "/api/v1/admin/metrics", "")
	var sum metrics.Summary
	decode(t, rec, &sum)
	if sum.Deploys["success"] != 1 {
		t.Errorf("expected 1 successful deploy, got %v", sum.Deploys)
	}
	if sum.Executions.ByOutcome["success"] != 1 {
		t.Errorf("expected 1 successful execution, got %v", sum.Executions.ByOutcome)
	}
	if sum.HTTP.TotalRequests == 0 {
		t.Error("expected HTTP requests to be counted")
	}
}
