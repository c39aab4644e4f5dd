package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/agentcron/internal/budget"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/engine"
	"github.com/soyeahso/agentcron/internal/fleet"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/soyeahso/agentcron/internal/scheduler"
	"github.com/soyeahso/agentcron/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeScheduler struct {
	mu      sync.Mutex
	defs    []domain.AgentDefinition
	errs    map[string]error
	trigger []string
}

func (f *fakeScheduler) Definitions() []domain.AgentDefinition { return f.defs }
func (f *fakeScheduler) Scheduled() int                        { return len(f.defs) }
func (f *fakeScheduler) Active(name string) int                 { return 0 }

func (f *fakeScheduler) NextRun(name string) (time.Time, bool) {
	if name == "digest" {
		return time.Date(2026, 3, 15, 7, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func (f *fakeScheduler) TriggerManually(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[name]; err != nil {
		return "", err
	}
	f.trigger = append(f.trigger, name)
	return "run-" + name, nil
}

type fakeFleet struct {
	mu        sync.Mutex
	docs      map[string]string
	reloadErr error
	replaced  []string
}

func (f *fakeFleet) Reload(context.Context) error { return f.reloadErr }
func (f *fakeFleet) Status() fleet.Status         { return fleet.Status{Agents: 2} }

func (f *fakeFleet) Document(doc string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.docs[doc]), nil
}

func (f *fakeFleet) ReplaceDocument(_ context.Context, doc string, data []byte) error {
	if strings.Contains(string(data), "invalid") {
		return &config.ValidationError{Document: doc, Issues: []config.ValidationIssue{{Path: "models.x.input", Message: "must be >= 0"}}}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc] = string(data)
	f.replaced = append(f.replaced, doc)
	return nil
}

type fixture struct {
	srv    *Server
	db     *store.DB
	sched  *fakeScheduler
	fleet  *fakeFleet
	hooks  *hooks.Manager
	ledger *budget.Ledger
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db: db,
		sched: &fakeScheduler{
			defs: []domain.AgentDefinition{
				{Name: "adhoc", Enabled: true, Schedule: domain.ScheduleManual},
				{Name: "digest", Enabled: true, Schedule: "0 7 * * *"},
			},
			errs: map[string]error{
				"busy": fmt.Errorf("%w: busy", scheduler.ErrAgentBusy),
				"off":  fmt.Errorf("%w: off", scheduler.ErrAgentDisabled),
				"nope": fmt.Errorf("%w: nope", scheduler.ErrUnknownAgent),
			},
		},
		fleet:  &fakeFleet{docs: map[string]string{config.DocAgents: "agents: []\n", config.DocModels: "models: {}\n"}},
		hooks:  hooks.NewManager(log),
		ledger: budget.New(10000, clockwork.NewFakeClock(), log),
	}
	f.srv = New(config.ServerConfig{Token: token, Bind: "loopback"}, Deps{
		Runs:           db,
		Scheduler:      f.sched,
		Fleet:          f.fleet,
		Budget:         f.ledger,
		Hooks:          f.hooks,
		MonthlyCostCap: 50,
	}, log)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var day0 = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func (f *fixture) seedRun(t *testing.T, id, agent string, created time.Time, status domain.RunStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InsertRun(ctx, &domain.Run{ID: id, Agent: agent, Trigger: domain.TriggerSchedule, CreatedAt: created, TurnsTotal: 1}))
	if status == domain.RunPending {
		return
	}
	running := domain.RunRunning
	require.NoError(t, f.db.UpdateRun(ctx, id, store.RunUpdate{Status: &running, StartedAt: &created}))
	if status == domain.RunRunning {
		return
	}
	done := created.Add(time.Minute)
	msg := "boom"
	u := store.RunUpdate{Status: &status, FinishedAt: &done}
	if status != domain.RunCompleted {
		u.Error = &msg
	}
	require.NoError(t, f.db.UpdateRun(ctx, id, u))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "secret")
	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["scheduled"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "secret")

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{name: "missing", path: "/api/v1/agents", want: http.StatusUnauthorized},
		{name: "wrong", path: "/api/v1/agents", header: []string{"Authorization", "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "bearer", path: "/api/v1/agents", header: []string{"Authorization", "Bearer secret"}, want: http.StatusOK},
		{name: "query", path: "/api/v1/agents?token=secret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.path, "", tt.header...)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequestID_Propagated(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(t, http.MethodGet, "/health", "", requestIDHeader, "abc-123")
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestCORS(t *testing.T) {
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	defer db.Close()
	srv := New(config.ServerConfig{AllowedOrigins: []string{"http://dash.local"}}, Deps{
		Runs: db, Scheduler: &fakeScheduler{}, Fleet: &fakeFleet{}, Budget: budget.New(0, nil, log),
	}, log)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	req.Header.Set("Origin", "http://dash.local")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://dash.local", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestListAgents(t *testing.T) {
	f := newFixture(t, "")
	f.seedRun(t, "r1", "digest", day0, domain.RunCompleted)
	require.NoError(t, f.db.RecordOutcome(context.Background(), &domain.Run{ID: "r1", Agent: "digest", Status: domain.RunCompleted, InputTokens: 10, OutputTokens: 5, CreatedAt: day0}))
	f.ledger.Record("digest", 400)

	w := f.do(t, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Agents []AgentView `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Agents, 2)

	adhoc, digest := body.Agents[0], body.Agents[1]
	assert.Equal(t, "adhoc", adhoc.Name)
	assert.Nil(t, adhoc.NextRun)
	assert.Equal(t, 0, adhoc.Stats.TotalRuns)

	assert.Equal(t, "digest", digest.Name)
	require.NotNil(t, digest.NextRun)
	assert.Equal(t, 1, digest.Stats.TotalRuns)
	assert.Equal(t, 400, digest.TokensToday)
}

func TestTriggerAgent(t *testing.T) {
	f := newFixture(t, "")
	tests := []struct {
		agent string
		want  int
	}{
		{"digest", http.StatusAccepted},
		{"nope", http.StatusNotFound},
		{"busy", http.StatusConflict},
		{"off", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/agents/"+tt.agent+"/run", "")
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := f.do(t, http.MethodPost, "/api/v1/agents/digest/run", "")
	assert.Equal(t, "run-digest", decode(t, w)["runId"])
}

func TestListRuns_Filters(t *testing.T) {
	f := newFixture(t, "")
	f.seedRun(t, "a1", "digest", day0, domain.RunCompleted)
	f.seedRun(t, "a2", "digest", day0.Add(24*time.Hour), domain.RunFailed)
	f.seedRun(t, "b1", "adhoc", day0.Add(48*time.Hour), domain.RunTimedOut)

	ids := func(w *httptest.ResponseRecorder) []string {
		var body struct {
			Runs []domain.Run `json:"runs"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		out := make([]string, 0, len(body.Runs))
		for _, r := range body.Runs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"b1", "a2", "a1"}, ids(f.do(t, http.MethodGet, "/api/v1/runs", "")))
	assert.Equal(t, []string{"a2", "a1"}, ids(f.do(t, http.MethodGet, "/api/v1/runs?agent=digest", "")))
	assert.Equal(t, []string{"a2"}, ids(f.do(t, http.MethodGet, "/api/v1/runs?status=failed", "")))
	assert.Equal(t, []string{"a2"}, ids(f.do(t, http.MethodGet, "/api/v1/runs?since=2026-03-15&until=2026-03-15", "")))
	assert.Equal(t, []string{"a2", "a1"}, ids(f.do(t, http.MethodGet, "/api/v1/runs?until=2026-03-15", "")))
	assert.Equal(t, []string{"a2"}, ids(f.do(t, http.MethodGet, "/api/v1/runs?limit=1&offset=1", "")))
	assert.Empty(t, ids(f.do(t, http.MethodGet, "/api/v1/runs?agent=ghost", "")))
}

func TestListRuns_BadQuery(t *testing.T) {
	f := newFixture(t, "")
	for _, q := range []string{"status=exploded", "since=14-03-2026", "until=x", "limit=0", "offset=-1", "since=2026-03-16&until=2026-03-14"} {
		t.Run(q, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/api/v1/runs?"+q, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetRun(t *testing.T) {
	f := newFixture(t, "")
	f.seedRun(t, "r1", "digest", day0, domain.RunFailed)

	w := f.do(t, http.MethodGet, "/api/v1/runs/r1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "boom", body["error"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/runs/missing", "").Code)
}

func TestStreamTranscript(t *testing.T) {
	f := newFixture(t, "")
	f.seedRun(t, "r1", "digest", day0, domain.RunRunning)
	ctx := context.Background()
	turn := &domain.Turn{RunID: "r1", Ordinal: 1, Name: "gather", Model: "m", StartedAt: day0}
	require.NoError(t, f.db.InsertTurn(ctx, turn))
	require.NoError(t, f.db.InsertMessage(ctx, "r1", 1, "user", "Collect headlines.", 0, 0))
	require.NoError(t, f.db.InsertToolCall(ctx, domain.ToolCallRecord{RunID: "r1", Turn: 1, CallID: "c1", Tool: "search", Args: "{}"}))
	require.NoError(t, f.db.InsertToolResult(ctx, domain.ToolResultRecord{RunID: "r1", Turn: 1, CallID: "c1", Tool: "search", IsError: true, ErrorKind: "timeout", Output: "deadline"}))

	w := f.do(t, http.MethodGet, "/api/v1/runs/r1/transcript", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var kinds []domain.EntryKind
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var e domain.TranscriptEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []domain.EntryKind{domain.EntryTurnStart, domain.EntryMessage, domain.EntryToolCall, domain.EntryToolResult}, kinds)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/runs/missing/transcript", "").Code)
}

func TestStreamTranscript_Empty(t *testing.T) {
	f := newFixture(t, "")
	f.seedRun(t, "r1", "digest", day0, domain.RunPending)
	w := f.do(t, http.MethodGet, "/api/v1/runs/r1/transcript", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestDailyCosts(t *testing.T) {
	f := newFixture(t, "")
	f.seedRun(t, "r1", "digest", day0, domain.RunRunning)
	require.NoError(t, f.db.InsertCost(context.Background(), &domain.CostEntry{
		RunID: "r1", Agent: "digest", Model: "claude-sonnet", InputTokens: 1000, OutputTokens: 100, CostUSD: 0.0045, CreatedAt: day0,
	}))

	w := f.do(t, http.MethodGet, "/api/v1/costs?date=2026-03-14", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "2026-03-14", body["date"])
	assert.InDelta(t, 0.0045, body["totalUsd"], 1e-9)
	assert.Len(t, body["buckets"], 1)

	w = f.do(t, http.MethodGet, "/api/v1/costs?date=2026-03-13", "")
	assert.Empty(t, decode(t, w)["buckets"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/costs?date=yesterday", "").Code)
}

func TestBudgetSnapshot(t *testing.T) {
	f := newFixture(t, "")
	f.ledger.Record("digest", 250)
	w := f.do(t, http.MethodGet, "/api/v1/budget", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Daily   budget.Snapshot `json:"daily"`
		Monthly struct {
			CapUSD float64 `json:"capUsd"`
		} `json:"monthly"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 250, body.Daily.Total)
	assert.Equal(t, 10000, body.Daily.DailyCap)
	assert.Equal(t, 50.0, body.Monthly.CapUSD)
}

func TestReload(t *testing.T) {
	f := newFixture(t, "")
	events, cancel := f.hooks.Subscribe(4)
	defer cancel()

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/reload", "").Code)

	f.fleet.reloadErr = &config.ValidationError{Document: config.DocAgents, Issues: []config.ValidationIssue{{Path: "agents[0].schedule", Message: "invalid"}}}
	w := f.do(t, http.MethodPost, "/api/v1/reload", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, "agents", body["document"])
	assert.Len(t, body["issues"], 1)

	select {
	case p := <-events:
		assert.Equal(t, hooks.EventReloadFailed, p.Event)
		assert.Equal(t, "api", p.Data["source"])
	default:
		t.Fatal("no reload_failed event")
	}

	f.fleet.reloadErr = errors.New("reading tools: permission denied")
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/v1/reload", "").Code)
}

func TestDocuments(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodGet, "/api/v1/config/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agents: []\n", w.Body.String())
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))

	w = f.do(t, http.MethodPut, "/api/v1/config/models", "models:\n  x:\n    input: 1\n")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{config.DocModels}, f.fleet.replaced)

	w = f.do(t, http.MethodPut, "/api/v1/config/models", "invalid")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Len(t, f.fleet.replaced, 1)

	w = f.do(t, http.MethodPut, "/api/v1/config/agents", strings.Repeat("#", maxDocumentBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/config/tools", "").Code)
}

func TestWebSocket_StreamsHookEvents(t *testing.T) {
	f := newFixture(t, "secret")
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=secret", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello hooks.Payload
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Event)

	// the subscription is registered before hello is written
	f.hooks.Emit(context.Background(), hooks.EventRunFinished, map[string]any{"agent": "digest", "status": "completed"})

	var ev hooks.Payload
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, hooks.EventRunFinished, ev.Event)
	assert.Equal(t, "digest", ev.Data["agent"])

	assert.Eventually(t, func() bool { return f.srv.clients.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestResolveBindAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:80", resolveBindAddr(config.ServerConfig{Port: 80}))
	assert.Equal(t, "0.0.0.0:80", resolveBindAddr(config.ServerConfig{Port: 80, Bind: "lan"}))
	assert.Equal(t, "10.0.0.2:80", resolveBindAddr(config.ServerConfig{Port: 80, Bind: "custom", CustomBindHost: "10.0.0.2"}))
}

func TestSafeEqual(t *testing.T) {
	assert.True(t, safeEqual("abc", "abc"))
	assert.False(t, safeEqual("abc", "abd"))
	assert.False(t, safeEqual("abc", "abcd"))
	assert.False(t, safeEqual("", "a"))
}

type nopRunner struct{}

func (nopRunner) Execute(_ context.Context, def domain.AgentDefinition, opts engine.ExecuteOptions) *domain.Run {
	return &domain.Run{ID: opts.RunID, Agent: def.Name, Status: domain.RunCompleted}
}

type nopServers struct{}

func (nopServers) UpdateServers(map[string]config.ToolServerSpec) {}

func TestEmptyAgentsDocumentKeepsSchedule(t *testing.T) {
	dir := t.TempDir()
	paths := config.Paths{
		Base:   dir,
		Agents: filepath.Join(dir, "agents.yaml"),
		Tools:  filepath.Join(dir, "tools.yaml"),
		Models: filepath.Join(dir, "models.yaml"),
	}
	agents := "agents:\n  - name: digest\n    schedule: \"0 7 * * *\"\n    turns:\n      - name: gather\n"
	require.NoError(t, os.WriteFile(paths.Agents, []byte(agents), 0o600))

	log := logging.New(nil, "silent")
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(nopRunner{}, log, scheduler.WithClock(clock))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	fl := fleet.New(paths, sched, budget.New(0, clock, log), nopServers{}, log)
	require.NoError(t, fl.Reload(context.Background()))

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	srv := New(config.ServerConfig{Bind: "loopback"}, Deps{
		Runs:      db,
		Scheduler: sched,
		Fleet:     fl,
		Budget:    budget.New(0, clock, log),
		Hooks:     hooks.NewManager(log),
	}, log)
	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPut, "/api/v1/config/agents", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "agents", decode(t, w)["document"])
	assert.Equal(t, 1, sched.Scheduled())

	onDisk, err := os.ReadFile(paths.Agents)
	require.NoError(t, err)
	assert.Equal(t, agents, string(onDisk))

	require.NoError(t, os.Remove(paths.Agents))
	w = do(http.MethodPost, "/api/v1/reload", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w)["error"], "document is empty")
	assert.Equal(t, 1, sched.Scheduled())
	_, ok := sched.NextRun("digest")
	assert.True(t, ok)
}

func TestNew_LeavesGinDebugMode(t *testing.T) {
	t.Setenv(gin.EnvGinMode, "")
	gin.SetMode(gin.DebugMode)
	t.Cleanup(func() { gin.SetMode(gin.TestMode) })

	newFixture(t, "")
	assert.Equal(t, gin.ReleaseMode, gin.Mode())

	gin.SetMode(gin.TestMode)
	newFixture(t, "")
	assert.Equal(t, gin.TestMode, gin.Mode())
}
