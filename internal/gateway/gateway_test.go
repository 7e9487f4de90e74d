package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/attache/internal/agent"
	"github.com/nextlevelbuilder/attache/internal/archive"
	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/config"
	"github.com/nextlevelbuilder/attache/internal/cron"
	"github.com/nextlevelbuilder/attache/internal/heartbeat"
	"github.com/nextlevelbuilder/attache/internal/sessions"
	"github.com/nextlevelbuilder/attache/internal/worldmodel"
	"github.com/nextlevelbuilder/attache/pkg/protocol"
)

type nullTransport struct{}

func (nullTransport) Stream(_ context.Context, _ string, _ []agent.Message, emit func(agent.Event)) error {
	emit(agent.Event{Kind: agent.EventTextDelta, Text: "ok"})
	return nil
}

type fixture struct {
	server *Server
	ts     *httptest.Server
	log    *sessions.Log
	store  *archive.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	log, err := sessions.NewLog(filepath.Join(dir, "sessions"))
	require.NoError(t, err)

	arch, err := archive.Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	require.NoError(t, arch.Init(context.Background()))
	t.Cleanup(func() { arch.Close() })

	cfgStore, err := config.NewStore(dir)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataDir = dir

	runtime := agent.NewBaseRuntime(nullTransport{}, "anthropic/primary")
	queue := agent.NewQueue(runtime, cfgStore)

	wm := worldmodel.New(filepath.Join(dir, "world-model.md"))

	hb, err := heartbeat.New(heartbeat.Options{
		Config:   cfg.Heartbeat,
		Dir:      filepath.Join(dir, "heartbeat"),
		Location: time.UTC,
		Store:    cfgStore,
		Log:      log,
	})
	require.NoError(t, err)

	cronSvc, err := cron.New(filepath.Join(dir, "cron"), time.UTC,
		func(_ context.Context, prompt string) (string, error) { return "ran: " + prompt, nil },
		func(_, _ string) error { return nil })
	require.NoError(t, err)

	srv := NewServer(Deps{
		Config:     cfg,
		Store:      cfgStore,
		Runtime:    runtime,
		Queue:      queue,
		Sessions:   log,
		Archive:    arch,
		WorldModel: wm,
		Heartbeat:  hb,
		Cron:       cronSvc,
		Events:     bus.New(),
		Restart:    func(string) error { return nil },
		SkillsDir:  filepath.Join(dir, "skills"),
	})

	ts := httptest.NewServer(srv.buildMux())
	t.Cleanup(ts.Close)
	return &fixture{server: srv, ts: ts, log: log, store: arch}
}

func (f *fixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	res, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	return res.StatusCode
}

func (f *fixture) sendJSON(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func TestHealthRoute(t *testing.T) {
	f := newFixture(t)
	var payload protocol.HealthPayload
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/health", &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, 0, payload.Clients)
}

func TestStatusRoute(t *testing.T) {
	f := newFixture(t)
	var status map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/status", &status))
	assert.Equal(t, "anthropic/primary", status["model"])
	assert.EqualValues(t, 0, status["queueDepth"])
}

func TestWorldModelRoundTrip(t *testing.T) {
	f := newFixture(t)

	var first map[string]string
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/world-model", &first))
	assert.Contains(t, first["content"], "## Identity")

	updated := strings.Replace(first["content"], "## Identity", "## Identity\n\n- Name: Ada", 1)
	code := f.sendJSON(t, http.MethodPut, "/api/world-model", map[string]string{"content": updated}, nil)
	require.Equal(t, http.StatusOK, code)

	var second map[string]string
	f.getJSON(t, "/api/world-model", &second)
	assert.Contains(t, second["content"], "- Name: Ada")
}

func TestWorldModelPutRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	var out map[string]string
	code := f.sendJSON(t, http.MethodPut, "/api/world-model", map[string]string{"content": "  "}, &out)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, out["error"])
}

func TestSkillRoutes(t *testing.T) {
	f := newFixture(t)

	code := f.sendJSON(t, http.MethodPut, "/api/skills/morning-briefing",
		map[string]string{"content": "# Morning briefing\nSummarize overnight messages."}, nil)
	require.Equal(t, http.StatusOK, code)

	var list map[string][]SkillInfo
	f.getJSON(t, "/api/skills", &list)
	require.Len(t, list["skills"], 1)
	assert.Equal(t, "morning-briefing", list["skills"][0].Name)

	var skill map[string]string
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/skills/morning-briefing", &skill))
	assert.Contains(t, skill["content"], "Summarize overnight")

	code = f.sendJSON(t, http.MethodPut, "/api/skills/NotValid", map[string]string{"content": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/skills/morning-briefing", nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var missing map[string]string
	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/api/skills/morning-briefing", &missing))
}

func TestCronJobRoutes(t *testing.T) {
	f := newFixture(t)

	var created cron.Job
	code := f.sendJSON(t, http.MethodPost, "/api/cron/jobs", cron.Job{
		Name:         "standup",
		ScheduleType: "every",
		Schedule:     "30m",
		Prompt:       "remind me about standup",
		Enabled:      true,
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, created.ID)

	var list map[string][]cron.Job
	f.getJSON(t, "/api/cron/jobs", &list)
	require.Len(t, list["jobs"], 1)

	disabled := false
	code = f.sendJSON(t, http.MethodPatch, "/api/cron/jobs/"+created.ID,
		map[string]*bool{"enabled": &disabled}, nil)
	require.Equal(t, http.StatusOK, code)

	code = f.sendJSON(t, http.MethodPost, "/api/cron/jobs/"+created.ID+"/trigger", nil, nil)
	require.Equal(t, http.StatusOK, code)

	var runs map[string][]cron.RunRecord
	f.getJSON(t, "/api/cron/jobs/"+created.ID+"/runs", &runs)
	require.Len(t, runs["runs"], 1)
	assert.True(t, runs["runs"][0].Success)

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/cron/jobs/"+created.ID, nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCronAddRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	var out map[string]string
	code := f.sendJSON(t, http.MethodPost, "/api/cron/jobs", cron.Job{
		Name: "bad", ScheduleType: "every", Schedule: "soonish", Prompt: "x",
	}, &out)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, out["error"])
}

func TestArchiveRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Archive(ctx, []sessions.Turn{
		{Role: sessions.RoleUser, Content: "the quarterly report is due friday", Timestamp: 1000, SessionKey: "main:cli:main"},
		{Role: sessions.RoleAssistant, Content: "noted, I will remind you", Timestamp: 2000, SessionKey: "main:cli:main"},
	}))

	var search map[string]json.RawMessage
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/archive/search?q=quarterly+report", &search))
	var results []archive.Record
	require.NoError(t, json.Unmarshal(search["results"], &results))
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "quarterly report")

	var rec archive.Record
	require.Equal(t, http.StatusOK, f.getJSON(t, fmt.Sprintf("/api/archive/records/%d", results[0].ID), &rec))
	assert.Equal(t, results[0].Content, rec.Content)

	var missing map[string]string
	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/api/archive/records/999999", &missing))
}

func TestModelRoutes(t *testing.T) {
	f := newFixture(t)

	code := f.sendJSON(t, http.MethodPut, "/api/model/aliases/fast",
		map[string]string{"ref": "openrouter/small"}, nil)
	require.Equal(t, http.StatusOK, code)

	var out map[string]string
	code = f.sendJSON(t, http.MethodPut, "/api/model", map[string]string{"model": "fast"}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "openrouter/small", out["model"])

	var model map[string]string
	f.getJSON(t, "/api/model", &model)
	assert.Equal(t, "openrouter/small", model["model"])

	code = f.sendJSON(t, http.MethodPut, "/api/model/fallbacks",
		map[string][]string{"fallbacks": {"anthropic/backup"}}, nil)
	require.Equal(t, http.StatusOK, code)

	var fb map[string][]string
	f.getJSON(t, "/api/model/fallbacks", &fb)
	assert.Equal(t, []string{"anthropic/backup"}, fb["fallbacks"])
}

func TestSessionsRoutes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.log.Append("main:cli:main", sessions.Turn{
		Role: sessions.RoleUser, Content: "hello", Timestamp: 1000,
	}))

	var list map[string][]sessions.SessionMeta
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/sessions", &list))
	require.Len(t, list["sessions"], 1)

	var read map[string]json.RawMessage
	require.Equal(t, http.StatusOK, f.getJSON(t, "/api/sessions/read?key=main:cli:main", &read))
	var turns []sessions.Turn
	require.NoError(t, json.Unmarshal(read["turns"], &turns))
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Content)
}

func TestStaticRejectsDotDotWith403(t *testing.T) {
	f := newFixture(t)
	f.server.deps.StaticDir = t.TempDir()

	// Hit the handler directly: the mux would clean the path first, and
	// a raw client may too.
	for _, path := range []string{"/../secret", "/assets/../../etc/passwd"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.server.staticHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, "path %q", path)
	}
}

func TestRootWithoutStaticDir(t *testing.T) {
	f := newFixture(t)
	res, err := http.Get(f.ts.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func wsDial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsRequest(t *testing.T, conn *websocket.Conn, id, method string, params any) protocol.ResponseFrame {
	t.Helper()
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	require.NoError(t, conn.WriteJSON(frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var res protocol.ResponseFrame
	require.NoError(t, conn.ReadJSON(&res))
	return res
}

func TestWebSocketHealthMethod(t *testing.T) {
	f := newFixture(t)
	conn := wsDial(t, f)

	res := wsRequest(t, conn, "1", "health", nil)
	assert.Equal(t, "1", res.ID)
	require.True(t, res.OK)

	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", payload["status"])
}

func TestWebSocketUnknownMethod(t *testing.T) {
	f := newFixture(t)
	conn := wsDial(t, f)

	res := wsRequest(t, conn, "2", "no.such.method", nil)
	assert.False(t, res.OK)
	assert.Equal(t, "Unknown method: no.such.method", res.Error)
}

func TestWebSocketSessionsRead(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.log.Append("main:discord:dm:42", sessions.Turn{
		Role: sessions.RoleUser, Content: "ping", Timestamp: 1000,
	}))
	conn := wsDial(t, f)

	res := wsRequest(t, conn, "3", "sessions.read", map[string]string{"key": "main:discord:dm:42"})
	require.True(t, res.OK)

	res = wsRequest(t, conn, "4", "sessions.read", nil)
	assert.False(t, res.OK)
}

func TestWebSocketReceivesBroadcastEvents(t *testing.T) {
	f := newFixture(t)
	conn := wsDial(t, f)

	// Wait for registration before broadcasting.
	require.Eventually(t, func() bool {
		f.server.mu.RLock()
		defer f.server.mu.RUnlock()
		return len(f.server.clients) == 1
	}, time.Second, 10*time.Millisecond)

	f.server.BroadcastEvent(*protocol.NewEvent("cron", map[string]string{"jobId": "j1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, protocol.TypeEvent, frame.Type)
	assert.Equal(t, "cron", frame.Event)
}

func TestSkillStoreValidation(t *testing.T) {
	s := NewSkillStore(t.TempDir())
	_, err := s.Get("../../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, s.Put("Has Spaces", "x"))
	assert.Error(t, s.Put("valid-name", "   "))
}
