package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrob/ai-sdlc-sub001/internal/daemon"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/runner"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
	tu "github.com/patrob/ai-sdlc-sub001/internal/testutil"
)

type fakeDaemon struct {
	queue *domain.Queue
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{queue: domain.NewQueue()}
}

func (f *fakeDaemon) Status() daemon.Status {
	return daemon.Status{Running: true, Queue: f.queue.Snapshot(), Pending: f.queue.PendingCount()}
}

func (f *fakeDaemon) Enqueue(storyID, reason string) bool {
	return f.queue.Add(storyID, reason)
}

func newTestServer(t *testing.T, history storage.History, d Daemon) *Server {
	t.Helper()
	repo := tu.NewMemoryRepository(
		tu.NewStory("S-1", domain.StatusReady, tu.WithLabels("epic-auth")),
		tu.NewStory("S-2", domain.StatusBacklog, tu.WithLabels("epic-billing")),
		tu.NewStory("S-3", domain.StatusReady, tu.WithLabels("epic-auth")),
	)
	return NewServer(tu.NewTestConfig(t), repo, history, d, zerolog.Nop())
}

func get(t *testing.T, h http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return rr.Code, body
}

func TestServer_Stories(t *testing.T) {
	h := newTestServer(t, nil, nil).Handler()

	tests := []struct {
		name  string
		path  string
		count float64
	}{
		{"all", "/api/stories", 3},
		{"by status", "/api/stories?status=ready", 2},
		{"by label glob", "/api/stories?label=epic-*", 3},
		{"by status and label", "/api/stories?status=ready&label=epic-auth", 2},
		{"no match", "/api/stories?label=epic-search", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, h, "GET", tt.path)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.count, body["count"])
		})
	}

	t.Run("single story", func(t *testing.T) {
		code, body := get(t, h, "GET", "/api/stories/S-2")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "S-2", body["id"])
		assert.Equal(t, "backlog", body["status"])
	})

	t.Run("unknown story", func(t *testing.T) {
		code, body := get(t, h, "GET", "/api/stories/S-404")
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "story not found", body["error"])
	})
}

func TestServer_Queue(t *testing.T) {
	d := newFakeDaemon()
	h := newTestServer(t, nil, d).Handler()

	code, body := get(t, h, "POST", "/api/queue/S-1")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "S-1", body["queued"])
	assert.Equal(t, float64(1), body["pending"])

	code, _ = get(t, h, "POST", "/api/queue/S-1")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = get(t, h, "POST", "/api/queue/S-404")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "GET", "/api/queue")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(1), body["total"])
	items := body["items"].([]any)
	assert.Equal(t, "S-1", items[0].(map[string]any)["storyId"])
}

func TestServer_WithoutDaemonOrHistory(t *testing.T) {
	h := newTestServer(t, nil, nil).Handler()

	for _, path := range []string{"/api/queue", "/api/history", "/api/history/x", "/api/stats"} {
		code, _ := get(t, h, "GET", path)
		assert.Equal(t, http.StatusServiceUnavailable, code, path)
	}
	code, _ := get(t, h, "POST", "/api/queue/S-1")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_History(t *testing.T) {
	history := tu.NewTestStorage(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	for _, rec := range []*storage.ActionRecord{
		{WorkflowID: "wf-1", StoryID: "S-1", Kind: "plan", Status: storage.RecordSucceeded, StartTime: start, EndTime: start.Add(time.Second), Duration: time.Second},
		{WorkflowID: "wf-1", StoryID: "S-1", Kind: "implement", Status: storage.RecordFailed, StartTime: start, EndTime: start.Add(2 * time.Second), Duration: 2 * time.Second, Error: "tests failed", Output: []string{"FAIL"}},
		{WorkflowID: "wf-2", StoryID: "S-3", Kind: "plan", Status: storage.RecordSucceeded, StartTime: start, EndTime: start.Add(time.Second), Duration: time.Second},
	} {
		require.NoError(t, history.RecordAction(ctx, rec))
	}

	h := newTestServer(t, history, nil).Handler()

	code, body := get(t, h, "GET", "/api/history")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["total"])

	code, body = get(t, h, "GET", "/api/history?action=plan&limit=1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(2), body["total"])

	_, body = get(t, h, "GET", "/api/history?status=failed")
	actions := body["actions"].([]any)
	require.Len(t, actions, 1)
	failed := actions[0].(map[string]any)
	assert.Equal(t, "tests failed", failed["error"])

	code, body = get(t, h, "GET", "/api/history/"+failed["id"].(string))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"FAIL"}, body["output"])

	code, _ = get(t, h, "GET", "/api/history/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "GET", "/api/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["total_actions"])
	assert.Equal(t, float64(1), body["failed"])
	assert.Contains(t, body["kind_stats"], "plan")
}

func TestServer_Config(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.cfg.API.Key = "secret"
	s.cfg.Review.MaxRetries = domain.Unlimited

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/config", nil)
	req.Header.Set("Authorization", "Bearer secret")
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(-1), body["max_retries"])
	assert.Equal(t, true, body["auth_required"])
}

func TestEventHub_StreamsEvents(t *testing.T) {
	s := newTestServer(t, nil, nil)
	hub := s.Hub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(runner.Event{Type: runner.EventActionFinished, StoryID: "S-1", Action: domain.ActionPlan, Success: true, Time: time.Now()})

	var msg struct {
		Type string       `json:"type"`
		Data runner.Event `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, runner.EventActionFinished, msg.Type)
	assert.Equal(t, "S-1", msg.Data.StoryID)
	assert.Equal(t, domain.ActionPlan, msg.Data.Action)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "pong", msg.Type)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventHub_DropsWhenStopped(t *testing.T) {
	hub := NewEventHub(nil, zerolog.Nop())
	hub.Publish(runner.Event{Type: runner.EventStoryBlocked})
	assert.Equal(t, 0, hub.ClientCount())

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()
	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}
