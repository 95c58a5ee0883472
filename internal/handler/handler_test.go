package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easyagent-client/internal/agent"
	"easyagent-client/internal/config"
	"easyagent-client/internal/model"
	"easyagent-client/internal/storage"
	"easyagent-client/internal/stream"
)

const scenarios = `
default: chat
scenarios:
  - name: trip
    keywords: [trip]
    phases:
      - steps:
          - agent: demand_agent
            reason: need details
        message: fill the form
        form:
          form_title: Trip
          fields:
            - {field_name: days, field_type: number, required: true}
      - steps:
          - agent: general_agent
        answer: "{{days}} days it is"
  - name: chat
    phases:
      - steps:
          - agent: general_agent
        answer: "hello there"
`

type testServer struct {
	router http.Handler
	store  storage.Storage
	runner *agent.ScriptRunner
}

func newTestServer(t *testing.T, mutate func(*config.Config, *agent.ScenarioFile)) *testServer {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	f, err := agent.LoadScenarios([]byte(scenarios))
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg, &f)
	}

	runner := agent.NewScriptRunnerFromFile(f)
	store := storage.NewMemoryStorage()
	catalog := agent.NewCatalog(func() []config.AgentConfig {
		return []config.AgentConfig{{Name: "general_agent", IsActive: true}, {Name: "demand_agent", IsActive: true}}
	})

	return &testServer{
		router: NewRouter(cfg, Deps{Runner: runner, Catalog: catalog, Store: store}),
		store:  store,
		runner: runner,
	}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func events(t *testing.T, body string) []stream.Event {
	t.Helper()
	d := stream.NewDecoder(strings.NewReader(body))
	var out []stream.Event
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestStreamNewSessionAndResume(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/chat/stream", model.NewChatRequest("plan a trip", "", model.LLMParams{}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	evs := events(t, w.Body.String())
	meta, ok := evs[0].(stream.Metadata)
	require.True(t, ok)
	require.NotEmpty(t, meta.SessionID)
	assert.Equal(t, "plan a trip", meta.Title)
	assert.True(t, meta.TitleUpdated)

	var pause *stream.Pause
	for _, ev := range evs {
		if p, ok := ev.(stream.Pause); ok {
			pause = &p
		}
	}
	require.NotNil(t, pause)
	assert.Equal(t, meta.SessionID, pause.SessionID)
	assert.True(t, s.runner.Pending(meta.SessionID))

	w = s.do(http.MethodPost, "/chat/resume", model.NewChatRequest(`{"days":4}`, meta.SessionID, model.LLMParams{}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	session, err := s.store.GetSession(meta.SessionID)
	require.NoError(t, err)
	require.Len(t, session.Messages, 3)
	assert.Equal(t, "plan a trip", session.Messages[0].Content)
	assert.Equal(t, `{"days":4}`, session.Messages[1].Content)
	assert.Equal(t, "4 days it is", session.Messages[2].Content)
}

func TestResumeRejections(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/chat/resume", model.NewChatRequest("{}", "", model.LLMParams{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/chat/resume", model.NewChatRequest("{}", "unknown", model.LLMParams{}))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/chat/stream", map[string]interface{}{"stream": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamExistingSessionKeepsTitle(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.store.CreateSession(&model.Session{ID: "s-1", Title: "Old title"}))

	w := s.do(http.MethodPost, "/chat/stream", model.NewChatRequest("hi", "s-1", model.LLMParams{}))
	evs := events(t, w.Body.String())
	meta := evs[0].(stream.Metadata)
	assert.Equal(t, "s-1", meta.SessionID)
	assert.Equal(t, "Old title", meta.Title)
	assert.False(t, meta.TitleUpdated)
}

func TestHeartbeatComments(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, f *agent.ScenarioFile) {
		cfg.Server.HeartbeatInterval = 5 * time.Millisecond
		f.Delay = "20ms"
	})

	w := s.do(http.MethodPost, "/chat/stream", model.NewChatRequest("hi", "", model.LLMParams{}))
	assert.Contains(t, w.Body.String(), ": heartbeat\n\n")

	// 心跳是噪声，不影响解析
	evs := events(t, w.Body.String())
	assert.Equal(t, stream.KindDone, evs[len(evs)-1].Kind())
}

func TestCatalogRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, 2, health.AgentsLoaded)

	w = s.do(http.MethodGet, "/agents", nil)
	var list model.AgentsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	w = s.do(http.MethodGet, "/agents/demand_agent", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/agents/reload", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConversationRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	now := time.Now()
	require.NoError(t, s.store.CreateSession(&model.Session{
		ID: "s-1", Title: "Books", CreatedAt: now, UpdatedAt: now,
		Messages: []model.Message{{ID: "m-1", Role: model.RoleUser, Content: "find a novel"}},
	}))

	w := s.do(http.MethodGet, "/conversations", nil)
	var list model.SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, 1, list.Sessions[0].MessageCount)

	w = s.do(http.MethodGet, "/conversations/search?q=novel", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Sessions, 1)

	w = s.do(http.MethodGet, "/conversations/search?q=weather", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Sessions)

	w = s.do(http.MethodPut, "/conversations/s-1", model.UpdateTitleRequest{Title: "Novels"})
	require.Equal(t, http.StatusOK, w.Code)
	var summary model.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, "Novels", summary.Title)

	w = s.do(http.MethodGet, "/conversations/s-1/export", nil)
	var export model.ConversationExport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &export))
	assert.Equal(t, "Novels", export.Session.Title)
	assert.Len(t, export.Messages, 1)

	w = s.do(http.MethodDelete, "/conversations/s-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/conversations/s-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *agent.ScenarioFile) {
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = s.do(http.MethodGet, "/health", nil).Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
