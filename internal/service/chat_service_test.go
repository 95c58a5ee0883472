package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easyagent-client/internal/agent"
	"easyagent-client/internal/client"
	"easyagent-client/internal/config"
	"easyagent-client/internal/conversation"
	"easyagent-client/internal/form"
	"easyagent-client/internal/handler"
	"easyagent-client/internal/model"
	"easyagent-client/internal/storage"
)

const scenarios = `
default: chat
chunk_size: 4
scenarios:
  - name: booking
    keywords: [book]
    phases:
      - steps:
          - agent: entrance_agent
            reason: needs details
          - agent: demand_agent
        message: how long?
        form:
          form_title: Trip
          fields:
            - {field_name: days, field_type: number, required: true}
      - steps:
          - agent: hotel_agent
            tasks: [pick a hotel]
        message: which hotel?
        form:
          form_title: Hotel
          fields:
            - {field_name: stars, field_type: radio, options: ["3", "4", "5"], required: true}
      - steps:
          - agent: general_agent
        answer: 'Booked "{{stars}} stars"'
  - name: broken
    keywords: [fail]
    phases:
      - steps:
          - agent: sql_agent
        error: database unavailable
  - name: chat
    phases:
      - steps:
          - agent: general_agent
        answer: "hello there"
`

type recorder struct {
	mu       sync.Mutex
	sessions []string
	titles   []string
	errs     []error
	updates  int
}

func (r *recorder) listener() ListenerFuncs {
	return ListenerFuncs{
		Update: func(conversation.State) {
			r.mu.Lock()
			r.updates++
			r.mu.Unlock()
		},
		Session: func(id string) {
			r.mu.Lock()
			r.sessions = append(r.sessions, id)
			r.mu.Unlock()
		},
		Title: func(title string) {
			r.mu.Lock()
			r.titles = append(r.titles, title)
			r.mu.Unlock()
		},
		Error: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

// newE2E 启动开发后端并返回连向它的控制器和客户端存储
func newE2E(t *testing.T) (*ChatService, storage.Storage, *recorder) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.HeartbeatInterval = 0

	f, err := agent.LoadScenarios([]byte(scenarios))
	require.NoError(t, err)
	runner := agent.NewScriptRunnerFromFile(f)
	router := handler.NewRouter(cfg, handler.Deps{
		Runner:  runner,
		Catalog: agent.NewCatalog(func() []config.AgentConfig { return nil }),
		Store:   storage.NewMemoryStorage(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	api := client.New(config.ClientConfig{BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
	store := storage.NewMemoryStorage()
	rec := &recorder{}
	return NewChatService(api, store, model.LLMParams{}, rec.listener()), store, rec
}

func TestSendCompletesTurn(t *testing.T) {
	svc, store, rec := newE2E(t)

	status, err := svc.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, conversation.TurnDone, status)

	st := svc.State()
	require.NotEmpty(t, st.SessionID)
	assert.Equal(t, "hi", st.Title)
	assert.Equal(t, "hello there", st.Turn.Reply.Content)
	assert.True(t, st.Turn.Reply.IsThinkingComplete)
	require.Len(t, st.Turn.Reply.ThinkSteps, 1)
	assert.Equal(t, "general_agent", st.Turn.Reply.ThinkSteps[0].AgentName)

	assert.Equal(t, []string{st.SessionID}, rec.sessions)
	assert.Equal(t, []string{"hi"}, rec.titles)
	assert.Greater(t, rec.updates, 1)

	saved, err := store.GetSession(st.SessionID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, model.RoleUser, saved.Messages[0].Role)
	assert.Equal(t, "hello there", saved.Messages[1].Content)

	// 第二轮沿用同一会话
	_, err = svc.Send(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, st.SessionID, svc.SessionID())
	assert.Len(t, svc.State().Messages(), 4)
	assert.Len(t, rec.sessions, 1)
}

func TestPauseResumeAcrossTwoForms(t *testing.T) {
	svc, store, _ := newE2E(t)
	ctx := context.Background()

	status, err := svc.Send(ctx, "book a trip")
	require.NoError(t, err)
	require.Equal(t, conversation.TurnPaused, status)

	st := svc.State()
	sid := st.SessionID
	require.NotNil(t, st.Turn.Reply.Form)
	assert.Equal(t, "Trip", st.Turn.Reply.Form.FormTitle)
	assert.Len(t, st.Turn.Reply.ThinkSteps, 2)

	saved, err := store.GetSession(sid)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 2)
	assert.NotNil(t, saved.Messages[1].Form)

	_, err = svc.Resume(ctx, sid, map[string]interface{}{"days": "many"})
	var verr *form.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, conversation.TurnPaused, svc.State().Turn.Status)

	status, err = svc.Resume(ctx, sid, map[string]interface{}{"days": 3})
	require.NoError(t, err)
	require.Equal(t, conversation.TurnPaused, status)
	st = svc.State()
	assert.Equal(t, "Hotel", st.Turn.Reply.Form.FormTitle)
	assert.False(t, st.Turn.Reply.IsFormSubmitted)
	assert.Len(t, st.Turn.Reply.ThinkSteps, 3)

	status, err = svc.Resume(ctx, sid, map[string]interface{}{"stars": "4"})
	require.NoError(t, err)
	require.Equal(t, conversation.TurnDone, status)

	st = svc.State()
	assert.Equal(t, sid, st.SessionID)
	assert.Equal(t, `Booked "4 stars"`, st.Turn.Reply.Content)
	assert.True(t, st.Turn.Reply.IsFormSubmitted)
	assert.Len(t, st.Turn.Reply.ThinkSteps, 4)
	// 恢复沿用同一条回复，不新增消息
	assert.Len(t, st.Messages(), 2)

	saved, err = store.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, `Booked "4 stars"`, saved.Messages[1].Content)
}

func TestErrorEventFailsTurn(t *testing.T) {
	svc, store, rec := newE2E(t)

	status, err := svc.Send(context.Background(), "please fail")
	var evErr *conversation.EventError
	require.ErrorAs(t, err, &evErr)
	assert.Equal(t, "database unavailable", evErr.Message)
	assert.Equal(t, conversation.TurnFailed, status)
	require.Len(t, rec.errs, 1)

	st := svc.State()
	last := st.Transcript[len(st.Transcript)-1]
	assert.Equal(t, model.RoleError, last.Role)

	saved, err := store.GetSession(st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleError, saved.Messages[len(saved.Messages)-1].Role)
}

func TestLoadRestoresConversation(t *testing.T) {
	svc, _, rec := newE2E(t)
	_, err := svc.Send(context.Background(), "hi")
	require.NoError(t, err)
	sid := svc.SessionID()

	svc.NewConversation()
	assert.Empty(t, svc.SessionID())

	require.NoError(t, svc.Load(sid))
	st := svc.State()
	assert.Equal(t, sid, st.SessionID)
	assert.Len(t, st.Transcript, 2)
	assert.Equal(t, conversation.TurnIdle, st.Turn.Status)
	assert.Equal(t, sid, rec.sessions[len(rec.sessions)-1])

	err = svc.Load("missing")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	noStore := NewChatService(nil, nil, model.LLMParams{}, nil)
	assert.ErrorIs(t, noStore.Load(sid), ErrNoStorage)
}

// fakeStreamer 记录调用次数，响应由 open 决定
type fakeStreamer struct {
	mu    sync.Mutex
	calls []model.ChatRequest
	open  func(ctx context.Context, n int, req model.ChatRequest) (io.ReadCloser, error)
}

func (f *fakeStreamer) do(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.open(ctx, n, req)
}

func (f *fakeStreamer) Stream(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error) {
	return f.do(ctx, req)
}

func (f *fakeStreamer) Resume(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error) {
	return f.do(ctx, req)
}

func (f *fakeStreamer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sse(records ...string) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString("data: " + r + "\n\n")
	}
	return b.String()
}

const (
	metaRecord  = `{"type":"metadata","data":{"session_id":"s-1","title":"t","title_updated":true}}`
	startRecord = `{"type":"agent_start","data":{"agent_name":"entrance_agent"}}`
	pauseRecord = `{"type":"pause","data":{"context":[{"data":{"form_config":{"form_title":"F","fields":[{"field_name":"city","field_type":"text","required":true}]}}}]}}`
)

// blockingBody 先写出 prefix，然后阻塞到 ctx 取消
func blockingBody(ctx context.Context, prefix string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(prefix))
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return pr
}

func TestResumeWithoutSessionMakesNoRequest(t *testing.T) {
	fake := &fakeStreamer{open: func(context.Context, int, model.ChatRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(sse(metaRecord, startRecord, pauseRecord) + "data: [DONE]\n\n")), nil
	}}
	svc := NewChatService(fake, nil, model.LLMParams{}, nil)

	_, err := svc.Resume(context.Background(), "", map[string]interface{}{"city": "Paris"})
	assert.ErrorIs(t, err, ErrMissingSession)
	_, err = svc.Resume(context.Background(), "s-1", map[string]interface{}{"city": "Paris"})
	assert.ErrorIs(t, err, conversation.ErrNotPaused)
	assert.Equal(t, 0, fake.count())

	status, err := svc.Send(context.Background(), "go")
	require.NoError(t, err)
	require.Equal(t, conversation.TurnPaused, status)
	assert.Nil(t, fake.calls[0].SessionID)

	_, err = svc.Resume(context.Background(), "", map[string]interface{}{"city": "Paris"})
	assert.ErrorIs(t, err, ErrMissingSession)
	_, err = svc.Resume(context.Background(), "other", map[string]interface{}{"city": "Paris"})
	assert.ErrorIs(t, err, ErrSessionMismatch)
	_, err = svc.Resume(context.Background(), "s-1", map[string]interface{}{})
	var verr *form.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, fake.count())

	_, err = svc.Resume(context.Background(), "s-1", map[string]interface{}{"city": "Paris"})
	require.NoError(t, err)
	require.Equal(t, 2, fake.count())

	req := fake.calls[1]
	assert.Equal(t, "s-1", req.Session())
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(req.Query), &payload))
	assert.Equal(t, map[string]interface{}{"city": "Paris"}, payload)
}

func TestCancelFailsTurn(t *testing.T) {
	adopted := make(chan struct{}, 1)
	fake := &fakeStreamer{open: func(ctx context.Context, _ int, _ model.ChatRequest) (io.ReadCloser, error) {
		return blockingBody(ctx, sse(metaRecord, startRecord)), nil
	}}
	rec := &recorder{}
	l := rec.listener()
	l.Session = func(string) { adopted <- struct{}{} }
	store := storage.NewMemoryStorage()
	svc := NewChatService(fake, store, model.LLMParams{}, l)

	go func() {
		<-adopted
		svc.Cancel()
	}()

	status, err := svc.Send(context.Background(), "slow")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, conversation.TurnFailed, status)

	st := svc.State()
	last := st.Transcript[len(st.Transcript)-1]
	assert.Equal(t, model.RoleError, last.Role)
	assert.Contains(t, last.Content, "canceled")
	require.Len(t, rec.errs, 1)

	saved, err := store.GetSession("s-1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleError, saved.Messages[len(saved.Messages)-1].Role)
}

func TestNewTurnSupersedesInflightStream(t *testing.T) {
	adopted := make(chan struct{}, 1)
	fake := &fakeStreamer{open: func(ctx context.Context, n int, _ model.ChatRequest) (io.ReadCloser, error) {
		if n == 1 {
			return blockingBody(ctx, sse(metaRecord, startRecord)), nil
		}
		return io.NopCloser(strings.NewReader(sse(
			`{"type":"agent_start","data":{"agent_name":"general_agent"}}`,
			`{"type":"delta","data":{"content":"{\"answer\":\"second\"}","is_final_output":true}}`,
		) + "data: [DONE]\n\n")), nil
	}}
	l := ListenerFuncs{Session: func(string) {
		select {
		case adopted <- struct{}{}:
		default:
		}
	}}
	svc := NewChatService(fake, nil, model.LLMParams{}, l)

	type result struct {
		status conversation.TurnStatus
		err    error
	}
	first := make(chan result, 1)
	go func() {
		status, err := svc.Send(context.Background(), "first")
		first <- result{status, err}
	}()
	<-adopted

	status, err := svc.Send(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, conversation.TurnDone, status)

	r := <-first
	assert.ErrorIs(t, r.err, context.Canceled)

	st := svc.State()
	assert.Equal(t, "second", st.Turn.Reply.Content)
	assert.Equal(t, "second", st.Turn.Query)
	assert.Equal(t, "s-1", fake.calls[1].Session())
	for _, m := range st.Transcript {
		assert.NotEqual(t, model.RoleError, m.Role)
	}
}

func TestTransportErrorFailsTurn(t *testing.T) {
	netErr := &client.NetworkError{Method: "POST", URL: "http://backend/chat/stream", StatusCode: 502}
	fake := &fakeStreamer{open: func(context.Context, int, model.ChatRequest) (io.ReadCloser, error) {
		return nil, netErr
	}}
	rec := &recorder{}
	store := storage.NewMemoryStorage()
	svc := NewChatService(fake, store, model.LLMParams{}, rec.listener())

	status, err := svc.Send(context.Background(), "hi")
	var got *client.NetworkError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 502, got.StatusCode)
	assert.Equal(t, conversation.TurnFailed, status)
	require.Len(t, rec.errs, 1)
	assert.True(t, errors.Is(rec.errs[0], netErr))

	msgs := svc.State().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleError, msgs[1].Role)

	// 没有会话ID时不落盘
	sessions, err := store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSendForwardsSamplingParams(t *testing.T) {
	temp := 0.2
	fake := &fakeStreamer{open: func(context.Context, int, model.ChatRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
	}}
	svc := NewChatService(fake, nil, model.LLMParams{Temperature: &temp}, nil)

	status, err := svc.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, conversation.TurnDone, status)
	require.NotNil(t, fake.calls[0].Temperature)
	assert.Equal(t, 0.2, *fake.calls[0].Temperature)
	assert.Nil(t, fake.calls[0].TopK)
}
