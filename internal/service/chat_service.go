// Package service drives a conversation against the chat backend: it opens
// streams, folds their events into conversation.State and coordinates the
// pause/resume form flow.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"easyagent-client/internal/conversation"
	"easyagent-client/internal/form"
	"easyagent-client/internal/model"
	"easyagent-client/internal/storage"
	"easyagent-client/internal/stream"
	"easyagent-client/pkg/logger"
)

var (
	// ErrMissingSession 恢复请求必须携带会话ID
	ErrMissingSession = errors.New("resume requires a session id")
	// ErrSessionMismatch 恢复的会话不是当前会话
	ErrSessionMismatch = errors.New("session does not match the paused conversation")
	// ErrNoStorage 未配置存储时无法加载历史会话
	ErrNoStorage = errors.New("no transcript storage configured")
)

// Streamer 打开事件流的后端接口，*client.Client 实现了它
type Streamer interface {
	Stream(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error)
	Resume(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error)
}

// Listener UI 回调，全部在产生事件的 goroutine 中同步调用
type Listener interface {
	OnUpdate(state conversation.State)
	OnSession(sessionID string)
	OnTitle(title string)
	OnError(err error)
}

// ListenerFuncs 用可选回调实现 Listener
type ListenerFuncs struct {
	Update  func(conversation.State)
	Session func(string)
	Title   func(string)
	Error   func(error)
}

func (f ListenerFuncs) OnUpdate(s conversation.State) {
	if f.Update != nil {
		f.Update(s)
	}
}

func (f ListenerFuncs) OnSession(id string) {
	if f.Session != nil {
		f.Session(id)
	}
}

func (f ListenerFuncs) OnTitle(title string) {
	if f.Title != nil {
		f.Title(title)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// ChatService 单个会话的控制器。同一时刻只有一个活跃的流，
// 新的一轮会取消被替代的流并丢弃它之后的事件。
type ChatService struct {
	api      Streamer
	store    storage.Storage
	params   model.LLMParams
	listener Listener

	mu     sync.Mutex
	state  conversation.State
	gen    uint64
	cancel context.CancelFunc
}

// NewChatService 创建控制器，store 为 nil 时不持久化
func NewChatService(api Streamer, store storage.Storage, params model.LLMParams, listener Listener) *ChatService {
	if listener == nil {
		listener = ListenerFuncs{}
	}
	return &ChatService{
		api:      api,
		store:    store,
		params:   params,
		listener: listener,
	}
}

// State 返回当前状态的快照
func (s *ChatService) State() conversation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ChatService) SessionID() string {
	return s.State().SessionID
}

// Send 开启新的一轮并阻塞到流结束，返回该轮的最终状态。
// 被新一轮替代时返回 context.Canceled 且不再修改状态。
func (s *ChatService) Send(ctx context.Context, query string) (conversation.TurnStatus, error) {
	s.mu.Lock()
	s.state = s.state.Begin(query)
	ctx, gen := s.startLocked(ctx)
	state := s.state
	s.mu.Unlock()

	s.listener.OnUpdate(state)
	logger.WithFields(map[string]interface{}{
		"session_id": state.SessionID,
		"generation": gen,
	}).Debug("send query")

	body, err := s.api.Stream(ctx, model.NewChatRequest(query, state.SessionID, s.params))
	return s.consume(ctx, gen, body, err)
}

// Resume 提交暂停表单并继续同一轮。参数在发出任何网络请求前校验。
func (s *ChatService) Resume(ctx context.Context, sessionID string, values map[string]interface{}) (conversation.TurnStatus, error) {
	if sessionID == "" {
		return conversation.TurnIdle, ErrMissingSession
	}

	s.mu.Lock()
	if s.state.Turn.Status != conversation.TurnPaused {
		s.mu.Unlock()
		return conversation.TurnIdle, conversation.ErrNotPaused
	}
	if s.state.SessionID != sessionID {
		s.mu.Unlock()
		return conversation.TurnIdle, fmt.Errorf("%w: %s", ErrSessionMismatch, sessionID)
	}
	if desc := s.state.Turn.Reply.Form; desc != nil {
		if err := form.Validate(*desc, values); err != nil {
			s.mu.Unlock()
			return conversation.TurnIdle, err
		}
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	payload, err := json.Marshal(values)
	if err != nil {
		s.mu.Unlock()
		return conversation.TurnIdle, fmt.Errorf("marshal form values: %w", err)
	}

	next, err := s.state.Resume()
	if err != nil {
		s.mu.Unlock()
		return conversation.TurnIdle, err
	}
	s.state = next
	ctx, gen := s.startLocked(ctx)
	state := s.state
	s.mu.Unlock()

	s.listener.OnUpdate(state)
	logger.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"generation": gen,
	}).Debug("resume paused turn")

	body, err := s.api.Resume(ctx, model.NewChatRequest(string(payload), sessionID, s.params))
	return s.consume(ctx, gen, body, err)
}

// Cancel 中止正在进行的流，该轮以 context.Canceled 失败
func (s *ChatService) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// NewConversation 丢弃当前会话，下一轮不再携带会话ID
func (s *ChatService) NewConversation() {
	s.mu.Lock()
	s.supersedeLocked()
	s.state = conversation.State{}
	state := s.state
	s.mu.Unlock()

	s.listener.OnUpdate(state)
}

// Load 从存储恢复会话，替换当前状态
func (s *ChatService) Load(sessionID string) error {
	if s.store == nil {
		return ErrNoStorage
	}
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	s.Restore(*session)
	return nil
}

// Restore 用给定会话替换当前状态，例如从后端拉取的会话
func (s *ChatService) Restore(session model.Session) {
	s.mu.Lock()
	s.supersedeLocked()
	s.state = conversation.Restore(session)
	state := s.state
	s.mu.Unlock()

	s.listener.OnSession(state.SessionID)
	if state.Title != "" {
		s.listener.OnTitle(state.Title)
	}
	s.listener.OnUpdate(state)
}

// Rename 更新本地标题并落盘，后端标题由调用方另行修改
func (s *ChatService) Rename(title string) {
	s.mu.Lock()
	s.state.Title = title
	state := s.state
	s.mu.Unlock()

	s.listener.OnTitle(title)
	s.persist(state)
}

// startLocked 取消上一代的流并为新一代派生 ctx，调用方持有 mu
func (s *ChatService) startLocked(parent context.Context) (context.Context, uint64) {
	s.supersedeLocked()
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	return ctx, s.gen
}

func (s *ChatService) supersedeLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
}

// consume 读完事件流并处理终态
func (s *ChatService) consume(ctx context.Context, gen uint64, body io.ReadCloser, openErr error) (conversation.TurnStatus, error) {
	if openErr != nil {
		return s.finish(gen, openErr, nil)
	}
	defer body.Close()

	app := &applier{svc: s, gen: gen}
	stats, err := stream.Run(ctx, body, app)
	logger.WithFields(map[string]interface{}{
		"events":    stats.Events,
		"noise":     stats.Noise,
		"malformed": stats.Malformed,
		"unknown":   stats.Unknown,
	}).Debug("stream closed")

	return s.finish(gen, err, app.err)
}

// finish 收尾一代：transportErr 非空时该轮失败；eventErr 是流内 error 事件，状态已由 reducer 更新
func (s *ChatService) finish(gen uint64, transportErr, eventErr error) (conversation.TurnStatus, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return conversation.TurnIdle, context.Canceled
	}
	if transportErr != nil && s.state.Turn.Active() {
		s.state = s.state.Fail(transportErr)
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	state := s.state
	s.mu.Unlock()

	if transportErr != nil {
		logger.Warnf("turn failed: %v", transportErr)
		s.listener.OnError(transportErr)
		s.listener.OnUpdate(state)
	}
	s.persist(state)

	if transportErr != nil {
		return state.Turn.Status, transportErr
	}
	return state.Turn.Status, eventErr
}

func (s *ChatService) persist(state conversation.State) {
	if s.store == nil {
		return
	}
	if state.SessionID == "" {
		logger.Debug("no session id yet, transcript not saved")
		return
	}
	session := state.Snapshot()
	if existing, err := s.store.GetSession(state.SessionID); err == nil {
		session.CreatedAt = existing.CreatedAt
	}
	if err := storage.Save(s.store, &session); err != nil {
		logger.Errorf("save session %s: %v", state.SessionID, err)
	}
}

// applier 把事件交给 reducer，丢弃已被替代的代产生的事件
type applier struct {
	svc *ChatService
	gen uint64
	err error
}

var _ stream.Handler = (*applier)(nil)

func (a *applier) apply(ev stream.Event) {
	s := a.svc
	s.mu.Lock()
	if s.gen != a.gen {
		s.mu.Unlock()
		logger.Debugf("drop stale %s event", ev.Kind())
		return
	}
	next, out := s.state.Apply(ev)
	s.state = next
	s.mu.Unlock()

	if out.SessionAdopted != "" {
		s.listener.OnSession(out.SessionAdopted)
	}
	if out.TitleChanged != "" {
		s.listener.OnTitle(out.TitleChanged)
	}
	if out.Err != nil {
		a.err = out.Err
		s.listener.OnError(out.Err)
	}
	if out.Changed {
		s.listener.OnUpdate(next)
	}
}

func (a *applier) OnDelta(e stream.Delta)           { a.apply(e) }
func (a *applier) OnAgentStart(e stream.AgentStart) { a.apply(e) }
func (a *applier) OnAgentEnd(e stream.AgentEnd)     { a.apply(e) }
func (a *applier) OnMessage(e stream.Message)       { a.apply(e) }
func (a *applier) OnPause(e stream.Pause)           { a.apply(e) }
func (a *applier) OnMetadata(e stream.Metadata)     { a.apply(e) }
func (a *applier) OnError(e stream.Error)           { a.apply(e) }
func (a *applier) OnDone()                          { a.apply(stream.Done{}) }
