package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"easyagent-client/internal/agent"
	"easyagent-client/internal/config"
	"easyagent-client/internal/model"
	"easyagent-client/internal/storage"
	"easyagent-client/internal/utils"
	"easyagent-client/pkg/logger"
)

const titleRunes = 30

type ChatHandler struct {
	runner agent.Runner
	store  storage.Storage
	cfg    config.ServerConfig

	// 同一会话的读改写串行化
	mu sync.Mutex
}

func NewChatHandler(runner agent.Runner, store storage.Storage, cfg config.ServerConfig) *ChatHandler {
	return &ChatHandler{runner: runner, store: store, cfg: cfg}
}

func (h *ChatHandler) StreamChat(c *gin.Context) {
	h.serve(c, false)
}

// ResumeChat 用提交的表单继续暂停的会话，没有暂停点时返回 409
func (h *ChatHandler) ResumeChat(c *gin.Context) {
	h.serve(c, true)
}

func (h *ChatHandler) serve(c *gin.Context, resume bool) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sessionID := req.Session()
	if resume {
		if sessionID == "" {
			errorJSON(c, http.StatusBadRequest, "missing_session", "session_id is required to resume")
			return
		}
		if !h.runner.Pending(sessionID) {
			errorJSON(c, http.StatusConflict, "not_paused", "session "+sessionID+" is not waiting for a form")
			return
		}
	}

	session, isNew, err := h.openSession(sessionID, req.Query)
	if err != nil {
		storageError(c, err)
		return
	}
	history := session.Messages

	logger.WithFields(map[string]interface{}{
		"session_id": session.ID,
		"resume":     resume,
		"new":        isNew,
	}).Infof("Chat request: %s", truncateRunes(req.Query, 80))

	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	// 设置连接超时
	ctx := c.Request.Context()
	if h.cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.StreamTimeout)
		defer cancel()
	}

	stopHeartbeat := h.heartbeat(ctx, sseWriter)
	defer stopHeartbeat()

	start := time.Now()
	if err := h.writeData(sseWriter, model.EventMetadata, model.MetadataData{
		SessionID:    session.ID,
		Title:        session.Title,
		TitleUpdated: isNew,
		Stage:        "init",
	}); err != nil {
		logger.Errorf("Failed to write SSE: %v", err)
		return
	}

	// 累积最终输出，结束后写入会话记录
	var (
		raw       string
		paused    bool
		runnerErr string
	)
	emit := func(rec model.Record) error {
		switch rec.Type {
		case model.EventDelta:
			var d model.DeltaData
			if err := json.Unmarshal(rec.Data, &d); err == nil && d.IsFinalOutput {
				raw += d.Content
			}
		case model.EventPause:
			paused = true
		case model.EventError:
			var e model.ErrorData
			if err := json.Unmarshal(rec.Data, &e); err == nil {
				runnerErr = e.ErrorMessage
			}
		}
		return sseWriter.WriteRecord(rec)
	}

	runErr := h.runner.Run(ctx, agent.RunRequest{
		SessionID: session.ID,
		Query:     req.Query,
		Resume:    resume,
		Params:    model.LLMParams{Temperature: req.Temperature, TopP: req.TopP, TopK: req.TopK},
		History:   history,
	}, emit)

	switch {
	case runErr == nil:
	case errors.Is(runErr, context.DeadlineExceeded):
		runnerErr = "processing timed out"
		h.writeData(sseWriter, model.EventError, model.ErrorData{ErrorMessage: runnerErr, ErrorType: "timeout", Recoverable: true})
	case errors.Is(runErr, context.Canceled):
		logger.Infof("Client went away during session %s", session.ID)
	default:
		logger.Errorf("Runner failed for session %s: %v", session.ID, runErr)
		runnerErr = runErr.Error()
		h.writeData(sseWriter, model.EventError, model.ErrorData{ErrorMessage: runnerErr, ErrorType: "RunnerError", Recoverable: true})
	}

	stage := "complete"
	if paused {
		stage = "paused"
	}
	h.writeData(sseWriter, model.EventMetadata, model.MetadataData{
		SessionID:  session.ID,
		Stage:      stage,
		DurationMS: time.Since(start).Milliseconds(),
	})
	stopHeartbeat()
	sseWriter.Close()

	answer, _ := utils.ExtractAnswer(raw)
	h.record(session.ID, req.Query, answer, runnerErr)
}

// openSession 读取已有会话，不存在时以 query 为标题新建
func (h *ChatHandler) openSession(sessionID, query string) (*model.Session, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionID != "" {
		session, err := h.store.GetSession(sessionID)
		if err == nil {
			return session, false, nil
		}
		if !errors.Is(err, storage.ErrSessionNotFound) {
			return nil, false, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		Title:     truncateRunes(query, titleRunes),
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateSession(session); err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// record 把本轮的用户输入和回复追加到会话
func (h *ChatHandler) record(sessionID, query, answer, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	msgs := []model.Message{{
		ID: uuid.NewString(), SessionID: sessionID, Role: model.RoleUser,
		Content: query, IsThinkingComplete: true, Timestamp: now,
	}}
	if answer != "" {
		msgs = append(msgs, model.Message{
			ID: uuid.NewString(), SessionID: sessionID, Role: model.RoleAssistant,
			Content: answer, IsThinkingComplete: true, Timestamp: now,
		})
	}
	if errMsg != "" {
		msgs = append(msgs, model.Message{
			ID: uuid.NewString(), SessionID: sessionID, Role: model.RoleError,
			Content: errMsg, IsThinkingComplete: true, Timestamp: now,
		})
	}

	for i := range msgs {
		if err := h.store.AddMessage(sessionID, &msgs[i]); err != nil {
			logger.Errorf("Failed to record message for session %s: %v", sessionID, err)
			return
		}
	}
}

// heartbeat 定时写 SSE 注释，防止连接因空闲被代理断开
func (h *ChatHandler) heartbeat(ctx context.Context, w *utils.SSEWriter) func() {
	if h.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Comment("heartbeat"); err != nil {
					logger.Warnf("心跳发送失败: %v", err)
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	// 返回的函数等心跳 goroutine 退出后才返回，之后不会再有心跳写入
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

func (h *ChatHandler) writeData(w *utils.SSEWriter, t model.EventType, payload interface{}) error {
	rec, err := model.NewRecord(t, payload)
	if err != nil {
		return err
	}
	return w.WriteRecord(rec)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
