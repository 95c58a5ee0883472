// Package conversation folds stream events into an in-memory transcript.
//
// State is a value: every operation returns a new State and never mutates
// slices reachable from an earlier one, so callers can keep snapshots.
package conversation

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"easyagent-client/internal/model"
)

type TurnStatus string

const (
	TurnIdle      TurnStatus = ""
	TurnStreaming TurnStatus = "streaming"
	TurnPaused    TurnStatus = "paused"
	TurnDone      TurnStatus = "done"
	TurnFailed    TurnStatus = "failed"
)

// ErrNotPaused 只有处于暂停状态的轮次可以恢复
var ErrNotPaused = errors.New("turn is not paused")

// EventError 后端通过 error 事件报告的失败
type EventError struct {
	Message     string
	Type        string
	Recoverable bool
}

func (e *EventError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// Turn 一次用户提问及其正在累积的回复
type Turn struct {
	Query  string
	Reply  model.Message
	Status TurnStatus

	// 最终输出 delta 的原始 JSON 文本
	raw string
}

// Active 轮次仍可能收到事件（流式中或等待表单）
func (t Turn) Active() bool {
	return t.Status == TurnStreaming || t.Status == TurnPaused
}

type State struct {
	SessionID  string
	Title      string
	Transcript []model.Message
	Turn       Turn
}

// Outcome 单个事件折叠后需要告知调用方的结果
type Outcome struct {
	Changed        bool
	SessionAdopted string
	TitleChanged   string
	Paused         bool
	Done           bool
	Err            error
}

// Restore 用已持久化的会话重建状态，不包含打开的轮次
func Restore(session model.Session) State {
	return State{
		SessionID:  session.ID,
		Title:      session.Title,
		Transcript: slices.Clone(session.Messages),
	}
}

// Begin 关闭上一轮并为 query 打开新的一轮
func (s State) Begin(query string) State {
	s = s.closeTurn()
	now := time.Now()

	s.Transcript = append(slices.Clip(s.Transcript), model.Message{
		ID:                 uuid.NewString(),
		SessionID:          s.SessionID,
		Role:               model.RoleUser,
		Content:            query,
		IsThinkingComplete: true,
		Timestamp:          now,
	})
	s.Turn = Turn{
		Query:  query,
		Status: TurnStreaming,
		Reply: model.Message{
			ID:        uuid.NewString(),
			SessionID: s.SessionID,
			Role:      model.RoleAssistant,
			Timestamp: now,
		},
	}
	return s
}

// Resume 重新打开等待表单的轮次，后续事件继续写入同一条回复
func (s State) Resume() (State, error) {
	if s.Turn.Status != TurnPaused {
		return s, ErrNotPaused
	}
	s.Turn.Reply.IsFormSubmitted = true
	s.Turn.Reply.IsThinkingComplete = false
	s.Turn.Status = TurnStreaming
	s.Turn.raw = ""
	return s, nil
}

// Fail 以传输层错误结束当前轮次，并在记录中追加一条 error 消息
func (s State) Fail(err error) State {
	return s.fail(err.Error())
}

// Messages 返回完整记录，包括当前轮次的回复
func (s State) Messages() []model.Message {
	out := slices.Clone(s.Transcript)
	if s.Turn.Active() || s.Turn.Status == TurnDone {
		out = append(out, s.Turn.Reply)
	}
	return out
}

// Snapshot 转换为可持久化的会话
func (s State) Snapshot() model.Session {
	return model.Session{
		ID:       s.SessionID,
		Title:    s.Title,
		Messages: s.Messages(),
	}
}

func (s State) closeTurn() State {
	if s.Turn.Active() || s.Turn.Status == TurnDone {
		reply := s.Turn.Reply
		reply.IsThinkingComplete = true
		s.Transcript = append(slices.Clip(s.Transcript), reply)
	}
	s.Turn = Turn{}
	return s
}

func (s State) fail(message string) State {
	if s.Turn.Active() {
		reply := s.Turn.Reply
		reply.IsThinkingComplete = true
		if reply.Content != "" || len(reply.ThinkSteps) > 0 || reply.Form != nil {
			s.Transcript = append(slices.Clip(s.Transcript), reply)
		}
		s.Turn.Reply = reply
		s.Turn.Status = TurnFailed
	}
	s.Transcript = append(slices.Clip(s.Transcript), model.Message{
		ID:                 uuid.NewString(),
		SessionID:          s.SessionID,
		Role:               model.RoleError,
		Content:            message,
		IsThinkingComplete: true,
		Timestamp:          time.Now(),
	})
	return s
}
