package model

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// ThinkStep 一个 Agent 在本轮中的参与记录
type ThinkStep struct {
	AgentName string `json:"agent_name"`
	Reason    string `json:"reason,omitempty"`
	Task      string `json:"task,omitempty"`
}

type Message struct {
	ID                 string          `json:"id"`
	SessionID          string          `json:"session_id,omitempty"`
	Role               Role            `json:"role"`
	Content            string          `json:"content"`
	ThinkSteps         []ThinkStep     `json:"think_steps,omitempty"`
	Form               *FormDescriptor `json:"form,omitempty"`
	PausePayload       json.RawMessage `json:"pause_payload,omitempty"`
	IsThinkingComplete bool            `json:"is_thinking_complete"`
	IsFormSubmitted    bool            `json:"is_form_submitted"`
	Timestamp          time.Time       `json:"timestamp"`
}

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

func (s *Session) Summary() SessionResponse {
	return SessionResponse{
		SessionID:    s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
	}
}
