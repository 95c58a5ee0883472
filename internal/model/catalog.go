package model

type AgentInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Handles     []string `json:"handles"`
	IsActive    bool     `json:"is_active"`
	Version     string   `json:"version"`
}

type AgentsListResponse struct {
	Status string      `json:"status"`
	Count  int         `json:"count"`
	Agents []AgentInfo `json:"agents"`
}

type AgentDetail struct {
	AgentInfo
	Parameters        map[string]string `json:"parameters"`
	SupportsStreaming bool              `json:"supports_streaming"`
}

type AgentDetailResponse struct {
	Status string      `json:"status"`
	Agent  AgentDetail `json:"agent"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Version      string `json:"version"`
	AgentsLoaded int    `json:"agents_loaded"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// ConversationExport 导出的完整会话
type ConversationExport struct {
	Session    SessionResponse `json:"session"`
	Messages   []Message       `json:"messages"`
	ExportedAt int64           `json:"exported_at"`
}
