package model

// ChatRequest 流式聊天与恢复接口共用的请求体
type ChatRequest struct {
	Query       string   `json:"query" binding:"required"`
	Stream      bool     `json:"stream"`
	SessionID   *string  `json:"session_id"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
}

// LLMParams 调用方可选的采样参数
type LLMParams struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
}

// NewChatRequest 构造流式请求，sessionID 为空时序列化为 null
func NewChatRequest(query, sessionID string, params LLMParams) ChatRequest {
	req := ChatRequest{
		Query:       query,
		Stream:      true,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
	}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	return req
}

// Session 返回请求携带的会话ID，没有时返回空串
func (r ChatRequest) Session() string {
	if r.SessionID == nil {
		return ""
	}
	return *r.SessionID
}

type UpdateTitleRequest struct {
	Title string `json:"title" binding:"required"`
}
