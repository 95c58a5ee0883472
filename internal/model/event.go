package model

import "encoding/json"

// EventType SSE 记录的类型标签
type EventType string

const (
	EventDelta      EventType = "delta"
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"
	EventMessage    EventType = "message"
	EventPause      EventType = "pause"
	EventMetadata   EventType = "metadata"
	EventError      EventType = "error"
)

// DoneSentinel 流结束标记，data 行内容等于它时流正常结束
const DoneSentinel = "[DONE]"

// Record 一条 SSE data 记录
type Record struct {
	Type     EventType              `json:"type"`
	Data     json.RawMessage        `json:"data,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewRecord 序列化 payload 构造记录
func NewRecord(t EventType, payload interface{}) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}
	return Record{Type: t, Data: data}, nil
}

type DeltaData struct {
	Content       string `json:"content"`
	FinishReason  string `json:"finish_reason,omitempty"`
	IsFinalOutput bool   `json:"is_final_output"`
	AgentName     string `json:"agent_name,omitempty"`
}

type AgentStartData struct {
	AgentName        string `json:"agent_name"`
	AgentDescription string `json:"agent_description,omitempty"`
}

type AgentEndData struct {
	AgentName            string   `json:"agent_name"`
	Status               string   `json:"status,omitempty"`
	NextAgent            string   `json:"next_agent,omitempty"`
	AgentSelectionReason string   `json:"agent_selection_reason,omitempty"`
	TaskList             []string `json:"task_list,omitempty"`
}

// MessageData Agent 返回的完整结构化消息
type MessageData struct {
	Status               string          `json:"status,omitempty"`
	TaskList             []string        `json:"task_list,omitempty"`
	Data                 json.RawMessage `json:"data,omitempty"`
	NextAgent            string          `json:"next_agent,omitempty"`
	AgentSelectionReason string          `json:"agent_selection_reason,omitempty"`
	Message              string          `json:"message,omitempty"`
}

// PauseData 暂停事件，context 中的条目可能携带 data.form_config
type PauseData struct {
	Context   []json.RawMessage `json:"context"`
	Message   string            `json:"message,omitempty"`
	AgentName string            `json:"agent_name,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

type MetadataData struct {
	SessionID    string `json:"session_id,omitempty"`
	Title        string `json:"title,omitempty"`
	TitleUpdated bool   `json:"title_updated,omitempty"`
	Stage        string `json:"stage,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

type ErrorData struct {
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`
}

// FormDescriptor 后端下发的动态表单描述，客户端只透传和渲染
type FormDescriptor struct {
	FormType        string      `json:"form_type,omitempty" yaml:"form_type"`
	FormTitle       string      `json:"form_title,omitempty" yaml:"form_title"`
	FormDescription string      `json:"form_description,omitempty" yaml:"form_description"`
	Fields          []FormField `json:"fields" yaml:"fields"`
}

type FormField struct {
	FieldName   string      `json:"field_name" yaml:"field_name"`
	FieldType   string      `json:"field_type" yaml:"field_type"`
	Label       string      `json:"label,omitempty" yaml:"label"`
	Required    bool        `json:"required,omitempty" yaml:"required"`
	Options     []string    `json:"options,omitempty" yaml:"options"`
	Placeholder string      `json:"placeholder,omitempty" yaml:"placeholder"`
	Default     interface{} `json:"default,omitempty" yaml:"default"`

	// 仅 table 类型使用
	Columns []FormColumn `json:"columns,omitempty" yaml:"columns"`
	MinRows int          `json:"min_rows,omitempty" yaml:"min_rows"`
	MaxRows int          `json:"max_rows,omitempty" yaml:"max_rows"`
}

type FormColumn struct {
	Header string `json:"header" yaml:"header"`
	Field  string `json:"field" yaml:"field"`
	Type   string `json:"type,omitempty" yaml:"type"`
}
