package stream

import (
	"encoding/json"
	"fmt"

	"easyagent-client/internal/model"
)

// KindDone 流结束事件，对应 data: [DONE]
const KindDone model.EventType = "done"

// Event 协议事件的封闭集合，只有本包内的类型实现它
type Event interface {
	Kind() model.EventType
	Accept(h Handler)
}

// Handler 每种事件一个方法，新增事件类型时所有实现都必须同步修改
type Handler interface {
	OnDelta(Delta)
	OnAgentStart(AgentStart)
	OnAgentEnd(AgentEnd)
	OnMessage(Message)
	OnPause(Pause)
	OnMetadata(Metadata)
	OnError(Error)
	OnDone()
}

type Delta struct{ model.DeltaData }

type AgentStart struct{ model.AgentStartData }

type AgentEnd struct{ model.AgentEndData }

type Message struct{ model.MessageData }

type Pause struct {
	model.PauseData
	Raw json.RawMessage
}

type Metadata struct{ model.MetadataData }

type Error struct{ model.ErrorData }

type Done struct{}

func (Delta) Kind() model.EventType      { return model.EventDelta }
func (AgentStart) Kind() model.EventType { return model.EventAgentStart }
func (AgentEnd) Kind() model.EventType   { return model.EventAgentEnd }
func (Message) Kind() model.EventType    { return model.EventMessage }
func (Pause) Kind() model.EventType      { return model.EventPause }
func (Metadata) Kind() model.EventType   { return model.EventMetadata }
func (Error) Kind() model.EventType      { return model.EventError }
func (Done) Kind() model.EventType       { return KindDone }

func (e Delta) Accept(h Handler)      { h.OnDelta(e) }
func (e AgentStart) Accept(h Handler) { h.OnAgentStart(e) }
func (e AgentEnd) Accept(h Handler)   { h.OnAgentEnd(e) }
func (e Message) Accept(h Handler)    { h.OnMessage(e) }
func (e Pause) Accept(h Handler)      { h.OnPause(e) }
func (e Metadata) Accept(h Handler)   { h.OnMetadata(e) }
func (e Error) Accept(h Handler)      { h.OnError(e) }
func (Done) Accept(h Handler)         { h.OnDone() }

// Decode 把一条记录转换为类型化事件
func Decode(rec model.Record) (Event, error) {
	switch rec.Type {
	case model.EventDelta:
		return decodeAs(rec, func(d model.DeltaData) Event { return Delta{d} })
	case model.EventAgentStart:
		return decodeAs(rec, func(d model.AgentStartData) Event { return AgentStart{d} })
	case model.EventAgentEnd:
		return decodeAs(rec, func(d model.AgentEndData) Event { return AgentEnd{d} })
	case model.EventMessage:
		return decodeAs(rec, func(d model.MessageData) Event { return Message{d} })
	case model.EventPause:
		return decodeAs(rec, func(d model.PauseData) Event { return Pause{PauseData: d, Raw: rec.Data} })
	case model.EventMetadata:
		return decodeAs(rec, func(d model.MetadataData) Event {
			// 原始后端把 stage 放在记录级 metadata 中
			if d.Stage == "" {
				d.Stage, _ = rec.Metadata["stage"].(string)
			}
			if d.SessionID == "" {
				d.SessionID, _ = rec.Metadata["session_id"].(string)
			}
			return Metadata{d}
		})
	case model.EventError:
		return decodeAs(rec, func(d model.ErrorData) Event { return Error{d} })
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, rec.Type)
	}
}

func decodeAs[T any](rec model.Record, wrap func(T) Event) (Event, error) {
	var data T
	if err := unmarshalData(rec, &data); err != nil {
		return nil, err
	}
	return wrap(data), nil
}

func unmarshalData(rec model.Record, v interface{}) error {
	if len(rec.Data) == 0 || string(rec.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", rec.Type, err)
	}
	return nil
}
