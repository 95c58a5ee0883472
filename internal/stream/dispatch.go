package stream

import (
	"context"
	"errors"
	"io"
)

// Run 读取事件流并依次分发给 h，直到 [DONE]、读取失败或 ctx 取消。
// 事件严格按到达顺序同步处理。
func Run(ctx context.Context, r io.Reader, h Handler) (Stats, error) {
	d := NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return d.Stats(), err
		}

		ev, err := d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return d.Stats(), nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return d.Stats(), ctxErr
			}
			return d.Stats(), err
		}

		if err := ctx.Err(); err != nil {
			return d.Stats(), err
		}
		ev.Accept(h)
		if ev.Kind() == KindDone {
			return d.Stats(), nil
		}
	}
}

// HandlerFuncs 用可选回调实现 Handler，未设置的回调直接忽略
type HandlerFuncs struct {
	Delta      func(Delta)
	AgentStart func(AgentStart)
	AgentEnd   func(AgentEnd)
	Message    func(Message)
	Pause      func(Pause)
	Metadata   func(Metadata)
	Error      func(Error)
	Done       func()
}

var _ Handler = HandlerFuncs{}

func (f HandlerFuncs) OnDelta(e Delta) {
	if f.Delta != nil {
		f.Delta(e)
	}
}

func (f HandlerFuncs) OnAgentStart(e AgentStart) {
	if f.AgentStart != nil {
		f.AgentStart(e)
	}
}

func (f HandlerFuncs) OnAgentEnd(e AgentEnd) {
	if f.AgentEnd != nil {
		f.AgentEnd(e)
	}
}

func (f HandlerFuncs) OnMessage(e Message) {
	if f.Message != nil {
		f.Message(e)
	}
}

func (f HandlerFuncs) OnPause(e Pause) {
	if f.Pause != nil {
		f.Pause(e)
	}
}

func (f HandlerFuncs) OnMetadata(e Metadata) {
	if f.Metadata != nil {
		f.Metadata(e)
	}
}

func (f HandlerFuncs) OnError(e Error) {
	if f.Error != nil {
		f.Error(e)
	}
}

func (f HandlerFuncs) OnDone() {
	if f.Done != nil {
		f.Done()
	}
}
