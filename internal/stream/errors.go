package stream

import (
	"errors"
	"fmt"
)

// ErrUnknownEventType 记录的 type 不在协议定义内，调用方应记录并忽略
var ErrUnknownEventType = errors.New("unknown event type")

// MalformedEventError 单行 data 负载无法解析，流继续读取
type MalformedEventError struct {
	Payload string
	Err     error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %v", truncate(e.Payload, 120), e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// StreamError 读取响应体过程中的传输错误，当前轮次终止
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream read failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
