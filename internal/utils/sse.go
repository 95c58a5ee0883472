package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"easyagent-client/internal/model"
)

// SSEWriter 可被心跳 goroutine 与主流程并发使用
type SSEWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w}
}

func (s *SSEWriter) Write(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	s.flush()
	return nil
}

// WriteRecord 以 data: <json> 的形式写出一条协议记录
func (s *SSEWriter) WriteRecord(record model.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.Write("", string(data))
}

// Comment 写出 SSE 注释行（心跳），客户端会把它当作噪声丢弃
func (s *SSEWriter) Comment(text string) error {
	text = strings.ReplaceAll(text, "\n", " ")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) Close() error {
	return s.Write("", model.DoneSentinel)
}

func (s *SSEWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
