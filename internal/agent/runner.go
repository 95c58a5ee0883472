// Package agent produces protocol records for the development backend.
// Runners stand in for the real multi-agent pipeline: they emit agent
// lifecycle events, streamed final output and, for scripted scenarios,
// pauses that wait for a submitted form.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"easyagent-client/internal/model"
)

// ErrNoPendingPause 会话没有等待表单的暂停点
var ErrNoPendingPause = errors.New("session has no pending pause")

// Emit 把一条记录写到响应流
type Emit func(model.Record) error

type RunRequest struct {
	SessionID string
	Query     string
	// Resume 为 true 时 Query 是序列化后的表单值
	Resume  bool
	Params  model.LLMParams
	History []model.Message
}

type Runner interface {
	Run(ctx context.Context, req RunRequest, emit Emit) error
	// Pending 会话是否停在暂停点上
	Pending(sessionID string) bool
}

// Reloader 可以重新加载定义的 Runner
type Reloader interface {
	Reload() error
}

func emitData(emit Emit, t model.EventType, payload interface{}) error {
	rec, err := model.NewRecord(t, payload)
	if err != nil {
		return err
	}
	return emit(rec)
}

// answerDocument 最终输出使用的 JSON 文档，客户端从中提取 answer 字段
func answerDocument(answer string) string {
	doc, _ := json.Marshal(map[string]interface{}{
		"status": "success",
		"data":   map[string]string{"answer": answer},
	})
	return string(doc)
}

// chunk 按 rune 切分文本，模拟模型逐段输出
func chunk(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
