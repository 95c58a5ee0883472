package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"easyagent-client/internal/config"
	"easyagent-client/internal/model"
	"easyagent-client/pkg/logger"
)

const openAIAgentName = "general_agent"

// OpenAIRunner 把 OpenAI 兼容接口的流式输出包装成协议记录，不会暂停
type OpenAIRunner struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIRunner(cfg config.OpenAIConfig) *OpenAIRunner {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIRunner{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Agents 唯一参与对话的 Agent
func (r *OpenAIRunner) Agents() []string {
	return []string{openAIAgentName}
}

func (r *OpenAIRunner) Pending(string) bool {
	return false
}

func (r *OpenAIRunner) Run(ctx context.Context, req RunRequest, emit Emit) error {
	if req.Resume {
		return ErrNoPendingPause
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: r.convertMessages(req.History, req.Query),
		Stream:   true,
	}
	if req.Params.Temperature != nil {
		chatReq.Temperature = float32(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		chatReq.TopP = float32(*req.Params.TopP)
	}
	if req.Params.TopK != nil {
		logger.Debugf("top_k=%d is not supported by the OpenAI API, ignored", *req.Params.TopK)
	}

	if err := emitData(emit, model.EventAgentStart, model.AgentStartData{
		AgentName:        openAIAgentName,
		AgentDescription: "general purpose assistant",
	}); err != nil {
		return err
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("create chat completion stream: %w", err)
	}
	defer stream.Close()

	// 最终输出是一个逐段写出的 {"status":..., "data":{"answer":"..."}} 文档
	if err := r.final(emit, `{"status":"success","data":{"answer":"`); err != nil {
		return err
	}

	finishReason := ""
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("receive chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		if err := r.final(emit, escapeJSON(choice.Delta.Content)); err != nil {
			return err
		}
	}

	if err := emitData(emit, model.EventDelta, model.DeltaData{
		Content:       `"}}`,
		IsFinalOutput: true,
		FinishReason:  finishReason,
		AgentName:     openAIAgentName,
	}); err != nil {
		return err
	}

	return emitData(emit, model.EventAgentEnd, model.AgentEndData{
		AgentName:            openAIAgentName,
		Status:               "success",
		AgentSelectionReason: "answered directly by the language model",
		TaskList:             []string{req.Query},
	})
}

func (r *OpenAIRunner) final(emit Emit, content string) error {
	return emitData(emit, model.EventDelta, model.DeltaData{
		Content:       content,
		IsFinalOutput: true,
		AgentName:     openAIAgentName,
	})
}

// escapeJSON 返回 s 作为 JSON 字符串内容时的转义形式（不含两端引号）
func escapeJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// 消息格式转换，error 角色的记录不发给模型
func (r *OpenAIRunner) convertMessages(history []model.Message, query string) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if r.systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: r.systemPrompt,
		})
	}

	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case model.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case model.RoleAssistant:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content})
		}
	}

	return append(result, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: query,
	})
}
