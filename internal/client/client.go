// Package client talks to the chat backend over HTTP: streaming chat and
// resume requests plus the agent catalog and conversation REST endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"easyagent-client/internal/config"
	"easyagent-client/internal/model"
	"easyagent-client/internal/utils"
	"easyagent-client/pkg/logger"
)

const maxErrorBody = 512

type Client struct {
	baseURL    string
	streamPath string
	resumePath string
	attempts   uint
	delay      time.Duration

	rest   *http.Client
	stream *http.Client
}

func New(cfg config.ClientConfig) *Client {
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	streamPath, resumePath := cfg.StreamPath, cfg.ResumePath
	if streamPath == "" {
		streamPath = "/chat/stream"
	}
	if resumePath == "" {
		resumePath = "/chat/resume"
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		streamPath: streamPath,
		resumePath: resumePath,
		attempts:   attempts,
		delay:      cfg.RetryDelay,
		rest:       utils.NewHTTPClient(cfg.RequestTimeout),
		// 流式响应可能持续数分钟，不设整体超时，由 ctx 控制
		stream: utils.NewHTTPClient(0),
	}
}

// Stream 打开新一轮对话的事件流
func (c *Client) Stream(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error) {
	return c.OpenStream(ctx, c.streamPath, req)
}

// Resume 携带表单数据继续一个暂停的会话
func (c *Client) Resume(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error) {
	return c.OpenStream(ctx, c.resumePath, req)
}

// OpenStream POST 请求并返回 text/event-stream 响应体，调用方负责关闭。
// 流式请求不重试，失败直接以 *NetworkError 返回。
func (c *Client) OpenStream(ctx context.Context, path string, req model.ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	target := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Method: http.MethodPost, URL: target, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	logger.Debugf("Opening stream %s (session=%q)", target, req.Session())

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Method: http.MethodPost, URL: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(http.MethodPost, target, resp)
	}
	return resp.Body, nil
}

func statusError(method, target string, resp *http.Response) *NetworkError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &NetworkError{
		Method:     method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       errorMessage(snippet),
	}
}

// errorMessage 优先取后端 ErrorResponse 中的 message/detail
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.Message != "":
			return e.Message
		case e.Detail != "":
			return e.Detail
		case e.Error != "":
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// doJSON 发送 REST 请求并把响应解码进 out；GET 请求在临时失败时重试
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	target := c.baseURL + path
	attempt := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.rest.Do(req)
		if err != nil {
			return &NetworkError{Method: method, URL: target, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(method, target, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	}

	if method != http.MethodGet {
		return attempt()
	}

	return retry.Do(
		attempt,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var netErr *NetworkError
			return errors.As(err, &netErr) && netErr.Temporary() && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf("GET %s failed (attempt %d/%d): %v", target, n+1, c.attempts, err)
		}),
	)
}

func (c *Client) Health(ctx context.Context) (*model.HealthResponse, error) {
	var resp model.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListAgents(ctx context.Context) (*model.AgentsListResponse, error) {
	var resp model.AgentsListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/agents", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetAgent(ctx context.Context, name string) (*model.AgentDetail, error) {
	var resp model.AgentDetailResponse
	if err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

// ReloadAgents 让后端重新加载 Agent 目录
func (c *Client) ReloadAgents(ctx context.Context) (*model.AgentsListResponse, error) {
	var resp model.AgentsListResponse
	if err := c.doJSON(ctx, http.MethodPost, "/agents/reload", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]model.SessionResponse, error) {
	var resp model.SessionListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) SearchConversations(ctx context.Context, query string) ([]model.SessionResponse, error) {
	var resp model.SessionListResponse
	path := "/conversations/search?q=" + url.QueryEscape(query)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) GetConversation(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	if err := c.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) UpdateConversationTitle(ctx context.Context, sessionID, title string) (*model.SessionResponse, error) {
	var resp model.SessionResponse
	body := model.UpdateTitleRequest{Title: title}
	if err := c.doJSON(ctx, http.MethodPut, "/conversations/"+url.PathEscape(sessionID), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteConversation(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) ExportConversation(ctx context.Context, sessionID string) (*model.ConversationExport, error) {
	var export model.ConversationExport
	path := "/conversations/" + url.PathEscape(sessionID) + "/export"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &export); err != nil {
		return nil, err
	}
	return &export, nil
}
