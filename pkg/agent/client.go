// Package agent provides a streaming client for the hosted retrieval agent.
package agent

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

	"teki-go/internal/config"
)

// ErrMissingCredentials 表示 app id、api key 或 agent id 至少有一项未配置。
var ErrMissingCredentials = errors.New("credenciais do Algolia nao configuradas. Verifique as configuracoes.")

// RequestError 表示 Agent 服务返回了非 2xx 状态码。
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("Algolia Agent Studio error (%d): %s", e.StatusCode, e.Body)
}

// Message 表示一条角色消息，Role 为 "user" 或 "assistant"。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagePart struct {
	Text string `json:"text"`
}

type agentMessage struct {
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

type completionRequest struct {
	Messages []agentMessage `json:"messages"`
}

// Client 调用 Agent 的 completions 接口。
type Client struct {
	cfg        config.AgentConfig
	httpClient *http.Client
}

// NewClient 根据配置创建 Client。cfg.Timeout 为 0 时不设置整体超时。
func NewClient(cfg config.AgentConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured 判断三项凭证是否都已配置。
func (c *Client) Configured() bool {
	return c.cfg.AppID != "" && c.cfg.APIKey != "" && c.cfg.AgentID != ""
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.algolia.net/agent-studio/1", c.cfg.AppID)
	}
	return fmt.Sprintf("%s/agents/%s/completions?stream=true&compatibilityMode=ai-sdk-5",
		base, url.PathEscape(c.cfg.AgentID))
}

// SendMessage 发送完整的对话历史并返回增量文本流。
// agentCtx 非空时，上下文块只会加在最后一条 user 消息之前。调用方必须关闭返回的 Stream。
func (c *Client) SendMessage(ctx context.Context, messages []Message, agentCtx *Context) (*Stream, error) {
	if !c.Configured() {
		return nil, ErrMissingCredentials
	}

	reqBytes, err := json.Marshal(completionRequest{Messages: toAgentMessages(messages, agentCtx)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-algolia-application-id", c.cfg.AppID)
	req.Header.Set("X-Algolia-API-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call agent api: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	return newStream(resp.Body), nil
}

// toAgentMessages 转换为 {role, parts:[{text}]} 格式，并在最后一条 user 消息前加上上下文块。
func toAgentMessages(messages []Message, agentCtx *Context) []agentMessage {
	block := BuildContextBlock(agentCtx)

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}

	out := make([]agentMessage, 0, len(messages))
	for i, m := range messages {
		text := m.Content
		if i == lastUser && block != "" {
			text = block + "\n\n" + m.Content
		}
		out = append(out, agentMessage{Role: m.Role, Parts: []messagePart{{Text: text}}})
	}
	return out
}
