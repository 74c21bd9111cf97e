package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
	// 风险判定只需要一段短 JSON。
	defaultMaxTokens = 512
	maxErrorBody     = 2048
)

// Config 描述 OpenAI 兼容 Chat Completions 端点。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Option 调整客户端。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// Client 通过 HTTP 调用 OpenAI 兼容接口。上游错误统一转换为协作方错误码，
// 调用方据此决定是否降级。
type Client struct {
	apiKey    string
	endpoint  string
	model     string
	maxTokens int
	hc        *http.Client
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []llm.Message   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	c := &Client{
		apiKey:    apiKey,
		endpoint:  base + "/chat/completions",
		model:     model,
		maxTokens: maxTokens,
		hc:        &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model 返回使用的模型名称。
func (c *Client) Model() string {
	return c.model
}

// Complete 发送一次补全请求并返回第一条候选内容。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUnavailable, "OpenAI 响应中没有候选结果")
	}
	choice := decoded.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeUnavailable, "OpenAI 响应内容为空",
			xerrors.WithMetadata("finish_reason", choice.FinishReason))
	}
	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return &llm.Response{Content: stripFence(content), Model: model}, nil
}

func (c *Client) encode(req llm.Request) ([]byte, error) {
	messages := make([]llm.Message, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, req.Messages...)
	if len(messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "OpenAI 请求缺少消息")
	}
	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   c.maxTokens,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return json.Marshal(body)
}

// statusError 把上游状态码映射为错误码：429 带 Retry-After，其余 5xx 与 4xx 视为不可用。
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	status := xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode))
	if resp.StatusCode == http.StatusTooManyRequests {
		opts := []xerrors.Option{status}
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
			opts = append(opts, xerrors.WithRetryAfter(time.Duration(secs)*time.Second))
		}
		return xerrors.New(xerrors.CodeRateLimited, msg, opts...)
	}
	if resp.StatusCode < http.StatusInternalServerError {
		return xerrors.New(xerrors.CodeUnavailable, msg, status, xerrors.WithRetryable(false))
	}
	return xerrors.New(xerrors.CodeUnavailable, msg, status)
}

// stripFence 去掉部分模型习惯包裹的 ```json 代码块。
func stripFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimPrefix(content, "json")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
