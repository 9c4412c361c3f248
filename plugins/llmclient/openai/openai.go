// Package openai 提供 OpenAI 兼容的 chat/completions 客户端。
// 许多自建推理网关暴露此协议；QA 提示词与 JSON 答案数组格式与 Gemini 客户端一致，
// 因此可作为替换供应商直接参与批处理运行。
// 媒体与缓存为 Gemini 专属能力，本客户端遇到对应的带外消息时拒绝调用。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gembatch/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_output_tokens,omitempty"` // 回复上限；0 表示不限制
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等兼容服务）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
}

// Client 实现 contract.LLMClient。
type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	temp        *float64
	maxTokens   int
	model       string
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: missing api key: %w", contract.ErrConfigInvalid)
	}
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 60
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// 解析 URL：允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		path := strings.TrimLeft(opts.EndpointPath, "/")
		fullURL = base + "/" + path
	}
	return &Client{
		hc:          hc,
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		maxTokens:   opts.MaxTokens,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}
type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// OpenAI response_format（最小子集）。
// 提示词携带 schema 时设置 type=json_schema 以强制结构化 JSON 输出。
type oaResponseFormat struct {
	Type       string        `json:"type"` // "json_object" or "json_schema"
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

// upstreamError 实现 net.Error 与 contract.UpstreamError：
// 将 HTTP 上游 5xx/408 映射为网络类错误，便于分类与重试。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// hintedRateLimit 携带 Retry-After 建议的限流错误。
type hintedRateLimit struct{ sec float64 }

func (e *hintedRateLimit) Error() string {
	return fmt.Sprintf("openai: rate limited, retry in %.0fs", e.sec)
}
func (e *hintedRateLimit) Unwrap() error           { return contract.ErrRateLimited }
func (e *hintedRateLimit) RetryAfterHint() float64 { return e.sec }

// splitPrompt 分离带外消息：提取 json_schema，拒绝 Gemini 专属的 file_uri/cache。
func splitPrompt(p contract.Prompt) (contract.Prompt, json.RawMessage, error) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil, nil
	}
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "json_schema":
			var raw json.RawMessage
			if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				schema = raw
			}
		case "file_uri", "cache":
			return nil, nil, fmt.Errorf("openai: %s prompts are not supported by this provider: %w",
				m.Role, contract.ErrInvalidInput)
		default:
			out = append(out, m)
		}
	}
	return out, schema, nil
}

func (c *Client) encodePrompt(p contract.Prompt, rf *oaResponseFormat) ([]byte, error) {
	var req oaReq
	req.Model = c.model
	req.Temperature = c.temp
	req.MaxTokens = c.maxTokens
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if rf != nil {
		req.ResponseFormat = rf
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。
// finish_reason == "length" 映射为截断回复（Raw.Truncated），供 token 感知流程二分问题。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	pp, schema, err := splitPrompt(p)
	if err != nil {
		return contract.Raw{}, err
	}
	var rf *oaResponseFormat
	if len(schema) > 0 {
		rf = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "answers", Schema: schema, Strict: true}}
	}
	body, err := c.encodePrompt(pp, rf)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if sec := retryAfterSeconds(resp.Header.Get("Retry-After")); sec > 0 {
			return contract.Raw{}, &hintedRateLimit{sec: sec}
		}
		return contract.Raw{}, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		// 分类：413 与上下文超限语义映射为输入过大；408/5xx 视为网络；其余 4xx 为输入无效
		if resp.StatusCode == http.StatusRequestEntityTooLarge || contextOverflow(msg) {
			return contract.Raw{}, fmt.Errorf("openai upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInputTooLarge)
		}
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return contract.Raw{}, fmt.Errorf("openai upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	choice := or.Choices[0]
	raw := contract.Raw{
		Text:      choice.Message.Content,
		Truncated: strings.EqualFold(choice.FinishReason, "length"),
		Usage: contract.Usage{
			InputTokens:  or.Usage.PromptTokens,
			OutputTokens: or.Usage.CompletionTokens,
		},
	}
	if raw.Text == "" && !raw.Truncated {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	return raw, nil
}

// retryAfterSeconds 解析 Retry-After 头（仅秒数形式）。
func retryAfterSeconds(v string) float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
		return n
	}
	return 0
}

// contextOverflow 识别兼容服务常见的上下文超限错误文案。
func contextOverflow(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "context_length_exceeded") ||
		strings.Contains(low, "maximum context length")
}

var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.UpstreamError = upstreamError{}
	_ contract.RetryHinter   = (*hintedRateLimit)(nil)
)
