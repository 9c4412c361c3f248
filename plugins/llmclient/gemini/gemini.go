// Package gemini 基于 google.golang.org/genai 官方 SDK 的 LLM 客户端。
// 支持结构化输出（带外 json_schema 消息）、媒体引用（带外 file_uri 消息）、
// 显式缓存（带外 cache 消息）、token 计数与模型输入上限查询。
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"gembatch/pkg/contract"
)

// Options: Gemini API 客户端配置。
type Options struct {
	Model     string `json:"model"`       // 默认 gemini-2.0-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 120 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// 生成参数（可选）。
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	// JSON 输出 MIME：仅当 Prompt 携带 schema 时生效；为空则 application/json。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
	// 显式缓存 TTL（秒）。<=0 时采用默认 300。
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty"`
	// 上传后状态轮询：间隔（秒，默认 2）与最大次数（默认 30）。
	UploadPollSeconds  int `json:"upload_poll_seconds,omitempty"`
	UploadPollAttempts int `json:"upload_poll_attempts,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.0-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.CacheTTLSeconds <= 0 {
		o.CacheTTLSeconds = 300
	}
	if o.UploadPollSeconds <= 0 {
		o.UploadPollSeconds = 2
	}
	if o.UploadPollAttempts <= 0 {
		o.UploadPollAttempts = 30
	}
}

// Client 实现 contract.LLMClient 及 TokenSizer/MediaPreparer/CacheCreator 扩展。
type Client struct {
	gc       *genai.Client
	model    string
	timeout  time.Duration
	temp     *float32
	maxOut   int
	respMIME string
	cacheTTL time.Duration
	pollIvl  time.Duration
	pollMax  int

	limitOnce sync.Once
	limit     int
	limitErr  error
}

// New 从原样 JSON Options 创建客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, err
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrConfigInvalid)
	}
	gc, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client init: %w", err)
	}
	return &Client{
		gc:       gc,
		model:    opts.Model,
		timeout:  time.Duration(opts.TimeoutSeconds) * time.Second,
		temp:     opts.Temperature,
		maxOut:   opts.MaxOutputTokens,
		respMIME: opts.ResponseMIMEType,
		cacheTTL: time.Duration(opts.CacheTTLSeconds) * time.Second,
		pollIvl:  time.Duration(opts.UploadPollSeconds) * time.Second,
		pollMax:  opts.UploadPollAttempts,
	}, nil
}

// Invoke 执行一次生成调用。
// 截断（finish_reason=MAX_TOKENS）不是错误：置 Raw.Truncated 后连同部分文本返回；
// 429 映射为 ErrRateLimited（附带 API 建议等待秒数）；
// 输入超过模型 token 上限映射为 ErrInputTooLarge。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	contents, cfg, err := c.encodePrompt(p)
	if err != nil {
		return contract.Raw{}, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.gc.Models.GenerateContent(tctx, c.model, contents, cfg)
	if err != nil {
		return contract.Raw{}, classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	cand := resp.Candidates[0]
	var sb strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}
	raw := contract.Raw{
		Text:      sb.String(),
		Truncated: cand.FinishReason == genai.FinishReasonMaxTokens,
	}
	if resp.UsageMetadata != nil {
		raw.Usage = contract.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if raw.Text == "" && !raw.Truncated {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	return raw, nil
}

// CountTokens 按目标模型分词器计数 Prompt 的输入 token。
func (c *Client) CountTokens(ctx context.Context, p contract.Prompt) (int, error) {
	contents, _, err := c.encodePrompt(p)
	if err != nil {
		return 0, err
	}
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.gc.Models.CountTokens(tctx, c.model, contents, nil)
	if err != nil {
		return 0, classify(err)
	}
	return int(resp.TotalTokens), nil
}

// InputTokenLimit 查询模型文档化的输入 token 上限（进程内缓存一次）。
func (c *Client) InputTokenLimit(ctx context.Context) (int, error) {
	c.limitOnce.Do(func() {
		tctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		m, err := c.gc.Models.Get(tctx, c.model, nil)
		if err != nil {
			c.limitErr = classify(err)
			return
		}
		c.limit = int(m.InputTokenLimit)
	})
	return c.limit, c.limitErr
}

// PrepareMedia 上传本地媒体并轮询至 ACTIVE，返回文件 URI。
// 轮询有界：间隔 pollIvl、至多 pollMax 次，超限视为失败。
func (c *Client) PrepareMedia(ctx context.Context, m contract.MediaRef) (string, error) {
	f, err := c.gc.Files.UploadFromPath(ctx, m.Path, &genai.UploadFileConfig{MIMEType: m.MIMEType})
	if err != nil {
		return "", fmt.Errorf("gemini: upload %s: %w", m.Path, classify(err))
	}
	for i := 0; i < c.pollMax; i++ {
		switch f.State {
		case genai.FileStateActive:
			return f.URI, nil
		case genai.FileStateFailed:
			return "", fmt.Errorf("gemini: file %s processing failed: %w", f.Name, contract.ErrInvalidInput)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollIvl):
		}
		f, err = c.gc.Files.Get(ctx, f.Name, nil)
		if err != nil {
			return "", fmt.Errorf("gemini: poll %s: %w", f.Name, classify(err))
		}
	}
	return "", fmt.Errorf("gemini: file %s not active after %d polls: %w", f.Name, c.pollMax, contract.ErrInvalidInput)
}

// CreateCache 为重复前缀（system + 内容）创建显式缓存，返回缓存名。
func (c *Client) CreateCache(ctx context.Context, systemText, content string) (string, error) {
	cfg := &genai.CreateCachedContentConfig{
		Contents: []*genai.Content{genai.NewContentFromText(content, genai.RoleUser)},
		TTL:      c.cacheTTL,
	}
	if systemText != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemText, genai.RoleUser)
	}
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, err := c.gc.Caches.Create(tctx, c.model, cfg)
	if err != nil {
		return "", classify(err)
	}
	return cc.Name, nil
}

// encodePrompt 将 Prompt 转为 genai 调用形态。
// 带外消息就地消费：json_schema → 结构化输出；file_uri → 媒体 part；
// cache → GenerateContentConfig.CachedContent。
func (c *Client) encodePrompt(p contract.Prompt) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{}
	if c.temp != nil {
		cfg.Temperature = c.temp
	}
	if c.maxOut > 0 {
		cfg.MaxOutputTokens = int32(c.maxOut)
	}

	var contents []*genai.Content
	switch v := p.(type) {
	case contract.TextPrompt:
		contents = []*genai.Content{genai.NewContentFromText(string(v), genai.RoleUser)}
	case contract.ChatPrompt:
		var parts []*genai.Part
		for _, m := range v {
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case "system":
				if cfg.SystemInstruction == nil {
					cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
				}
			case "json_schema":
				if schema := parseSchema(m.Content); schema != nil {
					mime := c.respMIME
					if mime == "" {
						mime = "application/json"
					}
					cfg.ResponseMIMEType = mime
					cfg.ResponseSchema = schema
				}
			case "file_uri":
				uri, mimeType := splitURIMIME(m.Content)
				parts = append(parts, genai.NewPartFromURI(uri, mimeType))
			case "cache":
				cfg.CachedContent = m.Content
			case "assistant", "model":
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			default:
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	default:
		return nil, nil, contract.ErrInvalidInput
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("gemini: %w: empty prompt", contract.ErrInvalidInput)
	}
	return contents, cfg, nil
}

// splitURIMIME 解析 "uri" 或 "uri|mime" 形式的 file_uri 内容。
func splitURIMIME(s string) (string, string) {
	if i := strings.LastIndexByte(s, '|'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// parseSchema 将通用 JSON Schema 片段映射为 genai.Schema（type/items/properties/required）。
// 解析失败返回 nil（不启用结构化输出，不硬失败）。
func parseSchema(src string) *genai.Schema {
	var node schemaNode
	if err := json.Unmarshal([]byte(src), &node); err != nil {
		return nil
	}
	return node.toGenai()
}

type schemaNode struct {
	Type       string                 `json:"type"`
	Items      *schemaNode            `json:"items"`
	Properties map[string]*schemaNode `json:"properties"`
	Required   []string               `json:"required"`
}

func (n *schemaNode) toGenai() *genai.Schema {
	if n == nil || n.Type == "" {
		return nil
	}
	s := &genai.Schema{Type: genai.Type(strings.ToUpper(n.Type)), Required: n.Required}
	if n.Items != nil {
		s.Items = n.Items.toGenai()
	}
	if len(n.Properties) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(n.Properties))
		for k, v := range n.Properties {
			s.Properties[k] = v.toGenai()
		}
	}
	return s
}

// rateLimitError 实现 contract.UpstreamError 与 RetryHinter。
type rateLimitError struct {
	status int
	msg    string
	hint   float64
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg)
}
func (e *rateLimitError) Unwrap() error           { return contract.ErrRateLimited }
func (e *rateLimitError) UpstreamStatus() int     { return e.status }
func (e *rateLimitError) UpstreamMessage() string { return e.msg }
func (e *rateLimitError) RetryAfterHint() float64 { return e.hint }

// retryDelayRegex 匹配 "Please retry in Xs" 或 "retryDelay:Xs" 形式的建议等待。
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// extractRetryDelay 从 429 错误消息解析 API 建议的等待秒数；未找到返回 0。
func extractRetryDelay(msg string) float64 {
	m := retryDelayRegex.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0
	}
	sec, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return sec
}

// classify 将 SDK 错误映射为最小分类。
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return &rateLimitError{status: 429, msg: apiErr.Message, hint: extractRetryDelay(apiErr.Message)}
		case apiErr.Code == 400 && isTokenLimitMessage(apiErr.Message):
			return fmt.Errorf("gemini upstream 400: %s: %w", apiErr.Message, contract.ErrInputTooLarge)
		}
	}
	return err
}

// isTokenLimitMessage 识别“输入超过模型 token 上限”的 400 报文。
func isTokenLimitMessage(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "token") &&
		(strings.Contains(low, "exceed") || strings.Contains(low, "too large") || strings.Contains(low, "maximum"))
}

// 静态接口断言
var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.TokenSizer    = (*Client)(nil)
	_ contract.MediaPreparer = (*Client)(nil)
	_ contract.CacheCreator  = (*Client)(nil)
)
