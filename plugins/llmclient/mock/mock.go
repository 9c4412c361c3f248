// Package mock 提供无网络 LLM 客户端：解析 QA 提示词并产出确定性答案 JSON。
// 同时实现可脚本化的 TokenSizer 与尺寸信号（输入过大/输出截断），
// 供 Token 感知流程在本地联调。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gembatch/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// AnswerFromContent: 为 true 时，仅当问题与内容段存在词重叠才作答，
	// 否则产出占位 "N/A"（模拟跨块补答）。
	AnswerFromContent bool `json:"answer_from_content,omitempty"`
	// InputTokenLimit: 模拟的模型输入上限；>0 且估算超限时 Invoke 返回 ErrInputTooLarge。
	InputTokenLimit int `json:"input_token_limit,omitempty"`
	// TruncateOverQuestions: >0 且批内问题数超过该值时返回截断回复（Raw.Truncated）。
	TruncateOverQuestions int `json:"truncate_over_questions,omitempty"`
	// CharsPerToken: token 估算系数（字符/每 token），<=0 时默认 4。
	CharsPerToken int `json:"chars_per_token,omitempty"`
}

// Client 实现 contract.LLMClient 与 contract.TokenSizer。
type Client struct {
	prefix      string
	fromContent bool
	limit       int
	truncOver   int
	cpt         int
}

// New 从原样 JSON Options 创建客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	cpt := o.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	return &Client{
		prefix:      o.Prefix,
		fromContent: o.AnswerFromContent,
		limit:       o.InputTokenLimit,
		truncOver:   o.TruncateOverQuestions,
		cpt:         cpt,
	}, nil
}

var questionLine = regexp.MustCompile(`(?m)^\d+\. (.+)$`)

// Invoke 解析 QA 提示词并产出严格 JSON 字符串数组。
// 尺寸信号按配置模拟：超限输入返回 ErrInputTooLarge；问题过多返回截断回复。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	user := userText(p)
	questions := questionLine.FindAllStringSubmatch(user, -1)
	if len(questions) == 0 {
		return contract.Raw{}, fmt.Errorf("mock: no question list in prompt: %w", contract.ErrInvalidInput)
	}
	tokens, _ := c.CountTokens(ctx, p)
	if c.limit > 0 && tokens > c.limit {
		return contract.Raw{}, fmt.Errorf("mock: input of %d tokens exceeds limit %d: %w",
			tokens, c.limit, contract.ErrInputTooLarge)
	}
	if c.truncOver > 0 && len(questions) > c.truncOver {
		return contract.Raw{Text: "", Truncated: true, Usage: contract.Usage{InputTokens: tokens}}, nil
	}
	content := contentSection(user)
	answers := make([]string, len(questions))
	for i, q := range questions {
		qt := q[1]
		if c.fromContent && !overlaps(qt, content) {
			answers[i] = contract.NoAnswer
			continue
		}
		answers[i] = c.prefix + ": " + qt
	}
	bts, _ := json.Marshal(answers)
	return contract.Raw{
		Text:  string(bts),
		Usage: contract.Usage{InputTokens: tokens, OutputTokens: len(bts) / c.cpt},
	}, nil
}

// CountTokens 以字符近似：ceil(总字符数/CharsPerToken)。
func (c *Client) CountTokens(_ context.Context, p contract.Prompt) (int, error) {
	n := 0
	switch v := p.(type) {
	case contract.TextPrompt:
		n = len(v)
	case contract.ChatPrompt:
		for _, m := range v {
			n += len(m.Content)
		}
	default:
		return 0, contract.ErrInvalidInput
	}
	return (n + c.cpt - 1) / c.cpt, nil
}

// InputTokenLimit 返回配置的模拟上限；未配置时视为充分大。
func (c *Client) InputTokenLimit(_ context.Context) (int, error) {
	if c.limit > 0 {
		return c.limit, nil
	}
	return 1_000_000, nil
}

// userText 提取 user 消息正文。
func userText(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return string(v)
	case contract.ChatPrompt:
		var sb strings.Builder
		for _, m := range v {
			if strings.EqualFold(m.Role, "user") {
				sb.WriteString(m.Content)
			}
		}
		return sb.String()
	}
	return ""
}

// contentSection 提取 "Content:" 与问题区之间的内容段。
func contentSection(user string) string {
	s := user
	if i := strings.Index(s, "Content:"); i >= 0 {
		s = s[i+len("Content:"):]
	}
	if i := strings.Index(s, "There are "); i >= 0 {
		s = s[:i]
	}
	return s
}

// overlaps 报告问题与内容段是否存在长度 >=4 的共享词（大小写不敏感）。
func overlaps(question, content string) bool {
	low := strings.ToLower(content)
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.Trim(w, ".,?!:;\"'")
		if len(w) >= 4 && strings.Contains(low, w) {
			return true
		}
	}
	return false
}

// 静态接口断言
var (
	_ contract.LLMClient  = (*Client)(nil)
	_ contract.TokenSizer = (*Client)(nil)
)
