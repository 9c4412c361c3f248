// Package flaky 提供带状态的调试客户端：按调用次数依次产出
// 限流错误 → 无法解析的回复 → 正常 QA 答案，覆盖引擎的重试与失败路径。
package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"gembatch/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// RetryHintSec: 首次限流错误附带的建议等待秒数（0 表示不附带）。
	RetryHintSec float64 `json:"retry_hint_sec,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现：
// 第一次 Invoke 返回 ErrRateLimited；
// 第二次返回无法解析的 JSON；
// 之后返回正常答案数组。
type Client struct {
	prefix  string
	hint    float64
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	return &Client{prefix: o.Prefix, hint: o.RetryHintSec, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

// hintedRateLimit 附带建议等待的限流错误。
type hintedRateLimit struct{ sec float64 }

func (e *hintedRateLimit) Error() string          { return fmt.Sprintf("flaky: rate limited, retry in %.0fs", e.sec) }
func (e *hintedRateLimit) Unwrap() error          { return contract.ErrRateLimited }
func (e *hintedRateLimit) RetryAfterHint() float64 { return e.sec }

var questionLine = regexp.MustCompile(`(?m)^\d+\. (.+)$`)

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		if c.hint > 0 {
			return contract.Raw{}, &hintedRateLimit{sec: c.hint}
		}
		return contract.Raw{}, contract.ErrRateLimited
	case 2:
		c.log("invalid_json")
		return contract.Raw{Text: "invalid"}, nil
	default:
		c.log("ok")
		questions := questionLine.FindAllStringSubmatch(promptText(p), -1)
		if len(questions) == 0 {
			return contract.Raw{}, fmt.Errorf("flaky: no question list in prompt: %w", contract.ErrInvalidInput)
		}
		answers := make([]string, len(questions))
		for i, q := range questions {
			answers[i] = c.prefix + ": " + q[1]
		}
		bts, _ := json.Marshal(answers)
		return contract.Raw{Text: string(bts)}, nil
	}
}

func promptText(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return string(v)
	case contract.ChatPrompt:
		out := ""
		for _, m := range v {
			out += m.Content + "\n"
		}
		return out
	}
	return ""
}

var _ contract.LLMClient = (*Client)(nil)
var _ contract.RetryHinter = (*hintedRateLimit)(nil)
