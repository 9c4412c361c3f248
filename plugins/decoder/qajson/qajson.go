// Package qajson 解码批量问答回复：严格 JSON 字符串数组，
// 与批内问题一一对应。容忍模型包裹的 Markdown 代码围栏，其余偏差视为协议无效。
package qajson

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gembatch/pkg/contract"
)

// Options: 预留占位。当前无配置；保留以便未来扩展宽松度等。
type Options struct{}

type decoder struct{}

// New 从原样 JSON Options 创建解码器（当前忽略选项）。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	// 保留解析点：未来可在此解析宽松选项（当前忽略解析错误）
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &opts)
	}
	return &decoder{}, nil
}

// Decode 期望 Raw.Text 为严格 JSON 数组：["answer", ...]，长度等于批内问题数。
// 约束：
// 1) 截断回复（Raw.Truncated）不解码，返回 ErrOutputTruncated；
// 2) 解析失败或长度不符返回 ErrResponseInvalid；
// 3) 答案按位置绑定到问题索引，占位 "N/A" 原样保留（由聚合层跳过）。
func (d *decoder) Decode(ctx context.Context, batch contract.Batch, raw contract.Raw) ([]contract.Answer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if raw.Truncated {
		return nil, fmt.Errorf("decode: truncated reply: %w", contract.ErrOutputTruncated)
	}
	text := stripFences(raw.Text)
	var arr []string
	if err := json.Unmarshal([]byte(text), &arr); err != nil {
		return nil, fmt.Errorf("decode json answer array: %w", contract.ErrResponseInvalid)
	}
	return contract.ValidateAnswerSet(batch, arr)
}

// stripFences 去除包裹整个回复的 Markdown 代码围栏（```json ... ```）。
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		// 首行可能是语言标注（json）
		first := strings.TrimSpace(t[:i])
		if first == "" || first == "json" {
			t = t[i+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

var _ contract.Decoder = (*decoder)(nil)
