// Package qa 实现“块内容 + 批量问题”的 PromptBuilder（Chat 形态）。
// 输出 system + user + json_schema 三段消息；回答协议为严格 JSON 字符串数组，
// 与批内问题一一对应，内容中找不到答案时要求模型返回占位 "N/A"。
package qa

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"text/template"

	"gembatch/pkg/contract"
)

// Options 为 QA PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
}

// Builder: 以 (Chunk, Batch) 构造 ChatPrompt。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT *template.Template
}

// New 创建 QA PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	return &Builder{sysT: tpl}, nil
}

// Build: 基于 (Chunk, Batch) 构造 ChatPrompt（system+user+json_schema）。
// 文本块写入全文；纯时间窗块（媒体）写入时间区间，媒体本体由客户端
// 经带外 "file_uri"/"cache" 消息附加。
func (b *Builder) Build(ctx context.Context, chunk contract.Chunk, batch contract.Batch) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(batch.Questions) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch questions", contract.ErrInvalidInput)
	}

	var sysBuf bytes.Buffer
	if err := b.sysT.Execute(&sysBuf, nil); err != nil {
		return nil, fmt.Errorf("system render: %w", contract.ErrInvalidInput)
	}

	var uw bytes.Buffer
	uw.Grow(len(chunk.Text) + 512)
	if chunk.Text != "" {
		uw.WriteString("Content:\n")
		uw.WriteString(chunk.Text)
		uw.WriteString("\n\n")
	} else if chunk.EndSec > chunk.StartSec {
		uw.WriteString("Content: the attached media segment from ")
		uw.WriteString(strconv.FormatFloat(chunk.StartSec, 'f', -1, 64))
		uw.WriteString("s to ")
		uw.WriteString(strconv.FormatFloat(chunk.EndSec, 'f', -1, 64))
		uw.WriteString("s.\n\n")
	} else {
		return nil, fmt.Errorf("prompt: %w: empty chunk", contract.ErrInvalidInput)
	}

	n := len(batch.Questions)
	uw.WriteString("There are ")
	uw.WriteString(strconv.Itoa(n))
	uw.WriteString(" questions. Answer each based only on the content above.\n")
	uw.WriteString(outputRules)
	uw.WriteString("Questions:\n")
	for i, q := range batch.Questions {
		uw.WriteString(strconv.Itoa(i + 1))
		uw.WriteString(". ")
		uw.WriteString(q.Text)
		uw.WriteByte('\n')
	}

	return contract.ChatPrompt([]contract.Message{
		{Role: "system", Content: sysBuf.String()},
		{Role: "user", Content: uw.String()},
		{Role: "json_schema", Content: defaultAnswerJSONSchema},
	}), nil
}

// EstimateOverheadTokens: 估算与 (chunk, batch) 无关的固定提示词开销
// （system + 固定 user 规则 + schema）。不含内容与问题的动态部分。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	var sysBuf bytes.Buffer
	_ = b.sysT.Execute(&sysBuf, nil)

	var userFixed bytes.Buffer
	userFixed.WriteString("Content:\n\n\n")
	userFixed.WriteString("There are  questions. Answer each based only on the content above.\n")
	userFixed.WriteString(outputRules)
	userFixed.WriteString("Questions:\n")

	tokens := 0
	tokens += estimate(sysBuf.String())
	tokens += estimate(userFixed.String())
	tokens += estimate(defaultAnswerJSONSchema)
	return tokens
}

// 固定输出规则（Build 与 EstimateOverheadTokens 共用）。
const outputRules = "IMPORTANT OUTPUT RULES:\n" +
	"1) Return ONLY a strict JSON array of strings, one answer per question, in question order.\n" +
	"2) No markdown, no code fences, no commentary.\n" +
	"3) If the content does not contain the answer, the array element MUST be exactly \"N/A\".\n"

// 默认 system 模板。
const defaultSystemTemplate = `
## Role Definition
You are a precise reading-comprehension assistant. You answer a batch of questions strictly from the provided content, without using outside knowledge.

## I/O Protocol (Very Important)
- The user message contains a content section followed by a numbered question list.
- Answer every question in order. Keep answers concise and grounded in the content.
- When the content does not contain the answer, reply exactly "N/A" for that question.
- Output ONLY strict JSON according to the schema; do not include markdown/code fences.

<example>
user: Content:
The Nile is the longest river in Africa. It flows north into the Mediterranean.

There are 2 questions. Answer each based only on the content above.
Questions:
1. Which sea does the Nile flow into?
2. What is the capital of Egypt?

assistant: ["The Mediterranean.", "N/A"]
</example>
`

// 批量问答的最小 JSON Schema：字符串数组，长度与问题数一致。
const defaultAnswerJSONSchema = `{"type":"array","items":{"type":"string"}}`

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)
