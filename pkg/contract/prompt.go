package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状。
// 除常规 system/user 角色外，约定两个带外角色由客户端就地消费：
//  - "json_schema": Content 为输出 JSON Schema（启用结构化输出）；
//  - "file_uri":    Content 为已上传媒体的 URI（作为媒体 part 附加）；
//  - "cache":       Content 为显式缓存名（引用已缓存内容）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于 (Chunk, Batch) 构造确定性 Prompt。
// 约束：
//   - 纯计算，不做 I/O（模板在构造期加载）；
//   - 不隐式修改 chunk 文本与问题文本；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, chunk Chunk, batch Batch) (Prompt, error)
	// EstimateOverheadTokens: 估算与 (chunk, batch) 无关的固定提示词开销。
	// 仅包含固定部分（system/规则/schema），不含内容与问题等动态部分。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken) 或 tiktoken 编码计数。
type TokenEstimator func(s string) int
