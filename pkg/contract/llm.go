package contract

import (
	"context"
	"errors"
)

// Raw: 一次生成调用的原始结果。
// 约束：Text 原样返回，不做清洗/归一化。
// Truncated 表示生成因输出 token 上限被截断（finish_reason=MAX_TOKENS）；
// 这是控制流信号而非错误，由 Token 感知控制器消费（对应问题二分）。
type Raw struct {
	Text      string
	Usage     Usage
	Truncated bool
}

// LLMClient: 以 Prompt 为单位与模型交互，返回 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
type LLMClient interface {
	Invoke(ctx context.Context, p Prompt) (Raw, error)
}

// TokenSizer: 可选扩展——目标模型的 token 计数与输入上限。
// Token 感知模式必需；不实现该接口的客户端无法参与 Token 感知搜索。
type TokenSizer interface {
	// CountTokens: 按目标模型的分词器计数 Prompt 的输入 token。
	CountTokens(ctx context.Context, p Prompt) (int, error)
	// InputTokenLimit: 目标模型文档化的输入 token 上限。
	InputTokenLimit(ctx context.Context) (int, error)
}

// MediaPreparer: 可选扩展——将本地媒体上传为提供方可引用的 URI。
// 引擎对媒体内容在首次调用前执行一次，URI 经带外 "file_uri" 消息注入 Prompt。
type MediaPreparer interface {
	PrepareMedia(ctx context.Context, m MediaRef) (fileURI string, err error)
}

// CacheCreator: 可选扩展——为重复前缀（system + 内容）创建显式缓存。
// 返回缓存名，经带外 "cache" 消息注入 Prompt；TTL 由客户端配置决定。
type CacheCreator interface {
	CreateCache(ctx context.Context, systemText, content string) (name string, err error)
}

// Embedder: 批量文本 → 定长向量，顺序与输入一一对应。
// 产出向量仅可与同一提供方/模型的向量比较。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]Vector, error)
}

// Vector: 定长嵌入向量；创建后不可变。
type Vector []float32

// Transcriber: 媒体引用 → 按时间升序的转写句子序列。
type Transcriber interface {
	Transcribe(ctx context.Context, m MediaRef) ([]TimedSentence, error)
}

// TimedSentence: 带时间轴的转写句子（秒，半开区间）。
type TimedSentence struct {
	Text     string
	StartSec float64
	EndSec   float64
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)
