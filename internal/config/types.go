package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// 输入：文本路径（"-" 表示 STDIN）或媒体路径，二选一。
	ContentPath string `json:"content_path"`
	MediaPath   string `json:"media_path"`
	// MediaDurationSec: 媒体总时长（秒）；媒体输入时必需。
	MediaDurationSec float64 `json:"media_duration_sec"`
	MediaMIME        string  `json:"media_mime"`
	// QuestionsPath: 问题列表文件（每行一个问题，空行忽略）。
	QuestionsPath string `json:"questions_path"`

	Concurrency int `json:"concurrency"`
	MaxTokens   int `json:"max_tokens"`
	// MaxRetries: LLM 阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries int `json:"max_retries"`

	// TokenAware: 启用 token 感知自适应二分（要求客户端实现 TokenSizer）。
	TokenAware bool `json:"token_aware"`
	// Strict: 首错中止（默认尽力而为，失败单元记入 Failures）。
	Strict bool `json:"strict"`
	// IncludeUnits: 在结果中物化块/批序列（观测用）。
	IncludeUnits bool `json:"include_units"`
	// ReuseContext: 在后续调用提示词中附带已有答案（强制串行）。
	ReuseContext bool `json:"reuse_context"`
	// Cache: 对叉积复用的文本块创建显式缓存（需客户端支持）。
	Cache bool `json:"cache"`
	// TokenEstimator: "bytes"（默认）或 "tiktoken"。
	TokenEstimator string `json:"token_estimator"`
	// ArtifactName: 结果工件文件名（Writer 根目录下）。
	ArtifactName string `json:"artifact_name"`

	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Chunker       string `json:"chunker"`
	Batcher       string `json:"batcher"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Writer        string `json:"writer"`
	// Embedder/Transcriber: 语义/媒体策略的协作者（未用到时可留空）。
	Embedder    string `json:"embedder"`
	Transcriber string `json:"transcriber"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Chunker       json.RawMessage `json:"chunker"`
	Batcher       json.RawMessage `json:"batcher"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Writer        json.RawMessage `json:"writer"`
	Embedder      json.RawMessage `json:"embedder"`
	Transcriber   json.RawMessage `json:"transcriber"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
