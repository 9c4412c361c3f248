// Package registry 提供显式、零反射的插件工厂注册表。
// 每个角色一张 map[name]factory；Options 以原样 JSON 传入并严格解码。
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gembatch/pkg/contract"
	bbudget "gembatch/plugins/batcher/budget"
	bfixed "gembatch/plugins/batcher/fixed"
	bsem "gembatch/plugins/batcher/semantic"
	cmedia "gembatch/plugins/chunker/media"
	csem "gembatch/plugins/chunker/semantic"
	csld "gembatch/plugins/chunker/sliding"
	dqa "gembatch/plugins/decoder/qajson"
	egmi "gembatch/plugins/embedder/gemini"
	emock "gembatch/plugins/embedder/mock"
	flaky "gembatch/plugins/llmclient/flaky"
	gmi "gembatch/plugins/llmclient/gemini"
	mock "gembatch/plugins/llmclient/mock"
	oai "gembatch/plugins/llmclient/openai"
	pqa "gembatch/plugins/prompt/qa"
	tsrt "gembatch/plugins/transcriber/srt"
	wfs "gembatch/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Deps 承载部分工厂需要的已装配协作者。
// 语义切块/语义批处理需要 Embedder；媒体切块需要 Transcriber，
// 其 semantic 模式还需要 Embedder。
// 未使用对应策略时字段可为 nil。
type Deps struct {
	Embedder    contract.Embedder
	Transcriber contract.Transcriber
}

// NewChunker 工厂签名：接收原样 JSON Options 与协作者。
type NewChunker func(raw json.RawMessage, deps Deps) (contract.Chunker, error)

// NewBatcher 工厂签名：接收原样 JSON Options 与协作者。
type NewBatcher func(raw json.RawMessage, deps Deps) (contract.Batcher, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewEmbedder 工厂签名：接收原样 JSON Options。
type NewEmbedder func(raw json.RawMessage) (contract.Embedder, error)

// NewTranscriber 工厂签名：接收原样 JSON Options。
type NewTranscriber func(raw json.RawMessage) (contract.Transcriber, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (*wfs.FS, error)

// Chunker 工厂注册表。
var Chunker = map[string]NewChunker{
	// sliding: 固定宽度滑窗（rune 轴）
	"sliding": func(raw json.RawMessage, _ Deps) (contract.Chunker, error) {
		var opts csld.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return csld.New(&opts)
	},
	// semantic: 句间相似度断点切块（需要 Embedder）
	"semantic": func(raw json.RawMessage, deps Deps) (contract.Chunker, error) {
		var opts csem.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if deps.Embedder == nil {
			return nil, fmt.Errorf("chunker semantic requires an embedder: %w", contract.ErrConfigInvalid)
		}
		return csem.New(&opts, deps.Embedder)
	},
	// media: 时长滑窗 / 转写句语义断块（秒轴）。
	// semantic 模式需要 Transcriber 与 Embedder，缺失时由 New 判定。
	"media": func(raw json.RawMessage, deps Deps) (contract.Chunker, error) {
		var opts cmedia.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return cmedia.New(&opts, deps.Transcriber, deps.Embedder)
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	// fixed: 保序等宽分批
	"fixed": func(raw json.RawMessage, _ Deps) (contract.Batcher, error) {
		var opts bfixed.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bfixed.New(&opts)
	},
	// budget: 估算 token 预算贪心装填
	"budget": func(raw json.RawMessage, _ Deps) (contract.Batcher, error) {
		var opts bbudget.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bbudget.New(&opts)
	},
	// semantic: 相似度聚类 / 按块路由（需要 Embedder）
	"semantic": func(raw json.RawMessage, deps Deps) (contract.Batcher, error) {
		var opts bsem.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if deps.Embedder == nil {
			return nil, fmt.Errorf("batcher semantic requires an embedder: %w", contract.ErrConfigInvalid)
		}
		return bsem.New(&opts, deps.Embedder)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// qa: 内容 + 编号问题列表 + 输出规则（Chat）
	"qa": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pqa.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pqa.New(&opts)
	},
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// qa: JSON 字符串数组解码（按位置绑定问题索引）
	"qa": func(raw json.RawMessage) (contract.Decoder, error) { return dqa.New(raw) },
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Embedder 工厂注册表。
var Embedder = map[string]NewEmbedder{
	"gemini": func(raw json.RawMessage) (contract.Embedder, error) { return egmi.New(raw) },
	// mock: 词袋哈希向量（调试/测试用，无网络）
	"mock": func(raw json.RawMessage) (contract.Embedder, error) {
		var opts emock.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return emock.New(&opts), nil
	},
}

// Transcriber 工厂注册表。
var Transcriber = map[string]NewTranscriber{
	// srt: SRT 边车文件转写
	"srt": func(raw json.RawMessage) (contract.Transcriber, error) {
		var opts tsrt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return tsrt.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (*wfs.FS, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
