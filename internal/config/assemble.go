package config

import (
	"errors"
	"fmt"
	"strings"

	"gembatch/internal/engine"
	"gembatch/internal/prompt"
	"gembatch/internal/rate"
	"gembatch/pkg/contract"
	"gembatch/pkg/registry"
	wfs "gembatch/plugins/writer/filesystem"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	hasText := strings.TrimSpace(cfg.ContentPath) != ""
	hasMedia := strings.TrimSpace(cfg.MediaPath) != ""
	if !hasText && !hasMedia {
		return errors.New("config: content_path or media_path required")
	}
	if hasText && hasMedia {
		return errors.New("config: content_path and media_path are mutually exclusive")
	}
	if hasMedia && cfg.MediaDurationSec <= 0 {
		return errors.New("config: media_duration_sec must be > 0 for media input")
	}
	if strings.TrimSpace(cfg.QuestionsPath) == "" {
		return errors.New("config: questions_path required")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("config: max_tokens must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	switch cfg.TokenEstimator {
	case "", "bytes", "tiktoken":
	default:
		return fmt.Errorf("config: unknown token_estimator %q", cfg.TokenEstimator)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults()
	cn := effName(cfg.Components.Chunker, d.Components.Chunker)
	if registry.Chunker[cn] == nil {
		return fmt.Errorf("config: chunker %q not registered", cn)
	}
	// 媒体输入必须使用媒体切块；文本输入不得使用媒体切块
	if hasMedia && cn != "media" {
		return fmt.Errorf("config: media input requires chunker \"media\", got %q", cn)
	}
	if hasText && cn == "media" {
		return errors.New("config: chunker \"media\" requires media input")
	}
	bn := effName(cfg.Components.Batcher, d.Components.Batcher)
	if registry.Batcher[bn] == nil {
		return fmt.Errorf("config: batcher %q not registered", bn)
	}
	if name := effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Components.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Components.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	// 语义策略要求配置 Embedder
	if (cn == "semantic" || bn == "semantic") && cfg.Components.Embedder == "" {
		return errors.New("config: semantic chunker/batcher requires components.embedder")
	}
	if cfg.Components.Embedder != "" && registry.Embedder[cfg.Components.Embedder] == nil {
		return fmt.Errorf("config: embedder %q not registered", cfg.Components.Embedder)
	}
	if cfg.Components.Transcriber != "" && registry.Transcriber[cfg.Components.Transcriber] == nil {
		return fmt.Errorf("config: transcriber %q not registered", cfg.Components.Transcriber)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Assemble 构造引擎组件、Settings、Writer 与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (engine.Components, engine.Settings, *wfs.FS, error) {
	if err := Validate(cfg); err != nil {
		return engine.Components{}, engine.Settings{}, nil, err
	}

	d := Defaults()
	cn := effName(cfg.Components.Chunker, d.Components.Chunker)
	bn := effName(cfg.Components.Batcher, d.Components.Batcher)
	pn := effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder)
	dn := effName(cfg.Components.Decoder, d.Components.Decoder)
	wn := effName(cfg.Components.Writer, d.Components.Writer)

	// 协作者（可选）
	deps := registry.Deps{}
	if cfg.Components.Embedder != "" {
		emb, err := registry.Embedder[cfg.Components.Embedder](cfg.Options.Embedder)
		if err != nil {
			return engine.Components{}, engine.Settings{}, nil, err
		}
		deps.Embedder = emb
	}
	if cfg.Components.Transcriber != "" {
		tr, err := registry.Transcriber[cfg.Components.Transcriber](cfg.Options.Transcriber)
		if err != nil {
			return engine.Components{}, engine.Settings{}, nil, err
		}
		deps.Transcriber = tr
	}

	ck, err := registry.Chunker[cn](cfg.Options.Chunker, deps)
	if err != nil {
		return engine.Components{}, engine.Settings{}, nil, err
	}
	bt, err := registry.Batcher[bn](cfg.Options.Batcher, deps)
	if err != nil {
		return engine.Components{}, engine.Settings{}, nil, err
	}
	pb, err := registry.PromptBuilder[pn](cfg.Options.PromptBuilder)
	if err != nil {
		return engine.Components{}, engine.Settings{}, nil, err
	}
	dec, err := registry.Decoder[dn](cfg.Options.Decoder)
	if err != nil {
		return engine.Components{}, engine.Settings{}, nil, err
	}
	w, err := registry.Writer[wn](cfg.Options.Writer)
	if err != nil {
		return engine.Components{}, engine.Settings{}, nil, err
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return engine.Components{}, engine.Settings{}, nil, err
	}

	comp := engine.Components{
		Chunker:       ck,
		Batcher:       bt,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	gmap := map[rate.LimitKey]rate.Limits{}
	key, derr := rate.DeriveKeyFromClientOptions(prov.Client, prov.Options)
	if derr != nil {
		// 派生失败时退化为 provider 名称
		key = rate.LimitKey(cfg.LLM)
	}
	gmap[key] = rate.Limits{RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq}
	gate := rate.NewGate(gmap, nil)

	var est contract.TokenEstimator
	if cfg.TokenEstimator == "tiktoken" {
		est = prompt.MakeTiktokenEstimator("")
	} else {
		est = prompt.MakeEstimator(0)
	}

	set := engine.Settings{
		Concurrency:  cfg.Concurrency,
		MaxRetries:   cfg.MaxRetries,
		MaxTokens:    cfg.MaxTokens,
		Estimator:    est,
		Gate:         gate,
		GateKey:      key,
		BestEffort:   !cfg.Strict,
		IncludeUnits: cfg.IncludeUnits,
		ReuseContext: cfg.ReuseContext,
		CacheEnabled: cfg.Cache,
		Model:        cfg.LLM,
	}
	return comp, set, w, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
