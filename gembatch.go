// Package gembatch 是内容切块与问题批处理决策引擎的门面：
// 将内容与问题列表经切块/分批策略配对为最少的模型调用，
// 以先到先得语义聚合跨块答案，并可选启用 token 感知自适应二分。
package gembatch

import (
	"context"
	"fmt"

	"gembatch/internal/config"
	"gembatch/internal/diag"
	"gembatch/internal/engine"
	"gembatch/internal/tokenaware"
	"gembatch/pkg/contract"
	wfs "gembatch/plugins/writer/filesystem"
)

// Runner 为一次装配的可复用执行器（组件无共享可变状态，可跨请求并发复用）。
type Runner struct {
	comp   engine.Components
	set    engine.Settings
	logger *diag.Logger
}

// NewRunner 从显式组件与设置构造执行器。logger 可为 nil。
func NewRunner(comp engine.Components, set engine.Settings, logger *diag.Logger) *Runner {
	return &Runner{comp: comp, set: set, logger: logger}
}

// NewRunnerFromConfig 按配置装配执行器与结果 Writer。
func NewRunnerFromConfig(cfg config.Config, logger *diag.Logger) (*Runner, *wfs.FS, error) {
	comp, set, w, err := config.Assemble(cfg)
	if err != nil {
		return nil, nil, err
	}
	return &Runner{comp: comp, set: set, logger: logger}, w, nil
}

// GenerateContent 以策略驱动模式执行一次运行：
// Chunker × Batcher 配对调用，先到先得聚合。
// 存在未答问题时返回 (resp, ErrUnanswered)；resp 携带部分结果。
func (r *Runner) GenerateContent(ctx context.Context, content contract.Content, questions []string) (*contract.Response, error) {
	return engine.Run(ctx, r.comp, r.set, engine.Request{
		Content:   content,
		Questions: contract.MakeQuestions(questions),
	}, r.logger)
}

// GenerateContentTokenAware 以 token 感知模式执行一次运行：
// 从整段内容 × 全部问题出发，按尺寸信号自适应二分。
// 要求 LLM 客户端实现 contract.TokenSizer；媒体内容不支持。
func (r *Runner) GenerateContentTokenAware(ctx context.Context, content contract.Content, questions []string) (*contract.Response, error) {
	if content.IsMedia() {
		return nil, fmt.Errorf("gembatch: token-aware mode does not support media content: %w", contract.ErrConfigInvalid)
	}
	return tokenaware.Run(ctx, r.comp, r.set, engine.Request{
		Content:   content,
		Questions: contract.MakeQuestions(questions),
	}, r.logger)
}
