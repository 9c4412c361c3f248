// Package engine 编排一次问答运行：Chunker → Batcher → (配对) → Prompt → (Gate) → LLM → Decoder → 聚合。
//
// - 单点并发：仅此层管理并发与背压；原子组件均为同步、无内部并发。
// - 配对规则：ChunkOrdinal >= 0 的批仅与该块配对；-1 的批与全部块叉积。
// - 先到先得：聚合器按首个实质性答案定稿；全部问题已答后跳过剩余调用。
// - 尽力而为：失败单元记入 Response.Failures，不中止其余队列（可配置为首错中止）。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gembatch/internal/aggregate"
	"gembatch/internal/diag"
	"gembatch/internal/prompt"
	"gembatch/internal/rate"
	"gembatch/pkg/contract"
)

// Components 聚合运行所需的原子组件。
type Components struct {
	Chunker       contract.Chunker
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Concurrency int
	// MaxRetries: LLM/Decoder 阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries int
	// 预算：最大输入 token；<=0 关闭预算预检
	MaxTokens int
	// Estimator: token 估算器；nil 时使用字节近似
	Estimator contract.TokenEstimator
	// 限流闸门（可选）：若非空，则在调用 LLM 前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// BestEffort: 失败单元记入 Failures 并继续；false 表示首错取消
	BestEffort bool
	// IncludeUnits: 在 Response 中物化 Chunks/Batches（观测用）
	IncludeUnits bool
	// ReuseContext: 在后续调用的提示词中附带已有答案（强制串行）。
	// 首个出现已答问题的单元触发一次摘要调用，产出的
	// "Additional Information" 块复用于其后全部提示词；
	// 摘要调用的 token 用量计入 Response.Usage。
	ReuseContext bool
	// CacheEnabled: 对叉积复用的文本块创建显式缓存（需客户端支持）
	CacheEnabled bool
	// Model: 仅用于终端展示
	Model string
}

// Request 为一次运行的输入。
type Request struct {
	Content   contract.Content
	Questions []contract.Question
}

// unit 为一次 LLM 调用的工作单元。
type unit struct {
	chunk contract.Chunk
	batch contract.Batch
}

// Run 执行完整运行并返回聚合结果。
// 存在未答问题时返回 (resp, ErrUnanswered)；resp 始终携带已得部分结果。
func Run(ctx context.Context, comp Components, set Settings, req Request, logger *diag.Logger) (*contract.Response, error) {
	if err := sanity(comp, req); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runStart := time.Now()

	// 切块
	ctimer := (*diag.Timer)(nil)
	if logger != nil {
		ctimer = logger.Start("chunker", "chunks")
	}
	chunks, err := comp.Chunker.Chunks(ctx, req.Content)
	if err != nil {
		logFail(logger, "chunker", "chunks failed", err, -1, -1)
		return nil, fmt.Errorf("chunker: %w", err)
	}
	if ctimer != nil {
		ctimer.Finish("chunks", int64(len(chunks)))
		diag.IncOp("chunker", "finish", "success")
	}

	// 切批（路由模式需要块序列）
	btimer := (*diag.Timer)(nil)
	if logger != nil {
		btimer = logger.Start("batcher", "make")
	}
	batches, err := comp.Batcher.Make(ctx, req.Questions, chunks)
	if err != nil {
		logFail(logger, "batcher", "make failed", err, -1, -1)
		return nil, fmt.Errorf("batcher: %w", err)
	}
	if btimer != nil {
		btimer.Finish("make", int64(len(batches)))
		diag.IncOp("batcher", "finish", "success")
	}

	// 配对
	units, err := pairUnits(chunks, batches)
	if err != nil {
		logFail(logger, "engine", "pairing failed", err, -1, -1)
		return nil, err
	}

	if t := diag.GetTerminal(); t != nil {
		t.RunStart(effConcurrency(set), set.Model, len(chunks), len(batches), len(units))
	}

	// 媒体准备：整体内容一次上传，URI 带外注入每次调用
	fileURI := ""
	if req.Content.IsMedia() {
		if mp, ok := comp.LLM.(contract.MediaPreparer); ok {
			mtimer := (*diag.Timer)(nil)
			if logger != nil {
				mtimer = logger.Start("llm_client", "prepare_media")
			}
			fileURI, err = mp.PrepareMedia(ctx, *req.Content.Media)
			if err != nil {
				logFail(logger, "llm_client", "prepare media failed", err, -1, -1)
				return nil, fmt.Errorf("prepare media: %w", err)
			}
			if mtimer != nil {
				mtimer.Finish("prepare_media", 1)
			}
		}
	}

	// 显式缓存：仅对被多个批叉积复用的文本块创建
	cacheNames := map[int]string{}
	if set.CacheEnabled && !req.Content.IsMedia() {
		if cc, ok := comp.LLM.(contract.CacheCreator); ok {
			reuse := chunkCallCounts(units)
			for _, c := range chunks {
				if reuse[c.Ordinal] < 2 {
					continue
				}
				name, cerr := cc.CreateCache(ctx, "", c.Text)
				if cerr != nil {
					// 缓存失败不致命：退化为常规调用
					logFail(logger, "llm_client", "create cache failed", cerr, c.Ordinal, -1)
					continue
				}
				cacheNames[c.Ordinal] = name
			}
		}
	}

	// 预算预检：固定提示开销后的有效上限
	effMax := set.MaxTokens
	if set.MaxTokens > 0 {
		eff, _ := prompt.EffectiveMaxTokens(comp.PromptBuilder, set.Estimator, set.MaxTokens)
		if eff <= 0 {
			return nil, fmt.Errorf("%w: effective token budget <= 0 after overhead", contract.ErrBudgetExceeded)
		}
		effMax = eff
	}

	agg := aggregate.New(len(req.Questions))
	total := len(req.Questions)

	var reuse *contextReuse
	if set.ReuseContext {
		reuse = &contextReuse{}
	}

	type res struct {
		u   unit
		err error
	}
	nWorkers := effConcurrency(set)
	inCh := make(chan unit, nWorkers*2)
	outCh := make(chan res, nWorkers*2)

	est := set.Estimator
	if est == nil {
		est = prompt.MakeEstimator(0)
	}

	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for u := range inCh {
			// 全部已答：跳过剩余调用
			if agg.Answered() == total {
				outCh <- res{u: u}
				continue
			}
			err := runUnit(ctx, comp, set, u, agg, est, effMax, fileURI, cacheNames[u.chunk.Ordinal], reuse, logger)
			outCh <- res{u: u, err: err}
		}
	}
	wg.Add(nWorkers)
	for i := 0; i < nWorkers; i++ {
		go worker()
	}

	// 生产者
	go func() {
		defer close(inCh)
		for _, u := range units {
			select {
			case <-ctx.Done():
				return
			case inCh <- u:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outCh)
	}()

	var failures []contract.Failure
	var firstErr error
	done, errCount := 0, 0
	for r := range outCh {
		done++
		if r.err != nil {
			errCount++
			if set.BestEffort {
				failures = append(failures, contract.Failure{
					ChunkOrdinal: r.u.chunk.Ordinal,
					BatchOrdinal: r.u.batch.Ordinal,
					Reason:       r.err.Error(),
				})
			} else if firstErr == nil {
				firstErr = r.err
				cancel()
				// 继续排空 outCh
			}
		}
		if t := diag.GetTerminal(); t != nil {
			t.Progress(done, len(units), errCount)
		}
	}
	if firstErr != nil {
		if t := diag.GetTerminal(); t != nil {
			t.RunFinish(false, agg.Answered(), total-agg.Answered(), time.Since(runStart))
		}
		return nil, fmt.Errorf("worker first error: %w", firstErr)
	}

	answers, missing, usage, aerr := agg.Finalize()
	resp := &contract.Response{
		Answers:  answers,
		Missing:  missing,
		Usage:    usage,
		Failures: failures,
	}
	if set.IncludeUnits {
		resp.Chunks = chunks
		resp.Batches = batches
	}
	if t := diag.GetTerminal(); t != nil {
		t.RunFinish(aerr == nil, len(answers), len(missing), time.Since(runStart))
	}
	return resp, aerr
}

// runUnit 执行单个 (chunk,batch) 调用：构建、注入、限流、调用、解码、聚合。
func runUnit(ctx context.Context, comp Components, set Settings, u unit,
	agg *aggregate.Aggregator, est contract.TokenEstimator, effMax int,
	fileURI, cacheName string, reuse *contextReuse, logger *diag.Logger) error {

	pbtimer := (*diag.Timer)(nil)
	if logger != nil {
		pbtimer = logger.StartWith("prompt_builder", "build", u.chunk.Ordinal, u.batch.Ordinal)
		logger.DebugStart("prompt_builder", "build_req", u.chunk.Ordinal, u.batch.Ordinal, map[string]string{
			"questions": fmt.Sprintf("%d", len(u.batch.Questions)),
		})
	}
	p, err := comp.PromptBuilder.Build(ctx, u.chunk, u.batch)
	if err != nil {
		logFail(logger, "prompt_builder", "build failed", err, u.chunk.Ordinal, u.batch.Ordinal)
		return fmt.Errorf("prompt build: %w", err)
	}
	if pbtimer != nil {
		pbtimer.Finish("build", int64(len(u.batch.Questions)))
		diag.IncOp("prompt_builder", "finish", "success")
	}

	// 带外注入：媒体 URI / 显式缓存 / 已答上下文摘要
	p = injectOutOfBand(p, fileURI, cacheName)
	if reuse != nil {
		p = reuse.apply(ctx, comp.LLM, agg, p, logger)
	}

	// 预算预检：基于实际提示词文本估算
	tokens := promptTokens(p, est)
	if effMax > 0 && tokens > effMax {
		return fmt.Errorf("prompt tokens %d over budget %d: %w", tokens, effMax, contract.ErrInputTooLarge)
	}

	attempts := set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if set.Gate != nil {
			if logger != nil {
				logger.DebugStart("gate", "ask", u.chunk.Ordinal, u.batch.Ordinal, map[string]string{
					"tokens":  fmt.Sprintf("%d", tokens),
					"attempt": fmt.Sprintf("%d", attempt+1),
				})
			}
			if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				logFail(logger, "gate", "wait failed", err, u.chunk.Ordinal, u.batch.Ordinal)
				return fmt.Errorf("gate wait: %w", err)
			}
		}

		lltimer := (*diag.Timer)(nil)
		if logger != nil {
			lltimer = logger.StartWithKV("llm_client", "invoke", u.chunk.Ordinal, u.batch.Ordinal, map[string]string{
				"tokens":  fmt.Sprintf("%d", tokens),
				"attempt": fmt.Sprintf("%d", attempt+1),
			})
		}
		raw, err := comp.LLM.Invoke(ctx, p)
		agg.AddUsage(raw.Usage)
		if err != nil {
			logInvokeFail(logger, err, u.chunk.Ordinal, u.batch.Ordinal)
			lastErr = err
			if attempt+1 < attempts && shouldRetryInvoke(err) {
				_ = sleepWithCtx(ctx, retryDelay(err))
				continue
			}
			return fmt.Errorf("llm invoke: %w", lastErr)
		}
		if lltimer != nil {
			lltimer.Finish("invoke", int64(raw.Usage.InputTokens))
			diag.IncOp("llm_client", "finish", "success")
		}

		dctimer := (*diag.Timer)(nil)
		if logger != nil {
			dctimer = logger.StartWith("decoder", "decode", u.chunk.Ordinal, u.batch.Ordinal)
		}
		answers, derr := comp.Decoder.Decode(ctx, u.batch, raw)
		if derr != nil {
			logFail(logger, "decoder", "decode failed", derr, u.chunk.Ordinal, u.batch.Ordinal)
			lastErr = derr
			if attempt+1 < attempts && shouldRetryDecode(derr) {
				_ = sleepWithCtx(ctx, 200*time.Millisecond)
				continue
			}
			return fmt.Errorf("decode: %w", lastErr)
		}
		if dctimer != nil {
			dctimer.Finish("decode", int64(len(answers)))
			diag.IncOp("decoder", "finish", "success")
		}

		if err := agg.Add(u.chunk.Ordinal, u.batch.Ordinal, answers, contract.Usage{}); err != nil {
			logFail(logger, "aggregate", "add failed", err, u.chunk.Ordinal, u.batch.Ordinal)
			return fmt.Errorf("aggregate: %w", err)
		}
		return nil
	}
	return fmt.Errorf("llm invoke: %w", lastErr)
}

// pairUnits 将块与批配对为调用单元：
// 路由批（ChunkOrdinal>=0）仅配其块；未绑定批（-1）与全部块叉积。
func pairUnits(chunks []contract.Chunk, batches []contract.Batch) ([]unit, error) {
	var out []unit
	for _, b := range batches {
		if b.ChunkOrdinal >= 0 {
			if b.ChunkOrdinal >= len(chunks) {
				return nil, fmt.Errorf("batch %d routed to missing chunk %d: %w",
					b.Ordinal, b.ChunkOrdinal, contract.ErrInvariantViolation)
			}
			out = append(out, unit{chunk: chunks[b.ChunkOrdinal], batch: b})
			continue
		}
		for _, c := range chunks {
			out = append(out, unit{chunk: c, batch: b})
		}
	}
	return out, nil
}

// chunkCallCounts 统计各块参与的调用次数（缓存收益判定用）。
func chunkCallCounts(units []unit) map[int]int {
	m := make(map[int]int)
	for _, u := range units {
		m[u.chunk.Ordinal]++
	}
	return m
}

// injectOutOfBand 在 Chat 提示词尾部追加带外消息（空值跳过）。
func injectOutOfBand(p contract.Prompt, fileURI, cacheName string) contract.Prompt {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p
	}
	if fileURI != "" {
		cp = append(cp, contract.Message{Role: "file_uri", Content: fileURI})
	}
	if cacheName != "" {
		cp = append(cp, contract.Message{Role: "cache", Content: cacheName})
	}
	return cp
}

// contextReuse 管理已答上下文的复用。
// 仅在 ReuseContext（串行）模式下使用，无需加锁。
// 首个已答快照非空的单元触发一次摘要调用；其结果复用于后续全部提示词。
type contextReuse struct {
	tried   bool
	summary string
}

// apply 将已答上下文注入提示词：
// - 尚无已答问题时原样返回；
// - 首次遇到已答问题时调用 LLM 生成一次摘要（用量计入聚合器）；
// - 摘要可用时注入 "Additional Information" 块，否则退化为原始问答列表。
func (r *contextReuse) apply(ctx context.Context, llm contract.LLMClient,
	agg *aggregate.Aggregator, p contract.Prompt, logger *diag.Logger) contract.Prompt {

	snap := agg.Snapshot()
	if len(snap) == 0 {
		return p
	}
	if !r.tried {
		r.tried = true
		stimer := (*diag.Timer)(nil)
		if logger != nil {
			stimer = logger.Start("llm_client", "summarize_context")
		}
		raw, err := llm.Invoke(ctx, summaryPrompt(snap))
		agg.AddUsage(raw.Usage)
		if err != nil {
			// 摘要失败不致命：退化为原始问答列表
			logFail(logger, "llm_client", "summarize context failed", err, -1, -1)
		} else {
			r.summary = strings.TrimSpace(raw.Text)
			if stimer != nil {
				stimer.Finish("summarize_context", int64(raw.Usage.InputTokens))
			}
		}
	}
	if r.summary == "" {
		return injectContext(p, snap)
	}
	return injectSummary(p, r.summary)
}

// summaryPrompt 构造已答问答列表的摘要请求。
func summaryPrompt(answered map[contract.QuestionIndex]string) contract.Prompt {
	idxs := make([]int, 0, len(answered))
	for k := range answered {
		idxs = append(idxs, int(k))
	}
	sort.Ints(idxs)
	var sb strings.Builder
	sb.WriteString("Summarize the established facts from the following question-answer pairs into one concise paragraph. Keep every concrete fact; omit the questions themselves.\n\n")
	for _, i := range idxs {
		fmt.Fprintf(&sb, "Q%d: %s\n", i+1, answered[contract.QuestionIndex(i)])
	}
	return contract.ChatPrompt{
		{Role: "system", Content: "You condense question-answer pairs into a short factual context paragraph."},
		{Role: "user", Content: sb.String()},
	}
}

// injectSummary 将摘要作为 "Additional Information" 块插入提示词，
// 位于前导 system 消息之后、正文之前。
func injectSummary(p contract.Prompt, summary string) contract.Prompt {
	cp, ok := p.(contract.ChatPrompt)
	if !ok || summary == "" {
		return p
	}
	i := 0
	for i < len(cp) && cp[i].Role == "system" {
		i++
	}
	out := make(contract.ChatPrompt, 0, len(cp)+1)
	out = append(out, cp[:i]...)
	out = append(out, contract.Message{Role: "user", Content: "Additional Information:\n" + summary})
	out = append(out, cp[i:]...)
	return out
}

// injectContext 将已有答案作为补充上下文追加为 user 消息（摘要不可用时的退化路径）。
func injectContext(p contract.Prompt, answered map[contract.QuestionIndex]string) contract.Prompt {
	cp, ok := p.(contract.ChatPrompt)
	if !ok || len(answered) == 0 {
		return p
	}
	idxs := make([]int, 0, len(answered))
	for k := range answered {
		idxs = append(idxs, int(k))
	}
	sort.Ints(idxs)
	var sb strings.Builder
	sb.WriteString("Answers already established for other questions (for context only):\n")
	for _, i := range idxs {
		fmt.Fprintf(&sb, "Q%d: %s\n", i+1, answered[contract.QuestionIndex(i)])
	}
	return append(cp, contract.Message{Role: "user", Content: sb.String()})
}

func effConcurrency(set Settings) int {
	if set.ReuseContext {
		// 上下文复用要求确定的先后次序
		return 1
	}
	if set.Concurrency < 1 {
		return 1
	}
	return set.Concurrency
}

func sanity(c Components, req Request) error {
	if c.Chunker == nil || c.Batcher == nil || c.PromptBuilder == nil || c.LLM == nil || c.Decoder == nil {
		return errors.New("engine: missing components")
	}
	if len(req.Questions) == 0 {
		return fmt.Errorf("engine: empty questions: %w", contract.ErrInvalidInput)
	}
	if !req.Content.IsMedia() && req.Content.Text == "" {
		return fmt.Errorf("engine: empty content: %w", contract.ErrInvalidInput)
	}
	return nil
}

func logFail(logger *diag.Logger, comp, msg string, err error, chunk, batch int) {
	if logger == nil {
		return
	}
	code := diag.Classify(err)
	logger.ErrorWith(comp, code, msg, nil, chunk, batch)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, code)
	}
}

func logInvokeFail(logger *diag.Logger, err error, chunk, batch int) {
	if logger == nil {
		return
	}
	code := diag.Classify(err)
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv := map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
		logger.ErrorWithKV("llm_client", code, "invoke failed", nil, chunk, batch, kv)
	} else {
		logger.ErrorWith("llm_client", code, "invoke failed", nil, chunk, batch)
	}
	diag.IncOp("llm_client", "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError("llm_client", code)
	}
}

// shouldRetryInvoke: 取消不重试；限流/网络重试；其余不重试。
func shouldRetryInvoke(err error) bool {
	if err == nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeCancel:
		return false
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// shouldRetryDecode: 仅对响应无效（模型幻觉）做有限次重试。
func shouldRetryDecode(err error) bool {
	return err != nil && diag.Classify(err) == diag.CodeProtocol
}

// retryDelay: 限流错误按上游建议等待；否则固定短退避。
func retryDelay(err error) time.Duration {
	var rh contract.RetryHinter
	if errors.As(err, &rh) {
		if s := rh.RetryAfterHint(); s > 0 {
			return time.Duration(s * float64(time.Second))
		}
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return 2 * time.Second
	}
	return 200 * time.Millisecond
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// promptTokens 对提示词全部文本估算 token。
func promptTokens(p contract.Prompt, est contract.TokenEstimator) int {
	total := 0
	switch v := p.(type) {
	case contract.TextPrompt:
		total = est(string(v))
	case contract.ChatPrompt:
		for _, m := range v {
			if m.Content == "" {
				continue
			}
			total += est(m.Content)
		}
	}
	return total
}
