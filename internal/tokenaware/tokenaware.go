// Package tokenaware 实现 token 感知的自适应搜索：
// 从（整段内容 × 全部问题）出发，按模型尺寸信号就地二分——
// 输入过大（ErrInputTooLarge）二分内容，输出截断（Raw.Truncated）二分问题；
// 不可再二分仍失败的单元记入 Failures，不中止其余队列。
//
// 并发模型：互斥量 + 条件变量保护的工作队列，in-flight 计数判定收敛；
// 二分产生的子单元回插队列，由任意空闲 worker 继续处理。
package tokenaware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gembatch/internal/aggregate"
	"gembatch/internal/diag"
	"gembatch/internal/engine"
	"gembatch/internal/rate"
	"gembatch/internal/textseg"
	"gembatch/pkg/contract"
)

// unit 为一个待处理的 (内容片, 问题子集) 对。
// id 为派生单元的唯一序号，用作聚合与诊断中的 chunk 序号。
type unit struct {
	id        int
	text      string
	questions []contract.Question
	// depth: 二分深度（防御性上限，避免病态输入下的无界分裂）
	depth int
}

// queue 为互斥量+条件变量保护的工作队列。
// 收敛条件：队列空且 in-flight 为零。
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []unit
	inflight int
	closed   bool
	nextID   int
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push 插入单元并分配 id。
func (q *queue) push(text string, questions []contract.Question, depth int) {
	q.mu.Lock()
	q.items = append(q.items, unit{id: q.nextID, text: text, questions: questions, depth: depth})
	q.nextID++
	q.mu.Unlock()
	q.cond.Signal()
}

// pop 阻塞取出下一个单元；队列耗尽（空且无 in-flight）或关闭时返回 false。
func (q *queue) pop() (unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return unit{}, false
		}
		if len(q.items) > 0 {
			u := q.items[0]
			q.items = q.items[1:]
			q.inflight++
			return u, true
		}
		if q.inflight == 0 {
			// 不会再有新单元：唤醒全部等待者退出
			q.cond.Broadcast()
			return unit{}, false
		}
		q.cond.Wait()
	}
}

// done 标记一个单元处理完成（其派生单元须在调用前 push）。
func (q *queue) done() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
	q.cond.Broadcast()
}

// close 关闭队列（取消路径）。
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Run 以 token 感知模式执行一次运行。
// 约束：LLM 客户端必须实现 contract.TokenSizer；媒体内容不支持二分。
func Run(ctx context.Context, comp engine.Components, set engine.Settings, req engine.Request, logger *diag.Logger) (*contract.Response, error) {
	if comp.PromptBuilder == nil || comp.LLM == nil || comp.Decoder == nil {
		return nil, errors.New("tokenaware: missing components")
	}
	sizer, ok := comp.LLM.(contract.TokenSizer)
	if !ok {
		return nil, fmt.Errorf("tokenaware: llm client lacks token sizing: %w", contract.ErrConfigInvalid)
	}
	if req.Content.IsMedia() {
		return nil, fmt.Errorf("tokenaware: media content cannot be bisected: %w", contract.ErrConfigInvalid)
	}
	if len(req.Questions) == 0 || req.Content.Text == "" {
		return nil, fmt.Errorf("tokenaware: empty input: %w", contract.ErrInvalidInput)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit, err := sizer.InputTokenLimit(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokenaware: input token limit: %w", err)
	}
	if logger != nil {
		logger.DebugStart("tokenaware", "run", -1, -1, map[string]string{
			"input_token_limit": fmt.Sprintf("%d", limit),
			"questions":         fmt.Sprintf("%d", len(req.Questions)),
		})
	}

	runStart := time.Now()
	agg := aggregate.New(len(req.Questions))
	q := newQueue()
	q.push(req.Content.Text, req.Questions, 0)

	nWorkers := set.Concurrency
	if nWorkers < 1 {
		nWorkers = 1
	}
	if t := diag.GetTerminal(); t != nil {
		t.RunStart(nWorkers, set.Model, 1, 1, 1)
	}

	var (
		failMu   sync.Mutex
		failures []contract.Failure
		calls    int
		errCount int
	)
	recordFailure := func(u unit, reason string) {
		failMu.Lock()
		failures = append(failures, contract.Failure{ChunkOrdinal: u.id, BatchOrdinal: 0, Reason: reason})
		errCount++
		failMu.Unlock()
	}

	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for {
			u, ok := q.pop()
			if !ok {
				return
			}
			if ctx.Err() != nil {
				q.done()
				continue
			}
			w := processUnit(ctx, comp, set, sizer, limit, u, agg, logger)
			failMu.Lock()
			calls += w.calls
			failMu.Unlock()
			switch w.action {
			case actSplitContent:
				left, right := bisectContent(u.text)
				if left == "" || right == "" {
					recordFailure(u, w.reason)
				} else {
					q.push(left, u.questions, u.depth+1)
					q.push(right, u.questions, u.depth+1)
				}
			case actSplitQuestions:
				if len(u.questions) <= 1 {
					recordFailure(u, w.reason)
				} else {
					mid := len(u.questions) / 2
					q.push(u.text, u.questions[:mid], u.depth+1)
					q.push(u.text, u.questions[mid:], u.depth+1)
				}
			case actFail:
				recordFailure(u, w.reason)
			}
			q.done()
			if t := diag.GetTerminal(); t != nil {
				failMu.Lock()
				t.Progress(calls, calls, errCount)
				failMu.Unlock()
			}
		}
	}
	wg.Add(nWorkers)
	for i := 0; i < nWorkers; i++ {
		go worker()
	}

	// 取消传播：ctx 结束时关闭队列，唤醒阻塞的 worker
	go func() {
		<-ctx.Done()
		q.close()
	}()
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	answers, missing, usage, aerr := agg.Finalize()
	resp := &contract.Response{
		Answers:  answers,
		Missing:  missing,
		Usage:    usage,
		Failures: failures,
	}
	if t := diag.GetTerminal(); t != nil {
		t.RunFinish(aerr == nil, len(answers), len(missing), time.Since(runStart))
	}
	return resp, aerr
}

type action int

const (
	actNone action = iota
	actSplitContent
	actSplitQuestions
	actFail
)

type unitOutcome struct {
	action action
	reason string
	calls  int
}

// maxDepth: 二分深度防御上限（2^24 片已远超任何合理输入）。
const maxDepth = 24

// processUnit 处理单个单元：预检 → 调用 → 解码 → 聚合；
// 尺寸信号映射为二分动作，终态错误映射为失败动作。
func processUnit(ctx context.Context, comp engine.Components, set engine.Settings,
	sizer contract.TokenSizer, limit int, u unit, agg *aggregate.Aggregator, logger *diag.Logger) unitOutcome {

	if u.depth > maxDepth {
		return unitOutcome{action: actFail, reason: "bisection depth limit reached"}
	}

	chunk := contract.Chunk{Ordinal: u.id, Start: 0, End: len([]rune(u.text)), Text: u.text}
	batch := contract.Batch{Ordinal: 0, ChunkOrdinal: -1, Questions: u.questions}
	p, err := comp.PromptBuilder.Build(ctx, chunk, batch)
	if err != nil {
		return unitOutcome{action: actFail, reason: "prompt build: " + err.Error()}
	}

	// 预检：按目标模型分词器计数，超限直接二分（省一次上游调用）
	if n, cerr := sizer.CountTokens(ctx, p); cerr == nil && limit > 0 && n > limit {
		if logger != nil {
			logger.DebugStart("tokenaware", "presplit", u.id, -1, map[string]string{
				"tokens": fmt.Sprintf("%d", n),
				"limit":  fmt.Sprintf("%d", limit),
			})
		}
		return unitOutcome{action: actSplitContent, reason: fmt.Sprintf("input of %d tokens over limit %d at minimum size", n, limit)}
	}

	if set.Gate != nil {
		if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1, Tokens: 0}); err != nil {
			return unitOutcome{action: actFail, reason: "gate wait: " + err.Error()}
		}
	}

	lltimer := (*diag.Timer)(nil)
	if logger != nil {
		lltimer = logger.StartWithKV("llm_client", "invoke", u.id, 0, map[string]string{
			"questions": fmt.Sprintf("%d", len(u.questions)),
			"depth":     fmt.Sprintf("%d", u.depth),
		})
	}
	raw, err := comp.LLM.Invoke(ctx, p)
	agg.AddUsage(raw.Usage)
	out := unitOutcome{calls: 1}
	if err != nil {
		if errors.Is(err, contract.ErrInputTooLarge) {
			out.action = actSplitContent
			out.reason = "input too large at minimum size: " + err.Error()
			return out
		}
		if errors.Is(err, contract.ErrOutputTruncated) {
			out.action = actSplitQuestions
			out.reason = "output truncated at single question: " + err.Error()
			return out
		}
		if logger != nil {
			logger.ErrorWith("llm_client", diag.Classify(err), "invoke failed", nil, u.id, 0)
		}
		out.action = actFail
		out.reason = "llm invoke: " + err.Error()
		return out
	}
	if raw.Truncated {
		out.action = actSplitQuestions
		out.reason = "output truncated at single question"
		return out
	}
	if lltimer != nil {
		lltimer.Finish("invoke", int64(raw.Usage.InputTokens))
	}

	answers, derr := comp.Decoder.Decode(ctx, batch, raw)
	if derr != nil {
		if logger != nil {
			logger.ErrorWith("decoder", diag.Classify(derr), "decode failed", nil, u.id, 0)
		}
		out.action = actFail
		out.reason = "decode: " + derr.Error()
		return out
	}
	if aerr := agg.Add(u.id, 0, answers, contract.Usage{}); aerr != nil {
		out.action = actFail
		out.reason = "aggregate: " + aerr.Error()
	}
	return out
}

// bisectContent 将文本在中点附近二分，优先选择句界；
// 无可用句界时按 rune 中点硬切。单 rune 文本不可再分，返回空串对。
func bisectContent(text string) (string, string) {
	rs := []rune(text)
	if len(rs) < 2 {
		return "", ""
	}
	mid := len(rs) / 2
	cut := mid
	// 取距中点最近的句子边界
	best := -1
	for _, s := range textseg.Segment(text) {
		if s.End <= 0 || s.End >= len(rs) {
			continue
		}
		if best < 0 || abs(s.End-mid) < abs(best-mid) {
			best = s.End
		}
	}
	if best > 0 {
		cut = best
	}
	if cut <= 0 || cut >= len(rs) {
		cut = mid
	}
	return string(rs[:cut]), string(rs[cut:])
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
