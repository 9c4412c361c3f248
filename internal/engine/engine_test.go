package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"gembatch/pkg/contract"
	bfixed "gembatch/plugins/batcher/fixed"
	csld "gembatch/plugins/chunker/sliding"
	dqa "gembatch/plugins/decoder/qajson"
	flaky "gembatch/plugins/llmclient/flaky"
	mock "gembatch/plugins/llmclient/mock"
	pqa "gembatch/plugins/prompt/qa"
)

func baseComponents(t *testing.T, chunkSize int, batchSize int, llmRaw json.RawMessage) Components {
	t.Helper()
	ck, err := csld.New(&csld.Options{ChunkSize: chunkSize, Overlap: 0})
	if err != nil {
		t.Fatal(err)
	}
	bt, err := bfixed.New(&bfixed.Options{BatchSize: batchSize})
	if err != nil {
		t.Fatal(err)
	}
	pb, err := pqa.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	llm, err := mock.New(llmRaw)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := dqa.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return Components{Chunker: ck, Batcher: bt, PromptBuilder: pb, LLM: llm, Decoder: dec}
}

// TestRunBasic 全链路：切块→分批→调用→解码→聚合
func TestRunBasic(t *testing.T) {
	comp := baseComponents(t, 1000, 10, nil)
	resp, err := Run(context.Background(), comp, Settings{Concurrency: 2}, Request{
		Content:   contract.Content{Text: "the nile flows north into the mediterranean"},
		Questions: contract.MakeQuestions([]string{"Where does the Nile flow?", "What sea does it reach?"}),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Answers) != 2 || len(resp.Missing) != 0 {
		t.Fatalf("answers=%d missing=%d", len(resp.Answers), len(resp.Missing))
	}
	if resp.Answers[0].Index != 0 || !strings.HasPrefix(resp.Answers[0].Text, "MOCK: ") {
		t.Fatalf("answer 0: %+v", resp.Answers[0])
	}
	if resp.Usage.InputTokens == 0 {
		t.Fatalf("usage not aggregated")
	}
}

// TestRunFirstAnswerWins 跨块补答：前块 N/A 的问题由后块补齐
func TestRunFirstAnswerWins(t *testing.T) {
	content := "rivers flow north. markets dropped today."
	// 19 runes 恰好切出 "rivers flow north. " 与其余部分
	comp := baseComponents(t, 19, 10, json.RawMessage(`{"answer_from_content":true}`))
	resp, err := Run(context.Background(), comp, Settings{Concurrency: 1, IncludeUnits: true}, Request{
		Content:   contract.Content{Text: content},
		Questions: contract.MakeQuestions([]string{"Where do rivers flow?", "When did markets drop?"}),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Chunks) != 3 {
		t.Fatalf("expect 3 chunks, got %d", len(resp.Chunks))
	}
	if len(resp.Missing) != 0 {
		t.Fatalf("missing: %v", resp.Missing)
	}
	if !strings.HasPrefix(resp.Answers[1].Text, "MOCK: ") {
		t.Fatalf("answer 1: %+v", resp.Answers[1])
	}
}

// countingClient 包装 mock 并统计调用次数
type countingClient struct {
	inner contract.LLMClient
	n     atomic.Int32
}

func (c *countingClient) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	c.n.Add(1)
	return c.inner.Invoke(ctx, p)
}

// TestRunSkipsWhenAnswered 全部已答后跳过剩余叉积调用
func TestRunSkipsWhenAnswered(t *testing.T) {
	comp := baseComponents(t, 10, 10, nil)
	cc := &countingClient{inner: comp.LLM}
	comp.LLM = cc
	resp, err := Run(context.Background(), comp, Settings{Concurrency: 1}, Request{
		Content:   contract.Content{Text: "aaaaaaaaaa bbbbbbbbbb cccccccccc"}, // 3+ chunks
		Questions: contract.MakeQuestions([]string{"q one?"}),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Missing) != 0 {
		t.Fatalf("missing: %v", resp.Missing)
	}
	if got := cc.n.Load(); got != 1 {
		t.Fatalf("expect 1 invoke after first answer, got %d", got)
	}
}

// routedBatcher 将每个问题路由到与其序号相同的块
type routedBatcher struct{ target int }

func (b *routedBatcher) Make(_ context.Context, qs []contract.Question, _ []contract.Chunk) ([]contract.Batch, error) {
	return []contract.Batch{{Ordinal: 0, ChunkOrdinal: b.target, Questions: qs}}, nil
}

// TestRunRoutedBatch 路由批仅与其块配对
func TestRunRoutedBatch(t *testing.T) {
	comp := baseComponents(t, 10, 10, nil)
	comp.Batcher = &routedBatcher{target: 1}
	cc := &countingClient{inner: comp.LLM}
	comp.LLM = cc
	resp, err := Run(context.Background(), comp, Settings{Concurrency: 2}, Request{
		Content:   contract.Content{Text: "aaaaaaaaaa bbbbbbbbbb"},
		Questions: contract.MakeQuestions([]string{"q one?"}),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := cc.n.Load(); got != 1 {
		t.Fatalf("routed batch must invoke once, got %d", got)
	}
	if len(resp.Missing) != 0 {
		t.Fatalf("missing: %v", resp.Missing)
	}
}

// TestRunRoutedOutOfRange 路由到不存在的块为不变量违例
func TestRunRoutedOutOfRange(t *testing.T) {
	comp := baseComponents(t, 1000, 10, nil)
	comp.Batcher = &routedBatcher{target: 7}
	_, err := Run(context.Background(), comp, Settings{}, Request{
		Content:   contract.Content{Text: "short"},
		Questions: contract.MakeQuestions([]string{"q?"}),
	}, nil)
	if !errors.Is(err, contract.ErrInvariantViolation) {
		t.Fatalf("expect ErrInvariantViolation, got %v", err)
	}
}

// TestRunRetriesFlaky 限流与协议错误在重试预算内恢复
func TestRunRetriesFlaky(t *testing.T) {
	comp := baseComponents(t, 1000, 10, nil)
	llm, err := flaky.New(json.RawMessage(`{"retry_hint_sec":0.01}`))
	if err != nil {
		t.Fatal(err)
	}
	comp.LLM = llm
	resp, err := Run(context.Background(), comp, Settings{Concurrency: 1, MaxRetries: 2}, Request{
		Content:   contract.Content{Text: "some content"},
		Questions: contract.MakeQuestions([]string{"q one?"}),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Answers) != 1 || !strings.HasPrefix(resp.Answers[0].Text, "FLAKY: ") {
		t.Fatalf("answers: %+v", resp.Answers)
	}
}

// TestRunBestEffortFailures 失败单元记入 Failures，整体不中止
func TestRunBestEffortFailures(t *testing.T) {
	comp := baseComponents(t, 1000, 1, nil) // 2 问题 → 2 批
	llm, err := flaky.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	comp.LLM = llm
	resp, err := Run(context.Background(), comp, Settings{Concurrency: 1, BestEffort: true}, Request{
		Content:   contract.Content{Text: "some content"},
		Questions: contract.MakeQuestions([]string{"q one?", "q two?"}),
	}, nil)
	if !errors.Is(err, contract.ErrUnanswered) {
		t.Fatalf("expect ErrUnanswered, got %v", err)
	}
	if resp == nil || len(resp.Failures) != 2 {
		t.Fatalf("failures: %+v", resp)
	}
	if len(resp.Missing) != 2 {
		t.Fatalf("missing: %v", resp.Missing)
	}
}

// TestRunFirstErrorAborts 非尽力而为模式下首错即返回
func TestRunFirstErrorAborts(t *testing.T) {
	comp := baseComponents(t, 1000, 1, nil)
	llm, err := flaky.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	comp.LLM = llm
	_, err = Run(context.Background(), comp, Settings{Concurrency: 1}, Request{
		Content:   contract.Content{Text: "some content"},
		Questions: contract.MakeQuestions([]string{"q one?", "q two?"}),
	}, nil)
	if !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("expect rate limited first error, got %v", err)
	}
}

// reuseScriptClient 按脚本应答：摘要请求返回固定摘要，
// 首个问答单元只答 Q1，其后单元只答 Q2。
type reuseScriptClient struct {
	prompts []contract.ChatPrompt
	qaCalls int
}

func (c *reuseScriptClient) Invoke(_ context.Context, p contract.Prompt) (contract.Raw, error) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return contract.Raw{}, errors.New("unexpected prompt shape")
	}
	c.prompts = append(c.prompts, cp)
	if len(cp) > 0 && strings.Contains(cp[0].Content, "condense") {
		return contract.Raw{Text: "The first question is settled.", Usage: contract.Usage{InputTokens: 7, OutputTokens: 3}}, nil
	}
	c.qaCalls++
	if c.qaCalls == 1 {
		return contract.Raw{Text: `["answer one","N/A"]`, Usage: contract.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}
	return contract.Raw{Text: `["N/A","answer two"]`, Usage: contract.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

// TestRunReuseContextSummary 上下文复用触发一次摘要调用，
// 其后提示词携带 Additional Information 块，用量计入汇总。
func TestRunReuseContextSummary(t *testing.T) {
	comp := baseComponents(t, 10, 10, nil)
	sc := &reuseScriptClient{}
	comp.LLM = sc
	resp, err := Run(context.Background(), comp, Settings{ReuseContext: true}, Request{
		Content:   contract.Content{Text: "aaaaaaaaaa bbbbbbbbbb"}, // 2+ chunks
		Questions: contract.MakeQuestions([]string{"q one?", "q two?"}),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Missing) != 0 {
		t.Fatalf("missing: %v", resp.Missing)
	}
	// 调用序：QA1 → 摘要 → QA2（摘要仅一次）
	if len(sc.prompts) != 3 {
		t.Fatalf("expect 3 invokes, got %d", len(sc.prompts))
	}
	if !strings.Contains(sc.prompts[1][0].Content, "condense") {
		t.Fatalf("second invoke must be the summary call: %+v", sc.prompts[1][0])
	}
	found := false
	for _, m := range sc.prompts[2] {
		if strings.HasPrefix(m.Content, "Additional Information:\n") {
			found = true
			if !strings.Contains(m.Content, "The first question is settled.") {
				t.Fatalf("block must carry the summary: %q", m.Content)
			}
		}
	}
	if !found {
		t.Fatalf("later prompt lacks Additional Information block: %+v", sc.prompts[2])
	}
	// 摘要调用的用量计入 Response.Usage
	if resp.Usage.InputTokens != 27 || resp.Usage.OutputTokens != 13 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

// TestRunSanity 空问题/空内容快速失败
func TestRunSanity(t *testing.T) {
	comp := baseComponents(t, 1000, 10, nil)
	if _, err := Run(context.Background(), comp, Settings{}, Request{
		Content: contract.Content{Text: "x"},
	}, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("empty questions: %v", err)
	}
	if _, err := Run(context.Background(), comp, Settings{}, Request{
		Questions: contract.MakeQuestions([]string{"q?"}),
	}, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("empty content: %v", err)
	}
}

// TestRunBudgetOverhead 固定开销吃光预算时快速失败
func TestRunBudgetOverhead(t *testing.T) {
	comp := baseComponents(t, 1000, 10, nil)
	_, err := Run(context.Background(), comp, Settings{MaxTokens: 10}, Request{
		Content:   contract.Content{Text: "x"},
		Questions: contract.MakeQuestions([]string{"q?"}),
	}, nil)
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("expect ErrBudgetExceeded, got %v", err)
	}
}
