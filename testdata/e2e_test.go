package testdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gembatch"
	cfgpkg "gembatch/internal/config"
	"gembatch/pkg/contract"
)

// baseConfig 构造一个指向临时目录的端到端配置（mock 供应商占位）。
func baseConfig(t *testing.T, outDir string) cfgpkg.Config {
	t.Helper()
	qPath := filepath.Join(outDir, "questions.txt")
	if err := os.WriteFile(qPath, []byte("placeholder?\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.ContentPath = "-"
	cfg.QuestionsPath = qPath
	cfg.Logging.Level = "error"
	cfg.Provider = map[string]cfgpkg.Provider{}
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(
		`{"output_dir":%q,"atomic":false,"flat":true,"perm_file":0,"perm_dir":0,"buf_size":65536}`, outDir))
	return cfg
}

// TestE2EFirstAnswerWins 多块交叉配对下，跨块补答且先到先得。
func TestE2EFirstAnswerWins(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(t, outDir)
	// 19 字符一块：两句内容落入不同块
	cfg.Options.Chunker = json.RawMessage(`{"chunk_size":19,"overlap":0}`)
	cfg.LLM = "mock"
	cfg.Provider["mock"] = cfgpkg.Provider{
		Client:  "mock",
		Options: json.RawMessage(`{"prefix":"E2E","answer_from_content":true}`),
	}

	r, w, err := gembatch.NewRunnerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	resp, err := r.GenerateContent(context.Background(),
		contract.Content{Text: "rivers flow north. markets dropped today."},
		[]string{"Where do rivers flow?", "What did markets do?"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Answers) != 2 || len(resp.Missing) != 0 {
		t.Fatalf("answers=%+v missing=%v", resp.Answers, resp.Missing)
	}
	for _, a := range resp.Answers {
		if !strings.HasPrefix(a.Text, "E2E: ") {
			t.Fatalf("answer: %+v", a)
		}
	}

	// 结果工件落盘并可回读
	if err := w.WriteResponse(context.Background(), "answers.json", resp); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(outDir, "answers.json"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var got contract.Response
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("artifact decode: %v", err)
	}
	if len(got.Answers) != 2 {
		t.Fatalf("artifact answers: %+v", got.Answers)
	}
}

// TestE2EBudgetExceeded 预算低于提示词开销时启动即失败，不产出工件。
func TestE2EBudgetExceeded(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(t, outDir)
	cfg.MaxTokens = 1
	cfg.LLM = "mock"
	cfg.Provider["mock"] = cfgpkg.Provider{Client: "mock"}

	r, _, err := gembatch.NewRunnerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	_, err = r.GenerateContent(context.Background(),
		contract.Content{Text: "some content"}, []string{"q?"})
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("expect budget error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "answers.json")); err == nil {
		t.Fatalf("artifact should not exist")
	}
}

// TestE2ERetry 限流与坏回复经重试后收敛成功。
func TestE2ERetry(t *testing.T) {
	outDir := t.TempDir()
	logPath := filepath.Join(outDir, "flaky.log")
	cfg := baseConfig(t, outDir)
	cfg.MaxRetries = 2
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = cfgpkg.Provider{
		Client:  "flaky",
		Options: json.RawMessage(fmt.Sprintf(`{"prefix":"FLAKY","retry_hint_sec":0.01,"log_path":%q}`, logPath)),
	}

	r, _, err := gembatch.NewRunnerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	resp, err := r.GenerateContent(context.Background(),
		contract.Content{Text: "stable content"}, []string{"first?", "second?"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Answers) != 2 || !strings.HasPrefix(resp.Answers[0].Text, "FLAKY: ") {
		t.Fatalf("answers: %+v", resp.Answers)
	}
	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	if len(lines) < 3 || lines[0] != "rate_limited" || lines[1] != "invalid_json" || lines[2] != "ok" {
		t.Fatalf("unexpected log: %v", lines)
	}
}

// TestE2ETokenAware 截断信号驱动问题二分直至逐题收敛。
func TestE2ETokenAware(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(t, outDir)
	cfg.TokenAware = true
	cfg.LLM = "mock"
	cfg.Provider["mock"] = cfgpkg.Provider{
		Client:  "mock",
		Options: json.RawMessage(`{"truncate_over_questions":1}`),
	}

	r, _, err := gembatch.NewRunnerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	resp, err := r.GenerateContentTokenAware(context.Background(),
		contract.Content{Text: "short content"},
		[]string{"q one?", "q two?", "q three?"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(resp.Answers) != 3 || len(resp.Missing) != 0 {
		t.Fatalf("answers=%d missing=%v", len(resp.Answers), resp.Missing)
	}
}

// TestE2EStrictAborts 严格模式下首错即止。
func TestE2EStrictAborts(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(t, outDir)
	cfg.Strict = true
	cfg.MaxRetries = 0
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = cfgpkg.Provider{Client: "flaky"}

	r, _, err := gembatch.NewRunnerFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	_, err = r.GenerateContent(context.Background(),
		contract.Content{Text: "content"}, []string{"q?"})
	if !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("expect rate limit error, got %v", err)
	}
}
