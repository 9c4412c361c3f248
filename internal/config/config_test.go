package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	qp := filepath.Join(dir, "questions.txt")
	if err := os.WriteFile(qp, []byte("q one?\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Merge(Defaults(), Config{
		ContentPath:   "-",
		QuestionsPath: qp,
		MaxRetries:    -1,
		LLM:           "mock",
		Provider: map[string]Provider{
			"mock": {Client: "mock"},
		},
	})
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"` + dir + `"}`)
	return cfg
}

// TestLoadJSONStrict 未知字段在解析期失败
func TestLoadJSONStrict(t *testing.T) {
	if _, err := LoadJSON("", []byte(`{"nonsense":1}`)); err == nil {
		t.Fatalf("expect unknown field error")
	}
	cfg, err := LoadJSON("", []byte(`{"content_path":"c.txt","llm":"mock"}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ContentPath != "c.txt" || cfg.LLM != "mock" {
		t.Fatalf("parsed: %+v", cfg)
	}
}

// TestMergePrecedence 覆盖语义：非零/非空覆盖，其余保持
func TestMergePrecedence(t *testing.T) {
	base := Defaults()
	base.MaxRetries = 3
	out := Merge(base, Config{Concurrency: 4, MaxRetries: -1, Components: Components{Batcher: "semantic"}})
	if out.Concurrency != 4 {
		t.Fatalf("concurrency: %d", out.Concurrency)
	}
	if out.MaxRetries != 3 {
		t.Fatalf("max_retries must survive -1 overlay: %d", out.MaxRetries)
	}
	if out.Components.Batcher != "semantic" || out.Components.Chunker != "sliding" {
		t.Fatalf("components: %+v", out.Components)
	}
	// 显式 0 覆盖
	out = Merge(base, Config{MaxRetries: 0})
	if out.MaxRetries != 0 {
		t.Fatalf("explicit zero: %d", out.MaxRetries)
	}
}

// TestEnvOverlay 前缀键集合与 provider 路径
func TestEnvOverlay(t *testing.T) {
	over, err := EnvOverlay([]string{
		"GEMBATCH_CONTENT=doc.txt",
		"GEMBATCH_CONCURRENCY=8",
		"GEMBATCH_TOKEN_AWARE=true",
		"GEMBATCH_LLM=gemini",
		"GEMBATCH_COMPONENTS_CHUNKER=semantic",
		"GEMBATCH_PROVIDER__gemini__CLIENT=gemini",
		"GEMBATCH_PROVIDER__gemini__LIMITS_RPM=30",
		"GEMBATCH_PROVIDER__gemini__OPTIONS_JSON={\"model\":\"gemini-2.0-flash\"}",
		"OTHER_KEY=ignored",
	})
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if over.ContentPath != "doc.txt" || over.Concurrency != 8 || !over.TokenAware {
		t.Fatalf("scalars: %+v", over)
	}
	p, ok := over.Provider["gemini"]
	if !ok || p.Client != "gemini" || p.Limits.RPM != 30 {
		t.Fatalf("provider: %+v", p)
	}
	if !strings.Contains(string(p.Options), "gemini-2.0-flash") {
		t.Fatalf("options json: %s", p.Options)
	}
}

// TestValidateBoundaries 必填与互斥
func TestValidateBoundaries(t *testing.T) {
	cases := []func(c *Config){
		func(c *Config) { c.ContentPath = "" },                       // no input
		func(c *Config) { c.MediaPath = "m.mp4" },                    // both inputs
		func(c *Config) { c.QuestionsPath = "" },                     // no questions
		func(c *Config) { c.Concurrency = 0 },                        // bad concurrency
		func(c *Config) { c.LLM = "" },                               // no llm
		func(c *Config) { c.LLM = "missing" },                        // unknown provider
		func(c *Config) { c.Components.Chunker = "nope" },            // unknown chunker
		func(c *Config) { c.Components.Chunker = "semantic" },        // semantic without embedder
		func(c *Config) { c.TokenEstimator = "bogus" },               // unknown estimator
		func(c *Config) { c.MaxTokens = 100; c.Provider["mock"] = Provider{Client: "mock", Limits: Limits{MaxTokensPerReq: 10}} },
	}
	for i, mut := range cases {
		cfg := validConfig(t)
		mut(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("case %d: expect validation error", i)
		}
	}
	if err := Validate(validConfig(t)); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

// TestValidateMediaRequiresMediaChunker 输入形态与切块策略匹配
func TestValidateMediaRequiresMediaChunker(t *testing.T) {
	cfg := validConfig(t)
	cfg.ContentPath = ""
	cfg.MediaPath = "talk.mp4"
	cfg.MediaDurationSec = 120
	if err := Validate(cfg); err == nil {
		t.Fatalf("media with sliding chunker must fail")
	}
	cfg.Components.Chunker = "media"
	if err := Validate(cfg); err != nil {
		t.Fatalf("media chunker: %v", err)
	}
}

// TestAssembleMock 端到端装配（mock 栈）
func TestAssembleMock(t *testing.T) {
	cfg := validConfig(t)
	comp, set, w, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if comp.Chunker == nil || comp.Batcher == nil || comp.PromptBuilder == nil || comp.LLM == nil || comp.Decoder == nil {
		t.Fatalf("components incomplete: %+v", comp)
	}
	if w == nil {
		t.Fatalf("writer missing")
	}
	if set.Gate == nil || set.GateKey == "" {
		t.Fatalf("gate not assembled")
	}
	if !set.BestEffort {
		t.Fatalf("best effort must default on")
	}
}

// TestAssembleSemanticStack 语义切块+语义批处理（mock embedder）
func TestAssembleSemanticStack(t *testing.T) {
	cfg := validConfig(t)
	cfg.Components.Chunker = "semantic"
	cfg.Components.Batcher = "semantic"
	cfg.Components.Embedder = "mock"
	cfg.Options.Chunker = json.RawMessage(`{"min_sentences":1,"max_sentences":5}`)
	cfg.Options.Batcher = json.RawMessage(`{"mode":"route","batch_size":4}`)
	if _, _, _, err := Assemble(cfg); err != nil {
		t.Fatalf("assemble semantic: %v", err)
	}
}

// TestDefaultTemplateRoundtrip 模板可序列化且通过严格解析
func TestDefaultTemplateRoundtrip(t *testing.T) {
	tpl := DefaultTemplateConfig()
	b, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := LoadJSON("", b); err != nil {
		t.Fatalf("template must pass strict load: %v", err)
	}
}
