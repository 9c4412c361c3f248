package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"gembatch/pkg/contract"
	emock "gembatch/plugins/embedder/mock"
)

// TestStrictUnmarshalRejectsUnknown 未知字段必须被拒绝
func TestStrictUnmarshalRejectsUnknown(t *testing.T) {
	_, err := Chunker["sliding"](json.RawMessage(`{"chunk_size":10,"overlap":2,"bogus":1}`), Deps{})
	if err == nil {
		t.Fatalf("expect unknown field error")
	}
}

// TestChunkerFactories 三种切块策略均可装配
func TestChunkerFactories(t *testing.T) {
	if _, err := Chunker["sliding"](json.RawMessage(`{"chunk_size":10,"overlap":2}`), Deps{}); err != nil {
		t.Fatalf("sliding: %v", err)
	}
	deps := Deps{Embedder: emock.New(nil)}
	if _, err := Chunker["semantic"](json.RawMessage(`{"min_sentences":1,"max_sentences":5}`), deps); err != nil {
		t.Fatalf("semantic: %v", err)
	}
	if _, err := Chunker["media"](json.RawMessage(`{"window_sec":30,"overlap_sec":5}`), Deps{}); err != nil {
		t.Fatalf("media: %v", err)
	}
}

// TestMediaSemanticRequiresDeps 媒体语义模式缺少转写器/嵌入器为配置错误
func TestMediaSemanticRequiresDeps(t *testing.T) {
	raw := json.RawMessage(`{"mode":"semantic","min_sentences":1,"max_sentences":5}`)
	_, err := Chunker["media"](raw, Deps{Embedder: emock.New(nil)})
	if !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("missing transcriber: expect ErrConfigInvalid, got %v", err)
	}
	tr, err := Transcriber["srt"](nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Chunker["media"](raw, Deps{Transcriber: tr})
	if !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("missing embedder: expect ErrConfigInvalid, got %v", err)
	}
	if _, err := Chunker["media"](raw, Deps{Transcriber: tr, Embedder: emock.New(nil)}); err != nil {
		t.Fatalf("media semantic: %v", err)
	}
}

// TestSemanticRequiresEmbedder 缺少 Embedder 为配置错误
func TestSemanticRequiresEmbedder(t *testing.T) {
	_, err := Chunker["semantic"](json.RawMessage(`{"min_sentences":1,"max_sentences":5}`), Deps{})
	if !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("chunker: expect ErrConfigInvalid, got %v", err)
	}
	_, err = Batcher["semantic"](json.RawMessage(`{"mode":"cluster","batch_size":3}`), Deps{})
	if !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("batcher: expect ErrConfigInvalid, got %v", err)
	}
}

// TestBatcherFactories 三种分批策略均可装配
func TestBatcherFactories(t *testing.T) {
	if _, err := Batcher["fixed"](json.RawMessage(`{"batch_size":4}`), Deps{}); err != nil {
		t.Fatalf("fixed: %v", err)
	}
	if _, err := Batcher["budget"](json.RawMessage(`{"max_question_tokens":64}`), Deps{}); err != nil {
		t.Fatalf("budget: %v", err)
	}
	deps := Deps{Embedder: emock.New(nil)}
	if _, err := Batcher["semantic"](json.RawMessage(`{"mode":"route","batch_size":4}`), deps); err != nil {
		t.Fatalf("semantic: %v", err)
	}
}

// TestRemainingFactories 其余角色默认选项可装配
func TestRemainingFactories(t *testing.T) {
	if _, err := PromptBuilder["qa"](nil); err != nil {
		t.Fatalf("prompt qa: %v", err)
	}
	if _, err := Decoder["qa"](nil); err != nil {
		t.Fatalf("decoder qa: %v", err)
	}
	if _, err := LLMClient["mock"](nil); err != nil {
		t.Fatalf("llm mock: %v", err)
	}
	if _, err := LLMClient["flaky"](nil); err != nil {
		t.Fatalf("llm flaky: %v", err)
	}
	if _, err := LLMClient["openai"](json.RawMessage(`{"api_key":"k"}`)); err != nil {
		t.Fatalf("llm openai: %v", err)
	}
	if _, err := Embedder["mock"](nil); err != nil {
		t.Fatalf("embedder mock: %v", err)
	}
	if _, err := Transcriber["srt"](nil); err != nil {
		t.Fatalf("transcriber srt: %v", err)
	}
	if _, err := Writer["fs"](json.RawMessage(`{"output_dir":"` + t.TempDir() + `"}`)); err != nil {
		t.Fatalf("writer fs: %v", err)
	}
}
