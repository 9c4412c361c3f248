// Package gemini 基于 google.golang.org/genai 的嵌入器。
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"google.golang.org/genai"

	"gembatch/pkg/contract"
)

// Options: Gemini 嵌入配置。
type Options struct {
	Model     string `json:"model"`       // 默认 gemini-embedding-001
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// Dimensions: 输出维度；<=0 时采用默认 768。
	Dimensions int `json:"dimensions"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Embedder 实现 contract.Embedder。
type Embedder struct {
	gc      *genai.Client
	model   string
	dim     int32
	timeout time.Duration
}

// New 从原样 JSON Options 创建嵌入器。
func New(raw json.RawMessage) (*Embedder, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, err
		}
	}
	if opts.Model == "" {
		opts.Model = "gemini-embedding-001"
	}
	if opts.APIKeyEnv == "" {
		opts.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 768
	}
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 60
	}
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini embedder: %w: missing api key", contract.ErrConfigInvalid)
	}
	gc, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: client init: %w", err)
	}
	return &Embedder{
		gc:      gc,
		model:   opts.Model,
		dim:     int32(opts.Dimensions),
		timeout: time.Duration(opts.TimeoutSeconds) * time.Second,
	}, nil
}

// Embed 批量嵌入；产出顺序与输入一一对应，维度与配置一致。
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]contract.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	dim := e.dim
	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.gc.Models.EmbedContent(tctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("gemini embedder: empty response: %w", contract.ErrResponseInvalid)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embedder: got %d embeddings for %d texts: %w",
			len(resp.Embeddings), len(texts), contract.ErrResponseInvalid)
	}
	out := make([]contract.Vector, len(texts))
	for i, emb := range resp.Embeddings {
		out[i] = contract.Vector(emb.Values)
	}
	return out, nil
}

var _ contract.Embedder = (*Embedder)(nil)
