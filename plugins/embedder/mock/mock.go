// Package mock 提供确定性嵌入器：词袋哈希向量，无网络、无状态。
// 共享词越多的句子余弦相似度越高，适合本地测试语义分块。
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"gembatch/pkg/contract"
)

// Options 为 mock Embedder 的配置。
type Options struct {
	// Dimensions: 向量维度；<=0 时采用默认 64。
	Dimensions int `json:"dimensions"`
}

// Embedder 实现 contract.Embedder。
type Embedder struct {
	dim int
}

// New 创建确定性 Embedder。
func New(opts *Options) *Embedder {
	dim := 64
	if opts != nil && opts.Dimensions > 0 {
		dim = opts.Dimensions
	}
	return &Embedder{dim: dim}
}

// Embed 为每段文本产出词袋哈希向量：
// 小写分词（去标点），每词经 FNV-1a 哈希落入一个维度并累加。
// 空文本产出零向量。
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]contract.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]contract.Vector, len(texts))
	for i, t := range texts {
		v := make(contract.Vector, e.dim)
		for _, w := range tokenize(t) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[int(h.Sum32())%e.dim]++
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var _ contract.Embedder = (*Embedder)(nil)
