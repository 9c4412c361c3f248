// Package semantic 实现语义分块：句子切分 → 嵌入 → 相邻余弦相似度，
// 在相似度低于自适应阈值（均值 − 标准差×系数）处断块，块内句数受 [min,max] 约束。
package semantic

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"gembatch/internal/textseg"
	"gembatch/internal/vector"
	"gembatch/pkg/contract"
)

// Options 为语义 Chunker 的配置。
type Options struct {
	// MinSentences: 块内最少句数，必须 >= 1。
	MinSentences int `json:"min_sentences" validate:"gte=1"`
	// MaxSentences: 块内最多句数，必须 > MinSentences。
	MaxSentences int `json:"max_sentences" validate:"gtfield=MinSentences"`
	// ThresholdFactor: 阈值系数，threshold = mean - std*factor，
	// 取值 (0,1]；越大越不易断块。未设置（0）时取默认 0.5。
	ThresholdFactor float64 `json:"threshold_factor" validate:"gte=0,lte=1"`
}

// defaultThresholdFactor: ThresholdFactor 未设置时的默认系数。
const defaultThresholdFactor = 0.5

var validate = validator.New(validator.WithRequiredStructEnabled())

// Chunker 实现 contract.Chunker；依赖外部 Embedder。
type Chunker struct {
	min    int
	max    int
	factor float64
	emb    contract.Embedder
}

// New 创建语义 Chunker；配置违例或缺少 Embedder 返回 ErrConfigInvalid。
func New(opts *Options, emb contract.Embedder) (*Chunker, error) {
	if opts == nil {
		return nil, fmt.Errorf("semantic: nil options: %w", contract.ErrConfigInvalid)
	}
	if emb == nil {
		return nil, fmt.Errorf("semantic: embedder required: %w", contract.ErrConfigInvalid)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("semantic: %v: %w", err, contract.ErrConfigInvalid)
	}
	factor := opts.ThresholdFactor
	if factor == 0 {
		factor = defaultThresholdFactor
	}
	return &Chunker{min: opts.MinSentences, max: opts.MaxSentences, factor: factor, emb: emb}, nil
}

// Chunks 产出按语义边界切分的有序块序列。
// 规则：
// - 句子切分后逐句嵌入，计算相邻句相似度；
// - threshold = mean(sims) - std(sims)*factor；
// - 当下一句与当前句相似度 < threshold 且块内句数 >= min 时断块；
//   块内句数达到 max 时强制断块；
// - 块覆盖 [首句.Start, 末句.End)（rune 偏移），Text 为原文切片；
// - 句数 < 2 时整体为单块；空内容产出空序列。
func (c *Chunker) Chunks(ctx context.Context, content contract.Content) ([]contract.Chunk, error) {
	if content.IsMedia() {
		return nil, fmt.Errorf("semantic: media content not supported: %w", contract.ErrInvalidInput)
	}
	sentences := textseg.Segment(content.Text)
	if len(sentences) == 0 {
		return nil, nil
	}
	rs := []rune(content.Text)
	if len(sentences) < 2 {
		s := sentences[0]
		return []contract.Chunk{{Ordinal: 0, Start: s.Start, End: s.End, Text: string(rs[s.Start:s.End])}}, nil
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.Text
	}
	vecs, err := c.emb.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("semantic: embedder returned %d vectors for %d sentences: %w",
			len(vecs), len(texts), contract.ErrResponseInvalid)
	}

	sims := make([]float64, len(sentences)-1)
	for i := range sims {
		sims[i] = vector.Cosine(vecs[i], vecs[i+1])
	}
	mean, std := vector.MeanStd(sims)
	threshold := mean - std*c.factor

	var out []contract.Chunk
	first := 0 // 当前块首句下标
	for i := 0; i < len(sentences); i++ {
		count := i - first + 1
		breakHere := false
		if i == len(sentences)-1 {
			breakHere = true
		} else if count >= c.max {
			breakHere = true
		} else if sims[i] < threshold && count >= c.min {
			breakHere = true
		}
		if breakHere {
			start := sentences[first].Start
			end := sentences[i].End
			out = append(out, contract.Chunk{
				Ordinal: len(out),
				Start:   start,
				End:     end,
				Text:    string(rs[start:end]),
			})
			first = i + 1
		}
	}
	return out, nil
}

var _ contract.Chunker = (*Chunker)(nil)
