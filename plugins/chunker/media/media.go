// Package media 实现媒体分块，两种模式：
//   - sliding（默认）：时间轴滑动窗口（step = window - overlap，单位秒）；
//     配置了转写器时，将起点落在窗口内的转写句拼入块文本。
//   - semantic：转写 → 逐句嵌入 → 相邻余弦相似度，在相似度低于自适应阈值
//     （均值 − 标准差×系数）处断块，块边界取句子时间轴。
package media

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"gembatch/internal/vector"
	"gembatch/pkg/contract"
)

// Options 为媒体 Chunker 的配置。
type Options struct {
	// Mode: "sliding"（默认）或 "semantic"。
	Mode string `json:"mode" validate:"omitempty,oneof=sliding semantic"`
	// WindowSec: 单块时长（秒）。sliding 模式下必须 > 0。
	WindowSec float64 `json:"window_sec" validate:"gte=0"`
	// OverlapSec: 相邻块重叠时长（秒），必须满足 0 <= OverlapSec < WindowSec。
	OverlapSec float64 `json:"overlap_sec" validate:"gte=0"`
	// MinSentences: 块内最少句数（semantic 模式），必须 >= 1。
	MinSentences int `json:"min_sentences" validate:"gte=0"`
	// MaxSentences: 块内最多句数（semantic 模式），必须 > MinSentences。
	MaxSentences int `json:"max_sentences" validate:"gte=0"`
	// ThresholdFactor: 阈值系数（semantic 模式），threshold = mean - std*factor，
	// 取值 (0,1]；未设置（0）时取默认 0.5。
	ThresholdFactor float64 `json:"threshold_factor" validate:"gte=0,lte=1"`
}

// defaultThresholdFactor: ThresholdFactor 未设置时的默认系数。
const defaultThresholdFactor = 0.5

var validate = validator.New(validator.WithRequiredStructEnabled())

// Chunker 实现 contract.Chunker。
// sliding 模式下 tr 可为 nil（纯时间窗，不含文本）；
// semantic 模式下 tr 与 emb 均为必需。
type Chunker struct {
	semantic bool
	window   float64
	overlap  float64
	min      int
	max      int
	factor   float64
	tr       contract.Transcriber
	emb      contract.Embedder
}

// New 创建媒体 Chunker；配置违例或 semantic 模式缺少协作者返回 ErrConfigInvalid。
func New(opts *Options, tr contract.Transcriber, emb contract.Embedder) (*Chunker, error) {
	if opts == nil {
		return nil, fmt.Errorf("media: nil options: %w", contract.ErrConfigInvalid)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("media: %v: %w", err, contract.ErrConfigInvalid)
	}
	switch opts.Mode {
	case "", "sliding":
		if opts.WindowSec <= 0 {
			return nil, fmt.Errorf("media: window_sec must be > 0: %w", contract.ErrConfigInvalid)
		}
		if opts.OverlapSec >= opts.WindowSec {
			return nil, fmt.Errorf("media: overlap_sec must be < window_sec: %w", contract.ErrConfigInvalid)
		}
		return &Chunker{window: opts.WindowSec, overlap: opts.OverlapSec, tr: tr}, nil
	case "semantic":
		if tr == nil {
			return nil, fmt.Errorf("media: semantic mode requires a transcriber: %w", contract.ErrConfigInvalid)
		}
		if emb == nil {
			return nil, fmt.Errorf("media: semantic mode requires an embedder: %w", contract.ErrConfigInvalid)
		}
		if opts.MinSentences < 1 {
			return nil, fmt.Errorf("media: min_sentences must be >= 1: %w", contract.ErrConfigInvalid)
		}
		if opts.MaxSentences <= opts.MinSentences {
			return nil, fmt.Errorf("media: max_sentences must be > min_sentences: %w", contract.ErrConfigInvalid)
		}
		factor := opts.ThresholdFactor
		if factor == 0 {
			factor = defaultThresholdFactor
		}
		return &Chunker{
			semantic: true,
			min:      opts.MinSentences,
			max:      opts.MaxSentences,
			factor:   factor,
			tr:       tr,
			emb:      emb,
		}, nil
	}
	return nil, fmt.Errorf("media: unknown mode %q: %w", opts.Mode, contract.ErrConfigInvalid)
}

// Chunks 产出覆盖媒体时间轴的有序块序列。
// 规则：
// - 文本内容返回 ErrInvalidInput（由文本分块器处理）；
// - 时长未知（<=0）返回 ErrInvalidInput；
// - sliding：step = window - overlap；块数 = ceil(duration/step)；
//   第 i 块覆盖 [i*step, min(i*step+window, duration)) 秒；
// - semantic：转写后按句间相似度断块，块覆盖 [首句.StartSec, 末句.EndSec)，
//   Text 为块内句子拼接。
func (c *Chunker) Chunks(ctx context.Context, content contract.Content) ([]contract.Chunk, error) {
	if !content.IsMedia() {
		return nil, fmt.Errorf("media: text content not supported: %w", contract.ErrInvalidInput)
	}
	dur := content.Media.DurationSec
	if dur <= 0 {
		return nil, fmt.Errorf("media: unknown duration for %s: %w", content.Media.Path, contract.ErrInvalidInput)
	}
	var sentences []contract.TimedSentence
	if c.tr != nil {
		var err error
		sentences, err = c.tr.Transcribe(ctx, *content.Media)
		if err != nil {
			return nil, fmt.Errorf("media: transcribe: %w", err)
		}
	}
	if c.semantic {
		return c.semanticChunks(ctx, sentences)
	}
	return c.slidingChunks(dur, sentences), nil
}

// slidingChunks 在时间轴上按滑动窗口切分。
func (c *Chunker) slidingChunks(dur float64, sentences []contract.TimedSentence) []contract.Chunk {
	step := c.window - c.overlap
	count := int(math.Ceil(dur / step))
	out := make([]contract.Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * step
		end := start + c.window
		if end > dur {
			end = dur
		}
		ch := contract.Chunk{
			Ordinal:  i,
			StartSec: start,
			EndSec:   end,
		}
		if len(sentences) > 0 {
			ch.Text = transcriptSlice(sentences, start, end)
		}
		out = append(out, ch)
	}
	return out
}

// semanticChunks 在转写句序列上按相邻相似度断块，边界映射回时间轴。
// 规则与文本语义分块一致：
// - threshold = mean(sims) - std(sims)*factor；
// - 当下一句相似度 < threshold 且块内句数 >= min 时断块；达到 max 时强制断块；
// - 句数 < 2 时整体为单块；空转写产出空序列。
func (c *Chunker) semanticChunks(ctx context.Context, sentences []contract.TimedSentence) ([]contract.Chunk, error) {
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) < 2 {
		return []contract.Chunk{timedChunk(0, sentences)}, nil
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.Text
	}
	vecs, err := c.emb.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("media: embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("media: embedder returned %d vectors for %d sentences: %w",
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
			out = append(out, timedChunk(len(out), sentences[first:i+1]))
			first = i + 1
		}
	}
	return out, nil
}

// timedChunk 由连续句子构造块：文本拼接，边界取首句起点与末句终点。
func timedChunk(ordinal int, ss []contract.TimedSentence) contract.Chunk {
	var b strings.Builder
	for _, s := range ss {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.Text)
	}
	return contract.Chunk{
		Ordinal:  ordinal,
		StartSec: ss[0].StartSec,
		EndSec:   ss[len(ss)-1].EndSec,
		Text:     b.String(),
	}
}

// transcriptSlice 拼接起点落在 [start,end) 内的句子。
func transcriptSlice(ss []contract.TimedSentence, start, end float64) string {
	var b strings.Builder
	for _, s := range ss {
		if s.StartSec < start || s.StartSec >= end {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

var _ contract.Chunker = (*Chunker)(nil)
