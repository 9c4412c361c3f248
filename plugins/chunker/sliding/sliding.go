// Package sliding 实现滑动窗口分块：固定窗口按步长 step = chunk_size - overlap
// 前移，字符轴为 rune。overlap=0 时退化为定长切分。
package sliding

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"gembatch/pkg/contract"
)

// Options 为滑动窗口 Chunker 的配置。
type Options struct {
	// ChunkSize: 单块最大字符数（rune），必须 > 0。
	ChunkSize int `json:"chunk_size" validate:"gt=0"`
	// Overlap: 相邻块重叠字符数，必须满足 0 <= Overlap < ChunkSize。
	Overlap int `json:"overlap" validate:"gte=0,ltfield=ChunkSize"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Chunker 实现 contract.Chunker。
type Chunker struct {
	size    int
	overlap int
}

// New 创建滑动窗口 Chunker；配置违例返回 ErrConfigInvalid。
func New(opts *Options) (*Chunker, error) {
	if opts == nil {
		return nil, fmt.Errorf("sliding: nil options: %w", contract.ErrConfigInvalid)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("sliding: %v: %w", err, contract.ErrConfigInvalid)
	}
	return &Chunker{size: opts.ChunkSize, overlap: opts.Overlap}, nil
}

// Chunks 产出覆盖全文的有序块序列。
// 规则：
// - step = size - overlap；块数 = ceil(L/step)，L 为 rune 总数；
// - 第 i 块覆盖 [i*step, min(i*step+size, L))；
// - 空内容产出空序列；媒体内容返回 ErrInvalidInput（由媒体分块器处理）。
func (c *Chunker) Chunks(ctx context.Context, content contract.Content) ([]contract.Chunk, error) {
	if content.IsMedia() {
		return nil, fmt.Errorf("sliding: media content not supported: %w", contract.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs := []rune(content.Text)
	n := len(rs)
	if n == 0 {
		return nil, nil
	}
	step := c.size - c.overlap
	count := (n + step - 1) / step
	out := make([]contract.Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * step
		end := start + c.size
		if end > n {
			end = n
		}
		out = append(out, contract.Chunk{
			Ordinal: i,
			Start:   start,
			End:     end,
			Text:    string(rs[start:end]),
		})
	}
	return out, nil
}

var _ contract.Chunker = (*Chunker)(nil)
