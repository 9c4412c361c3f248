// Package fixed 实现定长批处理：按原始顺序将问题切成不超过 batch_size 的组。
// 产出的批不绑定任何块（ChunkOrdinal = -1），由引擎与全部块做笛卡尔积。
package fixed

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"gembatch/pkg/contract"
)

// Options 为定长 Batcher 的配置。
type Options struct {
	// BatchSize: 每批最大问题数，必须 > 0。
	BatchSize int `json:"batch_size" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Batcher 实现 contract.Batcher。
type Batcher struct {
	size int
}

// New 创建定长 Batcher；配置违例返回 ErrConfigInvalid。
func New(opts *Options) (*Batcher, error) {
	if opts == nil {
		return nil, fmt.Errorf("fixed: nil options: %w", contract.ErrConfigInvalid)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("fixed: %v: %w", err, contract.ErrConfigInvalid)
	}
	return &Batcher{size: opts.BatchSize}, nil
}

// Make 按顺序切分问题；最后一批可不足 batch_size。
// 空问题序列产出空批序列。块序列不参与定长分组。
func (b *Batcher) Make(ctx context.Context, questions []contract.Question, _ []contract.Chunk) ([]contract.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(questions)
	if n == 0 {
		return nil, nil
	}
	count := (n + b.size - 1) / b.size
	out := make([]contract.Batch, 0, count)
	for i := 0; i < count; i++ {
		lo := i * b.size
		hi := lo + b.size
		if hi > n {
			hi = n
		}
		out = append(out, contract.Batch{
			Ordinal:      i,
			ChunkOrdinal: -1,
			Questions:    questions[lo:hi],
		})
	}
	return out, nil
}

var _ contract.Batcher = (*Batcher)(nil)
