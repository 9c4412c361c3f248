// Package budget 实现预算驱动批处理：按估算 token 贪心装填，
// 使每批问题的估算开销不超过 max_question_tokens。
// 与定长分组相比，问题长度差异大时能产出更均匀的调用负载。
// 产出的批不绑定任何块（ChunkOrdinal = -1），由引擎与全部块做笛卡尔积。
package budget

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"gembatch/pkg/contract"
)

// Options 为预算 Batcher 的配置。
type Options struct {
	// MaxQuestionTokens: 每批问题区的 token 预算，必须 > 0。
	// 不含内容与模板开销（那部分由引擎的预算预检把关）。
	MaxQuestionTokens int `json:"max_question_tokens" validate:"gt=0"`
	// BytesPerToken: 估算系数，tokens ≈ ceil(utf8_bytes / BytesPerToken)。<=0 时默认 4。
	BytesPerToken int `json:"bytes_per_token"`
	// ExtraBytesPerQuestion: 每题在提示词包装产生的额外字节估算（序号、换行）。<=0 表示不加成。
	ExtraBytesPerQuestion int `json:"extra_bytes_per_question"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Batcher 实现 contract.Batcher。
type Batcher struct {
	budget        int
	bytesPerToken int
	extraPerQ     int
}

// New 创建预算 Batcher；配置违例返回 ErrConfigInvalid。
func New(opts *Options) (*Batcher, error) {
	if opts == nil {
		return nil, fmt.Errorf("budget: nil options: %w", contract.ErrConfigInvalid)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("budget: %v: %w", err, contract.ErrConfigInvalid)
	}
	bpt := opts.BytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	extra := opts.ExtraBytesPerQuestion
	if extra < 0 {
		extra = 0
	}
	return &Batcher{budget: opts.MaxQuestionTokens, bytesPerToken: bpt, extraPerQ: extra}, nil
}

// Make 按原始顺序贪心装填：当前批加入下一题会超出预算时收束本批。
// 单题即超预算时仍独占一批（预算对单题不可再分；真正超限由引擎判定）。
// 空问题序列产出空批序列。块序列不参与分组。
func (b *Batcher) Make(ctx context.Context, questions []contract.Question, _ []contract.Chunk) ([]contract.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(questions)
	if n == 0 {
		return nil, nil
	}
	var out []contract.Batch
	lo := 0
	used := 0
	for i := 0; i < n; i++ {
		t := b.estimateTokens(questions[i].Text)
		if i > lo && used+t > b.budget {
			out = append(out, contract.Batch{
				Ordinal:      len(out),
				ChunkOrdinal: -1,
				Questions:    questions[lo:i],
			})
			lo = i
			used = 0
		}
		used += t
	}
	out = append(out, contract.Batch{
		Ordinal:      len(out),
		ChunkOrdinal: -1,
		Questions:    questions[lo:],
	})
	return out, nil
}

// estimateTokens: 近似估算 tokens ≈ ceil(utf8_bytes / bytesPerToken)。
func (b *Batcher) estimateTokens(s string) int {
	bytes := len(s) + b.extraPerQ
	if bytes == 0 {
		return 0
	}
	return (bytes + b.bytesPerToken - 1) / b.bytesPerToken
}

var _ contract.Batcher = (*Batcher)(nil)
