// Package semantic 实现语义批处理，两种模式：
// - cluster: 将语义相近的问题聚为一批（贪心质心聚类），批不绑定块；
// - route:   将每个问题路由到最相似的块，按块分桶后再按 batch_size 切分，
//   批绑定其块（ChunkOrdinal >= 0），引擎只对该块调用。
package semantic

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"gembatch/internal/vector"
	"gembatch/pkg/contract"
)

// 模式常量。
const (
	ModeCluster = "cluster"
	ModeRoute   = "route"
)

// Options 为语义 Batcher 的配置。
type Options struct {
	// Mode: cluster 或 route。
	Mode string `json:"mode" validate:"oneof=cluster route"`
	// BatchSize: 每批最大问题数，必须 > 0。
	BatchSize int `json:"batch_size" validate:"gt=0"`
	// SimilarityThreshold: cluster 模式的归簇阈值（余弦），范围 [-1,1]。
	// route 模式忽略。
	SimilarityThreshold float64 `json:"similarity_threshold" validate:"gte=-1,lte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Batcher 实现 contract.Batcher；依赖外部 Embedder。
type Batcher struct {
	mode      string
	size      int
	threshold float64
	emb       contract.Embedder
}

// New 创建语义 Batcher；配置违例或缺少 Embedder 返回 ErrConfigInvalid。
func New(opts *Options, emb contract.Embedder) (*Batcher, error) {
	if opts == nil {
		return nil, fmt.Errorf("semantic: nil options: %w", contract.ErrConfigInvalid)
	}
	if emb == nil {
		return nil, fmt.Errorf("semantic: embedder required: %w", contract.ErrConfigInvalid)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("semantic: %v: %w", err, contract.ErrConfigInvalid)
	}
	return &Batcher{mode: opts.Mode, size: opts.BatchSize, threshold: opts.SimilarityThreshold, emb: emb}, nil
}

// Make 按模式分组问题；空问题序列产出空批序列。
// route 模式要求非空块序列，否则返回 ErrInvalidInput。
func (b *Batcher) Make(ctx context.Context, questions []contract.Question, chunks []contract.Chunk) ([]contract.Batch, error) {
	if len(questions) == 0 {
		return nil, nil
	}
	texts := make([]string, len(questions))
	for i, q := range questions {
		texts[i] = q.Text
	}
	qvecs, err := b.emb.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed questions: %w", err)
	}
	if len(qvecs) != len(questions) {
		return nil, fmt.Errorf("semantic: embedder returned %d vectors for %d questions: %w",
			len(qvecs), len(questions), contract.ErrResponseInvalid)
	}
	switch b.mode {
	case ModeRoute:
		return b.route(ctx, questions, qvecs, chunks)
	default:
		return b.cluster(questions, qvecs), nil
	}
}

// cluster: 贪心质心聚类。按原始顺序扫描问题，与首个相似度 >= threshold
// 且未满的簇合并，否则开新簇。簇即批，保持簇内原始顺序。
func (b *Batcher) cluster(questions []contract.Question, qvecs []contract.Vector) []contract.Batch {
	type group struct {
		members  []int
		centroid []float64
	}
	var groups []*group
	for i, v := range qvecs {
		var best *group
		var bestSim float64
		for _, g := range groups {
			if len(g.members) >= b.size {
				continue
			}
			sim := cosineCentroid(v, g.centroid)
			if sim < b.threshold {
				continue
			}
			if best == nil || sim > bestSim {
				best = g
				bestSim = sim
			}
		}
		if best == nil {
			g := &group{members: []int{i}, centroid: toFloat(v)}
			groups = append(groups, g)
			continue
		}
		best.members = append(best.members, i)
		addInto(best.centroid, v)
	}
	out := make([]contract.Batch, 0, len(groups))
	for _, g := range groups {
		qs := make([]contract.Question, 0, len(g.members))
		for _, m := range g.members {
			qs = append(qs, questions[m])
		}
		out = append(out, contract.Batch{Ordinal: len(out), ChunkOrdinal: -1, Questions: qs})
	}
	return out
}

// route: 每个问题归入最相似块的桶；相似度并列取序号最小的块。
// 超过 batch_size 的桶按定长再切分。
func (b *Batcher) route(ctx context.Context, questions []contract.Question, qvecs []contract.Vector, chunks []contract.Chunk) ([]contract.Batch, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("semantic: route mode requires chunks: %w", contract.ErrInvalidInput)
	}
	ctexts := make([]string, len(chunks))
	for i, c := range chunks {
		ctexts[i] = c.Text
	}
	cvecs, err := b.emb.Embed(ctx, ctexts)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed chunks: %w", err)
	}
	if len(cvecs) != len(chunks) {
		return nil, fmt.Errorf("semantic: embedder returned %d vectors for %d chunks: %w",
			len(cvecs), len(chunks), contract.ErrResponseInvalid)
	}
	buckets := make([][]contract.Question, len(chunks))
	for i, v := range qvecs {
		best := 0
		bestSim := vector.Cosine(v, cvecs[0])
		for j := 1; j < len(cvecs); j++ {
			if sim := vector.Cosine(v, cvecs[j]); sim > bestSim {
				best = j
				bestSim = sim
			}
		}
		buckets[best] = append(buckets[best], questions[i])
	}
	var out []contract.Batch
	for ci, qs := range buckets {
		for lo := 0; lo < len(qs); lo += b.size {
			hi := lo + b.size
			if hi > len(qs) {
				hi = len(qs)
			}
			out = append(out, contract.Batch{
				Ordinal:      len(out),
				ChunkOrdinal: chunks[ci].Ordinal,
				Questions:    qs[lo:hi],
			})
		}
	}
	return out, nil
}

func toFloat(v contract.Vector) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func addInto(centroid []float64, v contract.Vector) {
	for i := range centroid {
		if i < len(v) {
			centroid[i] += float64(v[i])
		}
	}
}

func cosineCentroid(v contract.Vector, centroid []float64) float64 {
	c := make(contract.Vector, len(centroid))
	for i, x := range centroid {
		c[i] = float32(x)
	}
	return vector.Cosine(v, c)
}

var _ contract.Batcher = (*Batcher)(nil)
