// Package vector 提供嵌入向量的相似度与统计原语。纯函数、无 I/O。
package vector

import (
	"math"

	"gembatch/pkg/contract"
)

// Cosine 计算两向量的余弦相似度，范围 [-1,1]。
// 任一向量为零向量或长度不一致时返回 0（上游保证同一提供方产出等长向量）。
func Cosine(a, b contract.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MeanStd 返回均值与总体标准差；空切片返回 (0,0)。
func MeanStd(xs []float64) (mean, std float64) {
	n := len(xs)
	if n == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	var v float64
	for _, x := range xs {
		d := x - mean
		v += d * d
	}
	return mean, math.Sqrt(v / float64(n))
}
