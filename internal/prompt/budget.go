package prompt

import (
	"github.com/pkoukk/tiktoken-go"

	"gembatch/pkg/contract"
)

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len([]byte(s))
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// MakeTiktokenEstimator 返回基于 tiktoken 编码的估算器（encoding 为空时用 cl100k_base）。
// 编码表加载失败时回退到字节近似估算器。
func MakeTiktokenEstimator(encoding string) contract.TokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return MakeEstimator(0)
	}
	return func(s string) int {
		if s == "" {
			return 0
		}
		return len(enc.Encode(s, nil, nil))
	}
}

// EffectiveMaxTokens 计算预扣“固定提示开销”后的有效预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, est contract.TokenEstimator, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	if est == nil {
		est = MakeEstimator(0)
	}
	overhead := pb.EstimateOverheadTokens(est)
	eff := maxTokens - overhead
	return eff, overhead
}
