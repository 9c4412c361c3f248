// Package textseg 提供句子切分：在句末标点（. ! ?，其后随空白）边界切分，
// 保留 rune 偏移以便重组时恢复边界。纯函数、无 I/O。
package textseg

import "unicode"

// Sentence: 原文中的连续句子切片。
// Start/End 为 rune 偏移（半开区间）：起于首个非空白字符，止于句末标点串之后
// （或文本结尾，去除尾部空白）。Text 为 [Start,End) 的原文切片。
type Sentence struct {
	Text  string
	Start int
	End   int
}

// Segment 将文本切分为有序句子序列。
// 规则：
// - 终止符为一个或多个连续的 . ! ?，其后随空白（或文本结尾）；
// - 纯空白片段丢弃；空输入产出空序列；
// - 偏移与原文 1:1 可恢复。
func Segment(text string) []Sentence {
	rs := []rune(text)
	n := len(rs)
	var out []Sentence
	i := 0
	for i < n {
		// 跳过空白，定位句首
		for i < n && unicode.IsSpace(rs[i]) {
			i++
		}
		if i >= n {
			break
		}
		start := i
		end := -1
		for i < n {
			if isTerminator(rs[i]) {
				// 吃掉整串终止符
				for i < n && isTerminator(rs[i]) {
					i++
				}
				// 终止符后随空白或文本结尾才构成句界
				if i >= n || unicode.IsSpace(rs[i]) {
					end = i
					break
				}
				continue
			}
			i++
		}
		if end < 0 {
			// 无终止符：止于文本结尾，回退尾部空白
			end = n
			for end > start && unicode.IsSpace(rs[end-1]) {
				end--
			}
		}
		if end > start {
			out = append(out, Sentence{Text: string(rs[start:end]), Start: start, End: end})
		}
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
