package contract

// QuestionIndex: 问题在原始输入列表内的稳定索引（0..n-1）。
// 经过批处理、路由与重组后必须原样保留，用于跨批顺序恢复。
type QuestionIndex int

// Question: 原子问题载体（不可拆分、不可改写）。
// 约束：
// - Text 原样透传，不做清洗；
// - Index 自 0 严格递增，等于其在原始列表中的位置。
type Question struct {
	Index QuestionIndex
	Text  string
}

// MakeQuestions 将字符串列表包装为带稳定索引的 Question 序列。
func MakeQuestions(qs []string) []Question {
	if len(qs) == 0 {
		return nil
	}
	out := make([]Question, len(qs))
	for i, q := range qs {
		out[i] = Question{Index: QuestionIndex(i), Text: q}
	}
	return out
}

// MediaRef: 时长型媒体资产引用。
// 约束：DurationSec > 0；Path 指向可派生音轨/转写的本地资产。
type MediaRef struct {
	Path string
	// DurationSec: 总时长（秒）。
	DurationSec float64
	// MIMEType: 上传所需媒体类型（如 "video/mp4"）；为空由客户端按扩展名推断。
	MIMEType string
}

// Content: 只读输入内容，文本与媒体二选一。
// 所有权归调用方；引擎只读借用，构造后不可变。
type Content struct {
	Text  string
	Media *MediaRef
}

// IsMedia 报告内容是否为媒体引用。
func (c Content) IsMedia() bool { return c.Media != nil }

// Chunk: 内容的有界连续切片。
// 文本轴：Start/End 为 rune 偏移（半开区间，End > Start），Text 为原文切片；
// 媒体轴：StartSec/EndSec 为秒偏移（半开区间），Text 为该区间的转写文本（可为空）。
// 序列不变量：最后一块的 End（或 EndSec）等于内容长度（或总时长）；
// 未配置重叠时序列无缝隙。
type Chunk struct {
	Ordinal int
	Start   int
	End     int
	Text    string

	StartSec float64
	EndSec   float64
}

// Batch: 非空有序问题组。
// 约束：
//  1. 全部批的问题并集（含重数）等于原始问题列表；
//  2. 批内保持 Question.Index 原值；
//  3. ChunkOrdinal >= 0 表示该批由语义路由绑定到指定 Chunk（仅与其配对调用）；
//     -1 表示未绑定（与全部 Chunk 叉积调用）。
type Batch struct {
	Ordinal      int
	ChunkOrdinal int
	Questions    []Question
}

// Answer: 单问题的解码结果。Index 指回原始问题。
type Answer struct {
	Index QuestionIndex
	Text  string
}

// Usage: token 消耗计数。聚合时只做求和，不取均值、不覆盖。
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add 累加另一份消耗。
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// NoAnswer: 模型对无法从内容推出的问题的约定应答。
// 解码层原样透传；聚合层视其为"未回答"，等待后续 chunk 补答。
const NoAnswer = "N/A"
