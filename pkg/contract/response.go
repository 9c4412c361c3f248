package contract

// Failure: 不可再二分仍失败的工作单元诊断。
// 属于"尽力而为"策略的产物：上报但不中止其余队列。
type Failure struct {
	// ChunkOrdinal/BatchOrdinal: 失败单元的切片/批次序号；
	// Token 感知模式下为派生单元序号（非策略序号）。
	ChunkOrdinal int    `json:"chunk"`
	BatchOrdinal int    `json:"batch"`
	Reason       string `json:"reason"`
}

// Response: 聚合结果。
// 生命周期：创建为空 → 聚合器随各 (chunk, batch) 调用完成而追加 → 定稿返回；
// 定稿后不再修改。
type Response struct {
	// Answers: 按 QuestionIndex 升序的已答问题。
	Answers []Answer `json:"answers"`
	// Missing: 全部调用完成后仍无答案的问题索引（升序）。
	// 非空时伴随 ErrUnanswered 上报，但不阻止部分结果返回。
	Missing []QuestionIndex `json:"missing,omitempty"`
	// Usage: 全部调用的 token 消耗总和。
	Usage Usage `json:"usage"`
	// Chunks/Batches: 仅在配置开启可见性时物化（观测用）。
	Chunks  []Chunk  `json:"chunks,omitempty"`
	Batches []Batch  `json:"batches,omitempty"`
	// Failures: 尽力而为策略下的失败单元诊断。
	Failures []Failure `json:"failures,omitempty"`
}

// AnswerMap 返回 QuestionIndex → 答案文本 的只读视图拷贝。
func (r *Response) AnswerMap() map[QuestionIndex]string {
	m := make(map[QuestionIndex]string, len(r.Answers))
	for _, a := range r.Answers {
		m[a.Index] = a.Text
	}
	return m
}
