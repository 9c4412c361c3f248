// Package aggregate 汇聚各 (chunk,batch) 调用的答案为最终结果。
// 语义：
// - 先到先得：同一问题的首个实质性答案胜出，后续忽略；
// - 跳过占位：等于 contract.NoAnswer 的答案不计入；
// - 去重：同一 (chunk,batch) 对重复提交视为不变量违例；
// - 用量累加：所有提交（含失败调用的部分用量）求和。
package aggregate

import (
	"fmt"
	"sync"

	"gembatch/pkg/contract"
)

type pairKey struct {
	chunk int
	batch int
}

// Aggregator 并发安全；零值不可用，经 New 构造。
type Aggregator struct {
	mu      sync.Mutex
	total   int
	seen    map[pairKey]struct{}
	answers map[contract.QuestionIndex]string
	usage   contract.Usage
}

// New 构造聚合器；total 为问题总数（>=0）。
func New(total int) *Aggregator {
	return &Aggregator{
		total:   total,
		seen:    make(map[pairKey]struct{}),
		answers: make(map[contract.QuestionIndex]string, total),
	}
}

// Add 提交一次 (chunk,batch) 调用的答案集与用量。
// 约束：
// 1) 同一 (chunk,batch) 对最多提交一次，重复返回 ErrInvariantViolation；
// 2) 答案索引必须落在 [0,total)，越界返回 ErrInvariantViolation；
// 3) 答案文本等于 contract.NoAnswer 时跳过；已有答案的问题忽略后到者。
func (a *Aggregator) Add(chunk, batch int, answers []contract.Answer, usage contract.Usage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := pairKey{chunk: chunk, batch: batch}
	if _, dup := a.seen[k]; dup {
		return fmt.Errorf("aggregate: duplicate pair (chunk=%d,batch=%d): %w", chunk, batch, contract.ErrInvariantViolation)
	}
	a.seen[k] = struct{}{}
	a.usage.Add(usage)
	for _, ans := range answers {
		idx := ans.Index
		if int(idx) < 0 || int(idx) >= a.total {
			return fmt.Errorf("aggregate: answer index %d out of range [0,%d): %w", idx, a.total, contract.ErrInvariantViolation)
		}
		if ans.Text == contract.NoAnswer {
			continue
		}
		if _, ok := a.answers[idx]; ok {
			continue
		}
		a.answers[idx] = ans.Text
	}
	return nil
}

// AddUsage 仅累加用量（失败调用仍可能消耗 token）。
func (a *Aggregator) AddUsage(usage contract.Usage) {
	a.mu.Lock()
	a.usage.Add(usage)
	a.mu.Unlock()
}

// Answered 返回当前已有实质性答案的问题数。
func (a *Aggregator) Answered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.answers)
}

// Snapshot 返回当前答案的拷贝（索引→文本）。供上下文复用等只读场景使用。
func (a *Aggregator) Snapshot() map[contract.QuestionIndex]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := make(map[contract.QuestionIndex]string, len(a.answers))
	for k, v := range a.answers {
		m[k] = v
	}
	return m
}

// Finalize 产出按索引升序的答案序列与缺失索引序列。
// 存在缺失时附带 ErrUnanswered（调用方可按尽力而为策略忽略）。
func (a *Aggregator) Finalize() ([]contract.Answer, []contract.QuestionIndex, contract.Usage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	answers := make([]contract.Answer, 0, len(a.answers))
	var missing []contract.QuestionIndex
	for i := 0; i < a.total; i++ {
		idx := contract.QuestionIndex(i)
		if text, ok := a.answers[idx]; ok {
			answers = append(answers, contract.Answer{Index: idx, Text: text})
		} else {
			missing = append(missing, idx)
		}
	}
	var err error
	if len(missing) > 0 {
		err = fmt.Errorf("aggregate: %d of %d questions unanswered: %w", len(missing), a.total, contract.ErrUnanswered)
	}
	return answers, missing, a.usage, err
}
