package contract

import "context"

// Decoder: 将 Raw 解码为与 batch.Questions 一一对应的 Answer 序列。
// 字段名/格式/回退策略由具体实现自决；解码策略属于编排层扩展，架构仅定义协议。
type Decoder interface {
	Decode(ctx context.Context, batch Batch, raw Raw) ([]Answer, error)
}

// ValidateAnswerSet 校验解码中间态并绑定问题索引（纯函数，无 I/O）：
// - texts 必须与 batch.Questions 等长（一问一答，不多不少）；
// - 按位置对齐：texts[i] 绑定 batch.Questions[i].Index；
// - 输出强制拷贝，避免底层共享导致生命周期耦合。
func ValidateAnswerSet(batch Batch, texts []string) ([]Answer, error) {
	if len(batch.Questions) == 0 {
		return nil, ErrInvalidInput
	}
	if len(texts) != len(batch.Questions) {
		return nil, ErrResponseInvalid
	}
	out := make([]Answer, 0, len(texts))
	for i, t := range texts {
		out = append(out, Answer{Index: batch.Questions[i].Index, Text: cloneString(t)})
	}
	return out, nil
}

// cloneString: 强制拷贝字符串，切断与原始缓冲的共享。
func cloneString(s string) string {
	if s == "" {
		return ""
	}
	b := make([]byte, len(s))
	copy(b, s)
	return string(b)
}
