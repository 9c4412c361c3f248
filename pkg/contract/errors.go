package contract

import "errors"

// 最小错误分类（除 llm.go 中的传输类哨兵之外）。
var (
	// ErrConfigInvalid: 策略/配置参数越界或组合非法。
	// 必须在构造/分发期触发，绝不延迟到产出期。
	ErrConfigInvalid = errors.New("config invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrInputTooLarge: 输入超过模型输入 token 上限。
	// 控制流信号：Token 感知控制器据此对内容二分，不视为终态错误。
	ErrInputTooLarge = errors.New("input too large")
	// ErrOutputTruncated: 输出因 token 上限被截断。
	// 控制流信号：Token 感知控制器据此对问题子集二分。
	ErrOutputTruncated = errors.New("output truncated")
	// ErrUnanswered: 全部策略完成后仍有问题无答案（数据完整性）。
	// 随部分结果一并上报，不阻止 Response 返回。
	ErrUnanswered = errors.New("question unanswered")
)
