package contract

// UpstreamError 承载生成 API 上游错误的最小诊断信息。
// 客户端实现应提供状态码与简短消息，便于引擎记录结构化日志字段；
// 429 类错误还可通过 RetryAfterHint 透出 API 建议的重试等待秒数（0 表示未知）。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// RetryHinter 为可选扩展：上游在限流错误中附带的建议等待时间（秒）。
type RetryHinter interface {
	RetryAfterHint() float64
}
