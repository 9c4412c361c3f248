package diag

import (
	"io"
	"strings"
	"time"

	"github.com/phuslu/log"
)

// Logger 为结构化日志器：单行 JSON，经 phuslu/log 落盘（logs/ 下按大小轮转）。
// 每个运行携带 corr_id，贯穿 chunk/batch 维度的事件。
type Logger struct {
	corrID string
	lg     log.Logger
}

// NewLogger 通过配置的 level 初始化，默认写入 logs/gembatch.log，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	return &Logger{
		corrID: corrID,
		lg: log.Logger{
			Level:      parseLevel(strings.TrimSpace(level)),
			TimeField:  "ts",
			TimeFormat: time.RFC3339,
			Writer: &log.FileWriter{
				Filename:     "logs/gembatch.log",
				MaxSize:      10 * 1024 * 1024,
				MaxBackups:   8,
				EnsureFolder: true,
			},
		},
	}
}

// NewLoggerTo 将日志写入给定 io.Writer（测试用）。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	return &Logger{
		corrID: corrID,
		lg: log.Logger{
			Level:      parseLevel(strings.TrimSpace(level)),
			TimeField:  "ts",
			TimeFormat: time.RFC3339,
			Writer:     &log.IOWriter{Writer: w},
		},
	}
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Event 为标准事件字段集合。
// Chunk/Batch 为序号标识（-1 表示不适用）。
type Event struct {
	Comp  string
	Stage string // start|finish|error
	Code  string
	DurMS int64
	Count int64
	Chunk int
	Batch int
	Msg   string
	KV    map[string]string
}

func (l *Logger) emit(e *log.Entry, ev Event) {
	e = e.Str("corr_id", l.corrID).Str("comp", ev.Comp).Str("stage", ev.Stage)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.DurMS > 0 {
		e = e.Int64("dur_ms", ev.DurMS)
	}
	if ev.Count > 0 {
		e = e.Int64("count", ev.Count)
	}
	if ev.Chunk >= 0 {
		e = e.Int("chunk_id", ev.Chunk)
	}
	if ev.Batch >= 0 {
		e = e.Int("batch_id", ev.Batch)
	}
	for k, v := range ev.KV {
		e = e.Str(k, v)
	}
	e.Msg(ev.Msg)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.emit(l.lg.Info(), Event{Comp: comp, Stage: "start", Chunk: -1, Batch: -1, Msg: msg})
	return &Timer{l: l, comp: comp, chunk: -1, batch: -1, t0: time.Now()}
}

// StartWith 记录带 chunk_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg string, chunk, batch int) *Timer {
	l.emit(l.lg.Info(), Event{Comp: comp, Stage: "start", Chunk: chunk, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, chunk: chunk, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 chunk_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg string, chunk, batch int, kv map[string]string) *Timer {
	l.emit(l.lg.Info(), Event{Comp: comp, Stage: "start", Chunk: chunk, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, chunk: chunk, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp string, code Code, msg string, durSince *time.Time) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.emit(l.lg.Error(), Event{Comp: comp, Stage: "error", Code: string(code), DurMS: dur, Chunk: -1, Batch: -1, Msg: msg})
}

// ErrorWith 支持 chunk_id/batch_id。
func (l *Logger) ErrorWith(comp string, code Code, msg string, durSince *time.Time, chunk, batch int) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.emit(l.lg.Error(), Event{Comp: comp, Stage: "error", Code: string(code), DurMS: dur, Chunk: chunk, Batch: batch, Msg: msg})
}

// ErrorWithKV 支持附带键值对（例如上游状态码、重试提示）。
func (l *Logger) ErrorWithKV(comp string, code Code, msg string, durSince *time.Time, chunk, batch int, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.emit(l.lg.Error(), Event{Comp: comp, Stage: "error", Code: string(code), DurMS: dur, Chunk: chunk, Batch: batch, Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.emit(l.lg.Info(), Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Chunk: -1, Batch: -1, Msg: msg})
}

// DebugStart 输出调试级别事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg string, chunk, batch int, kv map[string]string) {
	l.emit(l.lg.Debug(), Event{Comp: comp, Stage: "start", Chunk: chunk, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	chunk int
	batch int
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.emit(t.l.lg.Info(), Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Chunk: t.chunk, Batch: t.batch, Msg: msg})
}
