// Package rate 在每次生成调用前做配额放行。
// 分组键由 DeriveKeyFromClientOptions 按 provider+API Key 派生，限额来自
// provider 配置：RPM/TPM 两个令牌桶按分钟额度匀速回填，MaxTokensPerReq
// 约束单次调用的估算 token（输入 + 预期输出，由引擎的提示词估算给出）。
package rate

import (
	"context"
	"sync"
	"time"

	"gembatch/pkg/contract"
)

// LimitKey: 限流分组键。同一 provider+API Key 的全部调用共享一组额度。
type LimitKey string

// Limits: 分组限额。0 表示该维度不启用。
type Limits struct {
	RPM             int // 每分钟调用数
	TPM             int // 每分钟估算 token 数
	MaxTokensPerReq int // 单次调用估算 token 上限，0 表示不限制
}

// Ask: 一次生成调用的放行申请。
// Tokens 为引擎对完整提示词的估算值（注入带外消息之后），
// 同一调用的重试每次都重新申请。
type Ask struct {
	Key      LimitKey
	Requests int // 默认为 1；必须 >=1
	Tokens   int // 估算 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过单次调用上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；额度不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 从 provider 限额构造闸门；clk 为空则使用 time.Now。
// 未登记的分组键视为不限额。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*account, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newAccount(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	m   map[LimitKey]*account
}

// account 持有一个分组键的两个维度桶。
type account struct {
	mu  sync.Mutex
	lim Limits
	req bucket // 调用数维度
	tok bucket // 估算 token 维度
}

func newAccount(lim Limits, now time.Time) *account {
	a := &account{lim: lim}
	if lim.RPM > 0 {
		a.req = newBucket(lim.RPM, now)
	}
	if lim.TPM > 0 {
		a.tok = newBucket(lim.TPM, now)
	}
	return a
}

// overPerReqCap: 申请的估算 token 超过单次调用上限。
// 此类申请永远无法满足，等待无意义。
func (a *account) overPerReqCap(ask Ask) bool {
	return a.lim.MaxTokensPerReq > 0 && ask.Tokens > a.lim.MaxTokensPerReq
}

// take 在持锁状态下回填并尝试扣减两个维度；成功返回 true。
func (a *account) take(now time.Time, ask Ask) bool {
	a.req.refill(now)
	a.tok.refill(now)
	if a.req.canTake(ask.Requests) && a.tok.canTake(ask.Tokens) {
		a.req.take(ask.Requests)
		a.tok.take(ask.Tokens)
		return true
	}
	return false
}

// waitSec 返回两个维度中较长的等待估计（秒）。调用方须已回填。
func (a *account) waitSec(ask Ask) float64 {
	wr := a.req.waitSecFor(ask.Requests)
	if wt := a.tok.waitSecFor(ask.Tokens); wt > wr {
		return wt
	}
	return wr
}

// bucket: 匀速回填的令牌桶，容量与速率由分钟额度导出。
type bucket struct {
	cap   int
	level float64
	rate  float64
	last  time.Time
}

func newBucket(capacity int, now time.Time) bucket {
	if capacity <= 0 {
		return bucket{}
	}
	return bucket{cap: capacity, level: float64(capacity), rate: float64(capacity) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.enabled() {
		return
	}
	if now.Before(b.last) {
		// 单调性保护：若时钟回拨，视为无时间流逝
		return
	}
	dt := now.Sub(b.last).Seconds()
	if dt <= 0 {
		return
	}
	b.level += dt * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

func (b *bucket) canTake(n int) bool {
	if !b.enabled() { // 该维度关闭
		return true
	}
	if n <= 0 { // 非法输入在上层校验，这里宽松处理
		return true
	}
	return b.level >= float64(n)
}

func (b *bucket) take(n int) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

// waitSecFor 返回达到可消费 n 还需等待的秒数（向下近似）。
func (b *bucket) waitSecFor(n int) float64 {
	if !b.enabled() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return deficit / b.rate
}

func (g *gate) get(key LimitKey) *account {
	a := g.m[key]
	if a == nil {
		// 未登记的分组键不限额：两个维度桶均关闭
		a = newAccount(Limits{}, g.clk())
		g.m[key] = a
	}
	return a
}

func (g *gate) Try(a Ask) bool {
	if a.Requests <= 0 || a.Tokens < 0 {
		return false
	}
	acc := g.get(a.Key)
	if acc.overPerReqCap(a) {
		return false
	}
	now := g.clk()
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.take(now, a)
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	acc := g.get(a.Key)
	if acc.overPerReqCap(a) {
		return contract.ErrInvalidInput
	}
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		// 快速取消
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := g.clk()
		acc.mu.Lock()
		if acc.take(now, a) {
			acc.mu.Unlock()
			return nil
		}
		waitSec := acc.waitSec(a)
		acc.mu.Unlock()

		d := time.Duration(waitSec*float64(time.Second) + float64(minSleep))
		if d < minSleep {
			d = minSleep
		}
		// 分片睡眠以响应 ctx 取消
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 若 d 很长，分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot: 返回当前可用调用数/估算 token 的“向下取整”估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	acc := g.get(key)
	now := g.clk()
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.req.refill(now)
	acc.tok.refill(now)
	return avail(&acc.req), avail(&acc.tok)
}

func avail(b *bucket) int {
	if !b.enabled() {
		return 0
	}
	switch {
	case b.level < 0:
		return 0
	case b.level > float64(b.cap):
		return b.cap
	default:
		return int(b.level)
	}
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
