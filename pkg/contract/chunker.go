package contract

import "context"

// Chunker: 将内容转换为有序 Chunk 序列。
// 约束：
//  1. End > Start（或 EndSec > StartSec）；最后一块终点等于内容长度/总时长；
//  2. 非滑窗策略产出精确划分（无缝隙、无重叠、全覆盖）；
//     滑窗策略相邻块重叠固定窗口宽度（末块除外）；
//  3. 纯函数：相同配置与输入产出相同序列；无共享可变状态，可跨请求并发复用；
//  4. 全部参数校验在构造期完成（违例返回 ErrConfigInvalid），
//     产出期不得再因配置失败。
type Chunker interface {
	Chunks(ctx context.Context, c Content) ([]Chunk, error)
}

// Batcher: 将问题列表切分为有序 Batch 序列。
// 约束：
//  1. 不重排语义：批内保持原始相对顺序（聚类模式按索引升序排放）；
//  2. 不丢失、不复制：全部批的问题并集（含重数）等于输入列表；
//  3. chunks 仅路由模式使用；其余实现必须容忍 nil。
type Batcher interface {
	Make(ctx context.Context, questions []Question, chunks []Chunk) ([]Batch, error)
}
