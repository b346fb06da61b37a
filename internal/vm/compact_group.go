package vm

import (
	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 复制组
// ============================================================================
//
// 复制组 = 分配上下文 × 年龄。组号为 context*(maxAge+1)+age，
// 同组的对象复制到同一批目标区域。

// compactGroupManager 复制组编号
type compactGroupManager struct {
	maxAge   int
	contexts int
}

func (m compactGroupManager) count() int {
	return m.contexts * (m.maxAge + 1)
}

func (m compactGroupManager) group(context, age int) int {
	if age > m.maxAge {
		age = m.maxAge
	}
	return context*(m.maxAge+1) + age
}

func (m compactGroupManager) context(group int) int {
	return group / (m.maxAge + 1)
}

func (m compactGroupManager) age(group int) int {
	return group % (m.maxAge + 1)
}

// groupOfRegion 区域中对象当前所属的复制组
func (m compactGroupManager) groupOfRegion(r *heap.Region) int {
	return m.group(r.Context().Index(), r.LogicalAge)
}

// destinationAge 从 age 复制出去的对象的年龄
func (m compactGroupManager) destinationAge(age int) int {
	if age >= m.maxAge {
		return m.maxAge
	}
	return age + 1
}

// compactGroupState 线程在一个复制组中的状态
type compactGroupState struct {
	copyCache *CopyScanCache

	// 退役缓存保留下来的剩余空间
	remainderBase    heap.Address
	remainderTop     heap.Address
	remainderRegion  *heap.Region
	remainderSublist *reservedSublist

	// failedAllocateSize 本周期分配失败过的最小尺寸，不小于它的请求直接跳过
	failedAllocateSize uint64

	copiedObjects  uint64
	copiedBytes    uint64
	discardedBytes uint64
}

func (g *compactGroupState) remainderSize() uint64 {
	return g.remainderTop.Sub(g.remainderBase)
}

func (g *compactGroupState) clearRemainder() {
	g.remainderBase = heap.Nil
	g.remainderTop = heap.Nil
	g.remainderRegion = nil
	g.remainderSublist = nil
}

// compactGroupPersistentStats 跨周期保留的复制组统计
type compactGroupPersistentStats struct {
	// 本周期
	liveBytesBefore    uint64
	copiedBytes        uint64
	markedInPlaceBytes uint64

	// historicalSurvivalRate 存活率的指数平均，初始为 1
	historicalSurvivalRate float64

	// projectedCopyBytes 本周期预计复制到该组的字节数
	projectedCopyBytes uint64
}

const survivalRateWeight = 0.5

// updateSurvivalRate 用本周期的测量值更新历史存活率
func (s *compactGroupPersistentStats) updateSurvivalRate() {
	if s.liveBytesBefore == 0 {
		return
	}
	measured := float64(s.copiedBytes+s.markedInPlaceBytes) / float64(s.liveBytesBefore)
	if measured > 1 {
		measured = 1
	}
	s.historicalSurvivalRate = survivalRateWeight*s.historicalSurvivalRate + (1-survivalRateWeight)*measured
}

func (s *compactGroupPersistentStats) resetCycle() {
	s.liveBytesBefore = 0
	s.copiedBytes = 0
	s.markedInPlaceBytes = 0
	s.projectedCopyBytes = 0
}
