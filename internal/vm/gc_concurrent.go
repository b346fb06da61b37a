// gc_concurrent.go - 全局标记周期（GMP）
//
// 在两次部分回收之间增量地标记整个堆，结果保存在独立的标记位图中。
//
// 流程：
// 1. Start - 清空全局标记位图，标记根对象
// 2. Step - 每次处理有限数量的对象，并消费 GMPMustScan 卡
// 3. Finish - 重新扫描根和所有需要扫描的卡，标记到工作耗尽
//
// 标记期间发生的部分回收会维护这个周期的状态：复制过的已标记对象在新位置
// 重新标记，工作包中的条目更新到新地址或在对象死亡时删除，清理过的脏卡
// 改为 GMPMustScan 留给本周期重新扫描。
//
// 引用对象的 referent 按强引用处理。

package vm

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/markmap"
	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// 全局标记阶段
const (
	gmpPhaseIdle    int32 = 0
	gmpPhaseMarking int32 = 1
)

// overflowFlagGlobalMark 全局标记的工作包溢出标志
const overflowFlagGlobalMark uint32 = 2

// GlobalMarkCycle 增量全局标记周期
type GlobalMarkCycle struct {
	mu sync.Mutex

	heap   *heap.Heap
	cards  *cardtable.Table
	roots  *RootSet
	logger *zap.Logger

	// markMap 全局标记位图
	markMap *markmap.MarkMap

	// 标记栈：单线程增量标记，每一步结束时私有包全部交回池中
	packets *workpackets.Packets
	stack   *workpackets.WorkStack

	phase atomic.Int32

	// overflowed 本周期发生过工作包溢出，结束前需要重新扫描标记了溢出的区域
	overflowed bool

	stats GlobalMarkStats
}

// GlobalMarkStats 全局标记统计
type GlobalMarkStats struct {
	Cycles         int64
	Steps          int64
	MarkedObjects  uint64
	MarkedBytes    uint64
	CardsScanned   uint64
	ItemsUpdated   uint64 // 部分回收后更新到新地址的条目
	ItemsDeleted   uint64 // 部分回收后因对象死亡删除的条目
	OverflowRounds uint64
	LastDuration   time.Duration
}

// NewGlobalMarkCycle 创建全局标记周期
func NewGlobalMarkCycle(h *heap.Heap, cards *cardtable.Table, roots *RootSet, packetCount, packetSize int, logger *zap.Logger) *GlobalMarkCycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &GlobalMarkCycle{
		heap:    h,
		cards:   cards,
		roots:   roots,
		logger:  logger,
		markMap: markmap.ForHeap(h),
		packets: workpackets.New(workpackets.Options{
			PacketCount: packetCount,
			PacketSize:  packetSize,
			Threads:     1,
		}),
	}
	g.packets.SetOverflowHandler(g.handleOverflow)
	g.stack = g.packets.NewWorkStack()
	return g
}

// IsActive 标记是否在进行中
func (g *GlobalMarkCycle) IsActive() bool {
	return g.phase.Load() == gmpPhaseMarking
}

// MarkMap 全局标记位图
func (g *GlobalMarkCycle) MarkMap() *markmap.MarkMap { return g.markMap }

// IsMarked 对象是否被全局标记
func (g *GlobalMarkCycle) IsMarked(obj heap.Address) bool {
	return g.markMap.IsBitSet(obj)
}

// Stats 统计快照
func (g *GlobalMarkCycle) Stats() GlobalMarkStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Start 开始一个标记周期。已经在进行中时什么也不做。
func (g *GlobalMarkCycle) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.phase.CAS(gmpPhaseIdle, gmpPhaseMarking) {
		return
	}

	g.markMap.ClearRange(g.heap.Base(), g.heap.Top())
	g.stack.Reset()
	g.packets.Reset()
	g.packets.ClearOverflow()
	g.overflowed = false
	g.stats.Cycles++

	g.scanRoots()
	g.stack.Flush()
	g.logger.Debug("global mark started", zap.Int64("cycle", g.stats.Cycles))
}

// Step 处理最多 budget 个对象，返回标记工作是否已经耗尽。
// 耗尽只说明当前没有待扫描的对象，结束周期仍需调用 Finish。
func (g *GlobalMarkCycle) Step(budget int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.IsActive() {
		return true
	}
	g.stats.Steps++

	g.scanCards(false)
	done := g.drain(budget)
	g.stack.Flush()
	return done
}

// Finish 重新扫描根和卡，标记到没有剩余工作，然后结束周期。
// 返回存活（被标记）的字节数。
func (g *GlobalMarkCycle) Finish() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.IsActive() {
		return 0
	}
	start := time.Now()

	g.scanRoots()
	g.scanCards(true)
	g.drain(-1)
	for g.packets.ClearOverflow() || g.overflowed {
		g.overflowed = false
		g.stats.OverflowRounds++
		g.rescanOverflowedRegions()
		g.drain(-1)
	}
	g.stack.Reset()

	live := uint64(0)
	for _, r := range g.heap.Regions() {
		if !r.ContainsObjects() {
			continue
		}
		it := g.markMap.NewIterator(r.Low, r.Pool.AllocationPointer())
		for obj := it.Next(); obj != heap.Nil; obj = it.Next() {
			live += g.heap.SizeInBytes(obj)
		}
	}
	g.phase.Store(gmpPhaseIdle)
	g.stats.LastDuration = time.Since(start)

	g.logger.Info("global mark complete",
		zap.Int64("cycle", g.stats.Cycles),
		zap.Int64("steps", g.stats.Steps),
		zap.Uint64("markedObjects", g.stats.MarkedObjects),
		zap.Uint64("liveBytes", live),
		zap.Duration("finish", g.stats.LastDuration))
	return live
}

// ============================================================================
// 标记
// ============================================================================

// scanRoots 标记强根引用的对象
func (g *GlobalMarkCycle) scanRoots() {
	rs := g.roots
	rs.mu.Lock()
	for _, st := range rs.stacks {
		g.markAll(st)
	}
	g.markAll(rs.globals)
	g.markAll(rs.finalizable)
	rs.mu.Unlock()

	classes := g.heap.Classes()
	for _, c := range classes.All() {
		g.markPointers(heap.ClassRoots(c))
	}
	for _, l := range classes.Loaders() {
		g.markPointers(heap.LoaderRoots(l))
	}
	for _, k := range classes.Continuations() {
		g.markAll(k.Stack)
	}
}

func (g *GlobalMarkCycle) markAll(objs []heap.Address) {
	for _, obj := range objs {
		g.markObject(obj)
	}
}

func (g *GlobalMarkCycle) markPointers(roots []*heap.Address) {
	for _, p := range roots {
		g.markObject(*p)
	}
}

// markObject 标记对象并压入标记栈
func (g *GlobalMarkCycle) markObject(obj heap.Address) {
	if obj == heap.Nil || !g.heap.Contains(obj) {
		return
	}
	if g.markMap.AtomicSetBit(obj) {
		g.stats.MarkedObjects++
		g.stack.Push(obj)
	}
}

// drain 扫描标记栈中的对象，budget 小于 0 表示不限。栈空时返回 true。
func (g *GlobalMarkCycle) drain(budget int) bool {
	for n := 0; budget < 0 || n < budget; n++ {
		it, ok := g.stack.PopNoWait()
		if !ok {
			return true
		}
		g.scanObject(it.Object)
	}
	return g.packets.IsEmpty()
}

// scanObject 标记对象的所有引用
func (g *GlobalMarkCycle) scanObject(obj heap.Address) {
	h := g.heap
	cls := h.ClassOf(obj)
	g.stats.MarkedBytes += h.SizeInBytes(obj)

	var cur heap.ScanCursor
	cur.Reset(obj)
	heap.ScannableFor(cls.Shape).ForEachReference(h, obj, &cur, func(slot heap.Slot) bool {
		g.markObject(slot.Read())
		return true
	})
}

// ============================================================================
// 卡
// ============================================================================

// scanCards 重新扫描被部分回收或写屏障标记的卡上的已标记对象。
// final 为真时连同脏卡一起扫描；脏卡仍留给部分回收，状态不变。
func (g *GlobalMarkCycle) scanCards(final bool) {
	for _, r := range g.heap.Regions() {
		if !r.ContainsObjects() {
			continue
		}
		top := r.Pool.AllocationPointer()
		g.cards.ForEachCard(r.Low, top, func(index int, state cardtable.State) {
			var next cardtable.State
			switch state {
			case cardtable.GMPMustScan:
				next = cardtable.Clean
			case cardtable.RememberedAndGMPScan:
				next = cardtable.Remembered
			case cardtable.Dirty:
				if !final {
					return
				}
				next = cardtable.Dirty
			default:
				return
			}
			base := g.cards.CardAddress(index)
			g.scanMarkedRange(base, minAddress(base.Add(heap.CardSize), top))
			g.stats.CardsScanned++
			if next != state {
				g.cards.CAS(index, state, next)
			}
		})
	}
}

// scanMarkedRange 扫描范围内起始的已标记对象
func (g *GlobalMarkCycle) scanMarkedRange(low, high heap.Address) {
	it := g.markMap.NewIterator(low, high)
	for obj := it.Next(); obj != heap.Nil; obj = it.Next() {
		g.scanObject(obj)
	}
}

// handleOverflow 条目无法入包时记录在对象所在区域上
func (g *GlobalMarkCycle) handleOverflow(it workpackets.Item) {
	g.heap.RegionFor(it.Object).Mark.SetOverflow(overflowFlagGlobalMark)
	g.overflowed = true
}

// rescanOverflowedRegions 重新扫描溢出区域中的所有已标记对象
func (g *GlobalMarkCycle) rescanOverflowedRegions() {
	for _, r := range g.heap.Regions() {
		if r.Mark.OverflowFlags()&overflowFlagGlobalMark == 0 {
			continue
		}
		r.Mark.ClearOverflow(overflowFlagGlobalMark)
		if r.ContainsObjects() {
			g.scanMarkedRange(r.Low, r.Pool.AllocationPointer())
		}
	}
}

// ============================================================================
// 与部分回收协作
// ============================================================================

// updateOrDeleteObjectsFromCopyForward 部分回收结束前由主线程调用：
// 标记栈中指向回收集的条目改为对象的新地址，原地存活的保留，死亡的删除
func (g *GlobalMarkCycle) updateOrDeleteObjectsFromCopyForward(s *CopyForwardScheme) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.heap
	g.packets.Iterate(func(it workpackets.Item) (workpackets.Item, bool) {
		if !s.isObjectInEvacuateMemory(it.Object) {
			return it, true
		}
		if f := h.ReadHeader(it.Object); f.IsForwarded() {
			it.Object = f.Destination()
			g.stats.ItemsUpdated++
			return it, true
		}
		if s.markMap.IsBitSet(it.Object) {
			return it, true
		}
		g.stats.ItemsDeleted++
		return it, false
	})
}
