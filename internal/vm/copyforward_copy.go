package vm

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// ============================================================================
// 复制与转发
// ============================================================================
//
// 复制顺序：先把对象复制到缓存的分配指针处（不移动指针），再用 CAS 安装转发指针。
// 安装成功的线程移动分配指针并标记目标；失败的线程丢弃副本，采用胜者的目标。
// 因此转发指针总是指向完整的副本。

// copyAndForward 处理一个引用槽：目标在回收集中时复制或采用已有的转发，
// 然后更新槽并记录跨区域引用。返回 false 表示本周期无法复制（已中止）。
func (s *CopyForwardScheme) copyAndForward(env *Environment, ctx *heap.AllocationContext, from heap.Address, slot heap.Slot) bool {
	obj := slot.Read()
	if obj == heap.Nil {
		return true
	}
	if !s.isObjectInEvacuateMemory(obj) {
		s.remember(from, obj)
		return true
	}

	f := s.heap.ReadHeader(obj)
	dest := f.Destination()
	if !f.IsForwarded() {
		dest = s.copy(env, ctx, &f, slot.Leaf)
		if dest == heap.Nil {
			env.cf.stats.CopyFailures++
			return false
		}
	}
	if dest != obj {
		slot.Write(dest)
	}
	s.remember(from, dest)
	return true
}

// copyAndForwardPointerArrayChunk 处理数组 [start, end) 的元素，
// 任何元素失败时把该分片作为单独的工作单元压入工作包
func (s *CopyForwardScheme) copyAndForwardPointerArrayChunk(env *Environment, arr heap.Address, start, end int) {
	ctx := s.reservingContext(env, arr)
	failed := false
	for i := start; i < end; i++ {
		slot := s.heap.HeapSlot(heap.ElementAddress(arr, i), false)
		if !s.copyAndForward(env, ctx, arr, slot) {
			failed = true
		}
	}
	if failed {
		env.workStack.PushItem(workpackets.CurrentUnitItem(arr, start))
	}
}

// copy 复制一个未转发的回收集对象，返回新地址。
// 中止处理中或区域禁止疏散时原地标记并返回原地址；中止标志已举起时返回 Nil。
func (s *CopyForwardScheme) copy(env *Environment, reservingCtx *heap.AllocationContext, f *heap.ForwardedHeader, leaf bool) heap.Address {
	h := s.heap
	obj := f.Object()
	src := h.RegionFor(obj)

	if s.cycle.abortInProgress.Load() || src.Mark.NoEvacuation {
		return s.markInPlace(env, f, src, leaf)
	}
	if s.cycle.abortFlag.Load() {
		return heap.Nil
	}

	cls := h.Classes().Get(f.ClassID())
	size := h.SizeFromHeader(*f)
	grow := f.NeedsHashSlot()
	copySize := size
	if grow {
		copySize += heap.WordSize
	}
	hot := s.cfg.Copy.AlignHotFields && cls.HasHotField
	reserve := copySize
	if hot {
		reserve += s.cacheLineSize - heap.WordSize
	}

	group := s.destinationGroup(env, reservingCtx, src)
	cache := s.reserveMemoryForCopy(env, group, reserve)
	if cache == nil {
		s.raiseAbortFlag(env)
		return heap.Nil
	}

	dest := cache.alloc
	if hot {
		dest = dest.Add(hotFieldPadding(dest, cls.HotSlot, s.cacheLineSize))
	}
	h.CopyObject(*f, dest, copySize, grow)

	// 复制期间其他线程举起了中止：副本作废，对象之后原地标记
	if s.cycle.abortFlag.Load() {
		return heap.Nil
	}
	final, won := h.InstallForwarding(f, dest, grow)
	if !won {
		return final
	}

	if dest > cache.alloc {
		h.FillWithHoles(cache.alloc, dest)
	}
	cache.alloc = dest.Add(copySize)
	cache.markObject(s.markMap, &cache.pgcMarks, dest)
	if ext := s.external; ext != nil && ext.IsActive() && ext.markMap.IsBitSet(obj) {
		cache.markObject(ext.markMap, &cache.gmpMarks, dest)
		s.cards.DirtyCardWithValue(dest, cardtable.GMPMustScan)
	}
	cache.recordAge(copySize, src.AllocationAge)
	s.recordCopy(env, src, size)
	env.cf.lastCopyCache = cache

	if cls.Shape == heap.ShapeMixed {
		s.copyChildren(env, reservingCtx, dest, cls)
	}
	return dest
}

// copyChildren 复制后立即复制叶子引用和热字段，让它们落在父对象附近
func (s *CopyForwardScheme) copyChildren(env *Environment, ctx *heap.AllocationContext, dest heap.Address, cls *heap.Class) {
	h := s.heap
	last := env.cf.lastCopyCache
	if s.cfg.Copy.LeafFirstCopying && cls.LeafMask() != 0 {
		for i, k := range cls.Slots {
			if k != heap.SlotLeafRef {
				continue
			}
			// 失败没有关系，副本之后还会被扫描
			if s.copyAndForward(env, ctx, dest, h.HeapSlot(heap.FieldAddress(dest, i), true)) {
				env.cf.stats.LeafCopies++
			}
		}
	}
	if cls.HasHotField && cls.Slots[cls.HotSlot].IsRef() && env.cf.depth < s.cfg.Copy.DepthCopyMax {
		env.cf.depth++
		leaf := cls.Slots[cls.HotSlot] == heap.SlotLeafRef
		if s.copyAndForward(env, ctx, dest, h.HeapSlot(heap.FieldAddress(dest, cls.HotSlot), leaf)) {
			env.cf.stats.DepthCopies++
		}
		env.cf.depth--
	}
	env.cf.lastCopyCache = last
}

// markInPlace 对象留在原地：原子标记，标记成功的线程负责扫描
func (s *CopyForwardScheme) markInPlace(env *Environment, f *heap.ForwardedHeader, src *heap.Region, leaf bool) heap.Address {
	obj := f.Object()
	if !s.markMap.AtomicSetBit(obj) {
		return obj
	}
	size := s.heap.SizeFromHeader(*f)
	env.cf.stats.MarkedInPlace++
	env.cf.sourceMarked[s.groups.groupOfRegion(src)] += size

	if leaf {
		switch s.heap.Classes().Get(f.ClassID()).Shape {
		case heap.ShapeMixed, heap.ShapePrimitiveArray:
			return obj
		}
	}
	env.workStack.Push(obj)
	return obj
}

// recordCopy 按来源区域记录复制量
func (s *CopyForwardScheme) recordCopy(env *Environment, src *heap.Region, size uint64) {
	st := &env.cf.stats
	if src.IsEden() {
		st.EdenCopiedObjects++
		st.EdenCopiedBytes += size
	} else {
		st.OldCopiedObjects++
		st.OldCopiedBytes += size
	}
	env.cf.sourceCopied[s.groups.groupOfRegion(src)] += size
}

// destinationGroup 对象复制到的复制组：扫描者的上下文（公共上下文换成线程所在节点），年龄加一
func (s *CopyForwardScheme) destinationGroup(env *Environment, reservingCtx *heap.AllocationContext, src *heap.Region) int {
	ctx := reservingCtx
	if ctx == nil {
		ctx = src.Context()
	}
	idx := ctx.Index()
	if idx == 0 && env.numaNode != 0 {
		idx = env.numaNode
	}
	return s.groups.group(idx, s.groups.destinationAge(src.LogicalAge))
}

// hotFieldPadding 让 dest 处对象的热字段落在缓存行起点所需的填充
func hotFieldPadding(dest heap.Address, hotSlot int, line uint64) uint64 {
	field := uint64(heap.FieldAddress(dest, hotSlot))
	return heap.AlignUp(field, line) - field
}

// ============================================================================
// 中止
// ============================================================================

// raiseAbortFlag 举起中止标志并唤醒等待工作的线程
func (s *CopyForwardScheme) raiseAbortFlag(env *Environment) {
	if s.cycle.abortFlag.CAS(false, true) {
		env.Logger().Warn("copy-forward target memory exhausted, aborting evacuation",
			zap.Int("cycle", s.cycle.number))
	}
	s.notifyWorkAvailable()
}
