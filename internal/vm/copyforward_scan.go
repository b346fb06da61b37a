package vm

import (
	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// ============================================================================
// 对象扫描
// ============================================================================

// scanReason 扫描的来源，决定引用对象是否需要登记
type scanReason uint8

const (
	scanReasonCopyCache        scanReason = iota // 复制缓存中的副本
	scanReasonPacket                             // 工作包条目
	scanReasonDirtyCard                          // 卡表清理
	scanReasonOverflowedRegion                   // 溢出区域重扫
)

// scanItem 扫描一个工作包条目
func (s *CopyForwardScheme) scanItem(env *Environment, it workpackets.Item, reason scanReason) {
	if it.HasSplit {
		s.scanPointerArraySplit(env, it.Object, it.SplitIndex, it.CurrentUnitOnly)
		return
	}
	s.scanObject(env, it.Object, reason)
}

// scanObject 按形状扫描一个对象的全部引用
func (s *CopyForwardScheme) scanObject(env *Environment, obj heap.Address, reason scanReason) {
	h := s.heap
	cls := h.ClassOf(obj)
	assertTrue(cls != nil, "object %#x has no class", uint64(obj))

	env.cf.stats.ScannedObjects++
	env.cf.stats.ScannedBytes += h.SizeInBytes(obj)

	switch cls.Shape {
	case heap.ShapePrimitiveArray:
	case heap.ShapePointerArray:
		s.scanPointerArrayObjectSlots(env, obj)
	case heap.ShapeReference:
		s.scanReferenceObjectSlots(env, obj, cls, reason)
	case heap.ShapeOwnableSynchronizer:
		s.scanOwnableSynchronizerObjectSlots(env, obj, reason)
	default:
		s.scanMixedObjectSlots(env, obj, cls.Shape)
	}
}

// scanMixedObjectSlots 扫描对象的实例槽和附着的元数据槽，失败时整个对象压入工作包
func (s *CopyForwardScheme) scanMixedObjectSlots(env *Environment, obj heap.Address, shape heap.Shape) {
	ctx := s.reservingContext(env, obj)
	failed := false
	var cur heap.ScanCursor
	cur.Reset(obj)
	heap.ScannableFor(shape).ForEachReference(s.heap, obj, &cur, func(slot heap.Slot) bool {
		if !s.copyAndForward(env, ctx, obj, slot) {
			failed = true
		}
		return true
	})
	if failed {
		env.workStack.Push(obj)
	}
}

// scanOwnableSynchronizerObjectSlots 回收集和幸存者内存中的同步器重新登记到所在区域
func (s *CopyForwardScheme) scanOwnableSynchronizerObjectSlots(env *Environment, obj heap.Address, reason scanReason) {
	if reason != scanReasonDirtyCard && (s.isObjectInSurvivorMemory(obj) || s.isObjectInEvacuateMemory(obj)) {
		env.cf.ownable = append(env.cf.ownable, obj)
	}
	s.scanMixedObjectSlots(env, obj, heap.ShapeOwnableSynchronizer)
}

// scanReferenceObjectSlots 引用对象：referent 是否当作强引用取决于状态、位置和种类。
// 不当作强引用时，需要清除的直接清除，否则登记到区域列表留待可清除阶段处理。
func (s *CopyForwardScheme) scanReferenceObjectSlots(env *Environment, obj heap.Address, cls *heap.Class, reason scanReason) {
	h := s.heap
	state := heap.ReferenceState(h.LoadField(obj, heap.ReferenceStateSlot))

	mustMark := state != heap.ReferenceInitial ||
		reason == scanReasonDirtyCard ||
		!(s.isObjectInEvacuateMemory(obj) || s.isObjectInSurvivorMemory(obj))
	if !mustMark && cls.RefKind == heap.RefSoft {
		if age := h.LoadField(obj, heap.ReferenceAgeSlot); age < s.maxSoftAge {
			mustMark = true
			// 溢出重扫不增加年龄
			if reason == scanReasonCopyCache || reason == scanReasonPacket {
				h.StoreField(obj, heap.ReferenceAgeSlot, age+1)
			}
		}
	}

	if !mustMark {
		if reason != scanReasonOverflowedRegion && s.referentMustBeCleared(cls.RefKind) {
			if h.LoadField(obj, heap.ReferenceReferentSlot) != 0 {
				h.StoreField(obj, heap.ReferenceReferentSlot, 0)
				s.countCleared(env, cls.RefKind)
			}
			h.StoreField(obj, heap.ReferenceStateSlot, uint64(heap.ReferenceCleared))
		} else {
			env.cf.references[cls.RefKind] = append(env.cf.references[cls.RefKind], obj)
		}
	}

	referent := heap.FieldAddress(obj, heap.ReferenceReferentSlot)
	ctx := s.reservingContext(env, obj)
	failed := false
	var cur heap.ScanCursor
	cur.Reset(obj)
	heap.ScannableFor(heap.ShapeReference).ForEachReference(h, obj, &cur, func(slot heap.Slot) bool {
		if !mustMark && slot.Address() == referent {
			return true
		}
		if !s.copyAndForward(env, ctx, obj, slot) {
			failed = true
		}
		return true
	})
	if failed {
		env.workStack.Push(obj)
	}
}

// referentMustBeCleared 该种类的引用列表已经处理过，新发现的引用直接清除
func (s *CopyForwardScheme) referentMustBeCleared(kind heap.ReferenceKind) bool {
	opts := s.cycle.referenceOptions.Load()
	switch kind {
	case heap.RefWeak:
		return opts&clearWeakReferences != 0
	case heap.RefSoft:
		return opts&clearSoftReferences != 0
	case heap.RefPhantom:
		return opts&clearPhantomReferences != 0
	}
	return false
}

func (s *CopyForwardScheme) countCleared(env *Environment, kind heap.ReferenceKind) {
	switch kind {
	case heap.RefWeak:
		env.cf.stats.WeakCleared++
	case heap.RefSoft:
		env.cf.stats.SoftCleared++
	case heap.RefPhantom:
		env.cf.stats.PhantomCleared++
	}
}

// ============================================================================
// 大数组分片
// ============================================================================

// scanPointerArrayObjectSlots 数组不超过一个分片时整体扫描，
// 否则先派生第二个分片，再扫描第一个分片
func (s *CopyForwardScheme) scanPointerArrayObjectSlots(env *Environment, arr heap.Address) {
	n := s.heap.ArrayLength(arr)
	if n <= s.arraySplitSize {
		s.copyAndForwardPointerArrayChunk(env, arr, 0, n)
		return
	}
	s.createNextSplitArrayWorkUnit(env, arr, s.arraySplitSize)
	s.copyAndForwardPointerArrayChunk(env, arr, 0, s.arraySplitSize)
}

// scanPointerArraySplit 扫描从 start 开始的一个分片，必要时先派生下一个分片
func (s *CopyForwardScheme) scanPointerArraySplit(env *Environment, arr heap.Address, start int, currentOnly bool) {
	n := s.heap.ArrayLength(arr)
	end := start + s.arraySplitSize
	if end > n {
		end = n
	}
	if !currentOnly && end < n {
		s.createNextSplitArrayWorkUnit(env, arr, end)
	}
	s.copyAndForwardPointerArrayChunk(env, arr, start, end)
}

// ============================================================================
// 缓存扫描
// ============================================================================

// completeScanCache 广度优先：扫描缓存中 scan 到 alloc 之间的全部副本，
// 扫描期间新复制进同一缓存的对象也一并扫描
func (s *CopyForwardScheme) completeScanCache(env *Environment) {
	c := env.cf.scanCache
	env.cf.scanCache = nil
	if c.isSplitArray() {
		s.scanSplitArrayCache(env, c)
		return
	}

	c.flags |= cacheScan
	c.where = cacheInScanning
	for c.scan < c.alloc {
		start, end := c.scan, c.alloc
		c.scan = end
		it := s.heap.NewObjectIterator(start, end)
		for obj := it.Next(); obj != heap.Nil; obj = it.Next() {
			s.scanObject(env, obj, scanReasonCopyCache)
		}
	}
	c.flags &^= cacheScan
	s.flushCache(env, c)
}

// scanSplitArrayCache 扫描分片描述符对应的分片，然后归还描述符
func (s *CopyForwardScheme) scanSplitArrayCache(env *Environment, c *CopyScanCache) {
	arr, index := c.arrayObject, c.arrayIndex
	c.where = cacheInScanning
	s.releaseCache(c)
	s.scanPointerArraySplit(env, arr, index, false)
}

// incrementalScanCache 层次扫描：逐个对象、逐个槽扫描。
// 子对象被复制进本线程另一个有待扫描内容的复制缓存时，切换到那个缓存，
// 让子对象尽快被扫描、孙对象复制到子对象附近。
func (s *CopyForwardScheme) incrementalScanCache(env *Environment) {
	c := env.cf.scanCache
	env.cf.scanCache = nil
	if c.isSplitArray() {
		s.scanSplitArrayCache(env, c)
		return
	}

	h := s.heap
	c.flags |= cacheScan
	c.where = cacheInScanning
	for {
		if c.cursor.Object != heap.Nil {
			if alias := s.incrementalScanObject(env, c); alias != nil {
				s.switchScanCache(env, c)
				return
			}
			continue
		}
		if c.scan >= c.alloc {
			break
		}
		it := h.NewObjectIterator(c.scan, c.alloc)
		obj := it.Next()
		c.scan = it.Position()
		if obj == heap.Nil {
			continue
		}
		if s.isIncrementallyScannable(obj) {
			env.cf.stats.ScannedObjects++
			env.cf.stats.ScannedBytes += h.SizeInBytes(obj)
			c.cursor.Reset(obj)
			c.cursorFailed = false
			continue
		}
		s.scanObject(env, obj, scanReasonCopyCache)
	}
	c.flags &^= cacheScan
	s.flushCache(env, c)
}

// isIncrementallyScannable 普通对象和不需要分片的引用数组可以逐槽扫描
func (s *CopyForwardScheme) isIncrementallyScannable(obj heap.Address) bool {
	switch s.heap.ClassOf(obj).Shape {
	case heap.ShapeMixed:
		return true
	case heap.ShapePointerArray:
		return s.heap.ArrayLength(obj) <= s.arraySplitSize
	}
	return false
}

// incrementalScanObject 从游标继续扫描，出现别名缓存时停下并返回它
func (s *CopyForwardScheme) incrementalScanObject(env *Environment, c *CopyScanCache) *CopyScanCache {
	h := s.heap
	obj := c.cursor.Object
	shape := h.ClassOf(obj).Shape
	ctx := s.reservingContext(env, obj)

	var alias *CopyScanCache
	done := heap.ScannableFor(shape).ForEachReference(h, obj, &c.cursor, func(slot heap.Slot) bool {
		env.cf.lastCopyCache = nil
		if !s.copyAndForward(env, ctx, obj, slot) {
			c.cursorFailed = true
		}
		if x := env.cf.lastCopyCache; x != nil && x != c && x.isScanWorkAvailable() && s.cycle.waitCount.Load() == 0 {
			alias = x
			return false
		}
		return true
	})
	env.cf.lastCopyCache = nil
	if done {
		if c.cursorFailed {
			env.workStack.Push(obj)
		}
		c.cursor = heap.ScanCursor{}
		c.cursorFailed = false
	}
	return alias
}

// switchScanCache 放下当前缓存：本线程的复制缓存留在原处，其他缓存成为延迟扫描缓存，
// 原有的延迟扫描缓存交给扫描列表
func (s *CopyForwardScheme) switchScanCache(env *Environment, c *CopyScanCache) {
	c.flags &^= cacheScan
	env.cf.stats.CacheSwitches++
	if c.flags&cacheCopy != 0 {
		c.where = cacheInCopyGroup
		return
	}
	if d := env.cf.deferredScanCache; d != nil {
		env.cf.deferredScanCache = nil
		s.addCacheEntryToScanList(env, d)
	}
	c.where = cacheInDeferred
	env.cf.deferredScanCache = c
}

// ============================================================================
// 缓冲区刷出
// ============================================================================

// flushByRegion 把对象按所在区域分批交给 add
func (s *CopyForwardScheme) flushByRegion(objs []heap.Address, add func(r *heap.Region, batch []heap.Address)) {
	for len(objs) > 0 {
		r := s.heap.RegionFor(objs[0])
		n := 1
		for n < len(objs) && r.Contains(objs[n]) {
			n++
		}
		add(r, objs[:n])
		objs = objs[n:]
	}
}

// flushReferenceBuffers 把登记的引用对象写入所在区域的列表
func (s *CopyForwardScheme) flushReferenceBuffers(env *Environment) {
	for k := range env.cf.references {
		kind := heap.ReferenceKind(k)
		s.flushByRegion(env.cf.references[k], func(r *heap.Region, batch []heap.Address) {
			r.AddReferencesUnique(kind, batch)
		})
		env.cf.references[k] = env.cf.references[k][:0]
	}
}

// flushOwnableBuffer 把登记的同步器写入所在区域的列表
func (s *CopyForwardScheme) flushOwnableBuffer(env *Environment) {
	s.flushByRegion(env.cf.ownable, func(r *heap.Region, batch []heap.Address) {
		r.AddOwnableSynchronizersUnique(batch)
	})
	env.cf.ownable = env.cf.ownable[:0]
}
