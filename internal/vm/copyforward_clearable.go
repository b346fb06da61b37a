package vm

import (
	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 可清除对象
// ============================================================================
//
// 强可达的对象全部复制或标记完成后依次处理：
//   1. 软引用、弱引用列表：referent 死亡则清除，带队列的引用交给终结队列
//   2. 待终结对象：死亡的对象被复活并进入终结队列，随后完成它们引用的对象
//   3. 虚引用列表
//   4. 弱根：监视器表、弱全局引用、字符串常量表
// 某一类列表处理完后，之后再发现的同类引用直接清除。

// processClearables 回收线程共同执行的可清除阶段
func (s *CopyForwardScheme) processClearables(env *Environment) {
	t := s.task

	s.flushReferenceBuffers(env)
	t.SynchronizeGCThreads(env, "referenceBuffersFlushed")

	s.processReferenceLists(env, heap.RefSoft)
	s.processReferenceLists(env, heap.RefWeak)
	if t.SynchronizeGCThreadsAndReleaseSingleThread(env, "softWeakProcessed") {
		opts := s.cycle.referenceOptions.Load()
		s.cycle.referenceOptions.Store(opts | clearSoftReferences | clearWeakReferences)
		t.ReleaseSynchronizedGCThreads(env)
	}

	if s.cycle.shouldScanFinalizable {
		s.scanUnfinalizedObjects(env)
		s.completeScan(env)
		// 复活时举起了中止：此时已在中止处理中，原地标记剩下的对象
		if s.cycle.deferredFinalizable.Load() > 0 {
			s.scanUnfinalizedObjectsComplete(env)
			s.completeScan(env)
		}
	}

	// 复活的对象可能引用了新的虚引用
	s.flushReferenceBuffers(env)
	if t.SynchronizeGCThreadsAndReleaseSingleThread(env, "phantomSetup") {
		opts := s.cycle.referenceOptions.Load()
		s.cycle.referenceOptions.Store(opts | clearPhantomReferences)
		t.ReleaseSynchronizedGCThreads(env)
	}
	s.processReferenceLists(env, heap.RefPhantom)

	s.scanWeakRoots(env)
	s.flushOwnableBuffer(env)
	s.flushFinalizableBuffer(env)
	t.SynchronizeGCThreads(env, "clearablesDone")
}

// isSurvivorRegion 区域包含本周期复制进来的对象
func isSurvivorRegion(r *heap.Region) bool {
	return r.CopyForward.FreshSurvivor || r.CopyForward.SurvivorBase != heap.Nil
}

// processReferenceLists 处理回收集和幸存者区域上登记的一类引用对象，每个区域一个工作单元
func (s *CopyForwardScheme) processReferenceLists(env *Environment, kind heap.ReferenceKind) {
	t := s.task
	for _, r := range s.heap.Regions() {
		if !r.CopyForward.EvacuateSet && !isSurvivorRegion(r) {
			continue
		}
		if !t.HandleNextWorkUnit(env) {
			continue
		}
		for _, ref := range r.TakeReferences(kind) {
			s.processReference(env, ref, kind)
		}
	}
}

// processReference referent 存活时更新它（软引用同时增加年龄），
// 死亡时清除；有队列的引用对象交给终结队列
func (s *CopyForwardScheme) processReference(env *Environment, ref heap.Address, kind heap.ReferenceKind) {
	h := s.heap
	assertTrue(s.isLiveObject(ref), "reference %#x on a region list is dead", uint64(ref))

	referent := heap.Address(h.LoadField(ref, heap.ReferenceReferentSlot))
	if referent == heap.Nil {
		return
	}
	if f := h.ReadHeader(referent); f.IsForwarded() {
		referent = f.Destination()
		h.StoreField(ref, heap.ReferenceReferentSlot, uint64(referent))
	}

	if s.isLiveObject(referent) {
		if kind == heap.RefSoft {
			if age := h.LoadField(ref, heap.ReferenceAgeSlot); age < s.maxSoftAge {
				h.StoreField(ref, heap.ReferenceAgeSlot, age+1)
			}
		}
		s.remember(ref, referent)
		return
	}

	h.StoreField(ref, heap.ReferenceReferentSlot, 0)
	h.StoreField(ref, heap.ReferenceStateSlot, uint64(heap.ReferenceCleared))
	s.countCleared(env, kind)
	if h.LoadField(ref, heap.ReferenceQueueSlot) != 0 {
		env.cf.finalizable = append(env.cf.finalizable, ref)
		env.cf.stats.FinalizableQueued++
	}
}

// ============================================================================
// 终结
// ============================================================================

// scanUnfinalizedObjects 处理回收集区域的待终结列表：存活的对象登记到新位置所在区域，
// 死亡的对象复制后进入终结队列。复制失败的对象留到中止处理中再标记。
func (s *CopyForwardScheme) scanUnfinalizedObjects(env *Environment) {
	t := s.task
	for _, r := range s.heap.Regions() {
		if !r.CopyForward.EvacuateSet {
			continue
		}
		if !t.HandleNextWorkUnit(env) {
			continue
		}
		ctx := r.Context()
		for _, obj := range r.TakeUnfinalized() {
			s.processUnfinalized(env, ctx, obj)
		}
	}
	s.flushUnfinalizedBuffer(env)
}

func (s *CopyForwardScheme) processUnfinalized(env *Environment, ctx *heap.AllocationContext, obj heap.Address) {
	f := s.heap.ReadHeader(obj)
	if f.IsForwarded() {
		env.cf.unfinalized = append(env.cf.unfinalized, f.Destination())
		return
	}
	if s.markMap.IsBitSet(obj) {
		env.cf.unfinalized = append(env.cf.unfinalized, obj)
		return
	}

	p := obj
	if !s.copyAndForward(env, ctx, heap.Nil, heap.RootSlot(&p)) {
		env.cf.deferredFinalizable = append(env.cf.deferredFinalizable, obj)
		s.cycle.deferredFinalizable.Inc()
		return
	}
	env.cf.finalizable = append(env.cf.finalizable, p)
	env.cf.stats.FinalizableQueued++
}

// scanUnfinalizedObjectsComplete 中止处理中标记复活失败的对象
func (s *CopyForwardScheme) scanUnfinalizedObjectsComplete(env *Environment) {
	assertTrue(s.cycle.abortInProgress.Load(), "deferred finalizable objects outside abort handling")
	for _, obj := range env.cf.deferredFinalizable {
		p := obj
		ok := s.copyAndForward(env, s.heap.RegionFor(obj).Context(), heap.Nil, heap.RootSlot(&p))
		assertTrue(ok, "in-place mark of finalizable object %#x failed", uint64(obj))
		env.cf.finalizable = append(env.cf.finalizable, p)
		env.cf.stats.FinalizableQueued++
	}
	env.cf.deferredFinalizable = env.cf.deferredFinalizable[:0]
}

// flushUnfinalizedBuffer 把仍然存活的待终结对象登记到所在区域
func (s *CopyForwardScheme) flushUnfinalizedBuffer(env *Environment) {
	s.flushByRegion(env.cf.unfinalized, func(r *heap.Region, batch []heap.Address) {
		for _, obj := range batch {
			r.AddUnfinalized(obj)
		}
	})
	env.cf.unfinalized = env.cf.unfinalized[:0]
}

// flushFinalizableBuffer 把本线程发现的对象交给运行时的终结队列
func (s *CopyForwardScheme) flushFinalizableBuffer(env *Environment) {
	s.roots.enqueueFinalizable(env.cf.finalizable)
	env.cf.finalizable = env.cf.finalizable[:0]
}
