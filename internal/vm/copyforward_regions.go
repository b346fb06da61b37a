package vm

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/profiler"
)

// ============================================================================
// 区域预处理
// ============================================================================

// preProcessRegions 标记回收集（所有 eden 区域总是加入），决定禁止疏散的区域，
// 记录每个区域周期开始时的分配指针，并统计各复制组的存活量
func (s *CopyForwardScheme) preProcessRegions(collectionSet []*heap.Region) {
	c := &s.cycle
	c.collectionSet = c.collectionSet[:0]

	for _, r := range collectionSet {
		assertTrue(r.ContainsObjects(), "region %d in collection set is free", r.Index)
		r.CopyForward.EvacuateSet = true
	}

	ratio := s.cfg.Placement.ForcedNoEvacuationRatio
	for _, r := range s.heap.Regions() {
		cf := &r.CopyForward
		cf.InitialLiveSet = r.ContainsObjects()
		cf.LiveTop = heap.Nil
		if !cf.InitialLiveSet {
			cf.EvacuateSet = false
			continue
		}
		cf.LiveTop = r.Pool.AllocationPointer()
		if r.IsEden() {
			cf.EvacuateSet = true
		}
		if !cf.EvacuateSet {
			continue
		}

		c.collectionSet = append(c.collectionSet, r)
		r.Mark.ShouldMark = true
		r.Mark.NoEvacuation = r.IsPinned() || (ratio > 0 && s.rng.Float64() < ratio)
		if r.Mark.NoEvacuation {
			c.regionCountCannotBeEvacuated.Inc()
		}
		if r.IsEden() {
			c.edenRegions++
		}

		used := r.Pool.UsedBytes()
		c.liveBytesBefore += used
		src := s.groups.groupOfRegion(r)
		dest := s.groups.group(r.Context().Index(), s.groups.destinationAge(r.LogicalAge))
		s.groupStats[src].liveBytesBefore += used
		s.groupStats[dest].projectedCopyBytes += uint64(float64(used) * s.groupStats[src].historicalSurvivalRate)
		s.reserved[dest].evacuateRegionCount++

		// 存活的引用对象和同步器在扫描时重新登记
		for k := heap.ReferenceKind(0); k < referenceKinds; k++ {
			r.TakeReferences(k)
		}
		r.TakeOwnableSynchronizers()
		if len(r.Unfinalized()) > 0 {
			c.shouldScanFinalizable = true
		}
	}
}

// clearMarkMapForPartialCollect 清空回收集区域的标记位，每个区域一个工作单元
func (s *CopyForwardScheme) clearMarkMapForPartialCollect(env *Environment) {
	for _, r := range s.cycle.collectionSet {
		if s.task.HandleNextWorkUnit(env) {
			s.markMap.ClearRange(r.Low, r.High)
		}
	}
}

// ============================================================================
// 区域后处理
// ============================================================================

// postProcessRegions 主线程在所有线程结束后处理回收集和幸存者区域：
// 没有存活对象的回收集区域归还给上下文，其余原地清扫；幸存者区域结算年龄
func (s *CopyForwardScheme) postProcessRegions(report *profiler.CycleReport) {
	c := &s.cycle
	gmp := s.external != nil && s.external.IsActive()

	// 中止处理开始后疏散区域里也会有原地标记的对象
	aborted := c.abortFlag.Load() || c.abortInProgress.Load()
	for _, r := range c.collectionSet {
		evacuated := !r.Mark.NoEvacuation && !aborted
		if !evacuated && s.markMap.CountRange(r.Low, r.High) == 0 {
			evacuated = true
		}
		if evacuated {
			report.FreedBytes += r.Pool.UsedBytes()
			s.recycleRegion(r, gmp)
			report.RecycledRegions++
			continue
		}

		freed := s.heap.SweepRegion(r, s.markMap.IsBitSet)
		report.FreedBytes += freed
		report.SweptRegions++
		if gmp {
			s.clearDeadExternalMarks(r)
		}
		r.Type = heap.RegionOld
		r.LogicalAge = s.groups.destinationAge(r.LogicalAge)
		s.logger.Debug("region swept in place",
			zap.Int("region", r.Index),
			zap.Bool("noEvacuation", r.Mark.NoEvacuation),
			zap.Uint64("freed", freed))
	}

	for _, r := range s.heap.Regions() {
		if !r.ContainsObjects() {
			continue
		}
		if isSurvivorRegion(r) {
			s.finalizeSurvivorAge(r)
		}
		r.AllocationAge++
		r.CopyForward = heap.CopyForwardData{}
		r.Mark.ShouldMark = false
		r.Mark.NoEvacuation = false
		r.Mark.ClearOverflow(overflowFlagCopyForward)
	}
	s.survivors.Clear()
}

// recycleRegion 完全疏散的区域：清空位图、卡和记忆集后归还
func (s *CopyForwardScheme) recycleRegion(r *heap.Region, gmp bool) {
	s.markMap.ClearRange(r.Low, r.High)
	if gmp {
		s.external.markMap.ClearRange(r.Low, r.High)
	}
	s.cards.SetRange(r.Low, r.High, cardtable.Clean)
	s.remset.ClearRegion(r)
	s.heap.RecycleRegion(r)
}

// clearDeadExternalMarks 原地清扫后，全局标记位图上已经变成空洞的对象去掉标记
func (s *CopyForwardScheme) clearDeadExternalMarks(r *heap.Region) {
	m := s.external.markMap
	it := m.NewIterator(r.Low, r.High)
	for obj := it.Next(); obj != heap.Nil; obj = it.Next() {
		if !s.markMap.IsBitSet(obj) {
			m.ClearBit(obj)
		}
	}
}

// finalizeSurvivorAge 用复制进来的字节与年龄的乘积结算幸存者区域的分配年龄
func (s *CopyForwardScheme) finalizeSurvivorAge(r *heap.Region) {
	cf := &r.CopyForward
	base := cf.SurvivorBase
	if base == heap.Nil {
		base = r.Low
	}
	copied := r.Pool.AllocationPointer().Sub(base)
	old := base.Sub(r.Low)
	product := r.AllocationAgeSizeProduct.Load()
	r.AllocationAgeSizeProduct.Store(0)
	if copied+old == 0 {
		return
	}
	r.AllocationAge = (r.AllocationAge*float64(old) + product) / float64(copied+old)
}
