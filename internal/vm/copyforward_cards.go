package vm

import (
	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 卡表清理
// ============================================================================
//
// 回收集之外的区域通过卡表把对回收集的引用暴露出来：
//   - Dirty / PGCMustScan：卡上所有已标记的对象都要扫描
//   - Remembered / RememberedAndGMPScan：只扫描带记忆标志的对象
//   - GMPMustScan：只属于全局标记，部分回收跳过
// 不在回收集中的区域所有对象都已标记，所以按标记位图遍历卡上的对象。

// cleanCardTable 每个线程领取区域，清理区域周期开始时的已分配部分
func (s *CopyForwardScheme) cleanCardTable(env *Environment) {
	t := s.task
	for _, r := range s.heap.Regions() {
		cf := &r.CopyForward
		if !cf.InitialLiveSet || cf.EvacuateSet {
			continue
		}
		if t.HandleNextWorkUnit(env) {
			s.cleanCardsInRegion(env, r)
		}
	}
}

func (s *CopyForwardScheme) cleanCardsInRegion(env *Environment, r *heap.Region) {
	top := r.CopyForward.LiveTop
	if top <= r.Low {
		return
	}
	for i := s.cards.Index(r.Low); ; i++ {
		base := s.cards.CardAddress(i)
		if base >= top {
			return
		}
		s.cleanCard(env, i, base, minAddress(base.Add(heap.CardSize), top))
	}
}

// cleanCard 扫描一张卡。中止标志举起且尚未进入中止处理时卡保持原状，
// 恢复阶段还会再清理一次。
func (s *CopyForwardScheme) cleanCard(env *Environment, index int, base, top heap.Address) {
	state := s.cards.GetIndex(index)
	var rememberedOnly bool
	switch state {
	case cardtable.Dirty, cardtable.PGCMustScan:
	case cardtable.Remembered, cardtable.RememberedAndGMPScan:
		rememberedOnly = true
	default:
		return
	}
	if s.survivors.IsSurvivor(base) {
		return
	}

	shouldClean := s.cycle.abortInProgress.Load() || !s.cycle.abortFlag.Load()

	it := s.markMap.NewIterator(base, top)
	for obj := it.Next(); obj != heap.Nil; obj = it.Next() {
		if rememberedOnly && s.heap.ReadHeader(obj).Flags()&heap.FlagRemembered == 0 {
			continue
		}
		s.scanObject(env, obj, scanReasonDirtyCard)
	}

	if shouldClean && s.cards.CAS(index, state, s.cleanedCardState(state)) {
		env.cf.stats.CardsCleaned++
	}
}

// cleanedCardState 清理后的卡状态。全局标记进行中时，它需要的扫描信息保留下来。
func (s *CopyForwardScheme) cleanedCardState(state cardtable.State) cardtable.State {
	if s.external == nil || !s.external.IsActive() {
		return cardtable.Clean
	}
	switch state {
	case cardtable.Dirty, cardtable.RememberedAndGMPScan:
		return cardtable.GMPMustScan
	}
	return cardtable.Clean
}

func minAddress(a, b heap.Address) heap.Address {
	if a < b {
		return a
	}
	return b
}
