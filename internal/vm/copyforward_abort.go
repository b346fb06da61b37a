package vm

import (
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// ============================================================================
// 中止处理
// ============================================================================
//
// 中止后不再复制：回收集中尚未转发的可达对象原地标记并通过工作包扫描。
// 工作包耗尽时条目记录在所在区域上（溢出标志），排空后重扫这些区域中
// 所有已标记的对象，直到不再溢出。

// completeScanForAbort 用阻塞的工作包弹出排空标记工作，处理溢出直到稳定
func (s *CopyForwardScheme) completeScanForAbort(env *Environment) {
	start := time.Now()
	for {
		for {
			it, ok := env.workStack.Pop()
			if !ok {
				break
			}
			s.scanItem(env, it, scanReasonPacket)
		}
		env.workStack.Flush()
		s.task.SynchronizeGCThreads(env, "abortDrained")
		if !s.handleOverflow(env) {
			break
		}
	}
	env.cf.stats.AbortStall += time.Since(start)
}

// handleOverflow 重扫溢出的区域，返回本轮是否发生过溢出
func (s *CopyForwardScheme) handleOverflow(env *Environment) bool {
	t := s.task
	if t.SynchronizeGCThreadsAndReleaseSingleThread(env, "overflowCheck") {
		s.cycle.overflowPending = s.packets.ClearOverflow()
		if s.cycle.overflowPending {
			s.cycle.overflowRounds.Inc()
			env.Logger().Debug("rescanning overflowed regions",
				zap.Uint64("round", s.cycle.overflowRounds.Load()))
		}
		t.ReleaseSynchronizedGCThreads(env)
	}
	if !s.cycle.overflowPending {
		return false
	}

	for _, r := range s.heap.Regions() {
		if !r.ContainsObjects() {
			continue
		}
		if t.HandleNextWorkUnit(env) {
			s.cleanRegion(env, r)
		}
	}
	env.workStack.Flush()
	t.SynchronizeGCThreads(env, "overflowHandled")
	return true
}

// cleanRegion 清除区域的溢出标志并重扫其中所有已标记的对象
func (s *CopyForwardScheme) cleanRegion(env *Environment, r *heap.Region) {
	if r.Mark.OverflowFlags()&overflowFlagCopyForward == 0 {
		return
	}
	r.Mark.ClearOverflow(overflowFlagCopyForward)
	it := s.markMap.NewIterator(r.Low, r.High)
	for obj := it.Next(); obj != heap.Nil; obj = it.Next() {
		s.scanObject(env, obj, scanReasonOverflowedRegion)
	}
}

// handleWorkPacketOverflow 工作包溢出时把条目记录到对象所在区域
func (s *CopyForwardScheme) handleWorkPacketOverflow(it workpackets.Item) {
	s.heap.RegionFor(it.Object).Mark.SetOverflow(overflowFlagCopyForward)
}
