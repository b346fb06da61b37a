package vm

import (
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// ============================================================================
// 工作分发
// ============================================================================
//
// 扫描工作来自三处：本线程复制缓存中的待扫描副本、各上下文的扫描列表、
// 以及（有禁止疏散区域时）工作包。取不到工作的线程在 workMu 上等待；
// 最后一个进入等待的线程宣布本轮结束（doneIndex 加一）并唤醒所有线程。

// workUnit 取到的工作种类
type workUnit uint8

const (
	workNone workUnit = iota
	workCopyCache
	workPacket
)

// completeScan 排空所有扫描工作。中止在本轮中发生时，
// 同步点之后转入中止处理，用工作包完成原地标记。
func (s *CopyForwardScheme) completeScan(env *Environment) {
drain:
	for {
		switch s.getNextWorkUnit(env) {
		case workCopyCache:
			if s.hierarchical {
				s.incrementalScanCache(env)
			} else {
				s.completeScanCache(env)
			}
		case workPacket:
			s.completeScanWorkPacket(env)
		default:
			break drain
		}
	}

	s.addCopyCachesToFreeList(env)
	env.workStack.Flush()

	t := s.task
	if t.SynchronizeGCThreadsAndReleaseMaster(env, "completeScan") {
		c := &s.cycle
		overflowed := c.regionCountCannotBeEvacuated.Load() != 0 && s.packets.Overflowed()
		if (c.abortFlag.Load() || overflowed) && !c.abortInProgress.Load() {
			c.abortInProgress.Store(true)
			env.Logger().Info("copy-forward switching to in-place marking",
				zap.Bool("abortFlag", c.abortFlag.Load()),
				zap.Bool("packetOverflow", overflowed))
		}
		t.ReleaseSynchronizedGCThreads(env)
	}

	if s.cycle.abortInProgress.Load() {
		s.completeScanForAbort(env)
	}
}

// getNextWorkUnit 取下一个工作单元，返回 workNone 表示本轮所有线程都已无事可做
func (s *CopyForwardScheme) getNextWorkUnit(env *Environment) workUnit {
	env.cf.scanCache = nil

	if c := s.getSurvivorCacheForScan(env); c != nil {
		env.cf.scanCache = c
		return workCopyCache
	}
	if c := env.cf.deferredScanCache; c != nil {
		env.cf.deferredScanCache = nil
		env.cf.scanCache = c
		return workCopyCache
	}

	c := &s.cycle
	for {
		if w := s.getNextWorkUnitNoWait(env); w != workNone {
			return w
		}

		start := time.Now()
		c.workMu.Lock()
		if s.isAnyScanWorkAvailable() {
			c.workMu.Unlock()
			continue
		}
		if int(c.waitCount.Inc()) == s.threads {
			c.waitCount.Store(0)
			c.doneIndex++
			c.workCond.Broadcast()
			c.workMu.Unlock()
			env.cf.stats.WorkStall += time.Since(start)
			return workNone
		}
		index := c.doneIndex
		for index == c.doneIndex && !s.isAnyScanWorkAvailable() {
			c.workCond.Wait()
		}
		done := index != c.doneIndex
		if !done {
			c.waitCount.Dec()
		}
		c.workMu.Unlock()
		env.cf.stats.WorkStall += time.Since(start)
		if done {
			return workNone
		}
	}
}

// getSurvivorCacheForScan 本线程复制缓存中有待扫描内容的一个
func (s *CopyForwardScheme) getSurvivorCacheForScan(env *Environment) *CopyScanCache {
	for g := range env.cf.groups {
		c := env.cf.groups[g].copyCache
		if c != nil && c.flags&cacheScan == 0 && c.isScanWorkAvailable() {
			return c
		}
	}
	return nil
}

// getNextWorkUnitNoWait 依次尝试本节点、公共上下文、其他节点的扫描列表，再尝试工作包
func (s *CopyForwardScheme) getNextWorkUnitNoWait(env *Environment) workUnit {
	nodes := len(s.scanLists)
	preferred := env.numaNode
	if c := s.scanLists[preferred].pop(); c != nil {
		env.cf.scanCache = c
		return workCopyCache
	}
	if preferred != 0 {
		if c := s.scanLists[0].pop(); c != nil {
			env.cf.scanCache = c
			return workCopyCache
		}
	}
	for i := 1; i < nodes; i++ {
		node := (preferred + i) % nodes
		if node == 0 || node == preferred {
			continue
		}
		if c := s.scanLists[node].pop(); c != nil {
			env.cf.scanCache = c
			return workCopyCache
		}
	}

	if s.packetsUsableForWork() {
		if it, ok := env.workStack.PopNoWait(); ok {
			env.cf.pendingItem = it
			return workPacket
		}
	}
	return workNone
}

// packetsUsableForWork 禁止疏散的区域存在且尚未中止时，工作包参与正常扫描
func (s *CopyForwardScheme) packetsUsableForWork() bool {
	c := &s.cycle
	return c.regionCountCannotBeEvacuated.Load() != 0 && !c.abortInProgress.Load() && !c.abortFlag.Load()
}

// isAnyScanWorkAvailable 其他线程能看到的扫描工作是否存在
func (s *CopyForwardScheme) isAnyScanWorkAvailable() bool {
	for i := range s.scanLists {
		if s.scanLists[i].count.Load() > 0 {
			return true
		}
	}
	return s.packetsUsableForWork() && s.packets.InputPacketAvailable()
}

// notifyWorkAvailable 有线程在等待时唤醒它们
func (s *CopyForwardScheme) notifyWorkAvailable() {
	c := &s.cycle
	if c.waitCount.Load() == 0 {
		return
	}
	c.workMu.Lock()
	c.workCond.Broadcast()
	c.workMu.Unlock()
}

// completeScanWorkPacket 扫描取到的条目，然后排空当前输入包
func (s *CopyForwardScheme) completeScanWorkPacket(env *Environment) {
	it := env.cf.pendingItem
	env.cf.pendingItem = workpackets.Item{}
	for {
		s.scanItem(env, it, scanReasonPacket)
		var ok bool
		if it, ok = env.workStack.PopNoWaitFromCurrentInputPacket(); !ok {
			return
		}
	}
}
