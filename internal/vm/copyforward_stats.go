package vm

import (
	"time"

	"github.com/tangzhangming/regiongc/internal/profiler"
)

// CopyForwardStats 复制转发统计，每个线程一份，周期结束时合并
type CopyForwardStats struct {
	// 复制
	EdenCopiedObjects uint64
	EdenCopiedBytes   uint64
	OldCopiedObjects  uint64
	OldCopiedBytes    uint64
	LeafCopies        uint64
	DepthCopies       uint64
	CopyFailures      uint64

	// 扫描
	ScannedObjects  uint64
	ScannedBytes    uint64
	MarkedInPlace   uint64
	SplitArrayUnits uint64
	CacheSwitches   uint64
	CardsCleaned    uint64

	// 内存
	DiscardedBytes  uint64
	AcquiredRegions int
	HeapCacheChunks uint64
	RemaindersKept  uint64

	// 工作包
	PacketItemsPushed uint64
	PacketItemsPopped uint64

	// 引用与弱根
	SoftCleared        uint64
	WeakCleared        uint64
	PhantomCleared     uint64
	FinalizableQueued  uint64
	MonitorsCleared    uint64
	WeakGlobalsCleared uint64
	StringTableCleared uint64

	// 停顿
	SyncStall  time.Duration
	AbortStall time.Duration
	WorkStall  time.Duration
}

// merge 累加另一个线程的统计
func (s *CopyForwardStats) merge(o *CopyForwardStats) {
	s.EdenCopiedObjects += o.EdenCopiedObjects
	s.EdenCopiedBytes += o.EdenCopiedBytes
	s.OldCopiedObjects += o.OldCopiedObjects
	s.OldCopiedBytes += o.OldCopiedBytes
	s.LeafCopies += o.LeafCopies
	s.DepthCopies += o.DepthCopies
	s.CopyFailures += o.CopyFailures

	s.ScannedObjects += o.ScannedObjects
	s.ScannedBytes += o.ScannedBytes
	s.MarkedInPlace += o.MarkedInPlace
	s.SplitArrayUnits += o.SplitArrayUnits
	s.CacheSwitches += o.CacheSwitches
	s.CardsCleaned += o.CardsCleaned

	s.DiscardedBytes += o.DiscardedBytes
	s.AcquiredRegions += o.AcquiredRegions
	s.HeapCacheChunks += o.HeapCacheChunks
	s.RemaindersKept += o.RemaindersKept

	s.PacketItemsPushed += o.PacketItemsPushed
	s.PacketItemsPopped += o.PacketItemsPopped

	s.SoftCleared += o.SoftCleared
	s.WeakCleared += o.WeakCleared
	s.PhantomCleared += o.PhantomCleared
	s.FinalizableQueued += o.FinalizableQueued
	s.MonitorsCleared += o.MonitorsCleared
	s.WeakGlobalsCleared += o.WeakGlobalsCleared
	s.StringTableCleared += o.StringTableCleared

	s.SyncStall += o.SyncStall
	s.AbortStall += o.AbortStall
	s.WorkStall += o.WorkStall
}

// CopiedBytes 复制的总字节数
func (s *CopyForwardStats) CopiedBytes() uint64 {
	return s.EdenCopiedBytes + s.OldCopiedBytes
}

// fillReport 把合并后的统计写入周期报告
func (s *CopyForwardStats) fillReport(r *profiler.CycleReport) {
	r.EdenCopiedObjects = s.EdenCopiedObjects
	r.EdenCopiedBytes = s.EdenCopiedBytes
	r.OldCopiedObjects = s.OldCopiedObjects
	r.OldCopiedBytes = s.OldCopiedBytes
	r.ScannedObjects = s.ScannedObjects
	r.ScannedBytes = s.ScannedBytes
	r.MarkedInPlace = s.MarkedInPlace
	r.DiscardedBytes = s.DiscardedBytes
	r.SplitArrayUnits = s.SplitArrayUnits
	r.HeapCacheChunks = s.HeapCacheChunks
	r.AcquiredRegions = s.AcquiredRegions
	r.CardsCleaned = s.CardsCleaned
	r.SoftCleared = s.SoftCleared
	r.WeakCleared = s.WeakCleared
	r.PhantomCleared = s.PhantomCleared
	r.FinalizableQueued = s.FinalizableQueued
	r.MonitorsCleared = s.MonitorsCleared
	r.WeakGlobalsCleared = s.WeakGlobalsCleared
	r.StringTableCleared = s.StringTableCleared
	r.SyncStall = s.SyncStall
	r.AbortStall = s.AbortStall
	r.WorkStall = s.WorkStall
}
