package vm

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 保留区域列表
// ============================================================================
//
// 每个复制组一个列表，列表分成若干子列表，每个子列表有自己的锁。
// 线程按 ID 选择子列表；锁竞争明显时增加子列表数量，直到上限。
// 区域通过 CopyForward.Next/Previous 链入且只链入一个子列表。

// maxSublists 每个复制组的子列表上限
const maxSublists = 8

// reservedSublist 保留子列表
type reservedSublist struct {
	mu    sync.Mutex
	head  *heap.Region
	count int

	// acquires 加锁次数，用来估计竞争
	acquires atomic.Uint64
}

func (l *reservedSublist) insert(r *heap.Region) {
	r.CopyForward.Previous = nil
	r.CopyForward.Next = l.head
	if l.head != nil {
		l.head.CopyForward.Previous = r
	}
	l.head = r
	l.count++
}

func (l *reservedSublist) remove(r *heap.Region) {
	prev, next := r.CopyForward.Previous, r.CopyForward.Next
	if prev != nil {
		prev.CopyForward.Next = next
	} else {
		l.head = next
	}
	if next != nil {
		next.CopyForward.Previous = prev
	}
	r.CopyForward.Next = nil
	r.CopyForward.Previous = nil
	l.count--
}

// reservedRegionList 一个复制组的目标区域
type reservedRegionList struct {
	sublists        [maxSublists]reservedSublist
	sublistCount    atomic.Int32
	maxSublistCount int32

	// contentionSlack 判定竞争时允许的额外加锁次数
	contentionSlack uint64

	// evacuateRegionCount 以本组为目标的回收集区域数
	evacuateRegionCount int

	// 尾部候选：本组中还有大量空闲的老区域
	candidatesMu sync.Mutex
	candidates   []*heap.Region
}

func newReservedRegionList(threads int) *reservedRegionList {
	l := &reservedRegionList{contentionSlack: uint64(bits.Len(uint(threads)) - 1)}
	l.reset()
	return l
}

func (l *reservedRegionList) reset() {
	for i := range l.sublists {
		sub := &l.sublists[i]
		sub.head = nil
		sub.count = 0
		sub.acquires.Store(0)
	}
	l.sublistCount.Store(1)
	l.maxSublistCount = 1
	l.evacuateRegionCount = 0
	l.candidates = nil
}

func (l *reservedRegionList) sublistFor(env *Environment) *reservedSublist {
	n := int(l.sublistCount.Load())
	return &l.sublists[env.id%n]
}

// lockSublist 加锁，并根据等待期间其他线程的加锁次数决定是否增加子列表
func (s *CopyForwardScheme) lockSublist(l *reservedRegionList, sub *reservedSublist) {
	before := sub.acquires.Load()
	sub.mu.Lock()
	after := sub.acquires.Inc()
	if after > before+1+l.contentionSlack {
		n := l.sublistCount.Load()
		if n < l.maxSublistCount && l.sublistCount.CAS(n, n+1) {
			s.cycle.sublistsExpanded.Inc()
		}
	}
}

// setRegionMaxSublistCount 按以各组为目标的回收集区域数设置子列表上限
func (s *CopyForwardScheme) setRegionMaxSublistCount() {
	for _, l := range s.reserved {
		n := 1 + l.evacuateRegionCount/4
		if n > maxSublists {
			n = maxSublists
		}
		l.maxSublistCount = int32(n)
	}
}

// setReservedRegionTailCandidates 选出空闲比例足够高的老区域，复制时可以接在它们的尾部
func (s *CopyForwardScheme) setReservedRegionTailCandidates() {
	threshold := uint64(s.cfg.Placement.FragmentationTarget * float64(s.heap.RegionSize()))
	if threshold < s.minCacheSize {
		threshold = s.minCacheSize
	}
	for _, r := range s.heap.Regions() {
		if r.Type != heap.RegionOld || r.CopyForward.EvacuateSet || r.IsPinned() {
			continue
		}
		if r.Pool.AllocatableBytes() < threshold {
			continue
		}
		l := s.reserved[s.groups.groupOfRegion(r)]
		l.candidates = append(l.candidates, r)
		s.cycle.tailCandidates++
	}
}

// takeTailCandidate 取出一个至少有 min 字节空闲的尾部候选
func (l *reservedRegionList) takeTailCandidate(min uint64) *heap.Region {
	l.candidatesMu.Lock()
	defer l.candidatesMu.Unlock()
	for i, r := range l.candidates {
		if r.Pool.AllocatableBytes() >= min {
			last := len(l.candidates) - 1
			l.candidates[i] = l.candidates[last]
			l.candidates = l.candidates[:last]
			return r
		}
	}
	return nil
}

// convertTailCandidate 把尾部候选变成幸存者区域：分配指针对齐到卡，
// 对齐跳过的内存填洞
func (s *CopyForwardScheme) convertTailCandidate(env *Environment, group int, r *heap.Region) {
	before := r.Pool.AllocationPointer()
	if lost := r.Pool.AlignAllocationPointer(heap.CardSize); lost > 0 {
		s.heap.FillWithHoles(before, before.Add(lost))
		env.cf.groups[group].discardedBytes += lost
	}
	r.CopyForward.SurvivorBase = r.Pool.AllocationPointer()
}

// acquireEmptyRegion 从复制组的上下文获取一个空区域作为新幸存者区域
func (s *CopyForwardScheme) acquireEmptyRegion(env *Environment, group int) *heap.Region {
	ctx := s.heap.Context(s.groups.context(group))
	r := ctx.CollectorAcquireRegion()
	if r == nil {
		return nil
	}
	assertTrue(r.CopyForward.Next == nil && r.CopyForward.Previous == nil, "acquired region %d is still linked", r.Index)
	assertTrue(!r.CopyForward.FreshSurvivor, "acquired region %d is already a survivor", r.Index)

	s.markMap.ClearRange(r.Low, r.High)
	if s.external != nil && s.external.IsActive() {
		s.external.markMap.ClearRange(r.Low, r.High)
	}
	s.cards.SetRange(r.Low, r.High, cardtable.Clean)

	r.LogicalAge = s.groups.age(group)
	r.CopyForward.FreshSurvivor = true
	r.CopyForward.SurvivorBase = r.Low
	r.LowerAgeBound.Store(math.MaxUint64)
	r.UpperAgeBound.Store(0)
	r.PreviousMarkMapCleared = true
	env.cf.stats.AcquiredRegions++
	return r
}

// reserveMemoryForObject 为一个对象预留恰好 size 字节。
// 依次尝试子列表中的区域、尾部候选和新区域，失败时区域保留在列表中。
func (s *CopyForwardScheme) reserveMemoryForObject(env *Environment, group int, size uint64) (heap.Address, *heap.Region, *reservedSublist) {
	l := s.reserved[group]
	sub := l.sublistFor(env)
	s.lockSublist(l, sub)
	defer sub.mu.Unlock()

	for r := sub.head; r != nil; r = r.CopyForward.Next {
		if a, ok := r.Pool.Allocate(size); ok {
			s.survivors.SetRange(a, a.Add(size))
			return a, r, sub
		}
	}

	r := s.nextTargetRegion(env, group, l, size)
	if r == nil {
		return heap.Nil, nil, nil
	}
	sub.insert(r)
	a, ok := r.Pool.Allocate(size)
	assertTrue(ok, "new target region %d cannot hold %d bytes", r.Index, size)
	s.survivors.SetRange(a, a.Add(size))
	return a, r, sub
}

// reserveMemoryForCache 为缓存预留 [min, max] 字节。
// 剩余空间不足 min 的区域从子列表中移除。
func (s *CopyForwardScheme) reserveMemoryForCache(env *Environment, group int, min, max uint64) (heap.Address, heap.Address, *heap.Region, *reservedSublist) {
	l := s.reserved[group]
	sub := l.sublistFor(env)
	s.lockSublist(l, sub)
	defer sub.mu.Unlock()

	for r := sub.head; r != nil; {
		next := r.CopyForward.Next
		if base, top, ok := r.Pool.AllocateTLH(min, max); ok {
			s.survivors.SetRange(base, top)
			return base, top, r, sub
		}
		sub.remove(r)
		r = next
	}

	r := s.nextTargetRegion(env, group, l, min)
	if r == nil {
		return heap.Nil, heap.Nil, nil, nil
	}
	sub.insert(r)
	base, top, ok := r.Pool.AllocateTLH(min, max)
	assertTrue(ok, "new target region %d cannot hold %d bytes", r.Index, min)
	s.survivors.SetRange(base, top)
	return base, top, r, sub
}

// nextTargetRegion 尾部候选优先，其次新区域；新区域获取失败后本周期不再尝试
func (s *CopyForwardScheme) nextTargetRegion(env *Environment, group int, l *reservedRegionList, min uint64) *heap.Region {
	if r := l.takeTailCandidate(min + heap.CardSize); r != nil {
		s.convertTailCandidate(env, group, r)
		if r.Pool.AllocatableBytes() >= min {
			return r
		}
	}
	if s.cycle.failedToExpand.Load() {
		return nil
	}
	if min > s.heap.RegionSize() {
		return nil
	}
	r := s.acquireEmptyRegion(env, group)
	if r == nil {
		if s.cycle.failedToExpand.CAS(false, true) {
			env.Logger().Debug("no free region for copy-forward target")
		}
		return nil
	}
	return r
}

// clearReservedRegionLists 周期结束时拆除所有子列表链接
func (s *CopyForwardScheme) clearReservedRegionLists() {
	for _, l := range s.reserved {
		for i := range l.sublists {
			sub := &l.sublists[i]
			for r := sub.head; r != nil; {
				next := r.CopyForward.Next
				r.CopyForward.Next = nil
				r.CopyForward.Previous = nil
				r = next
			}
			sub.head = nil
			sub.count = 0
		}
		l.candidates = nil
		l.sublistCount.Store(1)
	}
}

// checkReservedRegionLists 检查子列表没有环、没有重复、前后链接一致
func (s *CopyForwardScheme) checkReservedRegionLists() error {
	var err error
	seen := make(map[*heap.Region]int)
	for g, l := range s.reserved {
		for i := range l.sublists {
			sub := &l.sublists[i]
			var prev *heap.Region
			n := 0
			for r := sub.head; r != nil; r = r.CopyForward.Next {
				if owner, dup := seen[r]; dup {
					err = multierr.Append(err, fmt.Errorf("region %d linked twice (groups %d and %d)", r.Index, owner, g))
					break
				}
				seen[r] = g
				if r.CopyForward.Previous != prev {
					err = multierr.Append(err, fmt.Errorf("region %d has a broken previous link", r.Index))
				}
				prev = r
				n++
			}
			if n != sub.count {
				err = multierr.Append(err, fmt.Errorf("group %d sublist %d counts %d regions, holds %d", g, i, sub.count, n))
			}
		}
	}
	return err
}
