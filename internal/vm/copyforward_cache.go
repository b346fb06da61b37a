package vm

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/markmap"
	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// ============================================================================
// 复制/扫描缓存
// ============================================================================
//
// 缓存是一段线程独占的目标内存 [base, top)：
//   - base..scan   已扫描
//   - scan..alloc  已复制、待扫描
//   - alloc..top   空闲
//
// 同一时刻一个缓存只在一个位置：空闲列表、某线程的复制组、扫描列表、
// 某线程的当前扫描或延迟扫描。

// cacheFlags 缓存标志
type cacheFlags uint32

const (
	cacheCopy       cacheFlags = 1 << iota // 正在作为复制目标
	cacheScan                              // 正在被扫描
	cacheSplitArray                        // 描述一个数组分片，不对应目标内存
	cacheHeap                              // 描述符占用的内存从堆中借来
)

// cacheLocation 缓存当前所在位置
type cacheLocation uint8

const (
	cacheInFreeList cacheLocation = iota
	cacheInCopyGroup
	cacheInScanList
	cacheInScanning
	cacheInDeferred
)

// CopyScanCache 复制/扫描缓存
type CopyScanCache struct {
	flags cacheFlags
	where cacheLocation
	next  *CopyScanCache

	base  heap.Address
	alloc heap.Address
	top   heap.Address
	scan  heap.Address

	group   int
	region  *heap.Region
	sublist *reservedSublist

	// 数组分片
	arrayObject heap.Address
	arrayIndex  int

	// 层次扫描中被打断的对象
	cursor       heap.ScanCursor
	cursorFailed bool

	// 批量标记：头尾两个槽可能与相邻内存共享，其余槽独占
	headSlot int
	tailSlot int
	pgcMarks markBatch
	gmpMarks markBatch

	// 复制进来的对象年龄
	ageProduct float64
	minAge     uint64
	maxAge     uint64
}

// markBatch 一个标记槽的累积掩码
type markBatch struct {
	slot int
	bits uint64
}

func (c *CopyScanCache) reinit(base, top heap.Address, group int, region *heap.Region, sublist *reservedSublist, m *markmap.MarkMap) {
	c.flags = c.flags&cacheHeap | cacheCopy
	c.base = base
	c.alloc = base
	c.scan = base
	c.top = top
	c.group = group
	c.region = region
	c.sublist = sublist
	c.arrayObject = heap.Nil
	c.arrayIndex = 0
	c.cursor = heap.ScanCursor{}
	c.cursorFailed = false
	c.headSlot, _ = m.SlotIndexAndMask(base)
	c.tailSlot, _ = m.SlotIndexAndMask(top - heap.WordSize)
	c.pgcMarks = markBatch{}
	c.gmpMarks = markBatch{}
	c.ageProduct = 0
	c.minAge = ^uint64(0)
	c.maxAge = 0
}

func (c *CopyScanCache) clear() {
	c.flags = 0
	c.base, c.alloc, c.top, c.scan = heap.Nil, heap.Nil, heap.Nil, heap.Nil
	c.region = nil
	c.sublist = nil
	c.arrayObject = heap.Nil
	c.arrayIndex = 0
	c.cursor = heap.ScanCursor{}
	c.cursorFailed = false
}

// isScanWorkAvailable 缓存中是否还有待扫描的内容
func (c *CopyScanCache) isScanWorkAvailable() bool {
	return c.flags&cacheSplitArray != 0 || c.scan < c.alloc || c.cursor.Object != heap.Nil
}

// isSplitArray 是否为数组分片描述符
func (c *CopyScanCache) isSplitArray() bool {
	return c.flags&cacheSplitArray != 0
}

// freeBytes 剩余的目标内存
func (c *CopyScanCache) freeBytes() uint64 {
	return c.top.Sub(c.alloc)
}

// markObject 把对象加入批量标记，换槽时写出上一个槽
func (c *CopyScanCache) markObject(m *markmap.MarkMap, b *markBatch, obj heap.Address) {
	i, mask := m.SlotIndexAndMask(obj)
	if b.bits != 0 && b.slot != i {
		c.flushBatch(m, b)
	}
	b.slot = i
	b.bits |= mask
}

func (c *CopyScanCache) flushBatch(m *markmap.MarkMap, b *markBatch) {
	if b.bits == 0 {
		return
	}
	if b.slot == c.headSlot || b.slot == c.tailSlot {
		m.AtomicOrSlot(b.slot, b.bits)
	} else {
		m.SetSlot(b.slot, b.bits)
	}
	b.bits = 0
}

func (c *CopyScanCache) recordAge(size uint64, age float64) {
	c.ageProduct += float64(size) * age
	a := uint64(age)
	if a < c.minAge {
		c.minAge = a
	}
	if a > c.maxAge {
		c.maxAge = a
	}
}

// ============================================================================
// 描述符池
// ============================================================================

// heapCacheChunkCount 从堆中借内存时一次创建的描述符数
const heapCacheChunkCount = 16

// heapCacheDescriptorSize 每个借来的描述符占用的堆内存
const heapCacheDescriptorSize = 128

type heapCacheChunk struct {
	base, top heap.Address
	caches    []*CopyScanCache
}

// cachePool 空闲缓存描述符
type cachePool struct {
	mu         sync.Mutex
	free       *CopyScanCache
	freeCount  int
	total      int
	heapChunks []heapCacheChunk
}

func (p *cachePool) init(n int) {
	if n < 1 {
		n = 1
	}
	p.free = nil
	for i := 0; i < n; i++ {
		c := &CopyScanCache{}
		c.next = p.free
		p.free = c
	}
	p.freeCount = n
	p.total = n
}

func (p *cachePool) get() *CopyScanCache {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.free
	if c == nil {
		return nil
	}
	p.free = c.next
	p.freeCount--
	c.next = nil
	return c
}

func (p *cachePool) put(c *CopyScanCache) {
	assertTrue(c.where != cacheInFreeList, "cache returned to the free list twice")
	heapFlag := c.flags & cacheHeap
	c.clear()
	c.flags = heapFlag
	c.where = cacheInFreeList
	p.mu.Lock()
	c.next = p.free
	p.free = c
	p.freeCount++
	p.mu.Unlock()
}

// addHeapChunk 登记从堆中借来的一批描述符
func (p *cachePool) addHeapChunk(base, top heap.Address) {
	chunk := heapCacheChunk{base: base, top: top}
	p.mu.Lock()
	for i := 0; i < heapCacheChunkCount; i++ {
		c := &CopyScanCache{flags: cacheHeap, where: cacheInFreeList}
		c.next = p.free
		p.free = c
		chunk.caches = append(chunk.caches, c)
	}
	p.freeCount += heapCacheChunkCount
	p.total += heapCacheChunkCount
	p.heapChunks = append(p.heapChunks, chunk)
	p.mu.Unlock()
}

// removeHeapCaches 周期结束时移除借来的描述符，它们全部回到了空闲列表
func (p *cachePool) removeHeapCaches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.heapChunks) == 0 {
		return
	}
	var head *CopyScanCache
	n := 0
	for c := p.free; c != nil; {
		next := c.next
		if c.flags&cacheHeap == 0 {
			c.next = head
			head = c
			n++
		}
		c = next
	}
	p.total -= len(p.heapChunks) * heapCacheChunkCount
	assertTrue(n == p.total, "cache descriptors leaked: %d free of %d", n, p.total)
	p.free = head
	p.freeCount = n
	p.heapChunks = nil
}

// ============================================================================
// 扫描列表
// ============================================================================

// scanList 每个分配上下文一个，保存待扫描的缓存
type scanList struct {
	mu    sync.Mutex
	head  *CopyScanCache
	count atomic.Int64
}

func (l *scanList) push(c *CopyScanCache) {
	l.mu.Lock()
	c.next = l.head
	l.head = c
	l.count.Inc()
	l.mu.Unlock()
}

func (l *scanList) pop() *CopyScanCache {
	if l.count.Load() == 0 {
		return nil
	}
	l.mu.Lock()
	c := l.head
	if c != nil {
		l.head = c.next
		c.next = nil
		l.count.Dec()
	}
	l.mu.Unlock()
	return c
}

// ============================================================================
// 缓存生命周期
// ============================================================================

// getFreeCache 取一个空闲描述符，池耗尽时从堆中借一批
func (s *CopyForwardScheme) getFreeCache(env *Environment) *CopyScanCache {
	if c := s.caches.get(); c != nil {
		return c
	}
	if s.createScanCacheForOverflowInHeap(env) {
		return s.caches.get()
	}
	return nil
}

// createScanCacheForOverflowInHeap 在堆中预留一段内存充当额外的描述符
func (s *CopyForwardScheme) createScanCacheForOverflowInHeap(env *Environment) bool {
	ctx := 0
	if env.numaNode != 0 {
		ctx = env.numaNode
	}
	group := s.groups.group(ctx, s.groups.maxAge)
	size := uint64(heapCacheChunkCount * heapCacheDescriptorSize)
	base, _, _ := s.reserveMemoryForObject(env, group, size)
	if base == heap.Nil {
		return false
	}
	top := base.Add(size)
	s.heap.FillWithHoles(base, top)
	s.caches.addHeapChunk(base, top)
	env.cf.stats.HeapCacheChunks++
	env.Logger().Debug("borrowed cache descriptors from heap")
	return true
}

// releaseCache 把缓存归还空闲列表
func (s *CopyForwardScheme) releaseCache(c *CopyScanCache) {
	s.caches.put(c)
}

// flushCache 扫描完的缓存：仍在复制的留给所属线程，否则归还
func (s *CopyForwardScheme) flushCache(env *Environment, c *CopyScanCache) {
	if c.flags&cacheCopy != 0 {
		c.where = cacheInCopyGroup
		return
	}
	s.releaseCache(c)
}

// addCacheEntryToScanList 把待扫描的缓存放入其区域所属上下文的扫描列表
func (s *CopyForwardScheme) addCacheEntryToScanList(env *Environment, c *CopyScanCache) {
	node := 0
	if c.isSplitArray() {
		node = s.heap.RegionFor(c.arrayObject).Context().Index()
	} else if c.region != nil {
		node = c.region.Context().Index()
	}
	c.where = cacheInScanList
	s.scanLists[node].push(c)
	s.notifyWorkAvailable()
}

// stopCopyingIntoCache 复制组的当前缓存退役。
// 剩余空间足够大时保留下来，缓存本身进入扫描列表或归还。
func (s *CopyForwardScheme) stopCopyingIntoCache(env *Environment, group int) {
	st := &env.cf.groups[group]
	c := st.copyCache
	if c == nil {
		return
	}
	st.copyCache = nil

	c.flushBatch(s.markMap, &c.pgcMarks)
	if s.external != nil {
		c.flushBatch(s.external.markMap, &c.gmpMarks)
	}

	rem := c.freeBytes()
	if rem >= s.remainderThreshold && rem > st.remainderSize() {
		s.discardRemainder(env, group)
		st.remainderBase = c.alloc
		st.remainderTop = c.top
		st.remainderRegion = c.region
		st.remainderSublist = c.sublist
		env.cf.stats.RemaindersKept++
	} else {
		s.discardMemory(env, group, c.sublist, c.region, c.alloc, c.top)
	}
	c.top = c.alloc

	if used := c.alloc.Sub(c.base); used > 0 {
		c.region.AllocationAgeSizeProduct.Add(c.ageProduct)
		c.region.ProjectedLiveBytes.Add(used)
		c.region.UpdateAgeBounds(c.minAge, c.maxAge)
	}

	c.flags &^= cacheCopy
	switch {
	case c.flags&cacheScan != 0:
		// 扫描者结束后释放
	case c.isScanWorkAvailable():
		s.addCacheEntryToScanList(env, c)
	default:
		s.releaseCache(c)
	}
}

// addCopyCachesToFreeList 退役线程的全部复制缓存
func (s *CopyForwardScheme) addCopyCachesToFreeList(env *Environment) {
	for g := range env.cf.groups {
		s.stopCopyingIntoCache(env, g)
	}
}

// discardRemainder 放弃复制组保留的剩余空间
func (s *CopyForwardScheme) discardRemainder(env *Environment, group int) {
	st := &env.cf.groups[group]
	if st.remainderRegion == nil {
		return
	}
	s.discardMemory(env, group, st.remainderSublist, st.remainderRegion, st.remainderBase, st.remainderTop)
	st.clearRemainder()
}

// discardMemory 归还 [base, top)：位于区域分配指针末端时回退指针，否则填洞
func (s *CopyForwardScheme) discardMemory(env *Environment, group int, sub *reservedSublist, r *heap.Region, base, top heap.Address) {
	if base >= top {
		return
	}
	sub.mu.Lock()
	if r.Pool.AllocationPointer() == top {
		r.Pool.Rewind(base)
	} else {
		size := top.Sub(base)
		s.heap.FillWithHoles(base, top)
		r.Pool.AddDarkMatter(size)
		env.cf.groups[group].discardedBytes += size
	}
	sub.mu.Unlock()
}

// ============================================================================
// 复制目标预留
// ============================================================================

// desiredCacheSize 按本周期预计复制量把缓存尺寸夹在 [min, max]
func (s *CopyForwardScheme) desiredCacheSize(group int) uint64 {
	size := s.groupStats[group].projectedCopyBytes / uint64(s.threads)
	if size < s.minCacheSize {
		size = s.minCacheSize
	}
	if size > s.maxCacheSize {
		size = s.maxCacheSize
	}
	return heap.AlignUp(size, heap.ObjectAlignment)
}

// reserveMemoryForCopy 返回能容纳 size 字节的复制缓存，失败返回 nil
func (s *CopyForwardScheme) reserveMemoryForCopy(env *Environment, group int, size uint64) *CopyScanCache {
	st := &env.cf.groups[group]
	if c := st.copyCache; c != nil {
		if c.freeBytes() >= size {
			return c
		}
		s.stopCopyingIntoCache(env, group)
	}

	var (
		base, top heap.Address
		region    *heap.Region
		sub       *reservedSublist
	)
	switch {
	case st.remainderRegion != nil && st.remainderSize() >= size:
		base, top, region, sub = st.remainderBase, st.remainderTop, st.remainderRegion, st.remainderSublist
		st.clearRemainder()
	case size < st.failedAllocateSize:
		if size > s.minCacheSize {
			base, region, sub = s.reserveMemoryForObject(env, group, size)
			top = base.Add(size)
		} else {
			base, top, region, sub = s.reserveMemoryForCache(env, group, size, s.desiredCacheSize(group))
		}
		if base == heap.Nil {
			st.failedAllocateSize = size
			return nil
		}
	default:
		return nil
	}

	c := s.getFreeCache(env)
	if c == nil {
		s.discardMemory(env, group, sub, region, base, top)
		return nil
	}
	c.reinit(base, top, group, region, sub, s.markMap)
	c.where = cacheInCopyGroup
	st.copyCache = c
	return c
}

// createNextSplitArrayWorkUnit 为数组从 index 开始的分片创建工作单元。
// 中止处理中或描述符耗尽时改为压入工作包。
func (s *CopyForwardScheme) createNextSplitArrayWorkUnit(env *Environment, arr heap.Address, index int) {
	env.cf.stats.SplitArrayUnits++
	if !s.cycle.abortInProgress.Load() {
		if c := s.getFreeCache(env); c != nil {
			c.flags = c.flags&cacheHeap | cacheSplitArray
			c.arrayObject = arr
			c.arrayIndex = index
			s.addCacheEntryToScanList(env, c)
			return
		}
		s.raiseAbortFlag(env)
	}
	env.workStack.PushItem(workpackets.SplitItem(arr, index))
}
