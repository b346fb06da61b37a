// copyforward.go - 并行复制转发回收
//
// 一次部分回收（PGC）把回收集中区域的存活对象复制到幸存者区域，
// 并把所有指向旧位置的引用更新到新位置。
//
// 流程:
//  1. 主线程准备区域：标记回收集、禁止疏散的区域、尾部候选区域，建立卡状态
//  2. 所有回收线程扫描根、清理卡表，然后排空复制/扫描缓存
//  3. 目标内存耗尽时举起中止标志：停止复制，回收集中剩余的存活对象原地标记，
//     之后重新扫描根和卡表，由工作包驱动完成标记
//  4. 处理可清除对象：软/弱引用、待终结对象、虚引用、弱根
//  5. 主线程回收疏散完的区域，原地清扫中止或禁止疏散的区域

package vm

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/config"
	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/markmap"
	"github.com/tangzhangming/regiongc/internal/profiler"
	"github.com/tangzhangming/regiongc/internal/remset"
	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// overflowFlagCopyForward 区域上记录的工作包溢出标志
const overflowFlagCopyForward uint32 = 1

// 引用对象清除选项：对应种类的列表处理完后，再发现的该类引用直接清除
const (
	clearWeakReferences uint32 = 1 << iota
	clearSoftReferences
	clearPhantomReferences
)

// CopyForwardScheme 复制转发回收方案
type CopyForwardScheme struct {
	heap      *heap.Heap
	cfg       *config.Config
	logger    *zap.Logger
	markMap   *markmap.MarkMap
	cards     *cardtable.Table
	remset    *remset.RememberedSet
	survivors *cardtable.SurvivorTable
	packets   *workpackets.Packets
	roots     *RootSet

	// external 并发的全局标记周期，可能为 nil
	external *GlobalMarkCycle

	// =========================================================================
	// 复制组与目标区域
	// =========================================================================

	groups     compactGroupManager
	groupStats []compactGroupPersistentStats
	reserved   []*reservedRegionList

	// =========================================================================
	// 复制/扫描缓存
	// =========================================================================

	caches    cachePool
	scanLists []scanList

	// =========================================================================
	// 参数
	// =========================================================================

	threads            int
	cacheLineSize      uint64
	minCacheSize       uint64
	maxCacheSize       uint64
	remainderThreshold uint64
	arraySplitSize     int
	hierarchical       bool
	maxSoftAge         uint64
	rng                *rand.Rand

	// =========================================================================
	// 周期状态
	// =========================================================================

	task  *copyForwardTask
	cycle cycleState
}

// cycleState 一个周期内共享的状态，每个周期由主线程重置
type cycleState struct {
	number int

	collectionSet []*heap.Region

	// 中止：abortFlag 一旦举起本周期不再复制；abortInProgress 在同步点由主线程设置，
	// 此后回收集中的对象一律原地标记
	abortFlag       atomic.Bool
	abortInProgress atomic.Bool
	failedToExpand  atomic.Bool

	regionCountCannotBeEvacuated atomic.Int64

	// 扫描工作等待
	workMu    sync.Mutex
	workCond  *sync.Cond
	waitCount atomic.Int64
	doneIndex uint64

	referenceOptions      atomic.Uint32
	shouldScanFinalizable bool
	deferredFinalizable   atomic.Int64
	overflowPending       bool

	statsMu          sync.Mutex
	stats            CopyForwardStats
	overflowRounds   atomic.Uint64
	sublistsExpanded atomic.Uint64
	tailCandidates   int
	reservedListErr  error
	edenRegions      int
	liveBytesBefore  uint64
}

// SchemeOptions 方案的协作组件
type SchemeOptions struct {
	Heap     *heap.Heap
	Config   *config.Config
	Logger   *zap.Logger
	MarkMap  *markmap.MarkMap
	Cards    *cardtable.Table
	RemSet   *remset.RememberedSet
	Roots    *RootSet
	External *GlobalMarkCycle
}

// NewCopyForwardScheme 创建复制转发方案
func NewCopyForwardScheme(opts SchemeOptions) *CopyForwardScheme {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := opts.Heap
	threads := cfg.Workers.Threads
	if threads < 1 {
		threads = 1
	}

	s := &CopyForwardScheme{
		heap:               h,
		cfg:                cfg,
		logger:             logger,
		markMap:            opts.MarkMap,
		cards:              opts.Cards,
		remset:             opts.RemSet,
		survivors:          cardtable.NewSurvivorTable(h.Base(), h.Top()),
		roots:              opts.Roots,
		external:           opts.External,
		threads:            threads,
		cacheLineSize:      uint64(cfg.Copy.CacheLineSize),
		minCacheSize:       heap.AlignUp(cfg.Cache.MinCacheSize.Bytes(), heap.ObjectAlignment),
		maxCacheSize:       heap.AlignUp(cfg.Cache.MaxCacheSize.Bytes(), heap.ObjectAlignment),
		remainderThreshold: cfg.Cache.TLHRemainderThreshold.Bytes(),
		arraySplitSize:     cfg.Scan.ArraySplitSize,
		hierarchical:       cfg.Scan.Ordering == config.Hierarchical,
		maxSoftAge:         uint64(cfg.References.MaxSoftReferenceAge),
		rng:                rand.New(rand.NewSource(cfg.Placement.RandomSeed)),
	}
	if s.cacheLineSize < heap.WordSize {
		s.cacheLineSize = uint64(config.DefaultCacheLineSize)
	}
	if s.arraySplitSize < 1 {
		s.arraySplitSize = 1
	}
	if s.roots == nil {
		s.roots = NewRootSet()
	}

	s.groups = compactGroupManager{maxAge: cfg.Placement.MaxAge, contexts: h.ContextCount()}
	s.groupStats = make([]compactGroupPersistentStats, s.groups.count())
	for i := range s.groupStats {
		s.groupStats[i].historicalSurvivalRate = 1
	}
	s.reserved = make([]*reservedRegionList, s.groups.count())
	for i := range s.reserved {
		s.reserved[i] = newReservedRegionList(threads)
	}

	s.scanLists = make([]scanList, h.ContextCount())
	s.caches.init(threads * cfg.Cache.ScanCacheCount)

	s.packets = workpackets.New(workpackets.Options{
		PacketCount: cfg.References.WorkPacketCount,
		PacketSize:  cfg.References.WorkPacketSize,
		Threads:     threads,
	})
	s.packets.SetOverflowHandler(s.handleWorkPacketOverflow)
	s.packets.SetNotifier(s.notifyWorkAvailable)

	s.cycle.workCond = sync.NewCond(&s.cycle.workMu)
	return s
}

// MarkMap 复制转发使用的标记位图
func (s *CopyForwardScheme) MarkMap() *markmap.MarkMap { return s.markMap }

// SetExternalCycle 关联并发的全局标记周期
func (s *CopyForwardScheme) SetExternalCycle(g *GlobalMarkCycle) { s.external = g }

// ============================================================================
// 周期驱动
// ============================================================================

// copyForwardTask 在每个回收线程上运行复制转发
type copyForwardTask struct {
	ParallelTask
	scheme *CopyForwardScheme
}

func newCopyForwardTask(s *CopyForwardScheme, threads int) *copyForwardTask {
	t := &copyForwardTask{scheme: s}
	t.init(threads)
	return t
}

// Run 回收线程入口
func (t *copyForwardTask) Run(env *Environment) {
	t.scheme.workThreadGarbageCollect(env)
}

// Collect 对回收集执行一次复制转发回收。所有 eden 区域总是加入回收集。
// 返回周期报告；调试校验失败时同时返回错误。
func (s *CopyForwardScheme) Collect(pool *WorkerPool, collectionSet []*heap.Region, cycle int) (*profiler.CycleReport, error) {
	assertTrue(pool.NumWorkers() == s.threads, "worker pool has %d threads, scheme expects %d", pool.NumWorkers(), s.threads)
	start := time.Now()

	s.masterSetup(collectionSet, cycle)
	s.task = newCopyForwardTask(s, s.threads)
	pool.Dispatch(s.task)

	report := s.masterCleanup(start)

	var err error
	if s.cfg.Debug.VerifyAfterCycle {
		err = s.verify()
	}
	s.task = nil
	return report, err
}

// workThreadGarbageCollect 每个回收线程执行的周期主体
func (s *CopyForwardScheme) workThreadGarbageCollect(env *Environment) {
	t := s.task
	s.workerSetup(env)

	s.clearMarkMapForPartialCollect(env)
	t.SynchronizeGCThreads(env, "clearMarkMap")

	s.scanRoots(env)
	s.cleanCardTable(env)
	s.completeScan(env)

	if s.cycle.abortInProgress.Load() {
		// 中止前失败的根和卡需要重新发现
		s.scanRoots(env)
		s.cleanCardTable(env)
		s.completeScan(env)
	}

	s.processClearables(env)

	if t.SynchronizeGCThreadsAndReleaseMaster(env, "externalCycle") {
		if s.external != nil && s.external.IsActive() {
			s.external.updateOrDeleteObjectsFromCopyForward(s)
		}
		t.ReleaseSynchronizedGCThreads(env)
	}

	s.workerCleanup(env)
}

// ============================================================================
// 准备与清理
// ============================================================================

// masterSetup 主线程在派发任务前准备周期状态
func (s *CopyForwardScheme) masterSetup(collectionSet []*heap.Region, cycle int) {
	c := &s.cycle
	c.number = cycle
	c.abortFlag.Store(false)
	c.abortInProgress.Store(false)
	c.failedToExpand.Store(false)
	c.regionCountCannotBeEvacuated.Store(0)
	c.waitCount.Store(0)
	c.referenceOptions.Store(0)
	c.shouldScanFinalizable = false
	c.deferredFinalizable.Store(0)
	c.overflowPending = false
	c.stats = CopyForwardStats{}
	c.overflowRounds.Store(0)
	c.sublistsExpanded.Store(0)
	c.tailCandidates = 0
	c.edenRegions = 0
	c.liveBytesBefore = 0
	c.reservedListErr = nil

	for i := range s.groupStats {
		s.groupStats[i].resetCycle()
	}
	for _, rl := range s.reserved {
		rl.reset()
	}
	s.packets.Reset()
	s.packets.ClearOverflow()
	s.survivors.Clear()

	s.preProcessRegions(collectionSet)
	s.setRegionMaxSublistCount()
	s.setReservedRegionTailCandidates()

	converted := s.remset.SetupForPartialCollect()
	s.remset.ClearFromRegionReferencesForCopyForward()
	for _, r := range c.collectionSet {
		s.remset.ClearRegion(r)
	}

	s.logger.Debug("copy-forward setup",
		zap.Int("cycle", cycle),
		zap.Int("collectionSet", len(c.collectionSet)),
		zap.Int("eden", c.edenRegions),
		zap.Int64("noEvacuation", c.regionCountCannotBeEvacuated.Load()),
		zap.Int("tailCandidates", c.tailCandidates),
		zap.Int("rememberedCards", converted),
	)
}

// workerSetup 每个线程在周期开始时重置私有状态
func (s *CopyForwardScheme) workerSetup(env *Environment) {
	cf := &env.cf
	n := s.groups.count()
	if len(cf.groups) != n {
		cf.groups = make([]compactGroupState, n)
		cf.sourceCopied = make([]uint64, n)
		cf.sourceMarked = make([]uint64, n)
	}
	for i := range cf.groups {
		cf.groups[i] = compactGroupState{failedAllocateSize: ^uint64(0)}
		cf.sourceCopied[i] = 0
		cf.sourceMarked[i] = 0
	}
	cf.scanCache = nil
	cf.deferredScanCache = nil
	cf.depth = 0
	for k := range cf.references {
		cf.references[k] = cf.references[k][:0]
	}
	cf.ownable = cf.ownable[:0]
	cf.unfinalized = cf.unfinalized[:0]
	cf.finalizable = cf.finalizable[:0]
	cf.deferredFinalizable = cf.deferredFinalizable[:0]
	cf.stats = CopyForwardStats{}

	env.workStack = s.packets.NewWorkStack()
}

// workerCleanup 归还线程持有的内存和缓存，合并统计
func (s *CopyForwardScheme) workerCleanup(env *Environment) {
	s.addCopyCachesToFreeList(env)
	for g := range env.cf.groups {
		s.discardRemainder(env, g)
	}
	env.workStack.Reset()

	pushed, popped := env.workStack.Stats()
	env.cf.stats.PacketItemsPushed += pushed
	env.cf.stats.PacketItemsPopped += popped

	c := &s.cycle
	c.statsMu.Lock()
	c.stats.merge(&env.cf.stats)
	for g := range env.cf.groups {
		st := &env.cf.groups[g]
		c.stats.DiscardedBytes += st.discardedBytes
		s.groupStats[g].copiedBytes += env.cf.sourceCopied[g]
		s.groupStats[g].markedInPlaceBytes += env.cf.sourceMarked[g]
	}
	c.statsMu.Unlock()
}

// masterCleanup 主线程在所有线程结束后处理区域并生成报告
func (s *CopyForwardScheme) masterCleanup(start time.Time) *profiler.CycleReport {
	c := &s.cycle
	report := &profiler.CycleReport{
		Cycle:                c.number,
		Start:                start,
		Threads:              s.threads,
		Aborted:              c.abortFlag.Load() || c.abortInProgress.Load(),
		CollectionSetRegions: len(c.collectionSet),
		EdenRegions:          c.edenRegions,
		NoEvacuationRegions:  int(c.regionCountCannotBeEvacuated.Load()),
		TailCandidates:       c.tailCandidates,
		LiveBytesBefore:      c.liveBytesBefore,
	}

	// 区域后处理会清掉子列表链接，先检查
	if s.cfg.Debug.VerifyAfterCycle {
		c.reservedListErr = s.checkReservedRegionLists()
	}
	s.clearReservedRegionLists()
	s.postProcessRegions(report)
	s.caches.removeHeapCaches()

	for g := range s.groupStats {
		gs := &s.groupStats[g]
		if gs.liveBytesBefore == 0 {
			continue
		}
		gs.updateSurvivalRate()
		report.Groups = append(report.Groups, profiler.GroupReport{
			Group:        g,
			Context:      s.groups.context(g),
			Age:          s.groups.age(g),
			LiveBefore:   gs.liveBytesBefore,
			CopiedBytes:  gs.copiedBytes,
			SurvivalRate: gs.historicalSurvivalRate,
		})
	}

	c.stats.fillReport(report)
	report.OverflowRounds = c.overflowRounds.Load()
	report.SublistsExpanded = c.sublistsExpanded.Load()
	report.PacketOverflows = s.packets.OverflowCount()
	report.Duration = time.Since(start)

	fields := []zap.Field{
		zap.Int("cycle", c.number),
		zap.Duration("duration", report.Duration),
		zap.Uint64("copiedBytes", report.CopiedBytes()),
		zap.Uint64("freedBytes", report.FreedBytes),
		zap.Int("recycled", report.RecycledRegions),
		zap.Int("swept", report.SweptRegions),
	}
	if report.Aborted {
		s.logger.Warn("copy-forward aborted, collection set marked in place", fields...)
	} else {
		s.logger.Info("copy-forward complete", fields...)
	}
	return report
}

// ============================================================================
// 区域归属查询
// ============================================================================

// isObjectInEvacuateMemory 对象是否在回收集中
func (s *CopyForwardScheme) isObjectInEvacuateMemory(obj heap.Address) bool {
	return s.heap.RegionFor(obj).CopyForward.EvacuateSet
}

// isObjectInNoEvacuationRegions 对象是否在禁止疏散的回收集区域中
func (s *CopyForwardScheme) isObjectInNoEvacuationRegions(obj heap.Address) bool {
	r := s.heap.RegionFor(obj)
	return r.CopyForward.EvacuateSet && r.Mark.NoEvacuation
}

// isObjectInSurvivorMemory 对象是否位于本周期的复制目标内存
func (s *CopyForwardScheme) isObjectInSurvivorMemory(obj heap.Address) bool {
	return s.survivors.IsSurvivor(obj)
}

// isLiveObject 对象在本周期结束后是否存活（用于已经完成扫描的阶段）
func (s *CopyForwardScheme) isLiveObject(obj heap.Address) bool {
	if !s.isObjectInEvacuateMemory(obj) {
		return true
	}
	return s.heap.IsForwarded(obj) || s.markMap.IsBitSet(obj)
}

// forwardOrClear 已转发返回新地址，原地存活返回原地址，死亡返回 Nil
func (s *CopyForwardScheme) forwardOrClear(obj heap.Address) heap.Address {
	if obj == heap.Nil || !s.isObjectInEvacuateMemory(obj) {
		return obj
	}
	f := s.heap.ReadHeader(obj)
	if f.IsForwarded() {
		return f.Destination()
	}
	if s.markMap.IsBitSet(obj) {
		return obj
	}
	return heap.Nil
}

// remember 记录 from 到 to 的跨区域引用
func (s *CopyForwardScheme) remember(from, to heap.Address) {
	if from == heap.Nil || to == heap.Nil {
		return
	}
	s.remset.RememberReferenceForCopyForward(from, to)
}

// reservingContext 扫描对象时，其子对象优先复制到的分配上下文
func (s *CopyForwardScheme) reservingContext(env *Environment, obj heap.Address) *heap.AllocationContext {
	ctx := s.heap.RegionFor(obj).Context()
	if ctx.Index() == 0 && env.numaNode != 0 {
		return s.heap.Context(env.numaNode)
	}
	return ctx
}
