// Package vm 实现区域化堆上的并行复制转发回收器。
//
// Collector 把堆、标记位图、卡表、记忆集、根集合、回收线程池和复制转发方案
// 组装在一起。运行时通过 NewMutator 分配对象，通过 Roots 维护根，
// 在安全点调用 Collect 执行部分回收。
package vm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/config"
	gcerrors "github.com/tangzhangming/regiongc/internal/errors"
	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/markmap"
	"github.com/tangzhangming/regiongc/internal/profiler"
	"github.com/tangzhangming/regiongc/internal/remset"
)

// profileHistory 分析器保留的周期报告数
const profileHistory = 256

// Collector 区域化复制转发回收器
type Collector struct {
	// mu 回收、全局标记和分配器登记互斥，相当于停止运行时的安全点
	mu sync.Mutex

	cfg    *config.Config
	logger *zap.Logger

	// ========== 堆与元数据 ==========
	heap    *heap.Heap
	markMap *markmap.MarkMap
	cards   *cardtable.Table
	remset  *remset.RememberedSet
	roots   *RootSet

	// ========== 回收 ==========
	scheme *CopyForwardScheme
	global *GlobalMarkCycle
	pool   *WorkerPool

	// ========== 分配器 ==========
	mutators []*heap.Mutator

	// ========== 统计 ==========
	profiler *profiler.Profiler
	cycles   int
}

// NewCollector 按配置创建堆和回收器。logger 为 nil 时不输出日志。
func NewCollector(cfg *config.Config, logger *zap.Logger) (*Collector, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h, err := heap.New(heap.Options{
		HeapSize:   cfg.Heap.HeapSize.Bytes(),
		RegionSize: cfg.Heap.RegionSize.Bytes(),
		NUMANodes:  cfg.Workers.NUMANodes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create heap: %w", err)
	}

	c := &Collector{
		cfg:      cfg,
		logger:   logger,
		heap:     h,
		markMap:  markmap.ForHeap(h),
		cards:    cardtable.ForHeap(h),
		roots:    NewRootSet(),
		profiler: profiler.NewProfiler(profileHistory),
	}
	c.remset = remset.New(h, c.cards)
	c.global = NewGlobalMarkCycle(h, c.cards, c.roots,
		cfg.References.WorkPacketCount, cfg.References.WorkPacketSize, logger.Named("gmp"))
	c.scheme = NewCopyForwardScheme(SchemeOptions{
		Heap:     h,
		Config:   cfg,
		Logger:   logger.Named("copyforward"),
		MarkMap:  c.markMap,
		Cards:    c.cards,
		RemSet:   c.remset,
		Roots:    c.roots,
		External: c.global,
	})

	threads := cfg.Workers.Threads
	numa := cfg.Workers.NUMANodes
	c.pool = NewWorkerPool(threads, func(id int) *Environment {
		return NewEnvironment(id, threads, numa, logger)
	})

	logger.Info("collector created",
		zap.Stringer("heapSize", cfg.Heap.HeapSize),
		zap.Stringer("regionSize", cfg.Heap.RegionSize),
		zap.Int("regions", len(h.Regions())),
		zap.Int("threads", threads),
		zap.Int("numaNodes", numa),
		zap.String("ordering", string(cfg.Scan.Ordering)))
	return c, nil
}

// Heap 托管堆
func (c *Collector) Heap() *heap.Heap { return c.heap }

// Roots 根集合
func (c *Collector) Roots() *RootSet { return c.roots }

// Config 配置
func (c *Collector) Config() *config.Config { return c.cfg }

// Cards 卡表
func (c *Collector) Cards() *cardtable.Table { return c.cards }

// MarkMap 部分回收的标记位图
func (c *Collector) MarkMap() *markmap.MarkMap { return c.markMap }

// Profiler 周期分析器
func (c *Collector) Profiler() *profiler.Profiler { return c.profiler }

// GlobalMark 全局标记周期
func (c *Collector) GlobalMark() *GlobalMarkCycle { return c.global }

// Cycles 已完成的部分回收次数
func (c *Collector) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// NewMutator 创建在指定分配上下文中分配的分配器，写屏障弄脏卡表
func (c *Collector) NewMutator(ctx int) *heap.Mutator {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.heap.NewMutator(ctx, c.cards)
	c.mutators = append(c.mutators, m)
	return m
}

// Collect 执行一次部分回收：所有 eden 区域加上给定的老区域。
// 开启周期后校验时，校验失败的诊断合并在返回的错误中。
func (c *Collector) Collect(regions ...*heap.Region) (*profiler.CycleReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// eden 区域会被回收，分配器必须重新获取分配区
	for _, m := range c.mutators {
		m.Retire()
	}

	c.cycles++
	report, err := c.scheme.Collect(c.pool, regions, c.cycles)
	if report != nil {
		c.profiler.Record(report)
	}
	if err != nil {
		c.logger.Error("heap verification failed", zap.Int("cycle", c.cycles), zap.Error(err))
		return report, fmt.Errorf("cycle %d: %w", c.cycles, err)
	}
	return report, nil
}

// OldRegions 包含对象的非 eden 区域，按存活字节数从少到多排列前 n 个。
// n 小于等于 0 时返回全部。
func (c *Collector) OldRegions(n int) []*heap.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*heap.Region
	for _, r := range c.heap.Regions() {
		if r.ContainsObjects() && !r.IsEden() {
			out = append(out, r)
		}
	}
	// 插入排序：区域数不多，并且保持下标顺序稳定
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Pool.UsedBytes() < out[j-1].Pool.UsedBytes(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ============================================================================
// 全局标记
// ============================================================================

// StartGlobalMark 开始全局标记周期
func (c *Collector) StartGlobalMark() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global.Start()
}

// StepGlobalMark 执行一步增量标记，返回当前是否没有剩余工作
func (c *Collector) StepGlobalMark(budget int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global.Step(budget)
}

// FinishGlobalMark 完成全局标记，返回标记的存活字节数
func (c *Collector) FinishGlobalMark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global.Finish()
}

// ============================================================================
// 校验与生命周期
// ============================================================================

// Verify 校验整个堆
func (c *Collector) Verify() *gcerrors.Reporter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheme.Verify()
}

// Close 停止回收线程
func (c *Collector) Close() {
	c.pool.Stop()
}
