// Package heap 实现了回收器操作的模拟托管堆。
//
// 堆是一段按字寻址的连续空间，被划分为固定大小的区域（Region）。
// 所有字的读写都通过原子操作完成，因此并行回收线程可以安全地
// 在同一段内存上安装转发指针、复制对象和读取引用。
package heap

import (
	"fmt"

	"go.uber.org/atomic"
)

// ============================================================================
// 基本常量
// ============================================================================

const (
	WordSize        = 8   // 字大小（字节）
	CardSize        = 512 // 卡大小（字节），也是标记位图一个槽覆盖的范围
	MinObjectSize   = 16  // 最小对象大小
	ObjectAlignment = 8   // 对象对齐

	// DefaultBase 堆起始地址，保证 0 永远不是合法对象地址
	DefaultBase Address = 0x100000
)

// Address 堆内字节地址，0 表示空引用
type Address uint64

// Nil 空引用
const Nil Address = 0

// Add 地址偏移
func (a Address) Add(n uint64) Address {
	return a + Address(n)
}

// Sub 两个地址之间的字节数
func (a Address) Sub(b Address) uint64 {
	return uint64(a - b)
}

// AlignUp 向上对齐
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown 向下对齐
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// ============================================================================
// 堆
// ============================================================================

// Options 堆的创建参数
type Options struct {
	HeapSize   uint64 // 堆总大小
	RegionSize uint64 // 区域大小，必须是 CardSize 的 2 的幂倍
	NUMANodes  int    // NUMA 节点数，0 表示不区分节点
}

// Heap 模拟托管堆
type Heap struct {
	// =========================================================================
	// 地址空间
	// =========================================================================

	base  Address
	top   Address
	words []atomic.Uint64

	// =========================================================================
	// 区域
	// =========================================================================

	regionSize  uint64
	regionShift uint
	regions     []*Region

	// contexts[0] 为公共上下文，其余每个 NUMA 节点一个
	contexts []*AllocationContext

	// =========================================================================
	// 元数据
	// =========================================================================

	classes *ClassTable
}

// New 创建堆
func New(opts Options) (*Heap, error) {
	if opts.RegionSize < CardSize || opts.RegionSize&(opts.RegionSize-1) != 0 {
		return nil, fmt.Errorf("region size %d must be a power of two and at least %d", opts.RegionSize, CardSize)
	}
	if opts.HeapSize == 0 || opts.HeapSize%opts.RegionSize != 0 {
		return nil, fmt.Errorf("heap size %d must be a non-zero multiple of region size %d", opts.HeapSize, opts.RegionSize)
	}
	if opts.NUMANodes < 0 {
		return nil, fmt.Errorf("invalid NUMA node count %d", opts.NUMANodes)
	}

	h := &Heap{
		base:       DefaultBase,
		top:        DefaultBase.Add(opts.HeapSize),
		words:      make([]atomic.Uint64, opts.HeapSize/WordSize),
		regionSize: opts.RegionSize,
		classes:    newClassTable(),
	}
	for s := opts.RegionSize; s > 1; s >>= 1 {
		h.regionShift++
	}

	h.contexts = make([]*AllocationContext, opts.NUMANodes+1)
	for i := range h.contexts {
		h.contexts[i] = &AllocationContext{index: i, node: i, heap: h}
	}

	count := int(opts.HeapSize / opts.RegionSize)
	h.regions = make([]*Region, count)
	for i := 0; i < count; i++ {
		low := h.base.Add(uint64(i) * opts.RegionSize)
		r := &Region{
			Index: i,
			Low:   low,
			High:  low.Add(opts.RegionSize),
		}
		r.Pool.Reset(r.Low, r.High)
		owner := h.contexts[0]
		if opts.NUMANodes > 0 {
			owner = h.contexts[1+i%opts.NUMANodes]
		}
		r.context = owner
		owner.free = append(owner.free, r)
		h.regions[i] = r
	}
	return h, nil
}

// Base 堆起始地址
func (h *Heap) Base() Address { return h.base }

// Top 堆结束地址（不含）
func (h *Heap) Top() Address { return h.top }

// Size 堆大小
func (h *Heap) Size() uint64 { return h.top.Sub(h.base) }

// RegionSize 区域大小
func (h *Heap) RegionSize() uint64 { return h.regionSize }

// Contains 检查地址是否在堆内
func (h *Heap) Contains(a Address) bool {
	return a >= h.base && a < h.top
}

// Classes 返回类表
func (h *Heap) Classes() *ClassTable { return h.classes }

// Regions 返回全部区域（按地址排序）
func (h *Heap) Regions() []*Region { return h.regions }

// RegionFor 返回地址所在区域
func (h *Heap) RegionFor(a Address) *Region {
	return h.regions[a.Sub(h.base)>>h.regionShift]
}

// Context 按索引返回分配上下文
func (h *Heap) Context(i int) *AllocationContext { return h.contexts[i] }

// CommonContext 返回公共分配上下文
func (h *Heap) CommonContext() *AllocationContext { return h.contexts[0] }

// ContextCount 分配上下文数量（含公共上下文）
func (h *Heap) ContextCount() int { return len(h.contexts) }

// ============================================================================
// 字访问
// ============================================================================

func (h *Heap) word(a Address) *atomic.Uint64 {
	return &h.words[a.Sub(h.base)/WordSize]
}

// LoadWord 读取一个字
func (h *Heap) LoadWord(a Address) uint64 {
	return h.word(a).Load()
}

// StoreWord 写入一个字
func (h *Heap) StoreWord(a Address, v uint64) {
	h.word(a).Store(v)
}

// CASWord 比较并交换一个字
func (h *Heap) CASWord(a Address, old, new uint64) bool {
	return h.word(a).CAS(old, new)
}

// CopyWords 复制 size 字节（按字）
func (h *Heap) CopyWords(dst, src Address, size uint64) {
	for off := uint64(0); off < size; off += WordSize {
		h.word(dst.Add(off)).Store(h.word(src.Add(off)).Load())
	}
}

// ZeroWords 清零 [base, top)
func (h *Heap) ZeroWords(base, top Address) {
	for a := base; a < top; a += WordSize {
		h.word(a).Store(0)
	}
}

// RecycleRegion 把完全疏散的区域归还给其所属上下文的空闲列表
func (h *Heap) RecycleRegion(r *Region) {
	r.reset()
	r.context.release(r)
}
