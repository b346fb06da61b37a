package heap

// BumpPool 区域内的指针碰撞内存池
//
// 池本身不加锁，调用方负责互斥：回收期间由区域所在保留子列表的锁保护，
// 分配期间由持有区域的 Mutator 独占。
type BumpPool struct {
	base  Address
	alloc Address
	top   Address

	// 空闲字节记账（不含已填洞的暗物质）
	freeBytes  uint64
	darkMatter uint64

	// MinimumFreeEntrySize 小于该值的剩余空间视为不可用
	MinimumFreeEntrySize uint64
}

// DefaultMinimumFreeEntrySize 默认最小可用空闲块
const DefaultMinimumFreeEntrySize = 512

// Reset 把池重置为空池 [base, top)
func (p *BumpPool) Reset(base, top Address) {
	p.base = base
	p.alloc = base
	p.top = top
	p.freeBytes = top.Sub(base)
	p.darkMatter = 0
	if p.MinimumFreeEntrySize == 0 {
		p.MinimumFreeEntrySize = DefaultMinimumFreeEntrySize
	}
}

// Allocate 分配 size 字节
func (p *BumpPool) Allocate(size uint64) (Address, bool) {
	if p.top.Sub(p.alloc) < size {
		return Nil, false
	}
	a := p.alloc
	p.alloc = p.alloc.Add(size)
	p.freeBytes -= size
	return a, true
}

// AllocateTLH 分配一段介于 min 和 max 之间的线程本地内存
func (p *BumpPool) AllocateTLH(min, max uint64) (Address, Address, bool) {
	avail := p.top.Sub(p.alloc)
	if avail < min {
		return Nil, Nil, false
	}
	size := max
	if avail < size {
		size = avail
	}
	base := p.alloc
	p.alloc = p.alloc.Add(size)
	p.freeBytes -= size
	return base, p.alloc, true
}

// AllocationPointer 当前分配指针
func (p *BumpPool) AllocationPointer() Address { return p.alloc }

// Base 池起始地址
func (p *BumpPool) Base() Address { return p.base }

// Top 池结束地址
func (p *BumpPool) Top() Address { return p.top }

// AllocatableBytes 尚可分配的字节数
func (p *BumpPool) AllocatableBytes() uint64 { return p.top.Sub(p.alloc) }

// UsedBytes 已分配的字节数
func (p *BumpPool) UsedBytes() uint64 { return p.alloc.Sub(p.base) }

// FreeBytes 记账的空闲字节数
func (p *BumpPool) FreeBytes() uint64 { return p.freeBytes }

// DarkMatter 已填洞而无法再分配的字节数
func (p *BumpPool) DarkMatter() uint64 { return p.darkMatter }

// Rewind 把分配指针回退到 to，to 之后的内存重新可分配
func (p *BumpPool) Rewind(to Address) {
	if to < p.base || to > p.alloc {
		panic("heap: rewind outside allocated range")
	}
	p.freeBytes += p.alloc.Sub(to)
	p.alloc = to
}

// AlignAllocationPointer 把分配指针对齐到 align，返回跳过的字节数。
// 跳过的内存由调用方填洞。
func (p *BumpPool) AlignAllocationPointer(align uint64) uint64 {
	aligned := Address(AlignUp(uint64(p.alloc), align))
	if aligned > p.top {
		aligned = p.top
	}
	lost := aligned.Sub(p.alloc)
	p.alloc = aligned
	p.freeBytes -= lost
	p.darkMatter += lost
	return lost
}

// AddFreeBytes 归还记账的空闲字节
func (p *BumpPool) AddFreeBytes(n uint64) { p.freeBytes += n }

// AddDarkMatter 记录不可再分配的字节
func (p *BumpPool) AddDarkMatter(n uint64) { p.darkMatter += n }

// SetSweepResult 清扫后重设空闲与暗物质记账
func (p *BumpPool) SetSweepResult(freeBytes, darkMatter uint64) {
	p.freeBytes = freeBytes
	p.darkMatter = darkMatter
}
