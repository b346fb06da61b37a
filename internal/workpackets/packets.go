// Package workpackets 实现回收线程共享的工作包（标记栈）。
//
// 工作包是固定容量的条目块。每个线程持有一个输入包和一个输出包，
// 写满的输出包放入全局满包列表，输入包耗尽时从满包列表获取。
// 空包耗尽时进入溢出：条目不再入包，交给溢出处理函数记录在区域上，
// 之后由溢出处理轮次重新扫描。
package workpackets

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 条目
// ============================================================================

// Item 工作包条目：一个对象，或大数组从某个下标继续的扫描单元
type Item struct {
	Object heap.Address

	// HasSplit 为真时 SplitIndex 是数组继续扫描的起始下标
	HasSplit   bool
	SplitIndex int

	// CurrentUnitOnly 只扫描 SplitIndex 所在的分片，不再派生下一个分片
	CurrentUnitOnly bool
}

// ObjectItem 普通对象条目
func ObjectItem(obj heap.Address) Item {
	return Item{Object: obj}
}

// SplitItem 数组分片条目
func SplitItem(arr heap.Address, index int) Item {
	return Item{Object: arr, HasSplit: true, SplitIndex: index}
}

// CurrentUnitItem 只覆盖一个分片的数组条目
func CurrentUnitItem(arr heap.Address, index int) Item {
	return Item{Object: arr, HasSplit: true, SplitIndex: index, CurrentUnitOnly: true}
}

// packet 固定容量的条目块
type packet struct {
	items []Item
}

func (p *packet) full() bool  { return len(p.items) == cap(p.items) }
func (p *packet) empty() bool { return len(p.items) == 0 }

// ============================================================================
// 包池
// ============================================================================

// OverflowHandler 包溢出时处理无法入包的条目
type OverflowHandler func(item Item)

// Options 包池参数
type Options struct {
	PacketCount int // 包数量
	PacketSize  int // 每包条目数
	Threads     int // 参与阻塞弹出的线程数
}

// Packets 工作包池
type Packets struct {
	mu      sync.Mutex
	cond    *sync.Cond
	emptyPk []*packet
	fullPk  []*packet

	threads   int
	waiting   int
	doneIndex uint64

	overflow        atomic.Bool
	overflowCount   atomic.Uint64
	overflowHandler OverflowHandler

	// notifier 满包可用时调用，让等待在其他监视器上的线程醒来
	notifier func()

	// nonEmpty 满包列表和所有线程私有包中的条目总数
	nonEmpty atomic.Int64
}

// New 创建包池
func New(opts Options) *Packets {
	if opts.PacketCount < 2 {
		opts.PacketCount = 2
	}
	if opts.PacketSize < 1 {
		opts.PacketSize = 1
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	p := &Packets{threads: opts.Threads}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < opts.PacketCount; i++ {
		p.emptyPk = append(p.emptyPk, &packet{items: make([]Item, 0, opts.PacketSize)})
	}
	return p
}

// SetOverflowHandler 设置溢出处理函数
func (p *Packets) SetOverflowHandler(h OverflowHandler) {
	p.overflowHandler = h
}

// SetNotifier 设置满包可用通知
func (p *Packets) SetNotifier(fn func()) {
	p.notifier = fn
}

// SetThreads 设置参与阻塞弹出的线程数
func (p *Packets) SetThreads(n int) {
	p.mu.Lock()
	p.threads = n
	p.mu.Unlock()
}

// Overflowed 本轮是否发生过溢出
func (p *Packets) Overflowed() bool { return p.overflow.Load() }

// ClearOverflow 清除溢出标志，返回之前是否溢出
func (p *Packets) ClearOverflow() bool { return p.overflow.Swap(false) }

// OverflowCount 累计溢出条目数
func (p *Packets) OverflowCount() uint64 { return p.overflowCount.Load() }

// InputPacketAvailable 满包列表中是否有包
func (p *Packets) InputPacketAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fullPk) > 0
}

// IsEmpty 池中是否没有任何条目
func (p *Packets) IsEmpty() bool { return p.nonEmpty.Load() == 0 }

// Reset 回收所有包，清除溢出状态
func (p *Packets) Reset() {
	p.mu.Lock()
	for _, pk := range p.fullPk {
		pk.items = pk.items[:0]
		p.emptyPk = append(p.emptyPk, pk)
	}
	p.fullPk = nil
	p.waiting = 0
	p.mu.Unlock()
	p.overflow.Store(false)
	p.nonEmpty.Store(0)
}

// Iterate 遍历满包列表中的条目，fn 返回新条目和是否保留
func (p *Packets) Iterate(fn func(Item) (Item, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pk := range p.fullPk {
		kept := pk.items[:0]
		for _, it := range pk.items {
			if next, keep := fn(it); keep {
				kept = append(kept, next)
			} else {
				p.nonEmpty.Dec()
			}
		}
		pk.items = kept
	}
}

func (p *Packets) getEmpty() *packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.emptyPk)
	if n == 0 {
		return nil
	}
	pk := p.emptyPk[n-1]
	p.emptyPk = p.emptyPk[:n-1]
	return pk
}

func (p *Packets) putEmpty(pk *packet) {
	pk.items = pk.items[:0]
	p.mu.Lock()
	p.emptyPk = append(p.emptyPk, pk)
	p.mu.Unlock()
}

func (p *Packets) putFull(pk *packet) {
	p.mu.Lock()
	p.fullPk = append(p.fullPk, pk)
	if p.waiting > 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	if p.notifier != nil {
		p.notifier()
	}
}

func (p *Packets) getFullLocked() *packet {
	n := len(p.fullPk)
	if n == 0 {
		return nil
	}
	pk := p.fullPk[n-1]
	p.fullPk = p.fullPk[:n-1]
	return pk
}

func (p *Packets) overflowItem(it Item) {
	p.overflow.Store(true)
	p.overflowCount.Inc()
	p.nonEmpty.Dec()
	if p.overflowHandler != nil {
		p.overflowHandler(it)
	}
	if p.notifier != nil {
		p.notifier()
	}
}
