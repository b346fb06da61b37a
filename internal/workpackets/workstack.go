package workpackets

import "github.com/tangzhangming/regiongc/internal/heap"

// WorkStack 线程私有的输入/输出包
type WorkStack struct {
	packets *Packets
	input   *packet
	output  *packet

	pushed uint64
	popped uint64
}

// NewWorkStack 创建绑定到包池的工作栈
func (p *Packets) NewWorkStack() *WorkStack {
	return &WorkStack{packets: p}
}

// Push 压入一个对象
func (w *WorkStack) Push(obj heap.Address) {
	w.PushItem(ObjectItem(obj))
}

// PushItem 压入一个条目，空包耗尽时走溢出处理
func (w *WorkStack) PushItem(it Item) {
	w.pushed++
	w.packets.nonEmpty.Inc()
	if w.output == nil {
		w.output = w.packets.getEmpty()
		if w.output == nil {
			w.packets.overflowItem(it)
			return
		}
	}
	w.output.items = append(w.output.items, it)
	if w.output.full() {
		w.packets.putFull(w.output)
		w.output = nil
	}
}

// PopNoWait 弹出一个条目，没有可用条目时立即返回 false
func (w *WorkStack) PopNoWait() (Item, bool) {
	if it, ok := w.popInput(); ok {
		return it, true
	}
	p := w.packets
	p.mu.Lock()
	pk := p.getFullLocked()
	p.mu.Unlock()
	if pk != nil {
		w.replaceInput(pk)
		return w.popInput()
	}
	// 最后取自己的输出包
	if w.output != nil && !w.output.empty() {
		w.replaceInput(w.output)
		w.output = nil
		return w.popInput()
	}
	return Item{}, false
}

// Pop 弹出一个条目。没有条目时阻塞，直到有新的满包或所有线程都在等待。
// 所有线程都在等待说明工作已经耗尽，此时返回 false。
func (w *WorkStack) Pop() (Item, bool) {
	for {
		if it, ok := w.PopNoWait(); ok {
			return it, true
		}
		p := w.packets
		p.mu.Lock()
		if len(p.fullPk) > 0 {
			p.mu.Unlock()
			continue
		}
		index := p.doneIndex
		p.waiting++
		if p.waiting == p.threads {
			p.waiting = 0
			p.doneIndex++
			p.cond.Broadcast()
			p.mu.Unlock()
			return Item{}, false
		}
		for len(p.fullPk) == 0 && index == p.doneIndex {
			p.cond.Wait()
		}
		done := index != p.doneIndex
		if !done {
			p.waiting--
		}
		p.mu.Unlock()
		if done {
			return Item{}, false
		}
	}
}

// Peek 查看下一个条目但不弹出
func (w *WorkStack) Peek() (Item, bool) {
	if w.input != nil && !w.input.empty() {
		return w.input.items[len(w.input.items)-1], true
	}
	return Item{}, false
}

// PopNoWaitFromCurrentInputPacket 只从当前输入包弹出
func (w *WorkStack) PopNoWaitFromCurrentInputPacket() (Item, bool) {
	return w.popInput()
}

// RetrieveInputPacket 确保持有一个非空输入包，成功时返回 true
func (w *WorkStack) RetrieveInputPacket() bool {
	if w.input != nil && !w.input.empty() {
		return true
	}
	p := w.packets
	p.mu.Lock()
	pk := p.getFullLocked()
	p.mu.Unlock()
	if pk == nil {
		return false
	}
	w.replaceInput(pk)
	return true
}

// Flush 把私有包归还给池：非空包进入满包列表，空包进入空包列表
func (w *WorkStack) Flush() {
	for _, pk := range []*packet{w.input, w.output} {
		if pk == nil {
			continue
		}
		if pk.empty() {
			w.packets.putEmpty(pk)
		} else {
			w.packets.putFull(pk)
		}
	}
	w.input = nil
	w.output = nil
}

// Reset 丢弃私有包中的条目并清零计数
func (w *WorkStack) Reset() {
	for _, pk := range []*packet{w.input, w.output} {
		if pk != nil {
			w.packets.nonEmpty.Sub(int64(len(pk.items)))
			w.packets.putEmpty(pk)
		}
	}
	w.input = nil
	w.output = nil
	w.pushed = 0
	w.popped = 0
}

// Stats 压入和弹出的条目数
func (w *WorkStack) Stats() (pushed, popped uint64) {
	return w.pushed, w.popped
}

func (w *WorkStack) popInput() (Item, bool) {
	if w.input == nil || w.input.empty() {
		return Item{}, false
	}
	n := len(w.input.items)
	it := w.input.items[n-1]
	w.input.items = w.input.items[:n-1]
	w.popped++
	w.packets.nonEmpty.Dec()
	return it, true
}

func (w *WorkStack) replaceInput(pk *packet) {
	if w.input != nil {
		w.packets.putEmpty(w.input)
	}
	w.input = pk
}
