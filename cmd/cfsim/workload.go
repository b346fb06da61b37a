package main

import (
	"math/rand"

	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/vm"
)

// workload 随机对象图生成器：节点、指针数组、弱引用和需要终结的对象
type workload struct {
	c   *vm.Collector
	m   *heap.Mutator
	rng *rand.Rand

	node, array, weak, resource *heap.Class

	// stack 模拟线程栈，保存存活对象
	stack int
}

func newWorkload(c *vm.Collector, seed int64) *workload {
	classes := c.Heap().Classes()
	w := &workload{
		c:   c,
		m:   c.NewMutator(0),
		rng: rand.New(rand.NewSource(seed)),
		node: classes.MustDefine(&heap.Class{Name: "Node", Shape: heap.ShapeMixed,
			Slots: []heap.SlotKind{heap.SlotRef, heap.SlotRef, heap.SlotData}}),
		array: classes.MustDefine(&heap.Class{Name: "Object[]", Shape: heap.ShapePointerArray}),
		weak: classes.MustDefine(&heap.Class{Name: "WeakReference", Shape: heap.ShapeReference, RefKind: heap.RefWeak,
			Slots: []heap.SlotKind{heap.SlotData, heap.SlotData, heap.SlotRef, heap.SlotData}}),
		resource: classes.MustDefine(&heap.Class{Name: "Resource", Shape: heap.ShapeMixed, Finalizable: true,
			Slots: []heap.SlotKind{heap.SlotData}}),
	}
	w.stack = c.Roots().AddStack()
	return w
}

// oldRegionsPerCycle 每个周期额外加入回收集的老区域数
func (w *workload) oldRegionsPerCycle() int { return 4 }

// allocate 按比例随机分配一个对象，堆满时返回 Nil
func (w *workload) allocate() heap.Address {
	var (
		obj heap.Address
		err error
	)
	switch p := w.rng.Intn(100); {
	case p < 80:
		obj, err = w.m.Allocate(w.node)
		if err == nil {
			w.m.StoreData(obj, 2, w.rng.Uint64())
		}
	case p < 90:
		obj, err = w.m.AllocateArray(w.array, 1+w.rng.Intn(256))
	case p < 97:
		obj, err = w.m.Allocate(w.weak)
	default:
		obj, err = w.m.Allocate(w.resource)
	}
	if err != nil {
		return heap.Nil
	}
	return obj
}

// link 把 obj 的引用槽随机指向已有对象
func (w *workload) link(obj heap.Address, pool []heap.Address) {
	if len(pool) == 0 {
		return
	}
	pick := func() heap.Address { return pool[w.rng.Intn(len(pool))] }
	h := w.c.Heap()
	switch h.ClassOf(obj) {
	case w.node:
		w.m.StoreRef(obj, 0, pick())
		w.m.StoreRef(obj, 1, pick())
	case w.array:
		for i, n := 0, h.ArrayLength(obj); i < n; i++ {
			w.m.StoreElement(obj, i, pick())
		}
	case w.weak:
		w.m.StoreRef(obj, heap.ReferenceReferentSlot, pick())
	}
}

// churn 分配 n 个对象，其中约五分之一留在栈上存活，替换掉上一轮的一半存活对象
func (w *workload) churn(n int) {
	fresh := make([]heap.Address, 0, n)
	for i := 0; i < n; i++ {
		obj := w.allocate()
		if obj == heap.Nil {
			break
		}
		w.link(obj, fresh)
		fresh = append(fresh, obj)
	}

	rs := w.c.Roots()
	old := rs.Stack(w.stack)
	kept := append([]heap.Address(nil), old[:len(old)/2]...)
	for _, obj := range fresh {
		if w.rng.Intn(5) == 0 {
			kept = append(kept, obj)
		}
	}
	w.replaceStack(kept)
}

// fill 分配到堆满并让所有对象存活
func (w *workload) fill() {
	var fresh []heap.Address
	for {
		obj := w.allocate()
		if obj == heap.Nil {
			break
		}
		w.link(obj, fresh)
		fresh = append(fresh, obj)
	}
	rs := w.c.Roots()
	w.replaceStack(append(rs.Stack(w.stack), fresh...))
}

func (w *workload) replaceStack(objs []heap.Address) {
	w.c.Roots().SetStack(w.stack, objs...)
}
