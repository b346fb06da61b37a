package heap

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory 分配器无法获取新的区域
var ErrOutOfMemory = errors.New("heap: out of memory")

// WriteBarrier 引用写入后的卡表通知
type WriteBarrier interface {
	DirtyCard(addr Address)
}

// Mutator 单线程分配器，在所属上下文的新分配区中做指针碰撞分配
type Mutator struct {
	heap    *Heap
	ctx     *AllocationContext
	region  *Region
	barrier WriteBarrier
}

// NewMutator 创建分配器
func (h *Heap) NewMutator(ctxIndex int, barrier WriteBarrier) *Mutator {
	return &Mutator{heap: h, ctx: h.contexts[ctxIndex], barrier: barrier}
}

// Heap 返回分配器所在的堆
func (m *Mutator) Heap() *Heap { return m.heap }

// Retire 放弃当前分配区（回收前调用，避免继续在回收集中分配）
func (m *Mutator) Retire() {
	m.region = nil
}

func (m *Mutator) allocate(size uint64) (Address, *Region, error) {
	if size > m.heap.regionSize {
		return Nil, nil, fmt.Errorf("object of %d bytes exceeds region size %d", size, m.heap.regionSize)
	}
	if m.region != nil {
		if a, ok := m.region.Pool.Allocate(size); ok {
			return a, m.region, nil
		}
		m.sealRegion()
	}
	r := m.ctx.MutatorAcquireRegion()
	if r == nil {
		return Nil, nil, ErrOutOfMemory
	}
	m.region = r
	a, _ := r.Pool.Allocate(size)
	return a, r, nil
}

// sealRegion 填平当前分配区剩余空间
func (m *Mutator) sealRegion() {
	r := m.region
	alloc := r.Pool.AllocationPointer()
	if alloc < r.High {
		m.heap.FillWithHoles(alloc, r.High)
		rest := r.Pool.AllocatableBytes()
		r.Pool.AddDarkMatter(rest)
	}
	m.region = nil
}

// Allocate 分配一个非数组对象，所有槽清零
func (m *Mutator) Allocate(c *Class) (Address, error) {
	if c.Shape.IsArray() {
		return Nil, fmt.Errorf("class %q is an array class", c.Name)
	}
	return m.allocateInstance(c, 0)
}

// AllocateArray 分配数组
func (m *Mutator) AllocateArray(c *Class, length int) (Address, error) {
	if !c.Shape.IsArray() {
		return Nil, fmt.Errorf("class %q is not an array class", c.Name)
	}
	if length < 0 {
		return Nil, fmt.Errorf("negative array length %d", length)
	}
	return m.allocateInstance(c, length)
}

func (m *Mutator) allocateInstance(c *Class, length int) (Address, error) {
	size := InstanceSize(c, length)
	obj, r, err := m.allocate(size)
	if err != nil {
		return Nil, err
	}
	m.heap.ZeroWords(obj, obj.Add(size))
	m.heap.InitHeader(obj, c.ID, 0)
	if c.Shape.IsArray() {
		m.heap.StoreWord(obj.Add(WordSize), uint64(length))
	}
	if c.Finalizable {
		r.AddUnfinalized(obj)
	}
	if c.Shape == ShapeOwnableSynchronizer {
		r.AddOwnableSynchronizer(obj)
	}
	return obj, nil
}

// StoreRef 写入对象引用槽并通知写屏障
func (m *Mutator) StoreRef(obj Address, slot int, v Address) {
	m.heap.StoreField(obj, slot, uint64(v))
	if m.barrier != nil {
		m.barrier.DirtyCard(obj)
	}
}

// StoreData 写入对象数据槽
func (m *Mutator) StoreData(obj Address, slot int, v uint64) {
	m.heap.StoreField(obj, slot, v)
}

// StoreElement 写入引用数组元素并通知写屏障
func (m *Mutator) StoreElement(arr Address, i int, v Address) {
	m.heap.StoreWord(ElementAddress(arr, i), uint64(v))
	if m.barrier != nil {
		m.barrier.DirtyCard(arr)
	}
}

// LoadRef 读取对象引用槽
func (m *Mutator) LoadRef(obj Address, slot int) Address {
	return Address(m.heap.LoadField(obj, slot))
}

// ============================================================================
// 元数据对象
// ============================================================================

// NewMirror 为类分配镜像对象并登记到类上
func (m *Mutator) NewMirror(classClass *Class, described *Class) (Address, error) {
	if classClass.Shape != ShapeClassObject {
		return Nil, fmt.Errorf("class %q is not a class-object class", classClass.Name)
	}
	obj, err := m.Allocate(classClass)
	if err != nil {
		return Nil, err
	}
	m.heap.StoreField(obj, MetadataSlot, uint64(described.ID))
	described.Mirror = obj
	return obj, nil
}

// NewLoaderObject 为加载器分配对象
func (m *Mutator) NewLoaderObject(loaderClass *Class, l *Loader) (Address, error) {
	if loaderClass.Shape != ShapeClassLoader {
		return Nil, fmt.Errorf("class %q is not a class-loader class", loaderClass.Name)
	}
	obj, err := m.Allocate(loaderClass)
	if err != nil {
		return Nil, err
	}
	m.heap.StoreField(obj, MetadataSlot, uint64(l.ID))
	l.Object = obj
	return obj, nil
}

// NewContinuationObject 为续体分配对象
func (m *Mutator) NewContinuationObject(contClass *Class, k *Continuation) (Address, error) {
	if contClass.Shape != ShapeContinuation {
		return Nil, fmt.Errorf("class %q is not a continuation class", contClass.Name)
	}
	obj, err := m.Allocate(contClass)
	if err != nil {
		return Nil, err
	}
	m.heap.StoreField(obj, MetadataSlot, uint64(k.ID))
	return obj, nil
}
