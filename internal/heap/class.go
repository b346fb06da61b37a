package heap

import (
	"fmt"
	"sync"
)

// ClassID 类标识，保存在对象头的高位
type ClassID uint32

// 预定义类
const (
	ClassInvalid   ClassID = 0
	ClassHoleSlot  ClassID = 1 // 单字空洞
	ClassHoleMulti ClassID = 2 // 多字空洞，第二个字保存大小

	firstUserClass ClassID = 3
)

// Shape 对象形状，决定扫描方式
type Shape uint8

const (
	ShapeMixed               Shape = iota // 普通对象
	ShapeReference                        // 弱/软/虚引用对象
	ShapeClassObject                      // 类镜像对象
	ShapeClassLoader                      // 类加载器对象
	ShapePointerArray                     // 引用数组
	ShapePrimitiveArray                   // 基本类型数组
	ShapeContinuation                     // 续体对象
	ShapeOwnableSynchronizer              // 可拥有同步器
	shapeHole
)

func (s Shape) String() string {
	switch s {
	case ShapeMixed:
		return "mixed"
	case ShapeReference:
		return "reference"
	case ShapeClassObject:
		return "class"
	case ShapeClassLoader:
		return "classloader"
	case ShapePointerArray:
		return "pointer-array"
	case ShapePrimitiveArray:
		return "primitive-array"
	case ShapeContinuation:
		return "continuation"
	case ShapeOwnableSynchronizer:
		return "ownable-synchronizer"
	case shapeHole:
		return "hole"
	default:
		return "unknown"
	}
}

// IsArray 是否为数组形状
func (s Shape) IsArray() bool {
	return s == ShapePointerArray || s == ShapePrimitiveArray
}

// SlotKind 实例槽种类
type SlotKind uint8

const (
	SlotData    SlotKind = iota // 非引用数据
	SlotRef                     // 引用
	SlotLeafRef                 // 引用，且声明类型没有引用字段
)

// IsRef 是否为引用槽
func (k SlotKind) IsRef() bool { return k != SlotData }

// 引用对象的固定槽布局
const (
	ReferenceStateSlot    = 0
	ReferenceAgeSlot      = 1
	ReferenceReferentSlot = 2
	ReferenceQueueSlot    = 3
	referenceSlotCount    = 4
)

// ReferenceState 引用对象状态
type ReferenceState uint64

const (
	ReferenceInitial ReferenceState = iota
	ReferenceCleared
	ReferenceEnqueued
)

// MetadataSlot 类镜像、类加载器、续体对象的第 0 槽保存其元数据 ID
const MetadataSlot = 0

// Class 类描述
type Class struct {
	ID    ClassID
	Name  string
	Shape Shape

	// Slots 非数组对象的实例槽
	Slots []SlotKind

	// HasHotField 为真时 HotSlot 为热字段槽索引
	HasHotField bool
	HotSlot     int

	// ElemSize 基本类型数组的元素大小
	ElemSize int

	// RefKind 引用对象种类
	RefKind ReferenceKind

	// Finalizable 实例需要终结
	Finalizable bool

	// =========================================================================
	// 类元数据（镜像对象通过 MetadataSlot 指向这里）
	// =========================================================================

	Statics  []Address // 静态引用槽
	Mirror   Address   // 类镜像对象
	Replaced *Class    // 热替换前的旧版本
	Loader   *Loader   // 定义该类的加载器

	leafMask uint64
}

// LeafMask 前 64 个槽中叶子引用槽的位掩码
func (c *Class) LeafMask() uint64 { return c.leafMask }

// Loader 类加载器元数据
type Loader struct {
	ID        int
	Object    Address
	Classes   []*Class
	Modules   []Address
	Anonymous bool
}

// Continuation 续体元数据，Stack 为其逻辑栈上的引用
type Continuation struct {
	ID    int
	Stack []Address
}

// ============================================================================
// 类表
// ============================================================================

// ClassTable 类、加载器和续体元数据表
type ClassTable struct {
	mu            sync.RWMutex
	classes       []*Class
	loaders       []*Loader
	continuations []*Continuation
}

func newClassTable() *ClassTable {
	t := &ClassTable{}
	t.classes = []*Class{
		{ID: ClassInvalid, Name: "<invalid>", Shape: shapeHole},
		{ID: ClassHoleSlot, Name: "<hole>", Shape: shapeHole},
		{ID: ClassHoleMulti, Name: "<hole>", Shape: shapeHole},
	}
	return t
}

// Define 注册一个类，返回带 ID 的类
func (t *ClassTable) Define(c *Class) (*Class, error) {
	if c.Shape == shapeHole {
		return nil, fmt.Errorf("class %q: hole shape is reserved", c.Name)
	}
	if c.Shape == ShapePrimitiveArray && c.ElemSize <= 0 {
		return nil, fmt.Errorf("class %q: primitive array needs a positive element size", c.Name)
	}
	if c.Shape == ShapeReference && len(c.Slots) < referenceSlotCount {
		return nil, fmt.Errorf("class %q: reference class needs %d slots", c.Name, referenceSlotCount)
	}
	switch c.Shape {
	case ShapeClassObject, ShapeClassLoader, ShapeContinuation:
		if len(c.Slots) == 0 || c.Slots[MetadataSlot] != SlotData {
			return nil, fmt.Errorf("class %q: slot 0 must hold metadata", c.Name)
		}
	}
	if c.HasHotField && (c.HotSlot < 0 || c.HotSlot >= len(c.Slots)) {
		return nil, fmt.Errorf("class %q: hot slot %d out of range", c.Name, c.HotSlot)
	}
	c.leafMask = 0
	for i, k := range c.Slots {
		if k == SlotLeafRef && i < 64 {
			c.leafMask |= 1 << uint(i)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c.ID = ClassID(len(t.classes))
	t.classes = append(t.classes, c)
	return c, nil
}

// MustDefine 注册类，失败时 panic（用于构造固定的类集合）
func (t *ClassTable) MustDefine(c *Class) *Class {
	c, err := t.Define(c)
	if err != nil {
		panic(err)
	}
	return c
}

// Get 按 ID 查找类
func (t *ClassTable) Get(id ClassID) *Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.classes) {
		return nil
	}
	return t.classes[id]
}

// All 返回全部用户类
func (t *ClassTable) All() []*Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Class(nil), t.classes[firstUserClass:]...)
}

// NewLoader 注册一个类加载器
func (t *ClassTable) NewLoader(anonymous bool) *Loader {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := &Loader{ID: len(t.loaders), Anonymous: anonymous}
	t.loaders = append(t.loaders, l)
	return l
}

// Loader 按 ID 查找加载器
func (t *ClassTable) Loader(id int) *Loader {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.loaders) {
		return nil
	}
	return t.loaders[id]
}

// Loaders 返回全部加载器
func (t *ClassTable) Loaders() []*Loader {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Loader(nil), t.loaders...)
}

// NewContinuation 注册一个续体
func (t *ClassTable) NewContinuation() *Continuation {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Continuation{ID: len(t.continuations)}
	t.continuations = append(t.continuations, c)
	return c
}

// Continuation 按 ID 查找续体
func (t *ClassTable) Continuation(id int) *Continuation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.continuations) {
		return nil
	}
	return t.continuations[id]
}

// Continuations 返回全部续体
func (t *ClassTable) Continuations() []*Continuation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Continuation(nil), t.continuations...)
}
