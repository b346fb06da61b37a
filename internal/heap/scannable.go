package heap

// ============================================================================
// 按形状遍历引用
// ============================================================================

// 扫描阶段：先遍历堆内槽，再遍历附着在元数据上的堆外槽
const (
	PhaseFields   = 0
	PhaseAttached = 1
)

// ScanCursor 可恢复的扫描位置
type ScanCursor struct {
	Object Address
	Phase  int
	Index  int
}

// Reset 把游标指向对象起点
func (c *ScanCursor) Reset(obj Address) {
	c.Object = obj
	c.Phase = PhaseFields
	c.Index = 0
}

// Visitor 返回 false 时中断遍历，游标停在下一个槽
type Visitor func(Slot) bool

// Scannable 按形状遍历对象的引用槽
type Scannable interface {
	// ForEachReference 从游标处继续遍历，全部遍历完返回 true
	ForEachReference(h *Heap, obj Address, cur *ScanCursor, visit Visitor) bool
}

var (
	mixedScannerInstance        = mixedScanner{}
	pointerArrayScannerInstance = pointerArrayScanner{}
	primitiveScannerInstance    = primitiveScanner{}
	classScannerInstance        = classObjectScanner{}
	loaderScannerInstance       = loaderScanner{}
	continuationScannerInstance = continuationScanner{}
)

// ScannableFor 返回形状对应的遍历器
func ScannableFor(s Shape) Scannable {
	switch s {
	case ShapeMixed, ShapeReference, ShapeOwnableSynchronizer:
		return mixedScannerInstance
	case ShapePointerArray:
		return pointerArrayScannerInstance
	case ShapeClassObject:
		return classScannerInstance
	case ShapeClassLoader:
		return loaderScannerInstance
	case ShapeContinuation:
		return continuationScannerInstance
	default:
		return primitiveScannerInstance
	}
}

func forEachField(h *Heap, obj Address, cur *ScanCursor, visit Visitor) bool {
	c := h.ClassOf(obj)
	for cur.Index < len(c.Slots) {
		i := cur.Index
		cur.Index++
		k := c.Slots[i]
		if !k.IsRef() {
			continue
		}
		if !visit(h.HeapSlot(FieldAddress(obj, i), k == SlotLeafRef)) {
			return false
		}
	}
	cur.Phase = PhaseAttached
	cur.Index = 0
	return true
}

func forEachRoot(roots []*Address, cur *ScanCursor, visit Visitor) bool {
	for cur.Index < len(roots) {
		i := cur.Index
		cur.Index++
		if !visit(RootSlot(roots[i])) {
			return false
		}
	}
	return true
}

func appendSlots(dst []*Address, slots []Address) []*Address {
	for i := range slots {
		dst = append(dst, &slots[i])
	}
	return dst
}

// ClassRoots 类镜像附着的堆外槽：静态槽、镜像指针，再沿热替换链重复
func ClassRoots(c *Class) []*Address {
	var roots []*Address
	for cls := c; cls != nil; cls = cls.Replaced {
		roots = appendSlots(roots, cls.Statics)
		roots = append(roots, &cls.Mirror)
	}
	return roots
}

// LoaderRoots 类加载器附着的堆外槽：加载器对象、各类镜像、模块槽
func LoaderRoots(l *Loader) []*Address {
	roots := []*Address{&l.Object}
	for _, c := range l.Classes {
		roots = append(roots, &c.Mirror)
	}
	return appendSlots(roots, l.Modules)
}

type mixedScanner struct{}

func (mixedScanner) ForEachReference(h *Heap, obj Address, cur *ScanCursor, visit Visitor) bool {
	if cur.Phase == PhaseFields {
		return forEachField(h, obj, cur, visit)
	}
	return true
}

type primitiveScanner struct{}

func (primitiveScanner) ForEachReference(*Heap, Address, *ScanCursor, Visitor) bool {
	return true
}

type pointerArrayScanner struct{}

func (pointerArrayScanner) ForEachReference(h *Heap, obj Address, cur *ScanCursor, visit Visitor) bool {
	n := h.ArrayLength(obj)
	for cur.Index < n {
		i := cur.Index
		cur.Index++
		if !visit(h.HeapSlot(ElementAddress(obj, i), false)) {
			return false
		}
	}
	return true
}

// classObjectScanner 类镜像：实例槽之后是类的静态槽和镜像指针
type classObjectScanner struct{}

func (classObjectScanner) ForEachReference(h *Heap, obj Address, cur *ScanCursor, visit Visitor) bool {
	if cur.Phase == PhaseFields && !forEachField(h, obj, cur, visit) {
		return false
	}
	c := h.DescribedClass(obj)
	if c == nil {
		return true
	}
	return forEachRoot(ClassRoots(c), cur, visit)
}

// loaderScanner 类加载器：实例槽之后是自身、类镜像和模块槽
type loaderScanner struct{}

func (loaderScanner) ForEachReference(h *Heap, obj Address, cur *ScanCursor, visit Visitor) bool {
	if cur.Phase == PhaseFields && !forEachField(h, obj, cur, visit) {
		return false
	}
	l := h.LoaderOf(obj)
	if l == nil {
		return true
	}
	return forEachRoot(LoaderRoots(l), cur, visit)
}

// continuationScanner 续体：实例槽之后是逻辑栈
type continuationScanner struct{}

func (continuationScanner) ForEachReference(h *Heap, obj Address, cur *ScanCursor, visit Visitor) bool {
	if cur.Phase == PhaseFields && !forEachField(h, obj, cur, visit) {
		return false
	}
	k := h.ContinuationOf(obj)
	if k == nil {
		return true
	}
	return forEachRoot(appendSlots(nil, k.Stack), cur, visit)
}

// ============================================================================
// 元数据访问
// ============================================================================

// DescribedClass 类镜像对象描述的类
func (h *Heap) DescribedClass(mirror Address) *Class {
	return h.classes.Get(ClassID(h.LoadField(mirror, MetadataSlot)))
}

// LoaderOf 类加载器对象对应的元数据
func (h *Heap) LoaderOf(obj Address) *Loader {
	return h.classes.Loader(int(h.LoadField(obj, MetadataSlot)))
}

// ContinuationOf 续体对象对应的元数据
func (h *Heap) ContinuationOf(obj Address) *Continuation {
	return h.classes.Continuation(int(h.LoadField(obj, MetadataSlot)))
}
