package heap

import (
	"sync"

	"go.uber.org/atomic"
)

// RegionType 区域类型
type RegionType uint8

const (
	RegionFree RegionType = iota // 空闲
	RegionEden                   // 新分配区
	RegionOld                    // 存活对象区（幸存者、老年）
)

func (t RegionType) String() string {
	switch t {
	case RegionFree:
		return "free"
	case RegionEden:
		return "eden"
	case RegionOld:
		return "old"
	default:
		return "unknown"
	}
}

// ReferenceKind 引用对象种类
type ReferenceKind uint8

const (
	RefWeak ReferenceKind = iota
	RefSoft
	RefPhantom

	referenceKindCount
)

func (k ReferenceKind) String() string {
	switch k {
	case RefWeak:
		return "weak"
	case RefSoft:
		return "soft"
	case RefPhantom:
		return "phantom"
	default:
		return "unknown"
	}
}

// CopyForwardData 复制转发回收使用的区域数据
type CopyForwardData struct {
	InitialLiveSet bool    // 周期开始时包含对象
	EvacuateSet    bool    // 属于回收集
	FreshSurvivor  bool    // 本周期新获取的幸存者区域
	SurvivorBase   Address // 尾部填充区域中幸存者部分的起点
	LiveTop        Address // 周期开始时的分配指针

	// 保留子列表链接
	Next     *Region
	Previous *Region
}

// MarkData 标记相关的区域数据
type MarkData struct {
	ShouldMark   bool // 本周期需要对该区域标记（回收集成员）
	NoEvacuation bool // 禁止疏散，对象原地标记

	overflowFlags atomic.Uint32
}

// SetOverflow 原子设置溢出标志
func (m *MarkData) SetOverflow(flag uint32) {
	for {
		old := m.overflowFlags.Load()
		if old&flag == flag || m.overflowFlags.CAS(old, old|flag) {
			return
		}
	}
}

// OverflowFlags 读取溢出标志
func (m *MarkData) OverflowFlags() uint32 { return m.overflowFlags.Load() }

// ClearOverflow 清除溢出标志
func (m *MarkData) ClearOverflow(flag uint32) {
	for {
		old := m.overflowFlags.Load()
		if old&flag == 0 || m.overflowFlags.CAS(old, old&^flag) {
			return
		}
	}
}

// Region 堆区域描述符
type Region struct {
	Index int
	Low   Address
	High  Address
	Type  RegionType

	// Pool 区域内存池
	Pool BumpPool

	context *AllocationContext

	// =========================================================================
	// 年龄
	// =========================================================================

	LogicalAge               int
	AllocationAge            float64
	AllocationAgeSizeProduct atomic.Float64
	LowerAgeBound            atomic.Uint64
	UpperAgeBound            atomic.Uint64
	ProjectedLiveBytes       atomic.Uint64

	// PreviousMarkMapCleared 标记位图已在获取时清空
	PreviousMarkMapCleared bool

	CopyForward CopyForwardData
	Mark        MarkData

	pinned atomic.Int32

	// =========================================================================
	// 区域对象列表
	// =========================================================================

	listsMu     sync.Mutex
	references  [referenceKindCount][]Address
	unfinalized []Address
	ownable     []Address
}

// Context 区域所属的分配上下文
func (r *Region) Context() *AllocationContext { return r.context }

// ContainsObjects 区域是否包含对象
func (r *Region) ContainsObjects() bool { return r.Type != RegionFree }

// IsEden 是否为新分配区
func (r *Region) IsEden() bool { return r.Type == RegionEden }

// Contains 地址是否在区域内
func (r *Region) Contains(a Address) bool { return a >= r.Low && a < r.High }

// Size 区域大小
func (r *Region) Size() uint64 { return r.High.Sub(r.Low) }

// Pin 固定区域中的一个对象，固定的区域不会被疏散
func (r *Region) Pin() { r.pinned.Inc() }

// Unpin 取消固定
func (r *Region) Unpin() { r.pinned.Dec() }

// IsPinned 区域是否有固定对象
func (r *Region) IsPinned() bool { return r.pinned.Load() > 0 }

// UpdateAgeBounds 原子合并年龄上下界
func (r *Region) UpdateAgeBounds(lower, upper uint64) {
	for {
		old := r.LowerAgeBound.Load()
		if lower >= old || r.LowerAgeBound.CAS(old, lower) {
			break
		}
	}
	for {
		old := r.UpperAgeBound.Load()
		if upper <= old || r.UpperAgeBound.CAS(old, upper) {
			break
		}
	}
}

// ============================================================================
// 区域对象列表
// ============================================================================

// AddReference 把引用对象加入区域的引用列表
func (r *Region) AddReference(kind ReferenceKind, obj Address) {
	r.listsMu.Lock()
	r.references[kind] = append(r.references[kind], obj)
	r.listsMu.Unlock()
}

// AddReferencesUnique 批量加入引用对象，已在列表中的跳过
func (r *Region) AddReferencesUnique(kind ReferenceKind, objs []Address) int {
	r.listsMu.Lock()
	defer r.listsMu.Unlock()
	n := 0
	r.references[kind], n = appendUnique(r.references[kind], objs)
	return n
}

// TakeReferences 取出并清空某类引用列表
func (r *Region) TakeReferences(kind ReferenceKind) []Address {
	r.listsMu.Lock()
	list := r.references[kind]
	r.references[kind] = nil
	r.listsMu.Unlock()
	return list
}

// References 返回某类引用列表的副本
func (r *Region) References(kind ReferenceKind) []Address {
	r.listsMu.Lock()
	defer r.listsMu.Unlock()
	return append([]Address(nil), r.references[kind]...)
}

// AddUnfinalized 登记一个待终结对象
func (r *Region) AddUnfinalized(obj Address) {
	r.listsMu.Lock()
	r.unfinalized = append(r.unfinalized, obj)
	r.listsMu.Unlock()
}

// TakeUnfinalized 取出并清空待终结列表
func (r *Region) TakeUnfinalized() []Address {
	r.listsMu.Lock()
	list := r.unfinalized
	r.unfinalized = nil
	r.listsMu.Unlock()
	return list
}

// Unfinalized 返回待终结列表的副本
func (r *Region) Unfinalized() []Address {
	r.listsMu.Lock()
	defer r.listsMu.Unlock()
	return append([]Address(nil), r.unfinalized...)
}

// AddOwnableSynchronizer 登记一个可拥有同步器对象
func (r *Region) AddOwnableSynchronizer(obj Address) {
	r.listsMu.Lock()
	r.ownable = append(r.ownable, obj)
	r.listsMu.Unlock()
}

// AddOwnableSynchronizersUnique 批量登记同步器对象，已在列表中的跳过
func (r *Region) AddOwnableSynchronizersUnique(objs []Address) int {
	r.listsMu.Lock()
	defer r.listsMu.Unlock()
	n := 0
	r.ownable, n = appendUnique(r.ownable, objs)
	return n
}

func appendUnique(list, objs []Address) ([]Address, int) {
	seen := make(map[Address]struct{}, len(list)+len(objs))
	for _, a := range list {
		seen[a] = struct{}{}
	}
	added := 0
	for _, a := range objs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		list = append(list, a)
		added++
	}
	return list, added
}

// TakeOwnableSynchronizers 取出并清空同步器列表
func (r *Region) TakeOwnableSynchronizers() []Address {
	r.listsMu.Lock()
	list := r.ownable
	r.ownable = nil
	r.listsMu.Unlock()
	return list
}

// OwnableSynchronizers 返回同步器列表的副本
func (r *Region) OwnableSynchronizers() []Address {
	r.listsMu.Lock()
	defer r.listsMu.Unlock()
	return append([]Address(nil), r.ownable...)
}

// reset 把区域恢复为空闲状态
func (r *Region) reset() {
	r.Type = RegionFree
	r.Pool.Reset(r.Low, r.High)
	r.LogicalAge = 0
	r.AllocationAge = 0
	r.AllocationAgeSizeProduct.Store(0)
	r.LowerAgeBound.Store(0)
	r.UpperAgeBound.Store(0)
	r.ProjectedLiveBytes.Store(0)
	r.PreviousMarkMapCleared = false
	r.CopyForward = CopyForwardData{}
	r.Mark.ShouldMark = false
	r.Mark.NoEvacuation = false
	r.Mark.overflowFlags.Store(0)
	r.listsMu.Lock()
	for i := range r.references {
		r.references[i] = nil
	}
	r.unfinalized = nil
	r.ownable = nil
	r.listsMu.Unlock()
}
