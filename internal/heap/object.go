package heap

import "fmt"

// ============================================================================
// 对象头
// ============================================================================
//
// 未转发：classID<<8 | flags
// 已转发：dest | forwardedTag [| grewTag]
//
// 目标地址按 8 字节对齐，低 3 位空闲，可以用来区分两种状态。

// HeaderFlags 对象头标志位
type HeaderFlags uint64

const (
	forwardedTag = 0x1
	grewTag      = 0x2

	FlagHashed         HeaderFlags = 0x02 // 已计算过身份哈希（按地址）
	FlagHashedAndMoved HeaderFlags = 0x04 // 已移动，哈希值保存在对象末尾
	FlagRemembered     HeaderFlags = 0x08 // 对象在记忆集中

	flagMask   = 0xff
	classShift = 8
)

func makeHeader(id ClassID, flags HeaderFlags) uint64 {
	return uint64(id)<<classShift | uint64(flags)
}

// ForwardedHeader 对象头快照，是“未转发（类、标志）”与“已转发（目标）”的联合
type ForwardedHeader struct {
	object Address
	raw    uint64
}

// ReadHeader 读取对象头快照
func (h *Heap) ReadHeader(obj Address) ForwardedHeader {
	return ForwardedHeader{object: obj, raw: h.LoadWord(obj)}
}

// Object 快照对应的对象地址
func (f ForwardedHeader) Object() Address { return f.object }

// IsForwarded 是否已安装转发指针
func (f ForwardedHeader) IsForwarded() bool { return f.raw&forwardedTag != 0 }

// Destination 转发目标，未转发时返回 Nil
func (f ForwardedHeader) Destination() Address {
	if !f.IsForwarded() {
		return Nil
	}
	return Address(f.raw &^ (forwardedTag | grewTag))
}

// GrewHashSlot 复制时是否追加了哈希槽
func (f ForwardedHeader) GrewHashSlot() bool {
	return f.IsForwarded() && f.raw&grewTag != 0
}

// ClassID 未转发对象的类 ID
func (f ForwardedHeader) ClassID() ClassID {
	if f.IsForwarded() {
		panic(fmt.Sprintf("heap: class of forwarded object %#x", uint64(f.object)))
	}
	return ClassID(f.raw >> classShift)
}

// Flags 未转发对象的标志位
func (f ForwardedHeader) Flags() HeaderFlags {
	return HeaderFlags(f.raw & flagMask &^ forwardedTag)
}

// Raw 原始头部字
func (f ForwardedHeader) Raw() uint64 { return f.raw }

// InstallForwarding 通过 CAS 安装转发指针。
// 返回最终的目标地址，以及本次调用是否为安装者。
// 失败者拿到的是胜者的目标。f 会被更新为安装时所依据的头部。
func (h *Heap) InstallForwarding(f *ForwardedHeader, dest Address, grew bool) (Address, bool) {
	fwd := uint64(dest) | forwardedTag
	if grew {
		fwd |= grewTag
	}
	for {
		if f.IsForwarded() {
			return f.Destination(), false
		}
		if h.CASWord(f.object, f.raw, fwd) {
			return dest, true
		}
		*f = h.ReadHeader(f.object)
	}
}

// UpdateForwardedPointer 已转发时返回目标，否则返回原地址
func (h *Heap) UpdateForwardedPointer(obj Address) Address {
	if obj == Nil {
		return Nil
	}
	f := h.ReadHeader(obj)
	if f.IsForwarded() {
		return f.Destination()
	}
	return obj
}

// IsForwarded 对象是否已转发
func (h *Heap) IsForwarded(obj Address) bool {
	return h.ReadHeader(obj).IsForwarded()
}

// SetHeaderFlag 原子设置头部标志，已转发的对象不修改
func (h *Heap) SetHeaderFlag(obj Address, flag HeaderFlags) bool {
	for {
		f := h.ReadHeader(obj)
		if f.IsForwarded() {
			return false
		}
		if f.Flags()&flag == flag {
			return true
		}
		if h.CASWord(obj, f.raw, f.raw|uint64(flag)) {
			return true
		}
	}
}

// ClearHeaderFlag 原子清除头部标志
func (h *Heap) ClearHeaderFlag(obj Address, flag HeaderFlags) {
	for {
		f := h.ReadHeader(obj)
		if f.IsForwarded() || f.Flags()&flag == 0 {
			return
		}
		if h.CASWord(obj, f.raw, f.raw&^uint64(flag)) {
			return
		}
	}
}

// InitHeader 写入新对象的头部
func (h *Heap) InitHeader(obj Address, id ClassID, flags HeaderFlags) {
	h.StoreWord(obj, makeHeader(id, flags))
}

// ============================================================================
// 对象查询
// ============================================================================

// ClassOf 返回未转发对象的类
func (h *Heap) ClassOf(obj Address) *Class {
	return h.classes.Get(h.ReadHeader(obj).ClassID())
}

// IsHole 是否为空洞
func (h *Heap) IsHole(obj Address) bool {
	f := h.ReadHeader(obj)
	if f.IsForwarded() {
		return false
	}
	id := f.ClassID()
	return id == ClassHoleSlot || id == ClassHoleMulti
}

// ArrayLength 数组长度
func (h *Heap) ArrayLength(obj Address) int {
	return int(h.LoadWord(obj.Add(WordSize)))
}

// baseSize 不含哈希槽的对象大小
func baseSize(c *Class, length int) uint64 {
	switch c.Shape {
	case ShapePointerArray:
		return 2*WordSize + uint64(length)*WordSize
	case ShapePrimitiveArray:
		return AlignUp(2*WordSize+uint64(length)*uint64(c.ElemSize), ObjectAlignment)
	default:
		size := WordSize + uint64(len(c.Slots))*WordSize
		if size < MinObjectSize {
			size = MinObjectSize
		}
		return size
	}
}

// InstanceSize 新实例的大小
func InstanceSize(c *Class, length int) uint64 {
	return baseSize(c, length)
}

// HashOffset 哈希槽相对对象起点的偏移（位于对象末尾）
func (h *Heap) HashOffset(obj Address) uint64 {
	f := h.ReadHeader(obj)
	c := h.classes.Get(f.ClassID())
	length := 0
	if c.Shape.IsArray() {
		length = h.ArrayLength(obj)
	}
	return baseSize(c, length)
}

// SizeInBytes 未转发对象（或空洞）的大小
func (h *Heap) SizeInBytes(obj Address) uint64 {
	f := h.ReadHeader(obj)
	switch f.ClassID() {
	case ClassHoleSlot:
		return WordSize
	case ClassHoleMulti:
		return h.LoadWord(obj.Add(WordSize))
	}
	c := h.classes.Get(f.ClassID())
	length := 0
	if c.Shape.IsArray() {
		length = h.ArrayLength(obj)
	}
	size := baseSize(c, length)
	if f.Flags()&FlagHashedAndMoved != 0 {
		size += WordSize
	}
	return size
}

// SizeFromHeader 按头部快照计算未转发对象的大小。
// 快照之后头部可能被其他线程改成转发指针，数组长度字不受影响。
func (h *Heap) SizeFromHeader(f ForwardedHeader) uint64 {
	c := h.classes.Get(f.ClassID())
	length := 0
	if c.Shape.IsArray() {
		length = h.ArrayLength(f.object)
	}
	size := baseSize(c, length)
	if f.Flags()&FlagHashedAndMoved != 0 {
		size += WordSize
	}
	return size
}

// ObjectSizeAt 地址处对象的大小，已转发对象按目标推算原大小
func (h *Heap) ObjectSizeAt(obj Address) uint64 {
	f := h.ReadHeader(obj)
	if !f.IsForwarded() {
		return h.SizeInBytes(obj)
	}
	size := h.SizeInBytes(f.Destination())
	if f.GrewHashSlot() {
		size -= WordSize
	}
	return size
}

// CopyObject 把未转发对象的内容复制到 dest，并写入目标头部。
// grow 为真时在目标末尾追加原地址哈希，头部改为已移动哈希。
func (h *Heap) CopyObject(f ForwardedHeader, dest Address, size uint64, grow bool) {
	src := f.Object()
	body := size
	if grow {
		body -= WordSize
	}
	h.CopyWords(dest.Add(WordSize), src.Add(WordSize), body-WordSize)
	flags := f.Flags()
	if grow {
		h.StoreWord(dest.Add(body), addressHash(src))
		flags |= FlagHashedAndMoved
	}
	h.InitHeader(dest, f.ClassID(), flags)
}

// NeedsHashSlot 对象移动时是否需要追加哈希槽
func (f ForwardedHeader) NeedsHashSlot() bool {
	flags := f.Flags()
	return flags&FlagHashed != 0 && flags&FlagHashedAndMoved == 0
}

// ============================================================================
// 身份哈希
// ============================================================================

func addressHash(a Address) uint64 {
	x := uint64(a)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x & 0x7fffffff
}

// IdentityHash 返回对象的身份哈希。
// 未移动的对象按地址计算并打上 FlagHashed，移动后从对象末尾读取。
func (h *Heap) IdentityHash(obj Address) uint64 {
	f := h.ReadHeader(obj)
	if f.Flags()&FlagHashedAndMoved != 0 {
		return h.LoadWord(obj.Add(h.HashOffset(obj)))
	}
	h.SetHeaderFlag(obj, FlagHashed)
	return addressHash(obj)
}

// ============================================================================
// 空洞
// ============================================================================

// FillWithHoles 把 [base, top) 填成可遍历的空洞
func (h *Heap) FillWithHoles(base, top Address) {
	size := top.Sub(base)
	switch {
	case size == 0:
		return
	case size == WordSize:
		h.InitHeader(base, ClassHoleSlot, 0)
	default:
		h.InitHeader(base, ClassHoleMulti, 0)
		h.StoreWord(base.Add(WordSize), size)
	}
}
