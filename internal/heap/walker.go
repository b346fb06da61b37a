package heap

// ObjectIterator 按地址顺序线性遍历 [cur, end) 中的对象，跳过空洞
type ObjectIterator struct {
	heap *Heap
	cur  Address
	end  Address

	// IncludeForwarded 为真时返回已转发的对象
	IncludeForwarded bool
}

// NewObjectIterator 创建线性遍历器
func (h *Heap) NewObjectIterator(base, end Address) *ObjectIterator {
	return &ObjectIterator{heap: h, cur: base, end: end}
}

// Next 返回下一个对象，遍历结束返回 Nil
func (it *ObjectIterator) Next() Address {
	for it.cur < it.end {
		obj := it.cur
		f := it.heap.ReadHeader(obj)
		if f.IsForwarded() {
			it.cur = obj.Add(it.heap.ObjectSizeAt(obj))
			if it.IncludeForwarded {
				return obj
			}
			continue
		}
		size := it.heap.SizeInBytes(obj)
		it.cur = obj.Add(size)
		id := f.ClassID()
		if id == ClassHoleSlot || id == ClassHoleMulti {
			continue
		}
		return obj
	}
	return Nil
}

// Position 下一次遍历的起点
func (it *ObjectIterator) Position() Address { return it.cur }

// ForEachObject 遍历区域中已分配部分的全部对象
func (h *Heap) ForEachObject(r *Region, fn func(obj Address)) {
	it := h.NewObjectIterator(r.Low, r.Pool.AllocationPointer())
	for obj := it.Next(); obj != Nil; obj = it.Next() {
		fn(obj)
	}
}
