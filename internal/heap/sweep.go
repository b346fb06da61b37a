package heap

// SweepRegion 原地清扫区域：不满足 isLive 的对象和已转发的对象都变成空洞。
// 返回回收的字节数。
func (h *Heap) SweepRegion(r *Region, isLive func(obj Address) bool) uint64 {
	end := r.Pool.AllocationPointer()
	it := h.NewObjectIterator(r.Low, end)
	it.IncludeForwarded = true

	var freed uint64
	deadStart := Nil
	flush := func(upTo Address) {
		if deadStart != Nil {
			h.FillWithHoles(deadStart, upTo)
			freed += upTo.Sub(deadStart)
			deadStart = Nil
		}
	}

	cur := r.Low
	for obj := it.Next(); obj != Nil; obj = it.Next() {
		// 遍历器跳过的空洞并入死区间
		if obj > cur && deadStart == Nil {
			deadStart = cur
		}
		live := !h.IsForwarded(obj) && isLive(obj)
		if live {
			flush(obj)
		} else if deadStart == Nil {
			deadStart = obj
		}
		cur = it.Position()
	}
	if cur < end && deadStart == Nil {
		deadStart = cur
	}
	flush(end)

	// 已分配部分中的空闲全部按暗物质记账，指针之后的部分仍可分配
	r.Pool.SetSweepResult(r.Pool.AllocatableBytes(), freed)
	return freed
}
