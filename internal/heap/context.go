package heap

import "sync"

// AllocationContext NUMA 分配上下文
//
// 每个上下文拥有一组空闲区域。上下文 0 为公共上下文，
// 在启用 NUMA 时不直接拥有区域，只从其他节点借用。
type AllocationContext struct {
	index int
	node  int
	heap  *Heap

	mu   sync.Mutex
	free []*Region
}

// Index 上下文索引
func (c *AllocationContext) Index() int { return c.index }

// NumaNode 上下文对应的 NUMA 节点
func (c *AllocationContext) NumaNode() int { return c.node }

// FreeRegionCount 当前空闲区域数
func (c *AllocationContext) FreeRegionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}

// CollectorAcquireRegion 为回收器获取一个空区域作为复制目标。
// 本节点没有空闲区域时依次从其他节点借用，全部耗尽时返回 nil。
func (c *AllocationContext) CollectorAcquireRegion() *Region {
	if r := c.acquireLocal(); r != nil {
		r.Type = RegionOld
		return r
	}
	n := len(c.heap.contexts)
	for i := 1; i < n; i++ {
		other := c.heap.contexts[(c.index+i)%n]
		if r := other.acquireLocal(); r != nil {
			r.Type = RegionOld
			return r
		}
	}
	return nil
}

// MutatorAcquireRegion 为分配器获取一个新分配区
func (c *AllocationContext) MutatorAcquireRegion() *Region {
	r := c.acquireLocal()
	if r == nil {
		n := len(c.heap.contexts)
		for i := 1; i < n && r == nil; i++ {
			r = c.heap.contexts[(c.index+i)%n].acquireLocal()
		}
	}
	if r != nil {
		r.Type = RegionEden
	}
	return r
}

func (c *AllocationContext) acquireLocal() *Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.free)
	if n == 0 {
		return nil
	}
	// 取地址最低的区域，保持分配有序
	r := c.free[0]
	copy(c.free, c.free[1:])
	c.free = c.free[:n-1]
	return r
}

func (c *AllocationContext) release(r *Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.free)
	c.free = append(c.free, nil)
	for i > 0 && c.free[i-1].Index > r.Index {
		c.free[i] = c.free[i-1]
		i--
	}
	c.free[i] = r
}
