package l4tracks

import "sync/atomic"

// IDAllocator hands out fused track ids. Ids must never repeat for the
// lifetime of the allocator.
type IDAllocator interface {
	Next() int64
}

// Counter is a monotonically increasing IDAllocator starting after its seed.
type Counter struct {
	last atomic.Int64
}

// NewCounter returns a Counter whose first id is seed+1.
func NewCounter(seed int64) *Counter {
	c := &Counter{}
	c.last.Store(seed)
	return c
}

// Next returns the next id.
func (c *Counter) Next() int64 { return c.last.Add(1) }
