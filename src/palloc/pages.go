package palloc

import (
	"fmt"
	"sync"

	"addr"
	"chunk"
	"defs"
)

// pageUnit tracks whether one virtual page in a PageAllocator's pool is
// presently free. Unlike a frame, a page is never shared between two
// live owners (mapped.AllocatedPages is consumed exactly once by
// PageTable.Map), so a page needs no reference count.
type pageUnit struct {
	free bool
}

// PageAllocator hands out ranges of virtual pages from a fixed pool,
// independently of FrameAllocator's physical frame pool, the
// distinction spec section 2 requires between the frame allocator and
// the page allocator: a page number is never derived from a frame
// number, and the two pools are bookkept by separate chunk allocators.
type PageAllocator struct {
	mu       sync.Mutex
	chunks   *chunk.PageAllocator
	base     addr.Page
	units    []pageUnit
	freeList []uint32
}

// NewPageAllocator creates a PageAllocator managing the pages in
// [base, base+count).
func NewPageAllocator(base addr.Page, count int) *PageAllocator {
	units := make([]pageUnit, count)
	free := make([]uint32, count)
	for i := range units {
		units[i].free = true
		free[i] = uint32(count - 1 - i)
	}
	return &PageAllocator{
		chunks:   chunk.NewPageAllocator(),
		base:     base,
		units:    units,
		freeList: free,
	}
}

// Allocate reserves count contiguous free pages and returns a
// PageChunk owning them.
func (a *PageAllocator) Allocate(count int) (chunk.PageChunk, error) {
	if count <= 0 {
		return chunk.PageChunk{}, fmt.Errorf("%w: allocate count must be positive", defs.ErrInvariant)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.freeList) < count {
		return chunk.PageChunk{}, fmt.Errorf("%w: requested %d pages, %d free", defs.ErrExhausted, count, len(a.freeList))
	}

	return a.scanContiguous(count)
}

// AllocateAt reserves the count-page run starting at address,
// succeeding only if every page in that run is currently free.
func (a *PageAllocator) AllocateAt(address addr.Page, count int) (chunk.PageChunk, error) {
	if count <= 0 {
		return chunk.PageChunk{}, fmt.Errorf("%w: allocate count must be positive", defs.ErrInvariant)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := int(address - a.base)
	if start < 0 || start+count > len(a.units) {
		return chunk.PageChunk{}, fmt.Errorf("%w: [%v,+%d) falls outside the managed pool", ErrAddressNotFree, address, count)
	}
	for i := start; i < start+count; i++ {
		if !a.units[i].free {
			return chunk.PageChunk{}, fmt.Errorf("%w: page %v is already allocated", ErrAddressNotFree, a.base+addr.Page(i))
		}
	}

	r := addr.PageRange{Start: address, End: address + addr.Page(count) - 1}
	c, err := a.chunks.CreateChunk(r)
	if err != nil {
		return chunk.PageChunk{}, err
	}
	for i := start; i < start+count; i++ {
		a.units[i].free = false
	}
	a.removeFromFreeList(start, start+count-1)
	return c, nil
}

func (a *PageAllocator) scanContiguous(count int) (chunk.PageChunk, error) {
	run := 0
	for i := 0; i < len(a.units); i++ {
		if a.units[i].free {
			run++
		} else {
			run = 0
		}
		if run == count {
			start := i - count + 1
			r := addr.PageRange{Start: a.base + addr.Page(start), End: a.base + addr.Page(i)}
			c, err := a.chunks.CreateChunk(r)
			if err != nil {
				return chunk.PageChunk{}, err
			}
			for j := start; j <= i; j++ {
				a.units[j].free = false
			}
			a.removeFromFreeList(start, i)
			return c, nil
		}
	}
	return chunk.PageChunk{}, fmt.Errorf("%w: no contiguous run of %d pages", defs.ErrExhausted, count)
}

func (a *PageAllocator) removeFromFreeList(lo, hi int) {
	out := a.freeList[:0]
	for _, idx := range a.freeList {
		if int(idx) < lo || int(idx) > hi {
			out = append(out, idx)
		}
	}
	a.freeList = out
}

// Free returns c's pages to the free pool, coalescing is handled
// implicitly by the free list rather than chunk merging, since pages
// carry no reference count to wait on.
func (a *PageAllocator) Free(c chunk.PageChunk) {
	if c.IsEmpty() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := c.Start(); p <= c.End(); p++ {
		idx := uint32(p - a.base)
		a.units[idx].free = true
		a.freeList = append(a.freeList, idx)
	}
	a.chunks.Release(c)
}

// Stats reports the current occupancy of the pool.
func (a *PageAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := len(a.freeList)
	return Stats{Total: len(a.units), Free: free, Used: len(a.units) - free}
}
