package chunk

import (
	"fmt"
	"sync"

	"addr"
	"defs"
)

// PageChunk is the virtual-page counterpart to Chunk: a bookkeeping
// token for an inclusive, exclusively-owned page range. It exists as
// its own type, rather than Chunk reused with a second generic
// parameter, for the same reason addr.PageRange and addr.FrameRange
// are two hand-written types rather than one generic range: pages and
// frames are never interchangeable, and keeping their allocators
// textually distinct makes that impossible to blur at a call site.
type PageChunk struct {
	pages addr.PageRange
	valid bool
}

// EmptyPageChunk returns an invalid, zero-sized chunk.
func EmptyPageChunk() PageChunk { return PageChunk{} }

// IsEmpty reports whether c carries no pages.
func (c PageChunk) IsEmpty() bool { return !c.valid }

// Pages returns the inclusive page range owned by c.
func (c PageChunk) Pages() addr.PageRange { return c.pages }

// Start returns the first page owned by c.
func (c PageChunk) Start() addr.Page { return c.pages.Start }

// End returns the last page owned by c.
func (c PageChunk) End() addr.Page { return c.pages.End }

func trustedNewPage(r addr.PageRange) PageChunk { return PageChunk{pages: r, valid: true} }

// PageAllocator hands out non-overlapping PageChunks, the page-range
// twin of Allocator. It carries the same two-phase static-array/
// heap-list design as Allocator, for the same reason: it must be safe
// to reserve the kernel's own identity-mapped virtual range before a
// heap exists to grow a slice in.
type PageAllocator struct {
	mu          sync.Mutex
	heapInit    bool
	staticArray [staticArrayCapacity]addr.PageRange
	staticCount int
	list        []addr.PageRange
}

// NewPageAllocator returns a PageAllocator with no chunks issued yet,
// in the pre-heap static-array phase.
func NewPageAllocator() *PageAllocator {
	return &PageAllocator{}
}

// HeapAllocated reports whether SwitchToHeapAllocated has already run.
func (a *PageAllocator) HeapAllocated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heapInit
}

// SwitchToHeapAllocated is PageAllocator's counterpart to
// Allocator.SwitchToHeapAllocated.
func (a *PageAllocator) SwitchToHeapAllocated() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heapInit {
		return fmt.Errorf("%w: heap-allocated phase already entered", defs.ErrInvariant)
	}
	a.list = append(a.list, a.staticArray[:a.staticCount]...)
	a.heapInit = true
	return nil
}

func overlapsPage(r addr.PageRange, existing []addr.PageRange) (addr.PageRange, bool) {
	for _, e := range existing {
		if _, ok := r.Overlap(e); ok {
			return e, true
		}
	}
	return addr.PageRange{}, false
}

// CreateChunk issues a new PageChunk covering r, subject to the same
// rules as Allocator.CreateChunk.
func (a *PageAllocator) CreateChunk(r addr.PageRange) (PageChunk, error) {
	if r.End < r.Start {
		return PageChunk{}, fmt.Errorf("%w: %v", ErrInvalidRange, r)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.heapInit {
		if existing, overlap := overlapsPage(r, a.staticArray[:a.staticCount]); overlap {
			return PageChunk{}, fmt.Errorf("%w: %v overlaps already-issued range %v", ErrOverlap, r, existing)
		}
		if a.staticCount == staticArrayCapacity {
			return PageChunk{}, fmt.Errorf("%w: %v", ErrNoSpace, r)
		}
		a.staticArray[a.staticCount] = r
		a.staticCount++
		return trustedNewPage(r), nil
	}

	if existing, overlap := overlapsPage(r, a.list); overlap {
		return PageChunk{}, fmt.Errorf("%w: %v overlaps already-issued range %v", ErrOverlap, r, existing)
	}
	a.list = append(a.list, r)
	return trustedNewPage(r), nil
}

// Release removes c's range from the bookkeeping store, permitting a
// future CreateChunk to reuse those pages.
func (a *PageAllocator) Release(c PageChunk) {
	if c.IsEmpty() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.heapInit {
		for i := 0; i < a.staticCount; i++ {
			if a.staticArray[i] == c.pages {
				copy(a.staticArray[i:a.staticCount-1], a.staticArray[i+1:a.staticCount])
				a.staticCount--
				return
			}
		}
		return
	}

	for i, existing := range a.list {
		if existing == c.pages {
			a.list = append(a.list[:i], a.list[i+1:]...)
			return
		}
	}
}

// Issued returns a snapshot of every range currently issued by a.
func (a *PageAllocator) Issued() []addr.PageRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.heapInit {
		out := make([]addr.PageRange, a.staticCount)
		copy(out, a.staticArray[:a.staticCount])
		return out
	}
	out := make([]addr.PageRange, len(a.list))
	copy(out, a.list)
	return out
}
