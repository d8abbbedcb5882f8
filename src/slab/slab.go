// Package slab is an 8 KiB object-page allocator: each Page is exactly
// two 4 KiB frames, carved into fixed-size object slots tracked by an
// atomic bitfield, the same layout pages.rs's ObjectPage8k/Bitfield
// pair describes. Unlike the Rust original, a Page's "next" link is an
// ordinary Go pointer field rather than a MappedPages8k recursively
// stored inside the previous page's own bytes, that trick exists in
// the original only to avoid a separate heap-allocated list node under
// a kernel allocator that cannot yet call back into itself; a hosted
// Go allocator has no such bootstrapping problem.
package slab

import (
	"fmt"
	"sync"
	"sync/atomic"

	"addr"
	"defs"
	"mapped"
	"palloc"
)

// bitfieldWords is the number of uint64 words backing a Page's
// allocation bitmap, tracking up to 512 objects per page.
const bitfieldWords = 8

// PageSize is the total size of a slab Page, spanning two 4 KiB
// frames.
const PageSize = 2 * addr.PageSize

// MetadataSize mirrors ObjectPage8k::METADATA_SIZE (an 8-byte next
// pointer, an 8-byte heap id, and the 64-byte bitfield): it is
// subtracted from PageSize when computing how many objects of a given
// size fit on a page, even though in this hosted model the bitfield
// and next pointer are ordinary Go fields rather than bytes carved out
// of the mapped page itself. Keeping the same reserved amount keeps
// object-capacity arithmetic identical to the original.
const MetadataSize = 8 + 8 + bitfieldWords*8

// BufferSize is the usable capacity of a Page for object storage.
const BufferSize = PageSize - MetadataSize

// Page is one 8 KiB slab page: a mapped, writable two-frame region
// plus the bitfield tracking which object-sized slots within it are
// allocated.
type Page struct {
	mp       mapped.MappedPages
	heapID   uintptr
	next     *Page
	bitfield [bitfieldWords]uint64
}

// NewPage allocates and maps a fresh 8 KiB slab page: two frames from
// frames and two pages from the independent virtual page pool pages,
// never the frame numbers reinterpreted as page numbers. The page
// carries no size class until Initialize is called.
func NewPage(frames *palloc.FrameAllocator, pages *palloc.PageAllocator, table *mapped.PageTable) (*Page, error) {
	fc, err := frames.Allocate(2)
	if err != nil {
		return nil, err
	}
	frameRange, err := addr.NewFrameRange(fc.Start(), fc.End())
	if err != nil {
		return nil, err
	}

	pc, err := pages.Allocate(2)
	if err != nil {
		return nil, err
	}

	mp, err := table.Map(mapped.NewAllocatedPages(pc.Pages()), mapped.NewAllocatedFrames(frameRange), mapped.FlagWritable)
	if err != nil {
		return nil, err
	}
	return &Page{mp: mp}, nil
}

// StartAddr returns the virtual address this page's data region
// begins at.
func (p *Page) StartAddr() addr.VirtAddr {
	return p.mp.Pages().Start.Addr()
}

// SetHeapID tags this page with the identity of the size-class
// allocator that owns it.
func (p *Page) SetHeapID(id uintptr) { p.heapID = id }

// HeapID returns the tag set by SetHeapID.
func (p *Page) HeapID() uintptr { return p.heapID }

// Next returns the next page in whatever PageList this page is linked
// into, or nil.
func (p *Page) Next() *Page { return p.next }

// Initialize prepares the bitfield for a given object size: every slot
// starts marked allocated, then exactly as many slots as fit within
// BufferSize/forSize are cleared back to free, the rest remaining
// permanently marked allocated (so first_fit never hands out an
// address that would spill past the page).
func (p *Page) Initialize(forSize uintptr) {
	for i := range p.bitfield {
		atomic.StoreUint64(&p.bitfield[i], ^uint64(0))
	}
	capacity := BufferSize / forSize
	if max := uintptr(bitfieldWords * 64); capacity > max {
		capacity = max
	}
	for idx := uintptr(0); idx < capacity; idx++ {
		p.clearBit(idx)
	}
}

func (p *Page) clearBit(idx uintptr) {
	word, bit := idx/64, idx%64
	for {
		old := atomic.LoadUint64(&p.bitfield[word])
		next := old &^ (uint64(1) << bit)
		if atomic.CompareAndSwapUint64(&p.bitfield[word], old, next) {
			return
		}
	}
}

func (p *Page) setBit(idx uintptr) {
	word, bit := idx/64, idx%64
	for {
		old := atomic.LoadUint64(&p.bitfield[word])
		next := old | (uint64(1) << bit)
		if atomic.CompareAndSwapUint64(&p.bitfield[word], old, next) {
			return
		}
	}
}

// IsAllocated reports whether slot idx is currently marked allocated.
func (p *Page) IsAllocated(idx uintptr) bool {
	word, bit := idx/64, idx%64
	return atomic.LoadUint64(&p.bitfield[word])&(uint64(1)<<bit) != 0
}

// IsFull reports whether every word of the bitfield is entirely
// allocated, i.e. no further object of any size could be placed.
func (p *Page) IsFull() bool {
	for i := range p.bitfield {
		if atomic.LoadUint64(&p.bitfield[i]) != ^uint64(0) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether every slot up to relevantBits is free.
func (p *Page) IsEmpty(relevantBits uintptr) bool {
	for i := range p.bitfield {
		lo, hi := uintptr(i)*64, uintptr(i+1)*64
		if relevantBits >= lo && relevantBits < hi {
			freeMask := (uint64(1) << (relevantBits - lo)) - 1
			return freeMask&atomic.LoadUint64(&p.bitfield[i]) == 0
		}
		if atomic.LoadUint64(&p.bitfield[i]) != 0 {
			return false
		}
	}
	return true
}

// firstFit finds the first free, correctly aligned slot of forSize
// bytes, the Go counterpart of Bitfield::first_fit.
func (p *Page) firstFit(forSize, align uintptr) (idx uintptr, address addr.VirtAddr, ok bool) {
	base := p.StartAddr().Value()
	for w := 0; w < bitfieldWords; w++ {
		word := atomic.LoadUint64(&p.bitfield[w])
		if word == ^uint64(0) {
			continue
		}
		firstFree := trailingZeros64(^word)
		candidate := uintptr(w)*64 + uintptr(firstFree)
		offset := candidate * forSize
		if offset > BufferSize-forSize {
			return 0, 0, false
		}
		a := base + offset
		if align != 0 && a%align != 0 {
			continue
		}
		if word&(uint64(1)<<uint(firstFree)) != 0 {
			continue
		}
		return candidate, addr.NewVirtAddr(a), true
	}
	return 0, 0, false
}

func trailingZeros64(v uint64) int {
	if v == 0 {
		return 64
	}
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

// Allocate claims the first free slot of forSize bytes aligned to
// align, marking it allocated.
func (p *Page) Allocate(forSize, align uintptr) (addr.VirtAddr, bool) {
	idx, a, ok := p.firstFit(forSize, align)
	if !ok {
		return 0, false
	}
	p.setBit(idx)
	return a, true
}

// Deallocate releases the slot at ptr, which was allocated with the
// given object size. It fails if ptr does not fall on a slot boundary
// within this page or the slot is not currently allocated.
func (p *Page) Deallocate(ptr addr.VirtAddr, forSize uintptr) error {
	offset := ptr.Value() - p.StartAddr().Value()
	if offset%forSize != 0 {
		return fmt.Errorf("%w: slab pointer %v is not aligned to object size %d", defs.ErrStructural, ptr, forSize)
	}
	idx := offset / forSize
	if !p.IsAllocated(idx) {
		return fmt.Errorf("%w: slab pointer %v is not marked allocated", defs.ErrInvariant, ptr)
	}
	p.clearBit(idx)
	return nil
}

// PageList is a singly linked list of slab Pages, the Go counterpart
// of pages.rs's PageList (minus the in-page Rawlink storage trick,
// unnecessary with real pointers).
type PageList struct {
	head     *Page
	elements int
}

// InsertFront links p at the head of the list.
func (l *PageList) InsertFront(p *Page) {
	p.next = l.head
	l.head = p
	l.elements++
}

// Pop removes and returns the page at the head of the list.
func (l *PageList) Pop() (*Page, bool) {
	if l.head == nil {
		return nil, false
	}
	p := l.head
	l.head = p.next
	p.next = nil
	l.elements--
	return p, true
}

// RemoveFromList unlinks and returns the page starting at addr, if
// present.
func (l *PageList) RemoveFromList(start addr.VirtAddr) (*Page, bool) {
	if l.head == nil {
		return nil, false
	}
	if l.head.StartAddr() == start {
		p := l.head
		l.head = p.next
		p.next = nil
		l.elements--
		return p, true
	}
	for cur := l.head; cur.next != nil; cur = cur.next {
		if cur.next.StartAddr() == start {
			found := cur.next
			cur.next = found.next
			found.next = nil
			l.elements--
			return found, true
		}
	}
	return nil, false
}

// Contains reports whether a page starting at addr is linked into the
// list.
func (l *PageList) Contains(start addr.VirtAddr) bool {
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.StartAddr() == start {
			return true
		}
	}
	return false
}

// find returns the page in the list whose 8 KiB data region contains
// ptr, if any.
func (l *PageList) find(ptr addr.VirtAddr) *Page {
	for cur := l.head; cur != nil; cur = cur.next {
		start := cur.StartAddr().Value()
		if ptr.Value() >= start && ptr.Value() < start+PageSize {
			return cur
		}
	}
	return nil
}

// IsEmpty reports whether the list holds no pages.
func (l *PageList) IsEmpty() bool { return l.elements == 0 }

// Len reports the number of pages linked into the list.
func (l *PageList) Len() int { return l.elements }

// Allocator is a fixed-object-size slab: a first-fit search over its
// linked slab pages, growing by one fresh Page on exhaustion. It plays
// the role slabmalloc's SCAllocator plays for one size class,
// simplified to a single page list rather than separate partial/full
// lists, a slab page count in the tens to low hundreds makes the
// linear scan on Allocate/Deallocate cheap enough that the
// partial/full split buys nothing here.
type Allocator struct {
	mu        sync.Mutex
	objSize   uintptr
	align     uintptr
	frames    *palloc.FrameAllocator
	pageAlloc *palloc.PageAllocator
	table     *mapped.PageTable
	pages     PageList
}

// NewAllocator returns a slab allocator for objects of the given size
// and alignment, growing its backing pages from frames/pageAlloc/table
// as needed.
func NewAllocator(objSize, align uintptr, frames *palloc.FrameAllocator, pageAlloc *palloc.PageAllocator, table *mapped.PageTable) *Allocator {
	return &Allocator{objSize: objSize, align: align, frames: frames, pageAlloc: pageAlloc, table: table}
}

// Allocate returns the address of a free, zero-initialized-on-demand
// object slot, growing the slab by one page if every existing page is
// full.
func (a *Allocator) Allocate() (addr.VirtAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for cur := a.pages.head; cur != nil; cur = cur.next {
		if v, ok := cur.Allocate(a.objSize, a.align); ok {
			return v, nil
		}
	}

	p, err := NewPage(a.frames, a.pageAlloc, a.table)
	if err != nil {
		return 0, err
	}
	p.Initialize(a.objSize)
	a.pages.InsertFront(p)

	v, ok := p.Allocate(a.objSize, a.align)
	if !ok {
		return 0, fmt.Errorf("%w: freshly initialized slab page has no room for a %d-byte object", defs.ErrBug, a.objSize)
	}
	return v, nil
}

// Deallocate releases the object at ptr, failing if ptr does not fall
// within any page this allocator owns.
func (a *Allocator) Deallocate(ptr addr.VirtAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.pages.find(ptr)
	if p == nil {
		return fmt.Errorf("%w: pointer %v does not belong to any page in this slab allocator", defs.ErrStructural, ptr)
	}
	return p.Deallocate(ptr, a.objSize)
}

// PageCount reports how many 8 KiB pages this allocator currently
// holds, backing capacity/utilization diagnostics.
func (a *Allocator) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages.Len()
}
