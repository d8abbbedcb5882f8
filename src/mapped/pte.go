package mapped

import (
	"fmt"
	"sync"

	"addr"
	"defs"
)

// Flags is an architecture-neutral protection/caching bitset,
// translated here to the simulated x86-64 PTE bit layout mem.go's
// PTE_P/PTE_W/PTE_U/PTE_PCD/PTE_G constants model. FlagExclusive has no
// hardware PTE bit of its own: it is a software-only accounting bit,
// the same convention vm/as.go's PTE_COW occupies, recording whether a
// MappedPages uniquely owns its backing frames. Nothing in this package
// consults it: Unmap tears down the translation only and returns no
// frames to the frame allocator.
type Flags uint

const (
	FlagPresent Flags = 1 << iota
	FlagWritable
	FlagUser
	FlagNoExec
	FlagCacheable
	FlagGlobal
	FlagExclusive
)

// Has reports whether f contains every bit of want.
func (f Flags) Has(want Flags) bool { return f&want == want }

// entry is one page-table row: the frame it maps to and its flags.
type entry struct {
	frame addr.Frame
	flags Flags
}

// AllocatedPages is an owned, exclusive range of virtual pages. Its
// presence is the caller's proof that no other owner can map that
// range; PageTable.Map consumes one and returns a MappedPages,
// modeling the same linear hand-off AllocatedPages::new does in
// Theseus's page_allocator crate.
type AllocatedPages struct {
	pages addr.PageRange
}

// AllocatedFrames is the matching owned range of physical frames prior
// to being mapped.
type AllocatedFrames struct {
	frames addr.FrameRange
}

// NewAllocatedPages wraps a page range as an owned, as-yet-unmapped
// allocation.
func NewAllocatedPages(r addr.PageRange) AllocatedPages { return AllocatedPages{pages: r} }

// NewAllocatedFrames wraps a frame range as an owned, as-yet-unmapped
// allocation.
func NewAllocatedFrames(r addr.FrameRange) AllocatedFrames { return AllocatedFrames{frames: r} }

// Pages returns the underlying page range.
func (a AllocatedPages) Pages() addr.PageRange { return a.pages }

// Frames returns the underlying frame range.
func (a AllocatedFrames) Frames() addr.FrameRange { return a.frames }

// MappedPages is a live virtual-to-physical mapping. Holding one is
// the only way any other package in the tree is permitted to read or
// write the mapped frames; there is no raw pointer escape hatch.
type MappedPages struct {
	table  *PageTable
	pages  addr.PageRange
	frames addr.FrameRange
	flags  Flags
}

// Pages returns the virtual range mapped.
func (m MappedPages) Pages() addr.PageRange { return m.pages }

// Frames returns the physical range backing the mapping.
func (m MappedPages) Frames() addr.FrameRange { return m.frames }

// Flags returns the protection flags the mapping was created with.
func (m MappedPages) Flags() Flags { return m.flags }

// AsSlice returns the live bytes backing page p within this mapping.
// It fails if p does not fall within the mapped range.
func (m MappedPages) AsSlice(p addr.Page) ([]byte, error) {
	if !m.pages.Contains(p.Addr()) {
		return nil, fmt.Errorf("%w: page %v not within mapped range [%v,%v]", defs.ErrStructural, p, m.pages.Start, m.pages.End)
	}
	off := uintptr(p - m.pages.Start)
	frame := m.frames.Start + addr.Frame(off)
	return m.table.arena.Bytes(frame), nil
}

// Unmap removes this mapping's translations from its table and hands
// the page and frame ranges back to the caller as AllocatedPages and
// AllocatedFrames; it does not release them to any allocator. The
// caller must not use m after this call.
func (m *MappedPages) Unmap() (AllocatedPages, AllocatedFrames) {
	m.table.unmap(m.pages)
	pages, frames := m.pages, m.frames
	m.pages = addr.PageRange{}
	m.frames = addr.FrameRange{}
	return AllocatedPages{pages: pages}, AllocatedFrames{frames: frames}
}

// TLBShooter flushes stale translations for a page range after a
// mapping's flags change, the collaborator vm/as.go's Tlbshoot plays
// for a real multi-CPU TLB. mapped only defines the interface and the
// single-CPU no-op below; a real shootdown (IPI-based, as Tlbshoot
// does) is the scheduler collaborator's responsibility per §6.3.
type TLBShooter interface {
	Shootdown(pages addr.PageRange)
}

// NoOpTLBShooter satisfies TLBShooter without flushing anything,
// correct on a single logical CPU where there is no other core's TLB
// to go stale.
type NoOpTLBShooter struct{}

// Shootdown does nothing.
func (NoOpTLBShooter) Shootdown(addr.PageRange) {}

// PageTable is the simulated translation structure: a lock-protected
// map from Page to its entry, playing the role mem.go's recursively
// mapped Pmap_t tree plays for real hardware. Remap/Unmap mutate this
// map instead of walking PML4/PDPT/PD/PT levels. It only records
// translations; it never allocates the virtual pages it is given,
// that is a palloc.PageAllocator's job, kept strictly separate from
// the frame allocator per the data model's allocator distinction.
type PageTable struct {
	mu      sync.RWMutex
	arena   *Arena
	entries map[addr.Page]entry
	shooter TLBShooter
}

// NewPageTable creates an empty table backed by arena, defaulting its
// TLB shootdown collaborator to NoOpTLBShooter.
func NewPageTable(arena *Arena) *PageTable {
	return &PageTable{
		arena:   arena,
		entries: make(map[addr.Page]entry),
		shooter: NoOpTLBShooter{},
	}
}

// SetTLBShooter installs the collaborator Remap flushes through after
// rewriting flags. Passing nil restores the no-op shooter.
func (t *PageTable) SetTLBShooter(shooter TLBShooter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if shooter == nil {
		shooter = NoOpTLBShooter{}
	}
	t.shooter = shooter
}

// Map installs a mapping from pages to frames with the given flags,
// consuming both owned ranges and returning the resulting MappedPages.
// It fails if the two ranges differ in size or any page in pages is
// already mapped.
func (t *PageTable) Map(pages AllocatedPages, frames AllocatedFrames, flags Flags) (MappedPages, error) {
	if pages.pages.SizeInPages() != frames.frames.SizeInFrames() {
		return MappedPages{}, fmt.Errorf("%w: page range of %d pages does not match frame range of %d frames", defs.ErrStructural, pages.pages.SizeInPages(), frames.frames.SizeInFrames())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for p := pages.pages.Start; p <= pages.pages.End; p++ {
		if _, exists := t.entries[p]; exists {
			return MappedPages{}, fmt.Errorf("%w: page %v is already mapped", defs.ErrInvariant, p)
		}
	}

	for p := pages.pages.Start; p <= pages.pages.End; p++ {
		off := uintptr(p - pages.pages.Start)
		t.entries[p] = entry{frame: frames.frames.Start + addr.Frame(off), flags: flags | FlagPresent}
	}

	return MappedPages{table: t, pages: pages.pages, frames: frames.frames, flags: flags | FlagPresent}, nil
}

func (t *PageTable) unmap(pages addr.PageRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := pages.Start; p <= pages.End; p++ {
		delete(t.entries, p)
	}
}

// Translate returns the frame and flags page p currently maps to.
func (t *PageTable) Translate(p addr.Page) (addr.Frame, Flags, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[p]
	return e.frame, e.flags, ok
}

// Remap changes the flags of an existing mapping covering m's pages
// without altering its frame backing, the way Theseus's
// MappedPages::remap adjusts protection bits in place.
func (t *PageTable) Remap(m *MappedPages, flags Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := m.pages.Start; p <= m.pages.End; p++ {
		e, ok := t.entries[p]
		if !ok {
			return fmt.Errorf("%w: page %v is not mapped", defs.ErrStructural, p)
		}
		e.flags = flags | FlagPresent
		t.entries[p] = e
	}
	m.flags = flags | FlagPresent
	t.shooter.Shootdown(m.pages)
	return nil
}

// TemporaryPage borrows one fixed scratch page in the table to map an
// arbitrary frame for the duration of a short-lived operation,
// zeroing a freshly allocated frame, or inspecting an ELF section
// before its permanent mapping exists, until Unmap tears it down. This
// plays the role Theseus's temporary "recursive" entry in P4 plays
// when bootstrapping a new address space before it is switched to.
type TemporaryPage struct {
	table *PageTable
	page  addr.Page
	mapped bool
}

// NewTemporaryPage reserves page as the scratch slot for table. The
// caller must ensure page is not otherwise mapped.
func NewTemporaryPage(table *PageTable, page addr.Page) *TemporaryPage {
	return &TemporaryPage{table: table, page: page}
}

// Map installs a temporary mapping of frame into the scratch page and
// returns its live bytes.
func (tp *TemporaryPage) Map(frame addr.Frame, flags Flags) ([]byte, error) {
	pages := NewAllocatedPages(addr.PageRange{Start: tp.page, End: tp.page})
	frames := NewAllocatedFrames(addr.FrameRange{Start: frame, End: frame})
	m, err := tp.table.Map(pages, frames, flags)
	if err != nil {
		return nil, err
	}
	tp.mapped = true
	return m.AsSlice(tp.page)
}

// Unmap tears down the scratch mapping if one is active.
func (tp *TemporaryPage) Unmap() {
	if !tp.mapped {
		return
	}
	tp.table.unmap(addr.PageRange{Start: tp.page, End: tp.page})
	tp.mapped = false
}
