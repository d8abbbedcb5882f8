package slab

import (
	"errors"
	"testing"

	"addr"
	"defs"
	"mapped"
	"palloc"
)

func newHarness(t *testing.T) (*palloc.FrameAllocator, *palloc.PageAllocator, *mapped.PageTable) {
	t.Helper()
	const frameCount = 16
	arena, err := mapped.NewArena(frameCount)
	if err != nil {
		t.Fatalf("NewArena returned unexpected error: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	frames := palloc.NewFrameAllocator(addr.Frame(0), frameCount)
	pages := palloc.NewPageAllocator(addr.Page(0), frameCount)
	table := mapped.NewPageTable(arena)
	return frames, pages, table
}

func TestNewPageIsAligned(t *testing.T) {
	frames, pages, table := newHarness(t)
	p, err := NewPage(frames, pages, table)
	if err != nil {
		t.Fatalf("NewPage returned unexpected error: %v", err)
	}
	if p.StartAddr().Value()%addr.PageSize != 0 {
		t.Errorf("page start %v is not frame-aligned", p.StartAddr())
	}
}

func TestPageAllocateAndDeallocate(t *testing.T) {
	frames, pages, table := newHarness(t)
	p, err := NewPage(frames, pages, table)
	if err != nil {
		t.Fatalf("NewPage returned unexpected error: %v", err)
	}
	p.Initialize(64)

	a, ok := p.Allocate(64, 8)
	if !ok {
		t.Fatalf("Allocate returned ok=false on a fresh page")
	}
	if a.Value() != p.StartAddr().Value() {
		t.Errorf("first allocation = %v; want the page's start address", a)
	}

	b, ok := p.Allocate(64, 8)
	if !ok {
		t.Fatalf("second Allocate returned ok=false")
	}
	if b.Value() != a.Value()+64 {
		t.Errorf("second allocation = %v; want %v", b, a.Value()+64)
	}

	if err := p.Deallocate(a, 64); err != nil {
		t.Fatalf("Deallocate returned unexpected error: %v", err)
	}
	if err := p.Deallocate(a, 64); !errors.Is(err, defs.ErrInvariant) {
		t.Errorf("second Deallocate of the same slot = %v; want ErrInvariant", err)
	}
}

func TestPageAllocateFailsWhenExhausted(t *testing.T) {
	frames, pages, table := newHarness(t)
	p, err := NewPage(frames, pages, table)
	if err != nil {
		t.Fatalf("NewPage returned unexpected error: %v", err)
	}
	const objSize = 4096
	p.Initialize(objSize)

	count := 0
	for {
		if _, ok := p.Allocate(objSize, 1); !ok {
			break
		}
		count++
		if count > 10 {
			t.Fatalf("Allocate did not exhaust a page sized for 1 object")
		}
	}
	if count != int(BufferSize/objSize) {
		t.Errorf("allocated %d objects of size %d; want %d", count, objSize, BufferSize/objSize)
	}
	if !p.IsFull() {
		t.Errorf("IsFull() = false after exhausting every slot")
	}
}

func TestPageListInsertPopRemove(t *testing.T) {
	frames, pages, table := newHarness(t)
	var list PageList

	p1, _ := NewPage(frames, pages, table)
	p2, _ := NewPage(frames, pages, table)
	list.InsertFront(p1)
	list.InsertFront(p2)

	if list.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", list.Len())
	}
	if !list.Contains(p1.StartAddr()) || !list.Contains(p2.StartAddr()) {
		t.Fatalf("Contains missing a page that was inserted")
	}

	removed, ok := list.RemoveFromList(p1.StartAddr())
	if !ok || removed != p1 {
		t.Fatalf("RemoveFromList(p1) = %v, %v; want p1, true", removed, ok)
	}
	if list.Contains(p1.StartAddr()) {
		t.Errorf("list still contains p1 after removal")
	}

	head, ok := list.Pop()
	if !ok || head != p2 {
		t.Fatalf("Pop() = %v, %v; want p2, true", head, ok)
	}
	if !list.IsEmpty() {
		t.Errorf("IsEmpty() = false after popping every page")
	}
}

func TestAllocatorGrowsAndReusesFreedSlots(t *testing.T) {
	frames, pages, table := newHarness(t)
	a := NewAllocator(4096, 8, frames, pages, table)

	first, err := a.Allocate()
	if err != nil {
		t.Fatalf("first Allocate returned unexpected error: %v", err)
	}
	second, err := a.Allocate()
	if err != nil {
		t.Fatalf("second Allocate returned unexpected error: %v", err)
	}
	if a.PageCount() != 2 {
		t.Fatalf("PageCount() = %d; want 2 (an 8 KiB page's BufferSize holds one 4096-byte object)", a.PageCount())
	}

	// A third object of this size forces a third page.
	third, err := a.Allocate()
	if err != nil {
		t.Fatalf("third Allocate returned unexpected error: %v", err)
	}
	if a.PageCount() != 3 {
		t.Errorf("PageCount() = %d; want 3 after exhausting the second page", a.PageCount())
	}

	if err := a.Deallocate(first); err != nil {
		t.Fatalf("Deallocate returned unexpected error: %v", err)
	}
	if err := a.Deallocate(second); err != nil {
		t.Fatalf("Deallocate returned unexpected error: %v", err)
	}
	if err := a.Deallocate(third); err != nil {
		t.Fatalf("Deallocate returned unexpected error: %v", err)
	}

	// Every slot is free again, so the next object reuses one instead
	// of growing the page list.
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("Allocate after freeing returned unexpected error: %v", err)
	}
	if a.PageCount() != 3 {
		t.Errorf("PageCount() = %d; want 3 (a freed slot is reused)", a.PageCount())
	}
}

func TestAllocatorDeallocateRejectsForeignPointer(t *testing.T) {
	frames, pages, table := newHarness(t)
	a := NewAllocator(64, 8, frames, pages, table)
	if err := a.Deallocate(addr.NewVirtAddr(0xdeadbeef)); !errors.Is(err, defs.ErrStructural) {
		t.Errorf("Deallocate on a foreign pointer = %v; want ErrStructural", err)
	}
}
