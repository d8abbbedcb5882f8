package section

import (
	"errors"
	"testing"

	"addr"
	"defs"
	"mapped"
)

func newTestSection(t *testing.T) *Section {
	t.Helper()
	arena, err := mapped.NewArena(2)
	if err != nil {
		t.Fatalf("NewArena returned unexpected error: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	table := mapped.NewPageTable(arena)
	pages := mapped.NewAllocatedPages(addr.PageRange{Start: addr.Page(0), End: addr.Page(0)})
	frames := mapped.NewAllocatedFrames(addr.FrameRange{Start: addr.Frame(0), End: addr.Frame(0)})
	mp, err := table.Map(pages, frames, mapped.FlagWritable)
	if err != nil {
		t.Fatalf("Map returned unexpected error: %v", err)
	}
	return NewSection(".text.foo", Text, addr.NewVirtAddr(0), addr.PageSize, 0, mp)
}

func TestStrongCloneIncrementsCount(t *testing.T) {
	sec := newTestSection(t)
	a := NewStrong(sec)
	if a.StrongCount() != 1 {
		t.Fatalf("StrongCount() = %d; want 1", a.StrongCount())
	}
	b := a.Clone()
	if a.StrongCount() != 2 {
		t.Errorf("StrongCount() after Clone = %d; want 2", a.StrongCount())
	}
	b.Drop()
	if a.StrongCount() != 1 {
		t.Errorf("StrongCount() after Drop = %d; want 1", a.StrongCount())
	}
}

func TestWeakUpgradeSucceedsWhileStrongAlive(t *testing.T) {
	sec := newTestSection(t)
	strong := NewStrong(sec)
	weak := strong.Downgrade()

	upgraded, err := weak.Upgrade()
	if err != nil {
		t.Fatalf("Upgrade returned unexpected error: %v", err)
	}
	if upgraded.Section() != sec {
		t.Errorf("Upgrade() returned a handle to a different section")
	}
}

func TestWeakUpgradeFailsAfterLastStrongDropped(t *testing.T) {
	sec := newTestSection(t)
	strong := NewStrong(sec)
	weak := strong.Downgrade()

	strong.Drop()

	if _, err := weak.Upgrade(); !errors.Is(err, defs.ErrUnresolved) {
		t.Errorf("Upgrade() after last Strong dropped error = %v; want wrapping %v", err, defs.ErrUnresolved)
	}
}

func TestSectionDereferenceForExecution(t *testing.T) {
	sec := newTestSection(t)
	err := sec.WithMappedPages(func(mp *mapped.MappedPages) error {
		b, err := mp.AsSlice(addr.Page(0))
		if err != nil {
			return err
		}
		b[0] = 0xEF
		return nil
	})
	if err != nil {
		t.Fatalf("WithMappedPages returned unexpected error: %v", err)
	}
}
