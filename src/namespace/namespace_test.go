package namespace

import (
	"errors"
	"testing"

	"addr"
	"defs"
	"mapped"
	"section"
)

func newWeak(t *testing.T, name string, pageNum addr.Page, frameNum addr.Frame) section.Weak {
	t.Helper()
	arena, err := mapped.NewArena(8)
	if err != nil {
		t.Fatalf("NewArena returned unexpected error: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	table := mapped.NewPageTable(arena)
	pages := mapped.NewAllocatedPages(addr.PageRange{Start: pageNum, End: pageNum})
	frames := mapped.NewAllocatedFrames(addr.FrameRange{Start: frameNum, End: frameNum})
	mp, err := table.Map(pages, frames, mapped.FlagWritable)
	if err != nil {
		t.Fatalf("Map returned unexpected error: %v", err)
	}
	sec := section.NewSection(name, section.Text, addr.NewVirtAddr(0), addr.PageSize, 0, mp)
	strong := section.NewStrong(sec)
	return strong.Downgrade()
}

func TestResolveExactMatch(t *testing.T) {
	ns := New("k#test", false)
	w := newWeak(t, "k#foo::bar", addr.Page(0), addr.Frame(0))
	if err := ns.AddSymbol("k#foo::bar::baz", w); err != nil {
		t.Fatalf("AddSymbol returned unexpected error: %v", err)
	}

	if _, err := ns.Resolve("k#foo::bar::baz"); err != nil {
		t.Errorf("Resolve(exact) returned unexpected error: %v", err)
	}
}

func TestResolveFuzzyRequiresUniqueMatch(t *testing.T) {
	ns := New("k#test", true)
	ns.AddSymbol("k#foo::bar::baz", newWeak(t, "a", addr.Page(0), addr.Frame(0)))

	w, err := ns.Resolve("k#foo::bar")
	if err != nil {
		t.Fatalf("Resolve(unique prefix) returned unexpected error: %v", err)
	}
	_ = w

	ns.AddSymbol("k#foo::bar::qux", newWeak(t, "b", addr.Page(1), addr.Frame(1)))
	if _, err := ns.Resolve("k#foo::bar"); !errors.Is(err, defs.ErrInvariant) {
		t.Errorf("Resolve(ambiguous prefix) error = %v; want wrapping %v", err, defs.ErrInvariant)
	}
}

func TestResolveFuzzyDisabledByDefault(t *testing.T) {
	ns := New("k#test", false)
	ns.AddSymbol("k#foo::bar::baz", newWeak(t, "a", addr.Page(0), addr.Frame(0)))

	if _, err := ns.Resolve("k#foo::bar"); !errors.Is(err, defs.ErrUnresolved) {
		t.Errorf("Resolve(prefix, fuzzy disabled) error = %v; want wrapping %v", err, defs.ErrUnresolved)
	}
}

func TestResolveFallsBackToParent(t *testing.T) {
	parent := New("k#parent", false)
	parent.AddSymbol("k#shared::sym", newWeak(t, "a", addr.Page(0), addr.Frame(0)))

	child := New("k#child", false)
	child.Parent = parent

	if _, err := child.Resolve("k#shared::sym"); err != nil {
		t.Errorf("Resolve via parent returned unexpected error: %v", err)
	}
}

func TestResolvePrefersExactParentOverFuzzyLocal(t *testing.T) {
	parent := New("k#parent", false)
	exact := newWeak(t, "a", addr.Page(0), addr.Frame(0))
	parent.AddSymbol("k#foo::bar", exact)

	child := New("k#child", true)
	child.Parent = parent
	child.AddSymbol("k#foo::bar::baz", newWeak(t, "b", addr.Page(1), addr.Frame(1)))

	w, err := child.Resolve("k#foo::bar")
	if err != nil {
		t.Fatalf("Resolve returned unexpected error: %v", err)
	}
	if w != exact {
		t.Errorf("Resolve(%q) returned the local fuzzy match; want the parent's exact match", "k#foo::bar")
	}
}

func TestAddSymbolRejectsDuplicate(t *testing.T) {
	ns := New("k#test", false)
	w := newWeak(t, "a", addr.Page(0), addr.Frame(0))
	if err := ns.AddSymbol("dup", w); err != nil {
		t.Fatalf("first AddSymbol returned unexpected error: %v", err)
	}
	if err := ns.AddSymbol("dup", w); !errors.Is(err, defs.ErrInvariant) {
		t.Errorf("duplicate AddSymbol error = %v; want wrapping %v", err, defs.ErrInvariant)
	}
}

func TestResolveDemangledMatchesManagedNames(t *testing.T) {
	ns := New("k#test", false)
	mangled := "_ZN4core3fmt5Write9write_fmt17h1234567890abcdefE"
	ns.AddSymbol(mangled, newWeak(t, "a", addr.Page(0), addr.Frame(0)))

	if _, err := ns.ResolveDemangled(mangled); err != nil {
		t.Errorf("ResolveDemangled(same mangled name) returned unexpected error: %v", err)
	}
}
