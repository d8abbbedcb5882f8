package addr

import (
	"errors"
	"testing"

	"defs"
)

func TestCanonicalVirt(t *testing.T) {
	cases := []struct {
		in   uintptr
		want uintptr
	}{
		{0, 0},
		{0x0000_7fff_ffff_ffff, 0x0000_7fff_ffff_ffff},
		{0x0000_8000_0000_0000, 0xffff_8000_0000_0000},
		{0xffff_8000_0000_0000, 0xffff_8000_0000_0000},
	}
	for _, c := range cases {
		if got := canonicalVirt(c.in); got != c.want {
			t.Errorf("canonicalVirt(%#x) = %#x; want %#x", c.in, got, c.want)
		}
	}
}

func TestCheckedVirtAddrRejectsNonCanonical(t *testing.T) {
	_, err := CheckedVirtAddr(0x0001_0000_0000_0000)
	if !errors.Is(err, defs.ErrStructural) {
		t.Fatalf("CheckedVirtAddr(non-canonical) error = %v; want wrapping %v", err, defs.ErrStructural)
	}
}

func TestCheckedVirtAddrAcceptsCanonical(t *testing.T) {
	v, err := CheckedVirtAddr(0x0000_7fff_0000_1000)
	if err != nil {
		t.Fatalf("CheckedVirtAddr(canonical) returned unexpected error: %v", err)
	}
	if v.Value() != 0x0000_7fff_0000_1000 {
		t.Errorf("Value() = %#x; want %#x", v.Value(), 0x0000_7fff_0000_1000)
	}
}

func TestVirtAddrPageOffset(t *testing.T) {
	v := NewVirtAddr(0x1000 + 0x123)
	if got := v.PageOffset(); got != 0x123 {
		t.Errorf("PageOffset() = %#x; want %#x", got, 0x123)
	}
}

func TestPhysAddrCanonicalization(t *testing.T) {
	p := NewPhysAddr(uintptr(1) << 60)
	if p.Value() != 0 {
		t.Errorf("NewPhysAddr should mask bits above 52; got %#x", p.Value())
	}
}

func TestSatAdd(t *testing.T) {
	if got := satAdd(5, -10); got != 0 {
		t.Errorf("satAdd(5, -10) = %d; want 0", got)
	}
	max := ^uintptr(0)
	if got := satAdd(max, 1); got != max {
		t.Errorf("satAdd(max, 1) = %#x; want %#x", got, max)
	}
}

func TestPageFrameRoundTrip(t *testing.T) {
	v := NewVirtAddr(7 * PageSize)
	if pg := PageFromAddr(v); pg.Addr() != v {
		t.Errorf("PageFromAddr(v).Addr() = %v; want %v", pg.Addr(), v)
	}
	p := NewPhysAddr(7 * PageSize)
	if fr := FrameFromAddr(p); fr.Addr() != p {
		t.Errorf("FrameFromAddr(p).Addr() = %v; want %v", fr.Addr(), p)
	}
}

func TestPageRangeContainsAndOffset(t *testing.T) {
	r, err := NewPageRange(Page(4), Page(8))
	if err != nil {
		t.Fatalf("NewPageRange returned unexpected error: %v", err)
	}
	if r.SizeInPages() != 5 {
		t.Errorf("SizeInPages() = %d; want 5", r.SizeInPages())
	}
	inside := Page(6).Addr()
	if !r.Contains(inside) {
		t.Errorf("Contains(%v) = false; want true", inside)
	}
	off, ok := r.OffsetOf(inside)
	if !ok || off != 2*PageSize {
		t.Errorf("OffsetOf(%v) = (%d, %v); want (%d, true)", inside, off, ok, 2*PageSize)
	}
	outside := Page(20).Addr()
	if r.Contains(outside) {
		t.Errorf("Contains(%v) = true; want false", outside)
	}
}

func TestPageRangeOverlap(t *testing.T) {
	a, _ := NewPageRange(Page(0), Page(10))
	b, _ := NewPageRange(Page(5), Page(15))
	got, ok := a.Overlap(b)
	if !ok {
		t.Fatalf("Overlap() = false; want true")
	}
	if got.Start != 5 || got.End != 10 {
		t.Errorf("Overlap() = [%d,%d]; want [5,10]", got.Start, got.End)
	}

	c, _ := NewPageRange(Page(20), Page(30))
	if _, ok := a.Overlap(c); ok {
		t.Errorf("Overlap() of disjoint ranges = true; want false")
	}
}

func TestPageRangeSplit(t *testing.T) {
	r, _ := NewPageRange(Page(0), Page(9))
	lo, hi, err := r.Split(Page(4))
	if err != nil {
		t.Fatalf("Split returned unexpected error: %v", err)
	}
	if lo.Start != 0 || lo.End != 3 || hi.Start != 4 || hi.End != 9 {
		t.Errorf("Split(4) = [%d,%d]/[%d,%d]; want [0,3]/[4,9]", lo.Start, lo.End, hi.Start, hi.End)
	}

	if _, _, err := r.Split(Page(0)); !errors.Is(err, defs.ErrInvariant) {
		t.Errorf("Split(start) error = %v; want wrapping %v", err, defs.ErrInvariant)
	}
	if _, _, err := r.Split(Page(20)); !errors.Is(err, defs.ErrInvariant) {
		t.Errorf("Split(out of range) error = %v; want wrapping %v", err, defs.ErrInvariant)
	}
}

func TestFrameRangeFromPhysAddr(t *testing.T) {
	r, err := FrameRangeFromPhysAddr(PhysAddr(0), 3*PageSize)
	if err != nil {
		t.Fatalf("FrameRangeFromPhysAddr returned unexpected error: %v", err)
	}
	if r.SizeInFrames() != 3 {
		t.Errorf("SizeInFrames() = %d; want 3", r.SizeInFrames())
	}
	if _, err := FrameRangeFromPhysAddr(PhysAddr(0), 0); !errors.Is(err, defs.ErrStructural) {
		t.Errorf("FrameRangeFromPhysAddr(size=0) error = %v; want wrapping %v", err, defs.ErrStructural)
	}
}
