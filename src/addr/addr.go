// Package addr defines the strongly-typed virtual and physical address
// kinds, and the page/frame units derived from them.
// It is the typed foundation mem/mem.go's untyped Pa_t plays for
// biscuit, split into two non-interchangeable kinds the way
// Theseus's memory_structs crate keeps VirtualAddress and
// PhysicalAddress apart.
package addr

import (
	"fmt"

	"defs"
)

// PageShift is the base-2 exponent for the page size.
const PageShift uint = 12

// PageSize is the size of a single page/frame in bytes (4 KiB).
const PageSize uintptr = 1 << PageShift

// PageMask masks the in-page offset of an address.
const PageMask uintptr = PageSize - 1

// canonicalVirt sign-extends bit 47 into the upper 16 bits, per the
// x86-64 canonical address rule.
func canonicalVirt(v uintptr) uintptr {
	const signBit = uintptr(1) << 47
	if v&signBit != 0 {
		return v | ^(signBit<<1 - 1)
	}
	return v &^ (^uintptr(0) << 48)
}

func isCanonicalVirt(v uintptr) bool {
	return canonicalVirt(v) == v
}

// canonicalPhys masks a physical address down to 52 bits.
func canonicalPhys(p uintptr) uintptr {
	const mask = uintptr(1)<<52 - 1
	return p & mask
}

func isCanonicalPhys(p uintptr) bool {
	return p == canonicalPhys(p)
}

// satAdd adds delta to v, saturating at the uintptr range instead of
// wrapping.
func satAdd(v uintptr, delta int) uintptr {
	if delta >= 0 {
		d := uintptr(delta)
		if v > ^uintptr(0)-d {
			return ^uintptr(0)
		}
		return v + d
	}
	d := uintptr(-delta)
	if d > v {
		return 0
	}
	return v - d
}

// VirtAddr is a canonicalized x86-64 virtual address.
type VirtAddr uintptr

// NewVirtAddr constructs a VirtAddr, canonicalizing v by sign-extending
// bit 47 into the upper bits.
func NewVirtAddr(v uintptr) VirtAddr {
	return VirtAddr(canonicalVirt(v))
}

// CheckedVirtAddr constructs a VirtAddr, failing if v is not already
// canonical.
func CheckedVirtAddr(v uintptr) (VirtAddr, error) {
	if !isCanonicalVirt(v) {
		return 0, fmt.Errorf("%w: virtual address %#x is not canonical", defs.ErrStructural, v)
	}
	return VirtAddr(v), nil
}

// Value returns the raw address value.
func (v VirtAddr) Value() uintptr { return uintptr(v) }

// Add returns v+delta, saturating and re-canonicalizing.
func (v VirtAddr) Add(delta int) VirtAddr {
	return NewVirtAddr(satAdd(uintptr(v), delta))
}

// PageOffset returns the offset of v within its containing page.
func (v VirtAddr) PageOffset() uintptr { return uintptr(v) & PageMask }

func (v VirtAddr) String() string { return fmt.Sprintf("v%#016x", uintptr(v)) }

// PhysAddr is a canonicalized (52-bit) physical address.
type PhysAddr uintptr

// NewPhysAddr constructs a PhysAddr, masking p to 52 bits.
func NewPhysAddr(p uintptr) PhysAddr {
	return PhysAddr(canonicalPhys(p))
}

// CheckedPhysAddr constructs a PhysAddr, failing if p is not already
// canonical.
func CheckedPhysAddr(p uintptr) (PhysAddr, error) {
	if !isCanonicalPhys(p) {
		return 0, fmt.Errorf("%w: physical address %#x is not canonical", defs.ErrStructural, p)
	}
	return PhysAddr(p), nil
}

// Value returns the raw address value.
func (p PhysAddr) Value() uintptr { return uintptr(p) }

// Add returns p+delta, saturating and re-canonicalizing.
func (p PhysAddr) Add(delta int) PhysAddr {
	return NewPhysAddr(satAdd(uintptr(p), delta))
}

// PageOffset returns the offset of p within its containing frame.
func (p PhysAddr) PageOffset() uintptr { return uintptr(p) & PageMask }

func (p PhysAddr) String() string { return fmt.Sprintf("p%#016x", uintptr(p)) }
