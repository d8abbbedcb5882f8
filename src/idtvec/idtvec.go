// Package idtvec hands out IDT vectors for device interrupts (the
// 0x20-0xFE range reserved for MSI/MSI-X and legacy IRQ routing,
// vectors below 0x20 being reserved for CPU exceptions and 0xFF for
// the local APIC spurious vector). It generalizes msi.go's fixed
// eight-vector pool to the full device range, keeping the same
// allocate-from-a-set/free-back-into-the-set shape.
package idtvec

import (
	"fmt"
	"sync"

	"defs"
)

// Vector is an IDT vector number.
type Vector uint8

const (
	// FirstDeviceVector is the lowest vector available for device use;
	// everything below is reserved for CPU exceptions (0x00-0x1F).
	FirstDeviceVector Vector = 0x20
	// LastDeviceVector is the highest vector available for device use;
	// 0xFF is reserved for the local APIC spurious-interrupt vector.
	LastDeviceVector Vector = 0xFE
)

// Pool tracks which device vectors are currently allocated.
type Pool struct {
	mu    sync.Mutex
	avail map[Vector]bool
}

// NewPool returns a pool pre-populated with every vector in
// [FirstDeviceVector, LastDeviceVector].
func NewPool() *Pool {
	p := &Pool{avail: make(map[Vector]bool, int(LastDeviceVector-FirstDeviceVector)+1)}
	for v := FirstDeviceVector; v <= LastDeviceVector; v++ {
		p.avail[v] = true
	}
	return p
}

// Alloc removes and returns any one available vector. It fails with
// defs.ErrExhausted once every vector in the range is in use.
func (p *Pool) Alloc() (Vector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for v := range p.avail {
		delete(p.avail, v)
		return v, nil
	}
	return 0, fmt.Errorf("%w: no device IDT vectors remain in [%#x,%#x]", defs.ErrExhausted, FirstDeviceVector, LastDeviceVector)
}

// AllocAt removes and returns a specific vector, for drivers pinned to
// a fixed legacy IRQ line. It fails if v is outside the device range
// or already allocated.
func (p *Pool) AllocAt(v Vector) error {
	if v < FirstDeviceVector || v > LastDeviceVector {
		return fmt.Errorf("%w: vector %#x outside device range [%#x,%#x]", defs.ErrStructural, v, FirstDeviceVector, LastDeviceVector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.avail[v] {
		return fmt.Errorf("%w: vector %#x already allocated", defs.ErrInvariant, v)
	}
	delete(p.avail, v)
	return nil
}

// Free returns vector to the pool. It fails (mirroring msi.go's
// double-free panic, but as a returned error instead of a panic, since
// a hosted allocator is expected to reject misuse rather than bring
// down the process) if v is outside the device range or not currently
// allocated.
func (p *Pool) Free(v Vector) error {
	if v < FirstDeviceVector || v > LastDeviceVector {
		return fmt.Errorf("%w: vector %#x outside device range [%#x,%#x]", defs.ErrStructural, v, FirstDeviceVector, LastDeviceVector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.avail[v] {
		return fmt.Errorf("%w: vector %#x is already free", defs.ErrInvariant, v)
	}
	p.avail[v] = true
	return nil
}

// Available reports how many vectors remain unallocated.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.avail)
}
