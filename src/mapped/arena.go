// Package mapped is the virtual-memory ownership layer: it types a
// mapped virtual-page range so that a MappedPages value statically
// proves the caller holds a live mapping, the way Theseus's
// memory_structs::MappedPages proves it through the borrow checker.
// Since this tree runs hosted rather than owning real page tables, the
// "physical memory" backing every Frame is one big anonymous mmap
// arena (Arena), and the PageTable type is an explicit Go map from
// Page to Frame plus flags rather than a walked x86-64 page-table
// tree, the same direct-map trick mem.Dmap_init installs via the
// VDIRECT recursive-mapping slot, minus the real hardware.
package mapped

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"addr"
	"defs"
)

// Arena is a flat slab of host memory standing in for all physical
// RAM. Frame f's bytes live at arena[f*PageSize : f*PageSize+PageSize].
type Arena struct {
	mu    sync.Mutex
	bytes []byte
}

// NewArena reserves an anonymous mapping of frameCount*PageSize bytes
// via mmap, mirroring mem/dmap.go's direct-map region but sized to fit
// a hosted process instead of all physical RAM.
func NewArena(frameCount int) (*Arena, error) {
	size := frameCount * int(addr.PageSize)
	if size <= 0 {
		return nil, fmt.Errorf("%w: arena size must be positive", defs.ErrInvariant)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap arena: %v", defs.ErrExhausted, err)
	}
	return &Arena{bytes: b}, nil
}

// Close releases the arena's backing mapping.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bytes == nil {
		return nil
	}
	err := unix.Munmap(a.bytes)
	a.bytes = nil
	return err
}

// Bytes returns the byte slice backing frame f, which is valid for
// exactly PageSize bytes.
func (a *Arena) Bytes(f addr.Frame) []byte {
	off := uintptr(f) * addr.PageSize
	return a.bytes[off : off+addr.PageSize]
}

// Len reports how many frames the arena holds.
func (a *Arena) Len() int { return len(a.bytes) / int(addr.PageSize) }
