// Package tls builds the per-task Thread-Local Storage and
// Cpu-Local Storage data image a newly spawned task's FS base register
// is pointed at. It plays the role tinfo.Tnote_t plays for per-thread
// scheduler state, but for the data a crate's TLS/CLS variables live
// in rather than scheduler bookkeeping: one Initializer accumulates
// every TLS section contributed by the statically-linked base image
// and by dynamically loaded crates, and GetData stamps out a private
// copy for each task.
//
// Offsets are tracked with a small sorted slice instead of a
// general-purpose interval map; a kernel's TLS section count is in the
// tens, not the thousands, so linear insertion is adequate and keeps
// this package dependency-free.
package tls

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"addr"
	"defs"
	"section"
)

// selfPointerSize is the width of the x86-64 TLS self pointer stored
// at offset endStatic of every TLS image, between the static and the
// dynamic sections (FS base points here).
const selfPointerSize = unsafe.Sizeof(uintptr(0))

type cacheStatus int

const (
	invalidated cacheStatus = iota
	fresh
)

// entry is one section placed within a TLS area at a fixed byte
// offset.
type entry struct {
	offset uintptr
	size   uintptr
	sec    *section.Section
	isData bool // true for .tdata/.cls (has initializer bytes); false for .tbss
}

// Initializer accumulates TLS/CLS sections and produces a data image
// a task's TLS area can be initialized from. The zero value is not
// usable; construct with New.
type Initializer struct {
	mu sync.Mutex

	static    []entry
	endStatic uintptr

	dynamic    []entry
	endDynamic uintptr

	cache  []byte
	status cacheStatus
}

// New returns an empty TLS initializer with no sections.
func New() *Initializer {
	return &Initializer{status: invalidated}
}

// AddExistingStatic records a TLS section whose offset was fixed at
// link time in the base kernel image. On x86_64, static sections sit
// at negative offsets from the TLS self pointer, so the section's
// final virtual-address value is computed as
// -(totalStaticSize - offset). It fails if the section's range
// overlaps one already recorded.
func (ti *Initializer) AddExistingStatic(sec *section.Section, offset, totalStaticSize uintptr) (addr.VirtAddr, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	end := offset + sec.Size
	for _, e := range ti.static {
		if offset < e.offset+e.size && e.offset < end {
			return 0, fmt.Errorf("%w: static TLS section %q at offset %d overlaps existing section %q", defs.ErrInvariant, sec.Name, offset, e.sec.Name)
		}
	}

	va := addr.NewVirtAddr(uintptr(0) - (totalStaticSize - offset))

	ti.static = append(ti.static, entry{offset: offset, size: sec.Size, sec: sec, isData: sec.SectType == section.TLSData})
	sort.Slice(ti.static, func(i, j int) bool { return ti.static[i].offset < ti.static[j].offset })
	if end > ti.endStatic {
		ti.endStatic = end
	}
	ti.status = invalidated
	return va, nil
}

// align rounds v up to the next multiple of a. a == 0 is treated as
// no alignment requirement.
func align(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// AddNewDynamic places sec at the next free, correctly aligned offset
// after every previously added dynamic section, returning that offset
// and the section's resulting virtual-address value (which on x86_64
// is simply the offset itself, measured from the TLS self pointer).
// The first dynamic section starts no lower than selfPointerSize.
// Dynamic sections are always appended rather than placed into a freed
// gap; nothing removes a dynamic section once added, and neither
// Invalidate nor the GetData rebuild resets the offset count.
func (ti *Initializer) AddNewDynamic(sec *section.Section, alignment uintptr) (uintptr, addr.VirtAddr, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	base := ti.endDynamic
	if base < selfPointerSize {
		base = selfPointerSize
	}
	start := align(base, alignment)
	end := start + sec.Size

	ti.dynamic = append(ti.dynamic, entry{offset: start, size: sec.Size, sec: sec, isData: sec.SectType == section.TLSData})
	ti.endDynamic = end
	ti.status = invalidated
	return start, addr.NewVirtAddr(start), nil
}

// Invalidate marks the cached data image stale, forcing the next
// GetData call to regenerate it from the current section contents,
// needed after a relocation rewrites bytes inside a TLS section in
// place.
func (ti *Initializer) Invalidate() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.status = invalidated
}

// DataImage is a private, per-task copy of a TLS area: the raw bytes,
// and the value the task's FS base register (or TPIDR_EL0 on arm64,
// not modeled here) should be set to.
type DataImage struct {
	Data   []byte
	FSBase uintptr
}

// GetData lazily regenerates (if invalidated) and returns a fresh copy
// of the TLS data image, with the self pointer at offset
// endStatic stamped to the new copy's own address, the "every task
// gets a private self-referential TLS area" contract the x86-64 ELF
// TLS ABI requires.
func (ti *Initializer) GetData() (DataImage, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.endStatic == 0 && ti.endDynamic == 0 {
		return DataImage{}, nil
	}

	// Layout: [static sections][self pointer][dynamic sections]. A
	// dynamic section's recorded offset is already baselined at
	// selfPointerSize (see AddNewDynamic), so its absolute position in
	// the image is endStatic+offset; the self pointer itself lives at
	// exactly endStatic.
	required := ti.endStatic + ti.endDynamic
	if minRequired := ti.endStatic + selfPointerSize; required < minRequired {
		required = minRequired
	}

	if ti.status == invalidated {
		buf := make([]byte, required)
		for _, e := range ti.static {
			b, err := sectionBytes(e)
			if err != nil {
				return DataImage{}, err
			}
			copy(buf[e.offset:], b)
		}
		for _, e := range ti.dynamic {
			b, err := sectionBytes(e)
			if err != nil {
				return DataImage{}, err
			}
			copy(buf[ti.endStatic+e.offset:], b)
		}
		ti.cache = buf
		ti.status = fresh
	}

	out := make([]byte, len(ti.cache))
	copy(out, ti.cache)

	selfPtrOff := ti.endStatic
	if selfPtrOff+selfPointerSize > uintptr(len(out)) {
		return DataImage{}, fmt.Errorf("%w: TLS self pointer offset %d out of bounds in a %d-byte image", defs.ErrInvariant, selfPtrOff, len(out))
	}
	fsBase := uintptr(unsafe.Pointer(&out[selfPtrOff]))
	putUintptr(out[selfPtrOff:selfPtrOff+selfPointerSize], fsBase)

	return DataImage{Data: out, FSBase: fsBase}, nil
}

// sectionBytes returns the initializer bytes for a .tdata/.cls entry,
// or a zero-filled buffer of the right size for a .tbss entry.
func sectionBytes(e entry) ([]byte, error) {
	if !e.isData {
		return make([]byte, e.size), nil
	}
	return e.sec.Bytes()
}

func putUintptr(dst []byte, v uintptr) {
	for i := 0; i < len(dst); i++ {
		dst[i] = byte(v >> (8 * i))
	}
}
