// Package section models a single loaded ELF section and the
// reference-counted ownership graph sections form across crates.
// mapped.MappedPages carries unique ownership and cannot be copied, so
// a Section wraps one in a lock the way interior-mutable shared
// ownership requires: multiple crates may hold a Strong handle to the
// same section, dereference it to execute code, while a swap rewrites
// relocations elsewhere under the same lock. That lock borrows
// hashtable.go's bucket-lock idiom, one mutex guarding a small mutable
// struct; the Strong and Weak reference counts themselves are atomic
// counters.
package section

import (
	"fmt"
	"sync"
	"sync/atomic"

	"addr"
	"defs"
	"mapped"
)

// Type classifies the kind of loaded section, per the data model's
// {text, rodata, data, bss, TLS-data, TLS-bss, CLS} enumeration.
type Type int

const (
	Text Type = iota
	Rodata
	Data
	Bss
	TLSData
	TLSBss
	CLS
)

func (t Type) String() string {
	switch t {
	case Text:
		return "text"
	case Rodata:
		return "rodata"
	case Data:
		return "data"
	case Bss:
		return "bss"
	case TLSData:
		return "tls-data"
	case TLSBss:
		return "tls-bss"
	case CLS:
		return "cls"
	default:
		return "unknown"
	}
}

// Section is a single loaded ELF section: its type, virtual address,
// size, and the mapping it was written into.
type Section struct {
	Name       string
	SectType   Type
	VirtAddr   addr.VirtAddr
	Size       uintptr
	OffsetInMP uintptr

	mu     sync.Mutex
	pages  mapped.MappedPages
}

// NewSection wraps a freshly loaded section. Ownership of pages passes
// to the Section; callers must not use pages afterward.
func NewSection(name string, typ Type, va addr.VirtAddr, size, offset uintptr, pages mapped.MappedPages) *Section {
	return &Section{Name: name, SectType: typ, VirtAddr: va, Size: size, OffsetInMP: offset, pages: pages}
}

// Bytes returns a copy of this section's data, read out of its
// mapped pages at OffsetInMP..OffsetInMP+Size, the byte-granular
// counterpart to mapped.MappedPages.AsSlice's page-granular access,
// needed wherever a section's raw bytes must be copied elsewhere
// rather than executed or addressed in place, e.g. building a TLS data
// image.
func (s *Section) Bytes() ([]byte, error) {
	out := make([]byte, s.Size)
	if s.Size == 0 {
		return out, nil
	}
	return out, s.WithMappedPages(func(mp *mapped.MappedPages) error {
		remaining := out
		off := s.OffsetInMP
		base := mp.Pages().Start
		for len(remaining) > 0 {
			page := base + addr.Page(off/addr.PageSize)
			pageBytes, err := mp.AsSlice(page)
			if err != nil {
				return err
			}
			start := off % addr.PageSize
			n := copy(remaining, pageBytes[start:])
			remaining = remaining[n:]
			off += uintptr(n)
		}
		return nil
	})
}

// WithMappedPages runs fn against the section's mapped pages while
// holding its lock, the interior-mutable-lock access pattern a swap's
// relocation-rewrite step and ordinary code execution both go through.
func (s *Section) WithMappedPages(fn func(*mapped.MappedPages) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.pages)
}

// shared is the refcounted block backing a Strong/Weak pair. strong
// tracks live Strong handles; when it reaches zero the section may be
// torn down. weak tracks outstanding Weak handles purely for
// diagnostics, mirroring Rust Arc's weak count.
type shared struct {
	section *Section
	strong  int32
	weak    int32
}

// Strong is an owning, reference-counted handle to a Section, "which
// sections I depend on" per the data model. Cloning a Strong increases
// the section's strong refcount; dropping the last Strong (via Drop)
// permits the section to be freed.
type Strong struct {
	s *shared
}

// NewStrong creates the first Strong reference to sec.
func NewStrong(sec *Section) Strong {
	return Strong{s: &shared{section: sec, strong: 1}}
}

// Clone returns a new Strong handle sharing the same section,
// incrementing the strong refcount.
func (r Strong) Clone() Strong {
	atomic.AddInt32(&r.s.strong, 1)
	return Strong{s: r.s}
}

// Drop releases this Strong handle. The caller must not use r again.
func (r Strong) Drop() {
	atomic.AddInt32(&r.s.strong, -1)
}

// Section returns the underlying section. It panics if called on the
// zero Strong, the same "must not dereference a null Arc" contract
// Rust enforces at the type level.
func (r Strong) Section() *Section {
	if r.s == nil {
		panic("section: Section() called on zero Strong")
	}
	return r.s.section
}

// Downgrade produces a non-owning Weak handle to the same section,
// used to record "which sections depend on me" per the data model's
// back-edges.
func (r Strong) Downgrade() Weak {
	atomic.AddInt32(&r.s.weak, 1)
	return Weak{s: r.s}
}

// StrongCount reports the number of live Strong handles.
func (r Strong) StrongCount() int32 { return atomic.LoadInt32(&r.s.strong) }

// Weak is a non-owning back-edge reference. It must be Upgrade()'d
// before use, and upgrade may legitimately fail once every Strong
// handle has been dropped, e.g. after a crate swap removes the
// section it pointed to. Callers must tolerate that failure rather
// than treat it as a bug.
type Weak struct {
	s *shared
}

// Upgrade attempts to produce a new Strong handle, succeeding only if
// at least one Strong handle is still alive.
func (w Weak) Upgrade() (Strong, error) {
	if w.s == nil {
		return Strong{}, fmt.Errorf("%w: upgrade of a zero Weak reference", defs.ErrStructural)
	}
	for {
		cur := atomic.LoadInt32(&w.s.strong)
		if cur <= 0 {
			return Strong{}, fmt.Errorf("%w: section %q has no remaining strong references", defs.ErrUnresolved, w.s.section.Name)
		}
		if atomic.CompareAndSwapInt32(&w.s.strong, cur, cur+1) {
			return Strong{s: w.s}, nil
		}
	}
}

// Drop releases this Weak handle. The caller must not use w again.
func (w Weak) Drop() {
	if w.s != nil {
		atomic.AddInt32(&w.s.weak, -1)
	}
}
