// Package crate models a single loaded crate: its aggregated
// text/rodata/data segments, the sections loaded from those segments,
// and the symbols it exposes to a namespace. Its locking idiom
// follows accnt.Accnt_t: an embedded mutex guards the mutable fields,
// and any caller wanting a consistent view takes a locked snapshot
// rather than reading fields directly, the same discipline a swap's
// "freeze the old crate's metadata while rewriting dependents" step
// needs.
package crate

import (
	"fmt"
	"sync"

	"addr"
	"defs"
	"mapped"
	"section"
)

// SymbolEntry is one symbol a crate exposes to its namespace: its
// name as recorded in the object file, and the section that defines
// it.
type SymbolEntry struct {
	Name    string
	Section section.Strong
	Value   addr.VirtAddr
}

// Segment is one of a crate's three aggregated MappedPages regions
// (text, rodata, data) plus the virtual address range it occupies.
type Segment struct {
	Pages mapped.MappedPages
	Range addr.PageRange
}

// Crate is a single loaded crate: its name, its three aggregated
// segments, its sections keyed by ELF section index, its exposed
// symbols, and optionally the path of the object file it was loaded
// from.
type Crate struct {
	Name       string
	ObjectPath string

	mu       sync.Mutex
	text     Segment
	rodata   Segment
	data     Segment
	sections map[int]*section.Section
	symbols  []SymbolEntry
	deps     []Dependency
}

// Dependency records one relocation this crate's loader applied
// against a symbol defined by another crate's section: the site the
// relocation wrote into, the relocation's kind and addend, and the
// section it currently resolves to. A crate swap's step 4 walks these
// to find, and rewrite, every dependency pointing at a section that
// is about to be replaced.
type Dependency struct {
	Target     *section.Section
	Offset     uintptr
	RelType    uint32
	Addend     int64
	SymbolName string
	Resolved   section.Strong
}

// New creates an empty crate shell ready to receive segments,
// sections, and symbols as the loader populates it.
func New(name, objectPath string) *Crate {
	return &Crate{Name: name, ObjectPath: objectPath, sections: make(map[int]*section.Section)}
}

// SetSegment installs one of the crate's three aggregated segments.
func (c *Crate) SetSegment(typ section.Type, seg Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch typ {
	case section.Text:
		c.text = seg
	case section.Rodata:
		c.rodata = seg
	case section.Data, section.Bss:
		c.data = seg
	default:
		return fmt.Errorf("%w: segment type %v has no aggregated MappedPages slot", defs.ErrStructural, typ)
	}
	return nil
}

// AddSection records a loaded section at the given ELF section index.
// It fails if idx is already occupied.
func (c *Crate) AddSection(idx int, sec *section.Section) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sections[idx]; exists {
		return fmt.Errorf("%w: section index %d already loaded in crate %q", defs.ErrInvariant, idx, c.Name)
	}
	c.sections[idx] = sec
	return nil
}

// Section returns the section loaded at ELF section index idx.
func (c *Crate) Section(idx int) (*section.Section, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sections[idx]
	return s, ok
}

// AddDependency records a newly applied relocation.
func (c *Crate) AddDependency(d Dependency) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps = append(c.deps, d)
	return len(c.deps) - 1
}

// Dependencies returns a snapshot of every relocation this crate's
// loader has applied so far.
func (c *Crate) Dependencies() []Dependency {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Dependency, len(c.deps))
	copy(out, c.deps)
	return out
}

// RewriteDependency updates the Resolved section recorded for
// dependency idx, the bookkeeping half of a swap's step 4 (the byte
// rewrite itself happens separately via elfload.ApplyRelocation).
func (c *Crate) RewriteDependency(idx int, resolved section.Strong) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx >= 0 && idx < len(c.deps) {
		c.deps[idx].Resolved = resolved
	}
}

// AddSymbol appends entry to the crate's exposed symbol table.
func (c *Crate) AddSymbol(entry SymbolEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = append(c.symbols, entry)
}

// Snapshot is a consistent, locked-and-copied view of a crate's
// metadata, the crate-package analogue of Accnt_t.Fetch's rusage
// snapshot.
type Snapshot struct {
	Name       string
	ObjectPath string
	Text       Segment
	Rodata     Segment
	Data       Segment
	Sections   map[int]*section.Section
	Symbols    []SymbolEntry
}

// Snapshot takes a consistent copy of the crate's current metadata.
func (c *Crate) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	sections := make(map[int]*section.Section, len(c.sections))
	for k, v := range c.sections {
		sections[k] = v
	}
	symbols := make([]SymbolEntry, len(c.symbols))
	copy(symbols, c.symbols)

	return Snapshot{
		Name:       c.Name,
		ObjectPath: c.ObjectPath,
		Text:       c.text,
		Rodata:     c.rodata,
		Data:       c.data,
		Sections:   sections,
		Symbols:    symbols,
	}
}

// FindSymbol returns the first exposed symbol with the given exact
// name.
func (c *Crate) FindSymbol(name string) (SymbolEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.symbols {
		if s.Name == name {
			return s, true
		}
	}
	return SymbolEntry{}, false
}
