// Package elfload loads a crate object file: it parses the ELF image
// with the standard library's debug/elf (the same package
// kernel/chentry.go uses to patch a kernel image's entry point),
// classifies every SHF_ALLOC section into the aggregated
// text/rodata/data/TLS segments a crate.Crate tracks, and applies
// relocations against a Resolver. Before writing a relocation into a
// text section, the loader decodes the instruction at the write site
// with golang.org/x/arch/x86/x86asm and rejects the write if the
// decoded instruction is shorter than the relocation's width in bytes,
// a hardening check beyond plain bounds validation.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"addr"
	"chunk"
	"crate"
	"defs"
	"mapped"
	"palloc"
	"section"
)

// RelType enumerates the relocation types a crate object may use: the
// exact set this loader resolves: absolute 64-bit, PC-relative 32-bit, a
// GOT-relative load, and the three thread-local-storage forms a crate
// declaring TLS/CLS data generates.
type RelType uint32

const (
	RelNone     RelType = 0
	Rel64       RelType = 1  // R_X86_64_64
	RelPC32     RelType = 2  // R_X86_64_PC32
	RelPLT32    RelType = 4  // R_X86_64_PLT32
	RelGOTPCREL RelType = 9  // R_X86_64_GOTPCREL
	RelTPOFF32  RelType = 23 // R_X86_64_TPOFF32
	RelTLSGD    RelType = 19 // R_X86_64_TLSGD
	RelTPOFF64  RelType = 18 // R_X86_64_TPOFF64
)

func (t RelType) supported() bool {
	switch t {
	case Rel64, RelPC32, RelPLT32, RelGOTPCREL, RelTPOFF32, RelTPOFF64, RelTLSGD:
		return true
	default:
		return false
	}
}

func (t RelType) width() int {
	switch t {
	case Rel64, RelTPOFF64:
		return 8
	case RelPC32, RelPLT32, RelGOTPCREL, RelTPOFF32, RelTLSGD:
		return 4
	default:
		return 0
	}
}

// Resolver maps a symbol name to the section that defines it. It is
// satisfied by *namespace.Namespace without any adapter.
type Resolver interface {
	Resolve(name string) (section.Weak, error)
}

// rela64 is the on-disk layout of an Elf64_Rela entry; debug/elf
// exposes section bytes but not a parsed relocation table for
// ET_REL objects, so this loader decodes them itself.
type rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r rela64) symIndex() uint32 { return uint32(r.Info >> 32) }
func (r rela64) relType() RelType { return RelType(uint32(r.Info)) }

func classify(name string, flags elf.SectionFlag) (section.Type, bool) {
	switch {
	case strings.HasPrefix(name, ".tbss"):
		return section.TLSBss, true
	case strings.HasPrefix(name, ".tdata"):
		return section.TLSData, true
	case strings.HasPrefix(name, ".cls"):
		return section.CLS, true
	case flags&elf.SHF_EXECINSTR != 0:
		return section.Text, true
	case flags&elf.SHF_WRITE != 0:
		if strings.HasPrefix(name, ".bss") {
			return section.Bss, true
		}
		return section.Data, true
	case flags&elf.SHF_ALLOC != 0:
		return section.Rodata, true
	default:
		return 0, false
	}
}

// segmentBuf accumulates the bytes and per-section offsets for one of
// a crate's three aggregated segments before it is written into a
// single MappedPages region.
type segmentBuf struct {
	typ   section.Type
	bytes []byte
}

func (b *segmentBuf) append(data []byte) (offset uintptr) {
	offset = uintptr(len(b.bytes))
	b.bytes = append(b.bytes, data...)
	return offset
}

// loadSpan returns the combined [minVirt, maxVirt) virtual range
// across every PT_LOAD program header in f, and whether f carries any
// at all. A relocatable crate object (ET_REL, the only kind this
// loader is ever actually handed, per src/crate's design) carries no
// program headers: it is placed purely from its section table with no
// absolute addresses of its own, so hasSpan is false on that path.
// Program headers appear only on an already-linked ET_EXEC/ET_DYN
// image, the shape step 2 of the loader algorithm targets.
func loadSpan(f *elf.File) (minVirt, maxVirt addr.VirtAddr, hasSpan bool) {
	var lo, hi uint64
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		end := p.Vaddr + p.Memsz
		if !hasSpan || p.Vaddr < lo {
			lo = p.Vaddr
		}
		if !hasSpan || end > hi {
			hi = end
		}
		hasSpan = true
	}
	if !hasSpan {
		return 0, 0, false
	}
	return addr.NewVirtAddr(uintptr(lo)), addr.NewVirtAddr(uintptr(hi)), true
}

// Load parses the ELF object in data, builds a crate.Crate named
// crateName from its allocated sections, maps the three aggregated
// segments through frames, pages, and table, and resolves every
// relocation against resolve. The returned crate's sections and
// symbols are fully populated; the caller is responsible for
// registering it in a namespace.
func Load(data []byte, crateName, objectPath string, frames *palloc.FrameAllocator, pages *palloc.PageAllocator, table *mapped.PageTable, resolve Resolver) (*crate.Crate, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: parse ELF: %v", defs.ErrStructural, err)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: crate object is not x86-64", defs.ErrStructural)
	}

	c := crate.New(crateName, objectPath)

	minVirt, maxVirt, hasSpan := loadSpan(f)

	segs := map[section.Type]*segmentBuf{
		section.Text:   {typ: section.Text},
		section.Rodata: {typ: section.Rodata},
		section.Data:   {typ: section.Data},
	}
	// BSS, TLS-data, TLS-bss, and CLS sections live in the data
	// segment's address space but occupy no file bytes until touched;
	// track their layout in the same buffer as Data.
	segs[section.Bss] = segs[section.Data]
	segs[section.TLSData] = segs[section.Data]
	segs[section.TLSBss] = segs[section.Data]
	segs[section.CLS] = segs[section.Data]

	type pending struct {
		idx    int
		name   string
		typ    section.Type
		offset uintptr
		size   uintptr
	}
	var placements []pending

	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		typ, ok := classify(s.Name, s.Flags)
		if !ok {
			continue
		}

		var raw []byte
		if s.Type == elf.SHT_NOBITS {
			raw = make([]byte, s.Size)
		} else {
			raw, err = s.Data()
			if err != nil {
				return nil, fmt.Errorf("%w: read section %q: %v", defs.ErrStructural, s.Name, err)
			}
		}

		if hasSpan {
			// The section's own sh_addr is already an absolute value
			// within [minVirt,maxVirt); record it directly instead of
			// repacking into a type-aggregated buffer.
			placements = append(placements, pending{idx: i, name: s.Name, typ: typ, offset: uintptr(s.Addr) - uintptr(minVirt), size: uintptr(len(raw))})
			continue
		}

		buf := segs[typ]
		off := buf.append(raw)
		placements = append(placements, pending{idx: i, name: s.Name, typ: typ, offset: off, size: uintptr(len(raw))})
	}

	mappedSegs := make(map[section.Type]crate.Segment)
	if hasSpan {
		seg, err := mapProgramHeaders(f, minVirt, maxVirt, frames, pages, table)
		if err != nil {
			return nil, fmt.Errorf("%w: map PT_LOAD span of crate %q: %v", defs.ErrExhausted, crateName, err)
		}
		// A linked image's PT_LOAD span is not itself subdivided by
		// section type the way a relocatable object's sections are;
		// every ALLOC section shares this one mapping, addressed by
		// its own offset within it (see the placements loop above).
		mappedSegs[section.Text] = seg
		mappedSegs[section.Rodata] = seg
		mappedSegs[section.Data] = seg
		if err := c.SetSegment(section.Data, seg); err != nil {
			return nil, err
		}
	} else {
		for _, typ := range []section.Type{section.Text, section.Rodata, section.Data} {
			buf := segs[typ]
			if len(buf.bytes) == 0 {
				continue
			}
			seg, err := mapSegment(buf.bytes, frames, pages, table)
			if err != nil {
				return nil, fmt.Errorf("%w: map %v segment of crate %q: %v", defs.ErrExhausted, typ, crateName, err)
			}
			mappedSegs[typ] = seg
			if err := c.SetSegment(typ, seg); err != nil {
				return nil, err
			}
		}
	}

	for _, p := range placements {
		backing, ok := mappedSegs[p.typ]
		if !ok {
			backing = mappedSegs[section.Data]
		}
		sec := section.NewSection(p.name, p.typ, addr.VirtAddr(uintptr(backing.Range.Start.Addr())+p.offset), p.size, p.offset, backing.Pages)
		if err := c.AddSection(p.idx, sec); err != nil {
			return nil, err
		}
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("%w: read symbol table: %v", defs.ErrStructural, err)
	}
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || int(sym.Section) >= len(f.Sections) {
			continue
		}
		sec, ok := c.Section(int(sym.Section))
		if !ok {
			continue
		}
		c.AddSymbol(crate.SymbolEntry{
			Name:    sym.Name,
			Section: section.NewStrong(sec),
			Value:   addr.NewVirtAddr(uintptr(sym.Value)),
		})
	}

	if err := applyRelocations(f, c, resolve); err != nil {
		return nil, err
	}

	return c, nil
}

// mapSegment allocates frames and an independent virtual page range
// sized to data, maps one to the other, and copies data in. frames and
// pages are two separate allocators (one physical, one virtual): a
// page range's numeric value is never derived from the frame range
// backing it.
func mapSegment(data []byte, frames *palloc.FrameAllocator, pages *palloc.PageAllocator, table *mapped.PageTable) (crate.Segment, error) {
	pageCount := int((uintptr(len(data)) + addr.PageSize - 1) / addr.PageSize)
	if pageCount == 0 {
		pageCount = 1
	}

	fc, err := frames.Allocate(pageCount)
	if err != nil {
		return crate.Segment{}, err
	}
	frameRange, err := addr.NewFrameRange(fc.Start(), fc.End())
	if err != nil {
		return crate.Segment{}, err
	}

	pc, err := pages.Allocate(pageCount)
	if err != nil {
		return crate.Segment{}, err
	}

	mp, err := table.Map(mapped.NewAllocatedPages(pc.Pages()), mapped.NewAllocatedFrames(frameRange), mapped.FlagWritable)
	if err != nil {
		return crate.Segment{}, err
	}

	written := 0
	for p := pc.Start(); p <= pc.End() && written < len(data); p++ {
		b, err := mp.AsSlice(p)
		if err != nil {
			return crate.Segment{}, err
		}
		n := copy(b, data[written:])
		written += n
	}

	return crate.Segment{Pages: mp, Range: pc.Pages()}, nil
}

// mapProgramHeaders reserves and populates the virtual range spanning
// every PT_LOAD segment of f, step 2 of the loader algorithm: an
// ET_DYN (position-independent) image may be placed anywhere the page
// allocator finds room; an ET_EXEC image demands the exact
// [minVirt,maxVirt) range and fails if any page in it is not free.
// File bytes are copied to their recorded segment offset and the
// remaining memsz-filesz bytes of each segment are left zeroed (BSS).
func mapProgramHeaders(f *elf.File, minVirt, maxVirt addr.VirtAddr, frames *palloc.FrameAllocator, pages *palloc.PageAllocator, table *mapped.PageTable) (crate.Segment, error) {
	span := uintptr(maxVirt) - uintptr(minVirt)
	if span == 0 {
		return crate.Segment{}, fmt.Errorf("%w: PT_LOAD span is empty", defs.ErrStructural)
	}
	pageCount := int((span + addr.PageSize - 1) / addr.PageSize)

	buf := make([]byte, span)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segData := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), segData); err != nil {
			return crate.Segment{}, fmt.Errorf("%w: read PT_LOAD segment at %#x: %v", defs.ErrStructural, p.Vaddr, err)
		}
		off := uintptr(p.Vaddr) - uintptr(minVirt)
		copy(buf[off:], segData)
	}

	fc, err := frames.Allocate(pageCount)
	if err != nil {
		return crate.Segment{}, err
	}
	frameRange, err := addr.NewFrameRange(fc.Start(), fc.End())
	if err != nil {
		return crate.Segment{}, err
	}

	var pc chunk.PageChunk
	if f.Type == elf.ET_DYN {
		pc, err = pages.Allocate(pageCount)
	} else {
		if uintptr(minVirt)%addr.PageSize != 0 {
			return crate.Segment{}, fmt.Errorf("%w: non-PIE load address %v is not page-aligned", defs.ErrStructural, minVirt)
		}
		pc, err = pages.AllocateAt(addr.PageFromAddr(minVirt), pageCount)
	}
	if err != nil {
		return crate.Segment{}, fmt.Errorf("reserve virtual range for PT_LOAD span [%v,%v): %w", minVirt, maxVirt, err)
	}

	mp, err := table.Map(mapped.NewAllocatedPages(pc.Pages()), mapped.NewAllocatedFrames(frameRange), mapped.FlagWritable)
	if err != nil {
		return crate.Segment{}, err
	}

	written := 0
	for p := pc.Start(); p <= pc.End() && written < len(buf); p++ {
		b, err := mp.AsSlice(p)
		if err != nil {
			return crate.Segment{}, err
		}
		n := copy(b, buf[written:])
		written += n
	}

	return crate.Segment{Pages: mp, Range: pc.Pages()}, nil
}

func applyRelocations(f *elf.File, c *crate.Crate, resolve Resolver) error {
	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return fmt.Errorf("%w: read symbol table for relocation: %v", defs.ErrStructural, err)
	}

	for _, relaSec := range f.Sections {
		if !strings.HasPrefix(relaSec.Name, ".rela") {
			continue
		}
		targetName := strings.TrimPrefix(relaSec.Name, ".rela")
		var targetIdx = -1
		for i, s := range f.Sections {
			if s.Name == targetName {
				targetIdx = i
				break
			}
		}
		if targetIdx < 0 {
			continue
		}
		targetSection, ok := c.Section(targetIdx)
		if !ok {
			continue
		}

		raw, err := relaSec.Data()
		if err != nil {
			return fmt.Errorf("%w: read %q: %v", defs.ErrStructural, relaSec.Name, err)
		}
		for off := 0; off+24 <= len(raw); off += 24 {
			r := rela64{
				Offset: binary.LittleEndian.Uint64(raw[off:]),
				Info:   binary.LittleEndian.Uint64(raw[off+8:]),
				Addend: int64(binary.LittleEndian.Uint64(raw[off+16:])),
			}
			relType := r.relType()
			if relType == RelNone {
				continue
			}
			if !relType.supported() {
				return fmt.Errorf("%w: unsupported relocation type %d in %q", defs.ErrInvariant, relType, relaSec.Name)
			}
			// f.Symbols omits the null symbol at ELF index 0, so ELF
			// symbol index i is syms[i-1].
			if r.symIndex() == 0 || int(r.symIndex()) > len(syms) {
				return fmt.Errorf("%w: relocation symbol index %d out of range", defs.ErrStructural, r.symIndex())
			}
			sym := syms[r.symIndex()-1]

			symWeak, err := resolve.Resolve(sym.Name)
			if err != nil {
				return fmt.Errorf("%w: resolve relocation symbol %q: %v", defs.ErrUnresolved, sym.Name, err)
			}
			symStrong, err := symWeak.Upgrade()
			if err != nil {
				return fmt.Errorf("%w: upgrade symbol %q: %v", defs.ErrUnresolved, sym.Name, err)
			}

			if err := ApplyRelocation(targetSection, uintptr(r.Offset), relType, symStrong, r.Addend); err != nil {
				return err
			}
			c.AddDependency(crate.Dependency{
				Target:     targetSection,
				Offset:     uintptr(r.Offset),
				RelType:    uint32(relType),
				Addend:     r.Addend,
				SymbolName: sym.Name,
				Resolved:   symStrong,
			})
		}
	}
	return nil
}

// ApplyRelocation writes the value relType computes for sym+addend
// into target at offset, validating the write site against the
// decoded x86 instruction when target is a text section. A crate
// swap's step 4 calls this directly to re-point a dependency at a
// freshly loaded section without re-parsing any ELF data.
func ApplyRelocation(target *section.Section, offset uintptr, relType RelType, sym section.Strong, addend int64) error {
	return target.WithMappedPages(func(mp *mapped.MappedPages) error {
		absOffset := target.OffsetInMP + offset
		page := addr.Page(absOffset / addr.PageSize)
		inPage := absOffset % addr.PageSize
		startPage := mp.Pages().Start + page

		b, err := mp.AsSlice(startPage)
		if err != nil {
			return fmt.Errorf("%w: relocation offset %d out of range for section %q", defs.ErrInvariant, offset, target.Name)
		}
		width := relType.width()
		if int(inPage)+width > len(b) {
			return fmt.Errorf("%w: relocation at offset %d width %d overruns its page in section %q", defs.ErrInvariant, offset, width, target.Name)
		}

		if target.SectType == section.Text {
			if inst, decErr := x86asm.Decode(b[inPage:], 64); decErr == nil {
				if inst.Len < width {
					return fmt.Errorf("%w: relocation width %d exceeds decoded instruction length %d at offset %d in %q", defs.ErrInvariant, width, inst.Len, offset, target.Name)
				}
			}
		}

		symVA := sym.Section().VirtAddr.Value()
		var value int64
		pcRelative := false
		switch relType {
		case Rel64, RelTPOFF64:
			value = int64(symVA) + addend
		case RelPC32, RelPLT32, RelGOTPCREL, RelTLSGD:
			pcRelOrigin := uintptr(startPage.Addr()) + inPage
			value = int64(symVA) + addend - int64(pcRelOrigin)
			pcRelative = true
		case RelTPOFF32:
			value = int64(symVA) + addend
		}

		if width == 4 && (value < math.MinInt32 || value > math.MaxInt32) {
			kind := "value"
			if pcRelative {
				kind = "PC-relative value"
			}
			return fmt.Errorf("%w: relocation %s %d at offset %d in %q does not fit a signed 32-bit field", defs.ErrInvariant, kind, value, offset, target.Name)
		}

		switch width {
		case 8:
			binary.LittleEndian.PutUint64(b[inPage:], uint64(value))
		case 4:
			binary.LittleEndian.PutUint32(b[inPage:], uint32(int32(value)))
		}
		return nil
	})
}
