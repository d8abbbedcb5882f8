package elfload

import (
	"encoding/binary"
	"errors"
	"testing"

	"addr"
	"mapped"
	"palloc"
	"section"
)

func TestRelTypeSupported(t *testing.T) {
	cases := []struct {
		typ  RelType
		want bool
	}{
		{Rel64, true},
		{RelPC32, true},
		{RelPLT32, true},
		{RelGOTPCREL, true},
		{RelTPOFF32, true},
		{RelTPOFF64, true},
		{RelTLSGD, true},
		{RelType(999), false},
		{RelNone, false},
	}
	for _, c := range cases {
		if got := c.typ.supported(); got != c.want {
			t.Errorf("RelType(%d).supported() = %v; want %v", c.typ, got, c.want)
		}
	}
}

func TestRelTypeWidth(t *testing.T) {
	if w := Rel64.width(); w != 8 {
		t.Errorf("Rel64.width() = %d; want 8", w)
	}
	if w := RelPC32.width(); w != 4 {
		t.Errorf("RelPC32.width() = %d; want 4", w)
	}
}

// buildMinimalObject hand-assembles a tiny ET_REL x86-64 object with a
// single 16-byte .text section (all NOPs) and one global symbol
// "probe" defined at offset 0 within it. It has no relocations; the
// relocation-application path (ApplyRelocation) is exercised by the
// swap package's dependent-crate rewrite test instead.
func buildMinimalObject(t *testing.T) []byte {
	t.Helper()

	const (
		ehsize = 64
		shsize = 64
	)

	text := make([]byte, 16)
	for i := range text {
		text[i] = 0x90
	}

	// .shstrtab contents: "\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00"
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	nameOff := func(s string) uint32 {
		idx := indexOf(shstrtab, s)
		if idx < 0 {
			t.Fatalf("name %q not found in shstrtab", s)
		}
		return uint32(idx)
	}

	// .strtab contents for symbol names.
	strtab := []byte("\x00probe\x00")
	symNameOff := uint32(1)

	// symtab: null symbol + one global function symbol.
	symtab := make([]byte, 24*2)
	// symbol 1 fields.
	binary.LittleEndian.PutUint32(symtab[24:], symNameOff) // st_name
	symtab[24+4] = 0x12                                    // STB_GLOBAL<<4 | STT_FUNC
	symtab[24+5] = 0                                       // st_other
	binary.LittleEndian.PutUint16(symtab[24+6:], 1)        // st_shndx = .text
	binary.LittleEndian.PutUint64(symtab[24+8:], 0)        // st_value
	binary.LittleEndian.PutUint64(symtab[24+16:], 16)      // st_size

	// Layout file offsets.
	textOff := uint64(ehsize)
	symtabOff := textOff + uint64(len(text))
	strtabOff := symtabOff + uint64(len(symtab))
	shstrtabOff := strtabOff + uint64(len(strtab))
	shoff := shstrtabOff + uint64(len(shstrtab))

	buf := make([]byte, shoff+shsize*5)

	// ELF header.
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:], 1)      // e_type = ET_REL
	binary.LittleEndian.PutUint16(buf[18:], 0x3e)   // e_machine = EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:], 1)      // e_version
	binary.LittleEndian.PutUint64(buf[40:], shoff)   // e_shoff
	binary.LittleEndian.PutUint16(buf[52:], ehsize)  // e_ehsize
	binary.LittleEndian.PutUint16(buf[58:], shsize)  // e_shentsize
	binary.LittleEndian.PutUint16(buf[60:], 5)       // e_shnum
	binary.LittleEndian.PutUint16(buf[62:], 4)       // e_shstrndx

	copy(buf[textOff:], text)
	copy(buf[symtabOff:], symtab)
	copy(buf[strtabOff:], strtab)
	copy(buf[shstrtabOff:], shstrtab)

	writeShdr := func(idx int, name uint32, typ uint32, flags uint64, offset, size uint64, link, info uint32, entsize uint64) {
		base := int(shoff) + idx*shsize
		binary.LittleEndian.PutUint32(buf[base:], name)
		binary.LittleEndian.PutUint32(buf[base+4:], typ)
		binary.LittleEndian.PutUint64(buf[base+8:], flags)
		binary.LittleEndian.PutUint64(buf[base+24:], offset)
		binary.LittleEndian.PutUint64(buf[base+32:], size)
		binary.LittleEndian.PutUint32(buf[base+40:], link)
		binary.LittleEndian.PutUint32(buf[base+44:], info)
		binary.LittleEndian.PutUint64(buf[base+56:], entsize)
	}

	// 0: NULL
	writeShdr(0, 0, 0, 0, 0, 0, 0, 0, 0)
	// 1: .text  SHF_ALLOC(2)|SHF_EXECINSTR(4) = 6
	writeShdr(1, nameOff(".text"), 1 /*PROGBITS*/, 6, textOff, uint64(len(text)), 0, 0, 0)
	// 2: .symtab  link -> .strtab(3), info = 1 (index of first global)
	writeShdr(2, nameOff(".symtab"), 2 /*SYMTAB*/, 0, symtabOff, uint64(len(symtab)), 3, 1, 24)
	// 3: .strtab
	writeShdr(3, nameOff(".strtab"), 3 /*STRTAB*/, 0, strtabOff, uint64(len(strtab)), 0, 0, 0)
	// 4: .shstrtab
	writeShdr(4, nameOff(".shstrtab"), 3 /*STRTAB*/, 0, shstrtabOff, uint64(len(shstrtab)), 0, 0, 0)

	return buf
}

func indexOf(haystack []byte, needle string) int {
	n := []byte(needle)
	for i := 0; i+len(n) <= len(haystack); i++ {
		match := true
		for j := range n {
			if haystack[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

type nullResolver struct{}

func (nullResolver) Resolve(name string) (section.Weak, error) {
	return section.Weak{}, errors.New("no symbols expected")
}

func TestLoadClassifiesTextSection(t *testing.T) {
	arena, err := mapped.NewArena(16)
	if err != nil {
		t.Fatalf("NewArena returned unexpected error: %v", err)
	}
	defer arena.Close()
	table := mapped.NewPageTable(arena)
	frames := palloc.NewFrameAllocator(addr.Frame(0), 16)
	pages := palloc.NewPageAllocator(addr.Page(0), 16)

	data := buildMinimalObject(t)
	c, err := Load(data, "k#probe_crate", "", frames, pages, table, nullResolver{})
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}

	snap := c.Snapshot()
	if snap.Text.Pages.Frames().SizeInFrames() == 0 {
		t.Errorf("Load did not map a text segment")
	}

	entry, ok := c.FindSymbol("probe")
	if !ok {
		t.Fatalf("FindSymbol(probe) not found")
	}
	if entry.Value.Value() != 0 {
		t.Errorf("probe symbol value = %#x; want 0", entry.Value.Value())
	}

	sec, ok := c.Section(1)
	if !ok || sec.SectType != section.Text {
		t.Errorf("Section(1) = (%v, %v); want Text section", sec, ok)
	}
}
