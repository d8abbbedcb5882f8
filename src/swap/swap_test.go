package swap

import (
	"encoding/binary"
	"testing"

	"addr"
	"crate"
	"elfload"
	"mapped"
	"namespace"
	"palloc"
	"section"
)

// buildObject hand-assembles a tiny ET_REL x86-64 object with a single
// 16-byte .text section (all NOPs) and one global symbol "probe"
// defined at offset 0, mirroring elfload's own minimal-object builder.
func buildObject(t *testing.T) []byte {
	t.Helper()

	const (
		ehsize = 64
		shsize = 64
	)

	text := make([]byte, 16)
	for i := range text {
		text[i] = 0x90
	}

	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	nameOff := func(s string) uint32 {
		idx := indexOf(shstrtab, s)
		if idx < 0 {
			t.Fatalf("name %q not found in shstrtab", s)
		}
		return uint32(idx)
	}

	strtab := []byte("\x00probe\x00")
	symNameOff := uint32(1)

	symtab := make([]byte, 24*2)
	binary.LittleEndian.PutUint32(symtab[24:], symNameOff)
	symtab[24+4] = 0x12
	symtab[24+5] = 0
	binary.LittleEndian.PutUint16(symtab[24+6:], 1)
	binary.LittleEndian.PutUint64(symtab[24+8:], 0)
	binary.LittleEndian.PutUint64(symtab[24+16:], 16)

	textOff := uint64(ehsize)
	symtabOff := textOff + uint64(len(text))
	strtabOff := symtabOff + uint64(len(symtab))
	shstrtabOff := strtabOff + uint64(len(strtab))
	shoff := shstrtabOff + uint64(len(shstrtab))

	buf := make([]byte, shoff+shsize*5)

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:], 1)
	binary.LittleEndian.PutUint16(buf[18:], 0x3e)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[40:], shoff)
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[58:], shsize)
	binary.LittleEndian.PutUint16(buf[60:], 5)
	binary.LittleEndian.PutUint16(buf[62:], 4)

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

	writeShdr(0, 0, 0, 0, 0, 0, 0, 0, 0)
	writeShdr(1, nameOff(".text"), 1, 6, textOff, uint64(len(text)), 0, 0, 0)
	writeShdr(2, nameOff(".symtab"), 2, 0, symtabOff, uint64(len(symtab)), 3, 1, 24)
	writeShdr(3, nameOff(".strtab"), 3, 0, strtabOff, uint64(len(strtab)), 0, 0, 0)
	writeShdr(4, nameOff(".shstrtab"), 3, 0, shstrtabOff, uint64(len(shstrtab)), 0, 0, 0)

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

func newTestEngine(t *testing.T) (*Engine, *namespace.Namespace) {
	t.Helper()
	arena, err := mapped.NewArena(64)
	if err != nil {
		t.Fatalf("NewArena returned unexpected error: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	table := mapped.NewPageTable(arena)
	frames := palloc.NewFrameAllocator(addr.Frame(0), 64)
	pages := palloc.NewPageAllocator(addr.Page(0), 64)
	ns := namespace.New("test", false)
	return &Engine{NS: ns, Frames: frames, Pages: pages, Table: table}, ns
}

func TestSwapReplacesCrateAndUpdatesSymbols(t *testing.T) {
	e, ns := newTestEngine(t)

	oldData := buildObject(t)
	oldCrate, err := elfload.Load(oldData, "k#target", "", e.Frames, e.Pages, e.Table, ns)
	if err != nil {
		t.Fatalf("Load(old) returned unexpected error: %v", err)
	}
	if err := ns.AddCrate(oldCrate); err != nil {
		t.Fatalf("AddCrate(old) returned unexpected error: %v", err)
	}

	newData := buildObject(t)
	req := Request{OldCrateName: "k#target", NewObjectData: newData, NewObjectName: ""}
	if err := e.Swap(req); err != nil {
		t.Fatalf("Swap returned unexpected error: %v", err)
	}

	replaced, ok := ns.Crate("k#target")
	if !ok {
		t.Fatalf("crate %q missing after swap", "k#target")
	}
	if replaced == oldCrate {
		t.Errorf("Swap left the old crate registered under the canonical name")
	}
	if _, ok := ns.Crate("swap-tmp#k#target"); ok {
		t.Errorf("temporary crate entry survived the swap")
	}
}

func TestSwapFailsWhenOldCrateMissing(t *testing.T) {
	e, _ := newTestEngine(t)
	req := Request{OldCrateName: "k#nonexistent", NewObjectData: buildObject(t)}
	err := e.Swap(req)
	if err == nil {
		t.Fatal("Swap succeeded; want failure at step 1")
	}
	var f *Failure
	if !asFailure(err, &f) {
		t.Fatalf("Swap error = %v; want *Failure", err)
	}
	if f.Step != 1 {
		t.Errorf("Swap failure step = %d; want 1", f.Step)
	}
}

func TestSwapFailsWhenSymbolUnmatchedAndNotReexported(t *testing.T) {
	e, ns := newTestEngine(t)

	oldData := buildObject(t)
	oldCrate, err := elfload.Load(oldData, "k#target", "", e.Frames, e.Pages, e.Table, ns)
	if err != nil {
		t.Fatalf("Load(old) returned unexpected error: %v", err)
	}
	if err := ns.AddCrate(oldCrate); err != nil {
		t.Fatalf("AddCrate(old) returned unexpected error: %v", err)
	}

	// A new object whose only exported symbol is named differently
	// fails symbol matching unless marked reexport-only.
	req := Request{
		OldCrateName:  "k#target",
		NewObjectData: buildObjectWithSymbol(t, "probz"),
	}
	err = e.Swap(req)
	if err == nil {
		t.Fatal("Swap succeeded; want failure at step 3")
	}
	var f *Failure
	if !asFailure(err, &f) {
		t.Fatalf("Swap error = %v; want *Failure", err)
	}
	if f.Step != 3 {
		t.Errorf("Swap failure step = %d; want 3", f.Step)
	}

	req.ReexportOnly = map[string]bool{"probe": true}
	if err := e.Swap(req); err != nil {
		t.Fatalf("Swap with ReexportOnly returned unexpected error: %v", err)
	}
}

func TestSwapRewritesDependentCrate(t *testing.T) {
	e, ns := newTestEngine(t)

	oldData := buildObject(t)
	oldCrate, err := elfload.Load(oldData, "k#target", "", e.Frames, e.Pages, e.Table, ns)
	if err != nil {
		t.Fatalf("Load(old) returned unexpected error: %v", err)
	}
	if err := ns.AddCrate(oldCrate); err != nil {
		t.Fatalf("AddCrate(old) returned unexpected error: %v", err)
	}

	oldSnap := oldCrate.Snapshot()
	oldTextSec := oldSnap.Sections[1]

	dependent := crate.New("k#dependent", "")
	depTextSeg := oldSnap.Text
	dependent.SetSegment(section.Text, depTextSeg)
	dependent.AddSection(1, oldTextSec)
	dep := crate.Dependency{
		Target:     oldTextSec,
		Offset:     4,
		RelType:    uint32(elfload.Rel64),
		SymbolName: "probe",
		Resolved:   section.NewStrong(oldTextSec),
	}
	dependent.AddDependency(dep)
	if err := ns.AddCrate(dependent); err != nil {
		t.Fatalf("AddCrate(dependent) returned unexpected error: %v", err)
	}

	req := Request{OldCrateName: "k#target", NewObjectData: buildObject(t)}
	if err := e.Swap(req); err != nil {
		t.Fatalf("Swap returned unexpected error: %v", err)
	}

	rewritten := dependent.Dependencies()
	if len(rewritten) != 1 {
		t.Fatalf("dependent has %d dependencies; want 1", len(rewritten))
	}
	if rewritten[0].Resolved.Section() == oldTextSec {
		t.Errorf("dependency still points at the retired crate's section")
	}
}

// buildObjectWithSymbol is buildObject but with the exported symbol
// named differently, for testing unmatched-symbol failure.
func buildObjectWithSymbol(t *testing.T, symName string) []byte {
	t.Helper()
	data := buildObject(t)
	// Patch strtab in place: "\x00probe\x00" -> "\x00" + symName + "\x00",
	// only valid when symName is the same length as "probe".
	if len(symName) != len("probe") {
		t.Fatalf("buildObjectWithSymbol requires a %d-byte name", len("probe"))
	}
	idx := indexOf(data, "probe")
	copy(data[idx:], symName)
	return data
}

func asFailure(err error, target **Failure) bool {
	f, ok := err.(*Failure)
	if !ok {
		return false
	}
	*target = f
	return true
}
