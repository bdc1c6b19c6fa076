package prelink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// The test fixture is a minimal dynamically linked ELF64 executable:
// one PT_LOAD covering the whole file, PT_INTERP, a PT_DYNAMIC with
// eight entries plus terminator, and a 32-byte PT_NOTE.
const (
	fixtureBase   = uint64(0x400000)
	fixtureInterp = "/lib64/ld-linux-x86-64.so.2"
	fixtureSize   = 0x5c0

	fixtureInterpOff = uint64(0x200)
	fixtureDynOff    = uint64(0x300)
	fixtureDynCount  = 8 // not counting DT_NULL
	fixtureNoteOff   = uint64(0x400)
)

type fixture struct {
	noteFirst    bool // PT_NOTE placed before PT_DYNAMIC in the table
	static       bool // no PT_DYNAMIC at all
	noDynSection bool // .dynamic section header typed as SHT_PROGBITS
}

func put(t *testing.T, img []byte, off uint64, v any) {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("encoding fixture at %#x: %v", off, err)
	}
	copy(img[off:], buf.Bytes())
}

func (fx fixture) phdrs() []elf.Prog64 {
	load := elf.Prog64{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Vaddr: fixtureBase, Paddr: fixtureBase,
		Filesz: fixtureSize, Memsz: fixtureSize, Align: 0x1000,
	}
	interp := elf.Prog64{
		Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R),
		Off: fixtureInterpOff, Vaddr: fixtureBase + fixtureInterpOff, Paddr: fixtureBase + fixtureInterpOff,
		Filesz: uint64(len(fixtureInterp)) + 1, Memsz: uint64(len(fixtureInterp)) + 1, Align: 1,
	}
	dyn := elf.Prog64{
		Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
		Off: fixtureDynOff, Vaddr: fixtureBase + fixtureDynOff, Paddr: fixtureBase + fixtureDynOff,
		Filesz: (fixtureDynCount + 1) * dynEntrySize, Memsz: (fixtureDynCount + 1) * dynEntrySize, Align: 8,
	}
	note := elf.Prog64{
		Type: uint32(elf.PT_NOTE), Flags: uint32(elf.PF_R),
		Off: fixtureNoteOff, Vaddr: fixtureBase + fixtureNoteOff, Paddr: fixtureBase + fixtureNoteOff,
		Filesz: 32, Memsz: 32, Align: 4,
	}
	switch {
	case fx.static:
		return []elf.Prog64{load, interp, note}
	case fx.noteFirst:
		return []elf.Prog64{load, interp, note, dyn}
	default:
		return []elf.Prog64{load, interp, dyn, note}
	}
}

func (fx fixture) build(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, fixtureSize)

	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	phdrs := fx.phdrs()
	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     fixtureBase + 0x120,
		Phoff:     0x40,
		Shoff:     0x500,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(phdrs)),
		Shentsize: 64,
		Shnum:     3,
	}
	put(t, img, 0, &hdr)
	put(t, img, hdr.Phoff, phdrs)

	copy(img[fixtureInterpOff:], fixtureInterp) // trailing NUL is already there

	dyns := []elf.Dyn64{
		{Tag: int64(elf.DT_NEEDED), Val: 1},
		{Tag: int64(elf.DT_HASH), Val: fixtureBase + 0x240},
		{Tag: int64(elf.DT_STRTAB), Val: fixtureBase + 0x260},
		{Tag: int64(elf.DT_SYMTAB), Val: fixtureBase + 0x280},
		{Tag: int64(elf.DT_STRSZ), Val: 0x40},
		{Tag: int64(elf.DT_SYMENT), Val: dynEntrySize + 8},
		{Tag: int64(elf.DT_DEBUG), Val: 0},
		{Tag: int64(elf.DT_PLTGOT), Val: fixtureBase + 0x2a0},
		{Tag: int64(elf.DT_NULL), Val: 0},
	}
	put(t, img, fixtureDynOff, dyns)

	// Note contents only get sacrificed, anything will do.
	copy(img[fixtureNoteOff:], "note-segment-payload")

	dynSecType := uint32(elf.SHT_DYNAMIC)
	if fx.noDynSection {
		dynSecType = uint32(elf.SHT_PROGBITS)
	}
	shdrs := []elf.Section64{
		{},
		{
			Name: 1, Type: dynSecType, Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: fixtureBase + fixtureDynOff, Off: fixtureDynOff,
			Size: (fixtureDynCount + 1) * dynEntrySize, Addralign: 8, Entsize: dynEntrySize,
		},
		{
			Name: 10, Type: uint32(elf.SHT_NOTE),
			Addr: fixtureBase + fixtureNoteOff, Off: fixtureNoteOff,
			Size: 32, Addralign: 4,
		},
	}
	put(t, img, hdr.Shoff, shdrs)

	return img
}

func writeFixture(t *testing.T, img []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(path, img, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
