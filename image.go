package prelink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64

	// Dynamic table entry size (Elf64_Dyn).
	dynEntrySize = 16
)

// SegmentDescriptor is one program header entry.
type SegmentDescriptor struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// SectionDescriptor is one section header entry.
type SectionDescriptor struct {
	Name      uint32
	Type      elf.SectionType
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Image holds a complete ELF64 executable in memory. Header table
// modifications write through to the underlying bytes, so Bytes always
// reflects the current header state.
type Image struct {
	path  string
	data  []byte
	order binary.ByteOrder
	hdr   elf.Header64
	phdrs []elf.Prog64
	shdrs []elf.Section64
}

// OpenImage reads and parses an ELF64 executable.
func OpenImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	im := &Image{path: path, data: data}
	if err := im.parse(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return im, nil
}

func (im *Image) parse() error {
	if len(im.data) < ehdrSize {
		return fmt.Errorf("file too small for an ELF header (%d bytes)", len(im.data))
	}
	ident := im.data[:elf.EI_NIDENT]
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return fmt.Errorf("bad magic %x", ident[:4])
	}
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return fmt.Errorf("unsupported class %s", elf.Class(ident[elf.EI_CLASS]))
	}
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		im.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		im.order = binary.BigEndian
	default:
		return fmt.Errorf("unsupported data encoding %d", ident[elf.EI_DATA])
	}
	if err := binary.Read(bytes.NewReader(im.data), im.order, &im.hdr); err != nil {
		return err
	}
	if t := elf.Type(im.hdr.Type); t != elf.ET_EXEC && t != elf.ET_DYN {
		return fmt.Errorf("not an executable (type %s)", t)
	}
	if im.hdr.Phentsize != phdrSize {
		return fmt.Errorf("unexpected program header entry size %d", im.hdr.Phentsize)
	}
	phend := im.hdr.Phoff + uint64(im.hdr.Phnum)*phdrSize
	if im.hdr.Phoff > uint64(len(im.data)) || phend > uint64(len(im.data)) {
		return fmt.Errorf("program header table out of range (%#x-%#x)", im.hdr.Phoff, phend)
	}
	im.phdrs = make([]elf.Prog64, im.hdr.Phnum)
	r := bytes.NewReader(im.data[im.hdr.Phoff:phend])
	if err := binary.Read(r, im.order, im.phdrs); err != nil {
		return err
	}
	if im.hdr.Shnum > 0 {
		if im.hdr.Shentsize != shdrSize {
			return fmt.Errorf("unexpected section header entry size %d", im.hdr.Shentsize)
		}
		shend := im.hdr.Shoff + uint64(im.hdr.Shnum)*shdrSize
		if im.hdr.Shoff > uint64(len(im.data)) || shend > uint64(len(im.data)) {
			return fmt.Errorf("section header table out of range (%#x-%#x)", im.hdr.Shoff, shend)
		}
		im.shdrs = make([]elf.Section64, im.hdr.Shnum)
		r = bytes.NewReader(im.data[im.hdr.Shoff:shend])
		if err := binary.Read(r, im.order, im.shdrs); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the file the image was read from.
func (im *Image) Path() string { return im.path }

// Size returns the on-disk size of the image.
func (im *Image) Size() uint64 { return uint64(len(im.data)) }

// Bytes returns the raw image, including any header modifications made
// through ModifySegment and ModifySection.
func (im *Image) Bytes() []byte { return im.data }

// ByteOrder returns the image's data encoding.
func (im *Image) ByteOrder() binary.ByteOrder { return im.order }

// Close releases the underlying buffer. The image must not be used
// afterwards.
func (im *Image) Close() {
	im.data = nil
	im.phdrs = nil
	im.shdrs = nil
}

// NumSegments returns the number of program header entries.
func (im *Image) NumSegments() int { return len(im.phdrs) }

// Segment returns the program header entry at index i.
func (im *Image) Segment(i int) SegmentDescriptor {
	p := im.phdrs[i]
	return SegmentDescriptor{
		Type:   elf.ProgType(p.Type),
		Flags:  elf.ProgFlag(p.Flags),
		Offset: p.Off,
		Vaddr:  p.Vaddr,
		Paddr:  p.Paddr,
		Filesz: p.Filesz,
		Memsz:  p.Memsz,
		Align:  p.Align,
	}
}

// ModifySegment overwrites the program header entry at index i, both in
// the decoded table and in the raw image bytes.
func (im *Image) ModifySegment(i int, sd SegmentDescriptor) error {
	if i < 0 || i >= len(im.phdrs) {
		return fmt.Errorf("segment index %d out of range (%d entries)", i, len(im.phdrs))
	}
	im.phdrs[i] = elf.Prog64{
		Type:   uint32(sd.Type),
		Flags:  uint32(sd.Flags),
		Off:    sd.Offset,
		Vaddr:  sd.Vaddr,
		Paddr:  sd.Paddr,
		Filesz: sd.Filesz,
		Memsz:  sd.Memsz,
		Align:  sd.Align,
	}
	return im.store(im.hdr.Phoff+uint64(i)*phdrSize, &im.phdrs[i])
}

// NumSections returns the number of section header entries.
func (im *Image) NumSections() int { return len(im.shdrs) }

// Section returns the section header entry at index i.
func (im *Image) Section(i int) SectionDescriptor {
	s := im.shdrs[i]
	return SectionDescriptor{
		Name:      s.Name,
		Type:      elf.SectionType(s.Type),
		Flags:     s.Flags,
		Addr:      s.Addr,
		Offset:    s.Off,
		Size:      s.Size,
		Link:      s.Link,
		Info:      s.Info,
		Addralign: s.Addralign,
		Entsize:   s.Entsize,
	}
}

// ModifySection overwrites the section header entry at index i, both in
// the decoded table and in the raw image bytes.
func (im *Image) ModifySection(i int, sd SectionDescriptor) error {
	if i < 0 || i >= len(im.shdrs) {
		return fmt.Errorf("section index %d out of range (%d entries)", i, len(im.shdrs))
	}
	im.shdrs[i] = elf.Section64{
		Name:      sd.Name,
		Type:      uint32(sd.Type),
		Flags:     sd.Flags,
		Addr:      sd.Addr,
		Off:       sd.Offset,
		Size:      sd.Size,
		Link:      sd.Link,
		Info:      sd.Info,
		Addralign: sd.Addralign,
		Entsize:   sd.Entsize,
	}
	return im.store(im.hdr.Shoff+uint64(i)*shdrSize, &im.shdrs[i])
}

// store re-encodes a header entry into the raw image at off.
func (im *Image) store(off uint64, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, im.order, v); err != nil {
		return err
	}
	if off+uint64(buf.Len()) > uint64(len(im.data)) {
		return fmt.Errorf("header write at %#x past end of image", off)
	}
	copy(im.data[off:], buf.Bytes())
	return nil
}

// ReadVaddr fills buf with the image bytes backing the virtual address
// range [addr, addr+len(buf)). The range must lie within the file-backed
// portion of a single PT_LOAD segment.
func (im *Image) ReadVaddr(addr uint64, buf []byte) error {
	n := uint64(len(buf))
	for _, p := range im.phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if addr < p.Vaddr || addr >= p.Vaddr+p.Filesz {
			continue
		}
		if addr+n > p.Vaddr+p.Filesz {
			return fmt.Errorf("read of %d bytes at %#x crosses segment end %#x",
				n, addr, p.Vaddr+p.Filesz)
		}
		off := p.Off + (addr - p.Vaddr)
		if off+n > uint64(len(im.data)) {
			return fmt.Errorf("read at %#x maps past end of file", addr)
		}
		copy(buf, im.data[off:off+n])
		return nil
	}
	return fmt.Errorf("address %#x not backed by any PT_LOAD segment", addr)
}

// InterpPath returns the program interpreter path and the file offset of
// its string storage.
func (im *Image) InterpPath() (string, uint64, error) {
	for _, p := range im.phdrs {
		if elf.ProgType(p.Type) != elf.PT_INTERP {
			continue
		}
		if p.Off+p.Filesz > uint64(len(im.data)) {
			return "", 0, fmt.Errorf("PT_INTERP at %#x out of range", p.Off)
		}
		raw := im.data[p.Off : p.Off+p.Filesz]
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		return string(raw), p.Off, nil
	}
	return "", 0, fmt.Errorf("no PT_INTERP segment")
}

// IsDynamic reports whether the image carries a PT_DYNAMIC segment.
func (im *Image) IsDynamic() bool {
	for _, p := range im.phdrs {
		if elf.ProgType(p.Type) == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}
