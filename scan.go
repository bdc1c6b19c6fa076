package prelink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// scanResult is everything the layout planner needs from a single pass
// over the program header table.
type scanResult struct {
	// End of the highest PT_LOAD seen in file order (vaddr + memsz).
	lastLoadEnd uint64

	// Index of the PT_DYNAMIC entry to relocate and the PT_NOTE entry
	// to sacrifice.
	dynIndex  int
	noteIndex int

	// Raw bytes of the dynamic segment and the number of entries in it,
	// excluding the DT_NULL terminator.
	dynBackup []byte
	dynCount  int
}

// scanSegments walks the program header table once. It records the last
// loadable segment's extent, backs up the first PT_DYNAMIC segment, and
// stops at the first PT_NOTE segment.
//
// PT_DYNAMIC is required to precede PT_NOTE in the table. That is the
// common layout produced by linkers but nothing in the format enforces
// it; binaries that order them differently are rejected.
func scanSegments(im *Image) (*scanResult, error) {
	res := &scanResult{dynIndex: -1, noteIndex: -1}

	for i := 0; i < im.NumSegments(); i++ {
		seg := im.Segment(i)
		switch seg.Type {
		case elf.PT_LOAD:
			res.lastLoadEnd = seg.Vaddr + seg.Memsz
		case elf.PT_DYNAMIC:
			if res.dynIndex >= 0 {
				continue
			}
			backup, err := copySegmentBytes(im, seg)
			if err != nil {
				return nil, fmt.Errorf("backing up dynamic segment: %w", err)
			}
			count, err := countDynEntries(backup, im.ByteOrder())
			if err != nil {
				return nil, err
			}
			res.dynBackup = backup
			res.dynCount = count
			res.dynIndex = i
		case elf.PT_NOTE:
			if res.dynIndex < 0 {
				return nil, fmt.Errorf("%w: PT_NOTE at index %d precedes PT_DYNAMIC", ErrStructure, i)
			}
			res.noteIndex = i
		}
		if res.noteIndex >= 0 {
			break
		}
	}
	if res.dynIndex < 0 {
		return nil, fmt.Errorf("%w: no PT_DYNAMIC segment", ErrStructure)
	}
	if res.noteIndex < 0 {
		return nil, fmt.Errorf("%w: no PT_NOTE segment to convert", ErrStructure)
	}
	return res, nil
}

// copySegmentBytes copies a segment's file-backed bytes out of the image
// through virtual address reads, so it works against any backing
// representation. Whole 8-byte words first, then a byte-wise remainder.
func copySegmentBytes(im *Image, seg SegmentDescriptor) ([]byte, error) {
	dst := make([]byte, seg.Filesz)
	var i uint64
	for ; i+8 <= seg.Filesz; i += 8 {
		if err := im.ReadVaddr(seg.Vaddr+i, dst[i:i+8]); err != nil {
			return nil, err
		}
	}
	for ; i < seg.Filesz; i++ {
		if err := im.ReadVaddr(seg.Vaddr+i, dst[i:i+1]); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// countDynEntries counts dynamic entries up to, and not including, the
// DT_NULL terminator.
func countDynEntries(raw []byte, order binary.ByteOrder) (int, error) {
	r := bytes.NewReader(raw)
	var d elf.Dyn64
	for n := 0; ; n++ {
		if err := binary.Read(r, order, &d); err != nil {
			return 0, fmt.Errorf("%w: dynamic segment has no DT_NULL terminator", ErrStructure)
		}
		if elf.DynTag(d.Tag) == elf.DT_NULL {
			return n, nil
		}
	}
}
